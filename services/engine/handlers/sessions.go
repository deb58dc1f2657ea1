// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coralbridge/orderdesk/services/engine/datatypes"
	"github.com/coralbridge/orderdesk/services/engine/observability"
	"github.com/coralbridge/orderdesk/services/engine/session"
)

// sessionHistoryLimit caps the turns returned by the session endpoint.
// Full exports are an operator concern, not an API one.
const sessionHistoryLimit = 50

// SessionResponse is the GET session body: the header plus the most
// recent turns in chronological order.
type SessionResponse struct {
	Success bool                      `json:"success"`
	Session *datatypes.Session        `json:"session"`
	Turns   []datatypes.StoredMessage `json:"turns"`
}

// GetSession returns the GET /api/chatbot/sessions/:session_id handler.
func GetSession(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := observability.StartSpan(c.Request.Context(), tracerName, "handlers.session_get")
		defer span.End()

		id := c.Param("session_id")
		if !datatypes.ValidIdentifier(id) {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
				Error: "invalid session id",
				Kind:  "bad_request",
			})
			return
		}
		sess, err := store.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				c.JSON(http.StatusNotFound, datatypes.ErrorResponse{
					Error: "session not found",
					Kind:  "not_found",
				})
				return
			}
			observability.RecordError(span, err)
			slog.Error("Session lookup failed", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
				Error: "internal error",
				Kind:  "internal",
			})
			return
		}

		turns, err := store.RecentTurns(ctx, id, sessionHistoryLimit)
		if err != nil {
			observability.RecordError(span, err)
			slog.Error("Session history read failed", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
				Error: "internal error",
				Kind:  "internal",
			})
			return
		}

		c.JSON(http.StatusOK, SessionResponse{Success: true, Session: sess, Turns: turns})
	}
}

// EndSession returns the POST /api/chatbot/sessions/:session_id/end
// handler. Ending an ended session succeeds; the operation is
// idempotent at the store.
func EndSession(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := observability.StartSpan(c.Request.Context(), tracerName, "handlers.session_end")
		defer span.End()

		id := c.Param("session_id")
		if !datatypes.ValidIdentifier(id) {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
				Error: "invalid session id",
				Kind:  "bad_request",
			})
			return
		}
		if err := store.EndSession(ctx, id); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				c.JSON(http.StatusNotFound, datatypes.ErrorResponse{
					Error: "session not found",
					Kind:  "not_found",
				})
				return
			}
			observability.RecordError(span, err)
			slog.Error("Session end failed", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
				Error: "internal error",
				Kind:  "internal",
			})
			return
		}

		slog.Info("Session ended", "session_id", id)
		c.JSON(http.StatusOK, gin.H{"success": true, "session_id": id, "status": "ended"})
	}
}
