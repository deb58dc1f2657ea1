// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the gin handlers for the request engine.
// Handlers translate between HTTP and the orchestration pipeline; no
// business rules live here.
package handlers

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/coralbridge/orderdesk/services/engine/datatypes"
	"github.com/coralbridge/orderdesk/services/engine/middleware"
	"github.com/coralbridge/orderdesk/services/engine/observability"
	"github.com/coralbridge/orderdesk/services/engine/services"
	"github.com/coralbridge/orderdesk/services/engine/validation"
)

const tracerName = "orderdesk.engine.handlers"

// HandleChat returns the POST /api/chatbot handler.
//
// # Description
//
// Binds the request body, runs the orchestration pipeline, and maps the
// three error outcomes to their status codes: validation rejection 400,
// rate limit denial 429 with Retry-After, fatal failure 500. Every
// completed pipeline run, degraded or refused included, returns 200.
func HandleChat(orch *services.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := observability.StartSpan(c.Request.Context(), tracerName, "handlers.chat")
		defer span.End()

		var req datatypes.ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			observability.RecordError(span, err)
			slog.Warn("Rejected malformed chat request",
				"trace_id", observability.TraceID(ctx),
				"error", err)
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
				Error: "invalid request body",
				Kind:  "bad_request",
			})
			return
		}
		if err := req.Validate(); err != nil {
			observability.RecordError(span, err)
			slog.Warn("Rejected chat request with invalid identifiers",
				"trace_id", observability.TraceID(ctx),
				"error", err)
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
				Error: "session_id and user_id accept letters, digits, dot, underscore, and hyphen only",
				Kind:  "bad_request",
			})
			return
		}

		resp, err := orch.Process(ctx, &req, c.ClientIP())
		if err != nil {
			writeProcessError(c, span, err)
			return
		}

		resp.Metadata.RequestID = middleware.GetRequestID(c)
		observability.SetSpanOK(span)
		c.JSON(http.StatusOK, resp)
	}
}

// writeProcessError maps a pipeline error to its HTTP shape. Unknown
// errors are treated as fatal; the caller never sees internals.
func writeProcessError(c *gin.Context, span trace.Span, err error) {
	observability.RecordError(span, err)

	if ve := validation.AsValidationError(err); ve != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
			Error: ve.Detail,
			Kind:  ve.Kind,
		})
		return
	}

	if rl := services.AsRateLimited(err); rl != nil {
		retry := retryAfterSeconds(rl)
		c.Header("Retry-After", strconv.Itoa(retry))
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.Decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(rl.Decision.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(rl.Decision.ResetAt.Unix(), 10))
		c.JSON(http.StatusTooManyRequests, datatypes.ErrorResponse{
			Error:      "rate limit exceeded",
			Kind:       rl.Decision.Dimension,
			RetryAfter: retry,
		})
		return
	}

	slog.Error("Chat request failed", "error", err)
	c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
		Error: "internal error",
		Kind:  "internal",
	})
}

// retryAfterSeconds rounds the retry horizon up to whole seconds, never
// below one: a Retry-After of 0 invites an immediate identical denial.
func retryAfterSeconds(rl *services.RateLimitedError) int {
	secs := int(math.Ceil(rl.Decision.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
