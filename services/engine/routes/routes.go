// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes registers the engine's HTTP surface on a gin router.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coralbridge/orderdesk/services/engine/handlers"
	"github.com/coralbridge/orderdesk/services/engine/health"
	"github.com/coralbridge/orderdesk/services/engine/observability"
	"github.com/coralbridge/orderdesk/services/engine/services"
	"github.com/coralbridge/orderdesk/services/engine/session"
)

// SetupRoutes mounts every engine endpoint. Middleware (request ids,
// tracing, recovery) is installed by the engine before this runs.
func SetupRoutes(router *gin.Engine, orch *services.Orchestrator, store *session.Store, prober *health.Prober) {
	router.GET("/health", handlers.HandleHealth(prober))

	// Resolved per request; nil until telemetry init installs the
	// Prometheus exporter, and stays nil when metrics are disabled.
	router.GET("/metrics", func(c *gin.Context) {
		h := observability.MetricsHandler()
		if h == nil {
			c.Status(http.StatusNotFound)
			return
		}
		h.ServeHTTP(c.Writer, c.Request)
	})

	api := router.Group("/api")
	{
		api.POST("/chatbot", handlers.HandleChat(orch))

		sessions := api.Group("/chatbot/sessions")
		{
			sessions.GET("/:session_id", handlers.GetSession(store))
			sessions.POST("/:session_id/end", handlers.EndSession(store))
		}
	}
}
