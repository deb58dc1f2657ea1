// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the request engine.
//
// # Request ID Flow
//
//	Request
//	   │
//	   ▼
//	RequestID middleware
//	   │
//	   ├─► Reuse incoming "X-Request-ID" header, or mint a UUID
//	   │
//	   ├─► Store the id in the Gin context (GetRequestID)
//	   │
//	   └─► Echo the id on the response header
//	           │
//	           ▼
//	       Handler (stamps metadata.request_id)
//
// Tracing middleware is not defined here; the router installs otelgin
// directly so spans and request ids stay independent concerns.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID is the correlation header read from the request and
// echoed on every response.
const HeaderRequestID = "X-Request-ID"

// requestIDKey is the context key for the request id. A package-scoped
// string key prevents collisions with other context values.
const requestIDKey = "orderdesk_request_id"

// RequestID returns middleware that assigns every request a correlation
// id.
//
// # Description
//
// An incoming X-Request-ID is trusted as-is so upstream proxies can
// stitch their logs to ours; absent that, a UUID is minted. The id is
// stored in the Gin context for handlers and echoed on the response
// header before any handler output.
//
// # Thread Safety
//
// Safe for concurrent use; all state is request-scoped.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set(HeaderRequestID, id)
		c.Next()
	}
}

// GetRequestID returns the correlation id assigned by RequestID, or ""
// when the middleware did not run.
func GetRequestID(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
