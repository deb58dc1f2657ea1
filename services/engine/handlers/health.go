// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coralbridge/orderdesk/services/engine/health"
)

// HandleHealth returns the GET /health handler. Always 200; readers
// judge the deployment from the component map, not the status code, so
// a degraded engine keeps receiving traffic while operators look at
// what is impaired.
func HandleHealth(prober *health.Prober) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, prober.Check(c.Request.Context()))
	}
}
