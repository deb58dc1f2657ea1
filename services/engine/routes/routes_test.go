// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/coralbridge/orderdesk/services/engine/health"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSetupRoutes_RegistersEngineSurface(t *testing.T) {
	router := gin.New()

	// Handlers are closures over their dependencies; registration must
	// not touch them.
	SetupRoutes(router, nil, nil, &health.Prober{})

	want := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/api/chatbot"},
		{"GET", "/api/chatbot/sessions/:session_id"},
		{"POST", "/api/chatbot/sessions/:session_id/end"},
	}

	registered := make(map[string]bool)
	for _, r := range router.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, w := range want {
		if !registered[w.method+" "+w.path] {
			t.Fatalf("route %s %s not registered; have %v", w.method, w.path, registered)
		}
	}
	if len(router.Routes()) != len(want) {
		t.Fatalf("unexpected extra routes: %d registered, want %d", len(router.Routes()), len(want))
	}
}
