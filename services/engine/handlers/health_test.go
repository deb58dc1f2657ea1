// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coralbridge/orderdesk/services/engine/cache"
	"github.com/coralbridge/orderdesk/services/engine/config"
	"github.com/coralbridge/orderdesk/services/engine/health"
	"github.com/coralbridge/orderdesk/services/engine/vector"
)

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("unreachable") }

func newHealthProber(t *testing.T) *health.Prober {
	t.Helper()

	provider := vector.NewProviderFunc(func() (vector.Store, error) {
		return vector.NewChromemStore("")
	})
	hierarchy, err := cache.NewHierarchy(&config.Config{
		CacheTTLL1: time.Minute,
		CacheTTLL2: time.Minute,
		CacheTTLL3: time.Minute,
		CacheTTLL4: time.Minute,
	}, provider, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hierarchy.Close() })

	return &health.Prober{
		Sessions: newTestStore(t),
		Cache:    hierarchy,
		Vector:   provider,
	}
}

func TestHandleHealth_AllComponentsOK(t *testing.T) {
	router := gin.New()
	router.GET("/health", HandleHealth(newHealthProber(t)))

	w := doRequest(router, "GET", "/health")

	assert.Equal(t, http.StatusOK, w.Code)
	var report health.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, health.StatusOK, report.Status)
	require.Len(t, report.Components, 5)
	for _, name := range []string{
		health.ComponentDatabase,
		health.ComponentCacheL1,
		health.ComponentCacheL2,
		health.ComponentLLM,
		health.ComponentVectorStore,
	} {
		assert.Equal(t, health.StatusOK, report.Components[name], name)
	}
}

// An unreachable component changes the body, never the status code.
// Load balancers that key on non-200 would otherwise evict a replica
// that can still serve from its fallback layers.
func TestHandleHealth_DownComponentStill200(t *testing.T) {
	prober := newHealthProber(t)
	prober.Sessions = downPinger{}

	router := gin.New()
	router.GET("/health", HandleHealth(prober))

	w := doRequest(router, "GET", "/health")

	assert.Equal(t, http.StatusOK, w.Code)
	var report health.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, health.StatusDown, report.Status)
	assert.Equal(t, health.StatusDown, report.Components[health.ComponentDatabase])
}
