// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coralbridge/orderdesk/services/engine/config"
	"github.com/coralbridge/orderdesk/services/engine/datatypes"
	"github.com/coralbridge/orderdesk/services/engine/observability"
	"github.com/coralbridge/orderdesk/services/engine/vector"
)

// ResponseQuery identifies a response cache entry. All four parts form
// the exact key; the semantic layer matches on embedding but still scopes
// to outlet and language.
type ResponseQuery struct {
	NormalizedText string
	ContextDigest  string
	Outlet         string
	Language       string
}

// Hierarchy is the four-layer cache facade.
//
// # Description
//
// L1 holds exact response matches, L2 semantic paraphrase matches, L3
// intent classifications, and L4 retrieval results. L1, L3, and L4 live
// in Redis with an in-process fallback; L2 lives in the vector store.
// Every layer failure degrades to a miss. No code path here returns an
// error to the request flow.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Hierarchy struct {
	store    *TieredStore
	semantic *SemanticCache
	metrics  *observability.Metrics

	ttlL1 time.Duration
	ttlL3 time.Duration
	ttlL4 time.Duration
}

// NewHierarchy builds the cache stack from configuration.
//
// # Inputs
//
//   - cfg: Cache URL, credential, and per-layer TTLs.
//   - provider: Shared vector store provider, used by the semantic layer.
//   - metrics: May be nil in tests; lookups are then not counted.
//
// # Outputs
//
//   - *Hierarchy: The ready facade.
//   - error: Non-nil only for configuration mistakes caught at startup
//     (malformed cache URL, unreadable credential). An unreachable Redis
//     is not an error; it degrades at runtime.
func NewHierarchy(cfg *config.Config, provider *vector.Provider, metrics *observability.Metrics) (*Hierarchy, error) {
	fallback, err := NewMemoryStore()
	if err != nil {
		return nil, err
	}

	var primary Store
	if cfg.CacheURL != "" {
		var password string
		if cfg.CachePassword.Present() {
			password, err = cfg.CachePassword.Reveal()
			if err != nil {
				return nil, err
			}
		}
		rs, err := NewRedisStore(cfg.CacheURL, password)
		if err != nil {
			return nil, err
		}
		primary = rs
	} else {
		slog.Info("No cache URL configured, caching in process only")
	}

	return &Hierarchy{
		store:    NewTieredStore(primary, fallback),
		semantic: NewSemanticCache(provider, cfg.CacheTTLL2),
		metrics:  metrics,
		ttlL1:    cfg.CacheTTLL1,
		ttlL3:    cfg.CacheTTLL3,
		ttlL4:    cfg.CacheTTLL4,
	}, nil
}

func (h *Hierarchy) record(ctx context.Context, layer, outcome, backend string) {
	if h.metrics == nil {
		return
	}
	h.metrics.CacheRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("layer", layer),
		attribute.String("outcome", outcome),
		attribute.String("backend", backend),
	))
}

// =============================================================================
// L1 / L2: responses
// =============================================================================

// GetExact looks up the response under its exact key. Returns the
// response, the backend that served it, and whether it hit.
func (h *Hierarchy) GetExact(ctx context.Context, q ResponseQuery) (*datatypes.ChatResponse, string, bool) {
	key := ResponseKey(q.NormalizedText, q.ContextDigest, q.Outlet, q.Language)
	raw, backend, err := h.store.Get(ctx, key)
	if err != nil {
		h.record(ctx, LayerExact, "miss", "")
		return nil, "", false
	}

	var resp datatypes.ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		slog.Warn("Corrupt response cache entry, evicting", "key", key, "error", err)
		h.store.Delete(ctx, key)
		h.record(ctx, LayerExact, "miss", "")
		return nil, "", false
	}
	h.record(ctx, LayerExact, "hit", backend)
	return &resp, backend, true
}

// GetSemantic looks up a paraphrase match by embedding. Callers compute
// vec once and reuse it for retrieval.
func (h *Hierarchy) GetSemantic(ctx context.Context, vec []float32, q ResponseQuery) (*datatypes.ChatResponse, bool) {
	resp, ok := h.semantic.Get(ctx, vec, q.Outlet, q.Language)
	if !ok {
		h.record(ctx, LayerSemantic, "miss", "")
		return nil, false
	}
	h.record(ctx, LayerSemantic, "hit", BackendVector)
	return resp, true
}

// PutResponse writes the response to L1 and, when an embedding is
// available, to L2. Both writes are best effort.
func (h *Hierarchy) PutResponse(ctx context.Context, q ResponseQuery, vec []float32, resp *datatypes.ChatResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		slog.Warn("Failed to serialize response for cache", "error", err)
		return
	}
	key := ResponseKey(q.NormalizedText, q.ContextDigest, q.Outlet, q.Language)
	h.store.Set(ctx, key, body, h.ttlL1)

	if len(vec) > 0 {
		h.semantic.Put(ctx, q.NormalizedText, vec, q.Outlet, q.Language, resp)
	}
}

// =============================================================================
// L3: intents
// =============================================================================

// GetIntent returns a cached classification for the normalized text.
func (h *Hierarchy) GetIntent(ctx context.Context, normalizedText string) (*datatypes.IntentResult, bool) {
	raw, backend, err := h.store.Get(ctx, IntentKey(normalizedText))
	if err != nil {
		h.record(ctx, LayerIntent, "miss", "")
		return nil, false
	}
	var res datatypes.IntentResult
	if err := json.Unmarshal(raw, &res); err != nil {
		slog.Warn("Corrupt intent cache entry, evicting", "error", err)
		h.store.Delete(ctx, IntentKey(normalizedText))
		h.record(ctx, LayerIntent, "miss", "")
		return nil, false
	}
	h.record(ctx, LayerIntent, "hit", backend)
	return &res, true
}

// PutIntent caches a successful classification. Degraded fallback
// results must not be cached; the caller enforces that.
func (h *Hierarchy) PutIntent(ctx context.Context, normalizedText string, res *datatypes.IntentResult) {
	body, err := json.Marshal(res)
	if err != nil {
		slog.Warn("Failed to serialize intent for cache", "error", err)
		return
	}
	h.store.Set(ctx, IntentKey(normalizedText), body, h.ttlL3)
}

// =============================================================================
// L4: retrievals
// =============================================================================

// GetRetrieval returns cached knowledge chunks for the query.
func (h *Hierarchy) GetRetrieval(ctx context.Context, normalizedText, language string, k int) ([]datatypes.KnowledgeChunk, bool) {
	raw, backend, err := h.store.Get(ctx, RetrievalKey(normalizedText, language, k))
	if err != nil {
		h.record(ctx, LayerRetrieval, "miss", "")
		return nil, false
	}
	var chunks []datatypes.KnowledgeChunk
	if err := json.Unmarshal(raw, &chunks); err != nil {
		slog.Warn("Corrupt retrieval cache entry, evicting", "error", err)
		h.store.Delete(ctx, RetrievalKey(normalizedText, language, k))
		h.record(ctx, LayerRetrieval, "miss", "")
		return nil, false
	}
	h.record(ctx, LayerRetrieval, "hit", backend)
	return chunks, true
}

// PutRetrieval caches retrieval results. Empty result sets are skipped:
// an empty slice also means "vector store was down", and pinning that
// for the full retrieval TTL would mask recovery.
func (h *Hierarchy) PutRetrieval(ctx context.Context, normalizedText, language string, k int, chunks []datatypes.KnowledgeChunk) {
	if len(chunks) == 0 {
		return
	}
	body, err := json.Marshal(chunks)
	if err != nil {
		slog.Warn("Failed to serialize retrieval for cache", "error", err)
		return
	}
	h.store.Set(ctx, RetrievalKey(normalizedText, language, k), body, h.ttlL4)
}

// =============================================================================
// Health and lifecycle
// =============================================================================

// Ping reports Redis health for the health endpoint.
func (h *Hierarchy) Ping(ctx context.Context) error {
	return h.store.Ping(ctx)
}

// PingSemantic reports vector backend health.
func (h *Hierarchy) PingSemantic(ctx context.Context) error {
	return h.semantic.Ping(ctx)
}

// Shared reports whether responses are cached across replicas.
func (h *Hierarchy) Shared() bool {
	return h.store.Shared()
}

// Wait flushes pending fallback writes. The in-process store applies
// sets asynchronously; tests call this before asserting on a read.
func (h *Hierarchy) Wait() {
	h.store.fallback.Wait()
}

// Close releases the underlying stores.
func (h *Hierarchy) Close() error {
	return h.store.Close()
}
