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
	"strconv"
	"time"

	"github.com/coralbridge/orderdesk/services/engine/datatypes"
	"github.com/coralbridge/orderdesk/services/engine/vector"
)

// SimilarityThreshold is the minimum cosine similarity for a stored
// response to count as a paraphrase of the incoming message.
const SimilarityThreshold = 0.95

// semanticCandidates is how many neighbours to inspect per lookup. More
// than one so an expired best match can lose to a live runner-up.
const semanticCandidates = 3

// SemanticCache is the L2 layer: responses keyed by message embedding,
// served when a new message is a near-paraphrase of an answered one.
// Entries carry their creation time and are expired at read, since the
// vector store has no native TTL.
type SemanticCache struct {
	provider *vector.Provider
	ttl      time.Duration

	// now is swapped in tests.
	now func() time.Time
}

// NewSemanticCache builds the layer. provider is shared with the
// retriever; ttl is the entry lifetime.
func NewSemanticCache(provider *vector.Provider, ttl time.Duration) *SemanticCache {
	return &SemanticCache{provider: provider, ttl: ttl, now: time.Now}
}

// entryMeta is what Put stores alongside the response body.
func entryMeta(createdUnix int64, outlet, language string) map[string]string {
	return map[string]string{
		"created_unix": strconv.FormatInt(createdUnix, 10),
		"outlet":       outlet,
		"language":     language,
	}
}

// Get returns the cached response most similar to vec, or false when no
// live entry clears the similarity threshold. Only entries with the same
// outlet and language are considered: a paraphrase match must not leak
// another outlet's pricing or a different language's answer.
func (s *SemanticCache) Get(ctx context.Context, vec []float32, outlet, language string) (*datatypes.ChatResponse, bool) {
	store, err := s.provider.Get()
	if err != nil {
		slog.Warn("Semantic cache unavailable", "error", err)
		return nil, false
	}

	where := map[string]string{"outlet": outlet, "language": language}
	hits, err := store.Query(ctx, vector.CollectionResponses, vec, semanticCandidates, where)
	if err != nil {
		slog.Warn("Semantic cache lookup failed", "error", err)
		return nil, false
	}

	now := s.now()
	var (
		best        *vector.Hit
		bestCreated int64
		expired     []string
	)
	for i := range hits {
		h := &hits[i]
		if h.Score < SimilarityThreshold {
			continue
		}
		created, err := strconv.ParseInt(h.Metadata["created_unix"], 10, 64)
		if err != nil {
			continue
		}
		if now.Sub(time.Unix(created, 0)) >= s.ttl {
			expired = append(expired, h.ID)
			continue
		}
		// Higher similarity wins; equal similarity goes to the newer entry.
		if best == nil || h.Score > best.Score || (h.Score == best.Score && created > bestCreated) {
			best = h
			bestCreated = created
		}
	}

	if len(expired) > 0 {
		if err := store.Delete(ctx, vector.CollectionResponses, expired...); err != nil {
			slog.Warn("Failed to evict expired semantic entries", "count", len(expired), "error", err)
		}
	}
	if best == nil {
		return nil, false
	}

	var resp datatypes.ChatResponse
	if err := json.Unmarshal([]byte(best.Content), &resp); err != nil {
		slog.Warn("Corrupt semantic cache entry, evicting", "id", best.ID, "error", err)
		_ = store.Delete(ctx, vector.CollectionResponses, best.ID)
		return nil, false
	}
	return &resp, true
}

// Put stores resp under the message embedding. The entry ID is derived
// from the normalized text and scope, so re-answering the same question
// overwrites rather than accumulates.
func (s *SemanticCache) Put(ctx context.Context, normalizedText string, vec []float32, outlet, language string, resp *datatypes.ChatResponse) {
	store, err := s.provider.Get()
	if err != nil {
		slog.Warn("Semantic cache unavailable, skipping write", "error", err)
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		slog.Warn("Failed to serialize response for semantic cache", "error", err)
		return
	}

	doc := vector.Document{
		ID:       hashKey(normalizedText, outlet, language),
		Content:  string(body),
		Vector:   vec,
		Metadata: entryMeta(s.now().Unix(), outlet, language),
	}
	if err := store.Upsert(ctx, vector.CollectionResponses, []vector.Document{doc}); err != nil {
		slog.Warn("Semantic cache write failed", "error", err)
	}
}

// Ping reports vector backend health for the health endpoint.
func (s *SemanticCache) Ping(ctx context.Context) error {
	store, err := s.provider.Get()
	if err != nil {
		return err
	}
	return store.Ping(ctx)
}
