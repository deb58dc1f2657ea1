// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package knowledge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/coralbridge/orderdesk/services/engine/cache"
	"github.com/coralbridge/orderdesk/services/engine/config"
	"github.com/coralbridge/orderdesk/services/engine/vector"
)

type fakeEmbedder struct {
	mu        sync.Mutex
	vecs      map[string][]float32
	err       error
	callCount int
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.vecs[t]
		if !ok {
			v = []float32{0, 0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

func newMemProvider() *vector.Provider {
	return vector.NewProviderFunc(func() (vector.Store, error) {
		return vector.NewChromemStore("")
	})
}

func seedPolicies(t *testing.T, provider *vector.Provider) {
	t.Helper()
	store, err := provider.Get()
	if err != nil {
		t.Fatalf("provider.Get: %v", err)
	}
	docs := []vector.Document{
		{
			ID:      "pol-delivery#2",
			Content: "Free delivery for orders above 300 dollars, next business day.",
			Vector:  []float32{1, 0, 0, 0},
			Metadata: map[string]string{
				"policy_id": "pol-delivery", "policy_name": "Delivery Policy",
				"section": "2", "language": "en",
			},
		},
		{
			ID:      "pol-bulk#1",
			Content: "Bulk discounts start at 50 cartons per line item.",
			Vector:  []float32{0, 1, 0, 0},
			Metadata: map[string]string{
				"policy_id": "pol-bulk", "policy_name": "Bulk Pricing",
				"section": "1", "language": "en",
			},
		},
		{
			ID:      "pol-delivery-zh#2",
			Content: "订单满三百新元免运费。",
			Vector:  []float32{1, 0, 0, 0},
			Metadata: map[string]string{
				"policy_id": "pol-delivery", "policy_name": "送货政策",
				"section": "2", "language": "zh",
			},
		},
	}
	if err := store.Upsert(context.Background(), vector.CollectionKnowledge, docs); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func newL4Hierarchy(t *testing.T) *cache.Hierarchy {
	t.Helper()
	mr := miniredis.RunT(t)
	h, err := cache.NewHierarchy(&config.Config{
		CacheURL:   mr.Addr(),
		CacheTTLL1: 30 * time.Minute,
		CacheTTLL2: time.Hour,
		CacheTTLL3: time.Hour,
		CacheTTLL4: 24 * time.Hour,
	}, newMemProvider(), nil)
	if err != nil {
		t.Fatalf("NewHierarchy: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestRetrieve_TopKByLanguage(t *testing.T) {
	provider := newMemProvider()
	seedPolicies(t, provider)

	embedder := &fakeEmbedder{vecs: map[string][]float32{
		"what is the delivery policy": {1, 0, 0, 0},
	}}
	r := NewRetriever(embedder, provider, nil, nil)

	chunks := r.Retrieve(context.Background(), "what is the delivery policy", "en", 3)
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	best := chunks[0]
	if best.PolicyID != "pol-delivery" || best.PolicyName != "Delivery Policy" || best.Section != "2" {
		t.Errorf("best chunk = %+v", best)
	}
	if best.RelevanceScore < 0.99 {
		t.Errorf("relevance = %v, want near 1.0 for an exact direction match", best.RelevanceScore)
	}
	for _, c := range chunks {
		if c.Language == "zh" {
			t.Errorf("language filter leaked a zh chunk: %+v", c)
		}
	}

	zh := r.Retrieve(context.Background(), "what is the delivery policy", "zh", 3)
	if len(zh) != 1 || zh[0].PolicyName != "送货政策" {
		t.Errorf("zh retrieval = %+v", zh)
	}
}

func TestRetrieve_ServesFromCache(t *testing.T) {
	provider := newMemProvider()
	seedPolicies(t, provider)

	embedder := &fakeEmbedder{vecs: map[string][]float32{
		"what is the delivery policy": {1, 0, 0, 0},
	}}
	r := NewRetriever(embedder, provider, newL4Hierarchy(t), nil)
	ctx := context.Background()

	first := r.Retrieve(ctx, "what is the delivery policy", "en", 3)
	if len(first) == 0 {
		t.Fatal("expected chunks")
	}
	if embedder.calls() != 1 {
		t.Fatalf("embedder calls = %d, want 1", embedder.calls())
	}

	// Case-folded repeat: cache hit, no second embedding.
	second := r.Retrieve(ctx, "What Is The Delivery Policy", "en", 3)
	if len(second) != len(first) || second[0].PolicyID != first[0].PolicyID {
		t.Errorf("cached retrieval differs: %+v vs %+v", second, first)
	}
	if embedder.calls() != 1 {
		t.Errorf("embedder calls = %d after cache hit, want 1", embedder.calls())
	}
}

func TestRetrieve_DefaultKSharesCacheKey(t *testing.T) {
	provider := newMemProvider()
	seedPolicies(t, provider)

	embedder := &fakeEmbedder{vecs: map[string][]float32{
		"delivery terms": {1, 0, 0, 0},
	}}
	h := newL4Hierarchy(t)
	r := NewRetriever(embedder, provider, h, nil)
	ctx := context.Background()

	if got := r.Retrieve(ctx, "delivery terms", "en", 0); len(got) == 0 {
		t.Fatal("expected chunks for k=0 (defaulted)")
	}
	if _, ok := h.GetRetrieval(ctx, cache.NormalizeText("delivery terms"), "en", DefaultK); !ok {
		t.Error("k=0 retrieval should cache under the default k")
	}
}

func TestRetrieve_EmbeddingFailureReturnsEmpty(t *testing.T) {
	provider := newMemProvider()
	seedPolicies(t, provider)

	embedder := &fakeEmbedder{err: errors.New("embedding api down")}
	h := newL4Hierarchy(t)
	r := NewRetriever(embedder, provider, h, nil)
	ctx := context.Background()

	if got := r.Retrieve(ctx, "delivery terms", "en", 3); got != nil {
		t.Fatalf("expected nil on embedding failure, got %+v", got)
	}

	// The empty result must not be cached: recovery is visible on the
	// next request.
	embedder.mu.Lock()
	embedder.err = nil
	embedder.vecs = map[string][]float32{"delivery terms": {1, 0, 0, 0}}
	embedder.mu.Unlock()
	if got := r.Retrieve(ctx, "delivery terms", "en", 3); len(got) == 0 {
		t.Fatal("recovered embedder should retrieve chunks")
	}
}

func TestRetrieve_NoEmbedderReturnsEmpty(t *testing.T) {
	provider := newMemProvider()
	seedPolicies(t, provider)

	r := NewRetriever(nil, provider, nil, nil)
	if got := r.Retrieve(context.Background(), "delivery terms", "en", 3); got != nil {
		t.Fatalf("expected nil without an embedder, got %+v", got)
	}
}

func TestRetrieve_VectorOutageReturnsEmpty(t *testing.T) {
	attempts := 0
	provider := vector.NewProviderFunc(func() (vector.Store, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("vector store unreachable")
		}
		return vector.NewChromemStore("")
	})

	embedder := &fakeEmbedder{vecs: map[string][]float32{
		"delivery terms": {1, 0, 0, 0},
	}}
	r := NewRetriever(embedder, provider, newL4Hierarchy(t), nil)
	ctx := context.Background()

	if got := r.Retrieve(ctx, "delivery terms", "en", 3); got != nil {
		t.Fatalf("expected nil during outage, got %+v", got)
	}

	seedPolicies(t, provider)
	if got := r.Retrieve(ctx, "delivery terms", "en", 3); len(got) == 0 {
		t.Fatal("recovered store should retrieve chunks")
	}
}

func TestRetrieveWithEmbedding_SkipsEmbedder(t *testing.T) {
	provider := newMemProvider()
	seedPolicies(t, provider)

	r := NewRetriever(nil, provider, nil, nil)
	chunks := r.RetrieveWithEmbedding(context.Background(), "delivery terms", "en", 3, []float32{1, 0, 0, 0})
	if len(chunks) == 0 {
		t.Fatal("expected chunks from precomputed embedding")
	}
	if chunks[0].PolicyID != "pol-delivery" {
		t.Errorf("best chunk = %+v", chunks[0])
	}
}

func TestRetrieve_EmptyQueryAndEmptyStore(t *testing.T) {
	provider := newMemProvider()
	embedder := &fakeEmbedder{}
	r := NewRetriever(embedder, provider, nil, nil)
	ctx := context.Background()

	if got := r.Retrieve(ctx, "   ", "en", 3); got != nil {
		t.Errorf("blank query should return nil, got %+v", got)
	}
	if got := r.Retrieve(ctx, "anything", "en", 3); got != nil {
		t.Errorf("empty collection should return nil, got %+v", got)
	}
}

func TestRelevanceMapping(t *testing.T) {
	cases := []struct {
		cosine float64
		want   float64
	}{
		{1, 1},
		{0, 0.5},
		{-1, 0},
		{2, 1},
		{-2, 0},
	}
	for _, tc := range cases {
		if got := relevance(tc.cosine); got != tc.want {
			t.Errorf("relevance(%v) = %v, want %v", tc.cosine, got, tc.want)
		}
	}
}
