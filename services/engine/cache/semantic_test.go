// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/coralbridge/orderdesk/services/engine/datatypes"
	"github.com/coralbridge/orderdesk/services/engine/vector"
)

func newSemanticCache(t *testing.T, ttl time.Duration) *SemanticCache {
	t.Helper()
	provider := vector.NewProviderFunc(func() (vector.Store, error) {
		return vector.NewChromemStore("")
	})
	return NewSemanticCache(provider, ttl)
}

// vecAt returns a unit vector whose cosine with [1,0,0] equals cos.
func vecAt(cos float64) []float32 {
	sin := math.Sqrt(1 - cos*cos)
	return []float32{float32(cos), float32(sin), 0}
}

func cachedResponse(text string) *datatypes.ChatResponse {
	return &datatypes.ChatResponse{Success: true, Response: text}
}

func TestSemanticCache_HitAboveThreshold(t *testing.T) {
	sc := newSemanticCache(t, time.Hour)
	ctx := context.Background()

	sc.Put(ctx, "how much is jasmine rice", vecAt(1.0), "outlet-9", "en", cachedResponse("Jasmine rice is $32 per 25kg sack."))

	resp, ok := sc.Get(ctx, vecAt(0.96), "outlet-9", "en")
	if !ok {
		t.Fatal("expected paraphrase hit at cosine 0.96")
	}
	if resp.Response != "Jasmine rice is $32 per 25kg sack." {
		t.Errorf("unexpected response: %q", resp.Response)
	}
}

func TestSemanticCache_MissBelowThreshold(t *testing.T) {
	sc := newSemanticCache(t, time.Hour)
	ctx := context.Background()

	sc.Put(ctx, "how much is jasmine rice", vecAt(1.0), "outlet-9", "en", cachedResponse("rice answer"))

	if _, ok := sc.Get(ctx, vecAt(0.90), "outlet-9", "en"); ok {
		t.Error("cosine 0.90 must not count as a paraphrase")
	}
}

func TestSemanticCache_ScopedToOutletAndLanguage(t *testing.T) {
	sc := newSemanticCache(t, time.Hour)
	ctx := context.Background()

	sc.Put(ctx, "how much is jasmine rice", vecAt(1.0), "outlet-9", "en", cachedResponse("rice answer"))

	if _, ok := sc.Get(ctx, vecAt(1.0), "outlet-5", "en"); ok {
		t.Error("another outlet must not see the cached response")
	}
	if _, ok := sc.Get(ctx, vecAt(1.0), "outlet-9", "zh"); ok {
		t.Error("another language must not see the cached response")
	}
}

func TestSemanticCache_ExpiredAtRead(t *testing.T) {
	sc := newSemanticCache(t, time.Hour)
	ctx := context.Background()

	base := time.Now()
	sc.now = func() time.Time { return base }
	sc.Put(ctx, "how much is jasmine rice", vecAt(1.0), "outlet-9", "en", cachedResponse("rice answer"))

	sc.now = func() time.Time { return base.Add(61 * time.Minute) }
	if _, ok := sc.Get(ctx, vecAt(1.0), "outlet-9", "en"); ok {
		t.Error("entry past its TTL must be a miss")
	}

	// The expired entry is evicted during the read, so winding the clock
	// back does not resurrect it.
	sc.now = func() time.Time { return base }
	if _, ok := sc.Get(ctx, vecAt(1.0), "outlet-9", "en"); ok {
		t.Error("expired entry should have been evicted")
	}
}

func TestSemanticCache_EqualSimilarityPrefersNewest(t *testing.T) {
	sc := newSemanticCache(t, time.Hour)
	ctx := context.Background()

	// Two entries symmetric about the query axis: both score the same
	// cosine against [1,0,0].
	older := []float32{0.97, 0.2431, 0}
	newer := []float32{0.97, -0.2431, 0}

	base := time.Now()
	sc.now = func() time.Time { return base.Add(-10 * time.Minute) }
	sc.Put(ctx, "jasmine rice price", older, "outlet-9", "en", cachedResponse("old answer"))
	sc.now = func() time.Time { return base }
	sc.Put(ctx, "price of jasmine rice", newer, "outlet-9", "en", cachedResponse("new answer"))

	resp, ok := sc.Get(ctx, vecAt(1.0), "outlet-9", "en")
	if !ok {
		t.Fatal("expected a hit")
	}
	if resp.Response != "new answer" {
		t.Errorf("tie should go to the newer entry, got %q", resp.Response)
	}
}

func TestSemanticCache_OverwriteSameQuestion(t *testing.T) {
	sc := newSemanticCache(t, time.Hour)
	ctx := context.Background()

	sc.Put(ctx, "how much is jasmine rice", vecAt(1.0), "outlet-9", "en", cachedResponse("first"))
	sc.Put(ctx, "how much is jasmine rice", vecAt(1.0), "outlet-9", "en", cachedResponse("second"))

	resp, ok := sc.Get(ctx, vecAt(1.0), "outlet-9", "en")
	if !ok {
		t.Fatal("expected a hit")
	}
	if resp.Response != "second" {
		t.Errorf("same question should overwrite, got %q", resp.Response)
	}
}

func TestSemanticCache_UnavailableBackendIsMiss(t *testing.T) {
	provider := vector.NewProviderFunc(func() (vector.Store, error) {
		return nil, context.DeadlineExceeded
	})
	sc := NewSemanticCache(provider, time.Hour)
	ctx := context.Background()

	sc.Put(ctx, "q", vecAt(1.0), "outlet-9", "en", cachedResponse("x"))
	if _, ok := sc.Get(ctx, vecAt(1.0), "outlet-9", "en"); ok {
		t.Error("unavailable backend must degrade to a miss")
	}
}
