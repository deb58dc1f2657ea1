// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package intent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/coralbridge/orderdesk/services/engine/cache"
	"github.com/coralbridge/orderdesk/services/engine/config"
	"github.com/coralbridge/orderdesk/services/engine/datatypes"
	"github.com/coralbridge/orderdesk/services/engine/vector"
	"github.com/coralbridge/orderdesk/services/llm"
)

const orderJSON = `{"intent":"order_placement","confidence":0.93,"reasoning":"supply language",
	"entities":{"product_names":["jasmine rice"],"quantities":[20]},"language":"en"}`

// fakeLLM replays scripted responses. With gate set, Chat blocks until
// the gate closes or the context expires.
type fakeLLM struct {
	mu      sync.Mutex
	replies []string
	err     error
	gate    chan struct{}

	callCount    int
	lastParams   llm.GenerationParams
	lastMessages []datatypes.Turn
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	return f.Chat(ctx, []datatypes.Turn{{Role: datatypes.RoleUser, Content: prompt}}, params)
}

func (f *fakeLLM) Chat(ctx context.Context, messages []datatypes.Turn, params llm.GenerationParams) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	f.lastParams = params
	f.lastMessages = messages
	if f.err != nil {
		return "", f.err
	}
	idx := f.callCount - 1
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	return f.replies[idx], nil
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

func (f *fakeLLM) setScript(replies []string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = replies
	f.err = err
	f.callCount = 0
}

// newTestHierarchy backs L3 with miniredis so cache writes are
// synchronous and assertions cannot race the write.
func newTestHierarchy(t *testing.T) *cache.Hierarchy {
	t.Helper()
	mr := miniredis.RunT(t)
	provider := vector.NewProviderFunc(func() (vector.Store, error) {
		return vector.NewChromemStore("")
	})
	h, err := cache.NewHierarchy(&config.Config{
		CacheURL:   mr.Addr(),
		CacheTTLL1: 30 * time.Minute,
		CacheTTLL2: time.Hour,
		CacheTTLL3: time.Hour,
		CacheTTLL4: 24 * time.Hour,
	}, provider, nil)
	if err != nil {
		t.Fatalf("NewHierarchy: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func newTestClassifier(t *testing.T, fake *fakeLLM, h *cache.Hierarchy, cfg Config) *Classifier {
	t.Helper()
	c, err := NewClassifier(fake, h, nil, cfg)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	return c
}

func TestNewClassifier_NilClient(t *testing.T) {
	if _, err := NewClassifier(nil, nil, nil, DefaultConfig()); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestClassify_HappyPathAndCacheHit(t *testing.T) {
	fake := &fakeLLM{replies: []string{orderJSON}}
	c := newTestClassifier(t, fake, newTestHierarchy(t), DefaultConfig())
	ctx := context.Background()

	res := c.Classify(ctx, "We need 20 sacks of jasmine rice", nil)
	if res.Intent != datatypes.IntentOrderPlacement {
		t.Fatalf("intent = %q, want order_placement", res.Intent)
	}
	if res.Degraded || res.FromCache {
		t.Errorf("fresh verdict flagged degraded=%v fromCache=%v", res.Degraded, res.FromCache)
	}
	if !res.TriggersOrderAgent() {
		t.Error("verdict should meet the order dispatch gate")
	}
	if fake.calls() != 1 {
		t.Fatalf("llm calls = %d, want 1", fake.calls())
	}

	// Same text, different casing: served from L3 without a model call.
	cached := c.Classify(ctx, "we NEED 20 sacks of jasmine rice", nil)
	if !cached.FromCache {
		t.Error("second classification should come from cache")
	}
	if cached.Intent != datatypes.IntentOrderPlacement {
		t.Errorf("cached intent = %q", cached.Intent)
	}
	if fake.calls() != 1 {
		t.Errorf("llm calls = %d after cache hit, want 1", fake.calls())
	}
}

func TestClassify_RetriesOnMalformedOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	cfg.RetryBackoff = time.Millisecond

	fake := &fakeLLM{replies: []string{"no json here", orderJSON}}
	c := newTestClassifier(t, fake, nil, cfg)

	res := c.Classify(context.Background(), "We need 20 sacks of jasmine rice", nil)
	if res.Degraded {
		t.Fatal("retry should have recovered the classification")
	}
	if res.Intent != datatypes.IntentOrderPlacement {
		t.Errorf("intent = %q", res.Intent)
	}
	if fake.calls() != 2 {
		t.Errorf("llm calls = %d, want 2", fake.calls())
	}
}

func TestClassify_ProviderFailureDegrades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0

	fake := &fakeLLM{err: errors.New("provider down")}
	h := newTestHierarchy(t)
	c := newTestClassifier(t, fake, h, cfg)
	ctx := context.Background()

	res := c.Classify(ctx, "We need 20 sacks of jasmine rice", nil)
	if !res.Degraded {
		t.Fatal("expected degraded fallback")
	}
	if res.Intent != datatypes.IntentGeneralQuery || res.Confidence != 0 {
		t.Errorf("fallback = %q/%v, want general_query/0", res.Intent, res.Confidence)
	}

	// The degraded verdict must not be cached: once the provider
	// recovers, the next identical message reaches it.
	fake.setScript([]string{orderJSON}, nil)
	res = c.Classify(ctx, "We need 20 sacks of jasmine rice", nil)
	if res.Degraded {
		t.Fatal("recovered provider should produce a real verdict")
	}
	if fake.calls() != 1 {
		t.Errorf("llm calls after recovery = %d, want 1", fake.calls())
	}
}

func TestClassify_HallucinatedLabelDegrades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0

	fake := &fakeLLM{replies: []string{`{"intent":"buy_stuff","confidence":0.99}`}}
	c := newTestClassifier(t, fake, nil, cfg)

	res := c.Classify(context.Background(), "We need rice", nil)
	if !res.Degraded {
		t.Fatal("label outside the taxonomy must degrade, not dispatch")
	}
}

func TestClassify_TimeoutDegrades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxRetries = 0

	fake := &fakeLLM{gate: make(chan struct{}), replies: []string{orderJSON}}
	c := newTestClassifier(t, fake, nil, cfg)

	start := time.Now()
	res := c.Classify(context.Background(), "We need rice", nil)
	if !res.Degraded {
		t.Fatal("expected degraded fallback on timeout")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("classification blocked for %v, want prompt timeout", elapsed)
	}
}

func TestClassify_CoalescesIdenticalInFlight(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeLLM{gate: gate, replies: []string{orderJSON}}
	c := newTestClassifier(t, fake, newTestHierarchy(t), DefaultConfig())
	ctx := context.Background()

	const callers = 5
	results := make([]datatypes.IntentResult, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = c.Classify(ctx, "We need 20 sacks of jasmine rice", nil)
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i, res := range results {
		if res.Intent != datatypes.IntentOrderPlacement {
			t.Errorf("caller %d intent = %q", i, res.Intent)
		}
		if res.Degraded {
			t.Errorf("caller %d degraded", i)
		}
	}
	// Either coalesced onto the single flight or served from L3 after
	// it landed; never a second provider call.
	if fake.calls() != 1 {
		t.Errorf("llm calls = %d, want 1", fake.calls())
	}
}

func TestClassify_RequestShape(t *testing.T) {
	fake := &fakeLLM{replies: []string{orderJSON}}
	c := newTestClassifier(t, fake, nil, DefaultConfig())

	history := []datatypes.StoredMessage{
		{Role: datatypes.RoleUser, Content: "hi, this is Harbour Cafe"},
		{Role: datatypes.RoleAssistant, Content: "Hello! How can I help?"},
	}
	c.Classify(context.Background(), "send us our usual rice order", history)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if !fake.lastParams.JSONMode {
		t.Error("classification must request JSON mode")
	}
	if fake.lastParams.Temperature == nil || *fake.lastParams.Temperature > 0.2 {
		t.Errorf("temperature = %v, want low", fake.lastParams.Temperature)
	}
	if len(fake.lastMessages) != 2 || fake.lastMessages[0].Role != datatypes.RoleSystem {
		t.Fatalf("messages = %+v, want system + user", fake.lastMessages)
	}
	user := fake.lastMessages[1].Content
	for _, want := range []string{"Harbour Cafe", "Customer message: send us our usual rice order"} {
		if !strings.Contains(user, want) {
			t.Errorf("user content missing %q:\n%s", want, user)
		}
	}
}

func TestClassify_EmptyMessage(t *testing.T) {
	fake := &fakeLLM{replies: []string{orderJSON}}
	c := newTestClassifier(t, fake, nil, DefaultConfig())

	res := c.Classify(context.Background(), "   ", nil)
	if res.Intent != datatypes.IntentGeneralQuery || res.Degraded {
		t.Errorf("empty message verdict = %+v", res)
	}
	if fake.calls() != 0 {
		t.Errorf("llm calls = %d, want 0", fake.calls())
	}
}
