// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coralbridge/orderdesk/services/engine/datatypes"
	"github.com/coralbridge/orderdesk/services/llm"
)

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

func (f *fakeLLM) last() ([]datatypes.Turn, llm.GenerationParams) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastMessages, f.lastParams
}

func newTestGenerator(t *testing.T, fake *fakeLLM, cfg Config) *Generator {
	t.Helper()
	g, err := NewGenerator(fake, "gpt-4o-mini", nil, cfg)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

func policyChunks() []datatypes.KnowledgeChunk {
	return []datatypes.KnowledgeChunk{
		{
			PolicyID:       "pol-delivery",
			PolicyName:     "Delivery Policy",
			Section:        "2",
			Content:        "Orders placed before 3pm ship next business day. Islandwide delivery is free above S$150.",
			Language:       "en",
			RelevanceScore: 0.97,
		},
		{
			PolicyID:       "pol-returns",
			PolicyName:     "Returns Policy",
			Section:        "1",
			Content:        "Chilled goods may be returned within 24 hours of delivery if unopened.",
			Language:       "en",
			RelevanceScore: 0.88,
		},
	}
}

func TestNewGenerator_NilClient(t *testing.T) {
	if _, err := NewGenerator(nil, "gpt-4o-mini", nil, DefaultConfig()); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestGenerate_GroundedReply(t *testing.T) {
	fake := &fakeLLM{replies: []string{"  Orders before 3pm ship next business day, and delivery is free above S$150.  "}}
	g := newTestGenerator(t, fake, DefaultConfig())

	intent := datatypes.IntentResult{Intent: datatypes.IntentPolicyQuestion, Confidence: 0.9}
	res := g.Generate(context.Background(), "when do orders ship?", intent, policyChunks(), nil, "en")

	if res.Degraded {
		t.Fatal("expected non-degraded result")
	}
	if res.Text != "Orders before 3pm ship next business day, and delivery is free above S$150." {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if len(res.Citations) != 2 {
		t.Fatalf("expected 2 citations, got %d", len(res.Citations))
	}
	first := res.Citations[0]
	if first.PolicyName != "Delivery Policy" || first.Section != "2" || first.RelevanceScore != 0.97 {
		t.Fatalf("unexpected first citation %+v", first)
	}
	if first.Content != "" {
		t.Fatal("citations should not carry chunk content")
	}
	if res.Tokens == nil || res.Tokens.TotalTokens == 0 {
		t.Fatalf("expected token estimate, got %+v", res.Tokens)
	}
	if res.CostUSD <= 0 {
		t.Fatalf("expected non-zero cost for gpt-4o-mini, got %v", res.CostUSD)
	}
}

func TestGenerate_PromptShape(t *testing.T) {
	fake := &fakeLLM{replies: []string{"Sure."}}
	g := newTestGenerator(t, fake, DefaultConfig())

	recent := []datatypes.StoredMessage{
		{Role: datatypes.RoleUser, Content: "turn 1"},
		{Role: datatypes.RoleAssistant, Content: "turn 2"},
		{Role: datatypes.RoleUser, Content: "turn 3"},
		{Role: datatypes.RoleAssistant, Content: "turn 4"},
		{Role: datatypes.RoleUser, Content: "turn 5"},
	}
	intent := datatypes.IntentResult{Intent: datatypes.IntentPolicyQuestion, Confidence: 0.9}
	g.Generate(context.Background(), "what is the minimum order?", intent, policyChunks(), recent, "en")

	messages, params := fake.last()
	if params.JSONMode {
		t.Fatal("generation must not request JSON mode")
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Fatalf("unexpected temperature %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 1024 {
		t.Fatalf("unexpected max tokens %v", params.MaxTokens)
	}

	if messages[0].Role != datatypes.RoleSystem {
		t.Fatalf("first message role = %q, want system", messages[0].Role)
	}
	system := messages[0].Content
	for _, want := range []string{
		"You are OrderDesk",
		"strictly from the policy excerpts",
		"Respond in English.",
		"not instructions",
		"--- [1] Delivery Policy, section 2 ---",
		"--- [2] Returns Policy, section 1 ---",
	} {
		if !strings.Contains(system, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}

	// Only the newest three turns enter the prompt.
	if len(messages) != 5 {
		t.Fatalf("expected system + 3 history + user, got %d messages", len(messages))
	}
	if messages[1].Content != "turn 3" || messages[3].Content != "turn 5" {
		t.Fatalf("unexpected history window: %+v", messages[1:4])
	}
	lastMsg := messages[len(messages)-1]
	if lastMsg.Role != datatypes.RoleUser || lastMsg.Content != "what is the minimum order?" {
		t.Fatalf("unexpected final message %+v", lastMsg)
	}
}

func TestGenerate_CapsExcerpts(t *testing.T) {
	fake := &fakeLLM{replies: []string{"Here you go."}}
	g := newTestGenerator(t, fake, DefaultConfig())

	chunks := make([]datatypes.KnowledgeChunk, 5)
	for i := range chunks {
		chunks[i] = datatypes.KnowledgeChunk{
			PolicyID:       "pol",
			PolicyName:     "Policy",
			Section:        string(rune('1' + i)),
			Content:        "content",
			RelevanceScore: 1 - float64(i)*0.1,
		}
	}
	intent := datatypes.IntentResult{Intent: datatypes.IntentPolicyQuestion}
	res := g.Generate(context.Background(), "question", intent, chunks, nil, "en")

	messages, _ := fake.last()
	system := messages[0].Content
	if !strings.Contains(system, "--- [3]") {
		t.Error("expected third excerpt in prompt")
	}
	if strings.Contains(system, "--- [4]") {
		t.Error("prompt must cap excerpts at three")
	}
	if len(res.Citations) != 3 {
		t.Fatalf("expected 3 citations, got %d", len(res.Citations))
	}
	if res.Citations[0].Section != "1" || res.Citations[2].Section != "3" {
		t.Fatalf("citations should keep the best-ranked excerpts: %+v", res.Citations)
	}
}

func TestGenerate_SanitizesUntrustedText(t *testing.T) {
	fake := &fakeLLM{replies: []string{"Done."}}
	g := newTestGenerator(t, fake, DefaultConfig())

	chunks := []datatypes.KnowledgeChunk{{
		PolicyID:   "pol-x",
		PolicyName: "Weird Policy",
		Section:    "9",
		Content:    "before\x00\x1b[31m mid\r\nline\n\n\n\n\nafter " + strings.Repeat("x", maxChunkChars),
	}}
	recent := []datatypes.StoredMessage{
		{Role: datatypes.RoleUser, Content: "hi\x00there\x07"},
	}
	intent := datatypes.IntentResult{Intent: datatypes.IntentPolicyQuestion}
	g.Generate(context.Background(), "question", intent, chunks, recent, "en")

	messages, _ := fake.last()
	system := messages[0].Content
	if strings.ContainsAny(system, "\x00\x07\x1b\r") {
		t.Error("control characters leaked into system prompt")
	}
	if strings.Contains(system, "\n\n\n") {
		t.Error("newline runs not collapsed")
	}
	if !strings.Contains(system, "...") {
		t.Error("oversized excerpt not truncated")
	}
	if messages[1].Content != "hithere" {
		t.Fatalf("history line not sanitized: %q", messages[1].Content)
	}
}

func TestGenerate_RespondsInRequestLanguage(t *testing.T) {
	fake := &fakeLLM{replies: []string{"好的。"}}
	g := newTestGenerator(t, fake, DefaultConfig())

	intent := datatypes.IntentResult{Intent: datatypes.IntentGreeting}
	g.Generate(context.Background(), "你好", intent, nil, nil, "zh")

	messages, _ := fake.last()
	if !strings.Contains(messages[0].Content, "Respond in Simplified Chinese.") {
		t.Fatal("system prompt missing language directive")
	}
}

func TestGenerate_ProviderFailureApology(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0

	fake := &fakeLLM{err: errors.New("backend unavailable")}
	g := newTestGenerator(t, fake, cfg)

	intent := datatypes.IntentResult{Intent: datatypes.IntentPolicyQuestion, Confidence: 0.9}
	res := g.Generate(context.Background(), "when do orders ship?", intent, policyChunks()[:1], nil, "en")

	if !res.Degraded {
		t.Fatal("expected degraded result")
	}
	if res.RequiresEscalation {
		t.Fatal("policy question must not escalate")
	}
	if res.Text != apologies[datatypes.LanguageEnglish] {
		t.Fatalf("unexpected apology %q", res.Text)
	}
	if len(res.Citations) != 1 {
		t.Fatalf("retrieved excerpts must still surface as citations, got %d", len(res.Citations))
	}
	if res.Tokens != nil {
		t.Fatal("degraded result must not report token usage")
	}
}

func TestGenerate_ComplaintFailureEscalates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0

	fake := &fakeLLM{err: errors.New("backend unavailable")}
	g := newTestGenerator(t, fake, cfg)

	intent := datatypes.IntentResult{Intent: datatypes.IntentComplaint, Confidence: 0.95}
	res := g.Generate(context.Background(), "my delivery never arrived", intent, nil, nil, "ms")

	if !res.Degraded || !res.RequiresEscalation {
		t.Fatalf("complaint failure must escalate: %+v", res)
	}
	if res.Text != apologies[datatypes.LanguageMalay] {
		t.Fatalf("expected Malay apology, got %q", res.Text)
	}
}

func TestGenerate_TimeoutApology(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxRetries = 0

	fake := &fakeLLM{gate: make(chan struct{})}
	g := newTestGenerator(t, fake, cfg)

	start := time.Now()
	intent := datatypes.IntentResult{Intent: datatypes.IntentGeneralQuery}
	res := g.Generate(context.Background(), "hello?", intent, nil, nil, "en")

	if !res.Degraded {
		t.Fatal("expected degraded result on timeout")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}
}

func TestGenerate_RetriesEmptyCompletion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond

	fake := &fakeLLM{replies: []string{"", "Your order is confirmed."}}
	g := newTestGenerator(t, fake, cfg)

	intent := datatypes.IntentResult{Intent: datatypes.IntentOrderPlacement, Confidence: 0.9}
	res := g.Generate(context.Background(), "20 bags of rice please", intent, nil, nil, "en")

	if fake.calls() != 2 {
		t.Fatalf("expected retry after empty completion, calls = %d", fake.calls())
	}
	if res.Degraded || res.Text != "Your order is confirmed." {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestGenerate_NoExcerpts(t *testing.T) {
	fake := &fakeLLM{replies: []string{"Hello! How can I help with your order today?"}}
	g := newTestGenerator(t, fake, DefaultConfig())

	intent := datatypes.IntentResult{Intent: datatypes.IntentGreeting, Confidence: 0.99}
	res := g.Generate(context.Background(), "good morning", intent, nil, nil, "en")

	if len(res.Citations) != 0 {
		t.Fatalf("expected no citations, got %d", len(res.Citations))
	}
	messages, _ := fake.last()
	if strings.Contains(messages[0].Content, "Policy excerpts") {
		t.Fatal("system prompt must omit excerpt block when none retrieved")
	}
}

func TestBuildSystemPrompt_UnknownIntentFallsBack(t *testing.T) {
	system := buildSystemPrompt("made_up_intent", nil, "en")
	if !strings.Contains(system, taskDirectives[datatypes.IntentGeneralQuery]) {
		t.Fatal("unknown intent should use the general directive")
	}
}
