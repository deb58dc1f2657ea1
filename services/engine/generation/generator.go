// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package generation produces the customer-facing reply for one
// request: persona-framed, grounded in retrieved policy excerpts, in
// the conversation's language. Like the classifier it never fails the
// request; provider failure degrades to a canned apology.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coralbridge/orderdesk/services/engine/datatypes"
	"github.com/coralbridge/orderdesk/services/engine/observability"
	"github.com/coralbridge/orderdesk/services/llm"
)

const tracerName = "orderdesk.engine.generation"

// Config tunes the generation call.
type Config struct {
	// Temperature for response generation. Higher than classification;
	// replies should read naturally, not templated.
	Temperature float32

	// MaxTokens bounds the reply length.
	MaxTokens int

	// Timeout for each generation attempt.
	Timeout time.Duration

	// MaxRetries after the first attempt before degrading.
	MaxRetries int

	// RetryBackoff is the base for exponential backoff between attempts.
	RetryBackoff time.Duration
}

// DefaultConfig returns production defaults. The 60 second timeout is
// the generation stage budget.
func DefaultConfig() Config {
	return Config{
		Temperature:  0.7,
		MaxTokens:    1024,
		Timeout:      60 * time.Second,
		MaxRetries:   1,
		RetryBackoff: 250 * time.Millisecond,
	}
}

// Validate checks config ranges.
func (c Config) Validate() error {
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature %v out of range", c.Temperature)
	}
	if c.MaxTokens <= 0 {
		return errors.New("max tokens must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.MaxRetries < 0 || c.RetryBackoff < 0 {
		return errors.New("retries and backoff must be non-negative")
	}
	return nil
}

// Result is one generated reply with its provenance and accounting.
type Result struct {
	// Text is the reply shown to the customer. Never empty.
	Text string

	// Citations point back at the excerpts that grounded the reply.
	Citations []datatypes.Citation

	// Degraded marks the canned apology used when the provider failed.
	Degraded bool

	// RequiresEscalation is set on a degraded reply to a complaint.
	RequiresEscalation bool

	// Tokens is the estimated usage for the call. Nil when degraded.
	Tokens *datatypes.TokenUsage

	// CostUSD is the estimated spend for the call.
	CostUSD float64
}

// apologies is the degraded-path reply per language. The text promises
// follow-up without claiming anything about the failed request.
var apologies = map[string]string{
	datatypes.LanguageEnglish: "I'm sorry, I'm having trouble responding right now. Please try again in a moment. If this keeps happening, our team will follow up with you directly.",
	datatypes.LanguageChinese: "抱歉，系统暂时无法回复您。请稍后再试。如果问题持续出现，我们的团队会直接与您跟进。",
	datatypes.LanguageMalay:   "Maaf, saya menghadapi masalah teknikal buat masa ini. Sila cuba sebentar lagi. Jika masalah ini berterusan, pasukan kami akan menghubungi anda terus.",
}

// Generator produces replies through the generation-model LLM client.
//
// # Description
//
// Generate assembles the prompt (persona, intent directive, sanitized
// policy excerpts, recent turns), calls the provider with retry, and
// accounts estimated tokens and cost. Failures degrade to an apology
// in the conversation language; retrieved excerpts still surface as
// citations so the caller can show the customer where to look.
//
// # Thread Safety
//
// Safe for concurrent use.
type Generator struct {
	client  llm.LLMClient
	model   string
	metrics *observability.Metrics
	cfg     Config
}

// NewGenerator builds a generator.
//
// # Inputs
//
//   - client: The generation-model LLM client. Must not be nil.
//   - model: Model id, used for token and cost estimation only.
//   - metrics: May be nil in tests.
//   - cfg: Call tuning, usually DefaultConfig().
func NewGenerator(client llm.LLMClient, model string, metrics *observability.Metrics, cfg Config) (*Generator, error) {
	if client == nil {
		return nil, errors.New("generation: client must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("generation: %w", err)
	}
	return &Generator{
		client:  client,
		model:   model,
		metrics: metrics,
		cfg:     cfg,
	}, nil
}

// Generate produces the reply for one classified utterance.
//
// # Inputs
//
//   - message: The sanitized user message.
//   - intent: The classifier verdict; selects the task directive and
//     the escalation rule on the degraded path.
//   - chunks: Retrieved policy excerpts, best first. Capped at three.
//   - recent: Stored turns; only the newest three enter the prompt.
//   - language: Response language, one of en, zh, ms.
//
// # Outputs
//
//   - Result: Always has non-empty Text. Check Degraded before
//     trusting Tokens and CostUSD.
//
// # Thread Safety
//
// Safe for concurrent use.
func (g *Generator) Generate(ctx context.Context, message string, intent datatypes.IntentResult, chunks []datatypes.KnowledgeChunk, recent []datatypes.StoredMessage, language string) Result {
	ctx, span := observability.StartSpan(ctx, tracerName, "Generator.Generate")
	defer span.End()

	if len(chunks) > maxContextChunks {
		chunks = chunks[:maxContextChunks]
	}
	span.SetAttributes(
		attribute.String("generation.intent", intent.Intent),
		attribute.Int("generation.chunks", len(chunks)),
		attribute.String("generation.language", language),
	)

	messages := buildMessages(message, intent.Intent, chunks, recent, language)
	start := time.Now()
	completion, err := g.generateWithRetry(ctx, messages)
	elapsed := time.Since(start)

	citations := datatypes.Citations(chunks, false)
	if err != nil {
		slog.Warn("Response generation degraded to apology",
			"intent", intent.Intent,
			"error", err,
			"trace_id", observability.TraceID(ctx))
		observability.RecordError(span, err)
		span.SetAttributes(attribute.Bool("generation.degraded", true))
		g.record(ctx, "error", elapsed)
		return Result{
			Text:               apologyFor(language),
			Citations:          citations,
			Degraded:           true,
			RequiresEscalation: intent.Intent == datatypes.IntentComplaint,
		}
	}

	usage := llm.EstimateUsage(g.model, promptText(messages), completion)
	cost := llm.EstimateCost(g.model, usage)
	span.SetAttributes(
		attribute.Int("generation.tokens", usage.TotalTokens),
		attribute.Float64("generation.cost_usd", cost),
	)
	g.record(ctx, "ok", elapsed)
	g.recordUsage(ctx, usage, cost)

	return Result{
		Text:      completion,
		Citations: citations,
		Tokens:    &usage,
		CostUSD:   cost,
	}
}

func (g *Generator) generateWithRetry(ctx context.Context, messages []datatypes.Turn) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := g.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		text, err := g.generateOnce(ctx, messages)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		slog.Debug("Generation attempt failed, retrying",
			"attempt", attempt+1,
			"max_retries", g.cfg.MaxRetries,
			"error", err)
	}
	return "", fmt.Errorf("generation failed after %d attempts: %w", g.cfg.MaxRetries+1, lastErr)
}

func (g *Generator) generateOnce(ctx context.Context, messages []datatypes.Turn) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	temp := g.cfg.Temperature
	maxTokens := g.cfg.MaxTokens
	raw, err := g.client.Chat(reqCtx, messages, llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llm call: %w", err)
	}

	text := strings.TrimSpace(raw)
	if text == "" {
		return "", errors.New("empty completion")
	}
	return text, nil
}

// apologyFor returns the degraded reply in the given language,
// defaulting to English.
func apologyFor(language string) string {
	if msg, ok := apologies[language]; ok {
		return msg
	}
	return apologies[datatypes.DefaultLanguage]
}

// promptText flattens the transcript for token estimation.
func promptText(messages []datatypes.Turn) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

func (g *Generator) record(ctx context.Context, status string, elapsed time.Duration) {
	if g.metrics == nil {
		return
	}
	op := attribute.String("operation", "generation")
	g.metrics.LLMRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		op, attribute.String("status", status)))
	g.metrics.LLMRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(op))
}

func (g *Generator) recordUsage(ctx context.Context, usage datatypes.TokenUsage, cost float64) {
	if g.metrics == nil {
		return
	}
	model := attribute.String("model", g.model)
	g.metrics.LLMTokensTotal.Add(ctx, int64(usage.PromptTokens), metric.WithAttributes(
		model, attribute.String("kind", "prompt")))
	g.metrics.LLMTokensTotal.Add(ctx, int64(usage.CompletionTokens), metric.WithAttributes(
		model, attribute.String("kind", "completion")))
	if cost > 0 {
		g.metrics.LLMCostDollars.Add(ctx, cost, metric.WithAttributes(model))
	}
}
