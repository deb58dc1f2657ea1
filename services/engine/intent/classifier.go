// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package intent classifies customer messages into the order-taking
// taxonomy using a cheap LLM call behind the L3 intent cache. The
// classifier never fails a request: any provider failure, timeout, or
// unparseable output degrades to general_query at zero confidence.
package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/coralbridge/orderdesk/services/engine/cache"
	"github.com/coralbridge/orderdesk/services/engine/datatypes"
	"github.com/coralbridge/orderdesk/services/engine/observability"
	"github.com/coralbridge/orderdesk/services/llm"
)

const tracerName = "orderdesk.engine.intent"

// Config tunes the classification call.
type Config struct {
	// Temperature for classification. A small non-zero value; some
	// models return empty output at exactly 0.0.
	Temperature float32

	// MaxTokens bounds the classification response.
	MaxTokens int

	// Timeout for each classification attempt.
	Timeout time.Duration

	// MaxRetries after the first attempt before degrading.
	MaxRetries int

	// RetryBackoff is the base for exponential backoff between attempts.
	RetryBackoff time.Duration

	// MaxConcurrent limits simultaneous provider calls. 0 = unlimited.
	MaxConcurrent int
}

// DefaultConfig returns production defaults. The 30 second timeout is
// the classification stage budget; typical calls finish well under two.
func DefaultConfig() Config {
	return Config{
		Temperature:   0.1,
		MaxTokens:     300,
		Timeout:       30 * time.Second,
		MaxRetries:    1,
		RetryBackoff:  200 * time.Millisecond,
		MaxConcurrent: 16,
	}
}

// Validate checks config ranges.
func (c Config) Validate() error {
	if c.Temperature < 0 || c.Temperature > 1 {
		return fmt.Errorf("temperature %v out of range", c.Temperature)
	}
	if c.MaxTokens <= 0 {
		return errors.New("max tokens must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.MaxRetries < 0 || c.RetryBackoff < 0 || c.MaxConcurrent < 0 {
		return errors.New("retries, backoff, and concurrency must be non-negative")
	}
	return nil
}

// Classifier turns one customer utterance into an IntentResult.
//
// # Description
//
// Lookup order: L3 intent cache by normalized text, then one LLM call
// with identical in-flight classifications coalesced. Successful
// verdicts are written through to L3; degraded fallbacks never are, so
// a transient provider outage is not pinned for the cache TTL.
//
// # Thread Safety
//
// Safe for concurrent use.
type Classifier struct {
	client  llm.LLMClient
	cache   *cache.Hierarchy
	metrics *observability.Metrics
	cfg     Config

	inflight  singleflight.Group
	semaphore chan struct{}
}

// NewClassifier builds a classifier.
//
// # Inputs
//
//   - client: The intent-model LLM client. Must not be nil.
//   - hierarchy: May be nil; classification then always calls the model.
//   - metrics: May be nil in tests.
//   - cfg: Call tuning, usually DefaultConfig().
func NewClassifier(client llm.LLMClient, hierarchy *cache.Hierarchy, metrics *observability.Metrics, cfg Config) (*Classifier, error) {
	if client == nil {
		return nil, errors.New("intent: client must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("intent: %w", err)
	}

	var semaphore chan struct{}
	if cfg.MaxConcurrent > 0 {
		semaphore = make(chan struct{}, cfg.MaxConcurrent)
	}
	return &Classifier{
		client:    client,
		cache:     hierarchy,
		metrics:   metrics,
		cfg:       cfg,
		semaphore: semaphore,
	}, nil
}

// Classify analyzes one utterance in its conversation window.
//
// # Inputs
//
//   - message: The sanitized user message.
//   - recent: Up to the last few stored turns; only the newest three
//     are included in the prompt, each truncated.
//
// # Outputs
//
//   - datatypes.IntentResult: Always usable. Degraded is set when the
//     verdict is the general_query fallback rather than a model output.
//
// # Thread Safety
//
// Safe for concurrent use; identical concurrent messages share one
// provider call.
func (c *Classifier) Classify(ctx context.Context, message string, recent []datatypes.StoredMessage) datatypes.IntentResult {
	ctx, span := observability.StartSpan(ctx, tracerName, "Classifier.Classify")
	defer span.End()

	message = strings.TrimSpace(message)
	if message == "" {
		span.SetAttributes(attribute.String("intent.source", "empty"))
		return datatypes.IntentResult{
			Intent:     datatypes.IntentGeneralQuery,
			Confidence: 1.0,
			Reasoning:  "empty message",
		}
	}

	normalized := cache.NormalizeText(message)
	if c.cache != nil {
		if cached, ok := c.cache.GetIntent(ctx, normalized); ok {
			out := *cached
			out.FromCache = true
			span.SetAttributes(
				attribute.String("intent.label", out.Intent),
				attribute.Float64("intent.confidence", out.Confidence),
				attribute.String("intent.source", "cache"),
			)
			c.count(ctx, out.Intent, "cache")
			return out
		}
	}

	v, err, _ := c.inflight.Do(normalized, func() (interface{}, error) {
		return c.classifyWithRetry(ctx, message, recent)
	})
	if err != nil {
		slog.Warn("Intent classification degraded to fallback",
			"error", err,
			"trace_id", observability.TraceID(ctx))
		observability.RecordError(span, err)
		span.SetAttributes(attribute.String("intent.source", "fallback"))
		c.count(ctx, datatypes.IntentGeneralQuery, "fallback")
		return datatypes.FallbackIntent()
	}

	res := v.(datatypes.IntentResult)
	if c.cache != nil {
		c.cache.PutIntent(ctx, normalized, &res)
	}
	span.SetAttributes(
		attribute.String("intent.label", res.Intent),
		attribute.Float64("intent.confidence", res.Confidence),
		attribute.String("intent.source", "llm"),
	)
	c.count(ctx, res.Intent, "llm")
	return res
}

func (c *Classifier) classifyWithRetry(ctx context.Context, message string, recent []datatypes.StoredMessage) (datatypes.IntentResult, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return datatypes.IntentResult{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		res, err := c.classifyOnce(ctx, message, recent)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return datatypes.IntentResult{}, err
		}
		slog.Debug("Intent classification attempt failed, retrying",
			"attempt", attempt+1,
			"max_retries", c.cfg.MaxRetries,
			"error", err)
	}
	return datatypes.IntentResult{}, fmt.Errorf("classification failed after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}

func (c *Classifier) classifyOnce(ctx context.Context, message string, recent []datatypes.StoredMessage) (datatypes.IntentResult, error) {
	if c.semaphore != nil {
		select {
		case c.semaphore <- struct{}{}:
			defer func() { <-c.semaphore }()
		case <-ctx.Done():
			return datatypes.IntentResult{}, ctx.Err()
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	temp := c.cfg.Temperature
	maxTokens := c.cfg.MaxTokens
	raw, err := c.client.Chat(reqCtx, buildMessages(message, recent), llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		JSONMode:    true,
	})
	if err != nil {
		return datatypes.IntentResult{}, fmt.Errorf("llm call: %w", err)
	}

	res, err := ParseResult(raw)
	if err != nil {
		return datatypes.IntentResult{}, fmt.Errorf("parse classification: %w", err)
	}
	return res, nil
}

func (c *Classifier) count(ctx context.Context, intent, source string) {
	if c.metrics == nil {
		return
	}
	c.metrics.IntentClassifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("intent", intent),
		attribute.String("source", source),
	))
}
