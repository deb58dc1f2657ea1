// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/coralbridge/orderdesk/services/engine/datatypes"
)

// BreakerClient wraps an LLMClient with a circuit breaker so a failing
// provider sheds load fast instead of stacking up timeouts. The breaker
// state also feeds the health endpoint: closed is ok, half-open is
// degraded, open is down.
//
// Caller-side context cancellation does not count as a provider
// failure; provider timeouts and errors do.
type BreakerClient struct {
	inner LLMClient
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerClient wraps client with a named circuit breaker. The
// breaker trips after five consecutive failures and probes again after
// thirty seconds.
func NewBreakerClient(name string, client LLMClient) *BreakerClient {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("LLM circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	return &BreakerClient{
		inner: client,
		cb:    gobreaker.NewCircuitBreaker(st),
	}
}

// Generate implements the LLMClient interface
func (b *BreakerClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Generate(ctx, prompt, params)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// Chat implements the LLMClient interface
func (b *BreakerClient) Chat(ctx context.Context, messages []datatypes.Turn, params GenerationParams) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Chat(ctx, messages, params)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// State returns the current breaker state for health reporting.
func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}

// IsCircuitOpen reports whether err came from the breaker refusing a
// call rather than from the provider itself.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

var _ LLMClient = (*BreakerClient)(nil)
