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
	"testing"

	"github.com/sony/gobreaker"

	"github.com/coralbridge/orderdesk/services/engine/datatypes"
)

// scriptedClient fails or succeeds per call according to its script.
type scriptedClient struct {
	errs  []error
	calls int
}

func (s *scriptedClient) next() error {
	var err error
	if s.calls < len(s.errs) {
		err = s.errs[s.calls]
	}
	s.calls++
	return err
}

func (s *scriptedClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if err := s.next(); err != nil {
		return "", err
	}
	return "ok", nil
}

func (s *scriptedClient) Chat(ctx context.Context, messages []datatypes.Turn, params GenerationParams) (string, error) {
	if err := s.next(); err != nil {
		return "", err
	}
	return "ok", nil
}

func repeatErr(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

func TestBreakerClient_PassesThroughSuccess(t *testing.T) {
	b := NewBreakerClient("test", &scriptedClient{})

	got, err := b.Generate(context.Background(), "hello", GenerationParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("expected pass-through response, got %q", got)
	}
	if b.State() != gobreaker.StateClosed {
		t.Errorf("expected closed breaker, got %v", b.State())
	}
}

func TestBreakerClient_OpensAfterConsecutiveFailures(t *testing.T) {
	providerErr := errors.New("provider down")
	inner := &scriptedClient{errs: repeatErr(providerErr, 10)}
	b := NewBreakerClient("test", inner)

	for i := 0; i < 5; i++ {
		if _, err := b.Chat(context.Background(), nil, GenerationParams{}); err == nil {
			t.Fatalf("expected failure on call %d", i)
		}
	}

	if b.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker after 5 consecutive failures, got %v", b.State())
	}

	// Breaker now refuses without touching the provider.
	callsBefore := inner.calls
	_, err := b.Chat(context.Background(), nil, GenerationParams{})
	if !IsCircuitOpen(err) {
		t.Errorf("expected circuit-open error, got %v", err)
	}
	if inner.calls != callsBefore {
		t.Errorf("expected no provider call while open, got %d extra", inner.calls-callsBefore)
	}
}

func TestBreakerClient_CancellationDoesNotTrip(t *testing.T) {
	inner := &scriptedClient{errs: repeatErr(context.Canceled, 20)}
	b := NewBreakerClient("test", inner)

	for i := 0; i < 10; i++ {
		_, _ = b.Generate(context.Background(), "hi", GenerationParams{})
	}

	if b.State() != gobreaker.StateClosed {
		t.Errorf("expected caller cancellations to leave breaker closed, got %v", b.State())
	}
}

func TestIsCircuitOpen_ProviderErrorIsNot(t *testing.T) {
	if IsCircuitOpen(errors.New("provider timeout")) {
		t.Error("expected plain provider error to not read as circuit-open")
	}
	if !IsCircuitOpen(gobreaker.ErrOpenState) {
		t.Error("expected ErrOpenState to read as circuit-open")
	}
}
