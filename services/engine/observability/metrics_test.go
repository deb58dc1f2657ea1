// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestNewMetrics(t *testing.T) {
	meter := otel.Meter("test_metrics")
	metrics, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	if metrics.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if metrics.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if metrics.ActiveRequests == nil {
		t.Error("ActiveRequests is nil")
	}
	if metrics.ValidationRejects == nil {
		t.Error("ValidationRejects is nil")
	}
	if metrics.RateLimitDecisions == nil {
		t.Error("RateLimitDecisions is nil")
	}
	if metrics.CacheRequests == nil {
		t.Error("CacheRequests is nil")
	}
	if metrics.LLMRequestsTotal == nil {
		t.Error("LLMRequestsTotal is nil")
	}
	if metrics.LLMRequestDuration == nil {
		t.Error("LLMRequestDuration is nil")
	}
	if metrics.LLMTokensTotal == nil {
		t.Error("LLMTokensTotal is nil")
	}
	if metrics.LLMCostDollars == nil {
		t.Error("LLMCostDollars is nil")
	}
	if metrics.SessionsStarted == nil {
		t.Error("SessionsStarted is nil")
	}
	if metrics.TurnsUnpersisted == nil {
		t.Error("TurnsUnpersisted is nil")
	}
	if metrics.SessionsSwept == nil {
		t.Error("SessionsSwept is nil")
	}
	if metrics.IntentClassifications == nil {
		t.Error("IntentClassifications is nil")
	}
	if metrics.RetrievalsTotal == nil {
		t.Error("RetrievalsTotal is nil")
	}
	if metrics.RetrievalDuration == nil {
		t.Error("RetrievalDuration is nil")
	}
	if metrics.OrdersDispatched == nil {
		t.Error("OrdersDispatched is nil")
	}
	if metrics.OrderStageDuration == nil {
		t.Error("OrderStageDuration is nil")
	}
	if metrics.ErrorsTotal == nil {
		t.Error("ErrorsTotal is nil")
	}

	// Recording must not panic even without an SDK behind the meter.
	ctx := context.Background()
	metrics.RequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", "/api/chatbot"),
		attribute.Int("status", 200),
	))
	metrics.CacheRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("layer", "l1"),
		attribute.String("outcome", "hit"),
		attribute.String("backend", "redis"),
	))
}

func TestRegisterLLMCircuitState(t *testing.T) {
	meter := otel.Meter("test_circuit")
	metrics, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	reg, err := metrics.RegisterLLMCircuitState(meter, func() int64 { return 1 })
	if err != nil {
		t.Fatalf("RegisterLLMCircuitState() error = %v", err)
	}
	if metrics.LLMCircuitState == nil {
		t.Error("LLMCircuitState is nil after registration")
	}
	if err := reg.Unregister(); err != nil {
		t.Errorf("Unregister() error = %v", err)
	}
}
