// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains the pre-defined instruments for the request engine.
//
// All metrics use the "orderdesk_" prefix. Label values must come from
// bounded sets (intent taxonomy, cache layers, rate limit dimensions);
// never label with user-supplied text.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- HTTP Metrics ---

	// RequestsTotal counts chat API requests by status class and route.
	RequestsTotal metric.Int64Counter

	// RequestDuration records end-to-end request duration in seconds.
	RequestDuration metric.Float64Histogram

	// ActiveRequests tracks currently in-flight requests.
	ActiveRequests metric.Int64UpDownCounter

	// --- Admission Metrics ---

	// ValidationRejects counts rejected messages by rejection kind.
	ValidationRejects metric.Int64Counter

	// RateLimitDecisions counts limiter verdicts by dimension and outcome.
	RateLimitDecisions metric.Int64Counter

	// --- Cache Metrics ---

	// CacheRequests counts lookups by layer (l1..l4), outcome, and backend.
	CacheRequests metric.Int64Counter

	// --- LLM Metrics ---

	// LLMRequestsTotal counts provider calls by operation and status.
	LLMRequestsTotal metric.Int64Counter

	// LLMRequestDuration records provider call duration in seconds.
	LLMRequestDuration metric.Float64Histogram

	// LLMTokensTotal counts tokens by model and kind (prompt, completion).
	LLMTokensTotal metric.Int64Counter

	// LLMCostDollars accumulates estimated spend by model.
	LLMCostDollars metric.Float64Counter

	// LLMCircuitState reports the generation breaker state
	// (0=closed, 1=open, 2=half-open). Register via RegisterLLMCircuitState.
	LLMCircuitState metric.Int64ObservableGauge

	// --- Session Metrics ---

	// SessionsStarted counts newly created sessions.
	SessionsStarted metric.Int64Counter

	// TurnsUnpersisted counts turns that were answered but not stored.
	TurnsUnpersisted metric.Int64Counter

	// SessionsSwept counts records removed by the retention sweeper.
	SessionsSwept metric.Int64Counter

	// --- Intent Metrics ---

	// IntentClassifications counts classifications by intent and source
	// (llm, cache, fallback).
	IntentClassifications metric.Int64Counter

	// --- Retrieval Metrics ---

	// RetrievalsTotal counts knowledge retrievals by status.
	RetrievalsTotal metric.Int64Counter

	// RetrievalDuration records retrieval duration in seconds.
	RetrievalDuration metric.Float64Histogram

	// --- Order Metrics ---

	// OrdersDispatched counts order agent dispatches by outcome.
	OrdersDispatched metric.Int64Counter

	// OrderStageDuration records per-stage duration in seconds.
	OrderStageDuration metric.Float64Histogram

	// --- Error Metrics ---

	// ErrorsTotal counts errors by component and kind.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics registers every engine instrument with the provided meter.
//
// Example:
//
//	meter := otel.Meter("orderdesk.engine")
//	metrics, err := observability.NewMetrics(meter)
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
//	metrics.RequestsTotal.Add(ctx, 1, ...)
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- HTTP Metrics ---
	m.RequestsTotal, err = meter.Int64Counter(
		"orderdesk_requests_total",
		metric.WithDescription("Total chat API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create requests_total: %w", err)
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"orderdesk_request_duration_seconds",
		metric.WithDescription("End-to-end request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 90),
	)
	if err != nil {
		return nil, fmt.Errorf("create request_duration: %w", err)
	}

	m.ActiveRequests, err = meter.Int64UpDownCounter(
		"orderdesk_active_requests",
		metric.WithDescription("Currently in-flight requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create active_requests: %w", err)
	}

	// --- Admission Metrics ---
	m.ValidationRejects, err = meter.Int64Counter(
		"orderdesk_validation_rejects_total",
		metric.WithDescription("Messages rejected by admission validation"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create validation_rejects: %w", err)
	}

	m.RateLimitDecisions, err = meter.Int64Counter(
		"orderdesk_ratelimit_decisions_total",
		metric.WithDescription("Rate limiter verdicts by dimension and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ratelimit_decisions: %w", err)
	}

	// --- Cache Metrics ---
	m.CacheRequests, err = meter.Int64Counter(
		"orderdesk_cache_requests_total",
		metric.WithDescription("Cache lookups by layer, outcome, and backend"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache_requests: %w", err)
	}

	// --- LLM Metrics ---
	m.LLMRequestsTotal, err = meter.Int64Counter(
		"orderdesk_llm_requests_total",
		metric.WithDescription("LLM provider calls by operation and status"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm_requests_total: %w", err)
	}

	m.LLMRequestDuration, err = meter.Float64Histogram(
		"orderdesk_llm_request_duration_seconds",
		metric.WithDescription("LLM provider call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm_request_duration: %w", err)
	}

	m.LLMTokensTotal, err = meter.Int64Counter(
		"orderdesk_llm_tokens_total",
		metric.WithDescription("LLM tokens consumed by model and kind"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm_tokens_total: %w", err)
	}

	m.LLMCostDollars, err = meter.Float64Counter(
		"orderdesk_llm_cost_dollars_total",
		metric.WithDescription("Estimated LLM spend in US dollars"),
		metric.WithUnit("{USD}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm_cost_dollars: %w", err)
	}

	// --- Session Metrics ---
	m.SessionsStarted, err = meter.Int64Counter(
		"orderdesk_sessions_started_total",
		metric.WithDescription("Sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sessions_started: %w", err)
	}

	m.TurnsUnpersisted, err = meter.Int64Counter(
		"orderdesk_turns_unpersisted_total",
		metric.WithDescription("Turns answered but not persisted"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create turns_unpersisted: %w", err)
	}

	m.SessionsSwept, err = meter.Int64Counter(
		"orderdesk_sessions_swept_total",
		metric.WithDescription("Records removed by the retention sweeper"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sessions_swept: %w", err)
	}

	// --- Intent Metrics ---
	m.IntentClassifications, err = meter.Int64Counter(
		"orderdesk_intent_classifications_total",
		metric.WithDescription("Intent classifications by intent and source"),
		metric.WithUnit("{classification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create intent_classifications: %w", err)
	}

	// --- Retrieval Metrics ---
	m.RetrievalsTotal, err = meter.Int64Counter(
		"orderdesk_retrievals_total",
		metric.WithDescription("Knowledge retrievals by status"),
		metric.WithUnit("{retrieval}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create retrievals_total: %w", err)
	}

	m.RetrievalDuration, err = meter.Float64Histogram(
		"orderdesk_retrieval_duration_seconds",
		metric.WithDescription("Knowledge retrieval duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create retrieval_duration: %w", err)
	}

	// --- Order Metrics ---
	m.OrdersDispatched, err = meter.Int64Counter(
		"orderdesk_orders_dispatched_total",
		metric.WithDescription("Order agent dispatches by outcome"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create orders_dispatched: %w", err)
	}

	m.OrderStageDuration, err = meter.Float64Histogram(
		"orderdesk_order_stage_duration_seconds",
		metric.WithDescription("Order pipeline stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("create order_stage_duration: %w", err)
	}

	// --- Error Metrics ---
	m.ErrorsTotal, err = meter.Int64Counter(
		"orderdesk_errors_total",
		metric.WithDescription("Errors by component and kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

// RegisterLLMCircuitState registers a callback gauge reporting the
// generation breaker state. The callback runs on every scrape.
//
// # Inputs
//
//	meter - The OTel meter to register with.
//	stateFunc - Returns the current state (0=closed, 1=open, 2=half-open).
//
// # Outputs
//
//	metric.Registration - Handle for cleanup.
//	error - Non-nil if registration fails.
func (m *Metrics) RegisterLLMCircuitState(meter metric.Meter, stateFunc func() int64) (metric.Registration, error) {
	var err error
	m.LLMCircuitState, err = meter.Int64ObservableGauge(
		"orderdesk_llm_circuit_state",
		metric.WithDescription("LLM circuit breaker state (0=closed, 1=open, 2=half-open)"),
		metric.WithUnit("{state}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm_circuit_state: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.LLMCircuitState, stateFunc())
		return nil
	}, m.LLMCircuitState)
}
