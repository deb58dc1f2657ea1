// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package services contains the request orchestration pipeline: the
// state machine that takes a chat message from admission through
// classification, retrieval, generation, order dispatch, persistence,
// and cache write-back.
package services

import (
	"context"
	"errors"

	"github.com/coralbridge/orderdesk/pkg/extensions"
	"github.com/coralbridge/orderdesk/services/engine/cache"
	"github.com/coralbridge/orderdesk/services/engine/datatypes"
	"github.com/coralbridge/orderdesk/services/engine/generation"
	"github.com/coralbridge/orderdesk/services/engine/observability"
	"github.com/coralbridge/orderdesk/services/engine/orders"
	"github.com/coralbridge/orderdesk/services/engine/ratelimit"
	"github.com/coralbridge/orderdesk/services/engine/session"
	"github.com/coralbridge/orderdesk/services/engine/validation"
	"github.com/coralbridge/orderdesk/services/llm"
)

// =============================================================================
// Capability Interfaces
// =============================================================================

// The orchestrator depends on capabilities, not concrete components.
// The engine wires the real implementations once at startup; tests
// substitute fakes per capability.

// IntentClassifier labels one utterance in its conversation window.
type IntentClassifier interface {
	Classify(ctx context.Context, message string, recent []datatypes.StoredMessage) datatypes.IntentResult
}

// KnowledgeRetriever returns grounding chunks for a query, reusing the
// message embedding the pipeline already computed when one is available.
type KnowledgeRetriever interface {
	RetrieveWithEmbedding(ctx context.Context, query, language string, k int, vec []float32) []datatypes.KnowledgeChunk
}

// ResponseGenerator produces the reply text. It never fails; provider
// outages surface as a degraded result.
type ResponseGenerator interface {
	Generate(ctx context.Context, message string, intent datatypes.IntentResult, chunks []datatypes.KnowledgeChunk, recent []datatypes.StoredMessage, language string) generation.Result
}

// OrderDispatcher runs the order agent pipeline for a qualifying
// order-placement classification.
type OrderDispatcher interface {
	Dispatch(ctx context.Context, req orders.Request) ([]datatypes.AgentStageRecord, *datatypes.OrderDraft)
}

// SessionStore is the conversation persistence surface the pipeline
// needs. The full session API, including ending and sweeping, stays on
// the concrete store.
type SessionStore interface {
	EnsureSession(ctx context.Context, sessionID, userID, outlet, language string) (*datatypes.Session, bool, error)
	AppendTurn(ctx context.Context, sessionID, role, content string, meta session.TurnMeta) (*datatypes.StoredMessage, error)
	RecentTurns(ctx context.Context, sessionID string, n int) ([]datatypes.StoredMessage, error)
}

// =============================================================================
// Container
// =============================================================================

// Container holds every capability the orchestrator composes. It is
// built once at startup and injected; none of the fields are replaced
// after construction, which is what makes the pipeline safe to run
// concurrently without further locking.
type Container struct {
	// Validator applies the admission rules. Required.
	Validator *validation.Validator

	// Limiter makes the admission decision. Required.
	Limiter *ratelimit.Limiter

	// Sessions binds and persists conversations. Required.
	Sessions SessionStore

	// Cache is the response/intent/retrieval hierarchy. Required.
	Cache *cache.Hierarchy

	// Classifier labels utterances. Required.
	Classifier IntentClassifier

	// Retriever grounds policy and product questions. Required.
	Retriever KnowledgeRetriever

	// Generator produces replies. Required.
	Generator ResponseGenerator

	// Dispatcher runs the order agent. Optional; when nil, qualifying
	// order placements are answered without the agent timeline.
	Dispatcher OrderDispatcher

	// Embedder computes the message embedding used by the semantic
	// cache layer and reused by retrieval. Optional; when nil the
	// semantic layer is skipped.
	Embedder llm.Embedder

	// Scrubber rewrites turns before persistence, redacting PII.
	// Optional; when nil turns are stored as validated.
	Scrubber extensions.MessageFilter

	// Audit receives refusal and dispatch events. Optional; when nil
	// nothing is recorded.
	Audit extensions.AuditLogger

	// Metrics may be nil in tests.
	Metrics *observability.Metrics
}

// Validate reports the first missing required capability.
func (c *Container) Validate() error {
	switch {
	case c == nil:
		return errors.New("container must not be nil")
	case c.Validator == nil:
		return errors.New("validator must not be nil")
	case c.Limiter == nil:
		return errors.New("limiter must not be nil")
	case c.Sessions == nil:
		return errors.New("session store must not be nil")
	case c.Cache == nil:
		return errors.New("cache hierarchy must not be nil")
	case c.Classifier == nil:
		return errors.New("intent classifier must not be nil")
	case c.Retriever == nil:
		return errors.New("knowledge retriever must not be nil")
	case c.Generator == nil:
		return errors.New("response generator must not be nil")
	}
	return nil
}
