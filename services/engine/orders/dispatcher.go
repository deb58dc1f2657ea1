// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orders runs the order agent pipeline behind the dispatch
// gate: semantic product matching and LLM order parsing in-request,
// then synchronous acknowledgements from the business layer for
// inventory, delivery, and finance. Every stage outcome is recorded in
// the timeline returned to the caller; the dispatcher itself never
// returns an error.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/coralbridge/orderdesk/services/engine/datatypes"
	"github.com/coralbridge/orderdesk/services/engine/observability"
	"github.com/coralbridge/orderdesk/services/engine/session"
	"github.com/coralbridge/orderdesk/services/engine/vector"
	"github.com/coralbridge/orderdesk/services/llm"
)

const tracerName = "orderdesk.engine.orders"

// noMatchSummary is the customer-facing abort reason when no catalog
// product clears the match threshold.
const noMatchSummary = "no products matched your description"

// orderIDBase offsets the badger sequence so order numbers look like
// order numbers from the first allocation.
const orderIDBase = 100000

// orderSeqKey is the badger sequence key for order id allocation.
var orderSeqKey = []byte("!orderdesk!order_seq")

var errNoMatch = errors.New("no catalog products above the match threshold")

// =============================================================================
// Business Backend
// =============================================================================

// Backend is the seam to the business persistence layer. The engine
// records each call's acknowledgement in the agent timeline; actual
// stock movements, routing, and ledger entries happen downstream.
type Backend interface {
	// CheckInventory acknowledges the draft for warehouse reservation.
	CheckInventory(ctx context.Context, draft *datatypes.OrderDraft) (string, error)

	// ScheduleDelivery acknowledges the draft for route planning.
	ScheduleDelivery(ctx context.Context, draft *datatypes.OrderDraft) (string, error)

	// RecordFinance acknowledges the draft for invoicing.
	RecordFinance(ctx context.Context, draft *datatypes.OrderDraft) (string, error)
}

// AckBackend is the default Backend: it acknowledges receipt of each
// stage without doing the work, which is the contract when the business
// layer consumes drafts asynchronously from its own queue.
type AckBackend struct{}

func (AckBackend) CheckInventory(_ context.Context, draft *datatypes.OrderDraft) (string, error) {
	units := 0.0
	for _, it := range draft.Items {
		units += it.Quantity
	}
	return fmt.Sprintf("%.0f units across %d lines sent for warehouse reservation", units, len(draft.Items)), nil
}

func (AckBackend) ScheduleDelivery(_ context.Context, draft *datatypes.OrderDraft) (string, error) {
	dest := draft.OutletName
	if dest == "" {
		dest = "the registered address"
	}
	return fmt.Sprintf("delivery slot requested for %s, next business day after confirmation", dest), nil
}

func (AckBackend) RecordFinance(_ context.Context, draft *datatypes.OrderDraft) (string, error) {
	return fmt.Sprintf("invoice draft for S$%.2f queued against order %d", draft.Total, draft.OrderID), nil
}

// =============================================================================
// Dispatcher
// =============================================================================

// Config tunes the order pipeline.
type Config struct {
	// MatchThreshold is the minimum cosine similarity for a catalog hit.
	MatchThreshold float64

	// MaxMentions caps how many product mentions stage one embeds.
	MaxMentions int

	// MatchTimeout bounds embedding plus vector search.
	MatchTimeout time.Duration

	// ParseTimeout bounds the line-item parsing call.
	ParseTimeout time.Duration

	// Temperature and MaxTokens for the parsing call.
	Temperature float32
	MaxTokens   int
}

// DefaultConfig returns production defaults sized to fit the order path
// inside the request budget.
func DefaultConfig() Config {
	return Config{
		MatchThreshold: 0.5,
		MaxMentions:    10,
		MatchTimeout:   10 * time.Second,
		ParseTimeout:   20 * time.Second,
		Temperature:    0.1,
		MaxTokens:      400,
	}
}

// Validate checks config ranges.
func (c Config) Validate() error {
	if c.MatchThreshold < -1 || c.MatchThreshold > 1 {
		return fmt.Errorf("match threshold %v out of range", c.MatchThreshold)
	}
	if c.MaxMentions <= 0 || c.MaxTokens <= 0 {
		return errors.New("mention cap and max tokens must be positive")
	}
	if c.MatchTimeout <= 0 || c.ParseTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		return fmt.Errorf("temperature %v out of range", c.Temperature)
	}
	return nil
}

// Request carries one gated order placement into the pipeline.
type Request struct {
	Message   string
	Entities  datatypes.Entities
	Outlet    string
	SessionID string
	UserID    string
}

// Dispatcher runs the five-stage order pipeline.
//
// # Description
//
// Dispatch embeds the extracted product mentions, matches them against
// the catalog collection, parses quantities with the intent-model LLM,
// allocates an order id, and collects acknowledgements from the
// business backend. The returned timeline always holds all five stage
// records; stages after a failure stay pending so nothing is silently
// dropped.
//
// # Thread Safety
//
// Safe for concurrent use. Order ids come from a shared badger
// sequence.
type Dispatcher struct {
	embedder llm.Embedder
	provider *vector.Provider
	parser   llm.LLMClient
	backend  Backend
	metrics  *observability.Metrics
	cfg      Config

	seq        sequence
	fallbackID atomic.Int64
}

// sequence is the slice of badger.Sequence the dispatcher uses,
// extracted so tests without a database can run on a counter.
type sequence interface {
	Next() (uint64, error)
	Release() error
}

// NewDispatcher builds a dispatcher.
//
// # Inputs
//
//   - embedder: Embeds product mentions. Must not be nil.
//   - provider: Vector store provider for the catalog collection.
//   - parser: The intent-model LLM client for quantity parsing.
//   - backend: Business layer seam. Nil gets AckBackend.
//   - store: Session store; its database allocates order ids. Nil
//     falls back to an in-process counter (tests, degraded boots).
//   - metrics: May be nil in tests.
func NewDispatcher(embedder llm.Embedder, provider *vector.Provider, parser llm.LLMClient, backend Backend, store *session.Store, metrics *observability.Metrics, cfg Config) (*Dispatcher, error) {
	if embedder == nil {
		return nil, errors.New("orders: embedder must not be nil")
	}
	if provider == nil {
		return nil, errors.New("orders: vector provider must not be nil")
	}
	if parser == nil {
		return nil, errors.New("orders: parser client must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orders: %w", err)
	}
	if backend == nil {
		backend = AckBackend{}
	}

	d := &Dispatcher{
		embedder: embedder,
		provider: provider,
		parser:   parser,
		backend:  backend,
		metrics:  metrics,
		cfg:      cfg,
	}
	if store != nil {
		seq, err := store.DB().GetSequence(orderSeqKey, 64)
		if err != nil {
			return nil, fmt.Errorf("orders: order id sequence: %w", err)
		}
		d.seq = seq
	}
	return d, nil
}

// Close releases the order id sequence, returning unclaimed ids to the
// database.
func (d *Dispatcher) Close() error {
	if d.seq != nil {
		return d.seq.Release()
	}
	return nil
}

// Dispatch runs the pipeline for one gated order placement.
//
// # Outputs
//
//   - []datatypes.AgentStageRecord: All five stage records in pipeline
//     order. Never nil.
//   - *datatypes.OrderDraft: The assembled order once stages one and
//     two complete; nil when the pipeline aborted before a draft
//     existed. A non-nil draft with a later stage error means the
//     order was taken but an acknowledgement failed.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) ([]datatypes.AgentStageRecord, *datatypes.OrderDraft) {
	ctx, span := observability.StartSpan(ctx, tracerName, "Dispatcher.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.session_id", req.SessionID),
		attribute.Int("order.mentions", len(req.Entities.ProductNames)),
	)

	records := []datatypes.AgentStageRecord{
		{StageName: datatypes.StageProductMatch, Status: datatypes.StagePending},
		{StageName: datatypes.StageOrderParsing, Status: datatypes.StagePending},
		{StageName: datatypes.StageInventory, Status: datatypes.StagePending},
		{StageName: datatypes.StageDelivery, Status: datatypes.StagePending},
		{StageName: datatypes.StageFinance, Status: datatypes.StagePending},
	}

	// Stage 1: semantic product match.
	var mentionMatches []*datatypes.Product
	var catalog []datatypes.Product
	ok := d.runStage(ctx, records, 0, func() (string, string, error) {
		matches, unique, err := d.matchProducts(ctx, req.Entities.ProductNames)
		if err != nil {
			return "product catalog lookup failed", "", err
		}
		if len(unique) == 0 {
			return noMatchSummary, "", errNoMatch
		}
		mentionMatches, catalog = matches, unique
		detail, _ := json.Marshal(unique)
		summary := fmt.Sprintf("matched %d of %d product mentions", len(unique), len(req.Entities.ProductNames))
		return summary, string(detail), nil
	})
	if !ok {
		d.finish(ctx, span, "no_match", nil)
		return records, nil
	}

	// Stage 2: order parsing.
	var draft *datatypes.OrderDraft
	ok = d.runStage(ctx, records, 1, func() (string, string, error) {
		items, note, err := d.parseOrder(ctx, req, mentionMatches, catalog)
		if err != nil {
			return "could not determine order quantities", "", err
		}

		orderID, err := d.nextOrderID()
		if err != nil {
			return "could not assemble the order draft", "", err
		}

		total := 0.0
		for _, it := range items {
			total += it.LineTotal
		}
		draft = &datatypes.OrderDraft{
			OrderID:    orderID,
			SessionID:  req.SessionID,
			UserID:     req.UserID,
			OutletName: req.Outlet,
			Items:      items,
			Total:      round2(total),
			CreatedAt:  time.Now().UTC(),
		}

		detail, _ := json.Marshal(draft)
		summary := fmt.Sprintf("order %d: %d line items, S$%.2f", orderID, len(items), draft.Total)
		if note != "" {
			summary += " (" + note + ")"
		}
		return summary, string(detail), nil
	})
	if !ok {
		d.finish(ctx, span, "parse_error", nil)
		return records, nil
	}

	// Stages 3 to 5: business layer acknowledgements.
	ackStages := []struct {
		idx int
		run func(context.Context, *datatypes.OrderDraft) (string, error)
	}{
		{2, d.backend.CheckInventory},
		{3, d.backend.ScheduleDelivery},
		{4, d.backend.RecordFinance},
	}
	for _, st := range ackStages {
		ok = d.runStage(ctx, records, st.idx, func() (string, string, error) {
			summary, err := st.run(ctx, draft)
			if err != nil {
				return "business layer did not acknowledge", "", err
			}
			return summary, "", nil
		})
		if !ok {
			d.finish(ctx, span, "backend_error", draft)
			return records, draft
		}
	}

	slog.Info("Order dispatched",
		"order_id", draft.OrderID,
		"session_id", req.SessionID,
		"lines", len(draft.Items),
		"total_sgd", draft.Total,
		"trace_id", observability.TraceID(ctx))
	d.finish(ctx, span, "completed", draft)
	return records, draft
}

// runStage executes one stage, recording status transitions, timing,
// and the outcome into records[idx]. Returns false on stage error.
func (d *Dispatcher) runStage(ctx context.Context, records []datatypes.AgentStageRecord, idx int, fn func() (summary, details string, err error)) bool {
	rec := &records[idx]
	rec.Status = datatypes.StageRunning
	rec.StartedAt = time.Now().UTC()

	summary, details, err := fn()

	rec.CompletedAt = time.Now().UTC()
	rec.Summary = summary
	rec.Details = details
	if d.metrics != nil {
		d.metrics.OrderStageDuration.Record(ctx, rec.CompletedAt.Sub(rec.StartedAt).Seconds(),
			metric.WithAttributes(attribute.String("stage", rec.StageName)))
	}

	if err != nil {
		rec.Status = datatypes.StageError
		rec.Details = err.Error()
		slog.Warn("Order stage failed",
			"stage", rec.StageName,
			"error", err,
			"trace_id", observability.TraceID(ctx))
		return false
	}
	rec.Status = datatypes.StageCompleted
	return true
}

func (d *Dispatcher) finish(ctx context.Context, span trace.Span, outcome string, draft *datatypes.OrderDraft) {
	span.SetAttributes(attribute.String("order.outcome", outcome))
	if draft != nil {
		span.SetAttributes(attribute.Int64("order.id", draft.OrderID))
	}
	if d.metrics != nil {
		d.metrics.OrdersDispatched.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome)))
	}
}

// =============================================================================
// Stage Implementations
// =============================================================================

// matchProducts embeds the deduplicated mentions in one batch and takes
// the best catalog hit above the threshold for each. Returns the
// per-mention matches (nil entries for misses) and the unique matched
// products, best score first per catalog entry.
func (d *Dispatcher) matchProducts(ctx context.Context, mentions []string) ([]*datatypes.Product, []datatypes.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.MatchTimeout)
	defer cancel()

	cleaned := make([]string, 0, len(mentions))
	seen := make(map[string]bool, len(mentions))
	for _, m := range mentions {
		m = strings.TrimSpace(m)
		key := strings.ToLower(m)
		if m == "" || seen[key] {
			continue
		}
		seen[key] = true
		cleaned = append(cleaned, m)
		if len(cleaned) == d.cfg.MaxMentions {
			break
		}
	}
	if len(cleaned) == 0 {
		return nil, nil, errors.New("no product mentions to match")
	}

	vecs, err := d.embedder.Embed(ctx, cleaned)
	if err != nil {
		return nil, nil, fmt.Errorf("embed mentions: %w", err)
	}
	if len(vecs) != len(cleaned) {
		return nil, nil, fmt.Errorf("embedder returned %d vectors for %d mentions", len(vecs), len(cleaned))
	}

	store, err := d.provider.Get()
	if err != nil {
		return nil, nil, fmt.Errorf("vector store: %w", err)
	}

	matches := make([]*datatypes.Product, len(cleaned))
	unique := make([]datatypes.Product, 0, len(cleaned))
	bySKU := make(map[string]int, len(cleaned))
	for i, vec := range vecs {
		hits, err := store.Query(ctx, vector.CollectionProducts, vec, 1, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("catalog query for %q: %w", cleaned[i], err)
		}
		if len(hits) == 0 || hits[0].Score < d.cfg.MatchThreshold {
			continue
		}

		p := productFromHit(hits[0])
		matches[i] = &p
		if at, ok := bySKU[strings.ToUpper(p.SKU)]; ok {
			if p.Score > unique[at].Score {
				unique[at] = p
			}
			continue
		}
		bySKU[strings.ToUpper(p.SKU)] = len(unique)
		unique = append(unique, p)
	}
	return matches, unique, nil
}

// productFromHit maps catalog metadata onto a Product.
func productFromHit(h vector.Hit) datatypes.Product {
	price, _ := strconv.ParseFloat(h.Metadata["unit_price"], 64)
	return datatypes.Product{
		SKU:       h.Metadata["sku"],
		Name:      h.Metadata["name"],
		Unit:      h.Metadata["unit"],
		UnitPrice: price,
		Outlet:    h.Metadata["outlet"],
		Score:     h.Score,
	}
}

// parseOrder runs the LLM quantity parse, falling back to the
// classifier's positional quantity pairing when the parse fails but
// every mention carried a quantity. The note flags the fallback in the
// stage summary.
func (d *Dispatcher) parseOrder(ctx context.Context, req Request, mentionMatches []*datatypes.Product, catalog []datatypes.Product) ([]datatypes.OrderLineItem, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.ParseTimeout)
	defer cancel()

	temp := d.cfg.Temperature
	maxTokens := d.cfg.MaxTokens
	raw, err := d.parser.Generate(reqCtx, buildParserPrompt(req.Message, catalog), llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		JSONMode:    true,
	})
	if err == nil {
		items, parseErr := parseItems(raw, catalog)
		if parseErr == nil {
			return items, "", nil
		}
		err = parseErr
	}

	if items := fallbackItems(req.Entities, mentionMatches); len(items) > 0 {
		slog.Warn("Order parse fell back to extracted quantities", "error", err)
		return items, "quantities taken from message entities", nil
	}
	return nil, "", fmt.Errorf("parse line items: %w", err)
}

// nextOrderID allocates the next order number.
func (d *Dispatcher) nextOrderID() (int64, error) {
	if d.seq != nil {
		n, err := d.seq.Next()
		if err != nil {
			return 0, fmt.Errorf("order sequence: %w", err)
		}
		return orderIDBase + int64(n), nil
	}
	return orderIDBase + d.fallbackID.Add(1), nil
}
