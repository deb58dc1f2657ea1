// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/coralbridge/orderdesk/pkg/extensions"
	"github.com/coralbridge/orderdesk/services/engine/cache"
	"github.com/coralbridge/orderdesk/services/engine/datatypes"
	"github.com/coralbridge/orderdesk/services/engine/knowledge"
	"github.com/coralbridge/orderdesk/services/engine/observability"
	"github.com/coralbridge/orderdesk/services/engine/orders"
	"github.com/coralbridge/orderdesk/services/engine/ratelimit"
	"github.com/coralbridge/orderdesk/services/engine/session"
	"github.com/coralbridge/orderdesk/services/engine/validation"
	"github.com/coralbridge/orderdesk/services/guardrails"
)

const tracerName = "orderdesk.engine.orchestrator"

// categorySQLInjection is the one pattern category that refuses instead
// of annotating. The rule names come from the guardrail rule file.
const categorySQLInjection = "sql_injection"

// =============================================================================
// Configuration
// =============================================================================

// Config holds the per-stage deadlines for one request.
type Config struct {
	// IntentTimeout bounds classification. Default 30s.
	IntentTimeout time.Duration

	// RetrievalTimeout bounds knowledge retrieval. Default 10s.
	RetrievalTimeout time.Duration

	// GenerationTimeout bounds reply generation. Default 60s.
	GenerationTimeout time.Duration

	// OverallTimeout bounds the whole pipeline. Default 90s.
	OverallTimeout time.Duration
}

// DefaultConfig returns the stage deadlines used in production.
func DefaultConfig() Config {
	return Config{
		IntentTimeout:     30 * time.Second,
		RetrievalTimeout:  10 * time.Second,
		GenerationTimeout: 60 * time.Second,
		OverallTimeout:    90 * time.Second,
	}
}

// Validate checks that every deadline is positive.
func (c *Config) Validate() error {
	if c.IntentTimeout <= 0 || c.RetrievalTimeout <= 0 ||
		c.GenerationTimeout <= 0 || c.OverallTimeout <= 0 {
		return fmt.Errorf("all stage timeouts must be positive, got %+v", *c)
	}
	return nil
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator drives one chat request through the pipeline.
//
// # Description
//
// Process takes a request from admission through session binding, the
// cache hierarchy, classification, retrieval, generation, order
// dispatch, persistence, and cache write-back. Identical concurrent
// misses share one model computation; dispatch and persistence always
// run per caller because they carry session-scoped side effects.
//
// # Inputs
//
// A bound ChatRequest plus the client IP the transport saw.
//
// # Outputs
//
// A ChatResponse for every completed pipeline run, including degraded
// ones, or one of the typed errors in errors.go for the three outcomes
// the HTTP layer maps to non-200 codes.
//
// # Thread Safety
//
// Safe for concurrent use. All state is either immutable after New or
// owned by the singleflight group.
type Orchestrator struct {
	c        *Container
	cfg      Config
	inflight singleflight.Group
}

// New validates the container and returns a ready orchestrator.
func New(c *Container, cfg Config) (*Orchestrator, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid container: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	return &Orchestrator{c: c, cfg: cfg}, nil
}

// computed is the shareable part of one pipeline run: the response
// prototype before per-caller personalization, plus the classification
// that produced it.
type computed struct {
	resp   *datatypes.ChatResponse
	intent datatypes.IntentResult
}

// Process runs the pipeline for one request.
//
// Returned errors are *validation.ValidationError (reject), *RateLimitedError
// (deny), or *FatalError (session binding failed). Everything else,
// degraded model calls included, comes back as a response.
func (o *Orchestrator) Process(ctx context.Context, req *datatypes.ChatRequest, clientIP string) (*datatypes.ChatResponse, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OverallTimeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, tracerName, "orchestrator.process")
	defer span.End()

	// Validated.
	vt, err := o.c.Validator.Validate(req.Message)
	if err != nil {
		if ve := validation.AsValidationError(err); ve != nil && o.c.Metrics != nil {
			o.c.Metrics.ValidationRejects.Add(ctx, 1,
				metric.WithAttributes(attribute.String("kind", ve.Kind)))
		}
		observability.RecordError(span, err)
		return nil, err
	}

	// Admitted. Identity precedence: user, then session, then address.
	subject := admissionSubject(req, clientIP)
	decision := o.c.Limiter.Check(subject, clientIP)
	o.recordAdmission(ctx, decision)
	if !decision.Allowed {
		denied := &RateLimitedError{Decision: decision}
		observability.RecordError(span, denied,
			attribute.String("ratelimit.dimension", decision.Dimension))
		return nil, denied
	}

	// SQL-injection shapes get a refusal, not an answer. The check sits
	// after admission so probe traffic spends rate budget, and before
	// session binding so probes never create or touch sessions.
	if guardrails.HasCategory(vt.Findings, categorySQLInjection) {
		lang := datatypes.NormalizeLanguage(req.Language)
		slog.Warn("Refused message with injection pattern",
			"trace_id", observability.TraceID(ctx),
			"security_flags", vt.SecurityFlags,
			"subject", subject)
		span.SetAttributes(attribute.Bool("orchestrator.refused", true))
		o.audit(ctx, extensions.AuditEvent{
			EventType:    extensions.EventChatRefused,
			UserID:       req.UserID,
			Action:       "refuse",
			ResourceType: "message",
			Outcome:      "blocked",
			Metadata: extensions.NewMetadata().
				Set("session_id", req.SessionID).
				Set("security_flags", vt.SecurityFlags).
				Set("client_ip", clientIP),
		})
		return &datatypes.ChatResponse{
			Success:   false,
			SessionID: req.SessionID,
			Message:   refusalFor(lang),
			Intent:    "",
			Language:  lang,
			Citations: []datatypes.Citation{},
			Mode:      datatypes.ModeQuery,
			Metadata: datatypes.ResponseMetadata{
				SecurityFlags: vt.SecurityFlags,
				LatencyMs:     time.Since(start).Milliseconds(),
				ModeHint:      req.Mode,
			},
		}, nil
	}

	// Session-bound.
	sess, created, err := o.c.Sessions.EnsureSession(ctx, req.SessionID, req.UserID, req.OutletName,
		datatypes.NormalizeLanguage(req.Language))
	if err != nil {
		observability.RecordError(span, err)
		return nil, &FatalError{Op: "ensure session", Err: err}
	}
	if created && o.c.Metrics != nil {
		o.c.Metrics.SessionsStarted.Add(ctx, 1)
	}
	span.SetAttributes(attribute.String("session.id", sess.SessionID))

	lang := req.Language
	if lang == "" {
		lang = sess.Language
	}
	lang = datatypes.NormalizeLanguage(lang)

	recent, err := o.c.Sessions.RecentTurns(ctx, sess.SessionID, datatypes.HistoryWindow)
	if err != nil {
		slog.Warn("Failed to load conversation window, proceeding without history",
			"trace_id", observability.TraceID(ctx),
			"session_id", sess.SessionID,
			"error", err)
		recent = nil
	}

	q := cache.ResponseQuery{
		NormalizedText: cache.NormalizeText(vt.Text),
		ContextDigest:  cache.ContextDigest(recent),
		Outlet:         req.OutletName,
		Language:       lang,
	}

	// Cache-checked: exact first, then paraphrase.
	if hit, backend, ok := o.c.Cache.GetExact(ctx, q); ok {
		return o.serveCached(ctx, req, sess, vt, hit, backend, start), nil
	}

	var vec []float32
	if o.c.Embedder != nil {
		if vecs, err := o.c.Embedder.Embed(ctx, []string{vt.Text}); err != nil {
			slog.Warn("Message embedding failed, skipping semantic layer",
				"trace_id", observability.TraceID(ctx),
				"error", err)
		} else if len(vecs) == 1 {
			vec = vecs[0]
		}
	}
	if vec != nil {
		if hit, ok := o.c.Cache.GetSemantic(ctx, vec, q); ok {
			return o.serveCached(ctx, req, sess, vt, hit, cache.BackendVector, start), nil
		}
	}

	// Classified through cached. One computation per identical miss;
	// followers reuse the winner's reply but keep their own session
	// side effects below.
	key := cache.ResponseKey(q.NormalizedText, q.ContextDigest, q.Outlet, q.Language)
	v, err, _ := o.inflight.Do(key, func() (any, error) {
		return o.compute(ctx, vt.Text, q, vec, recent, lang), nil
	})
	if err != nil {
		observability.RecordError(span, err)
		return nil, &FatalError{Op: "compute response", Err: err}
	}
	comp := v.(*computed)

	resp := *comp.resp

	// Dispatched. Never coalesced: two customers ordering the same
	// thing at the same moment are two orders.
	if comp.intent.TriggersOrderAgent() && o.c.Dispatcher != nil {
		timeline, draft := o.c.Dispatcher.Dispatch(ctx, orders.Request{
			Message:   vt.Text,
			Entities:  comp.intent.Entities,
			Outlet:    req.OutletName,
			SessionID: sess.SessionID,
			UserID:    req.UserID,
		})
		resp.AgentTimeline = timeline
		if draft != nil {
			id := draft.OrderID
			resp.OrderID = &id
			o.audit(ctx, extensions.AuditEvent{
				EventType:    extensions.EventOrderDispatched,
				UserID:       req.UserID,
				Action:       "dispatch",
				ResourceType: "order",
				ResourceID:   strconv.FormatInt(id, 10),
				Outcome:      "success",
				Metadata: extensions.NewMetadata().
					Set("session_id", sess.SessionID).
					Set("outlet", req.OutletName),
			})
		}
	}

	// Persisted.
	persisted, scrubbed := o.persistTurns(ctx, sess.SessionID, vt.Text, resp.Message, comp.intent, lang)

	// Responded.
	resp.SessionID = sess.SessionID
	resp.Metadata.TurnPersisted = persisted
	resp.Metadata.PIIScrubbed = scrubbed
	resp.Metadata.SecurityFlags = vt.SecurityFlags
	resp.Metadata.LatencyMs = time.Since(start).Milliseconds()
	resp.Metadata.ModeHint = req.Mode
	observability.SetSpanOK(span)
	return &resp, nil
}

// compute runs the model stages and writes the result back to the
// response cache. The returned prototype carries no session fields;
// callers personalize their own copy.
func (o *Orchestrator) compute(ctx context.Context, text string, q cache.ResponseQuery, vec []float32, recent []datatypes.StoredMessage, lang string) *computed {
	ctx, span := observability.StartSpan(ctx, tracerName, "orchestrator.compute")
	defer span.End()

	ictx, icancel := context.WithTimeout(ctx, o.cfg.IntentTimeout)
	ir := o.c.Classifier.Classify(ictx, text, recent)
	icancel()
	span.SetAttributes(
		attribute.String("intent.label", ir.Intent),
		attribute.Float64("intent.confidence", ir.Confidence),
	)

	var chunks []datatypes.KnowledgeChunk
	if datatypes.NeedsRetrieval(ir.Intent) {
		rctx, rcancel := context.WithTimeout(ctx, o.cfg.RetrievalTimeout)
		chunks = o.c.Retriever.RetrieveWithEmbedding(rctx, text, lang, knowledge.DefaultK, vec)
		rcancel()
	}

	gctx, gcancel := context.WithTimeout(ctx, o.cfg.GenerationTimeout)
	gr := o.c.Generator.Generate(gctx, text, ir, chunks, recent, lang)
	gcancel()

	resp := &datatypes.ChatResponse{
		Success:    true,
		Message:    gr.Text,
		Intent:     ir.Intent,
		Confidence: ir.Confidence,
		Language:   lang,
		Citations:  gr.Citations,
		Mode:       modeFor(ir.Intent),
		Metadata: datatypes.ResponseMetadata{
			Degraded:           ir.Degraded || gr.Degraded,
			RequiresEscalation: gr.RequiresEscalation,
			IntentCached:       ir.FromCache,
			RetrievalCount:     len(chunks),
			Tokens:             gr.Tokens,
			CostUSD:            gr.CostUSD,
		},
	}
	if resp.Citations == nil {
		resp.Citations = []datatypes.Citation{}
	}

	// Degraded replies would pin an apology under the key for the TTL.
	// Order placements confirm a side effect that belongs to exactly one
	// session, so their replies never enter the shared cache either.
	if !resp.Metadata.Degraded && !ir.TriggersOrderAgent() {
		o.c.Cache.PutResponse(context.WithoutCancel(ctx), q, vec, resp)
	}

	return &computed{resp: resp, intent: ir}
}

// serveCached personalizes a cache hit and records the turns as if the
// reply had been generated fresh.
func (o *Orchestrator) serveCached(ctx context.Context, req *datatypes.ChatRequest, sess *datatypes.Session, vt *validation.ValidatedText, hit *datatypes.ChatResponse, backend string, start time.Time) *datatypes.ChatResponse {
	resp := *hit
	ir := datatypes.IntentResult{Intent: hit.Intent, Confidence: hit.Confidence, Language: hit.Language}
	persisted, scrubbed := o.persistTurns(ctx, sess.SessionID, vt.Text, resp.Message, ir, hit.Language)

	resp.SessionID = sess.SessionID
	resp.Metadata.FromCache = true
	resp.Metadata.CacheBackend = backend
	resp.Metadata.TurnPersisted = persisted
	resp.Metadata.PIIScrubbed = scrubbed
	resp.Metadata.SecurityFlags = vt.SecurityFlags
	resp.Metadata.LatencyMs = time.Since(start).Milliseconds()
	resp.Metadata.ModeHint = req.Mode
	return &resp
}

// persistTurns appends the user turn then the assistant turn, scrubbing
// both through the message filter first. A failed user append skips the
// assistant append so the stored conversation never holds a reply to a
// missing message. Persistence failures are reported in metadata, never
// as request errors.
//
// The parent deadline is dropped so an in-flight append finishes after
// caller disconnect; no new external calls start here.
func (o *Orchestrator) persistTurns(ctx context.Context, sessionID, userText, assistantText string, ir datatypes.IntentResult, lang string) (persisted, scrubbed bool) {
	ctx = context.WithoutCancel(ctx)

	userText, userScrubbed := o.scrubInput(ctx, userText)
	assistantText, assistantScrubbed := o.scrubOutput(ctx, assistantText)
	scrubbed = userScrubbed || assistantScrubbed

	meta := session.TurnMeta{
		Intent:      ir.Intent,
		Confidence:  ir.Confidence,
		Language:    lang,
		PIIScrubbed: userScrubbed,
	}
	if _, err := o.c.Sessions.AppendTurn(ctx, sessionID, datatypes.RoleUser, userText, meta); err != nil {
		o.reportUnpersisted(ctx, sessionID, datatypes.RoleUser, err)
		o.reportUnpersisted(ctx, sessionID, datatypes.RoleAssistant, errSkippedAfterUser)
		return false, scrubbed
	}

	meta.PIIScrubbed = assistantScrubbed
	if _, err := o.c.Sessions.AppendTurn(ctx, sessionID, datatypes.RoleAssistant, assistantText, meta); err != nil {
		o.reportUnpersisted(ctx, sessionID, datatypes.RoleAssistant, err)
		return false, scrubbed
	}
	return true, scrubbed
}

// errSkippedAfterUser marks the assistant turn dropped because its user
// turn never landed.
var errSkippedAfterUser = errors.New("skipped: user turn not persisted")

func (o *Orchestrator) reportUnpersisted(ctx context.Context, sessionID, role string, err error) {
	perr := &PersistenceError{Op: "append " + role + " turn", Err: err}
	slog.Error("Turn not persisted, responding anyway",
		"trace_id", observability.TraceID(ctx),
		"session_id", sessionID,
		"role", role,
		"error", perr)
	if o.c.Metrics != nil {
		o.c.Metrics.TurnsUnpersisted.Add(ctx, 1,
			metric.WithAttributes(attribute.String("role", role)))
	}
}

// scrubInput filters a user turn for storage. The live response path
// never sees the filtered text.
func (o *Orchestrator) scrubInput(ctx context.Context, text string) (string, bool) {
	if o.c.Scrubber == nil {
		return text, false
	}
	res, err := o.c.Scrubber.FilterInput(ctx, text)
	if err != nil || res == nil {
		slog.Warn("Input filter failed, storing unfiltered", "error", err)
		return text, false
	}
	return res.Filtered, res.WasModified
}

func (o *Orchestrator) scrubOutput(ctx context.Context, text string) (string, bool) {
	if o.c.Scrubber == nil {
		return text, false
	}
	res, err := o.c.Scrubber.FilterOutput(ctx, text)
	if err != nil || res == nil {
		slog.Warn("Output filter failed, storing unfiltered", "error", err)
		return text, false
	}
	return res.Filtered, res.WasModified
}

// audit records event when a logger is configured. Audit failures are
// logged and swallowed; they never fail the request that produced them.
func (o *Orchestrator) audit(ctx context.Context, event extensions.AuditEvent) {
	if o.c.Audit == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.UserID == "" {
		event.UserID = "anonymous"
	}
	if err := o.c.Audit.Log(ctx, event); err != nil {
		slog.Warn("Audit log write failed",
			"trace_id", observability.TraceID(ctx),
			"event_type", event.EventType,
			"error", err)
	}
}

func (o *Orchestrator) recordAdmission(ctx context.Context, d ratelimit.Decision) {
	if o.c.Metrics == nil {
		return
	}
	outcome := "admit"
	attrs := []attribute.KeyValue{}
	if !d.Allowed {
		outcome = "deny"
		attrs = append(attrs, attribute.String("dimension", d.Dimension))
	}
	attrs = append(attrs, attribute.String("outcome", outcome))
	o.c.Metrics.RateLimitDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// admissionSubject picks the identity rate limits key on: the stable
// user id when present, else the session id, else the client address.
func admissionSubject(req *datatypes.ChatRequest, clientIP string) string {
	switch {
	case req.UserID != "":
		return req.UserID
	case req.SessionID != "":
		return req.SessionID
	default:
		return clientIP
	}
}

// modeFor maps the classified intent to the response mode.
func modeFor(intent string) string {
	switch intent {
	case datatypes.IntentOrderPlacement:
		return datatypes.ModeOrder
	case datatypes.IntentOrderStatus:
		return datatypes.ModeStatus
	default:
		return datatypes.ModeQuery
	}
}

// refusals is the injection-refusal reply per language. Same register
// as the degraded apologies in the generation package.
var refusals = map[string]string{
	datatypes.LanguageEnglish: "I can't help with that request. Please describe what you'd like to order or ask about our policies in plain language.",
	datatypes.LanguageChinese: "抱歉，我无法处理这条消息。请用日常语言描述您想订购的商品或想咨询的政策。",
	datatypes.LanguageMalay:   "Maaf, saya tidak dapat memproses mesej itu. Sila nyatakan pesanan atau pertanyaan polisi anda dalam bahasa biasa.",
}

func refusalFor(lang string) string {
	if msg, ok := refusals[lang]; ok {
		return msg
	}
	return refusals[datatypes.DefaultLanguage]
}
