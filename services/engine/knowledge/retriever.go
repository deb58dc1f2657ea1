// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package knowledge retrieves policy fragments that ground responses to
// policy and product questions. Retrieval is best effort end to end: a
// missing embedder, a failed embedding, or a vector store outage all
// yield an empty result and a warning, never an error to the request.
package knowledge

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coralbridge/orderdesk/services/engine/cache"
	"github.com/coralbridge/orderdesk/services/engine/datatypes"
	"github.com/coralbridge/orderdesk/services/engine/observability"
	"github.com/coralbridge/orderdesk/services/engine/vector"
	"github.com/coralbridge/orderdesk/services/llm"
)

const tracerName = "orderdesk.engine.knowledge"

// DefaultK is the retrieval depth when the caller does not choose one.
const DefaultK = 3

// Retriever answers "what do our policies say about this" queries.
//
// # Description
//
// Lookup order: L4 retrieval cache by normalized query, then embed and
// search the knowledge collection scoped to the request language.
// Results are written through to L4; empty results are returned but not
// cached, so a vector store outage is retried on the next request.
//
// # Thread Safety
//
// Safe for concurrent use.
type Retriever struct {
	embedder llm.Embedder
	provider *vector.Provider
	cache    *cache.Hierarchy
	metrics  *observability.Metrics
}

// NewRetriever builds a retriever.
//
// # Inputs
//
//   - embedder: May be nil; retrieval then always returns empty.
//   - provider: The shared vector store provider. Must not be nil.
//   - hierarchy: May be nil; every retrieval then searches the store.
//   - metrics: May be nil in tests.
func NewRetriever(embedder llm.Embedder, provider *vector.Provider, hierarchy *cache.Hierarchy, metrics *observability.Metrics) *Retriever {
	return &Retriever{
		embedder: embedder,
		provider: provider,
		cache:    hierarchy,
		metrics:  metrics,
	}
}

// Retrieve embeds the query and returns the top-k knowledge chunks for
// the language. k <= 0 takes DefaultK.
func (r *Retriever) Retrieve(ctx context.Context, query, language string, k int) []datatypes.KnowledgeChunk {
	return r.RetrieveWithEmbedding(ctx, query, language, k, nil)
}

// RetrieveWithEmbedding is Retrieve with a precomputed query embedding.
// The request pipeline embeds each message once for the semantic cache
// layer and hands the vector down here instead of paying for a second
// embedding call.
//
// # Outputs
//
//   - []datatypes.KnowledgeChunk: Up to k chunks, best match first, with
//     relevance scores in [0,1]. Empty on miss or on any failure.
func (r *Retriever) RetrieveWithEmbedding(ctx context.Context, query, language string, k int, vec []float32) []datatypes.KnowledgeChunk {
	ctx, span := observability.StartSpan(ctx, tracerName, "Retriever.Retrieve")
	defer span.End()
	start := time.Now()

	if k <= 0 {
		k = DefaultK
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	span.SetAttributes(
		attribute.String("retrieval.language", language),
		attribute.Int("retrieval.k", k),
	)

	normalized := cache.NormalizeText(query)
	if r.cache != nil {
		if chunks, ok := r.cache.GetRetrieval(ctx, normalized, language, k); ok {
			span.SetAttributes(attribute.String("retrieval.source", "cache"))
			r.record(ctx, "cache", start)
			return chunks
		}
	}

	if len(vec) == 0 {
		if r.embedder == nil {
			slog.Warn("No embedder configured, knowledge retrieval returns empty",
				"trace_id", observability.TraceID(ctx))
			r.record(ctx, "degraded", start)
			return nil
		}
		vecs, err := r.embedder.Embed(ctx, []string{query})
		if err != nil || len(vecs) == 0 {
			slog.Warn("Query embedding failed, continuing without knowledge",
				"error", err,
				"trace_id", observability.TraceID(ctx))
			observability.RecordError(span, err)
			r.record(ctx, "error", start)
			return nil
		}
		vec = vecs[0]
	}

	chunks, err := r.search(ctx, vec, language, k)
	if err != nil {
		slog.Warn("Knowledge search failed, continuing without knowledge",
			"error", err,
			"trace_id", observability.TraceID(ctx))
		observability.RecordError(span, err)
		r.record(ctx, "error", start)
		return nil
	}

	span.SetAttributes(attribute.Int("retrieval.count", len(chunks)))
	if len(chunks) == 0 {
		r.record(ctx, "empty", start)
		return nil
	}

	if r.cache != nil {
		r.cache.PutRetrieval(ctx, normalized, language, k, chunks)
	}
	r.record(ctx, "ok", start)
	return chunks
}

func (r *Retriever) search(ctx context.Context, vec []float32, language string, k int) ([]datatypes.KnowledgeChunk, error) {
	store, err := r.provider.Get()
	if err != nil {
		return nil, err
	}

	var where map[string]string
	if language != "" {
		where = map[string]string{"language": language}
	}
	hits, err := store.Query(ctx, vector.CollectionKnowledge, vec, k, where)
	if err != nil {
		return nil, err
	}

	chunks := make([]datatypes.KnowledgeChunk, 0, len(hits))
	for _, h := range hits {
		chunks = append(chunks, datatypes.KnowledgeChunk{
			PolicyID:       h.Metadata["policy_id"],
			PolicyName:     h.Metadata["policy_name"],
			Section:        h.Metadata["section"],
			Content:        h.Content,
			Language:       h.Metadata["language"],
			RelevanceScore: relevance(h.Score),
		})
	}
	return chunks, nil
}

// relevance maps a cosine similarity in [-1,1] onto [0,1] for the
// citation scores surfaced to callers.
func relevance(cosine float64) float64 {
	rel := (cosine + 1) / 2
	if rel < 0 {
		return 0
	}
	if rel > 1 {
		return 1
	}
	return rel
}

func (r *Retriever) record(ctx context.Context, status string, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.RetrievalsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	r.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds())
}
