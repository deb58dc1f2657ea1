// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package vector abstracts the vector store behind a small interface with
// two implementations: an embedded chromem-go store for single-node
// deployments and a Weaviate client for shared deployments. The retriever,
// the semantic response cache, and the product matcher all query through
// this package.
package vector

import (
	"context"
	"fmt"
	"sync"

	"github.com/coralbridge/orderdesk/services/engine/config"
)

// Collection names. Each collection holds vectors for one concern and is
// created on first use.
const (
	// CollectionKnowledge holds knowledge base chunks used to ground
	// generated answers.
	CollectionKnowledge = "KnowledgeChunk"

	// CollectionProducts holds the product catalog rows the order agent
	// matches order lines against.
	CollectionProducts = "ProductCatalog"

	// CollectionResponses holds embeddings of previously answered
	// messages for the semantic response cache.
	CollectionResponses = "ResponseCache"
)

// Document is a single entry to be written to a collection. Vectors are
// computed by the caller; the store never embeds.
type Document struct {
	ID       string
	Content  string
	Vector   []float32
	Metadata map[string]string
}

// Hit is a single similarity match. Score is cosine similarity in [-1, 1];
// callers decide their own thresholds.
type Hit struct {
	ID       string
	Score    float64
	Content  string
	Metadata map[string]string
}

// Store is the interface both vector backends implement.
//
// # Description
//
// A Store persists pre-computed embedding vectors and answers top-K
// cosine similarity queries over them. Implementations must be safe for
// concurrent use. Queries against an empty or missing collection return
// an empty slice, not an error.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Store interface {
	// Upsert writes documents to a collection, replacing entries that
	// share an ID.
	Upsert(ctx context.Context, collection string, docs []Document) error

	// Query returns up to topK hits ordered by descending similarity.
	// A nil or empty where map disables metadata filtering.
	Query(ctx context.Context, collection string, vec []float32, topK int, where map[string]string) ([]Hit, error)

	// Delete removes documents by ID. Missing IDs are not an error.
	Delete(ctx context.Context, collection string, ids ...string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close flushes and releases the backend.
	Close() error
}

// NewStore builds the vector store named by cfg.VectorBackend.
//
// # Inputs
//
//   - cfg: Engine configuration. VectorBackend selects the implementation,
//     VectorStorePath and WeaviateURL configure it.
//
// # Outputs
//
//   - Store: The ready store.
//   - error: Non-nil if the backend name is unknown or the store cannot
//     be opened.
func NewStore(cfg *config.Config) (Store, error) {
	switch cfg.VectorBackend {
	case config.VectorChromem, "":
		return NewChromemStore(cfg.VectorStorePath)
	case config.VectorWeaviate:
		return NewWeaviateStore(cfg.WeaviateURL)
	default:
		return nil, fmt.Errorf("unknown vector backend: %s", cfg.VectorBackend)
	}
}

// =============================================================================
// Lazy Provider
// =============================================================================

// Provider hands out a single shared Store, building it on first use.
//
// # Description
//
// The store is expensive to open (disk load or remote client setup), so
// it is created lazily on the first Get. Double-checked locking guarantees
// exactly one instance is built even when many requests arrive at once,
// and a failed build is retried on the next Get instead of being cached.
//
// # Thread Safety
//
// Get is safe for concurrent use. Fifty simultaneous first calls build
// exactly one store.
type Provider struct {
	factory func() (Store, error)

	mu    sync.RWMutex
	store Store
}

// NewProvider wraps cfg in a lazy store provider.
func NewProvider(cfg *config.Config) *Provider {
	return &Provider{factory: func() (Store, error) { return NewStore(cfg) }}
}

// NewProviderFunc builds a Provider around a custom factory. Used by tests
// and by callers that already hold an open store.
func NewProviderFunc(factory func() (Store, error)) *Provider {
	return &Provider{factory: factory}
}

// Get returns the shared store, building it on first call.
func (p *Provider) Get() (Store, error) {
	p.mu.RLock()
	if p.store != nil {
		s := p.store
		p.mu.RUnlock()
		return s, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Re-check under the write lock: another goroutine may have won the
	// race between our RUnlock and Lock.
	if p.store != nil {
		return p.store, nil
	}

	s, err := p.factory()
	if err != nil {
		return nil, fmt.Errorf("vector store init failed: %w", err)
	}
	p.store = s
	return s, nil
}

// Close releases the store if it was ever built.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.store == nil {
		return nil
	}
	err := p.store.Close()
	p.store = nil
	return err
}
