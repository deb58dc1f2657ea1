// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemStore implements Store on top of chromem-go: pure Go, in-process,
// with optional gob persistence. Good for single-node deployments where
// running a separate vector database is not worth the operational cost.
//
// Limitations: single process only, all vectors held in RAM.
type ChromemStore struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection

	// embeddingFunc satisfies the chromem API. Vectors always arrive
	// pre-computed, so it must never actually run.
	embeddingFunc chromem.EmbeddingFunc
}

// NewChromemStore opens (or creates) an embedded vector store.
//
// # Inputs
//
//   - path: Directory for gob persistence. Empty means in-memory only.
//
// # Outputs
//
//   - *ChromemStore: The open store.
//   - error: Non-nil only when a persistence directory was requested and
//     cannot be created. A corrupt existing database degrades to a fresh
//     in-memory one with a warning rather than failing startup.
func NewChromemStore(path string) (*ChromemStore, error) {
	var db *chromem.DB

	if path != "" {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create vector store directory: %w", err)
		}
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			slog.Warn("Failed to load persistent vector store, continuing in memory",
				"path", path, "error", err)
			db = chromem.NewDB()
		} else {
			slog.Info("Opened persistent vector store", "path", path)
		}
	} else {
		db = chromem.NewDB()
		slog.Info("Opened in-memory vector store (no persistence)")
	}

	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding requested inside vector store; vectors must be pre-computed")
	}

	return &ChromemStore{
		db:            db,
		collections:   make(map[string]*chromem.Collection),
		embeddingFunc: identityEmbed,
	}, nil
}

// getCollection returns the cached collection handle, creating the
// collection on first use.
func (s *ChromemStore) getCollection(name string) (*chromem.Collection, error) {
	s.mu.RLock()
	if col, ok := s.collections[name]; ok {
		s.mu.RUnlock()
		return col, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	col, err := s.db.GetOrCreateCollection(name, nil, s.embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

// Upsert writes documents with their pre-computed vectors.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	col, err := s.getCollection(collection)
	if err != nil {
		return err
	}

	chromemDocs := make([]chromem.Document, len(docs))
	for i, d := range docs {
		meta := make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			meta[k] = v
		}
		chromemDocs[i] = chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Metadata:  meta,
			Embedding: d.Vector,
		}
	}

	if err := col.AddDocuments(ctx, chromemDocs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert %d documents into %q: %w", len(docs), collection, err)
	}
	return nil
}

// Query returns the topK nearest documents by cosine similarity. chromem
// rejects queries asking for more results than the collection holds, so
// topK is clamped to the current document count.
func (s *ChromemStore) Query(ctx context.Context, collection string, vec []float32, topK int, where map[string]string) ([]Hit, error) {
	col, err := s.getCollection(collection)
	if err != nil {
		return nil, err
	}

	if n := col.Count(); topK > n {
		topK = n
	}
	if topK <= 0 {
		return nil, nil
	}

	var filter map[string]string
	if len(where) > 0 {
		filter = where
	}

	results, err := col.QueryEmbedding(ctx, vec, topK, filter, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query against %q failed: %w", collection, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		meta := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		hits = append(hits, Hit{
			ID:       r.ID,
			Score:    float64(r.Similarity),
			Content:  r.Content,
			Metadata: meta,
		})
	}
	return hits, nil
}

// Delete removes documents by ID.
func (s *ChromemStore) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := s.getCollection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("failed to delete from %q: %w", collection, err)
	}
	return nil
}

// Ping always succeeds: the store lives in-process.
func (s *ChromemStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op; persistent mode writes through on every upsert.
func (s *ChromemStore) Close() error {
	return nil
}

var _ Store = (*ChromemStore)(nil)
