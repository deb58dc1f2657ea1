// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vector

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// classProperties lists the queryable properties per collection. GraphQL
// requires naming every field up front, so each collection this package
// serves has a fixed property set.
var classProperties = map[string][]string{
	CollectionKnowledge: {"content", "policy_id", "policy_name", "section", "language"},
	CollectionProducts:  {"content", "sku", "name", "unit", "unit_price", "outlet"},
	CollectionResponses: {"content", "created_unix", "outlet", "language"},
}

// WeaviateStore implements Store against a remote Weaviate instance. Used
// when several engine replicas must share one vector index.
type WeaviateStore struct {
	client *weaviate.Client

	mu      sync.Mutex
	ensured map[string]bool
}

// NewWeaviateStore connects to the Weaviate instance at rawURL.
//
// # Inputs
//
//   - rawURL: Full base URL including scheme, e.g. "http://weaviate:8080".
//
// # Outputs
//
//   - *WeaviateStore: The connected store. Schema classes are created
//     lazily on first write, so a briefly unreachable server does not
//     fail startup.
//   - error: Non-nil if the URL is unparseable or the client cannot be
//     constructed.
func NewWeaviateStore(rawURL string) (*WeaviateStore, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate URL: %q", rawURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}

	slog.Info("Weaviate vector store initialized", "url", rawURL)
	return &WeaviateStore{
		client:  client,
		ensured: make(map[string]bool),
	}, nil
}

// ensureClass creates the collection's class if it does not exist yet.
// Classes use Vectorizer "none": all vectors arrive pre-computed.
func (s *WeaviateStore) ensureClass(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[collection] {
		return nil
	}

	_, err := s.client.Schema().ClassGetter().WithClassName(collection).Do(ctx)
	if err == nil {
		s.ensured[collection] = true
		return nil
	}

	slog.Info("Weaviate class not found, creating it", "class", collection)
	props := classProperties[collection]
	if len(props) == 0 {
		props = []string{"content"}
	}
	class := &models.Class{
		Class:      collection,
		Vectorizer: "none",
	}
	for _, name := range append([]string{"doc_id"}, props...) {
		class.Properties = append(class.Properties, &models.Property{
			Name:     name,
			DataType: []string{"text"},
		})
	}
	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create weaviate class %s: %w", collection, err)
	}
	s.ensured[collection] = true
	return nil
}

// deterministicUUID maps our document IDs onto stable Weaviate UUIDs so
// re-upserting the same ID overwrites instead of duplicating.
func deterministicUUID(id string) strfmt.UUID {
	hash := sha256.Sum256([]byte(id))
	u, _ := uuid.FromBytes(hash[:16])
	return strfmt.UUID(u.String())
}

// Upsert writes documents in one batch request.
func (s *WeaviateStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := s.ensureClass(ctx, collection); err != nil {
		return err
	}

	objects := make([]*models.Object, len(docs))
	for i, d := range docs {
		props := map[string]interface{}{"content": d.Content, "doc_id": d.ID}
		for k, v := range d.Metadata {
			props[k] = v
		}
		objects[i] = &models.Object{
			Class:      collection,
			ID:         deterministicUUID(d.ID),
			Vector:     d.Vector,
			Properties: props,
		}
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate batch insert failed: %w", err)
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("weaviate rejected object: %s", r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// Query runs a nearVector search and maps certainty back to cosine
// similarity so both backends report the same scale.
func (s *WeaviateStore) Query(ctx context.Context, collection string, vec []float32, topK int, where map[string]string) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}

	props := classProperties[collection]
	if len(props) == 0 {
		props = []string{"content"}
	}
	fields := make([]graphql.Field, 0, len(props)+2)
	for _, name := range props {
		fields = append(fields, graphql.Field{Name: name})
	}
	fields = append(fields,
		graphql.Field{Name: "doc_id"},
		graphql.Field{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	)

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	query := s.client.GraphQL().Get().
		WithClassName(collection).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(topK)

	if len(where) > 0 {
		operands := make([]*filters.WhereBuilder, 0, len(where))
		for k, v := range where {
			operands = append(operands, filters.Where().
				WithPath([]string{k}).
				WithOperator(filters.Equal).
				WithValueString(v))
		}
		combined := operands[0]
		if len(operands) > 1 {
			combined = filters.Where().
				WithOperator(filters.And).
				WithOperands(operands)
		}
		query = query.WithWhere(combined)
	}

	result, err := query.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search returned error: %s", result.Errors[0].Message)
	}

	return parseHits(result, collection)
}

// parseHits converts the dynamic GraphQL response into Hits. The response
// shape is {"Get": {"<Class>": [{prop: value, ..., "_additional": {...}}]}}.
func parseHits(result *models.GraphQLResponse, collection string) ([]Hit, error) {
	if result == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	raw, err := json.Marshal(result.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var parsed struct {
		Get map[string][]map[string]interface{} `json:"Get"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse GraphQL response: %w", err)
	}

	rows := parsed.Get[collection]
	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		hit := Hit{Metadata: make(map[string]string)}
		for k, v := range row {
			switch k {
			case "_additional":
				if add, ok := v.(map[string]interface{}); ok {
					if c, ok := add["certainty"].(float64); ok {
						// certainty = (1 + cosine) / 2
						hit.Score = c*2 - 1
					}
				}
			case "content":
				hit.Content, _ = v.(string)
			case "doc_id":
				hit.ID, _ = v.(string)
			default:
				if v != nil {
					hit.Metadata[k] = fmt.Sprint(v)
				}
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Delete removes documents by their original IDs.
func (s *WeaviateStore) Delete(ctx context.Context, collection string, ids ...string) error {
	for _, id := range ids {
		err := s.client.Data().Deleter().
			WithClassName(collection).
			WithID(deterministicUUID(id).String()).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("weaviate delete failed for %s: %w", id, err)
		}
	}
	return nil
}

// Ping checks server readiness.
func (s *WeaviateStore) Ping(ctx context.Context) error {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate readiness check failed: %w", err)
	}
	if !ready {
		return fmt.Errorf("weaviate reports not ready")
	}
	return nil
}

// Close is a no-op; the client holds no persistent connections.
func (s *WeaviateStore) Close() error {
	return nil
}

var _ Store = (*WeaviateStore)(nil)
