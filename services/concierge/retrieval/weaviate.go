// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultClassName holds resume chunks.
const DefaultClassName = "ResumeChunk"

// NewWeaviateClient builds a client from a URL such as
// "http://weaviate:8080".
func NewWeaviateClient(rawURL string) (*weaviate.Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid weaviate url %q: %w", rawURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q: missing host", rawURL)
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return weaviate.NewClient(weaviate.Config{Host: u.Host, Scheme: scheme})
}

// IndexedChunk is a chunk ready to write, with its vector.
type IndexedChunk struct {
	ID        string
	SourceID  string
	Type      string
	Title     string
	Timeframe string
	Tags      []string
	Text      string
	Vector    []float32
}

// WeaviateIndex stores chunks in one Weaviate class.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying client is.
type WeaviateIndex struct {
	client    *weaviate.Client
	className string
}

// NewWeaviateIndex wraps client. An empty className uses DefaultClassName.
func NewWeaviateIndex(client *weaviate.Client, className string) *WeaviateIndex {
	if className == "" {
		className = DefaultClassName
	}
	return &WeaviateIndex{client: client, className: className}
}

// ClassName returns the Weaviate class in use.
func (w *WeaviateIndex) ClassName() string { return w.className }

// ChunkSchema is the class definition. Vectors are supplied by the indexer.
func ChunkSchema(className string) *models.Class {
	filterable := new(bool)
	*filterable = true

	return &models.Class{
		Class:       className,
		Description: "A passage of the candidate's resume.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "text", DataType: []string{"text"}, Description: "Passage text."},
			{Name: "chunk_type", DataType: []string{"text"}, IndexFilterable: filterable, Tokenization: "field"},
			{Name: "title", DataType: []string{"text"}},
			{Name: "timeframe", DataType: []string{"text"}},
			{Name: "tags", DataType: []string{"text[]"}, IndexFilterable: filterable, Tokenization: "field"},
			{Name: "source_id", DataType: []string{"text"}, IndexFilterable: filterable, Tokenization: "field"},
		},
	}
}

// EnsureSchema creates the class if it does not exist.
func (w *WeaviateIndex) EnsureSchema(ctx context.Context) error {
	if _, err := w.client.Schema().ClassGetter().WithClassName(w.className).Do(ctx); err == nil {
		slog.Debug("Schema already exists", "class", w.className)
		return nil
	}
	slog.Info("Schema not found, creating it", "class", w.className)
	if err := w.client.Schema().ClassCreator().WithClass(ChunkSchema(w.className)).Do(ctx); err != nil {
		return fmt.Errorf("create class %s: %w", w.className, err)
	}
	return nil
}

// Reset drops the class. The next EnsureSchema recreates it.
func (w *WeaviateIndex) Reset(ctx context.Context) error {
	if err := w.client.Schema().ClassDeleter().WithClassName(w.className).Do(ctx); err != nil {
		return fmt.Errorf("delete class %s: %w", w.className, err)
	}
	return nil
}

// Search implements VectorIndex using nearVector with certainty scores.
func (w *WeaviateIndex) Search(ctx context.Context, vector []float32, limit int) ([]Chunk, error) {
	ctx, span := tracer.Start(ctx, "retrieval.WeaviateIndex.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit), attribute.String("class", w.className))

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	fields := []graphql.Field{
		{Name: "text"},
		{Name: "chunk_type"},
		{Name: "title"},
		{Name: "timeframe"},
		{Name: "tags"},
		{Name: "source_id"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	resp, err := w.client.GraphQL().Get().
		WithClassName(w.className).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	parsed, err := ParseGraphQLResponse[chunkQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		return nil, err
	}
	chunks := toChunks(parsed.Get[w.className])
	span.SetAttributes(attribute.Int("results", len(chunks)))
	return chunks, nil
}

func toChunks(results []chunkResult) []Chunk {
	out := make([]Chunk, 0, len(results))
	for _, r := range results {
		out = append(out, Chunk{
			SourceID: r.SourceID,
			Title:    r.Title,
			Section:  r.ChunkType,
			Text:     r.Text,
			Score:    r.Additional.Certainty,
		})
	}
	return out
}

// Count returns the number of stored chunks.
func (w *WeaviateIndex) Count(ctx context.Context) (int, error) {
	resp, err := w.client.GraphQL().Aggregate().
		WithClassName(w.className).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("aggregate query failed: %w", err)
	}
	parsed, err := ParseGraphQLResponse[countQueryResponse](resp)
	if err != nil {
		return 0, err
	}
	groups := parsed.Aggregate[w.className]
	if len(groups) == 0 {
		return 0, nil
	}
	return groups[0].Meta.Count, nil
}

// Upsert writes chunks in one batch. Objects with the same ID are replaced.
// It returns how many succeeded; partial failure is an error.
func (w *WeaviateIndex) Upsert(ctx context.Context, chunks []IndexedChunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	objects := make([]*models.Object, len(chunks))
	for i, c := range chunks {
		objects[i] = &models.Object{
			Class:  w.className,
			ID:     strfmt.UUID(c.ID),
			Vector: c.Vector,
			Properties: map[string]any{
				"text":       c.Text,
				"chunk_type": c.Type,
				"title":      c.Title,
				"timeframe":  c.Timeframe,
				"tags":       c.Tags,
				"source_id":  c.SourceID,
			},
		}
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to save objects to Weaviate: %w", err)
	}

	written := 0
	var failures []string
	for _, item := range resp {
		if item.Result != nil && item.Result.Errors != nil {
			for _, e := range item.Result.Errors.Error {
				if e != nil {
					failures = append(failures, e.Message)
				}
			}
			continue
		}
		written++
	}
	if len(failures) > 0 {
		return written, fmt.Errorf("%d of %d objects failed: %s",
			len(chunks)-written, len(chunks), strings.Join(failures, "; "))
	}
	return written, nil
}

// Ping implements VectorIndex.
func (w *WeaviateIndex) Ping(ctx context.Context) error {
	ready, err := w.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate not reachable: %w", err)
	}
	if !ready {
		return errors.New("weaviate not ready")
	}
	return nil
}

var _ VectorIndex = (*WeaviateIndex)(nil)
