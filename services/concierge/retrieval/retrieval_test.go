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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianConcierge/services/concierge/knowledge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeEmbedder struct {
	err     error
	pingErr error
	delay   time.Duration
	calls   atomic.Int64
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func (f *fakeEmbedder) Ping(context.Context) error { return f.pingErr }

type fakeIndex struct {
	chunks    []Chunk
	err       error
	pingErr   error
	lastLimit int
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, limit int) ([]Chunk, error) {
	f.lastLimit = limit
	return f.chunks, f.err
}

func (f *fakeIndex) Ping(context.Context) error { return f.pingErr }

type fakeWriter struct {
	mu       sync.Mutex
	count    int
	resets   int
	ensured  int
	upserted []IndexedChunk
}

func (f *fakeWriter) EnsureSchema(context.Context) error { f.ensured++; return nil }
func (f *fakeWriter) Count(context.Context) (int, error) { return f.count, nil }
func (f *fakeWriter) Reset(context.Context) error        { f.resets++; f.count = 0; return nil }
func (f *fakeWriter) Upsert(_ context.Context, chunks []IndexedChunk) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, chunks...)
	return len(chunks), nil
}

type recordingObserver struct {
	sources  []string
	degraded []bool
}

func (r *recordingObserver) ObserveRetrieval(source string, degraded bool, _ time.Duration) {
	r.sources = append(r.sources, source)
	r.degraded = append(r.degraded, degraded)
}

func staticFallback() string { return "STATIC CONTEXT" }

// =============================================================================
// Gateway
// =============================================================================

func TestGateway_Disabled(t *testing.T) {
	obs := &recordingObserver{}
	g := NewGateway(Config{Enabled: false}, &fakeEmbedder{}, &fakeIndex{}, staticFallback, WithObserver(obs))

	res := g.Retrieve(context.Background(), "anything", 0)
	assert.Equal(t, SourceDisabled, res.Source)
	assert.Equal(t, "STATIC CONTEXT", res.Context)
	assert.False(t, res.Degraded)
	assert.Equal(t, []string{"disabled"}, obs.sources)
	assert.False(t, g.Enabled())
}

func TestGateway_NilBackendsAreDisabled(t *testing.T) {
	g := NewGateway(DefaultConfig(), nil, nil, staticFallback)
	assert.False(t, g.Enabled())
	assert.Equal(t, SourceDisabled, g.Retrieve(context.Background(), "q", 3).Source)
}

func TestGateway_VectorResults(t *testing.T) {
	idx := &fakeIndex{chunks: []Chunk{
		{Title: "Low", Text: "weak", Score: 0.5},
		{Title: "B", Text: "longer text here", Score: 0.9},
		{Title: "A", Text: "short", Score: 0.9},
		{Title: "C", Text: "third", Score: 0.8},
		{Title: "D", Text: "fourth", Score: 0.75},
	}}
	g := NewGateway(DefaultConfig(), &fakeEmbedder{}, idx, staticFallback)

	res := g.Retrieve(context.Background(), "what did they build", 3)
	assert.Equal(t, SourceVector, res.Source)
	assert.False(t, res.Degraded)
	require.Len(t, res.Chunks, 3)
	assert.Equal(t, "A", res.Chunks[0].Title)
	assert.Equal(t, "B", res.Chunks[1].Title)
	assert.Equal(t, "C", res.Chunks[2].Title)
	assert.Equal(t, 6, idx.lastLimit)
	assert.Equal(t, "## A\nshort\n\n## B\nlonger text here\n\n## C\nthird", res.Context)
}

func TestGateway_NothingAboveThreshold(t *testing.T) {
	idx := &fakeIndex{chunks: []Chunk{{Text: "weak", Score: 0.2}}}
	g := NewGateway(DefaultConfig(), &fakeEmbedder{}, idx, staticFallback)

	res := g.Retrieve(context.Background(), "q", 0)
	assert.Equal(t, SourceFallback, res.Source)
	assert.False(t, res.Degraded)
	assert.Equal(t, "STATIC CONTEXT", res.Context)
}

func TestGateway_EmbedFailureDegrades(t *testing.T) {
	obs := &recordingObserver{}
	g := NewGateway(DefaultConfig(), &fakeEmbedder{err: errors.New("boom")}, &fakeIndex{}, staticFallback, WithObserver(obs))

	res := g.Retrieve(context.Background(), "q", 0)
	assert.Equal(t, SourceFallback, res.Source)
	assert.True(t, res.Degraded)
	assert.Equal(t, "STATIC CONTEXT", res.Context)
	assert.Equal(t, []bool{true}, obs.degraded)
}

func TestGateway_SearchFailureDegrades(t *testing.T) {
	g := NewGateway(DefaultConfig(), &fakeEmbedder{}, &fakeIndex{err: errors.New("down")}, staticFallback)
	res := g.Retrieve(context.Background(), "q", 0)
	assert.True(t, res.Degraded)
}

func TestGateway_TimeoutDegrades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	g := NewGateway(cfg, &fakeEmbedder{delay: time.Second}, &fakeIndex{}, staticFallback)

	start := time.Now()
	res := g.Retrieve(context.Background(), "q", 0)
	assert.True(t, res.Degraded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestGateway_Health(t *testing.T) {
	g := NewGateway(DefaultConfig(), &fakeEmbedder{}, &fakeIndex{}, staticFallback)
	report := g.Health(context.Background())
	assert.Equal(t, "ok", report.Status)
	assert.True(t, report.Healthy())

	g = NewGateway(DefaultConfig(), &fakeEmbedder{}, &fakeIndex{pingErr: errors.New("dial tcp 10.0.3.17:8080: connect: connection refused")}, staticFallback)
	report = g.Health(context.Background())
	assert.Equal(t, "degraded", report.Status)
	assert.False(t, report.Healthy())
	assert.True(t, report.Embedder.OK)
	assert.Equal(t, "unreachable", report.Index.Error)

	g = NewGateway(Config{}, nil, nil, staticFallback)
	report = g.Health(context.Background())
	assert.Equal(t, "disabled", report.Status)
	assert.True(t, report.Healthy())
}

func TestRank_DoesNotModifyInput(t *testing.T) {
	in := []Chunk{{Text: "a", Score: 0.7}, {Text: "b", Score: 0.95}}
	out := Rank(in, 0.7, 5)
	assert.Equal(t, "b", out[0].Text)
	assert.Equal(t, "a", in[0].Text)
	assert.Len(t, out, 2)
}

func TestRenderContext_Untitled(t *testing.T) {
	assert.Equal(t, "plain", RenderContext([]Chunk{{Text: "plain"}}))
	assert.Empty(t, RenderContext(nil))
}

// =============================================================================
// Weaviate response parsing
// =============================================================================

func TestParseGraphQLResponse_Chunks(t *testing.T) {
	resp := &models.GraphQLResponse{Data: map[string]models.JSONObject{
		"Get": map[string]any{
			"ResumeChunk": []any{
				map[string]any{
					"text":       "Led the platform team.",
					"title":      "Staff Engineer at Acme",
					"chunk_type": "experience",
					"source_id":  "experience/0",
					"tags":       []any{"Go"},
					"_additional": map[string]any{
						"certainty": 0.91,
					},
				},
			},
		},
	}}

	parsed, err := ParseGraphQLResponse[chunkQueryResponse](resp)
	require.NoError(t, err)
	chunks := toChunks(parsed.Get["ResumeChunk"])
	require.Len(t, chunks, 1)
	assert.Equal(t, "experience/0", chunks[0].SourceID)
	assert.Equal(t, "experience", chunks[0].Section)
	assert.InDelta(t, 0.91, chunks[0].Score, 1e-9)
}

func TestParseGraphQLResponse_Errors(t *testing.T) {
	_, err := ParseGraphQLResponse[chunkQueryResponse](nil)
	assert.Error(t, err)

	resp := &models.GraphQLResponse{Errors: []*models.GraphQLError{{Message: "class not found"}}}
	_, err = ParseGraphQLResponse[chunkQueryResponse](resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "class not found")
}

func TestParseGraphQLResponse_Count(t *testing.T) {
	resp := &models.GraphQLResponse{Data: map[string]models.JSONObject{
		"Aggregate": map[string]any{
			"ResumeChunk": []any{map[string]any{"meta": map[string]any{"count": 7}}},
		},
	}}
	parsed, err := ParseGraphQLResponse[countQueryResponse](resp)
	require.NoError(t, err)
	assert.Equal(t, 7, parsed.Aggregate["ResumeChunk"][0].Meta.Count)
}

func TestNewWeaviateClient_InvalidURL(t *testing.T) {
	_, err := NewWeaviateClient("not a url")
	assert.Error(t, err)

	_, err = NewWeaviateClient("://missing-scheme")
	assert.Error(t, err)
}

func TestChunkSchema(t *testing.T) {
	class := ChunkSchema(DefaultClassName)
	assert.Equal(t, "none", class.Vectorizer)
	names := make([]string, 0, len(class.Properties))
	for _, p := range class.Properties {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, []string{"text", "chunk_type", "title", "timeframe", "tags", "source_id"}, names)
}

// =============================================================================
// Embedder
// =============================================================================

func TestOpenAIEmbedder_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/embeddings"))
		w.Header().Set("Content-Type", "application/json")
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.25,0.5]}],"model":"text-embedding-3-small"}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(EmbedderConfig{
		APIKey:            "test",
		BaseURL:           srv.URL,
		RequestsPerSecond: 100,
		InitialBackoff:    time.Millisecond,
	})
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, 0.5}, vec)
	assert.Equal(t, int64(2), hits.Load())
	assert.Equal(t, "text-embedding-3-small", e.Model())
}

func TestOpenAIEmbedder_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(EmbedderConfig{APIKey: "test", BaseURL: srv.URL, InitialBackoff: time.Millisecond})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "hello")
	assert.Error(t, err)
	assert.Equal(t, int64(1), hits.Load())
}

func TestOpenAIEmbedder_RequiresKey(t *testing.T) {
	_, err := NewOpenAIEmbedder(EmbedderConfig{})
	assert.Error(t, err)
}

// =============================================================================
// Indexer
// =============================================================================

func sampleChunks() []knowledge.Chunk {
	return []knowledge.Chunk{
		{SourceID: "personal", Type: knowledge.ChunkPersonal, Title: "Jordan Lee", Text: "Jordan Lee, Staff Engineer."},
		{SourceID: "experience/0", Type: knowledge.ChunkExperience, Title: "Engineer at Acme", Text: strings.Repeat("Built systems. ", 30)},
	}
}

func TestIndexer_IndexSplitsAndWrites(t *testing.T) {
	emb := &fakeEmbedder{}
	w := &fakeWriter{}
	ix := NewIndexer(emb, w, IndexerConfig{ChunkSize: 100, ChunkOverlap: 10, Concurrency: 2})

	report, err := ix.Index(context.Background(), sampleChunks(), false)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 2, report.Sources)
	assert.Greater(t, report.Pieces, 2)
	assert.Equal(t, report.Pieces, report.Written)
	assert.Equal(t, int64(report.Pieces), emb.calls.Load())

	ids := map[string]bool{}
	for _, c := range w.upserted {
		assert.NotEmpty(t, c.Vector)
		ids[c.ID] = true
	}
	assert.Len(t, ids, len(w.upserted))
}

func TestIndexer_DeterministicIDs(t *testing.T) {
	w1, w2 := &fakeWriter{}, &fakeWriter{}
	_, err := NewIndexer(&fakeEmbedder{}, w1, IndexerConfig{}).Index(context.Background(), sampleChunks(), false)
	require.NoError(t, err)
	_, err = NewIndexer(&fakeEmbedder{}, w2, IndexerConfig{}).Index(context.Background(), sampleChunks(), false)
	require.NoError(t, err)

	require.Equal(t, len(w1.upserted), len(w2.upserted))
	for i := range w1.upserted {
		assert.Equal(t, w1.upserted[i].ID, w2.upserted[i].ID)
	}
}

func TestIndexer_SkipsPopulatedUnlessForced(t *testing.T) {
	w := &fakeWriter{count: 5}
	ix := NewIndexer(&fakeEmbedder{}, w, IndexerConfig{})

	report, err := ix.Index(context.Background(), sampleChunks(), false)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Empty(t, w.upserted)

	report, err = ix.Index(context.Background(), sampleChunks(), true)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, w.resets)
	assert.NotEmpty(t, w.upserted)
}

func TestIndexer_EmbedError(t *testing.T) {
	ix := NewIndexer(&fakeEmbedder{err: errors.New("quota")}, &fakeWriter{}, IndexerConfig{})
	_, err := ix.Index(context.Background(), sampleChunks(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota")
}

func TestIndexer_Empty(t *testing.T) {
	_, err := NewIndexer(&fakeEmbedder{}, &fakeWriter{}, IndexerConfig{}).Index(context.Background(), nil, false)
	assert.Error(t, err)
}
