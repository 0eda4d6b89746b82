// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval fetches resume passages relevant to a message.
//
// # Description
//
// The Gateway embeds the query, searches the vector index and returns the
// best chunks. It never fails a turn: when retrieval is disabled, errors or
// times out, it returns the static fallback context, flagged as degraded
// when a failure caused it.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("concierge.retrieval")

// =============================================================================
// Types
// =============================================================================

// Source says where a Result's context came from.
type Source string

const (
	SourceVector   Source = "vector"
	SourceFallback Source = "fallback"
	SourceDisabled Source = "disabled"
)

// Chunk is one retrieved passage.
type Chunk struct {
	SourceID string  `json:"source_id"`
	Title    string  `json:"title"`
	Section  string  `json:"section"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

// Result is what Retrieve hands to the orchestrator.
type Result struct {
	Chunks   []Chunk `json:"chunks,omitempty"`
	Context  string  `json:"context"`
	Source   Source  `json:"source"`
	Degraded bool    `json:"degraded"`
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Ping(ctx context.Context) error
}

// VectorIndex finds the nearest chunks to a vector. Scores are in [0, 1].
type VectorIndex interface {
	Search(ctx context.Context, vector []float32, limit int) ([]Chunk, error)
	Ping(ctx context.Context) error
}

// Observer receives one call per Retrieve.
type Observer interface {
	ObserveRetrieval(source string, degraded bool, elapsed time.Duration)
}

// Config tunes the Gateway.
type Config struct {
	Enabled bool

	// TopK is the default number of chunks. Default: 3
	TopK int

	// MinScore drops weaker matches. Default: 0.7
	MinScore float64

	// Timeout bounds embed plus search. Default: 10s
	Timeout time.Duration
}

// DefaultConfig returns retrieval enabled with stock limits.
func DefaultConfig() Config {
	return Config{Enabled: true, TopK: 3, MinScore: 0.7, Timeout: 10 * time.Second}
}

// =============================================================================
// Gateway
// =============================================================================

// Gateway implements retrieval with fallback.
//
// # Thread Safety
//
// Safe for concurrent use.
type Gateway struct {
	config   Config
	embedder Embedder
	index    VectorIndex
	fallback func() string
	observer Observer

	health singleflight.Group
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithObserver attaches metrics.
func WithObserver(obs Observer) Option {
	return func(g *Gateway) { g.observer = obs }
}

// NewGateway creates a Gateway. fallback returns the current static
// context; it is called on every fallback so knowledge reloads show up.
// A nil embedder or index forces the disabled path.
func NewGateway(cfg Config, embedder Embedder, index VectorIndex, fallback func() string, opts ...Option) *Gateway {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.7
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if fallback == nil {
		fallback = func() string { return "" }
	}
	g := &Gateway{config: cfg, embedder: embedder, index: index, fallback: fallback}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Enabled reports whether vector retrieval is configured and switched on.
func (g *Gateway) Enabled() bool {
	return g.config.Enabled && g.embedder != nil && g.index != nil
}

// Config returns the effective settings.
func (g *Gateway) Config() Config { return g.config }

// Retrieve returns up to topK chunks for query, or the fallback context.
//
// # Description
//
// Chunks scoring below MinScore are dropped. The rest are ordered by score
// descending with ties broken by shorter text. If nothing clears the
// threshold the fallback context is used without the degraded flag, since
// nothing failed.
//
// # Inputs
//
//   - ctx: Cancellation. Retrieve adds its own Timeout.
//   - query: The user message.
//   - topK: Max chunks; <= 0 uses Config.TopK.
//
// # Outputs
//
//   - Result: Always usable. Never an error.
func (g *Gateway) Retrieve(ctx context.Context, query string, topK int) Result {
	start := time.Now()
	if topK <= 0 {
		topK = g.config.TopK
	}

	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()

	result := g.retrieve(ctx, query, topK)

	span.SetAttributes(
		attribute.String("retrieval.source", string(result.Source)),
		attribute.Bool("retrieval.degraded", result.Degraded),
		attribute.Int("retrieval.chunks", len(result.Chunks)),
	)
	if result.Degraded {
		span.SetStatus(codes.Error, "retrieval degraded to fallback")
	}
	if g.observer != nil {
		g.observer.ObserveRetrieval(string(result.Source), result.Degraded, time.Since(start))
	}
	return result
}

func (g *Gateway) retrieve(ctx context.Context, query string, topK int) Result {
	if !g.Enabled() {
		return Result{Context: g.fallback(), Source: SourceDisabled}
	}

	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	vector, err := g.embedder.Embed(ctx, query)
	if err != nil {
		return g.degraded("embed", err)
	}

	// Over-fetch so ties at the cut line are resolved here, not by the index.
	found, err := g.index.Search(ctx, vector, topK*2)
	if err != nil {
		return g.degraded("search", err)
	}

	chunks := Rank(found, g.config.MinScore, topK)
	if len(chunks) == 0 {
		slog.Debug("No chunks above threshold, using fallback context", "min_score", g.config.MinScore)
		return Result{Context: g.fallback(), Source: SourceFallback}
	}
	return Result{Chunks: chunks, Context: RenderContext(chunks), Source: SourceVector}
}

func (g *Gateway) degraded(stage string, err error) Result {
	slog.Warn("Retrieval failed, using fallback context", "stage", stage, "error", err)
	return Result{Context: g.fallback(), Source: SourceFallback, Degraded: true}
}

// Rank filters by minScore, orders by score descending then shorter text,
// and keeps at most topK. The input is not modified.
func Rank(chunks []Chunk, minScore float64, topK int) []Chunk {
	out := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Score >= minScore {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return len(out[i].Text) < len(out[j].Text)
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// RenderContext formats chunks for the system prompt.
func RenderContext(chunks []Chunk) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.Title != "" {
			parts = append(parts, fmt.Sprintf("## %s\n%s", c.Title, c.Text))
		} else {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// =============================================================================
// Health
// =============================================================================

// ComponentHealth is one probe outcome.
type ComponentHealth struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// HealthReport describes the retrieval backends.
type HealthReport struct {
	Enabled   bool            `json:"enabled"`
	Status    string          `json:"status"`
	Embedder  ComponentHealth `json:"embedder"`
	Index     ComponentHealth `json:"index"`
	CheckedAt time.Time       `json:"checked_at"`
}

// Healthy reports whether retrieval is usable or intentionally off.
func (h HealthReport) Healthy() bool {
	return h.Status != "degraded"
}

// Health probes the embedder and index concurrently. Overlapping calls
// share one probe.
func (g *Gateway) Health(ctx context.Context) HealthReport {
	if !g.Enabled() {
		return HealthReport{Enabled: false, Status: "disabled", CheckedAt: time.Now()}
	}

	v, _, _ := g.health.Do("health", func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.Timeout)
		defer cancel()

		report := HealthReport{Enabled: true}
		var eg errgroup.Group
		eg.Go(func() error {
			report.Embedder = probe(probeCtx, "embedder", g.embedder.Ping)
			return nil
		})
		eg.Go(func() error {
			report.Index = probe(probeCtx, "index", g.index.Ping)
			return nil
		})
		_ = eg.Wait()

		report.Status = "ok"
		if !report.Embedder.OK || !report.Index.OK {
			report.Status = "degraded"
		}
		report.CheckedAt = time.Now()
		return report, nil
	})
	return v.(HealthReport)
}

// probe logs the collaborator error. The report carries only a fixed label.
func probe(ctx context.Context, component string, ping func(context.Context) error) ComponentHealth {
	start := time.Now()
	err := ping(ctx)
	h := ComponentHealth{OK: err == nil, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		h.Error = "unreachable"
		if errors.Is(err, context.DeadlineExceeded) {
			h.Error = "timeout"
		}
		slog.Warn("Retrieval health probe failed", "component", component, "error", err)
	}
	return h
}
