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
	"time"

	"github.com/AleutianAI/AleutianConcierge/services/concierge/knowledge"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"golang.org/x/sync/errgroup"
)

// chunkNamespace seeds deterministic object IDs so re-indexing replaces
// rather than duplicates.
var chunkNamespace = uuid.MustParse("6f1c2a7e-3b0d-4c55-9a51-2f7d1e8c4b90")

// Writer is the write side of an index.
type Writer interface {
	EnsureSchema(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	Upsert(ctx context.Context, chunks []IndexedChunk) (int, error)
	Reset(ctx context.Context) error
}

// IndexerConfig tunes splitting and embedding.
type IndexerConfig struct {
	// ChunkSize and ChunkOverlap are in characters. Defaults: 800, 100
	ChunkSize    int
	ChunkOverlap int

	// Concurrency bounds in-flight embedding calls. Default: 4
	Concurrency int
}

// IndexReport summarizes one indexing run.
type IndexReport struct {
	Skipped  bool          `json:"skipped"`
	Sources  int           `json:"sources"`
	Pieces   int           `json:"pieces"`
	Written  int           `json:"written"`
	Duration time.Duration `json:"duration"`
}

// Indexer embeds knowledge chunks and writes them to an index.
type Indexer struct {
	embedder Embedder
	writer   Writer
	splitter textsplitter.TextSplitter
	config   IndexerConfig
}

// NewIndexer creates an Indexer.
func NewIndexer(embedder Embedder, writer Writer, cfg IndexerConfig) *Indexer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 800
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Indexer{
		embedder: embedder,
		writer:   writer,
		config:   cfg,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.ChunkSize),
			textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
			textsplitter.WithSeparators([]string{"\n\n", "\n", ". ", " ", ""}),
		),
	}
}

// Index writes chunks to the index.
//
// # Description
//
// Existing data is left alone unless force is set, in which case the class
// is dropped first. Long chunks are split; each piece keeps its source's
// metadata and gets a deterministic ID derived from source ID and position.
//
// # Outputs
//
//   - IndexReport: What was done.
//   - error: Schema, embedding or write failure. Embedding stops at the
//     first error.
func (ix *Indexer) Index(ctx context.Context, chunks []knowledge.Chunk, force bool) (IndexReport, error) {
	start := time.Now()
	report := IndexReport{Sources: len(chunks)}

	if force {
		if err := ix.writer.Reset(ctx); err != nil {
			slog.Warn("Index reset failed, continuing", "error", err)
		}
	}
	if err := ix.writer.EnsureSchema(ctx); err != nil {
		return report, err
	}
	if !force {
		n, err := ix.writer.Count(ctx)
		if err != nil {
			return report, err
		}
		if n > 0 {
			slog.Info("Index already populated, skipping", "objects", n)
			report.Skipped = true
			report.Duration = time.Since(start)
			return report, nil
		}
	}

	pieces, err := ix.split(chunks)
	if err != nil {
		return report, err
	}
	report.Pieces = len(pieces)
	if len(pieces) == 0 {
		return report, errors.New("nothing to index")
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(ix.config.Concurrency)
	for i := range pieces {
		eg.Go(func() error {
			vector, err := ix.embedder.Embed(egCtx, pieces[i].Text)
			if err != nil {
				return fmt.Errorf("embed %s: %w", pieces[i].SourceID, err)
			}
			pieces[i].Vector = vector
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return report, err
	}

	written, err := ix.writer.Upsert(ctx, pieces)
	report.Written = written
	report.Duration = time.Since(start)
	if err != nil {
		return report, err
	}
	slog.Info("Indexed resume chunks",
		"sources", report.Sources,
		"pieces", report.Pieces,
		"written", report.Written,
		"duration", report.Duration)
	return report, nil
}

func (ix *Indexer) split(chunks []knowledge.Chunk) ([]IndexedChunk, error) {
	var out []IndexedChunk
	for _, c := range chunks {
		texts := []string{c.Text}
		if len([]rune(c.Text)) > ix.config.ChunkSize {
			split, err := ix.splitter.SplitText(c.Text)
			if err != nil {
				return nil, fmt.Errorf("split %s: %w", c.SourceID, err)
			}
			texts = split
		}
		for i, text := range texts {
			if text == "" {
				continue
			}
			out = append(out, IndexedChunk{
				ID:        uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s#%d", c.SourceID, i))).String(),
				SourceID:  c.SourceID,
				Type:      c.Type,
				Title:     c.Title,
				Timeframe: c.Timeframe,
				Tags:      c.Tags,
				Text:      text,
			})
		}
	}
	return out, nil
}

var _ Writer = (*WeaviateIndex)(nil)
