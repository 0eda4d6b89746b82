// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package concierge

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianConcierge/services/concierge/knowledge"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/retrieval"
)

// IndexKnowledge embeds the resume in cfg.Knowledge.DataDir into the
// configured vector index. With force the class is rebuilt; otherwise a
// populated index is left alone.
func IndexKnowledge(ctx context.Context, cfg Config, force bool) (retrieval.IndexReport, error) {
	if cfg.Retrieval.OpenAIKey == "" {
		cfg.Retrieval.OpenAIKey = readSecret("OPENAI_API_KEY", "openai_api_key")
	}
	if cfg.Retrieval.OpenAIKey == "" {
		return retrieval.IndexReport{}, errors.New("indexing requires OPENAI_API_KEY")
	}
	store, err := knowledge.NewStore(cfg.Knowledge.DataDir)
	if err != nil {
		return retrieval.IndexReport{}, err
	}
	embedder, index, err := buildRetrieval(cfg.Retrieval)
	if err != nil {
		return retrieval.IndexReport{}, fmt.Errorf("connect retrieval: %w", err)
	}
	indexer := retrieval.NewIndexer(embedder, index, retrieval.IndexerConfig{
		ChunkSize:    cfg.Retrieval.ChunkSize,
		ChunkOverlap: cfg.Retrieval.ChunkOverlap,
	})
	return indexer.Index(ctx, store.Current().Chunks, force)
}
