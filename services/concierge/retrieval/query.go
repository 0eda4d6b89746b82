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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/weaviate/weaviate/entities/models"
)

// ParseGraphQLResponse decodes a Weaviate GraphQL response into T.
//
// # Description
//
// GraphQL payloads arrive as nested map[string]any. Round-tripping through
// JSON lets callers declare the shape once with struct tags. Errors reported
// inside the response are returned as a single error.
//
// # Limitations
//
// Fields missing from the payload decode as zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, errors.New("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		return nil, fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &out, nil
}

// chunkQueryResponse is the shape of a Get query on the chunk class.
type chunkQueryResponse struct {
	Get map[string][]chunkResult `json:"Get"`
}

type chunkResult struct {
	Text       string   `json:"text"`
	ChunkType  string   `json:"chunk_type"`
	Title      string   `json:"title"`
	Timeframe  string   `json:"timeframe"`
	Tags       []string `json:"tags"`
	SourceID   string   `json:"source_id"`
	Additional struct {
		Certainty float64 `json:"certainty"`
	} `json:"_additional"`
}

// countQueryResponse is the shape of an Aggregate meta count query.
type countQueryResponse struct {
	Aggregate map[string][]struct {
		Meta struct {
			Count int `json:"count"`
		} `json:"meta"`
	} `json:"Aggregate"`
}
