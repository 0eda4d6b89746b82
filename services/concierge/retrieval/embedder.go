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
	"net"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// EmbedderConfig tunes the OpenAI embedder.
type EmbedderConfig struct {
	APIKey  string
	BaseURL string

	// Model defaults to text-embedding-3-small.
	Model string

	// RequestsPerSecond throttles outbound calls. Default: 5
	RequestsPerSecond float64

	// MaxAttempts per Embed call, including the first. Default: 3
	MaxAttempts int

	// InitialBackoff doubles per retry up to MaxBackoff. Defaults: 1s, 8s
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Timeout bounds each HTTP attempt. Default: 10s
	Timeout time.Duration
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
//
// # Thread Safety
//
// Safe for concurrent use. The rate limiter is shared by all callers.
type OpenAIEmbedder struct {
	client  *openai.Client
	model   openai.EmbeddingModel
	limiter *rate.Limiter
	config  EmbedderConfig
}

// NewOpenAIEmbedder creates an embedder. APIKey is required.
func NewOpenAIEmbedder(cfg EmbedderConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("embedder requires an OpenAI API key")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 8 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &OpenAIEmbedder{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   openai.EmbeddingModel(cfg.Model),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		config:  cfg,
	}, nil
}

// Model returns the embedding model name.
func (e *OpenAIEmbedder) Model() string { return string(e.model) }

// Embed implements Embedder, retrying transient failures with exponential
// backoff.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	backoff := e.config.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embed rate limiter: %w", err)
		}

		vector, err := e.embedOnce(ctx, text)
		if err == nil {
			return vector, nil
		}
		lastErr = err
		if !retryable(err) || attempt == e.config.MaxAttempts || ctx.Err() != nil {
			break
		}

		slog.Warn("Embedding request failed, retrying",
			"attempt", attempt, "backoff", backoff, "error", err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > e.config.MaxBackoff {
			backoff = e.config.MaxBackoff
		}
	}
	return nil, fmt.Errorf("embedding failed: %w", lastErr)
}

func (e *OpenAIEmbedder) embedOnce(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("embedding response contained no vectors")
	}
	return resp.Data[0].Embedding, nil
}

// Ping lists models to confirm the key and endpoint work.
func (e *OpenAIEmbedder) Ping(ctx context.Context) error {
	_, err := e.client.ListModels(ctx)
	return err
}

// retryable covers rate limits, server errors, timeouts and network
// failures.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

var _ Embedder = (*OpenAIEmbedder)(nil)
