// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm is the provider-neutral boundary to hosted language models.
//
// # Description
//
// The orchestrator speaks only in terms of Request and Response. Provider
// adapters (OpenAI, Anthropic) translate to and from their wire formats,
// including tool definitions, tool-call requests and tool results.
//
// # Thread Safety
//
// All Client implementations in this package are safe for concurrent use.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

var (
	// ErrEmptyResponse is returned when a provider answers with neither text
	// nor tool calls.
	ErrEmptyResponse = errors.New("provider returned an empty response")

	// ErrMissingAPIKey is returned when no credential could be found.
	ErrMissingAPIKey = errors.New("provider API key is missing")
)

// Client sends one completion request to a model provider.
type Client interface {
	// Complete performs a single round-trip. It must honor ctx cancellation.
	Complete(ctx context.Context, request *Request) (*Response, error)

	// Name returns the provider name ("openai", "anthropic", "mock").
	Name() string

	// Model returns the model identifier.
	Model() string
}

// ToolDefinition advertises one callable tool to the model.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any `json:"parameters"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Arguments is the raw JSON argument object.
	Arguments string `json:"arguments"`
}

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName identify the call a tool message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Request is a provider-neutral completion request.
type Request struct {
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Messages     []Message        `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	MaxTokens    int              `json:"max_tokens,omitempty"`
	Temperature  *float32         `json:"temperature,omitempty"`
}

// Response is a provider-neutral completion response.
type Response struct {
	Content      string        `json:"content"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	StopReason   string        `json:"stop_reason"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Duration     time.Duration `json:"duration"`
	Model        string        `json:"model,omitempty"`
}

// HasToolCalls reports whether the model requested at least one tool.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// APIError is a non-2xx answer from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API returned status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether the status is worth retrying at a higher
// level. The orchestrator never retries within a turn; this is used by the
// summarizer and indexer.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// IsTimeout reports whether err stems from a deadline.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// Config selects and configures a provider.
type Config struct {
	// Provider is "openai" or "anthropic".
	Provider string

	// Model overrides the provider default.
	Model string

	// APIKey overrides env and secret lookup.
	APIKey string

	// BaseURL overrides the provider endpoint (tests, proxies).
	BaseURL string

	// MaxTokens is the default completion budget. Default: 2048
	MaxTokens int
}

// New builds the configured provider client wrapped with instrumentation.
func New(cfg Config) (Client, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	var (
		client Client
		err    error
	)
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		client, err = NewOpenAIClient(cfg)
	case "anthropic", "claude", "":
		client, err = NewAnthropicClient(cfg)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("LLM client initialized", "provider", client.Name(), "model", client.Model())
	return Instrument(client), nil
}

// ResolveAPIKey returns explicit, then the env var, then the container
// secret file /run/secrets/<secretName>.
func ResolveAPIKey(explicit, envVar, secretName string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if v := os.Getenv(envVar); v != "" {
		return v, nil
	}
	secretPath := "/run/secrets/" + secretName
	if content, err := os.ReadFile(secretPath); err == nil {
		if key := strings.TrimSpace(string(content)); key != "" {
			slog.Info("Read API key from container secret", "path", secretPath)
			return key, nil
		}
	}
	return "", fmt.Errorf("%w: set %s", ErrMissingAPIKey, envVar)
}
