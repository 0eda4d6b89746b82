// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MockClient is a scripted Client for tests and offline runs.
//
// Thread Safety:
//
//	MockClient is safe for concurrent use.
type MockClient struct {
	mu sync.Mutex

	model string

	// responses are returned in order; defaultResponse once exhausted.
	responses       []*Response
	defaultResponse *Response

	calls []*Request

	responseFunc func(*Request) (*Response, error)

	// delay is waited out before answering, honoring ctx.
	delay time.Duration

	errorToReturn error
	nextCallID    int
}

// NewMockClient creates a mock that answers "Mock response" by default.
func NewMockClient() *MockClient {
	return &MockClient{
		model: "mock-model",
		defaultResponse: &Response{
			Content:      "Mock response",
			StopReason:   "end_turn",
			InputTokens:  50,
			OutputTokens: 50,
		},
	}
}

// WithDelay adds artificial latency.
func (c *MockClient) WithDelay(d time.Duration) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
	return c
}

// WithError makes every call fail with err.
func (c *MockClient) WithError(err error) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorToReturn = err
	return c
}

// WithResponseFunc sets a dynamic response function.
func (c *MockClient) WithResponseFunc(f func(*Request) (*Response, error)) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseFunc = f
	return c
}

// QueueResponse adds a response to the queue.
func (c *MockClient) QueueResponse(response *Response) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, response)
	return c
}

// QueueToolCall queues a response that invokes one tool.
func (c *MockClient) QueueToolCall(toolName string, arguments map[string]any) *MockClient {
	argsJSON, _ := json.Marshal(arguments)

	c.mu.Lock()
	id := fmt.Sprintf("call_%d", c.nextCallID)
	c.nextCallID++
	c.mu.Unlock()

	return c.QueueResponse(&Response{
		StopReason:   "tool_use",
		ToolCalls:    []ToolCall{{ID: id, Name: toolName, Arguments: string(argsJSON)}},
		InputTokens:  50,
		OutputTokens: 20,
	})
}

// QueueFinalResponse queues a plain text answer.
func (c *MockClient) QueueFinalResponse(content string) *MockClient {
	return c.QueueResponse(&Response{
		Content:      content,
		StopReason:   "end_turn",
		InputTokens:  50,
		OutputTokens: 50 + len(content)/4,
	})
}

// SetDefaultResponse sets the response returned once the queue is empty.
func (c *MockClient) SetDefaultResponse(response *Response) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultResponse = response
	return c
}

// Complete implements Client.
func (c *MockClient) Complete(ctx context.Context, request *Request) (*Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, request)
	delay := c.delay
	c.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.errorToReturn != nil {
		return nil, c.errorToReturn
	}
	if c.responseFunc != nil {
		return c.responseFunc(request)
	}

	var response Response
	if len(c.responses) > 0 {
		response = *c.responses[0]
		c.responses = c.responses[1:]
	} else if c.defaultResponse != nil {
		response = *c.defaultResponse
	} else {
		return nil, ErrEmptyResponse
	}
	response.Duration = delay
	response.Model = c.model
	return &response, nil
}

// Name implements Client.
func (c *MockClient) Name() string { return "mock" }

// Model implements Client.
func (c *MockClient) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// Calls returns every request seen so far.
func (c *MockClient) Calls() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Request, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns the number of Complete calls.
func (c *MockClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Remaining returns the number of queued responses not yet consumed.
func (c *MockClient) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.responses)
}

var _ Client = (*MockClient)(nil)
