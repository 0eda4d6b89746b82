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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianConcierge/services/concierge/handlers"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/knowledge"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/llm"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testClientIP = "192.0.2.10"

func testKnowledge() *knowledge.Store {
	return knowledge.NewStaticStore(&knowledge.Resume{
		Personal: knowledge.Personal{
			Name:    "Jordan Lee",
			Title:   "Staff Engineer",
			Summary: "Builds reliable data systems.",
			Email:   "jordan@example.com",
		},
		Experience: []knowledge.Experience{
			{Role: "Staff Engineer", Company: "Acme", Duration: "2021-2024", Achievements: []string{"Cut latency 40%"}},
		},
	}, "")
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retrieval.Enabled = false
	cfg.Knowledge.Watch = false
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "prometheus"
	cfg.AdminToken = "admin-secret"
	return cfg
}

func newTestService(t *testing.T, cfg Config, client llm.Client) *service {
	t.Helper()
	svc, err := New(cfg, Options{
		Client:    client,
		Knowledge: testKnowledge(),
		Registry:  prometheus.NewRegistry(),
		Version:   "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc.(*service)
}

func postChat(t *testing.T, router http.Handler, message, sessionID string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(handlers.ChatRequest{Message: message, SessionID: sessionID})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = testClientIP + ":40000"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// End to end
// =============================================================================

func TestChat_FirstMessageCreatesSession(t *testing.T) {
	client := llm.NewMockClient().QueueFinalResponse("Jordan has worked at Acme.")
	svc := newTestService(t, testConfig(), client)

	w := postChat(t, svc.Router(), "What companies has this person worked for?", "s1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp handlers.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "Jordan has worked at Acme.", resp.Reply)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].SystemPrompt, "Acme", "static fallback context reaches the model")

	sess, ok, err := svc.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, sess.Turns, 2)
	assert.Equal(t, 1, svc.limiter.Count(middleware.HashClientKey(testClientIP)))
}

func TestChat_RateLimitLeavesSessionUnchanged(t *testing.T) {
	svc := newTestService(t, testConfig(), llm.NewMockClient())
	router := svc.Router()

	for i := range 20 {
		w := postChat(t, router, fmt.Sprintf("question %d", i), "s1")
		require.Equal(t, http.StatusOK, w.Code, "request %d: %s", i+1, w.Body.String())
	}
	before, ok, err := svc.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, ok)

	w := postChat(t, router, "one more", "s1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	after, ok, err := svc.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, len(before.Turns), len(after.Turns))
	assert.Equal(t, before.LastActiveAt, after.LastActiveAt)
}

func TestChat_ProviderTimeoutMapsTo504(t *testing.T) {
	cfg := testConfig()
	cfg.Conversation.CallTimeout = 20 * time.Millisecond
	cfg.Conversation.TurnTimeout = 50 * time.Millisecond
	svc := newTestService(t, cfg, llm.NewMockClient().WithDelay(time.Second))

	w := postChat(t, svc.Router(), "hello", "slow")
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.NotContains(t, w.Body.String(), "deadline")

	sess, ok, err := svc.store.Get(context.Background(), "slow")
	require.NoError(t, err)
	if ok {
		assert.Empty(t, sess.Turns, "a failed turn must not persist")
	}
}

func TestChat_OversizeMessageRejected(t *testing.T) {
	svc := newTestService(t, testConfig(), llm.NewMockClient())
	w := postChat(t, svc.Router(), strings.Repeat("a", 2001), "s1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, svc.limiter.Len())
}

// =============================================================================
// Operational routes
// =============================================================================

func TestAdmin_RequiresToken(t *testing.T) {
	svc := newTestService(t, testConfig(), llm.NewMockClient())
	router := svc.Router()
	require.Equal(t, http.StatusOK, postChat(t, router, "hi", "s1").Code)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/admin/sessions/s1", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	_, ok, _ := svc.store.Get(context.Background(), "s1")
	assert.True(t, ok)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/admin/sessions/s1", nil)
	req.Header.Set(middleware.AdminTokenHeader, "admin-secret")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	_, ok, _ = svc.store.Get(context.Background(), "s1")
	assert.False(t, ok)
}

func TestAdmin_ConfigIsRedacted(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.APIKey = "sk-should-not-leak"
	svc := newTestService(t, cfg, llm.NewMockClient())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/admin/config", nil)
	req.Header.Set(middleware.AdminTokenHeader, "admin-secret")
	svc.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "sk-should-not-leak")
	assert.NotContains(t, w.Body.String(), "admin-secret")
	assert.Contains(t, w.Body.String(), `"admin_token_set":true`)
}

func TestHealthAndMetrics(t *testing.T) {
	svc := newTestService(t, testConfig(), llm.NewMockClient())
	router := svc.Router()
	require.Equal(t, http.StatusOK, postChat(t, router, "hi", "s1").Code)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"test"`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/retrieval", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "concierge_chat_turns_total")
	assert.Contains(t, w.Body.String(), "concierge_ratelimit_decisions_total")
}

func TestSweepersUpdateGauges(t *testing.T) {
	svc := newTestService(t, testConfig(), llm.NewMockClient())
	require.Equal(t, http.StatusOK, postChat(t, svc.Router(), "hi", "s1").Code)

	for _, sw := range svc.sweepers {
		_, err := sw.RunNow(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, svc.store.Len())
	assert.Equal(t, 1, svc.limiter.Len())
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.RequestsPerWindow = 0
	_, err := New(cfg, Options{Client: llm.NewMockClient(), Knowledge: testKnowledge()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit.requests_per_window")
}

func TestClose_ReleasesWatcherWithoutRun(t *testing.T) {
	cfg := testConfig()
	cfg.Knowledge.DataDir = filepath.Join("..", "..", "data")
	cfg.Knowledge.Watch = true

	built, err := New(cfg, Options{Client: llm.NewMockClient(), Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	svc := built.(*service)
	require.NotNil(t, svc.watcher)

	require.NoError(t, svc.Close(context.Background()))
	require.NoError(t, svc.Close(context.Background()))

	done := make(chan struct{})
	go func() {
		svc.watcher.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher still open after Close")
	}
}
