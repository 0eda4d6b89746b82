// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing setup for the concierge.
//
// # Description
//
// Metrics implements the observer hooks of the rate limiter, session store,
// retrieval gateway and conversation orchestrator, so each component
// reports without importing Prometheus itself. Metrics include:
//   - Chat turns by outcome, with a duration histogram
//   - Tool calls by tool and status
//   - Rate limit decisions
//   - Session lifecycle and compaction
//   - Retrieval source and degradation
//   - Security flags by stage and category
//   - HTTP requests by route and status
//
// # Integration
//
// Metrics are exposed on GET /metrics through the registry passed to
// NewMetrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// A nil *Metrics is a valid no-op observer.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "concierge"

// Metrics holds every Prometheus collector of the service.
type Metrics struct {
	// TurnsTotal counts chat turns. Labels: outcome (final, max_iterations,
	// timeout, provider_error, rate_limited, invalid)
	TurnsTotal *prometheus.CounterVec

	// TurnDurationSeconds measures turn latency. Labels: outcome
	TurnDurationSeconds *prometheus.HistogramVec

	// ToolCallsTotal counts tool executions. Labels: tool, status
	ToolCallsTotal *prometheus.CounterVec

	// RateLimitTotal counts admission decisions. Labels: decision
	RateLimitTotal *prometheus.CounterVec

	SessionsCreatedTotal prometheus.Counter

	// SessionsRemovedTotal labels: reason (deleted, cleared, expired, capacity)
	SessionsRemovedTotal *prometheus.CounterVec

	CompactionsTotal prometheus.Counter

	// CompactionTurnsRemoved observes how many turns one compaction folded.
	CompactionTurnsRemoved prometheus.Histogram

	// ActiveSessions is set by the periodic sweep.
	ActiveSessions prometheus.Gauge

	// RateLimitBuckets is set by the periodic sweep.
	RateLimitBuckets prometheus.Gauge

	// RetrievalTotal labels: source (vector, fallback, disabled), degraded
	RetrievalTotal *prometheus.CounterVec

	RetrievalDurationSeconds prometheus.Histogram

	// SecurityFlagsTotal labels: stage (pre, post), category
	SecurityFlagsTotal *prometheus.CounterVec

	// HTTPRequestsTotal labels: route, method, status
	HTTPRequestsTotal *prometheus.CounterVec

	// WebSocketConnections tracks open chat sockets.
	WebSocketConnections prometheus.Gauge
}

// NewMetrics creates and registers all collectors on reg.
//
// # Inputs
//
//   - reg: Registry to register with. Use a fresh prometheus.NewRegistry()
//     per service instance so tests and multiple services do not collide.
//
// # Limitations
//
//   - Panics if the same registry is used twice (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TurnsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "turns_total",
				Help:      "Total chat turns by outcome",
			},
			[]string{"outcome"},
		),
		TurnDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "turn_duration_seconds",
				Help:      "Chat turn duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		ToolCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "tool_calls_total",
				Help:      "Total tool calls by tool and status",
			},
			[]string{"tool", "status"},
		),
		RateLimitTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Rate limit decisions by result",
			},
			[]string{"decision"},
		),
		SessionsCreatedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Total sessions created",
		}),
		SessionsRemovedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "sessions",
				Name:      "removed_total",
				Help:      "Total sessions removed by reason",
			},
			[]string{"reason"},
		),
		CompactionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sessions",
			Name:      "compactions_total",
			Help:      "Total history compactions",
		}),
		CompactionTurnsRemoved: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "sessions",
			Name:      "compaction_turns_removed",
			Help:      "Turns folded into a summary per compaction",
			Buckets:   []float64{1, 2, 4, 8, 16, 32},
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Live sessions after the last sweep",
		}),
		RateLimitBuckets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ratelimit",
			Name:      "buckets",
			Help:      "Tracked rate limit keys after the last sweep",
		}),
		RetrievalTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "retrieval",
				Name:      "requests_total",
				Help:      "Retrieval requests by source and degradation",
			},
			[]string{"source", "degraded"},
		),
		RetrievalDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "Retrieval duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		SecurityFlagsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "security",
				Name:      "flags_total",
				Help:      "Security filter hits by stage and category",
			},
			[]string{"stage", "category"},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		WebSocketConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "websocket_connections",
			Help:      "Open chat websocket connections",
		}),
	}
}

// =============================================================================
// Observer Hooks
// =============================================================================

// ObserveTurn records a finished chat turn.
func (m *Metrics) ObserveTurn(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveToolCall records one tool execution.
func (m *Metrics) ObserveToolCall(tool, status string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
}

// ObserveSecurityFlag records one detection.
func (m *Metrics) ObserveSecurityFlag(stage, category string) {
	if m == nil {
		return
	}
	m.SecurityFlagsTotal.WithLabelValues(stage, category).Inc()
}

// ObserveRateLimit records an admission decision.
func (m *Metrics) ObserveRateLimit(allowed bool) {
	if m == nil {
		return
	}
	decision := "allowed"
	if !allowed {
		decision = "rejected"
	}
	m.RateLimitTotal.WithLabelValues(decision).Inc()
}

// ObserveSessionCreated counts a new session.
func (m *Metrics) ObserveSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreatedTotal.Inc()
}

// ObserveSessionsRemoved counts removed sessions.
func (m *Metrics) ObserveSessionsRemoved(n int, reason string) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsRemovedTotal.WithLabelValues(reason).Add(float64(n))
}

// ObserveCompaction records one history compaction from before to after
// turns.
func (m *Metrics) ObserveCompaction(before, after int) {
	if m == nil {
		return
	}
	m.CompactionsTotal.Inc()
	if removed := before - after; removed > 0 {
		m.CompactionTurnsRemoved.Observe(float64(removed))
	}
}

// ObserveRetrieval records where context came from.
func (m *Metrics) ObserveRetrieval(source string, degraded bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RetrievalTotal.WithLabelValues(source, strconv.FormatBool(degraded)).Inc()
	m.RetrievalDurationSeconds.Observe(elapsed.Seconds())
}

// ObserveHTTP records a served request.
func (m *Metrics) ObserveHTTP(route, method string, status int) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}

// SetActiveSessions updates the live session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// SetRateLimitBuckets updates the tracked key gauge.
func (m *Metrics) SetRateLimitBuckets(n int) {
	if m == nil {
		return
	}
	m.RateLimitBuckets.Set(float64(n))
}

// WebSocketOpened increments the open socket gauge.
func (m *Metrics) WebSocketOpened() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Inc()
}

// WebSocketClosed decrements the open socket gauge.
func (m *Metrics) WebSocketClosed() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Dec()
}
