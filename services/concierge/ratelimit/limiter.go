// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit provides per-client fixed-window admission control.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Configuration
// =============================================================================

// Config controls the fixed window.
type Config struct {
	// Limit is the number of admissions per window per key. Default: 20
	Limit int

	// Window is the window length. Default: 1 minute
	Window time.Duration
}

// DefaultConfig returns 20 requests per minute.
func DefaultConfig() Config {
	return Config{Limit: 20, Window: time.Minute}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool

	// Count is the bucket count after this decision.
	Count int

	Limit int

	// RetryAfter is the time until the current window closes. Zero when
	// allowed.
	RetryAfter time.Duration
}

// Observer receives admission outcomes. Implemented by the metrics layer.
type Observer interface {
	ObserveRateLimit(allowed bool)
}

// =============================================================================
// Limiter
// =============================================================================

type bucket struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
	dead        bool
}

// Limiter is a fixed-window counter keyed by client.
//
// # Description
//
// Each key owns one bucket. Admit resets the bucket when its window has
// elapsed, denies when the count has reached the limit, and otherwise
// increments. Denied requests never touch the count, so a burst of
// denials cannot spill into the next window.
//
// # Thread Safety
//
// Buckets live in a sync.Map and carry their own mutex; there is no lock
// shared across keys. Sweep marks a bucket dead under its mutex before
// deleting it, and Admit retries on a fresh bucket when it loses that
// race, so no admission is counted against an orphaned bucket.
type Limiter struct {
	config   Config
	buckets  sync.Map
	now      func() time.Time
	observer Observer
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithObserver reports each decision.
func WithObserver(o Observer) Option {
	return func(l *Limiter) { l.observer = o }
}

// New creates a Limiter. Zero config fields take defaults.
func New(cfg Config, opts ...Option) *Limiter {
	defaults := DefaultConfig()
	if cfg.Limit <= 0 {
		cfg.Limit = defaults.Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	l := &Limiter{config: cfg, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.config
}

// Admit records one request for key and reports whether it is allowed.
func (l *Limiter) Admit(key string) Decision {
	for {
		b := l.load(key)

		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}

		now := l.now()
		if !now.Before(b.windowStart.Add(l.config.Window)) {
			b.windowStart = now
			b.count = 0
		}

		if b.count >= l.config.Limit {
			d := Decision{
				Allowed:    false,
				Count:      b.count,
				Limit:      l.config.Limit,
				RetryAfter: b.windowStart.Add(l.config.Window).Sub(now),
			}
			b.mu.Unlock()
			slog.Debug("Rate limit exceeded", "count", d.Count, "limit", d.Limit)
			l.observe(false)
			return d
		}

		b.count++
		d := Decision{Allowed: true, Count: b.count, Limit: l.config.Limit}
		b.mu.Unlock()
		l.observe(true)
		return d
	}
}

// Allow is Admit reduced to a bool.
func (l *Limiter) Allow(key string) bool {
	return l.Admit(key).Allowed
}

// Count returns the number of admissions in the key's current window.
func (l *Limiter) Count(key string) int {
	v, ok := l.buckets.Load(key)
	if !ok {
		return 0
	}
	b := v.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead || !l.now().Before(b.windowStart.Add(l.config.Window)) {
		return 0
	}
	return b.count
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	n := 0
	l.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep removes buckets whose window fully elapsed before now. It has the
// ttl.SweepFunc signature.
func (l *Limiter) Sweep(_ context.Context, now time.Time) (int, error) {
	removed := 0
	l.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		if !b.dead && !now.Before(b.windowStart.Add(l.config.Window)) {
			b.dead = true
			l.buckets.CompareAndDelete(k, v)
			removed++
		}
		b.mu.Unlock()
		return true
	})
	return removed, nil
}

func (l *Limiter) load(key string) *bucket {
	if v, ok := l.buckets.Load(key); ok {
		return v.(*bucket)
	}
	v, _ := l.buckets.LoadOrStore(key, &bucket{windowStart: l.now()})
	return v.(*bucket)
}

func (l *Limiter) observe(allowed bool) {
	if l.observer != nil {
		l.observer.ObserveRateLimit(allowed)
	}
}
