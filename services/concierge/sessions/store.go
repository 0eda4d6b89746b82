// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sessions owns per-conversation state and its expiration.
//
// # Description
//
// A Store maps opaque session identifiers to Sessions. Append is the only
// mutator of a session's turn list: it appends, runs compaction, and
// refreshes the activity timestamp under one per-session lock, so
// concurrent appends to one session serialize while appends to different
// sessions proceed independently.
//
// Two implementations are provided. MemoryStore keeps everything in
// process and is the default. BadgerStore persists sessions to an
// embedded badger database for deployments that want conversations to
// survive a restart.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var (
	// ErrEmptyID is returned when an operation receives an empty session id.
	ErrEmptyID = errors.New("session id must not be empty")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session store is closed")
)

// Compactor bounds a session's size. It is invoked by Append while the
// session lock is held; implementations must not call back into the Store.
type Compactor interface {
	// Compact returns the compacted session and whether anything changed.
	Compact(ctx context.Context, s *Session) (*Session, bool, error)
}

// Observer receives store lifecycle events. Implemented by the metrics
// layer.
type Observer interface {
	ObserveSessionCreated()
	ObserveSessionsRemoved(n int, reason string)
	ObserveCompaction(before, after int)
}

// Store is the session table contract.
type Store interface {
	// GetOrCreate returns the live session for id, creating a fresh empty
	// one when the id is unknown or expired.
	GetOrCreate(ctx context.Context, id string) (*Session, error)

	// Get returns the live session for id without creating one.
	Get(ctx context.Context, id string) (*Session, bool, error)

	// Append adds turns to the session in order, creating it if needed,
	// then compacts. It returns a snapshot of the resulting session.
	Append(ctx context.Context, id string, turns ...Turn) (*Session, error)

	// Delete removes one session. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	// Clear removes every session and reports how many were removed.
	Clear(ctx context.Context) (int, error)

	// ExpireSweep removes sessions idle for longer than the configured age.
	ExpireSweep(ctx context.Context, now time.Time) (int, error)

	// Len returns the number of stored sessions.
	Len() int

	// Close releases resources.
	Close() error
}

// Config is shared by the Store implementations.
type Config struct {
	// MaxIdle is the idle age after which a session expires. Default: 1h
	MaxIdle time.Duration

	// MaxSessions is the capacity ceiling. 0 means unlimited.
	MaxSessions int
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{MaxIdle: time.Hour}
}

func applyDefaults(cfg Config) Config {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = DefaultConfig().MaxIdle
	}
	if cfg.MaxSessions < 0 {
		cfg.MaxSessions = 0
	}
	return cfg
}

// Option configures a Store.
type Option func(*options)

type options struct {
	compactor Compactor
	observer  Observer
	now       func() time.Time
}

// WithCompactor sets the compactor run after each append.
func WithCompactor(c Compactor) Option {
	return func(o *options) { o.compactor = c }
}

// WithObserver reports lifecycle events.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// appendAndCompact applies turns to s in place and runs the compactor.
func appendAndCompact(ctx context.Context, s *Session, turns []Turn, o options) *Session {
	now := o.now()
	for _, t := range turns {
		if t.At.IsZero() {
			t.At = now
		}
		s.Turns = append(s.Turns, t)
		s.Size += t.Size()
	}
	s.LastActiveAt = now

	if o.compactor == nil {
		return s
	}
	before := s.Size
	compacted, changed, err := o.compactor.Compact(ctx, s)
	if err != nil {
		slog.Warn("Compaction failed, keeping uncompacted history",
			"session_id", s.ID, "size", s.Size, "error", err)
		return s
	}
	if changed {
		compacted.LastActiveAt = now
		if o.observer != nil {
			o.observer.ObserveCompaction(before, compacted.Size)
		}
		return compacted
	}
	return s
}
