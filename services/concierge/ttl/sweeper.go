// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl runs the periodic expiration sweeps that bound the growth of
// the process-wide tables (rate buckets, sessions).
package ttl

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned by Start when the sweeper is active.
var ErrAlreadyRunning = errors.New("sweeper is already running")

// SweepFunc removes expired entries as of now and reports how many were
// removed.
type SweepFunc func(ctx context.Context, now time.Time) (int, error)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Sweeper invokes a SweepFunc on a fixed interval.
//
// # Description
//
// Sweeper is the background half of an expiring table. It runs one sweep
// immediately on Start and then once per Interval until Stop is called or
// the start context is cancelled. Sweep errors are logged and never stop
// the loop.
//
// # Thread Safety
//
// Start, Stop and RunNow are safe for concurrent use.
type Sweeper struct {
	name     string
	interval time.Duration
	sweep    SweepFunc
	clock    Clock

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// NewSweeper creates a sweeper. A nil clock uses wall time.
func NewSweeper(name string, interval time.Duration, sweep SweepFunc, clock Clock) *Sweeper {
	if clock == nil {
		clock = realClock{}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		name:     name,
		interval: interval,
		sweep:    sweep,
		clock:    clock,
	}
}

// Start launches the sweep loop in a goroutine.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	slog.Info("Sweeper starting", "sweeper", s.name, "interval", s.interval.String())
	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop to exit and waits for it. Stopping an idle
// sweeper is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.done)
	stopped := s.stopped
	s.running = false
	s.mu.Unlock()

	<-stopped
	slog.Info("Sweeper stopped", "sweeper", s.name)
}

// RunNow performs one sweep synchronously.
func (s *Sweeper) RunNow(ctx context.Context) (int, error) {
	return s.sweep(ctx, s.clock.Now())
}

func (s *Sweeper) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.execute(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.execute(ctx)
		}
	}
}

func (s *Sweeper) execute(ctx context.Context) {
	start := s.clock.Now()
	removed, err := s.sweep(ctx, start)
	if err != nil {
		slog.Error("Sweep failed", "sweeper", s.name, "error", err)
		return
	}
	if removed > 0 {
		slog.Info("Sweep completed",
			"sweeper", s.name,
			"removed", removed,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}
	slog.Debug("Sweep completed (nothing expired)", "sweeper", s.name)
}
