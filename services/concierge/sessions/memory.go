// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sessions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// entry guards one session. lastActive mirrors session.LastActiveAt so the
// eviction scan can read it without taking the entry lock.
type entry struct {
	mu         sync.Mutex
	session    *Session
	lastActive atomic.Int64
	removed    bool
}

// MemoryStore is the in-process Store.
//
// # Description
//
// The table lock (mu) is only held for map lookups and structural changes.
// Each entry has its own mutex which Append holds for the whole
// append-then-compact step. Structural operations that run under the table
// lock (sweep, capacity eviction) only ever TryLock entries, so a session
// that is busy appending is never waited on and is simply skipped: it is
// by definition not idle.
//
// An entry removed from the map is flagged under its own lock. A caller
// that acquired the entry pointer before removal observes the flag and
// retries against the table, so no append lands on an orphaned session.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type MemoryStore struct {
	config Config
	opts   options

	mu      sync.RWMutex
	entries map[string]*entry
	closed  atomic.Bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(cfg Config, opts ...Option) *MemoryStore {
	return &MemoryStore{
		config:  applyDefaults(cfg),
		opts:    buildOptions(opts),
		entries: make(map[string]*entry),
	}
}

// GetOrCreate implements Store.
func (m *MemoryStore) GetOrCreate(_ context.Context, id string) (*Session, error) {
	if err := m.check(id); err != nil {
		return nil, err
	}
	e := m.acquire(id)
	defer e.mu.Unlock()

	now := m.opts.now()
	e.session.LastActiveAt = now
	e.lastActive.Store(now.UnixNano())
	return e.session.Clone(), nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, bool, error) {
	if err := m.check(id); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.session.Expired(m.opts.now(), m.config.MaxIdle) {
		return nil, false, nil
	}
	return e.session.Clone(), true, nil
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, id string, turns ...Turn) (*Session, error) {
	if err := m.check(id); err != nil {
		return nil, err
	}
	e := m.acquire(id)
	defer e.mu.Unlock()

	e.session = appendAndCompact(ctx, e.session, turns, m.opts)
	e.lastActive.Store(e.session.LastActiveAt.UnixNano())
	return e.session.Clone(), nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	if err := m.check(id); err != nil {
		return err
	}
	m.mu.Lock()
	e, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
		m.observeRemoved(1, "deleted")
	}
	return nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(_ context.Context) (int, error) {
	m.mu.Lock()
	old := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range old {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
	}
	m.observeRemoved(len(old), "cleared")
	return len(old), nil
}

// ExpireSweep implements Store. It has the ttl.SweepFunc signature.
func (m *MemoryStore) ExpireSweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	removed := 0
	for id, e := range m.entries {
		if !e.mu.TryLock() {
			continue
		}
		if e.session.Expired(now, m.config.MaxIdle) {
			e.removed = true
			delete(m.entries, id)
			removed++
		}
		e.mu.Unlock()
	}
	m.mu.Unlock()

	m.observeRemoved(removed, "expired")
	return removed, nil
}

// Len implements Store.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	_, err := m.Clear(context.Background())
	return err
}

// acquire returns the locked, live entry for id, creating or resetting it
// as needed.
func (m *MemoryStore) acquire(id string) *entry {
	for {
		m.mu.RLock()
		e, ok := m.entries[id]
		m.mu.RUnlock()
		if !ok {
			e = m.create(id)
		}

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}

		now := m.opts.now()
		if e.session.Expired(now, m.config.MaxIdle) {
			e.session = NewSession(id, now)
			e.lastActive.Store(now.UnixNano())
			if m.opts.observer != nil {
				m.opts.observer.ObserveSessionCreated()
			}
		}
		return e
	}
}

func (m *MemoryStore) create(id string) *entry {
	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		m.mu.Unlock()
		return e
	}

	evicted := 0
	if m.config.MaxSessions > 0 && len(m.entries) >= m.config.MaxSessions {
		evicted = m.evictOldestLocked()
	}

	now := m.opts.now()
	e := &entry{session: NewSession(id, now)}
	e.lastActive.Store(now.UnixNano())
	m.entries[id] = e
	m.mu.Unlock()

	m.observeRemoved(evicted, "capacity")
	if m.opts.observer != nil {
		m.opts.observer.ObserveSessionCreated()
	}
	return e
}

// evictOldestLocked removes the least recently active session that is not
// busy. The caller holds m.mu.
func (m *MemoryStore) evictOldestLocked() int {
	type candidate struct {
		id         string
		lastActive int64
	}
	candidates := make([]candidate, 0, len(m.entries))
	for id, e := range m.entries {
		candidates = append(candidates, candidate{id: id, lastActive: e.lastActive.Load()})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastActive < candidates[j].lastActive
	})

	for _, c := range candidates {
		e := m.entries[c.id]
		if !e.mu.TryLock() {
			continue
		}
		e.removed = true
		delete(m.entries, c.id)
		e.mu.Unlock()
		slog.Debug("Evicted oldest idle session at capacity", "capacity", m.config.MaxSessions)
		return 1
	}

	slog.Warn("Session capacity reached and every session is busy, exceeding ceiling",
		"capacity", m.config.MaxSessions)
	return 0
}

func (m *MemoryStore) check(id string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if id == "" {
		return ErrEmptyID
	}
	return nil
}

func (m *MemoryStore) observeRemoved(n int, reason string) {
	if n > 0 && m.opts.observer != nil {
		m.opts.observer.ObserveSessionsRemoved(n, reason)
	}
}

var _ Store = (*MemoryStore)(nil)
