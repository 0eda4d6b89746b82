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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

// =============================================================================
// Database
// =============================================================================

// BadgerConfig configures the embedded database behind BadgerStore.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory.
	Path string

	// InMemory keeps the database in RAM (tests).
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is how often the value log is garbage collected. 0 disables.
	GCInterval time.Duration

	// GCDiscardRatio is passed to RunValueLogGC. Default: 0.5
	GCDiscardRatio float64
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens the session database.
func OpenBadger(cfg BadgerConfig) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent session store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create session store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: slog.With("component", "session_store")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return db, nil
}

// gcRunner periodically compacts the value log.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func (r *gcRunner) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.db.RunValueLogGC(r.ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				slog.Warn("Session store value log GC error", "error", err)
			}
		}
	}
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

// =============================================================================
// Per-session locks
// =============================================================================

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyLocks hands out one mutex per key and frees it when unused, so
// distinct sessions never share a lock.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// tryLock takes key only if nobody holds or awaits it.
func (k *keyLocks) tryLock(key string) (func(), bool) {
	k.mu.Lock()
	if _, held := k.locks[key]; held {
		k.mu.Unlock()
		return nil, false
	}
	k.mu.Unlock()
	return k.lock(key), true
}

// busy reports whether key is currently held or awaited.
func (k *keyLocks) busy(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.locks[key]
	return ok
}

// =============================================================================
// Store
// =============================================================================

const sessionKeyPrefix = "session/"

// BadgerStore persists sessions in badger, CBOR-encoded.
//
// # Description
//
// Each session is one key written with a TTL equal to the idle age, so
// abandoned sessions disappear even if no sweep runs. Every
// read-modify-write of a session happens under that session's key lock.
//
// # Limitations
//
//   - Capacity eviction scans every session and is O(n).
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	ownsDB bool
	config Config
	opts   options
	locks  *keyLocks
	enc    cbor.EncMode
	count  atomic.Int64
	gc     *gcRunner
	closed atomic.Bool
}

// NewBadgerStore opens a database per bcfg and wraps it.
func NewBadgerStore(bcfg BadgerConfig, cfg Config, opts ...Option) (*BadgerStore, error) {
	db, err := OpenBadger(bcfg)
	if err != nil {
		return nil, err
	}
	s, err := newBadgerStore(db, cfg, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true

	if bcfg.GCInterval > 0 && !bcfg.InMemory {
		ratio := bcfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		s.gc = &gcRunner{
			db:       db,
			interval: bcfg.GCInterval,
			ratio:    ratio,
			stopCh:   make(chan struct{}),
			doneCh:   make(chan struct{}),
		}
		go s.gc.run()
	}
	return s, nil
}

// NewBadgerStoreFromDB wraps an already open database. The caller keeps
// ownership of db.
func NewBadgerStoreFromDB(db *badger.DB, cfg Config, opts ...Option) (*BadgerStore, error) {
	return newBadgerStore(db, cfg, opts...)
}

func newBadgerStore(db *badger.DB, cfg Config, opts ...Option) (*BadgerStore, error) {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("build session codec: %w", err)
	}
	s := &BadgerStore{
		db:     db,
		config: applyDefaults(cfg),
		opts:   buildOptions(opts),
		locks:  newKeyLocks(),
		enc:    enc,
	}
	n, err := s.countKeys()
	if err != nil {
		return nil, err
	}
	s.count.Store(int64(n))
	return s, nil
}

// GetOrCreate implements Store.
func (b *BadgerStore) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if err := b.check(id); err != nil {
		return nil, err
	}
	unlock := b.locks.lock(id)
	defer unlock()

	s, err := b.loadOrNew(ctx, id)
	if err != nil {
		return nil, err
	}
	s.LastActiveAt = b.opts.now()
	if err := b.save(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get implements Store.
func (b *BadgerStore) Get(_ context.Context, id string) (*Session, bool, error) {
	if err := b.check(id); err != nil {
		return nil, false, err
	}
	s, err := b.load(id)
	if err != nil {
		return nil, false, err
	}
	if s == nil || s.Expired(b.opts.now(), b.config.MaxIdle) {
		return nil, false, nil
	}
	return s, true, nil
}

// Append implements Store.
func (b *BadgerStore) Append(ctx context.Context, id string, turns ...Turn) (*Session, error) {
	if err := b.check(id); err != nil {
		return nil, err
	}
	unlock := b.locks.lock(id)
	defer unlock()

	s, err := b.loadOrNew(ctx, id)
	if err != nil {
		return nil, err
	}
	s = appendAndCompact(ctx, s, turns, b.opts)
	if err := b.save(s); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Delete implements Store.
func (b *BadgerStore) Delete(_ context.Context, id string) error {
	if err := b.check(id); err != nil {
		return err
	}
	unlock := b.locks.lock(id)
	defer unlock()

	existed := false
	err := b.db.Update(func(txn *badger.Txn) error {
		key := sessionKey(id)
		if _, err := txn.Get(key); err == nil {
			existed = true
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if existed {
		b.count.Add(-1)
		b.observeRemoved(1, "deleted")
	}
	return nil
}

// Clear implements Store.
func (b *BadgerStore) Clear(_ context.Context) (int, error) {
	n, err := b.countKeys()
	if err != nil {
		return 0, err
	}
	if err := b.db.DropPrefix([]byte(sessionKeyPrefix)); err != nil {
		return 0, fmt.Errorf("clear sessions: %w", err)
	}
	b.count.Store(0)
	b.observeRemoved(n, "cleared")
	return n, nil
}

// ExpireSweep implements Store.
func (b *BadgerStore) ExpireSweep(_ context.Context, now time.Time) (int, error) {
	var expired []string
	err := b.scan(func(s *Session) {
		if s.Expired(now, b.config.MaxIdle) {
			expired = append(expired, s.ID)
		}
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range expired {
		ok, err := b.deleteIfExpired(id, now)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	if n, err := b.countKeys(); err == nil {
		b.count.Store(int64(n))
	}
	b.observeRemoved(removed, "expired")
	return removed, nil
}

// Len implements Store.
func (b *BadgerStore) Len() int {
	return int(b.count.Load())
}

// Close implements Store.
func (b *BadgerStore) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.gc != nil {
		b.gc.stop()
	}
	if b.ownsDB {
		return b.db.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func (b *BadgerStore) loadOrNew(_ context.Context, id string) (*Session, error) {
	s, err := b.load(id)
	if err != nil {
		return nil, err
	}
	now := b.opts.now()
	if s != nil && !s.Expired(now, b.config.MaxIdle) {
		return s, nil
	}

	if s == nil {
		if b.config.MaxSessions > 0 && b.Len() >= b.config.MaxSessions {
			if err := b.evictOldest(id); err != nil {
				return nil, err
			}
		}
		b.count.Add(1)
	}
	if b.opts.observer != nil {
		b.opts.observer.ObserveSessionCreated()
	}
	return NewSession(id, now), nil
}

func (b *BadgerStore) load(id string) (*Session, error) {
	var s *Session
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decoded Session
			if err := cbor.Unmarshal(val, &decoded); err != nil {
				return fmt.Errorf("decode session %s: %w", id, err)
			}
			s = &decoded
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return s, nil
}

func (b *BadgerStore) save(s *Session) error {
	data, err := b.enc.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(sessionKey(s.ID), data).WithTTL(b.config.MaxIdle))
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// deleteIfExpired re-reads the session under its lock so a sweep never
// removes a session that an append refreshed after the scan.
func (b *BadgerStore) deleteIfExpired(id string, now time.Time) (bool, error) {
	unlock := b.locks.lock(id)
	defer unlock()

	s, err := b.load(id)
	if err != nil || s == nil || !s.Expired(now, b.config.MaxIdle) {
		return false, err
	}
	if err := b.deleteKey(id); err != nil {
		return false, fmt.Errorf("expire session: %w", err)
	}
	return true, nil
}

func (b *BadgerStore) deleteKey(id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(id))
	})
}

// evictOldest removes the least recently active idle session. Each
// candidate is locked and re-read before deletion, so a session refreshed
// or removed since the scan is skipped. tryLock keeps the caller, which
// already holds its own key, from waiting on another key.
func (b *BadgerStore) evictOldest(except string) error {
	var candidates []*Session
	err := b.scan(func(s *Session) {
		if s.ID != except && !b.locks.busy(s.ID) {
			candidates = append(candidates, s)
		}
	})
	if err != nil {
		return err
	}
	slices.SortFunc(candidates, func(x, y *Session) int {
		return x.LastActiveAt.Compare(y.LastActiveAt)
	})

	for _, c := range candidates {
		evicted, err := b.evictIfUnchanged(c)
		if err != nil {
			return err
		}
		if evicted {
			return nil
		}
	}
	slog.Warn("Session capacity reached and every session is busy, exceeding ceiling",
		"capacity", b.config.MaxSessions)
	return nil
}

func (b *BadgerStore) evictIfUnchanged(candidate *Session) (bool, error) {
	unlock, ok := b.locks.tryLock(candidate.ID)
	if !ok {
		return false, nil
	}
	defer unlock()

	current, err := b.load(candidate.ID)
	if err != nil {
		return false, err
	}
	if current == nil || !current.LastActiveAt.Equal(candidate.LastActiveAt) {
		return false, nil
	}
	if err := b.deleteKey(candidate.ID); err != nil {
		return false, fmt.Errorf("evict session: %w", err)
	}
	b.count.Add(-1)
	b.observeRemoved(1, "capacity")
	return true, nil
}

func (b *BadgerStore) scan(fn func(*Session)) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessionKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var s Session
				if err := cbor.Unmarshal(val, &s); err != nil {
					return err
				}
				fn(&s)
				return nil
			})
			if err != nil {
				return fmt.Errorf("scan sessions: %w", err)
			}
		}
		return nil
	})
}

func (b *BadgerStore) countKeys() (int, error) {
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(sessionKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

func (b *BadgerStore) check(id string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if id == "" {
		return ErrEmptyID
	}
	return nil
}

func (b *BadgerStore) observeRemoved(n int, reason string) {
	if n > 0 && b.opts.observer != nil {
		b.opts.observer.ObserveSessionsRemoved(n, reason)
	}
}

func sessionKey(id string) []byte {
	return []byte(sessionKeyPrefix + id)
}

var _ Store = (*BadgerStore)(nil)
