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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBadgerStore(t *testing.T, cfg Config, opts ...Option) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore(BadgerConfig{InMemory: true}, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenBadger_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}

func TestBadgerStore_AppendRoundTrip(t *testing.T) {
	store := newTestBadgerStore(t, DefaultConfig())
	ctx := context.Background()

	_, err := store.Append(ctx, "s1", userTurn("What companies?"))
	require.NoError(t, err)
	_, err = store.Append(ctx, "s1", Turn{
		Role:     RoleAssistant,
		ToolCall: &ToolCall{ID: "call_1", Name: "get_experience", Arguments: `{"company":"Acme"}`},
	})
	require.NoError(t, err)

	s, ok, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, s.Turns, 2)
	assert.Equal(t, "What companies?", s.Turns[0].Content)
	require.NotNil(t, s.Turns[1].ToolCall)
	assert.Equal(t, "get_experience", s.Turns[1].ToolCall.Name)
	assert.Equal(t, s.Turns[0].Size()+s.Turns[1].Size(), s.Size)
	assert.Equal(t, 1, store.Len())
}

func TestBadgerStore_PreservesTimestamps(t *testing.T) {
	clock := newTestClock()
	store := newTestBadgerStore(t, DefaultConfig(), WithClock(clock.Now))
	ctx := context.Background()

	_, err := store.Append(ctx, "s1", userTurn("hi"))
	require.NoError(t, err)

	s, _, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, clock.Now().Equal(s.LastActiveAt))
	assert.True(t, clock.Now().Equal(s.Turns[0].At))
}

func TestBadgerStore_ConcurrentAppends(t *testing.T) {
	store := newTestBadgerStore(t, DefaultConfig())
	ctx := context.Background()

	const writers = 30
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Append(ctx, "shared", userTurn(fmt.Sprintf("m%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	s, ok, err := store.Get(ctx, "shared")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, s.Turns, writers)
}

func TestBadgerStore_ExpireSweep(t *testing.T) {
	clock := newTestClock()
	store := newTestBadgerStore(t, Config{MaxIdle: time.Hour}, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = store.Append(ctx, "stale", userTurn("a"))
	clock.Advance(50 * time.Minute)
	_, _ = store.Append(ctx, "fresh", userTurn("b"))
	clock.Advance(20 * time.Minute)

	removed, err := store.ExpireSweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())
}

func TestBadgerStore_CapacityEviction(t *testing.T) {
	clock := newTestClock()
	store := newTestBadgerStore(t, Config{MaxIdle: time.Hour, MaxSessions: 2}, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = store.Append(ctx, "a", userTurn("1"))
	clock.Advance(time.Second)
	_, _ = store.Append(ctx, "b", userTurn("2"))
	clock.Advance(time.Second)
	_, _ = store.Append(ctx, "a", userTurn("3"))
	clock.Advance(time.Second)
	_, _ = store.Append(ctx, "c", userTurn("4"))

	assert.Equal(t, 2, store.Len())
	_, ok, _ := store.Get(ctx, "b")
	assert.False(t, ok)
}

func TestBadgerStore_EvictionSkipsRefreshedCandidate(t *testing.T) {
	clock := newTestClock()
	store := newTestBadgerStore(t, Config{MaxIdle: time.Hour, MaxSessions: 2}, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = store.Append(ctx, "a", userTurn("1"))
	stale, err := store.load("a")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, _ = store.Append(ctx, "b", userTurn("2"))
	clock.Advance(time.Second)
	_, _ = store.Append(ctx, "a", userTurn("3"))

	evicted, err := store.evictIfUnchanged(stale)
	require.NoError(t, err)
	assert.False(t, evicted)
	_, ok, _ := store.Get(ctx, "a")
	assert.True(t, ok)

	unlock := store.locks.lock("b")
	current, err := store.load("b")
	require.NoError(t, err)
	evicted, err = store.evictIfUnchanged(current)
	require.NoError(t, err)
	assert.False(t, evicted)
	unlock()

	evicted, err = store.evictIfUnchanged(current)
	require.NoError(t, err)
	assert.True(t, evicted)
	assert.Equal(t, 1, store.Len())
}

func TestBadgerStore_ConcurrentEvictionKeepsCount(t *testing.T) {
	store := newTestBadgerStore(t, Config{MaxIdle: time.Hour, MaxSessions: 4})
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 30 {
				_, _ = store.Append(ctx, fmt.Sprintf("s%d", (g*7+i)%12), userTurn("x"))
			}
		}()
	}
	wg.Wait()

	n, err := store.countKeys()
	require.NoError(t, err)
	assert.Equal(t, n, store.Len())
}

func TestKeyLocks_TryLock(t *testing.T) {
	locks := newKeyLocks()
	unlock := locks.lock("a")
	_, ok := locks.tryLock("a")
	assert.False(t, ok)
	unlock()

	unlock, ok = locks.tryLock("a")
	require.True(t, ok)
	assert.True(t, locks.busy("a"))
	unlock()
	assert.False(t, locks.busy("a"))
}

func TestBadgerStore_DeleteAndClear(t *testing.T) {
	store := newTestBadgerStore(t, DefaultConfig())
	ctx := context.Background()

	_, _ = store.Append(ctx, "a", userTurn("1"))
	_, _ = store.Append(ctx, "b", userTurn("2"))

	require.NoError(t, store.Delete(ctx, "a"))
	require.NoError(t, store.Delete(ctx, "a"))
	assert.Equal(t, 1, store.Len())

	n, err := store.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, store.Len())
}

func TestKeyLocks_ReleasesUnusedKeys(t *testing.T) {
	locks := newKeyLocks()
	unlock := locks.lock("a")
	assert.True(t, locks.busy("a"))
	unlock()
	assert.False(t, locks.busy("a"))
}
