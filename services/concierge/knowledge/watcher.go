// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses editor save bursts into one reload.
const DefaultDebounce = 300 * time.Millisecond

// ReloadFunc is called after each successful reload.
type ReloadFunc func(snap *Snapshot)

// Watcher reloads a Store when files in its data directory change.
//
// # Description
//
// The directory is watched rather than individual files so atomic
// rename-on-save by editors is observed. Only the resume and prompt files
// trigger reloads. Events are debounced.
//
// # Thread Safety
//
// Run must be called once. Close may be called at any time, from any
// goroutine, and more than once.
type Watcher struct {
	store    *Store
	debounce time.Duration
	onReload ReloadFunc
	watcher  *fsnotify.Watcher

	closeOnce sync.Once
	closeErr  error
}

// NewWatcher starts watching store.Dir(). onReload may be nil.
func NewWatcher(store *Store, debounce time.Duration, onReload ReloadFunc) (*Watcher, error) {
	if store.Dir() == "" {
		return nil, errors.New("store has no data directory to watch")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(store.Dir()); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", store.Dir(), err)
	}
	return &Watcher{store: store, debounce: debounce, onReload: onReload, watcher: fw}, nil
}

// Run processes events until ctx is done or Close is called, then
// closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.Close()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			slog.Debug("Knowledge file changed", "path", event.Name, "op", event.Op.String())
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Knowledge watcher error", "error", err)

		case <-timer.C:
			if err := w.store.Reload(); err != nil {
				slog.Error("Knowledge reload failed, keeping previous data", "error", err)
				continue
			}
			if w.onReload != nil {
				w.onReload(w.store.Current())
			}
		}
	}
}

// Close releases the fsnotify descriptor. A running Run returns.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.watcher.Close()
	})
	return w.closeErr
}

func relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	switch filepath.Base(event.Name) {
	case ResumeFile, ResumeFileJSONC, SystemPromptFile:
		return true
	}
	return false
}
