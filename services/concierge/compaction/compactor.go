// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compaction keeps session history inside a size budget.
//
// # Description
//
// When a session grows past the budget, every turn except the most recent
// KeepRecent is replaced by a single summary turn. The recent turns are
// carried over untouched. Compaction is idempotent: a session already
// within budget is returned as-is.
package compaction

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianConcierge/services/concierge/sessions"
)

const (
	// DefaultBudget is the session size ceiling in characters.
	DefaultBudget = 12000

	// DefaultKeepRecent is the number of trailing turns kept verbatim.
	DefaultKeepRecent = 6

	// DefaultSummaryLimit caps the summary turn length in characters.
	DefaultSummaryLimit = 1200

	// SummaryHeader opens every summary turn.
	SummaryHeader = "Earlier conversation summary (compacted for context):"
)

// Summarizer condenses a span of turns into at most limit characters.
type Summarizer interface {
	Summarize(ctx context.Context, turns []sessions.Turn, limit int) (string, error)
}

// Config tunes the Compactor.
type Config struct {
	// Budget is the maximum session size after compaction. Default: 12000
	Budget int

	// KeepRecent turns are kept verbatim. Default: 6
	KeepRecent int

	// SummaryLimit caps the summary turn. Default: 1200
	SummaryLimit int
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Budget:       DefaultBudget,
		KeepRecent:   DefaultKeepRecent,
		SummaryLimit: DefaultSummaryLimit,
	}
}

// Compactor implements sessions.Compactor.
//
// # Description
//
// Compact guarantees Size <= Budget on the returned session. If the last
// KeepRecent turns alone do not leave room for the summary header, the
// kept suffix shrinks to the longest one that does.
//
// # Thread Safety
//
// Safe for concurrent use; it holds no mutable state.
type Compactor struct {
	config     Config
	summarizer Summarizer
}

// New creates a Compactor. A nil summarizer selects the extractive one.
func New(cfg Config, summarizer Summarizer) *Compactor {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = DefaultKeepRecent
	}
	if cfg.SummaryLimit <= 0 {
		cfg.SummaryLimit = DefaultSummaryLimit
	}
	if summarizer == nil {
		summarizer = ExtractiveSummarizer{}
	}
	return &Compactor{config: cfg, summarizer: summarizer}
}

// Config returns the effective settings.
func (c *Compactor) Config() Config { return c.config }

// NeedsCompaction reports whether s is over budget.
func (c *Compactor) NeedsCompaction(s *sessions.Session) bool {
	return s != nil && s.Size > c.config.Budget
}

// Compact implements sessions.Compactor.
//
// # Outputs
//
//   - *sessions.Session: s itself when unchanged, else a new session.
//   - bool: true if turns were replaced.
//   - error: never non-nil today; summarizer failures fall back to the
//     extractive summary.
func (c *Compactor) Compact(ctx context.Context, s *sessions.Session) (*sessions.Session, bool, error) {
	if !c.NeedsCompaction(s) {
		return s, false, nil
	}

	headerLen := utf8.RuneCountInString(SummaryHeader)
	turns := s.Turns

	keep := c.config.KeepRecent
	if keep > len(turns) {
		keep = len(turns)
	}
	for keep > 0 && sessions.TurnsSize(turns[len(turns)-keep:])+headerLen > c.config.Budget {
		keep--
	}
	older := turns[:len(turns)-keep]
	recent := turns[len(turns)-keep:]
	if len(older) == 0 {
		// Unreachable while Size > Budget, kept so a bad Size never panics.
		return s, false, nil
	}

	room := c.config.Budget - sessions.TurnsSize(recent)
	limit := c.config.SummaryLimit
	if limit > room {
		limit = room
	}
	bodyLimit := limit - headerLen - 1

	body := ""
	if bodyLimit > 0 {
		var err error
		body, err = c.summarizer.Summarize(ctx, older, bodyLimit)
		if err != nil {
			slog.Warn("Summarizer failed, using extractive summary", "session_id", s.ID, "error", err)
			body, _ = ExtractiveSummarizer{}.Summarize(ctx, older, bodyLimit)
		}
	}

	content := SummaryHeader
	if body != "" {
		content += "\n" + body
	}
	content = truncateRunes(content, limit)

	summary := sessions.Turn{
		Role:    sessions.RoleSummary,
		Content: content,
		At:      older[len(older)-1].At,
	}

	out := s.Clone()
	out.Turns = append([]sessions.Turn{summary}, out.Turns[len(turns)-keep:]...)
	out.Recompute()

	slog.Debug("Compacted session",
		"session_id", s.ID,
		"replaced_turns", len(older),
		"kept_turns", keep,
		"size_before", s.Size,
		"size_after", out.Size)
	return out, true, nil
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

var _ sessions.Compactor = (*Compactor)(nil)
