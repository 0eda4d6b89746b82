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
	"time"
	"unicode/utf8"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleTool marks a tool result fed back to the model.
	RoleTool Role = "tool"

	// RoleSummary marks the synthetic turn produced by compaction.
	RoleSummary Role = "summary"
)

// ToolCall describes a tool invocation requested by the model. On an
// assistant turn it is the request; on a tool turn it identifies which
// request the result answers.
type ToolCall struct {
	ID        string `json:"id" cbor:"1,keyasint"`
	Name      string `json:"name" cbor:"2,keyasint"`
	Arguments string `json:"arguments,omitempty" cbor:"3,keyasint,omitempty"`
}

// Turn is one immutable entry in a session's history.
type Turn struct {
	Role     Role      `json:"role" cbor:"1,keyasint"`
	Content  string    `json:"content" cbor:"2,keyasint"`
	ToolCall *ToolCall `json:"tool_call,omitempty" cbor:"3,keyasint,omitempty"`
	IsError  bool      `json:"is_error,omitempty" cbor:"4,keyasint,omitempty"`
	At       time.Time `json:"at" cbor:"5,keyasint"`
}

// Size is the turn's contribution to the session size metric.
func (t Turn) Size() int {
	n := utf8.RuneCountInString(t.Content)
	if t.ToolCall != nil {
		n += utf8.RuneCountInString(t.ToolCall.Arguments)
	}
	return n
}

// Session is the server-side record of one conversation.
type Session struct {
	ID           string    `json:"id" cbor:"1,keyasint"`
	Turns        []Turn    `json:"turns" cbor:"2,keyasint"`
	CreatedAt    time.Time `json:"created_at" cbor:"3,keyasint"`
	LastActiveAt time.Time `json:"last_active_at" cbor:"4,keyasint"`

	// Size is the cumulative rune count of all turns.
	Size int `json:"size" cbor:"5,keyasint"`
}

// NewSession returns an empty session created at now.
func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:           id,
		Turns:        []Turn{},
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Turns = make([]Turn, len(s.Turns))
	for i, t := range s.Turns {
		if t.ToolCall != nil {
			tc := *t.ToolCall
			t.ToolCall = &tc
		}
		c.Turns[i] = t
	}
	return &c
}

// Recompute refreshes Size from the turn list.
func (s *Session) Recompute() {
	s.Size = TurnsSize(s.Turns)
}

// Expired reports whether the session has been idle longer than maxIdle.
func (s *Session) Expired(now time.Time, maxIdle time.Duration) bool {
	return maxIdle > 0 && now.Sub(s.LastActiveAt) > maxIdle
}

// TurnsSize sums Size over turns.
func TurnsSize(turns []Turn) int {
	n := 0
	for _, t := range turns {
		n += t.Size()
	}
	return n
}
