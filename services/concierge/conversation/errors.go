// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTransition indicates the orchestrator attempted a transition
	// outside the turn graph.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrRateLimitExceeded is returned when the client's window is full.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrUnknownTool indicates the model asked for a tool outside the
	// registry.
	ErrUnknownTool = errors.New("unknown tool")
)

// ValidationError describes malformed or oversize input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RateLimitError carries the cooldown. It matches ErrRateLimitExceeded.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrRateLimitExceeded, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimitExceeded }

// ProviderError wraps a failed model round-trip. Err is internal and never
// shown to users.
type ProviderError struct {
	Timeout bool
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("provider timeout: %v", e.Err)
	}
	return fmt.Sprintf("provider error: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderTimeout reports whether err is a ProviderError caused by a
// deadline.
func IsProviderTimeout(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Timeout
}

// ToolValidationError is fed back to the model as a tool-error turn so it
// can correct itself. It never reaches the caller.
type ToolValidationError struct {
	Tool   string
	Reason string
}

func (e *ToolValidationError) Error() string {
	return fmt.Sprintf("invalid call to %s: %s", e.Tool, e.Reason)
}
