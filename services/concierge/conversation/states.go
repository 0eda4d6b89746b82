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
	"fmt"
)

// State is one step of a turn.
type State string

const (
	StateReceived      State = "RECEIVED"
	StateRetrieving    State = "RETRIEVING"
	StateAwaitingModel State = "AWAITING_MODEL"
	StateFinal         State = "FINAL"
	StateToolCall      State = "TOOL_CALL"
	StateExecutingTool State = "EXECUTING_TOOL"
	StateDone          State = "DONE"

	// Error exits.
	StateTimeout       State = "TIMEOUT"
	StateMaxIterations State = "MAX_ITERATIONS"
	StateProviderError State = "PROVIDER_ERROR"
)

// String implements fmt.Stringer.
func (s State) String() string { return string(s) }

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateTimeout || s == StateProviderError
}

// AllStates returns every state.
func AllStates() []State {
	return []State{
		StateReceived,
		StateRetrieving,
		StateAwaitingModel,
		StateFinal,
		StateToolCall,
		StateExecutingTool,
		StateDone,
		StateTimeout,
		StateMaxIterations,
		StateProviderError,
	}
}

// StateMachine holds the valid transitions of a turn.
//
// The graph:
//
//	RECEIVED → RETRIEVING             : Turn admitted
//	RETRIEVING → AWAITING_MODEL       : Context resolved (vector or fallback)
//	AWAITING_MODEL → FINAL            : Model answered
//	AWAITING_MODEL → TOOL_CALL        : Model requested tools
//	TOOL_CALL → EXECUTING_TOOL        : Calls validated, running handlers
//	TOOL_CALL → MAX_ITERATIONS        : Tool round budget spent
//	EXECUTING_TOOL → AWAITING_MODEL   : Results fed back
//	FINAL → DONE                      : Reply persisted
//	MAX_ITERATIONS → DONE             : Partial answer persisted
//	AWAITING_MODEL, EXECUTING_TOOL → TIMEOUT | PROVIDER_ERROR
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type StateMachine struct {
	transitions map[State]map[State]bool
}

// NewStateMachine builds the turn graph.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{transitions: make(map[State]map[State]bool)}
	for _, s := range AllStates() {
		sm.transitions[s] = make(map[State]bool)
	}

	sm.add(StateReceived, StateRetrieving)
	sm.add(StateRetrieving, StateAwaitingModel)

	sm.add(StateAwaitingModel, StateFinal)
	sm.add(StateAwaitingModel, StateToolCall)
	sm.add(StateAwaitingModel, StateTimeout)
	sm.add(StateAwaitingModel, StateProviderError)

	sm.add(StateToolCall, StateExecutingTool)
	sm.add(StateToolCall, StateMaxIterations)

	sm.add(StateExecutingTool, StateAwaitingModel)
	sm.add(StateExecutingTool, StateTimeout)
	sm.add(StateExecutingTool, StateProviderError)

	sm.add(StateFinal, StateDone)
	sm.add(StateMaxIterations, StateDone)
	return sm
}

func (sm *StateMachine) add(from, to State) {
	sm.transitions[from][to] = true
}

// CanTransition reports whether from → to is allowed.
func (sm *StateMachine) CanTransition(from, to State) bool {
	return sm.transitions[from][to]
}

// ValidTransitionsFrom lists the states reachable in one step, in
// declaration order.
func (sm *StateMachine) ValidTransitionsFrom(from State) []State {
	var out []State
	for _, s := range AllStates() {
		if sm.transitions[from][s] {
			out = append(out, s)
		}
	}
	return out
}

// run tracks one turn's progress through the machine.
type run struct {
	sm    *StateMachine
	state State
	path  []State
}

func newRun(sm *StateMachine) *run {
	return &run{sm: sm, state: StateReceived, path: []State{StateReceived}}
}

// to moves the run. An invalid transition is a bug in the orchestrator.
func (r *run) to(next State) error {
	if !r.sm.CanTransition(r.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.state, next)
	}
	r.state = next
	r.path = append(r.path, next)
	return nil
}

func (r *run) Path() []State {
	out := make([]State, len(r.path))
	copy(out, r.path)
	return out
}
