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
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianConcierge/services/concierge/knowledge"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(BuiltinTools()...)
	require.NoError(t, err)
	return r
}

func testSnapshot() *knowledge.Snapshot {
	return knowledge.NewStaticStore(testResume(), "").Current()
}

// =============================================================================
// Registry
// =============================================================================

func TestNewRegistry_Rejects(t *testing.T) {
	noop := func(context.Context, *knowledge.Snapshot, Args) (string, error) { return "", nil }

	_, err := NewRegistry(Tool{Name: "a", Handler: noop}, Tool{Name: "a", Handler: noop})
	assert.Error(t, err)

	_, err = NewRegistry(Tool{Name: "a"})
	assert.Error(t, err)
}

func TestRegistry_Definitions(t *testing.T) {
	r := builtinRegistry(t)
	assert.Equal(t, []string{ToolGetExperience, ToolGetProjects, ToolGetSkills, ToolSearchProfile, ToolGetContact}, r.Names())

	defs := r.Definitions()
	require.Len(t, defs, 5)
	search := defs[3]
	assert.Equal(t, ToolSearchProfile, search.Name)
	assert.Equal(t, "object", search.Parameters["type"])
	assert.Equal(t, []string{"query"}, search.Parameters["required"])
	props := search.Parameters["properties"].(map[string]any)
	limit := props["limit"].(map[string]any)
	assert.Equal(t, "integer", limit["type"])
	assert.Equal(t, maxSearchLimit, limit["maximum"])

	contact := defs[4]
	assert.Empty(t, contact.Parameters["properties"])
	assert.Equal(t, []string{}, contact.Parameters["required"])
}

func TestRegistry_Validate(t *testing.T) {
	r := builtinRegistry(t)

	tests := []struct {
		name   string
		call   llm.ToolCall
		reason string
	}{
		{"unknown tool", llm.ToolCall{Name: "rm_rf"}, "unknown tool"},
		{"malformed json", llm.ToolCall{Name: ToolGetSkills, Arguments: `{"category":`}, "not a JSON object"},
		{"trailing data", llm.ToolCall{Name: ToolGetExperience, Arguments: `{"company":"Acme"} {"rm":"-rf"} not json`}, "not a JSON object"},
		{"second object", llm.ToolCall{Name: ToolGetExperience, Arguments: `{"company":"Acme"}{}`}, "not a JSON object"},
		{"array args", llm.ToolCall{Name: ToolGetSkills, Arguments: `["x"]`}, "not a JSON object"},
		{"missing required", llm.ToolCall{Name: ToolSearchProfile, Arguments: `{}`}, `missing required parameter "query"`},
		{"blank required", llm.ToolCall{Name: ToolSearchProfile, Arguments: `{"query":"  "}`}, "must not be empty"},
		{"wrong type", llm.ToolCall{Name: ToolGetExperience, Arguments: `{"company": 7}`}, "must be a string"},
		{"unknown param", llm.ToolCall{Name: ToolGetContact, Arguments: `{"x": 1}`}, `unknown parameter "x"`},
		{"fractional int", llm.ToolCall{Name: ToolSearchProfile, Arguments: `{"query":"go","limit":1.5}`}, "must be an integer"},
		{"int out of range", llm.ToolCall{Name: ToolSearchProfile, Arguments: `{"query":"go","limit":50}`}, "between 1 and 5"},
		{"string as int", llm.ToolCall{Name: ToolSearchProfile, Arguments: `{"query":"go","limit":"3"}`}, "must be an integer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := r.Validate(tt.call)
			require.Error(t, err)
			var tve *ToolValidationError
			require.True(t, errors.As(err, &tve))
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestRegistry_ValidateConverts(t *testing.T) {
	r := builtinRegistry(t)

	tool, args, err := r.Validate(llm.ToolCall{Name: ToolSearchProfile, Arguments: `{"query":" kafka ","limit":2}`})
	require.NoError(t, err)
	assert.Equal(t, ToolSearchProfile, tool.Name)
	assert.Equal(t, "kafka", args.String("query"))
	assert.Equal(t, 2, args.Int("limit", 0))

	_, args, err = r.Validate(llm.ToolCall{Name: ToolGetContact, Arguments: ""})
	require.NoError(t, err)
	assert.Empty(t, args)

	_, args, err = r.Validate(llm.ToolCall{Name: ToolGetExperience, Arguments: `{"company": null}`})
	require.NoError(t, err)
	assert.Equal(t, "", args.String("company"))
}

// =============================================================================
// Built-in tools
// =============================================================================

func runTool(t *testing.T, name, arguments string) string {
	t.Helper()
	tool, args, err := builtinRegistry(t).Validate(llm.ToolCall{Name: name, Arguments: arguments})
	require.NoError(t, err)
	out, err := tool.Handler(context.Background(), testSnapshot(), args)
	require.NoError(t, err)
	return out
}

func TestGetExperience(t *testing.T) {
	all := runTool(t, ToolGetExperience, `{}`)
	assert.Contains(t, all, "Staff Engineer at Acme (2021-2024)")
	assert.Contains(t, all, "Engineer at Globex")
	assert.Contains(t, all, "- Cut latency 40%")
	assert.Contains(t, all, "Technologies: Go")

	one := runTool(t, ToolGetExperience, `{"company":"GLOBEX"}`)
	assert.NotContains(t, one, "Acme")

	none := runTool(t, ToolGetExperience, `{"company":"Initech"}`)
	assert.Equal(t, `No experience found at a company matching "Initech".`, none)
}

func TestGetProjects(t *testing.T) {
	assert.Contains(t, runTool(t, ToolGetProjects, `{"keyword":"weaviate"}`), "Aleutian: Local AI platform")
	assert.Equal(t, `No projects match "rust".`, runTool(t, ToolGetProjects, `{"keyword":"rust"}`))
}

func TestGetSkills(t *testing.T) {
	assert.Equal(t, "technical: Go, Python\nleadership: Mentoring", runTool(t, ToolGetSkills, `{}`))
	assert.Equal(t, "leadership: Mentoring", runTool(t, ToolGetSkills, `{"category":"Leadership"}`))
	assert.Equal(t, `No skill category "design". Available categories: technical, leadership.`,
		runTool(t, ToolGetSkills, `{"category":"design"}`))
}

func TestSearchProfile(t *testing.T) {
	out := runTool(t, ToolSearchProfile, `{"query":"Which project uses Weaviate?","limit":1}`)
	assert.Contains(t, out, "## Aleutian")

	assert.Equal(t, "The query has no searchable words.", runTool(t, ToolSearchProfile, `{"query":"what is the"}`))
	assert.Contains(t, runTool(t, ToolSearchProfile, `{"query":"cobol"}`), "Nothing in the profile matches")
}

func TestSearchTerms(t *testing.T) {
	assert.Equal(t, []string{"c++", "go", "kafka"}, searchTerms("C++, Go and Kafka? go!"))
}

func TestGetContact(t *testing.T) {
	assert.Equal(t, testResume().ContactLine(), runTool(t, ToolGetContact, ``))

	empty := knowledge.NewStaticStore(&knowledge.Resume{}, "").Current()
	out, err := getContact(context.Background(), empty, nil)
	require.NoError(t, err)
	assert.Equal(t, "No contact details are listed.", out)
}

// =============================================================================
// State machine
// =============================================================================

func TestStateMachine_Transitions(t *testing.T) {
	sm := NewStateMachine()

	assert.True(t, sm.CanTransition(StateReceived, StateRetrieving))
	assert.True(t, sm.CanTransition(StateExecutingTool, StateAwaitingModel))
	assert.True(t, sm.CanTransition(StateToolCall, StateMaxIterations))
	assert.False(t, sm.CanTransition(StateReceived, StateFinal))
	assert.False(t, sm.CanTransition(StateDone, StateReceived))
	assert.False(t, sm.CanTransition(StateTimeout, StateAwaitingModel))

	assert.Equal(t, []State{StateFinal, StateToolCall, StateTimeout, StateProviderError},
		sm.ValidTransitionsFrom(StateAwaitingModel))

	for _, s := range AllStates() {
		if s.IsTerminal() {
			assert.Empty(t, sm.ValidTransitionsFrom(s), s)
		}
	}
}

func TestRun_InvalidTransition(t *testing.T) {
	r := newRun(NewStateMachine())
	err := r.to(StateFinal)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateReceived, r.state)

	require.NoError(t, r.to(StateRetrieving))
	assert.Equal(t, []State{StateReceived, StateRetrieving}, r.Path())
}

func TestErrors(t *testing.T) {
	rl := &RateLimitError{}
	assert.ErrorIs(t, rl, ErrRateLimitExceeded)

	pe := &ProviderError{Timeout: true, Err: context.DeadlineExceeded}
	assert.True(t, IsProviderTimeout(pe))
	assert.ErrorIs(t, pe, context.DeadlineExceeded)
	assert.False(t, IsProviderTimeout(&ProviderError{Err: errors.New("x")}))

	assert.True(t, IsValidation(&ValidationError{Field: "message", Reason: "must not be empty"}))
	assert.False(t, IsValidation(rl))
}
