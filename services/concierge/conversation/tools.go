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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianConcierge/services/concierge/knowledge"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/llm"
)

// ParamType is the JSON type of a tool parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
)

// ToolParam describes one argument.
type ToolParam struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Enum        []string

	// MaxLength bounds strings in runes. Min and Max bound integers.
	// Zero means unbounded.
	MaxLength int
	Min, Max  int
}

// Handler computes a tool result from the current knowledge snapshot.
// Handlers must not have side effects.
type Handler func(ctx context.Context, snap *knowledge.Snapshot, args Args) (string, error)

// Tool is one entry of the fixed registry.
type Tool struct {
	Name        string
	Description string
	Params      []ToolParam
	Handler     Handler
}

// Args holds validated arguments. Integers are stored as int.
type Args map[string]any

// String returns a string argument or "".
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns an integer argument or def.
func (a Args) Int(name string, def int) int {
	if n, ok := a[name].(int); ok {
		return n
	}
	return def
}

// Registry is the closed set of tools offered to the model.
//
// # Description
//
// Built once at construction; there is no runtime registration. Calls are
// validated against each tool's parameter schema before a handler runs.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Registry struct {
	tools       map[string]Tool
	order       []string
	definitions []llm.ToolDefinition
}

// NewRegistry builds a registry. Duplicate names or tools without a
// handler are rejected.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t.Name == "" || t.Handler == nil {
			return nil, fmt.Errorf("tool %q: name and handler are required", t.Name)
		}
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("tool %q registered twice", t.Name)
		}
		r.tools[t.Name] = t
		r.order = append(r.order, t.Name)
		r.definitions = append(r.definitions, t.definition())
	}
	return r, nil
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.order)
}

// Definitions returns the tool schemas sent to the model.
func (r *Registry) Definitions() []llm.ToolDefinition {
	return slices.Clone(r.definitions)
}

func (t Tool) definition() llm.ToolDefinition {
	properties := make(map[string]any, len(t.Params))
	required := []string{}
	for _, p := range t.Params {
		prop := map[string]any{"type": string(p.Type), "description": p.Description}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.MaxLength > 0 {
			prop["maxLength"] = p.MaxLength
		}
		if p.Type == ParamInteger && p.Max > 0 {
			prop["minimum"] = p.Min
			prop["maximum"] = p.Max
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return llm.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters: map[string]any{
			"type":                 "object",
			"properties":           properties,
			"required":             required,
			"additionalProperties": false,
		},
	}
}

var errTrailingData = errors.New("trailing data after arguments")

// Validate checks a call against the registry.
//
// # Outputs
//
//   - Tool: The matched tool.
//   - Args: Arguments converted to Go types.
//   - error: *ToolValidationError for unknown tools, malformed JSON,
//     unknown or missing parameters, and type or range violations.
func (r *Registry) Validate(call llm.ToolCall) (Tool, Args, error) {
	tool, ok := r.tools[call.Name]
	if !ok {
		return Tool{}, nil, &ToolValidationError{Tool: call.Name, Reason: ErrUnknownTool.Error()}
	}

	raw := map[string]any{}
	if body := strings.TrimSpace(call.Arguments); body != "" {
		dec := json.NewDecoder(bytes.NewReader([]byte(body)))
		dec.UseNumber()
		err := dec.Decode(&raw)
		if err == nil && dec.Decode(&struct{}{}) != io.EOF {
			err = errTrailingData
		}
		if err != nil {
			return tool, nil, &ToolValidationError{Tool: tool.Name, Reason: "arguments are not a JSON object"}
		}
	}

	args := make(Args, len(raw))
	known := make(map[string]bool, len(tool.Params))
	for _, p := range tool.Params {
		known[p.Name] = true
		v, present := raw[p.Name]
		if !present || v == nil {
			if p.Required {
				return tool, nil, &ToolValidationError{Tool: tool.Name, Reason: fmt.Sprintf("missing required parameter %q", p.Name)}
			}
			continue
		}
		converted, err := p.check(v)
		if err != nil {
			return tool, nil, &ToolValidationError{Tool: tool.Name, Reason: err.Error()}
		}
		args[p.Name] = converted
	}
	for name := range raw {
		if !known[name] {
			return tool, nil, &ToolValidationError{Tool: tool.Name, Reason: fmt.Sprintf("unknown parameter %q", name)}
		}
	}
	return tool, args, nil
}

func (p ToolParam) check(v any) (any, error) {
	switch p.Type {
	case ParamString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("parameter %q must be a string", p.Name)
		}
		s = strings.TrimSpace(s)
		if p.Required && s == "" {
			return nil, fmt.Errorf("parameter %q must not be empty", p.Name)
		}
		if p.MaxLength > 0 && utf8.RuneCountInString(s) > p.MaxLength {
			return nil, fmt.Errorf("parameter %q exceeds %d characters", p.Name, p.MaxLength)
		}
		if len(p.Enum) > 0 && s != "" && !slices.Contains(p.Enum, strings.ToLower(s)) {
			return nil, fmt.Errorf("parameter %q must be one of %s", p.Name, strings.Join(p.Enum, ", "))
		}
		return s, nil

	case ParamInteger:
		num, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("parameter %q must be an integer", p.Name)
		}
		f, err := num.Float64()
		if err != nil || f != math.Trunc(f) {
			return nil, fmt.Errorf("parameter %q must be an integer", p.Name)
		}
		n := int(f)
		if p.Max > 0 && (n < p.Min || n > p.Max) {
			return nil, fmt.Errorf("parameter %q must be between %d and %d", p.Name, p.Min, p.Max)
		}
		return n, nil
	}
	return nil, fmt.Errorf("parameter %q has unsupported type %s", p.Name, p.Type)
}
