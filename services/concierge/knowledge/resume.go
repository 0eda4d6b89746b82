// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge loads the resume and system prompt the assistant
// answers from, renders the static fallback context, and produces the
// chunks indexed for retrieval.
package knowledge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// ErrResumeNotFound is returned when the resume file does not exist.
var ErrResumeNotFound = errors.New("resume data not found")

// Resume is the structured profile. Unknown fields are ignored.
type Resume struct {
	Personal   Personal     `json:"personal"`
	Experience []Experience `json:"experience"`
	Projects   []Project    `json:"projects"`
	Skills     SkillSet     `json:"skills"`
}

// Personal holds identity and contact fields.
type Personal struct {
	Name     string `json:"name"`
	Title    string `json:"title"`
	Location string `json:"location"`
	Summary  string `json:"summary"`
	Email    string `json:"email"`
	LinkedIn string `json:"linkedin"`
	Phone    string `json:"phone"`
	GitHub   string `json:"github"`
	Website  string `json:"website"`
}

// Experience is one job.
type Experience struct {
	Role         string   `json:"role"`
	Company      string   `json:"company"`
	Duration     string   `json:"duration"`
	Description  string   `json:"description"`
	Achievements []string `json:"achievements"`
	Technologies []string `json:"technologies"`
}

// Project is one portfolio project.
type Project struct {
	Name          string        `json:"name"`
	Tagline       string        `json:"tagline"`
	Description   string        `json:"description"`
	Highlights    []string      `json:"highlights"`
	ProblemSolved string        `json:"problem_solved"`
	Impact        string        `json:"impact"`
	Context       string        `json:"context"`
	Timeframe     string        `json:"timeframe"`
	TechStack     []string      `json:"tech_stack"`
	Architecture  *Architecture `json:"architecture_details,omitempty"`
}

// Architecture is the optional deep-dive on a project.
type Architecture struct {
	Frontend         string   `json:"frontend"`
	Backend          string   `json:"backend"`
	AIOrchestration  string   `json:"ai_orchestration"`
	DataLayer        string   `json:"data_layer"`
	CoreCapabilities []string `json:"core_capabilities"`
}

// SkillCategory is one named skill list.
type SkillCategory struct {
	Name   string
	Skills []string
}

// SkillSet keeps skill categories in file order.
type SkillSet []SkillCategory

// UnmarshalJSON decodes a {"category": ["skill", ...]} object preserving
// key order.
func (s *SkillSet) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*s = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("skills: expected object, got %v", tok)
	}

	var out SkillSet
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("skills: expected key, got %v", keyTok)
		}
		var skills []string
		if err := dec.Decode(&skills); err != nil {
			return fmt.Errorf("skills.%s: %w", key, err)
		}
		out = append(out, SkillCategory{Name: key, Skills: skills})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = out
	return nil
}

// MarshalJSON writes the categories back as an ordered object.
func (s SkillSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c.Name)
		if err != nil {
			return nil, err
		}
		skills := c.Skills
		if skills == nil {
			skills = []string{}
		}
		val, err := json.Marshal(skills)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Category returns the named category, if present.
func (s SkillSet) Category(name string) (SkillCategory, bool) {
	for _, c := range s {
		if c.Name == name {
			return c, true
		}
	}
	return SkillCategory{}, false
}

// ParseResume decodes JSON. Comments and trailing commas are tolerated.
func ParseResume(data []byte) (*Resume, error) {
	var r Resume
	if err := json.Unmarshal(jsonc.ToJSON(data), &r); err != nil {
		return nil, fmt.Errorf("resume data is not valid JSON: %w", err)
	}
	return &r, nil
}

// LoadResume reads and parses the resume at path.
func LoadResume(path string) (*Resume, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrResumeNotFound, path)
		}
		return nil, fmt.Errorf("unable to read resume data %s: %w", path, err)
	}
	return ParseResume(data)
}

// ContactLine renders the "how to reach them" sentence used in apologies
// and redirects. It is empty when the resume has no contact fields.
func (r *Resume) ContactLine() string {
	if r == nil {
		return ""
	}
	p := r.Personal
	var channels []string
	if p.Email != "" {
		channels = append(channels, "email at "+p.Email)
	}
	if p.LinkedIn != "" {
		channels = append(channels, "LinkedIn at "+p.LinkedIn)
	}
	if len(channels) == 0 && p.Website != "" {
		channels = append(channels, "the contact form at "+p.Website)
	}
	if len(channels) == 0 {
		return ""
	}
	who := p.Name
	if who == "" {
		who = "the candidate"
	}
	line := "You can reach " + who + " via " + channels[0]
	if len(channels) > 1 {
		line += " or " + channels[1]
	}
	return line + "."
}
