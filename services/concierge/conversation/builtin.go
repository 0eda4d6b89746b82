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
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianConcierge/services/concierge/knowledge"
)

// Tool names.
const (
	ToolGetExperience = "get_experience"
	ToolGetProjects   = "get_projects"
	ToolGetSkills     = "get_skills"
	ToolSearchProfile = "search_profile"
	ToolGetContact    = "get_contact"
)

const (
	defaultSearchLimit = 3
	maxSearchLimit     = 5
)

// BuiltinTools returns the resume lookup tools.
func BuiltinTools() []Tool {
	return []Tool{
		{
			Name:        ToolGetExperience,
			Description: "List work experience with role, dates, achievements and technologies. Optionally filter by company name.",
			Params: []ToolParam{
				{Name: "company", Type: ParamString, Description: "Case-insensitive company name filter", MaxLength: 100},
			},
			Handler: getExperience,
		},
		{
			Name:        ToolGetProjects,
			Description: "List portfolio projects with highlights and tech stack. Optionally filter by a keyword.",
			Params: []ToolParam{
				{Name: "keyword", Type: ParamString, Description: "Word to match in project name, description or stack", MaxLength: 100},
			},
			Handler: getProjects,
		},
		{
			Name:        ToolGetSkills,
			Description: "List skills grouped by category. Optionally return one category such as technical or leadership.",
			Params: []ToolParam{
				{Name: "category", Type: ParamString, Description: "Skill category name", MaxLength: 50},
			},
			Handler: getSkills,
		},
		{
			Name:        ToolSearchProfile,
			Description: "Full-text search over every section of the profile. Use when other tools do not fit the question.",
			Params: []ToolParam{
				{Name: "query", Type: ParamString, Description: "Search words", Required: true, MaxLength: 200},
				{Name: "limit", Type: ParamInteger, Description: "Maximum sections to return", Min: 1, Max: maxSearchLimit},
			},
			Handler: searchProfile,
		},
		{
			Name:        ToolGetContact,
			Description: "Return how to contact the candidate.",
			Handler:     getContact,
		},
	}
}

func getExperience(_ context.Context, snap *knowledge.Snapshot, args Args) (string, error) {
	filter := strings.ToLower(args.String("company"))
	var b strings.Builder
	for _, e := range snap.Resume.Experience {
		if filter != "" && !strings.Contains(strings.ToLower(e.Company), filter) {
			continue
		}
		fmt.Fprintf(&b, "%s at %s", e.Role, e.Company)
		if e.Duration != "" {
			fmt.Fprintf(&b, " (%s)", e.Duration)
		}
		b.WriteString("\n")
		if e.Description != "" {
			b.WriteString(e.Description + "\n")
		}
		for _, a := range e.Achievements {
			b.WriteString("- " + a + "\n")
		}
		if len(e.Technologies) > 0 {
			b.WriteString("Technologies: " + strings.Join(e.Technologies, ", ") + "\n")
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		if filter != "" {
			return fmt.Sprintf("No experience found at a company matching %q.", args.String("company")), nil
		}
		return "No work experience is listed.", nil
	}
	return strings.TrimSpace(b.String()), nil
}

func getProjects(_ context.Context, snap *knowledge.Snapshot, args Args) (string, error) {
	keyword := strings.ToLower(args.String("keyword"))
	var b strings.Builder
	for _, p := range snap.Resume.Projects {
		if keyword != "" && !projectMatches(p, keyword) {
			continue
		}
		b.WriteString(p.Name)
		if p.Tagline != "" {
			b.WriteString(": " + p.Tagline)
		}
		if p.Timeframe != "" {
			fmt.Fprintf(&b, " (%s)", p.Timeframe)
		}
		b.WriteString("\n")
		if p.Description != "" {
			b.WriteString(p.Description + "\n")
		}
		for _, h := range p.Highlights {
			b.WriteString("- " + h + "\n")
		}
		if p.Impact != "" {
			b.WriteString("Impact: " + p.Impact + "\n")
		}
		if len(p.TechStack) > 0 {
			b.WriteString("Stack: " + strings.Join(p.TechStack, ", ") + "\n")
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		if keyword != "" {
			return fmt.Sprintf("No projects match %q.", args.String("keyword")), nil
		}
		return "No projects are listed.", nil
	}
	return strings.TrimSpace(b.String()), nil
}

func projectMatches(p knowledge.Project, keyword string) bool {
	fields := []string{p.Name, p.Tagline, p.Description, p.ProblemSolved, p.Impact, strings.Join(p.TechStack, " "), strings.Join(p.Highlights, " ")}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), keyword) {
			return true
		}
	}
	return false
}

func getSkills(_ context.Context, snap *knowledge.Snapshot, args Args) (string, error) {
	want := strings.ToLower(args.String("category"))
	var b strings.Builder
	var names []string
	for _, c := range snap.Resume.Skills {
		names = append(names, c.Name)
		if want != "" && strings.ToLower(c.Name) != want {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", c.Name, strings.Join(c.Skills, ", "))
	}
	if b.Len() == 0 {
		if want != "" && len(names) > 0 {
			return fmt.Sprintf("No skill category %q. Available categories: %s.", args.String("category"), strings.Join(names, ", ")), nil
		}
		return "No skills are listed.", nil
	}
	return strings.TrimSpace(b.String()), nil
}

// searchProfile ranks knowledge chunks by how many distinct query terms
// they contain, breaking ties by shorter text.
func searchProfile(_ context.Context, snap *knowledge.Snapshot, args Args) (string, error) {
	terms := searchTerms(args.String("query"))
	if len(terms) == 0 {
		return "The query has no searchable words.", nil
	}
	limit := args.Int("limit", defaultSearchLimit)

	type hit struct {
		chunk knowledge.Chunk
		score int
	}
	var hits []hit
	for _, c := range snap.Chunks {
		text := strings.ToLower(c.Title + " " + c.Text)
		score := 0
		for _, t := range terms {
			if strings.Contains(text, t) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{chunk: c, score: score})
		}
	}
	if len(hits) == 0 {
		return fmt.Sprintf("Nothing in the profile matches %q.", args.String("query")), nil
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return len(hits[i].chunk.Text) < len(hits[j].chunk.Text)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		parts = append(parts, fmt.Sprintf("## %s\n%s", h.chunk.Title, h.chunk.Text))
	}
	return strings.Join(parts, "\n\n"), nil
}

func searchTerms(query string) []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '+' && r != '#'
	}) {
		if len([]rune(f)) < 2 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "what": true, "which": true,
	"has": true, "have": true, "did": true, "does": true, "this": true, "that": true,
	"they": true, "their": true, "about": true, "any": true, "are": true, "was": true,
	"is": true, "in": true, "of": true, "on": true, "to": true, "at": true, "an": true,
	"or": true, "by": true, "it": true, "do": true, "how": true, "who": true,
}

func getContact(_ context.Context, snap *knowledge.Snapshot, _ Args) (string, error) {
	if line := snap.ContactLine(); line != "" {
		return line, nil
	}
	return "No contact details are listed.", nil
}
