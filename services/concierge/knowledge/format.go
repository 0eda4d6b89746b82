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
	"fmt"
	"strings"
)

// Chunk types.
const (
	ChunkPersonal   = "personal"
	ChunkExperience = "experience"
	ChunkProject    = "project"
	ChunkSkills     = "skills"
)

// Chunk is one retrievable unit of the resume.
type Chunk struct {
	// SourceID is stable across reloads of the same resume layout,
	// e.g. "experience/0" or "project/2/architecture".
	SourceID  string   `json:"source_id"`
	Type      string   `json:"type"`
	Title     string   `json:"title"`
	Timeframe string   `json:"timeframe,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Text      string   `json:"text"`
}

// FormatContext renders the compact static context used when retrieval is
// disabled or unavailable.
func FormatContext(r *Resume) string {
	if r == nil {
		return ""
	}
	var lines []string

	p := r.Personal
	var header []string
	for _, part := range []string{strings.TrimSpace(p.Name), strings.TrimSpace(p.Title)} {
		if part != "" {
			header = append(header, part)
		}
	}
	if len(header) > 0 {
		lines = append(lines, strings.Join(header, " - "))
	}
	if s := strings.TrimSpace(p.Summary); s != "" {
		lines = append(lines, s)
	}

	if len(r.Experience) > 0 {
		lines = append(lines, "Experience:")
		for _, exp := range r.Experience {
			line := fmt.Sprintf("- %s at %s (%s)", exp.Role, exp.Company, exp.Duration)
			if sample := strings.Join(firstN(exp.Achievements, 3), "; "); sample != "" {
				line += ": " + sample
			}
			lines = append(lines, line)
		}
	}

	if len(r.Projects) > 0 {
		lines = append(lines, "Projects:")
		for _, proj := range r.Projects {
			line := strings.TrimSpace(fmt.Sprintf("- %s: %s", proj.Name, proj.Tagline))
			if hl := strings.Join(firstN(proj.Highlights, 2), "; "); hl != "" {
				line += " (" + hl + ")"
			}
			lines = append(lines, line)
		}
	}

	if technical, ok := r.Skills.Category("technical"); ok && len(technical.Skills) > 0 {
		lines = append(lines, "Skills:", "- Technical: "+strings.Join(technical.Skills, ", "))
	}

	return strings.Join(lines, "\n")
}

// Chunks splits the resume into semantic units: one personal chunk, one
// per job, one overview per project plus an architecture chunk when the
// project has one, and one skills chunk.
func Chunks(r *Resume) []Chunk {
	if r == nil {
		return nil
	}
	var chunks []Chunk

	p := r.Personal
	if p != (Personal{}) {
		fields := []struct{ label, value string }{
			{"Name", p.Name}, {"Title", p.Title}, {"Location", p.Location},
			{"Summary", p.Summary}, {"Email", p.Email}, {"LinkedIn", p.LinkedIn},
			{"Phone", p.Phone}, {"GitHub", p.GitHub}, {"Website", p.Website},
		}
		var parts []string
		for _, f := range fields {
			if strings.TrimSpace(f.value) != "" {
				parts = append(parts, f.label+": "+f.value)
			}
		}
		chunks = append(chunks, Chunk{
			SourceID: "personal",
			Type:     ChunkPersonal,
			Title:    "Personal Information",
			Tags:     []string{"contact", "summary"},
			Text:     strings.Join(parts, "\n"),
		})
	}

	for i, exp := range r.Experience {
		var b strings.Builder
		fmt.Fprintf(&b, "Role: %s\nCompany: %s\nDuration: %s\nDescription: %s\n",
			exp.Role, exp.Company, exp.Duration, exp.Description)
		if len(exp.Achievements) > 0 {
			b.WriteString("\nAchievements:\n")
			b.WriteString(bullets(exp.Achievements))
		}
		if len(exp.Technologies) > 0 {
			b.WriteString("\nTechnologies: " + strings.Join(exp.Technologies, ", "))
		}
		chunks = append(chunks, Chunk{
			SourceID:  fmt.Sprintf("experience/%d", i),
			Type:      ChunkExperience,
			Title:     fmt.Sprintf("%s at %s", exp.Role, exp.Company),
			Timeframe: exp.Duration,
			Tags:      exp.Technologies,
			Text:      strings.TrimSpace(b.String()),
		})
	}

	for i, proj := range r.Projects {
		var b strings.Builder
		fmt.Fprintf(&b, "Project: %s\nTagline: %s\n", proj.Name, proj.Tagline)
		writeSection(&b, "Description", proj.Description)
		if len(proj.Highlights) > 0 {
			b.WriteString("\nKey Highlights:\n")
			b.WriteString(bullets(proj.Highlights))
		}
		writeSection(&b, "Problem Solved", proj.ProblemSolved)
		writeSection(&b, "Impact", proj.Impact)
		if proj.Context != "" {
			b.WriteString("\nContext: " + proj.Context)
		}
		if len(proj.TechStack) > 0 {
			b.WriteString("\nTech Stack: " + strings.Join(proj.TechStack, ", "))
		}
		chunks = append(chunks, Chunk{
			SourceID:  fmt.Sprintf("project/%d", i),
			Type:      ChunkProject,
			Title:     proj.Name,
			Timeframe: proj.Timeframe,
			Tags:      proj.TechStack,
			Text:      strings.TrimSpace(b.String()),
		})

		if a := proj.Architecture; a != nil {
			parts := []string{
				proj.Name + " - Architecture Details",
				"",
				"Frontend: " + a.Frontend,
				"Backend: " + a.Backend,
				"AI Orchestration: " + a.AIOrchestration,
				"Data Layer: " + a.DataLayer,
			}
			if len(a.CoreCapabilities) > 0 {
				parts = append(parts, "", "Core Capabilities:", strings.TrimRight(bullets(a.CoreCapabilities), "\n"))
			}
			chunks = append(chunks, Chunk{
				SourceID:  fmt.Sprintf("project/%d/architecture", i),
				Type:      ChunkProject,
				Title:     proj.Name + " - Architecture",
				Timeframe: proj.Timeframe,
				Tags:      append([]string{"architecture"}, proj.TechStack...),
				Text:      "Project: " + strings.Join(parts, "\n"),
			})
		}
	}

	if len(r.Skills) > 0 {
		var parts []string
		for _, c := range r.Skills {
			parts = append(parts, titleCase(c.Name)+":", strings.Join(c.Skills, ", "), "")
		}
		chunks = append(chunks, Chunk{
			SourceID: "skills",
			Type:     ChunkSkills,
			Title:    "Skills and Expertise",
			Tags:     []string{"skills", "technical", "leadership"},
			Text:     strings.TrimSpace(strings.Join(parts, "\n")),
		})
	}

	return chunks
}

func firstN(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}

func bullets(items []string) string {
	var b strings.Builder
	for _, item := range items {
		b.WriteString("- " + item + "\n")
	}
	return b.String()
}

func writeSection(b *strings.Builder, label, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	fmt.Fprintf(b, "\n%s:\n%s\n", label, body)
}

// titleCase turns "soft_skills" into "Soft Skills".
func titleCase(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "_", " "))
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		words[i] = strings.ToUpper(string(r[0])) + string(r[1:])
	}
	return strings.Join(words, " ")
}
