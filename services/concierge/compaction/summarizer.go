// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianConcierge/services/concierge/llm"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/sessions"
)

// =============================================================================
// Extractive summarizer
// =============================================================================

// maxEntities bounds the entity line.
const maxEntities = 15

// entityPattern matches capitalized words and runs of them ("Acme Corp").
var entityPattern = regexp.MustCompile(`\b[A-Z][A-Za-z0-9&+#.\-]*(?:\s+[A-Z][A-Za-z0-9&+#.\-]*)*`)

// sentenceEnd splits on terminal punctuation followed by whitespace.
var sentenceEnd = regexp.MustCompile(`[.!?](\s|$)`)

var entityStopwords = map[string]bool{
	"I": true, "The": true, "A": true, "An": true, "And": true, "But": true,
	"What": true, "When": true, "Where": true, "Which": true, "Who": true,
	"Why": true, "How": true, "Can": true, "Could": true, "Do": true,
	"Does": true, "Did": true, "Is": true, "Are": true, "Was": true,
	"Tell": true, "Please": true, "Yes": true, "No": true, "Thanks": true,
	"Hi": true, "Hello": true, "It": true, "They": true, "He": true,
	"She": true, "We": true, "You": true, "This": true, "That": true,
	"ERROR": true, "Earlier": true, "User": true, "Assistant": true,
	"Entities": true, "Facts": true, "Open": true,
}

// ExtractiveSummarizer builds a summary from the turns themselves, without
// calling a model. Output sections, in priority order:
//
//	Entities: capitalized names seen in the span
//	Open questions: user questions that got no assistant answer in the span
//	Facts: the lead sentence of each turn
//
// Truncation to the limit cuts from the end, so facts are dropped first.
type ExtractiveSummarizer struct{}

// Summarize implements Summarizer.
func (ExtractiveSummarizer) Summarize(_ context.Context, turns []sessions.Turn, limit int) (string, error) {
	var (
		entities []string
		seen     = make(map[string]bool)
		facts    []string
		open     []string
	)
	addEntities := func(text string) {
		for _, m := range entityPattern.FindAllString(text, -1) {
			m = strings.TrimRight(m, ".-")
			if m == "" || entityStopwords[m] || seen[m] || len(entities) >= maxEntities {
				continue
			}
			seen[m] = true
			entities = append(entities, m)
		}
	}

	var pending string
	for _, turn := range turns {
		switch turn.Role {
		case sessions.RoleSummary:
			// Fold an earlier summary in so repeated compaction keeps its content.
			body := strings.TrimSpace(strings.TrimPrefix(turn.Content, SummaryHeader))
			addEntities(body)
			for _, line := range strings.Split(body, "\n") {
				line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- "))
				if line == "" || strings.HasPrefix(line, "Entities:") ||
					line == "Facts:" || line == "Open questions:" {
					continue
				}
				facts = append(facts, line)
			}
		case sessions.RoleUser:
			addEntities(turn.Content)
			lead := leadSentence(turn.Content)
			facts = append(facts, "User: "+lead)
			if strings.Contains(turn.Content, "?") {
				pending = lead
			}
		case sessions.RoleAssistant:
			if turn.ToolCall != nil {
				facts = append(facts, fmt.Sprintf("Assistant looked up %s", turn.ToolCall.Name))
				continue
			}
			addEntities(turn.Content)
			facts = append(facts, "Assistant: "+leadSentence(turn.Content))
			pending = ""
		case sessions.RoleTool:
			if turn.IsError {
				continue
			}
			addEntities(turn.Content)
			name := "tool"
			if turn.ToolCall != nil {
				name = turn.ToolCall.Name
			}
			facts = append(facts, fmt.Sprintf("%s: %s", name, leadSentence(turn.Content)))
		}
	}
	if pending != "" {
		open = append(open, pending)
	}

	var b strings.Builder
	if len(entities) > 0 {
		b.WriteString("Entities: ")
		b.WriteString(strings.Join(entities, ", "))
		b.WriteString("\n")
	}
	if len(open) > 0 {
		b.WriteString("Open questions:\n")
		for _, q := range open {
			b.WriteString("- " + q + "\n")
		}
	}
	if len(facts) > 0 {
		b.WriteString("Facts:\n")
		for _, f := range facts {
			b.WriteString("- " + f + "\n")
		}
	}
	return truncateRunes(strings.TrimRight(b.String(), "\n"), limit), nil
}

// leadSentence returns the first sentence of text, capped at 160 runes.
func leadSentence(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if loc := sentenceEnd.FindStringIndex(text); loc != nil {
		text = text[:loc[0]+1]
	}
	if r := []rune(text); len(r) > 160 {
		text = string(r[:157]) + "..."
	}
	return text
}

var _ Summarizer = ExtractiveSummarizer{}

// =============================================================================
// Model-backed summarizer
// =============================================================================

const summarizerPrompt = `You compress chat history for a resume assistant.
Write a plain-text summary of the conversation below in at most %d characters.
Preserve every named entity (companies, projects, technologies, people), every
fact stated by the assistant, and any question from the user that was not yet
answered. Do not add information. Do not address the user.`

// LLMSummarizer asks a model for the summary and falls back to the
// extractive summary on any failure.
type LLMSummarizer struct {
	client   llm.Client
	fallback Summarizer
	timeout  time.Duration
}

// NewLLMSummarizer creates a summarizer backed by client. A zero timeout
// defaults to 10s.
func NewLLMSummarizer(client llm.Client, timeout time.Duration) *LLMSummarizer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LLMSummarizer{client: client, fallback: ExtractiveSummarizer{}, timeout: timeout}
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, turns []sessions.Turn, limit int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var transcript strings.Builder
	for _, turn := range turns {
		switch {
		case turn.ToolCall != nil && turn.Role == sessions.RoleAssistant:
			fmt.Fprintf(&transcript, "assistant called %s(%s)\n", turn.ToolCall.Name, turn.ToolCall.Arguments)
		default:
			fmt.Fprintf(&transcript, "%s: %s\n", turn.Role, turn.Content)
		}
	}

	resp, err := s.client.Complete(ctx, &llm.Request{
		SystemPrompt: fmt.Sprintf(summarizerPrompt, limit),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: transcript.String()}},
		MaxTokens:    limit/3 + 64,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		if err == nil {
			err = llm.ErrEmptyResponse
		}
		slog.Warn("Model summary failed, using extractive summary", "error", err)
		return s.fallback.Summarize(ctx, turns, limit)
	}
	return truncateRunes(strings.TrimSpace(resp.Content), limit), nil
}

var _ Summarizer = (*LLMSummarizer)(nil)
