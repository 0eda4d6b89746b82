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
	"strings"
	"unicode/utf8"
)

// User-facing texts. None of them may carry internal detail.
const (
	EmptyReplyText = "I couldn't generate a response just now. Please try asking in a different way."

	RateLimitText = "Rate limit exceeded. Please wait a moment before sending another message. " +
		"This helps ensure fair access for all visitors."

	apologyText = "Sorry, I wasn't able to answer that just now."

	partialIntro = "I couldn't finish a complete answer, but here is what I found:"

	genericContact = "Please try again in a moment, or use the contact details on this site to reach out directly."

	maxPartialResults = 3
	maxPartialRunes   = 400
)

// Apology is the reply for provider failures. It always offers a way to
// get in touch.
func Apology(contactLine string) string {
	return apologyText + " " + contactOrGeneric(contactLine)
}

func contactOrGeneric(contactLine string) string {
	if strings.TrimSpace(contactLine) == "" {
		return genericContact
	}
	return contactLine
}

// partialAnswer assembles the reply when the tool round budget runs out.
// It never returns an empty string.
func partialAnswer(lastContent string, toolResults []string, contactLine string) string {
	var b strings.Builder
	if text := strings.TrimSpace(lastContent); text != "" {
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	if len(toolResults) > 0 {
		b.WriteString(partialIntro)
		start := 0
		if len(toolResults) > maxPartialResults {
			start = len(toolResults) - maxPartialResults
		}
		for _, r := range toolResults[start:] {
			b.WriteString("\n\n")
			b.WriteString(truncate(strings.TrimSpace(r), maxPartialRunes))
		}
		b.WriteString("\n\n")
	} else if b.Len() == 0 {
		b.WriteString(apologyText + " ")
	}
	b.WriteString(contactOrGeneric(contactLine))
	return b.String()
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:limit-1])) + "…"
}
