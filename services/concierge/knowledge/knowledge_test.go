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
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleResume = `{
  // comments are allowed
  "personal": {
    "name": "Jordan Lee",
    "title": "Staff Engineer",
    "summary": "Builds reliable data systems.",
    "email": "jordan@example.com",
    "linkedin": "linkedin.com/in/jordanlee"
  },
  "experience": [
    {
      "role": "Staff Engineer",
      "company": "Acme",
      "duration": "2021-2024",
      "description": "Led the platform team.",
      "achievements": ["Cut latency 40%", "Built ingestion", "Mentored 6", "Fourth item"],
      "technologies": ["Go", "Kafka"]
    }
  ],
  "projects": [
    {
      "name": "Aleutian",
      "tagline": "Local AI platform",
      "highlights": ["Offline first", "Policy engine", "Third"],
      "tech_stack": ["Go", "Weaviate"],
      "architecture_details": {
        "backend": "Go services",
        "core_capabilities": ["RAG", "Tracing"]
      }
    }
  ],
  "skills": {
    "technical": ["Go", "Python"],
    "leadership": ["Mentoring"],
  },
}`

func parseSample(t *testing.T) *Resume {
	t.Helper()
	r, err := ParseResume([]byte(sampleResume))
	require.NoError(t, err)
	return r
}

func TestParseResume_JSONC(t *testing.T) {
	r := parseSample(t)
	assert.Equal(t, "Jordan Lee", r.Personal.Name)
	require.Len(t, r.Experience, 1)
	require.NotNil(t, r.Projects[0].Architecture)
	assert.Equal(t, "Go services", r.Projects[0].Architecture.Backend)

	require.Len(t, r.Skills, 2)
	assert.Equal(t, "technical", r.Skills[0].Name)
	assert.Equal(t, "leadership", r.Skills[1].Name)
}

func TestParseResume_Invalid(t *testing.T) {
	_, err := ParseResume([]byte(`{"personal": [}`))
	assert.Error(t, err)

	_, err = ParseResume([]byte(`{"skills": ["not", "an", "object"]}`))
	assert.Error(t, err)
}

func TestSkillSet_MarshalPreservesOrder(t *testing.T) {
	set := SkillSet{{Name: "z", Skills: []string{"a"}}, {Name: "a"}}
	data, err := json.Marshal(set)
	require.NoError(t, err)
	assert.Equal(t, `{"z":["a"],"a":[]}`, string(data))
}

func TestFormatContext(t *testing.T) {
	got := FormatContext(parseSample(t))
	want := strings.Join([]string{
		"Jordan Lee - Staff Engineer",
		"Builds reliable data systems.",
		"Experience:",
		"- Staff Engineer at Acme (2021-2024): Cut latency 40%; Built ingestion; Mentored 6",
		"Projects:",
		"- Aleutian: Local AI platform (Offline first; Policy engine)",
		"Skills:",
		"- Technical: Go, Python",
	}, "\n")
	assert.Equal(t, want, got)
	assert.Empty(t, FormatContext(nil))
}

func TestChunks(t *testing.T) {
	chunks := Chunks(parseSample(t))
	require.Len(t, chunks, 5)

	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		ids = append(ids, c.SourceID)
		assert.NotEmpty(t, c.Text, c.SourceID)
	}
	assert.Equal(t, []string{"personal", "experience/0", "project/0", "project/0/architecture", "skills"}, ids)

	assert.Contains(t, chunks[0].Text, "Email: jordan@example.com")
	assert.NotContains(t, chunks[0].Text, "Phone:")
	assert.Contains(t, chunks[1].Text, "- Fourth item")
	assert.Equal(t, "Staff Engineer at Acme", chunks[1].Title)
	assert.Contains(t, chunks[3].Text, "- Tracing")
	assert.Equal(t, "architecture", chunks[3].Tags[0])
	assert.Contains(t, chunks[4].Text, "Technical:\nGo, Python")
	assert.Contains(t, chunks[4].Text, "Leadership:\nMentoring")
}

func TestContactLine(t *testing.T) {
	r := parseSample(t)
	assert.Equal(t,
		"You can reach Jordan Lee via email at jordan@example.com or LinkedIn at linkedin.com/in/jordanlee.",
		r.ContactLine())

	assert.Empty(t, (&Resume{}).ContactLine())
	var nilResume *Resume
	assert.Empty(t, nilResume.ContactLine())
}

func writeDataDir(t *testing.T, resume, prompt string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ResumeFile), []byte(resume), 0o644))
	if prompt != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, SystemPromptFile), []byte(prompt), 0o644))
	}
	return dir
}

func TestStore_LoadAndReload(t *testing.T) {
	dir := writeDataDir(t, sampleResume, "  Be helpful.  \n")

	store, err := NewStore(dir)
	require.NoError(t, err)
	snap := store.Current()
	assert.Equal(t, "Be helpful.", snap.SystemPrompt)
	assert.Equal(t, uint64(1), snap.Version)
	assert.Len(t, snap.Chunks, 5)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ResumeFile), []byte(`{"personal":{"name":"Sam"}}`), 0o644))
	require.NoError(t, store.Reload())
	assert.Equal(t, "Sam", store.Current().Resume.Personal.Name)
	assert.Equal(t, uint64(2), store.Current().Version)
}

func TestStore_BadReloadKeepsPrevious(t *testing.T) {
	dir := writeDataDir(t, sampleResume, "")
	store, err := NewStore(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultSystemPrompt, store.Current().SystemPrompt)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ResumeFile), []byte(`{broken`), 0o644))
	assert.Error(t, store.Reload())
	assert.Equal(t, "Jordan Lee", store.Current().Resume.Personal.Name)
}

func TestStore_MissingResume(t *testing.T) {
	_, err := NewStore(t.TempDir())
	assert.ErrorIs(t, err, ErrResumeNotFound)
}

func TestStaticStore(t *testing.T) {
	store := NewStaticStore(parseSample(t), "")
	assert.Equal(t, DefaultSystemPrompt, store.Current().SystemPrompt)
	assert.NoError(t, store.Reload())
	assert.Empty(t, store.Dir())

	_, err := NewWatcher(store, 0, nil)
	assert.Error(t, err)
}

func TestWatcher_CloseWithoutRun(t *testing.T) {
	dir := writeDataDir(t, sampleResume, "prompt")
	store, err := NewStore(dir)
	require.NoError(t, err)

	w, err := NewWatcher(store, 0, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := writeDataDir(t, sampleResume, "prompt")
	store, err := NewStore(dir)
	require.NoError(t, err)

	var reloads atomic.Int64
	w, err := NewWatcher(store, 20*time.Millisecond, func(*Snapshot) { reloads.Add(1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, SystemPromptFile), []byte("updated prompt"), 0o644))

	require.Eventually(t, func() bool {
		return store.Current().SystemPrompt == "updated prompt"
	}, 3*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, reloads.Load(), int64(1))
}
