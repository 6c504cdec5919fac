// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package relay_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/tiller-foundation/tiller/relay"
)

type fakeMemory struct {
	context string
	err     error
	queries []string
}

func (m *fakeMemory) FetchContext(_ context.Context, contextID string) (string, error) {
	m.queries = append(m.queries, contextID)
	return m.context, m.err
}

func TestComposeAllSections(t *testing.T) {
	memory := &fakeMemory{context: "prefers short answers"}
	recent := relay.NewRecentBuffer(4)
	recent.Add("hi", "hello")

	composer := &relay.Composer{Memory: memory, Recent: recent}
	sub, err := composer.Compose(t.Context(), "abcd1234-0000-0000-0000-000000000000", relay.Request{
		ContextID: "ops",
		Text:      "ping",
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	want := "[Memory context]\nprefers short answers\n\n" +
		"[Recent exchanges]\nuser: hi\nagent: hello\n\n" +
		"[Request]\nping [turn:abcd1234]"
	if sub.Prompt != want {
		t.Errorf("Prompt = %q, want %q", sub.Prompt, want)
	}
	if sub.Text != sub.Prompt {
		t.Errorf("inline submission should type the full prompt")
	}
	if sub.Sentinel != "[turn:abcd1234]" {
		t.Errorf("Sentinel = %q", sub.Sentinel)
	}
	if len(memory.queries) != 1 || memory.queries[0] != "ops" {
		t.Errorf("memory queried with %v, want [ops]", memory.queries)
	}
}

func TestComposeOmitsEmptySections(t *testing.T) {
	composer := &relay.Composer{}
	sub, err := composer.Compose(t.Context(), "feedface-1", relay.Request{Text: "ping"})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if strings.Contains(sub.Prompt, "[Memory context]") {
		t.Error("memory section present without a provider")
	}
	if strings.Contains(sub.Prompt, "[Recent exchanges]") {
		t.Error("recent section present without a buffer")
	}
	if !strings.HasPrefix(sub.Prompt, "[Request]\nping ") {
		t.Errorf("Prompt = %q", sub.Prompt)
	}
}

func TestComposeMemoryFailureDegrades(t *testing.T) {
	memory := &fakeMemory{err: errors.New("store down")}
	composer := &relay.Composer{Memory: memory}

	sub, err := composer.Compose(t.Context(), "feedface-2", relay.Request{Text: "ping"})
	if err != nil {
		t.Fatalf("Compose should degrade, got error: %v", err)
	}
	if strings.Contains(sub.Prompt, "[Memory context]") {
		t.Errorf("degraded prompt still has memory section: %q", sub.Prompt)
	}
}

func TestComposeSpillsOversizePrompt(t *testing.T) {
	dir := t.TempDir()
	composer := &relay.Composer{InlineLimit: 64, ArtifactDir: dir}

	longText := strings.Repeat("all work and no play ", 20)
	sub, err := composer.Compose(t.Context(), "deadbeef-3", relay.Request{Text: longText})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	if sub.ArtifactPath == "" {
		t.Fatal("oversize prompt did not spill")
	}
	if sub.Text == sub.Prompt {
		t.Fatal("spilled submission still types the full prompt")
	}
	if !strings.Contains(sub.Text, sub.ArtifactPath) {
		t.Errorf("pointer instruction %q does not name the artifact %q", sub.Text, sub.ArtifactPath)
	}
	if !strings.HasSuffix(sub.Text, sub.Sentinel) {
		t.Errorf("pointer instruction %q does not end with the sentinel", sub.Text)
	}

	content, err := os.ReadFile(sub.ArtifactPath)
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	if string(content) != sub.Prompt {
		t.Error("artifact content differs from the composed prompt")
	}
}

func TestComposeSpillWithoutArtifactDirFails(t *testing.T) {
	composer := &relay.Composer{InlineLimit: 8}
	_, err := composer.Compose(t.Context(), "deadbeef-4", relay.Request{Text: "a much longer request"})
	if err == nil {
		t.Fatal("Compose succeeded with no artifact directory")
	}
}

func TestSentinel(t *testing.T) {
	if got := relay.Sentinel("abcd1234-5678-90ab-cdef-000000000000"); got != "[turn:abcd1234]" {
		t.Errorf("Sentinel = %q", got)
	}
	if got := relay.Sentinel("ab"); got != "[turn:ab]" {
		t.Errorf("Sentinel short id = %q", got)
	}
}

func TestRecentBufferEvictsOldest(t *testing.T) {
	buffer := relay.NewRecentBuffer(2)
	buffer.Add("one", "1")
	buffer.Add("two", "2")
	buffer.Add("three", "3")

	if buffer.Len() != 2 {
		t.Fatalf("Len = %d, want 2", buffer.Len())
	}
	rendered := buffer.Render()
	if strings.Contains(rendered, "one") {
		t.Errorf("oldest exchange not evicted: %q", rendered)
	}
	if !strings.Contains(rendered, "two") || !strings.Contains(rendered, "three") {
		t.Errorf("Render missing entries: %q", rendered)
	}
}

func TestRecentBufferZeroCapacity(t *testing.T) {
	buffer := relay.NewRecentBuffer(0)
	buffer.Add("one", "1")
	if buffer.Len() != 0 {
		t.Error("zero-capacity buffer retained an exchange")
	}
	if buffer.Render() != "" {
		t.Error("zero-capacity buffer rendered content")
	}
}
