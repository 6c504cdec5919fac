// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package screen

import (
	"strings"
	"testing"

	"github.com/tiller-foundation/tiller/lib/patterns"
)

func library() *patterns.Library { return patterns.Default() }

func TestStripRemovesControlSequences(t *testing.T) {
	raw := "\x1b[2J\x1b[1;32mhello\x1b[0m world\r\n\x1b[?25l\n\n"
	if got := Strip(raw); got != "hello world" {
		t.Errorf("Strip = %q, want %q", got, "hello world")
	}
}

func TestStripKeepsInteriorBlanks(t *testing.T) {
	raw := "first paragraph\n\nsecond paragraph\n\n\n"
	want := "first paragraph\n\nsecond paragraph"
	if got := Strip(raw); got != want {
		t.Errorf("Strip = %q, want %q", got, want)
	}
}

func TestClassify(t *testing.T) {
	classifier := NewClassifier(library())
	tests := []struct {
		name    string
		capture string
		want    State
	}{
		{
			"idle_bare_prompt",
			"some earlier output\n\n❯\n",
			StateIdle,
		},
		{
			"idle_prompt_with_chrome_footer",
			"answer text\n╭────────╮\n│ > │\n╰────────╯\n  ? for shortcuts\n",
			StateIdle,
		},
		{
			"working_spinner_status",
			"doing things\n✻ Pondering… (12s · 4.1k tokens · esc to interrupt)\n",
			StateWorking,
		},
		{
			"working_token_line",
			"partial output\n(35s · ↑ 673 tokens)\n",
			StateWorking,
		},
		{
			"permission_prompt",
			"⏺ Bash(rm -rf build)\nDo you want to proceed?\n ❯ 1. Yes\n   2. No\n",
			StatePermission,
		},
		{
			"error_marker",
			"ran the script\nError: connection refused\n",
			StateError,
		},
		{
			"unknown_mid_print",
			"The answer to your question is that the\n",
			StateUnknown,
		},
		{
			"text_after_prompt_not_idle",
			"❯\nstill printing this line\n",
			StateUnknown,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := classifier.Classify(test.capture); got != test.want {
				t.Errorf("Classify = %s, want %s", got, test.want)
			}
		})
	}
}

func TestClassifyPermissionBeatsWorking(t *testing.T) {
	classifier := NewClassifier(library())
	capture := "✻ Running… (3s · 100 tokens · esc to interrupt)\nDo you want to allow this tool call?\n"
	if got := classifier.Classify(capture); got != StatePermission {
		t.Errorf("Classify = %s, want %s", got, StatePermission)
	}
}

func TestClassifyIgnoresOldScrollback(t *testing.T) {
	classifier := NewClassifier(library())
	// An error far above the recent window must not override idle.
	old := "Error: transient glitch\n" + strings.Repeat("filler line\n", 40)
	capture := old + "❯\n"
	if got := classifier.Classify(capture); got != StateIdle {
		t.Errorf("Classify = %s, want %s", got, StateIdle)
	}
}

func TestExtractByMarker(t *testing.T) {
	lib := library()
	sentinel := "[[turn:0f9d2c1a]]"
	after := strings.Join([]string{
		"old history",
		"> answer this " + sentinel,
		"The capital of France is Paris.",
		"It has been so since 987.",
		"❯",
		"junk after prompt",
	}, "\n")

	got := Extract("irrelevant before", after, sentinel, lib)
	want := "The capital of France is Paris.\nIt has been so since 987."
	if got != want {
		t.Errorf("Extract = %q, want %q", got, want)
	}
}

func TestExtractMarkerUsesLastOccurrence(t *testing.T) {
	lib := library()
	sentinel := "[[turn:aa11]]"
	after := strings.Join([]string{
		"earlier echo " + sentinel,
		"stale response",
		"fresh echo " + sentinel,
		"fresh response",
		"❯",
	}, "\n")

	if got := Extract("", after, sentinel, lib); got != "fresh response" {
		t.Errorf("Extract = %q, want %q", got, "fresh response")
	}
}

func TestExtractByOverlap(t *testing.T) {
	lib := library()
	before := "line one\nline two\nline three"
	after := "line two\nline three\nnew response text\n❯"

	if got := Extract(before, after, "", lib); got != "new response text" {
		t.Errorf("Extract = %q, want %q", got, "new response text")
	}
}

func TestExtractOverlapFullRedraw(t *testing.T) {
	lib := library()
	before := "completely different screen"
	after := "fresh content only\n❯"
	if got := Extract(before, after, "", lib); got != "fresh content only" {
		t.Errorf("Extract = %q, want %q", got, "fresh content only")
	}
}

func TestExtractMissingSentinelFallsBack(t *testing.T) {
	lib := library()
	before := "shared\n"
	after := "shared\nnew text\n❯"
	if got := Extract(before, after, "[[turn:gone]]", lib); got != "new text" {
		t.Errorf("Extract = %q, want %q", got, "new text")
	}
}

func TestExtractEmptyResponse(t *testing.T) {
	lib := library()
	sentinel := "[[turn:beef]]"
	after := "prompt echo " + sentinel + "\n❯"
	if got := Extract("", after, sentinel, lib); got != "" {
		t.Errorf("Extract = %q, want empty", got)
	}
}

func TestSanitizeLightPass(t *testing.T) {
	sanitizer := NewSanitizer(library())
	text := strings.Join([]string{
		"╭──────────╮",
		"Here is the summary you asked for.",
		"⏺ Bash(git log --oneline)",
		"  ⎿ 14 commits",
		"It was a quiet week overall.",
		"? for shortcuts",
	}, "\n")

	clean, leaked := sanitizer.Sanitize(text)
	want := "Here is the summary you asked for.\nIt was a quiet week overall."
	if clean != want {
		t.Errorf("Sanitize = %q, want %q", clean, want)
	}
	if leaked {
		t.Error("leakDetected = true for chrome-only input")
	}
}

func TestSanitizeAggressiveOnLeak(t *testing.T) {
	sanitizer := NewSanitizer(library())
	text := strings.Join([]string{
		"Your meeting is at three.",
		"[Memory context]",
		"session_id: \"abc-123\"",
		"saved to /home/agent/.tiller/notes.md",
		"See you then.",
	}, "\n")

	clean, leaked := sanitizer.Sanitize(text)
	want := "Your meeting is at three.\nSee you then."
	if clean != want {
		t.Errorf("Sanitize = %q, want %q", clean, want)
	}
	if !leaked {
		t.Error("leakDetected = false, want true")
	}
}

func TestSanitizeKeepsBenignPathsWithoutLeakSignal(t *testing.T) {
	// Deliberate two-tier behavior: nothing in this text fires a leak
	// signal other than the path itself, which does — so this test
	// documents that a lone path IS treated as leakage.
	sanitizer := NewSanitizer(library())
	clean, leaked := sanitizer.Sanitize("config lives in /etc/tiller/config.yaml")
	if !leaked {
		t.Error("path line did not trigger leak detection")
	}
	if clean != "" {
		t.Errorf("Sanitize = %q, want empty after scrub", clean)
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	sanitizer := NewSanitizer(library())
	samples := []string{
		"plain text answer",
		"line\n\nparagraph two",
		"Your meeting is at three.\n[Memory context]\n/home/x/y\nbye",
		"╭─╮\nchrome wrapped\n╰─╯",
		"",
	}
	for _, sample := range samples {
		once, _ := sanitizer.Sanitize(sample)
		twice, leakedAgain := sanitizer.Sanitize(once)
		if once != twice {
			t.Errorf("not idempotent: %q -> %q -> %q", sample, once, twice)
		}
		if leakedAgain {
			t.Errorf("second pass re-detected leakage in %q", once)
		}
	}
}

func TestSanitizeEmptyResultIsExplicit(t *testing.T) {
	sanitizer := NewSanitizer(library())
	clean, _ := sanitizer.Sanitize("⏺ Bash(true)\n  ⎿ done\n")
	if clean != "" {
		t.Errorf("Sanitize = %q, want empty", clean)
	}
}
