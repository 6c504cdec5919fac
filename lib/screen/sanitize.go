// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package screen

import (
	"strings"

	"github.com/tiller-foundation/tiller/lib/patterns"
)

// Sanitizer cleans extracted response text in two tiers. The light
// pass always runs: control sequences, UI chrome, tool-invocation
// echoes, and working indicators are never user-facing. The aggressive
// pass runs only when a leak signal fires — instruction echoes,
// structured-data fragments, or internal paths — and removes the
// offending lines entirely. Keeping the aggressive pass conditional is
// deliberate: it avoids over-stripping legitimate content (prose that
// happens to mention a path, say) when nothing suggests leakage.
type Sanitizer struct {
	library *patterns.Library
}

// NewSanitizer returns a Sanitizer over the given library.
func NewSanitizer(library *patterns.Library) *Sanitizer {
	return &Sanitizer{library: library}
}

// lightStrip are the categories removed unconditionally.
var lightStrip = []patterns.Category{
	patterns.Chrome,
	patterns.ToolEcho,
	patterns.Working,
	patterns.PromptGlyph,
}

// leakSignals are the categories whose presence triggers the
// aggressive pass; the same categories are what it removes.
var leakSignals = []patterns.Category{
	patterns.InstructionEcho,
	patterns.StructuredLeak,
	patterns.PathLeak,
}

// Sanitize cleans text and reports whether leakage was detected. An
// empty result is returned as-is — the caller surfaces it as an
// explicit empty response, distinct from a timeout. Sanitize is
// idempotent: running it over its own output changes nothing.
func (s *Sanitizer) Sanitize(text string) (clean string, leakDetected bool) {
	lines := splitLines(Strip(text))

	kept := lines[:0]
	for _, line := range lines {
		if s.lineIsAny(line, lightStrip) {
			continue
		}
		kept = append(kept, line)
	}

	for _, line := range kept {
		if s.lineIsAny(line, leakSignals) {
			leakDetected = true
			break
		}
	}

	if leakDetected {
		scrubbed := kept[:0]
		for _, line := range kept {
			if s.lineIsAny(line, leakSignals) {
				continue
			}
			scrubbed = append(scrubbed, line)
		}
		kept = scrubbed
	}

	return collapseBlanks(kept), leakDetected
}

func (s *Sanitizer) lineIsAny(line string, categories []patterns.Category) bool {
	for _, category := range categories {
		if s.library.LineIs(line, category) {
			return true
		}
	}
	return false
}

// collapseBlanks joins lines, squeezing runs of blank lines to one and
// trimming the edges. Removing chrome often leaves gaps where the
// borders were.
func collapseBlanks(lines []string) string {
	var builder strings.Builder
	blankPending := false
	wroteAny := false

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blankPending = wroteAny
			continue
		}
		if blankPending {
			builder.WriteString("\n")
			blankPending = false
		}
		if wroteAny {
			builder.WriteString("\n")
		}
		builder.WriteString(strings.TrimRight(line, " \t"))
		wroteAny = true
	}
	return builder.String()
}
