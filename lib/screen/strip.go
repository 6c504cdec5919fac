// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package screen turns raw terminal captures of the interactive agent
// session into classified state and clean, user-facing text. It has
// three stages, each usable on its own:
//
//   - [Classifier] decides whether a capture shows the agent idle,
//     working, waiting on a permission prompt, or in error.
//   - [Extract] isolates the text the agent produced for one request,
//     by sentinel marker when one was embedded in the submission, by
//     before/after overlap otherwise.
//   - [Sanitizer] strips UI chrome and, when leakage is detected,
//     aggressively removes instruction echoes, structured-data
//     fragments, and internal paths.
//
// All stages operate on control-sequence-free text; [Strip] is applied
// at every entry point so callers can hand in raw captures.
package screen

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Strip removes terminal control sequences from a capture and trims
// trailing blank lines. Interior blank lines survive: they are
// meaningful paragraph breaks in agent output.
func Strip(capture string) string {
	plain := ansi.Strip(capture)
	// Normalize CRLF and stray carriage returns from the PTY.
	plain = strings.ReplaceAll(plain, "\r\n", "\n")
	plain = strings.ReplaceAll(plain, "\r", "\n")

	lines := strings.Split(plain, "\n")
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}
