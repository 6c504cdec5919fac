// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package screen

import "strings"

// Extract isolates the text the agent produced for one request from a
// pair of captures.
//
// When sentinel is non-empty, marker-based extraction is authoritative:
// the submission embedded the sentinel, so everything after its last
// occurrence in the "after" capture — up to the next interactive prompt
// — is the response. This survives scrollback loss and unrelated
// redraws, because it never needs the "before" capture at all.
//
// With no sentinel, extraction falls back to the before/after overlap:
// the longest suffix of "before" that reappears as a prefix of "after"
// is shared history, and the remainder of "after" is new. This is only
// used for continuations of an already-open exchange.
//
// Both paths strip control sequences first and cut the result at the
// trailing prompt. The result may legitimately be empty (the agent
// printed nothing new); the caller distinguishes that from a timeout.
func Extract(before, after, sentinel string, library promptChecker) string {
	cleanAfter := Strip(after)

	if sentinel != "" {
		if text, ok := extractByMarker(cleanAfter, sentinel, library); ok {
			return text
		}
		// The sentinel never appeared in the capture (submission echo
		// scrolled away or was suppressed). Fall through to the
		// overlap strategy rather than returning everything.
	}

	return extractByOverlap(Strip(before), cleanAfter, library)
}

type promptChecker interface {
	IsPromptLine(line string) bool
}

func extractByMarker(after, sentinel string, library promptChecker) (string, bool) {
	index := strings.LastIndex(after, sentinel)
	if index < 0 {
		return "", false
	}

	// Skip the remainder of the sentinel's own line: it is part of the
	// echoed instruction, not the response.
	rest := after[index+len(sentinel):]
	if newline := strings.IndexByte(rest, '\n'); newline >= 0 {
		rest = rest[newline+1:]
	} else {
		rest = ""
	}

	return cutAtPrompt(rest, library), true
}

func extractByOverlap(before, after string, library promptChecker) string {
	beforeLines := splitLines(before)
	afterLines := splitLines(after)

	maxOverlap := len(beforeLines)
	if len(afterLines) < maxOverlap {
		maxOverlap = len(afterLines)
	}

	for overlap := maxOverlap; overlap > 0; overlap-- {
		if linesEqual(beforeLines[len(beforeLines)-overlap:], afterLines[:overlap]) {
			remainder := strings.Join(afterLines[overlap:], "\n")
			return cutAtPrompt(remainder, library)
		}
	}

	// No shared content: the screen was fully redrawn. Everything in
	// the after capture is new from this exchange's perspective.
	return cutAtPrompt(after, library)
}

// cutAtPrompt drops everything from the first bare interactive prompt
// line onward, then trims surrounding blank lines.
func cutAtPrompt(text string, library promptChecker) string {
	lines := splitLines(text)
	for i, line := range lines {
		if library.IsPromptLine(line) {
			lines = lines[:i]
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
