// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package screen

import (
	"strings"

	"github.com/tiller-foundation/tiller/lib/patterns"
)

// State is the classifier's verdict on one capture.
type State string

const (
	// StateIdle: a trailing interactive prompt with nothing after it.
	// The agent has finished producing output.
	StateIdle State = "idle"
	// StateWorking: an in-progress indicator is visible.
	StateWorking State = "working"
	// StatePermission: a confirmation prompt is blocking progress.
	StatePermission State = "permission"
	// StateError: a failure marker is visible in recent output.
	StateError State = "error"
	// StateUnknown: none of the above matched. Callers treat this as
	// not-yet-complete.
	StateUnknown State = "unknown"
)

// defaultRecentWindow bounds how far back from the bottom of a capture
// the classifier looks. Scrollback above the window is history from
// earlier turns and must not influence the verdict.
const defaultRecentWindow = 25

// Classifier applies a pattern library to captures.
type Classifier struct {
	library *patterns.Library

	// RecentWindow overrides the number of trailing lines examined.
	// Zero means defaultRecentWindow.
	RecentWindow int
}

// NewClassifier returns a Classifier over the given library.
func NewClassifier(library *patterns.Library) *Classifier {
	return &Classifier{library: library}
}

// Classify strips the capture and returns its state. Evaluation order
// is fixed: permission prompts first (they block unattended progress),
// then error markers, then the idle prompt, then working indicators.
func (c *Classifier) Classify(capture string) State {
	window := c.RecentWindow
	if window <= 0 {
		window = defaultRecentWindow
	}

	lines := strings.Split(Strip(capture), "\n")
	if len(lines) > window {
		lines = lines[len(lines)-window:]
	}

	recent := strings.Join(lines, "\n")

	if c.library.AnyLine(recent, patterns.Permission) {
		return StatePermission
	}
	if c.library.AnyLine(recent, patterns.ErrorMarker) {
		return StateError
	}
	if c.idle(lines) {
		return StateIdle
	}
	if c.working(lines) {
		return StateWorking
	}
	return StateUnknown
}

// idle reports whether the capture ends at a bare interactive prompt.
// Blank lines and chrome (the input-box border, shortcut footers) may
// trail the prompt; anything substantive after it means the agent is
// still printing.
func (c *Classifier) idle(lines []string) bool {
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			continue
		}
		if c.library.IsPromptLine(line) {
			return true
		}
		if c.library.LineIs(line, patterns.Chrome) {
			continue
		}
		return false
	}
	return false
}

// working reports whether any recent line carries an in-progress
// indicator. A spinner rune alone is accepted only when its line also
// looks active (ellipsis or interrupt hint), mirroring how decorative
// symbols otherwise cause false positives.
func (c *Classifier) working(lines []string) bool {
	for _, line := range lines {
		if c.library.LineIs(line, patterns.Working) {
			return true
		}
		if c.library.HasSpinner(line) {
			lowered := strings.ToLower(line)
			if strings.Contains(line, "…") || strings.Contains(lowered, "interrupt") {
				return true
			}
		}
	}
	return false
}
