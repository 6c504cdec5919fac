// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"fmt"
	"time"
)

// QuietWindow is a daily window during which non-exempt jobs do not
// fire, expressed as UTC times of day. A window may wrap midnight
// (e.g. 22:00 to 07:00).
type QuietWindow struct {
	startMinute int
	endMinute   int
}

// NewQuietWindow parses a window from "HH:MM" boundaries. The window
// is half-open: it contains start and excludes end.
func NewQuietWindow(start, end string) (*QuietWindow, error) {
	startMinute, err := parseTimeOfDay(start)
	if err != nil {
		return nil, fmt.Errorf("jobs: quiet start: %w", err)
	}
	endMinute, err := parseTimeOfDay(end)
	if err != nil {
		return nil, fmt.Errorf("jobs: quiet end: %w", err)
	}
	if startMinute == endMinute {
		return nil, fmt.Errorf("jobs: quiet window start and end are both %s", start)
	}
	return &QuietWindow{startMinute: startMinute, endMinute: endMinute}, nil
}

// Contains reports whether t falls inside the window.
func (w *QuietWindow) Contains(t time.Time) bool {
	t = t.UTC()
	minute := t.Hour()*60 + t.Minute()
	if w.startMinute < w.endMinute {
		return minute >= w.startMinute && minute < w.endMinute
	}
	// Wraps midnight.
	return minute >= w.startMinute || minute < w.endMinute
}

func parseTimeOfDay(text string) (int, error) {
	parsed, err := time.Parse("15:04", text)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", text)
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}
