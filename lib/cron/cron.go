// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package cron parses 5-field cron expressions and computes the next
// occurrence after a given time. Fields are minute, hour, day-of-month,
// month, day-of-week (0=Sunday); each accepts wildcards, single values,
// ranges, lists, and steps (*/15, 1-30/5). All computation is UTC.
//
// Day-of-month and day-of-week follow standard cron semantics: when
// both fields are restricted the match is an OR, when only one is
// restricted it constrains alone.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed cron expression.
type Schedule struct {
	minute     fieldSet
	hour       fieldSet
	dayOfMonth fieldSet
	month      fieldSet
	dayOfWeek  fieldSet
}

// fieldSet is one cron field: a membership set plus whether the field
// was written as a bare wildcard (needed for day-field OR semantics).
type fieldSet struct {
	member   [64]bool
	wildcard bool
}

func (f *fieldSet) has(value int) bool { return f.member[value] }

// Parse parses a 5-field cron expression.
func Parse(expression string) (*Schedule, error) {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	schedule := &Schedule{}
	bounds := []struct {
		name     string
		min, max int
		out      *fieldSet
	}{
		{"minute", 0, 59, &schedule.minute},
		{"hour", 0, 23, &schedule.hour},
		{"day-of-month", 1, 31, &schedule.dayOfMonth},
		{"month", 1, 12, &schedule.month},
		{"day-of-week", 0, 6, &schedule.dayOfWeek},
	}

	for i, b := range bounds {
		parsed, err := parseField(fields[i], b.min, b.max)
		if err != nil {
			return nil, fmt.Errorf("cron: %s field: %w", b.name, err)
		}
		*b.out = parsed
	}
	return schedule, nil
}

// parseField parses one comma-separated field into a membership set.
func parseField(field string, min, max int) (fieldSet, error) {
	var set fieldSet
	if field == "*" {
		set.wildcard = true
	}

	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return set, fmt.Errorf("empty list element")
		}

		step := 1
		if slash := strings.IndexByte(part, '/'); slash >= 0 {
			parsed, err := strconv.Atoi(part[slash+1:])
			if err != nil {
				return set, fmt.Errorf("invalid step %q", part[slash+1:])
			}
			if parsed < 1 {
				return set, fmt.Errorf("step must be positive, got %d", parsed)
			}
			step = parsed
			part = part[:slash]
		}

		low, high := min, max
		switch {
		case part == "*":
			// Full range.
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			var err error
			if low, err = parseValue(bounds[0], min, max); err != nil {
				return set, err
			}
			if high, err = parseValue(bounds[1], min, max); err != nil {
				return set, err
			}
			if low > high {
				return set, fmt.Errorf("range start %d > end %d", low, high)
			}
		default:
			value, err := parseValue(part, min, max)
			if err != nil {
				return set, err
			}
			low, high = value, value
		}

		for value := low; value <= high; value += step {
			set.member[value] = true
		}
	}
	return set, nil
}

func parseValue(text string, min, max int) (int, error) {
	value, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", text)
	}
	if value < min || value > max {
		return 0, fmt.Errorf("value %d out of range [%d, %d]", value, min, max)
	}
	return value, nil
}

// Next returns the earliest time strictly after t matching the
// schedule. Returns an error when nothing matches within four years
// (impossible schedules like Feb 31).
func (s *Schedule) Next(t time.Time) (time.Time, error) {
	t = t.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !s.month.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !s.hour.has(t.Hour()) {
			t = t.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if !s.minute.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("cron: no matching time within 4 years of %v", t)
}

// dayMatches applies standard cron day semantics: both day fields
// restricted means OR, otherwise the restricted one (or neither)
// constrains.
func (s *Schedule) dayMatches(t time.Time) bool {
	domMatch := s.dayOfMonth.has(t.Day())
	dowMatch := s.dayOfWeek.has(int(t.Weekday()))

	if !s.dayOfMonth.wildcard && !s.dayOfWeek.wildcard {
		return domMatch || dowMatch
	}
	return domMatch && dowMatch
}
