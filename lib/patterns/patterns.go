// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package patterns holds the versioned text-pattern library that
// classifies lines of captured agent-terminal output. Patterns are
// data, not code: the classifier and sanitizer walk a prioritized rule
// table, so the set can grow (new chrome, new leak shapes, new agent
// versions) without touching control flow.
//
// A Library starts from the built-in Default set and can be extended
// from a YAML file at startup via MergeFile. Rules are evaluated in
// order; the first match wins.
package patterns

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category classifies what a matched line is.
type Category string

const (
	// Chrome is interactive-UI decoration: borders, banners, keyboard
	// hints, telemetry footers. Always stripped.
	Chrome Category = "chrome"

	// ToolEcho is the echo of an agent tool invocation or its result
	// framing. Always stripped.
	ToolEcho Category = "tool-echo"

	// Working marks in-progress indicators: spinner status lines,
	// elapsed-time-with-token-count lines, interrupt hints.
	Working Category = "working"

	// Permission marks confirmation prompts that block unattended
	// progress and need a human (or an explicit policy) to answer.
	Permission Category = "permission"

	// ErrorMarker marks failure output from the agent or its tools.
	ErrorMarker Category = "error"

	// InstructionEcho is leaked prompt scaffolding: section labels,
	// persona text, system-style directives echoed back at the user.
	InstructionEcho Category = "instruction-echo"

	// StructuredLeak is a stray key/value or bracketed data fragment
	// that was never meant for the user.
	StructuredLeak Category = "structured-leak"

	// PathLeak is an internal filesystem path surfacing in output.
	PathLeak Category = "path-leak"

	// PromptGlyph is a bare interactive input prompt. The classifier
	// treats a trailing PromptGlyph line with nothing after it as the
	// idle signal.
	PromptGlyph Category = "prompt"
)

// Kind selects how a rule's pattern is matched against a line.
type Kind string

const (
	// Substring matches case-insensitively anywhere in the line.
	Substring Kind = "substring"
	// Prefix matches case-insensitively at the start of the trimmed line.
	Prefix Kind = "prefix"
	// Regexp matches the compiled expression against the whole line.
	Regexp Kind = "regexp"
)

// Rule is one entry in the library. Earlier rules take priority.
type Rule struct {
	Category Category `yaml:"category"`
	Kind     Kind     `yaml:"kind"`
	Pattern  string   `yaml:"pattern"`

	compiled *regexp.Regexp
	lowered  string
}

// Library is a prioritized, versioned rule set plus the spinner rune
// alphabet used for in-progress detection.
type Library struct {
	version  int
	rules    []Rule
	spinners map[rune]bool
}

// Version reports the library's version, for logging and capture
// records. Merging a file with a higher version bumps it.
func (l *Library) Version() int { return l.version }

// MatchLine returns the category of the first rule matching line, or
// ("", false) when no rule matches.
func (l *Library) MatchLine(line string) (Category, bool) {
	trimmed := strings.TrimSpace(line)
	lowered := strings.ToLower(trimmed)
	for i := range l.rules {
		if l.rules[i].matches(line, trimmed, lowered) {
			return l.rules[i].Category, true
		}
	}
	return "", false
}

// LineIs reports whether line matches any rule of the given category,
// regardless of rule priority. The sanitizer uses this for targeted
// leak scans where an earlier benign category must not shadow a leak
// rule on the same line.
func (l *Library) LineIs(line string, category Category) bool {
	trimmed := strings.TrimSpace(line)
	lowered := strings.ToLower(trimmed)
	for i := range l.rules {
		if l.rules[i].Category != category {
			continue
		}
		if l.rules[i].matches(line, trimmed, lowered) {
			return true
		}
	}
	return false
}

// AnyLine reports whether any line of text matches any of the given
// categories.
func (l *Library) AnyLine(text string, categories ...Category) bool {
	for _, line := range strings.Split(text, "\n") {
		for _, category := range categories {
			if l.LineIs(line, category) {
				return true
			}
		}
	}
	return false
}

// HasSpinner reports whether line contains a rune from the spinner
// alphabet.
func (l *Library) HasSpinner(line string) bool {
	for _, r := range line {
		if l.spinners[r] {
			return true
		}
	}
	return false
}

// IsPromptLine reports whether line is a bare interactive prompt.
func (l *Library) IsPromptLine(line string) bool {
	return l.LineIs(line, PromptGlyph)
}

func (r *Rule) matches(line, trimmed, lowered string) bool {
	switch r.Kind {
	case Substring:
		return strings.Contains(lowered, r.lowered)
	case Prefix:
		return strings.HasPrefix(lowered, r.lowered)
	case Regexp:
		return r.compiled.MatchString(line)
	default:
		return false
	}
}

// libraryFile is the YAML shape accepted by MergeFile.
type libraryFile struct {
	Version  int    `yaml:"version"`
	Spinners string `yaml:"spinners"`
	Rules    []Rule `yaml:"rules"`
}

// MergeFile extends the library with rules from a YAML file. File rules
// are appended after the existing set, so built-in priorities hold and
// the file can only add coverage, not shadow it. Spinner runes are
// unioned. A file version higher than the current one bumps the
// library version.
func (l *Library) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("patterns: reading %s: %w", path, err)
	}

	var file libraryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("patterns: parsing %s: %w", path, err)
	}

	for i := range file.Rules {
		if err := compileRule(&file.Rules[i]); err != nil {
			return fmt.Errorf("patterns: %s rule %d: %w", path, i, err)
		}
	}

	l.rules = append(l.rules, file.Rules...)
	for _, r := range file.Spinners {
		if !strings.ContainsRune(" \t\n", r) {
			l.spinners[r] = true
		}
	}
	if file.Version > l.version {
		l.version = file.Version
	}
	return nil
}

func compileRule(rule *Rule) error {
	switch rule.Category {
	case Chrome, ToolEcho, Working, Permission, ErrorMarker,
		InstructionEcho, StructuredLeak, PathLeak, PromptGlyph:
	default:
		return fmt.Errorf("unknown category %q", rule.Category)
	}

	switch rule.Kind {
	case Substring, Prefix:
		if rule.Pattern == "" {
			return fmt.Errorf("empty pattern")
		}
		rule.lowered = strings.ToLower(rule.Pattern)
	case Regexp:
		compiled, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("compiling %q: %w", rule.Pattern, err)
		}
		rule.compiled = compiled
	default:
		return fmt.Errorf("unknown kind %q", rule.Kind)
	}
	return nil
}
