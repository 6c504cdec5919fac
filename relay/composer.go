// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// MemoryProvider supplies long-lived context for a working context ID.
// The relay treats memory as advisory: fetch failures degrade to an
// empty section, never a failed turn.
type MemoryProvider interface {
	FetchContext(ctx context.Context, contextID string) (string, error)
}

// Submission is a composed prompt ready for the session.
type Submission struct {
	// Text is what gets typed into the session. Equal to Prompt
	// unless the prompt spilled to an artifact file.
	Text string
	// Prompt is the full composed prompt.
	Prompt string
	// Sentinel is the marker token embedded at the end of the typed
	// text; extraction anchors on its last echo.
	Sentinel string
	// ArtifactPath is the spill file, empty when inline.
	ArtifactPath string
}

// Composer assembles the prompt for a turn: memory context, recent
// exchanges, then the request, with a per-turn sentinel at the end.
// Prompts larger than InlineLimit spill to a file under ArtifactDir
// and the typed text becomes a pointer instruction, because multi-line
// pastes into an interactive prompt are slow and fragile.
type Composer struct {
	// Memory is optional; nil skips the memory section.
	Memory MemoryProvider
	// Recent is optional; nil skips the recent-exchanges section.
	Recent *RecentBuffer
	// InlineLimit is the largest prompt (bytes) typed directly.
	// Zero or negative means no limit.
	InlineLimit int
	// ArtifactDir receives spill files. Required when InlineLimit
	// is set.
	ArtifactDir string
	// Logger may be nil.
	Logger *slog.Logger
}

// Compose builds the submission for one request. turnID names the
// spill artifact and seeds the sentinel.
func (c *Composer) Compose(ctx context.Context, turnID string, request Request) (Submission, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	sentinel := Sentinel(turnID)

	var sb strings.Builder
	if c.Memory != nil {
		memory, err := c.Memory.FetchContext(ctx, request.ContextID)
		if err != nil {
			logger.Warn("memory context unavailable, composing without it",
				"context", request.ContextID, "error", err)
		} else if memory != "" {
			sb.WriteString("[Memory context]\n")
			sb.WriteString(strings.TrimRight(memory, "\n"))
			sb.WriteString("\n\n")
		}
	}
	if c.Recent != nil {
		if recent := c.Recent.Render(); recent != "" {
			sb.WriteString("[Recent exchanges]\n")
			sb.WriteString(strings.TrimRight(recent, "\n"))
			sb.WriteString("\n\n")
		}
	}
	sb.WriteString("[Request]\n")
	sb.WriteString(strings.TrimRight(request.Text, "\n"))
	sb.WriteString(" ")
	sb.WriteString(sentinel)

	prompt := sb.String()
	submission := Submission{Text: prompt, Prompt: prompt, Sentinel: sentinel}

	if c.InlineLimit > 0 && len(prompt) > c.InlineLimit {
		path, err := c.spill(turnID, prompt)
		if err != nil {
			return Submission{}, err
		}
		submission.ArtifactPath = path
		submission.Text = fmt.Sprintf(
			"Read the file at %s and respond to the request it contains. %s",
			path, sentinel)
		logger.Debug("prompt spilled to artifact",
			"turn", turnID, "bytes", len(prompt), "path", path)
	}

	return submission, nil
}

func (c *Composer) spill(turnID, prompt string) (string, error) {
	if c.ArtifactDir == "" {
		return "", fmt.Errorf("relay: prompt exceeds inline limit and no artifact directory is configured")
	}
	if err := os.MkdirAll(c.ArtifactDir, 0o700); err != nil {
		return "", fmt.Errorf("relay: creating artifact directory: %w", err)
	}
	path := filepath.Join(c.ArtifactDir, "prompt-"+turnID+".txt")
	if err := os.WriteFile(path, []byte(prompt), 0o600); err != nil {
		return "", fmt.Errorf("relay: writing prompt artifact: %w", err)
	}
	return path, nil
}

// Sentinel derives the per-turn marker token from a turn ID. The short
// prefix keeps the echoed instruction line readable while staying
// unique against screen content for any realistic session lifetime.
func Sentinel(turnID string) string {
	id := strings.ReplaceAll(turnID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return "[turn:" + id + "]"
}
