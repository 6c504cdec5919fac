// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"

	"github.com/tiller-foundation/tiller/lib/clock"
	"github.com/tiller-foundation/tiller/lib/screen"
)

// PollStatus is how a wait ended.
type PollStatus int

const (
	// PollCompleted: the screen held stable for the threshold and
	// classified idle.
	PollCompleted PollStatus = iota
	// PollPermission: a permission prompt appeared. Returned on the
	// first poll that sees it, without waiting for stability.
	PollPermission
	// PollError: the screen shows an agent-side error state.
	PollError
	// PollTimedOut: the deadline passed first. Capture carries the
	// last screen seen.
	PollTimedOut
)

// PollResult is the final capture and how the wait ended.
type PollResult struct {
	Capture string
	Status  PollStatus
	Polls   int
}

// Poller submits text to the session and watches the screen until the
// agent settles. Completion requires both signals: the capture
// unchanged for StabilityThreshold consecutive polls, and the
// classifier reading the screen as idle. Either alone misfires — a
// long tool run can hold the screen still, and a prompt glyph can
// appear mid-redraw.
type Poller struct {
	Session    Session
	Classifier *screen.Classifier
	Clock      clock.Clock

	// Interval between captures.
	Interval time.Duration
	// StabilityThreshold is how many consecutive unchanged captures
	// count as settled. Minimum 1.
	StabilityThreshold int

	// ProgressAfter, when positive, fires OnProgress once if a wait
	// runs longer than this. For long-running turns the requester
	// gets a still-working notice instead of silence.
	ProgressAfter time.Duration
	OnProgress    func(elapsed time.Duration)

	Logger *slog.Logger
}

// Submit captures the screen, then types text and presses Enter. The
// pre-submission capture anchors the diff fallback during extraction.
func (p *Poller) Submit(text string) (before string, err error) {
	before, err = p.Session.Capture()
	if err != nil {
		return "", fmt.Errorf("relay: capture before submit: %w", err)
	}
	if err := p.Session.SubmitLine(text); err != nil {
		return "", fmt.Errorf("relay: submit: %w", err)
	}
	return before, nil
}

// Wait polls the screen until completion, a permission prompt, an
// error state, or timeout. Transient capture failures are logged and
// retried on the next tick; three in a row abort the wait.
func (p *Poller) Wait(ctx context.Context, timeout time.Duration) (PollResult, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	threshold := p.StabilityThreshold
	if threshold < 1 {
		threshold = 1
	}

	ticker := p.Clock.NewTicker(p.Interval)
	defer ticker.Stop()
	deadline := p.Clock.After(timeout)
	start := p.Clock.Now()

	var (
		lastCapture     string
		lastHash        [32]byte
		stable          int
		polls           int
		captureFailures int
		progressSent    bool
	)

	for {
		select {
		case <-ctx.Done():
			return PollResult{Capture: lastCapture, Status: PollTimedOut, Polls: polls}, ctx.Err()
		case <-deadline:
			return PollResult{Capture: lastCapture, Status: PollTimedOut, Polls: polls}, nil
		case <-ticker.C:
		}

		capture, err := p.Session.Capture()
		if err != nil {
			captureFailures++
			if captureFailures >= 3 {
				return PollResult{Capture: lastCapture, Status: PollTimedOut, Polls: polls},
					fmt.Errorf("relay: capture failed %d polls running: %w", captureFailures, err)
			}
			logger.Warn("capture failed, retrying next poll", "error", err)
			continue
		}
		captureFailures = 0
		polls++

		// stable is the length of the current run of identical
		// captures: a changed screen starts a new run of one.
		hash := blake3.Sum256([]byte(capture))
		if polls > 1 && hash == lastHash {
			stable++
		} else {
			stable = 1
		}
		lastHash = hash
		lastCapture = capture

		state := p.Classifier.Classify(capture)
		switch state {
		case screen.StatePermission:
			return PollResult{Capture: capture, Status: PollPermission, Polls: polls}, nil
		case screen.StateError:
			return PollResult{Capture: capture, Status: PollError, Polls: polls}, nil
		case screen.StateIdle:
			if stable >= threshold {
				return PollResult{Capture: capture, Status: PollCompleted, Polls: polls}, nil
			}
		}

		if !progressSent && p.ProgressAfter > 0 && p.OnProgress != nil {
			if elapsed := p.Clock.Now().Sub(start); elapsed >= p.ProgressAfter {
				progressSent = true
				p.OnProgress(elapsed)
			}
		}
	}
}
