// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tiller-foundation/tiller/lib/clock"
	"github.com/tiller-foundation/tiller/lib/patterns"
	"github.com/tiller-foundation/tiller/lib/screen"
)

// Recorder receives finalized turns. Called asynchronously off the
// turn path; implementations must tolerate being behind.
type Recorder interface {
	Record(turn Turn)
}

// Arbiter runs the full turn pipeline: acquire the session lock,
// reset context when the request belongs to a different working
// context, compose, submit, wait, extract, sanitize, finalize. One
// turn holds the lock end to end; everything after finalization
// (recording, forwarding) happens off the lock.
type Arbiter struct {
	Lock      *SessionLock
	Handle    *SessionHandle
	Session   Session
	Composer  *Composer
	Poller    *Poller
	Library   *patterns.Library
	Sanitizer *screen.Sanitizer
	// Recorder is optional.
	Recorder Recorder
	Clock    clock.Clock
	Logger   *slog.Logger

	// AcquireTimeout bounds the wait for the session lock; expiry
	// yields OutcomeBusy.
	AcquireTimeout time.Duration
	// TurnTimeout bounds one submission's wait for completion.
	TurnTimeout time.Duration
	// ResetCommand is typed to clear the agent's conversation before
	// a turn for a different working context. Empty disables resets.
	ResetCommand string
	// ResetTimeout bounds the wait for the session to settle after
	// ResetCommand.
	ResetTimeout time.Duration
}

// RunTurn executes one request against the session and returns its
// result. Safe for concurrent callers; all but one will wait on the
// lock or come back busy. The session lock is released exactly once
// on every path, including panics.
func (a *Arbiter) RunTurn(ctx context.Context, request Request) (result TurnResult) {
	turnID := uuid.NewString()
	logger := a.logger().With("turn", turnID, "kind", request.Kind, "context", request.ContextID)

	turn := &Turn{
		ID:             turnID,
		Kind:           request.Kind,
		ContextID:      request.ContextID,
		Destination:    request.Destination,
		PatternVersion: a.Library.Version(),
		StartedAt:      a.Clock.Now(),
	}

	if err := a.Lock.Acquire(ctx, a.AcquireTimeout); err != nil {
		if errors.Is(err, ErrBusy) {
			logger.Info("session busy, turn declined")
			return a.finalize(logger, turn, OutcomeBusy, "", false)
		}
		logger.Warn("lock acquisition failed", "error", err)
		return a.finalize(logger, turn, OutcomeErrored, "", false)
	}

	defer func() {
		a.Lock.Release()
		if r := recover(); r != nil {
			logger.Error("turn panicked", "panic", r)
			result = a.finalize(logger, turn, OutcomeErrored, "", false)
		}
	}()

	return a.runLocked(ctx, logger, turn, request)
}

func (a *Arbiter) runLocked(ctx context.Context, logger *slog.Logger, turn *Turn, request Request) TurnResult {
	if err := a.resetContextIfNeeded(ctx, logger, request.ContextID); err != nil {
		logger.Warn("context reset failed, turn not run", "error", err)
		return a.finalize(logger, turn, OutcomeContextResetFailed, "", false)
	}

	submission, err := a.Composer.Compose(ctx, turn.ID, request)
	if err != nil {
		logger.Warn("compose failed", "error", err)
		return a.finalize(logger, turn, OutcomeErrored, "", false)
	}
	turn.Prompt = submission.Prompt
	turn.Sentinel = submission.Sentinel

	// One automatic retry when sanitization strips everything: the
	// usual cause is a capture landing mid-redraw, and a resubmission
	// resolves it more often than not.
	const maxAttempts = 2
	for attempt := 1; ; attempt++ {
		outcome, text, leak, err := a.attempt(ctx, logger, turn, submission)
		if err != nil {
			logger.Warn("turn attempt failed", "attempt", attempt, "error", err)
			return a.finalize(logger, turn, OutcomeErrored, text, leak)
		}
		if outcome == OutcomeEmpty && attempt < maxAttempts {
			logger.Info("empty response, retrying once", "attempt", attempt)
			continue
		}
		if outcome == OutcomeCompleted {
			a.Handle.SetLoadedContext(request.ContextID)
			if a.Composer.Recent != nil {
				a.Composer.Recent.Add(request.Text, text)
			}
		}
		a.Handle.Touch(a.Clock.Now())
		return a.finalize(logger, turn, outcome, text, leak)
	}
}

// attempt runs one submit/wait/extract/sanitize cycle.
func (a *Arbiter) attempt(ctx context.Context, logger *slog.Logger, turn *Turn, submission Submission) (Outcome, string, bool, error) {
	before, err := a.Poller.Submit(submission.Text)
	if err != nil {
		return OutcomeErrored, "", false, err
	}
	turn.CaptureBefore = before

	poll, err := a.Poller.Wait(ctx, a.TurnTimeout)
	turn.CaptureAfter = poll.Capture
	if err != nil {
		return OutcomeErrored, "", false, err
	}

	extracted := screen.Extract(before, poll.Capture, submission.Sentinel, a.Library)
	turn.Extracted = extracted
	clean, leak := a.Sanitizer.Sanitize(extracted)
	turn.Sanitized = clean

	switch poll.Status {
	case PollPermission:
		logger.Info("permission prompt detected", "polls", poll.Polls)
		return OutcomePermissionBlocked, clean, leak, nil
	case PollError:
		logger.Warn("error state on screen", "polls", poll.Polls)
		return OutcomeErrored, clean, leak, nil
	case PollTimedOut:
		logger.Warn("turn timed out, returning partial", "polls", poll.Polls)
		return OutcomeTimedOut, clean, leak, nil
	}

	if clean == "" {
		return OutcomeEmpty, "", leak, nil
	}
	logger.Info("turn completed", "polls", poll.Polls, "response_bytes", len(clean), "leak", leak)
	return OutcomeCompleted, clean, leak, nil
}

// resetContextIfNeeded clears the agent's conversation when the
// incoming request belongs to a different working context than the
// one loaded. A fresh session (no loaded context) needs no reset.
func (a *Arbiter) resetContextIfNeeded(ctx context.Context, logger *slog.Logger, contextID string) error {
	loaded := a.Handle.LoadedContext()
	if a.ResetCommand == "" || loaded == "" || loaded == contextID {
		return nil
	}

	logger.Info("resetting session context", "from", loaded, "to", contextID)
	if err := a.Session.SubmitLine(a.ResetCommand); err != nil {
		return err
	}
	poll, err := a.Poller.Wait(ctx, a.ResetTimeout)
	if err != nil {
		return err
	}
	if poll.Status != PollCompleted {
		return errors.New("relay: session did not settle after reset")
	}
	a.Handle.SetLoadedContext("")
	return nil
}

// finalize seals the turn, hands it to the recorder off the turn
// path, and shapes the caller-facing result.
func (a *Arbiter) finalize(logger *slog.Logger, turn *Turn, outcome Outcome, text string, leak bool) TurnResult {
	turn.Outcome = outcome
	turn.Sanitized = text
	turn.LeakDetected = leak
	turn.EndedAt = a.Clock.Now()

	if a.Recorder != nil {
		recorded := *turn
		go a.Recorder.Record(recorded)
	}

	logger.Debug("turn finalized", "outcome", outcome,
		"duration", turn.EndedAt.Sub(turn.StartedAt))

	return TurnResult{
		TurnID:       turn.ID,
		Outcome:      outcome,
		Text:         text,
		LeakDetected: leak,
		StartedAt:    turn.StartedAt,
		EndedAt:      turn.EndedAt,
	}
}

func (a *Arbiter) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.Logger
}
