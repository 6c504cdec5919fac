// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay is the session relay: it serializes access to the
// single interactive agent session, injects composed prompts, waits
// for the agent to finish, extracts and sanitizes the response, and
// hands the finished exchange off for durable capture.
//
// The entry point is [Arbiter.RunTurn], invoked by both the chat
// transport and the job scheduler. Everything else in the package is
// a stage of that pipeline.
package relay

import "time"

// RequesterKind identifies who asked for a turn.
type RequesterKind string

const (
	// Conversational turns come from the chat transport.
	Conversational RequesterKind = "conversational"
	// ScheduledJob turns come from the job scheduler.
	ScheduledJob RequesterKind = "scheduled-job"
)

// Request is one inbound ask against the agent session.
type Request struct {
	// Kind is who is asking.
	Kind RequesterKind
	// ContextID names the working context this request belongs to.
	// When it differs from the session's loaded context, the arbiter
	// issues a context reset before composing.
	ContextID string
	// Destination is the channel or output target the caller will
	// deliver the result to. The relay records it but does not
	// interpret it.
	Destination string
	// Text is the user's (or job's) request.
	Text string
}

// Outcome is a turn's final state. Set exactly once, when the turn
// finalizes.
type Outcome string

const (
	// OutcomeCompleted: the agent reached a stable idle state and the
	// response was extracted.
	OutcomeCompleted Outcome = "completed"
	// OutcomeBusy: the session lock was not acquired within the
	// acquisition timeout. Not an error; the caller retries later.
	OutcomeBusy Outcome = "busy"
	// OutcomeTimedOut: no stable idle state before the turn timeout.
	// The result carries best-effort partial text.
	OutcomeTimedOut Outcome = "timed-out"
	// OutcomePermissionBlocked: the agent is waiting on a permission
	// prompt. The relay never auto-approves.
	OutcomePermissionBlocked Outcome = "permission-blocked"
	// OutcomeErrored: an unexpected failure in the relay itself. The
	// session lock is guaranteed released.
	OutcomeErrored Outcome = "errored"
	// OutcomeEmpty: sanitization removed all content, twice. Distinct
	// from a timeout so callers can retry or report differently.
	OutcomeEmpty Outcome = "empty"
	// OutcomeContextResetFailed: the pre-turn context reset did not
	// reach an idle state. The turn did not run; proceeding with a
	// stale context would bleed one context into another.
	OutcomeContextResetFailed Outcome = "context-reset-failed"
)

// TurnResult is what RunTurn hands back to the caller.
type TurnResult struct {
	TurnID       string
	Outcome      Outcome
	Text         string
	LeakDetected bool
	StartedAt    time.Time
	EndedAt      time.Time
}

// Turn is the full record of one request/response cycle, handed to the
// capture store after finalization. Immutable once finalized; the
// arbiter owns it exclusively until then.
type Turn struct {
	ID             string
	Kind           RequesterKind
	ContextID      string
	Destination    string
	Prompt         string
	Sentinel       string
	CaptureBefore  string
	CaptureAfter   string
	Extracted      string
	Sanitized      string
	Outcome        Outcome
	LeakDetected   bool
	PatternVersion int
	StartedAt      time.Time
	EndedAt        time.Time
}
