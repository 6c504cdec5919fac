// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tiller-foundation/tiller/lib/clock"
)

// ErrBusy is returned when the session lock cannot be acquired within
// the caller's acquisition timeout. It is an expected condition, not a
// failure: the session is mid-turn and the caller should report busy.
var ErrBusy = errors.New("relay: session busy")

// SessionLock serializes turns against the single agent session. It is
// a capacity-one semaphore: exactly one goroutine holds it at a time,
// and waiters are served in roughly arrival order by the runtime.
//
// The lock does not expire. A holder that exceeds maxHold gets a
// warning logged, nothing more — forcibly revoking the session
// mid-turn would interleave two turns' keystrokes.
type SessionLock struct {
	slot    chan struct{}
	clock   clock.Clock
	maxHold time.Duration
	logger  *slog.Logger

	// holdDone is closed by Release to stop the max-hold watchdog.
	// Only the current holder touches it, so no lock is needed.
	holdDone chan struct{}
}

// NewSessionLock creates an unheld lock. maxHold <= 0 disables the
// hold-time warning. A nil logger discards.
func NewSessionLock(clk clock.Clock, maxHold time.Duration, logger *slog.Logger) *SessionLock {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SessionLock{
		slot:    make(chan struct{}, 1),
		clock:   clk,
		maxHold: maxHold,
		logger:  logger,
	}
}

// Acquire takes the lock, waiting up to timeout. A zero timeout makes
// the attempt non-blocking. Returns ErrBusy when the timeout elapses
// first, or ctx.Err() on cancellation.
func (l *SessionLock) Acquire(ctx context.Context, timeout time.Duration) error {
	select {
	case l.slot <- struct{}{}:
		l.acquired()
		return nil
	default:
	}

	if timeout <= 0 {
		return ErrBusy
	}

	select {
	case l.slot <- struct{}{}:
		l.acquired()
		return nil
	case <-l.clock.After(timeout):
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the lock. Calling Release without holding the lock is
// a programming error and panics.
func (l *SessionLock) Release() {
	// Stop the watchdog before freeing the slot: once the slot is
	// free the next holder may install its own watchdog.
	if l.holdDone != nil {
		close(l.holdDone)
		l.holdDone = nil
	}
	select {
	case <-l.slot:
	default:
		panic("relay: Release of unheld session lock")
	}
}

func (l *SessionLock) acquired() {
	if l.maxHold <= 0 {
		return
	}
	done := make(chan struct{})
	l.holdDone = done
	go func() {
		select {
		case <-l.clock.After(l.maxHold):
			// A release that raced the timer wins: no warning for a
			// hold that ended in time.
			select {
			case <-done:
				return
			default:
			}
			l.logger.Warn("session lock held past limit",
				"limit", l.maxHold)
		case <-done:
		}
	}()
}
