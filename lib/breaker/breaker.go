// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package breaker implements a circuit breaker for calls to a flaky
// downstream dependency. Tiller uses it exclusively on the long-term
// memory store's forward path: when the store is down, the breaker
// opens and capture records queue locally instead of each write eating
// a full timeout. The breaker never gates the session-relay turn path.
//
// State machine: Closed allows calls and counts consecutive failures;
// at the threshold it opens. Open rejects calls until the cooldown
// elapses, then grants exactly one half-open trial. The trial's outcome
// either closes the breaker or reopens it and restarts the cooldown.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tiller-foundation/tiller/lib/clock"
)

// State is the breaker's position.
type State string

const (
	// Closed: calls flow, failures are counted.
	Closed State = "closed"
	// Open: calls are rejected until the cooldown elapses.
	Open State = "open"
	// HalfOpen: one trial call is in flight; its outcome decides.
	HalfOpen State = "half-open"
)

// Config holds breaker parameters.
type Config struct {
	// FailureThreshold is the number of consecutive failures that
	// opens the breaker. Must be >= 1.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before granting a
	// half-open trial.
	Cooldown time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger receives state-transition messages. Nil discards.
	Logger *slog.Logger
}

// Breaker tracks failures against one downstream dependency. Safe for
// concurrent use; the critical section is narrow and never held across
// the guarded call itself.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New returns a Closed breaker.
func New(cfg Config) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cfg.Cooldown,
		clock:     clk,
		logger:    logger,
		state:     Closed,
	}
}

// Allow reports whether a call may proceed. While Open, the first
// Allow after the cooldown elapses transitions to HalfOpen and grants
// exactly one trial; further Allow calls are rejected until the trial
// reports its outcome.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.clock.Now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = HalfOpen
		b.logger.Info("breaker half-open, granting trial call")
		return true
	case HalfOpen:
		// A trial is already out; everything else waits on it.
		return false
	}
	return false
}

// RecordSuccess reports a successful guarded call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.state = Closed
		b.failures = 0
		b.logger.Info("breaker closed after successful trial")
	case Open:
		// A success while Open means a call raced the transition.
		// Leave the cooldown running; the next Allow probes anyway.
	}
}

// RecordFailure reports a failed guarded call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.threshold {
			b.open()
		}
	case HalfOpen:
		b.open()
	case Open:
	}
}

// open transitions to Open and restarts the cooldown. Callers hold b.mu.
func (b *Breaker) open() {
	b.state = Open
	b.openedAt = b.clock.Now()
	b.failures = 0
	b.logger.Warn("breaker opened",
		"cooldown", b.cooldown,
	)
}

// State returns the current state. While Open with an elapsed cooldown,
// the state still reads Open until an Allow call performs the
// transition — transitions happen on use, not on observation.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
