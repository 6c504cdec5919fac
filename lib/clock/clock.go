// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so that components which poll, back off,
// or schedule can be tested deterministically. Production code injects
// Real(); tests inject Fake() and advance it manually.
//
// Any Tiller component that would call time.Now, time.After,
// time.NewTicker, or time.Sleep takes a Clock instead. The only real
// wall-clock timeouts in the tree live in lib/testutil, as hang
// protection for tests themselves.
package clock

import "time"

// Clock is the time interface Tiller components depend on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once, after d has
	// elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. Stop releases its resources;
// C is never closed.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. No ticks arrive on C after Stop returns.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (systemClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}

func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }
