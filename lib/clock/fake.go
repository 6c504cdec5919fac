// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial. Time moves only when
// Advance is called; pending After, Sleep, and Ticker operations fire
// in deadline order as the clock passes their deadlines.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{current: initial}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is a deterministic Clock for tests.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	pending []*pendingFire
	changed *sync.Cond
}

// pendingFire is a scheduled delivery: a one-shot After/Sleep channel
// or a repeating ticker (interval > 0).
type pendingFire struct {
	deadline time.Time
	channel  chan time.Time
	interval time.Duration
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives when the clock is advanced past
// the deadline. If d <= 0, the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.addLocked(&pendingFire{deadline: c.current.Add(d), channel: channel})
	return channel
}

// NewTicker returns a Ticker whose ticks are driven by Advance.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fire := &pendingFire{
		deadline: c.current.Add(d),
		channel:  make(chan time.Time, 1),
		interval: d,
	}
	c.addLocked(fire)

	return &Ticker{
		C: fire.channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			fire.stopped = true
		},
	}
}

// Sleep blocks until the clock has been advanced past the deadline.
// Calling Sleep from the same goroutine that calls Advance deadlocks;
// tests sleep in a worker goroutine and advance from the test body.
func (c *FakeClock) Sleep(d time.Duration) {
	<-c.After(d)
}

// Advance moves the clock forward by d, firing pending waiters whose
// deadlines are reached, in deadline order. Tickers reschedule and can
// fire multiple times in a single Advance.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.current.Add(d)
	for {
		next := c.nextDeadlineLocked(target)
		if next == nil {
			break
		}
		c.current = next.deadline
		c.fireLocked(next)
	}
	c.current = target
	c.changed.Broadcast()
}

// BlockUntil waits until at least n waiters are pending. Tests use this
// to ensure a goroutine has reached its poll/sleep point before the
// clock is advanced, avoiding lost-wakeup races.
func (c *FakeClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeWaitersLocked() < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) addLocked(fire *pendingFire) {
	c.pending = append(c.pending, fire)
	c.changed.Broadcast()
}

// nextDeadlineLocked returns the unfired waiter with the earliest
// deadline at or before target, or nil when none remain.
func (c *FakeClock) nextDeadlineLocked(target time.Time) *pendingFire {
	live := c.pending[:0]
	for _, fire := range c.pending {
		if !fire.stopped && !fire.fired {
			live = append(live, fire)
		}
	}
	c.pending = live

	sort.SliceStable(c.pending, func(i, j int) bool {
		return c.pending[i].deadline.Before(c.pending[j].deadline)
	})

	if len(c.pending) == 0 || c.pending[0].deadline.After(target) {
		return nil
	}
	return c.pending[0]
}

func (c *FakeClock) fireLocked(fire *pendingFire) {
	// Non-blocking send: ticker consumers that fall behind drop ticks,
	// matching time.Ticker.
	select {
	case fire.channel <- c.current:
	default:
	}

	if fire.interval > 0 {
		fire.deadline = fire.deadline.Add(fire.interval)
		return
	}
	fire.fired = true
}

func (c *FakeClock) activeWaitersLocked() int {
	count := 0
	for _, fire := range c.pending {
		if !fire.stopped && !fire.fired {
			count++
		}
	}
	return count
}
