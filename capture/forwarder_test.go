// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tiller-foundation/tiller/capture"
	"github.com/tiller-foundation/tiller/lib/breaker"
	"github.com/tiller-foundation/tiller/lib/clock"
)

type fakeSender struct {
	mu        sync.Mutex
	delivered []capture.Delivery
	calls     int
	fail      bool
}

func (s *fakeSender) Deliver(_ context.Context, delivery capture.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return errors.New("memory store unreachable")
	}
	s.delivered = append(s.delivered, delivery)
	return nil
}

func (s *fakeSender) deliveredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestForwarder(t *testing.T, clk clock.Clock, store *capture.Store, sender *fakeSender) *capture.Forwarder {
	t.Helper()
	forwarder, err := capture.NewForwarder(capture.ForwarderConfig{
		Store:  store,
		Sender: sender,
		Breaker: breaker.New(breaker.Config{
			FailureThreshold: 5,
			Cooldown:         time.Minute,
			Clock:            clk,
		}),
		Interval:    10 * time.Second,
		Backoff:     time.Minute,
		MaxAttempts: 5,
		Clock:       clk,
	})
	if err != nil {
		t.Fatalf("NewForwarder: %v", err)
	}
	return forwarder
}

func TestForwardDeliversImmediately(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	store := openTestStore(t, clk, 0, 0)
	sender := &fakeSender{}
	forwarder := newTestForwarder(t, clk, store, sender)

	forwarder.Forward(t.Context(), capture.Delivery{TurnID: "t1", Text: "pong"})

	if sender.deliveredCount() != 1 {
		t.Fatalf("delivered = %d, want 1", sender.deliveredCount())
	}
	depth, err := store.QueueDepth(t.Context())
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 0 {
		t.Errorf("depth = %d, want 0 after immediate delivery", depth)
	}
}

func TestForwardFailureQueues(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	store := openTestStore(t, clk, 0, 0)
	sender := &fakeSender{fail: true}
	forwarder := newTestForwarder(t, clk, store, sender)

	forwarder.Forward(t.Context(), capture.Delivery{TurnID: "t1", Text: "pong"})

	if sender.callCount() != 1 {
		t.Fatalf("sender calls = %d, want 1", sender.callCount())
	}
	depth, err := store.QueueDepth(t.Context())
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 1 {
		t.Errorf("depth = %d, want 1 after failed delivery", depth)
	}
}

func TestForwardBreakerOpensAfterThreshold(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	store := openTestStore(t, clk, 0, 0)
	sender := &fakeSender{fail: true}
	forwarder := newTestForwarder(t, clk, store, sender)

	// Five consecutive failures open the circuit.
	for i := 0; i < 5; i++ {
		forwarder.Forward(t.Context(), capture.Delivery{TurnID: "t1", Text: "pong"})
	}
	if sender.callCount() != 5 {
		t.Fatalf("sender calls = %d, want 5", sender.callCount())
	}

	// The sixth delivery is queued without touching the endpoint.
	forwarder.Forward(t.Context(), capture.Delivery{TurnID: "t6", Text: "pong"})
	if sender.callCount() != 5 {
		t.Errorf("sender called while breaker open")
	}
	depth, err := store.QueueDepth(t.Context())
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 6 {
		t.Errorf("depth = %d, want 6", depth)
	}
}

func TestRunDrainsQueue(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	store := openTestStore(t, clk, 0, 0)
	sender := &fakeSender{}
	forwarder := newTestForwarder(t, clk, store, sender)

	for _, id := range []string{"t1", "t2"} {
		if err := store.Enqueue(t.Context(), capture.Delivery{TurnID: id, Text: "pong"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		forwarder.Run(ctx)
	}()

	clk.BlockUntil(1)
	clk.Advance(10 * time.Second)

	deadline := time.After(5 * time.Second)
	for sender.deliveredCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("drained %d deliveries, want 2", sender.deliveredCount())
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	if depth, _ := store.QueueDepth(context.Background()); depth != 0 {
		t.Errorf("depth = %d after drain, want 0", depth)
	}
}

func TestDrainStopsAtFirstFailure(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	store := openTestStore(t, clk, 0, 0)
	sender := &fakeSender{fail: true}
	forwarder := newTestForwarder(t, clk, store, sender)

	for _, id := range []string{"t1", "t2"} {
		if err := store.Enqueue(t.Context(), capture.Delivery{TurnID: id, Text: "pong"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		forwarder.Run(ctx)
	}()

	clk.BlockUntil(1)
	clk.Advance(10 * time.Second)

	deadline := time.After(5 * time.Second)
	for sender.callCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("sender never called")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	// Settle: the drain must not try the second entry this tick.
	time.Sleep(10 * time.Millisecond)
	if calls := sender.callCount(); calls != 1 {
		t.Errorf("sender calls = %d, want 1 (drain stops at first failure)", calls)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	if depth, _ := store.QueueDepth(context.Background()); depth != 2 {
		t.Errorf("depth = %d, want 2 (failed entry rescheduled, second untouched)", depth)
	}
}
