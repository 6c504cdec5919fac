// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tiller-foundation/tiller/lib/breaker"
	"github.com/tiller-foundation/tiller/lib/clock"
)

// Sender delivers a response to the memory store (or whatever sits
// behind the forwarding path).
type Sender interface {
	Deliver(ctx context.Context, delivery Delivery) error
}

// ForwarderConfig holds the parameters for a Forwarder.
type ForwarderConfig struct {
	Store  *Store
	Sender Sender

	// Breaker gates delivery attempts. Required: forwarding against
	// a dead endpoint must back off instead of hammering it.
	Breaker *breaker.Breaker

	// Interval is the retry queue drain cadence.
	Interval time.Duration

	// Backoff is the per-attempt reschedule base.
	Backoff time.Duration

	// MaxAttempts drops an entry after this many failures.
	MaxAttempts int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Forwarder pushes completed responses to the memory store. The fast
// path tries immediately; failures and breaker-rejected deliveries
// land in the durable retry queue, which a single background worker
// drains. Forwarding is strictly off the turn path: a wedged memory
// store slows nothing but itself.
type Forwarder struct {
	store       *Store
	sender      Sender
	breaker     *breaker.Breaker
	interval    time.Duration
	backoff     time.Duration
	maxAttempts int
	clock       clock.Clock
	logger      *slog.Logger
}

// NewForwarder validates the config and creates a Forwarder.
func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	if cfg.Store == nil || cfg.Sender == nil || cfg.Breaker == nil {
		return nil, fmt.Errorf("capture forwarder: Store, Sender, and Breaker are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = cfg.Interval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Forwarder{
		store:       cfg.Store,
		sender:      cfg.Sender,
		breaker:     cfg.Breaker,
		interval:    cfg.Interval,
		backoff:     cfg.Backoff,
		maxAttempts: cfg.MaxAttempts,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}, nil
}

// Forward attempts immediate delivery, falling back to the retry
// queue on failure or when the breaker is open.
func (f *Forwarder) Forward(ctx context.Context, delivery Delivery) {
	if !f.breaker.Allow() {
		f.logger.Debug("breaker open, queueing delivery", "turn", delivery.TurnID)
		f.enqueue(ctx, delivery)
		return
	}

	if err := f.sender.Deliver(ctx, delivery); err != nil {
		f.breaker.RecordFailure()
		f.logger.Warn("delivery failed, queueing for retry",
			"turn", delivery.TurnID, "error", err)
		f.enqueue(ctx, delivery)
		return
	}
	f.breaker.RecordSuccess()
}

func (f *Forwarder) enqueue(ctx context.Context, delivery Delivery) {
	if err := f.store.Enqueue(ctx, delivery); err != nil {
		// The turn itself is already recorded; only this delivery is
		// lost.
		f.logger.Error("enqueue failed, delivery lost",
			"turn", delivery.TurnID, "error", err)
	}
}

// Run drains the retry queue until ctx is cancelled. One worker: the
// queue is small and ordering (oldest first) matters more than
// throughput.
func (f *Forwarder) Run(ctx context.Context) {
	ticker := f.clock.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Info("forwarder started", "interval", f.interval)
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("forwarder stopped")
			return
		case <-ticker.C:
		}
		f.drain(ctx)
	}
}

// drain attempts every due delivery once, stopping early when the
// endpoint fails: the rest of the queue would fail the same way.
func (f *Forwarder) drain(ctx context.Context) {
	if !f.breaker.Allow() {
		return
	}

	due, err := f.store.Due(ctx, 64)
	if err != nil {
		f.logger.Warn("reading retry queue failed", "error", err)
		return
	}

	for _, entry := range due {
		if err := f.sender.Deliver(ctx, entry.Delivery); err != nil {
			f.breaker.RecordFailure()
			f.logger.Warn("queued delivery failed",
				"queue_id", entry.ID,
				"turn", entry.Delivery.TurnID,
				"attempts", entry.Attempts+1,
				"error", err)
			if markErr := f.store.Failed(ctx, entry.ID, f.backoff, f.maxAttempts); markErr != nil {
				f.logger.Error("marking delivery failed", "queue_id", entry.ID, "error", markErr)
			}
			return
		}
		f.breaker.RecordSuccess()
		if err := f.store.Delivered(ctx, entry.ID); err != nil {
			f.logger.Error("marking delivery done", "queue_id", entry.ID, "error", err)
		}
	}
}
