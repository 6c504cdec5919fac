// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"log/slog"
	"time"

	"github.com/tiller-foundation/tiller/relay"
)

// Recorder adapts the store (and optional forwarder) to the relay's
// fire-and-forget recording hook. Persistence failures are logged,
// never surfaced: the requester already has their response, and a
// recording hiccup must not look like a failed turn.
type Recorder struct {
	Store *Store
	// Forwarder is optional; completed turns are forwarded for
	// memory indexing when set.
	Forwarder *Forwarder
	// Timeout bounds each recording. Zero means 30 seconds.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Record persists the turn and forwards completed responses.
func (r *Recorder) Record(turn relay.Turn) {
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := r.Store.Append(ctx, turn); err != nil {
		logger.Error("recording turn failed", "turn", turn.ID, "error", err)
	}

	if r.Forwarder != nil && turn.Outcome == relay.OutcomeCompleted {
		r.Forwarder.Forward(ctx, Delivery{
			TurnID:      turn.ID,
			ContextID:   turn.ContextID,
			Destination: turn.Destination,
			Text:        turn.Sanitized,
			CompletedAt: turn.EndedAt,
		})
	}
}
