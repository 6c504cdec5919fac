// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tiller-foundation/tiller/lib/clock"
)

// Syncer is the sync surface the watcher needs from a Session.
type Syncer interface {
	Sync(ctx context.Context, since string, timeoutMillis int) (*SyncResponse, error)
}

// WatcherConfig holds configuration for creating a RoomWatcher.
type WatcherConfig struct {
	// Session performs the sync requests. Required.
	Session Syncer
	// RoomID is the room to watch. Required.
	RoomID string
	// SelfUserID is the relay's own user ID; its events are skipped.
	// Required.
	SelfUserID string
	// Handler receives each inbound message event. Required. Called
	// sequentially from the watcher goroutine, so a slow handler
	// delays later messages rather than racing them.
	Handler func(ctx context.Context, event Event)
	// SyncTimeout is how long the server holds each long-poll open.
	// Default: 30s.
	SyncTimeout time.Duration
	// ErrorBackoff is the pause after a failed sync before retrying.
	// Default: 5s.
	ErrorBackoff time.Duration
	// Clock abstracts time for testing. Default: the real clock.
	Clock clock.Clock
	// Logger is used for structured logging. Nil discards.
	Logger *slog.Logger
}

// RoomWatcher long-polls /sync and dispatches new messages from one
// room. The initial sync establishes a position without replaying
// backlog: messages sent while the relay was down are dropped, not
// answered late.
type RoomWatcher struct {
	session      Syncer
	roomID       string
	selfUserID   string
	handler      func(ctx context.Context, event Event)
	syncTimeout  time.Duration
	errorBackoff time.Duration
	clock        clock.Clock
	logger       *slog.Logger
}

// NewRoomWatcher creates a room watcher.
func NewRoomWatcher(config WatcherConfig) (*RoomWatcher, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("messaging: Session is required")
	}
	if config.RoomID == "" {
		return nil, fmt.Errorf("messaging: RoomID is required")
	}
	if config.SelfUserID == "" {
		return nil, fmt.Errorf("messaging: SelfUserID is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("messaging: Handler is required")
	}

	syncTimeout := config.SyncTimeout
	if syncTimeout <= 0 {
		syncTimeout = 30 * time.Second
	}
	errorBackoff := config.ErrorBackoff
	if errorBackoff <= 0 {
		errorBackoff = 5 * time.Second
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &RoomWatcher{
		session:      config.Session,
		roomID:       config.RoomID,
		selfUserID:   config.SelfUserID,
		handler:      config.Handler,
		syncTimeout:  syncTimeout,
		errorBackoff: errorBackoff,
		clock:        clk,
		logger:       logger,
	}, nil
}

// Run watches the room until ctx is cancelled. Returns nil on
// cancellation.
func (w *RoomWatcher) Run(ctx context.Context) error {
	since, err := w.initialSync(ctx)
	if err != nil {
		return err
	}
	w.logger.Info("watching room", "room_id", w.roomID)

	for {
		if ctx.Err() != nil {
			return nil
		}

		response, err := w.session.Sync(ctx, since, int(w.syncTimeout.Milliseconds()))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("sync failed, backing off", "error", err)
			select {
			case <-w.clock.After(w.errorBackoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		since = response.NextBatch
		w.dispatch(ctx, response)
	}
}

// initialSync establishes a sync position, retrying on failure so a
// homeserver restart at relay startup does not kill the watcher.
func (w *RoomWatcher) initialSync(ctx context.Context) (string, error) {
	for {
		response, err := w.session.Sync(ctx, "", 0)
		if err == nil {
			return response.NextBatch, nil
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("messaging: initial sync: %w", err)
		}
		w.logger.Warn("initial sync failed, retrying", "error", err)
		select {
		case <-w.clock.After(w.errorBackoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (w *RoomWatcher) dispatch(ctx context.Context, response *SyncResponse) {
	room, ok := response.Rooms.Join[w.roomID]
	if !ok {
		return
	}
	for _, event := range room.Timeline.Events {
		if event.Type != "m.room.message" {
			continue
		}
		if event.Sender == w.selfUserID {
			continue
		}
		if event.Content.MsgType != "m.text" {
			continue
		}
		w.handler(ctx, event)
	}
}
