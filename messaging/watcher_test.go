// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package messaging_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tiller-foundation/tiller/lib/clock"
	"github.com/tiller-foundation/tiller/lib/testutil"
	"github.com/tiller-foundation/tiller/messaging"
)

const testRoomID = "!room:example.org"

// scriptedSyncer returns one canned response (or error) per Sync call.
type scriptedSyncer struct {
	mu        sync.Mutex
	script    func(call int, since string) (*messaging.SyncResponse, error)
	calls     int
	lastSince []string
	synced    chan struct{}
}

func newScriptedSyncer(script func(call int, since string) (*messaging.SyncResponse, error)) *scriptedSyncer {
	return &scriptedSyncer{script: script, synced: make(chan struct{}, 128)}
}

func (s *scriptedSyncer) Sync(ctx context.Context, since string, timeoutMillis int) (*messaging.SyncResponse, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.lastSince = append(s.lastSince, since)
	s.mu.Unlock()

	response, err := s.script(call, since)
	if err == nil && response == nil {
		// Scripts return nil, nil to model a long-poll that only the
		// context ends.
		<-ctx.Done()
		return nil, ctx.Err()
	}
	select {
	case s.synced <- struct{}{}:
	default:
	}
	if err != nil {
		return nil, err
	}
	return response, nil
}

func (s *scriptedSyncer) sinceValues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lastSince...)
}

func syncWithEvents(nextBatch string, events ...messaging.Event) *messaging.SyncResponse {
	return &messaging.SyncResponse{
		NextBatch: nextBatch,
		Rooms: messaging.RoomsSection{
			Join: map[string]messaging.JoinedRoom{
				testRoomID: {Timeline: messaging.TimelineSection{Events: events}},
			},
		},
	}
}

func textEvent(id, sender, body string) messaging.Event {
	return messaging.Event{
		EventID: id,
		Sender:  sender,
		Type:    "m.room.message",
		Content: messaging.NewTextMessage(body),
	}
}

func runWatcher(t *testing.T, syncer *scriptedSyncer, clk clock.Clock, handler func(ctx context.Context, event messaging.Event)) (cancel func()) {
	t.Helper()
	watcher, err := messaging.NewRoomWatcher(messaging.WatcherConfig{
		Session:      syncer,
		RoomID:       testRoomID,
		SelfUserID:   "@tiller:example.org",
		Handler:      handler,
		SyncTimeout:  30 * time.Second,
		ErrorBackoff: 5 * time.Second,
		Clock:        clk,
	})
	if err != nil {
		t.Fatalf("NewRoomWatcher: %v", err)
	}

	ctx, cancelCtx := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		watcher.Run(ctx)
	}()
	t.Cleanup(func() {
		cancelCtx()
		testutil.RequireClosed(t, done, 5*time.Second, "watcher did not stop")
	})
	return cancelCtx
}

func TestWatcherSkipsBacklogAndDispatchesNew(t *testing.T) {
	handled := make(chan messaging.Event, 16)

	syncer := newScriptedSyncer(func(call int, since string) (*messaging.SyncResponse, error) {
		switch call {
		case 1:
			// Initial sync carries backlog that must not be replayed.
			return syncWithEvents("b1", textEvent("$old", "@user:example.org", "stale request")), nil
		case 2:
			return syncWithEvents("b2", textEvent("$new", "@user:example.org", "ping")), nil
		default:
			return nil, nil
		}
	})

	runWatcher(t, syncer, clock.Fake(time.Unix(0, 0)), func(ctx context.Context, event messaging.Event) {
		handled <- event
	})

	event := testutil.RequireReceive(t, handled, 5*time.Second, "no event dispatched")
	if event.EventID != "$new" {
		t.Errorf("dispatched %q, want the post-startup event", event.EventID)
	}
	select {
	case extra := <-handled:
		t.Errorf("backlog event %q was dispatched", extra.EventID)
	default:
	}

	since := syncer.sinceValues()
	if since[0] != "" || since[1] != "b1" {
		t.Errorf("since sequence = %v", since)
	}
}

func TestWatcherIgnoresOwnAndNonTextEvents(t *testing.T) {
	handled := make(chan messaging.Event, 16)

	noticeEvent := messaging.Event{
		EventID: "$notice",
		Sender:  "@user:example.org",
		Type:    "m.room.message",
		Content: messaging.NewNoticeMessage("automated"),
	}
	syncer := newScriptedSyncer(func(call int, since string) (*messaging.SyncResponse, error) {
		switch call {
		case 1:
			return syncWithEvents("b1"), nil
		case 2:
			return syncWithEvents("b2",
				textEvent("$self", "@tiller:example.org", "echo of own reply"),
				noticeEvent,
				messaging.Event{EventID: "$join", Sender: "@user:example.org", Type: "m.room.member"},
				textEvent("$real", "@user:example.org", "ping"),
			), nil
		default:
			return nil, nil
		}
	})

	runWatcher(t, syncer, clock.Fake(time.Unix(0, 0)), func(ctx context.Context, event messaging.Event) {
		handled <- event
	})

	event := testutil.RequireReceive(t, handled, 5*time.Second, "no event dispatched")
	if event.EventID != "$real" {
		t.Errorf("dispatched %q, want only the user text event", event.EventID)
	}
	select {
	case extra := <-handled:
		t.Errorf("filtered event %q was dispatched", extra.EventID)
	default:
	}
}

func TestWatcherBacksOffAfterSyncFailure(t *testing.T) {
	handled := make(chan messaging.Event, 16)
	clk := clock.Fake(time.Unix(0, 0))

	syncer := newScriptedSyncer(func(call int, since string) (*messaging.SyncResponse, error) {
		switch call {
		case 1:
			return syncWithEvents("b1"), nil
		case 2:
			return nil, fmt.Errorf("homeserver unreachable")
		case 3:
			return syncWithEvents("b3", textEvent("$after", "@user:example.org", "ping")), nil
		default:
			return nil, nil
		}
	})

	runWatcher(t, syncer, clk, func(ctx context.Context, event messaging.Event) {
		handled <- event
	})

	// Calls 1 and 2 complete, then the watcher parks on the backoff.
	testutil.RequireReceive(t, syncer.synced, 5*time.Second, "initial sync")
	testutil.RequireReceive(t, syncer.synced, 5*time.Second, "failing sync")
	clk.BlockUntil(1)
	clk.Advance(5 * time.Second)

	event := testutil.RequireReceive(t, handled, 5*time.Second, "no event after backoff")
	if event.EventID != "$after" {
		t.Errorf("dispatched %q", event.EventID)
	}
	// The failed sync must not advance the batch position.
	since := syncer.sinceValues()
	if since[2] != "b1" {
		t.Errorf("since after failure = %q, want b1", since[2])
	}
}
