// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package capture_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tiller-foundation/tiller/capture"
	"github.com/tiller-foundation/tiller/lib/clock"
	"github.com/tiller-foundation/tiller/relay"
)

func openTestStore(t *testing.T, clk clock.Clock, retainTurns int, retainAge time.Duration) *capture.Store {
	t.Helper()
	store, err := capture.Open(capture.StoreConfig{
		Path:        filepath.Join(t.TempDir(), "captures.db"),
		RetainTurns: retainTurns,
		RetainAge:   retainAge,
		Clock:       clk,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func sampleTurn(id string, started time.Time, outcome relay.Outcome) relay.Turn {
	return relay.Turn{
		ID:             id,
		Kind:           relay.Conversational,
		ContextID:      "ops",
		Destination:    "#general",
		Prompt:         "[Request]\nping [turn:" + id + "]",
		Sentinel:       "[turn:" + id + "]",
		CaptureBefore:  "> ",
		CaptureAfter:   "> ping [turn:" + id + "]\n\npong\n\n> ",
		Extracted:      "pong",
		Sanitized:      "pong",
		Outcome:        outcome,
		PatternVersion: 3,
		StartedAt:      started,
		EndedAt:        started.Add(5 * time.Second),
	}
}

func TestAppendAndGet(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	store := openTestStore(t, clk, 0, 0)

	want := sampleTurn("t1", clk.Now(), relay.OutcomeCompleted)
	want.LeakDetected = true
	if err := store.Append(t.Context(), want); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := store.Get(t.Context(), "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != want {
		t.Errorf("roundtrip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestGetMissingTurn(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	store := openTestStore(t, clk, 0, 0)

	if _, err := store.Get(t.Context(), "nope"); err == nil {
		t.Fatal("Get on missing turn returned nil error")
	}
}

func TestRecentAndRecentFailures(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clk := clock.Fake(base)
	store := openTestStore(t, clk, 0, 0)

	turns := []relay.Turn{
		sampleTurn("t1", base, relay.OutcomeCompleted),
		sampleTurn("t2", base.Add(time.Minute), relay.OutcomeTimedOut),
		sampleTurn("t3", base.Add(2*time.Minute), relay.OutcomeCompleted),
		sampleTurn("t4", base.Add(3*time.Minute), relay.OutcomeErrored),
	}
	for _, turn := range turns {
		if err := store.Append(t.Context(), turn); err != nil {
			t.Fatalf("Append %s: %v", turn.ID, err)
		}
	}

	recent, err := store.Recent(t.Context(), 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 3 || recent[0].ID != "t4" || recent[1].ID != "t3" || recent[2].ID != "t2" {
		t.Errorf("Recent order wrong: %v", idsOf(recent))
	}

	failures, err := store.RecentFailures(t.Context(), 10)
	if err != nil {
		t.Fatalf("RecentFailures: %v", err)
	}
	if len(failures) != 2 || failures[0].ID != "t4" || failures[1].ID != "t2" {
		t.Errorf("RecentFailures wrong: %v", idsOf(failures))
	}
}

func idsOf(turns []relay.Turn) []string {
	ids := make([]string, len(turns))
	for i, turn := range turns {
		ids[i] = turn.ID
	}
	return ids
}

func TestPruneByCount(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clk := clock.Fake(base)
	store := openTestStore(t, clk, 2, 0)

	for i, id := range []string{"t1", "t2", "t3", "t4"} {
		turn := sampleTurn(id, base.Add(time.Duration(i)*time.Minute), relay.OutcomeCompleted)
		if err := store.Append(t.Context(), turn); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	deleted, err := store.Prune(t.Context())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	recent, err := store.Recent(t.Context(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "t4" || recent[1].ID != "t3" {
		t.Errorf("survivors = %v, want [t4 t3]", idsOf(recent))
	}
}

func TestPruneByAge(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clk := clock.Fake(base)
	store := openTestStore(t, clk, 0, time.Hour)

	old := sampleTurn("old", base.Add(-2*time.Hour), relay.OutcomeCompleted)
	fresh := sampleTurn("fresh", base.Add(-time.Minute), relay.OutcomeCompleted)
	for _, turn := range []relay.Turn{old, fresh} {
		if err := store.Append(t.Context(), turn); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	deleted, err := store.Prune(t.Context())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := store.Get(t.Context(), "fresh"); err != nil {
		t.Errorf("fresh turn pruned: %v", err)
	}
	if _, err := store.Get(t.Context(), "old"); err == nil {
		t.Error("old turn survived age prune")
	}
}

func TestQueueLifecycle(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clk := clock.Fake(base)
	store := openTestStore(t, clk, 0, 0)

	delivery := capture.Delivery{
		TurnID:      "t1",
		ContextID:   "ops",
		Destination: "#general",
		Text:        "pong",
		CompletedAt: base,
	}
	if err := store.Enqueue(t.Context(), delivery); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	due, err := store.Due(t.Context(), 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %d entries, want 1", len(due))
	}
	if due[0].Delivery.TurnID != "t1" || due[0].Delivery.Text != "pong" {
		t.Errorf("payload roundtrip wrong: %+v", due[0].Delivery)
	}
	if !due[0].Delivery.CompletedAt.Equal(base) {
		t.Errorf("CompletedAt = %v, want %v", due[0].Delivery.CompletedAt, base)
	}

	if err := store.Delivered(t.Context(), due[0].ID); err != nil {
		t.Fatalf("Delivered: %v", err)
	}
	depth, err := store.QueueDepth(t.Context())
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 0 {
		t.Errorf("depth = %d after delivery, want 0", depth)
	}
}

func TestQueueFailureBacksOff(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clk := clock.Fake(base)
	store := openTestStore(t, clk, 0, 0)

	if err := store.Enqueue(t.Context(), capture.Delivery{TurnID: "t1", Text: "pong"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	due, err := store.Due(t.Context(), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("Due: %v (%d entries)", err, len(due))
	}

	if err := store.Failed(t.Context(), due[0].ID, time.Minute, 5); err != nil {
		t.Fatalf("Failed: %v", err)
	}

	// Rescheduled one backoff out: not due yet.
	due, err = store.Due(t.Context(), 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("entry due immediately after failure, want backoff")
	}

	clk.Advance(time.Minute)
	due, err = store.Due(t.Context(), 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].Attempts != 1 {
		t.Errorf("after backoff: %d entries, attempts=%d, want 1 entry with 1 attempt",
			len(due), attemptsOf(due))
	}
}

func attemptsOf(due []capture.QueuedDelivery) int {
	if len(due) == 0 {
		return -1
	}
	return due[0].Attempts
}

func TestQueueDropsAfterMaxAttempts(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clk := clock.Fake(base)
	store := openTestStore(t, clk, 0, 0)

	if err := store.Enqueue(t.Context(), capture.Delivery{TurnID: "t1", Text: "pong"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	due, _ := store.Due(t.Context(), 10)
	id := due[0].ID

	for i := 0; i < 3; i++ {
		if err := store.Failed(t.Context(), id, time.Minute, 3); err != nil {
			t.Fatalf("Failed attempt %d: %v", i+1, err)
		}
		clk.Advance(time.Hour)
	}

	depth, err := store.QueueDepth(t.Context())
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 0 {
		t.Errorf("depth = %d, want 0 (entry dropped at attempt cap)", depth)
	}
}
