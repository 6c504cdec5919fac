// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Delivery is one response waiting to be handed to the memory store.
// Encoded as CBOR in the queue so the payload survives schema drift in
// the surrounding row.
type Delivery struct {
	TurnID      string    `cbor:"1,keyasint"`
	ContextID   string    `cbor:"2,keyasint"`
	Destination string    `cbor:"3,keyasint"`
	Text        string    `cbor:"4,keyasint"`
	CompletedAt time.Time `cbor:"5,keyasint"`
}

// QueuedDelivery is a Delivery with its queue bookkeeping.
type QueuedDelivery struct {
	// ID is the queue row, used to mark the entry delivered or
	// failed.
	ID       int64
	Attempts int
	Delivery Delivery
}

// Enqueue adds a delivery to the retry queue, due immediately.
func (s *Store) Enqueue(ctx context.Context, delivery Delivery) error {
	payload, err := cbor.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("capture store: encode delivery: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	now := s.clock.Now().UnixMilli()
	err = sqlitex.Execute(conn, `INSERT INTO retry_queue
		(turn_id, payload, attempts, next_attempt_at, enqueued_at)
		VALUES (?, ?, 0, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{delivery.TurnID, payload, now, now},
		})
	if err != nil {
		return fmt.Errorf("capture store: enqueue delivery for turn %s: %w", delivery.TurnID, err)
	}
	return nil
}

// Due returns queued deliveries whose next attempt time has passed,
// oldest first.
func (s *Store) Due(ctx context.Context, limit int) ([]QueuedDelivery, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var due []QueuedDelivery
	err = sqlitex.Execute(conn, `SELECT id, attempts, payload FROM retry_queue
		WHERE next_attempt_at <= ? ORDER BY enqueued_at LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{s.clock.Now().UnixMilli(), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, payload)

				var delivery Delivery
				if err := cbor.Unmarshal(payload, &delivery); err != nil {
					return fmt.Errorf("decode delivery %d: %w", stmt.ColumnInt64(0), err)
				}
				due = append(due, QueuedDelivery{
					ID:       stmt.ColumnInt64(0),
					Attempts: int(stmt.ColumnInt64(1)),
					Delivery: delivery,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("capture store: due deliveries: %w", err)
	}
	return due, nil
}

// QueueDepth reports how many deliveries are waiting.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	depth := 0
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM retry_queue`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				depth = int(stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("capture store: queue depth: %w", err)
	}
	return depth, nil
}

// Delivered removes a queue entry after successful delivery.
func (s *Store) Delivered(ctx context.Context, id int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM retry_queue WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("capture store: delivered %d: %w", id, err)
	}
	return nil
}

// Failed records a failed delivery attempt. The entry is rescheduled
// with linear backoff (attempts x backoff); once attempts reach
// maxAttempts the entry is dropped with a warning, because a delivery
// that failed that many times is overwhelmingly likely to keep
// failing and the queue must not grow without bound.
func (s *Store) Failed(ctx context.Context, id int64, backoff time.Duration, maxAttempts int) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	attempts := -1
	err = sqlitex.Execute(conn, `UPDATE retry_queue
		SET attempts = attempts + 1
		WHERE id = ? RETURNING attempts, turn_id`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				attempts = int(stmt.ColumnInt64(0))
				if attempts >= maxAttempts {
					s.logger.Warn("delivery dropped after repeated failures",
						"queue_id", id,
						"turn", stmt.ColumnText(1),
						"attempts", attempts)
				}
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("capture store: failed %d: %w", id, err)
	}
	if attempts < 0 {
		return fmt.Errorf("capture store: queue entry %d not found", id)
	}

	if attempts >= maxAttempts {
		return s.deleteEntry(conn, id)
	}

	nextAttempt := s.clock.Now().Add(time.Duration(attempts) * backoff).UnixMilli()
	err = sqlitex.Execute(conn, `UPDATE retry_queue SET next_attempt_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{nextAttempt, id}})
	if err != nil {
		return fmt.Errorf("capture store: reschedule %d: %w", id, err)
	}
	return nil
}

func (s *Store) deleteEntry(conn *sqlite.Conn, id int64) error {
	err := sqlitex.Execute(conn, `DELETE FROM retry_queue WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return fmt.Errorf("capture store: drop %d: %w", id, err)
	}
	return nil
}
