// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package capture stores finalized turns durably and drives the
// delivery retry queue. The store is an audit trail: every turn,
// including failed ones, lands here with its raw screen captures so
// extraction bugs can be diagnosed after the fact.
//
// Raw captures are bulky and repetitive (screens full of box-drawing
// characters compress extremely well), so they are CBOR-encoded and
// zstd-compressed into a single blob per turn, with a BLAKE3 digest
// of the uncompressed content for integrity checks.
package capture

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tiller-foundation/tiller/lib/clock"
	"github.com/tiller-foundation/tiller/lib/sqlitepool"
	"github.com/tiller-foundation/tiller/relay"
)

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	context_id      TEXT NOT NULL,
	destination     TEXT NOT NULL,
	outcome         TEXT NOT NULL,
	prompt          TEXT NOT NULL,
	sentinel        TEXT NOT NULL,
	extracted       TEXT NOT NULL,
	sanitized       TEXT NOT NULL,
	leak_detected   INTEGER NOT NULL,
	pattern_version INTEGER NOT NULL,
	capture_blob    BLOB NOT NULL,
	capture_digest  TEXT NOT NULL,
	started_at      INTEGER NOT NULL,
	ended_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS turns_started_at ON turns(started_at);
CREATE INDEX IF NOT EXISTS turns_outcome ON turns(outcome);

CREATE TABLE IF NOT EXISTS retry_queue (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	turn_id         TEXT NOT NULL,
	payload         BLOB NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	enqueued_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS retry_queue_due ON retry_queue(next_attempt_at);
`

// captureBlob is the compressed per-turn screen payload.
type captureBlob struct {
	Before string `cbor:"1,keyasint"`
	After  string `cbor:"2,keyasint"`
}

// StoreConfig holds the parameters for opening a store.
type StoreConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// PoolSize defaults to 4 if zero or negative.
	PoolSize int

	// RetainTurns caps how many turns Prune keeps. Zero disables
	// count-based pruning.
	RetainTurns int

	// RetainAge is the oldest turn Prune keeps. Zero disables
	// age-based pruning.
	RetainAge time.Duration

	// Clock provides the current time for queue scheduling and
	// retention decisions.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Store is the durable record of turns plus the delivery retry queue.
// Safe for concurrent use.
type Store struct {
	pool    *sqlitepool.Pool
	clock   clock.Clock
	logger  *slog.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	retainTurns int
	retainAge   time.Duration
}

// Open creates the store, creating the database and schema if needed.
func Open(cfg StoreConfig) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("capture store: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, err
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("capture store: zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("capture store: zstd decoder: %w", err)
	}

	return &Store{
		pool:        pool,
		clock:       cfg.Clock,
		logger:      logger,
		encoder:     encoder,
		decoder:     decoder,
		retainTurns: cfg.RetainTurns,
		retainAge:   cfg.RetainAge,
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return s.pool.Close()
}

// Append inserts one finalized turn.
func (s *Store) Append(ctx context.Context, turn relay.Turn) error {
	blob, digest, err := s.encodeCaptures(turn.CaptureBefore, turn.CaptureAfter)
	if err != nil {
		return err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO turns
		(id, kind, context_id, destination, outcome, prompt, sentinel,
		 extracted, sanitized, leak_detected, pattern_version,
		 capture_blob, capture_digest, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				turn.ID,
				string(turn.Kind),
				turn.ContextID,
				turn.Destination,
				string(turn.Outcome),
				turn.Prompt,
				turn.Sentinel,
				turn.Extracted,
				turn.Sanitized,
				boolToInt(turn.LeakDetected),
				turn.PatternVersion,
				blob,
				digest,
				turn.StartedAt.UnixMilli(),
				turn.EndedAt.UnixMilli(),
			},
		})
	if err != nil {
		return fmt.Errorf("capture store: append turn %s: %w", turn.ID, err)
	}
	return nil
}

// Get returns one turn by ID, with captures decompressed.
func (s *Store) Get(ctx context.Context, id string) (relay.Turn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return relay.Turn{}, err
	}
	defer s.pool.Put(conn)

	var turn relay.Turn
	found := false
	err = sqlitex.Execute(conn,
		`SELECT `+turnColumns+` FROM turns WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				var scanErr error
				turn, scanErr = s.scanTurn(stmt)
				return scanErr
			},
		})
	if err != nil {
		return relay.Turn{}, fmt.Errorf("capture store: get turn %s: %w", id, err)
	}
	if !found {
		return relay.Turn{}, fmt.Errorf("capture store: turn %s not found", id)
	}
	return turn, nil
}

// Recent returns the newest turns, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]relay.Turn, error) {
	return s.query(ctx,
		`SELECT `+turnColumns+` FROM turns ORDER BY started_at DESC LIMIT ?`,
		[]any{limit})
}

// RecentFailures returns the newest turns that did not complete, most
// recent first.
func (s *Store) RecentFailures(ctx context.Context, limit int) ([]relay.Turn, error) {
	return s.query(ctx,
		`SELECT `+turnColumns+` FROM turns
		 WHERE outcome != ? ORDER BY started_at DESC LIMIT ?`,
		[]any{string(relay.OutcomeCompleted), limit})
}

// Prune removes turns past the retention limits and returns how many
// were deleted.
func (s *Store) Prune(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	deleted := 0
	if s.retainAge > 0 {
		cutoff := s.clock.Now().Add(-s.retainAge).UnixMilli()
		if err := sqlitex.Execute(conn,
			`DELETE FROM turns WHERE started_at < ?`,
			&sqlitex.ExecOptions{Args: []any{cutoff}}); err != nil {
			return deleted, fmt.Errorf("capture store: age prune: %w", err)
		}
		deleted += conn.Changes()
	}
	if s.retainTurns > 0 {
		if err := sqlitex.Execute(conn,
			`DELETE FROM turns WHERE id NOT IN
			 (SELECT id FROM turns ORDER BY started_at DESC LIMIT ?)`,
			&sqlitex.ExecOptions{Args: []any{s.retainTurns}}); err != nil {
			return deleted, fmt.Errorf("capture store: count prune: %w", err)
		}
		deleted += conn.Changes()
	}

	if deleted > 0 {
		s.logger.Info("pruned turns", "deleted", deleted)
	}
	return deleted, nil
}

const turnColumns = `id, kind, context_id, destination, outcome, prompt,
	sentinel, extracted, sanitized, leak_detected, pattern_version,
	capture_blob, started_at, ended_at`

func (s *Store) query(ctx context.Context, query string, args []any) ([]relay.Turn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var turns []relay.Turn
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			turn, scanErr := s.scanTurn(stmt)
			if scanErr != nil {
				return scanErr
			}
			turns = append(turns, turn)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("capture store: query turns: %w", err)
	}
	return turns, nil
}

// scanTurn reads one row in turnColumns order.
func (s *Store) scanTurn(stmt *sqlite.Stmt) (relay.Turn, error) {
	turn := relay.Turn{
		ID:             stmt.ColumnText(0),
		Kind:           relay.RequesterKind(stmt.ColumnText(1)),
		ContextID:      stmt.ColumnText(2),
		Destination:    stmt.ColumnText(3),
		Outcome:        relay.Outcome(stmt.ColumnText(4)),
		Prompt:         stmt.ColumnText(5),
		Sentinel:       stmt.ColumnText(6),
		Extracted:      stmt.ColumnText(7),
		Sanitized:      stmt.ColumnText(8),
		LeakDetected:   stmt.ColumnInt64(9) != 0,
		PatternVersion: int(stmt.ColumnInt64(10)),
		StartedAt:      time.UnixMilli(stmt.ColumnInt64(12)).UTC(),
		EndedAt:        time.UnixMilli(stmt.ColumnInt64(13)).UTC(),
	}

	blob := make([]byte, stmt.ColumnLen(11))
	stmt.ColumnBytes(11, blob)
	before, after, err := s.decodeCaptures(blob)
	if err != nil {
		return relay.Turn{}, fmt.Errorf("turn %s: %w", turn.ID, err)
	}
	turn.CaptureBefore = before
	turn.CaptureAfter = after
	return turn, nil
}

func (s *Store) encodeCaptures(before, after string) ([]byte, string, error) {
	raw, err := cbor.Marshal(captureBlob{Before: before, After: after})
	if err != nil {
		return nil, "", fmt.Errorf("capture store: encode captures: %w", err)
	}
	digest := blake3.Sum256(raw)
	return s.encoder.EncodeAll(raw, nil), hex.EncodeToString(digest[:]), nil
}

func (s *Store) decodeCaptures(blob []byte) (before, after string, err error) {
	raw, err := s.decoder.DecodeAll(blob, nil)
	if err != nil {
		return "", "", fmt.Errorf("decompress captures: %w", err)
	}
	var decoded captureBlob
	if err := cbor.Unmarshal(raw, &decoded); err != nil {
		return "", "", fmt.Errorf("decode captures: %w", err)
	}
	return decoded.Before, decoded.After, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
