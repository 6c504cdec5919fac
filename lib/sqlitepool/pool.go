// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool wraps zombiezen sqlite connection pooling with
// Tiller-standard pragmas. The capture store is the only database in
// the system: an append-only local record that must survive process
// restarts and tolerate one writer (the turn path's async recorder)
// alongside readers (the retry-queue drainer, the inspector CLI).
package sqlitepool

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config holds parameters for opening a pool. Path is required.
type Config struct {
	// Path is the database file; the parent directory must exist.
	// ":memory:" works for tests, with PoolSize 1 (each in-memory
	// connection is an independent database).
	Path string

	// PoolSize is the number of connections. Zero or negative
	// defaults to 4 — writes serialize inside SQLite regardless, and
	// Tiller's read concurrency is tiny.
	PoolSize int

	// Logger receives operational messages. Nil discards.
	Logger *slog.Logger

	// OnConnect runs once per connection after the standard pragmas,
	// for schema creation.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a fixed-size SQLite connection pool. The pool is safe for
// concurrent use; individual connections are not — Take one per
// goroutine and Put it back.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the pool, creating the database file if needed.
// Connections initialize lazily on first Take. Callers must Close.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepare(conn, cfg.OnConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite pool opened", "path", cfg.Path, "pool_size", poolSize)

	return &Pool{inner: inner, logger: logger, path: cfg.Path}, nil
}

// Take borrows a connection, blocking until one is free or ctx is
// cancelled. Callers must Put it back, typically via defer.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Nil is a no-op.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Close closes all connections, blocking until borrowed ones return.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

// prepare applies the standard pragmas, then the OnConnect hook. WAL
// keeps the single writer from blocking readers; NORMAL synchronous is
// durable enough for an audit log that tolerates losing the last
// moments before a power cut.
func prepare(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}

	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("sqlitepool: OnConnect: %w", err)
		}
	}
	return nil
}
