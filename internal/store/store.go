// Package store is the relational persistence layer for the coordinator:
// agent registry, scheduled tasks, the inter-agent handoff queue, shared
// key/value state, and the tool-execution audit log.
//
// All operations run over one bounded pgx connection pool. The pool is
// created lazily on first use so the handle can be constructed before the
// database is reachable; creation is guarded so exactly one caller
// performs it under concurrent access. The handle is safe for concurrent
// use from the scheduler and any interactive request handling in the
// same process.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	schemaName = "agent_storage"

	poolMinConns = 2
	poolMaxConns = 10
)

// Store is the database handle. Construct with New and inject it from the
// composition root; it holds no global state.
type Store struct {
	dsn    string
	logger *slog.Logger

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

// New creates a Store for the given connection string. No connection is
// made until the first operation (or an explicit Connect).
func New(dsn string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dsn: dsn, logger: logger}
}

// Connect eagerly creates the connection pool and initializes the schema.
func (s *Store) Connect(ctx context.Context) error {
	_, err := s.acquire(ctx)
	return err
}

// acquire returns the pool, creating it on first use. Double-checked:
// the read lock covers the steady state, the write lock the one-time
// creation.
func (s *Store) acquire(ctx context.Context) (*pgxpool.Pool, error) {
	s.mu.RLock()
	pool := s.pool
	s.mu.RUnlock()
	if pool != nil {
		return pool, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return s.pool, nil
	}

	cfg, err := pgxpool.ParseConfig(s.dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MinConns = poolMinConns
	cfg.MaxConns = poolMaxConns

	start := time.Now()
	pool, err = pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	s.pool = pool
	s.logger.Info("connection pool created",
		"min_conns", poolMinConns,
		"max_conns", poolMaxConns,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return s.pool, nil
}

// Close releases the pool. Safe to call on a never-connected Store.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
		s.logger.Info("connection pool closed")
	}
}

// HealthCheck verifies database connectivity.
func (s *Store) HealthCheck(ctx context.Context) error {
	pool, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	var one int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

// truncate bounds s to at most max runes, mirroring how results and audit
// snapshots are cut before storage.
func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
