package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// StateEntry is one shared key/value row. Values are opaque text; agents
// agree on their encoding out of band.
type StateEntry struct {
	Key        string
	Value      string
	OwnerAgent string
	ExpiresAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SetState upserts a key. A positive ttl sets an expiry relative to now;
// a non-positive ttl stores the key without expiry.
func (s *Store) SetState(ctx context.Context, key, value, ownerAgent string, ttl time.Duration) error {
	pool, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO `+schemaName+`.shared_state (key, value, owner_agent, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			owner_agent = EXCLUDED.owner_agent,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW();
	`, key, value, ownerAgent, expires)
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

// GetState reads a key. Expiry is lazy: an expired row is deleted on
// read and treated as absent. Returns (nil, nil) when the key does not
// exist or has expired.
func (s *Store) GetState(ctx context.Context, key string) (*StateEntry, error) {
	pool, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	var e StateEntry
	err = pool.QueryRow(ctx, `
		SELECT key, value, owner_agent, expires_at, created_at, updated_at
		FROM `+schemaName+`.shared_state
		WHERE key = $1;
	`, key).Scan(&e.Key, &e.Value, &e.OwnerAgent, &e.ExpiresAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}

	if e.ExpiresAt != nil && time.Now().After(*e.ExpiresAt) {
		if err := s.reapExpired(ctx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &e, nil
}

// reapExpired deletes key only while it is still expired. A concurrent
// writer may have refreshed the key after the read observed the stale
// row; the predicate leaves such a live value untouched.
func (s *Store) reapExpired(ctx context.Context, key string) error {
	pool, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `
		DELETE FROM `+schemaName+`.shared_state
		WHERE key = $1 AND expires_at IS NOT NULL AND expires_at <= NOW();
	`, key)
	if err != nil {
		return fmt.Errorf("expire state: %w", err)
	}
	return nil
}

// DeleteState removes a key. Reports whether a row was deleted.
func (s *Store) DeleteState(ctx context.Context, key string) (bool, error) {
	pool, err := s.acquire(ctx)
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, `
		DELETE FROM `+schemaName+`.shared_state WHERE key = $1;
	`, key)
	if err != nil {
		return false, fmt.Errorf("delete state: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
