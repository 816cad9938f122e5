package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueEntry is one handoff in the inter-agent task queue. Payload and
// Result are opaque JSON documents owned by the agents on either side.
type QueueEntry struct {
	TaskID      string
	SourceAgent string
	TargetAgent string
	TaskType    string
	Payload     json.RawMessage
	Status      string
	Result      json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Queue entry statuses. Transitions are forward only: pending moves to
// in_progress on claim, then to completed or failed exactly once.
const (
	QueuePending    = "pending"
	QueueInProgress = "in_progress"
	QueueCompleted  = "completed"
	QueueFailed     = "failed"
)

const defaultDequeueLimit = 10

const queueColumns = `task_id, source_agent, target_agent, task_type, payload,
	status, result, created_at, updated_at`

// Enqueue adds a pending entry addressed to targetAgent and returns its
// generated id. A nil payload is stored as an empty object.
func (s *Store) Enqueue(ctx context.Context, sourceAgent, targetAgent, taskType string, payload json.RawMessage) (string, error) {
	pool, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	id := uuid.NewString()
	_, err = pool.Exec(ctx, `
		INSERT INTO `+schemaName+`.task_queue
			(task_id, source_agent, target_agent, task_type, payload, status)
		VALUES ($1, $2, $3, $4, $5, 'pending');
	`, id, sourceAgent, targetAgent, taskType, payload)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// Dequeue atomically claims up to limit pending entries addressed to
// targetAgent, oldest first, marking them in_progress. Concurrent callers
// never receive the same entry: the select locks claimed rows and skips
// rows locked by other transactions. A non-positive limit uses the
// default batch size.
func (s *Store) Dequeue(ctx context.Context, targetAgent string, limit int) ([]QueueEntry, error) {
	pool, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultDequeueLimit
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("dequeue begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE `+schemaName+`.task_queue SET
			status = 'in_progress',
			updated_at = NOW()
		WHERE task_id IN (
			SELECT task_id FROM `+schemaName+`.task_queue
			WHERE target_agent = $1 AND status = 'pending'
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueColumns+`;
	`, targetAgent, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	var out []QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(
			&e.TaskID, &e.SourceAgent, &e.TargetAgent, &e.TaskType,
			&e.Payload, &e.Status, &e.Result, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("dequeue commit: %w", err)
	}
	return out, nil
}

// Complete finishes a claimed entry with a terminal status and optional
// result document. Only entries currently in_progress are touched, so a
// stale or duplicate completion is a no-op; reports whether the entry was
// updated.
func (s *Store) Complete(ctx context.Context, taskID, status string, result json.RawMessage) (bool, error) {
	if status != QueueCompleted && status != QueueFailed {
		return false, fmt.Errorf("complete: status %q is not terminal", status)
	}
	pool, err := s.acquire(ctx)
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, `
		UPDATE `+schemaName+`.task_queue SET
			status = $2,
			result = $3,
			updated_at = NOW()
		WHERE task_id = $1 AND status = 'in_progress';
	`, taskID, status, result)
	if err != nil {
		return false, fmt.Errorf("complete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PendingCount reports how many entries are waiting for targetAgent.
func (s *Store) PendingCount(ctx context.Context, targetAgent string) (int, error) {
	pool, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM `+schemaName+`.task_queue
		WHERE target_agent = $1 AND status = 'pending';
	`, targetAgent).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}
