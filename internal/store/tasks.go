package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ScheduledTask is a self-scheduled unit of work an agent asked to run on
// the coordinator's interval. The prompt may carry {placeholder} spans
// that are rendered at execution time.
type ScheduledTask struct {
	TaskID      string
	AgentUserID string
	TaskName    string
	TaskPrompt  string
	CronExpr    string
	Enabled     bool
	LastRunAt   *time.Time
	LastStatus  string
	LastResult  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Stored results are bounded so a runaway tool response cannot bloat the
// task row. The full output still reaches the audit log, truncated there
// on its own budget.
const maxResultRunes = 2000

const taskColumns = `task_id, agent_user_id, task_name, task_prompt, cron_expr,
	is_enabled, last_run_at, last_status, last_result, created_at, updated_at`

func scanTask(row pgx.Row, t *ScheduledTask) error {
	return row.Scan(
		&t.TaskID,
		&t.AgentUserID,
		&t.TaskName,
		&t.TaskPrompt,
		&t.CronExpr,
		&t.Enabled,
		&t.LastRunAt,
		&t.LastStatus,
		&t.LastResult,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
}

// EnabledTasks returns the agent's enabled tasks, oldest first, so task
// execution order within a tick is deterministic.
func (s *Store) EnabledTasks(ctx context.Context, agentUserID string) ([]ScheduledTask, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM `+schemaName+`.scheduled_tasks
		WHERE LOWER(agent_user_id) = LOWER($1) AND is_enabled = TRUE
		ORDER BY created_at;
	`, agentUserID)
}

// AllTasks returns every task for the agent regardless of enabled state,
// oldest first. Used by the registry management surface.
func (s *Store) AllTasks(ctx context.Context, agentUserID string) ([]ScheduledTask, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM `+schemaName+`.scheduled_tasks
		WHERE LOWER(agent_user_id) = LOWER($1)
		ORDER BY created_at;
	`, agentUserID)
}

func (s *Store) queryTasks(ctx context.Context, sql string, args ...any) ([]ScheduledTask, error) {
	pool, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		if err := scanTask(rows, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// CreateTask inserts a new scheduled task for the agent and returns the
// stored row, including the generated id.
func (s *Store) CreateTask(ctx context.Context, t ScheduledTask) (*ScheduledTask, error) {
	pool, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	var out ScheduledTask
	err = scanTask(pool.QueryRow(ctx, `
		INSERT INTO `+schemaName+`.scheduled_tasks
			(agent_user_id, task_name, task_prompt, cron_expr, is_enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+taskColumns+`;
	`, t.AgentUserID, t.TaskName, t.TaskPrompt, t.CronExpr, t.Enabled), &out)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &out, nil
}

// TaskUpdate names the mutable task fields. Nil pointers leave the stored
// value unchanged.
type TaskUpdate struct {
	TaskName   *string
	TaskPrompt *string
	CronExpr   *string
	Enabled    *bool
}

// UpdateTask applies a partial update. Returns (nil, nil) when no such
// task exists.
func (s *Store) UpdateTask(ctx context.Context, taskID string, upd TaskUpdate) (*ScheduledTask, error) {
	pool, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	var t ScheduledTask
	err = scanTask(pool.QueryRow(ctx, `
		UPDATE `+schemaName+`.scheduled_tasks SET
			task_name = COALESCE($2, task_name),
			task_prompt = COALESCE($3, task_prompt),
			cron_expr = COALESCE($4, cron_expr),
			is_enabled = COALESCE($5, is_enabled),
			updated_at = NOW()
		WHERE task_id = $1
		RETURNING `+taskColumns+`;
	`, taskID, upd.TaskName, upd.TaskPrompt, upd.CronExpr, upd.Enabled), &t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return &t, nil
}

// DeleteTask removes a task. Reports whether a row was deleted.
func (s *Store) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	pool, err := s.acquire(ctx)
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, `
		DELETE FROM `+schemaName+`.scheduled_tasks WHERE task_id = $1;
	`, taskID)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordTaskResult stamps the run outcome onto the task row. The result
// text is truncated to the stored budget; callers pass the full text.
func (s *Store) RecordTaskResult(ctx context.Context, taskID, status, result string) error {
	pool, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `
		UPDATE `+schemaName+`.scheduled_tasks SET
			last_run_at = NOW(),
			last_status = $2,
			last_result = $3,
			updated_at = NOW()
		WHERE task_id = $1;
	`, taskID, status, truncate(result, maxResultRunes))
	if err != nil {
		return fmt.Errorf("record task result: %w", err)
	}
	return nil
}
