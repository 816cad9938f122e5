package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// initSchema creates the schema and tables if they do not exist. All
// statements are idempotent; this runs once per pool creation.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schemaName + `;`,

		`CREATE TABLE IF NOT EXISTS ` + schemaName + `.agent_registry (
			agent_user_id TEXT PRIMARY KEY,
			agent_identity_client_id TEXT NOT NULL DEFAULT '',
			agent_user_object_id TEXT NOT NULL DEFAULT '',
			instructions TEXT NOT NULL DEFAULT '',
			is_instructions_complete BOOLEAN NOT NULL DEFAULT FALSE,
			manager_email TEXT NOT NULL DEFAULT '',
			manager_name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		// Principal names compare case-insensitively.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_registry_lower
			ON ` + schemaName + `.agent_registry (LOWER(agent_user_id));`,

		`CREATE TABLE IF NOT EXISTS ` + schemaName + `.scheduled_tasks (
			task_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			agent_user_id TEXT NOT NULL REFERENCES ` + schemaName + `.agent_registry(agent_user_id) ON DELETE CASCADE,
			task_name TEXT NOT NULL,
			task_prompt TEXT NOT NULL,
			cron_expr TEXT NOT NULL DEFAULT '',
			is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			last_run_at TIMESTAMPTZ,
			last_status TEXT NOT NULL DEFAULT '',
			last_result TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_agent
			ON ` + schemaName + `.scheduled_tasks (LOWER(agent_user_id), created_at);`,

		`CREATE TABLE IF NOT EXISTS ` + schemaName + `.task_queue (
			task_id UUID PRIMARY KEY,
			source_agent TEXT NOT NULL,
			target_agent TEXT NOT NULL,
			task_type TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending', 'in_progress', 'completed', 'failed')),
			result JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_queue_target
			ON ` + schemaName + `.task_queue (target_agent, status, created_at);`,

		`CREATE TABLE IF NOT EXISTS ` + schemaName + `.shared_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT '',
			owner_agent TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,

		`CREATE TABLE IF NOT EXISTS ` + schemaName + `.tool_executions (
			id BIGSERIAL PRIMARY KEY,
			agent_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL,
			tool_input TEXT NOT NULL DEFAULT '',
			tool_output TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'success',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tool_executions_agent
			ON ` + schemaName + `.tool_executions (agent_id, created_at DESC);`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
