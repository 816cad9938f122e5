package store

import (
	"context"
	"fmt"
	"time"
)

// ToolExecution is one audit row: which agent invoked which tool, with
// bounded snapshots of the input and output.
type ToolExecution struct {
	ID             int64
	AgentID        string
	ConversationID string
	ToolName       string
	ToolInput      string
	ToolOutput     string
	Status         string
	DurationMS     int64
	CreatedAt      time.Time
}

// Audit snapshots keep enough to diagnose a run without mirroring whole
// payloads into the log table.
const maxSnapshotRunes = 500

// LogToolExecution appends an audit row. Input and output are truncated
// to the snapshot budget before storage.
func (s *Store) LogToolExecution(ctx context.Context, e ToolExecution) error {
	pool, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO `+schemaName+`.tool_executions
			(agent_id, conversation_id, tool_name, tool_input, tool_output, status, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`, e.AgentID, e.ConversationID, e.ToolName,
		truncate(e.ToolInput, maxSnapshotRunes),
		truncate(e.ToolOutput, maxSnapshotRunes),
		e.Status, e.DurationMS)
	if err != nil {
		return fmt.Errorf("log tool execution: %w", err)
	}
	return nil
}

// RecentExecutions returns the agent's latest audit rows, newest first.
func (s *Store) RecentExecutions(ctx context.Context, agentID string, limit int) ([]ToolExecution, error) {
	pool, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := pool.Query(ctx, `
		SELECT id, agent_id, conversation_id, tool_name, tool_input, tool_output,
			status, duration_ms, created_at
		FROM `+schemaName+`.tool_executions
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2;
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent executions: %w", err)
	}
	defer rows.Close()

	var out []ToolExecution
	for rows.Next() {
		var e ToolExecution
		if err := rows.Scan(
			&e.ID, &e.AgentID, &e.ConversationID, &e.ToolName,
			&e.ToolInput, &e.ToolOutput, &e.Status, &e.DurationMS, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution rows: %w", err)
	}
	return out, nil
}
