package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Agent is a row in the agent registry: one registered service principal
// representing an autonomous assistant, distinct from the human it acts
// for.
type Agent struct {
	UserID               string
	IdentityClientID     string
	UserObjectID         string
	Instructions         string
	InstructionsComplete bool
	ManagerEmail         string
	ManagerName          string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

const agentColumns = `agent_user_id, agent_identity_client_id, agent_user_object_id,
	instructions, is_instructions_complete, manager_email, manager_name,
	created_at, updated_at`

func scanAgent(row pgx.Row, a *Agent) error {
	return row.Scan(
		&a.UserID,
		&a.IdentityClientID,
		&a.UserObjectID,
		&a.Instructions,
		&a.InstructionsComplete,
		&a.ManagerEmail,
		&a.ManagerName,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
}

// GetAgent looks up an agent by principal name, case-insensitively.
// Returns (nil, nil) when no such agent exists.
func (s *Store) GetAgent(ctx context.Context, userID string) (*Agent, error) {
	pool, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	var a Agent
	err = scanAgent(pool.QueryRow(ctx, `
		SELECT `+agentColumns+`
		FROM `+schemaName+`.agent_registry
		WHERE LOWER(agent_user_id) = LOWER($1);
	`, userID), &a)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// UpsertAgent creates or replaces a registry entry, keyed by principal
// name. Used by the first-contact registration path.
func (s *Store) UpsertAgent(ctx context.Context, a Agent) (*Agent, error) {
	pool, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	var out Agent
	err = scanAgent(pool.QueryRow(ctx, `
		INSERT INTO `+schemaName+`.agent_registry
			(agent_user_id, agent_identity_client_id, agent_user_object_id,
			 instructions, is_instructions_complete, manager_email, manager_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_user_id) DO UPDATE SET
			agent_identity_client_id = EXCLUDED.agent_identity_client_id,
			agent_user_object_id = EXCLUDED.agent_user_object_id,
			instructions = EXCLUDED.instructions,
			is_instructions_complete = EXCLUDED.is_instructions_complete,
			manager_email = EXCLUDED.manager_email,
			manager_name = EXCLUDED.manager_name,
			updated_at = NOW()
		RETURNING `+agentColumns+`;
	`, a.UserID, a.IdentityClientID, a.UserObjectID,
		a.Instructions, a.InstructionsComplete, a.ManagerEmail, a.ManagerName), &out)
	if err != nil {
		return nil, fmt.Errorf("upsert agent: %w", err)
	}
	return &out, nil
}

// AgentUpdate names the mutable registry fields. Nil pointers leave the
// stored value unchanged.
type AgentUpdate struct {
	Instructions         *string
	InstructionsComplete *bool
	ManagerEmail         *string
	ManagerName          *string
}

// UpdateAgent applies a partial update to a registry entry.
// Returns (nil, nil) when no such agent exists.
func (s *Store) UpdateAgent(ctx context.Context, userID string, upd AgentUpdate) (*Agent, error) {
	pool, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	var a Agent
	err = scanAgent(pool.QueryRow(ctx, `
		UPDATE `+schemaName+`.agent_registry SET
			instructions = COALESCE($2, instructions),
			is_instructions_complete = COALESCE($3, is_instructions_complete),
			manager_email = COALESCE($4, manager_email),
			manager_name = COALESCE($5, manager_name),
			updated_at = NOW()
		WHERE LOWER(agent_user_id) = LOWER($1)
		RETURNING `+agentColumns+`;
	`, userID, upd.Instructions, upd.InstructionsComplete, upd.ManagerEmail, upd.ManagerName), &a)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	return &a, nil
}

// EligibleAgents returns every agent with at least one enabled scheduled
// task and a completed onboarding flag. This bounds the per-tick
// iteration set.
func (s *Store) EligibleAgents(ctx context.Context) ([]Agent, error) {
	pool, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `
		SELECT DISTINCT ar.agent_user_id, ar.agent_identity_client_id, ar.agent_user_object_id,
			ar.instructions, ar.is_instructions_complete, ar.manager_email, ar.manager_name,
			ar.created_at, ar.updated_at
		FROM `+schemaName+`.agent_registry ar
		INNER JOIN `+schemaName+`.scheduled_tasks st
			ON LOWER(ar.agent_user_id) = LOWER(st.agent_user_id)
		WHERE st.is_enabled = TRUE
		  AND ar.is_instructions_complete = TRUE
		ORDER BY ar.agent_user_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("eligible agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := scanAgent(rows, &a); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return out, nil
}
