// Package taskadmin is the management surface for the agent registry
// and its scheduled tasks. It validates input before touching the
// store so callers get field-level errors instead of database ones.
package taskadmin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/basket/agentpulse/internal/store"
)

// ErrNotFound reports a missing agent or task.
var ErrNotFound = errors.New("not found")

// Store is the slice of the persistence layer this service needs.
type Store interface {
	GetAgent(ctx context.Context, userID string) (*store.Agent, error)
	UpsertAgent(ctx context.Context, a store.Agent) (*store.Agent, error)
	UpdateAgent(ctx context.Context, userID string, upd store.AgentUpdate) (*store.Agent, error)
	AllTasks(ctx context.Context, agentUserID string) ([]store.ScheduledTask, error)
	CreateTask(ctx context.Context, t store.ScheduledTask) (*store.ScheduledTask, error)
	UpdateTask(ctx context.Context, taskID string, upd store.TaskUpdate) (*store.ScheduledTask, error)
	DeleteTask(ctx context.Context, taskID string) (bool, error)
}

// Service wraps the store with validation and logging.
type Service struct {
	store  Store
	logger *slog.Logger
}

// New builds a Service.
func New(st Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger.With("component", "taskadmin")}
}

// RegisterAgent creates or refreshes a registry entry. The principal
// name is required; everything else may arrive later via UpdateAgent.
func (s *Service) RegisterAgent(ctx context.Context, a store.Agent) (*store.Agent, error) {
	a.UserID = strings.TrimSpace(a.UserID)
	if a.UserID == "" {
		return nil, fmt.Errorf("agent user id is required")
	}
	out, err := s.store.UpsertAgent(ctx, a)
	if err != nil {
		return nil, err
	}
	s.logger.Info("agent registered", "agent", out.UserID)
	return out, nil
}

// UpdateAgent applies a partial registry update.
func (s *Service) UpdateAgent(ctx context.Context, userID string, upd store.AgentUpdate) (*store.Agent, error) {
	out, err := s.store.UpdateAgent(ctx, userID, upd)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("agent %s: %w", userID, ErrNotFound)
	}
	return out, nil
}

// ListTasks returns every task registered for the agent.
func (s *Service) ListTasks(ctx context.Context, agentUserID string) ([]store.ScheduledTask, error) {
	agent, err := s.store.GetAgent(ctx, agentUserID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s: %w", agentUserID, ErrNotFound)
	}
	return s.store.AllTasks(ctx, agent.UserID)
}

// CreateTask validates and stores a new scheduled task for an existing
// agent.
func (s *Service) CreateTask(ctx context.Context, t store.ScheduledTask) (*store.ScheduledTask, error) {
	t.TaskName = strings.TrimSpace(t.TaskName)
	if t.TaskName == "" {
		return nil, fmt.Errorf("task name is required")
	}
	if strings.TrimSpace(t.TaskPrompt) == "" {
		return nil, fmt.Errorf("task prompt is required")
	}
	if err := validateCron(t.CronExpr); err != nil {
		return nil, err
	}

	agent, err := s.store.GetAgent(ctx, t.AgentUserID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s: %w", t.AgentUserID, ErrNotFound)
	}
	t.AgentUserID = agent.UserID

	out, err := s.store.CreateTask(ctx, t)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task created", "agent", out.AgentUserID, "task", out.TaskName, "task_id", out.TaskID)
	return out, nil
}

// UpdateTask applies a partial task update, validating any new cron
// expression first.
func (s *Service) UpdateTask(ctx context.Context, taskID string, upd store.TaskUpdate) (*store.ScheduledTask, error) {
	if upd.CronExpr != nil {
		if err := validateCron(*upd.CronExpr); err != nil {
			return nil, err
		}
	}
	if upd.TaskName != nil && strings.TrimSpace(*upd.TaskName) == "" {
		return nil, fmt.Errorf("task name cannot be empty")
	}
	out, err := s.store.UpdateTask(ctx, taskID, upd)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return out, nil
}

// DeleteTask removes a task.
func (s *Service) DeleteTask(ctx context.Context, taskID string) error {
	ok, err := s.store.DeleteTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	s.logger.Info("task deleted", "task_id", taskID)
	return nil
}

// validateCron accepts an empty expression (run every tick) or a
// standard five-field expression.
func validateCron(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}
