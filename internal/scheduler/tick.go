package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentpulse/internal/backend"
	"github.com/basket/agentpulse/internal/identity"
	"github.com/basket/agentpulse/internal/store"
)

// ConversationID tags every headless run in the audit log so interactive
// traffic can be filtered out.
const ConversationID = "proactive-cron"

// agentOutcome classifies how one agent fared within a tick.
type agentOutcome string

const (
	outcomeProcessed    agentOutcome = "processed"
	outcomeNoTasks      agentOutcome = "no_tasks"
	outcomeMissingCreds agentOutcome = "missing_credentials"
	outcomeTokenFailed  agentOutcome = "token_failed"
	outcomeOpenFailed   agentOutcome = "session_open_failed"
)

// runTick executes one full cycle over all eligible agents. A failure in
// one agent never stops the others; a panic anywhere in the tick is
// contained so the loop survives to the next interval.
func (s *Scheduler) runTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tick panicked", "panic", fmt.Sprint(r))
		}
	}()

	ctx, span := s.tracer.Start(ctx, "tick")
	defer span.End()

	start := time.Now()
	agents, err := s.store.EligibleAgents(ctx)
	if err != nil {
		s.logger.Error("tick aborted, eligible agent query failed", "error", err)
		return
	}
	if len(agents) == 0 {
		s.logger.Info("no agents with enabled tasks, skipping tick")
		return
	}
	s.logger.Info("tick starting", "agents", len(agents))
	span.SetAttributes(attribute.Int("tick.agents", len(agents)))

	for _, agent := range agents {
		agentCtx, agentSpan := s.tracer.Start(ctx, "agent",
			trace.WithAttributes(attribute.String("agent.id", agent.UserID)))
		outcome := s.processAgent(agentCtx, agent)
		agentSpan.SetAttributes(attribute.String("agent.outcome", string(outcome)))
		agentSpan.End()
		if s.metrics != nil {
			switch outcome {
			case outcomeProcessed:
				s.metrics.AgentsProcessed.Add(ctx, 1)
			case outcomeTokenFailed:
				s.metrics.ExchangeFailures.Add(ctx, 1)
				s.metrics.AgentsSkipped.Add(ctx, 1)
			default:
				s.metrics.AgentsSkipped.Add(ctx, 1)
			}
		}
		if ctx.Err() != nil {
			return
		}
	}

	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.TickDuration.Record(ctx, elapsed.Seconds())
	}
	s.logger.Info("tick completed", "agents", len(agents), "elapsed_ms", elapsed.Milliseconds())
}

// processAgent authenticates one agent and runs its due tasks over a
// single backend session. Every failure path logs and returns an
// outcome; nothing propagates to the caller.
func (s *Scheduler) processAgent(ctx context.Context, agent store.Agent) agentOutcome {
	log := s.logger.With("agent", agent.UserID)

	creds := identity.Resolve(s.tenant, agent.UserID, agent.IdentityClientID, agent.UserObjectID)
	if missing := creds.MissingFields(); len(missing) > 0 {
		log.Error("skipping agent, incomplete credentials", "missing", missing)
		return outcomeMissingCreds
	}

	// Exchange before listing tasks: a broken credential surfaces every
	// tick even when all the agent's tasks are cron-gated quiet.
	token, err := s.tokens.ResourceToken(ctx, creds)
	if err != nil {
		log.Error("token exchange failed", "error", err)
		return outcomeTokenFailed
	}

	tasks, err := s.store.EnabledTasks(ctx, agent.UserID)
	if err != nil {
		log.Error("task query failed", "error", err)
		return outcomeNoTasks
	}
	due := tasks[:0:0]
	for _, task := range tasks {
		if s.taskDue(task, log) {
			due = append(due, task)
		}
	}
	if len(due) == 0 {
		log.Info("no due tasks, skipping agent")
		return outcomeNoTasks
	}

	sess, err := s.backend.Open(ctx, backend.SessionSpec{
		AgentUserID:    agent.UserID,
		ConversationID: ConversationID,
		SystemPrompt:   s.systemPrompt,
		BearerToken:    token,
	})
	if err != nil {
		log.Error("session open failed", "error", err)
		return outcomeOpenFailed
	}
	defer func() {
		if err := sess.Close(ctx); err != nil {
			log.Warn("session close failed", "error", err)
		}
	}()

	log.Info("running tasks", "tasks", len(due))
	for _, task := range due {
		s.executeTask(ctx, sess, agent, task)
	}
	s.drainHandoffs(ctx, sess, agent)
	return outcomeProcessed
}

// drainHandoffs claims the agent's pending queue entries and runs each
// through the already-open session. Every claimed entry reaches a
// terminal status even when the run fails.
func (s *Scheduler) drainHandoffs(ctx context.Context, sess backend.Session, agent store.Agent) {
	log := s.logger.With("agent", agent.UserID)

	entries, err := s.store.Dequeue(ctx, agent.UserID, 0)
	if err != nil {
		log.Error("handoff claim failed", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	if s.metrics != nil {
		s.metrics.QueueClaims.Add(ctx, int64(len(entries)))
	}
	log.Info("processing handoffs", "entries", len(entries))

	for _, entry := range entries {
		prompt := handoffPrompt(entry)
		start := time.Now()

		status := store.QueueCompleted
		response, err := sess.Run(ctx, prompt)
		if err != nil {
			status = store.QueueFailed
			response = err.Error()
			log.Error("handoff failed", "task_id", entry.TaskID, "error", err)
		}

		result, _ := json.Marshal(map[string]string{"response": response})
		if _, err := s.store.Complete(ctx, entry.TaskID, status, result); err != nil {
			log.Warn("could not complete handoff", "task_id", entry.TaskID, "error", err)
		}
		audit := store.ToolExecution{
			AgentID:        agent.UserID,
			ConversationID: ConversationID,
			ToolName:       "handoff:" + entry.TaskType,
			ToolInput:      prompt,
			ToolOutput:     response,
			Status:         statusWord(status),
			DurationMS:     time.Since(start).Milliseconds(),
		}
		if err := s.store.LogToolExecution(ctx, audit); err != nil {
			log.Warn("could not write audit row", "error", err)
		}
	}
}

// handoffPrompt extracts the prompt from a queue payload. Payloads carry
// either a "prompt" field or an arbitrary document the agent interprets
// itself.
func handoffPrompt(entry store.QueueEntry) string {
	var payload struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(entry.Payload, &payload); err == nil && payload.Prompt != "" {
		return payload.Prompt
	}
	return fmt.Sprintf("Handle a %q request from %s with this payload: %s",
		entry.TaskType, entry.SourceAgent, string(entry.Payload))
}

func statusWord(queueStatus string) string {
	if queueStatus == store.QueueCompleted {
		return "success"
	}
	return "error"
}

// taskDue applies the optional per-task cron gate. Tasks without an
// expression run every tick. An unparsable expression disables the task
// for the tick rather than running it at the wrong cadence.
func (s *Scheduler) taskDue(task store.ScheduledTask, log *slog.Logger) bool {
	if task.CronExpr == "" {
		return true
	}
	schedule, err := cron.ParseStandard(task.CronExpr)
	if err != nil {
		log.Warn("invalid cron expression, task skipped",
			"task", task.TaskName, "cron", task.CronExpr, "error", err)
		return false
	}
	last := task.CreatedAt
	if task.LastRunAt != nil {
		last = *task.LastRunAt
	}
	return !schedule.Next(last).After(time.Now())
}

// executeTask runs one task through the open session, then records the
// outcome on the task row and in the audit log. A run failure becomes an
// error status; the remaining tasks still run.
func (s *Scheduler) executeTask(ctx context.Context, sess backend.Session, agent store.Agent, task store.ScheduledTask) {
	log := s.logger.With("agent", agent.UserID, "task", task.TaskName)

	prompt := renderPrompt(task.TaskPrompt, promptVars(agent))
	start := time.Now()

	status := "success"
	response, err := sess.Run(ctx, prompt)
	if err != nil {
		status = "error"
		response = err.Error()
		log.Error("task failed", "error", err)
	} else {
		log.Info("task completed", "response_len", len(response))
	}
	elapsed := time.Since(start)

	if s.metrics != nil {
		s.metrics.TasksExecuted.Add(ctx, 1)
		s.metrics.TaskDuration.Record(ctx, elapsed.Seconds())
	}

	if err := s.store.RecordTaskResult(ctx, task.TaskID, status, response); err != nil {
		log.Warn("could not record task result", "error", err)
	}
	audit := store.ToolExecution{
		AgentID:        agent.UserID,
		ConversationID: ConversationID,
		ToolName:       "cron:" + task.TaskName,
		ToolInput:      prompt,
		ToolOutput:     response,
		Status:         status,
		DurationMS:     elapsed.Milliseconds(),
	}
	if err := s.store.LogToolExecution(ctx, audit); err != nil {
		log.Warn("could not write audit row", "error", err)
	}
}
