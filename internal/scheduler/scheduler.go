// Package scheduler drives the periodic coordination loop: every
// interval it finds eligible agents, acquires a resource token for each,
// opens a backend session, and runs the agent's due tasks, persisting
// each outcome.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/agentpulse/internal/backend"
	"github.com/basket/agentpulse/internal/identity"
	"github.com/basket/agentpulse/internal/otel"
	"github.com/basket/agentpulse/internal/store"
)

// Store is the slice of the persistence layer the loop needs.
type Store interface {
	EligibleAgents(ctx context.Context) ([]store.Agent, error)
	EnabledTasks(ctx context.Context, agentUserID string) ([]store.ScheduledTask, error)
	RecordTaskResult(ctx context.Context, taskID, status, result string) error
	LogToolExecution(ctx context.Context, e store.ToolExecution) error
	Dequeue(ctx context.Context, targetAgent string, limit int) ([]store.QueueEntry, error)
	Complete(ctx context.Context, taskID, status string, result json.RawMessage) (bool, error)
}

// TokenSource yields a resource-scoped token for one agent's credential
// set. Satisfied by *identity.Exchanger.
type TokenSource interface {
	ResourceToken(ctx context.Context, creds identity.Credentials) (string, error)
}

// Options configures a Scheduler.
type Options struct {
	Interval     time.Duration
	Tenant       identity.TenantCredentials
	SystemPrompt string
	Logger       *slog.Logger
	Metrics      *otel.Metrics
	Tracer       trace.Tracer
}

// Scheduler owns the loop lifecycle. Construct with New, then Start; the
// loop runs until the context is canceled or Stop is called.
type Scheduler struct {
	store   Store
	tokens  TokenSource
	backend backend.Backend

	tenant       identity.TenantCredentials
	systemPrompt string
	logger       *slog.Logger
	metrics      *otel.Metrics
	tracer       trace.Tracer

	intervalNs atomic.Int64
	running    atomic.Bool

	// done is reallocated on every Start so a stopped Scheduler can be
	// started again; mu guards the swap.
	mu   sync.Mutex
	done chan struct{}
}

// New builds a Scheduler. A non-positive interval falls back to one
// hour.
func New(st Store, tokens TokenSource, be backend.Backend, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	s := &Scheduler{
		store:        st,
		tokens:       tokens,
		backend:      be,
		tenant:       opts.Tenant,
		systemPrompt: opts.SystemPrompt,
		logger:       opts.Logger.With("component", "scheduler"),
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
	}
	s.intervalNs.Store(int64(opts.Interval))
	return s
}

// Interval reports the current loop interval.
func (s *Scheduler) Interval() time.Duration {
	return time.Duration(s.intervalNs.Load())
}

// SetInterval changes the loop interval. Takes effect from the next
// sleep slice, so a running loop picks it up within about a second.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.intervalNs.Store(int64(d))
	s.logger.Info("interval updated", "interval", d)
}

// Start runs the loop until ctx is canceled or Stop is called. It blocks;
// run it in its own goroutine. A second Start on a running Scheduler
// returns immediately; a stopped Scheduler may be started again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if !s.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		s.logger.Warn("scheduler already running")
		return
	}
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()
	defer close(done)

	s.logger.Info("scheduler started", "interval", s.Interval())
	for s.running.Load() {
		s.runTick(ctx)
		if !s.sleep(ctx) {
			break
		}
	}
	s.running.Store(false)
	s.logger.Info("scheduler stopped")
}

// RunOnce executes a single tick outside the loop. Used by the one-shot
// command path and by operators verifying a deployment.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.runTick(ctx)
}

// Stop signals the loop to exit and waits for it to finish. Returns
// immediately if the loop never started.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	<-done
}

// sleep waits out the interval in one-second slices so Stop and context
// cancellation take effect quickly. Reports false when the loop should
// exit.
func (s *Scheduler) sleep(ctx context.Context) bool {
	deadline := time.Now().Add(s.Interval())
	for time.Now().Before(deadline) {
		if !s.running.Load() {
			return false
		}
		slice := time.Until(deadline)
		if slice > time.Second {
			slice = time.Second
		}
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return false
		case <-time.After(slice):
		}
		// A shortened interval moves the deadline up.
		if next := time.Now().Add(s.Interval()); next.Before(deadline) {
			deadline = next
		}
	}
	return s.running.Load()
}
