package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/basket/agentpulse/internal/backend"
	"github.com/basket/agentpulse/internal/identity"
	"github.com/basket/agentpulse/internal/store"
)

// --- fakes -----------------------------------------------------------------

type recordedResult struct {
	TaskID string
	Status string
	Result string
}

type completedEntry struct {
	TaskID string
	Status string
	Result string
}

type fakeStore struct {
	mu      sync.Mutex
	agents  []store.Agent
	tasks   map[string][]store.ScheduledTask
	pending map[string][]store.QueueEntry

	results   []recordedResult
	audits    []store.ToolExecution
	completed []completedEntry
}

func (f *fakeStore) EligibleAgents(ctx context.Context) ([]store.Agent, error) {
	return f.agents, nil
}

func (f *fakeStore) EnabledTasks(ctx context.Context, agentUserID string) ([]store.ScheduledTask, error) {
	return f.tasks[agentUserID], nil
}

func (f *fakeStore) RecordTaskResult(ctx context.Context, taskID, status, result string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, recordedResult{taskID, status, result})
	return nil
}

func (f *fakeStore) LogToolExecution(ctx context.Context, e store.ToolExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, e)
	return nil
}

func (f *fakeStore) Dequeue(ctx context.Context, targetAgent string, limit int) ([]store.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.pending[targetAgent]
	delete(f.pending, targetAgent)
	return entries, nil
}

func (f *fakeStore) Complete(ctx context.Context, taskID, status string, result json.RawMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, completedEntry{taskID, status, string(result)})
	return true, nil
}

type fakeTokens struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeTokens) ResourceToken(ctx context.Context, creds identity.Credentials) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, creds.AgentUserID)
	f.mu.Unlock()
	if err := f.fail[creds.AgentUserID]; err != nil {
		return "", err
	}
	return "token-for-" + creds.AgentUserID, nil
}

type fakeBackend struct {
	mu       sync.Mutex
	opened   []backend.SessionSpec
	runErr   map[string]error
	response string
}

func (f *fakeBackend) Open(ctx context.Context, spec backend.SessionSpec) (backend.Session, error) {
	f.mu.Lock()
	f.opened = append(f.opened, spec)
	f.mu.Unlock()
	return &fakeSession{backend: f}, nil
}

type fakeSession struct {
	backend *fakeBackend
	closed  bool
}

func (s *fakeSession) Run(ctx context.Context, prompt string) (string, error) {
	if err := s.backend.runErr[prompt]; err != nil {
		return "", err
	}
	if s.backend.response != "" {
		return s.backend.response, nil
	}
	return "ok", nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.closed = true
	return nil
}

func testTenant() identity.TenantCredentials {
	return identity.TenantCredentials{
		ClientID:     "tenant-client",
		ClientSecret: "tenant-secret",
		TenantID:     "tenant-123",
	}
}

func testAgent(upn string) store.Agent {
	return store.Agent{
		UserID:           upn,
		IdentityClientID: "client-" + upn,
		UserObjectID:     "oid-" + upn,
		ManagerEmail:     "manager@example.com",
	}
}

func newTestScheduler(st *fakeStore, tokens *fakeTokens, be *fakeBackend) *Scheduler {
	return New(st, tokens, be, Options{
		Interval:     time.Hour,
		Tenant:       testTenant(),
		SystemPrompt: "be brief",
	})
}

// --- renderPrompt ----------------------------------------------------------

func TestRenderPrompt(t *testing.T) {
	vars := map[string]string{
		"agent_upn":     "agent@example.com",
		"manager_email": "boss@example.com",
	}
	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{"no placeholders", "plain text", "plain text"},
		{"known placeholder", "notify {manager_email} now", "notify boss@example.com now"},
		{"two placeholders", "{agent_upn} for {manager_email}", "agent@example.com for boss@example.com"},
		{"unknown left raw", "use {weird_var} here", "use {weird_var} here"},
		{"mixed", "{agent_upn} and {other}", "agent@example.com and {other}"},
		{"unclosed brace", "dangling {agent_upn", "dangling {agent_upn"},
		{"empty braces", "json: {}", "json: {}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderPrompt(tt.prompt, vars); got != tt.want {
				t.Errorf("renderPrompt(%q) = %q, want %q", tt.prompt, got, tt.want)
			}
		})
	}
}

func TestPromptVarsAliasesTargetEmail(t *testing.T) {
	vars := promptVars(testAgent("a@example.com"))
	if vars["target_email"] != vars["manager_email"] {
		t.Errorf("target_email = %q, manager_email = %q", vars["target_email"], vars["manager_email"])
	}
	if vars["timestamp"] == "" {
		t.Error("timestamp not set")
	}
}

// --- tick behavior ---------------------------------------------------------

func TestTickRunsDailyNote(t *testing.T) {
	agent := testAgent("assistant@example.com")
	st := &fakeStore{
		agents: []store.Agent{agent},
		tasks: map[string][]store.ScheduledTask{
			agent.UserID: {{
				TaskID:     "task-1",
				TaskName:   "daily_note",
				TaskPrompt: "Write a note for {manager_email}",
				Enabled:    true,
			}},
		},
	}
	tokens := &fakeTokens{}
	be := &fakeBackend{response: "Done"}

	s := newTestScheduler(st, tokens, be)
	s.runTick(context.Background())

	if len(tokens.calls) != 1 || tokens.calls[0] != agent.UserID {
		t.Fatalf("token calls = %v", tokens.calls)
	}
	if len(be.opened) != 1 {
		t.Fatalf("opened %d sessions, want 1", len(be.opened))
	}
	spec := be.opened[0]
	if spec.BearerToken != "token-for-"+agent.UserID {
		t.Errorf("session token = %q", spec.BearerToken)
	}
	if spec.ConversationID != ConversationID {
		t.Errorf("conversation id = %q", spec.ConversationID)
	}
	if spec.SystemPrompt != "be brief" {
		t.Errorf("system prompt = %q", spec.SystemPrompt)
	}

	if len(st.results) != 1 {
		t.Fatalf("recorded %d results, want 1", len(st.results))
	}
	if got := st.results[0]; got.TaskID != "task-1" || got.Status != "success" || got.Result != "Done" {
		t.Errorf("result = %+v", got)
	}

	if len(st.audits) != 1 {
		t.Fatalf("wrote %d audit rows, want 1", len(st.audits))
	}
	audit := st.audits[0]
	if audit.ToolName != "cron:daily_note" {
		t.Errorf("audit tool name = %q", audit.ToolName)
	}
	if audit.ConversationID != "proactive-cron" {
		t.Errorf("audit conversation id = %q", audit.ConversationID)
	}
	if audit.ToolInput != "Write a note for manager@example.com" {
		t.Errorf("audit input = %q, want rendered prompt", audit.ToolInput)
	}
}

func TestTokenFailureSkipsAgentOnly(t *testing.T) {
	broken := testAgent("broken@example.com")
	healthy := testAgent("healthy@example.com")
	task := store.ScheduledTask{TaskID: "t", TaskName: "n", TaskPrompt: "p", Enabled: true}
	st := &fakeStore{
		agents: []store.Agent{broken, healthy},
		tasks: map[string][]store.ScheduledTask{
			broken.UserID:  {task},
			healthy.UserID: {task},
		},
	}
	tokens := &fakeTokens{fail: map[string]error{
		broken.UserID: &identity.StepError{Step: 2, Provider: "assertion rejected"},
	}}
	be := &fakeBackend{}

	s := newTestScheduler(st, tokens, be)
	s.runTick(context.Background())

	if len(be.opened) != 1 {
		t.Fatalf("opened %d sessions, want 1 (only the healthy agent)", len(be.opened))
	}
	if be.opened[0].AgentUserID != healthy.UserID {
		t.Errorf("session opened for %q", be.opened[0].AgentUserID)
	}
	if len(st.results) != 1 {
		t.Errorf("recorded %d results, want 1", len(st.results))
	}
}

func TestMissingCredentialsSkipsWithoutExchange(t *testing.T) {
	incomplete := store.Agent{UserID: "incomplete@example.com"}
	st := &fakeStore{
		agents: []store.Agent{incomplete},
		tasks: map[string][]store.ScheduledTask{
			incomplete.UserID: {{TaskID: "t", TaskName: "n", TaskPrompt: "p"}},
		},
	}
	tokens := &fakeTokens{}

	s := newTestScheduler(st, tokens, &fakeBackend{})
	s.runTick(context.Background())

	if len(tokens.calls) != 0 {
		t.Errorf("exchange attempted with incomplete credentials: %v", tokens.calls)
	}
}

func TestTaskErrorIsolation(t *testing.T) {
	agent := testAgent("agent@example.com")
	st := &fakeStore{
		agents: []store.Agent{agent},
		tasks: map[string][]store.ScheduledTask{
			agent.UserID: {
				{TaskID: "t1", TaskName: "first", TaskPrompt: "boom", Enabled: true},
				{TaskID: "t2", TaskName: "second", TaskPrompt: "fine", Enabled: true},
			},
		},
	}
	be := &fakeBackend{
		response: "all good",
		runErr:   map[string]error{"boom": errors.New("tool backend exploded")},
	}

	s := newTestScheduler(st, &fakeTokens{}, be)
	s.runTick(context.Background())

	if len(st.results) != 2 {
		t.Fatalf("recorded %d results, want 2", len(st.results))
	}
	if st.results[0].Status != "error" {
		t.Errorf("first task status = %q, want error", st.results[0].Status)
	}
	if st.results[0].Result != "tool backend exploded" {
		t.Errorf("first task result = %q", st.results[0].Result)
	}
	if st.results[1].Status != "success" || st.results[1].Result != "all good" {
		t.Errorf("second task = %+v", st.results[1])
	}
}

func TestExchangeFailureSurfacesWhenTasksGated(t *testing.T) {
	agent := testAgent("gated@example.com")
	justRan := time.Now().Add(-time.Minute)
	st := &fakeStore{
		agents: []store.Agent{agent},
		tasks: map[string][]store.ScheduledTask{
			agent.UserID: {{
				TaskID:     "t1",
				TaskName:   "nightly",
				TaskPrompt: "p",
				CronExpr:   "0 0 * * *",
				LastRunAt:  &justRan,
				Enabled:    true,
			}},
		},
	}
	tokens := &fakeTokens{fail: map[string]error{
		agent.UserID: &identity.StepError{Step: 1, Provider: "secret expired"},
	}}
	be := &fakeBackend{}

	s := newTestScheduler(st, tokens, be)
	s.runTick(context.Background())

	// The exchange runs before task gating, so the broken credential is
	// exercised even though no task is due this tick.
	if len(tokens.calls) != 1 {
		t.Fatalf("token calls = %v, want one attempt", tokens.calls)
	}
	if len(be.opened) != 0 {
		t.Errorf("opened %d sessions, want 0", len(be.opened))
	}
}

func TestTaskDueCronGate(t *testing.T) {
	s := newTestScheduler(&fakeStore{}, &fakeTokens{}, &fakeBackend{})
	log := s.logger

	justRan := time.Now().Add(-time.Minute)
	longAgo := time.Now().Add(-48 * time.Hour)

	tests := []struct {
		name string
		task store.ScheduledTask
		want bool
	}{
		{"no expression always due", store.ScheduledTask{}, true},
		{"daily, ran a minute ago", store.ScheduledTask{CronExpr: "0 0 * * *", LastRunAt: &justRan}, false},
		{"daily, ran two days ago", store.ScheduledTask{CronExpr: "0 0 * * *", LastRunAt: &longAgo}, true},
		{"never ran, created long ago", store.ScheduledTask{CronExpr: "0 0 * * *", CreatedAt: longAgo}, true},
		{"invalid expression skipped", store.ScheduledTask{CronExpr: "not-a-cron"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.taskDue(tt.task, log); got != tt.want {
				t.Errorf("taskDue = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandoffDrain(t *testing.T) {
	agent := testAgent("agent@example.com")
	st := &fakeStore{
		agents: []store.Agent{agent},
		tasks: map[string][]store.ScheduledTask{
			agent.UserID: {{TaskID: "t1", TaskName: "daily_note", TaskPrompt: "note", Enabled: true}},
		},
		pending: map[string][]store.QueueEntry{
			agent.UserID: {
				{TaskID: "q1", SourceAgent: "other@example.com", TaskType: "summarize",
					Payload: json.RawMessage(`{"prompt":"summarize the report"}`)},
				{TaskID: "q2", SourceAgent: "other@example.com", TaskType: "review",
					Payload: json.RawMessage(`{"doc":"spec"}`)},
			},
		},
	}
	be := &fakeBackend{response: "handled"}

	s := newTestScheduler(st, &fakeTokens{}, be)
	s.runTick(context.Background())

	if len(st.completed) != 2 {
		t.Fatalf("completed %d handoffs, want 2", len(st.completed))
	}
	for _, c := range st.completed {
		if c.Status != store.QueueCompleted {
			t.Errorf("handoff %s status = %q", c.TaskID, c.Status)
		}
		if !strings.Contains(c.Result, "handled") {
			t.Errorf("handoff %s result = %q", c.TaskID, c.Result)
		}
	}

	// One scheduled task plus two handoffs in the audit log.
	if len(st.audits) != 3 {
		t.Fatalf("wrote %d audit rows, want 3", len(st.audits))
	}
	if st.audits[1].ToolName != "handoff:summarize" {
		t.Errorf("audit tool name = %q", st.audits[1].ToolName)
	}
	// The structured payload becomes a descriptive prompt.
	if !strings.Contains(st.audits[2].ToolInput, `"review"`) ||
		!strings.Contains(st.audits[2].ToolInput, "other@example.com") {
		t.Errorf("fallback handoff prompt = %q", st.audits[2].ToolInput)
	}
}

func TestHandoffFailureMarksFailed(t *testing.T) {
	agent := testAgent("agent@example.com")
	st := &fakeStore{
		agents: []store.Agent{agent},
		tasks: map[string][]store.ScheduledTask{
			agent.UserID: {{TaskID: "t1", TaskName: "n", TaskPrompt: "ok", Enabled: true}},
		},
		pending: map[string][]store.QueueEntry{
			agent.UserID: {{TaskID: "q1", TaskType: "x", Payload: json.RawMessage(`{"prompt":"boom"}`)}},
		},
	}
	be := &fakeBackend{
		response: "fine",
		runErr:   map[string]error{"boom": errors.New("backend down")},
	}

	s := newTestScheduler(st, &fakeTokens{}, be)
	s.runTick(context.Background())

	if len(st.completed) != 1 {
		t.Fatalf("completed %d handoffs, want 1", len(st.completed))
	}
	if st.completed[0].Status != store.QueueFailed {
		t.Errorf("status = %q, want failed", st.completed[0].Status)
	}
}

func TestTickEmitsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	agent := testAgent("traced@example.com")
	st := &fakeStore{
		agents: []store.Agent{agent},
		tasks: map[string][]store.ScheduledTask{
			agent.UserID: {{TaskID: "t1", TaskName: "n", TaskPrompt: "p", Enabled: true}},
		},
	}
	s := New(st, &fakeTokens{}, &fakeBackend{}, Options{
		Interval: time.Hour,
		Tenant:   testTenant(),
		Tracer:   tp.Tracer("test"),
	})
	s.runTick(context.Background())

	names := map[string]int{}
	for _, sp := range exporter.GetSpans() {
		names[sp.Name]++
	}
	if names["tick"] != 1 {
		t.Errorf("tick spans = %d, want 1", names["tick"])
	}
	if names["agent"] != 1 {
		t.Errorf("agent spans = %d, want 1", names["agent"])
	}

	for _, sp := range exporter.GetSpans() {
		if sp.Name != "agent" {
			continue
		}
		var outcome string
		for _, a := range sp.Attributes {
			if a.Key == "agent.outcome" {
				outcome = a.Value.AsString()
			}
		}
		if outcome != "processed" {
			t.Errorf("agent span outcome = %q, want processed", outcome)
		}
	}
}

// --- lifecycle -------------------------------------------------------------

func TestStopReturnsQuickly(t *testing.T) {
	s := newTestScheduler(&fakeStore{}, &fakeTokens{}, &fakeBackend{})

	go s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	s.Stop()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %v, want under ~1s of slack", elapsed)
	}
}

func TestRestartAfterStop(t *testing.T) {
	var mu sync.Mutex
	ticks := 0
	s := New(tickCounter{&fakeStore{}, &mu, &ticks}, &fakeTokens{}, &fakeBackend{}, Options{
		Interval: time.Hour,
		Tenant:   testTenant(),
	})

	for cycle := 0; cycle < 2; cycle++ {
		returned := make(chan struct{})
		go func() {
			s.Start(context.Background())
			close(returned)
		}()
		time.Sleep(50 * time.Millisecond)

		s.Stop()
		select {
		case <-returned:
		case <-time.After(2 * time.Second):
			t.Fatalf("cycle %d: Start did not return after Stop", cycle)
		}
	}

	// Both cycles must have actually run their loop.
	mu.Lock()
	defer mu.Unlock()
	if ticks < 2 {
		t.Errorf("ticked %d times across two start/stop cycles, want at least 2", ticks)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	s := newTestScheduler(&fakeStore{}, &fakeTokens{}, &fakeBackend{})

	go s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background()) // second Start returns immediately
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Start did not return")
	}
	s.Stop()
}

func TestContextCancelStopsLoop(t *testing.T) {
	s := newTestScheduler(&fakeStore{}, &fakeTokens{}, &fakeBackend{})
	ctx, cancel := context.WithCancel(context.Background())

	finished := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(finished)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not exit after context cancel")
	}
}

func TestSetIntervalShortensSleep(t *testing.T) {
	var mu sync.Mutex
	ticks := 0
	st := &fakeStore{}
	s := New(tickCounter{st, &mu, &ticks}, &fakeTokens{}, &fakeBackend{}, Options{
		Interval: time.Hour,
		Tenant:   testTenant(),
	})

	go s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.SetInterval(100 * time.Millisecond)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := ticks
		mu.Unlock()
		if n >= 2 {
			s.Stop()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	s.Stop()
	t.Fatal("shortened interval did not trigger additional ticks")
}

// tickCounter counts EligibleAgents calls as a proxy for ticks.
type tickCounter struct {
	*fakeStore
	mu    *sync.Mutex
	ticks *int
}

func (c tickCounter) EligibleAgents(ctx context.Context) ([]store.Agent, error) {
	c.mu.Lock()
	*c.ticks++
	c.mu.Unlock()
	return c.fakeStore.EligibleAgents(ctx)
}
