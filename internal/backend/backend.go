// Package backend talks to the external tool-execution service that
// actually runs agent prompts. The coordinator opens one session per
// agent per tick, runs every due task through it, then closes it.
package backend

import "context"

// SessionSpec describes the headless execution context for one agent:
// the identity the session acts as, the token authorizing it, and the
// standing instructions every prompt runs under.
type SessionSpec struct {
	AgentUserID    string
	ConversationID string
	SystemPrompt   string
	BearerToken    string
}

// Backend opens execution sessions. Implemented by Client for the HTTP
// service and by fakes in tests.
type Backend interface {
	Open(ctx context.Context, spec SessionSpec) (Session, error)
}

// Session runs prompts within one opened execution context. Close
// releases server-side resources; a Session is not usable after Close.
type Session interface {
	Run(ctx context.Context, prompt string) (string, error)
	Close(ctx context.Context) error
}
