package scheduler

import (
	"strings"
	"time"

	"github.com/basket/agentpulse/internal/store"
)

// promptVars builds the runtime substitution set for one agent's tasks.
// target_email aliases manager_email; stored prompts use either name.
func promptVars(agent store.Agent) map[string]string {
	return map[string]string{
		"timestamp":     time.Now().UTC().Format("2006-01-02T15:04:05Z07:00"),
		"agent_upn":     agent.UserID,
		"manager_email": agent.ManagerEmail,
		"target_email":  agent.ManagerEmail,
	}
}

// renderPrompt substitutes {name} spans with values from vars. Spans
// naming an unknown variable are left exactly as written, so prompts
// that use braces for other purposes survive rendering unchanged.
func renderPrompt(prompt string, vars map[string]string) string {
	var b strings.Builder
	b.Grow(len(prompt))

	for {
		open := strings.IndexByte(prompt, '{')
		if open < 0 {
			b.WriteString(prompt)
			return b.String()
		}
		end := strings.IndexByte(prompt[open:], '}')
		if end < 0 {
			b.WriteString(prompt)
			return b.String()
		}
		end += open

		name := prompt[open+1 : end]
		value, known := vars[name]
		b.WriteString(prompt[:open])
		if known {
			b.WriteString(value)
		} else {
			b.WriteString(prompt[open : end+1])
		}
		prompt = prompt[end+1:]
	}
}
