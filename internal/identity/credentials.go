// Package identity acquires resource-scoped access tokens for headless
// agent runs via the three-step delegated exchange: tenant credentials
// yield an identity exchange token, that token yields a user exchange
// token, and both together yield the resource token the backend accepts.
package identity

import (
	"fmt"
	"strings"
)

// DefaultAudience is the resource application the final token is scoped
// to when neither config nor environment override it.
const DefaultAudience = "ea9ffc3e-8a23-4a7d-836d-234d7c7565c1"

// TenantCredentials are shared across every agent in the tenant. They
// come from config or environment, never from the database.
type TenantCredentials struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	Audience     string
}

// Credentials is the full per-agent credential set: the shared tenant
// half plus the three registry fields specific to one agent.
type Credentials struct {
	AgentUserID      string
	IdentityClientID string
	UserObjectID     string

	Tenant TenantCredentials
}

// Resolve combines tenant credentials with one agent's registry fields
// and applies the audience default.
func Resolve(tenant TenantCredentials, agentUserID, identityClientID, userObjectID string) Credentials {
	if tenant.Audience == "" {
		tenant.Audience = DefaultAudience
	}
	return Credentials{
		AgentUserID:      agentUserID,
		IdentityClientID: identityClientID,
		UserObjectID:     userObjectID,
		Tenant:           tenant,
	}
}

// MissingFields lists the credential fields that are empty, naming where
// each is expected to come from. An empty slice means the set is usable.
func (c Credentials) MissingFields() []string {
	var missing []string
	if c.Tenant.ClientID == "" {
		missing = append(missing, "tenant client id (config)")
	}
	if c.Tenant.ClientSecret == "" {
		missing = append(missing, "tenant client secret (config)")
	}
	if c.Tenant.TenantID == "" {
		missing = append(missing, "tenant id (config)")
	}
	if c.IdentityClientID == "" {
		missing = append(missing, "agent identity client id (registry)")
	}
	if c.UserObjectID == "" {
		missing = append(missing, "agent user object id (registry)")
	}
	return missing
}

// Validate returns an error naming every missing field, or nil when the
// set is complete.
func (c Credentials) Validate() error {
	if missing := c.MissingFields(); len(missing) > 0 {
		return fmt.Errorf("incomplete credentials for %s: missing %s",
			c.AgentUserID, strings.Join(missing, ", "))
	}
	return nil
}
