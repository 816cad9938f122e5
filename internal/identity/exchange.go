package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	exchangeScope = "api://AzureADTokenExchange/.default"
	assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	defaultAuthority = "https://login.microsoftonline.com"
)

// StepError reports which step of the exchange failed and carries the
// provider's error text. Step is 1-based; the chain stops at the first
// failing step.
type StepError struct {
	Step     int
	Provider string
	Err      error
}

func (e *StepError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("token exchange step %d/3: %s", e.Step, e.Provider)
	}
	return fmt.Sprintf("token exchange step %d/3: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Exchanger runs the three-step delegated token exchange. One Exchanger
// serves every agent; credentials are passed per call.
type Exchanger struct {
	authority string
	client    *http.Client
	logger    *slog.Logger
}

// NewExchanger builds an Exchanger against the public authority.
func NewExchanger(logger *slog.Logger) *Exchanger {
	return NewExchangerWithAuthority(defaultAuthority, logger)
}

// NewExchangerWithAuthority overrides the token authority base URL.
func NewExchangerWithAuthority(authority string, logger *slog.Logger) *Exchanger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchanger{
		authority: strings.TrimRight(authority, "/"),
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
	}
}

// ResourceToken runs the full chain for one agent and returns the
// resource-scoped access token. The chain short-circuits: a failure at
// any step surfaces as a StepError and later steps never run.
func (x *Exchanger) ResourceToken(ctx context.Context, creds Credentials) (string, error) {
	if err := creds.Validate(); err != nil {
		return "", err
	}

	log := x.logger.With("agent", creds.AgentUserID)

	t1, err := x.identityExchangeToken(ctx, creds)
	if err != nil {
		return "", err
	}
	log.Debug("identity exchange token acquired", "step", 1, "chars", len(t1), "claims", claimSummary(t1))

	t2, err := x.userExchangeToken(ctx, creds, t1)
	if err != nil {
		return "", err
	}
	log.Debug("user exchange token acquired", "step", 2, "chars", len(t2), "claims", claimSummary(t2))

	resource, err := x.resourceToken(ctx, creds, t1, t2)
	if err != nil {
		return "", err
	}
	log.Info("resource token acquired", "audience", creds.Tenant.Audience, "chars", len(resource), "claims", claimSummary(resource))
	return resource, nil
}

// Step 1: tenant credentials plus the agent identity path yield the
// identity exchange token.
func (x *Exchanger) identityExchangeToken(ctx context.Context, creds Credentials) (string, error) {
	return x.post(ctx, 1, creds.Tenant.TenantID, url.Values{
		"client_id":     {creds.Tenant.ClientID},
		"client_secret": {creds.Tenant.ClientSecret},
		"scope":         {exchangeScope},
		"grant_type":    {"client_credentials"},
		"fmi_path":      {creds.IdentityClientID},
	})
}

// Step 2: the identity exchange token acts as a client assertion for the
// agent identity, yielding the user exchange token.
func (x *Exchanger) userExchangeToken(ctx context.Context, creds Credentials, t1 string) (string, error) {
	return x.post(ctx, 2, creds.Tenant.TenantID, url.Values{
		"client_id":             {creds.IdentityClientID},
		"scope":                 {exchangeScope},
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {assertionType},
		"client_assertion":      {t1},
	})
}

// Step 3: the user_fic grant combines both exchange tokens with the
// agent user's object id to produce the resource-scoped token.
func (x *Exchanger) resourceToken(ctx context.Context, creds Credentials, t1, t2 string) (string, error) {
	return x.post(ctx, 3, creds.Tenant.TenantID, url.Values{
		"client_id":                          {creds.IdentityClientID},
		"scope":                              {creds.Tenant.Audience + "/.default"},
		"grant_type":                         {"user_fic"},
		"client_assertion_type":              {assertionType},
		"client_assertion":                   {t1},
		"user_id":                            {creds.UserObjectID},
		"user_federated_identity_credential": {t2},
	})
}

func (x *Exchanger) post(ctx context.Context, step int, tenantID string, form url.Values) (string, error) {
	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", x.authority, tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", &StepError{Step: step, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := x.client.Do(req)
	if err != nil {
		return "", &StepError{Step: step, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &StepError{Step: step, Err: err}
	}

	var payload struct {
		AccessToken      string `json:"access_token"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &StepError{Step: step, Err: fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)}
	}

	if resp.StatusCode != http.StatusOK {
		text := payload.ErrorDescription
		if text == "" {
			text = payload.Error
		}
		if text == "" {
			text = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", &StepError{Step: step, Provider: text}
	}
	if payload.AccessToken == "" {
		return "", &StepError{Step: step, Provider: "response carried no access_token"}
	}
	return payload.AccessToken, nil
}

// claimSummary decodes a token without verification and returns the
// claims worth logging. Best effort: anything undecodable summarizes as
// empty.
func claimSummary(token string) map[string]any {
	summary := map[string]any{}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return summary
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return summary
	}
	for _, k := range []string{"aud", "appid", "oid", "upn", "idtyp", "exp"} {
		if v, present := claims[k]; present {
			summary[k] = v
		}
	}
	return summary
}
