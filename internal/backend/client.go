package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client is the HTTP implementation of Backend.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient builds a Client for the service at baseURL. A non-positive
// timeout falls back to 120s; task runs can be slow when the session
// fans out to many tools.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type openRequest struct {
	AgentUserID    string `json:"agent_user_id"`
	ConversationID string `json:"conversation_id"`
	SystemPrompt   string `json:"system_prompt"`
}

type openResponse struct {
	SessionID string `json:"session_id"`
}

type runRequest struct {
	Prompt string `json:"prompt"`
}

type runResponse struct {
	Response string `json:"response"`
}

// Open creates a server-side session for the agent. The bearer token is
// carried on this and every subsequent session request.
func (c *Client) Open(ctx context.Context, spec SessionSpec) (Session, error) {
	var out openResponse
	err := c.do(ctx, http.MethodPost, "/v1/sessions", spec.BearerToken,
		openRequest{
			AgentUserID:    spec.AgentUserID,
			ConversationID: spec.ConversationID,
			SystemPrompt:   spec.SystemPrompt,
		}, &out)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("open session: response carried no session_id")
	}
	c.logger.Debug("session opened", "agent", spec.AgentUserID, "session_id", out.SessionID)
	return &httpSession{client: c, id: out.SessionID, token: spec.BearerToken}, nil
}

type httpSession struct {
	client *Client
	id     string
	token  string
}

func (s *httpSession) Run(ctx context.Context, prompt string) (string, error) {
	var out runResponse
	err := s.client.do(ctx, http.MethodPost, "/v1/sessions/"+s.id+"/run", s.token,
		runRequest{Prompt: prompt}, &out)
	if err != nil {
		return "", fmt.Errorf("run prompt: %w", err)
	}
	return out.Response, nil
}

func (s *httpSession) Close(ctx context.Context) error {
	err := s.client.do(ctx, http.MethodDelete, "/v1/sessions/"+s.id, s.token, nil, nil)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, truncateBody(raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncateBody(raw []byte) string {
	const max = 300
	s := strings.TrimSpace(string(raw))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
