// Package client implements the agent-side HTTP client for the six
// wire-protocol endpoints. It carries no internal retry logic — a
// transport error is logged and left for the next reporter tick to
// retry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sshguardian/core/internal/wire"
)

// Client talks to guardiand's agent-facing API.
type Client struct {
	baseURL string
	apiKey  string
	agentID string
	http    *http.Client
}

// New builds a Client. apiKey may be empty before the agent has
// registered; Register does not require it, every other call does.
func New(baseURL, apiKey, agentID string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		agentID: agentID,
		http:    &http.Client{Timeout: timeout},
	}
}

// SetAPIKey updates the key attached to subsequent requests, used once
// Register returns a freshly issued key.
func (c *Client) SetAPIKey(key string) {
	c.apiKey = key
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.agentID != "" {
		req.Header.Set("X-Agent-ID", c.agentID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		var envelope wire.ErrorEnvelope
		if json.Unmarshal(data, &envelope) == nil && envelope.Error != "" {
			return fmt.Errorf("%s %s: server returned %d: %s", method, path, resp.StatusCode, envelope.Error)
		}
		return fmt.Errorf("%s %s: server returned %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response from %s %s: %w", method, path, err)
	}
	return nil
}

// Register calls POST /api/agents/register.
func (c *Client) Register(ctx context.Context, req wire.RegisterRequest) (*wire.RegisterResponse, error) {
	var resp wire.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/api/agents/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat calls POST /api/agents/heartbeat.
func (c *Client) Heartbeat(ctx context.Context, req wire.HeartbeatRequest) (*wire.HeartbeatResponse, error) {
	var resp wire.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/api/agents/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitLogs calls POST /api/agents/logs.
func (c *Client) SubmitLogs(ctx context.Context, req wire.LogsRequest) (*wire.LogsResponse, error) {
	var resp wire.LogsResponse
	if err := c.do(ctx, http.MethodPost, "/api/agents/logs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SyncFirewall calls POST /api/agents/ufw/sync.
func (c *Client) SyncFirewall(ctx context.Context, req wire.UFWSyncRequest) (*wire.UFWSyncResponse, error) {
	var resp wire.UFWSyncResponse
	if err := c.do(ctx, http.MethodPost, "/api/agents/ufw/sync", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PollCommands calls GET /api/agents/ufw/commands?agent_id=....
func (c *Client) PollCommands(ctx context.Context) ([]wire.AgentCommandWire, error) {
	var resp wire.CommandsResponse
	path := fmt.Sprintf("/api/agents/ufw/commands?agent_id=%s", c.agentID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

// ReportCommandResult calls POST /api/agents/firewall/command-result.
func (c *Client) ReportCommandResult(ctx context.Context, req wire.CommandResultRequest) (*wire.CommandResultResponse, error) {
	var resp wire.CommandResultResponse
	if err := c.do(ctx, http.MethodPost, "/api/agents/firewall/command-result", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
