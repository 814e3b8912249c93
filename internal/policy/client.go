// Package policy resolves authorization decisions against an external
// policy evaluator, fronted by an in-process decision cache.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"veyra.id/internal/identity"
)

const (
	decisionPath = "/v1/data/identity/authz"
	snapshotPath = "/v1/data/identity"

	defaultTimeout = 3 * time.Second
)

// Input is the query envelope sent to the evaluator for a single
// decision.
type Input struct {
	SubjectID string         `json:"subject_id"`
	Resource  string         `json:"resource"`
	Action    string         `json:"action"`
	Context   map[string]any `json:"context,omitempty"`
}

// Snapshot is the bulk authorization dataset pushed to the evaluator
// whenever roles or permissions change.
type Snapshot struct {
	Roles           []identity.Role           `json:"roles"`
	Permissions     []identity.Permission     `json:"permissions"`
	RolePermissions []identity.RolePermission `json:"role_permissions"`
}

// Client speaks the evaluator's JSON REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient returns a Client for the evaluator at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Evaluate asks the evaluator for a single allow/deny decision. Any
// transport or protocol failure is reported as ErrPolicyUnavailable so
// callers can apply their availability policy.
func (c *Client) Evaluate(ctx context.Context, in Input) (bool, error) {
	body, err := json.Marshal(map[string]any{"input": in})
	if err != nil {
		return false, fmt.Errorf("%w: encode input: %v", identity.ErrPolicyUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+decisionPath, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("%w: %v", identity.ErrPolicyUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", identity.ErrPolicyUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("%w: evaluator returned %d", identity.ErrPolicyUnavailable, resp.StatusCode)
	}

	var out struct {
		Result struct {
			Allow bool `json:"allow"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("%w: decode result: %v", identity.ErrPolicyUnavailable, err)
	}
	return out.Result.Allow, nil
}

// PushSnapshot replaces the evaluator's authorization dataset with the
// given snapshot.
func (c *Client) PushSnapshot(ctx context.Context, snap Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %v", identity.ErrPolicyUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+snapshotPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", identity.ErrPolicyUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", identity.ErrPolicyUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: evaluator returned %d", identity.ErrPolicyUnavailable, resp.StatusCode)
	}
	return nil
}
