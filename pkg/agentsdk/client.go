// Package agentsdk is a small client for the broker: orchestrators use it
// to obtain credentials and agents use it to call providers through the
// gateway.
package agentsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kagehq/keys-sub000/pkg/approval"
	"github.com/kagehq/keys-sub000/pkg/credential"
)

const DefaultAgentHeader = "X-Agent-Key"

// ErrDenied is returned by WaitForApproval when the request ends in any
// state other than approved.
var ErrDenied = errors.New("approval not granted")

// StatusError carries a non-2xx response from the broker.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed status=%d body=%s", e.Op, e.Status, e.Body)
}

type Client struct {
	// ControlURL is the operator API; GatewayURL is the agent-facing proxy.
	ControlURL string
	GatewayURL string
	HTTPClient *http.Client
	AuthToken  string
	// AgentHeader defaults to DefaultAgentHeader.
	AgentHeader string
	// PollInterval paces WaitForApproval; defaults to one second.
	PollInterval time.Duration
}

func NewClient(controlURL, gatewayURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		ControlURL: strings.TrimSuffix(controlURL, "/"),
		GatewayURL: strings.TrimSuffix(gatewayURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type IssueRequest struct {
	AgentID    string `json:"agent_id"`
	Audience   string `json:"audience,omitempty"`
	Scope      string `json:"scope"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type Issued struct {
	Credential string            `json:"credential"`
	Claims     credential.Claims `json:"claims"`
}

// AccessResult is the answer to RequestAccess. Exactly one of Credential
// and Request is set.
type AccessResult struct {
	ApprovalRequired bool              `json:"approval_required"`
	Request          *approval.Request `json:"request,omitempty"`
	Credential       string            `json:"credential,omitempty"`
}

type Decision struct {
	Request    approval.Request `json:"request"`
	Credential string           `json:"credential,omitempty"`
}

func (c *Client) IssueCredential(ctx context.Context, req IssueRequest) (Issued, error) {
	var out Issued
	err := c.do(ctx, "issue", http.MethodPost, c.ControlURL+"/v1/credentials", req, &out)
	return out, err
}

func (c *Client) RevokeCredential(ctx context.Context, jti string) error {
	return c.do(ctx, "revoke", http.MethodPost, c.ControlURL+"/v1/credentials/"+url.PathEscape(jti)+"/revoke", nil, nil)
}

// RequestAccess submits a scope request. Low-risk scopes come back with a
// credential; high-risk ones return a pending approval request.
func (c *Client) RequestAccess(ctx context.Context, in approval.SubmitInput) (AccessResult, error) {
	var out AccessResult
	err := c.do(ctx, "request access", http.MethodPost, c.ControlURL+"/v1/approvals", in, &out)
	return out, err
}

func (c *Client) Approval(ctx context.Context, id string) (approval.Request, error) {
	var out approval.Request
	err := c.do(ctx, "get approval", http.MethodGet, c.ControlURL+"/v1/approvals/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Decide(ctx context.Context, id string, verdict approval.Verdict, reason string) (Decision, error) {
	body := map[string]string{"verdict": string(verdict), "reason": reason}
	var out Decision
	err := c.do(ctx, "decide", http.MethodPost, c.ControlURL+"/v1/approvals/"+url.PathEscape(id)+"/decision", body, &out)
	return out, err
}

// WaitForApproval polls until the request leaves pending. It returns the
// final request, wrapping ErrDenied unless it was approved.
func (c *Client) WaitForApproval(ctx context.Context, id string) (approval.Request, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		req, err := c.Approval(ctx, id)
		if err != nil {
			return approval.Request{}, err
		}
		switch req.Status {
		case approval.Pending:
		case approval.Approved:
			return req, nil
		default:
			return req, fmt.Errorf("%w: %s", ErrDenied, req.Status)
		}
		select {
		case <-ctx.Done():
			return req, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Call sends a request through the gateway under the given credential. The
// caller owns the response body.
func (c *Client) Call(ctx context.Context, cred, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.GatewayURL+path, body)
	if err != nil {
		return nil, err
	}
	header := c.AgentHeader
	if header == "" {
		header = DefaultAgentHeader
	}
	req.Header.Set(header, cred)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient().Do(req)
}

func (c *Client) do(ctx context.Context, op, method, target string, in, out any) error {
	var reader io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	c.applyAuth(httpReq)
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func (c *Client) applyAuth(req *http.Request) {
	if c.AuthToken == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.AuthToken))
}
