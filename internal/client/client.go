package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/approval"
	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/gateway"
	"github.com/wardenhq/warden/internal/model"
)

// Client talks to a running warden server over HTTP.
type Client struct {
	base string
	http *http.Client
}

// New creates a Client for the server at baseURL (e.g. http://127.0.0.1:7430).
func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithTimeout returns a copy of the client with its own per-request timeout.
// Zero means no timeout, which blocking Submit calls need: they wait on a
// human. The receiver is left untouched.
func (c *Client) WithTimeout(d time.Duration) *Client {
	return &Client{
		base: c.base,
		http: &http.Client{Timeout: d},
	}
}

// Submit sends a tool call. With wait=true the call blocks until the gateway
// reaches a terminal outcome; with wait=false a gated request comes back as
// pending-approval.
func (c *Client) Submit(ctx context.Context, req *model.ToolCallRequest, cls model.Classification, wait bool) (*gateway.Outcome, error) {
	body := map[string]any{"request": req, "classification": cls, "wait": wait}
	var out gateway.Outcome
	if err := c.post(ctx, "/v1/toolcalls", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approve records an approval decision for a pending request.
func (c *Client) Approve(ctx context.Context, requestID, approverID, reason string) error {
	return c.decide(ctx, requestID, "approve", approverID, reason)
}

// Deny records a denial for a pending request.
func (c *Client) Deny(ctx context.Context, requestID, approverID, reason string) error {
	return c.decide(ctx, requestID, "deny", approverID, reason)
}

func (c *Client) decide(ctx context.Context, requestID, verb, approverID, reason string) error {
	body := map[string]string{"approver_id": approverID, "reason": reason}
	path := fmt.Sprintf("/v1/approvals/%s/%s", url.PathEscape(requestID), verb)
	return c.post(ctx, path, body, nil)
}

// Pending lists requests awaiting a decision.
func (c *Client) Pending(ctx context.Context) ([]approval.Request, error) {
	var out struct {
		Approvals []approval.Request `json:"approvals"`
	}
	if err := c.get(ctx, "/v1/approvals", &out); err != nil {
		return nil, err
	}
	return out.Approvals, nil
}

// Verify asks the server to verify a tenant's audit chain.
func (c *Client) Verify(ctx context.Context, tenant string) (*audit.VerifyResult, error) {
	var res audit.VerifyResult
	if err := c.get(ctx, "/v1/audit/verify?tenant="+url.QueryEscape(tenant), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Export fetches a tenant's audit trail in the given format.
func (c *Client) Export(ctx context.Context, tenant, format string) ([]byte, error) {
	u := fmt.Sprintf("%s/v1/audit/export?tenant=%s&format=%s",
		c.base, url.QueryEscape(tenant), url.QueryEscape(format))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: export: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	return io.ReadAll(resp.Body)
}

// Health checks the server and returns its active policy hash.
func (c *Client) Health(ctx context.Context) (string, error) {
	var out map[string]string
	if err := c.get(ctx, "/healthz", &out); err != nil {
		return "", err
	}
	return out["policy_hash"], nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
