package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// validID matches alphanumeric, dash, underscore, and dot characters only.
var validID = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ToolCallRequest is the unit of work entering the gateway: one tool
// invocation an agent wants to perform. Sanitization, tenant extraction,
// and authentication happen upstream; by the time a request reaches the
// gateway it is already decoded and tenant-scoped.
type ToolCallRequest struct {
	RequestID   string `json:"request_id"`
	TenantID    string `json:"tenant_id"`
	PrincipalID string `json:"principal_id"`
	SessionID   string `json:"session_id,omitempty"`
	Tool        string `json:"tool"`
	Arguments   string `json:"arguments,omitempty"` // serialized JSON
	Code        string `json:"code,omitempty"`
}

// Classification is the upstream classifier's verdict attached to a request.
// The gateway treats it as input, never recomputes it.
type Classification struct {
	Labels    []string `json:"labels,omitempty"`
	Sanitized bool     `json:"sanitized"`
}

// Validate rejects malformed requests before they reach the approval gate
// or the sandbox.
func (r *ToolCallRequest) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if strings.Contains(r.RequestID, "..") || !validID.MatchString(r.RequestID) {
		return fmt.Errorf("request_id contains invalid characters")
	}
	if r.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if !validID.MatchString(r.TenantID) {
		return fmt.Errorf("tenant_id contains invalid characters")
	}
	if r.PrincipalID == "" {
		return fmt.Errorf("principal_id is required")
	}
	if r.Tool == "" {
		return fmt.Errorf("tool is required")
	}
	if r.Arguments == "" && r.Code == "" {
		return fmt.Errorf("request carries neither arguments nor code")
	}
	if r.Arguments != "" && !json.Valid([]byte(r.Arguments)) {
		return fmt.Errorf("arguments are not valid JSON")
	}
	return nil
}

// Payload returns the text the risk assessor and sandbox operate on:
// code when present, serialized arguments otherwise.
func (r *ToolCallRequest) Payload() string {
	if r.Code != "" {
		return r.Code
	}
	return r.Arguments
}

// Summary returns a truncated rendering of the payload for human review.
func (r *ToolCallRequest) Summary(max int) string {
	p := r.Payload()
	if len(p) <= max {
		return p
	}
	return p[:max] + "…"
}
