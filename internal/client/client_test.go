package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wardenhq/warden/internal/approval"
	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/gateway"
	"github.com/wardenhq/warden/internal/model"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/risk"
	"github.com/wardenhq/warden/internal/sandbox"
	"github.com/wardenhq/warden/internal/server"
)

func newTestStack(t *testing.T) (*Client, *audit.Ledger) {
	t.Helper()

	store, err := approval.OpenStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ledger, err := audit.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	cfg := gateway.DefaultConfig()
	gate := approval.NewGate(store, ledger, cfg.ApprovalTTL, nil)
	reg := registry.NewDefault()
	assessor := risk.NewAssessor(risk.DefaultConfig(), reg)
	exec := sandbox.NewExecutor(t.TempDir(), nil)
	orch := gateway.New(cfg, reg, assessor, "sha256:test", gate, exec, ledger, nil)

	srv := server.New("127.0.0.1:0", orch, gate, ledger, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return New(ts.URL), ledger
}

func TestSubmitAndExecute(t *testing.T) {
	c, _ := newTestStack(t)

	out, err := c.Submit(context.Background(), &model.ToolCallRequest{
		RequestID:   "req-1",
		TenantID:    "acme",
		PrincipalID: "agent-7",
		Tool:        "shell",
		Code:        "echo from-client",
	}, model.Classification{Sanitized: true}, true)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Disposition != gateway.DispositionExecuted {
		t.Fatalf("expected executed, got %s", out.Disposition)
	}
	if out.Result == nil || !strings.Contains(out.Result.Stdout, "from-client") {
		t.Fatalf("unexpected result: %+v", out.Result)
	}
}

func TestSubmitRejectedSurfacesServerError(t *testing.T) {
	c, _ := newTestStack(t)

	_, err := c.Submit(context.Background(), &model.ToolCallRequest{
		RequestID: "req-1",
	}, model.Classification{}, true)
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected 400 in error, got %v", err)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	c, _ := newTestStack(t)
	ctx := context.Background()

	out, err := c.Submit(ctx, &model.ToolCallRequest{
		RequestID:   "req-1",
		TenantID:    "acme",
		PrincipalID: "agent-7",
		Tool:        "shell",
		Code:        "rm -rf /var/data/scratch",
	}, model.Classification{Sanitized: true}, false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Disposition != gateway.DispositionPending {
		t.Fatalf("expected pending, got %s", out.Disposition)
	}

	pending, err := c.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].RequestID != "req-1" {
		t.Fatalf("unexpected pending list: %+v", pending)
	}

	if err := c.Deny(ctx, "req-1", "alice", "not today"); err != nil {
		t.Fatalf("deny: %v", err)
	}

	// A second decision conflicts.
	if err := c.Approve(ctx, "req-1", "bob", ""); err == nil {
		t.Fatal("expected conflict on second decision")
	}
}

func TestVerifyAndExport(t *testing.T) {
	c, ledger := newTestStack(t)
	ctx := context.Background()

	if _, err := ledger.Append("acme", audit.Event{Type: audit.TypeRequestReceived, Actor: "x", Action: "y"}); err != nil {
		t.Fatal(err)
	}

	res, err := c.Verify(ctx, "acme")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid || res.Events != 1 {
		t.Fatalf("unexpected verify result: %+v", res)
	}

	data, err := c.Export(ctx, "acme", audit.FormatJSON)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	events, err := audit.ImportJSON(strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("round-trip: %v", err)
	}
	if len(events) != 1 || events[0].Type != audit.TypeRequestReceived {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestHealth(t *testing.T) {
	c, _ := newTestStack(t)
	hash, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if hash != "sha256:test" {
		t.Fatalf("unexpected policy hash: %s", hash)
	}
}

func TestUnreachableServer(t *testing.T) {
	c := New("http://127.0.0.1:1")
	if _, err := c.Health(context.Background()); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestWithTimeoutDoesNotMutateOriginal(t *testing.T) {
	c := New("http://127.0.0.1:1")
	blocking := c.WithTimeout(0)

	if blocking == c || blocking.http == c.http {
		t.Fatal("WithTimeout must return an independent client")
	}
	if c.http.Timeout == 0 {
		t.Fatalf("original client timeout changed: %v", c.http.Timeout)
	}
	if blocking.http.Timeout != 0 {
		t.Fatalf("derived client timeout not applied: %v", blocking.http.Timeout)
	}
	if blocking.base != c.base {
		t.Fatalf("base URL lost: %q", blocking.base)
	}
}
