package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/model"
)

func newTestGate(t *testing.T) (*Gate, *Store, *audit.Ledger) {
	t.Helper()
	store, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ledger, err := audit.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	return NewGate(store, ledger, time.Minute, nil), store, ledger
}

func testRequest(id string) *model.ToolCallRequest {
	return &model.ToolCallRequest{
		RequestID:   id,
		TenantID:    "acme",
		PrincipalID: "agent-7",
		Tool:        "shell",
		Code:        "rm -rf /var/data",
	}
}

func highAssessment() model.RiskAssessment {
	return model.RiskAssessment{Level: model.RiskHigh, Score: 0.6, RiskTypes: []string{"destructive"}}
}

func TestCreateThenApproveResolvesOnce(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()

	ch, err := g.Create(ctx, testRequest("req-1"), highAssessment())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := g.Decide(ctx, "req-1", true, "looks fine", "alice"); err != nil {
		t.Fatalf("decide: %v", err)
	}

	select {
	case res := <-ch:
		if !res.Allowed() || res.ApproverID != "alice" {
			t.Fatalf("unexpected resolution: %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved")
	}

	r, err := store.Get(ctx, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusApproved {
		t.Fatalf("expected approved, got %s", r.Status)
	}

	dec, err := store.GetDecision(ctx, "req-1")
	if err != nil {
		t.Fatalf("decision row missing: %v", err)
	}
	if !dec.Approved || dec.ApproverID != "alice" || dec.LatencyMS < 0 {
		t.Fatalf("unexpected decision: %+v", dec)
	}
}

func TestSecondDecisionRejected(t *testing.T) {
	g, _, _ := newTestGate(t)
	ctx := context.Background()

	if _, err := g.Create(ctx, testRequest("req-1"), highAssessment()); err != nil {
		t.Fatal(err)
	}
	if err := g.Decide(ctx, "req-1", false, "nope", "alice"); err != nil {
		t.Fatal(err)
	}

	err := g.Decide(ctx, "req-1", true, "actually fine", "bob")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestDecideUnknownRequest(t *testing.T) {
	g, _, _ := newTestGate(t)
	err := g.Decide(context.Background(), "ghost", true, "", "alice")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpiresAtStrictlyAfterCreatedAt(t *testing.T) {
	store, err := OpenStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	now := time.Now().UTC()
	err = store.Create(context.Background(), Request{
		RequestID: "req-1", TenantID: "acme", Tool: "shell", Summary: "x",
		RiskLevel: model.RiskHigh, CreatedAt: now, ExpiresAt: now,
	})
	if err == nil {
		t.Fatal("expected rejection when expires_at equals created_at")
	}
}

func TestSweepExpiresOverduePending(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()

	ch, err := g.Create(ctx, testRequest("req-1"), highAssessment())
	if err != nil {
		t.Fatal(err)
	}

	// Sweep run after the deadline expires the request and nothing else.
	n, err := g.SweepExpired(ctx, time.Now().UTC().Add(2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}

	select {
	case res := <-ch:
		if res.Status != StatusExpired {
			t.Fatalf("expected expired resolution, got %s", res.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved")
	}

	r, _ := store.Get(ctx, "req-1")
	if r.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", r.Status)
	}

	// Decision after expiry loses.
	if err := g.Decide(ctx, "req-1", true, "", "alice"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved after expiry, got %v", err)
	}
}

func TestSweepBeforeDeadlineDoesNothing(t *testing.T) {
	g, _, _ := newTestGate(t)
	ctx := context.Background()

	if _, err := g.Create(ctx, testRequest("req-1"), highAssessment()); err != nil {
		t.Fatal(err)
	}
	n, err := g.SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 expired, got %d", n)
	}
}

func TestSweepNeverFlipsDecidedRequest(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()

	if _, err := g.Create(ctx, testRequest("req-1"), highAssessment()); err != nil {
		t.Fatal(err)
	}
	if err := g.Decide(ctx, "req-1", true, "ok", "alice"); err != nil {
		t.Fatal(err)
	}

	if _, err := g.SweepExpired(ctx, time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	r, _ := store.Get(ctx, "req-1")
	if r.Status != StatusApproved {
		t.Fatalf("sweep flipped decided request to %s", r.Status)
	}
}

func TestCancelRacesDecisionExactlyOneWins(t *testing.T) {
	for i := 0; i < 20; i++ {
		g, store, _ := newTestGate(t)
		ctx := context.Background()

		ch, err := g.Create(ctx, testRequest("req-1"), highAssessment())
		if err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		results := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			results[0] = g.Decide(ctx, "req-1", true, "ok", "alice")
		}()
		go func() {
			defer wg.Done()
			results[1] = g.Cancel(ctx, "req-1", "caller disconnected")
		}()
		wg.Wait()

		wins := 0
		for _, err := range results {
			if err == nil {
				wins++
			} else if !errors.Is(err, ErrAlreadyResolved) {
				t.Fatalf("unexpected race error: %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}

		// Exactly one resolution is delivered.
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("no resolution delivered")
		}
		select {
		case res := <-ch:
			t.Fatalf("second resolution delivered: %+v", res)
		default:
		}

		r, _ := store.Get(ctx, "req-1")
		if !r.Status.Terminal() {
			t.Fatalf("request left non-terminal: %s", r.Status)
		}
	}
}

func TestTransitionsEmitAuditEvents(t *testing.T) {
	g, _, ledger := newTestGate(t)
	ctx := context.Background()

	if _, err := g.Create(ctx, testRequest("req-1"), highAssessment()); err != nil {
		t.Fatal(err)
	}
	if _, err := g.SweepExpired(ctx, time.Now().UTC().Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}

	events, err := ledger.Events("acme")
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	if len(types) != 2 || types[0] != audit.TypeApprovalCreated || types[1] != audit.TypeApprovalExpired {
		t.Fatalf("expected [approval-created approval-expired], got %v", types)
	}
}

func TestPendingListsOnlyPending(t *testing.T) {
	g, _, _ := newTestGate(t)
	ctx := context.Background()

	if _, err := g.Create(ctx, testRequest("req-1"), highAssessment()); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Create(ctx, testRequest("req-2"), highAssessment()); err != nil {
		t.Fatal(err)
	}
	if err := g.Decide(ctx, "req-1", false, "no", "alice"); err != nil {
		t.Fatal(err)
	}

	pending, err := g.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].RequestID != "req-2" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
}

func TestDecisionRacingCreateStillResolves(t *testing.T) {
	for i := 0; i < 25; i++ {
		g, _, _ := newTestGate(t)
		ctx := context.Background()

		// Hammer Decide from the instant the row becomes visible. A decision
		// landing before Create returns must still reach the waiter.
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := g.Decide(ctx, "req-1", true, "fast", "alice")
				if err == nil || errors.Is(err, ErrAlreadyResolved) {
					return
				}
				if !errors.Is(err, ErrNotFound) {
					t.Errorf("unexpected decide error: %v", err)
					return
				}
			}
		}()

		ch, err := g.Create(ctx, testRequest("req-1"), highAssessment())
		if err != nil {
			t.Fatal(err)
		}

		select {
		case res := <-ch:
			if !res.Allowed() {
				t.Fatalf("unexpected resolution: %+v", res)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("resolution never delivered to the waiter")
		}
		wg.Wait()
	}
}

func TestCreateFailureLeavesNoWaiter(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()

	ch, err := g.Create(ctx, testRequest("req-1"), highAssessment())
	if err != nil {
		t.Fatal(err)
	}

	// A second Create for the same request is refused before touching the
	// store, and the original waiter is untouched.
	if _, err := g.Create(ctx, testRequest("req-1"), highAssessment()); err == nil {
		t.Fatal("duplicate create accepted")
	}

	// A store-level failure unregisters the waiter it just added.
	now := time.Now().UTC()
	if err := store.Create(ctx, Request{
		RequestID: "req-2", TenantID: "acme", Tool: "shell", Summary: "x",
		RiskLevel: model.RiskHigh, RiskScore: 0.6, Status: StatusPending,
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Create(ctx, testRequest("req-2"), highAssessment()); err == nil {
		t.Fatal("create over an existing row accepted")
	}
	g.mu.Lock()
	_, leaked := g.waiters["req-2"]
	g.mu.Unlock()
	if leaked {
		t.Fatal("failed create left its waiter registered")
	}

	if err := g.Decide(ctx, "req-1", true, "ok", "alice"); err != nil {
		t.Fatal(err)
	}
	select {
	case res := <-ch:
		if !res.Allowed() {
			t.Fatalf("unexpected resolution: %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("original waiter lost its resolution")
	}
}
