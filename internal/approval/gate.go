package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/model"
)

// Resolution is the single outcome delivered to a request's waiter.
type Resolution struct {
	Status     Status
	Reason     string
	ApproverID string
}

// Allowed reports whether the resolution permits execution.
func (r Resolution) Allowed() bool {
	return r.Status == StatusApproved
}

// waiter is the single-resolution completion handle for one request.
// The buffered channel is written at most once, by whichever of
// decision, expiry, or cancellation commits its transition first.
type waiter struct {
	ch chan Resolution
}

// Gate arbitrates human-in-the-loop decisions. Decision arrival, the expiry
// sweep, and orchestrator cancellation race on the same request; the store's
// pending-only transition is the per-request exclusive section, so exactly
// one of them wins and the others get ErrAlreadyResolved.
type Gate struct {
	store  *Store
	ledger *audit.Ledger
	ttl    time.Duration
	log    *zap.Logger

	mu      sync.Mutex
	waiters map[string]*waiter
}

// NewGate creates a Gate over the given store and audit ledger.
func NewGate(store *Store, ledger *audit.Ledger, ttl time.Duration, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{
		store:   store,
		ledger:  ledger,
		ttl:     ttl,
		log:     log,
		waiters: make(map[string]*waiter),
	}
}

// Create opens a pending approval for the request and returns the completion
// handle the caller waits on. The handle resolves exactly once.
//
// The waiter goes into the map before the row commits: the request is
// externally visible the moment the insert lands, and whichever transition
// wins must find a waiter to deliver to.
func (g *Gate) Create(ctx context.Context, req *model.ToolCallRequest, assessment model.RiskAssessment) (<-chan Resolution, error) {
	w := &waiter{ch: make(chan Resolution, 1)}
	g.mu.Lock()
	if _, exists := g.waiters[req.RequestID]; exists {
		g.mu.Unlock()
		return nil, fmt.Errorf("approval: request %q already awaiting resolution", req.RequestID)
	}
	g.waiters[req.RequestID] = w
	g.mu.Unlock()

	now := time.Now().UTC()
	r := Request{
		RequestID: req.RequestID,
		TenantID:  req.TenantID,
		Tool:      req.Tool,
		Summary:   req.Summary(500),
		RiskLevel: assessment.Level,
		RiskScore: assessment.Score,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}
	if err := g.store.Create(ctx, r); err != nil {
		g.mu.Lock()
		delete(g.waiters, req.RequestID)
		g.mu.Unlock()
		return nil, err
	}

	g.audit(req.TenantID, audit.Event{
		Type:      audit.TypeApprovalCreated,
		RequestID: req.RequestID,
		Actor:     "system",
		Action:    "approval-created",
		Detail:    fmt.Sprintf("level=%s score=%.2f expires_at=%s", assessment.Level, assessment.Score, r.ExpiresAt.Format(time.RFC3339)),
	})
	return w.ch, nil
}

// Decide records a human decision. A second decision, or a decision racing a
// completed expiry/cancellation, fails with ErrAlreadyResolved.
func (g *Gate) Decide(ctx context.Context, requestID string, approved bool, reason, approverID string) error {
	r, err := g.store.Get(ctx, requestID)
	if err != nil {
		return err
	}

	to := StatusDenied
	eventType := audit.TypeApprovalDenied
	if approved {
		to = StatusApproved
		eventType = audit.TypeApprovalApproved
	}

	now := time.Now().UTC()
	dec := &Decision{
		RequestID:  requestID,
		Approved:   approved,
		Reason:     reason,
		ApproverID: approverID,
		DecidedAt:  now,
		LatencyMS:  now.Sub(r.CreatedAt).Milliseconds(),
	}
	if err := g.store.Transition(ctx, requestID, to, approverID, dec); err != nil {
		return err
	}

	g.audit(r.TenantID, audit.Event{
		Type:      eventType,
		RequestID: requestID,
		Actor:     approverID,
		Action:    string(to),
		Detail:    fmt.Sprintf("reason=%q latency_ms=%d", reason, dec.LatencyMS),
	})
	g.resolve(requestID, Resolution{Status: to, Reason: reason, ApproverID: approverID})
	return nil
}

// Cancel resolves a still-pending request as cancelled, typically because
// the originating caller disconnected. If a decision or expiry committed
// first, that transition wins and Cancel returns ErrAlreadyResolved.
func (g *Gate) Cancel(ctx context.Context, requestID, reason string) error {
	r, err := g.store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if err := g.store.Transition(ctx, requestID, StatusCancelled, "system", nil); err != nil {
		return err
	}

	g.audit(r.TenantID, audit.Event{
		Type:      audit.TypeApprovalCancelled,
		RequestID: requestID,
		Actor:     "system",
		Action:    string(StatusCancelled),
		Detail:    reason,
	})
	g.resolve(requestID, Resolution{Status: StatusCancelled, Reason: reason})
	return nil
}

// SweepExpired transitions every pending request past its deadline to
// expired. Returns the number of requests expired. Requests that were
// decided or cancelled between the query and the transition are skipped.
func (g *Gate) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	overdue, err := g.store.PendingExpiredBy(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, r := range overdue {
		err := g.store.Transition(ctx, r.RequestID, StatusExpired, "system", nil)
		if err == ErrAlreadyResolved || err == ErrNotFound {
			continue
		}
		if err != nil {
			return expired, err
		}

		g.audit(r.TenantID, audit.Event{
			Type:      audit.TypeApprovalExpired,
			RequestID: r.RequestID,
			Actor:     "system",
			Action:    string(StatusExpired),
			Detail:    fmt.Sprintf("deadline %s elapsed", r.ExpiresAt.Format(time.RFC3339)),
		})
		g.resolve(r.RequestID, Resolution{Status: StatusExpired, Reason: "approval deadline elapsed"})
		expired++
	}
	return expired, nil
}

// RunSweeper runs the expiry sweep on a ticker until ctx is cancelled.
// The sweep is background work: an abandoned request resolves even if no
// caller is waiting on it.
func (g *Gate) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := g.SweepExpired(ctx, now.UTC())
			if err != nil {
				if ctx.Err() == nil {
					g.log.Warn("approval sweep failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				g.log.Info("expired pending approvals", zap.Int("count", n))
			}
		}
	}
}

// Pending lists pending requests for operator tooling.
func (g *Gate) Pending(ctx context.Context) ([]Request, error) {
	return g.store.Pending(ctx)
}

// Status returns the current status of a request.
func (g *Gate) Status(ctx context.Context, requestID string) (Status, error) {
	r, err := g.store.Get(ctx, requestID)
	if err != nil {
		return "", err
	}
	return r.Status, nil
}

// resolve delivers the resolution to the waiter, if any, and drops it.
// The store transition preceding every call guarantees this runs at most
// once per request.
func (g *Gate) resolve(requestID string, res Resolution) {
	g.mu.Lock()
	w := g.waiters[requestID]
	delete(g.waiters, requestID)
	g.mu.Unlock()

	if w != nil {
		w.ch <- res
	}
}

func (g *Gate) audit(tenant string, e audit.Event) {
	if g.ledger == nil {
		return
	}
	if _, err := g.ledger.Append(tenant, e); err != nil {
		g.log.Error("audit append failed", zap.String("type", e.Type), zap.Error(err))
	}
}
