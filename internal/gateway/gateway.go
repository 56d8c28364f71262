package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/alert"
	"github.com/wardenhq/warden/internal/approval"
	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/model"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/risk"
	"github.com/wardenhq/warden/internal/sandbox"
)

// Disposition is the terminal answer the gateway gives a caller.
type Disposition string

const (
	DispositionExecuted Disposition = "executed"
	DispositionDenied   Disposition = "denied"
	DispositionPending  Disposition = "pending-approval"
)

// Outcome is the gateway's answer for one tool call.
type Outcome struct {
	Disposition Disposition          `json:"disposition"`
	Assessment  model.RiskAssessment `json:"assessment"`
	Result      *sandbox.Result      `json:"result,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	ApprovalID  string               `json:"approval_id,omitempty"`
}

// RejectionError marks a request that failed validation before entering the
// pipeline: malformed fields, deny-pattern hits, or schema violations.
// Callers branch on it to distinguish bad input from gateway failure.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return "gateway: request rejected: " + e.Reason
}

// Orchestrator drives each tool call through the pipeline:
// validate, assess, gate, execute, audit. Policy (assessor + hash) is
// swappable at runtime for hot reload; everything else is fixed at startup.
type Orchestrator struct {
	cfg     *Config
	reg     *registry.Registry
	gate    *approval.Gate
	exec    *sandbox.Executor
	ledger  *audit.Ledger
	alerter *alert.Dispatcher
	log     *zap.Logger

	mu         sync.RWMutex
	assessor   *risk.Assessor
	policyHash string
}

// New creates an Orchestrator.
func New(cfg *Config, reg *registry.Registry, assessor *risk.Assessor, policyHash string,
	gate *approval.Gate, exec *sandbox.Executor, ledger *audit.Ledger, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		reg:        reg,
		gate:       gate,
		exec:       exec,
		ledger:     ledger,
		alerter:    alert.NewDispatcher(cfg.Alerts, log),
		log:        log,
		assessor:   assessor,
		policyHash: policyHash,
	}
}

// SetPolicy swaps the active risk policy. Called by the hot-reload watcher;
// in-flight requests finish under the policy they started with.
func (o *Orchestrator) SetPolicy(assessor *risk.Assessor, hash string) {
	o.mu.Lock()
	o.assessor = assessor
	o.policyHash = hash
	o.mu.Unlock()
	o.log.Info("risk policy swapped", zap.String("policy_hash", hash))
}

// PolicyHash returns the hash of the active risk policy.
func (o *Orchestrator) PolicyHash() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.policyHash
}

// Handle runs one tool call through the pipeline. With wait=true the call
// blocks on any required approval and returns the final outcome; with
// wait=false a gated request returns DispositionPending immediately and the
// approved execution completes in the background, its outcome recorded in
// the audit trail.
//
// A non-nil *RejectionError means the request never entered the pipeline.
func (o *Orchestrator) Handle(ctx context.Context, req *model.ToolCallRequest, cls model.Classification, wait bool) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		// Identifier fields may be unusable as a partition name; the
		// rejection is auditable only when the tenant id is sound.
		o.auditRejection(req, "validation: "+err.Error())
		return nil, &RejectionError{Reason: err.Error()}
	}

	o.audit(req.TenantID, audit.Event{
		Type:      audit.TypeRequestReceived,
		RequestID: req.RequestID,
		Actor:     req.PrincipalID,
		Action:    req.Tool,
		Detail:    fmt.Sprintf("session=%s payload_bytes=%d", req.SessionID, len(req.Payload())),
	})

	if err := o.reg.ValidateArgs(req.Tool, req.Arguments); err != nil {
		o.auditRejection(req, err.Error())
		return nil, &RejectionError{Reason: err.Error()}
	}

	o.mu.RLock()
	assessor := o.assessor
	o.mu.RUnlock()
	assessment := assessor.Assess(req, cls)

	o.audit(req.TenantID, audit.Event{
		Type:      audit.TypeRiskAssessed,
		RequestID: req.RequestID,
		Actor:     "system",
		Action:    string(assessment.Level),
		Detail:    fmt.Sprintf("score=%.2f types=%s", assessment.Score, strings.Join(assessment.RiskTypes, ",")),
	})

	mode := o.cfg.ModeFor(req.TenantID)
	switch {
	case mode == ModeAdvisory:
		// Assess and log only; the tenant runs on its own authority.
		if assessment.RequiresApproval() {
			o.log.Warn("advisory tenant executing gated-level request",
				zap.String("tenant", req.TenantID),
				zap.String("request", req.RequestID),
				zap.String("level", string(assessment.Level)))
		}
	case mode == ModeLocked && assessment.Level == model.RiskCritical:
		reason := "critical risk denied outright for locked tenant"
		o.auditRejection(req, reason)
		o.notify(req, assessment, DispositionDenied, reason)
		return &Outcome{Disposition: DispositionDenied, Assessment: assessment, Reason: reason}, nil
	case assessment.RequiresApproval():
		return o.gateAndMaybeExecute(ctx, req, assessment, wait)
	}

	return o.execute(ctx, req, assessment)
}

// gateAndMaybeExecute opens an approval and either blocks for its resolution
// or hands the continuation to a background goroutine.
func (o *Orchestrator) gateAndMaybeExecute(ctx context.Context, req *model.ToolCallRequest, assessment model.RiskAssessment, wait bool) (*Outcome, error) {
	ch, err := o.gate.Create(ctx, req, assessment)
	if err != nil {
		return nil, fmt.Errorf("gateway: open approval: %w", err)
	}

	if !wait {
		go o.completeAfterApproval(req, assessment, ch)
		o.notify(req, assessment, DispositionPending, "awaiting approval")
		return &Outcome{
			Disposition: DispositionPending,
			Assessment:  assessment,
			ApprovalID:  req.RequestID,
		}, nil
	}

	select {
	case res := <-ch:
		if !res.Allowed() {
			out := o.deniedOutcome(assessment, res)
			o.notify(req, assessment, DispositionDenied, out.Reason)
			return out, nil
		}
		return o.execute(ctx, req, assessment)
	case <-ctx.Done():
		if err := o.gate.Cancel(context.Background(), req.RequestID, "caller disconnected"); err != nil && !errors.Is(err, approval.ErrAlreadyResolved) {
			o.log.Error("cancel after disconnect failed", zap.String("request", req.RequestID), zap.Error(err))
		}
		return nil, ctx.Err()
	}
}

// completeAfterApproval finishes a non-blocking gated request once its
// approval resolves. The outcome lands in the audit trail; there is no
// caller left to return it to.
func (o *Orchestrator) completeAfterApproval(req *model.ToolCallRequest, assessment model.RiskAssessment, ch <-chan approval.Resolution) {
	res := <-ch
	if !res.Allowed() {
		// The gate already audited the terminal transition.
		o.notify(req, assessment, DispositionDenied, res.Reason)
		return
	}
	if _, err := o.execute(context.Background(), req, assessment); err != nil {
		o.log.Error("deferred execution failed", zap.String("request", req.RequestID), zap.Error(err))
	}
}

func (o *Orchestrator) deniedOutcome(assessment model.RiskAssessment, res approval.Resolution) *Outcome {
	reason := res.Reason
	if reason == "" {
		reason = "approval " + string(res.Status)
	}
	return &Outcome{Disposition: DispositionDenied, Assessment: assessment, Reason: reason}
}

// execute runs the request in the sandbox, bracketed by audit events.
func (o *Orchestrator) execute(ctx context.Context, req *model.ToolCallRequest, assessment model.RiskAssessment) (*Outcome, error) {
	cfg := o.sandboxConfigFor(req.Tool)

	o.audit(req.TenantID, audit.Event{
		Type:      audit.TypeExecutionStarted,
		RequestID: req.RequestID,
		Actor:     "system",
		Action:    req.Tool,
		Detail:    fmt.Sprintf("network=%t spawn=%t timeout=%s", cfg.AllowNetwork, cfg.AllowSpawn, cfg.Timeout),
	})

	res, err := o.exec.Execute(ctx, req.Payload(), cfg)
	if err != nil {
		o.audit(req.TenantID, audit.Event{
			Type:      audit.TypeExecutionFinished,
			RequestID: req.RequestID,
			Actor:     "system",
			Action:    "infrastructure-error",
			Detail:    err.Error(),
		})
		return nil, fmt.Errorf("gateway: sandbox execution: %w", err)
	}

	o.audit(req.TenantID, audit.Event{
		Type:      audit.TypeExecutionFinished,
		RequestID: req.RequestID,
		Actor:     "system",
		Action:    string(res.Status),
		Detail: fmt.Sprintf("exit_code=%d wall_ms=%d max_rss_kb=%d",
			res.ExitCode, res.Usage.WallTime.Milliseconds(), res.Usage.MaxRSSKB),
	})

	o.notify(req, assessment, DispositionExecuted, string(res.Status))
	return &Outcome{Disposition: DispositionExecuted, Assessment: assessment, Result: res}, nil
}

// notify fans the terminal disposition out to configured webhooks.
func (o *Orchestrator) notify(req *model.ToolCallRequest, assessment model.RiskAssessment, d Disposition, reason string) {
	if o.alerter == nil {
		return
	}
	o.alerter.Dispatch(alert.Event{
		Timestamp:   audit.UTCNow(),
		RequestID:   req.RequestID,
		TenantID:    req.TenantID,
		Tool:        req.Tool,
		Disposition: string(d),
		Reason:      reason,
		Level:       string(assessment.Level),
		Score:       assessment.Score,
		PolicyHash:  o.PolicyHash(),
	})
}

// sandboxConfigFor derives the execution capability set: service-wide
// ceilings plus whatever the tool definition explicitly grants.
func (o *Orchestrator) sandboxConfigFor(tool string) sandbox.Config {
	cfg := o.cfg.Sandbox
	if td := o.reg.Lookup(tool); td != nil {
		cfg.AllowNetwork = cfg.AllowNetwork || td.AllowNetwork
		cfg.AllowSpawn = cfg.AllowSpawn || td.AllowSpawn
	}
	return cfg
}

func (o *Orchestrator) auditRejection(req *model.ToolCallRequest, reason string) {
	if req.TenantID == "" {
		return
	}
	o.audit(req.TenantID, audit.Event{
		Type:      audit.TypeRequestRejected,
		RequestID: req.RequestID,
		Actor:     "system",
		Action:    req.Tool,
		Detail:    reason,
	})
}

// audit appends one event to the tenant's partition, stamped with the active
// policy hash. Appends retry with bounded backoff: the ledger write is
// idempotent from the pipeline's point of view (nothing external happened
// yet), unlike a sandbox run, which is never retried.
func (o *Orchestrator) audit(tenant string, e audit.Event) {
	e.PolicyHash = o.PolicyHash()

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		if _, err = o.ledger.Append(tenant, e); err == nil {
			return
		}
		if errors.Is(err, audit.ErrPartitionHalted) {
			break
		}
	}
	o.log.Error("audit append failed",
		zap.String("tenant", tenant),
		zap.String("type", e.Type),
		zap.Error(err))
}
