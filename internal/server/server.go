package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/approval"
	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/gateway"
	"github.com/wardenhq/warden/internal/model"
)

// Server exposes the gateway over HTTP: tool-call submission, approval
// decisions, and audit inspection.
type Server struct {
	orch   *gateway.Orchestrator
	gate   *approval.Gate
	ledger *audit.Ledger
	log    *zap.Logger
	http   *http.Server
}

// New creates a Server listening on addr.
func New(addr string, orch *gateway.Orchestrator, gate *approval.Gate, ledger *audit.Ledger, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{orch: orch, gate: gate, ledger: ledger, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/toolcalls", s.handleToolCall)
	mux.HandleFunc("GET /v1/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /v1/approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/approvals/{id}/deny", s.handleDeny)
	mux.HandleFunc("GET /v1/audit/verify", s.handleVerify)
	mux.HandleFunc("GET /v1/audit/export", s.handleExport)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // tool calls may block on approval
	}
	return s
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve() error {
	s.log.Info("listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeOn serves on an existing listener. For testing.
func (s *Server) ServeOn(lis net.Listener) error {
	err := s.http.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler returns the route table. For testing.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ToolCallSubmission is the body of POST /v1/toolcalls.
type ToolCallSubmission struct {
	Request        model.ToolCallRequest `json:"request"`
	Classification model.Classification  `json:"classification"`
	// Wait blocks the HTTP call on any required approval instead of
	// returning 202 with the approval id.
	Wait bool `json:"wait,omitempty"`
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var sub ToolCallSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	out, err := s.orch.Handle(r.Context(), &sub.Request, sub.Classification, sub.Wait)
	if err != nil {
		var rej *gateway.RejectionError
		switch {
		case errors.As(err, &rej):
			s.writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, context.Canceled):
			// Client went away; nothing useful to write.
		default:
			s.log.Error("tool call failed", zap.String("request", sub.Request.RequestID), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	status := http.StatusOK
	if out.Disposition == gateway.DispositionPending {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, out)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.gate.Pending(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

// DecisionSubmission is the body of approve/deny calls.
type DecisionSubmission struct {
	ApproverID string `json:"approver_id"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, true)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, false)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, approved bool) {
	id := r.PathValue("id")

	var sub DecisionSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if sub.ApproverID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("approver_id is required"))
		return
	}

	err := s.gate.Decide(r.Context(), id, approved, sub.Reason, sub.ApproverID)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, approval.ErrAlreadyResolved):
		s.writeError(w, http.StatusConflict, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		status, _ := s.gate.Status(r.Context(), id)
		s.writeJSON(w, http.StatusOK, map[string]string{"request_id": id, "status": string(status)})
	}
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("tenant query parameter is required"))
		return
	}
	res, err := s.ledger.Verify(tenant)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenant := q.Get("tenant")
	if tenant == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("tenant query parameter is required"))
		return
	}
	format := q.Get("format")
	if format == "" {
		format = audit.FormatJSON
	}

	var buf bytes.Buffer
	if err := s.ledger.Export(tenant, format, &buf); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	switch format {
	case audit.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"policy_hash": s.orch.PolicyHash(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
