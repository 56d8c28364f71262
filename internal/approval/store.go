package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wardenhq/warden/internal/model"
)

// Status represents the state of an approval request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// ErrAlreadyResolved is returned when a transition races a request that has
// already reached a terminal state. Whichever transition committed first
// wins; the loser gets this error, never a silent overwrite.
var ErrAlreadyResolved = errors.New("approval: request already resolved")

// ErrNotFound is returned for operations on an unknown request id.
var ErrNotFound = errors.New("approval: request not found")

// Request is one pending human-in-the-loop decision.
type Request struct {
	RequestID string          `json:"request_id"`
	TenantID  string          `json:"tenant_id"`
	Tool      string          `json:"tool"`
	Summary   string          `json:"summary"` // truncated code/arguments for review
	RiskLevel model.RiskLevel `json:"risk_level"`
	RiskScore float64         `json:"risk_score"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Decision records the single human decision taken on a request.
type Decision struct {
	RequestID  string    `json:"request_id"`
	Approved   bool      `json:"approved"`
	Reason     string    `json:"reason"`
	ApproverID string    `json:"approver_id"`
	DecidedAt  time.Time `json:"decided_at"`
	LatencyMS  int64     `json:"latency_ms"`
}

const schema = `
CREATE TABLE IF NOT EXISTS approval_requests (
	request_id  TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	tool        TEXT NOT NULL,
	summary     TEXT NOT NULL,
	risk_level  TEXT NOT NULL,
	risk_score  REAL NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	expires_at  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS approval_decisions (
	request_id  TEXT PRIMARY KEY REFERENCES approval_requests(request_id),
	approved    INTEGER NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	approver_id TEXT NOT NULL,
	decided_at  TIMESTAMP NOT NULL,
	latency_ms  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS approval_audit_log (
	request_id  TEXT NOT NULL,
	action      TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	old_status  TEXT NOT NULL,
	new_status  TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approval_audit_request
	ON approval_audit_log(request_id, created_at);
`

// Store persists approval requests and decisions in SQLite. All terminal
// transitions go through a transaction that updates the row only while it is
// still pending, so the database is the final arbiter of exactly-once.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the approval database at path.
// Use ":memory:" for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("approval: open database: %w", err)
	}
	// SQLite allows a single writer; the gate serializes per request anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("approval: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new pending request. ExpiresAt must be strictly after
// CreatedAt.
func (s *Store) Create(ctx context.Context, r Request) error {
	if !r.ExpiresAt.After(r.CreatedAt) {
		return fmt.Errorf("approval: expires_at %v is not after created_at %v", r.ExpiresAt, r.CreatedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_requests
			(request_id, tenant_id, tool, summary, risk_level, risk_score, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.TenantID, r.Tool, r.Summary, string(r.RiskLevel), r.RiskScore,
		string(StatusPending), r.CreatedAt.UTC(), r.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("approval: create request: %w", err)
	}

	return s.logTransition(ctx, r.RequestID, "created", "system", "", StatusPending)
}

// Get returns the request, or ErrNotFound.
func (s *Store) Get(ctx context.Context, requestID string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, tenant_id, tool, summary, risk_level, risk_score, status, created_at, expires_at
		FROM approval_requests WHERE request_id = ?`, requestID)
	return scanRequest(row)
}

// Pending returns all pending requests, oldest first.
func (s *Store) Pending(ctx context.Context) ([]Request, error) {
	return s.queryRequests(ctx, `
		SELECT request_id, tenant_id, tool, summary, risk_level, risk_score, status, created_at, expires_at
		FROM approval_requests WHERE status = ? ORDER BY created_at`, string(StatusPending))
}

// PendingExpiredBy returns pending requests whose deadline has passed.
func (s *Store) PendingExpiredBy(ctx context.Context, now time.Time) ([]Request, error) {
	return s.queryRequests(ctx, `
		SELECT request_id, tenant_id, tool, summary, risk_level, risk_score, status, created_at, expires_at
		FROM approval_requests WHERE status = ? AND expires_at < ? ORDER BY created_at`,
		string(StatusPending), now.UTC())
}

// Transition moves a request from pending to a terminal state, recording the
// decision row when a human decided. Returns ErrAlreadyResolved if the
// request is no longer pending, ErrNotFound if it does not exist.
func (s *Store) Transition(ctx context.Context, requestID string, to Status, actor string, dec *Decision) error {
	if !to.Terminal() {
		return fmt.Errorf("approval: transition target %q is not terminal", to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("approval: begin transition: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE approval_requests SET status = ? WHERE request_id = ? AND status = ?`,
		string(to), requestID, string(StatusPending))
	if err != nil {
		return fmt.Errorf("approval: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM approval_requests WHERE request_id = ?`, requestID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrAlreadyResolved
	}

	if dec != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approval_decisions (request_id, approved, reason, approver_id, decided_at, latency_ms)
			VALUES (?, ?, ?, ?, ?, ?)`,
			dec.RequestID, dec.Approved, dec.Reason, dec.ApproverID, dec.DecidedAt.UTC(), dec.LatencyMS,
		); err != nil {
			return fmt.Errorf("approval: record decision: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO approval_audit_log (request_id, action, actor_id, old_status, new_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		requestID, string(to), actor, string(StatusPending), string(to), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("approval: log transition: %w", err)
	}

	return tx.Commit()
}

// GetDecision returns the decision for a request, or ErrNotFound.
func (s *Store) GetDecision(ctx context.Context, requestID string) (*Decision, error) {
	var d Decision
	var approved int
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, approved, reason, approver_id, decided_at, latency_ms
		FROM approval_decisions WHERE request_id = ?`, requestID).
		Scan(&d.RequestID, &approved, &d.Reason, &d.ApproverID, &d.DecidedAt, &d.LatencyMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Approved = approved != 0
	return &d, nil
}

// IsTerminal reports whether the request exists and has left pending.
// Unknown requests count as terminal for retention purposes: there is
// nothing left to wait for.
func (s *Store) IsTerminal(ctx context.Context, requestID string) bool {
	r, err := s.Get(ctx, requestID)
	if err != nil {
		return true
	}
	return r.Status.Terminal()
}

func (s *Store) logTransition(ctx context.Context, requestID, action, actor string, from, to Status) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_audit_log (request_id, action, actor_id, old_status, new_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		requestID, action, actor, string(from), string(to), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("approval: log transition: %w", err)
	}
	return nil
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("approval: query requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	var level, status string
	err := row.Scan(&r.RequestID, &r.TenantID, &r.Tool, &r.Summary, &level, &r.RiskScore,
		&status, &r.CreatedAt, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.RiskLevel = model.RiskLevel(level)
	r.Status = Status(status)
	return &r, nil
}
