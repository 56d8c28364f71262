package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// GenesisEventID is the prev_event_id of the first event in a new partition.
const GenesisEventID = "genesis"

// TimestampFormat is the ISO-8601 layout used for event timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Event types emitted by the gateway pipeline.
const (
	TypeRequestReceived   = "request-received"
	TypeRequestRejected   = "request-rejected"
	TypeRiskAssessed      = "risk-assessed"
	TypeApprovalCreated   = "approval-created"
	TypeApprovalApproved  = "approval-approved"
	TypeApprovalDenied    = "approval-denied"
	TypeApprovalExpired   = "approval-expired"
	TypeApprovalCancelled = "approval-cancelled"
	TypeExecutionStarted  = "execution-started"
	TypeExecutionFinished = "execution-finished"
	TypeLedgerCleanup     = "ledger-cleanup"
)

// Event is one line in a partition's hash-chained JSONL ledger.
// All fields are plain strings to guarantee deterministic json.Marshal
// field order for reproducible hashing.
//
// EventHash is computed over the marshaled event with EventHash itself
// empty; PrevEventID is part of the hashed fields, so each hash depends on
// the identity of the immediate predecessor. Altering any historical event
// invalidates its own stored hash, and altering ordering breaks the
// prev_event_id linkage.
type Event struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Timestamp   string `json:"ts"`
	RequestID   string `json:"request_id"`
	TenantID    string `json:"tenant_id"`
	Actor       string `json:"actor"`
	Action      string `json:"action"`
	Detail      string `json:"detail,omitempty"`
	PolicyHash  string `json:"policy_hash,omitempty"`
	PrevEventID string `json:"prev_event_id"`
	EventHash   string `json:"event_hash"`
}

// ComputeHash returns "sha256:<hex>" over the event's own fields (with the
// hash field blanked) plus the predecessor id already set on the event.
func ComputeHash(e Event) string {
	e.EventHash = ""
	line, err := json.Marshal(e)
	if err != nil {
		// Event is all strings; Marshal cannot fail in practice.
		return ""
	}
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

// UTCNow returns the current UTC time in the ledger timestamp format.
func UTCNow() string {
	return time.Now().UTC().Format(TimestampFormat)
}
