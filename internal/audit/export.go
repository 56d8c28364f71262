package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Export formats.
const (
	FormatJSON       = "json"
	FormatCSV        = "csv"
	FormatCompliance = "compliance"
)

// ComplianceExport is the structured compliance format: the events plus a
// chain-integrity attestation computed at export time.
type ComplianceExport struct {
	TenantID       string  `json:"tenant_id"`
	GeneratedAt    string  `json:"generated_at"`
	Verified       bool    `json:"verified"`
	LastVerifiedAt string  `json:"last_verified_at"`
	EventCount     int     `json:"event_count"`
	BrokenAt       int     `json:"broken_at,omitempty"`
	Events         []Event `json:"events"`
}

// Export writes the tenant's retained events to w in the requested format.
func (l *Ledger) Export(tenant, format string, w io.Writer) error {
	events, err := l.Events(tenant)
	if err != nil {
		return err
	}

	switch format {
	case FormatJSON:
		return exportJSON(events, w)
	case FormatCSV:
		return exportCSV(events, w)
	case FormatCompliance:
		res := VerifyEvents(events)
		exp := ComplianceExport{
			TenantID:       tenant,
			GeneratedAt:    UTCNow(),
			Verified:       res.Valid,
			LastVerifiedAt: UTCNow(),
			EventCount:     len(events),
			BrokenAt:       res.BrokenAt,
			Events:         events,
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(exp)
	default:
		return fmt.Errorf("audit: unknown export format %q", format)
	}
}

func exportJSON(events []Event, w io.Writer) error {
	if events == nil {
		events = []Event{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}

var csvHeader = []string{
	"id", "type", "ts", "request_id", "tenant_id", "actor",
	"action", "detail", "policy_hash", "prev_event_id", "event_hash",
}

func exportCSV(events []Event, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range events {
		row := []string{
			e.ID, e.Type, e.Timestamp, e.RequestID, e.TenantID, e.Actor,
			e.Action, e.Detail, e.PolicyHash, e.PrevEventID, e.EventHash,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ImportJSON reads back a JSON export. Used for round-trip verification of
// exported trails.
func ImportJSON(r io.Reader) ([]Event, error) {
	var events []Event
	if err := json.NewDecoder(r).Decode(&events); err != nil {
		return nil, fmt.Errorf("audit: decode export: %w", err)
	}
	return events, nil
}

// Cleanup removes events older than maxAge from the tenant's partition,
// but only events whose request the caller confirms terminal, and never in a
// way that clips a request's trail in half: a request with any event younger
// than the cut keeps all its events. The remaining chain stays verifiable
// because verification anchors at the oldest retained event.
//
// Returns the number of events removed. A ledger-cleanup event is appended
// when anything was removed.
func (l *Ledger) Cleanup(tenant string, maxAge time.Duration, terminal func(requestID string) bool) (int, error) {
	p, err := l.partitionFor(tenant)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	if p.halted {
		p.mu.Unlock()
		return 0, ErrPartitionHalted
	}

	events, err := readEvents(p.path)
	if err != nil {
		p.mu.Unlock()
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	cut := 0
	for _, e := range events {
		ts, err := time.Parse(TimestampFormat, e.Timestamp)
		if err != nil || !ts.Before(cutoff) {
			break
		}
		if e.RequestID != "" && !terminal(e.RequestID) {
			break
		}
		cut++
	}

	// Pull the cut back so no request loses only part of its trail.
	lastIdx := make(map[string]int, len(events))
	for i, e := range events {
		lastIdx[e.RequestID] = i
	}
	for changed := true; changed; {
		changed = false
		for i := 0; i < cut; i++ {
			if lastIdx[events[i].RequestID] >= cut {
				cut = i
				changed = true
				break
			}
		}
	}

	if cut == 0 {
		p.mu.Unlock()
		return 0, nil
	}

	remaining := events[cut:]
	if err := rewritePartition(p, remaining); err != nil {
		p.mu.Unlock()
		return 0, err
	}
	p.mu.Unlock()

	_, err = l.Append(tenant, Event{
		Type:   TypeLedgerCleanup,
		Actor:  "system",
		Action: "retention-cleanup",
		Detail: fmt.Sprintf("removed %d events older than %s", cut, maxAge),
	})
	return cut, err
}

// rewritePartition atomically replaces the partition file with the remaining
// events. The only mutation the ledger ever performs besides append.
func rewritePartition(p *partition, remaining []Event) error {
	tmp := p.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: rewrite: %w", err)
	}
	for _, e := range remaining {
		line, err := json.Marshal(e)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("audit: rewrite marshal: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("audit: rewrite write: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return err
	}

	// Reopen the append handle on the replaced file.
	if p.file != nil {
		p.file.Close()
	}
	file, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: reopen after rewrite: %w", err)
	}
	p.file = file
	if len(remaining) > 0 {
		p.lastID = remaining[len(remaining)-1].ID
	} else {
		p.lastID = GenesisEventID
	}
	return nil
}
