package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
)

func TestExportJSONRoundTrips(t *testing.T) {
	l := newTestLedger(t)
	appendN(t, l, "acme", 3)

	var buf bytes.Buffer
	if err := l.Export("acme", FormatJSON, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	events, err := ImportJSON(&buf)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if res := VerifyEvents(events); !res.Valid {
		t.Fatalf("round-tripped chain invalid: %+v", res)
	}
}

func TestExportCSVQuotesEmbeddedDelimiters(t *testing.T) {
	l := newTestLedger(t)
	detail := `args="rm, -rf", target="/tmp/x"`
	if _, err := l.Append("acme", Event{
		Type:      TypeRequestReceived,
		RequestID: "req-1",
		Actor:     "agent-1",
		Action:    "shell",
		Detail:    detail,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	var buf bytes.Buffer
	if err := l.Export("acme", FormatCSV, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header + 1 row, got %d records", len(records))
	}
	row := records[1]
	if len(row) != len(csvHeader) {
		t.Fatalf("row width %d, want %d", len(row), len(csvHeader))
	}
	if row[7] != detail {
		t.Fatalf("detail mangled by csv: %q", row[7])
	}
}

func TestExportComplianceCarriesAttestation(t *testing.T) {
	l := newTestLedger(t)
	appendN(t, l, "acme", 2)

	var buf bytes.Buffer
	if err := l.Export("acme", FormatCompliance, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	var exp ComplianceExport
	if err := json.Unmarshal(buf.Bytes(), &exp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if exp.TenantID != "acme" {
		t.Fatalf("tenant = %q", exp.TenantID)
	}
	if !exp.Verified {
		t.Fatalf("intact chain exported as unverified: %+v", exp)
	}
	if exp.LastVerifiedAt == "" || exp.GeneratedAt == "" {
		t.Fatalf("attestation timestamps missing: %+v", exp)
	}
	if exp.EventCount != 2 || len(exp.Events) != 2 {
		t.Fatalf("event count mismatch: %+v", exp)
	}
}

func TestExportComplianceReportsTampering(t *testing.T) {
	l := newTestLedger(t)
	appendN(t, l, "acme", 3)
	l.Close()

	path := filepath.Join(l.dir, "acme.jsonl")
	tamperLine(t, path, 2, func(s string) string {
		return strings.Replace(s, `"action":"assess"`, `"action":"forged"`, 1)
	})

	fresh, _ := Open(l.dir)
	var buf bytes.Buffer
	if err := fresh.Export("acme", FormatCompliance, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	var exp ComplianceExport
	if err := json.Unmarshal(buf.Bytes(), &exp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if exp.Verified {
		t.Fatal("tampered chain exported as verified")
	}
	if exp.BrokenAt != 2 {
		t.Fatalf("broken_at = %d, want 2", exp.BrokenAt)
	}
}

func TestExportUnknownFormatRejected(t *testing.T) {
	l := newTestLedger(t)
	appendN(t, l, "acme", 1)

	var buf bytes.Buffer
	err := l.Export("acme", "xml", &buf)
	if err == nil || !strings.Contains(err.Error(), "unknown export format") {
		t.Fatalf("expected unknown format error, got %v", err)
	}
}
