package alert

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func testEvent() Event {
	return Event{
		Timestamp:   "2026-08-30T10:00:00.000Z",
		RequestID:   "req-1",
		TenantID:    "acme",
		Tool:        "shell",
		Disposition: "denied",
		Reason:      "too risky",
		Level:       "critical",
		Score:       0.92,
		PolicyHash:  "sha256:abc",
	}
}

func TestSendGeneric(t *testing.T) {
	var got Event
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type: %s", ct)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("header not forwarded: %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer ts.Close()

	cfg := Config{URL: ts.URL, Headers: map[string]string{"Authorization": "Bearer tok"}}
	if err := Send(cfg, testEvent()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.RequestID != "req-1" || got.Level != "critical" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestSendRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
	}))
	defer ts.Close()

	if err := Send(Config{URL: ts.URL}, testEvent()); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestSendNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	if err := Send(Config{URL: ts.URL}, testEvent()); err == nil {
		t.Fatal("expected error on 4xx")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx retried: %d attempts", calls.Load())
	}
}

func TestFormatSlack(t *testing.T) {
	body, err := FormatPayload("slack", testEvent())
	if err != nil {
		t.Fatal(err)
	}
	s := string(body)
	for _, want := range []string{"warden: denied", "acme", "critical", "too risky"} {
		if !strings.Contains(s, want) {
			t.Fatalf("slack payload missing %q: %s", want, s)
		}
	}
}

func TestFormatPagerDutySeverity(t *testing.T) {
	tests := []struct {
		level    string
		severity string
	}{
		{"critical", "critical"},
		{"high", "error"},
		{"medium", "warning"},
		{"low", "info"},
	}
	for _, tt := range tests {
		e := testEvent()
		e.Level = tt.level
		body, err := FormatPayload("pagerduty", e)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(body), `"severity":"`+tt.severity+`"`) {
			t.Fatalf("level %s: expected severity %s in %s", tt.level, tt.severity, body)
		}
	}
}

func TestDispatcherMatching(t *testing.T) {
	if NewDispatcher(nil, nil) != nil {
		t.Fatal("empty config should yield nil dispatcher")
	}

	tests := []struct {
		events []string
		want   bool
	}{
		{[]string{"denied"}, true},
		{[]string{"critical"}, true},
		{[]string{"pending-approval"}, false},
		{[]string{"low", "medium"}, false},
	}
	for _, tt := range tests {
		if got := matches(tt.events, testEvent()); got != tt.want {
			t.Fatalf("matches(%v) = %v, want %v", tt.events, got, tt.want)
		}
	}
}
