package audit

import (
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// Timeline renders a partition's events as a human-readable text timeline,
// optionally filtered to a single request.
func Timeline(tenant string, events []Event, requestID string) string {
	if requestID != "" {
		filtered := events[:0:0]
		for _, e := range events {
			if e.RequestID == requestID {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	if len(events) == 0 {
		return fmt.Sprintf("Tenant: %s | No events found.\n", tenant)
	}

	var b strings.Builder
	first := formatDateTime(events[0].Timestamp)
	last := formatTimeOnly(events[len(events)-1].Timestamp)
	b.WriteString(fmt.Sprintf("Tenant: %s | %s–%s UTC\n", tenant, first, last))
	b.WriteString(separator + "\n")

	for _, e := range events {
		b.WriteString(fmt.Sprintf("%-10s %-20s %-18s %-14s %s\n",
			formatTimeOnly(e.Timestamp),
			truncate(e.Type, 20),
			truncate(e.RequestID, 18),
			truncate(e.Actor, 14),
			truncate(e.Detail, 48)))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatCounts(events))
	return b.String()
}

func formatCounts(events []Event) string {
	counts := make(map[string]int)
	var order []string
	for _, e := range events {
		if counts[e.Type] == 0 {
			order = append(order, e.Type)
		}
		counts[e.Type]++
	}
	parts := make([]string, 0, len(order))
	for _, typ := range order {
		parts = append(parts, fmt.Sprintf("%d %s", counts[typ], typ))
	}
	return fmt.Sprintf("Summary: %d events | %s\n", len(events), strings.Join(parts, ", "))
}

func formatDateTime(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
