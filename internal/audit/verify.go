package audit

import "fmt"

// VerifyResult holds the outcome of a hash chain verification.
// BrokenAt is the 1-based position of the first diverging event; every
// event from that position onward is untrustworthy.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Events   int    `json:"events"`
	BrokenAt int    `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify walks the tenant's chain from the oldest retained event forward and
// recomputes every hash. The first divergence between a recomputed and a
// stored value invalidates the event and everything after it. A failed
// verification halts the partition: further appends return
// ErrPartitionHalted until operator intervention.
func (l *Ledger) Verify(tenant string) (VerifyResult, error) {
	p, err := l.partitionFor(tenant)
	if err != nil {
		return VerifyResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	events, err := readEvents(p.path)
	if err != nil {
		return VerifyResult{}, err
	}

	res := VerifyEvents(events)
	if !res.Valid {
		p.halted = true
	}
	return res, nil
}

// VerifyEvents checks an in-memory chain. The first event is the anchor:
// its predecessor pointer is accepted as-is (retention may have removed the
// event it names), but its own hash must still recompute. Every later event
// must both recompute and point at the id of its immediate predecessor.
func VerifyEvents(events []Event) VerifyResult {
	for i, e := range events {
		if got := ComputeHash(e); got != e.EventHash {
			return VerifyResult{
				Events:   len(events),
				BrokenAt: i + 1,
				Reason:   fmt.Sprintf("event hash mismatch: stored %s, recomputed %s", e.EventHash, got),
			}
		}
		if i > 0 && e.PrevEventID != events[i-1].ID {
			return VerifyResult{
				Events:   len(events),
				BrokenAt: i + 1,
				Reason:   fmt.Sprintf("chain break: prev_event_id %s does not match predecessor %s", e.PrevEventID, events[i-1].ID),
			}
		}
	}
	return VerifyResult{Valid: true, Events: len(events)}
}
