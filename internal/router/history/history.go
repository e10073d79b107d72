// Package history keeps recent call records: routing outcomes and the
// notes testers attach to them.
package history

import (
	"errors"
	"sort"
	"time"

	types "github.com/sebas/dialtest/api/types/v1"
	"github.com/sebas/dialtest/internal/store"
)

// DefaultRetention is how long a record is kept after its last update.
const DefaultRetention = 24 * time.Hour

// ErrMissingField is returned when a note lacks its call id or text.
var ErrMissingField = errors.New("callId and notes are required")

// History is an in-memory, time-bounded call log.
type History struct {
	retention time.Duration
	now       func() time.Time
	records   *store.TTLStore[string, types.CallRecord]
}

// New creates a history that keeps records for retention.
func New(retention time.Duration) *History {
	return newHistory(retention, time.Now)
}

func newHistory(retention time.Duration, now func() time.Time) *History {
	if retention <= 0 {
		retention = DefaultRetention
	}
	sweep := retention / 10
	if sweep > 10*time.Minute {
		sweep = 10 * time.Minute
	}
	return &History{
		retention: retention,
		now:       now,
		records:   store.NewTTLStore[string, types.CallRecord](sweep, store.WithClock[string, types.CallRecord](now)),
	}
}

// RecordRouting stores the outcome of routing one call.
func (h *History) RecordRouting(callID, caller, agent, outcome string) types.CallRecord {
	ts := h.now().UTC().Format(time.RFC3339)
	return h.records.Upsert(callID, h.retention, func(cur types.CallRecord, found bool) types.CallRecord {
		if !found {
			cur = types.CallRecord{CallID: callID, CreatedAt: ts}
		} else {
			cur.UpdatedAt = ts
		}
		cur.Caller = caller
		cur.Agent = agent
		cur.Outcome = outcome
		return cur
	})
}

// SaveNotes attaches notes to callID, creating the record when needed.
func (h *History) SaveNotes(callID, notes string) (types.CallRecord, error) {
	if callID == "" || notes == "" {
		return types.CallRecord{}, ErrMissingField
	}
	ts := h.now().UTC().Format(time.RFC3339)
	rec := h.records.Upsert(callID, h.retention, func(cur types.CallRecord, found bool) types.CallRecord {
		if !found {
			cur = types.CallRecord{CallID: callID, CreatedAt: ts}
		} else {
			cur.UpdatedAt = ts
		}
		cur.Notes = notes
		return cur
	})
	return rec, nil
}

// List returns the records, oldest first.
func (h *History) List() []types.CallRecord {
	out := h.records.Values()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].CallID < out[j].CallID
	})
	return out
}

// Len returns the number of records.
func (h *History) Len() int { return h.records.Len() }

// Close stops the sweeper.
func (h *History) Close() { h.records.Close() }
