package history

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRoutingThenNotes(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	h := newHistory(time.Hour, c.Now)
	defer h.Close()

	h.RecordRouting("call-1", "+15550100", "agent-1", "routed")
	c.Advance(time.Minute)
	rec, err := h.SaveNotes("call-1", "IVR menu ok")
	if err != nil {
		t.Fatalf("SaveNotes: %v", err)
	}
	if rec.Agent != "agent-1" || rec.Notes != "IVR menu ok" || rec.Outcome != "routed" {
		t.Errorf("record = %+v", rec)
	}
	if rec.CreatedAt != "2026-01-02T03:04:05Z" || rec.UpdatedAt != "2026-01-02T03:05:05Z" {
		t.Errorf("timestamps = %q / %q", rec.CreatedAt, rec.UpdatedAt)
	}
	if h.Len() != 1 {
		t.Errorf("Len() = %d", h.Len())
	}
}

func TestSaveNotesRequiresFields(t *testing.T) {
	h := New(0)
	defer h.Close()

	for _, tc := range [][2]string{{"", "n"}, {"id", ""}} {
		if _, err := h.SaveNotes(tc[0], tc[1]); !errors.Is(err, ErrMissingField) {
			t.Errorf("SaveNotes(%q, %q) err = %v", tc[0], tc[1], err)
		}
	}
}

func TestListOrderAndRetention(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)}
	h := newHistory(time.Hour, c.Now)
	defer h.Close()

	h.SaveNotes("b", "first")
	c.Advance(30 * time.Minute)
	h.SaveNotes("a", "second")

	list := h.List()
	if len(list) != 2 || list[0].CallID != "b" || list[1].CallID != "a" {
		t.Errorf("List() = %+v", list)
	}

	c.Advance(45 * time.Minute)
	list = h.List()
	if len(list) != 1 || list[0].CallID != "a" {
		t.Errorf("List() after retention = %+v", list)
	}
}
