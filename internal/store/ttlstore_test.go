package store

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestTTLStoreExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	s := NewTTLStore[string, int](0, WithClock[string, int](clock.Now))
	defer s.Close()

	s.Set("a", 1, time.Minute)
	s.Set("b", 2, time.Hour)

	if v, ok := s.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v", v, ok)
	}

	clock.Advance(time.Minute)
	if _, ok := s.Get("a"); ok {
		t.Error("a should have expired at its deadline")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
	if vals := s.Values(); len(vals) != 1 || vals[0] != 2 {
		t.Errorf("Values() = %v", vals)
	}
}

func TestTTLStoreUpsert(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	s := NewTTLStore[string, []string](0, WithClock[string, []string](clock.Now))
	defer s.Close()

	add := func(v string) func([]string, bool) []string {
		return func(cur []string, _ bool) []string { return append(cur, v) }
	}
	s.Upsert("k", time.Minute, add("x"))
	got := s.Upsert("k", time.Minute, add("y"))
	if len(got) != 2 || got[1] != "y" {
		t.Errorf("Upsert = %v", got)
	}

	clock.Advance(2 * time.Minute)
	var sawFound bool
	s.Upsert("k", time.Minute, func(cur []string, found bool) []string {
		sawFound = found
		return cur
	})
	if sawFound {
		t.Error("expired entry should be reported as absent")
	}
}

func TestTTLStoreSweepCallsEvict(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var evicted []string
	s := NewTTLStore[string, int](0,
		WithClock[string, int](clock.Now),
		WithEvict(func(k string, _ int) { evicted = append(evicted, k) }),
	)
	defer s.Close()

	s.Set("old", 1, time.Second)
	s.Set("new", 2, time.Hour)
	s.Set("gone", 3, time.Second)
	s.Delete("gone")

	clock.Advance(2 * time.Second)
	if n := s.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if len(evicted) != 1 || evicted[0] != "old" {
		t.Errorf("evicted = %v", evicted)
	}
}

func TestTTLStoreCloseTwice(t *testing.T) {
	s := NewTTLStore[int, int](time.Millisecond)
	s.Set(1, 1, time.Hour)
	s.Close()
	s.Close()
	if s.Len() != 0 {
		t.Errorf("Len() after Close = %d", s.Len())
	}
}
