package dedup

import (
	"sort"
	"sync"
	"testing"
	"time"
)

// manualTimers fires scheduled functions when the test advances time.
type manualTimers struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (m *manualTimers) AfterFunc(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{at: m.now + d, f: f}
	m.timers = append(m.timers, t)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if t.stopped || t.fired {
			return false
		}
		t.stopped = true
		return true
	}
}

func (m *manualTimers) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d
	var due []*manualTimer
	for _, t := range m.timers {
		if !t.stopped && !t.fired && t.at <= m.now {
			t.fired = true
			due = append(due, t)
		}
	}
	m.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		t.f()
	}
}

func TestDuplicateWithinWindow(t *testing.T) {
	clock := &manualTimers{}
	locks := New(Options{AfterFunc: clock.AfterFunc})
	defer locks.Close()

	const caller = "+15551234567"
	redirects := 0
	notify := func() {
		if locks.Acquire(caller) {
			redirects++
		}
	}

	notify()
	clock.Advance(3 * time.Second)
	notify() // redelivery at t=3s
	clock.Advance(8 * time.Second)
	notify() // t=11s, lock expired at t=10s

	if redirects != 2 {
		t.Errorf("redirects = %d, want 2", redirects)
	}
}

func TestLockExpiresExactlyAtWindow(t *testing.T) {
	clock := &manualTimers{}
	locks := New(Options{Window: 10 * time.Second, AfterFunc: clock.AfterFunc})

	locks.Acquire("a")
	clock.Advance(9 * time.Second)
	if !locks.Held("a") {
		t.Error("lock released early")
	}
	clock.Advance(time.Second)
	if locks.Held("a") {
		t.Error("lock should be released at the window")
	}
	if locks.Len() != 0 {
		t.Errorf("Len() = %d", locks.Len())
	}
}

func TestLocksAreIndependentPerCaller(t *testing.T) {
	clock := &manualTimers{}
	locks := New(Options{AfterFunc: clock.AfterFunc})

	if !locks.Acquire("a") || !locks.Acquire("b") {
		t.Fatal("distinct callers should both acquire")
	}
	if locks.Len() != 2 {
		t.Errorf("Len() = %d, want 2", locks.Len())
	}
}

func TestStaleTimerDoesNotReleaseNewLock(t *testing.T) {
	var fire []func()
	locks := New(Options{AfterFunc: func(d time.Duration, f func()) func() bool {
		fire = append(fire, f)
		return func() bool { return true }
	}})

	locks.Acquire("a")
	fire[0]()
	locks.Acquire("a")
	// a late duplicate delivery of the first timer
	fire[0]()
	if !locks.Held("a") {
		t.Error("first timer released the second lock")
	}
	fire[1]()
	if locks.Held("a") {
		t.Error("second timer should release its own lock")
	}
}

func TestCloseStopsTimers(t *testing.T) {
	clock := &manualTimers{}
	locks := New(Options{AfterFunc: clock.AfterFunc})
	locks.Acquire("a")
	locks.Close()

	for _, tm := range clock.timers {
		if !tm.stopped {
			t.Error("timer still armed after Close")
		}
	}
	if locks.Acquire("b") {
		t.Error("Acquire after Close should fail")
	}
}

func TestRealTimer(t *testing.T) {
	locks := New(Options{Window: 20 * time.Millisecond})
	defer locks.Close()

	locks.Acquire("a")
	deadline := time.Now().Add(2 * time.Second)
	for locks.Held("a") {
		if time.Now().After(deadline) {
			t.Fatal("lock never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
