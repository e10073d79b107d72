// Package dedup guards against routing the same caller twice while the
// provider re-delivers its notification.
package dedup

import (
	"sync"
	"time"
)

// DefaultWindow is how long a caller stays locked after first being routed.
const DefaultWindow = 10 * time.Second

// Locks is a set of per-caller redirect locks. Each lock is released by
// its own timer and never by callers.
type Locks struct {
	window    time.Duration
	afterFunc func(time.Duration, func()) func() bool

	mu     sync.Mutex
	held   map[string]uint64
	stops  map[string]func() bool
	seq    uint64
	closed bool
}

// Options configures Locks.
type Options struct {
	// Window is the lock lifetime. Zero uses DefaultWindow.
	Window time.Duration
	// AfterFunc schedules f after d and returns a stop function. Nil uses
	// time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
}

// New creates an empty lock set.
func New(opts Options) *Locks {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	return &Locks{
		window:    opts.Window,
		afterFunc: opts.AfterFunc,
		held:      make(map[string]uint64),
		stops:     make(map[string]func() bool),
	}
}

// Window returns the lock lifetime.
func (l *Locks) Window() time.Duration { return l.window }

// Acquire takes the lock for key. It returns false when the lock is
// already held, meaning the notification is a duplicate.
func (l *Locks) Acquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	if _, ok := l.held[key]; ok {
		return false
	}
	l.seq++
	gen := l.seq
	l.held[key] = gen
	l.stops[key] = l.afterFunc(l.window, func() { l.expire(key, gen) })
	return true
}

// expire releases key only if it is still the lock generation the timer
// was armed for.
func (l *Locks) expire(key string, gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == gen {
		delete(l.held, key)
		delete(l.stops, key)
	}
}

// Held reports whether key is locked.
func (l *Locks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// Len returns the number of held locks.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// Close stops every pending timer. Later Acquire calls fail.
func (l *Locks) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for _, stop := range l.stops {
		stop()
	}
	l.held = make(map[string]uint64)
	l.stops = make(map[string]func() bool)
}
