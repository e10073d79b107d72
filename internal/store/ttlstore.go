// Package store provides a generic in-memory map whose entries lapse after
// a retention period.
package store

import (
	"sync"
	"time"
)

// entry wraps a value with its expiry
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLStore is a generic in-memory store with TTL support and periodic
// cleanup.
type TTLStore[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]*entry[V]
	now     func() time.Time
	onEvict func(key K, value V)

	stopCh    chan struct{}
	closeOnce sync.Once
}

// Option configures a TTLStore.
type Option[K comparable, V any] func(*TTLStore[K, V])

// WithClock replaces time.Now.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(s *TTLStore[K, V]) { s.now = now }
}

// WithEvict sets a callback for entries removed by cleanup. Delete does not
// call it.
func WithEvict[K comparable, V any](fn func(key K, value V)) Option[K, V] {
	return func(s *TTLStore[K, V]) { s.onEvict = fn }
}

// NewTTLStore creates a store swept every cleanupInterval. A zero interval
// disables the sweeper; expired entries are still hidden from reads.
func NewTTLStore[K comparable, V any](cleanupInterval time.Duration, opts ...Option[K, V]) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:  make(map[K]*entry[V]),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s
}

// Set stores a value with the given TTL
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &entry[V]{value: value, expiresAt: s.now().Add(ttl)}
}

// Get returns the value and true if found and not expired.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[key]
	if !ok || s.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Upsert applies fn to the current value (zero and false when absent) and
// stores the result with a fresh TTL. It returns the stored value.
func (s *TTLStore[K, V]) Upsert(key K, ttl time.Duration, fn func(cur V, found bool) V) V {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur V
	e, found := s.items[key]
	if found && !s.expired(e) {
		cur = e.value
	} else {
		found = false
	}
	next := fn(cur, found)
	s.items[key] = &entry[V]{value: next, expiresAt: s.now().Add(ttl)}
	return next
}

// Delete removes a key from the store
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[key]; ok {
		delete(s.items, key)
		return true
	}
	return false
}

// Len returns the number of non-expired items
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.items {
		if !s.expired(e) {
			n++
		}
	}
	return n
}

// Values returns every non-expired value in no particular order.
func (s *TTLStore[K, V]) Values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]V, 0, len(s.items))
	for _, e := range s.items {
		if !s.expired(e) {
			out = append(out, e.value)
		}
	}
	return out
}

// Close stops the cleanup goroutine and clears the store
func (s *TTLStore[K, V]) Close() {
	s.closeOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	s.items = make(map[K]*entry[V])
	s.mu.Unlock()
}

func (s *TTLStore[K, V]) expired(e *entry[V]) bool {
	return !s.now().Before(e.expiresAt)
}

func (s *TTLStore[K, V]) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep removes expired entries and reports them to the eviction callback
// outside the lock. It returns how many were removed.
func (s *TTLStore[K, V]) Sweep() int {
	type evicted struct {
		key   K
		value V
	}

	s.mu.Lock()
	var gone []evicted
	for k, e := range s.items {
		if s.expired(e) {
			gone = append(gone, evicted{k, e.value})
			delete(s.items, k)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict != nil {
		for _, e := range gone {
			onEvict(e.key, e.value)
		}
	}
	return len(gone)
}
