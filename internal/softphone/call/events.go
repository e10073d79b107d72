package call

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EventType identifies what a controller event reports.
type EventType int

const (
	EventStateChanged EventType = iota
	EventConnected
	EventDisconnected
	EventIncomingCallChanged
	EventMuteChanged
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "stateChanged"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventIncomingCallChanged:
		return "incomingCallChanged"
	case EventMuteChanged:
		return "muteChanged"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is published to every subscriber.
type Event struct {
	Type EventType
	At   time.Time

	// EventStateChanged
	From State
	To   State

	// EventIncomingCallChanged: caller identity, empty when the offer is gone
	Identity string

	// EventMuteChanged: the provider-confirmed flag
	Muted bool

	// EventDisconnected reason or EventError detail
	Reason string
	Err    error
}

// bus fans events out to subscribers on one goroutine, in publish order.
// Publishing never blocks on a subscriber.
type bus struct {
	mu     sync.Mutex
	subs   map[uint64]func(Event)
	nextID uint64
	queue  []Event
	wake   chan struct{}
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newBus() *bus {
	b := &bus{
		subs: make(map[uint64]func(Event)),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *bus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *bus) publish(e Event) {
	b.mu.Lock()
	b.queue = append(b.queue, e)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *bus) run() {
	defer close(b.done)
	for {
		select {
		case <-b.quit:
			return
		case <-b.wake:
		}

		for {
			b.mu.Lock()
			if len(b.queue) == 0 {
				b.mu.Unlock()
				break
			}
			events := b.queue
			b.queue = nil
			ids := make([]uint64, 0, len(b.subs))
			for id := range b.subs {
				ids = append(ids, id)
			}
			b.mu.Unlock()

			for _, e := range events {
				for _, id := range ids {
					b.mu.Lock()
					fn, ok := b.subs[id]
					b.mu.Unlock()
					if ok {
						b.deliver(fn, e)
					}
				}
			}
		}
	}
}

func (b *bus) deliver(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Call] Subscriber panicked", "event", e.Type, "panic", r)
		}
	}()
	fn(e)
}

func (b *bus) close() {
	b.once.Do(func() { close(b.quit) })
	<-b.done
}
