// Package pool holds the set of agents available for inbound calls.
package pool

import (
	"fmt"
	"sync"
)

// Policy decides which registered agent takes the next call.
type Policy string

const (
	// PolicyLIFO picks the most recently registered agent.
	PolicyLIFO Policy = "lifo"
	// PolicyRotate walks the pool round-robin in registration order.
	PolicyRotate Policy = "rotate"
)

// ParsePolicy validates a configured policy name. Empty means LIFO.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyLIFO:
		return PolicyLIFO, nil
	case PolicyRotate:
		return PolicyRotate, nil
	default:
		return "", fmt.Errorf("unknown selection policy %q (want lifo or rotate)", s)
	}
}

// Pool is an ordered set of agent identities. Every method is a single
// critical section, so selection never sees a half-removed agent.
type Pool struct {
	policy Policy

	mu     sync.Mutex
	agents []string // registration order, oldest first
	next   int      // rotate cursor
}

// New creates an empty pool.
func New(policy Policy) *Pool {
	if policy == "" {
		policy = PolicyLIFO
	}
	return &Pool{policy: policy}
}

// Policy returns the selection policy.
func (p *Pool) Policy() Policy { return p.policy }

// Add registers id. It returns false when id is already present, in which
// case its position is unchanged.
func (p *Pool) Add(id string) bool {
	if id == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.indexLocked(id) >= 0 {
		return false
	}
	p.agents = append(p.agents, id)
	return true
}

// Remove drops id. It returns false when id was not present.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexLocked(id)
	if i < 0 {
		return false
	}
	p.agents = append(p.agents[:i], p.agents[i+1:]...)
	if i < p.next {
		p.next--
	}
	if p.next >= len(p.agents) {
		p.next = 0
	}
	return true
}

// Select picks the agent for the next call. The agent stays in the pool.
func (p *Pool) Select() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.agents) == 0 {
		return "", false
	}
	if p.policy == PolicyRotate {
		if p.next >= len(p.agents) {
			p.next = 0
		}
		id := p.agents[p.next]
		p.next = (p.next + 1) % len(p.agents)
		return id, true
	}
	return p.agents[len(p.agents)-1], true
}

// Contains reports whether id is registered.
func (p *Pool) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.indexLocked(id) >= 0
}

// List returns the agents in registration order.
func (p *Pool) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.agents))
	copy(out, p.agents)
	return out
}

// Len returns the pool size.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

func (p *Pool) indexLocked(id string) int {
	for i, a := range p.agents {
		if a == id {
			return i
		}
	}
	return -1
}
