// Package events defines the router's domain events and the publishers
// that carry them.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the type of router event
type EventType string

const (
	AgentRegistered   EventType = "agent.registered"
	AgentUnregistered EventType = "agent.unregistered"
	// CallRouted fires when a redirect to an agent succeeded
	CallRouted EventType = "call.routed"
	// CallDropped fires when no agent was available
	CallDropped EventType = "call.dropped"
	// CallDuplicate fires when the redirect lock swallowed a notification
	CallDuplicate EventType = "call.duplicate"
	// CallFailed fires when the provider refused the redirect
	CallFailed EventType = "call.failed"
)

// SubjectPrefix is the root of every event subject.
const SubjectPrefix = "dialtest.router"

// Event is one router occurrence.
type Event struct {
	ID     string    `json:"event_id"`
	Type   EventType `json:"event_type"`
	Time   time.Time `json:"event_time"`
	NodeID string    `json:"node_id,omitempty"`

	AgentID string `json:"agent_id,omitempty"`
	Caller  string `json:"caller,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Subject returns the routing subject, e.g. dialtest.router.call.routed.
func (e Event) Subject() string {
	return SubjectPrefix + "." + string(e.Type)
}

// Builder stamps events with an id, the time and the node.
type Builder struct {
	nodeID string
	now    func() time.Time
}

// NewBuilder creates a builder for nodeID.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID, now: time.Now}
}

func (b *Builder) base(t EventType) Event {
	return Event{
		ID:     uuid.New().String(),
		Type:   t,
		Time:   b.now().UTC(),
		NodeID: b.nodeID,
	}
}

// Agent builds an agent membership event.
func (b *Builder) Agent(t EventType, agentID string) Event {
	e := b.base(t)
	e.AgentID = agentID
	return e
}

// Call builds a routing outcome event. agentID and reason may be empty.
func (b *Builder) Call(t EventType, callID, caller, agentID, reason string) Event {
	e := b.base(t)
	e.CallID = callID
	e.Caller = caller
	e.AgentID = agentID
	e.Reason = reason
	return e
}
