package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEventSubjectNaming(t *testing.T) {
	e := NewBuilder("node-1").Call(CallRouted, "call-1", "+15550100", "agent-1", "")

	if got := e.Subject(); got != "dialtest.router.call.routed" {
		t.Errorf("Subject() = %q", got)
	}
	if e.ID == "" || e.NodeID != "node-1" || e.Time.Location() != time.UTC {
		t.Errorf("event = %+v", e)
	}
}

func TestEventJSON(t *testing.T) {
	e := NewBuilder("n").Agent(AgentRegistered, "agent-1")
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	var m map[string]any
	json.Unmarshal(data, &m)
	if m["event_type"] != "agent.registered" || m["agent_id"] != "agent-1" {
		t.Errorf("json = %s", data)
	}
	if _, ok := m["caller"]; ok {
		t.Errorf("empty caller should be omitted: %s", data)
	}
}

func TestChannelPublisher(t *testing.T) {
	pub := NewChannelPublisher(1)
	b := NewBuilder("n")

	pub.Publish(context.Background(), b.Agent(AgentRegistered, "a"))
	pub.Publish(context.Background(), b.Agent(AgentRegistered, "b"))

	if pub.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", pub.Dropped())
	}
	got := <-pub.Events()
	if got.AgentID != "a" {
		t.Errorf("first event agent = %q", got.AgentID)
	}

	pub.Close()
	pub.Close()
	if err := pub.Publish(context.Background(), b.Agent(AgentRegistered, "c")); err != nil {
		t.Errorf("Publish after Close: %v", err)
	}
}

type failingPublisher struct{ closed bool }

func (f *failingPublisher) Publish(context.Context, Event) error { return errors.New("down") }
func (f *failingPublisher) Close() error                         { f.closed = true; return nil }

func TestMultiPublisher(t *testing.T) {
	ch := NewChannelPublisher(4)
	bad := &failingPublisher{}
	multi := NewMultiPublisher(NoopPublisher{}, NewLoggingPublisher(nil), bad, ch)

	err := multi.Publish(context.Background(), NewBuilder("n").Call(CallDropped, "c", "+1", "", "no agents"))
	if err == nil {
		t.Error("Publish should report the failing publisher")
	}
	if len(ch.Events()) != 1 {
		t.Error("channel publisher did not receive the event")
	}

	multi.Close()
	if !bad.closed {
		t.Error("Close did not reach every publisher")
	}
}
