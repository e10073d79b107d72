package agentws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	types "github.com/sebas/dialtest/api/types/v1"
	"github.com/sebas/dialtest/internal/router/events"
	"github.com/sebas/dialtest/internal/router/pool"
	"github.com/sebas/dialtest/internal/router/routing"
)

func newTestHub(t *testing.T) (*Hub, *pool.Pool, *events.ChannelPublisher, string) {
	t.Helper()
	p := pool.New(pool.PolicyLIFO)
	pub := events.NewChannelPublisher(32)
	hub := NewHub(p, Options{Events: pub})
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, p, pub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendRegister(t *testing.T, conn *websocket.Conn, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, types.AgentMessage{Type: types.MessageRegister, UserID: id}); err != nil {
		t.Fatalf("write register: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegisterAndRemoveOnClose(t *testing.T) {
	_, p, pub, url := newTestHub(t)

	conn := dial(t, url)
	sendRegister(t, conn, "agent-1")
	sendRegister(t, conn, "agent-1")
	waitFor(t, "agent in pool", func() bool { return p.Contains("agent-1") })
	if p.Len() != 1 {
		t.Errorf("Len() = %d, want 1", p.Len())
	}

	conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "agent removed", func() bool { return p.Len() == 0 })
	waitFor(t, "events published", func() bool { return len(pub.Events()) == 2 })

	var seen []events.EventType
	for len(pub.Events()) > 0 {
		seen = append(seen, (<-pub.Events()).Type)
	}
	if len(seen) != 2 || seen[0] != events.AgentRegistered || seen[1] != events.AgentUnregistered {
		t.Errorf("events = %v", seen)
	}
}

func TestOlderChannelCloseKeepsReRegisteredAgent(t *testing.T) {
	hub, p, _, url := newTestHub(t)

	older := dial(t, url)
	sendRegister(t, older, "agent-1")
	waitFor(t, "agent in pool", func() bool { return p.Contains("agent-1") })

	newer := dial(t, url)
	defer newer.CloseNow()
	sendRegister(t, newer, "agent-1")
	waitFor(t, "both channels registered", func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		n := 0
		for ch := range hub.conns {
			if _, ok := ch.ids["agent-1"]; ok {
				n++
			}
		}
		return n == 2
	})

	older.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "older channel gone", func() bool { return hub.Channels() == 1 })
	if !p.Contains("agent-1") {
		t.Fatal("closing the older channel removed an agent owned by the newer one")
	}

	newer.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "agent removed", func() bool { return !p.Contains("agent-1") })
}

func TestNotifyCallRouted(t *testing.T) {
	hub, p, _, url := newTestHub(t)

	conn := dial(t, url)
	defer conn.CloseNow()
	sendRegister(t, conn, "agent-1")
	waitFor(t, "agent in pool", func() bool { return p.Contains("agent-1") })

	if hub.NotifyCallRouted("nobody", routing.IncomingCall{CallerNumber: "+1"}) {
		t.Error("notice to unknown agent should report false")
	}
	if !hub.NotifyCallRouted("agent-1", routing.IncomingCall{CallerNumber: "+15550100", CorrelationID: "c1"}) {
		t.Fatal("notice was not queued")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg types.AgentMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read notice: %v", err)
	}
	if msg.Type != types.MessageCallRouted || msg.CallerNumber != "+15550100" || msg.CallID != "c1" {
		t.Errorf("notice = %+v", msg)
	}
}

func TestRegisterWithoutUserIDIsIgnored(t *testing.T) {
	hub, p, _, url := newTestHub(t)

	conn := dial(t, url)
	defer conn.CloseNow()
	sendRegister(t, conn, "")
	sendRegister(t, conn, "agent-2")
	waitFor(t, "agent in pool", func() bool { return p.Contains("agent-2") })
	if p.Len() != 1 || hub.Channels() != 1 {
		t.Errorf("pool = %v, channels = %d", p.List(), hub.Channels())
	}
}
