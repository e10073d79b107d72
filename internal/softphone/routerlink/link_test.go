package routerlink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	types "github.com/sebas/dialtest/api/types/v1"
)

func TestChannelURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:4000":       "ws://localhost:4000/ws",
		"https://router.example.com/": "wss://router.example.com/ws",
		"ws://10.0.0.2:4000/base":     "ws://10.0.0.2:4000/base/ws",
	}
	for in, want := range tests {
		got, err := channelURL(in)
		if err != nil || got != want {
			t.Errorf("channelURL(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := channelURL("ftp://x"); err == nil {
		t.Error("ftp scheme should be rejected")
	}
}

func TestNewRequiresUser(t *testing.T) {
	if _, err := New("http://localhost:4000", "", Options{}); err == nil {
		t.Error("expected error for empty user id")
	}
}

func TestRegistersAndReconnects(t *testing.T) {
	var registers atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		var msg types.AgentMessage
		if err := wsjson.Read(r.Context(), conn, &msg); err != nil {
			return
		}
		if msg.Type != types.MessageRegister || msg.UserID != "agent-1" {
			t.Errorf("first frame = %+v", msg)
		}
		n := registers.Add(1)
		if n == 1 {
			// Drop the first connection to force a reconnect.
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		wsjson.Write(r.Context(), conn, types.AgentMessage{
			Type:         types.MessageCallRouted,
			UserID:       "agent-1",
			CallerNumber: "+15550100",
			CallID:       "ctx-1",
		})
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	routed := make(chan types.AgentMessage, 1)
	link, err := New(srv.URL, "agent-1", Options{
		OnCallRouted: func(m types.AgentMessage) { routed <- m },
		MinBackoff:   10 * time.Millisecond,
		MaxBackoff:   50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx) }()

	select {
	case m := <-routed:
		if m.CallerNumber != "+15550100" || m.CallID != "ctx-1" {
			t.Errorf("notice = %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no CALL_ROUTED notice")
	}
	if registers.Load() != 2 || link.Sessions() != 2 {
		t.Errorf("registers = %d, sessions = %d; want 2", registers.Load(), link.Sessions())
	}
	if !link.Connected() {
		t.Error("link should be connected")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	if link.Connected() {
		t.Error("link still connected after stop")
	}
}
