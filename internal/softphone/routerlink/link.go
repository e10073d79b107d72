// Package routerlink keeps the softphone registered with the router's agent
// channel so inbound calls can be routed to it.
package routerlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	types "github.com/sebas/dialtest/api/types/v1"
)

// Options configures a Link.
type Options struct {
	// OnCallRouted is called for every CALL_ROUTED notice.
	OnCallRouted func(types.AgentMessage)
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// Link is a persistent websocket to the router. It re-registers after
// every reconnect.
type Link struct {
	url    string
	userID string
	opts   Options

	connected atomic.Bool
	sessions  atomic.Int64
}

// New creates a link for userID to the router at routerURL (http or ws).
func New(routerURL, userID string, opts Options) (*Link, error) {
	wsURL, err := channelURL(routerURL)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, errors.New("routerlink: user id is required")
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Link{url: wsURL, userID: userID, opts: opts}, nil
}

func channelURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("routerlink: invalid router url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("routerlink: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Connected reports whether the channel is currently up.
func (l *Link) Connected() bool { return l.connected.Load() }

// Sessions counts successful registrations since start.
func (l *Link) Sessions() int64 { return l.sessions.Load() }

// Run holds the channel open until ctx ends, reconnecting with exponential
// backoff.
func (l *Link) Run(ctx context.Context) error {
	backoff := l.opts.MinBackoff
	for {
		start := time.Now()
		err := l.session(ctx)
		l.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > l.opts.MaxBackoff {
			backoff = l.opts.MinBackoff
		}
		slog.Warn("[RouterLink] Channel lost, reconnecting", "error", err, "retry_in", backoff)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff *= 2
		if backoff > l.opts.MaxBackoff {
			backoff = l.opts.MaxBackoff
		}
	}
}

func (l *Link) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, l.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.url, err)
	}
	defer conn.CloseNow()

	reg := types.AgentMessage{Type: types.MessageRegister, UserID: l.userID}
	if err := wsjson.Write(ctx, conn, reg); err != nil {
		return fmt.Errorf("send register: %w", err)
	}
	l.connected.Store(true)
	l.sessions.Add(1)
	slog.Info("[RouterLink] Registered with router", "user", l.userID, "url", l.url)

	for {
		var msg types.AgentMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "shutting down")
			}
			return err
		}
		switch msg.Type {
		case types.MessageCallRouted:
			slog.Info("[RouterLink] Call routed to us", "caller", msg.CallerNumber, "call", msg.CallID)
			if l.opts.OnCallRouted != nil {
				l.opts.OnCallRouted(msg)
			}
		default:
			slog.Debug("[RouterLink] Ignoring message", "type", msg.Type)
		}
	}
}
