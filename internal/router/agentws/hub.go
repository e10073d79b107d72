// Package agentws serves the persistent agent channel. An open channel is
// what keeps an agent in the pool.
package agentws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	types "github.com/sebas/dialtest/api/types/v1"
	"github.com/sebas/dialtest/internal/router/events"
	"github.com/sebas/dialtest/internal/router/metrics"
	"github.com/sebas/dialtest/internal/router/pool"
	"github.com/sebas/dialtest/internal/router/routing"
)

const (
	readLimit    = 4096
	sendQueue    = 16
	writeTimeout = 5 * time.Second
)

// Options configures a Hub. Metrics and Events are optional.
type Options struct {
	// OriginPatterns restricts browser origins. Empty accepts any origin.
	OriginPatterns []string
	Metrics        *metrics.Metrics
	Events         events.Publisher
	Builder        *events.Builder
}

// Hub owns the agent channels and the pool membership they carry.
type Hub struct {
	pool *pool.Pool
	opts Options

	mu     sync.Mutex
	owners map[string]*channel // agent id -> channel that registered it last
	conns  map[*channel]struct{}
}

var _ routing.Notifier = (*Hub)(nil)

type channel struct {
	conn   *websocket.Conn
	remote string
	send   chan types.AgentMessage
	ids    map[string]struct{} // guarded by Hub.mu
}

// NewHub creates a hub adding and removing agents in p.
func NewHub(p *pool.Pool, opts Options) *Hub {
	if opts.Events == nil {
		opts.Events = events.NoopPublisher{}
	}
	if opts.Builder == nil {
		opts.Builder = events.NewBuilder("router")
	}
	return &Hub{
		pool:   p,
		opts:   opts,
		owners: make(map[string]*channel),
		conns:  make(map[*channel]struct{}),
	}
}

// ServeHTTP upgrades the request and holds the channel until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accept := &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns}
	if len(h.opts.OriginPatterns) == 0 {
		accept.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, accept)
	if err != nil {
		slog.Warn("[AgentWS] Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ch := &channel{
		conn:   conn,
		remote: r.RemoteAddr,
		send:   make(chan types.AgentMessage, sendQueue),
		ids:    make(map[string]struct{}),
	}
	h.mu.Lock()
	h.conns[ch] = struct{}{}
	h.mu.Unlock()
	h.channelsChanged()
	slog.Info("[AgentWS] Channel opened", "remote", ch.remote)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.writeLoop(ctx, ch)

	err = h.readLoop(ctx, ch)
	h.drop(ch)
	conn.Close(websocket.StatusNormalClosure, "")

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
		slog.Info("[AgentWS] Channel closed", "remote", ch.remote)
	} else {
		slog.Info("[AgentWS] Channel lost", "remote", ch.remote, "error", err)
	}
}

func (h *Hub) readLoop(ctx context.Context, ch *channel) error {
	for {
		var msg types.AgentMessage
		if err := wsjson.Read(ctx, ch.conn, &msg); err != nil {
			return err
		}
		switch msg.Type {
		case types.MessageRegister:
			if msg.UserID == "" {
				slog.Warn("[AgentWS] REGISTER without userId", "remote", ch.remote)
				continue
			}
			h.register(ch, msg.UserID)
		default:
			slog.Debug("[AgentWS] Ignoring message", "type", msg.Type, "remote", ch.remote)
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, ch *channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, ch.conn, msg)
			cancel()
			if err != nil {
				slog.Warn("[AgentWS] Write failed", "remote", ch.remote, "error", err)
				ch.conn.CloseNow()
				return
			}
		}
	}
}

// register ties id to ch. A later channel registering the same id takes
// over ownership.
func (h *Hub) register(ch *channel, id string) {
	h.mu.Lock()
	ch.ids[id] = struct{}{}
	prev := h.owners[id]
	h.owners[id] = ch
	added := h.pool.Add(id)
	h.mu.Unlock()

	if prev != nil && prev != ch {
		slog.Info("[AgentWS] Agent moved to a newer channel", "agent", id, "remote", ch.remote)
	}
	slog.Info("[AgentWS] Agent registered", "agent", id, "new", added, "pool", h.pool.Len())
	if added {
		h.poolChanged(events.AgentRegistered, id)
	}
}

// drop removes the agents ch still owns. Each is removed once.
func (h *Hub) drop(ch *channel) {
	h.mu.Lock()
	delete(h.conns, ch)
	var removed []string
	for id := range ch.ids {
		if h.owners[id] != ch {
			continue
		}
		delete(h.owners, id)
		if h.pool.Remove(id) {
			removed = append(removed, id)
		}
	}
	ch.ids = nil
	h.mu.Unlock()

	h.channelsChanged()
	for _, id := range removed {
		slog.Info("[AgentWS] Agent unregistered", "agent", id, "pool", h.pool.Len())
		h.poolChanged(events.AgentUnregistered, id)
	}
}

// NotifyCallRouted queues a CALL_ROUTED notice on the agent's channel. It
// returns false when the agent has no channel or its queue is full.
func (h *Hub) NotifyCallRouted(agentID string, call routing.IncomingCall) bool {
	h.mu.Lock()
	ch := h.owners[agentID]
	h.mu.Unlock()
	if ch == nil {
		return false
	}

	msg := types.AgentMessage{
		Type:         types.MessageCallRouted,
		UserID:       agentID,
		CallerNumber: call.CallerNumber,
		CallID:       call.CorrelationID,
		At:           time.Now().UTC().Format(time.RFC3339),
	}
	select {
	case ch.send <- msg:
		return true
	default:
		slog.Warn("[AgentWS] Send queue full, notice dropped", "agent", agentID)
		return false
	}
}

// Channels returns the number of open channels.
func (h *Hub) Channels() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close ends every open channel.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*channel, 0, len(h.conns))
	for ch := range h.conns {
		conns = append(conns, ch)
	}
	h.mu.Unlock()

	for _, ch := range conns {
		ch.conn.Close(websocket.StatusGoingAway, "router shutting down")
	}
}

func (h *Hub) channelsChanged() {
	if h.opts.Metrics != nil {
		h.opts.Metrics.ChannelsActive.Set(float64(h.Channels()))
	}
}

func (h *Hub) poolChanged(t events.EventType, id string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.SetAgents(h.pool.Len())
	}
	if err := h.opts.Events.Publish(context.Background(), h.opts.Builder.Agent(t, id)); err != nil {
		slog.Warn("[AgentWS] Event publish failed", "type", t, "error", err)
	}
}
