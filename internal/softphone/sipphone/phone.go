// Package sipphone is the SIP calling provider: it places and answers
// calls with sipgo, carries G.711 audio over RTP and sends keypad tones
// as RFC 4733 telephone-events.
package sipphone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/dialtest/internal/softphone/dtmf"
	"github.com/sebas/dialtest/internal/softphone/provider"
)

var (
	ErrUnknownCall = errors.New("unknown call")
	ErrNotAnswered = errors.New("call not answered")
	ErrClosed      = errors.New("phone closed")
)

// Config configures the SIP stack.
type Config struct {
	BindAddr      string
	Port          int
	AdvertiseAddr string

	// Domain is the SIP domain for addresses of record and bare numbers.
	Domain string
	// Proxy is an outbound proxy host:port. Empty sends to Domain.
	Proxy string

	Username    string
	Password    string
	DisplayName string

	// RegisterExpiry of zero disables registration.
	RegisterExpiry time.Duration
	InviteTimeout  time.Duration
	ACKTimeout     time.Duration
	ToneDuration   time.Duration

	RTPPortMin int
	RTPPortMax int
	Codecs     []string
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 5070
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = "127.0.0.1"
	}
	if c.Domain == "" {
		c.Domain = c.AdvertiseAddr
	}
	if c.InviteTimeout <= 0 {
		c.InviteTimeout = 60 * time.Second
	}
	if c.ACKTimeout <= 0 {
		c.ACKTimeout = 32 * time.Second
	}
	if c.ToneDuration <= 0 {
		c.ToneDuration = 200 * time.Millisecond
	}
}

// Phone implements provider.Provider over SIP.
type Phone struct {
	cfg    Config
	codecs []Codec

	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	dialogUA *sipgo.DialogUA
	ports    *portPool

	ctx    context.Context
	cancel context.CancelFunc
	events chan provider.Event

	mu       sync.Mutex
	calls    map[provider.CallRef]*sipCall
	identity string
	reg      *registration
	sink     func([]int16)
	onTone   func(provider.CallRef, dtmf.Tone)
}

var _ provider.Provider = (*Phone)(nil)

// New builds the SIP stack. Serve starts listening.
func New(cfg Config) (*Phone, error) {
	cfg.applyDefaults()
	codecs, err := ParseCodecs(cfg.Codecs)
	if err != nil {
		return nil, err
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("dialtest"))
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	uas, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	uac, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Phone{
		cfg:    cfg,
		codecs: codecs,
		ua:     ua,
		srv:    uas,
		client: uac,
		ports:  newPortPool(cfg.BindAddr, cfg.RTPPortMin, cfg.RTPPortMax),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan provider.Event, 64),
		calls:  make(map[provider.CallRef]*sipCall),
	}
	p.dialogUA = &sipgo.DialogUA{
		Client:     uac,
		ContactHDR: sip.ContactHeader{Address: p.contactURI()},
	}

	uas.OnRequest(sip.INVITE, p.handleINVITE)
	uas.OnRequest(sip.ACK, p.handleACK)
	uas.OnRequest(sip.BYE, p.handleBYE)
	uas.OnRequest(sip.CANCEL, p.handleCANCEL)
	uas.OnRequest(sip.OPTIONS, p.handleOPTIONS)

	return p, nil
}

// SetRemoteSink receives decoded remote audio from every call.
func (p *Phone) SetRemoteSink(fn func([]int16)) {
	p.mu.Lock()
	p.sink = fn
	p.mu.Unlock()
}

// OnRemoteTone is called for every telephone-event the remote sends.
func (p *Phone) OnRemoteTone(fn func(provider.CallRef, dtmf.Tone)) {
	p.mu.Lock()
	p.onTone = fn
	p.mu.Unlock()
}

// Serve listens for SIP until ctx ends.
func (p *Phone) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(p.cfg.BindAddr, fmt.Sprint(p.cfg.Port))
	slog.Info("[SIP] Listening", "addr", addr, "advertise", p.cfg.AdvertiseAddr)
	if err := p.srv.ListenAndServe(ctx, "udp", addr); err != nil && ctx.Err() == nil {
		return fmt.Errorf("sip listen %s: %w", addr, err)
	}
	return nil
}

// Close hangs up every call, unregisters and stops the stack.
func (p *Phone) Close() error {
	p.mu.Lock()
	calls := make([]*sipCall, 0, len(p.calls))
	for _, c := range p.calls {
		calls = append(calls, c)
	}
	reg := p.reg
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, c := range calls {
		_ = p.HangUp(ctx, c.ref)
	}
	if reg != nil {
		reg.stop(ctx)
	}
	p.cancel()
	return p.ua.Close()
}

// Events implements provider.Provider.
func (p *Phone) Events() <-chan provider.Event { return p.events }

func (p *Phone) emit(ev provider.Event) {
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
	}
}

// CreateAgent sets the calling identity and, when a registrar is
// configured, registers it. A non-empty token overrides the configured
// password.
func (p *Phone) CreateAgent(ctx context.Context, token, identity string) (provider.Agent, error) {
	if identity == "" {
		identity = p.cfg.Username
	}
	if identity == "" {
		return provider.Agent{}, errors.New("identity is required")
	}

	p.mu.Lock()
	p.identity = identity
	p.mu.Unlock()

	if p.cfg.RegisterExpiry > 0 && p.cfg.Username != "" {
		password := p.cfg.Password
		if token != "" {
			password = token
		}
		reg := newRegistration(p, p.cfg.Username, password, p.cfg.RegisterExpiry)
		if err := reg.start(ctx); err != nil {
			return provider.Agent{}, err
		}
		p.mu.Lock()
		if old := p.reg; old != nil {
			old.cancel()
		}
		p.reg = reg
		p.mu.Unlock()
	}
	slog.Info("[SIP] Agent created", "identity", identity)
	return provider.Agent{Identity: identity}, nil
}

// Mute implements provider.Provider. SIP has no remote mute, so the
// outbound stream is replaced with silence and the change is confirmed
// immediately.
func (p *Phone) Mute(ctx context.Context, ref provider.CallRef) error {
	return p.setMuted(ref, true)
}

// Unmute implements provider.Provider.
func (p *Phone) Unmute(ctx context.Context, ref provider.CallRef) error {
	return p.setMuted(ref, false)
}

func (p *Phone) setMuted(ref provider.CallRef, muted bool) error {
	c := p.call(ref)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCall, ref)
	}
	c.setMuted(muted)
	p.emit(provider.MuteChanged(ref, muted))
	return nil
}

// SendTone implements provider.Provider.
func (p *Phone) SendTone(ctx context.Context, ref provider.CallRef, tone dtmf.Tone) error {
	c := p.call(ref)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCall, ref)
	}
	media := c.media()
	if media == nil {
		return ErrNotAnswered
	}
	return media.sendTone(ctx, tone, p.cfg.ToneDuration)
}

// HangUp implements provider.Provider for every call phase.
func (p *Phone) HangUp(ctx context.Context, ref provider.CallRef) error {
	c := p.call(ref)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCall, ref)
	}
	if c.outbound {
		return p.hangUpOutbound(ctx, c)
	}
	return p.hangUpInbound(ctx, c)
}

func (p *Phone) call(ref provider.CallRef) *sipCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[ref]
}

func (p *Phone) track(c *sipCall) {
	p.mu.Lock()
	p.calls[c.ref] = c
	p.mu.Unlock()
}

// finish releases the call's media and forgets it. It reports whether this
// call was the one to finish it.
func (p *Phone) finish(c *sipCall) bool {
	p.mu.Lock()
	_, ok := p.calls[c.ref]
	delete(p.calls, c.ref)
	p.mu.Unlock()
	if !ok {
		return false
	}
	c.stop()
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		p.ports.release(conn)
	}
	return true
}

func (p *Phone) remoteSink() func([]int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sink
}

func (p *Phone) currentIdentity() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity
}

func (p *Phone) contactURI() sip.Uri {
	user := p.cfg.Username
	if user == "" {
		user = "dialtest"
	}
	return sip.Uri{Scheme: "sip", User: user, Host: p.cfg.AdvertiseAddr, Port: p.cfg.Port}
}

// targetURI turns a dialed destination into a request URI. Bare numbers
// are placed in the configured domain.
func (p *Phone) targetURI(destination string) (sip.Uri, error) {
	var uri sip.Uri
	if strings.HasPrefix(destination, "sip:") || strings.HasPrefix(destination, "sips:") {
		if err := sip.ParseUri(destination, &uri); err != nil {
			return uri, fmt.Errorf("invalid destination %q: %w", destination, err)
		}
		return uri, nil
	}
	user := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' || r == '(' || r == ')' {
			return -1
		}
		return r
	}, destination)
	if user == "" {
		return uri, fmt.Errorf("invalid destination %q", destination)
	}
	return sip.Uri{Scheme: "sip", User: user, Host: p.cfg.Domain}, nil
}

// routeRequest points req at the outbound proxy when one is configured.
func (p *Phone) routeRequest(req *sip.Request) {
	if p.cfg.Proxy != "" {
		req.SetDestination(p.cfg.Proxy)
	}
}

func (p *Phone) handleOPTIONS(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	resp.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, BYE, CANCEL, OPTIONS"))
	if err := tx.Respond(resp); err != nil {
		slog.Debug("[SIP] OPTIONS response failed", "error", err)
	}
}

func callIDOf(req *sip.Request) provider.CallRef {
	if id := req.CallID(); id != nil {
		return provider.CallRef(*id)
	}
	return ""
}
