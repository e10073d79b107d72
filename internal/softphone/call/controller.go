// Package call owns the softphone's single call session. It turns provider
// notifications into a validated state machine and fans the resulting events
// out to subscribers.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sebas/dialtest/internal/errs"
	"github.com/sebas/dialtest/internal/softphone/audio"
	"github.com/sebas/dialtest/internal/softphone/dtmf"
	"github.com/sebas/dialtest/internal/softphone/provider"
)

var (
	ErrInvalidDestination = errors.New("destination is empty")
	ErrCallActive         = errors.New("a call is already active")
	ErrInvalidState       = errors.New("operation not valid in current call state")
	ErrVirtualAudio       = errors.New("call was not started with the mixed stream")
)

// DefaultGraceDelay is how long an ended call stays visible before reset.
const DefaultGraceDelay = 2 * time.Second

// Mixer is the audio graph as the controller uses it.
type Mixer interface {
	CheckPermission(ctx context.Context) error
	MixedStream(ctx context.Context) (provider.Media, error)
	InjectClip(ctx context.Context, raw []byte) error
}

// GraphMixer adapts the audio graph to Mixer.
func GraphMixer(g *audio.Graph) Mixer {
	return graphMixer{g}
}

type graphMixer struct{ *audio.Graph }

func (m graphMixer) MixedStream(ctx context.Context) (provider.Media, error) {
	s, err := m.Stream(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Session describes the current call. Snapshot returns copies.
type Session struct {
	ID             provider.CallRef
	Direction      Direction
	State          State
	RemoteIdentity string

	// Muted is the last value the provider confirmed.
	Muted bool
	// MutePending is set between a mute request and its confirmation.
	MutePending bool

	// MixedMedia reports that the call's outbound media is the mix bus.
	MixedMedia bool

	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
	EndReason   string

	// Duration is filled by Snapshot while connected.
	Duration time.Duration

	hangupRequested bool
}

// Options configures a Controller.
type Options struct {
	Provider provider.Provider
	Mixer    Mixer

	// GraceDelay before ended resets to idle. Zero uses DefaultGraceDelay.
	GraceDelay time.Duration
	// SetupTimeout hangs up a call stuck in calling. Zero disables it.
	SetupTimeout time.Duration

	// AfterFunc schedules f after d and returns a stop function.
	// Nil uses time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
	Now       func() time.Time
}

// Controller is the single source of truth for the call lifecycle.
type Controller struct {
	provider  provider.Provider
	mixer     Mixer
	grace     time.Duration
	setup     time.Duration
	afterFunc func(time.Duration, func()) func() bool
	now       func() time.Time

	mu         sync.Mutex
	agent      *provider.Agent
	state      State
	session    *Session
	starting   bool
	stopTimers []func() bool

	bus *bus
}

// New creates a controller in the idle state.
func New(opts Options) *Controller {
	c := &Controller{
		provider:  opts.Provider,
		mixer:     opts.Mixer,
		grace:     opts.GraceDelay,
		setup:     opts.SetupTimeout,
		afterFunc: opts.AfterFunc,
		now:       opts.Now,
		bus:       newBus(),
	}
	if c.grace <= 0 {
		c.grace = DefaultGraceDelay
	}
	if c.afterFunc == nil {
		c.afterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Init creates the provider agent for identity. Calls fail with
// ProviderNotReady until it succeeds.
func (c *Controller) Init(ctx context.Context, token, identity string) error {
	agent, err := c.provider.CreateAgent(ctx, token, identity)
	if err != nil {
		return fmt.Errorf("%w: create agent: %w", errs.ErrProviderNotReady, err)
	}
	c.mu.Lock()
	c.agent = &agent
	c.mu.Unlock()
	slog.Info("[Call] Agent ready", "identity", agent.Identity)
	return nil
}

// Run consumes provider events in arrival order until ctx ends or the
// provider closes its event channel.
func (c *Controller) Run(ctx context.Context) error {
	events := c.provider.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.handleProviderEvent(ev)
		}
	}
}

// Close stops timers and the event fan-out.
func (c *Controller) Close() {
	c.mu.Lock()
	c.cancelTimersLocked()
	c.mu.Unlock()
	c.bus.close()
}

// Subscribe registers fn for every controller event. The returned function
// unsubscribes; calling it more than once is harmless.
func (c *Controller) Subscribe(fn func(Event)) (unsubscribe func()) {
	return c.bus.subscribe(fn)
}

// Snapshot returns a copy of the current session. When idle the copy has
// State idle and zero fields.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{State: c.state}
	}
	s := *c.session
	s.State = c.state
	if c.state == StateConnected && !s.ConnectedAt.IsZero() {
		s.Duration = c.now().Sub(s.ConnectedAt).Truncate(time.Second)
	}
	return s
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartCall dials destination with the mixed stream as outbound media.
func (c *Controller) StartCall(ctx context.Context, destination string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return ErrInvalidDestination
	}

	c.mu.Lock()
	if c.starting || c.state.IsActive() {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrCallActive, state)
	}
	if c.agent == nil {
		c.mu.Unlock()
		return errs.ErrProviderNotReady
	}
	agent := *c.agent
	c.starting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	if err := c.mixer.CheckPermission(ctx); err != nil {
		return fmt.Errorf("start call: %w", err)
	}
	media, err := c.mixer.MixedStream(ctx)
	if err != nil {
		return fmt.Errorf("start call: %w", err)
	}

	c.mu.Lock()
	c.clearEndedLocked()
	sess := &Session{
		Direction:      DirectionOutbound,
		RemoteIdentity: destination,
		MixedMedia:     true,
		StartedAt:      c.now(),
	}
	c.session = sess
	c.transitionLocked(StateCalling, "")
	c.mu.Unlock()

	slog.Info("[Call] Dialing", "destination", destination)
	ref, err := c.provider.StartOutboundCall(ctx, agent, destination, media)

	c.mu.Lock()
	if err != nil {
		if c.session == sess && c.state == StateCalling {
			c.session = nil
			c.transitionLocked(StateIdle, "setup failed")
		}
		c.publishLocked(Event{Type: EventError, Err: err, Reason: "setup failed"})
		c.mu.Unlock()
		slog.Warn("[Call] Setup failed", "destination", destination, "error", err)
		return fmt.Errorf("%w: %w", errs.ErrSetupFailed, err)
	}

	if c.session != sess {
		// Ended and reset before the provider returned.
		c.mu.Unlock()
		return nil
	}
	if sess.ID == "" {
		sess.ID = ref
	}
	hangup := sess.hangupRequested && c.state.IsActive()
	if c.state == StateCalling {
		c.armSetupTimeoutLocked(sess)
	}
	c.mu.Unlock()

	if hangup {
		slog.Info("[Call] Hang-up requested during dial", "call", ref)
		return c.hangUp(ctx, sess, ref)
	}
	return nil
}

// AcceptIncoming answers the ringing inbound call with the mixed stream.
func (c *Controller) AcceptIncoming(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIncoming || c.starting {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("accept: %w (state %s)", ErrInvalidState, state)
	}
	sess := c.session
	ref := sess.ID
	c.starting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	if err := c.mixer.CheckPermission(ctx); err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	media, err := c.mixer.MixedStream(ctx)
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	c.mu.Lock()
	if c.session != sess || c.state != StateIncoming {
		c.mu.Unlock()
		return fmt.Errorf("accept: %w: caller hung up", ErrInvalidState)
	}
	sess.MixedMedia = true
	c.transitionLocked(StateCalling, "")
	c.publishLocked(Event{Type: EventIncomingCallChanged})
	c.mu.Unlock()

	if err := c.provider.AcceptIncoming(ctx, ref, media); err != nil {
		c.mu.Lock()
		if c.session == sess && c.state == StateCalling {
			c.session = nil
			c.transitionLocked(StateIdle, "accept failed")
		}
		c.publishLocked(Event{Type: EventError, Err: err, Reason: "accept failed"})
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", errs.ErrSetupFailed, err)
	}

	c.mu.Lock()
	if c.session == sess && c.state == StateCalling {
		c.armSetupTimeoutLocked(sess)
	}
	c.mu.Unlock()
	return nil
}

// RejectIncoming declines the ringing inbound call.
func (c *Controller) RejectIncoming(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIncoming || c.starting {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("reject: %w (state %s)", ErrInvalidState, state)
	}
	ref := c.session.ID
	c.session = nil
	c.transitionLocked(StateIdle, "rejected")
	c.publishLocked(Event{Type: EventIncomingCallChanged})
	c.mu.Unlock()

	if err := c.provider.RejectIncoming(ctx, ref); err != nil {
		slog.Warn("[Call] Reject failed", "call", ref, "error", err)
		return fmt.Errorf("reject: %w", err)
	}
	return nil
}

// EndCall hangs up whatever call is active. With no active call it does
// nothing.
func (c *Controller) EndCall(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateEnded:
		c.mu.Unlock()
		return nil
	case StateIncoming:
		c.mu.Unlock()
		return c.RejectIncoming(ctx)
	}

	sess := c.session
	sess.hangupRequested = true
	ref := sess.ID
	c.mu.Unlock()

	if ref == "" {
		// StartCall hangs up once the provider hands back the call ref.
		return nil
	}
	return c.hangUp(ctx, sess, ref)
}

func (c *Controller) hangUp(ctx context.Context, sess *Session, ref provider.CallRef) error {
	if err := c.provider.HangUp(ctx, ref); err != nil {
		// The call is over from our side either way.
		c.mu.Lock()
		if c.session == sess && c.state.IsActive() {
			c.endLocked(sess, "local hang-up")
		}
		c.mu.Unlock()
		return fmt.Errorf("hang up: %w", err)
	}
	return nil
}

// ToggleMute requests the opposite of the provider-confirmed mute flag. The
// flag itself changes only when the provider confirms.
func (c *Controller) ToggleMute(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("mute: %w (state %s)", ErrInvalidState, state)
	}
	sess := c.session
	want := !sess.Muted
	sess.MutePending = true
	ref := sess.ID
	c.mu.Unlock()

	var err error
	if want {
		err = c.provider.Mute(ctx, ref)
	} else {
		err = c.provider.Unmute(ctx, ref)
	}
	if err != nil {
		c.mu.Lock()
		sess.MutePending = false
		c.mu.Unlock()
		return fmt.Errorf("mute: %w", err)
	}
	return nil
}

// SendTone forwards one tone to the connected call. It makes the
// controller a dtmf.Sender.
func (c *Controller) SendTone(ctx context.Context, tone dtmf.Tone) error {
	c.mu.Lock()
	if c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("send tone: %w (state %s)", ErrInvalidState, state)
	}
	ref := c.session.ID
	c.mu.Unlock()
	return c.provider.SendTone(ctx, ref, tone)
}

// VirtualAudioActive reports whether the active call carries the mixed
// stream. It never switches sources.
func (c *Controller) VirtualAudioActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.state.IsActive() && c.session.MixedMedia
}

// InjectClip plays raw audio into a connected call that was started with
// the mixed stream.
func (c *Controller) InjectClip(ctx context.Context, raw []byte) error {
	c.mu.Lock()
	ok := c.state == StateConnected && c.session != nil && c.session.MixedMedia
	state := c.state
	c.mu.Unlock()
	if !ok {
		if state != StateConnected {
			return fmt.Errorf("%w: no connected call (state %s)", errs.ErrInjectionFailed, state)
		}
		return fmt.Errorf("%w: %w", errs.ErrInjectionFailed, ErrVirtualAudio)
	}
	return c.mixer.InjectClip(ctx, raw)
}

func (c *Controller) handleProviderEvent(ev provider.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case provider.EventIncomingCall:
		c.onIncomingLocked(ev)
	case provider.EventStateChanged:
		c.onStateChangedLocked(ev)
	case provider.EventMuteChanged:
		sess := c.matchLocked(ev.Call)
		if sess == nil {
			slog.Debug("[Call] Mute change for unknown call", "call", ev.Call)
			return
		}
		sess.Muted = ev.Muted
		sess.MutePending = false
		c.publishLocked(Event{Type: EventMuteChanged, Muted: ev.Muted})
	}
}

func (c *Controller) onIncomingLocked(ev provider.Event) {
	if c.state.IsActive() || c.starting {
		slog.Info("[Call] Busy, declining incoming call", "call", ev.Call, "caller", ev.Caller, "state", c.state)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.provider.RejectIncoming(ctx, ev.Call); err != nil {
				slog.Warn("[Call] Busy reject failed", "call", ev.Call, "error", err)
			}
		}()
		return
	}

	c.clearEndedLocked()
	c.session = &Session{
		ID:             ev.Call,
		Direction:      DirectionInbound,
		RemoteIdentity: ev.Caller,
		StartedAt:      c.now(),
	}
	c.transitionLocked(StateIncoming, "")
	c.publishLocked(Event{Type: EventIncomingCallChanged, Identity: ev.Caller})
	slog.Info("[Call] Incoming call", "call", ev.Call, "caller", ev.Caller)
}

func (c *Controller) onStateChangedLocked(ev provider.Event) {
	sess := c.matchLocked(ev.Call)
	if sess == nil {
		slog.Debug("[Call] State change for unknown call", "call", ev.Call, "state", ev.State)
		return
	}

	switch ev.State {
	case provider.CallConnecting, provider.CallRinging:
		slog.Debug("[Call] Progress", "call", ev.Call, "state", ev.State)

	case provider.CallConnected:
		if c.state != StateCalling {
			slog.Warn("[Call] Ignoring connected outside calling", "call", ev.Call, "state", c.state)
			return
		}
		c.cancelTimersLocked()
		sess.ConnectedAt = c.now()
		c.transitionLocked(StateConnected, "")
		c.publishLocked(Event{Type: EventConnected})
		slog.Info("[Call] Connected", "call", ev.Call, "remote", sess.RemoteIdentity)

	case provider.CallDisconnected:
		switch c.state {
		case StateIncoming:
			c.session = nil
			c.transitionLocked(StateIdle, ev.Reason)
			c.publishLocked(Event{Type: EventIncomingCallChanged})
			slog.Info("[Call] Caller hung up before answer", "call", ev.Call)
		case StateCalling, StateConnected:
			c.endLocked(sess, ev.Reason)
		}
	}
}

// matchLocked returns the session an event belongs to. An outbound call
// whose ref is not known yet adopts the first ref reported for it.
func (c *Controller) matchLocked(ref provider.CallRef) *Session {
	sess := c.session
	if sess == nil {
		return nil
	}
	if sess.ID == ref {
		return sess
	}
	if sess.ID == "" && sess.Direction == DirectionOutbound && c.state == StateCalling {
		sess.ID = ref
		return sess
	}
	return nil
}

// endLocked moves an active call to ended and schedules the reset to idle.
func (c *Controller) endLocked(sess *Session, reason string) {
	c.cancelTimersLocked()
	sess.EndedAt = c.now()
	sess.EndReason = reason
	c.transitionLocked(StateEnded, reason)
	c.publishLocked(Event{Type: EventDisconnected, Reason: reason})
	slog.Info("[Call] Ended", "call", sess.ID, "reason", reason)

	stop := c.afterFunc(c.grace, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.session == sess && c.state == StateEnded {
			c.session = nil
			c.transitionLocked(StateIdle, "")
		}
	})
	c.stopTimers = append(c.stopTimers, stop)
}

// clearEndedLocked cuts the grace delay short so a new call can start. The
// ended state only lingers for display.
func (c *Controller) clearEndedLocked() {
	c.cancelTimersLocked()
	if c.state != StateEnded {
		return
	}
	c.session = nil
	c.transitionLocked(StateIdle, "superseded")
}

func (c *Controller) armSetupTimeoutLocked(sess *Session) {
	if c.setup <= 0 {
		return
	}
	stop := c.afterFunc(c.setup, func() {
		c.mu.Lock()
		if c.session != sess || c.state != StateCalling {
			c.mu.Unlock()
			return
		}
		ref := sess.ID
		c.endLocked(sess, "setup timeout")
		c.mu.Unlock()

		slog.Warn("[Call] Setup timed out", "call", ref, "timeout", c.setup)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.provider.HangUp(ctx, ref); err != nil {
			slog.Warn("[Call] Hang-up after timeout failed", "call", ref, "error", err)
		}
	})
	c.stopTimers = append(c.stopTimers, stop)
}

func (c *Controller) cancelTimersLocked() {
	for _, stop := range c.stopTimers {
		stop()
	}
	c.stopTimers = nil
}

func (c *Controller) transitionLocked(to State, reason string) {
	from := c.state
	if !from.CanTransitionTo(to) {
		slog.Error("[Call] Invalid state transition", "from", from, "to", to)
		return
	}
	c.state = to
	if c.session != nil {
		c.session.State = to
	}
	c.publishLocked(Event{Type: EventStateChanged, From: from, To: to, Reason: reason})
	slog.Debug("[Call] State changed", "from", from, "to", to, "reason", reason)
}

func (c *Controller) publishLocked(e Event) {
	e.At = c.now()
	c.bus.publish(e)
}
