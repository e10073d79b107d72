// Package routing decides which agent takes an inbound call and hands the
// call over through the provider.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebas/dialtest/internal/errs"
	"github.com/sebas/dialtest/internal/router/dedup"
	"github.com/sebas/dialtest/internal/router/events"
	"github.com/sebas/dialtest/internal/router/history"
	"github.com/sebas/dialtest/internal/router/metrics"
	"github.com/sebas/dialtest/internal/router/pool"
	"github.com/sebas/dialtest/internal/router/redirect"
)

// IncomingCall is one inbound call notification from the provider.
type IncomingCall struct {
	CallerNumber        string
	IncomingCallContext string
	// CorrelationID identifies the call in history and logs.
	CorrelationID string
}

// Notifier tells an agent a call was routed to it.
type Notifier interface {
	NotifyCallRouted(agentID string, call IncomingCall) bool
}

// Config wires a Router. Metrics, Events, History and Notifier are optional.
type Config struct {
	Pool       *pool.Pool
	Locks      *dedup.Locks
	Redirector redirect.Redirector
	Metrics    *metrics.Metrics
	Events     events.Publisher
	Builder    *events.Builder
	History    *history.History
	Notifier   Notifier

	// RedirectTimeout bounds one provider redirect. Zero uses 15s.
	RedirectTimeout time.Duration
}

// Router routes inbound calls to agents, at most once per caller per lock
// window.
type Router struct {
	pool       *pool.Pool
	locks      *dedup.Locks
	redirector redirect.Redirector
	metrics    *metrics.Metrics
	events     events.Publisher
	builder    *events.Builder
	history    *history.History
	notifier   Notifier
	timeout    time.Duration
}

// New creates a router.
func New(cfg Config) *Router {
	r := &Router{
		pool:       cfg.Pool,
		locks:      cfg.Locks,
		redirector: cfg.Redirector,
		metrics:    cfg.Metrics,
		events:     cfg.Events,
		builder:    cfg.Builder,
		history:    cfg.History,
		notifier:   cfg.Notifier,
		timeout:    cfg.RedirectTimeout,
	}
	if r.events == nil {
		r.events = events.NoopPublisher{}
	}
	if r.builder == nil {
		r.builder = events.NewBuilder("router")
	}
	if r.timeout <= 0 {
		r.timeout = 15 * time.Second
	}
	return r
}

// Route handles one notification. It returns the chosen agent, or an error
// wrapping ErrDuplicateNotification or ErrRedirectFailed. Nothing is
// retried and no second agent is tried.
func (r *Router) Route(ctx context.Context, call IncomingCall) (string, error) {
	if call.CallerNumber == "" {
		return "", fmt.Errorf("%w: notification has no caller number", errs.ErrRedirectFailed)
	}

	if !r.locks.Acquire(call.CallerNumber) {
		slog.Info("[Router] Duplicate notification ignored", "caller", call.CallerNumber)
		r.outcome(ctx, call, events.CallDuplicate, metrics.OutcomeDuplicate, "", "")
		return "", fmt.Errorf("caller %s: %w", call.CallerNumber, errs.ErrDuplicateNotification)
	}

	agent, ok := r.pool.Select()
	if !ok {
		slog.Warn("[Router] No agents available, call dropped", "caller", call.CallerNumber)
		r.outcome(ctx, call, events.CallDropped, metrics.OutcomeDropped, "", "no agents available")
		return "", fmt.Errorf("%w: no agents available", errs.ErrRedirectFailed)
	}

	redirectCtx, cancel := context.WithTimeout(ctx, r.timeout)
	start := time.Now()
	err := r.redirector.Redirect(redirectCtx, call.IncomingCallContext, agent)
	cancel()
	if r.metrics != nil {
		r.metrics.RecordRedirect(time.Since(start))
	}
	if err != nil {
		slog.Error("[Router] Redirect failed", "caller", call.CallerNumber, "agent", agent, "error", err)
		r.outcome(ctx, call, events.CallFailed, metrics.OutcomeFailed, agent, err.Error())
		return "", fmt.Errorf("%w: redirect to %s: %w", errs.ErrRedirectFailed, agent, err)
	}

	slog.Info("[Router] Call routed", "caller", call.CallerNumber, "agent", agent, "policy", r.pool.Policy())
	r.outcome(ctx, call, events.CallRouted, metrics.OutcomeRouted, agent, "")
	if r.notifier != nil && !r.notifier.NotifyCallRouted(agent, call) {
		slog.Debug("[Router] Agent has no open channel for the notice", "agent", agent)
	}
	return agent, nil
}

func (r *Router) outcome(ctx context.Context, call IncomingCall, t events.EventType, label, agent, reason string) {
	if r.metrics != nil {
		r.metrics.RecordOutcome(label)
	}
	if r.history != nil && t != events.CallDuplicate {
		id := call.CorrelationID
		if id == "" {
			id = call.CallerNumber + "@" + time.Now().UTC().Format(time.RFC3339)
		}
		r.history.RecordRouting(id, call.CallerNumber, agent, label)
	}
	ev := r.builder.Call(t, call.CorrelationID, call.CallerNumber, agent, reason)
	if err := r.events.Publish(ctx, ev); err != nil {
		slog.Warn("[Router] Event publish failed", "type", t, "error", err)
	}
}
