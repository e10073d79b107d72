package sipphone

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// registration keeps one address of record bound at the registrar.
type registration struct {
	phone    *Phone
	username string
	password string
	expiry   time.Duration

	callID string
	tag    string

	mu      sync.Mutex
	cseq    uint32
	granted time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newRegistration(p *Phone, username, password string, expiry time.Duration) *registration {
	ctx, cancel := context.WithCancel(p.ctx)
	return &registration{
		phone:    p,
		username: username,
		password: password,
		expiry:   expiry,
		callID:   uuid.New().String(),
		tag:      uuid.New().String()[:8],
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// start registers once and keeps refreshing in the background.
func (r *registration) start(ctx context.Context) error {
	granted, err := r.register(ctx, r.expiry)
	if err != nil {
		r.cancel()
		close(r.done)
		return err
	}
	slog.Info("[SIP] Registered", "aor", r.aor().String(), "expires", granted)
	go r.refreshLoop(granted)
	return nil
}

func (r *registration) refreshLoop(granted time.Duration) {
	defer close(r.done)
	for {
		wait := refreshAfter(granted)
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
		g, err := r.register(ctx, r.expiry)
		cancel()
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			slog.Warn("[SIP] Registration refresh failed", "aor", r.aor().String(), "error", err)
			granted = time.Minute
			continue
		}
		granted = g
		slog.Debug("[SIP] Registration refreshed", "expires", granted)
	}
}

// refreshAfter refreshes ahead of expiry, at half the interval for short
// grants.
func refreshAfter(granted time.Duration) time.Duration {
	if granted > 2*time.Minute {
		return granted - time.Minute
	}
	return granted / 2
}

// stop unbinds the contact and ends the refresh loop.
func (r *registration) stop(ctx context.Context) {
	r.cancel()
	<-r.done
	if _, err := r.register(ctx, 0); err != nil {
		slog.Debug("[SIP] Unregister failed", "error", err)
	}
}

func (r *registration) aor() sip.Uri {
	return sip.Uri{Scheme: "sip", User: r.username, Host: r.phone.cfg.Domain}
}

func (r *registration) buildREGISTER(expiry time.Duration) *sip.Request {
	r.mu.Lock()
	r.cseq++
	seq := r.cseq
	r.mu.Unlock()

	p := r.phone
	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: p.cfg.Domain})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", r.tag)
	req.AppendHeader(&sip.FromHeader{DisplayName: p.cfg.DisplayName, Address: r.aor(), Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: r.aor(), Params: sip.NewParams()})

	callID := sip.CallIDHeader(r.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{Address: p.contactURI()})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expiry.Seconds()))))

	p.routeRequest(req)
	return req
}

// register sends one REGISTER and returns the granted expiry.
func (r *registration) register(ctx context.Context, expiry time.Duration) (time.Duration, error) {
	req := r.buildREGISTER(expiry)
	resp, sent, err := r.phone.roundTrip(ctx, req, r.username, r.password)
	if err != nil {
		return 0, fmt.Errorf("register: %w", err)
	}
	if sent != req {
		// The challenge answer used the next CSeq.
		r.mu.Lock()
		r.cseq++
		r.mu.Unlock()
	}
	if resp.StatusCode != sip.StatusOK {
		return 0, fmt.Errorf("register: %d %s", resp.StatusCode, resp.Reason)
	}
	return grantedExpiry(resp, expiry), nil
}

// grantedExpiry prefers the contact expires parameter, then the Expires
// header, then what was asked for.
func grantedExpiry(resp *sip.Response, requested time.Duration) time.Duration {
	if c := resp.Contact(); c != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				return time.Duration(n) * time.Second
			}
		}
	}
	if h := resp.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(h.Value()); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return requested
}
