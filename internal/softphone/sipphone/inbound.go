package sipphone

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/dialtest/internal/softphone/provider"
)

func (p *Phone) handleINVITE(req *sip.Request, tx sip.ServerTransaction) {
	ref := callIDOf(req)
	if existing := p.call(ref); existing != nil {
		// Retransmission or re-INVITE; media changes are not renegotiated.
		if existing.isAnswered() {
			resp := sip.NewResponseFromRequest(req, sip.StatusCode(488), "Not Acceptable Here", nil)
			_ = tx.Respond(resp)
		}
		return
	}

	offer, err := parseSDP(req.Body())
	if err == nil {
		_, err = negotiate(p.codecs, offer.Formats)
	}
	if err != nil {
		slog.Warn("[SIP] Rejecting INVITE with unusable SDP", "call", ref, "error", err)
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(488), "Not Acceptable Here", nil))
		return
	}

	c := newSIPCall(p.ctx, ref, false)
	c.inReq = req
	c.inTx = tx
	c.offer = offer
	c.caller = callerIdentity(req)
	p.track(c)

	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil)); err != nil {
		slog.Error("[SIP] Failed to send 100 Trying", "call", ref, "error", err)
	}
	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)); err != nil {
		slog.Error("[SIP] Failed to send 180 Ringing", "call", ref, "error", err)
	}

	slog.Info("[SIP] Incoming call", "call", ref, "caller", c.caller)
	p.emit(provider.IncomingCall(ref, c.caller))
}

// callerIdentity is the From user, which carries the number for PSTN
// calls, or the display name when there is no user part.
func callerIdentity(req *sip.Request) string {
	from := req.From()
	if from == nil {
		return ""
	}
	if from.Address.User != "" {
		return from.Address.User
	}
	return strings.Trim(from.DisplayName, "\"")
}

// AcceptIncoming answers with 200 OK and starts media. The call is
// reported connected when the caller's ACK arrives.
func (p *Phone) AcceptIncoming(ctx context.Context, ref provider.CallRef, media provider.Media) error {
	c := p.call(ref)
	if c == nil || c.outbound {
		return fmt.Errorf("%w: %s", ErrUnknownCall, ref)
	}

	codec, err := negotiate(p.codecs, c.offer.Formats)
	if err != nil {
		return err
	}
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(c.offer.Addr, fmt.Sprint(c.offer.Port)))
	if err != nil {
		return fmt.Errorf("resolve RTP peer: %w", err)
	}

	conn, err := p.ports.listen()
	if err != nil {
		return fmt.Errorf("allocate RTP port: %w", err)
	}
	answer, err := buildSDP(mediaOffer{
		Addr:       p.cfg.AdvertiseAddr,
		Port:       conn.LocalAddr().(*net.UDPAddr).Port,
		SessionID:  uint64(time.Now().Unix()),
		Codecs:     []Codec{codec},
		TelEventPT: c.offer.TelEventPT,
	})
	if err != nil {
		p.ports.release(conn)
		return fmt.Errorf("build SDP answer: %w", err)
	}

	session, err := p.dialogUA.ReadInvite(c.inReq, c.inTx)
	if err != nil {
		p.ports.release(conn)
		return fmt.Errorf("create dialog: %w", err)
	}
	if err := session.RespondSDP(answer); err != nil {
		_ = session.Close()
		p.ports.release(conn)
		return fmt.Errorf("send 200 OK: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.session = session
	c.answered = true
	c.mu.Unlock()

	rs := newRTPSession(conn, remote, codec, c.offer.TelEventPT)
	p.wireReceive(c, rs)
	c.startMedia(rs, media)

	slog.Info("[SIP] Answered", "call", ref, "codec", codec.Name)
	go p.watchACK(c)
	return nil
}

// watchACK ends an answered call whose ACK never arrives.
func (p *Phone) watchACK(c *sipCall) {
	t := time.NewTimer(p.cfg.ACKTimeout)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return
	case <-t.C:
	}

	c.mu.Lock()
	acked := c.acked
	c.mu.Unlock()
	if acked || !c.markEnding() {
		return
	}
	slog.Warn("[SIP] No ACK for 200 OK", "call", c.ref)
	p.byeInbound(c)
	if p.finish(c) {
		p.emit(provider.StateChanged(c.ref, provider.CallDisconnected, "no ACK"))
	}
}

// RejectIncoming declines an unanswered call with 603.
func (p *Phone) RejectIncoming(ctx context.Context, ref provider.CallRef) error {
	c := p.call(ref)
	if c == nil || c.outbound {
		return fmt.Errorf("%w: %s", ErrUnknownCall, ref)
	}
	if c.isAnswered() {
		return fmt.Errorf("reject %s: already answered", ref)
	}
	if !p.finish(c) {
		return nil
	}
	resp := sip.NewResponseFromRequest(c.inReq, sip.StatusCode(603), "Decline", nil)
	if err := c.inTx.Respond(resp); err != nil {
		return fmt.Errorf("send 603: %w", err)
	}
	slog.Info("[SIP] Declined", "call", ref)
	return nil
}

func (p *Phone) hangUpInbound(ctx context.Context, c *sipCall) error {
	if !c.isAnswered() {
		return p.RejectIncoming(ctx, c.ref)
	}
	if !c.markEnding() {
		return nil
	}
	p.byeInbound(c)
	if p.finish(c) {
		p.emit(provider.StateChanged(c.ref, provider.CallDisconnected, "local hang-up"))
	}
	return nil
}

func (p *Phone) byeInbound(c *sipCall) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Bye(ctx); err != nil {
		slog.Warn("[SIP] BYE failed", "call", c.ref, "error", err)
	}
	_ = session.Close()
}

func (p *Phone) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	c := p.call(callIDOf(req))
	if c == nil || c.outbound {
		return
	}
	c.mu.Lock()
	session := c.session
	first := !c.acked
	c.acked = true
	c.mu.Unlock()

	if session != nil {
		if err := session.ReadAck(req, tx); err != nil {
			slog.Debug("[SIP] ACK read", "call", c.ref, "error", err)
		}
	}
	if first {
		slog.Info("[SIP] Connected", "call", c.ref)
		p.emit(provider.StateChanged(c.ref, provider.CallConnected, ""))
	}
}

func (p *Phone) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	c := p.call(callIDOf(req))
	if c == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(481), "Call/Transaction Does Not Exist", nil))
		return
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session != nil {
		if err := session.ReadBye(req, tx); err != nil {
			slog.Debug("[SIP] BYE read", "call", c.ref, "error", err)
		}
	} else if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		slog.Error("[SIP] Failed to respond to BYE", "call", c.ref, "error", err)
	}

	c.markEnding()
	if p.finish(c) {
		slog.Info("[SIP] Remote hung up", "call", c.ref)
		p.emit(provider.StateChanged(c.ref, provider.CallDisconnected, "remote hang-up"))
	}
}

func (p *Phone) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	c := p.call(callIDOf(req))
	if c == nil || c.outbound || c.isAnswered() {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(481), "Call/Transaction Does Not Exist", nil))
		return
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		slog.Error("[SIP] Failed to respond to CANCEL", "call", c.ref, "error", err)
	}
	_ = c.inTx.Respond(sip.NewResponseFromRequest(c.inReq, sip.StatusCode(487), "Request Terminated", nil))

	if p.finish(c) {
		slog.Info("[SIP] Caller cancelled", "call", c.ref)
		p.emit(provider.StateChanged(c.ref, provider.CallDisconnected, "cancelled"))
	}
}
