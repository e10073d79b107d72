package sipphone

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/dialtest/internal/softphone/dtmf"
	"github.com/sebas/dialtest/internal/softphone/provider"
)

// StartOutboundCall sends an INVITE and returns once the transaction is
// running. Progress, answer and failure arrive as events.
func (p *Phone) StartOutboundCall(ctx context.Context, agent provider.Agent, destination string, media provider.Media) (provider.CallRef, error) {
	target, err := p.targetURI(destination)
	if err != nil {
		return "", err
	}

	conn, err := p.ports.listen()
	if err != nil {
		return "", fmt.Errorf("allocate RTP port: %w", err)
	}

	c := newSIPCall(p.ctx, provider.CallRef(uuid.New().String()), true)
	c.conn = conn

	offer, err := buildSDP(mediaOffer{
		Addr:       p.cfg.AdvertiseAddr,
		Port:       conn.LocalAddr().(*net.UDPAddr).Port,
		SessionID:  uint64(time.Now().Unix()),
		Codecs:     p.codecs,
		TelEventPT: DefaultTelephoneEventPT,
	})
	if err != nil {
		p.ports.release(conn)
		return "", fmt.Errorf("build SDP offer: %w", err)
	}

	invite := p.buildINVITE(c, target, agent.Identity, offer)
	c.invite = invite
	c.cseq = 1
	p.track(c)

	username, password := p.credentials()
	tx, err := p.client.TransactionRequest(c.ctx, invite)
	if err != nil {
		p.finish(c)
		return "", fmt.Errorf("send INVITE: %w", err)
	}

	slog.Info("[SIP] INVITE sent", "call", c.ref, "target", target.String())
	go p.runOutbound(c, tx, media, username, password)
	return c.ref, nil
}

func (p *Phone) credentials() (string, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reg != nil {
		return p.reg.username, p.reg.password
	}
	return p.cfg.Username, p.cfg.Password
}

func (p *Phone) buildINVITE(c *sipCall, target sip.Uri, identity string, sdpBody []byte) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, target)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.New().String()[:8])
	invite.AppendHeader(&sip.FromHeader{
		DisplayName: p.cfg.DisplayName,
		Address:     sip.Uri{Scheme: "sip", User: identity, Host: p.cfg.Domain},
		Params:      fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})

	callID := sip.CallIDHeader(c.ref)
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: p.contactURI()})

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(sdpBody)

	p.routeRequest(invite)
	return invite
}

// runOutbound drives the INVITE transaction to a final answer.
func (p *Phone) runOutbound(c *sipCall, tx sip.ClientTransaction, media provider.Media, username, password string) {
	defer func() { tx.Terminate() }()

	timeout := time.NewTimer(p.cfg.InviteTimeout)
	defer timeout.Stop()
	cancelReq := c.cancelReq
	authed := false
	cancelled := ""

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-cancelReq:
			cancelReq = nil
			cancelled = "local cancel"
			p.sendCANCEL(c, c.invite)

		case <-timeout.C:
			cancelReq = nil
			cancelled = "no answer"
			p.sendCANCEL(c, c.invite)

		case <-tx.Done():
			if cancelled == "" {
				cancelled = "transaction ended"
				if err := tx.Err(); err != nil {
					cancelled = err.Error()
				}
			}
			p.failOutbound(c, cancelled)
			return

		case resp := <-tx.Responses():
			if resp == nil {
				p.failOutbound(c, "no response")
				return
			}
			code := resp.StatusCode
			switch {
			case code == sip.StatusTrying:
				slog.Debug("[SIP] 100 Trying", "call", c.ref)

			case code < 200:
				p.emit(provider.StateChanged(c.ref, provider.CallRinging, ""))

			case code < 300:
				if cancelled != "" {
					// The answer crossed our CANCEL; the call still has to be torn down.
					p.answerOutbound(c, resp, nil)
					p.sendBYE(c)
					p.failOutbound(c, cancelled)
					return
				}
				p.answerOutbound(c, resp, media)
				return

			case isChallenge(resp) && !authed && username != "" && cancelled == "":
				next, err := authorize(c.invite, resp, username, password)
				if err != nil {
					p.failOutbound(c, err.Error())
					return
				}
				authed = true
				tx.Terminate()
				ntx, err := p.client.TransactionRequest(c.ctx, next)
				if err != nil {
					p.failOutbound(c, err.Error())
					return
				}
				c.mu.Lock()
				c.invite = next
				c.cseq = next.CSeq().SeqNo
				c.mu.Unlock()
				tx = ntx

			default:
				reason := fmt.Sprintf("%d %s", code, resp.Reason)
				if cancelled != "" {
					reason = cancelled
				}
				p.failOutbound(c, reason)
				return
			}
		}
	}
}

func (p *Phone) failOutbound(c *sipCall, reason string) {
	if p.finish(c) {
		slog.Info("[SIP] Call failed", "call", c.ref, "reason", reason)
		p.emit(provider.StateChanged(c.ref, provider.CallDisconnected, reason))
	}
}

// answerOutbound records the dialog, acknowledges the 2xx and starts media.
// A nil media only acknowledges.
func (p *Phone) answerOutbound(c *sipCall, resp *sip.Response, media provider.Media) {
	c.mu.Lock()
	invite := c.invite
	if contact := resp.Contact(); contact != nil {
		c.remoteTarget = contact.Address
	} else {
		c.remoteTarget = invite.Recipient
	}
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			c.remoteTag = tag
		}
	}
	c.answered = true
	c.mu.Unlock()

	if err := p.sendACK(invite, resp); err != nil {
		slog.Error("[SIP] Failed to send ACK", "call", c.ref, "error", err)
	}
	if media == nil {
		return
	}

	rs, err := p.mediaFromAnswer(c, resp.Body())
	if err != nil {
		slog.Error("[SIP] Unusable SDP answer", "call", c.ref, "error", err)
		p.sendBYE(c)
		p.failOutbound(c, "488 Not Acceptable Here")
		return
	}
	c.startMedia(rs, media)

	slog.Info("[SIP] Call answered", "call", c.ref, "codec", rs.codec.Name, "remote", rs.remote.String())
	p.emit(provider.StateChanged(c.ref, provider.CallConnected, ""))
}

func (p *Phone) mediaFromAnswer(c *sipCall, body []byte) (*rtpSession, error) {
	rm, err := parseSDP(body)
	if err != nil {
		return nil, err
	}
	codec, err := negotiate(p.codecs, rm.Formats)
	if err != nil {
		return nil, err
	}
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(rm.Addr, fmt.Sprint(rm.Port)))
	if err != nil {
		return nil, fmt.Errorf("resolve RTP peer: %w", err)
	}
	rs := newRTPSession(c.conn, remote, codec, rm.TelEventPT)
	p.wireReceive(c, rs)
	return rs, nil
}

func (p *Phone) wireReceive(c *sipCall, rs *rtpSession) {
	rs.sink = p.remoteSink()
	p.mu.Lock()
	onTone := p.onTone
	p.mu.Unlock()
	if onTone != nil {
		ref := c.ref
		rs.onTone = func(t dtmf.Tone) { onTone(ref, t) }
	}
}

// sendACK acknowledges a 2xx outside the INVITE transaction.
func (p *Phone) sendACK(invite *sip.Request, resp *sip.Response) error {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if src := resp.Source(); src != "" {
		ack.SetDestination(src)
	}
	p.routeRequest(ack)
	return p.client.WriteRequest(ack)
}

// sendCANCEL cancels a pending INVITE. The INVITE transaction then ends
// with 487.
func (p *Phone) sendCANCEL(c *sipCall, invite *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)
	if dst := invite.Destination(); dst != "" {
		cancelReq.SetDestination(dst)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := p.send(ctx, cancelReq)
	if err != nil {
		slog.Warn("[SIP] CANCEL failed", "call", c.ref, "error", err)
		return
	}
	slog.Info("[SIP] CANCEL sent", "call", c.ref, "status", resp.StatusCode)
}

// sendBYE ends an answered outbound dialog.
func (p *Phone) sendBYE(c *sipCall) {
	c.mu.Lock()
	invite := c.invite
	target := c.remoteTarget
	remoteTag := c.remoteTag
	c.cseq++
	seq := c.cseq
	c.mu.Unlock()

	bye := sip.NewRequest(sip.BYE, target)
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	sip.CopyHeaders("From", invite, bye)
	toParams := sip.NewParams()
	if remoteTag != "" {
		toParams.Add("tag", remoteTag)
	}
	bye.AppendHeader(&sip.ToHeader{Address: invite.To().Address, Params: toParams})
	sip.CopyHeaders("Call-ID", invite, bye)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.BYE})

	if p.cfg.Proxy != "" {
		bye.SetDestination(p.cfg.Proxy)
	} else {
		port := target.Port
		if port == 0 {
			port = 5060
		}
		bye.SetDestination(net.JoinHostPort(target.Host, fmt.Sprint(port)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := p.send(ctx, bye)
	if err != nil {
		slog.Warn("[SIP] BYE failed", "call", c.ref, "error", err)
		return
	}
	slog.Debug("[SIP] BYE response", "call", c.ref, "status", resp.StatusCode)
}

func (p *Phone) hangUpOutbound(ctx context.Context, c *sipCall) error {
	if !c.isAnswered() {
		c.requestCancel()
		return nil
	}
	if !c.markEnding() {
		return nil
	}
	p.sendBYE(c)
	if p.finish(c) {
		p.emit(provider.StateChanged(c.ref, provider.CallDisconnected, "local hang-up"))
	}
	return nil
}
