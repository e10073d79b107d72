package sipphone

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// authorize answers a 401/407 challenge on a copy of req with a bumped
// CSeq, ready to be sent as a new transaction.
func authorize(req *sip.Request, challenge *sip.Response, username, password string) (*sip.Request, error) {
	challengeHeader, credHeader := "WWW-Authenticate", "Authorization"
	if challenge.StatusCode == sip.StatusProxyAuthRequired {
		challengeHeader, credHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}
	h := challenge.GetHeader(challengeHeader)
	if h == nil {
		return nil, fmt.Errorf("%d without %s", challenge.StatusCode, challengeHeader)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parse challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}

	next := req.Clone()
	next.RemoveHeader("Via")
	next.RemoveHeader(credHeader)
	if cseq := next.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	next.AppendHeader(sip.NewHeader(credHeader, cred.String()))
	return next, nil
}

func isChallenge(resp *sip.Response) bool {
	return resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired
}

// finalResponse waits for the first final response of tx.
func finalResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("transaction ended without response")
			}
			if resp.StatusCode < 200 {
				continue
			}
			return resp, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("transaction ended without response")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// roundTrip sends req and returns its final response, answering one digest
// challenge when credentials are set.
func (p *Phone) roundTrip(ctx context.Context, req *sip.Request, username, password string) (*sip.Response, *sip.Request, error) {
	resp, err := p.send(ctx, req)
	if err != nil {
		return nil, req, err
	}
	if !isChallenge(resp) || username == "" {
		return resp, req, nil
	}
	authed, err := authorize(req, resp, username, password)
	if err != nil {
		return nil, req, err
	}
	resp, err = p.send(ctx, authed)
	return resp, authed, err
}

func (p *Phone) send(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := p.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}
	defer tx.Terminate()
	return finalResponse(ctx, tx)
}
