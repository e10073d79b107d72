package sipphone

import (
	"context"
	"net"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/dialtest/internal/softphone/provider"
)

// sipCall is one dialog and its media.
type sipCall struct {
	ref      provider.CallRef
	outbound bool
	conn     *net.UDPConn

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	answered bool
	muted    bool
	rtp      *rtpSession
	// set once the remote or local side has started tearing down
	ending bool

	// outbound dialog
	invite       *sip.Request
	remoteTarget sip.Uri
	remoteTag    string
	cseq         uint32
	cancelReq    chan struct{}
	cancelOnce   sync.Once

	// inbound dialog
	inReq   *sip.Request
	inTx    sip.ServerTransaction
	session *sipgo.DialogServerSession
	offer   remoteMedia
	caller  string
	acked   bool
}

func newSIPCall(parent context.Context, ref provider.CallRef, outbound bool) *sipCall {
	ctx, cancel := context.WithCancel(parent)
	return &sipCall{
		ref:       ref,
		outbound:  outbound,
		ctx:       ctx,
		cancel:    cancel,
		cancelReq: make(chan struct{}),
	}
}

func (c *sipCall) media() *rtpSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtp
}

func (c *sipCall) setMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	rs := c.rtp
	c.mu.Unlock()
	if rs != nil {
		rs.muted.Store(muted)
	}
}

// startMedia attaches an RTP session and starts sending media and
// receiving remote audio.
func (c *sipCall) startMedia(rs *rtpSession, media provider.Media) {
	c.mu.Lock()
	c.rtp = rs
	rs.muted.Store(c.muted)
	c.mu.Unlock()

	go rs.receiveLoop()
	if media != nil {
		go rs.sendLoop(c.ctx, media)
	}
}

func (c *sipCall) isAnswered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered
}

// markEnding reports whether the caller is the first to tear the call down.
func (c *sipCall) markEnding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ending {
		return false
	}
	c.ending = true
	return true
}

func (c *sipCall) requestCancel() {
	c.cancelOnce.Do(func() { close(c.cancelReq) })
}

// stop ends the media goroutines. The socket is released by the phone.
func (c *sipCall) stop() {
	c.cancel()
}
