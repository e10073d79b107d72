package sipphone

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/sebas/dialtest/internal/softphone/dtmf"
	"github.com/sebas/dialtest/internal/softphone/provider"
)

const (
	frameSamples  = 160
	eventInterval = 20 * time.Millisecond
)

// rtpSession carries one call's audio. Outbound audio and telephone-events
// share the SSRC and sequence space; audio is suppressed while an event is
// being sent.
type rtpSession struct {
	conn  *net.UDPConn
	codec Codec
	telPT uint8

	mu      sync.Mutex
	remote  *net.UDPAddr
	latched bool
	ssrc    uint32
	seq     uint16
	ts      uint32
	started bool
	inEvent bool

	muted    atomic.Bool
	received atomic.Uint64
	lost     atomic.Uint64

	sink   func([]int16)
	onTone func(dtmf.Tone)

	// interval between telephone-event packets
	interval time.Duration
}

func newRTPSession(conn *net.UDPConn, remote *net.UDPAddr, codec Codec, telPT uint8) *rtpSession {
	return &rtpSession{
		conn:     conn,
		remote:   remote,
		codec:    codec,
		telPT:    telPT,
		ssrc:     rand.Uint32(),
		seq:      uint16(rand.UintN(1 << 16)),
		ts:       rand.Uint32(),
		interval: eventInterval,
	}
}

func (s *rtpSession) localPort() int {
	if a, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		return a.Port
	}
	return 0
}

func (s *rtpSession) write(pkt *rtp.Packet) error {
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()
	if remote == nil {
		return nil
	}
	_, err = s.conn.WriteToUDP(data, remote)
	return err
}

// writeAudio sends one frame. Muted frames go out as silence so the
// remote jitter buffer and any NAT binding stay alive.
func (s *rtpSession) writeAudio(frame []int16) error {
	if s.muted.Load() {
		frame = make([]int16, len(frame))
	}

	s.mu.Lock()
	if s.inEvent {
		s.ts += uint32(len(frame))
		s.mu.Unlock()
		return nil
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         !s.started,
			PayloadType:    s.codec.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: s.codec.Encode(frame),
	}
	s.started = true
	s.seq++
	s.ts += uint32(len(frame))
	s.mu.Unlock()

	return s.write(pkt)
}

// sendLoop pulls frames from media until ctx ends or media fails.
func (s *rtpSession) sendLoop(ctx context.Context, media provider.Media) {
	for {
		frame, err := media.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("[RTP] Media source stopped", "error", err)
			}
			return
		}
		if err := s.writeAudio(frame); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Debug("[RTP] Write failed", "error", err)
		}
	}
}

// sendTone emits one RFC 4733 event: progress packets every interval with
// growing duration, then three end packets. The timestamp stays fixed for
// the whole event.
func (s *rtpSession) sendTone(ctx context.Context, tone dtmf.Tone, duration time.Duration) error {
	code, ok := tone.Code()
	if !ok {
		return errors.New("unknown tone " + string(tone))
	}
	if s.telPT == 0 {
		return errors.New("remote did not negotiate telephone-event")
	}

	total := uint16(duration.Seconds() * float64(s.codec.SampleRate))
	if total < minEventDuration {
		total = minEventDuration
	}
	step := uint16(s.interval.Seconds() * float64(s.codec.SampleRate))
	if step == 0 {
		step = frameSamples
	}

	s.mu.Lock()
	s.inEvent = true
	eventTS := s.ts
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inEvent = false
		s.mu.Unlock()
	}()

	packet := func(evt telephoneEvent, marker bool) *rtp.Packet {
		s.mu.Lock()
		defer s.mu.Unlock()
		p := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         marker,
				PayloadType:    s.telPT,
				SequenceNumber: s.seq,
				Timestamp:      eventTS,
				SSRC:           s.ssrc,
			},
			Payload: evt.marshal(),
		}
		s.seq++
		return p
	}

	first := true
	for dur := step; dur < total; dur += step {
		evt := telephoneEvent{Event: code, Volume: defaultEventVolume, Duration: dur}
		if err := s.write(packet(evt, first)); err != nil {
			return err
		}
		first = false
		if err := sleepCtx(ctx, s.interval); err != nil {
			return err
		}
	}
	for i := range endPacketRepeats {
		evt := telephoneEvent{Event: code, End: true, Volume: defaultEventVolume, Duration: total}
		if err := s.write(packet(evt, false)); err != nil {
			return err
		}
		if i < endPacketRepeats-1 {
			if err := sleepCtx(ctx, 5*time.Millisecond); err != nil {
				return err
			}
		}
	}
	return nil
}

// receiveLoop reads until the socket is closed.
func (s *rtpSession) receiveLoop() {
	buf := make([]byte, 1500)
	detector := eventDetector{payloadType: s.telPT}
	var (
		haveSeq bool
		lastSeq uint16
	)

	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Debug("[RTP] Read failed", "error", err)
			}
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		s.mu.Lock()
		if !s.latched {
			// Symmetric RTP: answer to where the peer actually sends from.
			s.remote = from
			s.latched = true
		}
		s.mu.Unlock()

		s.received.Add(1)
		if haveSeq {
			if gap := int16(pkt.SequenceNumber - lastSeq); gap > 1 {
				s.lost.Add(uint64(gap - 1))
			}
		}
		haveSeq = true
		lastSeq = pkt.SequenceNumber

		if s.telPT != 0 && pkt.PayloadType == s.telPT {
			if tone, ok := detector.process(pkt); ok && s.onTone != nil {
				s.onTone(tone)
			}
			continue
		}
		codec, ok := codecByPayloadType(pkt.PayloadType)
		if !ok || s.sink == nil {
			continue
		}
		s.sink(codec.Decode(pkt.Payload))
	}
}

func (s *rtpSession) stats() (received, lost uint64) {
	return s.received.Load(), s.lost.Load()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
