package sipphone

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/sebas/dialtest/internal/softphone/dtmf"
)

func TestTelephoneEventPayload(t *testing.T) {
	evt := telephoneEvent{Event: 11, End: true, Volume: 10, Duration: 1600}
	b := evt.marshal()
	want := []byte{11, 0x80 | 10, 0x06, 0x40}
	for i := range want {
		if b[i] != want[i] {
			t.Fatalf("payload = % x, want % x", b, want)
		}
	}
	back, err := parseTelephoneEvent(b)
	if err != nil || back != evt {
		t.Errorf("parse = %+v, %v", back, err)
	}
	if _, err := parseTelephoneEvent([]byte{1, 2}); err == nil {
		t.Error("short payload should fail")
	}
}

func TestEventDetectorReportsOnce(t *testing.T) {
	d := eventDetector{payloadType: 101}
	pkt := func(end bool, dur uint16, ts uint32) *rtp.Packet {
		return &rtp.Packet{
			Header:  rtp.Header{PayloadType: 101, Timestamp: ts},
			Payload: telephoneEvent{Event: 5, End: end, Volume: 10, Duration: dur}.marshal(),
		}
	}

	var got []dtmf.Tone
	for _, p := range []*rtp.Packet{
		pkt(false, 160, 1000),
		pkt(false, 320, 1000),
		pkt(true, 1600, 1000),
		pkt(true, 1600, 1000),
		pkt(true, 1600, 1000),
		// too short to count
		pkt(true, 80, 5000),
		{Header: rtp.Header{PayloadType: 0}, Payload: make([]byte, 160)},
	} {
		if tone, ok := d.process(p); ok {
			got = append(got, tone)
		}
	}
	if len(got) != 1 || got[0] != dtmf.Num5 {
		t.Errorf("detected %v, want [Num5]", got)
	}
}

func loopbackPair(t *testing.T) (a, b *net.UDPConn) {
	t.Helper()
	var err error
	a, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	b, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		a.Close()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func readPacket(t *testing.T, conn *net.UDPConn) *rtp.Packet {
	t.Helper()
	buf := make([]byte, 1500)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return pkt
}

func TestWriteAudioSequencing(t *testing.T) {
	local, peer := loopbackPair(t)
	rs := newRTPSession(local, peer.LocalAddr().(*net.UDPAddr), CodecPCMU, 101)

	frame := make([]int16, frameSamples)
	for i := range frame {
		frame[i] = 1000
	}
	if err := rs.writeAudio(frame); err != nil {
		t.Fatal(err)
	}
	if err := rs.writeAudio(frame); err != nil {
		t.Fatal(err)
	}

	p1 := readPacket(t, peer)
	p2 := readPacket(t, peer)
	if !p1.Marker || p2.Marker {
		t.Error("marker must be set on the first packet only")
	}
	if p2.SequenceNumber != p1.SequenceNumber+1 {
		t.Errorf("sequence %d then %d", p1.SequenceNumber, p2.SequenceNumber)
	}
	if p2.Timestamp-p1.Timestamp != frameSamples {
		t.Errorf("timestamp step = %d", p2.Timestamp-p1.Timestamp)
	}
	if p1.PayloadType != 0 || len(p1.Payload) != frameSamples {
		t.Errorf("pt=%d len=%d", p1.PayloadType, len(p1.Payload))
	}
	if p1.SSRC != p2.SSRC {
		t.Error("SSRC changed between packets")
	}
}

func TestMutedAudioIsSilence(t *testing.T) {
	local, peer := loopbackPair(t)
	rs := newRTPSession(local, peer.LocalAddr().(*net.UDPAddr), CodecPCMU, 0)
	rs.muted.Store(true)

	frame := make([]int16, frameSamples)
	for i := range frame {
		frame[i] = 12000
	}
	if err := rs.writeAudio(frame); err != nil {
		t.Fatal(err)
	}
	pkt := readPacket(t, peer)
	silence := CodecPCMU.Encode(make([]int16, frameSamples))
	for i := range pkt.Payload {
		if pkt.Payload[i] != silence[i] {
			t.Fatal("muted frame carried audio")
		}
	}
}

func TestSendToneRFC4733(t *testing.T) {
	local, peer := loopbackPair(t)
	rs := newRTPSession(local, peer.LocalAddr().(*net.UDPAddr), CodecPCMU, 101)
	rs.interval = time.Millisecond

	if err := rs.sendTone(context.Background(), dtmf.Pound, 60*time.Millisecond); err != nil {
		t.Fatalf("sendTone: %v", err)
	}

	// 60ms = 480 samples; a 1ms interval is 8 samples per step.
	var progress, ends int
	var ts uint32
	for i := 0; ; i++ {
		pkt := readPacket(t, peer)
		if pkt.PayloadType != 101 {
			t.Fatalf("packet %d has pt %d", i, pkt.PayloadType)
		}
		if i == 0 {
			ts = pkt.Timestamp
			if !pkt.Marker {
				t.Error("first event packet must carry the marker")
			}
		} else if pkt.Timestamp != ts {
			t.Fatal("timestamp must stay fixed for one event")
		}
		evt, err := parseTelephoneEvent(pkt.Payload)
		if err != nil {
			t.Fatal(err)
		}
		if evt.Event != 11 {
			t.Fatalf("event code %d, want 11", evt.Event)
		}
		if !evt.End {
			progress++
			continue
		}
		ends++
		if evt.Duration != 480 {
			t.Errorf("end duration = %d, want 480", evt.Duration)
		}
		if ends == endPacketRepeats {
			break
		}
	}
	if progress == 0 {
		t.Error("no progress packets")
	}
}

func TestSendToneWithoutNegotiation(t *testing.T) {
	local, peer := loopbackPair(t)
	rs := newRTPSession(local, peer.LocalAddr().(*net.UDPAddr), CodecPCMU, 0)
	if err := rs.sendTone(context.Background(), dtmf.Num1, 0); err == nil {
		t.Error("expected error when telephone-event was not negotiated")
	}
}

func TestReceiveLoopDecodesAndDetects(t *testing.T) {
	local, peer := loopbackPair(t)
	rs := newRTPSession(local, nil, CodecPCMU, 101)

	frames := make(chan []int16, 4)
	tones := make(chan dtmf.Tone, 4)
	rs.sink = func(s []int16) { frames <- s }
	rs.onTone = func(tone dtmf.Tone) { tones <- tone }
	go rs.receiveLoop()

	send := func(p *rtp.Packet) {
		data, err := p.Marshal()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := peer.WriteToUDP(data, local.LocalAddr().(*net.UDPAddr)); err != nil {
			t.Fatal(err)
		}
	}

	send(&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: 10, Timestamp: 100},
		Payload: CodecPCMU.Encode(make([]int16, frameSamples)),
	})
	select {
	case f := <-frames:
		if len(f) != frameSamples {
			t.Errorf("frame length %d", len(f))
		}
	case <-time.After(time.Second):
		t.Fatal("no decoded frame")
	}

	send(&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 101, SequenceNumber: 12, Timestamp: 260},
		Payload: telephoneEvent{Event: 1, End: true, Volume: 10, Duration: 800}.marshal(),
	})
	select {
	case tone := <-tones:
		if tone != dtmf.Num1 {
			t.Errorf("tone = %s", tone)
		}
	case <-time.After(time.Second):
		t.Fatal("no tone detected")
	}

	if received, lost := rs.stats(); received != 2 || lost != 1 {
		t.Errorf("stats = %d received, %d lost", received, lost)
	}

	// The session answers to where the peer sends from.
	rs.mu.Lock()
	remote := rs.remote
	rs.mu.Unlock()
	if remote == nil || remote.Port != peer.LocalAddr().(*net.UDPAddr).Port {
		t.Errorf("remote not latched: %v", remote)
	}
}

func TestPortPoolRange(t *testing.T) {
	pool := newPortPool("127.0.0.1", 41001, 41005)
	a, err := pool.listen()
	if err != nil {
		t.Skipf("cannot bind test ports: %v", err)
	}
	defer pool.release(a)

	port := a.LocalAddr().(*net.UDPAddr).Port
	if port%2 != 0 || port < 41002 || port > 41005 {
		t.Errorf("port %d outside even range", port)
	}
	if pool.allocated() != 1 {
		t.Errorf("allocated = %d", pool.allocated())
	}
	b, err := pool.listen()
	if err == nil {
		if b.LocalAddr().(*net.UDPAddr).Port == port {
			t.Error("port handed out twice")
		}
		pool.release(b)
	}
}
