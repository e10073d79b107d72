package sipphone

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"

	"github.com/sebas/dialtest/internal/softphone/dtmf"
)

// telephoneEvent is an RFC 4733 payload:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type telephoneEvent struct {
	Event    uint8
	End      bool
	Volume   uint8  // -dBm0, 6 bits
	Duration uint16 // timestamp units
}

const (
	defaultEventVolume   uint8  = 10
	defaultEventDuration uint16 = 1600 // 200ms
	minEventDuration     uint16 = 400  // 50ms
	endPacketRepeats            = 3
)

func (e telephoneEvent) marshal() []byte {
	b := make([]byte, 4)
	b[0] = e.Event
	b[1] = e.Volume & 0x3F
	if e.End {
		b[1] |= 0x80
	}
	binary.BigEndian.PutUint16(b[2:], e.Duration)
	return b
}

func parseTelephoneEvent(payload []byte) (telephoneEvent, error) {
	if len(payload) < 4 {
		return telephoneEvent{}, fmt.Errorf("telephone-event payload too short: %d bytes", len(payload))
	}
	return telephoneEvent{
		Event:    payload[0],
		End:      payload[1]&0x80 != 0,
		Volume:   payload[1] & 0x3F,
		Duration: binary.BigEndian.Uint16(payload[2:]),
	}, nil
}

// eventDetector turns a received telephone-event packet stream into tones.
// Redundant end packets for one event share a timestamp and are reported
// once.
type eventDetector struct {
	payloadType uint8
	pending     bool
	lastEvent   uint8
	lastTS      uint32
	reportedTS  uint32
	reported    bool
}

func (d *eventDetector) process(pkt *rtp.Packet) (dtmf.Tone, bool) {
	if pkt.PayloadType != d.payloadType {
		return "", false
	}
	evt, err := parseTelephoneEvent(pkt.Payload)
	if err != nil {
		return "", false
	}

	if !evt.End {
		if !d.pending || evt.Event != d.lastEvent || pkt.Timestamp != d.lastTS {
			d.pending = true
			d.lastEvent = evt.Event
			d.lastTS = pkt.Timestamp
		}
		return "", false
	}

	if d.reported && d.reportedTS == pkt.Timestamp {
		return "", false
	}
	d.pending = false
	if evt.Duration < minEventDuration {
		return "", false
	}
	tone, ok := dtmf.ToneForCode(evt.Event)
	if !ok {
		return "", false
	}
	d.reported = true
	d.reportedTS = pkt.Timestamp
	return tone, true
}
