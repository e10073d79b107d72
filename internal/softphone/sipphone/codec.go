package sipphone

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zaf/g711"
)

// Codec is a G.711 variant the phone can send and receive.
type Codec struct {
	Name        string
	PayloadType uint8
	SampleRate  uint32
	encode      func(int16) uint8
	decode      func(uint8) int16
}

var (
	// CodecPCMU is G.711 µ-law.
	CodecPCMU = Codec{"PCMU", 0, 8000, g711.EncodeUlawFrame, g711.DecodeUlawFrame}
	// CodecPCMA is G.711 A-law.
	CodecPCMA = Codec{"PCMA", 8, 8000, g711.EncodeAlawFrame, g711.DecodeAlawFrame}
)

// DefaultTelephoneEventPT is the dynamic payload type offered for RFC 4733.
const DefaultTelephoneEventPT uint8 = 101

// Encode compresses 16-bit samples, one byte per sample.
func (c Codec) Encode(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = c.encode(s)
	}
	return out
}

// Decode expands a payload to 16-bit samples.
func (c Codec) Decode(payload []byte) []int16 {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = c.decode(b)
	}
	return out
}

// ParseCodecs resolves codec names in preference order.
func ParseCodecs(names []string) ([]Codec, error) {
	if len(names) == 0 {
		return []Codec{CodecPCMU, CodecPCMA}, nil
	}
	out := make([]Codec, 0, len(names))
	for _, n := range names {
		switch strings.ToUpper(strings.TrimSpace(n)) {
		case "PCMU", "0":
			out = append(out, CodecPCMU)
		case "PCMA", "8":
			out = append(out, CodecPCMA)
		default:
			return nil, fmt.Errorf("unsupported codec %q", n)
		}
	}
	return out, nil
}

func codecByPayloadType(pt uint8) (Codec, bool) {
	switch pt {
	case CodecPCMU.PayloadType:
		return CodecPCMU, true
	case CodecPCMA.PayloadType:
		return CodecPCMA, true
	}
	return Codec{}, false
}

// negotiate picks the first local codec the remote formats list.
func negotiate(local []Codec, remoteFormats []string) (Codec, error) {
	offered := make(map[uint8]bool, len(remoteFormats))
	for _, f := range remoteFormats {
		pt, err := strconv.Atoi(f)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		offered[uint8(pt)] = true
	}
	for _, c := range local {
		if offered[c.PayloadType] {
			return c, nil
		}
	}
	return Codec{}, fmt.Errorf("no common codec in %v", remoteFormats)
}
