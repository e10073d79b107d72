package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zaf/g711"
)

// WAV format tags
const (
	wavFormatPCM        = 1
	wavFormatALaw       = 6
	wavFormatMuLaw      = 7
	wavFormatExtensible = 0xFFFE
)

var (
	ErrNotWAV      = errors.New("not a RIFF/WAVE stream")
	ErrUnsupported = errors.New("unsupported WAV encoding")
	ErrNoAudioData = errors.New("data chunk not found")
)

// Clip is decoded mono audio at its native rate.
type Clip struct {
	SampleRate int
	Samples    []int16
}

// Duration returns the playback length of the clip.
func (c *Clip) Duration() float64 {
	if c.SampleRate == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

type wavFormat struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// DecodeWAV parses a RIFF/WAVE byte stream and downmixes it to mono 16-bit
// samples. PCM (8/16 bit), A-law and μ-law payloads are accepted.
func DecodeWAV(raw []byte) (*Clip, error) {
	r := bytes.NewReader(raw)

	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, ErrNotWAV
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	var (
		format  *wavFormat
		payload []byte
	)
	for payload == nil {
		var id [4]byte
		if _, err := io.ReadFull(r, id[:]); err != nil {
			break
		}
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, fmt.Errorf("read chunk size: %w", err)
		}

		switch string(id[:]) {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("fmt chunk too short: %d bytes", size)
			}
			format = &wavFormat{}
			if err := binary.Read(r, binary.LittleEndian, format); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			rest := int64(size) - 16
			if format.AudioFormat == wavFormatExtensible && rest >= 10 {
				// cbSize(2) validBits(2) channelMask(4) then the sub-format GUID,
				// whose first two bytes carry the real format tag.
				var ext struct {
					CbSize      uint16
					ValidBits   uint16
					ChannelMask uint32
					SubFormat   uint16
				}
				if err := binary.Read(r, binary.LittleEndian, &ext); err != nil {
					return nil, fmt.Errorf("read extensible fmt: %w", err)
				}
				format.AudioFormat = ext.SubFormat
				rest -= 10
			}
			if _, err := r.Seek(rest+int64(size&1), io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skip fmt padding: %w", err)
			}
		case "data":
			if format == nil {
				return nil, fmt.Errorf("data chunk before fmt chunk")
			}
			n := int(size)
			if n > r.Len() {
				// Streaming encoders write a placeholder size; take what is there.
				n = r.Len()
			}
			payload = make([]byte, n)
			if _, err := io.ReadFull(r, payload); err != nil {
				return nil, fmt.Errorf("read data chunk: %w", err)
			}
		default:
			if _, err := r.Seek(int64(size)+int64(size&1), io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skip chunk %q: %w", string(id[:]), err)
			}
		}
	}

	if format == nil || payload == nil {
		return nil, ErrNoAudioData
	}

	samples, err := decodeSamples(format, payload)
	if err != nil {
		return nil, err
	}

	mono, err := downmix(samples, int(format.NumChannels))
	if err != nil {
		return nil, err
	}

	slog.Debug("[WAV] Decoded clip",
		"format", format.AudioFormat,
		"sample_rate", format.SampleRate,
		"channels", format.NumChannels,
		"samples", len(mono),
	)
	return &Clip{SampleRate: int(format.SampleRate), Samples: mono}, nil
}

func decodeSamples(f *wavFormat, data []byte) ([]int16, error) {
	switch {
	case f.AudioFormat == wavFormatPCM && f.BitsPerSample == 16:
		return bytesToSamples(data), nil
	case f.AudioFormat == wavFormatPCM && f.BitsPerSample == 8:
		out := make([]int16, len(data))
		for i, b := range data {
			out[i] = (int16(b) - 128) << 8
		}
		return out, nil
	case f.AudioFormat == wavFormatMuLaw && f.BitsPerSample == 8:
		return bytesToSamples(g711.DecodeUlaw(data)), nil
	case f.AudioFormat == wavFormatALaw && f.BitsPerSample == 8:
		return bytesToSamples(g711.DecodeAlaw(data)), nil
	}
	return nil, fmt.Errorf("%w: format=%d bits=%d", ErrUnsupported, f.AudioFormat, f.BitsPerSample)
}

func downmix(samples []int16, channels int) ([]int16, error) {
	switch {
	case channels == 1:
		return samples, nil
	case channels < 1 || channels > 8:
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupported, channels)
	}
	frames := len(samples) / channels
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[i*channels+c])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono, nil
}

// Resample converts mono samples between rates by linear interpolation.
func Resample(samples []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}

	ratio := float64(from) / float64(to)
	outLen := int(float64(len(samples)) / ratio)
	out := make([]int16, 0, outLen)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out = append(out, samples[len(samples)-1])
			continue
		}
		frac := pos - float64(idx)
		s1 := float64(samples[idx])
		s2 := float64(samples[idx+1])
		out = append(out, int16(s1*(1-frac)+s2*frac))
	}
	return out
}

// bytesToSamples reads little-endian 16-bit PCM.
func bytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// samplesToBytes writes little-endian 16-bit PCM into dst, which must hold
// 2*len(samples) bytes.
func samplesToBytes(dst []byte, samples []int16) {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
}

// EncodeWAV wraps mono 16-bit samples in a minimal RIFF/WAVE container.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	dataLen := len(samples) * 2
	buf := make([]byte, 44+dataLen)
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+dataLen))
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:], 1)
	binary.LittleEndian.PutUint32(buf[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:], 2)
	binary.LittleEndian.PutUint16(buf[34:], 16)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(dataLen))
	samplesToBytes(buf[44:], samples)
	return buf
}
