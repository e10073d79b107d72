// Package audio owns the softphone's single mixing graph: live microphone,
// a keep-alive tone and injected speech clips, summed into one stream that
// is used as outbound call media.
package audio

import (
	"math"
	"sync"
	"time"
)

// Graph clock. It matches the PCMU call leg so frames go on the wire as-is.
const (
	SampleRate    = 8000
	FrameDuration = 20 * time.Millisecond
	FrameSamples  = SampleRate * int(FrameDuration) / int(time.Second)
)

// Fixed gains, tuned so the far-end IVR hears the tester clearly.
const (
	DefaultMicGain  = 1.5
	DefaultClipGain = 2.0

	// Keep-alive tone: inaudible, but never perfect digital silence.
	KeepAliveFrequency = 10.0
	KeepAliveAmplitude = 0.001
)

// clamp16 saturates a mixed sample into int16 range.
func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// sampleFIFO is a bounded sample queue. Writes beyond capacity drop the
// oldest samples so a stalled reader never grows memory or latency.
type sampleFIFO struct {
	mu  sync.Mutex
	buf []int16
	max int
}

func newSampleFIFO(max int) *sampleFIFO {
	return &sampleFIFO{max: max}
}

func (f *sampleFIFO) Write(samples []int16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = append(f.buf, samples...)
	if over := len(f.buf) - f.max; over > 0 {
		f.buf = append(f.buf[:0], f.buf[over:]...)
	}
}

// Read fills dst with queued samples and zero-pads the rest. It returns the
// number of real samples copied.
func (f *sampleFIFO) Read(dst []int16) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(dst, f.buf)
	f.buf = append(f.buf[:0], f.buf[n:]...)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return n
}

func (f *sampleFIFO) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

func (f *sampleFIFO) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = f.buf[:0]
}

// keepAlive generates a continuous low-level sine across frame boundaries.
type keepAlive struct {
	phase     float64
	step      float64
	amplitude float64
}

func newKeepAlive(freq, amplitude float64) *keepAlive {
	return &keepAlive{
		step:      2 * math.Pi * freq / SampleRate,
		amplitude: amplitude * math.MaxInt16,
	}
}

// addTo mixes the next len(acc) tone samples into acc.
func (k *keepAlive) addTo(acc []float64) {
	for i := range acc {
		acc[i] += k.amplitude * math.Sin(k.phase)
		k.phase += k.step
		if k.phase >= 2*math.Pi {
			k.phase -= 2 * math.Pi
		}
	}
}
