package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
)

// malgoDevice drives the default capture and playback endpoints through
// miniaudio. miniaudio converts to and from the hardware rate.
type malgoDevice struct {
	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	device *malgo.Device
}

// OpenMalgo initializes the miniaudio context. Capture itself is opened by
// Start so a refused microphone surfaces there.
func OpenMalgo() (Device, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("[Audio] miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &malgoDevice{mctx: mctx}, nil
}

func (d *malgoDevice) Start(capture func([]int16), playback func([]int16)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cfg := malgo.DefaultDeviceConfig(malgo.Duplex)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = SampleRate
	cfg.PeriodSizeInMilliseconds = uint32(FrameDuration.Milliseconds())
	cfg.Alsa.NoMMap = 1

	var in, out []int16
	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil && capture != nil {
			n := len(pInput) / 2
			if cap(in) < n {
				in = make([]int16, n)
			}
			in = in[:n]
			for i := range in {
				in[i] = int16(uint16(pInput[2*i]) | uint16(pInput[2*i+1])<<8)
			}
			capture(in)
		}
		if pOutput != nil {
			n := len(pOutput) / 2
			if cap(out) < n {
				out = make([]int16, n)
			}
			out = out[:n]
			if playback != nil {
				playback(out)
			} else {
				clear(out)
			}
			samplesToBytes(pOutput, out)
		}
	}

	device, err := malgo.InitDevice(d.mctx.Context, cfg, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		return fmt.Errorf("open capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("start capture device: %w", err)
	}
	d.device = device
	slog.Info("[Audio] Device started", "sample_rate", SampleRate)
	return nil
}

func (d *malgoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device != nil {
		d.device.Uninit()
		d.device = nil
	}
	if d.mctx != nil {
		err := d.mctx.Uninit()
		d.mctx.Free()
		d.mctx = nil
		if err != nil {
			return fmt.Errorf("release audio context: %w", err)
		}
	}
	return nil
}
