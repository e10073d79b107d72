package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/dialtest/internal/errs"
)

var (
	// ErrClipBusy is returned when a clip is already playing.
	ErrClipBusy = errors.New("another clip is playing")
	// ErrGraphClosed is returned to an injection cut short by Close.
	ErrGraphClosed = errors.New("audio graph closed")
)

type graphState int

const (
	graphIdle graphState = iota
	graphRunning
	graphClosed
)

func (s graphState) String() string {
	switch s {
	case graphIdle:
		return "idle"
	case graphRunning:
		return "running"
	case graphClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a Graph. Zero values use the package defaults.
type Options struct {
	Open      Opener
	MicGain   float64
	ClipGain  float64
	KeepAlive float64

	// StreamDepth is how many 20ms frames the mix bus buffers for its reader.
	StreamDepth int

	// Ticks overrides the frame clock. It returns the tick channel and a stop
	// function. Nil uses a FrameDuration ticker.
	Ticks func() (<-chan time.Time, func())
}

type activeClip struct {
	samples []int16
	pos     int
	done    chan struct{}
	err     error
}

// Graph is the process-wide mixing pipeline. It is built on first use and
// stays up across calls; only Close releases it.
type Graph struct {
	opts Options

	mu      sync.Mutex
	state   graphState
	device  Device
	stream  *Stream
	keep    *keepAlive
	monitor *Monitor
	mic     *sampleFIFO
	clip    *activeClip
	stop    func()
	done    chan struct{}
	builds  int
	frames  uint64
}

// NewGraph creates an unbuilt graph.
func NewGraph(opts Options) *Graph {
	if opts.Open == nil {
		opts.Open = OpenNull
	}
	if opts.MicGain == 0 {
		opts.MicGain = DefaultMicGain
	}
	if opts.ClipGain == 0 {
		opts.ClipGain = DefaultClipGain
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = KeepAliveAmplitude
	}
	if opts.StreamDepth <= 0 {
		opts.StreamDepth = 5
	}
	if opts.Ticks == nil {
		opts.Ticks = func() (<-chan time.Time, func()) {
			t := time.NewTicker(FrameDuration)
			return t.C, t.Stop
		}
	}
	return &Graph{opts: opts, monitor: newMonitor()}
}

// Stream returns the mix-bus output, building the graph if needed. Once
// built it returns the same stream on every call.
func (g *Graph) Stream(ctx context.Context) (*Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.state == graphRunning {
		return g.stream, nil
	}
	if err := g.buildLocked(); err != nil {
		return nil, err
	}
	return g.stream, nil
}

// buildLocked opens the device, then starts the keep-alive and the frame
// clock. Nothing is left running if the microphone cannot be opened.
func (g *Graph) buildLocked() error {
	mic := newSampleFIFO(SampleRate / 5)
	g.monitor.reset()

	device, err := g.opts.Open()
	if err == nil {
		err = device.Start(mic.Write, g.monitor.Fill)
		if err != nil {
			_ = device.Close()
		}
	}
	if err != nil {
		slog.Warn("[Audio] Microphone unavailable", "error", err)
		return fmt.Errorf("%w: %v", errs.ErrPermissionDenied, err)
	}

	ticks, stopTicks := g.opts.Ticks()
	quit := make(chan struct{})
	g.done = make(chan struct{})
	g.stop = func() {
		close(quit)
		stopTicks()
	}
	g.device = device
	g.mic = mic
	g.keep = newKeepAlive(KeepAliveFrequency, g.opts.KeepAlive)
	g.stream = newStream(g.opts.StreamDepth)
	g.state = graphRunning
	g.builds++
	go g.run(ticks, quit, g.done)

	slog.Info("[Audio] Graph built",
		"sample_rate", SampleRate,
		"mic_gain", g.opts.MicGain,
		"clip_gain", g.opts.ClipGain,
		"builds", g.builds,
	)
	return nil
}

func (g *Graph) run(ticks <-chan time.Time, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			g.renderFrame()
		}
	}
}

// renderFrame produces one 20ms frame on the mix bus.
func (g *Graph) renderFrame() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stream == nil {
		return
	}

	acc := make([]float64, FrameSamples)
	g.keep.addTo(acc)

	mic := make([]int16, FrameSamples)
	if g.mic.Read(mic) > 0 {
		for i, s := range mic {
			acc[i] += float64(s) * g.opts.MicGain
		}
	}

	if c := g.clip; c != nil {
		n := min(FrameSamples, len(c.samples)-c.pos)
		local := make([]int16, n)
		for i := 0; i < n; i++ {
			v := float64(c.samples[c.pos+i]) * g.opts.ClipGain
			acc[i] += v
			local[i] = clamp16(v)
		}
		c.pos += n
		g.monitor.Write(LaneClip, local)
		if c.pos >= len(c.samples) {
			g.clip = nil
			close(c.done)
		}
	}

	frame := make([]int16, FrameSamples)
	for i, v := range acc {
		frame[i] = clamp16(v)
	}
	g.stream.push(frame)
	g.frames++
}

// InjectClip decodes raw WAV bytes and plays them once through the mix bus
// and the local monitor. It returns when playback completes. The microphone
// and keep-alive keep running whatever the outcome.
func (g *Graph) InjectClip(ctx context.Context, raw []byte) error {
	clip, err := DecodeWAV(raw)
	if err != nil {
		return fmt.Errorf("%w: decode: %w", errs.ErrInjectionFailed, err)
	}
	samples := Resample(clip.Samples, clip.SampleRate, SampleRate)
	if len(samples) == 0 {
		return fmt.Errorf("%w: clip is empty", errs.ErrInjectionFailed)
	}

	g.mu.Lock()
	if g.state != graphRunning {
		slog.Info("[Audio] Graph not running, rebuilding for injection", "state", g.state)
		if err := g.buildLocked(); err != nil {
			g.mu.Unlock()
			return fmt.Errorf("%w: rebuild graph: %w", errs.ErrInjectionFailed, err)
		}
	}
	if g.clip != nil {
		g.mu.Unlock()
		return fmt.Errorf("%w: %w", errs.ErrInjectionFailed, ErrClipBusy)
	}
	active := &activeClip{samples: samples, done: make(chan struct{})}
	g.clip = active
	g.mu.Unlock()

	slog.Info("[Audio] Injecting clip",
		"samples", len(samples),
		"duration", time.Duration(len(samples))*time.Second/SampleRate,
	)

	select {
	case <-active.done:
		if active.err != nil {
			return fmt.Errorf("%w: %w", errs.ErrInjectionFailed, active.err)
		}
		slog.Debug("[Audio] Clip finished")
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		if g.clip == active {
			g.clip = nil
		}
		g.mu.Unlock()
		return fmt.Errorf("%w: %w", errs.ErrInjectionFailed, ctx.Err())
	}
}

// CheckPermission verifies that the microphone can be opened. A running
// graph already holds the microphone.
func (g *Graph) CheckPermission(ctx context.Context) error {
	g.mu.Lock()
	running := g.state == graphRunning
	g.mu.Unlock()
	if running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	device, err := g.opts.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrPermissionDenied, err)
	}
	defer device.Close()
	if err := device.Start(func([]int16) {}, nil); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrPermissionDenied, err)
	}
	return nil
}

// Monitor returns the local speaker mix. Remote call audio is written to
// its LaneRemote lane.
func (g *Graph) Monitor() *Monitor {
	return g.monitor
}

// Running reports whether the graph is built and clocking.
func (g *Graph) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == graphRunning
}

// Playing reports whether a clip is being injected.
func (g *Graph) Playing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clip != nil
}

// Stats returns how many times the graph was built and frames rendered.
func (g *Graph) Stats() (builds int, frames uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.builds, g.frames
}

// Close releases the device and stops the clock. Only process teardown
// calls it; a later Stream or InjectClip rebuilds.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.state != graphRunning {
		g.mu.Unlock()
		return nil
	}
	g.state = graphClosed
	stop, done, device, stream := g.stop, g.done, g.device, g.stream
	if c := g.clip; c != nil {
		c.err = ErrGraphClosed
		close(c.done)
		g.clip = nil
	}
	g.device, g.stream, g.stop, g.done = nil, nil, nil, nil
	g.mu.Unlock()

	stop()
	<-done
	stream.close()
	slog.Info("[Audio] Graph closed")
	return device.Close()
}
