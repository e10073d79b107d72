package audio

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamClosed is returned by ReadFrame once the graph has been released.
var ErrStreamClosed = errors.New("audio stream closed")

// Stream is the mix-bus output: a bounded queue of 20ms frames. When no one
// reads (between calls) the oldest frames are dropped so the clock never
// blocks and a new reader starts close to live.
type Stream struct {
	mu      sync.Mutex
	frames  [][]int16
	depth   int
	notify  chan struct{}
	closed  bool
	dropped uint64
}

func newStream(depth int) *Stream {
	return &Stream{depth: depth, notify: make(chan struct{}, 1)}
}

func (s *Stream) push(frame []int16) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.frames) >= s.depth {
		s.frames = s.frames[1:]
		s.dropped++
	}
	s.frames = append(s.frames, frame)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// ReadFrame blocks until the next frame is available.
func (s *Stream) ReadFrame(ctx context.Context) ([]int16, error) {
	for {
		s.mu.Lock()
		if len(s.frames) > 0 {
			f := s.frames[0]
			s.frames = s.frames[1:]
			s.mu.Unlock()
			return f, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrStreamClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// Dropped returns how many frames were discarded for lack of a reader.
func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Stream) close() {
	s.mu.Lock()
	s.closed = true
	s.frames = nil
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Monitor is the local speaker mix. Each named lane is an independent
// sample queue; the playback callback sums all lanes.
type Monitor struct {
	mu    sync.Mutex
	lanes map[string]*sampleFIFO
	order []string
}

// Monitor lanes
const (
	LaneRemote = "remote"
	LaneClip   = "clip"
)

func newMonitor() *Monitor {
	return &Monitor{lanes: make(map[string]*sampleFIFO)}
}

// Write queues samples on a lane for local playback.
func (m *Monitor) Write(lane string, samples []int16) {
	m.mu.Lock()
	f, ok := m.lanes[lane]
	if !ok {
		// 500ms of headroom per lane
		f = newSampleFIFO(SampleRate / 2)
		m.lanes[lane] = f
		m.order = append(m.order, lane)
	}
	m.mu.Unlock()
	f.Write(samples)
}

// Fill mixes every lane into out, zero where nothing is queued.
func (m *Monitor) Fill(out []int16) {
	m.mu.Lock()
	lanes := make([]*sampleFIFO, 0, len(m.order))
	for _, name := range m.order {
		lanes = append(lanes, m.lanes[name])
	}
	m.mu.Unlock()

	acc := make([]float64, len(out))
	tmp := make([]int16, len(out))
	for _, f := range lanes {
		if f.Read(tmp) == 0 {
			continue
		}
		for i, s := range tmp {
			acc[i] += float64(s)
		}
	}
	for i, v := range acc {
		out[i] = clamp16(v)
	}
}

// Pending returns the queued sample count of a lane.
func (m *Monitor) Pending(lane string) int {
	m.mu.Lock()
	f, ok := m.lanes[lane]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return f.Len()
}

func (m *Monitor) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.lanes {
		f.Reset()
	}
}
