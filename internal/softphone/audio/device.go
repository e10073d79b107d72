package audio

// Device is a full-duplex audio endpoint clocked at SampleRate, mono 16-bit.
type Device interface {
	// Start begins delivering microphone samples to capture and pulling
	// speaker samples from playback. Both callbacks run on the device's
	// own thread.
	Start(capture func(samples []int16), playback func(out []int16)) error
	Close() error
}

// Opener opens the process audio device. An error means capture is not
// available to this process.
type Opener func() (Device, error)

// nullDevice captures nothing and plays nothing. Headless softphones use it;
// the keep-alive tone keeps the mix bus non-silent.
type nullDevice struct{}

// OpenNull is an Opener for hosts without audio hardware.
func OpenNull() (Device, error) {
	return &nullDevice{}, nil
}

func (d *nullDevice) Start(func([]int16), func([]int16)) error { return nil }

func (d *nullDevice) Close() error { return nil }
