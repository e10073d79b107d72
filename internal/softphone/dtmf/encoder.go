package dtmf

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultPacing is the gap between consecutive tones of a batch. Legacy IVR
// detectors need a minimum silence to register discrete digits.
const DefaultPacing = 300 * time.Millisecond

// Sender delivers one tone to the active call.
type Sender interface {
	SendTone(ctx context.Context, tone Tone) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, tone Tone) error

// SendTone implements Sender.
func (f SenderFunc) SendTone(ctx context.Context, tone Tone) error { return f(ctx, tone) }

// Encoder sends keypad strings as paced tone batches.
type Encoder struct {
	sender Sender
	pacing time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewEncoder creates an encoder. A non-positive pacing uses DefaultPacing.
func NewEncoder(sender Sender, pacing time.Duration) *Encoder {
	if pacing <= 0 {
		pacing = DefaultPacing
	}
	return &Encoder{sender: sender, pacing: pacing, sleep: sleepCtx}
}

// Pacing returns the inter-tone delay.
func (e *Encoder) Pacing() time.Duration { return e.pacing }

// Send encodes s and sends every tone in order, waiting the pacing delay
// between tones. It returns the tones sent before any error.
func (e *Encoder) Send(ctx context.Context, s string) ([]Tone, error) {
	tones := Encode(s)
	sent := make([]Tone, 0, len(tones))
	for i, t := range tones {
		if i > 0 {
			if err := e.sleep(ctx, e.pacing); err != nil {
				return sent, err
			}
		}
		if err := e.sender.SendTone(ctx, t); err != nil {
			return sent, fmt.Errorf("send tone %s: %w", t, err)
		}
		sent = append(sent, t)
	}
	if len(tones) > 0 {
		slog.Debug("[DTMF] Sent tones", "input", s, "count", len(sent))
	}
	return sent, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
