package dtmf

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

type recorder struct {
	events []string
	failOn Tone
}

func (r *recorder) SendTone(_ context.Context, t Tone) error {
	if t == r.failOn {
		return errors.New("provider refused")
	}
	r.events = append(r.events, "tone:"+string(t))
	return nil
}

func newTestEncoder(r *recorder, pacing time.Duration) *Encoder {
	e := NewEncoder(r, pacing)
	e.sleep = func(_ context.Context, d time.Duration) error {
		r.events = append(r.events, "wait:"+d.String())
		return nil
	}
	return e
}

func TestEncodeMapping(t *testing.T) {
	got := Encode("0123456789*#ABCD")
	want := []Tone{Num0, Num1, Num2, Num3, Num4, Num5, Num6, Num7, Num8, Num9, Star, Pound, A, B, C, D}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Encode = %v, want %v", got, want)
	}
}

func TestEncodeSkipsUnknown(t *testing.T) {
	got := Encode("1x9")
	want := []Tone{Num1, Num9}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Encode(1x9) = %v, want %v", got, want)
	}
	if got := Encode("  -+"); len(got) != 0 {
		t.Errorf("Encode of junk = %v, want empty", got)
	}
}

func TestSendPacesBetweenTones(t *testing.T) {
	r := &recorder{}
	e := newTestEncoder(r, 250*time.Millisecond)

	sent, err := e.Send(context.Background(), "1*9#")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !reflect.DeepEqual(sent, []Tone{Num1, Star, Num9, Pound}) {
		t.Errorf("sent = %v", sent)
	}
	want := []string{
		"tone:Num1", "wait:250ms",
		"tone:Star", "wait:250ms",
		"tone:Num9", "wait:250ms",
		"tone:Pound",
	}
	if !reflect.DeepEqual(r.events, want) {
		t.Errorf("events = %v, want %v", r.events, want)
	}
}

func TestSendStopsOnError(t *testing.T) {
	r := &recorder{failOn: Num9}
	e := newTestEncoder(r, time.Millisecond)

	sent, err := e.Send(context.Background(), "159")
	if err == nil {
		t.Fatal("expected error")
	}
	if !reflect.DeepEqual(sent, []Tone{Num1, Num5}) {
		t.Errorf("sent = %v", sent)
	}
}

func TestSendHonoursCancellation(t *testing.T) {
	r := &recorder{}
	e := NewEncoder(r, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sent, err := e.Send(ctx, "12")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(sent) != 1 {
		t.Errorf("sent = %v, want only the first tone", sent)
	}
}

func TestDefaultPacing(t *testing.T) {
	if got := NewEncoder(&recorder{}, 0).Pacing(); got != DefaultPacing {
		t.Errorf("Pacing = %v, want %v", got, DefaultPacing)
	}
}

func TestToneCodes(t *testing.T) {
	for i, r := range "0123456789*#ABCD" {
		tone, ok := ToneForRune(r)
		if !ok {
			t.Fatalf("no tone for %c", r)
		}
		code, ok := tone.Code()
		if !ok || int(code) != i {
			t.Errorf("%s code = %d, want %d", tone, code, i)
		}
		if tone.Rune() != r {
			t.Errorf("%s rune = %c, want %c", tone, tone.Rune(), r)
		}
		if back, ok := ToneForCode(code); !ok || back != tone {
			t.Errorf("ToneForCode(%d) = %s, want %s", code, back, tone)
		}
	}
	if _, ok := ToneForCode(16); ok {
		t.Error("code 16 has no tone")
	}
	if _, err := ParseTone("Hash"); err == nil {
		t.Error("ParseTone should reject unknown names")
	}
}
