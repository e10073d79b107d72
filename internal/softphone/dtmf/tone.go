// Package dtmf maps keypad input to provider tone symbols and paces them
// onto a live call.
package dtmf

import "fmt"

// Tone is a provider tone symbol.
type Tone string

// Tone symbols. The names are part of the provider contract.
const (
	Num0  Tone = "Num0"
	Num1  Tone = "Num1"
	Num2  Tone = "Num2"
	Num3  Tone = "Num3"
	Num4  Tone = "Num4"
	Num5  Tone = "Num5"
	Num6  Tone = "Num6"
	Num7  Tone = "Num7"
	Num8  Tone = "Num8"
	Num9  Tone = "Num9"
	Star  Tone = "Star"
	Pound Tone = "Pound"
	A     Tone = "A"
	B     Tone = "B"
	C     Tone = "C"
	D     Tone = "D"
)

var digitTones = [10]Tone{Num0, Num1, Num2, Num3, Num4, Num5, Num6, Num7, Num8, Num9}

// ToneForRune maps one keypad character to its tone.
func ToneForRune(r rune) (Tone, bool) {
	switch {
	case r >= '0' && r <= '9':
		return digitTones[r-'0'], true
	case r == '*':
		return Star, true
	case r == '#':
		return Pound, true
	case r == 'A' || r == 'a':
		return A, true
	case r == 'B' || r == 'b':
		return B, true
	case r == 'C' || r == 'c':
		return C, true
	case r == 'D' || r == 'd':
		return D, true
	}
	return "", false
}

// Encode maps s to its tone sequence, skipping characters that have no tone.
func Encode(s string) []Tone {
	tones := make([]Tone, 0, len(s))
	for _, r := range s {
		if t, ok := ToneForRune(r); ok {
			tones = append(tones, t)
		}
	}
	return tones
}

// Code returns the RFC 4733 telephone-event code for t.
func (t Tone) Code() (uint8, bool) {
	switch t {
	case Star:
		return 10, true
	case Pound:
		return 11, true
	case A:
		return 12, true
	case B:
		return 13, true
	case C:
		return 14, true
	case D:
		return 15, true
	}
	for i, d := range digitTones {
		if t == d {
			return uint8(i), true
		}
	}
	return 0, false
}

var codeTones = [16]Tone{Num0, Num1, Num2, Num3, Num4, Num5, Num6, Num7, Num8, Num9, Star, Pound, A, B, C, D}

// ToneForCode maps an RFC 4733 telephone-event code back to its tone.
func ToneForCode(code uint8) (Tone, bool) {
	if int(code) >= len(codeTones) {
		return "", false
	}
	return codeTones[code], true
}

// Rune returns the keypad character for t.
func (t Tone) Rune() rune {
	code, ok := t.Code()
	if !ok {
		return '?'
	}
	return rune("0123456789*#ABCD"[code])
}

// ParseTone validates a tone symbol name.
func ParseTone(name string) (Tone, error) {
	t := Tone(name)
	if _, ok := t.Code(); !ok {
		return "", fmt.Errorf("unknown tone symbol %q", name)
	}
	return t, nil
}
