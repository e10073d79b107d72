// Package provider defines the calling-provider contract the call controller
// drives. The SIP implementation lives in package sipphone.
package provider

import (
	"context"
	"fmt"

	"github.com/sebas/dialtest/internal/softphone/dtmf"
)

// CallRef is the provider's opaque handle for one call.
type CallRef string

// Agent is an initialized calling identity.
type Agent struct {
	Identity string
}

// Media is an outbound audio source of 20ms mono frames at 8kHz.
type Media interface {
	ReadFrame(ctx context.Context) ([]int16, error)
}

// Provider places, receives and controls calls. For every method ctx bounds
// the request itself, never the lifetime of the call it creates.
type Provider interface {
	CreateAgent(ctx context.Context, token, identity string) (Agent, error)
	StartOutboundCall(ctx context.Context, agent Agent, destination string, media Media) (CallRef, error)
	AcceptIncoming(ctx context.Context, ref CallRef, media Media) error
	RejectIncoming(ctx context.Context, ref CallRef) error
	HangUp(ctx context.Context, ref CallRef) error
	Mute(ctx context.Context, ref CallRef) error
	Unmute(ctx context.Context, ref CallRef) error
	SendTone(ctx context.Context, ref CallRef, tone dtmf.Tone) error

	// Events delivers provider notifications in the order they happened.
	Events() <-chan Event
}

// CallState is the provider-side state of one call.
type CallState int

const (
	CallConnecting CallState = iota
	CallRinging
	CallConnected
	CallDisconnected
)

func (s CallState) String() string {
	switch s {
	case CallConnecting:
		return "Connecting"
	case CallRinging:
		return "Ringing"
	case CallConnected:
		return "Connected"
	case CallDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("CallState(%d)", int(s))
	}
}

// EventKind discriminates provider notifications.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventMuteChanged
	EventIncomingCall
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "stateChanged"
	case EventMuteChanged:
		return "muteChanged"
	case EventIncomingCall:
		return "incomingCall"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one provider notification.
type Event struct {
	Kind  EventKind
	Call  CallRef
	State CallState // EventStateChanged
	Muted bool      // EventMuteChanged

	// Caller identifies the remote party of an EventIncomingCall.
	Caller string

	// Reason explains a CallDisconnected state, e.g. "486 Busy Here".
	Reason string
}

// StateChanged builds an EventStateChanged.
func StateChanged(ref CallRef, state CallState, reason string) Event {
	return Event{Kind: EventStateChanged, Call: ref, State: state, Reason: reason}
}

// MuteChanged builds an EventMuteChanged.
func MuteChanged(ref CallRef, muted bool) Event {
	return Event{Kind: EventMuteChanged, Call: ref, Muted: muted}
}

// IncomingCall builds an EventIncomingCall.
func IncomingCall(ref CallRef, caller string) Event {
	return Event{Kind: EventIncomingCall, Call: ref, Caller: caller}
}
