package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sebas/dialtest/internal/router/routing"
)

// Event types the webhook understands. Both the Event Grid names and the
// short forms are accepted.
const (
	eventSubscriptionValidation = "Microsoft.EventGrid.SubscriptionValidationEvent"
	eventIncomingCall           = "Microsoft.Communication.IncomingCall"
)

// gridEvent is one Event Grid or CloudEvents envelope.
type gridEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	Type      string          `json:"type"` // CloudEvents schema
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
}

func (e gridEvent) kind() string {
	if e.EventType != "" {
		return e.EventType
	}
	return e.Type
}

func isValidation(kind string) bool {
	return kind == eventSubscriptionValidation || kind == "SubscriptionValidation"
}

func isIncomingCall(kind string) bool {
	return kind == eventIncomingCall || kind == "IncomingCall"
}

type validationData struct {
	ValidationCode string `json:"validationCode"`
}

type incomingCallData struct {
	From struct {
		RawID       string `json:"rawId"`
		PhoneNumber struct {
			Value string `json:"value"`
		} `json:"phoneNumber"`
	} `json:"from"`
	IncomingCallContext string `json:"incomingCallContext"`
	CorrelationID       string `json:"correlationId"`
	ServerCallID        string `json:"serverCallId"`
}

// parseEvents accepts a single event object or an array of them.
func parseEvents(body []byte) ([]gridEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var list []gridEvent
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var one gridEvent
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, err
	}
	return []gridEvent{one}, nil
}

// incomingCall extracts the routing input from an IncomingCall event. The
// caller is the phone number when present, otherwise the raw id with its
// "4:" phone prefix removed.
func incomingCall(e gridEvent) (routing.IncomingCall, error) {
	var d incomingCallData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return routing.IncomingCall{}, err
	}
	caller := d.From.PhoneNumber.Value
	if caller == "" {
		caller = strings.TrimPrefix(d.From.RawID, "4:")
	}
	if caller == "" {
		return routing.IncomingCall{}, errors.New("incoming call has no caller")
	}
	id := d.CorrelationID
	if id == "" {
		id = e.ID
	}
	return routing.IncomingCall{
		CallerNumber:        caller,
		IncomingCallContext: d.IncomingCallContext,
		CorrelationID:       id,
	}, nil
}
