// Package types defines the JSON types shared by the router, the softphone
// and their clients.
package types

// HealthResponse is the response from /api/v1/health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
}

// ErrorResponse is returned with every non-2xx status from the control API
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// CallState is the response from /api/v1/state
type CallState struct {
	State       string `json:"state"`
	Direction   string `json:"direction,omitempty"`
	CallID      string `json:"call_id,omitempty"`
	Remote      string `json:"remote,omitempty"`
	Muted       bool   `json:"muted"`
	MutePending bool   `json:"mute_pending,omitempty"`
	Mixed       bool   `json:"mixed"`
	Duration    int64  `json:"duration"`
	EndReason   string `json:"end_reason,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
}

// CallRequest is the body of POST /api/v1/call
type CallRequest struct {
	Destination string `json:"destination"`
}

// DTMFRequest is the body of POST /api/v1/dtmf
type DTMFRequest struct {
	Digits string `json:"digits"`
}

// DTMFResponse lists the tones that were sent
type DTMFResponse struct {
	Tones []string `json:"tones"`
}

// SpeakRequest is the body of POST /api/v1/speak
type SpeakRequest struct {
	Text string `json:"text"`
}

// SpeakResponse describes the injected clip
type SpeakResponse struct {
	Voice string `json:"voice"`
	Bytes int    `json:"bytes"`
}

// AgentRegisterRequest is the body of POST /api/agents/register
type AgentRegisterRequest struct {
	UserID string `json:"userId"`
}

// AgentsResponse is the response from GET /api/agents
type AgentsResponse struct {
	Agents []string `json:"agents"`
	Count  int      `json:"count"`
}

// CallRecord is one entry of the router's call history
type CallRecord struct {
	CallID    string `json:"callId"`
	Caller    string `json:"caller,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Notes     string `json:"notes,omitempty"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// NotesRequest is the body of POST /api/calls/notes
type NotesRequest struct {
	CallID string `json:"callId"`
	Notes  string `json:"notes"`
}

// NotesResponse is returned with 201 from POST /api/calls/notes
type NotesResponse struct {
	Message string     `json:"message"`
	Record  CallRecord `json:"record"`
}

// HistoryResponse is the response from GET /api/calls/history
type HistoryResponse struct {
	History []CallRecord `json:"history"`
}

// ValidationResponse answers an Event Grid subscription validation
type ValidationResponse struct {
	ValidationResponse string `json:"validationResponse"`
}

// SpeechTokenResponse is the response from GET /api/speech/token
type SpeechTokenResponse struct {
	Token  string `json:"token"`
	Region string `json:"region"`
}

// RouterHealth is the response from the router's /health
type RouterHealth struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Agent channel message types
const (
	MessageRegister   = "REGISTER"
	MessageCallRouted = "CALL_ROUTED"
)

// AgentMessage is a frame on the router's /ws agent channel
type AgentMessage struct {
	Type         string `json:"type"`
	UserID       string `json:"userId,omitempty"`
	CallerNumber string `json:"callerNumber,omitempty"`
	CallID       string `json:"callId,omitempty"`
	At           string `json:"at,omitempty"`
}
