package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	types "github.com/sebas/dialtest/api/types/v1"
	"github.com/sebas/dialtest/internal/errs"
	"github.com/sebas/dialtest/internal/softphone/call"
	"github.com/sebas/dialtest/internal/softphone/dtmf"
)

// Phone is the call controller as the API drives it.
// Implemented by call.Controller.
type Phone interface {
	StartCall(ctx context.Context, destination string) error
	AcceptIncoming(ctx context.Context) error
	RejectIncoming(ctx context.Context) error
	EndCall(ctx context.Context) error
	ToggleMute(ctx context.Context) error
	InjectClip(ctx context.Context, raw []byte) error
	VirtualAudioActive() bool
	Snapshot() call.Session
}

// Keypad sends digit strings. Implemented by dtmf.Encoder.
type Keypad interface {
	Send(ctx context.Context, s string) ([]dtmf.Tone, error)
}

// Synthesizer turns text into a WAV clip. Implemented by speech.Synthesizer.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Voice() string
}

const maxBodyBytes = 64 << 10

// Server is the softphone's local control API
type Server struct {
	addr       string
	httpServer *http.Server
	phone      Phone
	keypad     Keypad
	speech     Synthesizer
	startTime  time.Time
}

// NewServer creates the control API. speech may be nil, which disables
// /api/v1/speak.
func NewServer(addr string, phone Phone, keypad Keypad, speech Synthesizer) *Server {
	s := &Server{
		addr:      addr,
		phone:     phone,
		keypad:    keypad,
		speech:    speech,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/state", s.handleState)

	// Call control
	mux.HandleFunc("POST /api/v1/call", s.handleCall)
	mux.HandleFunc("POST /api/v1/accept", s.handleAccept)
	mux.HandleFunc("POST /api/v1/reject", s.handleReject)
	mux.HandleFunc("POST /api/v1/hangup", s.handleHangup)
	mux.HandleFunc("POST /api/v1/mute", s.handleMute)

	// In-call audio
	mux.HandleFunc("POST /api/v1/dtmf", s.handleDTMF)
	mux.HandleFunc("POST /api/v1/speak", s.handleSpeak)
	mux.HandleFunc("POST /api/v1/inject", s.handleInject)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routes for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("[API] Starting control API", "addr", s.addr)
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// --- Health & State ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, types.HealthResponse{
		Status: "ok",
		Uptime: int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, stateResponse(s.phone.Snapshot()))
}

func stateResponse(sess call.Session) types.CallState {
	resp := types.CallState{
		State:       sess.State.String(),
		CallID:      string(sess.ID),
		Remote:      sess.RemoteIdentity,
		Muted:       sess.Muted,
		MutePending: sess.MutePending,
		Mixed:       sess.MixedMedia,
		Duration:    int64(sess.Duration.Seconds()),
		EndReason:   sess.EndReason,
	}
	if sess.State != call.StateIdle {
		resp.Direction = sess.Direction.String()
	}
	if !sess.StartedAt.IsZero() {
		resp.StartedAt = sess.StartedAt.Format(time.RFC3339)
	}
	return resp
}

// --- Call control ---

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req types.CallRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.phone.StartCall(r.Context(), req.Destination); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, stateResponse(s.phone.Snapshot()))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.simple(w, r, s.phone.AcceptIncoming)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.simple(w, r, s.phone.RejectIncoming)
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	s.simple(w, r, s.phone.EndCall)
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	s.simple(w, r, s.phone.ToggleMute)
}

func (s *Server) simple(w http.ResponseWriter, r *http.Request, op func(context.Context) error) {
	if err := op(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stateResponse(s.phone.Snapshot()))
}

// --- In-call audio ---

func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	var req types.DTMFRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Digits == "" {
		s.writeStatus(w, http.StatusBadRequest, "digits is required", "")
		return
	}
	sent, err := s.keypad.Send(r.Context(), req.Digits)
	resp := types.DTMFResponse{Tones: make([]string, len(sent))}
	for i, t := range sent {
		resp.Tones[i] = string(t)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	if s.speech == nil {
		s.writeStatus(w, http.StatusNotImplemented, "speech synthesis not configured", "")
		return
	}
	var req types.SpeakRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Text == "" {
		s.writeStatus(w, http.StatusBadRequest, "text is required", "")
		return
	}
	// Fail before spending a synthesis request on a call that cannot take it.
	if !s.phone.VirtualAudioActive() {
		s.writeError(w, call.ErrVirtualAudio)
		return
	}

	clip, err := s.speech.Synthesize(r.Context(), req.Text)
	if err != nil {
		slog.Warn("[API] Speech synthesis failed", "error", err)
		s.writeStatus(w, http.StatusBadGateway, err.Error(), "SynthesisFailed")
		return
	}
	if err := s.phone.InjectClip(r.Context(), clip); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, types.SpeakResponse{Voice: s.speech.Voice(), Bytes: len(clip)})
}

// handleInject plays a WAV body into the call as is.
func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, "read body: "+err.Error(), "")
		return
	}
	if err := s.phone.InjectClip(r.Context(), raw); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, types.SpeakResponse{Bytes: len(raw)})
}

// --- Helpers ---

// statusFor maps error kinds to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrProviderNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrSetupFailed):
		return http.StatusBadGateway
	case errors.Is(err, errs.ErrInjectionFailed),
		errors.Is(err, call.ErrInvalidState),
		errors.Is(err, call.ErrCallActive),
		errors.Is(err, call.ErrVirtualAudio):
		return http.StatusConflict
	case errors.Is(err, call.ErrInvalidDestination):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func kindFor(err error) string {
	if k := errs.Kind(err); k != "" {
		return k
	}
	switch {
	case errors.Is(err, call.ErrInvalidState), errors.Is(err, call.ErrCallActive), errors.Is(err, call.ErrVirtualAudio):
		return "InvalidState"
	case errors.Is(err, call.ErrInvalidDestination):
		return "BadInput"
	}
	return ""
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("[API] Request failed", "status", status, "error", err)
	} else {
		slog.Debug("[API] Request rejected", "status", status, "error", err)
	}
	s.writeStatus(w, status, err.Error(), kindFor(err))
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, msg, kind string) {
	s.writeJSON(w, status, types.ErrorResponse{Error: msg, Kind: kind})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "BadInput")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
