// Package api serves the router's HTTP surface: the provider webhook, the
// agent endpoints, call notes and the speech token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	types "github.com/sebas/dialtest/api/types/v1"
	"github.com/sebas/dialtest/internal/errs"
	"github.com/sebas/dialtest/internal/router/events"
	"github.com/sebas/dialtest/internal/router/history"
	"github.com/sebas/dialtest/internal/router/metrics"
	"github.com/sebas/dialtest/internal/router/pool"
	"github.com/sebas/dialtest/internal/router/routing"
	"github.com/sebas/dialtest/internal/speech"
)

const maxBodyBytes = 1 << 20

// Router routes one inbound call. Implemented by routing.Router.
type Router interface {
	Route(ctx context.Context, call routing.IncomingCall) (string, error)
}

// TokenIssuer exchanges the speech key for a short-lived token.
// Implemented by speech.Issuer.
type TokenIssuer interface {
	Configured() bool
	Token(ctx context.Context) (speech.Token, error)
}

// Config wires a Server. Metrics, Events, Channel and Tokens are optional.
type Config struct {
	Addr    string
	Router  Router
	Pool    *pool.Pool
	History *history.History
	Metrics *metrics.Metrics
	Events  events.Publisher
	Builder *events.Builder
	// Channel serves the agent websocket at /ws.
	Channel http.Handler
	Tokens  TokenIssuer
}

// Server is the router's HTTP API
type Server struct {
	cfg        Config
	httpServer *http.Server

	// routing outlives the webhook request
	routeCtx    context.Context
	cancelRoute context.CancelFunc
	routing     sync.WaitGroup
}

// NewServer creates the router API.
func NewServer(cfg Config) *Server {
	if cfg.Events == nil {
		cfg.Events = events.NoopPublisher{}
	}
	if cfg.Builder == nil {
		cfg.Builder = events.NewBuilder("router")
	}
	s := &Server{cfg: cfg}
	s.routeCtx, s.cancelRoute = context.WithCancel(context.Background())

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}
	if cfg.Channel != nil {
		mux.Handle("/ws", cfg.Channel)
	}

	// Provider webhook
	mux.HandleFunc("POST /api/calls/incoming", s.handleIncoming)

	// Agents
	mux.HandleFunc("POST /api/agents/register", s.handleRegister)
	mux.HandleFunc("GET /api/agents", s.handleAgents)

	// Call notes
	mux.HandleFunc("POST /api/calls/notes", s.handleNotes)
	mux.HandleFunc("GET /api/calls/history", s.handleHistory)

	mux.HandleFunc("GET /api/speech/token", s.handleSpeechToken)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routes for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx ends, then shuts down gracefully and waits for
// in-flight routing.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("[API] Starting router API", "addr", s.cfg.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		runErr = s.httpServer.Shutdown(shutdownCtx)
		cancel()
	}
	s.cancelRoute()
	s.routing.Wait()
	return runErr
}

// Wait blocks until every dispatched routing attempt has finished.
func (s *Server) Wait() { s.routing.Wait() }

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, types.RouterHealth{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// --- Webhook ---

// handleIncoming answers validation inline and routes calls in the
// background. Any parseable body gets 200.
func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, "failed to read body")
		return
	}
	evs, err := parseEvents(body)
	if err != nil {
		slog.Warn("[API] Unparseable webhook body", "error", err)
		s.writeStatus(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	var validation *types.ValidationResponse
	var calls []routing.IncomingCall
	for _, ev := range evs {
		kind := ev.kind()
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordWebhookEvent(kind)
		}
		switch {
		case isValidation(kind):
			var d validationData
			if err := json.Unmarshal(ev.Data, &d); err != nil || d.ValidationCode == "" {
				slog.Warn("[API] Validation event without code", "id", ev.ID)
				continue
			}
			if validation == nil {
				slog.Info("[API] Subscription validation", "id", ev.ID)
				validation = &types.ValidationResponse{ValidationResponse: d.ValidationCode}
			}
		case isIncomingCall(kind):
			call, err := incomingCall(ev)
			if err != nil {
				slog.Warn("[API] Skipping incoming call event", "id", ev.ID, "error", err)
				continue
			}
			calls = append(calls, call)
		default:
			slog.Debug("[API] Ignoring event", "type", kind, "id", ev.ID)
		}
	}

	// The handshake reply goes out before any routing starts.
	if validation != nil {
		s.writeJSON(w, http.StatusOK, validation)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	for _, call := range calls {
		s.dispatch(call)
	}
}

func (s *Server) dispatch(call routing.IncomingCall) {
	s.routing.Add(1)
	go func() {
		defer s.routing.Done()
		agent, err := s.cfg.Router.Route(s.routeCtx, call)
		switch {
		case err == nil:
			slog.Debug("[API] Routing done", "caller", call.CallerNumber, "agent", agent)
		case errors.Is(err, errs.ErrDuplicateNotification):
			// already counted by the router
		default:
			slog.Warn("[API] Call not routed", "caller", call.CallerNumber, "kind", errs.Kind(err), "error", err)
		}
	}()
}

// --- Agents ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req types.AgentRegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		s.writeStatus(w, http.StatusBadRequest, "userId is required")
		return
	}
	if s.cfg.Pool.Add(req.UserID) {
		slog.Info("[API] Agent registered over HTTP", "agent", req.UserID)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SetAgents(s.cfg.Pool.Len())
		}
		if err := s.cfg.Events.Publish(r.Context(), s.cfg.Builder.Agent(events.AgentRegistered, req.UserID)); err != nil {
			slog.Warn("[API] Event publish failed", "error", err)
		}
	}
	s.writeAgents(w)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	s.writeAgents(w)
}

func (s *Server) writeAgents(w http.ResponseWriter) {
	agents := s.cfg.Pool.List()
	s.writeJSON(w, http.StatusOK, types.AgentsResponse{Agents: agents, Count: len(agents)})
}

// --- Notes & History ---

func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request) {
	var req types.NotesRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.cfg.History.SaveNotes(req.CallID, req.Notes)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, types.NotesResponse{Message: "Notes saved", Record: rec})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, types.HistoryResponse{History: s.cfg.History.List()})
}

// --- Speech ---

func (s *Server) handleSpeechToken(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tokens == nil || !s.cfg.Tokens.Configured() {
		s.writeStatus(w, http.StatusInternalServerError, "Server missing Speech Key/Region")
		return
	}
	tok, err := s.cfg.Tokens.Token(r.Context())
	if err != nil {
		slog.Error("[API] Speech token fetch failed", "error", err)
		s.writeStatus(w, http.StatusUnauthorized, "Failed to authorize speech key")
		return
	}
	s.writeJSON(w, http.StatusOK, types.SpeechTokenResponse{Token: tok.Value, Region: tok.Region})
}

// --- Helpers ---

func (s *Server) writeStatus(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, types.ErrorResponse{Error: msg})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
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
