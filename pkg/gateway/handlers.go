package gateway

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shellbox-run/shellbox/pkg/admission"
	"github.com/shellbox-run/shellbox/pkg/environment"
	"github.com/shellbox-run/shellbox/pkg/log"
	"github.com/shellbox-run/shellbox/pkg/sandbox"
	"github.com/shellbox-run/shellbox/pkg/session"
)

type createSessionRequest struct {
	Environment     string   `json:"environment"`
	InitCommands    []string `json:"init_commands"`
	LifetimeSeconds int      `json:"lifetime_seconds"`
}

type sessionResponse struct {
	SessionID     string    `json:"session_id"`
	Environment   string    `json:"environment"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastActivity  time.Time `json:"last_activity"`
	InitCompleted bool      `json:"init_completed"`
	InitSucceeded bool      `json:"init_succeeded"`
	StreamPath    string    `json:"stream_path"`
}

type environmentResponse struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Image       string `json:"image"`
}

type statusResponse struct {
	ActiveSessions int       `json:"active_sessions"`
	BreakerOpen    bool      `json:"breaker_open"`
	BreakerReason  string    `json:"breaker_reason,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func sessionToResponse(sess session.Session) sessionResponse {
	return sessionResponse{
		SessionID:     sess.ID,
		Environment:   sess.EnvironmentID,
		State:         string(sess.State),
		CreatedAt:     sess.CreatedAt,
		ExpiresAt:     sess.ExpiresAt,
		LastActivity:  sess.LastActivity,
		InitCompleted: sess.InitCompleted,
		InitSucceeded: sess.InitSucceeded,
		StreamPath:    "/v1/sessions/" + sess.ID + "/stream",
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// errorStatus maps domain errors onto an HTTP status and a stable code the
// client can branch on: retry shortly (rate limits, open breaker), give up
// (unknown environment), or retry with backoff (container failure).
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, environment.ErrNotFound):
		return http.StatusNotFound, "environment_not_found"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, session.ErrExpired):
		return http.StatusGone, "session_expired"
	case errors.Is(err, admission.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, admission.ErrConcurrentSessionCap):
		return http.StatusTooManyRequests, "concurrent_session_cap"
	case errors.Is(err, admission.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "circuit_open"
	case errors.Is(err, sandbox.ErrContainerFailed):
		return http.StatusBadGateway, "container_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// clientID identifies the caller for admission accounting. Behind a proxy the
// first X-Forwarded-For hop is the client; otherwise the remote address.
func clientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Environment == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "environment is required")
		return
	}

	lifetime := time.Duration(req.LifetimeSeconds) * time.Second
	sess, err := s.sessions.Create(r.Context(), clientID(r), req.Environment, req.InitCommands, lifetime)
	if err != nil {
		status, code := errorStatus(err)
		if code == "internal_error" {
			log.Error("session creation failed", "client", clientID(r), "environment", req.Environment, "error", err)
			writeError(w, status, code, "failed to create session")
			return
		}
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sessionToResponse(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Destroy(r.Context(), r.PathValue("id"), "client requested"); err != nil {
		status, code := errorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCloseBeacon is the page-unload path. Browsers fire it with
// navigator.sendBeacon and never read the response, so it always succeeds.
func (s *Server) handleCloseBeacon(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Destroy(r.Context(), r.PathValue("id"), "client beacon"); err != nil {
		log.Debug("close beacon failed", "session", r.PathValue("id"), "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Debug("websocket upgrade failed", "session", sessionID, "error", err)
		return
	}
	s.streamer.Handle(r.Context(), ws, sessionID)
}

func (s *Server) handleEnvironments(w http.ResponseWriter, r *http.Request) {
	envs := s.environments.List()
	out := make([]environmentResponse, 0, len(envs))
	for _, env := range envs {
		out = append(out, environmentResponse{
			ID:          env.ID,
			Description: env.Description,
			Image:       env.Image,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	open, reason := s.admission.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		ActiveSessions: s.sessions.Count(),
		BreakerOpen:    open,
		BreakerReason:  reason,
		StartedAt:      s.started,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   s.now().UTC().Format(time.RFC3339),
	})
}
