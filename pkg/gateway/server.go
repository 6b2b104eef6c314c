// Package gateway exposes the HTTP surface: session management endpoints,
// the websocket stream upgrade, and operational probes.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shellbox-run/shellbox/pkg/environment"
	"github.com/shellbox-run/shellbox/pkg/log"
	"github.com/shellbox-run/shellbox/pkg/session"
)

// SessionManager is the slice of the session manager the gateway needs.
type SessionManager interface {
	Create(ctx context.Context, clientID, environmentID string, initCommands []string, lifetime time.Duration) (session.Session, error)
	Get(id string) (session.Session, error)
	Destroy(ctx context.Context, id string, reason string) error
	Count() int
}

// Streamer attaches an upgraded websocket to a session.
type Streamer interface {
	Handle(ctx context.Context, ws *websocket.Conn, sessionID string)
}

// AdmissionStatus reports breaker state for the status endpoint.
type AdmissionStatus interface {
	Status() (open bool, reason string)
}

// Environments lists the provisionable environments.
type Environments interface {
	List() []environment.Environment
}

// Config configures the gateway server.
type Config struct {
	Listen string
}

// Server is the HTTP front of the service.
type Server struct {
	server       *http.Server
	sessions     SessionManager
	streamer     Streamer
	admission    AdmissionStatus
	environments Environments
	upgrader     websocket.Upgrader
	started      time.Time
	now          func() time.Time
}

// New creates a gateway server.
func New(cfg Config, sessions SessionManager, streamer Streamer, adm AdmissionStatus, envs Environments) (*Server, error) {
	if cfg.Listen == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if sessions == nil || streamer == nil || adm == nil || envs == nil {
		return nil, fmt.Errorf("all gateway dependencies are required")
	}

	s := &Server{
		sessions:     sessions,
		streamer:     streamer,
		admission:    adm,
		environments: envs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The service fronts browser clients from arbitrary origins;
			// session ids are unguessable capability tokens.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now: time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /v1/sessions/{id}/close", s.handleCloseBeacon)
	mux.HandleFunc("GET /v1/sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /v1/environments", s.handleEnvironments)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the underlying handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully. Streaming
// connections are closed by the session manager draining, not by the HTTP
// shutdown itself.
func (s *Server) Start(ctx context.Context) error {
	s.started = s.now()
	log.Info("gateway listening", "addr", s.server.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("gateway server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}
