// Package api serves the status frontend: a health endpoint, a JSON
// snapshot of every monitored account, and a WebSocket stream of lockout,
// enforcement, and connectivity events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"futures-riskd/internal/config"
	"futures-riskd/internal/lockout"
	"futures-riskd/internal/state"
)

// Server runs the HTTP/WebSocket status frontend.
type Server struct {
	cfg      config.StatusConfig
	accounts []config.AccountConfig
	st       *state.Store
	locks    *lockout.Manager
	maxAge   time.Duration
	dryRun   bool

	streamUp atomic.Bool
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the status server over live daemon state.
func NewServer(cfg config.StatusConfig, accounts []config.AccountConfig, st *state.Store,
	locks *lockout.Manager, maxAge time.Duration, dryRun bool, logger *slog.Logger) *Server {

	s := &Server{
		cfg:      cfg,
		accounts: accounts,
		st:       st,
		locks:    locks,
		maxAge:   maxAge,
		dryRun:   dryRun,
		hub:      NewHub(logger),
		logger:   logger.With("component", "api-server"),
	}
	s.handlers = NewHandlers(s, s.hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", s.handlers.HandleSnapshot)
	mux.HandleFunc("/ws", s.handlers.HandleWebSocket)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Snapshot assembles the current status view.
func (s *Server) Snapshot() StatusSnapshot {
	return BuildSnapshot(s.accounts, s.st, s.locks, s.maxAge, s.dryRun, s.streamUp.Load())
}

// Publish broadcasts a status event to connected clients.
func (s *Server) Publish(evt StatusEvent) {
	if evt.Type == EventStreamReconnected {
		s.streamUp.Store(true)
	}
	if evt.Type == EventStreamDisconnected {
		s.streamUp.Store(false)
	}
	s.hub.BroadcastEvent(evt)
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	go s.hub.Run()
	s.logger.Info("status server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping status server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
