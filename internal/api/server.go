// Package api serves the operator surface: a JSON HTTP API for status
// reads and commands, plus a WebSocket stream of the event log.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"stratexec/internal/config"
	"stratexec/internal/events"
	"stratexec/internal/market"
	"stratexec/internal/registry"
	"stratexec/internal/risk"
	"stratexec/internal/router"
	"stratexec/internal/state"
	"stratexec/internal/strategy"
	"stratexec/pkg/types"
)

// Engine is the view of the execution engine the API serves. The
// concrete *engine.Engine satisfies it; tests wire a stub.
type Engine interface {
	Events() *events.Log
	Registry() *registry.Registry
	Strategy() *strategy.Service
	SafeMode() *state.SafeMode
	OperationMode() *state.OperationMode
	Risk() *risk.Manager
	OrderRouter() *router.Router
	Hub() *market.Hub
	Failures() *state.FailureTracker
	StartedAt() time.Time

	ActivateSafeMode(ctx context.Context, reason string)
	DeactivateSafeMode(ctx context.Context, note string)
	SetOperationMode(mode types.Mode, note, operator string) error
	ReloadStrategy()
}

// Server runs the operator HTTP/WebSocket API.
type Server struct {
	cfg      config.Config
	eng      Engine
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the handlers and the WebSocket hub. The hub only
// subscribes to the event log in Start, so a server that is never
// started never receives events.
func NewServer(cfg config.Config, eng Engine, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(cfg, eng, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/api/positions", handlers.HandlePositions)
	mux.HandleFunc("/api/trades", handlers.HandleTrades)
	mux.HandleFunc("/api/events", handlers.HandleEvents)
	mux.HandleFunc("/api/safe-mode/activate", handlers.HandleSafeModeActivate)
	mux.HandleFunc("/api/safe-mode/deactivate", handlers.HandleSafeModeDeactivate)
	mux.HandleFunc("/api/mode", handlers.HandleMode)
	mux.HandleFunc("/api/strategy/reload", handlers.HandleStrategyReload)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		eng:      eng,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, subscribes it to the event log, and blocks in
// ListenAndServe. Callers run it in a goroutine.
func (s *Server) Start() error {
	go s.hub.Run()
	s.eng.Events().Subscribe(s.hub.BroadcastEvent)

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
