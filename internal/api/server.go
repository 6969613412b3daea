// Package api is the thin HTTP/WebSocket layer over internal/control:
// a net/http mux (mirroring the teacher's Server/Handlers/Hub split)
// translates the control routes of spec §4.7/§7 into Controller calls,
// serves the state snapshot of spec §6 on GET /state, and pushes it to
// any connected /ws client on a fixed interval.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"layengine/internal/config"
	"layengine/internal/control"
)

const statePushInterval = 5 * time.Second

// Server runs the HTTP/WebSocket control surface.
type Server struct {
	cfg        config.ControlConfig
	controller *control.Controller
	hub        *Hub
	handlers   *Handlers
	server     *http.Server
	logger     *slog.Logger
	cancel     context.CancelFunc
}

// NewServer creates the control-surface HTTP server.
func NewServer(cfg config.ControlConfig, controller *control.Controller, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(controller, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/state", handlers.HandleState)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.HandleFunc("/control/start", handlers.HandleStart)
	mux.HandleFunc("/control/stop", handlers.HandleStop)
	mux.HandleFunc("/control/dry-run", handlers.HandleDryRun)
	mux.HandleFunc("/control/window", handlers.HandleWindow)
	mux.HandleFunc("/control/point-value", handlers.HandlePointValue)
	mux.HandleFunc("/control/countries", handlers.HandleCountries)
	mux.HandleFunc("/control/spread-control", handlers.HandleSpreadControl)
	mux.HandleFunc("/control/jofs", handlers.HandleJOFS)
	mux.HandleFunc("/control/reset", handlers.HandleReset)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		controller: controller,
		hub:        hub,
		handlers:   handlers,
		server:     httpServer,
		logger:     logger.With("component", "api-server"),
	}
}

// Start runs the WebSocket hub, the state-push loop, and ListenAndServe.
// Blocks until the server stops.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.hub.Run()
	go s.pushStateLoop(ctx)

	s.logger.Info("control server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping control server")
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// pushStateLoop periodically broadcasts the state snapshot to every
// connected WebSocket client (spec §6 "live state view").
func (s *Server) pushStateLoop(ctx context.Context) {
	ticker := time.NewTicker(statePushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.BroadcastState(s.controller.Snapshot(ctx))
		}
	}
}
