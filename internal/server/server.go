package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	v1 "github.com/gosuda/cloudhost/internal/api/v1"
	"github.com/gosuda/cloudhost/internal/api/ws"
	"github.com/gosuda/cloudhost/internal/config"
	"github.com/gosuda/cloudhost/internal/server/middleware"
)

// Orchestrator is everything the control surface needs.
// *orchestrator.Orchestrator satisfies this interface.
type Orchestrator interface {
	v1.CloudOrchestrator
	ws.LogSource
}

// Server is the control HTTP server: the management API plus log
// websockets. Cloud servers run on their own ports.
type Server struct {
	router       chi.Router
	httpServer   *http.Server
	wsHub        *ws.Hub
	orchestrator Orchestrator
}

// New creates a Server with all routes wired. An empty cfg.Token leaves
// the control API open, which config only allows on loopback addresses.
func New(cfg config.ControlConfig, orchestrator Orchestrator) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(middleware.RequestLogger(log.Logger, nil))
	router.Use(chimw.Recoverer)
	router.Use(middleware.SecurityHeaders)
	router.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}).Handler)

	hub := ws.NewHub(orchestrator)

	s := &Server{
		router:       router,
		wsHub:        hub,
		orchestrator: orchestrator,
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ControlToken(cfg.Token))

		apiConfig := huma.DefaultConfig("CloudHost Control API", "1.0.0")
		apiConfig.Servers = []*huma.Server{
			{URL: "/api/v1"},
		}
		api := humachi.New(r, apiConfig)
		registerAPIRoutes(api, orchestrator)
	})

	// WebSocket routes.
	router.Route("/ws", func(r chi.Router) {
		r.Use(middleware.ControlToken(cfg.Token))
		registerWSRoutes(r, hub)
	})

	// Health check (unauthenticated).
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"running": len(orchestrator.Instances()),
		})
	})

	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})

	return s
}

// Handler returns the router without binding a port.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("control server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
