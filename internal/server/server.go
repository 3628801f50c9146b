// Package server exposes the fabric's external interfaces: a health
// endpoint backed by the agent registry's health summary, and a CLI
// process surface for starting the system and running a single
// coordination cycle. Routing and middleware mirror the teacher's
// chi-based HTTP server.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/pkg/logger"
)

// Registry is the subset of *agent.Registry the health endpoint needs.
type Registry interface {
	Descriptors() []domain.AgentDescriptor
	Unhealthy() []string
	HealthScore() float64
}

// Coordinator is the subset of *coordinator.Agent the cycle endpoint
// needs.
type Coordinator interface {
	ExecuteCycle(ctx context.Context, watchlist []string, execute func(symbol string, d *domain.Decision) error) error
	ExecutedSymbols() []string
}

// Portfolio is the subset of *portfolio.Agent the status endpoint
// needs.
type Portfolio interface {
	PnLSummary(limit int) (realized, unrealized float64, err error)
}

// Config holds the dependencies and settings for the HTTP server.
type Config struct {
	Log         zerolog.Logger
	Port        int
	DevMode     bool
	Registry    Registry
	Coordinator Coordinator
	Portfolio   Portfolio
	Watchlist   []string
	Execute     func(symbol string, d *domain.Decision) error // executes a decision; records fills, etc.
}

// Server is the fabric's external HTTP surface.
type Server struct {
	router      *chi.Mux
	server      *http.Server
	log         zerolog.Logger
	registry    Registry
	coordinator Coordinator
	portfolio   Portfolio
	watchlist   []string
	execute     func(symbol string, d *domain.Decision) error
}

// New constructs a Server and wires its routes.
func New(cfg Config) *Server {
	execute := cfg.Execute
	if execute == nil {
		execute = func(symbol string, d *domain.Decision) error { return nil }
	}

	s := &Server{
		router:      chi.NewRouter(),
		log:         logger.Component(cfg.Log, "server"),
		registry:    cfg.Registry,
		coordinator: cfg.Coordinator,
		portfolio:   cfg.Portfolio,
		watchlist:   cfg.Watchlist,
		execute:     execute,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/cycle", s.handleRunCycle)
		r.Get("/decisions", s.handleExecutedDecisions)
	})
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}
