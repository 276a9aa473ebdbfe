// Package api exposes the findings cache over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mtsa-analytics/kestrel/internal/domain"
	"github.com/mtsa-analytics/kestrel/internal/pipeline"
	"github.com/mtsa-analytics/kestrel/internal/resolver"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, st domain.FindingsStore, cache domain.RecordCache, res *resolver.Resolver, pipe *pipeline.Pipeline, catalog *domain.Catalog, version string) *Server {
	handler := NewHandler(st, cache, res, pipe, catalog, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Findings
	router.Post("/findings/resolve", handler.Resolve)
	router.Get("/findings", handler.ListFindings)
	router.Get("/findings/{hash}", handler.GetFindings)
	router.Post("/findings/{hash}/invalidate", handler.InvalidateFindings)

	// Batch control surface
	router.Get("/jobs", handler.ListJobs)
	router.Get("/jobs/counts", handler.JobCounts)
	router.Post("/jobs/backfill", handler.Backfill)

	// Reference data and monitoring
	router.Get("/catalog", handler.Catalog)
	router.Get("/stats", handler.Stats)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
