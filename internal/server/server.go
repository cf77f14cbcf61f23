// Package server exposes runs and persisted records over HTTP. The API
// is read-mostly: extractions started here run asynchronously and are
// polled through the runs endpoints.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/trundleyrg/FinancialAgent/internal/config"
	"github.com/trundleyrg/FinancialAgent/internal/model"
	"github.com/trundleyrg/FinancialAgent/internal/monitoring"
	"github.com/trundleyrg/FinancialAgent/internal/store"
)

// Runner starts one document extraction. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, doc model.Document) (*model.Run, error)
}

// Server is the HTTP API over the run and record stores.
type Server struct {
	router    chi.Router
	store     store.Store
	runner    Runner
	collector *monitoring.Collector

	// runCtx outlives individual requests: extractions started over the
	// API keep running after the response is written and stop only on
	// server shutdown.
	runCtx context.Context
}

// New wires routes and middleware. A nil runner disables POST
// /api/extract; the read endpoints stay up.
func New(runCtx context.Context, st store.Store, runner Runner, cfg config.ServerConfig) *Server {
	s := &Server{
		store:     st,
		runner:    runner,
		collector: monitoring.NewCollector(st),
		runCtx:    runCtx,
	}
	s.setupRoutes(cfg)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes(cfg config.ServerConfig) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/records", s.handleListRecords)
		r.Get("/stats", s.handleStats)
		r.Post("/extract", s.handleExtract)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}
