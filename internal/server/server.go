// Package server exposes the HTTP surface: health, metrics, the synchronous
// validation and locate endpoints, and the operator actions.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ims/internal/database"
	"ims/internal/inventory"
	"ims/internal/locate"
	"ims/internal/metrics"
	"ims/internal/position"
	"ims/internal/repository"
	"ims/internal/shortsell"
)

// Config bundles the server's dependencies.
type Config struct {
	Port      int
	DevMode   bool
	DB        *database.DB
	CacheDB   *database.DB
	Stores    *repository.Stores
	Positions *position.Engine
	Inventory *inventory.Engine
	Validator *shortsell.Validator
	Locates   *locate.Workflow
	Metrics   *metrics.Metrics
	Depths    func() map[string][]int // topic -> per-partition queue depth
}

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	cfg    Config
	logger zerolog.Logger
	start  time.Time
}

// New creates the server and mounts all routes.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		cfg:    cfg,
		logger: log.With().Str("component", "server").Logger(),
		start:  time.Now(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if cfg.DevMode {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(
		cfg.Metrics.Registry, promhttp.HandlerOpts{}))

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/orders/validate", s.handleValidateOrder)

		r.Route("/locates", func(r chi.Router) {
			r.Post("/", s.handleSubmitLocate)
			r.Get("/pending", s.handlePendingLocates)
			r.Get("/{requestID}", s.handleGetLocate)
			r.Post("/{requestID}/approve", s.handleApproveLocate)
			r.Post("/{requestID}/reject", s.handleRejectLocate)
			r.Post("/{requestID}/cancel", s.handleCancelLocate)
		})

		r.Get("/positions/{bookID}/{securityID}/{date}", s.handleGetPosition)
		r.Get("/positions/{bookID}/{securityID}/{date}/ladder", s.handleGetLadder)
		r.Get("/availability/{securityID}/{date}", s.handleListAvailability)
	})

	s.router.Route("/ops", func(r chi.Router) {
		r.Get("/quarantine", s.handleListQuarantine)
		r.Delete("/quarantine/{key}", s.handleClearQuarantine)
		r.Post("/rollover", s.handleRollover)
	})

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info().Int("port", s.cfg.Port).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
