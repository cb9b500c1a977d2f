package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/givewatch/service/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the collaborators behind the HTTP surface. Runner, Store and
// Metrics are optional.
type Deps struct {
	Verifier  Verifier
	Donations DonationCreator
	Chains    Chains
	Runner    PassRunner
	Store     Pinger
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Server represents the HTTP server for the reconciliation engine.
type Server struct {
	addr   string
	deps   Deps
	logger *slog.Logger
	server *http.Server
}

// New creates a new HTTP server with the given dependencies.
func New(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{
		addr:   addr,
		deps:   deps,
		logger: deps.Logger.With("component", "http"),
	}
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	m := s.deps.Metrics
	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(m, name)(h))
	}

	route("POST /api/v1/verify", "verify", handleVerify(s.deps.Verifier, s.logger))
	route("POST /api/v1/donations", "submit_donation", handleSubmitDonation(s.deps.Verifier, s.deps.Donations, s.deps.Chains, s.logger))

	if s.deps.Runner != nil {
		route("POST /api/v1/passes/{kind}", "run_pass", handleRunPass(s.deps.Runner, s.logger))
		route("GET /api/v1/passes", "list_passes", handleListPasses(s.deps.Runner))
	} else {
		s.logger.Warn("pass runner not configured, pass endpoints disabled")
	}

	mux.Handle("GET /health", handleHealth(s.deps.Store, s.logger))

	if m != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
