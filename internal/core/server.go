// Package core provides the HTTP chassis for the ingestion API. It creates a
// chi router and enforces cross-cutting concerns (panic recovery, request ids,
// logging, tracing, metrics) before requests reach the event handlers.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"crmrelay/internal/config"
)

// MetricsCollector defines the interface for recording API telemetry.
// Implementations record request latency and count metrics to CloudWatch
// or equivalent backends.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// RouteRegistrar mounts handler routes on the /v1 group.
type RouteRegistrar func(r chi.Router)

// ShutdownHook releases a resource during Server.Shutdown.
type ShutdownHook func(ctx context.Context) error

// Server encapsulates all dependencies for the ingestion API, allowing for
// easy injection during testing.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	// HealthProbes are run by GET /health.
	HealthProbes []HealthProbe

	// V1RouteRegistrars are populated by the entry point before MountRoutes.
	// The indirection keeps handler packages from importing each other.
	V1RouteRegistrars []RouteRegistrar

	// ShutdownHooks run in registration order on Shutdown.
	ShutdownHooks []ShutdownHook

	router *chi.Mux
}

// NewServer initializes dependencies and prepares the router for route
// mounting. Call MountRoutes once registrars and probes are set.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown runs every shutdown hook, even after one fails, and returns the
// joined errors.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var errs []error
	for _, hook := range s.ShutdownHooks {
		if err := hook(ctx); err != nil {
			s.Logger.Error("shutdown hook failed", "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("server shutdown: %w", errors.Join(errs...))
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
