// Package core hosts the operational HTTP surface of the notification
// workers: health probes, circuit breaker snapshots and the metrics scrape
// endpoint. Delivery itself never passes through this server.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"notifyd/internal/types"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
)

// BreakerSource exposes the current state of one channel's circuit breaker.
type BreakerSource interface {
	Snapshot() types.CircuitBreakerState
}

// Server is the ops server shared by the worker binaries.
type Server struct {
	Logger       *slog.Logger
	HealthProbes []HealthProbe
	Breakers     []BreakerSource

	// MetricsHandler serves GET /metrics when set (Prometheus backend).
	MetricsHandler http.Handler

	// Version is reported by /health.
	Version string

	router *chi.Mux
}

// NewServer builds a Server with its routes mounted.
func NewServer(logger *slog.Logger, probes []HealthProbe, breakers []BreakerSource, metrics http.Handler) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		Logger:         logger,
		HealthProbes:   probes,
		Breakers:       breakers,
		MetricsHandler: metrics,
		router:         chi.NewRouter(),
	}
	s.MountRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the chi router for tests and extra registrations.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("ops server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx, srv)
}

// Shutdown gracefully stops srv.
func (s *Server) Shutdown(ctx context.Context, srv *http.Server) error {
	s.Logger.Info("ops server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	return nil
}
