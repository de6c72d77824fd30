package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/health"
	middleware "github.com/mohammed-shakir/dispatch-geo-cache/internal/core/middleware"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/router"
)

type Deps struct {
	Tiles     router.TileSource
	Incidents router.IncidentSource
	Store     health.Pinger
	Metrics   http.Handler
}

// NewHandler builds the routed handler with middleware applied.
func NewHandler(logger *slog.Logger, d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Store, 2*time.Second))
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	tile := router.HandleTile(logger, d.Tiles)
	r.Get("/tiles/{z}/{x}/{y}.png", tile)
	dispatch := router.HandleDispatch(logger, d.Incidents)
	r.Get("/dispatch", dispatch)
	// paths the existing dashboard calls
	r.Get("/maptiles/tile/{z}/{x}/{y}.png", tile)
	r.Get("/api/dispatch", dispatch)
	return r
}

// sets up http and starts serving
func Run(ctx context.Context, addr string, logger *slog.Logger, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// a cold dispatch range geocodes every row before answering
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
