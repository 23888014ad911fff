// Package server exposes the ops HTTP surface: probes and job status.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/gitshopapp/fulfillment/internal/handlers"
)

const shutdownTimeout = 15 * time.Second

type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
}

// New builds the ops server listening on port. Every route is a read-only
// GET returning JSON.
func New(port string, logger *slog.Logger, h *handlers.Handlers) (*Server, error) {
	if port == "" {
		return nil, errors.New("port is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if h == nil {
		return nil, errors.New("handlers are required")
	}

	return &Server{
		logger: logger.With("component", "ops_server"),
		httpServer: &http.Server{
			Addr:              ":" + port,
			Handler:           Router(h),
			ReadHeaderTimeout: 2 * time.Second,
			ReadTimeout:       5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       30 * time.Second,
			MaxHeaderBytes:    16 << 10,
		},
	}, nil
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", "addr", s.httpServer.Addr)
		errc <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ops server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	s.logger.Info("ops server stopped")
	return nil
}

// Router wires the ops routes and middleware.
func Router(h *handlers.Handlers) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.RequestLogger, h.MetricsContext, h.SecurityHeaders)

	routes := []struct {
		name    string
		path    string
		handler http.HandlerFunc
	}{
		{"health", "/health", h.Health},
		{"ready", "/ready", h.Ready},
		{"jobs", "/jobs", h.Jobs},
	}
	for _, route := range routes {
		r.HandleFunc(route.path, route.handler).Methods(http.MethodGet).Name(route.name)
	}

	r.NotFoundHandler = jsonError(http.StatusNotFound)
	r.MethodNotAllowedHandler = jsonError(http.StatusMethodNotAllowed)
	return r
}

func jsonError(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": http.StatusText(status)})
	})
}
