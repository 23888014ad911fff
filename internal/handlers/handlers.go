// Package handlers serves the operational HTTP surface: liveness, readiness
// and background job status.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gitshopapp/fulfillment/internal/jobs"
	"github.com/gitshopapp/fulfillment/internal/logging"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobStatuser lists the state of scheduled tasks.
type JobStatuser interface {
	Status() []jobs.Status
}

type Handlers struct {
	store  Pinger
	jobs   JobStatuser
	logger *slog.Logger
}

type Dependencies struct {
	// Store is pinged by the readiness probe. A nil store is always ready.
	Store  Pinger
	Jobs   JobStatuser
	Logger *slog.Logger
}

func New(deps Dependencies) (*Handlers, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Jobs == nil {
		return nil, fmt.Errorf("handlers dependencies: jobs is required")
	}
	return &Handlers{
		store:  deps.Store,
		jobs:   deps.Jobs,
		logger: logger,
	}, nil
}

func (h *Handlers) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, h.logger)
}

// Health is the liveness probe. It never touches dependencies.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready fails while the store cannot be reached.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			h.loggerFromContext(ctx).Error("database readiness check failed", "error", err)
			h.writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

type jobsResponse struct {
	Tasks []jobs.Status `json:"tasks"`
}

func (h *Handlers) Jobs(w http.ResponseWriter, r *http.Request) {
	tasks := h.jobs.Status()
	if tasks == nil {
		tasks = []jobs.Status{}
	}
	h.writeJSON(w, r, http.StatusOK, jobsResponse{Tasks: tasks})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.loggerFromContext(r.Context()).Error("failed to encode response", "error", err)
	}
}
