// Package api serves the read-only status API of a running deployment.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/shell/orchestrator"
	"github.com/artpar/dockyard/internal/shell/store"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
)

// =============================================================================
// Collaborators
// =============================================================================

// StatusSource reports the current state of every service.
type StatusSource interface {
	Status() (orchestrator.ProjectStatus, error)
}

// ResourceLister reads resource records and their references.
type ResourceLister interface {
	List(ctx context.Context, filter store.ResourceFilter) ([]domain.Resource, error)
	Refs(ctx context.Context, name string) ([]domain.ResourceRef, error)
}

// EventLister reads the service event log.
type EventLister interface {
	ListServiceEvents(ctx context.Context, filter store.EventFilter, opts store.ListOptions) ([]domain.ServiceEvent, error)
}

// =============================================================================
// API Setup
// =============================================================================

// APIConfig holds configuration for the API setup.
type APIConfig struct {
	Project   string
	Status    StatusSource
	Resources ResourceLister
	Events    EventLister // nil disables the events endpoint
	Logger    *slog.Logger
}

// SetupAPI creates the router of the status API.
func SetupAPI(cfg APIConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h := &Handler{
		project:   cfg.Project,
		status:    cfg.Status,
		resources: cfg.Resources,
		events:    cfg.Events,
		logger:    cfg.Logger.With("component", "api"),
	}

	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestIDHeader)

	router.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/services", h.handleListServices).Methods(http.MethodGet)
	v1.HandleFunc("/services/{name}", h.handleGetService).Methods(http.MethodGet)
	if cfg.Events != nil {
		v1.HandleFunc("/services/{name}/events", h.handleServiceEvents).Methods(http.MethodGet)
	}
	v1.HandleFunc("/resources", h.handleListResources).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no such endpoint")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "the status API is read-only")
	})

	return router
}

// requestIDHeader copies the request ID to the response header.
func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}
