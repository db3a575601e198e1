package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	corelifecycle "github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/artpar/dockyard/internal/core/monitoring"
	"github.com/artpar/dockyard/internal/shell/orchestrator"
	"github.com/artpar/dockyard/internal/shell/store"
	"github.com/gorilla/mux"
)

// =============================================================================
// Handler
// =============================================================================

// Handler provides the status API endpoints.
type Handler struct {
	project   string
	status    StatusSource
	resources ResourceLister
	events    EventLister
	logger    *slog.Logger
}

// =============================================================================
// Response Types
// =============================================================================

type resourceObject struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Attributes any    `json:"attributes"`
}

type projectMeta struct {
	Project string                  `json:"project"`
	Health  monitoring.HealthStatus `json:"health"`
}

type resourceAttributes struct {
	Kind     string   `json:"kind"`
	Driver   string   `json:"driver"`
	Project  string   `json:"project"`
	External bool     `json:"external"`
	DockerID string   `json:"docker_id,omitempty"`
	UsedBy   []string `json:"used_by"`
}

// =============================================================================
// Health
// =============================================================================

// handleHealthz reports the project health. It answers 503 while the project
// is unhealthy or nothing has been brought up yet.
// GET /healthz
func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status, err := h.status.Status()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  string(monitoring.HealthStatusUnknown),
			"project": h.project,
		})
		return
	}

	code := http.StatusOK
	if status.Health == monitoring.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":  string(status.Health),
		"project": status.Project,
	})
}

// =============================================================================
// Services
// =============================================================================

// handleListServices lists every service instance.
// GET /api/v1/services
func (h *Handler) handleListServices(w http.ResponseWriter, r *http.Request) {
	status, err := h.status.Status()
	if err != nil {
		h.writeStatusError(w, err)
		return
	}

	data := make([]resourceObject, 0, len(status.Services))
	for _, inst := range status.Services {
		data = append(data, serviceObject(inst))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": data,
		"meta": projectMeta{Project: status.Project, Health: status.Health},
	})
}

// handleGetService returns one service instance.
// GET /api/v1/services/{name}
func (h *Handler) handleGetService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	status, err := h.status.Status()
	if err != nil {
		h.writeStatusError(w, err)
		return
	}

	for _, inst := range status.Services {
		if inst.Service == name {
			writeJSON(w, http.StatusOK, map[string]any{"data": serviceObject(inst)})
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("service %q not found", name))
}

// handleServiceEvents returns the most recent transitions of a service.
// GET /api/v1/services/{name}/events?limit=N
func (h *Handler) handleServiceEvents(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	opts := store.DefaultListOptions()
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		opts.Limit = limit
	}

	events, err := h.events.ListServiceEvents(r.Context(), store.EventFilter{Project: h.project, Service: name}, opts.Normalize())
	if err != nil {
		h.logger.Error("failed to list service events", "service", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	data := make([]resourceObject, 0, len(events))
	for _, e := range events {
		data = append(data, resourceObject{Type: "service_events", ID: e.ReferenceID, Attributes: e})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func serviceObject(inst corelifecycle.Instance) resourceObject {
	return resourceObject{Type: "services", ID: inst.Service, Attributes: inst}
}

// =============================================================================
// Resources
// =============================================================================

// handleListResources lists the project's volumes and networks with the
// services holding them.
// GET /api/v1/resources
func (h *Handler) handleListResources(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	records, err := h.resources.List(ctx, store.ResourceFilter{Project: h.project})
	if err != nil {
		h.logger.Error("failed to list resources", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read resources")
		return
	}

	data := make([]resourceObject, 0, len(records))
	for _, rec := range records {
		refs, err := h.resources.Refs(ctx, rec.Name)
		if err != nil {
			h.logger.Error("failed to list resource references", "resource", rec.Name, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to read resources")
			return
		}
		usedBy := make([]string, 0, len(refs))
		for _, ref := range refs {
			usedBy = append(usedBy, ref.Project+"/"+ref.Service)
		}
		data = append(data, resourceObject{
			Type: "resources",
			ID:   rec.Name,
			Attributes: resourceAttributes{
				Kind:     string(rec.Kind),
				Driver:   rec.Driver,
				Project:  rec.Project,
				External: rec.External,
				DockerID: rec.DockerID,
				UsedBy:   usedBy,
			},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeStatusError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrNoGraph) {
		writeError(w, http.StatusServiceUnavailable, "no services have been brought up")
		return
	}
	h.logger.Error("failed to read status", "error", err)
	writeError(w, http.StatusInternalServerError, "failed to read status")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"errors": []map[string]string{
			{
				"status": strconv.Itoa(status),
				"title":  http.StatusText(status),
				"detail": message,
			},
		},
	})
}
