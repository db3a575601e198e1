// Package monitoring provides pure functions for health classification.
// This package contains NO I/O: probe results come in as values, classifications go out.
package monitoring

import "errors"

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrProbeTimeout marks an attempt that did not finish within the probe timeout.
	ErrProbeTimeout = errors.New("probe timed out")
	// ErrProbeFailure marks an attempt that finished and reported failure.
	ErrProbeFailure = errors.New("probe failed")
)

// =============================================================================
// Health Status
// =============================================================================

// HealthStatus represents the health of a service or of a whole project.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// ServiceHealth is one service's contribution to the project health.
type ServiceHealth struct {
	Name     string       `json:"name"`
	State    string       `json:"state"`
	Health   HealthStatus `json:"health"`
	Restarts int          `json:"restarts"`
}

// =============================================================================
// Health Aggregation (Pure Functions)
// =============================================================================

// AggregateHealth determines overall project health from service health.
func AggregateHealth(services []ServiceHealth) HealthStatus {
	if len(services) == 0 {
		return HealthStatusUnknown
	}

	unhealthy := 0
	degraded := 0

	for _, s := range services {
		switch s.Health {
		case HealthStatusUnhealthy:
			unhealthy++
		case HealthStatusDegraded, HealthStatusUnknown:
			// Unknown services count as degraded
			degraded++
		}
	}

	// All unhealthy = unhealthy
	if unhealthy == len(services) {
		return HealthStatusUnhealthy
	}
	// Any unhealthy or degraded = degraded
	if unhealthy > 0 || degraded > 0 {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

// DetermineContainerHealth maps a Docker container state to a health status.
// Used for containers dockyard did not launch itself in this process.
//
// Parameters:
// - status: Container status (running, exited, paused, restarting, created)
// - healthCheck: Docker health check result if available (healthy, unhealthy, starting)
// - restarts: Number of restarts since container creation
func DetermineContainerHealth(status string, healthCheck *string, restarts int) HealthStatus {
	if status != "running" {
		return HealthStatusUnhealthy
	}
	if healthCheck != nil && *healthCheck == "unhealthy" {
		return HealthStatusUnhealthy
	}
	// Many restarts indicate instability
	if restarts > 3 {
		return HealthStatusDegraded
	}
	if healthCheck != nil && *healthCheck == "starting" {
		return HealthStatusUnknown
	}
	return HealthStatusHealthy
}
