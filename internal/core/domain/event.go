package domain

import (
	"time"

	"github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/google/uuid"
)

// =============================================================================
// Service Events
// =============================================================================

// ServiceEvent records one lifecycle transition of a service.
type ServiceEvent struct {
	ID          int             `json:"-"`
	ReferenceID string          `json:"id"`
	Project     string          `json:"project"`
	Service     string          `json:"service"`
	From        lifecycle.State `json:"from"`
	To          lifecycle.State `json:"to"`
	Attempt     int             `json:"attempt"`
	ContainerID string          `json:"container_id,omitempty"`
	Error       string          `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewServiceEvent creates an event for a transition of service.
func NewServiceEvent(project, service string, from, to lifecycle.State, attempt int, cause error, at time.Time) ServiceEvent {
	event := ServiceEvent{
		ReferenceID: "evt_" + uuid.New().String(),
		Project:     project,
		Service:     service,
		From:        from,
		To:          to,
		Attempt:     attempt,
		Timestamp:   at,
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	return event
}
