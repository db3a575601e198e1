// Package domain contains the durable domain types of dockyard: resource
// records, their references, and the service event log.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Resource Errors
// =============================================================================

var (
	ErrInvalidResourceKind = errors.New("invalid resource kind")
	ErrInvalidResourceName = errors.New("resource name is required")
)

// =============================================================================
// Resource Kind
// =============================================================================

// ResourceKind distinguishes volumes from networks.
type ResourceKind string

const (
	ResourceKindVolume  ResourceKind = "volume"
	ResourceKindNetwork ResourceKind = "network"
)

// Valid reports whether k is a known kind.
func (k ResourceKind) Valid() bool {
	return k == ResourceKindVolume || k == ResourceKindNetwork
}

// DefaultDriver returns the Docker driver used when none is declared.
func (k ResourceKind) DefaultDriver() string {
	if k == ResourceKindNetwork {
		return "bridge"
	}
	return "local"
}

// =============================================================================
// Resource
// =============================================================================

// Resource is the durable record of a named volume or network.
// Name is unique across kinds and is the idempotency key of ensure.
type Resource struct {
	ID          int          `json:"-"`
	ReferenceID string       `json:"id"`
	Name        string       `json:"name"`
	Kind        ResourceKind `json:"kind"`
	Driver      string       `json:"driver"`
	Project     string       `json:"project"`
	External    bool         `json:"external"`
	DockerID    string       `json:"docker_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// NewResource creates a resource record, defaulting the driver for its kind.
func NewResource(name string, kind ResourceKind, driver, project string, now time.Time) (*Resource, error) {
	if name == "" {
		return nil, ErrInvalidResourceName
	}
	if !kind.Valid() {
		return nil, ErrInvalidResourceKind
	}
	if driver == "" {
		driver = kind.DefaultDriver()
	}

	return &Resource{
		ReferenceID: "res_" + uuid.New().String()[:8],
		Name:        name,
		Kind:        kind,
		Driver:      driver,
		Project:     project,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// ResourceRef records that a service instance holds a resource.
// A resource with refs cannot be removed.
type ResourceRef struct {
	Resource  string    `json:"resource"`
	Project   string    `json:"project"`
	Service   string    `json:"service"`
	CreatedAt time.Time `json:"created_at"`
}
