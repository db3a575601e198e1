package store

import (
	"context"

	"github.com/artpar/dockyard/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for dockyard records.
type Store interface {
	// Resource operations
	CreateResource(ctx context.Context, resource *domain.Resource) error
	GetResource(ctx context.Context, name string) (*domain.Resource, error)
	UpdateResource(ctx context.Context, resource *domain.Resource) error
	DeleteResource(ctx context.Context, name string) error
	ListResources(ctx context.Context, filter ResourceFilter, opts ListOptions) ([]domain.Resource, error)

	// Resource reference operations
	AddResourceRef(ctx context.Context, ref domain.ResourceRef) error
	RemoveResourceRef(ctx context.Context, resource, project, service string) error
	RemoveServiceRefs(ctx context.Context, project, service string) error
	ListResourceRefs(ctx context.Context, resource string) ([]domain.ResourceRef, error)
	CountResourceRefs(ctx context.Context, resource string) (int, error)

	// Service event operations
	CreateServiceEvent(ctx context.Context, event *domain.ServiceEvent) error
	ListServiceEvents(ctx context.Context, filter EventFilter, opts ListOptions) ([]domain.ServiceEvent, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// ResourceFilter narrows ListResources. Empty fields match everything.
type ResourceFilter struct {
	Project string
	Kind    domain.ResourceKind
}

// EventFilter narrows ListServiceEvents. Empty fields match everything.
type EventFilter struct {
	Project string
	Service string
}
