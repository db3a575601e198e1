// Package resources implements the Resource Store: durable, idempotent
// records for the named volumes and networks services run against.
package resources

import (
	"errors"
	"fmt"

	"github.com/artpar/dockyard/internal/core/domain"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrConflictingResourceKind is returned when a name is already recorded
	// under a different kind.
	ErrConflictingResourceKind = errors.New("resource name already used by another kind")

	// ErrResourceInUse is returned when removing a resource a service still holds.
	ErrResourceInUse = errors.New("resource is in use")

	// ErrResourceNotFound is returned for operations on an unknown resource.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrExternalResourceMissing is returned when an external resource does not
	// exist on the host.
	ErrExternalResourceMissing = errors.New("external resource does not exist")
)

// ResourceError wraps errors with the resource they concern.
type ResourceError struct {
	Op      string
	Name    string
	Kind    domain.ResourceKind
	Message string
	Err     error
}

func (e *ResourceError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Kind, e.Name, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Name, e.Message)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// NewResourceError creates a new ResourceError.
func NewResourceError(op, name string, kind domain.ResourceKind, message string, err error) *ResourceError {
	return &ResourceError{
		Op:      op,
		Name:    name,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}
