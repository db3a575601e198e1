// Package graph validates a service graph and answers ordering questions about it.
// This is part of the Functional Core - all functions are pure with no I/O.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrDuplicateService  = errors.New("duplicate service")
	ErrInvalidService    = errors.New("invalid service")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrInvalidCondition  = errors.New("invalid dependency condition")
	ErrDependencyCycle   = errors.New("dependency cycle")
	ErrUnknownResource   = errors.New("unknown volume or network")
	ErrMalformedLimits   = errors.New("malformed resource limits")
	ErrMalformedProbe    = errors.New("malformed health probe")
	ErrMalformedRestart  = errors.New("malformed restart policy")
)

// ValidationError reports why a graph was rejected.
// Cycle is set for ErrDependencyCycle and lists the services on the cycle,
// starting and ending with the same name.
type ValidationError struct {
	Service string
	Field   string
	Message string
	Cycle   []string
	Err     error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Service != "" {
		b.WriteString("service ")
		b.WriteString(e.Service)
		if e.Field != "" {
			b.WriteString(" ")
			b.WriteString(e.Field)
		}
		b.WriteString(": ")
	}
	if len(e.Cycle) > 0 {
		fmt.Fprintf(&b, "%s: %s", e.Message, strings.Join(e.Cycle, " -> "))
	} else {
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new ValidationError.
func NewValidationError(service, field, message string, err error) *ValidationError {
	return &ValidationError{
		Service: service,
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// IsValidationError reports whether err (or anything it wraps) is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
