package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	corelifecycle "github.com/artpar/dockyard/internal/core/lifecycle"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrUpTimeout is reported for services that had not reached their
	// required condition when the up timeout expired.
	ErrUpTimeout = errors.New("timed out waiting for service")

	// ErrNoGraph is returned by Down and Status before any Up.
	ErrNoGraph = errors.New("no service graph loaded")
)

// FailureClass groups up failures for exit status reporting.
type FailureClass string

const (
	ClassNone       FailureClass = ""
	ClassValidation FailureClass = "validation"
	ClassResource   FailureClass = "resource"
	ClassLaunch     FailureClass = "launch"
	ClassDependency FailureClass = "dependency"
	ClassTimeout    FailureClass = "timeout"
)

// precedence orders classes from most to least significant.
var precedence = []FailureClass{ClassValidation, ClassResource, ClassLaunch, ClassDependency, ClassTimeout}

// ServiceFailure is one service that did not reach its required condition.
type ServiceFailure struct {
	Service string
	State   corelifecycle.State
	Class   FailureClass
	Err     error
}

// UpError is returned by Up when the graph is invalid or any service failed.
type UpError struct {
	Class    FailureClass
	Failures []ServiceFailure
	// Err is the validation error for ClassValidation.
	Err error
}

func (e *UpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid service graph: %v", e.Err)
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%s): %v", f.Service, f.State, f.Err))
	}
	return fmt.Sprintf("%d service(s) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *UpError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Err}
	}
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// ClassOf returns the failure class of err. Errors that are not up failures
// have ClassNone.
func ClassOf(err error) FailureClass {
	var upErr *UpError
	if errors.As(err, &upErr) {
		return upErr.Class
	}
	return ClassNone
}

// classify maps a service's failure cause to its class.
func classify(err error) FailureClass {
	switch {
	case errors.Is(err, corelifecycle.ErrResourceAcquisitionFailed):
		return ClassResource
	case errors.Is(err, corelifecycle.ErrDependencyFailed):
		return ClassDependency
	case errors.Is(err, ErrUpTimeout):
		return ClassTimeout
	default:
		return ClassLaunch
	}
}

// mostSignificant returns the highest-precedence class among failures.
func mostSignificant(failures []ServiceFailure) FailureClass {
	for _, class := range precedence {
		for _, f := range failures {
			if f.Class == class {
				return class
			}
		}
	}
	return ClassNone
}
