// Package lifecycle holds the per-service state machine and restart rules.
// This is part of the Functional Core - all functions are pure with no I/O.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/artpar/dockyard/internal/core/compose"
	"github.com/artpar/dockyard/internal/core/monitoring"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrInvalidTransition         = errors.New("invalid state transition")
	ErrResourceAcquisitionFailed = errors.New("resource acquisition failed")
	ErrLaunchFailed              = errors.New("launch failed")
	ErrDependencyFailed          = errors.New("dependency failed")
	ErrTeardownTimeout           = errors.New("teardown timed out")
	ErrRestartsExhausted         = errors.New("restart attempts exhausted")
	ErrExited                    = errors.New("container exited")
)

// TransitionError carries the service and the transition that failed.
type TransitionError struct {
	Service string
	From    State
	To      State
	Err     error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("service %s: %s -> %s: %v", e.Service, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(service string, from, to State, err error) *TransitionError {
	return &TransitionError{
		Service: service,
		From:    from,
		To:      to,
		Err:     err,
	}
}

// =============================================================================
// States
// =============================================================================

// State is a service instance's lifecycle state.
type State string

const (
	StatePending        State = "pending"
	StateResourcing     State = "resourcing"
	StateLaunching      State = "launching"
	StateRunning        State = "running"
	StateAwaitingHealth State = "awaiting-health"
	StateHealthy        State = "healthy"
	StateUnhealthy      State = "unhealthy"
	StateStopping       State = "stopping"
	StateStopped        State = "stopped"
	StateFailed         State = "failed"
)

// validTransitions defines the allowed state transitions.
// A live container (running and the health states) may go straight to
// stopped or failed when it exits on its own, and back to pending when the
// restart policy brings it back.
var validTransitions = map[State][]State{
	StatePending:        {StateResourcing, StateStopping, StateFailed},
	StateResourcing:     {StateLaunching, StateFailed, StateStopping},
	StateLaunching:      {StateRunning, StateFailed, StateStopping},
	StateRunning:        {StateAwaitingHealth, StateHealthy, StateStopping, StateStopped, StateFailed, StatePending},
	StateAwaitingHealth: {StateHealthy, StateUnhealthy, StateStopping, StateStopped, StateFailed, StatePending},
	StateHealthy:        {StateUnhealthy, StateStopping, StateStopped, StateFailed, StatePending},
	StateUnhealthy:      {StateHealthy, StateStopping, StateStopped, StateFailed, StatePending},
	StateStopping:       {StateStopped},
	StateStopped:        {StatePending},
	StateFailed:         {StatePending, StateStopping},
}

// ValidateTransition checks if a state transition is valid.
func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return ErrInvalidTransition
}

// IsLive reports whether a container is running in this state.
func (s State) IsLive() bool {
	switch s {
	case StateRunning, StateAwaitingHealth, StateHealthy, StateUnhealthy:
		return true
	}
	return false
}

// IsActive reports whether the state is between pending and stopping, i.e. the
// service holds or is acquiring resources.
func (s State) IsActive() bool {
	switch s {
	case StateResourcing, StateLaunching, StateStopping:
		return true
	}
	return s.IsLive()
}

// Satisfies reports whether a dependency in state s satisfies condition.
// started needs running or later; healthy needs healthy.
func Satisfies(s State, condition compose.DependencyCondition) bool {
	switch condition {
	case compose.ConditionHealthy:
		return s == StateHealthy
	default:
		return s.IsLive()
	}
}

// =============================================================================
// Instance
// =============================================================================

// Instance is the runtime binding of a service to a container.
type Instance struct {
	Service     string                  `json:"service"`
	ContainerID string                  `json:"container_id,omitempty"`
	State       State                   `json:"state"`
	Health      monitoring.HealthStatus `json:"health"`
	Attempts    int                     `json:"attempts"`
	Final       bool                    `json:"final"`
	LastError   string                  `json:"last_error,omitempty"`
	Err         error                   `json:"-"`
	StartedAt   time.Time               `json:"started_at,omitzero"`
	UpdatedAt   time.Time               `json:"updated_at"`

	// ReachedRunning and ReachedHealthy record the conditions the current
	// run has met. They survive the run settling and reset on BeginRun.
	ReachedRunning bool `json:"reached_running"`
	ReachedHealthy bool `json:"reached_healthy"`
}

// NewInstance creates a pending instance for service.
func NewInstance(service string, now time.Time) *Instance {
	return &Instance{
		Service:   service,
		State:     StatePending,
		Health:    monitoring.HealthStatusUnknown,
		UpdatedAt: now,
	}
}

// Transition moves the instance to a new state.
// Entering resourcing counts a launch attempt; entering a live state records
// the start time; leaving a live state clears the health classification.
func (i *Instance) Transition(to State, now time.Time) error {
	if err := ValidateTransition(i.State, to); err != nil {
		return NewTransitionError(i.Service, i.State, to, err)
	}

	i.State = to
	i.UpdatedAt = now
	i.Final = false

	switch to {
	case StateResourcing:
		i.Attempts++
		i.LastError = ""
		i.Err = nil
	case StateRunning:
		i.StartedAt = now
		i.Health = monitoring.HealthStatusUnknown
		i.ReachedRunning = true
	case StateHealthy:
		i.Health = monitoring.HealthStatusHealthy
		i.ReachedRunning = true
		i.ReachedHealthy = true
	case StateUnhealthy:
		i.Health = monitoring.HealthStatusUnhealthy
	case StatePending, StateStopped, StateFailed:
		i.Health = monitoring.HealthStatusUnknown
		if to != StatePending {
			i.ContainerID = ""
		}
	}
	return nil
}

// BeginRun forgets the conditions an earlier run reached.
func (i *Instance) BeginRun() {
	i.ReachedRunning = false
	i.ReachedHealthy = false
}

// Reached reports whether the current run has met condition at some point.
func (i *Instance) Reached(condition compose.DependencyCondition) bool {
	if condition == compose.ConditionHealthy {
		return i.ReachedHealthy
	}
	return i.ReachedRunning
}

// Fail moves the instance to failed, recording err.
// final marks a failure no restart will follow.
func (i *Instance) Fail(cause error, final bool, now time.Time) error {
	if err := i.Transition(StateFailed, now); err != nil {
		return err
	}
	if cause != nil {
		i.LastError = cause.Error()
		i.Err = cause
	}
	i.Final = final
	return nil
}

// PermanentlyFailed reports whether the instance failed and will not restart.
func (i *Instance) PermanentlyFailed() bool {
	return i.State == StateFailed && i.Final
}

// Settle moves the instance to the resting state a restart decision chose.
// The instance stays there until an explicit start or teardown.
func (i *Instance) Settle(to State, cause error, now time.Time) error {
	if to == StateFailed {
		return i.Fail(cause, true, now)
	}
	if err := i.Transition(to, now); err != nil {
		return err
	}
	i.Final = true
	return nil
}

// Settled reports whether the instance rests in stopped or failed and will
// not restart on its own.
func (i *Instance) Settled() bool {
	return i.Final && (i.State == StateFailed || i.State == StateStopped)
}

// =============================================================================
// Dependency Readiness
// =============================================================================

// Readiness is how a dependency stands toward launching a dependent.
type Readiness int

const (
	// NotReady means the dependency may still satisfy the condition.
	NotReady Readiness = iota
	Ready
	// Blocked means the dependency settled without satisfying the condition.
	Blocked
)

// CheckDependency judges dep against condition for launching a dependent.
//
// A dependency that is not settled is judged by its current state. A settled
// one is judged by what its run reached: a run to completion satisfies every
// condition it met on the way. A run that failed after meeting the condition
// satisfies a first launch, but not a relaunch, which needs the dependency
// back in the required state.
func CheckDependency(dep Instance, condition compose.DependencyCondition, relaunch bool) Readiness {
	if Satisfies(dep.State, condition) {
		return Ready
	}
	if !dep.Settled() {
		return NotReady
	}
	if !dep.Reached(condition) {
		return Blocked
	}
	if dep.State == StateStopped || !relaunch {
		return Ready
	}
	return Blocked
}
