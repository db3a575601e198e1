package graph

import (
	"errors"
	"fmt"

	"github.com/artpar/dockyard/internal/core/compose"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MinMemoryLimit is the smallest memory ceiling the Docker Engine accepts.
	MinMemoryLimit = 6 * 1024 * 1024

	// MinCPUShares and MaxCPUShares bound the relative CPU weight.
	MinCPUShares = 2
	MaxCPUShares = 262144
)

// =============================================================================
// Validation
// =============================================================================

// Validate checks a parsed document and returns every problem found.
// Cycle detection only runs once references resolve, so a cycle error
// always names real services.
func Validate(spec *compose.ParsedSpec) []error {
	var errs []error

	known := make(map[string]bool, len(spec.Services))
	for _, svc := range spec.Services {
		if svc.Name == "" {
			errs = append(errs, NewValidationError("", "name", "service name is empty", ErrInvalidService))
			continue
		}
		if known[svc.Name] {
			errs = append(errs, NewValidationError(svc.Name, "", "service is declared more than once", ErrDuplicateService))
			continue
		}
		known[svc.Name] = true
	}

	volumes := make(map[string]bool, len(spec.Volumes))
	for _, v := range spec.Volumes {
		volumes[v.Name] = true
	}
	networks := make(map[string]bool, len(spec.Networks))
	for _, n := range spec.Networks {
		networks[n.Name] = true
	}

	referencesOK := true
	for _, svc := range spec.Services {
		if svc.Image == "" && svc.Build == nil {
			errs = append(errs, NewValidationError(svc.Name, "image", "service must have image or build", ErrInvalidService))
		}
		for _, dep := range svc.DependsOn {
			if !known[dep.Service] {
				referencesOK = false
				errs = append(errs, NewValidationError(svc.Name, "depends_on",
					fmt.Sprintf("depends on undefined service %q", dep.Service), ErrUnknownDependency))
			}
			if dep.Condition != compose.ConditionStarted && dep.Condition != compose.ConditionHealthy {
				errs = append(errs, NewValidationError(svc.Name, "depends_on."+dep.Service,
					fmt.Sprintf("condition %q is not started or healthy", dep.Condition), ErrInvalidCondition))
			}
		}
		for _, m := range svc.Volumes {
			if m.Type == compose.VolumeMountTypeVolume && m.Source != "" && !volumes[m.Source] {
				errs = append(errs, NewValidationError(svc.Name, "volumes",
					fmt.Sprintf("volume %q is not declared", m.Source), ErrUnknownResource))
			}
		}
		for _, n := range svc.Networks {
			if !networks[n] {
				errs = append(errs, NewValidationError(svc.Name, "networks",
					fmt.Sprintf("network %q is not declared", n), ErrUnknownResource))
			}
		}
		errs = append(errs, ValidateLimits(svc)...)
		errs = append(errs, ValidateProbe(svc)...)
		errs = append(errs, ValidateRestart(svc)...)
	}

	if referencesOK {
		if cycle := FindCycle(spec.Services); cycle != nil {
			errs = append(errs, &ValidationError{
				Service: cycle[0],
				Field:   "depends_on",
				Message: "dependency cycle detected",
				Cycle:   cycle,
				Err:     ErrDependencyCycle,
			})
		}
	}

	return errs
}

// ValidateLimits checks a service's resource limits.
func ValidateLimits(svc compose.Service) []error {
	var errs []error
	res := svc.Resources

	if res.CPUShares != 0 && (res.CPUShares < MinCPUShares || res.CPUShares > MaxCPUShares) {
		errs = append(errs, NewValidationError(svc.Name, "cpu_shares",
			fmt.Sprintf("CPU shares must be between %d and %d", MinCPUShares, MaxCPUShares), ErrMalformedLimits))
	}
	if res.CPULimit < 0 {
		errs = append(errs, NewValidationError(svc.Name, "cpus", "CPU limit cannot be negative", ErrMalformedLimits))
	}
	if res.MemoryLimit < 0 {
		errs = append(errs, NewValidationError(svc.Name, "mem_limit", "memory limit cannot be negative", ErrMalformedLimits))
	} else if res.MemoryLimit > 0 && res.MemoryLimit < MinMemoryLimit {
		errs = append(errs, NewValidationError(svc.Name, "mem_limit", "memory limit must be at least 6MiB", ErrMalformedLimits))
	}
	if res.MemoryReservation < 0 {
		errs = append(errs, NewValidationError(svc.Name, "mem_reservation", "memory reservation cannot be negative", ErrMalformedLimits))
	}
	if res.MemoryLimit > 0 && res.MemoryReservation > res.MemoryLimit {
		errs = append(errs, NewValidationError(svc.Name, "mem_reservation", "memory reservation exceeds memory limit", ErrMalformedLimits))
	}

	return errs
}

// ValidateProbe checks a service's health probe, if it has one.
func ValidateProbe(svc compose.Service) []error {
	hc := svc.HealthCheck
	if hc == nil {
		return nil
	}

	var errs []error
	if hc.URL == "" && len(hc.Test) == 0 {
		errs = append(errs, NewValidationError(svc.Name, "healthcheck", "probe needs a command or URL", ErrMalformedProbe))
	}
	if hc.Interval <= 0 {
		errs = append(errs, NewValidationError(svc.Name, "healthcheck.interval", "interval must be positive", ErrMalformedProbe))
	}
	if hc.Timeout <= 0 {
		errs = append(errs, NewValidationError(svc.Name, "healthcheck.timeout", "timeout must be positive", ErrMalformedProbe))
	}
	if hc.Retries < 0 {
		errs = append(errs, NewValidationError(svc.Name, "healthcheck.retries", "retries cannot be negative", ErrMalformedProbe))
	}
	if hc.StartPeriod < 0 {
		errs = append(errs, NewValidationError(svc.Name, "healthcheck.start_period", "start period cannot be negative", ErrMalformedProbe))
	}
	return errs
}

// ValidateRestart checks a service's restart policy.
func ValidateRestart(svc compose.Service) []error {
	switch svc.Restart.Mode {
	case "", compose.RestartNever, compose.RestartOnFailure, compose.RestartAlways:
	default:
		return []error{NewValidationError(svc.Name, "restart",
			fmt.Sprintf("unknown restart mode %q", svc.Restart.Mode), ErrMalformedRestart)}
	}
	if svc.Restart.MaxAttempts < 0 {
		return []error{NewValidationError(svc.Name, "restart", "max attempts cannot be negative", ErrMalformedRestart)}
	}
	return nil
}

// FindCycle returns the first dependency cycle found, or nil.
// The returned path starts and ends with the same service, e.g. [a b c a].
// Services are visited in declaration order so the result is deterministic.
func FindCycle(services []compose.Service) []string {
	deps := make(map[string][]string, len(services))
	for _, svc := range services {
		for _, d := range svc.DependsOn {
			deps[svc.Name] = append(deps[svc.Name], d.Service)
		}
	}

	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[string]int, len(services))
	var stack []string

	var visit func(node string) []string
	visit = func(node string) []string {
		state[node] = inProgress
		stack = append(stack, node)

		for _, dep := range deps[node] {
			switch state[dep] {
			case inProgress:
				start := 0
				for i, n := range stack {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append([]string{}, stack[start:]...)
				return append(cycle, dep)
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[node] = done
		return nil
	}

	for _, svc := range services {
		if state[svc.Name] == unvisited {
			if cycle := visit(svc.Name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Join combines validation errors into one error; nil when there are none.
func Join(errs []error) error {
	return errors.Join(errs...)
}
