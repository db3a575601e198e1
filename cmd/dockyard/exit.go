package main

import (
	"errors"
	"fmt"

	"github.com/artpar/dockyard/internal/core/compose"
	"github.com/artpar/dockyard/internal/core/graph"
	corelifecycle "github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/orchestrator"
	"github.com/artpar/dockyard/internal/shell/resources"
	"github.com/artpar/dockyard/internal/shell/store"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitValidationError = 2
	ExitResourceError   = 3
	ExitLaunchError     = 4
	ExitDependencyError = 5
	ExitTimeoutError    = 6
	ExitDockerError     = 7
	ExitDatabaseError   = 8
)

// CommandError attaches an exit code to an error.
type CommandError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func commandError(op string, code int, err error) error {
	return &CommandError{Op: op, Err: err, ExitCode: code}
}

// exitCode maps an error returned by a command to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}

	switch orchestrator.ClassOf(err) {
	case orchestrator.ClassValidation:
		return ExitValidationError
	case orchestrator.ClassResource:
		return ExitResourceError
	case orchestrator.ClassLaunch:
		return ExitLaunchError
	case orchestrator.ClassDependency:
		return ExitDependencyError
	case orchestrator.ClassTimeout:
		return ExitTimeoutError
	}

	var parseErr *compose.ParseError
	switch {
	case errors.As(err, &parseErr), graph.IsValidationError(err), errors.Is(err, compose.ErrEmptyInput):
		return ExitValidationError
	case errors.Is(err, corelifecycle.ErrTeardownTimeout):
		return ExitTimeoutError
	case errors.Is(err, resources.ErrResourceInUse),
		errors.Is(err, resources.ErrResourceNotFound),
		errors.Is(err, resources.ErrConflictingResourceKind),
		errors.Is(err, resources.ErrExternalResourceMissing):
		return ExitResourceError
	case errors.Is(err, docker.ErrImageBuildFailed), errors.Is(err, docker.ErrImagePullFailed):
		return ExitLaunchError
	case errors.Is(err, docker.ErrConnectionFailed):
		return ExitDockerError
	case errors.Is(err, store.ErrConnectionFailed), errors.Is(err, store.ErrMigrationFailed):
		return ExitDatabaseError
	}

	var dockerErr *docker.DockerError
	if errors.As(err, &dockerErr) {
		return ExitDockerError
	}
	var storeErr *store.StoreError
	if errors.As(err, &storeErr) {
		return ExitDatabaseError
	}
	return ExitConfigError
}
