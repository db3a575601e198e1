package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/artpar/dockyard/internal/core/compose"
	"github.com/artpar/dockyard/internal/core/graph"
	corelifecycle "github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/orchestrator"
	"github.com/artpar/dockyard/internal/shell/resources"
	"github.com/artpar/dockyard/internal/shell/store"
	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"command error", commandError("open database", ExitDatabaseError, errors.New("boom")), ExitDatabaseError},
		{"wrapped command error", fmt.Errorf("up: %w", commandError("read", ExitConfigError, errors.New("x"))), ExitConfigError},
		{"up validation", &orchestrator.UpError{Class: orchestrator.ClassValidation, Err: graph.ErrDependencyCycle}, ExitValidationError},
		{"up resource", &orchestrator.UpError{Class: orchestrator.ClassResource}, ExitResourceError},
		{"up launch", &orchestrator.UpError{Class: orchestrator.ClassLaunch}, ExitLaunchError},
		{"up dependency", &orchestrator.UpError{Class: orchestrator.ClassDependency}, ExitDependencyError},
		{"up timeout", &orchestrator.UpError{Class: orchestrator.ClassTimeout}, ExitTimeoutError},
		{"parse error", &compose.ParseError{Field: "services.web.ports[0]", Message: "bad port"}, ExitValidationError},
		{"graph validation", graph.NewValidationError("web", "depends_on", "unknown service", graph.ErrUnknownDependency), ExitValidationError},
		{"empty input", compose.ErrEmptyInput, ExitValidationError},
		{"teardown timeout", fmt.Errorf("stop db: %w", corelifecycle.ErrTeardownTimeout), ExitTimeoutError},
		{"resource in use", fmt.Errorf("remove shop_data: %w", resources.ErrResourceInUse), ExitResourceError},
		{"resource missing", resources.ErrExternalResourceMissing, ExitResourceError},
		{"image build", docker.ErrImageBuildFailed, ExitLaunchError},
		{"docker down", docker.ErrConnectionFailed, ExitDockerError},
		{"docker error", &docker.DockerError{Op: "inspect", Entity: "container", Err: errors.New("eof")}, ExitDockerError},
		{"migration", store.ErrMigrationFailed, ExitDatabaseError},
		{"store error", &store.StoreError{Op: "ListResources", Err: errors.New("locked")}, ExitDatabaseError},
		{"anything else", errors.New("unexpected"), ExitConfigError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestCommandError(t *testing.T) {
	cause := errors.New("permission denied")
	err := commandError("read compose file", ExitConfigError, cause)

	assert.Equal(t, "read compose file: permission denied", err.Error())
	assert.ErrorIs(t, err, cause)
}
