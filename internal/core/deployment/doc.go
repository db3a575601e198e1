// Package deployment provides pure functions for turning a service graph into
// Docker execution plans.
//
// This package contains the functional core logic for naming and planning.
// All functions are pure (no I/O, no side effects).
//
// # Functions
//
//   - Naming: Generate project-scoped names (NetworkName, VolumeName, ContainerName, ImageName)
//   - Container: Build container plans from compose services (BuildContainerPlan)
//   - Labels: Mark owned resources (ProjectLabels)
//
// # Usage
//
// The imperative shell (internal/shell/lifecycle) uses these pure functions
// to plan each launch, then executes the plan via the Docker API.
//
//	plan := deployment.BuildContainerPlan(deployment.BuildContainerPlanParams{
//	    Project: graph.Project(),
//	    Service: svc,
//	})
package deployment
