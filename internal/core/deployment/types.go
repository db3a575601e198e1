package deployment

import (
	"time"

	"github.com/artpar/dockyard/internal/core/compose"
)

// =============================================================================
// Container Plan Types
// =============================================================================

// ContainerPlan represents a planned container configuration.
// This is the pure output of planning, ready for the shell to execute.
type ContainerPlan struct {
	Name          string
	Image         string
	Command       []string
	Entrypoint    []string
	Env           map[string]string
	Labels        map[string]string
	Ports         []PortPlan
	Volumes       []VolumePlan
	Networks      []NetworkPlan
	RestartPolicy RestartPolicyPlan
	Resources     ResourcePlan
	HealthCheck   *HealthCheckPlan
}

// PortPlan represents a planned port binding.
type PortPlan struct {
	ContainerPort int
	HostPort      int
	Protocol      string
	HostIP        string
}

// VolumePlan represents a planned mount.
type VolumePlan struct {
	Type     compose.VolumeMountType
	Source   string
	Target   string
	ReadOnly bool
}

// NetworkPlan is a network the container joins, reachable under Aliases.
type NetworkPlan struct {
	Name    string
	Aliases []string
}

// RestartPolicyPlan represents a Docker restart policy.
type RestartPolicyPlan struct {
	Name              string
	MaximumRetryCount int
}

// ResourcePlan represents resource limits.
type ResourcePlan struct {
	CPUShares         int64
	CPULimit          float64
	MemoryLimit       int64
	MemoryReservation int64
}

// HealthCheckPlan represents a Docker health check configuration.
type HealthCheckPlan struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// =============================================================================
// Builder Parameter Types
// =============================================================================

// BuildContainerPlanParams contains all inputs for building a container plan.
type BuildContainerPlanParams struct {
	Project  string
	Service  compose.Service
	Image    string // resolved image reference; defaults to Service.Image
	Volumes  []compose.Volume
	Networks []compose.Network
	// Detached hands the restart policy and command probe to the Docker Engine,
	// for runs where no dockyard process stays around to supervise.
	Detached           bool
	DefaultMaxAttempts int
}

// =============================================================================
// Container Labels
// =============================================================================

// Label keys used to identify containers, volumes and networks dockyard owns.
const (
	LabelManaged = "io.dockyard.managed"
	LabelProject = "io.dockyard.project"
	LabelService = "io.dockyard.service"
)

// ProjectLabels returns the labels that mark a resource as owned by project.
func ProjectLabels(project string) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelProject: project,
	}
}
