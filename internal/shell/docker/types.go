// Package docker provides a Docker client for container lifecycle management.
package docker

import (
	"context"
	"io"
	"time"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name          string
	Image         string
	Command       []string
	Entrypoint    []string
	Env           map[string]string
	Labels        map[string]string
	Ports         []PortBinding
	Volumes       []VolumeMount
	Networks      []NetworkAttachment
	WorkingDir    string
	User          string
	RestartPolicy RestartPolicy
	Resources     ResourceLimits
	HealthCheck   *HealthCheck
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// MountType is the kind of a container mount.
type MountType string

const (
	MountTypeVolume MountType = "volume"
	MountTypeBind   MountType = "bind"
	MountTypeTmpfs  MountType = "tmpfs"
)

// VolumeMount defines a volume mount.
type VolumeMount struct {
	Type     MountType // inferred from Source when empty
	Source   string    // Volume name or host path
	Target   string    // Container path
	ReadOnly bool
}

// NetworkAttachment joins a container to a network under the given aliases.
type NetworkAttachment struct {
	Name    string
	Aliases []string
}

// RestartPolicy defines the container restart policy.
type RestartPolicy struct {
	Name              string // "no", "always", "on-failure", "unless-stopped"
	MaximumRetryCount int
}

// ResourceLimits defines resource constraints.
type ResourceLimits struct {
	CPUShares         int64   // relative weight
	CPULimit          float64 // CPU cores
	MemoryLimit       int64   // Bytes
	MemoryReservation int64   // Bytes
}

// HealthCheck defines container health check configuration.
type HealthCheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// =============================================================================
// Container Info
// =============================================================================

// ContainerStatus represents the container status.
type ContainerStatus string

const (
	ContainerStatusCreated    ContainerStatus = "created"
	ContainerStatusRunning    ContainerStatus = "running"
	ContainerStatusPaused     ContainerStatus = "paused"
	ContainerStatusRestarting ContainerStatus = "restarting"
	ContainerStatusRemoving   ContainerStatus = "removing"
	ContainerStatusExited     ContainerStatus = "exited"
	ContainerStatusDead       ContainerStatus = "dead"
)

// ContainerInfo contains information about a container.
type ContainerInfo struct {
	ID           string
	Name         string
	Image        string
	Status       ContainerStatus
	Health       string // "healthy", "unhealthy", "starting", ""
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Ports        []PortBinding
	Labels       map[string]string
	ExitCode     int
	RestartCount int
}

// ExitStatus is reported once a container stops running.
type ExitStatus struct {
	Code int64
	Err  error
}

// ExecResult is the outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int
	Output   string
}

// =============================================================================
// Network Types
// =============================================================================

// NetworkSpec defines the specification for creating a network.
type NetworkSpec struct {
	Name       string
	Driver     string // "bridge", "overlay", etc.
	Internal   bool
	Attachable bool
	Labels     map[string]string
}

// NetworkInfo describes an existing network.
type NetworkInfo struct {
	ID     string
	Name   string
	Driver string
	Labels map[string]string
}

// =============================================================================
// Volume Types
// =============================================================================

// VolumeSpec defines the specification for creating a volume.
type VolumeSpec struct {
	Name   string
	Driver string
	Labels map[string]string
}

// VolumeInfo describes an existing volume.
type VolumeInfo struct {
	Name       string
	Driver     string
	Mountpoint string
	Labels     map[string]string
}

// =============================================================================
// Image Types
// =============================================================================

// BuildSpec describes an image build from a local context directory.
type BuildSpec struct {
	Context    string // directory sent to the daemon
	Dockerfile string // relative to Context
	Target     string // build stage; "" builds the last stage
	Tags       []string
	Labels     map[string]string
	Output     io.Writer // build log; nil discards it
}

// =============================================================================
// Options
// =============================================================================

// RemoveOptions defines options for removing containers.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// ListOptions defines options for listing containers, networks and volumes.
type ListOptions struct {
	All     bool              // Include stopped containers
	Filters map[string]string // e.g., {"label": "io.dockyard.project=shop"}
}

// LogOptions defines options for container logs.
type LogOptions struct {
	Follow     bool
	Tail       string // "all" or number
	Since      time.Time
	Until      time.Time
	Timestamps bool
}

// PullOptions defines options for pulling images.
type PullOptions struct {
	Platform string // e.g., "linux/amd64"
}

// =============================================================================
// Client Interface
// =============================================================================

// Client defines the Docker client interface.
type Client interface {
	// Container operations
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	KillContainer(ctx context.Context, containerID, signal string) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)
	ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error)
	WaitContainer(ctx context.Context, containerID string) <-chan ExitStatus
	ContainerLogs(ctx context.Context, containerID string, opts LogOptions) (io.ReadCloser, error)
	ExecCommand(ctx context.Context, containerID string, cmd []string) (ExecResult, error)

	// Network operations
	CreateNetwork(ctx context.Context, spec NetworkSpec) (networkID string, err error)
	InspectNetwork(ctx context.Context, name string) (*NetworkInfo, error)
	RemoveNetwork(ctx context.Context, networkID string) error
	ListNetworks(ctx context.Context, opts ListOptions) ([]NetworkInfo, error)

	// Volume operations
	CreateVolume(ctx context.Context, spec VolumeSpec) (volumeName string, err error)
	InspectVolume(ctx context.Context, name string) (*VolumeInfo, error)
	RemoveVolume(ctx context.Context, volumeName string, force bool) error
	ListVolumes(ctx context.Context, opts ListOptions) ([]VolumeInfo, error)

	// Image operations
	PullImage(ctx context.Context, image string, opts PullOptions) error
	ImageExists(ctx context.Context, image string) (bool, error)
	BuildImage(ctx context.Context, spec BuildSpec) (imageID string, err error)

	// Health operations
	Ping(ctx context.Context) error
	Close() error
}
