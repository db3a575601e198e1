// Package lifecycle is the Lifecycle Controller: it owns one supervisor
// goroutine per service and is the only place instance state changes.
//
// A supervisor drives its service through resourcing, launching and health
// checking, applies the restart policy when the container exits and tears the
// container down when asked to stop. Every transition is persisted as a
// service event.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/artpar/dockyard/internal/core/compose"
	"github.com/artpar/dockyard/internal/core/deployment"
	"github.com/artpar/dockyard/internal/core/domain"
	corelifecycle "github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/artpar/dockyard/internal/core/monitoring"
	"github.com/artpar/dockyard/internal/shell/builder"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/prober"
	"github.com/artpar/dockyard/internal/shell/resources"
	"k8s.io/utils/clock"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnknownService is returned for a service the controller was never given.
	ErrUnknownService = errors.New("unknown service")

	// ErrAlreadyActive is returned when starting a service that is already between
	// resourcing and stopping.
	ErrAlreadyActive = errors.New("service is already active")
)

// =============================================================================
// Collaborators
// =============================================================================

// Runtime is the part of the Docker client the controller drives.
type Runtime interface {
	CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	KillContainer(ctx context.Context, containerID, signal string) error
	RemoveContainer(ctx context.Context, containerID string, opts docker.RemoveOptions) error
	ListContainers(ctx context.Context, opts docker.ListOptions) ([]docker.ContainerInfo, error)
	InspectContainer(ctx context.Context, containerID string) (*docker.ContainerInfo, error)
	WaitContainer(ctx context.Context, containerID string) <-chan docker.ExitStatus
	ImageExists(ctx context.Context, image string) (bool, error)
	PullImage(ctx context.Context, image string, opts docker.PullOptions) error
}

// ResourceStore ensures and reference-counts volumes and networks.
type ResourceStore interface {
	Ensure(ctx context.Context, req resources.Request) (*domain.Resource, error)
	Acquire(ctx context.Context, name, project, service string) error
	ReleaseService(ctx context.Context, project, service string) error
}

// HealthProber starts a probe task for a launched service.
type HealthProber interface {
	Watch(ctx context.Context, target prober.Target) <-chan prober.Event
}

// ImageBuilder builds the image of a service with a build section.
type ImageBuilder interface {
	BuildService(ctx context.Context, project string, svc compose.Service) (builder.ImageRef, error)
}

// EventRecorder persists lifecycle transitions.
type EventRecorder interface {
	CreateServiceEvent(ctx context.Context, event *domain.ServiceEvent) error
}

// Deps are the collaborators a Controller drives. Builder and Events may be nil.
type Deps struct {
	Runtime   Runtime
	Resources ResourceStore
	Prober    HealthProber
	Builder   ImageBuilder
	Events    EventRecorder
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the project-wide settings of a Controller.
type Config struct {
	Project  string
	Volumes  []compose.Volume
	Networks []compose.Network

	Restart corelifecycle.RestartConfig

	// TeardownTimeout bounds a graceful stop before the container is killed.
	TeardownTimeout time.Duration

	// Detached hands restart policy and command probes to the Docker Engine.
	Detached bool
}

// DefaultTeardownTimeout is used when Config.TeardownTimeout is zero.
const DefaultTeardownTimeout = 10 * time.Second

// =============================================================================
// Controller
// =============================================================================

// Controller supervises the services of one project.
type Controller struct {
	cfg       Config
	runtime   Runtime
	resources ResourceStore
	prober    HealthProber
	builder   ImageBuilder
	events    EventRecorder
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	services map[string]*supervisor
	changed  chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the clock used for timestamps and restart backoff.
func WithClock(c clock.Clock) Option {
	return func(ctrl *Controller) { ctrl.clock = c }
}

// New creates a Controller for cfg.Project.
func New(cfg Config, deps Deps, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultTeardownTimeout
	}
	if cfg.Restart == (corelifecycle.RestartConfig{}) {
		cfg.Restart = corelifecycle.DefaultRestartConfig()
	}

	c := &Controller{
		cfg:       cfg,
		runtime:   deps.Runtime,
		resources: deps.Resources,
		prober:    deps.Prober,
		builder:   deps.Builder,
		events:    deps.Events,
		clock:     clock.RealClock{},
		logger:    logger.With("component", "lifecycle", "project", cfg.Project),
		services:  make(map[string]*supervisor),
		changed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a service in pending state. Registering a known service
// replaces its definition but keeps its instance.
func (c *Controller) Register(svc compose.Service) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sup, ok := c.services[svc.Name]; ok {
		sup.service = svc
		return
	}
	c.services[svc.Name] = &supervisor{
		service: svc,
		inst:    corelifecycle.NewInstance(svc.Name, c.clock.Now()),
	}
	c.notifyLocked()
}

// Gate holds a restarting service at pending until it may launch again.
// An error other than the context's fails the service for good.
type Gate func(ctx context.Context) error

// Start moves a registered service from pending to resourcing and hands it to
// its supervisor goroutine. It returns without waiting for the launch. A
// service resting in stopped or failed goes back to pending first.
//
// gate, when not nil, is awaited before every relaunch the restart policy
// makes during this run.
func (c *Controller) Start(ctx context.Context, name string, gate Gate) error {
	c.mu.Lock()
	sup, ok := c.services[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("start %s: %w", name, ErrUnknownService)
	}
	if sup.active || sup.inst.State.IsLive() {
		c.mu.Unlock()
		return fmt.Errorf("start %s: %w", name, ErrAlreadyActive)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sup.active = true
	sup.detach = false
	sup.cancel = cancel
	sup.done = make(chan struct{})
	sup.gate = gate
	sup.inst.BeginRun()
	state := sup.inst.State
	c.mu.Unlock()

	if state == corelifecycle.StateStopped || state == corelifecycle.StateFailed {
		if err := c.transition(sup, corelifecycle.StatePending, nil); err != nil {
			c.finish(sup)
			cancel()
			return err
		}
	}

	go c.run(runCtx, sup)
	return nil
}

// Fail marks a pending service failed for good without launching it.
func (c *Controller) Fail(name string, cause error) error {
	sup, err := c.lookup(name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	from := sup.inst.State
	err = sup.inst.Fail(cause, true, c.clock.Now())
	snapshot := *sup.inst
	if err == nil {
		c.notifyLocked()
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.logger.Error("service failed", "service", name, "from", from, "error", cause)
	c.record(snapshot, from, cause)
	return nil
}

// Stop cancels whatever the service is doing and tears it down: the container
// is stopped within the teardown timeout, killed if it does not stop, and
// removed. Stop returns once the service is stopped or ctx is done.
func (c *Controller) Stop(ctx context.Context, name string) error {
	sup, err := c.lookup(name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	active := sup.active
	cancel, done := sup.cancel, sup.done
	c.mu.Unlock()

	if active {
		cancel()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("stop %s: %w", name, ctx.Err())
		}
	}

	c.teardown(sup)
	return nil
}

// Detach ends supervision without touching containers. Running containers
// keep running under the Docker Engine's restart policy.
func (c *Controller) Detach() {
	c.mu.Lock()
	var waiting []chan struct{}
	for _, sup := range c.services {
		if sup.active {
			sup.detach = true
			sup.cancel()
			waiting = append(waiting, sup.done)
		}
	}
	c.mu.Unlock()

	for _, done := range waiting {
		<-done
	}
}

// Adopt registers the project's existing containers, found by label, as
// running instances so they can be listed and torn down. An exited container
// is adopted as failed with its exit code. It returns the adopted service
// names.
func (c *Controller) Adopt(ctx context.Context) ([]string, error) {
	containers, err := c.runtime.ListContainers(ctx, docker.ListOptions{
		All: true,
		Filters: map[string]string{
			"label": deployment.LabelProject + "=" + c.cfg.Project,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list containers of %s: %w", c.cfg.Project, err)
	}

	var adopted []string
	for _, info := range containers {
		name := info.Labels[deployment.LabelService]
		if name == "" {
			continue
		}
		cause := c.exitCause(ctx, name, info)

		c.mu.Lock()
		sup, ok := c.services[name]
		if !ok {
			sup = &supervisor{
				service: compose.Service{Name: name, Image: info.Image},
				inst:    corelifecycle.NewInstance(name, c.clock.Now()),
			}
			c.services[name] = sup
		}
		if sup.active || sup.inst.State != corelifecycle.StatePending {
			c.mu.Unlock()
			continue
		}

		health := info.Health
		var healthCheck *string
		if health != "" {
			healthCheck = &health
		}
		sup.inst.ContainerID = info.ID
		sup.inst.Health = monitoring.DetermineContainerHealth(string(info.Status), healthCheck, info.RestartCount)
		sup.inst.State = adoptedState(info.Status, sup.inst.Health)
		sup.inst.Final = sup.inst.State == corelifecycle.StateFailed
		if sup.inst.Final && cause != nil {
			sup.inst.LastError = cause.Error()
			sup.inst.Err = cause
		}
		sup.inst.Attempts = 1
		sup.inst.ReachedRunning = sup.inst.State.IsLive()
		sup.inst.ReachedHealthy = sup.inst.State == corelifecycle.StateHealthy
		sup.inst.UpdatedAt = c.clock.Now()
		if info.StartedAt != nil {
			sup.inst.StartedAt = *info.StartedAt
		}
		state := sup.inst.State
		c.notifyLocked()
		c.mu.Unlock()

		adopted = append(adopted, name)
		c.logger.Info("adopted container",
			"service", name,
			"container_id", shortID(info.ID),
			"state", state,
		)
	}

	sort.Strings(adopted)
	return adopted, nil
}

// exitCause inspects a container that is not running for the code it exited
// with. It returns nil for a running container or a clean exit.
func (c *Controller) exitCause(ctx context.Context, service string, info docker.ContainerInfo) error {
	if info.Status == docker.ContainerStatusRunning {
		return nil
	}
	detail, err := c.runtime.InspectContainer(ctx, info.ID)
	if err != nil {
		c.logger.Warn("failed to inspect container", "service", service, "container_id", shortID(info.ID), "error", err)
		return fmt.Errorf("%w: container is %s", corelifecycle.ErrExited, info.Status)
	}
	return failureOf(corelifecycle.Outcome{ExitCode: int64(detail.ExitCode)})
}

func adoptedState(status docker.ContainerStatus, health monitoring.HealthStatus) corelifecycle.State {
	if status != docker.ContainerStatusRunning {
		return corelifecycle.StateFailed
	}
	switch health {
	case monitoring.HealthStatusHealthy:
		return corelifecycle.StateHealthy
	case monitoring.HealthStatusUnhealthy:
		return corelifecycle.StateUnhealthy
	default:
		return corelifecycle.StateRunning
	}
}

// =============================================================================
// Queries
// =============================================================================

// Instance returns a copy of the named service's instance.
func (c *Controller) Instance(name string) (corelifecycle.Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sup, ok := c.services[name]
	if !ok {
		return corelifecycle.Instance{}, false
	}
	return *sup.inst, true
}

// Instances returns copies of all instances, sorted by service name.
func (c *Controller) Instances() []corelifecycle.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]corelifecycle.Instance, 0, len(c.services))
	for _, sup := range c.services {
		out = append(out, *sup.inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Changed returns a channel that is closed on the next state change.
// Take the channel before reading state to never miss a change.
func (c *Controller) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Project returns the project the controller supervises.
func (c *Controller) Project() string {
	return c.cfg.Project
}

// =============================================================================
// Internal
// =============================================================================

func (c *Controller) lookup(name string) (*supervisor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sup, ok := c.services[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownService)
	}
	return sup, nil
}

// transition applies one state change, wakes waiters and records the event.
func (c *Controller) transition(sup *supervisor, to corelifecycle.State, cause error) error {
	c.mu.Lock()
	from := sup.inst.State
	err := sup.inst.Transition(to, c.clock.Now())
	if err == nil && cause != nil {
		sup.inst.LastError = cause.Error()
		sup.inst.Err = cause
	}
	snapshot := *sup.inst
	if err == nil {
		c.notifyLocked()
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("rejected transition", "service", sup.name(), "from", from, "to", to, "error", err)
		return err
	}

	c.logger.Info("service transition",
		"service", snapshot.Service,
		"from", from,
		"to", to,
		"attempt", snapshot.Attempts,
	)
	c.record(snapshot, from, cause)
	return nil
}

// settle moves the service to the resting state a restart decision chose.
func (c *Controller) settle(sup *supervisor, to corelifecycle.State, cause error) {
	c.mu.Lock()
	from := sup.inst.State
	err := sup.inst.Settle(to, cause, c.clock.Now())
	snapshot := *sup.inst
	if err == nil {
		c.notifyLocked()
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("rejected transition", "service", sup.name(), "from", from, "to", to, "error", err)
		return
	}

	if to == corelifecycle.StateFailed {
		c.logger.Error("service failed", "service", snapshot.Service, "from", from, "attempt", snapshot.Attempts, "error", cause)
	} else {
		c.logger.Info("service exited", "service", snapshot.Service, "from", from)
	}
	c.record(snapshot, from, cause)
}

func (c *Controller) record(inst corelifecycle.Instance, from corelifecycle.State, cause error) {
	if c.events == nil {
		return
	}
	event := domain.NewServiceEvent(c.cfg.Project, inst.Service, from, inst.State, inst.Attempts, cause, inst.UpdatedAt)
	event.ContainerID = inst.ContainerID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.events.CreateServiceEvent(ctx, &event); err != nil {
		c.logger.Warn("failed to record service event", "service", inst.Service, "to", inst.State, "error", err)
	}
}

func (c *Controller) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Controller) setContainer(sup *supervisor, id string) {
	c.mu.Lock()
	sup.inst.ContainerID = id
	c.mu.Unlock()
}

func (c *Controller) snapshot(sup *supervisor) corelifecycle.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *sup.inst
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
