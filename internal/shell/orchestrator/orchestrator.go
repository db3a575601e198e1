// Package orchestrator is the Dependency Graph Orchestrator: it brings a
// validated service graph up in dependency order and tears it down in
// reverse.
//
// Every service waits at pending in its own goroutine until its dependency
// conditions hold. The gate is re-checked on every lifecycle change, so
// independent services launch concurrently and nothing blocks globally. A
// service the restart policy relaunches later passes the same gate again.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/dockyard/internal/core/compose"
	"github.com/artpar/dockyard/internal/core/deployment"
	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/core/graph"
	corelifecycle "github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/artpar/dockyard/internal/core/monitoring"
	"github.com/artpar/dockyard/internal/shell/lifecycle"
	"github.com/artpar/dockyard/internal/shell/resources"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Collaborators
// =============================================================================

// Services is the Lifecycle Controller as the orchestrator drives it.
type Services interface {
	Register(svc compose.Service)
	Start(ctx context.Context, name string, gate lifecycle.Gate) error
	Fail(name string, cause error) error
	Stop(ctx context.Context, name string) error
	Instance(name string) (corelifecycle.Instance, bool)
	Instances() []corelifecycle.Instance
	Changed() <-chan struct{}
}

// ResourceRemover deletes project networks and volumes after teardown.
type ResourceRemover interface {
	Remove(ctx context.Context, name string, kind domain.ResourceKind) error
}

var _ Services = (*lifecycle.Controller)(nil)

// =============================================================================
// Options
// =============================================================================

// UpOptions controls one Up call.
type UpOptions struct {
	// Services limits the run to these services and their dependencies.
	Services []string
	// Timeout bounds the wait for every service to reach its condition. 0
	// waits until ctx ends, so a healthy condition whose health check never
	// passes keeps Up blocked.
	Timeout time.Duration
}

// DownOptions controls one Down call.
type DownOptions struct {
	// RemoveVolumes also deletes the project's named volumes.
	RemoveVolumes bool
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator owns the orchestration state of one deployment.
type Orchestrator struct {
	services  Services
	resources ResourceRemover
	logger    *slog.Logger

	mu       sync.Mutex
	graph    *graph.Graph
	cancelUp context.CancelFunc
}

// New creates an Orchestrator. resources may be nil, in which case Down
// leaves networks and volumes in place.
func New(services Services, resources ResourceRemover, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		services:  services,
		resources: resources,
		logger:    logger.With("component", "orchestrator"),
	}
}

// Validate checks spec and returns its graph. A rejected spec yields an
// *UpError of ClassValidation before anything is created.
func Validate(spec *compose.ParsedSpec) (*graph.Graph, error) {
	g, err := graph.New(spec)
	if err != nil {
		return nil, &UpError{Class: ClassValidation, Err: err}
	}
	return g, nil
}

// Load sets the graph Down and Status work on without starting anything.
func (o *Orchestrator) Load(g *graph.Graph) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.graph = g
	for _, name := range g.StartOrder() {
		svc, _ := g.Service(name)
		o.services.Register(svc)
	}
}

// Up starts the services of g in dependency order and returns once every
// service is healthy, or with an *UpError naming each service that failed.
// A service whose dependency settles without having satisfied its condition
// fails with ErrDependencyFailed and is never launched. A dependency that ran
// to completion satisfies every condition it reached on the way.
func (o *Orchestrator) Up(ctx context.Context, g *graph.Graph, opts UpOptions) error {
	names := g.StartOrder()
	if len(opts.Services) > 0 {
		names = g.Subset(opts.Services...)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, opts.Timeout)
		defer timeoutCancel()
	}

	o.mu.Lock()
	o.graph = g
	o.cancelUp = cancel
	o.mu.Unlock()

	for _, name := range names {
		svc, _ := g.Service(name)
		o.services.Register(svc)
	}

	o.logger.Info("bringing up services",
		"project", g.Project(),
		"services", len(names),
		"levels", len(g.Levels()),
	)

	r := newUpRun(names)
	var (
		mu       sync.Mutex
		failures []ServiceFailure
	)
	var eg errgroup.Group
	for _, name := range names {
		eg.Go(func() error {
			if f := o.bring(ctx, g, r, name); f != nil {
				mu.Lock()
				failures = append(failures, *f)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	if len(failures) == 0 {
		o.logger.Info("all services up", "project", g.Project())
		return nil
	}

	ordered := make([]ServiceFailure, 0, len(failures))
	for _, name := range names {
		for _, f := range failures {
			if f.Service == name {
				ordered = append(ordered, f)
			}
		}
	}
	err := &UpError{Class: mostSignificant(ordered), Failures: ordered}
	o.logger.Error("bring up failed", "project", g.Project(), "class", err.Class, "error", err)
	return err
}

// bring gates, starts and waits for one service. It returns nil once the
// service is healthy.
func (o *Orchestrator) bring(ctx context.Context, g *graph.Graph, r *upRun, name string) *ServiceFailure {
	logger := o.logger.With("service", name)

	for {
		changed, handled := o.services.Changed(), r.wait()

		ready, blocker := o.gate(g, r, name)
		if blocker != nil {
			cause := corelifecycle.NewTransitionError(name, corelifecycle.StatePending, corelifecycle.StateResourcing, blocker.err())
			if err := o.services.Fail(name, cause); err != nil {
				logger.Error("failed to mark service failed", "error", err)
			}
			r.markHandled(name)
			return &ServiceFailure{Service: name, State: corelifecycle.StateFailed, Class: ClassDependency, Err: cause}
		}
		if ready {
			break
		}

		select {
		case <-changed:
		case <-handled:
		case <-ctx.Done():
			return o.timeoutFailure(name, ctx.Err())
		}
	}

	logger.Debug("dependencies satisfied")
	err := o.services.Start(ctx, name, o.relaunchGate(g, name))
	r.markHandled(name)
	if err != nil && !errors.Is(err, lifecycle.ErrAlreadyActive) {
		return &ServiceFailure{Service: name, State: corelifecycle.StatePending, Class: ClassLaunch, Err: err}
	}

	for {
		changed := o.services.Changed()

		inst, _ := o.services.Instance(name)
		switch {
		case inst.State == corelifecycle.StateHealthy:
			return nil
		case inst.Settled() && inst.State == corelifecycle.StateStopped:
			// Ran to completion
			return nil
		case inst.Settled():
			cause := inst.Err
			if cause == nil {
				cause = errors.New(inst.LastError)
			}
			return &ServiceFailure{Service: name, State: inst.State, Class: classify(cause), Err: cause}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return o.timeoutFailure(name, ctx.Err())
		}
	}
}

// upRun tracks which services one Up call has started or failed. A
// dependency left settled by an earlier run only blocks once this run has
// handled it.
type upRun struct {
	members map[string]bool

	mu      sync.Mutex
	handled map[string]bool
	changed chan struct{}
}

func newUpRun(names []string) *upRun {
	members := make(map[string]bool, len(names))
	for _, name := range names {
		members[name] = true
	}
	return &upRun{
		members: members,
		handled: make(map[string]bool, len(names)),
		changed: make(chan struct{}),
	}
}

func (r *upRun) markHandled(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled[name] = true
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *upRun) wait() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

// final reports whether a settled dependency can no longer change within
// this run.
func (r *upRun) final(name string) bool {
	if !r.members[name] {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handled[name]
}

// blockedDependency is a dependency that settled without satisfying the
// condition a dependent waits on.
type blockedDependency struct {
	inst      corelifecycle.Instance
	condition compose.DependencyCondition
}

func (b *blockedDependency) err() error {
	return fmt.Errorf("%w: %s is %s without %s", corelifecycle.ErrDependencyFailed,
		b.inst.Service, b.inst.State, conditionText(b.condition))
}

func conditionText(condition compose.DependencyCondition) string {
	if condition == compose.ConditionHealthy {
		return "being healthy"
	}
	return "running"
}

// gate reports whether every dependency of name satisfies its condition, or
// the first dependency that settled without doing so.
//
// A settled dependency is judged by what its run reached. That record only
// counts once this Up call has handled the dependency, so a service is not
// released by a run that ended before this one.
func (o *Orchestrator) gate(g *graph.Graph, r *upRun, name string) (bool, *blockedDependency) {
	ready := true
	for _, dep := range g.Dependencies(name) {
		inst, ok := o.services.Instance(dep.Service)
		if !ok {
			ready = false
			continue
		}
		switch corelifecycle.CheckDependency(inst, dep.Condition, false) {
		case corelifecycle.Ready:
			if corelifecycle.Satisfies(inst.State, dep.Condition) || r.final(dep.Service) {
				continue
			}
		case corelifecycle.Blocked:
			if r.final(dep.Service) {
				return false, &blockedDependency{inst: inst, condition: dep.Condition}
			}
		}
		ready = false
	}
	return ready, nil
}

// relaunchGate holds a service the restart policy brings back at pending
// until its dependencies satisfy their conditions again. It fails once a
// dependency has settled for good without satisfying one.
func (o *Orchestrator) relaunchGate(g *graph.Graph, name string) lifecycle.Gate {
	return func(ctx context.Context) error {
		logged := false
		for {
			changed := o.services.Changed()

			ready := true
			for _, dep := range g.Dependencies(name) {
				inst, ok := o.services.Instance(dep.Service)
				if !ok {
					ready = false
					continue
				}
				switch corelifecycle.CheckDependency(inst, dep.Condition, true) {
				case corelifecycle.Blocked:
					blocked := &blockedDependency{inst: inst, condition: dep.Condition}
					return blocked.err()
				case corelifecycle.NotReady:
					if !logged {
						o.logger.Info("relaunch waiting for dependency",
							"service", name,
							"dependency", dep.Service,
							"state", inst.State,
						)
						logged = true
					}
					ready = false
				}
			}
			if ready {
				return nil
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (o *Orchestrator) timeoutFailure(name string, cause error) *ServiceFailure {
	inst, _ := o.services.Instance(name)
	return &ServiceFailure{
		Service: name,
		State:   inst.State,
		Class:   ClassTimeout,
		Err:     fmt.Errorf("%w in state %s: %w", ErrUpTimeout, inst.State, cause),
	}
}

// Down stops every service of the loaded graph, dependents first. A service
// is stopped only after everything depending on it has stopped; independent
// services stop concurrently. Non-external networks are removed afterwards,
// and volumes too when opts.RemoveVolumes is set.
func (o *Orchestrator) Down(ctx context.Context, opts DownOptions) error {
	o.mu.Lock()
	g := o.graph
	if o.cancelUp != nil {
		o.cancelUp()
	}
	o.mu.Unlock()

	if g == nil {
		return ErrNoGraph
	}

	o.logger.Info("tearing down services", "project", g.Project())

	names := g.TeardownOrder()
	stopped := make(map[string]chan struct{}, len(names))
	for _, name := range names {
		stopped[name] = make(chan struct{})
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, name := range names {
		eg.Go(func() error {
			defer close(stopped[name])

			for _, dependent := range g.Dependents(name) {
				select {
				case <-stopped[dependent]:
				case <-egCtx.Done():
					return egCtx.Err()
				}
			}

			err := o.services.Stop(egCtx, name)
			if errors.Is(err, lifecycle.ErrUnknownService) {
				return nil
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("teardown of %s interrupted: %w", g.Project(), err)
	}

	errs = append(errs, o.removeResources(ctx, g, opts)...)
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	o.logger.Info("services down", "project", g.Project())
	return nil
}

func (o *Orchestrator) removeResources(ctx context.Context, g *graph.Graph, opts DownOptions) []error {
	if o.resources == nil {
		return nil
	}

	var errs []error
	remove := func(name string, kind domain.ResourceKind) {
		err := o.resources.Remove(ctx, name, kind)
		switch {
		case err == nil:
		case errors.Is(err, resources.ErrResourceNotFound):
		case errors.Is(err, resources.ErrResourceInUse):
			o.logger.Warn("resource still in use, keeping it", "resource", name, "kind", kind)
		default:
			errs = append(errs, err)
		}
	}

	for _, n := range g.Networks() {
		if !n.External {
			remove(deployment.NetworkName(g.Project(), n.Name), domain.ResourceKindNetwork)
		}
	}
	if opts.RemoveVolumes {
		for _, v := range g.Volumes() {
			if !v.External {
				remove(deployment.VolumeName(g.Project(), v.Name), domain.ResourceKindVolume)
			}
		}
	}
	return errs
}

// =============================================================================
// Status
// =============================================================================

// ProjectStatus is the state of every service plus the aggregate health.
type ProjectStatus struct {
	Project  string                   `json:"project"`
	Health   monitoring.HealthStatus  `json:"health"`
	Services []corelifecycle.Instance `json:"services"`
}

// Status reports every known service instance and the project health.
func (o *Orchestrator) Status() (ProjectStatus, error) {
	o.mu.Lock()
	g := o.graph
	o.mu.Unlock()
	if g == nil {
		return ProjectStatus{}, ErrNoGraph
	}

	instances := o.services.Instances()
	health := make([]monitoring.ServiceHealth, 0, len(instances))
	for _, inst := range instances {
		restarts := inst.Attempts - 1
		if restarts < 0 {
			restarts = 0
		}
		status := inst.Health
		if !inst.State.IsLive() {
			status = monitoring.HealthStatusUnhealthy
			if inst.State == corelifecycle.StatePending || inst.State == corelifecycle.StateResourcing ||
				inst.State == corelifecycle.StateLaunching {
				status = monitoring.HealthStatusUnknown
			}
		}
		health = append(health, monitoring.ServiceHealth{
			Name:     inst.Service,
			State:    string(inst.State),
			Health:   status,
			Restarts: restarts,
		})
	}

	return ProjectStatus{
		Project:  g.Project(),
		Health:   monitoring.AggregateHealth(health),
		Services: instances,
	}, nil
}
