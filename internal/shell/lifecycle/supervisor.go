package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/dockyard/internal/core/compose"
	"github.com/artpar/dockyard/internal/core/deployment"
	"github.com/artpar/dockyard/internal/core/domain"
	corelifecycle "github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/artpar/dockyard/internal/core/monitoring"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/prober"
	"github.com/artpar/dockyard/internal/shell/resources"
)

// stopGrace is how much longer the Docker Engine waits than we do before it
// kills a container on its own, so the forced kill is always ours.
const stopGrace = 5 * time.Second

// supervisor is the controller's per-service record. Fields are guarded by
// Controller.mu.
type supervisor struct {
	service compose.Service
	inst    *corelifecycle.Instance

	active bool // a run goroutine owns the instance
	detach bool // the run goroutine exits without teardown
	cancel context.CancelFunc
	done   chan struct{}
	gate   Gate // awaited before each relaunch
}

func (s *supervisor) name() string {
	return s.service.Name
}

// =============================================================================
// Supervision Loop
// =============================================================================

// run drives one service until it settles or is stopped.
func (c *Controller) run(ctx context.Context, sup *supervisor) {
	defer c.finish(sup)

	for {
		outcome, cancelled := c.attempt(ctx, sup)
		if cancelled {
			c.exit(sup)
			return
		}

		inst := c.snapshot(sup)
		decision := corelifecycle.DecideRestart(sup.service.Restart, c.cfg.Restart, inst.Attempts, outcome)
		c.discardContainer(sup)

		if !decision.Restart {
			cause := failureOf(outcome)
			if errors.Is(decision.Err, corelifecycle.ErrRestartsExhausted) {
				cause = fmt.Errorf("%w: %w", corelifecycle.ErrRestartsExhausted, cause)
			}
			c.settle(sup, decision.Final, cause)
			c.release(sup)
			return
		}

		c.rest(sup, outcome)
		c.logger.Warn("restarting service",
			"service", sup.name(),
			"attempt", inst.Attempts,
			"delay", decision.Delay,
		)

		select {
		case <-ctx.Done():
			c.exit(sup)
			return
		case <-c.clock.After(decision.Delay):
		}

		if err := c.transition(sup, corelifecycle.StatePending, nil); err != nil {
			return
		}
		if !c.awaitGate(ctx, sup) {
			return
		}
	}
}

// awaitGate holds the service at pending until its gate opens. It reports
// false when the run ended instead: cancelled, or failed by the gate.
func (c *Controller) awaitGate(ctx context.Context, sup *supervisor) bool {
	if sup.gate == nil {
		return true
	}

	c.logger.Debug("waiting for dependencies before relaunch", "service", sup.name())
	err := sup.gate(ctx)
	if ctx.Err() != nil {
		c.exit(sup)
		return false
	}
	if err != nil {
		cause := corelifecycle.NewTransitionError(sup.name(), corelifecycle.StatePending, corelifecycle.StateResourcing, err)
		c.settle(sup, corelifecycle.StateFailed, cause)
		c.release(sup)
		return false
	}
	return true
}

// rest records the end of an attempt the restart policy will follow up on.
func (c *Controller) rest(sup *supervisor, outcome corelifecycle.Outcome) {
	if outcome.Clean() {
		_ = c.transition(sup, corelifecycle.StateStopped, nil)
		return
	}

	cause := failureOf(outcome)

	c.mu.Lock()
	from := sup.inst.State
	err := sup.inst.Fail(cause, false, c.clock.Now())
	snapshot := *sup.inst
	if err == nil {
		c.notifyLocked()
	}
	c.mu.Unlock()

	if err == nil {
		c.logger.Warn("service attempt failed", "service", sup.name(), "from", from, "attempt", snapshot.Attempts, "error", cause)
		c.record(snapshot, from, cause)
	}
}

// failureOf returns why an attempt failed, or nil for a clean exit.
func failureOf(outcome corelifecycle.Outcome) error {
	if outcome.Err != nil {
		return outcome.Err
	}
	if outcome.Clean() {
		return nil
	}
	return fmt.Errorf("%w with code %d", corelifecycle.ErrExited, outcome.ExitCode)
}

// exit ends a cancelled run: tear down, or leave the container alone when detaching.
func (c *Controller) exit(sup *supervisor) {
	c.mu.Lock()
	detach := sup.detach
	c.mu.Unlock()

	if detach {
		c.logger.Info("detached from service", "service", sup.name())
		return
	}
	c.teardown(sup)
}

func (c *Controller) finish(sup *supervisor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sup.active = false
	if sup.done != nil {
		select {
		case <-sup.done:
		default:
			close(sup.done)
		}
	}
}

// =============================================================================
// Attempt
// =============================================================================

// attempt runs one launch of the service and blocks until its container exits.
// cancelled reports that ctx ended the attempt.
func (c *Controller) attempt(ctx context.Context, sup *supervisor) (corelifecycle.Outcome, bool) {
	name := sup.name()

	if err := c.transition(sup, corelifecycle.StateResourcing, nil); err != nil {
		return corelifecycle.Outcome{Err: err}, false
	}
	if err := c.acquire(ctx, sup.service); err != nil {
		if ctx.Err() != nil {
			return corelifecycle.Outcome{}, true
		}
		return corelifecycle.Outcome{Err: corelifecycle.NewTransitionError(name,
			corelifecycle.StateResourcing, corelifecycle.StateLaunching,
			fmt.Errorf("%w: %w", corelifecycle.ErrResourceAcquisitionFailed, err))}, false
	}
	if ctx.Err() != nil {
		return corelifecycle.Outcome{}, true
	}

	if err := c.transition(sup, corelifecycle.StateLaunching, nil); err != nil {
		return corelifecycle.Outcome{Err: err}, false
	}
	id, err := c.launch(ctx, sup)
	if err != nil {
		if ctx.Err() != nil {
			return corelifecycle.Outcome{}, true
		}
		return corelifecycle.Outcome{Err: corelifecycle.NewTransitionError(name,
			corelifecycle.StateLaunching, corelifecycle.StateRunning,
			fmt.Errorf("%w: %w", corelifecycle.ErrLaunchFailed, err))}, false
	}
	if ctx.Err() != nil {
		return corelifecycle.Outcome{}, true
	}

	if err := c.transition(sup, corelifecycle.StateRunning, nil); err != nil {
		return corelifecycle.Outcome{Err: err}, false
	}
	return c.monitor(ctx, sup, id)
}

// acquire ensures and references every named volume and network the service uses.
func (c *Controller) acquire(ctx context.Context, svc compose.Service) error {
	for _, req := range c.resourceRequests(svc) {
		if _, err := c.resources.Ensure(ctx, req); err != nil {
			return fmt.Errorf("%s %s: %w", req.Kind, req.Name, err)
		}
		if err := c.resources.Acquire(ctx, req.Name, c.cfg.Project, svc.Name); err != nil {
			return fmt.Errorf("%s %s: %w", req.Kind, req.Name, err)
		}
	}
	return nil
}

func (c *Controller) resourceRequests(svc compose.Service) []resources.Request {
	var reqs []resources.Request

	for _, mount := range svc.Volumes {
		if mount.Type != compose.VolumeMountTypeVolume || mount.Source == "" {
			continue
		}
		req := resources.Request{
			Name:    deployment.ResolveVolumeName(c.cfg.Project, mount.Source, c.cfg.Volumes),
			Kind:    domain.ResourceKindVolume,
			Project: c.cfg.Project,
		}
		for _, v := range c.cfg.Volumes {
			if v.Name == mount.Source {
				req.Driver = v.Driver
				req.External = v.External
				req.Labels = v.Labels
			}
		}
		reqs = append(reqs, req)
	}

	for _, network := range svc.Networks {
		req := resources.Request{
			Name:    deployment.ResolveNetworkName(c.cfg.Project, network, c.cfg.Networks),
			Kind:    domain.ResourceKindNetwork,
			Project: c.cfg.Project,
		}
		for _, n := range c.cfg.Networks {
			if n.Name == network {
				req.Driver = n.Driver
				req.External = n.External
				req.Internal = n.Internal
				req.Attachable = n.Attachable
				req.Labels = n.Labels
			}
		}
		reqs = append(reqs, req)
	}

	return reqs
}

// launch creates and starts the container with the declared environment,
// ports and limits. A leftover container with the same name is replaced.
func (c *Controller) launch(ctx context.Context, sup *supervisor) (string, error) {
	svc := sup.service

	image, err := c.resolveImage(ctx, svc)
	if err != nil {
		return "", err
	}

	plan := deployment.BuildContainerPlan(deployment.BuildContainerPlanParams{
		Project:            c.cfg.Project,
		Service:            svc,
		Image:              image,
		Volumes:            c.cfg.Volumes,
		Networks:           c.cfg.Networks,
		Detached:           c.cfg.Detached,
		DefaultMaxAttempts: c.cfg.Restart.DefaultMaxAttempts,
	})
	spec := docker.SpecFromPlan(plan)

	id, err := c.runtime.CreateContainer(ctx, spec)
	if errors.Is(err, docker.ErrContainerAlreadyExists) {
		c.logger.Warn("replacing leftover container", "service", svc.Name, "container", spec.Name)
		if rmErr := c.runtime.RemoveContainer(ctx, spec.Name, docker.RemoveOptions{Force: true}); rmErr != nil {
			return "", fmt.Errorf("remove leftover container: %w", rmErr)
		}
		id, err = c.runtime.CreateContainer(ctx, spec)
	}
	if err != nil {
		return "", err
	}
	c.setContainer(sup, id)

	if err := c.runtime.StartContainer(ctx, id); err != nil {
		return "", err
	}

	c.logger.Info("container started", "service", svc.Name, "container_id", shortID(id), "image", image)
	return id, nil
}

// resolveImage builds the service image or pulls it when missing.
func (c *Controller) resolveImage(ctx context.Context, svc compose.Service) (string, error) {
	if svc.Build != nil {
		if c.builder == nil {
			return "", fmt.Errorf("service %s has a build section but no builder is configured", svc.Name)
		}
		ref, err := c.builder.BuildService(ctx, c.cfg.Project, svc)
		if err != nil {
			return "", err
		}
		return ref.Tag, nil
	}

	exists, err := c.runtime.ImageExists(ctx, svc.Image)
	if err != nil {
		return "", err
	}
	if !exists {
		c.logger.Info("pulling image", "service", svc.Name, "image", svc.Image)
		if err := c.runtime.PullImage(ctx, svc.Image, docker.PullOptions{}); err != nil {
			return "", err
		}
	}
	return svc.Image, nil
}

// monitor follows a running container: health changes from the prober and
// the container's exit.
func (c *Controller) monitor(ctx context.Context, sup *supervisor, id string) (corelifecycle.Outcome, bool) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	exits := c.runtime.WaitContainer(watchCtx, id)

	var health <-chan prober.Event
	if probe := sup.service.HealthCheck; probe != nil {
		if err := c.transition(sup, corelifecycle.StateAwaitingHealth, nil); err != nil {
			return corelifecycle.Outcome{Err: err}, false
		}
		health = c.prober.Watch(watchCtx, prober.Target{
			Service:     sup.name(),
			ContainerID: id,
			Probe:       probe,
			StartedAt:   c.snapshot(sup).StartedAt,
		})
	} else if err := c.transition(sup, corelifecycle.StateHealthy, nil); err != nil {
		return corelifecycle.Outcome{Err: err}, false
	}

	for {
		select {
		case <-ctx.Done():
			return corelifecycle.Outcome{}, true

		case status := <-exits:
			if ctx.Err() != nil {
				return corelifecycle.Outcome{}, true
			}
			if status.Err != nil {
				return corelifecycle.Outcome{Err: fmt.Errorf("%w: %w", corelifecycle.ErrExited, status.Err)}, false
			}
			c.logger.Info("container exited", "service", sup.name(), "container_id", shortID(id), "exit_code", status.Code)
			return corelifecycle.Outcome{ExitCode: status.Code}, false

		case ev, ok := <-health:
			if !ok {
				health = nil
				continue
			}
			switch ev.Status {
			case monitoring.HealthStatusHealthy:
				_ = c.transition(sup, corelifecycle.StateHealthy, nil)
			case monitoring.HealthStatusUnhealthy:
				_ = c.transition(sup, corelifecycle.StateUnhealthy, ev.Err)
			}
		}
	}
}

// =============================================================================
// Teardown
// =============================================================================

// teardown stops and removes the container, drops resource references and
// leaves the service stopped.
func (c *Controller) teardown(sup *supervisor) {
	inst := c.snapshot(sup)
	if inst.State == corelifecycle.StateStopped {
		c.release(sup)
		return
	}

	if err := c.transition(sup, corelifecycle.StateStopping, nil); err != nil {
		return
	}

	var cause error
	if inst.ContainerID != "" {
		cause = c.stopContainer(sup, inst.ContainerID)
		c.discardContainer(sup)
	}
	c.release(sup)

	_ = c.transition(sup, corelifecycle.StateStopped, cause)
}

// stopContainer asks the container to stop and kills it when it does not
// within the teardown timeout. The returned error is the teardown timeout,
// if one happened.
func (c *Controller) stopContainer(sup *supervisor, id string) error {
	timeout := c.cfg.TeardownTimeout
	engineTimeout := timeout + stopGrace

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := c.runtime.StopContainer(ctx, id, &engineTimeout)
	if err == nil || errors.Is(err, docker.ErrContainerNotFound) || errors.Is(err, docker.ErrContainerNotRunning) {
		return nil
	}

	terr := corelifecycle.NewTransitionError(sup.name(), corelifecycle.StateStopping, corelifecycle.StateStopped,
		fmt.Errorf("%w after %s: %w", corelifecycle.ErrTeardownTimeout, timeout, err))
	c.logger.Warn("container did not stop in time, killing it",
		"service", sup.name(),
		"container_id", shortID(id),
		"timeout", timeout,
		"error", err,
	)

	killCtx, killCancel := context.WithTimeout(context.Background(), stopGrace)
	defer killCancel()
	if err := c.runtime.KillContainer(killCtx, id, "SIGKILL"); err != nil &&
		!errors.Is(err, docker.ErrContainerNotFound) && !errors.Is(err, docker.ErrContainerNotRunning) {
		c.logger.Error("failed to kill container", "service", sup.name(), "container_id", shortID(id), "error", err)
	}
	return terr
}

// discardContainer removes the service's current container, if any.
func (c *Controller) discardContainer(sup *supervisor) {
	id := c.snapshot(sup).ContainerID
	if id == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	err := c.runtime.RemoveContainer(ctx, id, docker.RemoveOptions{Force: true})
	if err != nil && !errors.Is(err, docker.ErrContainerNotFound) {
		c.logger.Warn("failed to remove container", "service", sup.name(), "container_id", shortID(id), "error", err)
	}
}

func (c *Controller) release(sup *supervisor) {
	if c.resources == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	if err := c.resources.ReleaseService(ctx, c.cfg.Project, sup.name()); err != nil {
		c.logger.Warn("failed to release resources", "service", sup.name(), "error", err)
	}
}
