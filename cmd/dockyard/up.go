package main

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/dockyard/internal/core/compose"
	"github.com/artpar/dockyard/internal/core/graph"
	"github.com/artpar/dockyard/internal/shell/orchestrator"
	"github.com/spf13/cobra"
)

// =============================================================================
// up
// =============================================================================

func newUpCmd(c *cli) *cobra.Command {
	var (
		detach  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "up [service...]",
		Short: "Bring services up in dependency order and supervise them",
		Long: `Bring services up in dependency order. A service starts once every
dependency has reached its condition (started or healthy).

In the foreground, restart policies and health probes stay active until
SIGINT or SIGTERM, after which every service is torn down. With --detach,
up returns once every service is healthy and leaves the containers running
under the Docker Engine's own restart policy.

--timeout bounds the wait for every service to reach its condition. With
--timeout 0 there is no bound: a service_healthy dependency whose health
check never passes keeps its dependents pending, and up blocks until it is
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("detach") {
				detach = c.cfg.Up.Detach
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = c.cfg.Up.Timeout
			}
			return c.up(cmd.Context(), args, detach, timeout)
		},
	}

	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "return once services are up and leave them running")
	cmd.Flags().DurationVar(&timeout, "timeout", 0,
		"how long to wait for services to reach their condition (default up.timeout; 0 waits until interrupted, even on a health check that never passes)")
	return cmd
}

func (c *cli) up(ctx context.Context, services []string, detach bool, timeout time.Duration) error {
	p, err := loadProject(c.cfg)
	if err != nil {
		return err
	}

	b, err := openBackend(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer b.Close()

	controller, orch := b.deployment(p, deploymentOptions{Detached: detach})

	if gated := healthGated(p.Graph); timeout == 0 && len(gated) > 0 {
		c.logger.Warn("up has no timeout: it blocks until interrupted if a health check never passes",
			"dependencies", gated)
	}

	stopStatus := c.serveStatus(p, orch, b)
	defer stopStatus()

	upErr := orch.Up(ctx, p.Graph, orchestrator.UpOptions{Services: services, Timeout: timeout})
	if status, err := orch.Status(); err == nil {
		printServices(c.stdout, status)
	}

	if detach {
		controller.Detach()
		return upErr
	}

	if upErr == nil {
		fmt.Fprintf(c.stdout, "\nProject %s is up. Press Ctrl+C to stop.\n", p.Name())
		<-ctx.Done()
	}

	c.logger.Info("tearing down", "project", p.Name())
	downErr := orch.Down(context.WithoutCancel(ctx), orchestrator.DownOptions{})

	// Interrupted while coming up: the teardown result is what matters
	if upErr != nil && ctx.Err() == nil {
		return upErr
	}
	return downErr
}

// healthGated returns the dependencies some service waits on to be healthy.
func healthGated(g *graph.Graph) []string {
	seen := make(map[string]bool)
	var gated []string
	for _, name := range g.StartOrder() {
		for _, dep := range g.Dependencies(name) {
			if dep.Condition == compose.ConditionHealthy && !seen[dep.Service] {
				seen[dep.Service] = true
				gated = append(gated, dep.Service)
			}
		}
	}
	return gated
}

// =============================================================================
// down
// =============================================================================

func newDownCmd(c *cli) *cobra.Command {
	var (
		timeout time.Duration
		volumes bool
	)

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop and remove services, dependents first",
		Long: `Stop and remove the project's containers in reverse dependency order,
then remove its networks. Containers started by an earlier up are found by
their project label.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.down(cmd.Context(), timeout, volumes)
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "graceful stop timeout per service (default teardown.timeout)")
	cmd.Flags().BoolVarP(&volumes, "volumes", "v", false, "also remove the project's named volumes")
	return cmd
}

func (c *cli) down(ctx context.Context, timeout time.Duration, volumes bool) error {
	p, err := loadProject(c.cfg)
	if err != nil {
		return err
	}

	b, err := openBackend(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer b.Close()

	controller, orch := b.deployment(p, deploymentOptions{TeardownTimeout: timeout})
	orch.Load(p.Graph)

	adopted, err := controller.Adopt(ctx)
	if err != nil {
		return commandError("find containers", ExitDockerError, err)
	}
	c.logger.Info("found project containers", "project", p.Name(), "count", len(adopted))

	if err := orch.Down(ctx, orchestrator.DownOptions{RemoveVolumes: volumes}); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Project %s is down.\n", p.Name())
	return nil
}
