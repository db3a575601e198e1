package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/artpar/dockyard/internal/core/compose"
	"github.com/artpar/dockyard/internal/shell/builder"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/spf13/cobra"
)

// =============================================================================
// build
// =============================================================================

func newBuildCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "build [service...]",
		Short: "Build the images of services that have a build section",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.build(cmd.Context(), args)
		},
	}
}

func (c *cli) build(ctx context.Context, names []string) error {
	p, err := loadProject(c.cfg)
	if err != nil {
		return err
	}

	if len(names) == 0 {
		names = p.Graph.StartOrder()
	}

	var services []compose.Service
	for _, name := range names {
		svc, ok := p.Graph.Service(name)
		if !ok {
			return commandError("build", ExitValidationError, fmt.Errorf("no service named %q", name))
		}
		if svc.Build != nil {
			services = append(services, svc)
		}
	}
	if len(services) == 0 {
		fmt.Fprintln(c.stdout, "No services to build.")
		return nil
	}

	d, err := docker.NewDockerClient(ctx, c.cfg.Docker.Host)
	if err != nil {
		return commandError("connect to docker", ExitDockerError, err)
	}
	defer d.Close()

	refs, err := builder.New(d, c.logger, builder.WithOutput(c.stderr)).BuildServices(ctx, p.Name(), services)
	if err != nil {
		return err
	}

	built := make([]string, 0, len(refs))
	for name := range refs {
		built = append(built, name)
	}
	sort.Strings(built)
	for _, name := range built {
		fmt.Fprintf(c.stdout, "%s\t%s\n", name, refs[name].Tag)
	}
	return nil
}
