package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	corelifecycle "github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/artpar/dockyard/internal/shell/api"
	"github.com/artpar/dockyard/internal/shell/orchestrator"
	"github.com/artpar/dockyard/internal/shell/store"
	"github.com/spf13/cobra"
)

// =============================================================================
// ps
// =============================================================================

func newPsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List services, their state and the project health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ps(cmd.Context())
		},
	}
}

func (c *cli) ps(ctx context.Context) error {
	p, err := loadProject(c.cfg)
	if err != nil {
		return err
	}

	b, err := openBackend(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer b.Close()

	controller, orch := b.deployment(p, deploymentOptions{})
	orch.Load(p.Graph)
	if _, err := controller.Adopt(ctx); err != nil {
		return commandError("find containers", ExitDockerError, err)
	}

	status, err := orch.Status()
	if err != nil {
		return err
	}
	printServices(c.stdout, status)
	return nil
}

// printServices writes one row per service followed by the project health.
func printServices(w io.Writer, status orchestrator.ProjectStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tSTATE\tHEALTH\tATTEMPTS\tCONTAINER\tERROR")
	for _, inst := range status.Services {
		state := string(inst.State)
		if inst.State == corelifecycle.StatePending && inst.ContainerID == "" && inst.Attempts == 0 {
			state = "not created"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			inst.Service,
			state,
			inst.Health,
			inst.Attempts,
			shortID(inst.ContainerID),
			oneLine(inst.LastError),
		)
	}
	tw.Flush()
	fmt.Fprintf(w, "\nProject %s: %s\n", status.Project, status.Health)
}

// =============================================================================
// events
// =============================================================================

func newEventsCmd(c *cli) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events [service]",
		Short: "Show recorded lifecycle transitions in the order they happened",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service := ""
			if len(args) == 1 {
				service = args[0]
			}
			return c.events(cmd.Context(), service, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of events to show")
	return cmd
}

func (c *cli) events(ctx context.Context, service string, limit int) error {
	project, err := projectName(c.cfg)
	if err != nil {
		return err
	}

	s, err := openStore(c.cfg.Database.DSN)
	if err != nil {
		return commandError("open database", ExitDatabaseError, err)
	}
	defer s.Close()

	events, err := s.ListServiceEvents(ctx,
		store.EventFilter{Project: project, Service: service},
		store.ListOptions{Limit: limit}.Normalize())
	if err != nil {
		return commandError("list events", ExitDatabaseError, err)
	}

	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSERVICE\tFROM\tTO\tATTEMPT\tCONTAINER\tERROR")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime),
			e.Service,
			e.From,
			e.To,
			e.Attempt,
			shortID(e.ContainerID),
			oneLine(e.Error),
		)
	}
	return tw.Flush()
}

// =============================================================================
// Status API
// =============================================================================

// serveStatus starts the status API when status.addr is set. The returned
// function shuts it down.
func (c *cli) serveStatus(p *project, orch *orchestrator.Orchestrator, b *backend) func() {
	if c.cfg.Status.Addr == "" {
		return func() {}
	}

	server := &http.Server{
		Addr: c.cfg.Status.Addr,
		Handler: api.SetupAPI(api.APIConfig{
			Project:   p.Name(),
			Status:    orch,
			Resources: b.resources,
			Events:    b.store,
			Logger:    c.logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		c.logger.Info("status API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("status API failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			c.logger.Warn("status API shutdown", "error", err)
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}
