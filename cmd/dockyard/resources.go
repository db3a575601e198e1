package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/artpar/dockyard/internal/core/deployment"
	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/shell/resources"
	"github.com/artpar/dockyard/internal/shell/store"
	"github.com/spf13/cobra"
)

// =============================================================================
// volume / network
// =============================================================================

func newVolumeCmd(c *cli) *cobra.Command {
	return newResourceCmd(c, domain.ResourceKindVolume, "volume", "Manage the project's named volumes")
}

func newNetworkCmd(c *cli) *cobra.Command {
	return newResourceCmd(c, domain.ResourceKindNetwork, "network", "Manage the project's networks")
}

func newResourceCmd(c *cli, kind domain.ResourceKind, use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
	}

	var all bool
	ls := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   fmt.Sprintf("List %ss with the services holding them, and labelled ones missing a record", kind),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.listResources(cmd.Context(), kind, all)
		},
	}
	ls.Flags().BoolVarP(&all, "all", "a", false, "include every project")

	rm := &cobra.Command{
		Use:     "rm NAME...",
		Aliases: []string{"remove"},
		Short:   fmt.Sprintf("Remove %ss no service holds", kind),
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.removeResources(cmd.Context(), kind, args)
		},
	}

	cmd.AddCommand(ls, rm)
	return cmd
}

func (c *cli) listResources(ctx context.Context, kind domain.ResourceKind, all bool) error {
	filter := store.ResourceFilter{Kind: kind}
	if !all {
		project, err := projectName(c.cfg)
		if err != nil {
			return err
		}
		filter.Project = project
	}

	b, err := openBackend(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer b.Close()

	records, err := b.resources.List(ctx, filter)
	if err != nil {
		return err
	}

	rows := make([]resourceRow, 0, len(records))
	for _, rec := range records {
		refs, err := b.resources.Refs(ctx, rec.Name)
		if err != nil {
			return err
		}
		row := resourceRow{Resource: rec, Recorded: true}
		for _, ref := range refs {
			row.Users = append(row.Users, ref.Service)
		}
		rows = append(rows, row)
	}

	unrecorded, err := b.resources.Unrecorded(ctx, kind, filter.Project)
	if err != nil {
		return commandError("list host "+string(kind)+"s", ExitDockerError, err)
	}
	for _, res := range unrecorded {
		rows = append(rows, resourceRow{Resource: res})
	}

	return printResources(c.stdout, rows)
}

// resourceRow is one line of volume or network ls.
type resourceRow struct {
	domain.Resource
	Users []string
	// Recorded is false for a host object carrying dockyard's labels that
	// has no record.
	Recorded bool
}

func printResources(w io.Writer, rows []resourceRow) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDRIVER\tPROJECT\tEXTERNAL\tUSED BY")
	for _, row := range rows {
		users := strings.Join(row.Users, ",")
		if !row.Recorded {
			users = "(not recorded)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n",
			row.Name, row.Driver, row.Project, row.External, users)
	}
	return tw.Flush()
}

func (c *cli) removeResources(ctx context.Context, kind domain.ResourceKind, names []string) error {
	b, err := openBackend(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer b.Close()

	var errs []error
	for _, name := range names {
		resolved, err := c.resolveResource(ctx, b, kind, name)
		if err == nil {
			err = b.resources.Remove(ctx, resolved, kind)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Fprintln(c.stdout, resolved)
	}
	return errors.Join(errs...)
}

// resolveResource accepts either the full Docker name or the name declared in
// the compose file.
func (c *cli) resolveResource(ctx context.Context, b *backend, kind domain.ResourceKind, name string) (string, error) {
	_, err := b.resources.Get(ctx, name)
	if err == nil || !errors.Is(err, resources.ErrResourceNotFound) {
		return name, err
	}

	project, perr := projectName(c.cfg)
	if perr != nil {
		return name, err
	}
	scoped := deployment.VolumeName(project, name)
	if kind == domain.ResourceKindNetwork {
		scoped = deployment.NetworkName(project, name)
	}
	if _, serr := b.resources.Get(ctx, scoped); serr != nil {
		return name, err
	}
	return scoped, nil
}
