package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/artpar/dockyard/internal/core/compose"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// config
// =============================================================================

// configView is the resolved graph as printed by the config command.
type configView struct {
	Project       string        `yaml:"project"`
	StartLevels   [][]string    `yaml:"start_levels"`
	TeardownOrder []string      `yaml:"teardown_order"`
	Services      []serviceView `yaml:"services"`
	Networks      []string      `yaml:"networks,omitempty"`
	Volumes       []string      `yaml:"volumes,omitempty"`
}

type serviceView struct {
	Name        string   `yaml:"name"`
	Image       string   `yaml:"image,omitempty"`
	Build       string   `yaml:"build,omitempty"`
	DependsOn   []string `yaml:"depends_on,omitempty"`
	Restart     string   `yaml:"restart"`
	Healthcheck string   `yaml:"healthcheck,omitempty"`
	Ports       []string `yaml:"ports,omitempty"`
	Networks    []string `yaml:"networks,omitempty"`
	Volumes     []string `yaml:"volumes,omitempty"`
}

func newConfigCmd(c *cli) *cobra.Command {
	var variables bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate the compose file and print the resolved service graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if variables {
				return c.configVariables()
			}
			return c.config()
		},
	}

	cmd.Flags().BoolVar(&variables, "variables", false, "list the ${VAR} references of the compose file")
	return cmd
}

func (c *cli) config() error {
	p, err := loadProject(c.cfg)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(resolvedView(p))
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	_, err = c.stdout.Write(out)
	return err
}

func (c *cli) configVariables() error {
	p, err := readProject(c.cfg)
	if err != nil {
		return err
	}
	for _, name := range compose.ExtractVariablesFromYAML(p.Raw) {
		fmt.Fprintln(c.stdout, name)
	}
	return nil
}

func resolvedView(p *project) configView {
	g := p.Graph
	view := configView{
		Project:       g.Project(),
		StartLevels:   g.Levels(),
		TeardownOrder: g.TeardownOrder(),
	}

	for _, name := range g.StartOrder() {
		svc, _ := g.Service(name)
		sv := serviceView{
			Name:     svc.Name,
			Image:    svc.Image,
			Restart:  restartString(svc.Restart),
			Networks: svc.Networks,
		}
		if svc.Build != nil {
			sv.Build = svc.Build.Context
		}
		for _, dep := range svc.DependsOn {
			sv.DependsOn = append(sv.DependsOn, fmt.Sprintf("%s (%s)", dep.Service, dep.Condition))
		}
		if hc := svc.HealthCheck; hc != nil {
			check := hc.URL
			if hc.IsCommand() {
				check = strings.Join(hc.Test, " ")
			}
			sv.Healthcheck = fmt.Sprintf("%s every %s, timeout %s, retries %d",
				check, hc.Interval, hc.Timeout, hc.Retries)
		}
		for _, port := range svc.Ports {
			sv.Ports = append(sv.Ports, portString(port))
		}
		for _, m := range svc.Volumes {
			sv.Volumes = append(sv.Volumes, fmt.Sprintf("%s:%s", m.Source, m.Target))
		}
		view.Services = append(view.Services, sv)
	}

	for _, n := range g.Networks() {
		view.Networks = append(view.Networks, n.Name)
	}
	for _, v := range g.Volumes() {
		view.Volumes = append(view.Volumes, v.Name)
	}
	return view
}

func restartString(policy compose.RestartPolicy) string {
	s := string(policy.Mode)
	if policy.MaxAttempts > 0 {
		s = fmt.Sprintf("%s:%d", s, policy.MaxAttempts)
	}
	return s
}

func portString(p compose.Port) string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	if p.Published == 0 {
		return fmt.Sprintf("%d/%s", p.Target, proto)
	}
	return fmt.Sprintf("%d:%d/%s", p.Published, p.Target, proto)
}

// =============================================================================
// version
// =============================================================================

func newVersionCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		// No config needed
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.stdout, "dockyard %s (built %s, %s %s/%s)\n",
				Version, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
