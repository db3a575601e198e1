package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// cli carries what every command shares once the root command has run.
type cli struct {
	stdout io.Writer
	stderr io.Writer

	configPath  string
	file        string
	projectName string

	cfg    *Config
	logger *slog.Logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "dockyard",
		Short:         "Deploy Compose services in dependency order on the local Docker Engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "path to config file")
	flags.StringVarP(&c.file, "file", "f", "", "compose file (default project.file, compose.yaml)")
	flags.StringVarP(&c.projectName, "project-name", "p", "", "project name")

	root.AddCommand(
		newUpCmd(c),
		newDownCmd(c),
		newPsCmd(c),
		newConfigCmd(c),
		newBuildCmd(c),
		newVolumeCmd(c),
		newNetworkCmd(c),
		newEventsCmd(c),
		newLogsCmd(c),
		newVersionCmd(c),
	)
	return root
}

// setup loads configuration and applies the global flags over it.
func (c *cli) setup(cmd *cobra.Command) error {
	cfg, err := LoadConfig(c.configPath)
	if err != nil {
		return commandError("load config", ExitConfigError, err)
	}
	if c.file != "" {
		cfg.Project.File = c.file
	}
	if c.projectName != "" {
		cfg.Project.Name = c.projectName
	}

	c.cfg = cfg
	c.logger = SetupLogger(cfg, c.stderr)
	c.logger.Debug("configuration loaded",
		"command", cmd.Name(),
		"config", c.configPath,
		"file", cfg.Project.File,
	)
	return nil
}
