package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/artpar/dockyard/internal/core/compose"
	"github.com/artpar/dockyard/internal/core/graph"
	"github.com/artpar/dockyard/internal/shell/orchestrator"
)

// =============================================================================
// Project Loading
// =============================================================================

// project is a parsed and validated compose file.
type project struct {
	Path  string
	Raw   string
	Spec  *compose.ParsedSpec
	Graph *graph.Graph
}

// Name returns the project name every resource is scoped by.
func (p *project) Name() string {
	return p.Graph.Project()
}

// readProject reads the compose file and parses it without validating the graph.
func readProject(cfg *Config) (*project, error) {
	path, err := filepath.Abs(cfg.Project.File)
	if err != nil {
		return nil, commandError("read compose file", ExitConfigError, err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, commandError("read compose file", ExitConfigError, err)
	}

	spec, err := compose.Parse(string(raw), compose.Options{
		ProjectName: cfg.Project.Name,
		WorkingDir:  filepath.Dir(path),
		Environment: environment(),
		Probe:       cfg.Probe.ProbeDefaults(),
	})
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", cfg.Project.File, err)
	}

	return &project{Path: path, Raw: string(raw), Spec: spec}, nil
}

// loadProject reads the compose file and validates its service graph.
func loadProject(cfg *Config) (*project, error) {
	p, err := readProject(cfg)
	if err != nil {
		return nil, err
	}

	g, err := orchestrator.Validate(p.Spec)
	if err != nil {
		return nil, err
	}
	p.Graph = g
	return p, nil
}

// projectName resolves the project for commands that can work without a
// compose file: the configured name wins, then the compose file's project.
func projectName(cfg *Config) (string, error) {
	if cfg.Project.Name != "" {
		return cfg.Project.Name, nil
	}
	p, err := readProject(cfg)
	if err == nil {
		return p.Spec.Name, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return "", commandError("resolve project", ExitConfigError,
			fmt.Errorf("no compose file at %s; pass --project-name", cfg.Project.File))
	}
	return "", err
}

// environment returns the process environment for ${VAR} interpolation.
func environment() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
