package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/artpar/dockyard/internal/shell/builder"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/artpar/dockyard/internal/shell/lifecycle"
	"github.com/artpar/dockyard/internal/shell/orchestrator"
	"github.com/artpar/dockyard/internal/shell/prober"
	"github.com/artpar/dockyard/internal/shell/resources"
	"github.com/artpar/dockyard/internal/shell/store"
)

// =============================================================================
// Runtime Wiring
// =============================================================================

// backend holds the connections every deploying command needs.
type backend struct {
	cfg       *Config
	logger    *slog.Logger
	docker    *docker.DockerClient
	store     *store.SQLiteStore
	resources *resources.Store
}

// openBackend connects to the Docker Engine and opens the record database.
func openBackend(ctx context.Context, cfg *Config, logger *slog.Logger) (*backend, error) {
	d, err := docker.NewDockerClient(ctx, cfg.Docker.Host)
	if err != nil {
		return nil, commandError("connect to docker", ExitDockerError, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := d.Ping(pingCtx); err != nil {
		d.Close()
		return nil, commandError("connect to docker", ExitDockerError, err)
	}

	s, err := openStore(cfg.Database.DSN)
	if err != nil {
		d.Close()
		return nil, commandError("open database", ExitDatabaseError, err)
	}

	return &backend{
		cfg:       cfg,
		logger:    logger,
		docker:    d,
		store:     s,
		resources: resources.New(s, d, logger),
	}, nil
}

func openStore(dsn string) (*store.SQLiteStore, error) {
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	return store.NewSQLiteStore(dsn)
}

// Close releases the Docker and database connections.
func (b *backend) Close() {
	if err := b.store.Close(); err != nil {
		b.logger.Warn("failed to close database", "error", err)
	}
	if err := b.docker.Close(); err != nil {
		b.logger.Warn("failed to close docker client", "error", err)
	}
}

// deploymentOptions tunes the controller for one command.
type deploymentOptions struct {
	Detached        bool
	TeardownTimeout time.Duration
}

// deployment wires a lifecycle controller and an orchestrator for p.
func (b *backend) deployment(p *project, opts deploymentOptions) (*lifecycle.Controller, *orchestrator.Orchestrator) {
	teardown := opts.TeardownTimeout
	if teardown <= 0 {
		teardown = b.cfg.Teardown.Timeout
	}

	controller := lifecycle.New(lifecycle.Config{
		Project:         p.Name(),
		Volumes:         p.Graph.Volumes(),
		Networks:        p.Graph.Networks(),
		Restart:         b.cfg.Restart.RestartPolicy(),
		TeardownTimeout: teardown,
		Detached:        opts.Detached,
	}, lifecycle.Deps{
		Runtime:   b.docker,
		Resources: b.resources,
		Prober: prober.New(b.docker, b.logger,
			prober.WithHealthyFailureThreshold(b.cfg.Probe.HealthyFailureThreshold)),
		Builder: builder.New(b.docker, b.logger),
		Events:  b.store,
	}, b.logger)

	return controller, orchestrator.New(controller, b.resources, b.logger)
}
