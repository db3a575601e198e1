package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/artpar/dockyard/internal/core/deployment"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// logs
// =============================================================================

func newLogsCmd(c *cli) *cobra.Command {
	opts := docker.LogOptions{Tail: "all"}
	cmd := &cobra.Command{
		Use:   "logs [service...]",
		Short: "Show the output of the project's containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.logs(cmd.Context(), args, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Follow, "follow", false, "keep streaming new output until interrupted")
	cmd.Flags().StringVarP(&opts.Tail, "tail", "n", "all", `lines to show from the end of each log, or "all"`)
	cmd.Flags().BoolVarP(&opts.Timestamps, "timestamps", "t", false, "show timestamps")
	return cmd
}

func (c *cli) logs(ctx context.Context, names []string, opts docker.LogOptions) error {
	p, err := loadProject(c.cfg)
	if err != nil {
		return err
	}

	if len(names) == 0 {
		names = p.Graph.StartOrder()
	}
	for _, name := range names {
		if _, ok := p.Graph.Service(name); !ok {
			return commandError("logs", ExitValidationError, fmt.Errorf("no service named %q", name))
		}
	}

	d, err := docker.NewDockerClient(ctx, c.cfg.Docker.Host)
	if err != nil {
		return commandError("connect to docker", ExitDockerError, err)
	}
	defer d.Close()

	return streamLogs(ctx, d, p.Name(), names, opts, c.stdout, c.stderr)
}

// logSource is the part of the Docker client logs reads from.
type logSource interface {
	InspectContainer(ctx context.Context, containerID string) (*docker.ContainerInfo, error)
	ContainerLogs(ctx context.Context, containerID string, opts docker.LogOptions) (io.ReadCloser, error)
}

// streamLogs copies the logs of each service's container to stdout and
// stderr. With more than one service every line is led by the service name.
func streamLogs(ctx context.Context, src logSource, project string, services []string, opts docker.LogOptions, stdout, stderr io.Writer) error {
	width := 0
	for _, name := range services {
		width = max(width, len(name))
	}

	var (
		mu   sync.Mutex // one line at a time
		errs = make([]error, len(services))
		eg   errgroup.Group
	)
	for i, name := range services {
		eg.Go(func() error {
			if len(services) == 1 {
				errs[i] = serviceLogs(ctx, src, project, name, opts, stdout, stderr)
				return nil
			}

			prefix := fmt.Sprintf("%-*s | ", width, name)
			out := &prefixWriter{mu: &mu, w: stdout, prefix: prefix}
			errOut := &prefixWriter{mu: &mu, w: stderr, prefix: prefix}
			errs[i] = errors.Join(
				serviceLogs(ctx, src, project, name, opts, out, errOut),
				out.Flush(),
				errOut.Flush(),
			)
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

func serviceLogs(ctx context.Context, src logSource, project, name string, opts docker.LogOptions, stdout, stderr io.Writer) error {
	info, err := src.InspectContainer(ctx, deployment.ContainerName(project, name))
	if errors.Is(err, docker.ErrContainerNotFound) {
		return commandError("logs "+name, ExitDockerError, errors.New("service has no container"))
	}
	if err != nil {
		return err
	}

	rc, err := src.ContainerLogs(ctx, info.ID, opts)
	if err != nil {
		return err
	}
	defer rc.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read logs of %s: %w", name, err)
	}
	return nil
}

// prefixWriter writes whole lines to w, each led by prefix.
type prefixWriter struct {
	mu     *sync.Mutex
	w      io.Writer
	prefix string
	buf    []byte
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			return len(b), nil
		}
		if err := p.emit(p.buf[:i+1]); err != nil {
			return 0, err
		}
		p.buf = p.buf[i+1:]
	}
}

// Flush writes a trailing partial line.
func (p *prefixWriter) Flush() error {
	if len(p.buf) == 0 {
		return nil
	}
	line := append(p.buf, '\n')
	p.buf = nil
	return p.emit(line)
}

func (p *prefixWriter) emit(line []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintf(p.w, "%s%s", p.prefix, line)
	return err
}
