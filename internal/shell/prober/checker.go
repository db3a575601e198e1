package prober

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/artpar/dockyard/internal/core/monitoring"
	"github.com/artpar/dockyard/internal/shell/docker"
)

// =============================================================================
// Checkers
// =============================================================================

// Checker runs one probe attempt. A nil error means the service answered healthy.
type Checker interface {
	Check(ctx context.Context) error
}

// Execer runs a command inside a container.
type Execer interface {
	ExecCommand(ctx context.Context, containerID string, cmd []string) (docker.ExecResult, error)
}

// CommandChecker runs a healthcheck test inside the container.
type CommandChecker struct {
	Exec        Execer
	ContainerID string
	Test        []string
}

// Check runs the test and maps a non-zero exit code to ErrProbeFailure.
func (c *CommandChecker) Check(ctx context.Context) error {
	cmd, err := commandFromTest(c.Test)
	if err != nil {
		return err
	}

	result, err := c.Exec.ExecCommand(ctx, c.ContainerID, cmd)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, docker.ErrTimeout) {
			return fmt.Errorf("%w: %v", monitoring.ErrProbeTimeout, err)
		}
		return fmt.Errorf("%w: %v", monitoring.ErrProbeFailure, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("%w: exit code %d: %s", monitoring.ErrProbeFailure, result.ExitCode, truncate(result.Output, 256))
	}
	return nil
}

// commandFromTest turns a Compose healthcheck test into an exec argv.
//
//	["CMD", "pg_isready"]             -> ["pg_isready"]
//	["CMD-SHELL", "curl -f localhost"] -> ["/bin/sh", "-c", "curl -f localhost"]
func commandFromTest(test []string) ([]string, error) {
	if len(test) < 2 {
		return nil, fmt.Errorf("%w: empty healthcheck test", monitoring.ErrProbeFailure)
	}
	switch test[0] {
	case "CMD":
		return test[1:], nil
	case "CMD-SHELL":
		return []string{"/bin/sh", "-c", strings.Join(test[1:], " ")}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported healthcheck test %q", monitoring.ErrProbeFailure, test[0])
	}
}

// HTTPChecker polls a URL from the host. Any 2xx or 3xx status is healthy.
type HTTPChecker struct {
	Client *http.Client
	URL    string
}

// Check issues one GET request.
func (c *HTTPChecker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", monitoring.ErrProbeFailure, err)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", monitoring.ErrProbeTimeout, err)
		}
		return fmt.Errorf("%w: %v", monitoring.ErrProbeFailure, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %s returned %d", monitoring.ErrProbeFailure, c.URL, resp.StatusCode)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
