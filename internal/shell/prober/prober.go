// Package prober runs health probes against launched services.
//
// Each watched service gets its own goroutine that polls the declared probe on
// its interval and publishes classification changes on a channel. Watch never
// blocks the caller.
package prober

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/artpar/dockyard/internal/core/compose"
	"github.com/artpar/dockyard/internal/core/monitoring"
	"github.com/hashicorp/go-cleanhttp"
	"k8s.io/utils/clock"
)

// eventBuffer is how many unread classification changes a watch holds before
// the probe task waits for its reader.
const eventBuffer = 16

// Target is one service to probe.
type Target struct {
	Service     string
	ContainerID string
	Probe       *compose.HealthCheck
	// StartedAt is when the container started; the start period counts from here.
	StartedAt time.Time
}

// Event is a classification change.
type Event struct {
	Service  string
	Seq      int
	Previous monitoring.HealthStatus
	Status   monitoring.HealthStatus
	At       time.Time
	// Err is the result of the attempt that caused the change; nil when healthy.
	Err      error
	Failures int
}

// Prober starts probe tasks.
type Prober struct {
	exec                    Execer
	http                    *http.Client
	clock                   clock.WithTicker
	logger                  *slog.Logger
	healthyFailureThreshold int
}

// Option configures a Prober.
type Option func(*Prober)

// WithClock replaces the clock that drives probe intervals.
func WithClock(c clock.WithTicker) Option {
	return func(p *Prober) { p.clock = c }
}

// WithHTTPClient replaces the client used for URL probes.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Prober) { p.http = c }
}

// WithHealthyFailureThreshold sets how many consecutive failures turn a
// healthy service unhealthy. The default is 1.
func WithHealthyFailureThreshold(n int) Option {
	return func(p *Prober) { p.healthyFailureThreshold = n }
}

// New creates a Prober. exec runs command probes inside containers.
func New(exec Execer, logger *slog.Logger, opts ...Option) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Prober{
		exec:                    exec,
		http:                    cleanhttp.DefaultPooledClient(),
		clock:                   clock.RealClock{},
		logger:                  logger.With("component", "prober"),
		healthyFailureThreshold: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Watch starts probing target and returns its classification changes.
// The channel is closed when ctx is cancelled. A target without a probe
// reports healthy once.
func (p *Prober) Watch(ctx context.Context, target Target) <-chan Event {
	events := make(chan Event, eventBuffer)

	if target.Probe == nil {
		events <- Event{
			Service:  target.Service,
			Seq:      1,
			Previous: monitoring.HealthStatusUnknown,
			Status:   monitoring.HealthStatusHealthy,
			At:       p.clock.Now(),
		}
		close(events)
		return events
	}

	go p.run(ctx, target, p.checkerFor(target), events)
	return events
}

func (p *Prober) checkerFor(target Target) Checker {
	if target.Probe.IsCommand() {
		return &CommandChecker{Exec: p.exec, ContainerID: target.ContainerID, Test: target.Probe.Test}
	}
	return &HTTPChecker{Client: p.http, URL: target.Probe.URL}
}

// run is the probe task loop. The first attempt happens one interval after
// the watch starts, as the Docker Engine does.
func (p *Prober) run(ctx context.Context, target Target, checker Checker, events chan<- Event) {
	defer close(events)

	probe := target.Probe
	classifier := monitoring.NewClassifier(monitoring.ProbePolicy{
		StartPeriod:             probe.StartPeriod,
		Retries:                 probe.Retries,
		HealthyFailureThreshold: p.healthyFailureThreshold,
	}, target.StartedAt)

	logger := p.logger.With("service", target.Service)
	logger.Debug("probe started",
		"interval", probe.Interval,
		"timeout", probe.Timeout,
		"retries", probe.Retries,
		"start_period", probe.StartPeriod,
	)

	ticker := p.clock.NewTicker(probe.Interval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		at := p.clock.Now()
		err := attempt(ctx, checker, probe.Timeout)
		if ctx.Err() != nil {
			return
		}

		previous := classifier.Status()
		status, changed := classifier.Observe(monitoring.ProbeResult{At: at, Err: err})
		logger.Debug("probe attempt",
			"ok", err == nil,
			"error", err,
			"status", status,
			"failures", classifier.ConsecutiveFailures(),
		)
		if !changed {
			continue
		}

		seq++
		logger.Info("health changed", "from", previous, "to", status)
		ev := Event{
			Service:  target.Service,
			Seq:      seq,
			Previous: previous,
			Status:   status,
			At:       at,
			Err:      err,
			Failures: classifier.ConsecutiveFailures(),
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// attempt runs one check bounded by timeout.
func attempt(ctx context.Context, checker Checker, timeout time.Duration) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := checker.Check(attemptCtx)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: no answer within %s", monitoring.ErrProbeTimeout, timeout)
	}
	return err
}
