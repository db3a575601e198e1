package prober

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/artpar/dockyard/internal/core/compose"
	"github.com/artpar/dockyard/internal/core/monitoring"
	"github.com/artpar/dockyard/internal/shell/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

// =============================================================================
// Test Helpers
// =============================================================================

// scriptedExec answers each exec with the next exit code of its script and
// repeats the last one when the script runs out.
type scriptedExec struct {
	mu    sync.Mutex
	codes []int
	calls chan []string
	block bool
}

func newScriptedExec(codes ...int) *scriptedExec {
	return &scriptedExec{codes: codes, calls: make(chan []string, 64)}
}

func (s *scriptedExec) ExecCommand(ctx context.Context, _ string, cmd []string) (docker.ExecResult, error) {
	s.calls <- cmd
	if s.block {
		<-ctx.Done()
		return docker.ExecResult{}, docker.NewDockerError("ExecCommand", "container", "c1", "exec did not complete in time", docker.ErrTimeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	code := s.codes[0]
	if len(s.codes) > 1 {
		s.codes = s.codes[1:]
	}
	return docker.ExecResult{ExitCode: code, Output: "probe output"}, nil
}

func commandProbe(startPeriod time.Duration, retries int) *compose.HealthCheck {
	return &compose.HealthCheck{
		Test:        []string{"CMD", "pg_isready"},
		Interval:    time.Second,
		Timeout:     time.Second,
		Retries:     retries,
		StartPeriod: startPeriod,
	}
}

type probeHarness struct {
	clock  *clocktesting.FakeClock
	exec   *scriptedExec
	events <-chan Event
	start  time.Time
	cancel context.CancelFunc
}

func startWatch(t *testing.T, exec *scriptedExec, probe *compose.HealthCheck, opts ...Option) *probeHarness {
	t.Helper()
	fc := clocktesting.NewFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	p := New(exec, nil, append([]Option{WithClock(fc)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &probeHarness{clock: fc, exec: exec, start: fc.Now(), cancel: cancel}
	h.events = p.Watch(ctx, Target{
		Service:     "db",
		ContainerID: "c1",
		Probe:       probe,
		StartedAt:   h.start,
	})

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond, "probe task never created its ticker")
	return h
}

// tick advances the clock one second and waits for the resulting probe attempt.
func (h *probeHarness) tick(t *testing.T) {
	t.Helper()
	h.clock.Step(time.Second)
	select {
	case <-h.exec.calls:
	case <-time.After(time.Second):
		t.Fatal("probe attempt did not run")
	}
}

func (h *probeHarness) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no classification change")
		return Event{}
	}
}

// =============================================================================
// Classification Timing Tests
// =============================================================================

func TestWatch_ContinuousFailureTurnsUnhealthyAfterStartPeriod(t *testing.T) {
	h := startWatch(t, newScriptedExec(1), commandProbe(5*time.Second, 3))

	for i := 0; i < 8; i++ {
		h.tick(t)
	}

	ev := h.next(t)
	assert.Equal(t, monitoring.HealthStatusUnknown, ev.Previous)
	assert.Equal(t, monitoring.HealthStatusUnhealthy, ev.Status)
	assert.ErrorIs(t, ev.Err, monitoring.ErrProbeFailure)

	elapsed := ev.At.Sub(h.start)
	assert.GreaterOrEqual(t, elapsed, 8*time.Second)
	assert.LessOrEqual(t, elapsed, 9*time.Second)
	assert.Equal(t, 1, ev.Seq)
}

func TestWatch_SuccessDuringStartPeriodIsHealthy(t *testing.T) {
	h := startWatch(t, newScriptedExec(0), commandProbe(5*time.Second, 3))

	h.tick(t)

	ev := h.next(t)
	assert.Equal(t, monitoring.HealthStatusHealthy, ev.Status)
	assert.Equal(t, time.Second, ev.At.Sub(h.start))
	assert.NoError(t, ev.Err)
}

func TestWatch_HealthyFlipsOnSingleFailureAndBack(t *testing.T) {
	h := startWatch(t, newScriptedExec(0, 1, 0), commandProbe(0, 3))

	h.tick(t)
	healthy := h.next(t)
	assert.Equal(t, monitoring.HealthStatusHealthy, healthy.Status)

	h.tick(t)
	unhealthy := h.next(t)
	assert.Equal(t, monitoring.HealthStatusUnhealthy, unhealthy.Status)
	assert.Equal(t, monitoring.HealthStatusHealthy, unhealthy.Previous)

	h.tick(t)
	recovered := h.next(t)
	assert.Equal(t, monitoring.HealthStatusHealthy, recovered.Status)

	assert.Equal(t, []int{1, 2, 3}, []int{healthy.Seq, unhealthy.Seq, recovered.Seq})
}

func TestWatch_HealthyFailureThreshold(t *testing.T) {
	h := startWatch(t, newScriptedExec(0, 1, 1), commandProbe(0, 3), WithHealthyFailureThreshold(2))

	h.tick(t)
	assert.Equal(t, monitoring.HealthStatusHealthy, h.next(t).Status)

	h.tick(t)
	h.tick(t)
	ev := h.next(t)
	assert.Equal(t, monitoring.HealthStatusUnhealthy, ev.Status)
	assert.Equal(t, 3*time.Second, ev.At.Sub(h.start))
}

func TestWatch_TimedOutAttemptCountsAsFailure(t *testing.T) {
	exec := newScriptedExec(0)
	exec.block = true
	probe := commandProbe(0, 1)
	probe.Timeout = 20 * time.Millisecond

	h := startWatch(t, exec, probe)
	h.tick(t)

	ev := h.next(t)
	assert.Equal(t, monitoring.HealthStatusUnhealthy, ev.Status)
	assert.ErrorIs(t, ev.Err, monitoring.ErrProbeTimeout)
}

func TestWatch_ChannelClosesOnCancel(t *testing.T) {
	h := startWatch(t, newScriptedExec(1), commandProbe(time.Minute, 3))
	h.cancel()

	select {
	case _, ok := <-h.events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestWatch_NoProbeIsHealthy(t *testing.T) {
	p := New(nil, nil)
	events := p.Watch(context.Background(), Target{Service: "web"})

	ev, ok := <-events
	require.True(t, ok)
	assert.Equal(t, monitoring.HealthStatusHealthy, ev.Status)

	_, ok = <-events
	assert.False(t, ok)
}

// =============================================================================
// Checker Tests
// =============================================================================

func TestCommandFromTest(t *testing.T) {
	tests := []struct {
		name    string
		test    []string
		want    []string
		wantErr bool
	}{
		{"exec form", []string{"CMD", "pg_isready", "-U", "app"}, []string{"pg_isready", "-U", "app"}, false},
		{"shell form", []string{"CMD-SHELL", "curl -f localhost || exit 1"}, []string{"/bin/sh", "-c", "curl -f localhost || exit 1"}, false},
		{"empty", []string{"CMD"}, nil, true},
		{"unknown", []string{"NONE", "x"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := commandFromTest(tt.test)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommandChecker(t *testing.T) {
	exec := newScriptedExec(0, 2)
	c := &CommandChecker{Exec: exec, ContainerID: "c1", Test: []string{"CMD-SHELL", "true"}}

	assert.NoError(t, c.Check(context.Background()))
	assert.Equal(t, []string{"/bin/sh", "-c", "true"}, <-exec.calls)

	err := c.Check(context.Background())
	assert.ErrorIs(t, err, monitoring.ErrProbeFailure)
	assert.Contains(t, err.Error(), "exit code 2")
}

type failingExec struct{ err error }

func (f failingExec) ExecCommand(context.Context, string, []string) (docker.ExecResult, error) {
	return docker.ExecResult{}, f.err
}

func TestCommandChecker_ExecErrors(t *testing.T) {
	notRunning := &CommandChecker{
		Exec:        failingExec{docker.NewDockerError("ExecCommand", "container", "c1", "container is not running", docker.ErrContainerNotRunning)},
		ContainerID: "c1",
		Test:        []string{"CMD", "true"},
	}
	err := notRunning.Check(context.Background())
	assert.ErrorIs(t, err, monitoring.ErrProbeFailure)

	timedOut := &CommandChecker{
		Exec:        failingExec{docker.ErrTimeout},
		ContainerID: "c1",
		Test:        []string{"CMD", "true"},
	}
	err = timedOut.Check(context.Background())
	assert.ErrorIs(t, err, monitoring.ErrProbeTimeout)
}

func TestHTTPChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/moved":
			http.Redirect(w, r, "/ok", http.StatusFound)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	client := srv.Client()

	assert.NoError(t, (&HTTPChecker{Client: client, URL: srv.URL + "/ok"}).Check(context.Background()))
	assert.NoError(t, (&HTTPChecker{Client: client, URL: srv.URL + "/moved"}).Check(context.Background()))

	err := (&HTTPChecker{Client: client, URL: srv.URL + "/down"}).Check(context.Background())
	assert.ErrorIs(t, err, monitoring.ErrProbeFailure)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPChecker_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	err := attempt(context.Background(), &HTTPChecker{Client: srv.Client(), URL: srv.URL}, 20*time.Millisecond)
	assert.ErrorIs(t, err, monitoring.ErrProbeTimeout)
	assert.False(t, errors.Is(err, monitoring.ErrProbeFailure))
}

func TestWatch_URLProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	fc := clocktesting.NewFakeClock(time.Now())
	p := New(nil, nil, WithClock(fc), WithHTTPClient(srv.Client()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := p.Watch(ctx, Target{
		Service:   "web",
		Probe:     &compose.HealthCheck{URL: srv.URL, Interval: time.Second, Timeout: time.Second, Retries: 3},
		StartedAt: fc.Now(),
	})

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	fc.Step(time.Second)

	select {
	case ev := <-events:
		assert.Equal(t, monitoring.HealthStatusHealthy, ev.Status)
		assert.Equal(t, "web", ev.Service)
	case <-time.After(2 * time.Second):
		t.Fatal("no classification change")
	}
}
