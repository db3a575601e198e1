package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/artpar/dockyard/internal/core/compose"
	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/artpar/dockyard/internal/core/graph"
	corelifecycle "github.com/artpar/dockyard/internal/core/lifecycle"
	"github.com/artpar/dockyard/internal/core/monitoring"
	"github.com/artpar/dockyard/internal/shell/lifecycle"
	"github.com/artpar/dockyard/internal/shell/resources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mock Services
// =============================================================================

var (
	// errHang keeps a service in launching until it is stopped.
	errHang = errors.New("hang")
	// errComplete makes a service run and exit cleanly without becoming healthy.
	errComplete = errors.New("complete")
	// errCrashAfterStart makes a service run and then fail for good.
	errCrashAfterStart = errors.New("exited with code 1 after start")
	// errUnhealthy leaves a service running with a failing health check.
	errUnhealthy = errors.New("unhealthy")
)

type mockServices struct {
	mu       sync.Mutex
	insts    map[string]*corelifecycle.Instance
	outcomes map[string]error
	changed  chan struct{}

	registered []string
	started    []string
	stopped    []string
	// startedWith records the dependency states each service saw when started.
	startedWith map[string]map[string]corelifecycle.State
	deps        map[string][]compose.Dependency
	gates       map[string]lifecycle.Gate
	// relaunchedWith records the dependency states each relaunch saw.
	relaunchedWith map[string]map[string]corelifecycle.State
}

func newMockServices() *mockServices {
	return &mockServices{
		insts:       make(map[string]*corelifecycle.Instance),
		outcomes:    make(map[string]error),
		changed:     make(chan struct{}),
		startedWith: make(map[string]map[string]corelifecycle.State),
		deps:        make(map[string][]compose.Dependency),
		gates:       make(map[string]lifecycle.Gate),

		relaunchedWith: make(map[string]map[string]corelifecycle.State),
	}
}

func (m *mockServices) Register(svc compose.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = append(m.registered, svc.Name)
	m.deps[svc.Name] = svc.DependsOn
	if _, ok := m.insts[svc.Name]; !ok {
		m.insts[svc.Name] = corelifecycle.NewInstance(svc.Name, time.Now())
		m.notifyLocked()
	}
}

func (m *mockServices) Start(_ context.Context, name string, gate lifecycle.Gate) error {
	m.mu.Lock()
	inst, ok := m.insts[name]
	if !ok {
		m.mu.Unlock()
		return lifecycle.ErrUnknownService
	}
	inst.BeginRun()
	if inst.State == corelifecycle.StateStopped || inst.State == corelifecycle.StateFailed {
		_ = inst.Transition(corelifecycle.StatePending, time.Now())
	}
	if gate != nil {
		m.gates[name] = gate
	}
	m.startedWith[name] = m.dependencyStatesLocked(name)
	m.started = append(m.started, name)
	_ = inst.Transition(corelifecycle.StateResourcing, time.Now())
	m.notifyLocked()
	outcome := m.outcomes[name]
	m.mu.Unlock()

	go func() {
		time.Sleep(5 * time.Millisecond)
		m.mu.Lock()
		defer m.mu.Unlock()
		if inst.State != corelifecycle.StateResourcing {
			return
		}
		now := time.Now()
		switch {
		case outcome == nil:
			_ = inst.Transition(corelifecycle.StateLaunching, now)
			_ = inst.Transition(corelifecycle.StateRunning, now)
			_ = inst.Transition(corelifecycle.StateHealthy, now)
		case errors.Is(outcome, errHang):
			_ = inst.Transition(corelifecycle.StateLaunching, now)
		case errors.Is(outcome, errUnhealthy):
			_ = inst.Transition(corelifecycle.StateLaunching, now)
			_ = inst.Transition(corelifecycle.StateRunning, now)
			_ = inst.Transition(corelifecycle.StateAwaitingHealth, now)
			_ = inst.Transition(corelifecycle.StateUnhealthy, now)
		case errors.Is(outcome, errComplete):
			_ = inst.Transition(corelifecycle.StateLaunching, now)
			_ = inst.Transition(corelifecycle.StateRunning, now)
			_ = inst.Settle(corelifecycle.StateStopped, nil, now)
		case errors.Is(outcome, errCrashAfterStart):
			_ = inst.Transition(corelifecycle.StateLaunching, now)
			_ = inst.Transition(corelifecycle.StateRunning, now)
			_ = inst.Fail(outcome, true, now)
		default:
			_ = inst.Fail(outcome, true, now)
		}
		m.notifyLocked()
	}()
	return nil
}

func (m *mockServices) dependencyStatesLocked(name string) map[string]corelifecycle.State {
	seen := make(map[string]corelifecycle.State)
	for _, dep := range m.deps[name] {
		if d, ok := m.insts[dep.Service]; ok {
			seen[dep.Service] = d.State
		}
	}
	return seen
}

// crash makes a live service exit and brings it back the way a restart
// policy does: to pending, through the gate it was started with, then up to
// healthy. The returned channel yields the gate's verdict.
func (m *mockServices) crash(name string) <-chan error {
	m.mu.Lock()
	inst := m.insts[name]
	gate := m.gates[name]
	now := time.Now()
	_ = inst.Fail(errors.New("container exited with code 1"), false, now)
	_ = inst.Transition(corelifecycle.StatePending, now)
	m.notifyLocked()
	m.mu.Unlock()

	result := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := gate(ctx)

		m.mu.Lock()
		defer m.mu.Unlock()
		now := time.Now()
		if err != nil {
			_ = inst.Fail(err, true, now)
		} else {
			m.relaunchedWith[name] = m.dependencyStatesLocked(name)
			for _, s := range []corelifecycle.State{
				corelifecycle.StateResourcing,
				corelifecycle.StateLaunching,
				corelifecycle.StateRunning,
				corelifecycle.StateHealthy,
			} {
				_ = inst.Transition(s, now)
			}
		}
		m.notifyLocked()
		result <- err
	}()
	return result
}

func (m *mockServices) relaunchStates(name string) map[string]corelifecycle.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relaunchedWith[name]
}

func (m *mockServices) Fail(name string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.insts[name]
	if !ok {
		return lifecycle.ErrUnknownService
	}
	if err := inst.Fail(cause, true, time.Now()); err != nil {
		return err
	}
	m.notifyLocked()
	return nil
}

func (m *mockServices) Stop(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.insts[name]
	if !ok {
		return lifecycle.ErrUnknownService
	}
	m.stopped = append(m.stopped, name)
	if inst.State != corelifecycle.StateStopped {
		_ = inst.Transition(corelifecycle.StateStopping, time.Now())
		_ = inst.Transition(corelifecycle.StateStopped, time.Now())
	}
	m.notifyLocked()
	return nil
}

func (m *mockServices) Instance(name string) (corelifecycle.Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.insts[name]
	if !ok {
		return corelifecycle.Instance{}, false
	}
	return *inst, true
}

func (m *mockServices) Instances() []corelifecycle.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]corelifecycle.Instance, 0, len(m.insts))
	for _, inst := range m.insts {
		out = append(out, *inst)
	}
	slices.SortFunc(out, func(a, b corelifecycle.Instance) int {
		if a.Service < b.Service {
			return -1
		}
		if a.Service > b.Service {
			return 1
		}
		return 0
	})
	return out
}

func (m *mockServices) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

func (m *mockServices) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *mockServices) startedNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.started)
}

func (m *mockServices) stoppedNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.stopped)
}

type mockRemover struct {
	mu      sync.Mutex
	removed []string
	errs    map[string]error
}

func (m *mockRemover) Remove(_ context.Context, name string, kind domain.ResourceKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.errs[name]; ok {
		return err
	}
	m.removed = append(m.removed, fmt.Sprintf("%s:%s", kind, name))
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func svc(name string, deps ...string) compose.Service {
	s := compose.Service{Name: name, Image: name + ":latest"}
	for _, d := range deps {
		s.DependsOn = append(s.DependsOn, compose.Dependency{Service: d, Condition: compose.ConditionHealthy})
	}
	return s
}

func mustGraph(t *testing.T, services ...compose.Service) *graph.Graph {
	t.Helper()
	g, err := Validate(&compose.ParsedSpec{Name: "shop", Services: services})
	require.NoError(t, err)
	return g
}

func upCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// Up
// =============================================================================

func TestUp_StartsDependenciesFirst(t *testing.T) {
	services := newMockServices()
	o := New(services, nil, nil)
	g := mustGraph(t, svc("web", "api"), svc("api", "db"), svc("db"))

	require.NoError(t, o.Up(upCtx(t), g, UpOptions{}))

	assert.Equal(t, []string{"db", "api", "web"}, services.startedNames())
	assert.Equal(t, corelifecycle.StateHealthy, services.startedWith["api"]["db"])
	assert.Equal(t, corelifecycle.StateHealthy, services.startedWith["web"]["api"])
}

func TestUp_DiamondWaitsForEveryDependency(t *testing.T) {
	services := newMockServices()
	o := New(services, nil, nil)
	g := mustGraph(t, svc("web", "cache", "db"), svc("cache"), svc("db"))

	require.NoError(t, o.Up(upCtx(t), g, UpOptions{}))

	started := services.startedNames()
	require.Len(t, started, 3)
	assert.Equal(t, "web", started[2])
	assert.Equal(t, corelifecycle.StateHealthy, services.startedWith["web"]["cache"])
	assert.Equal(t, corelifecycle.StateHealthy, services.startedWith["web"]["db"])
}

func TestUp_StartedConditionNeedsOnlyRunning(t *testing.T) {
	services := newMockServices()
	o := New(services, nil, nil)
	web := compose.Service{
		Name:      "web",
		Image:     "web:latest",
		DependsOn: []compose.Dependency{{Service: "db", Condition: compose.ConditionStarted}},
	}
	g := mustGraph(t, web, svc("db"))

	require.NoError(t, o.Up(upCtx(t), g, UpOptions{}))
	assert.True(t, services.startedWith["web"]["db"].IsLive())
}

func TestUp_SubsetStartsOnlyNamedServicesAndDependencies(t *testing.T) {
	services := newMockServices()
	o := New(services, nil, nil)
	g := mustGraph(t, svc("web", "db"), svc("db"), svc("worker"))

	require.NoError(t, o.Up(upCtx(t), g, UpOptions{Services: []string{"web"}}))

	assert.ElementsMatch(t, []string{"db", "web"}, services.startedNames())
	_, ok := services.Instance("worker")
	assert.False(t, ok)
}

func TestValidate_CycleRejectedBeforeAnythingStarts(t *testing.T) {
	_, err := Validate(&compose.ParsedSpec{Name: "shop", Services: []compose.Service{svc("a", "b"), svc("b", "a")}})
	require.Error(t, err)

	assert.Equal(t, ClassValidation, ClassOf(err))
	assert.ErrorIs(t, err, graph.ErrDependencyCycle)
	assert.Contains(t, err.Error(), "invalid service graph")
}

func TestUp_DependencyFailurePropagates(t *testing.T) {
	services := newMockServices()
	services.outcomes["db"] = fmt.Errorf("%w: no space left", corelifecycle.ErrResourceAcquisitionFailed)
	o := New(services, nil, nil)
	g := mustGraph(t, svc("web", "api"), svc("api", "db"), svc("db"), svc("cache"))

	err := o.Up(upCtx(t), g, UpOptions{})
	require.Error(t, err)

	var upErr *UpError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, ClassResource, upErr.Class)
	require.Len(t, upErr.Failures, 3)

	byName := map[string]ServiceFailure{}
	for _, f := range upErr.Failures {
		byName[f.Service] = f
	}
	assert.Equal(t, ClassResource, byName["db"].Class)
	assert.Equal(t, ClassDependency, byName["api"].Class)
	assert.Equal(t, ClassDependency, byName["web"].Class)
	assert.ErrorIs(t, byName["web"].Err, corelifecycle.ErrDependencyFailed)

	// Dependents of a failed service are never launched
	assert.ElementsMatch(t, []string{"db", "cache"}, services.startedNames())

	web, _ := services.Instance("web")
	assert.Equal(t, corelifecycle.StateFailed, web.State)
	assert.True(t, web.Settled())
	cache, _ := services.Instance("cache")
	assert.Equal(t, corelifecycle.StateHealthy, cache.State)
}

func TestUp_LaunchFailureClass(t *testing.T) {
	services := newMockServices()
	services.outcomes["db"] = fmt.Errorf("%w: image not found", corelifecycle.ErrLaunchFailed)
	o := New(services, nil, nil)
	g := mustGraph(t, svc("web", "db"), svc("db"))

	err := o.Up(upCtx(t), g, UpOptions{})
	assert.Equal(t, ClassLaunch, ClassOf(err))
	assert.ErrorIs(t, err, corelifecycle.ErrLaunchFailed)
}

func TestUp_TimeoutNamesWaitingServices(t *testing.T) {
	services := newMockServices()
	services.outcomes["db"] = errHang
	o := New(services, nil, nil)
	g := mustGraph(t, svc("web", "db"), svc("db"))

	err := o.Up(context.Background(), g, UpOptions{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, ClassTimeout, ClassOf(err))
	assert.ErrorIs(t, err, ErrUpTimeout)

	var upErr *UpError
	require.ErrorAs(t, err, &upErr)
	require.Len(t, upErr.Failures, 2)
	assert.Equal(t, "db", upErr.Failures[0].Service)
	assert.Equal(t, corelifecycle.StateLaunching, upErr.Failures[0].State)
	assert.Equal(t, "web", upErr.Failures[1].Service)
	assert.Equal(t, corelifecycle.StatePending, upErr.Failures[1].State)
}

func TestUp_WithoutTimeoutWaitsOnUnhealthyDependencyUntilCancelled(t *testing.T) {
	services := newMockServices()
	services.outcomes["db"] = errUnhealthy
	o := New(services, nil, nil)
	g := mustGraph(t, svc("web", "db"), svc("db"))

	ctx, cancel := context.WithCancel(context.Background())
	upErr := make(chan error, 1)
	go func() { upErr <- o.Up(ctx, g, UpOptions{}) }()

	require.Eventually(t, func() bool {
		inst, _ := services.Instance("db")
		return inst.State == corelifecycle.StateUnhealthy
	}, time.Second, time.Millisecond)

	select {
	case err := <-upErr:
		t.Fatalf("up returned while db was unhealthy: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-upErr:
		var upE *UpError
		require.ErrorAs(t, err, &upE)
		assert.Equal(t, ClassTimeout, upE.Class)
		require.Len(t, upE.Failures, 2)
		assert.Equal(t, corelifecycle.StateUnhealthy, upE.Failures[0].State)
		assert.Equal(t, corelifecycle.StatePending, upE.Failures[1].State)
	case <-time.After(time.Second):
		t.Fatal("up did not return once cancelled")
	}
	assert.Equal(t, []string{"db"}, services.startedNames())
}

func TestUp_RestartsDependencySettledByEarlierRun(t *testing.T) {
	services := newMockServices()
	o := New(services, nil, nil)
	g := mustGraph(t, svc("web", "db"), svc("db"))

	// db exited before this run
	services.Register(svc("db"))
	require.NoError(t, services.Fail("db", errors.New("container exited with code 1")))

	require.NoError(t, o.Up(upCtx(t), g, UpOptions{}))
	assert.Equal(t, []string{"db", "web"}, services.startedNames())
}

func TestUp_StartedConditionOnRunToCompletionDependency(t *testing.T) {
	services := newMockServices()
	services.outcomes["job"] = errComplete
	o := New(services, nil, nil)
	api := compose.Service{
		Name:      "api",
		Image:     "api:latest",
		DependsOn: []compose.Dependency{{Service: "job", Condition: compose.ConditionStarted}},
	}
	g := mustGraph(t, api, svc("job"))

	require.NoError(t, o.Up(upCtx(t), g, UpOptions{}))

	assert.Equal(t, []string{"job", "api"}, services.startedNames())
	job, _ := services.Instance("job")
	assert.Equal(t, corelifecycle.StateStopped, job.State)
	assert.True(t, job.Settled())
	inst, _ := services.Instance("api")
	assert.Equal(t, corelifecycle.StateHealthy, inst.State)
}

func TestUp_HealthyConditionOnDependencyThatExitedBeforeHealthy(t *testing.T) {
	services := newMockServices()
	services.outcomes["job"] = errComplete
	o := New(services, nil, nil)
	g := mustGraph(t, svc("api", "job"), svc("job"))

	err := o.Up(upCtx(t), g, UpOptions{})
	require.Error(t, err)
	assert.Equal(t, ClassDependency, ClassOf(err))
	assert.ErrorIs(t, err, corelifecycle.ErrDependencyFailed)
	assert.Contains(t, err.Error(), "job is stopped without being healthy")
	assert.Equal(t, []string{"job"}, services.startedNames())
}

func TestUp_StartedConditionOnDependencyThatCrashedAfterStarting(t *testing.T) {
	services := newMockServices()
	services.outcomes["job"] = errCrashAfterStart
	o := New(services, nil, nil)
	api := compose.Service{
		Name:      "api",
		Image:     "api:latest",
		DependsOn: []compose.Dependency{{Service: "job", Condition: compose.ConditionStarted}},
	}
	g := mustGraph(t, api, svc("job"))

	err := o.Up(upCtx(t), g, UpOptions{})

	var upErr *UpError
	require.ErrorAs(t, err, &upErr)
	require.Len(t, upErr.Failures, 1)
	assert.Equal(t, "job", upErr.Failures[0].Service)
	inst, _ := services.Instance("api")
	assert.Equal(t, corelifecycle.StateHealthy, inst.State)
}

func TestUp_RelaunchWaitsWhileDependencyIsDown(t *testing.T) {
	services := newMockServices()
	o := New(services, nil, nil)
	g := mustGraph(t, svc("api", "db"), svc("db"))
	require.NoError(t, o.Up(upCtx(t), g, UpOptions{}))

	require.NoError(t, services.Stop(context.Background(), "db"))
	relaunched := services.crash("api")

	select {
	case err := <-relaunched:
		t.Fatalf("api relaunched while db was stopped (gate returned %v)", err)
	case <-time.After(50 * time.Millisecond):
	}
	api, _ := services.Instance("api")
	assert.Equal(t, corelifecycle.StatePending, api.State)

	require.NoError(t, services.Start(context.Background(), "db", nil))
	select {
	case err := <-relaunched:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("api was not relaunched once db was healthy again")
	}

	assert.Equal(t, corelifecycle.StateHealthy, services.relaunchStates("api")["db"])
	api, _ = services.Instance("api")
	assert.Equal(t, corelifecycle.StateHealthy, api.State)
	assert.Equal(t, 2, api.Attempts)
}

func TestUp_RelaunchFailsWhenDependencyFailsForGood(t *testing.T) {
	services := newMockServices()
	o := New(services, nil, nil)
	g := mustGraph(t, svc("api", "db"), svc("db"))
	require.NoError(t, o.Up(upCtx(t), g, UpOptions{}))

	require.NoError(t, services.Stop(context.Background(), "db"))
	relaunched := services.crash("api")

	services.mu.Lock()
	services.outcomes["db"] = fmt.Errorf("%w: image not found", corelifecycle.ErrLaunchFailed)
	services.mu.Unlock()
	require.NoError(t, services.Start(context.Background(), "db", nil))

	select {
	case err := <-relaunched:
		require.Error(t, err)
		assert.ErrorIs(t, err, corelifecycle.ErrDependencyFailed)
		assert.Contains(t, err.Error(), "db is failed without being healthy")
	case <-time.After(2 * time.Second):
		t.Fatal("api stayed parked after db failed for good")
	}

	api, _ := services.Instance("api")
	assert.True(t, api.PermanentlyFailed())
	assert.Equal(t, 1, api.Attempts)
}

func TestUp_RelaunchGateEndsWithContext(t *testing.T) {
	services := newMockServices()
	o := New(services, nil, nil)
	g := mustGraph(t, svc("api", "db"), svc("db"))
	require.NoError(t, o.Up(upCtx(t), g, UpOptions{}))
	require.NoError(t, services.Stop(context.Background(), "db"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := o.relaunchGate(g, "api")(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMostSignificant(t *testing.T) {
	failures := []ServiceFailure{
		{Service: "a", Class: ClassTimeout},
		{Service: "b", Class: ClassDependency},
		{Service: "c", Class: ClassLaunch},
	}
	assert.Equal(t, ClassLaunch, mostSignificant(failures))

	failures = append(failures, ServiceFailure{Service: "d", Class: ClassResource})
	assert.Equal(t, ClassResource, mostSignificant(failures))
	assert.Equal(t, ClassNone, mostSignificant(nil))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassResource, classify(fmt.Errorf("%w: x", corelifecycle.ErrResourceAcquisitionFailed)))
	assert.Equal(t, ClassDependency, classify(corelifecycle.NewTransitionError("web",
		corelifecycle.StatePending, corelifecycle.StateResourcing, corelifecycle.ErrDependencyFailed)))
	assert.Equal(t, ClassTimeout, classify(ErrUpTimeout))
	assert.Equal(t, ClassLaunch, classify(corelifecycle.ErrRestartsExhausted))
	assert.Equal(t, ClassNone, ClassOf(errors.New("other")))
}

// =============================================================================
// Down
// =============================================================================

func TestDown_StopsDependentsFirst(t *testing.T) {
	services := newMockServices()
	remover := &mockRemover{}
	o := New(services, remover, nil)
	g := mustGraph(t, svc("web", "api"), svc("api", "db"), svc("db"))

	require.NoError(t, o.Up(upCtx(t), g, UpOptions{}))
	require.NoError(t, o.Down(upCtx(t), DownOptions{}))

	assert.Equal(t, []string{"web", "api", "db"}, services.stoppedNames())
	for _, name := range []string{"web", "api", "db"} {
		inst, _ := services.Instance(name)
		assert.Equal(t, corelifecycle.StateStopped, inst.State, name)
	}
}

func TestDown_RemovesProjectResources(t *testing.T) {
	services := newMockServices()
	remover := &mockRemover{errs: map[string]error{
		"shop_cache": resources.ErrResourceInUse,
	}}
	o := New(services, remover, nil)

	web := svc("web")
	web.Networks = []string{"default", "shared"}
	web.Volumes = []compose.VolumeMount{{Source: "data", Target: "/data", Type: "volume"}}
	spec := &compose.ParsedSpec{
		Name:     "shop",
		Services: []compose.Service{web},
		Networks: []compose.Network{{Name: "default"}, {Name: "shared", External: true}},
		Volumes:  []compose.Volume{{Name: "data"}, {Name: "cache"}},
	}
	g, err := Validate(spec)
	require.NoError(t, err)
	o.Load(g)

	require.NoError(t, o.Down(upCtx(t), DownOptions{}))
	assert.Equal(t, []string{"network:shop_default"}, remover.removed)

	remover.removed = nil
	require.NoError(t, o.Down(upCtx(t), DownOptions{RemoveVolumes: true}))
	assert.Equal(t, []string{"network:shop_default", "volume:shop_data"}, remover.removed)
}

func TestDown_WithoutGraph(t *testing.T) {
	o := New(newMockServices(), nil, nil)
	assert.ErrorIs(t, o.Down(context.Background(), DownOptions{}), ErrNoGraph)
}

func TestDown_CancelsPendingUp(t *testing.T) {
	services := newMockServices()
	services.outcomes["db"] = errHang
	o := New(services, nil, nil)
	g := mustGraph(t, svc("web", "db"), svc("db"))

	upErr := make(chan error, 1)
	go func() { upErr <- o.Up(context.Background(), g, UpOptions{}) }()

	require.Eventually(t, func() bool {
		inst, _ := services.Instance("db")
		return inst.State == corelifecycle.StateLaunching
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, o.Down(upCtx(t), DownOptions{}))

	select {
	case err := <-upErr:
		assert.Equal(t, ClassTimeout, ClassOf(err))
	case <-time.After(time.Second):
		t.Fatal("up did not return after down")
	}
	assert.Equal(t, []string{"db"}, services.startedNames())
}

// =============================================================================
// Status
// =============================================================================

func TestStatus(t *testing.T) {
	services := newMockServices()
	services.outcomes["worker"] = fmt.Errorf("%w: exited", corelifecycle.ErrLaunchFailed)
	o := New(services, nil, nil)

	_, err := o.Status()
	assert.ErrorIs(t, err, ErrNoGraph)

	g := mustGraph(t, svc("web"), svc("worker"))
	require.Error(t, o.Up(upCtx(t), g, UpOptions{}))

	status, err := o.Status()
	require.NoError(t, err)
	assert.Equal(t, "shop", status.Project)
	assert.Equal(t, monitoring.HealthStatusDegraded, status.Health)
	require.Len(t, status.Services, 2)
	assert.Equal(t, "web", status.Services[0].Service)
	assert.Equal(t, corelifecycle.StateFailed, status.Services[1].State)
}
