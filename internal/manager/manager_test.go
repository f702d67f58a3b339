package manager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/servisor/internal/errs"
	"github.com/loykin/servisor/internal/health"
	"github.com/loykin/servisor/internal/history"
	"github.com/loykin/servisor/internal/process"
	"github.com/loykin/servisor/internal/registry"
	"github.com/loykin/servisor/internal/retry"
	"github.com/loykin/servisor/internal/store"
	"github.com/loykin/servisor/internal/store/file"
)

func desc(name, cmd string) Descriptor {
	return Descriptor{Spec: process.Spec{Name: name, Command: cmd}}
}

func testOptions(t *testing.T) (Options, *file.Store) {
	t.Helper()
	st, err := file.New(filepath.Join(t.TempDir(), "service_state.json"))
	require.NoError(t, err)
	return Options{
		Store:         st,
		CheckInterval: 50 * time.Millisecond,
		GracePeriod:   2 * time.Second,
		ForceTimeout:  time.Second,
		NoHealthGrace: 50 * time.Millisecond,
		Workers:       2,
	}, st
}

func newManager(t *testing.T, ds []Descriptor, opts Options) *Manager {
	t.Helper()
	m, err := New(ds, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

// healthServer answers 503 until ready() is true.
func healthServer(t *testing.T, ready func() bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if ready() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func phaseOf(t *testing.T, m *Manager, name string) Phase {
	t.Helper()
	st, err := m.Get(context.Background(), name)
	require.NoError(t, err)
	return st.Phase
}

func persisted(t *testing.T, s store.Store, name string) store.Record {
	t.Helper()
	r, err := s.GetByName(context.Background(), name)
	require.NoError(t, err)
	return r
}

// recordingSink captures history events.
type recordingSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recordingSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) path(service string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Service == service && e.Type == history.EventTransition {
			out = append(out, e.To)
		}
	}
	return out
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]Phase{
		{Pending, Starting}, {Starting, AwaitingHealth}, {Starting, Failed},
		{AwaitingHealth, Running}, {AwaitingHealth, Failed}, {Running, Stopping},
		{Running, Failed}, {Stopping, Stopped}, {Stopping, Failed},
		{Stopped, Starting}, {Failed, Starting},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
	denied := [][2]Phase{
		{Pending, Running}, {Stopped, Running}, {Failed, Running}, {Stopped, Failed},
		{Running, Starting}, {AwaitingHealth, Stopping}, {Pending, Failed},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
	assert.True(t, Failed.Terminal())
	assert.False(t, Running.Terminal())
	assert.True(t, Stopping.Active())
}

func TestNewRejectsInvalidDescriptors(t *testing.T) {
	opts, st := testOptions(t)
	bad := []Descriptor{
		desc("a", "sleep 1"),
		desc("a", "sleep 1"),
		{Spec: process.Spec{Name: "nocmd"}},
		{Spec: process.Spec{Name: "h", Command: "sleep 1"}, Health: &health.Check{URL: "ftp://x"}},
		{Spec: process.Spec{Name: "p", Command: "sleep 1"}, Port: 70000},
	}
	_, err := New(bad, opts)
	require.ErrorIs(t, err, errs.ErrConfig)
	msg := err.Error()
	for _, want := range []string{"duplicate", "nocmd", "ftp://x", "70000"} {
		assert.Contains(t, msg, want)
	}
	recs, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs, "config errors must not touch state")
}

func TestStartWithHealthAndStop(t *testing.T) {
	var ready atomic.Bool
	srv, hits := healthServer(t, ready.Load)
	opts, st := testOptions(t)
	sink := &recordingSink{}
	opts.History = history.NewFanout(time.Second, sink)

	d := desc("api", "sleep 30")
	d.Health = &health.Check{URL: srv.URL + "/health", ExpectedStatus: 200}
	d.StartupTimeout = 5 * time.Second
	m := newManager(t, []Descriptor{d}, opts)

	time.AfterFunc(200*time.Millisecond, func() { ready.Store(true) })
	require.NoError(t, m.Start(context.Background(), "api"))
	assert.Greater(t, hits.Load(), int32(1))

	s, err := m.Get(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, Running, s.Phase)
	assert.Positive(t, s.PID)
	assert.Equal(t, "Running", persisted(t, st, "api").Phase)
	assert.Equal(t, map[string]int32{"api": int32(s.PID)}, m.RunningPIDs())

	require.NoError(t, m.Start(context.Background(), "api"), "starting a running service is a no-op")

	require.NoError(t, m.Stop(context.Background(), "api"))
	assert.Equal(t, Stopped, phaseOf(t, m, "api"))
	rec := persisted(t, st, "api")
	assert.Equal(t, "Stopped", rec.Phase)
	assert.Zero(t, rec.PID)
	assert.Equal(t, []string{"Starting", "AwaitingHealth", "Running", "Stopping", "Stopped"}, sink.path("api"))
}

// panicProber fails the test if readiness probing happens.
type panicProber struct{ t *testing.T }

func (p panicProber) Probe(context.Context, health.Check) health.Result {
	p.t.Error("probe must not be called for services without a health check")
	return health.Result{}
}

func TestStartWithoutHealthSkipsProbe(t *testing.T) {
	opts, _ := testOptions(t)
	opts.Prober = panicProber{t}
	m := newManager(t, []Descriptor{desc("worker", "sleep 30")}, opts)
	require.NoError(t, m.Start(context.Background(), "worker"))
	assert.Equal(t, Running, phaseOf(t, m, "worker"))
}

// recordingController remembers the processes it launched.
type recordingController struct {
	*process.Controller
	mu       sync.Mutex
	launched []*process.Process
}

func (c *recordingController) Start(ctx context.Context, spec process.Spec) (*process.Process, error) {
	p, err := c.Controller.Start(ctx, spec)
	if err == nil {
		c.mu.Lock()
		c.launched = append(c.launched, p)
		c.mu.Unlock()
	}
	return p, err
}

func TestReadinessTimeoutCleansUp(t *testing.T) {
	srv, _ := healthServer(t, func() bool { return false })
	opts, st := testOptions(t)
	ctrl := &recordingController{Controller: process.NewController(nil)}
	opts.Controller = ctrl
	d := desc("slow", "sleep 30")
	d.Health = &health.Check{URL: srv.URL}
	d.StartupTimeout = 300 * time.Millisecond
	m := newManager(t, []Descriptor{d}, opts)

	err := m.Start(context.Background(), "slow")
	require.ErrorIs(t, err, errs.ErrHealthTimeout)
	assert.Equal(t, Failed, phaseOf(t, m, "slow"))
	rec := persisted(t, st, "slow")
	assert.Equal(t, "Failed", rec.Phase)
	assert.Contains(t, rec.LastError, "not ready within 300ms")
	assert.Zero(t, rec.PID)

	require.Len(t, ctrl.launched, 1)
	assert.False(t, ctrl.IsAlive(ctrl.launched[0]), "unready process must be force-stopped")
}

func TestProcessExitDuringReadinessFailsFast(t *testing.T) {
	srv, _ := healthServer(t, func() bool { return false })
	opts, _ := testOptions(t)
	d := desc("crash", `sh -c "exit 3"`)
	d.Health = &health.Check{URL: srv.URL}
	d.StartupTimeout = 10 * time.Second
	m := newManager(t, []Descriptor{d}, opts)

	began := time.Now()
	err := m.Start(context.Background(), "crash")
	require.ErrorIs(t, err, errs.ErrHealthTimeout)
	assert.Contains(t, err.Error(), "process exited")
	assert.Less(t, time.Since(began), 5*time.Second)
}

func TestNoHealthProcessExitFails(t *testing.T) {
	opts, _ := testOptions(t)
	opts.NoHealthGrace = 500 * time.Millisecond
	m := newManager(t, []Descriptor{desc("oneshot", "true")}, opts)
	err := m.Start(context.Background(), "oneshot")
	require.ErrorIs(t, err, errs.ErrHealthTimeout)
	assert.Equal(t, Failed, phaseOf(t, m, "oneshot"))
}

func TestLaunchError(t *testing.T) {
	opts, st := testOptions(t)
	m := newManager(t, []Descriptor{desc("ghost", "/nonexistent/servisor-test-binary")}, opts)
	err := m.Start(context.Background(), "ghost")
	require.ErrorIs(t, err, errs.ErrLaunch)
	assert.Equal(t, Failed, phaseOf(t, m, "ghost"))
	assert.NotEmpty(t, persisted(t, st, "ghost").LastError)

	// a failed service may be started again explicitly
	err = m.Start(context.Background(), "ghost")
	require.ErrorIs(t, err, errs.ErrLaunch)
}

func TestUnknownService(t *testing.T) {
	opts, _ := testOptions(t)
	m := newManager(t, []Descriptor{desc("a", "sleep 30")}, opts)
	require.ErrorIs(t, m.Start(context.Background(), "nope"), ErrUnknownService)
	require.ErrorIs(t, m.Stop(context.Background(), "nope"), ErrUnknownService)
	_, err := m.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownService)
}

func TestBaseFailureAbortsBatch(t *testing.T) {
	opts, _ := testOptions(t)
	opts.Workers = 1
	a := desc("a", "/nonexistent/servisor-test-binary")
	a.IsBase = true
	b := desc("b", "sleep 30")
	b.IsBase = true
	m := newManager(t, []Descriptor{a, b}, opts)

	err := m.StartAll(context.Background())
	var be *BatchError
	require.ErrorAs(t, err, &be)
	require.Len(t, be.Base(), 1)
	assert.Equal(t, "a", be.Base()[0].Name)
	require.ErrorIs(t, err, errs.ErrLaunch)

	assert.Equal(t, Failed, phaseOf(t, m, "a"))
	assert.Equal(t, Pending, phaseOf(t, m, "b"), "b must not be launched after a base failure")
}

func TestBaseFailureRollsBackStartedServices(t *testing.T) {
	srv, _ := healthServer(t, func() bool { return false })
	opts, _ := testOptions(t)
	opts.Workers = 3
	early := desc("early", "sleep 30")
	early.IsBase = true
	slow := desc("slow", "sleep 30")
	slow.Health = &health.Check{URL: srv.URL}
	slow.StartupTimeout = 30 * time.Second
	bad := desc("bad", "sleep 30")
	bad.IsBase = true
	bad.Health = &health.Check{URL: srv.URL}
	bad.StartupTimeout = 400 * time.Millisecond
	m := newManager(t, []Descriptor{early, slow, bad}, opts)

	began := time.Now()
	err := m.StartAll(context.Background())
	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Less(t, time.Since(began), 10*time.Second, "abort must interrupt the slow readiness wait")

	states, err := m.Status(context.Background())
	require.NoError(t, err)
	for _, s := range states {
		assert.NotEqual(t, Running, s.Phase, "%s left Running after batch abort", s.Name)
	}
	assert.Equal(t, Stopped, phaseOf(t, m, "early"))
	assert.Equal(t, Failed, phaseOf(t, m, "bad"))
	assert.Equal(t, Failed, phaseOf(t, m, "slow"))
	assert.Empty(t, m.RunningPIDs())
}

func TestOptionalFailureDoesNotAbort(t *testing.T) {
	opts, _ := testOptions(t)
	base := desc("base", "sleep 30")
	base.IsBase = true
	opt := desc("extra", "/nonexistent/servisor-test-binary")
	m := newManager(t, []Descriptor{base, opt}, opts)

	require.NoError(t, m.StartAll(context.Background()))
	assert.Equal(t, Running, phaseOf(t, m, "base"))
	assert.Equal(t, Failed, phaseOf(t, m, "extra"))
}

func TestStatusReconcilesExternalKill(t *testing.T) {
	opts, st := testOptions(t)
	m := newManager(t, []Descriptor{desc("victim", "sleep 30")}, opts)
	require.NoError(t, m.Start(context.Background(), "victim"))
	s, err := m.Get(context.Background(), "victim")
	require.NoError(t, err)
	require.NoError(t, syscall.Kill(s.PID, syscall.SIGKILL))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && phaseOf(t, m, "victim") != Failed {
		time.Sleep(20 * time.Millisecond)
	}
	states, err := m.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, Failed, states[0].Phase)
	assert.Contains(t, states[0].LastError, "exited unexpectedly")
	assert.Equal(t, "Failed", persisted(t, st, "victim").Phase)
}

func TestStopAllIdempotent(t *testing.T) {
	opts, _ := testOptions(t)
	m := newManager(t, []Descriptor{desc("a", "sleep 30"), desc("b", "sleep 30"), desc("never", "sleep 30")}, opts)
	require.NoError(t, m.Start(context.Background(), "a"))
	require.NoError(t, m.Start(context.Background(), "b"))

	require.NoError(t, m.StopAll(context.Background()))
	first, err := m.Status(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.StopAll(context.Background()))
	second, err := m.Status(context.Background())
	require.NoError(t, err)

	phases := func(ss []ServiceState) map[string]Phase {
		out := map[string]Phase{}
		for _, s := range ss {
			out[s.Name] = s.Phase
		}
		return out
	}
	assert.Equal(t, phases(first), phases(second))
	assert.Equal(t, map[string]Phase{"a": Stopped, "b": Stopped, "never": Pending}, phases(second))
}

func TestConcurrentStartsOfSameService(t *testing.T) {
	opts, _ := testOptions(t)
	m := newManager(t, []Descriptor{desc("solo", "sleep 30")}, opts)
	var wg sync.WaitGroup
	errsCh := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errsCh <- m.Start(context.Background(), "solo")
		}()
	}
	wg.Wait()
	close(errsCh)
	for err := range errsCh {
		require.NoError(t, err)
	}
	assert.Len(t, m.RunningPIDs(), 1)
}

func TestRecoverAdoptsLiveAndStopsDead(t *testing.T) {
	opts, st := testOptions(t)
	d := desc("daemon", "sleep 30")
	d.Spec.Background = true

	m1, err := New([]Descriptor{d, desc("ghost", "sleep 30")}, opts)
	require.NoError(t, err)
	require.NoError(t, m1.Start(context.Background(), "daemon"))
	before, err := m1.Get(context.Background(), "daemon")
	require.NoError(t, err)
	require.NoError(t, m1.Close())

	// a Running record whose process is long gone
	require.NoError(t, st.Save(context.Background(), store.Record{Name: "ghost", Phase: "Running", PID: 1 << 22}))
	// a record for a service no longer configured
	require.NoError(t, st.Save(context.Background(), store.Record{Name: "removed", Phase: "Running", PID: 1}))

	st2, err := file.New(st.Path())
	require.NoError(t, err)
	opts.Store = st2
	m2 := newManager(t, []Descriptor{d, desc("ghost", "sleep 30")}, opts)

	after, err := m2.Get(context.Background(), "daemon")
	require.NoError(t, err)
	assert.Equal(t, Running, after.Phase)
	assert.Equal(t, before.PID, after.PID)

	ghost, err := m2.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, Stopped, ghost.Phase)
	assert.Contains(t, ghost.LastError, "not alive at recovery")
	assert.Equal(t, "Stopped", persisted(t, st2, "ghost").Phase)

	require.NoError(t, m2.Stop(context.Background(), "daemon"))
	assert.Equal(t, Stopped, phaseOf(t, m2, "daemon"))
}

func TestShutdownInterruptsReadinessAndIsIdempotent(t *testing.T) {
	srv, _ := healthServer(t, func() bool { return false })
	opts, _ := testOptions(t)
	waiting := desc("waiting", "sleep 30")
	waiting.Health = &health.Check{URL: srv.URL}
	waiting.StartupTimeout = time.Minute
	m, err := New([]Descriptor{waiting, desc("up", "sleep 30")}, opts)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background(), "up"))

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background(), "waiting") }()
	deadline := time.Now().Add(5 * time.Second)
	for {
		m.mu.Lock()
		ph := m.byName["waiting"].state.Phase
		m.mu.Unlock()
		if ph == AwaitingHealth || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	first := m.Shutdown(context.Background())
	select {
	case err := <-done:
		require.ErrorIs(t, err, errs.ErrHealthTimeout)
		assert.Contains(t, err.Error(), "interrupted")
	case <-time.After(10 * time.Second):
		t.Fatal("readiness wait was not canceled by shutdown")
	}
	assert.Equal(t, first, m.Shutdown(context.Background()))

	states, err := m.Status(context.Background())
	require.NoError(t, err)
	for _, s := range states {
		assert.True(t, s.Phase.Terminal(), "%s is %s after shutdown", s.Name, s.Phase)
	}
	require.ErrorIs(t, m.Start(context.Background(), "up"), ErrShuttingDown)
	require.ErrorIs(t, m.StartAll(context.Background()), ErrShuttingDown)
}

// fakeConsul is a tiny agent API used to observe registry side effects.
type fakeConsul struct {
	mu           sync.Mutex
	services     map[string]registry.AgentService
	deregistered []string
	down         atomic.Bool
}

func (f *fakeConsul) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.down.Load() {
		http.Error(w, "agent unavailable", http.StatusServiceUnavailable)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.URL.Path == "/v1/agent/service/register":
		var body struct {
			ID, Name string
			Port     int
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.services[body.ID] = registry.AgentService{ID: body.ID, Service: body.Name, Port: body.Port}
	case strings.HasPrefix(r.URL.Path, "/v1/agent/service/deregister/"):
		id := strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/")
		f.deregistered = append(f.deregistered, id)
		delete(f.services, id)
	case r.URL.Path == "/v1/agent/services":
		_ = json.NewEncoder(w).Encode(f.services)
	case strings.HasPrefix(r.URL.Path, "/v1/agent/health/service/id/"):
		_, _ = w.Write([]byte("passing"))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeConsul) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id := range f.services {
		out = append(out, id)
	}
	return out
}

func TestRegistryIntegration(t *testing.T) {
	consul := &fakeConsul{services: map[string]registry.AgentService{}}
	srv := httptest.NewServer(consul)
	defer srv.Close()

	rc := registry.DefaultConfig()
	rc.Enabled = true
	rc.URL = srv.URL
	rc.Retry = retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, BackoffFactor: 2, MaxDelay: time.Millisecond}

	opts, st := testOptions(t)
	opts.Registry = registry.New(rc, nil)
	opts.AutoRegister = true
	d := desc("vllm", "sleep 30")
	d.Port, d.Register = 8000, true
	skip := desc("consul", "sleep 30")
	skip.Port, skip.Register = 8500, true
	m := newManager(t, []Descriptor{d, skip}, opts)

	require.NoError(t, m.StartAll(context.Background()))
	assert.Equal(t, []string{"agent-vllm-127.0.0.1-8000"}, consul.ids())
	s, err := m.Get(context.Background(), "vllm")
	require.NoError(t, err)
	assert.True(t, s.Registered())
	assert.Equal(t, "agent-vllm-127.0.0.1-8000", persisted(t, st, "vllm").RegistryID)

	entries, err := m.Discover(context.Background(), "vllm")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, registry.HealthPassing, entries[0].Health)

	res := m.DeregisterAll(context.Background())
	require.Len(t, res, 1)
	assert.Empty(t, res[0].Error)
	assert.Empty(t, consul.ids())
	assert.Empty(t, m.DeregisterAll(context.Background()), "nothing left to deregister")

	res = m.RegisterAll(context.Background())
	require.Len(t, res, 1)
	assert.Equal(t, "agent-vllm-127.0.0.1-8000", res[0].ID)

	require.NoError(t, m.StopAll(context.Background()))
	assert.Empty(t, consul.ids(), "stop deregisters first")
}

func TestRegistryFailureKeepsServiceRunning(t *testing.T) {
	opts, _ := testOptions(t)
	d := desc("svc", "sleep 30")
	d.Port, d.Register = 9000, true
	opts.AutoRegister = true
	m := newManager(t, []Descriptor{d}, opts)

	require.NoError(t, m.Start(context.Background(), "svc"))
	assert.Equal(t, Running, phaseOf(t, m, "svc"))

	res := m.RegisterAll(context.Background())
	require.Len(t, res, 1)
	assert.True(t, errors.Is(res[0].Err, errs.ErrRegistryUnavailable))
	assert.Equal(t, Running, phaseOf(t, m, "svc"))

	_, err := m.Discover(context.Background(), "")
	require.ErrorIs(t, err, errs.ErrRegistryUnavailable)
}

func TestRestartRetriesStaleDeregister(t *testing.T) {
	consul := &fakeConsul{services: map[string]registry.AgentService{}}
	srv := httptest.NewServer(consul)
	defer srv.Close()

	rc := registry.DefaultConfig()
	rc.Enabled = true
	rc.URL = srv.URL
	rc.Retry = retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, BackoffFactor: 2, MaxDelay: time.Millisecond}

	opts, st := testOptions(t)
	opts.Registry = registry.New(rc, nil)
	opts.AutoRegister = true
	d := desc("vllm", "sleep 30")
	d.Port, d.Register = 8000, true
	m := newManager(t, []Descriptor{d}, opts)

	require.NoError(t, m.Start(context.Background(), "vllm"))
	const id = "agent-vllm-127.0.0.1-8000"

	consul.down.Store(true)
	require.NoError(t, m.Stop(context.Background(), "vllm"))
	assert.Equal(t, Stopped, phaseOf(t, m, "vllm"))
	assert.Equal(t, id, persisted(t, st, "vllm").RegistryID, "failed deregister keeps the id")

	consul.down.Store(false)
	require.NoError(t, m.Start(context.Background(), "vllm"))
	consul.mu.Lock()
	assert.Equal(t, []string{id}, consul.deregistered, "stale entry removed before the new start")
	consul.mu.Unlock()
	assert.Equal(t, []string{id}, consul.ids())
	assert.Equal(t, id, persisted(t, st, "vllm").RegistryID)
}

// stuckController refuses to stop anything while stuck is set, the way a
// process surviving SIGKILL would.
type stuckController struct {
	recordingController
	stuck atomic.Bool
}

func (c *stuckController) Stop(p *process.Process, grace, force time.Duration) error {
	if c.stuck.Load() && c.Controller.IsAlive(p) {
		return errs.Stop(p.Name(), p.PID(), nil)
	}
	return c.Controller.Stop(p, grace, force)
}

func (c *stuckController) live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.launched {
		if c.Controller.IsAlive(p) {
			n++
		}
	}
	return n
}

func TestFailedStopKeepsSingleProcess(t *testing.T) {
	opts, st := testOptions(t)
	ctrl := &stuckController{recordingController: recordingController{Controller: process.NewController(nil)}}
	opts.Controller = ctrl
	m := newManager(t, []Descriptor{desc("wedged", "sleep 30")}, opts)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, "wedged"))
	ctrl.stuck.Store(true)
	require.ErrorIs(t, m.Stop(ctx, "wedged"), errs.ErrStop)

	s, err := m.Get(ctx, "wedged")
	require.NoError(t, err)
	assert.Equal(t, Failed, s.Phase)
	assert.Positive(t, s.PID, "the surviving process stays visible")
	assert.Equal(t, s.PID, persisted(t, st, "wedged").PID)

	// A restart may not launch beside the survivor.
	require.ErrorIs(t, m.Start(ctx, "wedged"), errs.ErrStop)
	assert.Equal(t, 1, ctrl.live())
	assert.Equal(t, Failed, phaseOf(t, m, "wedged"))
	assert.Empty(t, m.RunningPIDs())

	// Stop on the Failed service retries and clears the pid.
	ctrl.stuck.Store(false)
	require.NoError(t, m.Stop(ctx, "wedged"))
	assert.Zero(t, ctrl.live())
	s, err = m.Get(ctx, "wedged")
	require.NoError(t, err)
	assert.Equal(t, Failed, s.Phase)
	assert.Zero(t, s.PID)

	require.NoError(t, m.Start(ctx, "wedged"))
	assert.Equal(t, 1, ctrl.live())
	require.Len(t, ctrl.launched, 2)
}

func TestFailedServiceRestartStopsSurvivorFirst(t *testing.T) {
	opts, _ := testOptions(t)
	ctrl := &stuckController{recordingController: recordingController{Controller: process.NewController(nil)}}
	opts.Controller = ctrl
	m := newManager(t, []Descriptor{desc("wedged", "sleep 30")}, opts)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, "wedged"))
	ctrl.stuck.Store(true)
	require.Error(t, m.Stop(ctx, "wedged"))
	ctrl.stuck.Store(false)

	require.NoError(t, m.Start(ctx, "wedged"))
	assert.Equal(t, Running, phaseOf(t, m, "wedged"))
	require.Len(t, ctrl.launched, 2)
	assert.False(t, ctrl.IsAlive(ctrl.launched[0]))
	assert.Equal(t, 1, ctrl.live())
}

func TestUnreadyCleanupFailureKeepsPID(t *testing.T) {
	srv, _ := healthServer(t, func() bool { return false })
	opts, st := testOptions(t)
	ctrl := &stuckController{recordingController: recordingController{Controller: process.NewController(nil)}}
	ctrl.stuck.Store(true)
	opts.Controller = ctrl
	d := desc("slow", "sleep 30")
	d.Health = &health.Check{URL: srv.URL}
	d.StartupTimeout = 200 * time.Millisecond
	m := newManager(t, []Descriptor{d}, opts)

	require.ErrorIs(t, m.Start(context.Background(), "slow"), errs.ErrHealthTimeout)
	require.Len(t, ctrl.launched, 1)
	pid := ctrl.launched[0].PID()

	s, err := m.Get(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, Failed, s.Phase)
	assert.Equal(t, pid, s.PID)
	assert.Contains(t, s.LastError, "left running")
	assert.Equal(t, pid, persisted(t, st, "slow").PID)

	ctrl.stuck.Store(false)
	require.NoError(t, m.Stop(context.Background(), "slow"))
	assert.Zero(t, ctrl.live())
}

// orphan launches a process outside any manager, as one left behind by a
// previous supervisor would be.
func orphan(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-done
	})
	return cmd.Process.Pid
}

func TestRecoverSettlesInterruptedPhases(t *testing.T) {
	opts, st := testOptions(t)
	ctx := context.Background()
	pids := map[string]int{}
	for name, phase := range map[string]string{
		"launching": "Starting",
		"warming":   "AwaitingHealth",
		"draining":  "Stopping",
		"wedged":    "Failed",
	} {
		pids[name] = orphan(t)
		require.NoError(t, st.Save(ctx, store.Record{Name: name, Phase: phase, PID: pids[name]}))
	}

	ds := []Descriptor{desc("launching", "sleep 30"), desc("warming", "sleep 30"), desc("draining", "sleep 30"), desc("wedged", "sleep 30")}
	m := newManager(t, ds, opts)
	ctrl := process.NewController(nil)
	gone := func(pid int) bool { return !ctrl.IsAlive(ctrl.Attach("x", pid, 0)) }

	for _, name := range []string{"launching", "warming"} {
		s, err := m.Get(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, Failed, s.Phase, name)
		assert.Contains(t, s.LastError, "supervisor restarted", name)
		assert.Zero(t, s.PID, name)
		assert.Equal(t, "Failed", persisted(t, st, name).Phase)
		assert.Eventually(t, func() bool { return gone(pids[name]) }, 2*time.Second, 20*time.Millisecond, name)
	}

	s, err := m.Get(ctx, "draining")
	require.NoError(t, err)
	assert.Equal(t, Stopped, s.Phase)
	assert.Eventually(t, func() bool { return gone(pids["draining"]) }, 2*time.Second, 20*time.Millisecond)

	// A Failed record keeps its surviving process until Stop retries.
	s, err = m.Get(ctx, "wedged")
	require.NoError(t, err)
	assert.Equal(t, Failed, s.Phase)
	assert.Equal(t, pids["wedged"], s.PID)
	require.NoError(t, m.Stop(ctx, "wedged"))
	assert.Eventually(t, func() bool { return gone(pids["wedged"]) }, 2*time.Second, 20*time.Millisecond)
	assert.Empty(t, m.RunningPIDs())
}
