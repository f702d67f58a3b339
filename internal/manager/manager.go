// Package manager is the lifecycle supervisor. It drives every configured
// service through Pending, Starting, AwaitingHealth, Running, Stopping and
// Stopped (or Failed), persists each transition, and reconciles the
// persisted snapshot against live processes.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/servisor/internal/errs"
	"github.com/loykin/servisor/internal/health"
	"github.com/loykin/servisor/internal/history"
	"github.com/loykin/servisor/internal/metrics"
	"github.com/loykin/servisor/internal/process"
	"github.com/loykin/servisor/internal/registry"
	"github.com/loykin/servisor/internal/retry"
	"github.com/loykin/servisor/internal/store"
)

// Controller is the process-control surface the supervisor drives.
type Controller interface {
	Start(ctx context.Context, spec process.Spec) (*process.Process, error)
	Stop(p *process.Process, grace, force time.Duration) error
	IsAlive(p *process.Process) bool
	Attach(name string, pid int, startUnix int64) *process.Process
}

type Options struct {
	// Controller defaults to a process.Controller over the OS environment.
	Controller Controller
	// Prober defaults to an HTTP prober.
	Prober health.Prober
	// Store persists the snapshot; nil keeps it in memory only.
	Store store.Store
	// Registry is optional; nil means the registry capability is absent.
	Registry *registry.Sync
	History  *history.Fanout

	CheckInterval         time.Duration
	GracePeriod           time.Duration
	ForceTimeout          time.Duration
	NoHealthGrace         time.Duration
	DefaultStartupTimeout time.Duration
	Workers               int
	// AutoRegister publishes services with Register set once they are Running.
	AutoRegister bool
	// Sleep replaces readiness sleeps; tests use it to avoid wall-clock waits.
	Sleep retry.Sleeper
}

func (o *Options) defaults() {
	if o.Controller == nil {
		o.Controller = process.NewController(nil)
	}
	if o.Prober == nil {
		o.Prober = &health.HTTPProber{}
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = 2 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 10 * time.Second
	}
	if o.ForceTimeout <= 0 {
		o.ForceTimeout = 5 * time.Second
	}
	if o.NoHealthGrace < 0 {
		o.NoHealthGrace = 0
	}
	if o.DefaultStartupTimeout <= 0 {
		o.DefaultStartupTimeout = 60 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Sleep == nil {
		o.Sleep = retry.SleepContext
	}
}

type service struct {
	desc Descriptor
	// op serializes start and stop of this service.
	op sync.Mutex

	// guarded by Manager.mu
	state ServiceState
	proc  *process.Process
}

func (s *service) name() string { return s.desc.Name() }

// Manager supervises a fixed set of services.
type Manager struct {
	opts   Options
	ctrl   Controller
	order  []*service
	byName map[string]*service

	// mu is the snapshot critical section: every read or write of service
	// state and every store write happens under it.
	mu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool

	shutdownOnce sync.Once
	shutdownErr  error
	closeOnce    sync.Once
	closeErr     error
}

// New validates ds and restores the persisted snapshot. An invalid
// descriptor set yields errs.ErrConfig before anything is touched.
func New(ds []Descriptor, opts Options) (*Manager, error) {
	if err := ValidateAll(ds); err != nil {
		return nil, err
	}
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:   opts,
		ctrl:   opts.Controller,
		byName: make(map[string]*service, len(ds)),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, d := range ds {
		if d.Host == "" {
			d.Host = "127.0.0.1"
		}
		s := &service{desc: d, state: ServiceState{
			Name: d.Name(), Phase: Pending, Host: d.Host, Port: d.Port, IsBase: d.IsBase,
		}}
		m.order = append(m.order, s)
		m.byName[d.Name()] = s
	}
	if opts.Store != nil {
		if err := opts.Store.EnsureSchema(context.Background()); err != nil {
			cancel()
			return nil, fmt.Errorf("state store: %w", err)
		}
		if err := m.Recover(context.Background()); err != nil {
			cancel()
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) lookup(name string) (*service, error) {
	s, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return s, nil
}

// Names returns the configured service names in declaration order.
func (m *Manager) Names() []string {
	out := make([]string, 0, len(m.order))
	for _, s := range m.order {
		out = append(out, s.name())
	}
	return out
}

// Descriptor returns the descriptor of name.
func (m *Manager) Descriptor(name string) (Descriptor, bool) {
	s, ok := m.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return s.desc, true
}

// opContext derives a context that is also canceled by Shutdown.
func (m *Manager) opContext(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(m.ctx, func() { cancel(ErrShuttingDown) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

// each runs fn for every service on the bounded worker pool and waits.
func (m *Manager) each(ctx context.Context, svcs []*service, fn func(ctx context.Context, s *service)) {
	var g errgroup.Group
	g.SetLimit(m.opts.Workers)
	for _, s := range svcs {
		g.Go(func() error {
			fn(ctx, s)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) persistLocked(st ServiceState) {
	if m.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.opts.Store.Save(ctx, st.record()); err != nil {
		slog.Warn("persist service state failed", "service", st.Name, "error", err)
	}
}

// transition moves s to phase to, applying mutate under the snapshot lock,
// and persists the result.
func (m *Manager) transition(s *service, to Phase, mutate func(*ServiceState)) error {
	m.mu.Lock()
	from := s.state.Phase
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, s.name(), from, to)
	}
	s.state.Phase = to
	if mutate != nil {
		mutate(&s.state)
	}
	s.state.UpdatedAt = time.Now().UTC()
	st := s.state
	m.persistLocked(st)
	m.mu.Unlock()

	m.observe(st, from)
	return nil
}

// update changes non-phase fields and persists them.
func (m *Manager) update(s *service, mutate func(*ServiceState)) {
	m.mu.Lock()
	mutate(&s.state)
	s.state.UpdatedAt = time.Now().UTC()
	m.persistLocked(s.state)
	m.mu.Unlock()
}

func (m *Manager) observe(st ServiceState, from Phase) {
	metrics.RecordTransition(st.Name, string(from), string(st.Phase))
	attrs := []any{"service", st.Name, "from", from, "to", st.Phase}
	if st.PID > 0 {
		attrs = append(attrs, "pid", st.PID)
	}
	if st.LastError != "" && st.Phase == Failed {
		attrs = append(attrs, "error", st.LastError)
		slog.Warn("service transition", attrs...)
	} else {
		slog.Info("service transition", attrs...)
	}
	if m.opts.History.Len() > 0 {
		e := history.NewEvent(history.EventTransition, st.Name)
		e.From, e.To, e.PID = string(from), string(st.Phase), st.PID
		if st.Phase == Failed {
			e.Error = st.LastError
		}
		m.opts.History.Emit(m.ctx, e)
	}
}

func (m *Manager) snapshot(s *service) (ServiceState, *process.Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.state, s.proc
}

// Status reconciles every service against process liveness and returns the
// snapshot in declaration order. A Running service whose process is gone is
// moved to Failed and persisted before it is returned.
func (m *Manager) Status(_ context.Context) ([]ServiceState, error) {
	for _, s := range m.order {
		m.reconcile(s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServiceState, 0, len(m.order))
	for _, s := range m.order {
		out = append(out, s.state)
	}
	return out, nil
}

// Get is Status for a single service.
func (m *Manager) Get(_ context.Context, name string) (ServiceState, error) {
	s, err := m.lookup(name)
	if err != nil {
		return ServiceState{}, err
	}
	m.reconcile(s)
	st, _ := m.snapshot(s)
	return st, nil
}

// reconcile skips services with an operation in flight; that operation
// settles their phase.
func (m *Manager) reconcile(s *service) {
	if !s.op.TryLock() {
		return
	}
	defer s.op.Unlock()
	st, p := m.snapshot(s)
	if st.Phase == Running && (p == nil || !m.ctrl.IsAlive(p)) {
		m.markDead(s, p)
	}
}

func (m *Manager) markDead(s *service, p *process.Process) {
	msg := "process exited unexpectedly"
	if p != nil {
		msg = fmt.Sprintf("process %d exited unexpectedly", p.PID())
		if err := p.ExitErr(); err != nil {
			msg += ": " + err.Error()
		}
	}
	metrics.IncFailure(s.name(), "process_exited")
	if err := m.transition(s, Failed, func(st *ServiceState) {
		st.LastError = msg
		st.PID = 0
		st.startUnix = 0
		s.proc = nil
	}); err != nil {
		slog.Error("record failure", "service", s.name(), "error", err)
	}
}

// Recover re-reads the persisted snapshot. Only a Running service whose
// process is still alive is adopted as is. A live process caught in
// Starting or AwaitingHealth never proved ready: it is stopped and the
// service marked Failed. A Stopping service has its stop finished. Active
// phases whose process is gone become Stopped, and a Failed service keeps
// a process it left running so Stop can retry. Records of unknown services
// are ignored.
func (m *Manager) Recover(ctx context.Context) error {
	if m.opts.Store == nil {
		return nil
	}
	recs, err := m.opts.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	for _, r := range recs {
		s, ok := m.byName[r.Name]
		if !ok {
			slog.Debug("ignoring persisted state of unknown service", "service", r.Name)
			continue
		}
		s.op.Lock()
		m.restore(s, r)
		s.op.Unlock()
	}
	return nil
}

func (m *Manager) restore(s *service, r store.Record) {
	st := stateFromRecord(r)
	st.Host, st.Port, st.IsBase = s.desc.Host, s.desc.Port, s.desc.IsBase
	from := st.Phase

	var p *process.Process
	if r.PID > 0 && (st.Phase.Active() || st.Phase == Failed) {
		p = m.ctrl.Attach(s.name(), r.PID, r.StartUnix)
		if !m.ctrl.IsAlive(p) {
			p = nil
		}
	}
	drop := func() {
		p = nil
		st.PID = 0
		st.startUnix = 0
	}

	switch {
	case st.Phase == Failed:
		if p == nil {
			drop()
		}
	case !st.Phase.Active(), st.Phase == Running && p != nil:
		// settled or adopted
	case p == nil:
		st.Phase = Stopped
		st.LastError = fmt.Sprintf("process %d not alive at recovery", r.PID)
		drop()
	case st.Phase == Stopping:
		if err := m.ctrl.Stop(p, m.opts.GracePeriod, m.opts.ForceTimeout); err != nil {
			st.Phase = Failed
			st.LastError = fmt.Sprintf("interrupted stop of process %d not finished: %v", r.PID, err)
			break
		}
		st.Phase = Stopped
		st.LastError = ""
		drop()
	default:
		reason := fmt.Sprintf("supervisor restarted while service was %s", from)
		if err := m.ctrl.Stop(p, 0, m.opts.ForceTimeout); err != nil {
			st.Phase = Failed
			st.LastError = fmt.Sprintf("%s; process %d left running: %v", reason, r.PID, err)
			break
		}
		st.Phase = Failed
		st.LastError = fmt.Sprintf("%s; process %d stopped", reason, r.PID)
		drop()
	}

	m.mu.Lock()
	s.state = st
	s.proc = p
	if st.Phase != from {
		s.state.UpdatedAt = time.Now().UTC()
		m.persistLocked(s.state)
	}
	m.mu.Unlock()

	if st.Phase != from {
		slog.Info("reconciled persisted state", "service", st.Name, "from", from, "to", st.Phase, "pid", r.PID)
		metrics.RecordTransition(st.Name, string(from), string(st.Phase))
	}
}

// RunningPIDs maps Running services to their pid.
func (m *Manager) RunningPIDs() map[string]int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int32)
	for _, s := range m.order {
		if s.state.Phase == Running && s.state.PID > 0 {
			out[s.name()] = int32(s.state.PID)
		}
	}
	return out
}

// Close releases the store and history sinks without touching processes.
// Background services keep running and are reconciled by the next run.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closing.Store(true)
		m.cancel()
		var es []error
		es = append(es, m.opts.History.Close())
		if m.opts.Store != nil {
			es = append(es, m.opts.Store.Close())
		}
		m.closeErr = errors.Join(es...)
	})
	return m.closeErr
}

// Shutdown cancels in-flight readiness waits, stops every active service,
// stops a self-launched registry backend and releases resources. Calling it
// again returns the first result.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		slog.Info("supervisor shutting down")
		m.closing.Store(true)
		m.cancel()
		es := []error{m.StopAll(ctx)}
		if m.opts.Registry != nil {
			es = append(es, m.opts.Registry.Shutdown(ctx))
		}
		es = append(es, m.Close())
		m.shutdownErr = errors.Join(es...)
	})
	return m.shutdownErr
}

func failureKind(err error) string {
	if k, ok := errs.KindOf(err); ok {
		return string(k)
	}
	return "unknown"
}
