package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/servisor/internal/errs"
	"github.com/loykin/servisor/internal/health"
	"github.com/loykin/servisor/internal/metrics"
	"github.com/loykin/servisor/internal/process"
)

// Start brings one service to Running. Starting a Running service is a
// no-op. Calls for the same service are serialized: a concurrent Start or
// Stop waits for the one in flight. A Failed service whose process is still
// alive is stopped first; if that fails the start is refused with the stop
// error and the service stays Failed.
func (m *Manager) Start(ctx context.Context, name string) error {
	s, err := m.lookup(name)
	if err != nil {
		return err
	}
	s.op.Lock()
	defer s.op.Unlock()
	_, err = m.start(ctx, s)
	return err
}

// Stop brings one service to Stopped. Stopping a service that is not
// Running is a no-op.
func (m *Manager) Stop(ctx context.Context, name string) error {
	s, err := m.lookup(name)
	if err != nil {
		return err
	}
	s.op.Lock()
	defer s.op.Unlock()
	return m.stop(ctx, s)
}

// StartAll starts every service on the worker pool. A base service failure
// cancels the batch: services not yet launched stay as they were, readiness
// waits in flight are interrupted, and services this call brought to Running
// are stopped again. The result is then a *BatchError. Optional service
// failures are logged and do not fail the call.
func (m *Manager) StartAll(ctx context.Context) error {
	if m.closing.Load() {
		return ErrShuttingDown
	}
	bctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	var (
		mu       sync.Mutex
		failures []ServiceError
		started  []*service
		baseFail bool
	)
	m.each(bctx, m.order, func(ctx context.Context, s *service) {
		if ctx.Err() != nil {
			return
		}
		s.op.Lock()
		defer s.op.Unlock()
		if ctx.Err() != nil {
			return
		}
		ok, err := m.start(ctx, s)

		mu.Lock()
		defer mu.Unlock()
		if ok {
			started = append(started, s)
		}
		if err == nil {
			return
		}
		failures = append(failures, ServiceError{Name: s.name(), IsBase: s.desc.IsBase, Err: err})
		if s.desc.IsBase {
			baseFail = true
			slog.Error("base service failed, aborting start", "service", s.name(), "error", err)
			abort(fmt.Errorf("base service %s failed: %w", s.name(), err))
		} else {
			slog.Warn("optional service failed to start", "service", s.name(), "error", err)
		}
	})

	if !baseFail {
		return nil
	}
	if len(started) > 0 {
		slog.Info("rolling back services started in aborted batch", "count", len(started))
		rctx := context.WithoutCancel(ctx)
		m.each(rctx, started, func(ctx context.Context, s *service) {
			s.op.Lock()
			defer s.op.Unlock()
			if err := m.stop(ctx, s); err != nil {
				slog.Error("rollback stop failed", "service", s.name(), "error", err)
			}
		})
	}
	return &BatchError{Failures: failures}
}

// StopAll stops every Running service. Calling it again is a no-op.
func (m *Manager) StopAll(ctx context.Context) error {
	var (
		mu  sync.Mutex
		out []error
	)
	m.each(ctx, m.order, func(ctx context.Context, s *service) {
		s.op.Lock()
		defer s.op.Unlock()
		if err := m.stop(ctx, s); err != nil {
			mu.Lock()
			out = append(out, err)
			mu.Unlock()
		}
	})
	return errors.Join(out...)
}

// start runs with s.op held. It reports whether this call brought the
// service to Running.
func (m *Manager) start(ctx context.Context, s *service) (bool, error) {
	if m.closing.Load() {
		return false, ErrShuttingDown
	}
	st, p := m.snapshot(s)
	switch {
	case st.Phase == Running:
		if p != nil && m.ctrl.IsAlive(p) {
			return false, nil
		}
		m.markDead(s, p)
	case st.Phase == Failed && p != nil:
		if err := m.reap(s, p); err != nil {
			return false, err
		}
	case st.Phase.Active():
		return false, fmt.Errorf("%w: %s is %s", ErrBusy, s.name(), st.Phase)
	}
	if st.RegistryID != "" {
		if err := m.deregister(ctx, s); err != nil {
			slog.Warn("stale registry entry left behind", "service", s.name(), "registry_id", st.RegistryID, "error", err)
		}
	}

	if err := m.transition(s, Starting, func(st *ServiceState) {
		st.LastError = ""
		st.PID = 0
		st.startUnix = 0
		st.StartedAt = time.Time{}
		st.RegistryID = ""
	}); err != nil {
		return false, err
	}

	opCtx, done := m.opContext(ctx)
	defer done()

	p, err := m.ctrl.Start(opCtx, s.desc.Spec)
	if err != nil {
		if _, ok := errs.KindOf(err); !ok {
			err = errs.Launch(s.name(), err)
		}
		return false, m.fail(s, err)
	}
	if err := m.transition(s, AwaitingHealth, func(st *ServiceState) {
		st.PID = p.PID()
		st.startUnix = p.StartUnix()
		st.StartedAt = p.StartedAt()
		s.proc = p
	}); err != nil {
		return false, err
	}

	began := time.Now()
	if err := m.awaitReady(opCtx, s, p); err != nil {
		if serr := m.ctrl.Stop(p, 0, m.opts.ForceTimeout); serr != nil {
			slog.Error("cleanup of unready service failed", "service", s.name(), "pid", p.PID(), "error", serr)
			return false, m.failLeaving(s, err, p, serr)
		}
		return false, m.fail(s, err)
	}
	if err := m.transition(s, Running, nil); err != nil {
		return false, err
	}
	metrics.IncStart(s.name())
	metrics.ObserveReadiness(s.name(), time.Since(began).Seconds())

	if m.opts.AutoRegister && s.desc.Register {
		if _, err := m.register(opCtx, s); err != nil {
			slog.Warn("service running but not registered", "service", s.name(), "error", err)
		}
	}
	return true, nil
}

// fail records err on s and moves it to Failed.
func (m *Manager) fail(s *service, err error) error {
	metrics.IncFailure(s.name(), failureKind(err))
	if terr := m.transition(s, Failed, func(st *ServiceState) {
		st.LastError = err.Error()
		st.PID = 0
		st.startUnix = 0
		s.proc = nil
	}); terr != nil {
		slog.Error("record failure", "service", s.name(), "error", terr)
	}
	return err
}

// failLeaving is fail for a service whose process could not be stopped: p
// stays attached so a later Start or Stop can retry.
func (m *Manager) failLeaving(s *service, err error, p *process.Process, serr error) error {
	metrics.IncFailure(s.name(), failureKind(err))
	if terr := m.transition(s, Failed, func(st *ServiceState) {
		st.LastError = fmt.Sprintf("%v; process %d left running: %v", err, p.PID(), serr)
		st.PID = p.PID()
		st.startUnix = p.StartUnix()
		s.proc = p
	}); terr != nil {
		slog.Error("record failure", "service", s.name(), "error", terr)
	}
	return err
}

// reap stops the process a Failed service left behind. The phase stays
// Failed either way; on success the pid is cleared.
func (m *Manager) reap(s *service, p *process.Process) error {
	if m.ctrl.IsAlive(p) {
		slog.Warn("failed service still has a live process, stopping it", "service", s.name(), "pid", p.PID())
		if err := m.ctrl.Stop(p, m.opts.GracePeriod, m.opts.ForceTimeout); err != nil {
			metrics.IncFailure(s.name(), failureKind(err))
			m.update(s, func(st *ServiceState) { st.LastError = err.Error() })
			return err
		}
	}
	m.update(s, func(st *ServiceState) {
		st.PID = 0
		st.startUnix = 0
		s.proc = nil
	})
	return nil
}

// awaitReady returns nil once s is ready. Without a health check, readiness
// is declared after the no-health grace if the process is still alive. The
// wait ends early if the process exits or ctx is canceled.
func (m *Manager) awaitReady(ctx context.Context, s *service, p *process.Process) error {
	budget := s.desc.StartupTimeout
	if budget <= 0 {
		budget = m.opts.DefaultStartupTimeout
	}
	rctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if exited := p.Exited(); exited != nil {
		go func() {
			select {
			case <-exited:
				cancel(errProcessExited)
			case <-rctx.Done():
			}
		}()
	}

	var err error
	if !s.desc.HasHealth() {
		err = m.opts.Sleep(rctx, m.opts.NoHealthGrace)
		if err == nil && !m.ctrl.IsAlive(p) {
			err = errProcessExited
		}
	} else {
		var res health.Result
		var n int
		res, n, err = health.WaitReady(rctx, m.opts.Prober, *s.desc.Health, m.opts.CheckInterval, budget, m.opts.Sleep)
		if err == nil {
			slog.Debug("service ready", "service", s.name(), "probes", n, "latency", res.Latency)
		}
	}
	if err == nil {
		return nil
	}

	switch cause := context.Cause(rctx); {
	case errors.Is(err, errProcessExited), errors.Is(cause, errProcessExited):
		reason := errProcessExited
		if xerr := p.ExitErr(); xerr != nil {
			reason = fmt.Errorf("%w: %v", errProcessExited, xerr)
		}
		return errs.HealthTimeout(s.name(), budget, reason)
	case ctx.Err() != nil:
		return errs.HealthTimeout(s.name(), budget, fmt.Errorf("readiness wait interrupted: %w", context.Cause(ctx)))
	}
	return errs.HealthTimeout(s.name(), budget, err)
}

// stop runs with s.op held. Besides Running services it retries the stop
// of a process a Failed service left behind.
func (m *Manager) stop(ctx context.Context, s *service) error {
	st, p := m.snapshot(s)
	if st.Phase != Running {
		if st.Phase == Failed && p != nil {
			return m.reap(s, p)
		}
		return nil
	}
	if st.RegistryID != "" {
		if err := m.deregister(ctx, s); err != nil {
			slog.Warn("deregister before stop failed", "service", s.name(), "error", err)
		}
	}
	if err := m.transition(s, Stopping, nil); err != nil {
		return err
	}
	if p != nil {
		if err := m.ctrl.Stop(p, m.opts.GracePeriod, m.opts.ForceTimeout); err != nil {
			metrics.IncFailure(s.name(), failureKind(err))
			if terr := m.transition(s, Failed, func(st *ServiceState) { st.LastError = err.Error() }); terr != nil {
				slog.Error("record failure", "service", s.name(), "error", terr)
			}
			return err
		}
	}
	if err := m.transition(s, Stopped, func(st *ServiceState) {
		st.PID = 0
		st.startUnix = 0
		s.proc = nil
	}); err != nil {
		return err
	}
	metrics.IncStop(s.name())
	return nil
}
