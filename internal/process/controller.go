// Package process launches, observes and terminates service processes.
package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/loykin/servisor/internal/detector"
	"github.com/loykin/servisor/internal/env"
	"github.com/loykin/servisor/internal/errs"
)

const pollInterval = 50 * time.Millisecond

// Controller owns the OS-level side of service processes.
type Controller struct {
	// Env is the global environment overlay; nil means the OS environment.
	Env *env.Env
}

func NewController(e *env.Env) *Controller {
	if e == nil {
		e = env.New()
	}
	return &Controller{Env: e}
}

// Start spawns the process described by spec. Output is redirected to the
// configured log files, never to the supervisor's own stdio.
func (c *Controller) Start(ctx context.Context, spec Spec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Launch(spec.Name, err)
	}
	cmd, err := spec.BuildCommand()
	if err != nil {
		return nil, errs.Launch(spec.Name, err)
	}
	e := c.Env
	if e == nil {
		e = env.New()
	}
	cmd.Env = e.Compose(append([]string{"SERVISOR_SERVICE=" + spec.Name}, spec.Env...), spec.PathDirs()...)
	configureSysProcAttr(cmd, spec.Background)

	p := &Process{name: spec.Name, pidFile: spec.PIDFile, done: make(chan struct{})}
	inherited, err := attachOutput(cmd, p, spec)
	if err != nil {
		return nil, errs.Launch(spec.Name, err)
	}
	if err := cmd.Start(); err != nil {
		closeAll(inherited)
		p.release()
		return nil, errs.Launch(spec.Name, err)
	}
	// The child holds its own descriptors now.
	closeAll(inherited)

	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	p.startUnix = detector.StartUnix(p.pid)
	if spec.PIDFile != "" {
		if err := detector.WritePIDFile(spec.PIDFile, p.pid, p.startUnix); err != nil {
			slog.Warn("pidfile write failed", "service", spec.Name, "path", spec.PIDFile, "error", err)
		}
	}
	go func() {
		err := cmd.Wait()
		p.markExited(err)
		p.release()
	}()
	slog.Debug("process started", "service", spec.Name, "pid", p.pid, "background", spec.Background)
	return p, nil
}

// attachOutput wires stdout/stderr. Background processes get plain append
// files so they keep logging after the supervisor exits; supervised ones get
// rotating writers. Returned files must be closed by the caller after Start.
func attachOutput(cmd *exec.Cmd, p *Process, spec Spec) ([]io.Closer, error) {
	if !spec.Log.Enabled() {
		null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return nil, err
		}
		cmd.Stdout, cmd.Stderr = null, null
		return []io.Closer{null}, nil
	}
	if spec.Background {
		out, errf, err := spec.Log.AppendFiles(spec.Name)
		if err != nil {
			return nil, err
		}
		cmd.Stdout, cmd.Stderr = out, errf
		if out == errf {
			return []io.Closer{out}, nil
		}
		return []io.Closer{out, errf}, nil
	}
	outW, errW, err := spec.Log.Writers(spec.Name)
	if err != nil {
		return nil, err
	}
	cmd.Stdout, cmd.Stderr = outW, errW
	p.addCloser(outW)
	p.addCloser(errW)
	return nil, nil
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}

// Attach adopts a process that was started by an earlier supervisor run.
func (c *Controller) Attach(name string, pid int, startUnix int64) *Process {
	p := &Process{name: name, pid: pid, startUnix: startUnix}
	if startUnix > 0 {
		p.startedAt = time.Unix(startUnix, 0)
	}
	return p
}

// IsAlive reports liveness. It tolerates processes that exited or were
// killed outside the supervisor.
func (c *Controller) IsAlive(p *Process) bool {
	if p == nil || p.pid <= 0 {
		return false
	}
	if p.done != nil {
		select {
		case <-p.done:
			return false
		default:
		}
	}
	ok, _ := detector.PIDDetector{PID: p.pid, StartUnix: p.startUnix}.Alive()
	return ok
}

// Stop sends SIGTERM to the process group and waits up to grace, then
// SIGKILL and waits up to force. A process that survives both is reported
// with an errs.ErrStop error and left in place.
func (c *Controller) Stop(p *Process, grace, force time.Duration) error {
	if p == nil {
		return nil
	}
	if !c.IsAlive(p) {
		p.release()
		return nil
	}
	if err := signalGroup(p.pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		slog.Warn("SIGTERM failed", "service", p.name, "pid", p.pid, "error", err)
	}
	if c.waitGone(p, grace) {
		p.release()
		return nil
	}
	slog.Warn("graceful stop timed out, killing", "service", p.name, "pid", p.pid, "grace", grace)
	_ = signalGroup(p.pid, syscall.SIGKILL)
	if c.waitGone(p, force) {
		p.release()
		return nil
	}
	return errs.Stop(p.name, p.pid, nil)
}

func (c *Controller) waitGone(p *Process, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		if !c.IsAlive(p) {
			return true
		}
		select {
		case <-p.done: // nil for attached processes: never fires
			return true
		case <-deadline.C:
			return !c.IsAlive(p)
		case <-tick.C:
		}
	}
}

// signalGroup signals the process group led by pid, falling back to the
// single process when pid does not lead a group.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}
