package process

import (
	"io"
	"os"
	"sync"
	"time"
)

// Process is a running (or once-running) service process. At most one live
// Process exists per service name; the supervisor enforces that.
type Process struct {
	name      string
	pid       int
	startedAt time.Time
	startUnix int64
	pidFile   string

	// done is closed when the reaper observes exit. Nil for attached
	// processes, which are not our children.
	done chan struct{}

	mu      sync.Mutex
	exitErr error
	closers []io.Closer
}

func (p *Process) Name() string         { return p.name }
func (p *Process) PID() int             { return p.pid }
func (p *Process) StartedAt() time.Time { return p.startedAt }

// StartUnix is the kernel-reported start time used to detect PID reuse.
func (p *Process) StartUnix() int64 { return p.startUnix }

// Attached reports whether the process was adopted rather than spawned here.
func (p *Process) Attached() bool { return p.done == nil }

// Exited is closed once a spawned process has been reaped. It is nil for
// attached processes.
func (p *Process) Exited() <-chan struct{} { return p.done }

func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *Process) addCloser(c io.Closer) {
	if c == nil {
		return
	}
	p.mu.Lock()
	p.closers = append(p.closers, c)
	p.mu.Unlock()
}

// release closes log writers and removes the pidfile. Safe to call twice.
func (p *Process) release() {
	p.mu.Lock()
	cs := p.closers
	p.closers = nil
	p.mu.Unlock()
	for _, c := range cs {
		_ = c.Close()
	}
	if p.pidFile != "" {
		_ = os.Remove(p.pidFile)
	}
}

func (p *Process) markExited(err error) {
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}
