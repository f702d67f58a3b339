// Package registry publishes supervised services to a Consul-compatible
// service-discovery backend.
//
// Registry integration is best-effort: every failure surfaces as
// errs.ErrRegistryUnavailable or errs.ErrRegistryRejected and never changes
// a service's own lifecycle.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loykin/servisor/internal/errs"
	"github.com/loykin/servisor/internal/logger"
	"github.com/loykin/servisor/internal/process"
	"github.com/loykin/servisor/internal/retry"
)

const (
	HealthPassing  = "passing"
	HealthWarning  = "warning"
	HealthCritical = "critical"
	HealthUnknown  = "unknown"
)

// BackendName is the service name of the registry itself; it is never
// registered into itself.
const BackendName = "consul"

// Entry is a published service instance.
type Entry struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Service   string   `json:"service"`
	Address   string   `json:"address"`
	Port      int      `json:"port"`
	Tags      []string `json:"tags,omitempty"`
	HealthURL string   `json:"health_url,omitempty"`
	Health    string   `json:"health,omitempty"`
}

type BootstrapConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
	Command      string        `json:"command" mapstructure:"command" yaml:"command"`
	Args         []string      `json:"args" mapstructure:"args" yaml:"args"`
	ReadyTimeout time.Duration `json:"ready_timeout" mapstructure:"ready_timeout" yaml:"ready_timeout"`
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval" yaml:"poll_interval"`
	Log          logger.Config `json:"log" mapstructure:"log" yaml:"log"`
}

type Config struct {
	Enabled         bool            `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
	URL             string          `json:"url" mapstructure:"url" yaml:"url"`
	Prefix          string          `json:"prefix" mapstructure:"prefix" yaml:"prefix"`
	Tags            []string        `json:"tags" mapstructure:"tags" yaml:"tags"`
	CheckInterval   time.Duration   `json:"check_interval" mapstructure:"check_interval" yaml:"check_interval"`
	CheckTimeout    time.Duration   `json:"check_timeout" mapstructure:"check_timeout" yaml:"check_timeout"`
	DeregisterAfter time.Duration   `json:"deregister_after" mapstructure:"deregister_after" yaml:"deregister_after"`
	RequestTimeout  time.Duration   `json:"request_timeout" mapstructure:"request_timeout" yaml:"request_timeout"`
	Bootstrap       BootstrapConfig `json:"bootstrap" mapstructure:"bootstrap" yaml:"bootstrap"`
	Retry           retry.Config    `json:"retry" mapstructure:"retry" yaml:"retry"`
}

// DefaultConfig mirrors a local dev agent on the default port.
func DefaultConfig() Config {
	return Config{
		URL:             "http://127.0.0.1:8500",
		Prefix:          "agent",
		CheckInterval:   10 * time.Second,
		CheckTimeout:    5 * time.Second,
		DeregisterAfter: 30 * time.Second,
		RequestTimeout:  5 * time.Second,
		Bootstrap: BootstrapConfig{
			Command:      "consul",
			Args:         []string{"agent", "-dev", "-client", "0.0.0.0"},
			ReadyTimeout: 30 * time.Second,
			PollInterval: time.Second,
		},
		Retry: retry.DefaultConfig(),
	}
}

// Launcher is the slice of the process controller used for bootstrap.
type Launcher interface {
	Start(ctx context.Context, spec process.Spec) (*process.Process, error)
	Stop(p *process.Process, grace, force time.Duration) error
	IsAlive(p *process.Process) bool
}

// Sync registers, deregisters and discovers entries.
type Sync struct {
	cfg      Config
	client   *Client
	launcher Launcher
	policy   retry.Policy

	mu      sync.Mutex
	backend *process.Process
}

type Option func(*Sync)

// WithSleeper replaces the retry sleeper, for tests.
func WithSleeper(s retry.Sleeper) Option {
	return func(y *Sync) { y.policy.Sleep = s }
}

func New(cfg Config, launcher Launcher, opts ...Option) *Sync {
	if cfg.Prefix == "" {
		cfg.Prefix = "agent"
	}
	s := &Sync{
		cfg:      cfg,
		client:   NewClient(cfg.URL, cfg.RequestTimeout),
		launcher: launcher,
		policy:   cfg.Retry.Policy(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Available is the capability flag: false means every operation reports
// errs.ErrRegistryUnavailable without touching the network.
func (s *Sync) Available() bool {
	return s != nil && s.cfg.Enabled && s.cfg.URL != ""
}

func (s *Sync) unavailable(op string) error {
	return errs.RegistryUnavailable(op, errors.New("registry integration disabled"))
}

// Bootstrapped reports whether this Sync launched the backend.
func (s *Sync) Bootstrapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend != nil
}

// EnsureBackend makes sure the backend answers. With bootstrap enabled and
// the backend unreachable, it launches the backend and waits for a leader.
func (s *Sync) EnsureBackend(ctx context.Context) error {
	if !s.Available() {
		return s.unavailable("ensure backend")
	}
	if leader, err := s.client.Leader(ctx); err == nil && leader != "" {
		return nil
	}
	if !s.cfg.Bootstrap.Enabled || s.launcher == nil {
		return errs.RegistryUnavailable("ensure backend", errors.New("backend not reachable at "+s.cfg.URL))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil || !s.launcher.IsAlive(s.backend) {
		b := s.cfg.Bootstrap
		p, err := s.launcher.Start(ctx, process.Spec{
			Name:       BackendName,
			Command:    b.Command,
			Args:       b.Args,
			Background: true,
			Log:        b.Log,
		})
		if err != nil {
			return errs.RegistryUnavailable("bootstrap backend", err)
		}
		s.backend = p
		slog.Info("registry backend launched", "pid", p.PID(), "url", s.cfg.URL)
	}

	ready := s.cfg.Bootstrap.ReadyTimeout
	if ready <= 0 {
		ready = 30 * time.Second
	}
	poll := s.cfg.Bootstrap.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	_, err := retry.Do(ctx, retry.Policy{Strategy: retry.Fixed{Interval: poll}, Budget: ready, Sleep: s.policy.Sleep},
		func(ctx context.Context, _ int) error {
			leader, err := s.client.Leader(ctx)
			if err != nil {
				return err
			}
			if leader == "" {
				return errors.New("no leader elected")
			}
			return nil
		})
	if err != nil {
		return errs.RegistryUnavailable("bootstrap backend", err)
	}
	return nil
}

// ensure runs EnsureBackend only when bootstrap is configured; otherwise the
// retry policy around each call is the availability check.
func (s *Sync) ensure(ctx context.Context) error {
	if !s.cfg.Bootstrap.Enabled {
		return nil
	}
	return s.EnsureBackend(ctx)
}

// EntryFor builds the entry for a service instance. Ids follow
// <prefix>-<name>-<host>-<port>.
func (s *Sync) EntryFor(name, host string, port int, healthURL string) Entry {
	prefix := s.cfg.Prefix
	tags := append([]string{prefix, "external-service"}, s.cfg.Tags...)
	return Entry{
		ID:        fmt.Sprintf("%s-%s-%s-%d", prefix, name, host, port),
		Name:      name,
		Service:   prefix + "-" + name,
		Address:   host,
		Port:      port,
		Tags:      tags,
		HealthURL: healthURL,
	}
}

func (s *Sync) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := retry.Do(ctx, s.policy, func(ctx context.Context, _ int) error {
		err := fn(ctx)
		if rej, ok := rejected(err); ok {
			return retry.Permanent(rej)
		}
		return err
	})
	if err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(err, &e) && e.Kind == errs.KindRegistryRejected {
		return e
	}
	return errs.RegistryUnavailable(op, err)
}

// Register publishes e. The backend itself is skipped.
func (s *Sync) Register(ctx context.Context, e Entry) error {
	if !s.Available() {
		return s.unavailable("register " + e.ID)
	}
	if e.Name == BackendName {
		slog.Debug("skipping self-registration of registry backend")
		return nil
	}
	if err := s.ensure(ctx); err != nil {
		return err
	}
	reg := agentRegistration{
		ID:      e.ID,
		Name:    e.Service,
		Tags:    e.Tags,
		Address: e.Address,
		Port:    e.Port,
		Meta:    map[string]string{"service_name": e.Name},
	}
	if e.HealthURL != "" {
		reg.Check = &agentCheck{
			HTTP:                           e.HealthURL,
			Interval:                       durOr(s.cfg.CheckInterval, 10*time.Second),
			Timeout:                        durOr(s.cfg.CheckTimeout, 5*time.Second),
			DeregisterCriticalServiceAfter: durOr(s.cfg.DeregisterAfter, 30*time.Second),
		}
	}
	return s.call(ctx, "register "+e.ID, func(ctx context.Context) error {
		return s.client.register(ctx, reg)
	})
}

// Deregister removes id. Unknown ids are not an error.
func (s *Sync) Deregister(ctx context.Context, id string) error {
	if !s.Available() {
		return s.unavailable("deregister " + id)
	}
	if err := s.ensure(ctx); err != nil {
		return err
	}
	return s.call(ctx, "deregister "+id, func(ctx context.Context) error {
		err := s.client.deregister(ctx, id)
		if isNotFound(err) {
			return nil
		}
		return err
	})
}

// Discover lists entries whose service name starts with prefix, or with
// "<configured prefix>-<prefix>". An empty prefix lists every entry under
// the configured prefix.
func (s *Sync) Discover(ctx context.Context, prefix string) ([]Entry, error) {
	if !s.Available() {
		return nil, s.unavailable("discover")
	}
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	var services map[string]AgentService
	err := s.call(ctx, "discover", func(ctx context.Context) error {
		var err error
		services, err = s.client.Services(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	own := s.cfg.Prefix + "-"
	out := make([]Entry, 0, len(services))
	for _, svc := range services {
		if !matches(svc.Service, prefix, own) {
			continue
		}
		e := Entry{
			ID:      svc.ID,
			Name:    svc.Meta["service_name"],
			Service: svc.Service,
			Address: svc.Address,
			Port:    svc.Port,
			Tags:    svc.Tags,
		}
		if e.Name == "" {
			e.Name = strings.TrimPrefix(svc.Service, own)
		}
		h, err := s.client.AggregatedHealth(ctx, svc.ID)
		if err != nil {
			h = HealthUnknown
		}
		e.Health = h
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matches(service, prefix, own string) bool {
	if prefix == "" {
		return strings.HasPrefix(service, own)
	}
	return strings.HasPrefix(service, prefix) || strings.HasPrefix(service, own+prefix)
}

// Shutdown stops the backend if, and only if, this Sync launched it.
func (s *Sync) Shutdown(_ context.Context) error {
	s.mu.Lock()
	p := s.backend
	s.backend = nil
	s.mu.Unlock()
	if p == nil || s.launcher == nil {
		return nil
	}
	slog.Info("stopping self-launched registry backend", "pid", p.PID())
	return s.launcher.Stop(p, 10*time.Second, 5*time.Second)
}

func durOr(d, def time.Duration) string {
	if d <= 0 {
		d = def
	}
	return d.String()
}
