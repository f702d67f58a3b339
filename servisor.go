// Package servisor supervises a fixed set of local services: it starts them,
// waits for readiness, stops them with a grace period, persists their state
// and optionally publishes them to a Consul-style registry.
package servisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/servisor/internal/config"
	"github.com/loykin/servisor/internal/env"
	"github.com/loykin/servisor/internal/history"
	hfactory "github.com/loykin/servisor/internal/history/factory"
	"github.com/loykin/servisor/internal/manager"
	"github.com/loykin/servisor/internal/metrics"
	"github.com/loykin/servisor/internal/process"
	"github.com/loykin/servisor/internal/registry"
	iapi "github.com/loykin/servisor/internal/server"
	sfactory "github.com/loykin/servisor/internal/store/factory"
	itls "github.com/loykin/servisor/internal/tls"
)

// Re-exported types; aliases so conversions are free.
type (
	Config         = config.Config
	Descriptor     = manager.Descriptor
	ServiceState   = manager.ServiceState
	Phase          = manager.Phase
	BatchError     = manager.BatchError
	RegistryResult = manager.RegistryResult
	Entry          = registry.Entry
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Supervisor is a manager wired with the collaborators its configuration
// names: state store, history sinks, registry and metrics.
type Supervisor struct {
	*manager.Manager
	cfg      *Config
	registry *registry.Sync
	sampler  *metrics.ResourceSampler
}

// Open builds a Supervisor from cfg and recovers the persisted snapshot.
// Nothing is started.
func Open(cfg *Config) (*Supervisor, error) {
	pairs, err := cfg.GlobalEnv()
	if err != nil {
		return nil, err
	}
	ctrl := process.NewController(env.FromPairs(pairs))

	st, err := sfactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	var sinks []history.Sink
	closeSinks := func() {
		_ = history.NewFanout(0, sinks...).Close()
	}
	for _, dsn := range cfg.History.Sinks {
		s, err := hfactory.NewSinkFromDSN(dsn)
		if err != nil {
			closeSinks()
			_ = st.Close()
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	opts := cfg.ManagerOptions()
	opts.Controller = ctrl
	opts.Store = st
	if len(sinks) > 0 {
		opts.History = history.NewFanout(cfg.History.Timeout, sinks...)
	}
	var reg *registry.Sync
	if cfg.Registry.Enabled {
		reg = registry.New(cfg.Registry, ctrl)
		opts.Registry = reg
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			slog.Warn("metrics registration failed", "error", err)
		}
	}

	m, err := manager.New(cfg.Descriptors(), opts)
	if err != nil {
		closeSinks()
		_ = st.Close()
		return nil, err
	}
	s := &Supervisor{Manager: m, cfg: cfg, registry: reg}
	if cfg.Metrics.Enabled {
		s.sampler = metrics.NewResourceSampler(cfg.Metrics.SampleInterval, m.RunningPIDs)
		if err := s.sampler.Register(prometheus.DefaultRegisterer); err != nil {
			slog.Warn("resource metrics registration failed", "error", err)
		}
	}
	return s, nil
}

// EnsureRegistry checks the registry backend, launching it when bootstrap
// is enabled. Without a configured registry it is a no-op.
func (s *Supervisor) EnsureRegistry(ctx context.Context) error {
	if s.registry == nil {
		return nil
	}
	return s.registry.EnsureBackend(ctx)
}

// RunSampler samples resource usage of running services until ctx is done.
func (s *Supervisor) RunSampler(ctx context.Context) {
	if s.sampler != nil {
		s.sampler.Run(ctx)
	}
}

// HTTPServer builds the API server on the configured listen address. When
// server.tls is enabled the returned server carries a TLSConfig and must be
// started with ListenAndServeTLS("", "").
func (s *Supervisor) HTTPServer() (*http.Server, error) {
	srv := iapi.NewServer(s.cfg.Server.Listen, s.cfg.Server.BasePath, s.Manager, s.cfg.Metrics.Enabled)
	tc, err := itls.Setup(s.cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	srv.TLSConfig = tc
	return srv, nil
}

// IsBatchAbort reports whether err is a StartAll aborted by a base service.
func IsBatchAbort(err error) bool {
	var be *BatchError
	return errors.As(err, &be)
}
