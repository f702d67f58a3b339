package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/servisor"
	"github.com/loykin/servisor/internal/logger"
	"github.com/loykin/servisor/pkg/client"
)

// backend is what a command acts on: the local configuration or a daemon.
type backend interface {
	StartAll(ctx context.Context) ([]client.ServiceStatus, error)
	StopAll(ctx context.Context) ([]client.ServiceStatus, error)
	Start(ctx context.Context, name string) (client.ServiceStatus, error)
	Stop(ctx context.Context, name string) (client.ServiceStatus, error)
	Status(ctx context.Context) ([]client.ServiceStatus, error)
	RegisterAll(ctx context.Context) ([]client.RegistryResult, error)
	DeregisterAll(ctx context.Context) ([]client.RegistryResult, error)
	Discover(ctx context.Context, prefix string) ([]client.Entry, error)
}

func loadConfig(flags *GlobalFlags) (*servisor.Config, error) {
	if flags.ConfigPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	return servisor.LoadConfig(flags.ConfigPath)
}

func clientTLS(caFile string) (*tls.Config, error) {
	if caFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read --api-ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", caFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// withBackend runs fn against a daemon when --api-url is set, otherwise
// against a supervisor opened from the local configuration. The local
// supervisor is closed, not shut down: background services keep running
// and the next invocation reconciles them from the state store.
func withBackend(cmd *cobra.Command, flags *GlobalFlags, fn func(backend) error) error {
	if flags.APIUrl != "" {
		tc, err := clientTLS(flags.APICA)
		if err != nil {
			return err
		}
		c := client.New(client.Config{BaseURL: flags.APIUrl, Timeout: flags.APITimeout, TLS: tc})
		if !c.IsReachable(cmd.Context()) {
			return fmt.Errorf("daemon not reachable at %s, start it with 'servisor serve'", flags.APIUrl)
		}
		return fn(remote{c})
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	closer, err := logger.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	sup, err := servisor.Open(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sup.Close() }()
	return fn(local{sup})
}

type remote struct{ *client.Client }

func (r remote) StartAll(ctx context.Context) ([]client.ServiceStatus, error) {
	sts, err := r.Client.StartAll(ctx)
	if err != nil {
		// the batch was aborted; show where everything ended up
		if cur, serr := r.Client.Status(ctx); serr == nil {
			return cur, err
		}
	}
	return sts, err
}

type local struct{ sup *servisor.Supervisor }

func (l local) all(ctx context.Context) ([]client.ServiceStatus, error) {
	sts, err := l.sup.Status(ctx)
	return toStatuses(sts), err
}

func (l local) one(ctx context.Context, name string) (client.ServiceStatus, error) {
	st, err := l.sup.Get(ctx, name)
	return toStatus(st), err
}

func (l local) StartAll(ctx context.Context) ([]client.ServiceStatus, error) {
	err := l.sup.StartAll(ctx)
	sts, serr := l.all(ctx)
	if err == nil {
		err = serr
	}
	return sts, err
}

func (l local) StopAll(ctx context.Context) ([]client.ServiceStatus, error) {
	err := l.sup.StopAll(ctx)
	sts, serr := l.all(ctx)
	if err == nil {
		err = serr
	}
	return sts, err
}

func (l local) Start(ctx context.Context, name string) (client.ServiceStatus, error) {
	if err := l.sup.Start(ctx, name); err != nil {
		return client.ServiceStatus{}, err
	}
	return l.one(ctx, name)
}

func (l local) Stop(ctx context.Context, name string) (client.ServiceStatus, error) {
	if err := l.sup.Stop(ctx, name); err != nil {
		return client.ServiceStatus{}, err
	}
	return l.one(ctx, name)
}

func (l local) Status(ctx context.Context) ([]client.ServiceStatus, error) { return l.all(ctx) }

func (l local) RegisterAll(ctx context.Context) ([]client.RegistryResult, error) {
	return toResults(l.sup.RegisterAll(ctx)), nil
}

func (l local) DeregisterAll(ctx context.Context) ([]client.RegistryResult, error) {
	return toResults(l.sup.DeregisterAll(ctx)), nil
}

func (l local) Discover(ctx context.Context, prefix string) ([]client.Entry, error) {
	entries, err := l.sup.Discover(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]client.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, client.Entry{
			ID: e.ID, Name: e.Name, Service: e.Service, Address: e.Address, Port: e.Port,
			Tags: e.Tags, HealthURL: e.HealthURL, Health: e.Health,
		})
	}
	return out, nil
}

func toStatus(s servisor.ServiceState) client.ServiceStatus {
	return client.ServiceStatus{
		Name: s.Name, Phase: string(s.Phase), PID: s.PID, Host: s.Host, Port: s.Port,
		StartedAt: s.StartedAt, LastError: s.LastError, RegistryID: s.RegistryID,
		IsBase: s.IsBase, UpdatedAt: s.UpdatedAt,
	}
}

func toStatuses(sts []servisor.ServiceState) []client.ServiceStatus {
	out := make([]client.ServiceStatus, 0, len(sts))
	for _, s := range sts {
		out = append(out, toStatus(s))
	}
	return out
}

func toResults(rs []servisor.RegistryResult) []client.RegistryResult {
	out := make([]client.RegistryResult, 0, len(rs))
	for _, r := range rs {
		out = append(out, client.RegistryResult{Name: r.Name, ID: r.ID, Error: r.Error})
	}
	return out
}
