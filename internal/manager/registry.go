package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loykin/servisor/internal/errs"
	"github.com/loykin/servisor/internal/history"
	"github.com/loykin/servisor/internal/metrics"
	"github.com/loykin/servisor/internal/registry"
)

var errRegistryAbsent = errors.New("registry integration not configured")

// RegistryResult is the outcome of one service's registry operation.
type RegistryResult struct {
	Name  string `json:"name"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
	Err   error  `json:"-"`
}

func (m *Manager) registryAvailable(op string) error {
	if m.opts.Registry.Available() {
		return nil
	}
	return errs.RegistryUnavailable(op, errRegistryAbsent)
}

func (m *Manager) register(ctx context.Context, s *service) (string, error) {
	if s.name() == registry.BackendName {
		return "", nil
	}
	if err := m.registryAvailable("register " + s.name()); err != nil {
		return "", err
	}
	st, _ := m.snapshot(s)
	if st.Phase != Running {
		return "", fmt.Errorf("%s is %s, only Running services are registered", s.name(), st.Phase)
	}
	healthURL := ""
	if s.desc.HasHealth() {
		healthURL = s.desc.Health.URL
	}
	reg := m.opts.Registry
	e := reg.EntryFor(s.name(), s.desc.Host, s.desc.Port, healthURL)
	err := reg.Register(ctx, e)
	metrics.IncRegistryCall("register", err)
	if err != nil {
		return "", err
	}
	m.update(s, func(st *ServiceState) { st.RegistryID = e.ID })
	m.registryEvent(history.EventRegistered, s.name(), e.ID)
	return e.ID, nil
}

func (m *Manager) deregister(ctx context.Context, s *service) error {
	st, _ := m.snapshot(s)
	if st.RegistryID == "" {
		return nil
	}
	if err := m.registryAvailable("deregister " + st.RegistryID); err != nil {
		return err
	}
	err := m.opts.Registry.Deregister(ctx, st.RegistryID)
	metrics.IncRegistryCall("deregister", err)
	if err != nil {
		return err
	}
	m.update(s, func(st *ServiceState) { st.RegistryID = "" })
	m.registryEvent(history.EventDeregistered, s.name(), st.RegistryID)
	return nil
}

func (m *Manager) registryEvent(t history.EventType, name, id string) {
	if m.opts.History.Len() == 0 {
		return
	}
	e := history.NewEvent(t, name)
	e.To = id
	m.opts.History.Emit(m.ctx, e)
}

// RegisterAll publishes every Running service that has Register set.
// Failures are reported per service and never change a service's phase.
func (m *Manager) RegisterAll(ctx context.Context) []RegistryResult {
	var targets []*service
	for _, s := range m.order {
		st, _ := m.snapshot(s)
		if st.Phase == Running && s.desc.Register && s.name() != registry.BackendName {
			targets = append(targets, s)
		}
	}
	return m.registryBatch(ctx, targets, func(ctx context.Context, s *service) (string, error) {
		s.op.Lock()
		defer s.op.Unlock()
		return m.register(ctx, s)
	})
}

// DeregisterAll removes every entry this supervisor published.
func (m *Manager) DeregisterAll(ctx context.Context) []RegistryResult {
	var targets []*service
	for _, s := range m.order {
		if st, _ := m.snapshot(s); st.RegistryID != "" {
			targets = append(targets, s)
		}
	}
	return m.registryBatch(ctx, targets, func(ctx context.Context, s *service) (string, error) {
		s.op.Lock()
		defer s.op.Unlock()
		st, _ := m.snapshot(s)
		return st.RegistryID, m.deregister(ctx, s)
	})
}

func (m *Manager) registryBatch(ctx context.Context, targets []*service, fn func(context.Context, *service) (string, error)) []RegistryResult {
	out := make([]RegistryResult, len(targets))
	idx := make(map[*service]int, len(targets))
	for i, s := range targets {
		idx[s] = i
		out[i].Name = s.name()
	}
	var mu sync.Mutex
	m.each(ctx, targets, func(ctx context.Context, s *service) {
		id, err := fn(ctx, s)
		mu.Lock()
		defer mu.Unlock()
		r := &out[idx[s]]
		r.ID = id
		if err != nil {
			r.Err = err
			r.Error = err.Error()
		}
	})
	return out
}

// Discover lists registry entries whose service name matches prefix.
func (m *Manager) Discover(ctx context.Context, prefix string) ([]registry.Entry, error) {
	if err := m.registryAvailable("discover"); err != nil {
		return nil, err
	}
	entries, err := m.opts.Registry.Discover(ctx, prefix)
	metrics.IncRegistryCall("discover", err)
	return entries, err
}
