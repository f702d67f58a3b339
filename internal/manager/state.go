package manager

import (
	"time"

	"github.com/loykin/servisor/internal/store"
)

// ServiceState is the supervisor's view of one service, as persisted and
// as returned by Status.
type ServiceState struct {
	Name       string    `json:"name"`
	Phase      Phase     `json:"phase"`
	PID        int       `json:"pid,omitempty"`
	Host       string    `json:"host,omitempty"`
	Port       int       `json:"port,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	RegistryID string    `json:"registry_id,omitempty"`
	IsBase     bool      `json:"is_base"`
	UpdatedAt  time.Time `json:"updated_at"`

	startUnix int64
}

// Registered reports whether a registry entry was published for the service.
func (s ServiceState) Registered() bool { return s.RegistryID != "" }

func (s ServiceState) record() store.Record {
	return store.Record{
		Name:       s.Name,
		Phase:      string(s.Phase),
		PID:        s.PID,
		StartUnix:  s.startUnix,
		Host:       s.Host,
		Port:       s.Port,
		StartedAt:  s.StartedAt,
		LastError:  s.LastError,
		RegistryID: s.RegistryID,
		UpdatedAt:  s.UpdatedAt,
	}
}

func stateFromRecord(r store.Record) ServiceState {
	ph := Phase(r.Phase)
	if !ph.Valid() {
		ph = Pending
	}
	return ServiceState{
		Name:       r.Name,
		Phase:      ph,
		PID:        r.PID,
		Host:       r.Host,
		Port:       r.Port,
		StartedAt:  r.StartedAt,
		LastError:  r.LastError,
		RegistryID: r.RegistryID,
		UpdatedAt:  r.UpdatedAt,
		startUnix:  r.StartUnix,
	}
}
