// Package store persists the supervisor's per-service snapshot so a later
// run can reconcile it against live processes.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: record not found")

// Record is the persisted state of one named service. Name is unique.
type Record struct {
	Name       string    `json:"name"`
	Phase      string    `json:"phase"`
	PID        int       `json:"pid,omitempty"`
	StartUnix  int64     `json:"start_unix,omitempty"`
	Host       string    `json:"host,omitempty"`
	Port       int       `json:"port,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	RegistryID string    `json:"registry_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Store interface {
	EnsureSchema(ctx context.Context) error
	// Save upserts rec by name.
	Save(ctx context.Context, rec Record) error
	// Load returns every record ordered by name.
	Load(ctx context.Context) ([]Record, error)
	GetByName(ctx context.Context, name string) (Record, error)
	Delete(ctx context.Context, name string) error
	Close() error
}
