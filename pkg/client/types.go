package client

import (
	"fmt"
	"strings"
	"time"
)

// ServiceStatus is one service as reported by GET /services.
type ServiceStatus struct {
	Name       string    `json:"name"`
	Phase      string    `json:"phase"`
	PID        int       `json:"pid,omitempty"`
	Host       string    `json:"host,omitempty"`
	Port       int       `json:"port,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	RegistryID string    `json:"registry_id,omitempty"`
	IsBase     bool      `json:"is_base"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s ServiceStatus) Registered() bool { return s.RegistryID != "" }

// RegistryResult is the per-service outcome of register or deregister.
type RegistryResult struct {
	Name  string `json:"name"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Entry is a discovered registry entry.
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

// Failure is one service failure inside an aborted batch.
type Failure struct {
	Name   string `json:"name"`
	IsBase bool   `json:"is_base"`
	Kind   string `json:"kind,omitempty"`
	Error  string `json:"error"`
}

// APIError is a non-200 answer from the daemon. Kind carries the error
// kind (launch, health_timeout, ...) when the daemon reported one.
type APIError struct {
	StatusCode int       `json:"-"`
	Message    string    `json:"error"`
	Kind       string    `json:"kind,omitempty"`
	Failures   []Failure `json:"failures,omitempty"`
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "API error (HTTP %d)", e.StatusCode)
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}
