// Package history exports lifecycle events to external analytics systems.
// Sinks are append-only and independent of the state store.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventTransition   EventType = "transition"
	EventRegistered   EventType = "registered"
	EventDeregistered EventType = "deregistered"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Service    string    `json:"service"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(t EventType, service string) Event {
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: time.Now().UTC(), Service: service}
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout delivers each event to every sink. Delivery failures are logged,
// never returned: history must not influence service lifecycle.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
}

func NewFanout(timeout time.Duration, sinks ...Sink) *Fanout {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Fanout{sinks: sinks, timeout: timeout}
}

func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}

func (f *Fanout) Emit(ctx context.Context, e Event) {
	if f == nil {
		return
	}
	for _, s := range f.sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		if err := s.Send(sctx, e); err != nil {
			slog.Warn("history sink send failed", "service", e.Service, "type", e.Type, "error", err)
		}
		cancel()
	}
}

// Close closes every sink that holds resources.
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
