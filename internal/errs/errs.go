// Package errs defines the error kinds produced by the supervisor.
//
// Every failure surfaced by a lifecycle operation is an *Error carrying a Kind.
// Callers match kinds with errors.Is against the package sentinels:
//
//	if errors.Is(err, errs.ErrHealthTimeout) { ... }
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a supervisor failure.
type Kind string

const (
	KindLaunch              Kind = "launch"
	KindHealthTimeout       Kind = "health_timeout"
	KindStop                Kind = "stop"
	KindRegistryUnavailable Kind = "registry_unavailable"
	KindRegistryRejected    Kind = "registry_rejected"
	KindConfig              Kind = "config"
)

// Error is a classified failure, optionally bound to a service name.
type Error struct {
	Kind    Kind
	Service string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Service != "" {
		msg += " [" + e.Service + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrLaunch              = &Error{Kind: KindLaunch}
	ErrHealthTimeout       = &Error{Kind: KindHealthTimeout}
	ErrStop                = &Error{Kind: KindStop}
	ErrRegistryUnavailable = &Error{Kind: KindRegistryUnavailable}
	ErrRegistryRejected    = &Error{Kind: KindRegistryRejected}
	ErrConfig              = &Error{Kind: KindConfig}
)

func newf(kind Kind, service string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Service: service, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Launch reports that the process for service could not be spawned.
func Launch(service string, cause error) *Error {
	return &Error{Kind: KindLaunch, Service: service, Message: "process could not be started", Cause: cause}
}

// HealthTimeout reports that readiness was not reached within budget.
func HealthTimeout(service string, budget fmt.Stringer, cause error) *Error {
	return newf(KindHealthTimeout, service, cause, "not ready within %s", budget)
}

// Stop reports a process that survived both the graceful and forced windows.
func Stop(service string, pid int, cause error) *Error {
	return newf(KindStop, service, cause, "pid %d still alive after kill", pid)
}

func RegistryUnavailable(op string, cause error) *Error {
	return newf(KindRegistryUnavailable, "", cause, "%s", op)
}

func RegistryRejected(op string, status int, body string) *Error {
	return newf(KindRegistryRejected, "", nil, "%s: status %d: %s", op, status, body)
}

// Config wraps one or more validation problems.
func Config(cause error) *Error {
	return &Error{Kind: KindConfig, Message: "invalid configuration", Cause: cause}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
