package manager

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownService    = errors.New("unknown service")
	ErrBusy              = errors.New("service operation in progress")
	ErrShuttingDown      = errors.New("supervisor is shutting down")
	ErrInvalidTransition = errors.New("invalid phase transition")

	errProcessExited = errors.New("process exited")
)

// ServiceError is one service's failure inside a batch.
type ServiceError struct {
	Name   string `json:"name"`
	IsBase bool   `json:"is_base"`
	Err    error  `json:"-"`
}

// BatchError reports that StartAll was aborted by a base service failure.
// Failures lists every service that failed in the batch, base or not.
type BatchError struct {
	Failures []ServiceError
}

func (e *BatchError) Error() string {
	var b strings.Builder
	b.WriteString("start aborted")
	for _, f := range e.Failures {
		kind := "optional"
		if f.IsBase {
			kind = "base"
		}
		fmt.Fprintf(&b, "; %s service %s: %v", kind, f.Name, f.Err)
	}
	return b.String()
}

func (e *BatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

// Base returns the failures of base services.
func (e *BatchError) Base() []ServiceError {
	var out []ServiceError
	for _, f := range e.Failures {
		if f.IsBase {
			out = append(out, f)
		}
	}
	return out
}
