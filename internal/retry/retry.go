// Package retry runs an action repeatedly with a deterministic delay schedule.
//
// The same primitive serves readiness polling (Fixed interval bounded by a
// time budget) and registry calls (Exponential backoff bounded by attempts).
// There is no jitter: given a Strategy the delays are fully determined.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrExhausted is matched by every *ExhaustedError.
var ErrExhausted = errors.New("retry: attempts exhausted")

// ExhaustedError reports the number of attempts made and the last failure.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("retry: exhausted after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("retry: exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Strategy returns the delay to wait before the given attempt (1-based).
// Delay(1) must be zero.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential waits Base after the first failure, then multiplies by Factor,
// never exceeding Max (when Max > 0).
type Exponential struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt <= 1 || e.Base <= 0 {
		return 0
	}
	f := e.Factor
	if f < 1 {
		f = 1
	}
	d := float64(e.Base) * math.Pow(f, float64(attempt-2))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Fixed waits the same Interval before every attempt but the first.
type Fixed struct {
	Interval time.Duration
}

func (f Fixed) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return f.Interval
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy bounds an execution by attempts and/or total elapsed time.
// MaxAttempts <= 0 means no attempt bound; Budget <= 0 means no time bound.
type Policy struct {
	MaxAttempts int
	Strategy    Strategy
	Budget      time.Duration
	Sleep       Sleeper
	// Now is used to measure the budget; defaults to time.Now.
	Now func() time.Time
}

// Delays previews the waits before attempts 1..MaxAttempts.
func (p Policy) Delays() []time.Duration {
	if p.MaxAttempts <= 0 {
		return nil
	}
	out := make([]time.Duration, p.MaxAttempts)
	for i := range out {
		out[i] = p.delay(i + 1)
	}
	return out
}

func (p Policy) delay(attempt int) time.Duration {
	if p.Strategy == nil {
		return 0
	}
	return p.Strategy.Delay(attempt)
}

// Do calls fn until it returns nil, the policy is exhausted, or ctx is done.
// It returns the number of attempts made. Exhaustion yields *ExhaustedError;
// cancellation yields an error wrapping ctx.Err().
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	if p.MaxAttempts <= 0 && p.Budget <= 0 && ctx.Done() == nil {
		return 0, errors.New("retry: unbounded policy")
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	var deadline time.Time
	if p.Budget > 0 {
		deadline = now().Add(p.Budget)
	}

	var last error
	attempt := 0
	for {
		attempt++
		if d := p.delay(attempt); d > 0 {
			if !deadline.IsZero() && now().Add(d).After(deadline) {
				return attempt - 1, &ExhaustedError{Attempts: attempt - 1, Last: last}
			}
			if err := sleep(ctx, d); err != nil {
				return attempt - 1, fmt.Errorf("retry canceled after %d attempts: %w", attempt-1, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return attempt - 1, fmt.Errorf("retry canceled after %d attempts: %w", attempt-1, err)
		}
		actx, cancel := attemptContext(ctx, deadline)
		last = fn(actx, attempt)
		cancel()
		if last == nil {
			return attempt, nil
		}
		if errors.Is(last, ErrPermanent) {
			return attempt, last
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return attempt, &ExhaustedError{Attempts: attempt, Last: last}
		}
		if !deadline.IsZero() && !now().Before(deadline) {
			return attempt, &ExhaustedError{Attempts: attempt, Last: last}
		}
	}
}

func attemptContext(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// Value is Do for actions that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	var out T
	n, err := Do(ctx, p, func(ctx context.Context, attempt int) error {
		v, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, n, err
}

// ErrPermanent stops retrying immediately when found in an action's error chain.
var ErrPermanent = errors.New("retry: permanent failure")

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string        { return p.err.Error() }
func (p *permanentError) Unwrap() error        { return p.err }
func (p *permanentError) Is(target error) bool { return target == ErrPermanent }

// Config is the operator-facing form of an exponential Policy.
type Config struct {
	MaxAttempts   int           `json:"max_attempts" mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay     time.Duration `json:"base_delay" mapstructure:"base_delay" yaml:"base_delay"`
	BackoffFactor float64       `json:"backoff_factor" mapstructure:"backoff_factor" yaml:"backoff_factor"`
	MaxDelay      time.Duration `json:"max_delay" mapstructure:"max_delay" yaml:"max_delay"`
}

// DefaultConfig is 3 attempts, 1s base, factor 2, capped at 60s.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: time.Second, BackoffFactor: 2, MaxDelay: time.Minute}
}

// Policy converts c into an exponential Policy.
func (c Config) Policy() Policy {
	n := c.MaxAttempts
	if n <= 0 {
		n = 1
	}
	return Policy{
		MaxAttempts: n,
		Strategy:    Exponential{Base: c.BaseDelay, Factor: c.BackoffFactor, Max: c.MaxDelay},
	}
}
