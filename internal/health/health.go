// Package health implements single-shot HTTP readiness probes and the
// readiness wait built on top of them.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/servisor/internal/retry"
)

// DefaultTimeout applies when a Check has no per-request timeout.
const DefaultTimeout = 5 * time.Second

// Check describes a single HTTP readiness probe.
type Check struct {
	URL            string        `json:"url" mapstructure:"url" yaml:"url"`
	Method         string        `json:"method" mapstructure:"method" yaml:"method"`
	ExpectedStatus int           `json:"expected_status" mapstructure:"expected_status" yaml:"expected_status"`
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout" yaml:"timeout"`
}

func (c Check) method() string {
	if c.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(c.Method)
}

func (c Check) expected() int {
	if c.ExpectedStatus == 0 {
		return http.StatusOK
	}
	return c.ExpectedStatus
}

// Result is the outcome of one probe. Unhealthy results carry a Reason.
type Result struct {
	Healthy    bool          `json:"healthy"`
	StatusCode int           `json:"status_code,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Latency    time.Duration `json:"latency"`
}

// Prober performs exactly one readiness check per call and never retries.
type Prober interface {
	Probe(ctx context.Context, c Check) Result
}

// HTTPProber probes over HTTP. A nil Client means http.DefaultClient.
type HTTPProber struct {
	Client *http.Client
}

func (p *HTTPProber) client() *http.Client {
	if p != nil && p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

// Probe issues one request bounded by c.Timeout. Transport errors, timeouts
// and unexpected status codes are all reported as unhealthy.
func (p *HTTPProber) Probe(ctx context.Context, c Check) Result {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, c.method(), c.URL, nil)
	if err != nil {
		return Result{Reason: "invalid request: " + err.Error()}
	}
	resp, err := p.client().Do(req)
	lat := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Reason: fmt.Sprintf("timeout after %s", timeout), Latency: lat}
		}
		return Result{Reason: err.Error(), Latency: lat}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	if resp.StatusCode != c.expected() {
		return Result{
			StatusCode: resp.StatusCode,
			Reason:     fmt.Sprintf("status %d, want %d", resp.StatusCode, c.expected()),
			Latency:    lat,
		}
	}
	return Result{Healthy: true, StatusCode: resp.StatusCode, Latency: lat}
}

// ErrNotReady is returned (wrapped) when WaitReady's budget runs out.
var ErrNotReady = errors.New("health: not ready")

// WaitReady polls c every interval until it is healthy or budget elapses.
// It returns the last result and the number of probes issued.
func WaitReady(ctx context.Context, p Prober, c Check, interval, budget time.Duration, sleep retry.Sleeper) (Result, int, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	var last Result
	n, err := retry.Do(ctx, retry.Policy{
		Strategy: retry.Fixed{Interval: interval},
		Budget:   budget,
		Sleep:    sleep,
	}, func(ctx context.Context, _ int) error {
		last = p.Probe(ctx, c)
		if last.Healthy {
			return nil
		}
		return errors.New(last.Reason)
	})
	if err == nil {
		return last, n, nil
	}
	if errors.Is(err, retry.ErrExhausted) {
		return last, n, fmt.Errorf("%w: %s", ErrNotReady, last.Reason)
	}
	return last, n, err
}
