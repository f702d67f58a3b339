package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeHealthy(t *testing.T) {
	var method atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method.Store(r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &HTTPProber{}
	res := p.Probe(context.Background(), Check{URL: srv.URL + "/health"})
	assert.True(t, res.Healthy)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, http.MethodGet, method.Load())
}

func TestProbeUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res := (&HTTPProber{}).Probe(context.Background(), Check{URL: srv.URL, ExpectedStatus: 200})
	assert.False(t, res.Healthy)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Contains(t, res.Reason, "503")
}

func TestProbePostExpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	res := (&HTTPProber{}).Probe(context.Background(), Check{URL: srv.URL, Method: "post", ExpectedStatus: http.StatusAccepted})
	assert.True(t, res.Healthy)
}

func TestProbeTimeoutIsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	res := (&HTTPProber{}).Probe(context.Background(), Check{URL: srv.URL, Timeout: 50 * time.Millisecond})
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Reason, "timeout")
}

func TestProbeConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := (&HTTPProber{}).Probe(context.Background(), Check{URL: url, Timeout: time.Second})
	assert.False(t, res.Healthy)
	assert.NotEmpty(t, res.Reason)
}

func TestWaitReadyBecomesHealthy(t *testing.T) {
	start := time.Now()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if time.Since(start) < 300*time.Millisecond {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, n, err := WaitReady(context.Background(), &HTTPProber{}, Check{URL: srv.URL}, 100*time.Millisecond, 2*time.Second, nil)
	require.NoError(t, err)
	elapsed := time.Since(start)
	assert.True(t, res.Healthy)
	assert.GreaterOrEqual(t, n, 2)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestWaitReadyTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	start := time.Now()
	_, _, err := WaitReady(context.Background(), &HTTPProber{}, Check{URL: srv.URL}, 50*time.Millisecond, 300*time.Millisecond, nil)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitReadyCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err := WaitReady(ctx, &HTTPProber{}, Check{URL: srv.URL}, 20*time.Millisecond, time.Minute, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotReady)
}
