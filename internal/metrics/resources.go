package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of a supervised process.
type Usage struct {
	Name       string    `json:"name"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	NumThreads int32     `json:"num_threads"`
	SampledAt  time.Time `json:"sampled_at"`
}

// ResourceSampler periodically samples CPU and memory of running services
// and exports them as gauges.
type ResourceSampler struct {
	interval time.Duration
	source   func() map[string]int32

	mu     sync.RWMutex
	latest map[string]Usage

	cpu *prometheus.GaugeVec
	rss *prometheus.GaugeVec
}

// NewResourceSampler samples the processes returned by source every
// interval. A zero interval defaults to 15s.
func NewResourceSampler(interval time.Duration, source func() map[string]int32) *ResourceSampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ResourceSampler{
		interval: interval,
		source:   source,
		latest:   map[string]Usage{},
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "service", Name: "cpu_percent",
			Help: "CPU usage percent of the service process.",
		}, []string{"name"}),
		rss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "service", Name: "memory_rss_bytes",
			Help: "Resident set size of the service process.",
		}, []string{"name"}),
	}
}

func (s *ResourceSampler) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.cpu, s.rss} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Run samples until ctx is done.
func (s *ResourceSampler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sample(ctx)
		}
	}
}

// Sample takes one sample of every process and drops series of services
// that are no longer running.
func (s *ResourceSampler) Sample(ctx context.Context) {
	procs := s.source()
	next := make(map[string]Usage, len(procs))
	for name, pid := range procs {
		u, err := sample(ctx, name, pid)
		if err != nil {
			slog.Debug("resource sample failed", "service", name, "pid", pid, "error", err)
			continue
		}
		next[name] = u
	}

	s.mu.Lock()
	for name := range s.latest {
		if _, ok := next[name]; !ok {
			s.cpu.DeleteLabelValues(name)
			s.rss.DeleteLabelValues(name)
		}
	}
	s.latest = next
	s.mu.Unlock()

	for name, u := range next {
		s.cpu.WithLabelValues(name).Set(u.CPUPercent)
		s.rss.WithLabelValues(name).Set(float64(u.RSSBytes))
	}
}

func sample(ctx context.Context, name string, pid int32) (Usage, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Usage{}, err
	}
	cpu, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return Usage{}, err
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, err
	}
	threads, _ := p.NumThreadsWithContext(ctx)
	return Usage{
		Name: name, PID: pid, CPUPercent: cpu, RSSBytes: mem.RSS,
		NumThreads: threads, SampledAt: time.Now().UTC(),
	}, nil
}

// Get returns the latest sample for name.
func (s *ResourceSampler) Get(name string) (Usage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.latest[name]
	return u, ok
}

// All returns a copy of the latest samples.
func (s *ResourceSampler) All() map[string]Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Usage, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}
