package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	gatewayCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "cpu_percent",
			Help:      "CPU usage of the current gateway process.",
		},
	)
	gatewayRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the current gateway process.",
		},
	)
)

// Usage is one resource sample of the gateway process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceSampler periodically samples CPU and memory of whichever PID the
// supplied function reports as the current gateway.
type ResourceSampler struct {
	interval time.Duration
	log      *slog.Logger

	mu   sync.RWMutex
	last Usage
	proc *process.Process
}

func NewResourceSampler(interval time.Duration, l *slog.Logger) *ResourceSampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if l == nil {
		l = slog.Default()
	}
	return &ResourceSampler{interval: interval, log: l.With("component", "resources")}
}

// Run samples until ctx ends. currentPID returns 0 when no gateway is running.
func (s *ResourceSampler) Run(ctx context.Context, currentPID func(context.Context) int32) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.sample(ctx, currentPID(ctx))
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Last returns the most recent sample; ok is false before the first one.
func (s *ResourceSampler) Last() (Usage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.last.PID != 0
}

func (s *ResourceSampler) sample(ctx context.Context, pid int32) {
	if pid <= 0 {
		s.reset()
		return
	}
	s.mu.Lock()
	p := s.proc
	if p == nil || p.Pid != pid {
		np, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			s.mu.Unlock()
			s.log.Debug("gateway process not inspectable", "pid", pid, "error", err)
			s.reset()
			return
		}
		p = np
		s.proc = np
	}
	s.mu.Unlock()

	u := Usage{PID: pid, Timestamp: time.Now()}
	// First call after switching processes reports 0; that is acceptable.
	if cpu, err := p.PercentWithContext(ctx, 0); err == nil {
		u.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		u.MemoryRSS = mem.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = n
	}
	s.mu.Lock()
	s.last = u
	s.mu.Unlock()
	if regOK.Load() {
		gatewayCPU.Set(u.CPUPercent)
		gatewayRSS.Set(float64(u.MemoryRSS))
	}
}

func (s *ResourceSampler) reset() {
	s.mu.Lock()
	s.last = Usage{}
	s.proc = nil
	s.mu.Unlock()
	if regOK.Load() {
		gatewayCPU.Set(0)
		gatewayRSS.Set(0)
	}
}
