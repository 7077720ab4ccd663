// Package sysmetrics periodically samples this process's own CPU and
// memory usage and surfaces them through C3 (pkg/metricsstore) as
// "system" category gauges. It supplements, but never replaces, the
// queue-depth-only backpressure signal C8 already computes from C5
// (spec §4.8) — a second, independent view of load for dashboards and
// alerting, not an input to any pipeline decision.
package sysmetrics

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/telemetry-core/pkg/metricsstore"
)

// Sampler owns the ticker loop that refreshes the system gauges.
type Sampler struct {
	interval time.Duration
	metrics  *metricsstore.Store
	logger   *logrus.Logger
	proc     *process.Process

	lastCPU   cpu.TimesStat
	lastCheck time.Time
}

// New builds a Sampler. interval <= 0 falls back to 15s.
func New(interval time.Duration, metrics *metricsstore.Store, logger *logrus.Logger) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	s := &Sampler{interval: interval, metrics: metrics, logger: logger}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	} else if logger != nil {
		logger.WithError(err).Warn("sysmetrics: failed to open process handle, memory gauges disabled")
	}
	return s
}

// Start runs the sampling loop until ctx is cancelled. It is meant to be
// launched in its own goroutine, mirroring the other C8-adjacent
// monitors in this pipeline.
func (s *Sampler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	s.sampleCPU(ctx)
	s.sampleMemory(ctx)
}

// sampleCPU mirrors the teacher's delta-of-cpu.Times CPU percentage
// calculation: a raw cpu.Percent call over a zero duration returns a
// noisy instantaneous reading, so instead we track the previous
// cumulative times ourselves and diff against them.
func (s *Sampler) sampleCPU(ctx context.Context) {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return
	}

	if !s.lastCheck.IsZero() {
		total := times[0].Total() - s.lastCPU.Total()
		idle := times[0].Idle - s.lastCPU.Idle
		if total > 0 {
			pct := 100.0 * (total - idle) / total
			if err := s.metrics.SetGauge(ctx, "system", "cpu_percent", pct, metricsstore.RetentionRealtime); err != nil && s.logger != nil {
				s.logger.WithError(err).Debug("sysmetrics: cpu gauge write failed")
			}
		}
	}
	s.lastCPU = times[0]
	s.lastCheck = time.Now()
}

func (s *Sampler) sampleMemory(ctx context.Context) {
	if s.proc == nil {
		return
	}
	info, err := s.proc.MemoryInfo()
	if err != nil || info == nil {
		return
	}
	if err := s.metrics.SetGauge(ctx, "system", "memory_rss_bytes", float64(info.RSS), metricsstore.RetentionRealtime); err != nil && s.logger != nil {
		s.logger.WithError(err).Debug("sysmetrics: memory gauge write failed")
	}
}
