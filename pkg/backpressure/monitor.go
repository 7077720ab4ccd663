// Package backpressure implements C8: a periodic monitor over C5's
// queue length and oldest-pending age that publishes one of four bands
// (green/yellow/orange/red, see pkg/types.BackpressureLevel) and drives
// a level-change callback, per spec §4.8. The watched stream is
// injected as an interface so the monitor never imports pkg/stream
// directly.
package backpressure

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/telemetry-core/pkg/types"
)

// QueueInspector is the subset of pkg/stream.Stream the monitor needs.
// Satisfied by *stream.Stream.
type QueueInspector interface {
	Len(ctx context.Context) (int64, error)
	OldestPendingAge(ctx context.Context, group string) (time.Duration, error)
}

// Config configures the monitor's poll cadence and the consumer group
// whose pending entries list is inspected for staleness.
type Config struct {
	Group         string        `yaml:"group"`
	CheckInterval time.Duration `yaml:"check_interval"`
	// StalePendingAge is the age of the oldest pending entry past which
	// Snapshot.StalePending is set — a stalled consumer can leave the
	// queue short but growing stale. It never changes the level, which
	// is derived from queue length alone.
	StalePendingAge time.Duration `yaml:"stale_pending_age"`
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = "cdc"
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.StalePendingAge <= 0 {
		c.StalePendingAge = 30 * time.Second
	}
	return c
}

// LevelChangeFunc is invoked whenever the published level changes. It
// must return quickly; callers that need to pause/resume a consumer
// loop should do so asynchronously.
type LevelChangeFunc func(previous, current types.BackpressureLevel)

// Monitor periodically samples a QueueInspector and publishes a
// BackpressureLevel, logging every transition and invoking an optional
// callback so other components — most notably the insights worker
// class — can react without polling.
type Monitor struct {
	config Config
	stream QueueInspector
	logger *logrus.Logger

	mu       sync.RWMutex
	level    types.BackpressureLevel
	queueLen int64
	pending  time.Duration
	stale    bool
	onChange LevelChangeFunc
}

// NewMonitor builds a Monitor over stream, starting at LevelGreen.
func NewMonitor(config Config, stream QueueInspector, logger *logrus.Logger) *Monitor {
	return &Monitor{
		config: config.withDefaults(),
		stream: stream,
		logger: logger,
		level:  types.LevelGreen,
	}
}

// SetLevelChangeCallback registers the hook invoked on every level
// transition. Replacing it is safe to do before Start.
func (m *Monitor) SetLevelChangeCallback(fn LevelChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Level returns the most recently published band.
func (m *Monitor) Level() types.BackpressureLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// ShouldPauseInsights reports whether the insights worker class (the
// one class allowed to fall behind, per spec §4.6) should stop reading
// from its consumer group at the current level.
func (m *Monitor) ShouldPauseInsights() bool {
	l := m.Level()
	return l == types.LevelOrange || l == types.LevelRed
}

// Start runs the check loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	n, err := m.stream.Len(ctx)
	if err != nil {
		if m.logger != nil {
			m.logger.WithError(err).Warn("backpressure: failed to read queue length")
		}
		return
	}

	pending, err := m.stream.OldestPendingAge(ctx, m.config.Group)
	if err != nil && m.logger != nil {
		m.logger.WithError(err).Debug("backpressure: failed to read oldest pending age")
	}

	// The published level is a pure function of queue length (spec §8's
	// testable property: "the published level equals the threshold band
	// of observed queue length at the sample instant"). A stalled
	// consumer leaving stale pending entries is surfaced separately on
	// Snapshot, not folded into the level itself.
	level := types.ClassifyQueueLength(n)
	stale := pending >= m.config.StalePendingAge

	m.mu.Lock()
	previous := m.level
	m.level = level
	m.queueLen = n
	m.pending = pending
	m.stale = stale
	onChange := m.onChange
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.WithFields(logrus.Fields{
			"queue_length":   n,
			"oldest_pending": pending,
			"stale_pending":  stale,
			"level":          level.String(),
		}).Debug("backpressure: checked")
	}

	if level == previous {
		return
	}

	if m.logger != nil {
		m.logger.WithFields(logrus.Fields{
			"previous_level": previous.String(),
			"current_level":  level.String(),
			"queue_length":   n,
			"oldest_pending": pending,
		}).Info("backpressure: level changed")
	}

	if onChange != nil {
		onChange(previous, level)
	}
}

// Snapshot is a point-in-time view of the monitor's last check, useful
// for surfacing on /healthz or as C3 gauges.
type Snapshot struct {
	Level         types.BackpressureLevel
	QueueLength   int64
	OldestPending time.Duration
	// StalePending reports whether OldestPending has exceeded
	// Config.StalePendingAge — an operational signal a stalled consumer
	// is falling behind, independent of the queue-length-derived Level.
	StalePending bool
}

// Stats returns the monitor's last observed snapshot.
func (m *Monitor) Stats() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Level: m.level, QueueLength: m.queueLen, OldestPending: m.pending, StalePending: m.stale}
}
