// Package dlq adapts the dead-letter sink onto pkg/stream: once an
// entry's redelivery count crosses the threshold (spec §4.7, 3
// attempts), it is moved to a Redis stream dead letter queue rather
// than a rotating on-disk file, and its stats are surfaced as C3
// gauges/counters instead of webhook/email alerts (those are external
// collaborators, out of scope per spec §1).
package dlq

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/telemetry-core/pkg/metricsstore"
	"github.com/ssw-telemetry/telemetry-core/pkg/stream"
)

// AlertConfig configures threshold-based alerting over the DLQ's own
// growth rate, surfaced as metrics rather than delivered externally.
type AlertConfig struct {
	Enabled                   bool          `yaml:"enabled"`
	EntriesPerMinuteThreshold int           `yaml:"entries_per_minute_threshold"`
	TotalEntriesThreshold     int64         `yaml:"total_entries_threshold"`
	CheckInterval             time.Duration `yaml:"check_interval"`
	CooldownPeriod            time.Duration `yaml:"cooldown_period"`
}

func (c AlertConfig) withDefaults() AlertConfig {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.CooldownPeriod <= 0 {
		c.CooldownPeriod = 5 * time.Minute
	}
	if c.EntriesPerMinuteThreshold <= 0 {
		c.EntriesPerMinuteThreshold = 100
	}
	if c.TotalEntriesThreshold <= 0 {
		c.TotalEntriesThreshold = 10000
	}
	return c
}

// Config configures the dead letter queue.
type Config struct {
	Alert AlertConfig `yaml:"alert"`
}

// Stats is a snapshot of DLQ counters.
type Stats struct {
	TotalEntries     int64
	EntriesLastCheck int64
	LastAlertAt      time.Time
}

// Queue moves entries that exceeded their redelivery budget onto a
// dedicated Redis stream, tracks growth, and surfaces both as C3
// metrics.
type Queue struct {
	config  Config
	target  *stream.Stream
	metrics *metricsstore.Store
	logger  *logrus.Logger

	mu           sync.Mutex
	total        int64
	sinceLastChk int64
	lastAlertAt  time.Time
}

// New builds a Queue writing into target (the dead-letter stream) and
// optionally mirroring stats into metrics (may be nil in tests).
func New(config Config, target *stream.Stream, metrics *metricsstore.Store, logger *logrus.Logger) *Queue {
	return &Queue{
		config:  Config{Alert: config.Alert.withDefaults()},
		target:  target,
		metrics: metrics,
		logger:  logger,
	}
}

// Move relocates msg (read under group from source) onto the dead
// letter stream, tagging it with reason, and bumps counters.
func (q *Queue) Move(ctx context.Context, source *stream.Stream, group string, msg stream.Message, reason string) error {
	if err := source.MoveToDeadLetter(ctx, group, msg, q.target, reason); err != nil {
		return err
	}

	q.mu.Lock()
	q.total++
	q.sinceLastChk++
	q.mu.Unlock()

	if q.logger != nil {
		q.logger.WithFields(logrus.Fields{
			"reason":     reason,
			"message_id": msg.ID,
		}).Warn("dlq: moved entry")
	}

	if q.metrics != nil {
		_ = q.metrics.Increment(ctx, "dlq", "entries_total", 1, metricsstore.RetentionSession)
	}
	return nil
}

// Stats returns a snapshot of DLQ counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{TotalEntries: q.total, EntriesLastCheck: q.sinceLastChk, LastAlertAt: q.lastAlertAt}
}

// Run periodically checks growth against configured thresholds and
// surfaces an alert gauge (rather than paging externally) until ctx is
// cancelled.
func (q *Queue) Run(ctx context.Context) {
	if !q.config.Alert.Enabled {
		return
	}
	ticker := time.NewTicker(q.config.Alert.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.checkAlerts(ctx)
		}
	}
}

func (q *Queue) checkAlerts(ctx context.Context) {
	q.mu.Lock()
	sinceLastChk := q.sinceLastChk
	total := q.total
	q.sinceLastChk = 0
	ratePerMinute := int(float64(sinceLastChk) / q.config.Alert.CheckInterval.Minutes())
	active := ratePerMinute >= q.config.Alert.EntriesPerMinuteThreshold || total >= q.config.Alert.TotalEntriesThreshold
	inCooldown := time.Since(q.lastAlertAt) < q.config.Alert.CooldownPeriod
	fire := active && !inCooldown
	if fire {
		q.lastAlertAt = time.Now()
	}
	q.mu.Unlock()

	gauge := 0.0
	if active {
		gauge = 1.0
	}
	if q.metrics != nil {
		_ = q.metrics.SetGauge(ctx, "dlq", "alert_active", gauge, metricsstore.RetentionSession)
		_ = q.metrics.SetGauge(ctx, "dlq", "total_entries", float64(total), metricsstore.RetentionSession)
	}

	if fire && q.logger != nil {
		q.logger.WithFields(logrus.Fields{
			"rate_per_minute": ratePerMinute,
			"total_entries":   total,
		}).Warn("dlq: growth exceeded alert threshold")
	}
}
