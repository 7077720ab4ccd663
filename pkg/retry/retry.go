// Package retry provides a small bounded-backoff helper for the rare
// in-process retry the pipeline still needs despite Redis Streams
// already owning redelivery: a handful of attempts against a store or
// stream call before the caller gives up and lets the pending-entries
// list do its job. It is deliberately much smaller than the teacher's
// retry manager, which had to drive its own DLQ and goroutine-backed
// redelivery — here that is the stream substrate's job, not ours.
package retry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Config bounds a retry loop. Delay doubles after each attempt, capped
// at MaxDelay, which spec §5 keeps at or under one second so shutdown
// stays prompt.
type Config struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// DefaultConfig is a conservative 3-attempt, 1s-capped backoff.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Second
	}
	return c
}

// Do runs fn up to config.MaxAttempts times, waiting an exponentially
// growing delay between attempts. It returns the last error if every
// attempt fails, or nil on the first success. A cancelled context
// aborts immediately, between attempts and during the wait.
func Do(ctx context.Context, config Config, logger *logrus.Logger, operation string, fn func() error) error {
	config = config.withDefaults()

	var lastErr error
	delay := config.BaseDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt == config.MaxAttempts {
			break
		}

		if logger != nil {
			logger.WithFields(logrus.Fields{
				"operation": operation,
				"attempt":   attempt,
				"delay":     delay,
				"error":     lastErr,
			}).Warn("retrying after transient failure")
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		delay *= 2
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return lastErr
}
