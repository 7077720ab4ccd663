// Package fastpath implements C6: a single logical consumer over the
// ingest stream (C4) that batches events, persists them compressed in
// the trace store (C1), and announces each persisted event on the CDC
// stream (C5) before acknowledging C4. See spec §4.5.
package fastpath

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/telemetry-core/internal/obsmetrics"
	"github.com/ssw-telemetry/telemetry-core/pkg/circuit"
	"github.com/ssw-telemetry/telemetry-core/pkg/dlq"
	appErrors "github.com/ssw-telemetry/telemetry-core/pkg/errors"
	"github.com/ssw-telemetry/telemetry-core/pkg/priority"
	"github.com/ssw-telemetry/telemetry-core/pkg/retry"
	"github.com/ssw-telemetry/telemetry-core/pkg/stream"
	"github.com/ssw-telemetry/telemetry-core/pkg/tracestore"
	"github.com/ssw-telemetry/telemetry-core/pkg/types"
)

// Config configures C6's batching and redelivery policy.
type Config struct {
	Group     string `yaml:"group"`
	Consumer  string `yaml:"consumer"`
	ReadCount int64  `yaml:"read_count"` // B, spec §4.5 step 1

	ReadBlock          time.Duration `yaml:"read_block"`           // T_read
	BatchFlushSize     int           `yaml:"batch_flush_size"`     // B_flush, target 100
	BatchFlushInterval time.Duration `yaml:"batch_flush_interval"` // T_flush, target 100ms

	// MaxEventBytes triggers the oversize edge policy: an event whose raw
	// serialised size exceeds this is written individually rather than
	// batched with others (spec §4.5 edge policies).
	MaxEventBytes int `yaml:"max_event_bytes"`

	RedeliveryThreshold int64         `yaml:"redelivery_threshold"` // spec §4.4, fixed at 3
	ClaimMinIdle        time.Duration `yaml:"claim_min_idle"`
	ReclaimInterval     time.Duration `yaml:"reclaim_interval"`

	// Retry bounds the backoff applied to a transient ReadGroup failure
	// before it is surfaced to the caller (spec §5, ≤1s transient
	// stream-error backoff).
	Retry retry.Config `yaml:"retry"`

	// TraceStoreBreaker guards AppendBatch: a stretch of store failures
	// trips the breaker so the loop fails fast instead of retrying a
	// store that is already down (spec §7, store write failure policy).
	TraceStoreBreaker circuit.BreakerConfig `yaml:"trace_store_breaker"`
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = "processors"
	}
	if c.Consumer == "" {
		c.Consumer = "fastpath-1"
	}
	if c.ReadCount <= 0 {
		c.ReadCount = 100
	}
	if c.ReadBlock <= 0 {
		c.ReadBlock = time.Second
	}
	if c.BatchFlushSize <= 0 {
		c.BatchFlushSize = 100
	}
	if c.BatchFlushInterval <= 0 {
		c.BatchFlushInterval = 100 * time.Millisecond
	}
	if c.MaxEventBytes <= 0 {
		c.MaxEventBytes = 256 * 1024
	}
	if c.RedeliveryThreshold <= 0 {
		c.RedeliveryThreshold = 3
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = 30 * time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 5 * time.Second
	}
	if c.TraceStoreBreaker.Name == "" {
		c.TraceStoreBreaker.Name = "fastpath-trace-store"
	}
	return c
}

// item is one accumulated, parsed entry waiting for the next flush.
type item struct {
	msg   stream.Message
	event *types.Event
	raw   []byte
}

// Consumer is C6's single logical consumer loop.
type Consumer struct {
	config       Config
	ingest       *stream.Stream
	cdc          *stream.Stream
	trace        *tracestore.Store
	deadLetter   *dlq.Queue
	logger       *logrus.Logger
	storeBreaker *circuit.Breaker
}

// New builds a Consumer. deadLetter may be nil, in which case entries
// that exceed the redelivery threshold are simply logged and left
// pending (acceptable in tests; production wiring always supplies one).
func New(config Config, ingest, cdc *stream.Stream, trace *tracestore.Store, deadLetter *dlq.Queue, logger *logrus.Logger) *Consumer {
	config = config.withDefaults()
	return &Consumer{
		config:       config,
		ingest:       ingest,
		cdc:          cdc,
		trace:        trace,
		deadLetter:   deadLetter,
		logger:       logger,
		storeBreaker: circuit.NewBreaker(config.TraceStoreBreaker, logger),
	}
}

// Run executes the read-batch-flush-ack loop until ctx is cancelled. A
// clean return happens only on cancellation; the current batch is
// flushed before returning so shutdown never silently drops buffered
// events (spec §5).
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ingest.EnsureGroup(ctx, c.config.Group); err != nil {
		return err
	}

	var batch []item
	var batchStarted time.Time
	lastReclaim := time.Now()

	flushIfDue := func() {
		if len(batch) == 0 {
			return
		}
		if len(batch) >= c.config.BatchFlushSize || time.Since(batchStarted) >= c.config.BatchFlushInterval {
			c.flush(ctx, batch)
			batch = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				c.flush(context.WithoutCancel(ctx), batch)
			}
			return nil
		default:
		}

		block := c.config.ReadBlock
		if len(batch) > 0 {
			if remaining := c.config.BatchFlushInterval - time.Since(batchStarted); remaining < block {
				if remaining < 0 {
					remaining = 0
				}
				block = remaining
			}
		}

		var msgs []stream.Message
		err := retry.Do(ctx, c.config.Retry, c.logger, "fastpath_read_group", func() error {
			var readErr error
			msgs, readErr = c.ingest.ReadGroup(ctx, c.config.Group, c.config.Consumer, c.config.ReadCount, block)
			return readErr
		})
		if err != nil {
			if c.logger != nil {
				c.logger.WithError(err).Warn("fastpath: read group failed after retries")
			}
			flushIfDue()
			continue
		}

		for _, msg := range msgs {
			c.intake(ctx, msg, &batch, &batchStarted)
		}

		flushIfDue()

		if time.Since(lastReclaim) >= c.config.ReclaimInterval {
			lastReclaim = time.Now()
			c.reclaimStale(ctx, &batch, &batchStarted)
			flushIfDue()
		}
	}
}

// intake parses one stream entry, dropping malformed ones immediately
// (spec §4.5 step 2) and flushing oversize ones standalone (edge
// policy), otherwise appending to batch.
func (c *Consumer) intake(ctx context.Context, msg stream.Message, batch *[]item, batchStarted *time.Time) {
	ev, raw, err := parseEvent(msg)
	if err != nil {
		if c.logger != nil {
			c.logger.WithError(err).WithField("message_id", msg.ID).Info("fastpath: malformed event dropped")
		}
		_ = c.ingest.Ack(ctx, c.config.Group, msg.ID)
		return
	}

	it := item{msg: msg, event: ev, raw: raw}
	if len(raw) > c.config.MaxEventBytes {
		c.flush(ctx, []item{it})
		return
	}

	if len(*batch) == 0 {
		*batchStarted = time.Now()
	}
	*batch = append(*batch, it)
}

// reclaimStale re-offers this consumer's own idle pending entries —
// the path by which a crash between append and ack (spec S5) is
// recovered without waiting for another consumer to steal the entry.
func (c *Consumer) reclaimStale(ctx context.Context, batch *[]item, batchStarted *time.Time) {
	msgs, err := c.ingest.ClaimStale(ctx, c.config.Group, c.config.Consumer, c.config.ClaimMinIdle, c.config.ReadCount)
	if err != nil {
		if c.logger != nil {
			c.logger.WithError(err).Debug("fastpath: reclaim failed")
		}
		return
	}
	for _, msg := range msgs {
		if c.moveToDeadLetterIfExceeded(ctx, msg) {
			continue
		}
		c.intake(ctx, msg, batch, batchStarted)
	}
}

func (c *Consumer) moveToDeadLetterIfExceeded(ctx context.Context, msg stream.Message) bool {
	count, err := c.ingest.DeliveryCount(ctx, c.config.Group, msg.ID)
	if err != nil || count < c.config.RedeliveryThreshold {
		return false
	}
	if c.deadLetter != nil {
		if err := c.deadLetter.Move(ctx, c.ingest, c.config.Group, msg, "redelivery_exceeded"); err != nil && c.logger != nil {
			c.logger.WithError(err).Error("fastpath: failed to move entry to dead letter queue")
		}
	} else if c.logger != nil {
		c.logger.WithField("message_id", msg.ID).Warn("fastpath: redelivery threshold exceeded, no dead letter queue configured")
	}
	return true
}

// flush persists a batch to C1, publishes CDC records, and acknowledges
// C4 only after the append durably succeeds (spec §4.5 steps 5-6).
func (c *Consumer) flush(ctx context.Context, batch []item) {
	if len(batch) == 0 {
		return
	}

	rows := make([]types.TraceRow, len(batch))
	raw := make([][]byte, len(batch))
	ingestedAt := time.Now().UTC()
	for i, it := range batch {
		fields := it.event.ExtractIndexedFields()
		rows[i] = types.TraceRow{
			IngestedAt:    ingestedAt,
			EventID:       it.event.EventID,
			SessionID:     it.event.SessionID,
			EventType:     it.event.Type(),
			Platform:      it.event.Platform,
			Timestamp:     it.event.Timestamp,
			WorkspaceHash: fields.WorkspaceHash,
			Model:         fields.Model,
			ToolName:      fields.ToolName,
			DurationMs:    fields.DurationMs,
			TokensUsed:    fields.TokensUsed,
			LinesAdded:    fields.LinesAdded,
			LinesRemoved:  fields.LinesRemoved,
		}
		raw[i] = it.raw
	}

	var sequences []int64
	err := c.storeBreaker.Execute(func() error {
		var appendErr error
		sequences, appendErr = c.trace.AppendBatch(ctx, rows, raw)
		return appendErr
	})
	if err != nil {
		// Do not ack: entries remain pending and are retried by the
		// reclaim loop, escalating to the DLQ past the redelivery
		// threshold (spec §7, store write failure policy).
		if c.logger != nil {
			c.logger.WithError(err).WithField("batch_size", len(batch)).Error("fastpath: batch append failed")
		}
		return
	}

	ids := make([]string, len(batch))
	for i, it := range batch {
		ids[i] = it.msg.ID
		c.publishCDC(ctx, sequences[i], it.event)
	}

	if err := c.ingest.Ack(ctx, c.config.Group, ids...); err != nil && c.logger != nil {
		c.logger.WithError(err).Warn("fastpath: failed to acknowledge flushed batch")
	}

	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"batch_size": len(batch),
			"first_seq":  sequences[0],
			"last_seq":   sequences[len(sequences)-1],
		}).Debug("fastpath: batch flushed")
	}
}

// publishCDC is fire-and-forget: C1 is the source of truth, so a
// failure here is counted but never fails the batch (spec §4.5 step 5,
// §9 "fire-and-forget CDC").
func (c *Consumer) publishCDC(ctx context.Context, sequence int64, ev *types.Event) {
	record := types.CDCRecord{
		Sequence:  sequence,
		EventID:   ev.EventID,
		SessionID: ev.SessionID,
		EventType: ev.Type(),
		Platform:  ev.Platform,
		Priority:  priority.Assign(ev.Type()),
		Timestamp: time.Now().UTC(),
	}

	fields := map[string]string{
		"sequence":   strconv.FormatInt(record.Sequence, 10),
		"event_id":   record.EventID,
		"session_id": record.SessionID,
		"event_type": record.EventType,
		"platform":   record.Platform,
		"priority":   strconv.Itoa(int(record.Priority)),
		"timestamp":  record.Timestamp.Format(time.RFC3339Nano),
	}

	if _, err := c.cdc.Append(ctx, fields); err != nil {
		obsmetrics.CDCPublishFailuresTotal.Inc()
		cdcErr := appErrors.CDCPublishError("publish_cdc_record", err.Error()).WithMetadata("event_id", ev.EventID)
		if c.logger != nil {
			c.logger.WithError(cdcErr).Debug("fastpath: cdc publish failed")
		}
	}
}

// parseEvent decodes the stream entry's "data" field into an Event and
// validates the required envelope fields (spec §6), filling
// platform/external_session_id/hook_type from the entry's side-channel
// fields when the embedded document omits them.
func parseEvent(msg stream.Message) (*types.Event, []byte, error) {
	raw, ok := msg.Fields["data"]
	if !ok || raw == "" {
		return nil, nil, appErrors.MalformedEventError("parse_event", "missing data field")
	}

	var ev types.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, nil, appErrors.MalformedEventError("parse_event", "invalid json").Wrap(err)
	}

	if ev.Platform == "" {
		ev.Platform = msg.Fields["platform"]
	}
	if ev.ExternalSessionID == "" {
		ev.ExternalSessionID = msg.Fields["external_session_id"]
	}
	if ev.HookType == "" {
		ev.HookType = msg.Fields["hook_type"]
	}

	if ev.EventID == "" || ev.SessionID == "" || ev.Platform == "" || ev.Timestamp.IsZero() || ev.Type() == "" {
		return nil, nil, appErrors.MalformedEventError("parse_event", "missing required envelope field")
	}

	return &ev, []byte(raw), nil
}
