// Package stream wraps Redis Streams as the durable, consumer-group
// substrate the spec calls C4 (ingest) and C5 (CDC) — and, structurally,
// the dead-letter stream. Redis Streams is the one library in the
// retrieval pack whose native primitives line up with the spec's
// "pending-entries list" and per-entry redelivery count (XPENDING),
// rather than something bolted on top of a generic queue.
//
// Nothing here knows about events, CDC records, or priorities — those
// live in internal/fastpath and internal/slowpath. This package only
// knows about stream entries: an ID and a flat field map.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Config configures a Stream's connection to Redis and its trimming
// behaviour.
type Config struct {
	RedisURL string `yaml:"redis_url"`
	Key      string `yaml:"key"`
	// MaxLen bounds the stream with approximate trimming ("~"); 0 means
	// unbounded. C5 uses ~100k per spec §4.6.
	MaxLen int64 `yaml:"max_len"`
}

// Message is one entry read from a stream.
type Message struct {
	ID     string
	Fields map[string]string
}

// Stream is a thin, typed wrapper around one Redis stream key.
type Stream struct {
	client *redis.Client
	config Config
	logger *logrus.Logger
}

// New creates a Stream backed by a fresh Redis client parsed from
// Config.RedisURL, following the same redis.ParseURL idiom used
// elsewhere in the corpus for Redis connection setup.
func New(config Config, logger *logrus.Logger) (*Stream, error) {
	if config.Key == "" {
		return nil, fmt.Errorf("stream: key is required")
	}
	opt, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("stream: invalid redis url: %w", err)
	}
	return &Stream{
		client: redis.NewClient(opt),
		config: config,
		logger: logger,
	}, nil
}

// NewFromClient wraps an existing *redis.Client, letting C1-C3 share one
// connection pool with C4/C5 without each constructing its own.
func NewFromClient(client *redis.Client, config Config, logger *logrus.Logger) *Stream {
	return &Stream{client: client, config: config, logger: logger}
}

// Client exposes the underlying client for callers (pkg/metricsstore)
// that need raw Redis commands outside the stream abstraction.
func (s *Stream) Client() *redis.Client { return s.client }

// Ping verifies connectivity, used at startup and by the health surface.
func (s *Stream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *Stream) Close() error {
	return s.client.Close()
}

// EnsureGroup creates the named consumer group if it does not already
// exist, starting from the beginning of the stream ("0") and creating
// the stream itself (MKSTREAM) if it is empty.
func (s *Stream) EnsureGroup(ctx context.Context, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, s.config.Key, group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("stream: create group %s on %s: %w", group, s.config.Key, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

// Append adds one entry to the stream, approximately trimming to
// Config.MaxLen when set. Returns the assigned entry ID.
func (s *Stream) Append(ctx context.Context, fields map[string]string) (string, error) {
	args := &redis.XAddArgs{
		Stream: s.config.Key,
		Values: fields,
	}
	if s.config.MaxLen > 0 {
		args.MaxLen = s.config.MaxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("stream: append to %s: %w", s.config.Key, err)
	}
	return id, nil
}

// ReadGroup blocks up to `block` for up to `count` new entries addressed
// to `consumer` within `group`, delivering each entry to exactly one
// consumer per spec §4.4. A zero-length, nil-error result means the
// block elapsed with nothing new — callers should treat that as a
// normal, non-error timeout.
func (s *Stream) ReadGroup(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.config.Key, ">"},
		Count:    count,
		Block:    block,
	}).Result()

	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stream: read group %s on %s: %w", group, s.config.Key, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return toMessages(res[0].Messages), nil
}

func toMessages(xs []redis.XMessage) []Message {
	out := make([]Message, len(xs))
	for i, m := range xs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			} else {
				fields[k] = fmt.Sprintf("%v", v)
			}
		}
		out[i] = Message{ID: m.ID, Fields: fields}
	}
	return out
}

// Ack acknowledges one or more entries within a group, removing them
// from that group's pending-entries list.
func (s *Stream) Ack(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.config.Key, group, ids...).Err(); err != nil {
		return fmt.Errorf("stream: ack on %s/%s: %w", s.config.Key, group, err)
	}
	return nil
}

// DeliveryCount returns how many times the given entry has been
// delivered within a group — the primitive the DLQ-threshold check
// (spec §4.4: redelivery count > 3) is built on.
func (s *Stream) DeliveryCount(ctx context.Context, group, id string) (int64, error) {
	res, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.config.Key,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("stream: xpending %s/%s: %w", s.config.Key, group, err)
	}
	for _, p := range res {
		if p.ID == id {
			return p.RetryCount, nil
		}
	}
	return 0, nil
}

// ClaimStale reassigns entries idle for longer than minIdle to consumer,
// modelling redelivery after a consumer failure or timeout (spec §4.4).
// It returns the reassigned messages so the caller can reprocess them.
// Each call scans from the start of the pending list ("0-0"); the
// continuation cursor XAUTOCLAIM returns is not kept.
func (s *Stream) ClaimStale(ctx context.Context, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.config.Key,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("stream: autoclaim %s/%s: %w", s.config.Key, group, err)
	}
	return toMessages(msgs), nil
}

// Len reports the stream's current entry count, used by C8 to classify
// the backpressure band.
func (s *Stream) Len(ctx context.Context) (int64, error) {
	n, err := s.client.XLen(ctx, s.config.Key).Result()
	if err != nil {
		return 0, fmt.Errorf("stream: xlen %s: %w", s.config.Key, err)
	}
	return n, nil
}

// OldestPendingAge returns how long the oldest unacknowledged entry in
// group has been pending, or 0 if nothing is pending.
func (s *Stream) OldestPendingAge(ctx context.Context, group string) (time.Duration, error) {
	summary, err := s.client.XPending(ctx, s.config.Key, group).Result()
	if err != nil {
		return 0, fmt.Errorf("stream: xpending summary %s/%s: %w", s.config.Key, group, err)
	}
	if summary.Count == 0 {
		return 0, nil
	}
	ext, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.config.Key,
		Group:  group,
		Start:  summary.Lower,
		End:    summary.Lower,
		Count:  1,
	}).Result()
	if err != nil || len(ext) == 0 {
		return 0, err
	}
	return time.Duration(ext[0].Idle), nil
}

// MoveToDeadLetter appends msg's fields (plus failure context) to dlq and
// acknowledges it in the original group, matching spec §4.4/§4.5's
// "move entry to DLQ stream, then acknowledge original" contract.
func (s *Stream) MoveToDeadLetter(ctx context.Context, group string, msg Message, dlq *Stream, reason string) error {
	fields := make(map[string]string, len(msg.Fields)+2)
	for k, v := range msg.Fields {
		fields[k] = v
	}
	fields["dlq_reason"] = reason
	fields["dlq_original_id"] = msg.ID
	fields["dlq_original_stream"] = s.config.Key

	if _, err := dlq.Append(ctx, fields); err != nil {
		return fmt.Errorf("stream: move to dead letter: %w", err)
	}
	return s.Ack(ctx, group, msg.ID)
}
