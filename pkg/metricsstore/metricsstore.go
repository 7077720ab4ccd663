// Package metricsstore implements C3, the domain metrics surface
// (distinct from the pipeline's own ambient Prometheus metrics in
// internal/obsmetrics). Redis has no native time-series engine in the
// retrieval pack, so series are emulated with sorted sets keyed by
// timestamp, per spec §4.3's emulation fallback, bounded to a retention
// window per category class.
package metricsstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/telemetry-core/pkg/types"
)

// RetentionClass buckets a metric category into a TTL / cardinality
// policy.
type RetentionClass int

const (
	// RetentionRealtime covers short-lived dashboard series (e.g.
	// realtime.active_sessions): kept for 1h.
	RetentionRealtime RetentionClass = iota
	// RetentionSession covers per-session rollups: kept for 7d.
	RetentionSession
	// RetentionTools covers per-tool usage series: kept for 1d.
	RetentionTools
)

func (c RetentionClass) ttl() time.Duration {
	switch c {
	case RetentionSession:
		return 7 * 24 * time.Hour
	case RetentionTools:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Config configures the metrics store's Redis connection and series
// cardinality cap.
type Config struct {
	RedisURL           string `yaml:"redis_url"`
	MaxPointsPerSeries int64  `yaml:"max_points_per_series"`
}

// Store is the C3 domain metrics surface.
type Store struct {
	client *redis.Client
	config Config
	logger *logrus.Logger
}

// New opens a Redis connection for the metrics store.
func New(config Config, logger *logrus.Logger) (*Store, error) {
	if config.MaxPointsPerSeries <= 0 {
		config.MaxPointsPerSeries = 10000
	}
	opt, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("metricsstore: invalid redis url: %w", err)
	}
	return &Store{client: redis.NewClient(opt), config: config, logger: logger}, nil
}

// NewFromClient wraps an existing client, letting the metrics store
// share a connection pool with pkg/stream.
func NewFromClient(client *redis.Client, config Config, logger *logrus.Logger) *Store {
	if config.MaxPointsPerSeries <= 0 {
		config.MaxPointsPerSeries = 10000
	}
	return &Store{client: client, config: config, logger: logger}
}

func seriesKey(category, name string) string {
	return fmt.Sprintf("metric:series:%s:%s", category, name)
}

func counterKey(category, name string) string {
	return fmt.Sprintf("metric:counter:%s:%s", category, name)
}

func gaugeKey(category, name string) string {
	return fmt.Sprintf("metric:gauge:%s:%s", category, name)
}

// Record appends a sample to a windowed series, trimming to the
// category's retention class both by score (age) and by cardinality
// (MaxPointsPerSeries), per spec §4.3.
func (s *Store) Record(ctx context.Context, category, name string, value float64, class RetentionClass, t time.Time) error {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	key := seriesKey(category, name)
	member := fmt.Sprintf("%d:%s", t.UnixNano(), strconv.FormatFloat(value, 'f', -1, 64))
	score := float64(t.UnixMilli())

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	cutoff := float64(t.Add(-class.ttl()).UnixMilli())
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%f", cutoff))
	pipe.ZRemRangeByRank(ctx, key, 0, -s.config.MaxPointsPerSeries-1)
	pipe.Expire(ctx, key, class.ttl())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("metricsstore: record %s/%s: %w", category, name, err)
	}
	return nil
}

// Increment bumps a counter with TTL refreshed on every write, per spec
// §4.3's `increment(category, name, delta=1)`.
func (s *Store) Increment(ctx context.Context, category, name string, delta float64, class RetentionClass) error {
	key := counterKey(category, name)
	pipe := s.client.TxPipeline()
	pipe.IncrByFloat(ctx, key, delta)
	pipe.Expire(ctx, key, class.ttl())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("metricsstore: increment %s/%s: %w", category, name, err)
	}
	return nil
}

// SetGauge records a latest-wins value with TTL, per spec §4.3's
// `set_gauge`.
func (s *Store) SetGauge(ctx context.Context, category, name string, value float64, class RetentionClass) error {
	key := gaugeKey(category, name)
	if err := s.client.Set(ctx, key, value, class.ttl()).Err(); err != nil {
		return fmt.Errorf("metricsstore: set_gauge %s/%s: %w", category, name, err)
	}
	return nil
}

// GetLatest returns the most recent value for every counter, gauge, and
// series within category — a fast dashboard read per spec §4.3.
func (s *Store) GetLatest(ctx context.Context, category string) (map[string]float64, error) {
	out := make(map[string]float64)

	patterns := []struct {
		glob   string
		prefix string
	}{
		{fmt.Sprintf("metric:counter:%s:*", category), "metric:counter:" + category + ":"},
		{fmt.Sprintf("metric:gauge:%s:*", category), "metric:gauge:" + category + ":"},
		{fmt.Sprintf("metric:series:%s:*", category), "metric:series:" + category + ":"},
	}

	for _, p := range patterns {
		keys, err := s.scanKeys(ctx, p.glob)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			name := strings.TrimPrefix(key, p.prefix)
			switch {
			case strings.HasPrefix(key, "metric:series:"):
				vals, err := s.client.ZRevRangeWithScores(ctx, key, 0, 0).Result()
				if err != nil || len(vals) == 0 {
					continue
				}
				if v, ok := parseSeriesValue(vals[0].Member); ok {
					out[name] = v
				}
			default:
				raw, err := s.client.Get(ctx, key).Result()
				if err != nil {
					continue
				}
				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					continue
				}
				out[name] = v
			}
		}
	}
	return out, nil
}

func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("metricsstore: scan %s: %w", pattern, err)
	}
	return keys, nil
}

// Aggregation is an optional pre-aggregation bucket width for Range.
type Aggregation string

const (
	AggregationNone Aggregation = ""
	Aggregation1m   Aggregation = "1m"
	Aggregation5m   Aggregation = "5m"
	Aggregation1h   Aggregation = "1h"
)

func (a Aggregation) bucket() time.Duration {
	switch a {
	case Aggregation1m:
		return time.Minute
	case Aggregation5m:
		return 5 * time.Minute
	case Aggregation1h:
		return time.Hour
	default:
		return 0
	}
}

// Range returns ordered (t, v) pairs for a series within [tLo, tHi],
// optionally pre-aggregated into fixed buckets by averaging, per spec
// §4.3.
func (s *Store) Range(ctx context.Context, category, name string, tLo, tHi time.Time, aggregation Aggregation) ([]types.MetricSample, error) {
	key := seriesKey(category, name)
	vals, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(tLo.UnixMilli(), 10),
		Max: strconv.FormatInt(tHi.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("metricsstore: range %s/%s: %w", category, name, err)
	}

	samples := make([]types.MetricSample, 0, len(vals))
	for _, z := range vals {
		v, ok := parseSeriesValue(z.Member)
		if !ok {
			continue
		}
		samples = append(samples, types.MetricSample{
			Timestamp: time.UnixMilli(int64(z.Score)).UTC(),
			Value:     v,
		})
	}

	bucket := aggregation.bucket()
	if bucket == 0 {
		return samples, nil
	}
	return aggregateBuckets(samples, bucket), nil
}

func aggregateBuckets(samples []types.MetricSample, bucket time.Duration) []types.MetricSample {
	if len(samples) == 0 {
		return nil
	}
	type acc struct {
		sum   float64
		count int
		t     time.Time
	}
	buckets := make(map[int64]*acc)
	var order []int64

	for _, smp := range samples {
		key := smp.Timestamp.Truncate(bucket).UnixMilli()
		a, ok := buckets[key]
		if !ok {
			a = &acc{t: smp.Timestamp.Truncate(bucket)}
			buckets[key] = a
			order = append(order, key)
		}
		a.sum += smp.Value
		a.count++
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]types.MetricSample, 0, len(order))
	for _, key := range order {
		a := buckets[key]
		out = append(out, types.MetricSample{Timestamp: a.t, Value: a.sum / float64(a.count)})
	}
	return out
}

func parseSeriesValue(member string) (float64, bool) {
	idx := strings.IndexByte(member, ':')
	if idx < 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(member[idx+1:], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Close releases the underlying Redis connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
