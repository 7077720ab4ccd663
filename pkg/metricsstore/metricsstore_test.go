package metricsstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(client, Config{MaxPointsPerSeries: 1000}, testLogger())
}

func TestIncrementAccumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Increment(ctx, "tools", "invocations", 1, RetentionTools); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := s.Increment(ctx, "tools", "invocations", 2, RetentionTools); err != nil {
		t.Fatalf("increment: %v", err)
	}

	latest, err := s.GetLatest(ctx, "tools")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest["invocations"] != 3 {
		t.Fatalf("expected counter 3, got %v", latest["invocations"])
	}
}

func TestSetGaugeIsLatestWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.SetGauge(ctx, "realtime", "active_sessions", 5, RetentionRealtime)
	_ = s.SetGauge(ctx, "realtime", "active_sessions", 7, RetentionRealtime)

	latest, err := s.GetLatest(ctx, "realtime")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest["active_sessions"] != 7 {
		t.Fatalf("expected gauge 7, got %v", latest["active_sessions"])
	}
}

func TestRecordAndRangeReturnsOrderedSamples(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		if err := s.Record(ctx, "session", "latency_ms", float64(100+i), RetentionSession, ts); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	samples, err := s.Range(ctx, "session", "latency_ms", base.Add(-time.Minute), base.Add(time.Minute), AggregationNone)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(samples) != 5 {
		t.Fatalf("expected 5 samples, got %d", len(samples))
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].Timestamp.Before(samples[i-1].Timestamp) {
			t.Fatalf("expected ordered samples, got %v before %v", samples[i].Timestamp, samples[i-1].Timestamp)
		}
	}
}

func TestRecordRespectsCardinalityCap(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewFromClient(client, Config{MaxPointsPerSeries: 3}, testLogger())
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 10; i++ {
		if err := s.Record(ctx, "session", "latency_ms", float64(i), RetentionSession, base.Add(time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	samples, err := s.Range(ctx, "session", "latency_ms", base.Add(-time.Minute), base.Add(time.Minute), AggregationNone)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(samples) > 3 {
		t.Fatalf("expected cardinality capped at 3, got %d", len(samples))
	}
}

func TestRangeAggregatesIntoBuckets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Minute)

	_ = s.Record(ctx, "tools", "duration_ms", 10, RetentionTools, base)
	_ = s.Record(ctx, "tools", "duration_ms", 20, RetentionTools, base.Add(10*time.Second))
	_ = s.Record(ctx, "tools", "duration_ms", 30, RetentionTools, base.Add(65*time.Second))

	samples, err := s.Range(ctx, "tools", "duration_ms", base.Add(-time.Minute), base.Add(2*time.Minute), Aggregation1m)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 buckets, got %d: %+v", len(samples), samples)
	}
	if samples[0].Value != 15 {
		t.Fatalf("expected first bucket average 15, got %v", samples[0].Value)
	}
}
