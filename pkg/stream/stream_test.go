package stream

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

func newTestStream(t *testing.T, key string, maxLen int64) (*Stream, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(client, Config{Key: key, MaxLen: maxLen}, testLogger()), mr
}

func TestAppendAndReadGroup(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t, "telemetry:ingest", 0)

	if err := s.EnsureGroup(ctx, "consumers"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	id, err := s.Append(ctx, map[string]string{"event_id": "e1"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty id")
	}

	msgs, err := s.ReadGroup(ctx, "consumers", "worker-1", 10, 0)
	if err != nil {
		t.Fatalf("read group: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Fields["event_id"] != "e1" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestAckRemovesFromPending(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t, "telemetry:ingest", 0)
	_ = s.EnsureGroup(ctx, "consumers")
	_, _ = s.Append(ctx, map[string]string{"event_id": "e1"})

	msgs, err := s.ReadGroup(ctx, "consumers", "worker-1", 10, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("read group: %v / %+v", err, msgs)
	}

	age, err := s.OldestPendingAge(ctx, "consumers")
	if err != nil {
		t.Fatalf("oldest pending age: %v", err)
	}
	_ = age

	if err := s.Ack(ctx, "consumers", msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	age, err = s.OldestPendingAge(ctx, "consumers")
	if err != nil {
		t.Fatalf("oldest pending age after ack: %v", err)
	}
	if age != 0 {
		t.Fatalf("expected no pending entries after ack, got age %v", age)
	}
}

func TestDeliveryCountIncreasesOnRedelivery(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t, "telemetry:ingest", 0)
	_ = s.EnsureGroup(ctx, "consumers")
	_, _ = s.Append(ctx, map[string]string{"event_id": "e1"})

	msgs, _ := s.ReadGroup(ctx, "consumers", "worker-1", 10, 0)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	id := msgs[0].ID

	count, err := s.DeliveryCount(ctx, "consumers", id)
	if err != nil {
		t.Fatalf("delivery count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected delivery count 1, got %d", count)
	}

	claimed, err := s.ClaimStale(ctx, "consumers", "worker-2", 0, 10)
	if err != nil {
		t.Fatalf("claim stale: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("expected to reclaim %s, got %+v", id, claimed)
	}

	count, err = s.DeliveryCount(ctx, "consumers", id)
	if err != nil {
		t.Fatalf("delivery count after claim: %v", err)
	}
	if count < 2 {
		t.Fatalf("expected delivery count to increase after claim, got %d", count)
	}
}

func TestMoveToDeadLetter(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t, "telemetry:cdc", 0)
	dlq, _ := newTestStream(t, "telemetry:dlq", 0)
	dlq.client = s.client

	_ = s.EnsureGroup(ctx, "consumers")
	_, _ = s.Append(ctx, map[string]string{"event_id": "e1"})
	msgs, _ := s.ReadGroup(ctx, "consumers", "worker-1", 10, 0)

	if err := s.MoveToDeadLetter(ctx, "consumers", msgs[0], dlq, "redelivery exceeded"); err != nil {
		t.Fatalf("move to dead letter: %v", err)
	}

	n, err := dlq.Len(ctx)
	if err != nil {
		t.Fatalf("dlq len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 dlq entry, got %d", n)
	}

	age, err := s.OldestPendingAge(ctx, "consumers")
	if err != nil {
		t.Fatalf("oldest pending age: %v", err)
	}
	if age != 0 {
		t.Fatalf("expected original entry acked after move, got pending age %v", age)
	}
}

func TestMaxLenTrimsApproximately(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t, "telemetry:ingest", 5)

	for i := 0; i < 50; i++ {
		if _, err := s.Append(ctx, map[string]string{"n": time.Now().String()}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	n, err := s.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n > 50 {
		t.Fatalf("expected trimming to bound length, got %d", n)
	}
}
