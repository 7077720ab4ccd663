package fastpath

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/telemetry-core/pkg/compression"
	"github.com/ssw-telemetry/telemetry-core/pkg/dlq"
	"github.com/ssw-telemetry/telemetry-core/pkg/metricsstore"
	"github.com/ssw-telemetry/telemetry-core/pkg/stream"
	"github.com/ssw-telemetry/telemetry-core/pkg/tracestore"
	"github.com/ssw-telemetry/telemetry-core/pkg/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func newHarness(t *testing.T) (*Consumer, *stream.Stream, *stream.Stream, *tracestore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	ingest := stream.NewFromClient(client, stream.Config{Key: "telemetry:events"}, testLogger())
	cdc := stream.NewFromClient(client, stream.Config{Key: "cdc:events"}, testLogger())
	dead := stream.NewFromClient(client, stream.Config{Key: "telemetry:dlq"}, testLogger())

	trace, err := tracestore.Open(tracestore.Config{Path: ":memory:"}, compression.NewCodec(), testLogger())
	if err != nil {
		t.Fatalf("open trace store: %v", err)
	}
	t.Cleanup(func() { trace.Close() })

	ms := metricsstore.NewFromClient(client, metricsstore.Config{}, testLogger())
	deadLetter := dlq.New(dlq.Config{}, dead, ms, testLogger())

	c := New(Config{
		BatchFlushSize:     10,
		BatchFlushInterval: 20 * time.Millisecond,
		ReadBlock:          10 * time.Millisecond,
	}, ingest, cdc, trace, deadLetter, testLogger())

	return c, ingest, cdc, trace
}

func appendEvent(t *testing.T, ctx context.Context, ingest *stream.Stream, eventID string) {
	t.Helper()
	ev := types.Event{
		EventID:   eventID,
		SessionID: "sess-1",
		Platform:  "test-platform",
		EventType: "user_prompt",
		Timestamp: time.Now().UTC(),
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if _, err := ingest.Append(ctx, map[string]string{"data": string(raw)}); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestIntakeFlushesOnBatchSize(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	c, ingest, cdc, trace := newHarness(t)
	if err := ingest.EnsureGroup(ctx, c.config.Group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	for i := 0; i < c.config.BatchFlushSize; i++ {
		appendEvent(t, ctx, ingest, "evt-"+string(rune('a'+i)))
	}

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.After(400 * time.Millisecond)
	for {
		row, _, err := trace.GetBySequence(ctx, 1)
		if err == nil && row != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for batch to flush to trace store")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done

	n, err := cdc.Len(ctx)
	if err != nil {
		t.Fatalf("cdc len: %v", err)
	}
	if n != int64(c.config.BatchFlushSize) {
		t.Fatalf("expected %d cdc records, got %d", c.config.BatchFlushSize, n)
	}
}

func TestMalformedEntryIsAckedAndDropped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	c, ingest, _, _ := newHarness(t)
	if err := ingest.EnsureGroup(ctx, c.config.Group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if _, err := ingest.Append(ctx, map[string]string{"data": "not json"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := ingest.ReadGroup(ctx, c.config.Group, c.config.Consumer, 1, 50*time.Millisecond)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("read group: %v msgs=%d", err, len(msgs))
	}

	var batch []item
	var started time.Time
	c.intake(ctx, msgs[0], &batch, &started)

	if len(batch) != 0 {
		t.Fatalf("expected malformed entry to be dropped, batch has %d items", len(batch))
	}

	count, err := ingest.DeliveryCount(ctx, c.config.Group, msgs[0].ID)
	if err == nil && count > 0 {
		t.Fatalf("expected malformed entry to be acknowledged, still has delivery count %d", count)
	}
}

func TestOversizeEventFlushesStandalone(t *testing.T) {
	ctx := context.Background()
	c, ingest, _, trace := newHarness(t)
	c.config.MaxEventBytes = 16
	if err := ingest.EnsureGroup(ctx, c.config.Group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	appendEvent(t, ctx, ingest, "big-event")

	msgs, err := ingest.ReadGroup(ctx, c.config.Group, c.config.Consumer, 1, 50*time.Millisecond)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("read group: %v msgs=%d", err, len(msgs))
	}

	var batch []item
	var started time.Time
	c.intake(ctx, msgs[0], &batch, &started)

	if len(batch) != 0 {
		t.Fatalf("expected oversize event to flush standalone, not join the batch, got %d", len(batch))
	}

	row, _, err := trace.GetBySequence(ctx, 1)
	if err != nil {
		t.Fatalf("expected oversize event to be persisted individually: %v", err)
	}
	if row.EventID != "big-event" {
		t.Fatalf("unexpected row: %+v", row)
	}
}
