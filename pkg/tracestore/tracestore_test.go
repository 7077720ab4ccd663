package tracestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/telemetry-core/pkg/compression"
	appErrors "github.com/ssw-telemetry/telemetry-core/pkg/errors"
	"github.com/ssw-telemetry/telemetry-core/pkg/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{Path: filepath.Join(dir, "trace.db")}, compression.NewCodec(), testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRow(eventID, sessionID string, ts time.Time) types.TraceRow {
	tokens := int64(42)
	return types.TraceRow{
		EventID:    eventID,
		SessionID:  sessionID,
		EventType:  "UserPromptSubmit",
		Platform:   "claude_code",
		Timestamp:  ts,
		TokensUsed: &tokens,
	}
}

func TestAppendBatchAssignsSequences(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := []types.TraceRow{
		sampleRow("e1", "s1", now),
		sampleRow("e2", "s1", now.Add(time.Second)),
	}
	raw := [][]byte{[]byte(`{"event_id":"e1"}`), []byte(`{"event_id":"e2"}`)}

	seqs, err := s.AppendBatch(ctx, rows, raw)
	if err != nil {
		t.Fatalf("append batch: %v", err)
	}
	if len(seqs) != 2 || seqs[0] >= seqs[1] {
		t.Fatalf("expected increasing sequences, got %v", seqs)
	}
}

func TestAppendBatchIsIdempotentOnDuplicateEventID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := []types.TraceRow{sampleRow("e1", "s1", now)}
	raw := [][]byte{[]byte(`{"event_id":"e1"}`)}

	first, err := s.AppendBatch(ctx, rows, raw)
	if err != nil {
		t.Fatalf("first append: %v", err)
	}

	second, err := s.AppendBatch(ctx, rows, raw)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if second[0] != first[0] {
		t.Fatalf("expected duplicate event_id to resolve to existing sequence %d, got %d", first[0], second[0])
	}
}

func TestGetBySequenceRoundTripsCompressedData(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := []types.TraceRow{sampleRow("e1", "s1", now)}
	raw := [][]byte{[]byte(`{"event_id":"e1","payload":"hello world hello world hello world"}`)}

	seqs, err := s.AppendBatch(ctx, rows, raw)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	row, data, err := s.GetBySequence(ctx, seqs[0])
	if err != nil {
		t.Fatalf("get by sequence: %v", err)
	}
	if row.EventID != "e1" {
		t.Fatalf("expected event_id e1, got %s", row.EventID)
	}
	if string(data) != string(raw[0]) {
		t.Fatalf("expected round-tripped data %q, got %q", raw[0], data)
	}
}

func TestGetBySequenceMissingReturnsTaggedError(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.GetBySequence(context.Background(), 99999)
	if err == nil {
		t.Fatal("expected error for missing sequence")
	}
	appErr, ok := appErrors.AsAppError(err)
	if !ok || appErr.Code != appErrors.CodeMissingBySequence {
		t.Fatalf("expected MISSING_BY_SEQUENCE error, got %v", err)
	}
}

func TestAggregateSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := []types.TraceRow{
		sampleRow("e1", "s1", now),
		sampleRow("e2", "s1", now.Add(time.Second)),
	}
	raw := [][]byte{[]byte(`{}`), []byte(`{}`)}
	if _, err := s.AppendBatch(ctx, rows, raw); err != nil {
		t.Fatalf("append: %v", err)
	}

	agg, err := s.AggregateSession(ctx, "s1")
	if err != nil {
		t.Fatalf("aggregate session: %v", err)
	}
	if agg.Count != 2 {
		t.Fatalf("expected count 2, got %d", agg.Count)
	}
	if agg.SumTokens != 84 {
		t.Fatalf("expected sum tokens 84, got %d", agg.SumTokens)
	}
}

func TestGetSessionEventsOrderedByTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := []types.TraceRow{
		// e2 is inserted (and so sequenced) before e1, but carries an
		// earlier producer timestamp; the result must still come back
		// ordered by timestamp, not insertion/sequence order.
		sampleRow("e2", "s1", now),
		sampleRow("e1", "s1", now.Add(-time.Second)),
		sampleRow("e3", "s2", now),
	}
	raw := [][]byte{[]byte(`{}`), []byte(`{}`), []byte(`{}`)}
	if _, err := s.AppendBatch(ctx, rows, raw); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := s.GetSessionEvents(ctx, "s1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("get session events: %v", err)
	}
	if len(events) != 2 || events[0].EventID != "e1" || events[1].EventID != "e2" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestGetSessionEventsTimestampTiesBrokenBySequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := []types.TraceRow{
		sampleRow("e1", "s1", now),
		sampleRow("e2", "s1", now),
	}
	raw := [][]byte{[]byte(`{}`), []byte(`{}`)}
	if _, err := s.AppendBatch(ctx, rows, raw); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := s.GetSessionEvents(ctx, "s1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("get session events: %v", err)
	}
	if len(events) != 2 || events[0].EventID != "e1" || events[1].EventID != "e2" {
		t.Fatalf("expected timestamp ties broken by sequence, got %+v", events)
	}
}

func TestGetSessionEventsFiltersByTimeRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rows := []types.TraceRow{
		sampleRow("e1", "s1", now.Add(-time.Hour)),
		sampleRow("e2", "s1", now),
		sampleRow("e3", "s1", now.Add(time.Hour)),
	}
	raw := [][]byte{[]byte(`{}`), []byte(`{}`), []byte(`{}`)}
	if _, err := s.AppendBatch(ctx, rows, raw); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := s.GetSessionEvents(ctx, "s1", now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("get session events: %v", err)
	}
	if len(events) != 1 || events[0].EventID != "e2" {
		t.Fatalf("expected only e2 within range, got %+v", events)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	rows := []types.TraceRow{sampleRow("e1", "s1", old), sampleRow("e2", "s1", recent)}
	raw := [][]byte{[]byte(`{}`), []byte(`{}`)}
	if _, err := s.AppendBatch(ctx, rows, raw); err != nil {
		t.Fatalf("append: %v", err)
	}

	deleted, err := s.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("delete older than: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected to delete 1 row, got %d", deleted)
	}

	remaining, err := s.GetSessionEvents(ctx, "s1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("get session events: %v", err)
	}
	if len(remaining) != 1 || remaining[0].EventID != "e2" {
		t.Fatalf("unexpected remaining events: %+v", remaining)
	}
}
