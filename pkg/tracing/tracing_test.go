package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestNewManagerDisabledReturnsNoopTracer(t *testing.T) {
	m, err := NewManager(Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if m.Tracer() == nil {
		t.Fatal("expected a non-nil noop tracer")
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown of noop manager should be a no-op: %v", err)
	}
}

func TestSpanContextRecordsErrorStatus(t *testing.T) {
	m, err := NewManager(Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	sc := StartSpan(context.Background(), m.Tracer(), "test.op")
	sc.SetAttribute("count", 3)
	sc.SetError(errors.New("boom"))
	sc.End()
}

func TestExtractTraceInfoEmptyWithoutSpan(t *testing.T) {
	traceID, spanID := ExtractTraceInfo(context.Background())
	if traceID != "" || spanID != "" {
		t.Fatalf("expected empty trace/span id without an active span, got %q/%q", traceID, spanID)
	}
}
