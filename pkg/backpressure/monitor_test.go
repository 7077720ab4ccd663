package backpressure

import (
	"context"
	"testing"
	"time"

	"github.com/ssw-telemetry/telemetry-core/pkg/types"
)

type fakeInspector struct {
	length  int64
	pending time.Duration
}

func (f *fakeInspector) Len(ctx context.Context) (int64, error) { return f.length, nil }
func (f *fakeInspector) OldestPendingAge(ctx context.Context, group string) (time.Duration, error) {
	return f.pending, nil
}

func TestCheckClassifiesByQueueLength(t *testing.T) {
	insp := &fakeInspector{length: 50}
	m := NewMonitor(Config{CheckInterval: time.Hour}, insp, nil)

	m.check(context.Background())
	if m.Level() != types.LevelGreen {
		t.Fatalf("expected green, got %s", m.Level())
	}

	insp.length = 75000
	m.check(context.Background())
	if m.Level() != types.LevelOrange {
		t.Fatalf("expected orange, got %s", m.Level())
	}

	insp.length = 150000
	m.check(context.Background())
	if m.Level() != types.LevelRed {
		t.Fatalf("expected red, got %s", m.Level())
	}
}

// TestLevelIsPureFunctionOfQueueLength guards spec §8's testable property
// that the published level equals the threshold band of observed queue
// length at the sample instant: a stale pending entry must never change
// the level, only the separate Snapshot.StalePending signal.
func TestLevelIsPureFunctionOfQueueLength(t *testing.T) {
	insp := &fakeInspector{length: 5, pending: time.Minute}
	m := NewMonitor(Config{CheckInterval: time.Hour, StalePendingAge: 30 * time.Second}, insp, nil)

	m.check(context.Background())
	if m.Level() != types.ClassifyQueueLength(5) {
		t.Fatalf("expected level to track queue length alone, got %s", m.Level())
	}
	if !m.Stats().StalePending {
		t.Fatal("expected StalePending to be true when oldest pending exceeds StalePendingAge")
	}
}

func TestStatsStalePendingFalseBelowThreshold(t *testing.T) {
	insp := &fakeInspector{length: 5, pending: time.Second}
	m := NewMonitor(Config{CheckInterval: time.Hour, StalePendingAge: 30 * time.Second}, insp, nil)

	m.check(context.Background())
	if m.Stats().StalePending {
		t.Fatal("expected StalePending to be false when oldest pending is below StalePendingAge")
	}
}

func TestLevelChangeCallbackFiresOnlyOnTransition(t *testing.T) {
	insp := &fakeInspector{length: 50}
	m := NewMonitor(Config{CheckInterval: time.Hour}, insp, nil)

	var transitions int
	m.SetLevelChangeCallback(func(previous, current types.BackpressureLevel) {
		transitions++
	})

	m.check(context.Background())
	if transitions != 0 {
		t.Fatalf("expected no callback on initial green->green, got %d", transitions)
	}

	insp.length = 75000
	m.check(context.Background())
	if transitions != 1 {
		t.Fatalf("expected 1 callback on green->orange, got %d", transitions)
	}

	m.check(context.Background())
	if transitions != 1 {
		t.Fatalf("expected no callback when level is unchanged, got %d", transitions)
	}
}

func TestShouldPauseInsightsAtOrangeAndRed(t *testing.T) {
	insp := &fakeInspector{length: 50}
	m := NewMonitor(Config{CheckInterval: time.Hour}, insp, nil)

	m.check(context.Background())
	if m.ShouldPauseInsights() {
		t.Fatal("expected no pause at green")
	}

	insp.length = 75000
	m.check(context.Background())
	if !m.ShouldPauseInsights() {
		t.Fatal("expected pause at orange")
	}

	insp.length = 150000
	m.check(context.Background())
	if !m.ShouldPauseInsights() {
		t.Fatal("expected pause at red")
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	insp := &fakeInspector{length: 5}
	m := NewMonitor(Config{CheckInterval: 10 * time.Millisecond}, insp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Start to return after context cancel")
	}
}
