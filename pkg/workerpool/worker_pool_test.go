package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitExecutesTask(t *testing.T) {
	wp := New(Config{MaxWorkers: 2, QueueSize: 4}, nil)
	if err := wp.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer wp.Stop()

	var ran int64
	done := make(chan struct{})
	err := wp.Submit(Task{ID: "t1", Execute: func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		close(done)
		return nil
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	if atomic.LoadInt64(&ran) != 1 {
		t.Fatalf("expected task to run once, got %d", ran)
	}
}

func TestSubmitFailsWhenNotRunning(t *testing.T) {
	wp := New(Config{MaxWorkers: 1}, nil)
	err := wp.Submit(Task{ID: "t1", Execute: func(ctx context.Context) error { return nil }})
	if err != ErrPoolNotRunning {
		t.Fatalf("expected ErrPoolNotRunning, got %v", err)
	}
}

func TestStopDrainsWithinShutdownTimeout(t *testing.T) {
	wp := New(Config{MaxWorkers: 1, ShutdownTimeout: time.Second}, nil)
	if err := wp.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := wp.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if wp.Stats().IsRunning {
		t.Fatal("expected pool to report stopped")
	}
}

func TestStatsReflectCompletedTasks(t *testing.T) {
	wp := New(Config{MaxWorkers: 1, QueueSize: 2}, nil)
	if err := wp.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer wp.Stop()

	done := make(chan struct{})
	_ = wp.Submit(Task{ID: "t1", Execute: func(ctx context.Context) error {
		close(done)
		return nil
	}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	time.Sleep(10 * time.Millisecond)

	if wp.Stats().CompletedTasks != 1 {
		t.Fatalf("expected 1 completed task, got %d", wp.Stats().CompletedTasks)
	}
}
