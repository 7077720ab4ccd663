// Package workerpool provides a small fixed-size goroutine pool used by
// internal/slowpath to run each worker class's consumer loop with a
// bounded number of concurrent record handlers.
package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is one unit of work submitted to the pool.
type Task struct {
	ID      string
	Execute func(ctx context.Context) error
	Created time.Time
}

// Worker is one goroutine in the pool, each with its own single-slot
// task channel; the dispatcher hands each task to the first worker (by
// index) with a free slot, and waits on worker 0 when none is free.
type Worker struct {
	ID       int
	pool     *WorkerPool
	taskChan chan Task
	quit     chan bool
	active   int64
	logger   *logrus.Logger
}

// WorkerPool runs a fixed number of reusable workers fed by a single
// dispatcher goroutine.
type WorkerPool struct {
	workers   []*Worker
	taskQueue chan Task
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *logrus.Logger
	config    Config

	totalTasks     int64
	activeTasks    int64
	completedTasks int64
	failedTasks    int64

	isRunning bool
	mutex     sync.RWMutex
}

// Config configures pool sizing and timeouts.
type Config struct {
	MaxWorkers      int           `yaml:"max_workers"`
	QueueSize       int           `yaml:"queue_size"`
	WorkerTimeout   time.Duration `yaml:"worker_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = runtime.NumCPU()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.MaxWorkers * 10
	}
	if c.WorkerTimeout == 0 {
		c.WorkerTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// New builds a WorkerPool; call Start to spin up its goroutines.
func New(config Config, logger *logrus.Logger) *WorkerPool {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		config:    config,
		workers:   make([]*Worker, 0, config.MaxWorkers),
	}

	for i := 0; i < config.MaxWorkers; i++ {
		pool.workers = append(pool.workers, &Worker{
			ID:       i,
			pool:     pool,
			taskChan: make(chan Task, 1),
			quit:     make(chan bool),
			logger:   logger,
		})
	}

	return pool
}

// Start launches the worker and dispatcher goroutines.
func (wp *WorkerPool) Start() error {
	wp.mutex.Lock()
	defer wp.mutex.Unlock()

	if wp.isRunning {
		return nil
	}

	if wp.logger != nil {
		wp.logger.WithFields(logrus.Fields{
			"max_workers": wp.config.MaxWorkers,
			"queue_size":  wp.config.QueueSize,
		}).Info("worker pool starting")
	}

	for _, worker := range wp.workers {
		wp.wg.Add(1)
		go worker.run()
	}

	wp.wg.Add(1)
	go wp.dispatcher()

	wp.isRunning = true
	return nil
}

// Stop cancels in-flight work and waits up to ShutdownTimeout for a
// graceful drain, matching spec §5's bounded shutdown deadline.
func (wp *WorkerPool) Stop() error {
	wp.mutex.Lock()
	defer wp.mutex.Unlock()

	if !wp.isRunning {
		return nil
	}

	wp.cancel()
	for _, worker := range wp.workers {
		close(worker.quit)
	}

	done := make(chan bool)
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if wp.logger != nil {
			wp.logger.Info("worker pool stopped")
		}
	case <-time.After(wp.config.ShutdownTimeout):
		if wp.logger != nil {
			wp.logger.Warn("worker pool shutdown timed out")
		}
	}

	wp.isRunning = false
	return nil
}

// Submit enqueues a task, failing fast if the queue is full.
func (wp *WorkerPool) Submit(task Task) error {
	if !wp.isRunning {
		return ErrPoolNotRunning
	}

	task.Created = time.Now()
	atomic.AddInt64(&wp.totalTasks, 1)

	select {
	case wp.taskQueue <- task:
		return nil
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	default:
		atomic.AddInt64(&wp.failedTasks, 1)
		return ErrQueueFull
	}
}

// SubmitWithTimeout enqueues a task, blocking up to timeout if the
// queue is momentarily full.
func (wp *WorkerPool) SubmitWithTimeout(task Task, timeout time.Duration) error {
	if !wp.isRunning {
		return ErrPoolNotRunning
	}

	task.Created = time.Now()
	atomic.AddInt64(&wp.totalTasks, 1)

	select {
	case wp.taskQueue <- task:
		return nil
	case <-time.After(timeout):
		atomic.AddInt64(&wp.failedTasks, 1)
		return ErrTimeout
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	}
}

// Stats returns a snapshot of pool counters.
func (wp *WorkerPool) Stats() Stats {
	return Stats{
		MaxWorkers:     wp.config.MaxWorkers,
		ActiveWorkers:  wp.activeWorkers(),
		QueuedTasks:    len(wp.taskQueue),
		QueueSize:      wp.config.QueueSize,
		TotalTasks:     atomic.LoadInt64(&wp.totalTasks),
		ActiveTasks:    atomic.LoadInt64(&wp.activeTasks),
		CompletedTasks: atomic.LoadInt64(&wp.completedTasks),
		FailedTasks:    atomic.LoadInt64(&wp.failedTasks),
		IsRunning:      wp.isRunning,
	}
}

func (wp *WorkerPool) dispatcher() {
	defer wp.wg.Done()
	for {
		select {
		case task := <-wp.taskQueue:
			wp.assign(task)
		case <-wp.ctx.Done():
			return
		}
	}
}

func (wp *WorkerPool) assign(task Task) {
	for _, worker := range wp.workers {
		select {
		case worker.taskChan <- task:
			return
		default:
			continue
		}
	}

	select {
	case wp.workers[0].taskChan <- task:
	case <-wp.ctx.Done():
		atomic.AddInt64(&wp.failedTasks, 1)
	}
}

func (wp *WorkerPool) activeWorkers() int {
	active := 0
	for _, worker := range wp.workers {
		if atomic.LoadInt64(&worker.active) > 0 {
			active++
		}
	}
	return active
}

func (w *Worker) run() {
	defer w.pool.wg.Done()
	for {
		select {
		case task := <-w.taskChan:
			w.execute(task)
		case <-w.quit:
			return
		case <-w.pool.ctx.Done():
			return
		}
	}
}

func (w *Worker) execute(task Task) {
	atomic.StoreInt64(&w.active, 1)
	atomic.AddInt64(&w.pool.activeTasks, 1)
	defer func() {
		atomic.StoreInt64(&w.active, 0)
		atomic.AddInt64(&w.pool.activeTasks, -1)
	}()

	taskCtx, cancel := context.WithTimeout(w.pool.ctx, w.pool.config.WorkerTimeout)
	defer cancel()

	start := time.Now()
	err := task.Execute(taskCtx)
	duration := time.Since(start)

	if err != nil {
		atomic.AddInt64(&w.pool.failedTasks, 1)
		if w.logger != nil {
			w.logger.WithFields(logrus.Fields{
				"worker_id": w.ID,
				"task_id":   task.ID,
				"duration":  duration,
				"error":     err,
			}).Error("task failed")
		}
		return
	}
	atomic.AddInt64(&w.pool.completedTasks, 1)
}

// Stats is a snapshot of pool activity.
type Stats struct {
	MaxWorkers     int
	ActiveWorkers  int
	QueuedTasks    int
	QueueSize      int
	TotalTasks     int64
	ActiveTasks    int64
	CompletedTasks int64
	FailedTasks    int64
	IsRunning      bool
}

var (
	ErrPoolNotRunning = fmt.Errorf("worker pool is not running")
	ErrQueueFull      = fmt.Errorf("task queue is full")
	ErrTimeout        = fmt.Errorf("task submission timeout")
)
