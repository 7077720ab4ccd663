// Package obsmetrics is the pipeline's own ambient Prometheus surface —
// distinct from pkg/metricsstore, which is C3, the domain metrics
// product this service derives from telemetry events. obsmetrics answers
// "is the pipeline itself healthy", not "what did the assistant do".
package obsmetrics

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	EventsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_core_events_ingested_total",
			Help: "Total number of events accepted from the ingest stream",
		},
		[]string{"platform"},
	)

	EventsMalformedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_core_events_malformed_total",
			Help: "Total number of ingest entries dropped as malformed",
		},
		[]string{"stage"},
	)

	BatchesFlushedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_core_batches_flushed_total",
			Help: "Total number of fast-path batches flushed to the trace store",
		},
	)

	BatchFlushSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_core_batch_flush_size",
			Help:    "Number of events in each flushed fast-path batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	BatchFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_core_batch_flush_duration_seconds",
			Help:    "Time spent appending and publishing one fast-path batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	CDCPublishFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_core_cdc_publish_failures_total",
			Help: "Total number of fire-and-forget CDC publish failures",
		},
	)

	DerivationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_core_derivation_errors_total",
			Help: "Total number of slow-path derivation errors, by worker class",
		},
		[]string{"worker_class"},
	)

	DLQMovesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_core_dlq_moves_total",
			Help: "Total number of entries moved to the dead letter stream",
		},
		[]string{"reason"},
	)

	BackpressureLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_core_backpressure_level",
			Help: "Current backpressure band (0=green, 1=yellow, 2=orange, 3=red)",
		},
	)

	CDCQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_core_cdc_queue_length",
			Help: "Current length of the CDC stream, as last observed by the backpressure monitor",
		},
	)

	WorkerPoolActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetry_core_worker_pool_active",
			Help: "Active workers per worker class",
		},
		[]string{"worker_class"},
	)

	WorkerPoolQueued = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetry_core_worker_pool_queued",
			Help: "Queued tasks per worker class",
		},
		[]string{"worker_class"},
	)

	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetry_core_memory_usage_bytes",
			Help: "Process memory usage in bytes by category",
		},
		[]string{"type"},
	)

	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_core_goroutines",
			Help: "Current number of goroutines",
		},
	)

	GCPauseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_core_gc_pause_duration_seconds",
			Help:    "Garbage collection pause duration",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	FileDescriptors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_core_file_descriptors_open",
			Help: "Number of open file descriptors",
		},
	)
)

// RecordEventIngested increments the per-platform ingest counter.
func RecordEventIngested(platform string) { EventsIngestedTotal.WithLabelValues(platform).Inc() }

// RecordMalformed increments the malformed-entry counter for a pipeline stage.
func RecordMalformed(stage string) { EventsMalformedTotal.WithLabelValues(stage).Inc() }

// RecordBatchFlush records one fast-path flush's size and duration.
func RecordBatchFlush(size int, d time.Duration) {
	BatchesFlushedTotal.Inc()
	BatchFlushSize.Observe(float64(size))
	BatchFlushDuration.Observe(d.Seconds())
}

// RecordDerivationError increments the per-worker-class derivation error counter.
func RecordDerivationError(workerClass string) {
	DerivationErrorsTotal.WithLabelValues(workerClass).Inc()
}

// RecordDLQMove increments the dead-letter move counter for a reason.
func RecordDLQMove(reason string) { DLQMovesTotal.WithLabelValues(reason).Inc() }

// SetBackpressure records the current band and the queue length it was
// computed from.
func SetBackpressure(level int, queueLength int64) {
	BackpressureLevel.Set(float64(level))
	CDCQueueLength.Set(float64(queueLength))
}

// SetWorkerPoolStats records a worker class's current active/queued counts.
func SetWorkerPoolStats(workerClass string, active, queued int) {
	WorkerPoolActive.WithLabelValues(workerClass).Set(float64(active))
	WorkerPoolQueued.WithLabelValues(workerClass).Set(float64(queued))
}

// Collector periodically samples Go runtime statistics into the gauges
// above, the way the teacher's enhanced metrics loop samples heap/GC/FD
// state every 30s.
type Collector struct {
	interval time.Duration
	logger   *logrus.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewCollector builds a runtime stats collector. A non-positive interval
// defaults to 30s.
func NewCollector(interval time.Duration, logger *logrus.Logger) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{interval: interval, logger: logger}
}

// Start begins the periodic sampling loop; it is safe to call Stop
// without ever calling Start.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	go c.loop(ctx)
}

// Stop halts the sampling loop.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running && c.cancel != nil {
		c.cancel()
		c.running = false
	}
}

func (c *Collector) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *Collector) sample() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.WithLabelValues("heap_alloc").Set(float64(m.HeapAlloc))
	MemoryUsage.WithLabelValues("heap_sys").Set(float64(m.HeapSys))
	MemoryUsage.WithLabelValues("heap_idle").Set(float64(m.HeapIdle))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
	Goroutines.Set(float64(runtime.NumGoroutine()))

	if m.NumGC > 0 {
		lastPauseNs := m.PauseNs[(m.NumGC+255)%256]
		GCPauseDuration.Observe(float64(lastPauseNs) / 1e9)
	}

	if fds := openFileDescriptors(); fds >= 0 {
		FileDescriptors.Set(float64(fds))
	}
}

func openFileDescriptors() int {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return -1
	}
	return len(entries)
}

// Server exposes /metrics and /healthz over HTTP.
type Server struct {
	server *http.Server
	logger *logrus.Logger
}

// NewServer builds a metrics/health HTTP server bound to addr. Routing
// uses gorilla/mux, the same router the teacher's own HTTP surfaces are
// built on, even though this internal surface only ever needs two fixed
// routes.
func NewServer(addr string, logger *logrus.Logger) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		logger: logger,
	}
}

// Start serves in the background; listen errors are logged, not returned,
// since the caller has already moved on to the blocking part of startup.
func (s *Server) Start() {
	if s.logger != nil {
		s.logger.WithField("addr", s.server.Addr).Info("starting metrics server")
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.WithError(err).Error("metrics server error")
			}
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.logger != nil {
		s.logger.Info("stopping metrics server")
	}
	return s.server.Shutdown(ctx)
}

// Addr reports the configured listen address (host:port), for logging.
func (s *Server) Addr() string { return s.server.Addr }
