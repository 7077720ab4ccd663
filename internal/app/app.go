// Package app wires together every component of the telemetry pipeline
// — C1 through C8 — into one running process: the Redis connection,
// the three streams, the two SQLite-backed stores, the metrics store,
// the fast-path consumer, the slow-path worker pool, the backpressure
// monitor, the dead-letter queue, tracing, and the ambient metrics
// server. App owns their lifecycle from construction through graceful
// shutdown.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/telemetry-core/internal/config"
	"github.com/ssw-telemetry/telemetry-core/internal/fastpath"
	"github.com/ssw-telemetry/telemetry-core/internal/obsmetrics"
	"github.com/ssw-telemetry/telemetry-core/internal/slowpath"
	"github.com/ssw-telemetry/telemetry-core/internal/sysmetrics"
	"github.com/ssw-telemetry/telemetry-core/pkg/backpressure"
	"github.com/ssw-telemetry/telemetry-core/pkg/compression"
	"github.com/ssw-telemetry/telemetry-core/pkg/deduplication"
	"github.com/ssw-telemetry/telemetry-core/pkg/derivedstore"
	"github.com/ssw-telemetry/telemetry-core/pkg/dlq"
	"github.com/ssw-telemetry/telemetry-core/pkg/metricsstore"
	"github.com/ssw-telemetry/telemetry-core/pkg/stream"
	"github.com/ssw-telemetry/telemetry-core/pkg/tracestore"
	"github.com/ssw-telemetry/telemetry-core/pkg/tracing"
	"github.com/ssw-telemetry/telemetry-core/pkg/types"
)

// shutdownDrain bounds how long Stop waits for the fast path and slow
// path to finish in-flight work after the root context is cancelled,
// per the 5s drain deadline in spec §5.
const shutdownDrain = 5 * time.Second

// App coordinates the full pipeline's lifecycle.
type App struct {
	config *config.Config
	logger *logrus.Logger

	redis *redis.Client

	ingest     *stream.Stream
	cdc        *stream.Stream
	deadLetter *stream.Stream

	traceStore   *tracestore.Store
	derivedStore *derivedstore.Store
	metricsStore *metricsstore.Store

	dedup        *deduplication.Tracker
	dlqQueue     *dlq.Queue
	backpressure *backpressure.Monitor
	tracingMgr   *tracing.Manager

	fastPath *fastpath.Consumer
	slowPath *slowpath.Pool

	obsServer    *obsmetrics.Server
	obsCollector *obsmetrics.Collector
	sysSampler   *sysmetrics.Sampler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads configuration from configFile, constructs every component,
// and wires them together, but does not start anything yet.
func New(configFile string) (*App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.App.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("initialize components: %w", err)
	}

	return app, nil
}

func (a *App) initComponents() error {
	opt, err := redis.ParseURL(a.config.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	a.redis = redis.NewClient(opt)
	if err := a.redis.Ping(a.ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	a.ingest = stream.NewFromClient(a.redis, a.config.Streams.Ingest, a.logger)
	a.cdc = stream.NewFromClient(a.redis, a.config.Streams.CDC, a.logger)
	a.deadLetter = stream.NewFromClient(a.redis, a.config.Streams.DeadLetter, a.logger)

	a.traceStore, err = tracestore.Open(a.config.TraceStore, compression.NewCodec(), a.logger)
	if err != nil {
		return fmt.Errorf("open trace store: %w", err)
	}

	a.derivedStore, err = derivedstore.Open(a.traceStore.DB(), a.logger)
	if err != nil {
		return fmt.Errorf("open derived store: %w", err)
	}

	a.metricsStore = metricsstore.NewFromClient(a.redis, a.config.MetricsStore, a.logger)

	a.dedup = deduplication.New(a.config.Dedup, a.logger)
	a.dlqQueue = dlq.New(a.config.DLQ, a.deadLetter, a.metricsStore, a.logger)
	a.backpressure = backpressure.NewMonitor(a.config.Backpressure, a.cdc, a.logger)
	a.backpressure.SetLevelChangeCallback(func(_, current types.BackpressureLevel) {
		obsmetrics.SetBackpressure(int(current), a.backpressure.Stats().QueueLength)
	})

	a.tracingMgr, err = tracing.NewManager(a.config.Tracing, a.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	if err := a.ingest.EnsureGroup(a.ctx, a.config.FastPath.Group); err != nil {
		return fmt.Errorf("ensure fast path consumer group: %w", err)
	}
	a.fastPath = fastpath.New(a.config.FastPath, a.ingest, a.cdc, a.traceStore, a.dlqQueue, a.logger)

	a.slowPath = slowpath.New(a.config.SlowPath, a.cdc, a.traceStore, a.derivedStore, a.metricsStore, a.dedup, a.backpressure, a.logger)

	a.obsServer = obsmetrics.NewServer(a.config.Obs.Addr, a.logger)
	a.obsCollector = obsmetrics.NewCollector(a.config.Obs.CollectorInterval, a.logger)
	a.sysSampler = sysmetrics.New(a.config.Obs.CollectorInterval, a.metricsStore, a.logger)

	return nil
}

// Start launches every background component. It does not block.
func (a *App) Start() error {
	a.logger.WithField("app", a.config.App.Name).Info("starting telemetry pipeline")

	a.obsServer.Start()
	a.obsCollector.Start(a.ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.backpressure.Start(a.ctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.fastPath.Run(a.ctx); err != nil && a.ctx.Err() == nil {
			a.logger.WithError(err).Error("fast path consumer stopped unexpectedly")
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.slowPath.Run(a.ctx); err != nil && a.ctx.Err() == nil {
			a.logger.WithError(err).Error("slow path pool stopped unexpectedly")
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.dlqQueue.Run(a.ctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sysSampler.Start(a.ctx)
	}()

	a.logger.Info("telemetry pipeline started")
	return nil
}

// Stop cancels the pipeline's context, waits up to shutdownDrain for
// the fast and slow paths to finish whatever batch or task they were
// mid-flight on, and then closes every handle regardless of whether
// the drain completed in time.
func (a *App) Stop() error {
	a.logger.Info("stopping telemetry pipeline")
	a.cancel()

	drained := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		a.logger.Info("pipeline drained cleanly")
	case <-time.After(shutdownDrain):
		a.logger.Warn("shutdown drain deadline exceeded, closing stores anyway")
	}

	a.dedup.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.tracingMgr.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Error("failed to shut down tracing manager")
	}

	if err := a.obsServer.Stop(shutdownCtx); err != nil {
		a.logger.WithError(err).Error("failed to stop metrics server")
	}
	a.obsCollector.Stop()

	// derivedStore shares the trace store's *sql.DB and has no Close of
	// its own; closing traceStore below closes both.
	if err := a.traceStore.Close(); err != nil {
		a.logger.WithError(err).Error("failed to close trace store")
	}
	if err := a.redis.Close(); err != nil {
		a.logger.WithError(err).Error("failed to close redis client")
	}

	a.logger.Info("telemetry pipeline stopped")
	return nil
}

// Run starts the pipeline and blocks until SIGINT/SIGTERM, then
// performs graceful shutdown.
func (a *App) Run() error {
	if err := a.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	a.logger.Info("shutdown signal received")

	return a.Stop()
}
