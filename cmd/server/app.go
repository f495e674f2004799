package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pump-inference/internal/api"
	"pump-inference/internal/config"
	"pump-inference/internal/dispatch"
	"pump-inference/internal/evaluation"
	"pump-inference/internal/events"
	"pump-inference/internal/features"
	"pump-inference/internal/ingestion"
	"pump-inference/internal/logging"
	"pump-inference/internal/maintenance"
	"pump-inference/internal/model"
	"pump-inference/internal/observability"
	"pump-inference/internal/scancache"
	"pump-inference/internal/storage"
	chstore "pump-inference/internal/storage/clickhouse"
	"pump-inference/internal/storage/memory"
	"pump-inference/internal/storage/migrations"
	pgstore "pump-inference/internal/storage/postgres"
	"pump-inference/internal/training"
	"pump-inference/internal/webhook"
)

type appOptions struct {
	UseMemory bool
	Migrate   bool
}

// stores is the storage set the components share.
type stores struct {
	observations storage.ObservationStore
	models       storage.ActiveModelStore
	predictions  storage.PredictionStore
	webhookLogs  storage.WebhookLogStore
	archive      storage.OutcomeArchive // nil without ClickHouse
	ping         func(ctx context.Context) error
	closers      []func() error
}

// app holds every long-running component of the service.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	stores  *stores
	sender  *webhook.Sender
	fanout  *events.Fanout
	runner  *ingestion.Runner
	eval    *evaluation.Evaluator
	maint   *maintenance.Scheduler
	server  *api.Server
	stale   time.Duration
	// loops run until their context is cancelled; the ingestion runner
	// is watched separately
	loops []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("service", cfg.ServiceName).Logger()
	metrics := observability.NewMetrics(namespace(cfg.ServiceName), prometheus.DefaultRegisterer)
	rt := config.NewRuntime(cfg.ConfigFile, cfg.Runtime, cfg.Runtime)

	st, err := openStores(ctx, cfg, opts, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logger, stores: st, stale: time.Duration(cfg.WatchdogStaleSeconds) * time.Second}

	trainer := training.NewClient(cfg.TrainingServiceURL,
		training.WithTimeout(cfg.TrainingTimeout),
		training.WithRateLimit(cfg.TrainingRatePerSec),
	)
	cache, err := model.NewCache(model.CacheOptions{
		StorageDir: cfg.ModelStoragePath,
		Capacity:   cfg.ModelCacheSize,
		Downloader: trainer,
		Models:     st.models,
		RetryAfter: time.Duration(cfg.ModelRetrySeconds) * time.Second,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create model cache: %w", err)
	}

	builder := features.NewBuilder(features.Options{
		Observations:    st.observations,
		HistoryLimit:    cfg.FeatureHistoryLimit,
		MaxMissingRatio: func() float64 { return rt.Get().MaxMissingFeatureRatio },
		Metrics:         metrics,
	})

	a.sender = webhook.NewSender(webhook.Options{
		Logs:       st.webhookLogs,
		DefaultURL: func() string { return rt.Get().DefaultWebhookURL },
		Timeout:    func() time.Duration { return rt.Get().WebhookTimeout() },
		Service:    cfg.ServiceName,
		Version:    version,
		Metrics:    metrics,
		Logger:     logger,
	})

	hub := events.NewHub(metrics, logging.Component(logger, "live_feed"))
	sinks := []events.Sink{hub}
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		kp, err := events.NewKafkaPublisher(brokers, cfg.KafkaTopic)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create kafka publisher: %w", err)
		}
		sinks = append(sinks, kp)
	}
	a.fanout = events.NewFanout(metrics, logging.Component(logger, "events"), sinks...)

	scanStore, err := openScanCache(ctx, cfg, st)
	if err != nil {
		a.Close()
		return nil, err
	}

	dispatcher := dispatch.New(dispatch.Options{
		Predictions: st.predictions,
		Models:      st.models,
		Features:    builder,
		Predictor:   model.NewPredictor(cache, metrics),
		Scans:       scancache.NewTracker(scanStore, st.predictions),
		Webhooks:    a.sender,
		Events:      a.fanout,
		Workers:     cfg.InferenceWorkers,
		Metrics:     metrics,
		Logger:      logger,
	})

	modelSet := ingestion.NewModelSet(st.models, time.Duration(cfg.ModelRefreshSeconds)*time.Second)
	a.runner = ingestion.NewRunner(ingestion.RunnerOptions{
		Observations: st.observations,
		Predictions:  st.predictions,
		Models:       modelSet,
		Dispatcher:   dispatcher,
		PollInterval: func() time.Duration { return rt.Get().PollInterval() },
		BatchSize:    func() int { return rt.Get().BatchSize },
		Metrics:      metrics,
		Logger:       logger,
	})

	a.eval = evaluation.New(evaluation.Options{
		Observations:      st.observations,
		Predictions:       st.predictions,
		Models:            st.models,
		Archive:           st.archive,
		ATHInterval:       func() time.Duration { return rt.Get().ATHInterval() },
		ATHBatchSize:      func() int { return rt.Get().ATHBatchSize },
		FinalizeInterval:  func() time.Duration { return rt.Get().FinalizeInterval() },
		BacklogInterval:   func() time.Duration { return rt.Get().FinalizeBacklogInterval() },
		FinalizeBatchSize: func() int { return rt.Get().FinalizeBatchSize },
		Parallelism:       cfg.FinalizeParallelism,
		Metrics:           metrics,
		Logger:            logger,
	})

	a.maint, err = maintenance.New(maintenance.Options{
		WebhookLogs:   st.webhookLogs,
		RetentionDays: cfg.WebhookLogRetentionDays,
		Schedule:      cfg.MaintenanceCron,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.server = api.NewServer(api.Options{
		Addr:         cfg.HTTPAddr,
		Models:       st.models,
		Predictions:  st.predictions,
		Observations: st.observations,
		WebhookLogs:  st.webhookLogs,
		Archive:      st.archive,
		Catalog:      trainer,
		Artifacts:    cache,
		Dispatcher:   dispatcher,
		Snapshots:    modelSet,
		Runtime:      rt,
		Ingestion:    a.runner,
		Ping:         st.ping,
		StaleAfter:   a.stale,
		Metrics:      metrics,
		LiveFeed:     hub,
		Logger:       logger,
	})

	drain := time.Duration(cfg.DrainSeconds) * time.Second
	a.loops = []func(context.Context) error{
		a.runner.Run,
		a.eval.Run,
		a.maint.Run,
		func(ctx context.Context) error { return a.server.Run(ctx, drain) },
	}
	return a, nil
}

// Run blocks until ctx is cancelled or a component fails. When the
// ingestion heartbeat goes stale Run stops waiting for the components
// after the drain period and returns ingestion.ErrStalled, since a hung
// tick cannot be interrupted.
func (a *app) Run(ctx context.Context) error {
	drain := time.Duration(a.cfg.DrainSeconds) * time.Second
	a.log.Info().
		Str("version", version).
		Str("addr", a.cfg.HTTPAddr).
		Bool("archive", a.stores.archive != nil).
		Msg("service starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, loop := range a.loops {
		g.Go(func() error { return loop(gctx) })
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	stalled := make(chan error, 1)
	go func() { stalled <- ingestion.Watch(gctx, a.runner.Heartbeat(), a.stale, 0, nil) }()

	var err error
	select {
	case err = <-done:
	case werr := <-stalled:
		if !errors.Is(werr, ingestion.ErrStalled) {
			err = <-done
			break
		}
		err = werr
		a.log.Error().Err(err).Msg("ingestion stalled, exiting")
		cancel()
		select {
		case <-done:
		case <-time.After(drain):
			a.log.Warn().Dur("drain", drain).Msg("components still running after drain period")
		}
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drain)
	defer cancelDrain()
	if derr := a.sender.Drain(drainCtx); derr != nil {
		a.log.Warn().Err(derr).Msg("webhook deliveries abandoned at shutdown")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.log.Info().Time("watermark", a.runner.Watermark()).Msg("shutdown complete")
	return nil
}

// Close releases event sinks and storage connections.
func (a *app) Close() {
	if a.fanout != nil {
		if err := a.fanout.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close event sinks")
		}
	}
	for i := len(a.stores.closers) - 1; i >= 0; i-- {
		if err := a.stores.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close storage")
		}
	}
}

func openStores(ctx context.Context, cfg *config.Config, opts appOptions, logger zerolog.Logger) (*stores, error) {
	if opts.UseMemory {
		mem := memory.NewStores()
		logger.Warn().Msg("using in-memory storage, data is lost on exit")
		return &stores{
			observations: mem.Observations,
			models:       mem.Models,
			predictions:  mem.Predictions,
			webhookLogs:  mem.WebhookLogs,
			archive:      mem.Archive,
			ping:         func(context.Context) error { return nil },
		}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.DBDSN, poolConfig(cfg))
	if err != nil {
		return nil, err
	}
	st := &stores{
		observations: pgstore.NewObservationStore(pool),
		models:       pgstore.NewActiveModelStore(pool),
		predictions:  pgstore.NewPredictionStore(pool),
		webhookLogs:  pgstore.NewWebhookLogStore(pool),
		ping:         pool.Healthy,
		closers:      []func() error{func() error { pool.Close(); return nil }},
	}

	if opts.Migrate {
		v, err := migrations.RunPostgresMigrations(pool, migrations.Up)
		if err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info().Uint("version", v).Msg("postgres migrations applied")
	}

	if cfg.ClickhouseDSN != "" {
		var conn *chstore.Conn
		if opts.Migrate {
			conn, err = migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
		} else {
			conn, err = chstore.NewConn(ctx, cfg.ClickhouseDSN)
		}
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("connect clickhouse: %w", err)
		}
		st.archive = chstore.NewOutcomeArchive(conn)
		st.closers = append(st.closers, conn.Close)
	}
	return st, nil
}

// openScanCache returns the Redis-backed scan cache when REDIS_ADDR is set.
func openScanCache(ctx context.Context, cfg *config.Config, st *stores) (scancache.Store, error) {
	if cfg.RedisAddr == "" {
		return scancache.NewMemoryStore(scancache.DefaultTTL), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	st.closers = append(st.closers, client.Close)
	return scancache.NewRedisStore(client, scancache.DefaultTTL), nil
}

func poolConfig(cfg *config.Config) pgstore.PoolConfig {
	return pgstore.PoolConfig{
		MinConns:        cfg.DBMinConns,
		MaxConns:        cfg.DBMaxConns,
		QueryTimeout:    cfg.DBQueryTimeout,
		ApplicationName: cfg.ServiceName,
	}
}

// namespace turns a service name into a Prometheus namespace.
func namespace(service string) string {
	out := []byte(service)
	for i, c := range out {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			out[i] = '_'
		}
	}
	return string(out)
}
