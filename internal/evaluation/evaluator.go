// Package evaluation tracks intra-horizon extremes of live predictions and
// finalizes them once their horizon has elapsed.
package evaluation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pump-inference/internal/observability"
	"pump-inference/internal/storage"
)

// Default configuration values.
const (
	DefaultATHInterval       = 30 * time.Second
	DefaultATHBatchSize      = 200
	DefaultFinalizeInterval  = 30 * time.Second
	DefaultBacklogInterval   = 10 * time.Second
	DefaultFinalizeBatchSize = 500
	DefaultParallelism       = 50
)

// Loop labels used in metrics and logs.
const (
	LoopATH      = "ath"
	LoopFinalize = "finalize"
)

// Options contains configuration for creating an Evaluator. Interval and
// batch funcs are read on every tick so runtime configuration applies.
type Options struct {
	Observations storage.ObservationStore
	Predictions  storage.PredictionStore
	Models       storage.ActiveModelStore
	Archive      storage.OutcomeArchive // optional

	ATHInterval       func() time.Duration
	ATHBatchSize      func() int
	FinalizeInterval  func() time.Duration
	BacklogInterval   func() time.Duration
	FinalizeBatchSize func() int
	Parallelism       int

	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Evaluator runs the ATH tracker and the finalizer.
type Evaluator struct {
	obs     storage.ObservationStore
	preds   storage.PredictionStore
	models  storage.ActiveModelStore
	archive storage.OutcomeArchive

	athInterval      func() time.Duration
	athBatch         func() int
	finalizeInterval func() time.Duration
	backlogInterval  func() time.Duration
	finalizeBatch    func() int
	parallelism      int

	metrics *observability.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

// New creates an Evaluator.
func New(opts Options) *Evaluator {
	e := &Evaluator{
		obs:              opts.Observations,
		preds:            opts.Predictions,
		models:           opts.Models,
		archive:          opts.Archive,
		athInterval:      opts.ATHInterval,
		athBatch:         opts.ATHBatchSize,
		finalizeInterval: opts.FinalizeInterval,
		backlogInterval:  opts.BacklogInterval,
		finalizeBatch:    opts.FinalizeBatchSize,
		parallelism:      opts.Parallelism,
		metrics:          opts.Metrics,
		log:              opts.Logger.With().Str("component", "evaluation").Logger(),
		now:              time.Now,
	}
	if e.athInterval == nil {
		e.athInterval = func() time.Duration { return DefaultATHInterval }
	}
	if e.athBatch == nil {
		e.athBatch = func() int { return DefaultATHBatchSize }
	}
	if e.finalizeInterval == nil {
		e.finalizeInterval = func() time.Duration { return DefaultFinalizeInterval }
	}
	if e.backlogInterval == nil {
		e.backlogInterval = func() time.Duration { return DefaultBacklogInterval }
	}
	if e.finalizeBatch == nil {
		e.finalizeBatch = func() int { return DefaultFinalizeBatchSize }
	}
	if e.parallelism <= 0 {
		e.parallelism = DefaultParallelism
	}
	if e.metrics == nil {
		e.metrics = observability.NewDiscard()
	}
	return e
}

// Run runs both loops until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.loop(ctx, LoopATH, func(ctx context.Context) (time.Duration, error) {
			_, err := e.TrackATH(ctx)
			return e.athInterval(), err
		})
	})
	g.Go(func() error {
		return e.loop(ctx, LoopFinalize, func(ctx context.Context) (time.Duration, error) {
			res, err := e.FinalizeDue(ctx)
			if res.Backlogged {
				return e.backlogInterval(), err
			}
			return e.finalizeInterval(), err
		})
	})
	return g.Wait()
}

func (e *Evaluator) loop(ctx context.Context, name string, tick func(context.Context) (time.Duration, error)) error {
	log := e.log.With().Str("loop", name).Logger()
	log.Info().Msg("evaluation loop started")

	for {
		start := time.Now()
		next, err := tick(ctx)
		e.metrics.EvaluationDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil && ctx.Err() == nil {
			e.metrics.EvaluationErrors.WithLabelValues(name).Inc()
			log.Error().Err(err).Msg("evaluation tick failed")
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("evaluation loop stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}
