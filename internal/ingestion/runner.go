// Package ingestion polls coin_metrics for new observations and drives
// the dispatcher.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pump-inference/internal/dispatch"
	"pump-inference/internal/domain"
	"pump-inference/internal/observability"
	"pump-inference/internal/storage"
)

// Default configuration values.
const (
	DefaultPollInterval = 30 * time.Second
	DefaultBatchSize    = 50
	RecoveryFloor       = 24 * time.Hour
)

// Dispatcher processes a tick's tasks.
type Dispatcher interface {
	Dispatch(ctx context.Context, tasks []dispatch.Task) ([]dispatch.Outcome, error)
}

// RunnerOptions contains configuration for creating a Runner.
type RunnerOptions struct {
	Observations storage.ObservationStore
	Predictions  storage.PredictionStore
	Models       *ModelSet
	Dispatcher   Dispatcher
	Heartbeat    *Heartbeat
	// PollInterval and BatchSize are read every tick so runtime
	// configuration changes apply.
	PollInterval func() time.Duration
	BatchSize    func() int
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
}

// TickResult summarizes one tick.
type TickResult struct {
	Models       int
	Observations int
	Tasks        int
	Stored       int
	Skipped      map[domain.SkipReason]int
	Watermark    time.Time
}

// Runner owns the watermark and runs the polling loop.
type Runner struct {
	obs        storage.ObservationStore
	preds      storage.PredictionStore
	models     *ModelSet
	dispatcher Dispatcher
	heartbeat  *Heartbeat
	interval   func() time.Duration
	batchSize  func() int
	metrics    *observability.Metrics
	log        zerolog.Logger
	now        func() time.Time

	mu        sync.RWMutex
	cursor    storage.Cursor
	recovered bool
}

// NewRunner creates a new ingestion runner.
func NewRunner(opts RunnerOptions) *Runner {
	r := &Runner{
		obs:        opts.Observations,
		preds:      opts.Predictions,
		models:     opts.Models,
		dispatcher: opts.Dispatcher,
		heartbeat:  opts.Heartbeat,
		interval:   opts.PollInterval,
		batchSize:  opts.BatchSize,
		metrics:    opts.Metrics,
		log:        opts.Logger.With().Str("component", "ingestion").Logger(),
		now:        time.Now,
	}
	if r.interval == nil {
		r.interval = func() time.Duration { return DefaultPollInterval }
	}
	if r.batchSize == nil {
		r.batchSize = func() int { return DefaultBatchSize }
	}
	if r.heartbeat == nil {
		r.heartbeat = NewHeartbeat(r.now())
	}
	if r.metrics == nil {
		r.metrics = observability.NewDiscard()
	}
	return r
}

// Watermark returns the newest observation timestamp dispatched.
func (r *Runner) Watermark() time.Time {
	return r.Cursor().Timestamp
}

// Cursor returns the (timestamp, mint) position of the last dispatched row.
func (r *Runner) Cursor() storage.Cursor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cursor
}

// Heartbeat returns the runner's heartbeat.
func (r *Runner) Heartbeat() *Heartbeat {
	return r.heartbeat
}

func (r *Runner) setWatermark(t time.Time) {
	r.setCursor(storage.Cursor{Timestamp: t})
}

func (r *Runner) setCursor(c storage.Cursor) {
	r.mu.Lock()
	r.cursor = c
	r.recovered = true
	r.mu.Unlock()
	r.metrics.Watermark.Set(float64(c.Timestamp.Unix()))
}

// Recover sets the initial watermark from the newest prediction of an
// active model, else one day before the newest observation.
func (r *Runner) Recover(ctx context.Context) error {
	ts, err := r.preds.MaxLiveModelTimestamp(ctx)
	if err == nil {
		r.setWatermark(ts)
		r.log.Info().Time("watermark", ts).Msg("watermark recovered from predictions")
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("recover watermark: %w", err)
	}

	ts, err = r.obs.MaxTimestamp(ctx)
	switch {
	case err == nil:
		ts = ts.Add(-RecoveryFloor)
	case errors.Is(err, storage.ErrNotFound):
		ts = r.now().UTC().Add(-RecoveryFloor)
	default:
		return fmt.Errorf("recover watermark: %w", err)
	}
	r.setWatermark(ts)
	r.log.Info().Time("watermark", ts).Msg("watermark set from observation floor")
	return nil
}

// Run polls until ctx is cancelled. A tick in progress when ctx is
// cancelled finishes its dispatch before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info().Dur("interval", r.interval()).Int("batch_size", r.batchSize()).Msg("ingestion started")

	for {
		if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("tick skipped")
		}

		timer := time.NewTimer(r.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			r.log.Info().Time("watermark", r.Watermark()).Msg("ingestion stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tick runs one polling cycle: it reads each mint's latest row after the
// cursor, hands them to the dispatcher with every active model and moves
// the cursor to the last row read. On a store error nothing is dispatched
// and the cursor is kept.
func (r *Runner) Tick(ctx context.Context) (res TickResult, err error) {
	defer func() {
		r.heartbeat.Beat(r.now())
		r.metrics.LastHeartbeat.Set(float64(r.heartbeat.Last().Unix()))
		result := "ok"
		if err != nil {
			result = "error"
		}
		r.metrics.IngestTicks.WithLabelValues(result).Inc()
	}()

	r.mu.RLock()
	recovered := r.recovered
	r.mu.RUnlock()
	if !recovered {
		if err := r.Recover(ctx); err != nil {
			return res, err
		}
	}

	snap, err := r.models.Get(ctx)
	if err != nil {
		if snap == nil {
			return res, fmt.Errorf("load active models: %w", err)
		}
		r.log.Warn().Err(err).Msg("model refresh failed, using previous snapshot")
	}
	r.metrics.ActiveModels.Set(float64(len(snap.Models)))

	cur := r.Cursor()
	res.Watermark = cur.Timestamp
	res.Models = len(snap.Models)
	if len(snap.Models) == 0 {
		return res, nil
	}

	rows, err := r.obs.LatestAfter(ctx, cur, r.batchSize())
	if err != nil {
		return res, fmt.Errorf("fetch observations: %w", err)
	}
	res.Observations = len(rows)
	r.metrics.ObservationsFetched.Add(float64(len(rows)))
	if len(rows) == 0 {
		return res, nil
	}

	// every model sees every row; the dispatcher drops and counts the
	// pairs a model's whitelist or phases exclude
	tasks := make([]dispatch.Task, len(rows))
	for i, o := range rows {
		tasks[i] = dispatch.Task{Observation: o, Models: snap.Models}
	}
	res.Tasks = len(tasks)

	outcomes, err := r.dispatcher.Dispatch(context.WithoutCancel(ctx), tasks)
	if err != nil {
		return res, fmt.Errorf("dispatch: %w", err)
	}

	res.Skipped = make(map[domain.SkipReason]int)
	for _, o := range outcomes {
		if o.Stored {
			res.Stored++
		} else if o.Skip != domain.SkipNone {
			res.Skipped[o.Skip]++
		}
	}

	// rows sharing the last timestamp beyond the batch are picked up by
	// the mint half of the cursor
	last := rows[len(rows)-1]
	next := storage.Cursor{Timestamp: last.Timestamp, Mint: last.Mint}
	r.setCursor(next)
	res.Watermark = next.Timestamp

	r.log.Info().
		Int("models", res.Models).
		Int("observations", res.Observations).
		Int("tasks", res.Tasks).
		Int("stored", res.Stored).
		Interface("skipped", res.Skipped).
		Time("watermark", res.Watermark).
		Msg("tick complete")
	return res, nil
}
