// Package dispatch turns (observation, model) pairs into stored
// predictions and forwards them.
package dispatch

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pump-inference/internal/domain"
	"pump-inference/internal/events"
	"pump-inference/internal/features"
	"pump-inference/internal/model"
	"pump-inference/internal/observability"
	"pump-inference/internal/scancache"
	"pump-inference/internal/storage"
	"pump-inference/internal/webhook"
)

// FeatureBuilder derives a model's input vector.
type FeatureBuilder interface {
	Build(ctx context.Context, coinID string, tRef time.Time, m *domain.ActiveModel) (*features.Vector, error)
}

// Predictor applies a model to a vector.
type Predictor interface {
	Predict(ctx context.Context, m *domain.ActiveModel, x []float64) (model.Result, error)
}

// Notifier forwards predictions to webhooks without blocking.
type Notifier interface {
	Dispatch(coinID string, observedAt time.Time, items []webhook.Item)
}

// Publisher streams produced predictions.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event)
}

// Task is one observation and the models to run against it.
type Task struct {
	Observation *domain.Observation
	Models      []*domain.ActiveModel
}

// Outcome is the result of one (observation, model) pair.
type Outcome struct {
	ModelID    int64
	CoinID     string
	Timestamp  time.Time
	Skip       domain.SkipReason
	Prediction *domain.Prediction // nil when skipped before inference
	Stored     bool
	Forwarded  bool // handed to the webhook sender
	Err        error
}

// Options configures Dispatcher.
type Options struct {
	Predictions storage.PredictionStore
	Models      storage.ActiveModelStore
	Features    FeatureBuilder
	Predictor   Predictor
	Scans       *scancache.Tracker
	Webhooks    Notifier  // optional
	Events      Publisher // optional
	Workers     int       // default NumCPU
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

// Dispatcher applies the filter chain, runs inference on a bounded worker
// pool and persists the results.
type Dispatcher struct {
	preds     storage.PredictionStore
	models    storage.ActiveModelStore
	features  FeatureBuilder
	predictor Predictor
	scans     *scancache.Tracker
	webhooks  Notifier
	events    Publisher
	workers   int
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		preds:     opts.Predictions,
		models:    opts.Models,
		features:  opts.Features,
		predictor: opts.Predictor,
		scans:     opts.Scans,
		webhooks:  opts.Webhooks,
		events:    opts.Events,
		workers:   opts.Workers,
		metrics:   opts.Metrics,
		log:       opts.Logger.With().Str("component", "dispatch").Logger(),
	}
	if d.workers <= 0 {
		d.workers = runtime.NumCPU()
	}
	if d.metrics == nil {
		d.metrics = observability.NewDiscard()
	}
	if d.scans == nil {
		d.scans = scancache.NewTracker(scancache.NewMemoryStore(0), d.preds)
	}
	return d
}

type job struct {
	task  int
	obs   *domain.Observation
	model *domain.ActiveModel
	out   *Outcome
}

// Dispatch processes every pair. Outcomes are returned in task order, then
// model order. The returned error is only ever ctx.Err().
func (d *Dispatcher) Dispatch(ctx context.Context, tasks []Task) ([]Outcome, error) {
	var total int
	for _, t := range tasks {
		total += len(t.Models)
	}
	outcomes := make([]Outcome, 0, total)
	for _, t := range tasks {
		for _, m := range t.Models {
			outcomes = append(outcomes, Outcome{ModelID: m.ID, CoinID: t.Observation.Mint, Timestamp: t.Observation.Timestamp})
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(d.workers)

	i := 0
	for ti, t := range tasks {
		for _, m := range t.Models {
			j := job{task: ti, obs: t.Observation, model: m, out: &outcomes[i]}
			i++

			if reason := prefilter(j.obs, m); reason != domain.SkipNone {
				j.out.Skip = reason
				d.metrics.RecordSkip(reason)
				continue
			}
			if err := ctx.Err(); err != nil {
				j.out.Err = err
				continue
			}
			g.Go(func() error {
				d.run(ctx, j)
				return nil
			})
		}
	}
	_ = g.Wait()

	d.fanout(ctx, tasks, outcomes)
	return outcomes, ctx.Err()
}

// prefilter applies the checks that need neither storage nor inference.
func prefilter(o *domain.Observation, m *domain.ActiveModel) domain.SkipReason {
	if !m.CoinFilter.Allows(o.Mint) {
		return domain.SkipFilteredWhitelist
	}
	if !o.InPhases(m.Phases) {
		return domain.SkipFilteredPhase
	}
	return domain.SkipNone
}

func (d *Dispatcher) run(ctx context.Context, j job) {
	o, m, out := j.obs, j.model, j.out
	log := d.log.With().Int64("active_model_id", m.ID).Str("coin_id", o.Mint).Time("ts", o.Timestamp).Logger()

	unlock := d.scans.Lock(m.ID, o.Mint)
	defer unlock()

	ignored, last, err := d.scans.Ignored(ctx, m, o.Mint, o.Timestamp)
	if err != nil {
		d.skip(out, domain.SkipStoreError, err)
		log.Error().Err(err).Msg("load scan state")
		return
	}
	if ignored {
		d.skip(out, domain.SkipIgnored, nil)
		log.Debug().Str("last_tag", string(last.Tag)).Time("last_at", last.At).Msg("inside ignore window")
		return
	}

	vec, err := d.features.Build(ctx, o.Mint, o.Timestamp, m)
	if err != nil {
		reason := featureSkip(err)
		d.skip(out, reason, err)
		ev := log.Debug()
		if reason != domain.SkipDataUnavailable {
			ev = log.Warn()
		}
		ev.Err(err).Str("reason", string(reason)).Msg("feature build failed")
		return
	}

	res, err := d.predictor.Predict(ctx, m, vec.Values)
	if err != nil {
		reason := domain.SkipInferenceError
		if errors.Is(err, model.ErrModelUnhealthy) {
			reason = domain.SkipModelUnhealthy
		}
		d.skip(out, reason, err)
		log.Warn().Err(err).Str("reason", string(reason)).Msg("inference failed")
		return
	}

	p := NewPrediction(o, m, res)
	out.Prediction = p

	err = d.preds.Insert(ctx, p, m.Quota(p.Tag))
	switch {
	case err == nil:
		out.Stored = true
		d.metrics.RecordPrediction(p.Tag)
		if err := d.scans.Record(ctx, m.ID, o.Mint, scancache.Entry{Tag: p.Tag, At: p.PredictionTimestamp}); err != nil {
			log.Warn().Err(err).Msg("record scan state")
		}
		if d.models != nil {
			if err := d.models.IncrementPredictions(ctx, m.ID, 1); err != nil {
				log.Warn().Err(err).Msg("increment prediction count")
			}
		}
		log.Debug().Str("tag", string(p.Tag)).Float64("probability", p.Probability).Msg("prediction stored")
	case errors.Is(err, storage.ErrQuotaExceeded):
		d.skip(out, domain.SkipQuota, nil)
		log.Debug().Str("tag", string(p.Tag)).Int("quota", m.Quota(p.Tag)).Bool("forward", m.SendIgnoredToWebhook).Msg("tag quota reached")
	case errors.Is(err, storage.ErrDuplicateKey):
		d.skip(out, domain.SkipDuplicate, nil)
	default:
		d.skip(out, domain.SkipStoreError, err)
		log.Error().Err(err).Msg("insert prediction")
	}
}

func (d *Dispatcher) skip(out *Outcome, reason domain.SkipReason, err error) {
	out.Skip = reason
	out.Err = err
	d.metrics.RecordSkip(reason)
}

func featureSkip(err error) domain.SkipReason {
	switch {
	case errors.Is(err, features.ErrDataUnavailable):
		return domain.SkipDataUnavailable
	case errors.Is(err, features.ErrFeatureMismatch):
		return domain.SkipFeatureMismatch
	}
	return domain.SkipStoreError
}

// fanout forwards stored predictions, plus over-quota ones from models
// that opted in, grouped per observation.
func (d *Dispatcher) fanout(ctx context.Context, tasks []Task, outcomes []Outcome) {
	i := 0
	for _, t := range tasks {
		var items []webhook.Item
		for _, m := range t.Models {
			out := &outcomes[i]
			i++
			if out.Prediction == nil {
				continue
			}
			forward := out.Stored || (out.Skip == domain.SkipQuota && m.SendIgnoredToWebhook)
			if !forward {
				continue
			}
			out.Forwarded = true
			items = append(items, webhook.Item{Model: m, Prediction: out.Prediction, Stored: out.Stored})
			if d.events != nil {
				d.events.Publish(context.WithoutCancel(ctx), events.NewEvent(m, out.Prediction, out.Stored))
			}
		}
		if len(items) > 0 && d.webhooks != nil {
			d.webhooks.Dispatch(t.Observation.Mint, t.Observation.Timestamp, items)
		}
	}
}

// NewPrediction builds the live record for a model output at o.
func NewPrediction(o *domain.Observation, m *domain.ActiveModel, res model.Result) *domain.Prediction {
	price := o.PriceClose
	if m.TargetKind == domain.TargetTimeBased && m.Target.ReferenceVariable != "" {
		if v, ok := o.Column(m.Target.ReferenceVariable); ok {
			price = v
		}
	}
	var phase *int
	if o.PhaseID != nil {
		v := *o.PhaseID
		phase = &v
	}
	return &domain.Prediction{
		ActiveModelID:       m.ID,
		TrainingModelID:     m.TrainingModelID,
		CoinID:              o.Mint,
		PredictionTimestamp: o.Timestamp,
		EvaluationTimestamp: o.Timestamp.Add(m.Horizon()),
		PriceAtPrediction:   price,
		Class:               res.Class,
		Probability:         res.Probability,
		AlertThreshold:      m.AlertThreshold,
		HorizonMinutes:      m.Target.HorizonMinutes,
		Tag:                 domain.TagFor(res.Probability, m.AlertThreshold),
		PhaseAtPrediction:   phase,
		Status:              domain.StatusLive,
	}
}

// Preview runs the feature builder and predictor for one pair without
// filters or persistence.
func (d *Dispatcher) Preview(ctx context.Context, o *domain.Observation, m *domain.ActiveModel) (*domain.Prediction, error) {
	vec, err := d.features.Build(ctx, o.Mint, o.Timestamp, m)
	if err != nil {
		return nil, err
	}
	res, err := d.predictor.Predict(ctx, m, vec.Values)
	if err != nil {
		return nil, err
	}
	return NewPrediction(o, m, res), nil
}
