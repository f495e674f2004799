package evaluation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pump-inference/internal/domain"
	"pump-inference/internal/storage"
)

// FinalizeResult summarizes one finalizer tick.
type FinalizeResult struct {
	Models     int
	Due        int
	Finalized  int
	Failed     int
	ByOutcome  map[domain.Outcome]int
	Backlogged bool // some model returned a full batch
}

// FinalizeDue finalizes predictions whose horizon has elapsed. Each model
// is read separately with its own batch limit; the row updates then run
// in parallel. Re-running is safe: only live rows are touched.
func (e *Evaluator) FinalizeDue(ctx context.Context) (FinalizeResult, error) {
	res := FinalizeResult{ByOutcome: make(map[domain.Outcome]int)}
	now := e.now().UTC()

	ids, err := e.preds.ModelsWithDue(ctx, now)
	if err != nil {
		return res, fmt.Errorf("list models with due predictions: %w", err)
	}
	res.Models = len(ids)
	if len(ids) == 0 {
		e.metrics.FinalizeBacklog.Set(0)
		return res, nil
	}

	models, err := e.modelIndex(ctx)
	if err != nil {
		return res, err
	}

	batch := e.finalizeBatch()
	var due []*domain.Prediction
	for _, id := range ids {
		preds, err := e.preds.ListDue(ctx, id, now, batch)
		if err != nil {
			return res, fmt.Errorf("list due predictions for model %d: %w", id, err)
		}
		if len(preds) >= batch {
			res.Backlogged = true
		}
		due = append(due, preds...)
	}
	res.Due = len(due)
	e.metrics.FinalizeBacklog.Set(float64(len(due)))

	var (
		mu        sync.Mutex
		finalized []*domain.Prediction
	)
	g := new(errgroup.Group)
	g.SetLimit(e.parallelism)
	for _, p := range due {
		g.Go(func() error {
			f, err := e.finalize(ctx, p, models[p.ActiveModelID], now)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, storage.ErrNotFound):
				// finalized concurrently
			case err != nil:
				res.Failed++
				e.log.Warn().Err(err).Int64("prediction_id", p.ID).Msg("finalize failed")
			default:
				res.Finalized++
				res.ByOutcome[f.Outcome]++
				e.metrics.PredictionsFinal.WithLabelValues(string(f.Outcome)).Inc()
				finalized = append(finalized, applyFinalization(p, f))
			}
			return nil
		})
	}
	_ = g.Wait()

	e.archiveOutcomes(ctx, finalized)

	e.log.Info().
		Int("models", res.Models).
		Int("due", res.Due).
		Int("finalized", res.Finalized).
		Int("failed", res.Failed).
		Bool("backlogged", res.Backlogged).
		Msg("finalize tick complete")
	if res.Failed > 0 {
		return res, fmt.Errorf("finalizer: %d of %d predictions failed", res.Failed, res.Due)
	}
	return res, nil
}

func (e *Evaluator) finalize(ctx context.Context, p *domain.Prediction, m *domain.ActiveModel, now time.Time) (domain.Finalization, error) {
	eval, err := e.obs.AtOrBefore(ctx, p.CoinID, p.EvaluationTimestamp)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return domain.Finalization{}, fmt.Errorf("load evaluation observation: %w", err)
	}
	f := Decide(p, m, eval)
	f.EvaluatedAt = now
	if err := e.preds.Finalize(ctx, f); err != nil {
		return f, err
	}
	return f, nil
}

func (e *Evaluator) archiveOutcomes(ctx context.Context, preds []*domain.Prediction) {
	if e.archive == nil || len(preds) == 0 {
		return
	}
	if err := e.archive.Archive(ctx, preds); err != nil {
		e.metrics.EvaluationErrors.WithLabelValues("archive").Inc()
		e.log.Warn().Err(err).Int("count", len(preds)).Msg("outcome archive failed")
	}
}

// Decide computes the evaluation of p against the observation at its
// evaluation time. eval is nil when no observation exists and m is nil
// when the model is gone. EvaluatedAt is left to the caller.
func Decide(p *domain.Prediction, m *domain.ActiveModel, eval *domain.Observation) domain.Finalization {
	f := domain.Finalization{PredictionID: p.ID}
	notApplicable := func(note string) domain.Finalization {
		f.Outcome = domain.OutcomeNotApplicable
		f.OutcomeNote = note
		return f
	}

	if eval == nil {
		return notApplicable(domain.NoteNoMetrics)
	}
	if m == nil || !m.HasTarget() {
		return notApplicable(domain.NoteTargetUndefined)
	}
	price, ok := eval.Column(referenceColumn(m))
	if !ok {
		return notApplicable(domain.NoteNoMetrics)
	}
	f.PriceAtEvaluation = &price

	pct, hasPct := changePct(p.PriceAtPrediction, price)
	if hasPct {
		f.ActualChangePct = &pct
		x := newExtremes(p)
		x.observe(pct, price, eval.Timestamp)
		f.ATH = x.u
	}

	var hit bool
	switch m.TargetKind {
	case domain.TargetTimeBased:
		if !hasPct {
			return notApplicable(domain.NoteZeroReference)
		}
		if m.Target.Direction == domain.DirectionDown {
			hit = pct <= -m.Target.MinChangePct
		} else {
			hit = pct >= m.Target.MinChangePct
		}
	case domain.TargetThreshold:
		v, ok := eval.Column(m.Target.Variable)
		if !ok {
			return notApplicable(domain.NoteNoMetrics)
		}
		hit = m.Target.Operator.Compare(v, *m.Target.Value)
	default:
		return notApplicable(domain.NoteTargetUndefined)
	}

	if hit == (p.Class == 1) {
		f.Outcome = domain.OutcomeSuccess
	} else {
		f.Outcome = domain.OutcomeFailed
	}
	return f
}

func applyFinalization(p *domain.Prediction, f domain.Finalization) *domain.Prediction {
	c := p.Clone()
	if f.ATH.HighPct != nil {
		c.ATHHighPct, c.ATHHighAt, c.ATHHighPrice = f.ATH.HighPct, f.ATH.HighAt, f.ATH.HighPrice
	}
	if f.ATH.LowPct != nil {
		c.ATHLowPct, c.ATHLowAt, c.ATHLowPrice = f.ATH.LowPct, f.ATH.LowAt, f.ATH.LowPrice
	}
	outcome := f.Outcome
	evaluatedAt := f.EvaluatedAt
	c.PriceAtEvaluation = f.PriceAtEvaluation
	c.ActualChangePct = f.ActualChangePct
	c.Outcome = &outcome
	c.OutcomeNote = f.OutcomeNote
	c.EvaluatedAt = &evaluatedAt
	c.Status = domain.StatusFinal
	return c
}
