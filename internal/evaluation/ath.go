package evaluation

import (
	"context"
	"fmt"
	"time"

	"pump-inference/internal/domain"
)

// ATHResult summarizes one ATH tracker tick.
type ATHResult struct {
	Tracked int
	Updated int
	Failed  int
}

// TrackATH scans the observations of tracked predictions since their
// prediction time and records new extremes. Status is never changed here.
func (e *Evaluator) TrackATH(ctx context.Context) (ATHResult, error) {
	var res ATHResult
	now := e.now().UTC()

	preds, err := e.preds.ListTracking(ctx, now, e.athBatch())
	if err != nil {
		return res, fmt.Errorf("list tracking predictions: %w", err)
	}
	res.Tracked = len(preds)
	if len(preds) == 0 {
		return res, nil
	}

	models, err := e.modelIndex(ctx)
	if err != nil {
		return res, err
	}

	for _, p := range preds {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		u, err := e.scanExtremes(ctx, p, models[p.ActiveModelID], now)
		if err != nil {
			res.Failed++
			e.log.Warn().Err(err).Int64("prediction_id", p.ID).Msg("ath scan failed")
			continue
		}
		if u.Empty() {
			continue
		}
		if err := e.preds.UpdateATH(ctx, u); err != nil {
			res.Failed++
			e.log.Warn().Err(err).Int64("prediction_id", p.ID).Msg("ath update failed")
			continue
		}
		res.Updated++
		e.metrics.ATHUpdates.Inc()
	}

	e.log.Debug().Int("tracked", res.Tracked).Int("updated", res.Updated).Int("failed", res.Failed).Msg("ath tick complete")
	if res.Failed > 0 {
		return res, fmt.Errorf("ath tracker: %d of %d predictions failed", res.Failed, res.Tracked)
	}
	return res, nil
}

func (e *Evaluator) scanExtremes(ctx context.Context, p *domain.Prediction, m *domain.ActiveModel, now time.Time) (domain.ATHUpdate, error) {
	x := newExtremes(p)
	if p.PriceAtPrediction == 0 {
		return x.u, nil
	}

	until := p.EvaluationTimestamp
	if now.Before(until) {
		until = now
	}
	rows, err := e.obs.Range(ctx, p.CoinID, p.PredictionTimestamp, until)
	if err != nil {
		return x.u, fmt.Errorf("load observations: %w", err)
	}

	col := referenceColumn(m)
	for _, o := range rows {
		price, ok := o.Column(col)
		if !ok {
			continue
		}
		if pct, ok := changePct(p.PriceAtPrediction, price); ok {
			x.observe(pct, price, o.Timestamp)
		}
	}
	return x.u, nil
}

// modelIndex maps every model, active or not, by id.
func (e *Evaluator) modelIndex(ctx context.Context) (map[int64]*domain.ActiveModel, error) {
	list, err := e.models.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	out := make(map[int64]*domain.ActiveModel, len(list))
	for _, m := range list {
		out[m.ID] = m
	}
	return out, nil
}
