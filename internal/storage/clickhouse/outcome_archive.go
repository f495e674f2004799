package clickhouse

import (
	"context"
	"fmt"

	"pump-inference/internal/domain"
	"pump-inference/internal/storage"
)

// OutcomeArchive implements storage.OutcomeArchive over prediction_outcomes.
// Re-archiving a prediction replaces its row on merge.
type OutcomeArchive struct {
	conn *Conn
}

// NewOutcomeArchive creates a new OutcomeArchive.
func NewOutcomeArchive(conn *Conn) *OutcomeArchive {
	return &OutcomeArchive{conn: conn}
}

// Compile-time interface check.
var _ storage.OutcomeArchive = (*OutcomeArchive)(nil)

// Archive appends finalized predictions in one batch. Live predictions are ignored.
func (a *OutcomeArchive) Archive(ctx context.Context, preds []*domain.Prediction) error {
	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO prediction_outcomes (
			prediction_id, active_model_id, training_model_id, coin_id,
			prediction_timestamp, evaluation_timestamp, price_at_prediction,
			prediction, probability, tag, horizon_minutes, phase_at_prediction,
			price_at_evaluation, actual_change_pct, ath_high_pct, ath_low_pct,
			outcome, outcome_note, evaluated_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w: %w", storage.ErrIO, err)
	}

	appended := 0
	for _, p := range preds {
		if p == nil || p.Status != domain.StatusFinal || p.Outcome == nil || p.EvaluatedAt == nil {
			continue
		}
		var phase *int32
		if p.PhaseAtPrediction != nil {
			v := int32(*p.PhaseAtPrediction)
			phase = &v
		}
		err := batch.Append(
			p.ID, p.ActiveModelID, p.TrainingModelID, p.CoinID,
			p.PredictionTimestamp, p.EvaluationTimestamp, p.PriceAtPrediction,
			uint8(p.Class), p.Probability, string(p.Tag), int32(p.HorizonMinutes), phase,
			p.PriceAtEvaluation, p.ActualChangePct, p.ATHHighPct, p.ATHLowPct,
			string(*p.Outcome), p.OutcomeNote, *p.EvaluatedAt,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append to batch: %w: %w", storage.ErrIO, err)
		}
		appended++
	}

	if appended == 0 {
		return batch.Abort()
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w: %w", storage.ErrIO, err)
	}
	return nil
}

// Summary aggregates archived outcomes per tag and outcome for a model.
func (a *OutcomeArchive) Summary(ctx context.Context, activeModelID int64) ([]domain.OutcomeSummary, error) {
	rows, err := a.conn.Query(ctx, `
		SELECT
			tag,
			outcome,
			count() AS n,
			ifNull(avg(actual_change_pct), 0) AS avg_change,
			ifNull(avg(ath_high_pct), 0) AS avg_high
		FROM prediction_outcomes FINAL
		WHERE active_model_id = ?
		GROUP BY tag, outcome
		ORDER BY tag, outcome
	`, activeModelID)
	if err != nil {
		return nil, fmt.Errorf("query outcome summary: %w: %w", storage.ErrIO, err)
	}
	defer rows.Close()

	var result []domain.OutcomeSummary
	for rows.Next() {
		var (
			s       domain.OutcomeSummary
			tag     string
			outcome string
		)
		if err := rows.Scan(&tag, &outcome, &s.Count, &s.AvgChangePct, &s.AvgATHHighPct); err != nil {
			return nil, fmt.Errorf("scan outcome summary: %w: %w", storage.ErrIO, err)
		}
		s.ActiveModelID = activeModelID
		s.Tag = domain.Tag(tag)
		s.Outcome = domain.Outcome(outcome)
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome summary: %w: %w", storage.ErrIO, err)
	}
	return result, nil
}
