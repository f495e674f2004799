package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"pump-inference/internal/domain"
	"pump-inference/internal/storage"
)

// PredictionStore implements storage.PredictionStore using PostgreSQL.
type PredictionStore struct {
	pool *Pool
}

// NewPredictionStore creates a new PredictionStore.
func NewPredictionStore(pool *Pool) *PredictionStore {
	return &PredictionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PredictionStore = (*PredictionStore)(nil)

const predictionColumns = `
	id, active_model_id, training_model_id, coin_id,
	prediction_timestamp, evaluation_timestamp, price_at_prediction,
	prediction, probability, alert_threshold, horizon_minutes, tag, phase_at_prediction, status,
	ath_high_pct, ath_high_at, ath_high_price, ath_low_pct, ath_low_at, ath_low_price,
	price_at_evaluation, actual_change_pct, outcome, outcome_note, evaluated_at, created_at`

// Insert stores a live prediction. The quota check and the insert run in one
// transaction under an advisory lock on (model, coin, tag).
func (s *PredictionStore) Insert(ctx context.Context, p *domain.Prediction, quota int) error {
	if p == nil || p.CoinID == "" || p.ActiveModelID == 0 {
		return storage.ErrInvalidInput
	}
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ioError("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if quota > 0 {
		lockKey := fmt.Sprintf("prediction-quota|%d|%s|%s", p.ActiveModelID, p.CoinID, p.Tag)
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
			return ioError("acquire quota lock", err)
		}

		var live int
		err := tx.QueryRow(ctx, `
			SELECT count(*) FROM predictions
			WHERE active_model_id = $1 AND coin_id = $2 AND tag = $3 AND status = 'live'
		`, p.ActiveModelID, p.CoinID, string(p.Tag)).Scan(&live)
		if err != nil {
			return ioError("count live predictions", err)
		}
		if live >= quota {
			return storage.ErrQuotaExceeded
		}
	}

	query := `
		INSERT INTO predictions (
			active_model_id, training_model_id, coin_id,
			prediction_timestamp, evaluation_timestamp, price_at_prediction,
			prediction, probability, alert_threshold, horizon_minutes, tag, phase_at_prediction, status
		) VALUES (
			$1, $2, $3,
			$4, $5, $6,
			$7, $8, $9, $10, $11, $12, 'live'
		)
		RETURNING id, created_at
	`
	err = tx.QueryRow(ctx, query,
		p.ActiveModelID, p.TrainingModelID, p.CoinID,
		p.PredictionTimestamp, p.EvaluationTimestamp, p.PriceAtPrediction,
		p.Class, p.Probability, p.AlertThreshold, p.HorizonMinutes, string(p.Tag), phasePtr(p.PhaseAtPrediction),
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return ioError("insert prediction", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ioError("commit tx", err)
	}
	p.Status = domain.StatusLive
	return nil
}

// Get returns a prediction by id.
func (s *PredictionStore) Get(ctx context.Context, id int64) (*domain.Prediction, error) {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	p, err := scanPrediction(s.pool.QueryRow(ctx, `SELECT `+predictionColumns+` FROM predictions WHERE id = $1`, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, ioError("query prediction", err)
	}
	return p, nil
}

// Last returns the newest prediction for (model, coin).
func (s *PredictionStore) Last(ctx context.Context, activeModelID int64, coinID string) (*domain.Prediction, error) {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	query := `
		SELECT ` + predictionColumns + ` FROM predictions
		WHERE active_model_id = $1 AND coin_id = $2
		ORDER BY prediction_timestamp DESC
		LIMIT 1
	`
	p, err := scanPrediction(s.pool.QueryRow(ctx, query, activeModelID, coinID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, ioError("query last prediction", err)
	}
	return p, nil
}

// List returns predictions matching the filter, newest first.
func (s *PredictionStore) List(ctx context.Context, f domain.PredictionFilter) ([]*domain.Prediction, error) {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.CoinID != "" {
		add("coin_id = $%d", f.CoinID)
	}
	if f.ActiveModelID != 0 {
		add("active_model_id = $%d", f.ActiveModelID)
	}
	if f.Tag != "" {
		add("tag = $%d", string(f.Tag))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}

	query := `SELECT ` + predictionColumns + ` FROM predictions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY prediction_timestamp DESC, id DESC`
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(` LIMIT NULLIF($%d::int, 0) OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, ioError("query predictions", err)
	}
	return collectPredictions(rows)
}

// ListTracking returns live predictions whose horizon has not elapsed.
func (s *PredictionStore) ListTracking(ctx context.Context, now time.Time, limit int) ([]*domain.Prediction, error) {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	query := `
		SELECT ` + predictionColumns + ` FROM predictions
		WHERE status = 'live' AND evaluation_timestamp > $1
		ORDER BY prediction_timestamp ASC
		LIMIT NULLIF($2::int, 0)
	`
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, ioError("query tracking predictions", err)
	}
	return collectPredictions(rows)
}

// ListDue returns a model's due live predictions in evaluation order.
func (s *PredictionStore) ListDue(ctx context.Context, activeModelID int64, now time.Time, limit int) ([]*domain.Prediction, error) {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	query := `
		SELECT ` + predictionColumns + ` FROM predictions
		WHERE active_model_id = $1 AND status = 'live' AND evaluation_timestamp <= $2
		ORDER BY evaluation_timestamp ASC, id ASC
		LIMIT NULLIF($3::int, 0)
	`
	rows, err := s.pool.Query(ctx, query, activeModelID, now, limit)
	if err != nil {
		return nil, ioError("query due predictions", err)
	}
	return collectPredictions(rows)
}

// ModelsWithDue returns ids of models with due live predictions.
func (s *PredictionStore) ModelsWithDue(ctx context.Context, now time.Time) ([]int64, error) {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT active_model_id FROM predictions
		WHERE status = 'live' AND evaluation_timestamp <= $1
		ORDER BY active_model_id
	`, now)
	if err != nil {
		return nil, ioError("query models with due predictions", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, ioError("collect model ids", err)
	}
	return ids, nil
}

// UpdateATH writes new extremes on a live row.
func (s *PredictionStore) UpdateATH(ctx context.Context, u domain.ATHUpdate) error {
	if u.Empty() {
		return nil
	}
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	query := `
		UPDATE predictions SET
			ath_high_pct   = COALESCE($2, ath_high_pct),
			ath_high_at    = CASE WHEN $2::float8 IS NULL THEN ath_high_at ELSE $3 END,
			ath_high_price = CASE WHEN $2::float8 IS NULL THEN ath_high_price ELSE $4 END,
			ath_low_pct    = COALESCE($5, ath_low_pct),
			ath_low_at     = CASE WHEN $5::float8 IS NULL THEN ath_low_at ELSE $6 END,
			ath_low_price  = CASE WHEN $5::float8 IS NULL THEN ath_low_price ELSE $7 END
		WHERE id = $1 AND status = 'live'
	`
	if _, err := s.pool.Exec(ctx, query, u.PredictionID,
		u.HighPct, u.HighAt, u.HighPrice, u.LowPct, u.LowAt, u.LowPrice); err != nil {
		return ioError("update prediction ath", err)
	}
	return nil
}

// Finalize writes all evaluation columns in one row update. status = 'live' is the gate.
func (s *PredictionStore) Finalize(ctx context.Context, f domain.Finalization) error {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	u := f.ATH
	query := `
		UPDATE predictions SET
			status              = 'final',
			price_at_evaluation = $2,
			actual_change_pct   = $3,
			outcome             = $4,
			outcome_note        = $5,
			evaluated_at        = $6,
			ath_high_pct   = COALESCE($7, ath_high_pct),
			ath_high_at    = CASE WHEN $7::float8 IS NULL THEN ath_high_at ELSE $8 END,
			ath_high_price = CASE WHEN $7::float8 IS NULL THEN ath_high_price ELSE $9 END,
			ath_low_pct    = COALESCE($10, ath_low_pct),
			ath_low_at     = CASE WHEN $10::float8 IS NULL THEN ath_low_at ELSE $11 END,
			ath_low_price  = CASE WHEN $10::float8 IS NULL THEN ath_low_price ELSE $12 END
		WHERE id = $1 AND status = 'live'
	`
	tag, err := s.pool.Exec(ctx, query, f.PredictionID,
		f.PriceAtEvaluation, f.ActualChangePct, string(f.Outcome), f.OutcomeNote, f.EvaluatedAt,
		u.HighPct, u.HighAt, u.HighPrice, u.LowPct, u.LowAt, u.LowPrice,
	)
	if err != nil {
		return ioError("finalize prediction", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MaxLiveModelTimestamp returns max(prediction_timestamp) over active models.
func (s *PredictionStore) MaxLiveModelTimestamp(ctx context.Context) (time.Time, error) {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	var ts *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT max(p.prediction_timestamp)
		FROM predictions p
		JOIN active_models m ON m.id = p.active_model_id
		WHERE m.is_active
	`).Scan(&ts)
	if err != nil {
		return time.Time{}, ioError("query watermark", err)
	}
	if ts == nil {
		return time.Time{}, storage.ErrNotFound
	}
	return ts.UTC(), nil
}

// Stats aggregates a model's predictions.
func (s *PredictionStore) Stats(ctx context.Context, activeModelID int64) (*domain.ModelStats, error) {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT tag, status, COALESCE(outcome, ''), count(*)
		FROM predictions
		WHERE active_model_id = $1
		GROUP BY tag, status, outcome
	`, activeModelID)
	if err != nil {
		return nil, ioError("query prediction stats", err)
	}
	defer rows.Close()

	st := &domain.ModelStats{
		ActiveModelID: activeModelID,
		ByTag:         make(map[domain.Tag]int64),
		ByOutcome:     make(map[domain.Outcome]int64),
	}
	for rows.Next() {
		var tag, status, outcome string
		var n int64
		if err := rows.Scan(&tag, &status, &outcome, &n); err != nil {
			return nil, ioError("scan prediction stats", err)
		}
		st.Total += n
		st.ByTag[domain.Tag(tag)] += n
		if domain.Status(status) == domain.StatusLive {
			st.Live += n
		} else {
			st.Final += n
		}
		if outcome != "" {
			st.ByOutcome[domain.Outcome(outcome)] += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, ioError("iterate prediction stats", err)
	}
	return st, nil
}

func scanPrediction(row pgx.Row) (*domain.Prediction, error) {
	var (
		p       domain.Prediction
		class   int16
		tag     string
		status  string
		outcome *string
		phase   *int32
	)
	err := row.Scan(
		&p.ID, &p.ActiveModelID, &p.TrainingModelID, &p.CoinID,
		&p.PredictionTimestamp, &p.EvaluationTimestamp, &p.PriceAtPrediction,
		&class, &p.Probability, &p.AlertThreshold, &p.HorizonMinutes, &tag, &phase, &status,
		&p.ATHHighPct, &p.ATHHighAt, &p.ATHHighPrice, &p.ATHLowPct, &p.ATHLowAt, &p.ATHLowPrice,
		&p.PriceAtEvaluation, &p.ActualChangePct, &outcome, &p.OutcomeNote, &p.EvaluatedAt, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Class = int(class)
	p.Tag = domain.Tag(tag)
	p.Status = domain.Status(status)
	p.PhaseAtPrediction = intFromPtr(phase)
	if outcome != nil {
		o := domain.Outcome(*outcome)
		p.Outcome = &o
	}
	p.PredictionTimestamp = p.PredictionTimestamp.UTC()
	p.EvaluationTimestamp = p.EvaluationTimestamp.UTC()
	return &p, nil
}

func collectPredictions(rows pgx.Rows) ([]*domain.Prediction, error) {
	defer rows.Close()

	var result []*domain.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, ioError("scan prediction", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, ioError("iterate predictions", err)
	}
	return result, nil
}
