package storage

import (
	"context"
	"time"

	"pump-inference/internal/domain"
)

// Cursor is an ingestion position in (timestamp, mint) order. An empty
// Mint means every row at Timestamp has been consumed.
type Cursor struct {
	Timestamp time.Time
	Mint      string
}

// Before reports whether o sorts after the cursor.
func (c Cursor) Before(o *domain.Observation) bool {
	if o.Timestamp.Equal(c.Timestamp) {
		return c.Mint != "" && o.Mint > c.Mint
	}
	return o.Timestamp.After(c.Timestamp)
}

// ObservationStore reads the external coin_metrics table. Never writes.
type ObservationStore interface {
	// LatestAfter returns one row per mint: its latest observation, for
	// mints that have a row after the cursor. Ordered by (timestamp, mint)
	// ASC, at most limit rows.
	LatestAfter(ctx context.Context, after Cursor, limit int) ([]*domain.Observation, error)

	// AtOrBefore returns the mint's latest observation with timestamp <= t.
	// Returns ErrNotFound if none.
	AtOrBefore(ctx context.Context, mint string, t time.Time) (*domain.Observation, error)

	// Range returns the mint's observations in (from, to], ordered by timestamp ASC.
	Range(ctx context.Context, mint string, from, to time.Time) ([]*domain.Observation, error)

	// History returns up to limit most recent observations with timestamp <= until,
	// restricted to phases when non-empty, ordered by timestamp ASC.
	History(ctx context.Context, mint string, until time.Time, phases []int, limit int) ([]*domain.Observation, error)

	// MaxTimestamp returns the newest observation timestamp. Returns ErrNotFound if the table is empty.
	MaxTimestamp(ctx context.Context) (time.Time, error)
}

// ActiveModelStore provides access to active_models storage.
type ActiveModelStore interface {
	// List returns active models, or all models when includeInactive is set. Ordered by id.
	List(ctx context.Context, includeInactive bool) ([]*domain.ActiveModel, error)

	// Get returns a model by id. Returns ErrNotFound if not exists.
	Get(ctx context.Context, id int64) (*domain.ActiveModel, error)

	// Upsert inserts the model, or updates it when training_model_id already exists.
	// Sets m.ID.
	Upsert(ctx context.Context, m *domain.ActiveModel) error

	// SetActive toggles is_active. Returns ErrNotFound if not exists.
	SetActive(ctx context.Context, id int64, active bool) error

	// Rename sets the display name. Returns ErrNotFound if not exists.
	Rename(ctx context.Context, id int64, name string) error

	// UpdateSettings replaces the user-editable settings. Returns ErrNotFound if not exists.
	UpdateSettings(ctx context.Context, id int64, s domain.ModelSettings) error

	// UpdateArtifactPath rewrites local_artifact_path after a re-download.
	UpdateArtifactPath(ctx context.Context, id int64, path string) error

	// IncrementPredictions bumps total_predictions by n.
	IncrementPredictions(ctx context.Context, id int64, n int64) error

	// Delete removes the model and all of its predictions.
	Delete(ctx context.Context, id int64) error
}

// PredictionStore provides access to predictions storage.
type PredictionStore interface {
	// Insert stores a live prediction and sets p.ID. When quota > 0 and the count of
	// live rows with the same (coin, model, tag) already reaches quota, returns
	// ErrQuotaExceeded. The check and insert are atomic.
	// Returns ErrDuplicateKey if (active_model_id, coin_id, prediction_timestamp) exists.
	Insert(ctx context.Context, p *domain.Prediction, quota int) error

	// Get returns a prediction by id. Returns ErrNotFound if not exists.
	Get(ctx context.Context, id int64) (*domain.Prediction, error)

	// Last returns the newest prediction of a model for a coin. Returns ErrNotFound if none.
	Last(ctx context.Context, activeModelID int64, coinID string) (*domain.Prediction, error)

	// List returns predictions matching the filter, newest first.
	List(ctx context.Context, f domain.PredictionFilter) ([]*domain.Prediction, error)

	// ListTracking returns live predictions with evaluation_timestamp > now,
	// oldest prediction first, at most limit.
	ListTracking(ctx context.Context, now time.Time, limit int) ([]*domain.Prediction, error)

	// ListDue returns a model's live predictions with evaluation_timestamp <= now,
	// ordered by evaluation_timestamp ASC, at most limit.
	ListDue(ctx context.Context, activeModelID int64, now time.Time, limit int) ([]*domain.Prediction, error)

	// ModelsWithDue returns ids of models having live predictions due at now.
	ModelsWithDue(ctx context.Context, now time.Time) ([]int64, error)

	// UpdateATH writes new extremes. Only rows still live are touched.
	UpdateATH(ctx context.Context, u domain.ATHUpdate) error

	// Finalize writes the evaluation columns and sets status final.
	// Returns ErrNotFound if the prediction is missing or already final.
	Finalize(ctx context.Context, f domain.Finalization) error

	// MaxLiveModelTimestamp returns max(prediction_timestamp) over active models.
	// Returns ErrNotFound if there are none.
	MaxLiveModelTimestamp(ctx context.Context) (time.Time, error)

	// Stats aggregates a model's predictions by status, tag and outcome.
	Stats(ctx context.Context, activeModelID int64) (*domain.ModelStats, error)
}

// WebhookLogStore provides access to webhook_log storage.
type WebhookLogStore interface {
	// Insert appends a delivery attempt and sets l.ID.
	Insert(ctx context.Context, l *domain.WebhookLog) error

	// List returns newest entries first, optionally for one coin.
	List(ctx context.Context, coinID string, limit int) ([]*domain.WebhookLog, error)

	// DeleteBefore removes entries created before t and returns the count.
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)
}

// OutcomeArchive mirrors finalized predictions for analytics.
type OutcomeArchive interface {
	// Archive appends finalized predictions.
	Archive(ctx context.Context, preds []*domain.Prediction) error

	// Summary aggregates archived outcomes, optionally for one model (0 = all).
	Summary(ctx context.Context, activeModelID int64) ([]domain.OutcomeSummary, error)
}
