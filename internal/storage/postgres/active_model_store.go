package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"pump-inference/internal/domain"
	"pump-inference/internal/storage"
)

// ActiveModelStore implements storage.ActiveModelStore using PostgreSQL.
type ActiveModelStore struct {
	pool *Pool
}

// NewActiveModelStore creates a new ActiveModelStore.
func NewActiveModelStore(pool *Pool) *ActiveModelStore {
	return &ActiveModelStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ActiveModelStore = (*ActiveModelStore)(nil)

const activeModelColumns = `
	id, training_model_id, name, display_name, model_type, local_artifact_path,
	feature_names, target_kind, target_detail, phases,
	alert_threshold, send_mode, webhook_url, webhook_enabled, send_ignored_to_webhook,
	coin_filter_mode, coin_whitelist,
	ignore_bad_sec, ignore_positive_sec, ignore_alert_sec,
	max_log_entries_negative, max_log_entries_positive, max_log_entries_alert,
	training_params, metrics, is_active, total_predictions, created_at, updated_at`

// List returns models ordered by id.
func (s *ActiveModelStore) List(ctx context.Context, includeInactive bool) ([]*domain.ActiveModel, error) {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	query := `SELECT ` + activeModelColumns + ` FROM active_models WHERE $1 OR is_active ORDER BY id`
	rows, err := s.pool.Query(ctx, query, includeInactive)
	if err != nil {
		return nil, ioError("query active models", err)
	}
	defer rows.Close()

	var result []*domain.ActiveModel
	for rows.Next() {
		m, err := scanActiveModel(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, ioError("iterate active models", err)
	}
	return result, nil
}

// Get returns a model by id.
func (s *ActiveModelStore) Get(ctx context.Context, id int64) (*domain.ActiveModel, error) {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	query := `SELECT ` + activeModelColumns + ` FROM active_models WHERE id = $1`
	m, err := scanActiveModel(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// Upsert inserts the model or updates it on training_model_id conflict.
func (s *ActiveModelStore) Upsert(ctx context.Context, m *domain.ActiveModel) error {
	if m == nil || m.TrainingModelID <= 0 {
		return storage.ErrInvalidInput
	}
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	features, target, sendMode, params, metrics, err := marshalModelJSON(m)
	if err != nil {
		return err
	}
	settings := m.Settings()

	query := `
		INSERT INTO active_models (
			training_model_id, name, display_name, model_type, local_artifact_path,
			feature_names, target_kind, target_detail, phases,
			alert_threshold, send_mode, webhook_url, webhook_enabled, send_ignored_to_webhook,
			coin_filter_mode, coin_whitelist,
			ignore_bad_sec, ignore_positive_sec, ignore_alert_sec,
			max_log_entries_negative, max_log_entries_positive, max_log_entries_alert,
			training_params, metrics, is_active
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16,
			$17, $18, $19,
			$20, $21, $22,
			$23, $24, $25
		)
		ON CONFLICT (training_model_id) DO UPDATE SET
			name = EXCLUDED.name,
			display_name = EXCLUDED.display_name,
			model_type = EXCLUDED.model_type,
			local_artifact_path = EXCLUDED.local_artifact_path,
			feature_names = EXCLUDED.feature_names,
			target_kind = EXCLUDED.target_kind,
			target_detail = EXCLUDED.target_detail,
			phases = EXCLUDED.phases,
			alert_threshold = EXCLUDED.alert_threshold,
			send_mode = EXCLUDED.send_mode,
			webhook_url = EXCLUDED.webhook_url,
			webhook_enabled = EXCLUDED.webhook_enabled,
			send_ignored_to_webhook = EXCLUDED.send_ignored_to_webhook,
			coin_filter_mode = EXCLUDED.coin_filter_mode,
			coin_whitelist = EXCLUDED.coin_whitelist,
			ignore_bad_sec = EXCLUDED.ignore_bad_sec,
			ignore_positive_sec = EXCLUDED.ignore_positive_sec,
			ignore_alert_sec = EXCLUDED.ignore_alert_sec,
			max_log_entries_negative = EXCLUDED.max_log_entries_negative,
			max_log_entries_positive = EXCLUDED.max_log_entries_positive,
			max_log_entries_alert = EXCLUDED.max_log_entries_alert,
			training_params = EXCLUDED.training_params,
			metrics = EXCLUDED.metrics,
			is_active = EXCLUDED.is_active,
			updated_at = now()
		RETURNING id, created_at, updated_at, total_predictions
	`

	err = s.pool.QueryRow(ctx, query,
		m.TrainingModelID, m.Name, settings.DisplayName, m.ModelType, m.ArtifactPath,
		features, string(m.TargetKind), target, int32s(settings.Phases),
		settings.AlertThreshold, sendMode, settings.WebhookURL, settings.WebhookEnabled, settings.SendIgnoredToWebhook,
		string(settings.CoinFilter.Mode), settings.CoinFilter.Whitelist,
		settings.IgnoreBadSec, settings.IgnorePositiveSec, settings.IgnoreAlertSec,
		settings.MaxLogEntriesNegative, settings.MaxLogEntriesPositive, settings.MaxLogEntriesAlert,
		params, metrics, m.IsActive,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt, &m.TotalPredictions)
	if err != nil {
		return ioError("upsert active model", err)
	}
	return nil
}

// SetActive toggles is_active.
func (s *ActiveModelStore) SetActive(ctx context.Context, id int64, active bool) error {
	return s.exec(ctx, "set active", `UPDATE active_models SET is_active = $2, updated_at = now() WHERE id = $1`, id, active)
}

// Rename sets the display name.
func (s *ActiveModelStore) Rename(ctx context.Context, id int64, name string) error {
	return s.exec(ctx, "rename", `UPDATE active_models SET display_name = $2, updated_at = now() WHERE id = $1`, id, name)
}

// UpdateSettings replaces the user-editable settings.
func (s *ActiveModelStore) UpdateSettings(ctx context.Context, id int64, settings domain.ModelSettings) error {
	settings.Normalize()
	sendMode, err := json.Marshal(settings.SendModes)
	if err != nil {
		return fmt.Errorf("marshal send_mode: %w", err)
	}

	query := `
		UPDATE active_models SET
			display_name = $2, phases = $3, alert_threshold = $4, send_mode = $5,
			webhook_url = $6, webhook_enabled = $7, send_ignored_to_webhook = $8,
			coin_filter_mode = $9, coin_whitelist = $10,
			ignore_bad_sec = $11, ignore_positive_sec = $12, ignore_alert_sec = $13,
			max_log_entries_negative = $14, max_log_entries_positive = $15, max_log_entries_alert = $16,
			updated_at = now()
		WHERE id = $1
	`
	return s.exec(ctx, "update settings", query, id,
		settings.DisplayName, int32s(settings.Phases), settings.AlertThreshold, sendMode,
		settings.WebhookURL, settings.WebhookEnabled, settings.SendIgnoredToWebhook,
		string(settings.CoinFilter.Mode), settings.CoinFilter.Whitelist,
		settings.IgnoreBadSec, settings.IgnorePositiveSec, settings.IgnoreAlertSec,
		settings.MaxLogEntriesNegative, settings.MaxLogEntriesPositive, settings.MaxLogEntriesAlert,
	)
}

// UpdateArtifactPath rewrites local_artifact_path.
func (s *ActiveModelStore) UpdateArtifactPath(ctx context.Context, id int64, path string) error {
	return s.exec(ctx, "update artifact path", `UPDATE active_models SET local_artifact_path = $2, updated_at = now() WHERE id = $1`, id, path)
}

// IncrementPredictions bumps total_predictions.
func (s *ActiveModelStore) IncrementPredictions(ctx context.Context, id int64, n int64) error {
	return s.exec(ctx, "increment predictions", `UPDATE active_models SET total_predictions = total_predictions + $2 WHERE id = $1`, id, n)
}

// Delete removes the model and its predictions in one transaction.
func (s *ActiveModelStore) Delete(ctx context.Context, id int64) error {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ioError("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM predictions WHERE active_model_id = $1`, id); err != nil {
		return ioError("delete predictions", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM active_models WHERE id = $1`, id)
	if err != nil {
		return ioError("delete active model", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return ioError("commit tx", err)
	}
	return nil
}

func (s *ActiveModelStore) exec(ctx context.Context, op, query string, args ...any) error {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return ioError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func marshalModelJSON(m *domain.ActiveModel) (features, target, sendMode, params, metrics []byte, err error) {
	if features, err = json.Marshal(m.FeatureNames); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal feature_names: %w", err)
	}
	if target, err = json.Marshal(m.Target); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal target_detail: %w", err)
	}
	if sendMode, err = json.Marshal(m.SendModes.Normalize()); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal send_mode: %w", err)
	}
	p := m.TrainingParams
	if p == nil {
		p = domain.TrainingParams{}
	}
	if params, err = json.Marshal(p); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal training_params: %w", err)
	}
	mt := m.Metrics
	if mt == nil {
		mt = map[string]float64{}
	}
	if metrics, err = json.Marshal(mt); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal metrics: %w", err)
	}
	return features, target, sendMode, params, metrics, nil
}

func scanActiveModel(row pgx.Row) (*domain.ActiveModel, error) {
	var (
		m                                         domain.ActiveModel
		features, target, sendMode, params, mtrcs []byte
		targetKind, filterMode                    string
		phases                                    []int32
	)
	err := row.Scan(
		&m.ID, &m.TrainingModelID, &m.Name, &m.DisplayName, &m.ModelType, &m.ArtifactPath,
		&features, &targetKind, &target, &phases,
		&m.AlertThreshold, &sendMode, &m.WebhookURL, &m.WebhookEnabled, &m.SendIgnoredToWebhook,
		&filterMode, &m.CoinFilter.Whitelist,
		&m.IgnoreBadSec, &m.IgnorePositiveSec, &m.IgnoreAlertSec,
		&m.MaxLogEntriesNegative, &m.MaxLogEntriesPositive, &m.MaxLogEntriesAlert,
		&params, &mtrcs, &m.IsActive, &m.TotalPredictions, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, err
		}
		return nil, ioError("scan active model", err)
	}

	m.TargetKind = domain.TargetKind(targetKind)
	m.CoinFilter.Mode = domain.CoinFilterMode(filterMode)
	for _, p := range phases {
		m.Phases = append(m.Phases, int(p))
	}
	if err := json.Unmarshal(features, &m.FeatureNames); err != nil {
		return nil, fmt.Errorf("decode feature_names: %w", err)
	}
	if err := json.Unmarshal(target, &m.Target); err != nil {
		return nil, fmt.Errorf("decode target_detail: %w", err)
	}
	// send_mode historically held either a string or an array
	if m.SendModes, err = domain.ParseSendModes(sendMode); err != nil {
		return nil, fmt.Errorf("decode send_mode: %w", err)
	}
	if err := json.Unmarshal(params, &m.TrainingParams); err != nil {
		return nil, fmt.Errorf("decode training_params: %w", err)
	}
	if err := json.Unmarshal(mtrcs, &m.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	return &m, nil
}
