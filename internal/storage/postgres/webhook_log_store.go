package postgres

import (
	"context"
	"time"

	"pump-inference/internal/domain"
	"pump-inference/internal/storage"
)

// WebhookLogStore implements storage.WebhookLogStore using PostgreSQL.
type WebhookLogStore struct {
	pool *Pool
}

// NewWebhookLogStore creates a new WebhookLogStore.
func NewWebhookLogStore(pool *Pool) *WebhookLogStore {
	return &WebhookLogStore{pool: pool}
}

// Compile-time interface check.
var _ storage.WebhookLogStore = (*WebhookLogStore)(nil)

// Insert appends a delivery attempt.
func (s *WebhookLogStore) Insert(ctx context.Context, l *domain.WebhookLog) error {
	if l == nil || l.URL == "" {
		return storage.ErrInvalidInput
	}
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	query := `
		INSERT INTO webhook_log (
			delivery_id, coin_id, prediction_timestamp, url, payload, http_status, body, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err := s.pool.QueryRow(ctx, query,
		l.DeliveryID, l.CoinID, l.PredictionTimestamp, l.URL, []byte(l.Payload),
		l.HTTPStatus, l.Body, l.Error,
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return ioError("insert webhook log", err)
	}
	return nil
}

// List returns newest entries first.
func (s *WebhookLogStore) List(ctx context.Context, coinID string, limit int) ([]*domain.WebhookLog, error) {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	query := `
		SELECT id, delivery_id, coin_id, prediction_timestamp, url, payload, http_status, body, error, created_at
		FROM webhook_log
		WHERE $1 = '' OR coin_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($2::int, 0)
	`
	rows, err := s.pool.Query(ctx, query, coinID, limit)
	if err != nil {
		return nil, ioError("query webhook log", err)
	}
	defer rows.Close()

	var result []*domain.WebhookLog
	for rows.Next() {
		var l domain.WebhookLog
		var payload []byte
		if err := rows.Scan(&l.ID, &l.DeliveryID, &l.CoinID, &l.PredictionTimestamp, &l.URL, &payload,
			&l.HTTPStatus, &l.Body, &l.Error, &l.CreatedAt); err != nil {
			return nil, ioError("scan webhook log", err)
		}
		l.Payload = payload
		result = append(result, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, ioError("iterate webhook log", err)
	}
	return result, nil
}

// DeleteBefore removes entries created before t.
func (s *WebhookLogStore) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	ctx, cancel := s.pool.queryContext(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_log WHERE created_at < $1`, t)
	if err != nil {
		return 0, ioError("prune webhook log", err)
	}
	return tag.RowsAffected(), nil
}
