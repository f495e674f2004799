package memory

import (
	"context"
	"sync"
	"time"

	"pump-inference/internal/domain"
	"pump-inference/internal/storage"
)

// WebhookLogStore is an in-memory implementation of storage.WebhookLogStore.
type WebhookLogStore struct {
	mu     sync.RWMutex
	data   []*domain.WebhookLog // insertion order
	nextID int64
}

// NewWebhookLogStore creates a new in-memory webhook log store.
func NewWebhookLogStore() *WebhookLogStore {
	return &WebhookLogStore{}
}

// Insert appends a delivery attempt.
func (s *WebhookLogStore) Insert(_ context.Context, l *domain.WebhookLog) error {
	if l == nil || l.URL == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	l.ID = s.nextID
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	copy := *l
	copy.Payload = append([]byte(nil), l.Payload...)
	s.data = append(s.data, &copy)
	return nil
}

// List returns newest entries first.
func (s *WebhookLogStore) List(_ context.Context, coinID string, limit int) ([]*domain.WebhookLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.WebhookLog
	for i := len(s.data) - 1; i >= 0; i-- {
		l := s.data[i]
		if coinID != "" && l.CoinID != coinID {
			continue
		}
		copy := *l
		result = append(result, &copy)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// DeleteBefore removes entries created before t.
func (s *WebhookLogStore) DeleteBefore(_ context.Context, t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.data[:0]
	var removed int64
	for _, l := range s.data {
		if l.CreatedAt.Before(t) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	s.data = kept
	return removed, nil
}

var _ storage.WebhookLogStore = (*WebhookLogStore)(nil)
