package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"pump-inference/internal/domain"
	"pump-inference/internal/storage"
)

// ActiveModelStore is an in-memory implementation of storage.ActiveModelStore.
type ActiveModelStore struct {
	mu     sync.RWMutex
	data   map[int64]*domain.ActiveModel // keyed by id
	nextID int64
	preds  *PredictionStore // cascade target, may be nil
	now    func() time.Time
}

// NewActiveModelStore creates a new in-memory active model store.
// Deleting a model also deletes its predictions from preds when non-nil.
func NewActiveModelStore(preds *PredictionStore) *ActiveModelStore {
	s := &ActiveModelStore{
		data:  make(map[int64]*domain.ActiveModel),
		preds: preds,
		now:   time.Now,
	}
	if preds != nil {
		preds.models = s
	}
	return s
}

// List returns models ordered by id.
func (s *ActiveModelStore) List(_ context.Context, includeInactive bool) ([]*domain.ActiveModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ActiveModel
	for _, m := range s.data {
		if includeInactive || m.IsActive {
			result = append(result, m.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Get returns a model by id.
func (s *ActiveModelStore) Get(_ context.Context, id int64) (*domain.ActiveModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m.Clone(), nil
}

// Upsert inserts or updates by training_model_id.
func (s *ActiveModelStore) Upsert(_ context.Context, m *domain.ActiveModel) error {
	if m == nil || m.TrainingModelID <= 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	for id, existing := range s.data {
		if existing.TrainingModelID == m.TrainingModelID {
			m.ID = id
			m.CreatedAt = existing.CreatedAt
			m.TotalPredictions = existing.TotalPredictions
			m.UpdatedAt = now
			s.data[id] = m.Clone()
			return nil
		}
	}

	s.nextID++
	m.ID = s.nextID
	m.CreatedAt = now
	m.UpdatedAt = now
	s.data[m.ID] = m.Clone()
	return nil
}

// SetActive toggles is_active.
func (s *ActiveModelStore) SetActive(_ context.Context, id int64, active bool) error {
	return s.update(id, func(m *domain.ActiveModel) { m.IsActive = active })
}

// Rename sets the display name.
func (s *ActiveModelStore) Rename(_ context.Context, id int64, name string) error {
	return s.update(id, func(m *domain.ActiveModel) { m.DisplayName = name })
}

// UpdateSettings replaces the user-editable settings.
func (s *ActiveModelStore) UpdateSettings(_ context.Context, id int64, settings domain.ModelSettings) error {
	return s.update(id, func(m *domain.ActiveModel) { m.ApplySettings(settings) })
}

// UpdateArtifactPath rewrites the artifact location.
func (s *ActiveModelStore) UpdateArtifactPath(_ context.Context, id int64, path string) error {
	return s.update(id, func(m *domain.ActiveModel) { m.ArtifactPath = path })
}

// IncrementPredictions bumps total_predictions.
func (s *ActiveModelStore) IncrementPredictions(_ context.Context, id int64, n int64) error {
	return s.update(id, func(m *domain.ActiveModel) { m.TotalPredictions += n })
}

// Delete removes the model and its predictions.
func (s *ActiveModelStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	if _, ok := s.data[id]; !ok {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	delete(s.data, id)
	s.mu.Unlock()

	if s.preds != nil {
		s.preds.deleteByModel(id)
	}
	return nil
}

func (s *ActiveModelStore) update(id int64, fn func(m *domain.ActiveModel)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.data[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(m)
	m.UpdatedAt = s.now().UTC()
	return nil
}

// activeIDs returns the ids of active models.
func (s *ActiveModelStore) activeIDs() map[int64]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make(map[int64]bool, len(s.data))
	for id, m := range s.data {
		if m.IsActive {
			ids[id] = true
		}
	}
	return ids
}

var _ storage.ActiveModelStore = (*ActiveModelStore)(nil)
