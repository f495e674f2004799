package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"pump-inference/internal/domain"
	"pump-inference/internal/storage"
)

type predictionKey struct {
	modelID int64
	coinID  string
	ts      int64
}

// PredictionStore is an in-memory implementation of storage.PredictionStore.
type PredictionStore struct {
	mu     sync.RWMutex
	data   map[int64]*domain.Prediction // keyed by id
	keys   map[predictionKey]int64
	nextID int64
	models *ActiveModelStore // set by NewActiveModelStore
	now    func() time.Time
}

// NewPredictionStore creates a new in-memory prediction store.
func NewPredictionStore() *PredictionStore {
	return &PredictionStore{
		data: make(map[int64]*domain.Prediction),
		keys: make(map[predictionKey]int64),
		now:  time.Now,
	}
}

func keyOf(p *domain.Prediction) predictionKey {
	return predictionKey{modelID: p.ActiveModelID, coinID: p.CoinID, ts: p.PredictionTimestamp.UnixNano()}
}

// Insert stores a live prediction subject to the tag quota.
func (s *PredictionStore) Insert(_ context.Context, p *domain.Prediction, quota int) error {
	if p == nil || p.CoinID == "" || p.ActiveModelID == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(p)
	if _, exists := s.keys[key]; exists {
		return storage.ErrDuplicateKey
	}

	if quota > 0 {
		live := 0
		for _, existing := range s.data {
			if existing.ActiveModelID == p.ActiveModelID && existing.CoinID == p.CoinID &&
				existing.Tag == p.Tag && existing.Status == domain.StatusLive {
				live++
			}
		}
		if live >= quota {
			return storage.ErrQuotaExceeded
		}
	}

	s.nextID++
	p.ID = s.nextID
	p.Status = domain.StatusLive
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	s.data[p.ID] = p.Clone()
	s.keys[key] = p.ID
	return nil
}

// Get returns a prediction by id.
func (s *PredictionStore) Get(_ context.Context, id int64) (*domain.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p.Clone(), nil
}

// Last returns the newest prediction for (model, coin).
func (s *PredictionStore) Last(_ context.Context, activeModelID int64, coinID string) (*domain.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *domain.Prediction
	for _, p := range s.data {
		if p.ActiveModelID != activeModelID || p.CoinID != coinID {
			continue
		}
		if last == nil || p.PredictionTimestamp.After(last.PredictionTimestamp) {
			last = p
		}
	}
	if last == nil {
		return nil, storage.ErrNotFound
	}
	return last.Clone(), nil
}

// List returns predictions matching the filter, newest first.
func (s *PredictionStore) List(_ context.Context, f domain.PredictionFilter) ([]*domain.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Prediction
	for _, p := range s.data {
		if f.CoinID != "" && p.CoinID != f.CoinID {
			continue
		}
		if f.ActiveModelID != 0 && p.ActiveModelID != f.ActiveModelID {
			continue
		}
		if f.Tag != "" && p.Tag != f.Tag {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		result = append(result, p.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].PredictionTimestamp.Equal(result[j].PredictionTimestamp) {
			return result[i].ID > result[j].ID
		}
		return result[i].PredictionTimestamp.After(result[j].PredictionTimestamp)
	})

	return page(result, f.Offset, f.Limit), nil
}

// ListTracking returns live predictions whose horizon has not elapsed.
func (s *PredictionStore) ListTracking(_ context.Context, now time.Time, limit int) ([]*domain.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Prediction
	for _, p := range s.data {
		if p.Status == domain.StatusLive && p.EvaluationTimestamp.After(now) {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PredictionTimestamp.Before(result[j].PredictionTimestamp)
	})
	return page(result, 0, limit), nil
}

// ListDue returns a model's live predictions whose horizon has elapsed.
func (s *PredictionStore) ListDue(_ context.Context, activeModelID int64, now time.Time, limit int) ([]*domain.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Prediction
	for _, p := range s.data {
		if p.ActiveModelID == activeModelID && p.Status == domain.StatusLive && !p.EvaluationTimestamp.After(now) {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].EvaluationTimestamp.Equal(result[j].EvaluationTimestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].EvaluationTimestamp.Before(result[j].EvaluationTimestamp)
	})
	return page(result, 0, limit), nil
}

// ModelsWithDue returns ids of models with due live predictions.
func (s *PredictionStore) ModelsWithDue(_ context.Context, now time.Time) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[int64]bool)
	var ids []int64
	for _, p := range s.data {
		if p.Status == domain.StatusLive && !p.EvaluationTimestamp.After(now) && !seen[p.ActiveModelID] {
			seen[p.ActiveModelID] = true
			ids = append(ids, p.ActiveModelID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// UpdateATH writes new extremes on a live prediction.
func (s *PredictionStore) UpdateATH(_ context.Context, u domain.ATHUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data[u.PredictionID]
	if !ok || p.Status != domain.StatusLive {
		return nil
	}
	applyATH(p, u)
	return nil
}

// Finalize moves a live prediction to final.
func (s *PredictionStore) Finalize(_ context.Context, f domain.Finalization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data[f.PredictionID]
	if !ok || p.Status != domain.StatusLive {
		return storage.ErrNotFound
	}

	applyATH(p, f.ATH)
	outcome := f.Outcome
	evaluatedAt := f.EvaluatedAt
	p.PriceAtEvaluation = copyPtr(f.PriceAtEvaluation)
	p.ActualChangePct = copyPtr(f.ActualChangePct)
	p.Outcome = &outcome
	p.OutcomeNote = f.OutcomeNote
	p.EvaluatedAt = &evaluatedAt
	p.Status = domain.StatusFinal
	return nil
}

// MaxLiveModelTimestamp returns the newest prediction timestamp over active models.
func (s *PredictionStore) MaxLiveModelTimestamp(_ context.Context) (time.Time, error) {
	var active map[int64]bool
	if s.models != nil {
		active = s.models.activeIDs()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest time.Time
	for _, p := range s.data {
		if active != nil && !active[p.ActiveModelID] {
			continue
		}
		if p.PredictionTimestamp.After(latest) {
			latest = p.PredictionTimestamp
		}
	}
	if latest.IsZero() {
		return time.Time{}, storage.ErrNotFound
	}
	return latest, nil
}

// Stats aggregates a model's predictions.
func (s *PredictionStore) Stats(_ context.Context, activeModelID int64) (*domain.ModelStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &domain.ModelStats{
		ActiveModelID: activeModelID,
		ByTag:         make(map[domain.Tag]int64),
		ByOutcome:     make(map[domain.Outcome]int64),
	}
	for _, p := range s.data {
		if p.ActiveModelID != activeModelID {
			continue
		}
		st.Total++
		st.ByTag[p.Tag]++
		if p.Status == domain.StatusLive {
			st.Live++
		} else {
			st.Final++
		}
		if p.Outcome != nil {
			st.ByOutcome[*p.Outcome]++
		}
	}
	return st, nil
}

func (s *PredictionStore) deleteByModel(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for pid, p := range s.data {
		if p.ActiveModelID == id {
			delete(s.keys, keyOf(p))
			delete(s.data, pid)
		}
	}
}

func applyATH(p *domain.Prediction, u domain.ATHUpdate) {
	if u.HighPct != nil {
		p.ATHHighPct = copyPtr(u.HighPct)
		p.ATHHighAt = copyPtr(u.HighAt)
		p.ATHHighPrice = copyPtr(u.HighPrice)
	}
	if u.LowPct != nil {
		p.ATHLowPct = copyPtr(u.LowPct)
		p.ATHLowAt = copyPtr(u.LowAt)
		p.ATHLowPrice = copyPtr(u.LowPrice)
	}
}

func copyPtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

var _ storage.PredictionStore = (*PredictionStore)(nil)
