package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"pump-inference/internal/domain"
	"pump-inference/internal/storage"
)

// ObservationStore is an in-memory stand-in for the coin_metrics table.
type ObservationStore struct {
	mu   sync.RWMutex
	data map[string][]*domain.Observation // keyed by mint, sorted by timestamp ASC
}

// NewObservationStore creates a new in-memory observation store.
func NewObservationStore() *ObservationStore {
	return &ObservationStore{
		data: make(map[string][]*domain.Observation),
	}
}

// Add appends observations. Rows with an existing (mint, timestamp) key replace it.
func (s *ObservationStore) Add(obs ...*domain.Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range obs {
		copy := *o
		series := s.data[o.Mint]
		idx := sort.Search(len(series), func(i int) bool {
			return !series[i].Timestamp.Before(o.Timestamp)
		})
		if idx < len(series) && series[idx].Timestamp.Equal(o.Timestamp) {
			series[idx] = &copy
			continue
		}
		series = append(series, nil)
		for i := len(series) - 1; i > idx; i-- {
			series[i] = series[i-1]
		}
		series[idx] = &copy
		s.data[o.Mint] = series
	}
}

// LatestAfter returns each mint's latest observation when it sorts after the cursor.
func (s *ObservationStore) LatestAfter(_ context.Context, after storage.Cursor, limit int) ([]*domain.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Observation
	for _, series := range s.data {
		if len(series) == 0 {
			continue
		}
		if o := series[len(series)-1]; after.Before(o) {
			copy := *o
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Mint < result[j].Mint
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// AtOrBefore returns the latest observation at or before t.
func (s *ObservationStore) AtOrBefore(_ context.Context, mint string, t time.Time) (*domain.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.data[mint]
	idx := sort.Search(len(series), func(i int) bool {
		return series[i].Timestamp.After(t)
	})
	if idx == 0 {
		return nil, storage.ErrNotFound
	}
	copy := *series[idx-1]
	return &copy, nil
}

// Range returns observations in (from, to].
func (s *ObservationStore) Range(_ context.Context, mint string, from, to time.Time) ([]*domain.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Observation
	for _, o := range s.data[mint] {
		if o.Timestamp.After(from) && !o.Timestamp.After(to) {
			copy := *o
			result = append(result, &copy)
		}
	}
	return result, nil
}

// History returns up to limit most recent observations at or before until.
func (s *ObservationStore) History(_ context.Context, mint string, until time.Time, phases []int, limit int) ([]*domain.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Observation
	series := s.data[mint]
	for i := len(series) - 1; i >= 0; i-- {
		o := series[i]
		if o.Timestamp.After(until) || !o.InPhases(phases) {
			continue
		}
		copy := *o
		result = append(result, &copy)
		if limit > 0 && len(result) == limit {
			break
		}
	}

	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// MaxTimestamp returns the newest observation timestamp.
func (s *ObservationStore) MaxTimestamp(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest time.Time
	for _, series := range s.data {
		if len(series) > 0 && series[len(series)-1].Timestamp.After(latest) {
			latest = series[len(series)-1].Timestamp
		}
	}
	if latest.IsZero() {
		return time.Time{}, storage.ErrNotFound
	}
	return latest, nil
}

var _ storage.ObservationStore = (*ObservationStore)(nil)
