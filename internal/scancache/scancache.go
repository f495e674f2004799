// Package scancache remembers the last tag each model produced for each
// coin so the dispatcher can apply ignore windows.
package scancache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"pump-inference/internal/domain"
	"pump-inference/internal/storage"
)

// Entry is the last outcome recorded for a (model, coin) pair.
type Entry struct {
	Tag domain.Tag `json:"tag"`
	At  time.Time  `json:"at"` // prediction timestamp
}

// Store is a scan cache backend.
type Store interface {
	Get(ctx context.Context, modelID int64, coinID string) (Entry, bool, error)
	Set(ctx context.Context, modelID int64, coinID string, e Entry) error
}

func key(modelID int64, coinID string) string {
	return "scan:" + strconv.FormatInt(modelID, 10) + ":" + coinID
}

const lockStripes = 64

// Tracker combines a Store with the prediction table as fallback for
// pairs the cache has not seen since start.
type Tracker struct {
	store Store
	preds storage.PredictionStore
	locks [lockStripes]sync.Mutex
}

// NewTracker creates a Tracker. preds may be nil.
func NewTracker(store Store, preds storage.PredictionStore) *Tracker {
	return &Tracker{store: store, preds: preds}
}

// Lock serializes work on one (model, coin) pair and returns the unlock func.
func (t *Tracker) Lock(modelID int64, coinID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key(modelID, coinID)))
	mu := &t.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Last returns the newest entry for the pair. A backend error falls
// through to the prediction table.
func (t *Tracker) Last(ctx context.Context, modelID int64, coinID string) (Entry, bool, error) {
	if e, ok, err := t.store.Get(ctx, modelID, coinID); err == nil && ok {
		return e, true, nil
	}
	if t.preds == nil {
		return Entry{}, false, nil
	}

	p, err := t.preds.Last(ctx, modelID, coinID)
	if errors.Is(err, storage.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("load last prediction: %w", err)
	}
	e := Entry{Tag: p.Tag, At: p.PredictionTimestamp}
	_ = t.store.Set(ctx, modelID, coinID, e)
	return e, true, nil
}

// Record stores the entry unless a newer one is already present.
func (t *Tracker) Record(ctx context.Context, modelID int64, coinID string, e Entry) error {
	if cur, ok, err := t.store.Get(ctx, modelID, coinID); err == nil && ok && cur.At.After(e.At) {
		return nil
	}
	return t.store.Set(ctx, modelID, coinID, e)
}

// Ignored reports whether an observation at ts falls inside the model's
// ignore window for the pair's last tag. Windows compare observation
// timestamps, not wall clock.
func (t *Tracker) Ignored(ctx context.Context, m *domain.ActiveModel, coinID string, ts time.Time) (bool, Entry, error) {
	last, ok, err := t.Last(ctx, m.ID, coinID)
	if err != nil || !ok {
		return false, Entry{}, err
	}
	window := m.IgnoreWindow(last.Tag)
	if window <= 0 {
		return false, last, nil
	}
	return ts.Sub(last.At) < window, last, nil
}
