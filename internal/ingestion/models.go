package ingestion

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pump-inference/internal/domain"
	"pump-inference/internal/storage"
)

// DefaultModelRefresh is how long a model snapshot is reused.
const DefaultModelRefresh = 10 * time.Second

// Snapshot is an immutable list of active models. Readers must not
// modify the models.
type Snapshot struct {
	Models   []*domain.ActiveModel
	LoadedAt time.Time
}

// Get returns the model with the given id, or nil.
func (s *Snapshot) Get(id int64) *domain.ActiveModel {
	if s == nil {
		return nil
	}
	for _, m := range s.Models {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// ModelSet publishes active-model snapshots. A refresh builds a new
// snapshot and swaps it in atomically.
type ModelSet struct {
	store   storage.ActiveModelStore
	refresh time.Duration
	now     func() time.Time

	current atomic.Pointer[Snapshot]
	stale   atomic.Bool
	mu      sync.Mutex // serializes reloads
}

// NewModelSet creates a ModelSet. refresh <= 0 uses DefaultModelRefresh.
func NewModelSet(store storage.ActiveModelStore, refresh time.Duration) *ModelSet {
	if refresh <= 0 {
		refresh = DefaultModelRefresh
	}
	return &ModelSet{store: store, refresh: refresh, now: time.Now}
}

// Current returns the last published snapshot, possibly nil.
func (s *ModelSet) Current() *Snapshot {
	return s.current.Load()
}

// Invalidate forces a reload on the next Get.
func (s *ModelSet) Invalidate() {
	s.stale.Store(true)
}

// Get returns a snapshot no older than the refresh period. When a reload
// fails the previous snapshot is returned together with the error.
func (s *ModelSet) Get(ctx context.Context) (*Snapshot, error) {
	if snap := s.current.Load(); snap != nil && !s.stale.Load() && s.now().Sub(snap.LoadedAt) < s.refresh {
		return snap, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if snap := s.current.Load(); snap != nil && !s.stale.Load() && s.now().Sub(snap.LoadedAt) < s.refresh {
		return snap, nil
	}
	return s.reload(ctx)
}

// Reload rebuilds the snapshot unconditionally.
func (s *ModelSet) Reload(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reload(ctx)
}

func (s *ModelSet) reload(ctx context.Context) (*Snapshot, error) {
	s.stale.Store(false)
	models, err := s.store.List(ctx, false)
	if err != nil {
		return s.current.Load(), err
	}
	snap := &Snapshot{Models: make([]*domain.ActiveModel, 0, len(models)), LoadedAt: s.now()}
	for _, m := range models {
		snap.Models = append(snap.Models, m.Clone())
	}
	s.current.Store(snap)
	return snap, nil
}
