package scancache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultTTL bounds how long an entry is kept. Longer ignore windows fall
// back to the prediction table after expiry.
const DefaultTTL = 24 * time.Hour

// MemoryStore is a process-local Store.
type MemoryStore struct {
	c *gocache.Cache
}

// NewMemoryStore creates a MemoryStore. ttl <= 0 uses DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{c: gocache.New(ttl, ttl/4)}
}

func (s *MemoryStore) Get(_ context.Context, modelID int64, coinID string) (Entry, bool, error) {
	v, ok := s.c.Get(key(modelID, coinID))
	if !ok {
		return Entry{}, false, nil
	}
	return v.(Entry), true, nil
}

func (s *MemoryStore) Set(_ context.Context, modelID int64, coinID string, e Entry) error {
	s.c.SetDefault(key(modelID, coinID), e)
	return nil
}

// Len returns the number of unexpired entries.
func (s *MemoryStore) Len() int { return s.c.ItemCount() }

var _ Store = (*MemoryStore)(nil)
