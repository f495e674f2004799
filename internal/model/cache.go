package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"pump-inference/internal/domain"
	"pump-inference/internal/observability"
)

// DefaultCapacity is the number of decoded ensembles kept in memory.
const DefaultCapacity = 10

// Downloader fetches artifact bytes from the training service.
type Downloader interface {
	Download(ctx context.Context, trainingModelID int64) ([]byte, error)
}

// PathUpdater persists a recovered artifact path.
type PathUpdater interface {
	UpdateArtifactPath(ctx context.Context, id int64, path string) error
}

// Health is the process-local load state of one active model.
type Health struct {
	Healthy   bool      `json:"healthy"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// CacheOptions configures Cache.
type CacheOptions struct {
	StorageDir string
	Capacity   int
	Downloader Downloader
	Models     PathUpdater
	// RetryAfter is how long an unhealthy model is skipped before the
	// next recovery attempt.
	RetryAfter time.Duration
	Logger     zerolog.Logger
	Metrics    *observability.Metrics
}

// Cache is a process-wide LRU of decoded ensembles keyed by absolute
// artifact path. Missing or corrupt artifacts are re-downloaded once per
// RetryAfter.
type Cache struct {
	dir        string
	downloader Downloader
	models     PathUpdater
	retryAfter time.Duration
	log        zerolog.Logger
	metrics    *observability.Metrics
	now        func() time.Time

	entries *lru.Cache[string, *Ensemble]
	loads   singleflight.Group

	mu        sync.RWMutex
	health    map[int64]Health
	recovered map[int64]string // model id -> path written by recovery
}

// NewCache creates a Cache.
func NewCache(opts CacheOptions) (*Cache, error) {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	entries, err := lru.New[string, *Ensemble](capacity)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	dir, err := filepath.Abs(opts.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewDiscard()
	}
	retry := opts.RetryAfter
	if retry <= 0 {
		retry = 30 * time.Second
	}

	return &Cache{
		dir:        dir,
		downloader: opts.Downloader,
		models:     opts.Models,
		retryAfter: retry,
		log:        opts.Logger.With().Str("component", "model_cache").Logger(),
		metrics:    metrics,
		now:        time.Now,
		entries:    entries,
		health:     make(map[int64]Health),
		recovered:  make(map[int64]string),
	}, nil
}

// Get returns the ensemble for m, loading or recovering its artifact.
func (c *Cache) Get(ctx context.Context, m *domain.ActiveModel) (*Ensemble, error) {
	if h, ok := c.Health(m.ID); ok && !h.Healthy && c.now().Sub(h.CheckedAt) < c.retryAfter {
		return nil, fmt.Errorf("%w: %s", ErrModelUnhealthy, h.LastError)
	}

	if path := c.pathFor(m); path != "" {
		if e, ok := c.entries.Get(path); ok {
			return e, nil
		}
	}

	v, err, _ := c.loads.Do(strconv.FormatInt(m.ID, 10), func() (interface{}, error) {
		return c.load(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Ensemble), nil
}

func (c *Cache) load(ctx context.Context, m *domain.ActiveModel) (*Ensemble, error) {
	e, err := c.loadFile(c.pathFor(m), m.FeatureNames)
	if err == nil {
		c.setHealth(m.ID, nil)
		return e, nil
	}
	if !errors.Is(err, ErrArtifactMissing) && !errors.Is(err, ErrArtifactInvalid) {
		c.setHealth(m.ID, err)
		return nil, err
	}

	c.log.Warn().Err(err).Int64("active_model_id", m.ID).Int64("training_model_id", m.TrainingModelID).
		Msg("artifact unusable, re-downloading")

	path, ferr := c.Fetch(ctx, m.TrainingModelID)
	if ferr == nil {
		e, ferr = c.loadFile(path, m.FeatureNames)
	}
	if ferr != nil {
		c.metrics.ArtifactRecovered.WithLabelValues("failed").Inc()
		err = fmt.Errorf("%w: %w; recovery: %w", ErrModelUnhealthy, err, ferr)
		c.setHealth(m.ID, err)
		return nil, err
	}
	c.metrics.ArtifactRecovered.WithLabelValues("ok").Inc()

	c.mu.Lock()
	c.recovered[m.ID] = path
	c.mu.Unlock()

	if c.models != nil {
		if err := c.models.UpdateArtifactPath(ctx, m.ID, path); err != nil {
			c.log.Error().Err(err).Int64("active_model_id", m.ID).Msg("failed to persist recovered artifact path")
		}
	}
	c.setHealth(m.ID, nil)
	return e, nil
}

func (c *Cache) loadFile(path string, manifest []string) (*Ensemble, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no local path", ErrArtifactMissing)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, path)
		}
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	e, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := e.CheckManifest(manifest); err != nil {
		return nil, err
	}
	c.entries.Add(path, e)
	return e, nil
}

// Fetch downloads and validates a model artifact, writes it under the
// storage directory and returns its absolute path.
func (c *Cache) Fetch(ctx context.Context, trainingModelID int64) (string, error) {
	if c.downloader == nil {
		return "", errors.New("no training service configured")
	}
	data, err := c.downloader.Download(ctx, trainingModelID)
	if err != nil {
		return "", fmt.Errorf("download model %d: %w", trainingModelID, err)
	}
	if _, err := Decode(data); err != nil {
		return "", fmt.Errorf("downloaded model %d: %w", trainingModelID, err)
	}

	name := fmt.Sprintf("model_%d.json", trainingModelID)
	if IsGzip(data) {
		name += ".gz"
	}
	path := filepath.Join(c.dir, name)

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("create model dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("replace artifact: %w", err)
	}
	c.entries.Remove(path)
	return path, nil
}

// Invalidate drops the cached entry and health state of a model so the
// next Get re-reads its artifact.
func (c *Cache) Invalidate(m *domain.ActiveModel) {
	if path := c.pathFor(m); path != "" {
		c.entries.Remove(path)
	}
	c.mu.Lock()
	delete(c.health, m.ID)
	c.mu.Unlock()
}

// Forget removes all state for a deleted model.
func (c *Cache) Forget(m *domain.ActiveModel) {
	c.Invalidate(m)
	c.mu.Lock()
	delete(c.recovered, m.ID)
	c.mu.Unlock()
}

// Health returns the recorded load state of a model.
func (c *Cache) Health(id int64) (Health, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.health[id]
	return h, ok
}

// UnhealthyCount returns the number of models whose last load failed.
func (c *Cache) UnhealthyCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, h := range c.health {
		if !h.Healthy {
			n++
		}
	}
	return n
}

// Len returns the number of cached ensembles.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) setHealth(id int64, err error) {
	h := Health{Healthy: err == nil, CheckedAt: c.now()}
	if err != nil {
		h.LastError = err.Error()
	}
	c.mu.Lock()
	c.health[id] = h
	c.mu.Unlock()
	c.metrics.UnhealthyModels.Set(float64(c.UnhealthyCount()))
}

// pathFor prefers a path written by recovery over the snapshot's, which
// may be stale until the next model refresh.
func (c *Cache) pathFor(m *domain.ActiveModel) string {
	c.mu.RLock()
	p, ok := c.recovered[m.ID]
	c.mu.RUnlock()
	if ok {
		return p
	}
	if m.ArtifactPath == "" {
		return ""
	}
	if abs, err := filepath.Abs(m.ArtifactPath); err == nil {
		return abs
	}
	return m.ArtifactPath
}
