package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pump-inference/internal/domain"
	"pump-inference/internal/observability"
)

// Result is one model output.
type Result struct {
	Class       int
	Probability float64
}

// Predictor applies cached ensembles to feature vectors.
type Predictor struct {
	cache   *Cache
	metrics *observability.Metrics
}

// NewPredictor creates a Predictor over cache.
func NewPredictor(cache *Cache, metrics *observability.Metrics) *Predictor {
	if metrics == nil {
		metrics = observability.NewDiscard()
	}
	return &Predictor{cache: cache, metrics: metrics}
}

// Predict runs m on x. Errors wrap ErrModelUnhealthy when the artifact
// could not be loaded and ErrInference when evaluation failed.
func (p *Predictor) Predict(ctx context.Context, m *domain.ActiveModel, x []float64) (res Result, err error) {
	e, err := p.cache.Get(ctx, m)
	if err != nil {
		if errors.Is(err, ErrModelUnhealthy) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %w", ErrModelUnhealthy, err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrInference, r)
		}
		if err != nil {
			p.cache.Invalidate(m)
		}
	}()

	start := time.Now()
	class, prob, err := e.Predict(x)
	p.metrics.InferenceLatency.WithLabelValues(e.ModelType()).Observe(time.Since(start).Seconds())
	if err != nil {
		return Result{}, err
	}
	return Result{Class: class, Probability: prob}, nil
}

// Cache returns the underlying cache.
func (p *Predictor) Cache() *Cache {
	return p.cache
}
