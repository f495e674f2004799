// Package features builds model input vectors from a coin's observation history.
package features

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pump-inference/internal/domain"
	"pump-inference/internal/observability"
	"pump-inference/internal/storage"
)

// Errors returned by Build.
var (
	ErrDataUnavailable = errors.New("no observation history")
	ErrFeatureMismatch = errors.New("feature mismatch")
)

// Defaults.
const (
	DefaultHistoryLimit    = 1000
	DefaultMaxMissingRatio = 0.5
)

// Vector is a model input in manifest order.
type Vector struct {
	Names   []string
	Values  []float64
	Missing []string // zero-filled names
	// Row is the observation the vector was computed at.
	Row *domain.Observation
}

// Options configures Builder.
type Options struct {
	Observations storage.ObservationStore
	HistoryLimit int
	// MaxMissingRatio is read on every Build so runtime changes apply.
	MaxMissingRatio func() float64
	Metrics         *observability.Metrics
}

// Builder derives feature vectors. It holds no per-call state and is safe
// for concurrent use.
type Builder struct {
	obs          storage.ObservationStore
	historyLimit int
	missingRatio func() float64
	metrics      *observability.Metrics
}

// NewBuilder creates a Builder.
func NewBuilder(opts Options) *Builder {
	b := &Builder{
		obs:          opts.Observations,
		historyLimit: opts.HistoryLimit,
		missingRatio: opts.MaxMissingRatio,
		metrics:      opts.Metrics,
	}
	if b.historyLimit <= 0 {
		b.historyLimit = DefaultHistoryLimit
	}
	if b.missingRatio == nil {
		b.missingRatio = func() float64 { return DefaultMaxMissingRatio }
	}
	if b.metrics == nil {
		b.metrics = observability.NewDiscard()
	}
	return b
}

// Build loads the coin's history at or before tRef in the model's phases
// and returns the vector for the newest row.
func (b *Builder) Build(ctx context.Context, coinID string, tRef time.Time, m *domain.ActiveModel) (*Vector, error) {
	start := time.Now()
	defer func() { b.metrics.FeatureBuildTime.Observe(time.Since(start).Seconds()) }()

	if m.TargetKind == domain.TargetTimeBased {
		for _, name := range m.FeatureNames {
			if name == m.Target.ReferenceVariable {
				return nil, fmt.Errorf("%w: reference variable %q requested as a feature", ErrFeatureMismatch, name)
			}
		}
	}

	rows, err := b.obs.History(ctx, coinID, tRef, m.Phases, b.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: coin %s phases %v", ErrDataUnavailable, coinID, m.Phases)
	}

	var windows []int
	if m.TrainingParams.EngineeredFeatures() {
		windows = m.TrainingParams.WindowSizes()
	}
	frame := Compute(rows, windows, m.TrainingParams.FlagFeatures())
	v, err := Select(frame, m.FeatureNames, b.missingRatio())
	if v != nil {
		for _, name := range v.Missing {
			b.metrics.MissingFeatures.WithLabelValues(name).Inc()
		}
	}
	if err != nil {
		return nil, err
	}
	v.Row = rows[len(rows)-1]
	return v, nil
}

// Select picks names from the newest frame row. Unknown names are
// zero-filled; more than maxMissing of them is ErrFeatureMismatch.
func Select(f *Frame, names []string, maxMissing float64) (*Vector, error) {
	v := &Vector{
		Names:  append([]string(nil), names...),
		Values: make([]float64, len(names)),
	}
	for i, name := range names {
		x, ok := f.Last(name)
		if !ok {
			v.Missing = append(v.Missing, name)
			continue
		}
		v.Values[i] = x
	}
	if len(names) > 0 && float64(len(v.Missing))/float64(len(names)) > maxMissing {
		return v, fmt.Errorf("%w: %d of %d features unavailable: %v", ErrFeatureMismatch, len(v.Missing), len(names), v.Missing)
	}
	return v, nil
}
