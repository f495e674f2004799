package features

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pump-inference/internal/domain"
	"pump-inference/internal/observability"
	"pump-inference/internal/storage/memory"
)

func ptr[T any](v T) *T { return &v }

func timeModel(features ...string) *domain.ActiveModel {
	return &domain.ActiveModel{
		ID:              1,
		TrainingModelID: 11,
		ModelType:       domain.ModelTypeRandomForest,
		FeatureNames:    features,
		TargetKind:      domain.TargetTimeBased,
		Target: domain.TargetDetail{
			HorizonMinutes:    10,
			MinChangePct:      5,
			Direction:         domain.DirectionUp,
			ReferenceVariable: "price_close",
		},
		TrainingParams: domain.TrainingParams{
			"use_engineered_features": true,
			"use_flag_features":       true,
			"window_sizes":            []any{5.0},
		},
	}
}

func seedHistory(store *memory.ObservationStore, mint string, n int, phase int) {
	for i := 0; i < n; i++ {
		o := row(i, float64(i+1), float64(i+1))
		o.Mint = mint
		o.PhaseID = ptr(phase)
		o.VolumeSol = float64(10 + i)
		o.NumBuys = int64(i)
		store.Add(o)
	}
}

func TestBuild_SelectsNewestRow(t *testing.T) {
	store := memory.NewObservationStore()
	seedHistory(store, "A", 8, 1)
	b := NewBuilder(Options{Observations: store})

	m := timeModel("volume_sol", "num_buys", "price_roc_5", "price_roc_5_has_data")
	v, err := b.Build(context.Background(), "A", t0.Add(7*time.Minute), m)
	require.NoError(t, err)

	assert.Equal(t, m.FeatureNames, v.Names)
	assert.Equal(t, 17.0, v.Values[0])
	assert.Equal(t, 7.0, v.Values[1])
	assert.InDelta(t, 100*(8.0-3.0)/3.0, v.Values[2], 1e-9)
	assert.Equal(t, 1.0, v.Values[3])
	assert.Empty(t, v.Missing)
	require.NotNil(t, v.Row)
	assert.Equal(t, t0.Add(7*time.Minute), v.Row.Timestamp)
}

func TestBuild_TrainingParamsSelectColumns(t *testing.T) {
	store := memory.NewObservationStore()
	seedHistory(store, "A", 8, 1)
	b := NewBuilder(Options{Observations: store, MaxMissingRatio: func() float64 { return 1 }})

	m := timeModel("volume_sol", "price_roc_5", "price_roc_5_has_data")
	m.TrainingParams["use_flag_features"] = false
	v, err := b.Build(context.Background(), "A", t0.Add(7*time.Minute), m)
	require.NoError(t, err)
	assert.Equal(t, []string{"price_roc_5_has_data"}, v.Missing)

	m.TrainingParams["use_engineered_features"] = false
	v, err = b.Build(context.Background(), "A", t0.Add(7*time.Minute), m)
	require.NoError(t, err)
	assert.Equal(t, []string{"price_roc_5", "price_roc_5_has_data"}, v.Missing)
	assert.Equal(t, 17.0, v.Values[0])
}

func TestBuild_HistoryCutoff(t *testing.T) {
	store := memory.NewObservationStore()
	seedHistory(store, "A", 8, 1)
	b := NewBuilder(Options{Observations: store})

	v, err := b.Build(context.Background(), "A", t0.Add(3*time.Minute), timeModel("volume_sol"))
	require.NoError(t, err)
	assert.Equal(t, 13.0, v.Values[0])
}

func TestBuild_PhaseFilterLeavesNoData(t *testing.T) {
	store := memory.NewObservationStore()
	seedHistory(store, "A", 3, 1)
	b := NewBuilder(Options{Observations: store})

	m := timeModel("volume_sol")
	m.Phases = []int{2}
	_, err := b.Build(context.Background(), "A", t0.Add(time.Hour), m)
	assert.True(t, errors.Is(err, ErrDataUnavailable), "got %v", err)

	_, err = b.Build(context.Background(), "unknown", t0.Add(time.Hour), timeModel("volume_sol"))
	assert.True(t, errors.Is(err, ErrDataUnavailable), "got %v", err)
}

func TestBuild_RejectsReferenceVariable(t *testing.T) {
	store := memory.NewObservationStore()
	seedHistory(store, "A", 3, 1)
	b := NewBuilder(Options{Observations: store})

	_, err := b.Build(context.Background(), "A", t0.Add(time.Hour), timeModel("volume_sol", "price_close"))
	assert.True(t, errors.Is(err, ErrFeatureMismatch), "got %v", err)
}

func TestBuild_MissingFeatures(t *testing.T) {
	store := memory.NewObservationStore()
	seedHistory(store, "A", 3, 1)
	metrics := observability.NewDiscard()
	ratio := 0.5
	b := NewBuilder(Options{
		Observations:    store,
		Metrics:         metrics,
		MaxMissingRatio: func() float64 { return ratio },
	})

	v, err := b.Build(context.Background(), "A", t0.Add(time.Hour), timeModel("volume_sol", "mystery"))
	require.NoError(t, err)
	assert.Equal(t, []string{"mystery"}, v.Missing)
	assert.Equal(t, 0.0, v.Values[1])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MissingFeatures.WithLabelValues("mystery")))

	ratio = 0.25
	_, err = b.Build(context.Background(), "A", t0.Add(time.Hour), timeModel("volume_sol", "mystery"))
	assert.True(t, errors.Is(err, ErrFeatureMismatch), "got %v", err)
}

func TestBuild_Idempotent(t *testing.T) {
	store := memory.NewObservationStore()
	seedHistory(store, "A", 20, 1)
	b := NewBuilder(Options{Observations: store})

	m := timeModel("volume_ratio_5", "ath_distance_pct", "mcap_velocity_5", "buy_pressure_trend_5")
	first, err := b.Build(context.Background(), "A", t0.Add(time.Hour), m)
	require.NoError(t, err)
	second, err := b.Build(context.Background(), "A", t0.Add(time.Hour), m)
	require.NoError(t, err)

	assert.Equal(t, first.Values, second.Values)
}

func TestSelect_EmptyNames(t *testing.T) {
	f := Compute([]*domain.Observation{row(0, 1, 1)}, nil, true)
	v, err := Select(f, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, v.Values)
}
