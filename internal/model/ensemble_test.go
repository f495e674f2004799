package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsemble_RandomForest(t *testing.T) {
	e, err := Decode(encode(t, forestArtifact(), false))
	require.NoError(t, err)

	tests := []struct {
		name  string
		x     []float64
		class int
		prob  float64
	}{
		{"both left", []float64{0.2, 0}, 0, 0.35},
		{"both right", []float64{0.9, 2}, 1, 0.95},
		{"split equals threshold goes left", []float64{0.5, 1.0}, 0, 0.35},
		{"nan treated as zero", []float64{math.NaN(), math.NaN()}, 0, 0.35},
		{"mixed", []float64{0.9, 0}, 1, 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, prob, err := e.Predict(tt.x)
			require.NoError(t, err)
			assert.Equal(t, tt.class, class)
			assert.InDelta(t, tt.prob, prob, 1e-12)
		})
	}
}

func TestEnsemble_GradientBoosting(t *testing.T) {
	e, err := Decode(encode(t, boostedArtifact(), true))
	require.NoError(t, err)

	class, prob, err := e.Predict([]float64{1})
	require.NoError(t, err)
	assert.Equal(t, 1, class)
	assert.InDelta(t, 1/(1+math.Exp(-0.5)), prob, 1e-12)

	class, prob, err = e.Predict([]float64{-1})
	require.NoError(t, err)
	assert.Equal(t, 0, class)
	assert.InDelta(t, 1/(1+math.Exp(0.5)), prob, 1e-12)
}

func TestEnsemble_ArityMismatch(t *testing.T) {
	e, err := Decode(encode(t, forestArtifact(), false))
	require.NoError(t, err)

	_, _, err = e.Predict([]float64{1})
	assert.ErrorIs(t, err, ErrInference)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(a *Artifact)
	}{
		{"version", func(a *Artifact) { a.FormatVersion = 9 }},
		{"model type", func(a *Artifact) { a.ModelType = "svm" }},
		{"no trees", func(a *Artifact) { a.Trees = nil }},
		{"names vs n_features", func(a *Artifact) { a.FeatureNames = []string{"x"} }},
		{"no positive class", func(a *Artifact) { a.Classes = []int{0, 2} }},
		{"child loops back", func(a *Artifact) { a.Trees[0].ChildrenLeft[0] = 0 }},
		{"feature out of range", func(a *Artifact) { a.Trees[1].Feature[0] = 5 }},
		{"short leaf", func(a *Artifact) { a.Trees[0].Value[1] = []float64{1} }},
		{"ragged arrays", func(a *Artifact) { a.Trees[0].Threshold = a.Trees[0].Threshold[:2] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := forestArtifact()
			tt.mutate(a)
			_, err := Decode(encode(t, a, false))
			assert.ErrorIs(t, err, ErrArtifactInvalid)
		})
	}

	_, err := Decode([]byte("not json"))
	assert.ErrorIs(t, err, ErrArtifactInvalid)
}

func TestEnsemble_CheckManifest(t *testing.T) {
	e, err := Decode(encode(t, forestArtifact(), false))
	require.NoError(t, err)

	assert.NoError(t, e.CheckManifest([]string{"volume_sol", "num_buys"}))
	assert.ErrorIs(t, e.CheckManifest([]string{"num_buys", "volume_sol"}), ErrArtifactInvalid)
	assert.ErrorIs(t, e.CheckManifest([]string{"volume_sol"}), ErrArtifactInvalid)

	anon, err := Decode(encode(t, boostedArtifact(), false))
	require.NoError(t, err)
	assert.NoError(t, anon.CheckManifest([]string{"anything"}))
}
