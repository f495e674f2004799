package model

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"pump-inference/internal/domain"
)

// stump is a depth-1 tree splitting on feature f at thr.
func stump(f int, thr float64, left, right []float64) TreeDef {
	return TreeDef{
		ChildrenLeft:  []int{1, -1, -1},
		ChildrenRight: []int{2, -1, -1},
		Feature:       []int{f, -2, -2},
		Threshold:     []float64{thr, -2, -2},
		Value:         [][]float64{{0, 0}, left, right},
	}
}

func forestArtifact() *Artifact {
	return &Artifact{
		FormatVersion: FormatVersion,
		ModelType:     domain.ModelTypeRandomForest,
		FeatureNames:  []string{"volume_sol", "num_buys"},
		NFeatures:     2,
		Classes:       []int{0, 1},
		Trees: []TreeDef{
			stump(0, 0.5, []float64{8, 2}, []float64{1, 9}),
			stump(1, 1.0, []float64{5, 5}, []float64{0, 10}),
		},
	}
}

func boostedArtifact() *Artifact {
	return &Artifact{
		FormatVersion: FormatVersion,
		ModelType:     domain.ModelTypeGradientBoosting,
		NFeatures:     1,
		LearningRate:  0.1,
		Trees:         []TreeDef{stump(0, 0, []float64{-5}, []float64{5})},
	}
}

func encode(t *testing.T, a *Artifact, gz bool) []byte {
	t.Helper()
	data, err := json.Marshal(a)
	require.NoError(t, err)
	if !gz {
		return data
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeArtifact(t *testing.T, dir string, a *Artifact) string {
	t.Helper()
	path := filepath.Join(dir, "artifact.json")
	require.NoError(t, os.WriteFile(path, encode(t, a, false), 0o644))
	return path
}

func forestModel(path string) *domain.ActiveModel {
	return &domain.ActiveModel{
		ID:              1,
		TrainingModelID: 11,
		ModelType:       domain.ModelTypeRandomForest,
		ArtifactPath:    path,
		FeatureNames:    []string{"volume_sol", "num_buys"},
	}
}
