// Package model loads tree-ensemble artifacts and runs inference.
package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"pump-inference/internal/domain"
)

// Errors returned by the model package.
var (
	ErrArtifactMissing = errors.New("model artifact missing")
	ErrArtifactInvalid = errors.New("model artifact invalid")
	ErrInference       = errors.New("inference error")
	ErrModelUnhealthy  = errors.New("model unhealthy")
)

// FormatVersion is the artifact schema version understood by Decode.
const FormatVersion = 1

// Artifact is the JSON export of a fitted scikit-learn ensemble.
// Trees carry the raw tree_ arrays.
type Artifact struct {
	FormatVersion int       `json:"format_version"`
	ModelType     string    `json:"model_type"`
	FeatureNames  []string  `json:"feature_names,omitempty"`
	NFeatures     int       `json:"n_features"`
	Classes       []int     `json:"classes,omitempty"`
	LearningRate  float64   `json:"learning_rate,omitempty"`
	InitRaw       float64   `json:"init_raw,omitempty"`
	Trees         []TreeDef `json:"trees"`
}

// TreeDef is one decision tree in array form. A node is a leaf when
// ChildrenLeft[i] == -1.
type TreeDef struct {
	ChildrenLeft  []int       `json:"children_left"`
	ChildrenRight []int       `json:"children_right"`
	Feature       []int       `json:"feature"`
	Threshold     []float64   `json:"threshold"`
	Value         [][]float64 `json:"value"`
}

var gzipMagic = []byte{0x1f, 0x8b}

// IsGzip reports whether data starts with the gzip magic number.
func IsGzip(data []byte) bool {
	return bytes.HasPrefix(data, gzipMagic)
}

// Decode parses and validates an artifact. Gzip input is detected by magic bytes.
func Decode(data []byte) (*Ensemble, error) {
	if IsGzip(data) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %w", ErrArtifactInvalid, err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("%w: gzip: %w", ErrArtifactInvalid, err)
		}
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArtifactInvalid, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return newEnsemble(&a), nil
}

// Validate checks structural invariants so that evaluation cannot loop or index out of range.
func (a *Artifact) Validate() error {
	if a.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: unsupported format_version %d", ErrArtifactInvalid, a.FormatVersion)
	}
	if a.ModelType != domain.ModelTypeRandomForest && a.ModelType != domain.ModelTypeGradientBoosting {
		return fmt.Errorf("%w: unsupported model_type %q", ErrArtifactInvalid, a.ModelType)
	}
	if a.NFeatures <= 0 {
		return fmt.Errorf("%w: n_features must be > 0", ErrArtifactInvalid)
	}
	if len(a.FeatureNames) > 0 && len(a.FeatureNames) != a.NFeatures {
		return fmt.Errorf("%w: %d feature names for %d features", ErrArtifactInvalid, len(a.FeatureNames), a.NFeatures)
	}
	if len(a.Trees) == 0 {
		return fmt.Errorf("%w: no trees", ErrArtifactInvalid)
	}
	if len(a.Classes) > 0 && a.positiveIndex() < 0 {
		return fmt.Errorf("%w: class 1 not in classes", ErrArtifactInvalid)
	}

	minValues := 1
	if a.ModelType == domain.ModelTypeRandomForest {
		minValues = max(2, a.positiveIndex()+1)
	}
	for i, t := range a.Trees {
		if err := t.validate(a.NFeatures, minValues); err != nil {
			return fmt.Errorf("%w: tree %d: %w", ErrArtifactInvalid, i, err)
		}
	}
	return nil
}

func (a *Artifact) positiveIndex() int {
	if len(a.Classes) == 0 {
		return 1
	}
	for i, c := range a.Classes {
		if c == 1 {
			return i
		}
	}
	return -1
}

func (t TreeDef) validate(nFeatures, minValues int) error {
	n := len(t.ChildrenLeft)
	if n == 0 {
		return errors.New("empty tree")
	}
	if len(t.ChildrenRight) != n || len(t.Feature) != n || len(t.Threshold) != n || len(t.Value) != n {
		return errors.New("node arrays differ in length")
	}
	for i := 0; i < n; i++ {
		left, right := t.ChildrenLeft[i], t.ChildrenRight[i]
		if left == -1 {
			if right != -1 {
				return fmt.Errorf("node %d: half leaf", i)
			}
			if len(t.Value[i]) < minValues {
				return fmt.Errorf("node %d: leaf has %d values", i, len(t.Value[i]))
			}
			continue
		}
		// children always follow their parent, so descent terminates
		if left <= i || left >= n || right <= i || right >= n {
			return fmt.Errorf("node %d: child out of range", i)
		}
		if t.Feature[i] < 0 || t.Feature[i] >= nFeatures {
			return fmt.Errorf("node %d: feature %d out of range", i, t.Feature[i])
		}
	}
	return nil
}
