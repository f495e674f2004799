package model

import (
	"fmt"
	"math"

	"pump-inference/internal/domain"
)

// Ensemble is a decoded, immutable tree ensemble. Safe for concurrent use.
type Ensemble struct {
	modelType    string
	featureNames []string
	nFeatures    int
	learningRate float64
	initRaw      float64
	positive     int
	trees        []TreeDef
}

func newEnsemble(a *Artifact) *Ensemble {
	return &Ensemble{
		modelType:    a.ModelType,
		featureNames: append([]string(nil), a.FeatureNames...),
		nFeatures:    a.NFeatures,
		learningRate: a.LearningRate,
		initRaw:      a.InitRaw,
		positive:     a.positiveIndex(),
		trees:        a.Trees,
	}
}

// ModelType returns random_forest or gradient_boosting.
func (e *Ensemble) ModelType() string { return e.modelType }

// FeatureNames returns the names advertised by the artifact, possibly empty.
func (e *Ensemble) FeatureNames() []string { return append([]string(nil), e.featureNames...) }

// ExpectedArity returns the input width.
func (e *Ensemble) ExpectedArity() int { return e.nFeatures }

// CheckManifest verifies the artifact against the frozen import manifest.
func (e *Ensemble) CheckManifest(names []string) error {
	if len(names) != e.nFeatures {
		return fmt.Errorf("%w: manifest has %d features, artifact expects %d", ErrArtifactInvalid, len(names), e.nFeatures)
	}
	if len(e.featureNames) == 0 {
		return nil
	}
	for i, n := range names {
		if e.featureNames[i] != n {
			return fmt.Errorf("%w: feature %d is %q in artifact, %q in manifest", ErrArtifactInvalid, i, e.featureNames[i], n)
		}
	}
	return nil
}

// Predict returns the class and the probability of class 1.
func (e *Ensemble) Predict(x []float64) (int, float64, error) {
	if len(x) != e.nFeatures {
		return 0, 0, fmt.Errorf("%w: got %d features, want %d", ErrInference, len(x), e.nFeatures)
	}

	clean := make([]float64, len(x))
	for i, v := range x {
		if !math.IsNaN(v) {
			clean[i] = v
		}
	}

	var p float64
	switch e.modelType {
	case domain.ModelTypeRandomForest:
		p = e.forestProbability(clean)
	case domain.ModelTypeGradientBoosting:
		p = e.boostedProbability(clean)
	default:
		return 0, 0, fmt.Errorf("%w: unsupported model type %q", ErrInference, e.modelType)
	}
	if math.IsNaN(p) {
		return 0, 0, fmt.Errorf("%w: probability is NaN", ErrInference)
	}

	class := 0
	if p >= 0.5 {
		class = 1
	}
	return class, p, nil
}

// forestProbability averages the normalized leaf class distributions.
func (e *Ensemble) forestProbability(x []float64) float64 {
	var sum float64
	for i := range e.trees {
		leaf := e.trees[i].Value[leafIndex(&e.trees[i], x)]
		var total float64
		for _, v := range leaf {
			total += v
		}
		if total > 0 {
			sum += leaf[e.positive] / total
		}
	}
	return sum / float64(len(e.trees))
}

// boostedProbability applies the logistic link to the staged raw score.
func (e *Ensemble) boostedProbability(x []float64) float64 {
	raw := e.initRaw
	for i := range e.trees {
		raw += e.learningRate * e.trees[i].Value[leafIndex(&e.trees[i], x)][0]
	}
	return 1 / (1 + math.Exp(-raw))
}

func leafIndex(t *TreeDef, x []float64) int {
	node := 0
	for t.ChildrenLeft[node] != -1 {
		if x[t.Feature[node]] <= t.Threshold[node] {
			node = t.ChildrenLeft[node]
		} else {
			node = t.ChildrenRight[node]
		}
	}
	return node
}
