package memory

import (
	"context"
	"sort"
	"sync"

	"pump-inference/internal/domain"
	"pump-inference/internal/storage"
)

// OutcomeArchive is an in-memory implementation of storage.OutcomeArchive.
type OutcomeArchive struct {
	mu   sync.RWMutex
	data []*domain.Prediction
}

// NewOutcomeArchive creates a new in-memory outcome archive.
func NewOutcomeArchive() *OutcomeArchive {
	return &OutcomeArchive{}
}

// Archive appends finalized predictions.
func (a *OutcomeArchive) Archive(_ context.Context, preds []*domain.Prediction) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range preds {
		a.data = append(a.data, p.Clone())
	}
	return nil
}

// Summary aggregates archived predictions by (model, tag, outcome).
func (a *OutcomeArchive) Summary(_ context.Context, activeModelID int64) ([]domain.OutcomeSummary, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	type key struct {
		model   int64
		tag     domain.Tag
		outcome domain.Outcome
	}
	type acc struct {
		n                 uint64
		change, athHigh   float64
		nChange, nATHHigh int
	}
	groups := make(map[key]*acc)
	for _, p := range a.data {
		if activeModelID != 0 && p.ActiveModelID != activeModelID {
			continue
		}
		if p.Outcome == nil {
			continue
		}
		k := key{p.ActiveModelID, p.Tag, *p.Outcome}
		g, ok := groups[k]
		if !ok {
			g = &acc{}
			groups[k] = g
		}
		g.n++
		if p.ActualChangePct != nil {
			g.change += *p.ActualChangePct
			g.nChange++
		}
		if p.ATHHighPct != nil {
			g.athHigh += *p.ATHHighPct
			g.nATHHigh++
		}
	}

	result := make([]domain.OutcomeSummary, 0, len(groups))
	for k, g := range groups {
		s := domain.OutcomeSummary{ActiveModelID: k.model, Tag: k.tag, Outcome: k.outcome, Count: g.n}
		if g.nChange > 0 {
			s.AvgChangePct = g.change / float64(g.nChange)
		}
		if g.nATHHigh > 0 {
			s.AvgATHHighPct = g.athHigh / float64(g.nATHHigh)
		}
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ActiveModelID != result[j].ActiveModelID {
			return result[i].ActiveModelID < result[j].ActiveModelID
		}
		if result[i].Tag != result[j].Tag {
			return result[i].Tag < result[j].Tag
		}
		return result[i].Outcome < result[j].Outcome
	})
	return result, nil
}

var _ storage.OutcomeArchive = (*OutcomeArchive)(nil)
