package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"pump-inference/internal/domain"
	"pump-inference/internal/storage"
)

func livePrediction(modelID int64, coin string, minute int, tag domain.Tag) *domain.Prediction {
	ts := t0.Add(time.Duration(minute) * time.Minute)
	return &domain.Prediction{
		ActiveModelID:       modelID,
		CoinID:              coin,
		PredictionTimestamp: ts,
		EvaluationTimestamp: ts.Add(10 * time.Minute),
		PriceAtPrediction:   1,
		Tag:                 tag,
		HorizonMinutes:      10,
	}
}

func TestPredictionStore_InsertDuplicate(t *testing.T) {
	store := NewPredictionStore()
	ctx := context.Background()

	if err := store.Insert(ctx, livePrediction(1, "A", 0, domain.TagAlert), 0); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	err := store.Insert(ctx, livePrediction(1, "A", 0, domain.TagNegative), 0)
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
	if err := store.Insert(ctx, livePrediction(2, "A", 0, domain.TagAlert), 0); err != nil {
		t.Errorf("other model must not collide: %v", err)
	}
}

func TestPredictionStore_Quota(t *testing.T) {
	store := NewPredictionStore()
	ctx := context.Background()

	first := livePrediction(1, "A", 0, domain.TagAlert)
	if err := store.Insert(ctx, first, 1); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	err := store.Insert(ctx, livePrediction(1, "A", 1, domain.TagAlert), 1)
	if !errors.Is(err, storage.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	// other tags unaffected
	if err := store.Insert(ctx, livePrediction(1, "A", 2, domain.TagNegative), 1); err != nil {
		t.Fatalf("negative insert failed: %v", err)
	}

	// finalizing frees the slot
	if err := store.Finalize(ctx, domain.Finalization{PredictionID: first.ID, Outcome: domain.OutcomeSuccess, EvaluatedAt: t0}); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if err := store.Insert(ctx, livePrediction(1, "A", 3, domain.TagAlert), 1); err != nil {
		t.Errorf("insert after finalize failed: %v", err)
	}
}

func TestPredictionStore_FinalizeGate(t *testing.T) {
	store := NewPredictionStore()
	ctx := context.Background()

	p := livePrediction(1, "A", 0, domain.TagPositive)
	if err := store.Insert(ctx, p, 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	f := domain.Finalization{PredictionID: p.ID, Outcome: domain.OutcomeFailed, EvaluatedAt: t0.Add(11 * time.Minute)}
	if err := store.Finalize(ctx, f); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if err := store.Finalize(ctx, f); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second finalize must be gated, got %v", err)
	}

	high := 3.0
	if err := store.UpdateATH(ctx, domain.ATHUpdate{PredictionID: p.ID, HighPct: &high}); err != nil {
		t.Fatalf("UpdateATH failed: %v", err)
	}
	got, _ := store.Get(ctx, p.ID)
	if got.ATHHighPct != nil {
		t.Errorf("final rows must not accrue ATH")
	}
	if got.Status != domain.StatusFinal || got.Outcome == nil || *got.Outcome != domain.OutcomeFailed {
		t.Errorf("unexpected final state: %+v", got)
	}
}

func TestPredictionStore_TrackingAndDue(t *testing.T) {
	store := NewPredictionStore()
	ctx := context.Background()

	for m := 0; m < 5; m++ {
		if err := store.Insert(ctx, livePrediction(1, "A", m, domain.TagNegative), 0); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	if err := store.Insert(ctx, livePrediction(2, "B", 0, domain.TagNegative), 0); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	now := t0.Add(12 * time.Minute) // minutes 0,1,2 due
	tracking, _ := store.ListTracking(ctx, now, 0)
	if len(tracking) != 2 {
		t.Errorf("expected 2 tracking, got %d", len(tracking))
	}

	due, _ := store.ListDue(ctx, 1, now, 2)
	if len(due) != 2 || !due[0].EvaluationTimestamp.Before(due[1].EvaluationTimestamp) {
		t.Errorf("due must be ascending and limited: %+v", due)
	}

	ids, _ := store.ModelsWithDue(ctx, now)
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Errorf("unexpected models with due: %v", ids)
	}
}

func TestStores_DeleteCascadeAndWatermark(t *testing.T) {
	stores := NewStores()
	ctx := context.Background()

	m := &domain.ActiveModel{TrainingModelID: 7, IsActive: true}
	if err := stores.Models.Upsert(ctx, m); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	inactive := &domain.ActiveModel{TrainingModelID: 8}
	if err := stores.Models.Upsert(ctx, inactive); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	_ = stores.Predictions.Insert(ctx, livePrediction(m.ID, "A", 3, domain.TagAlert), 0)
	_ = stores.Predictions.Insert(ctx, livePrediction(inactive.ID, "A", 9, domain.TagAlert), 0)

	ts, err := stores.Predictions.MaxLiveModelTimestamp(ctx)
	if err != nil {
		t.Fatalf("MaxLiveModelTimestamp failed: %v", err)
	}
	if !ts.Equal(t0.Add(3 * time.Minute)) {
		t.Errorf("watermark must ignore inactive models, got %v", ts)
	}

	if err := stores.Models.Delete(ctx, m.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	left, _ := stores.Predictions.List(ctx, domain.PredictionFilter{ActiveModelID: m.ID})
	if len(left) != 0 {
		t.Errorf("predictions must be deleted with the model, %d left", len(left))
	}
	if _, err := stores.Predictions.MaxLiveModelTimestamp(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
