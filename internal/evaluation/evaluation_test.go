package evaluation

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pump-inference/internal/domain"
	"pump-inference/internal/observability"
	"pump-inference/internal/storage/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func minute(n int) time.Time {
	return t0.Add(time.Duration(n) * time.Minute)
}

func timeBasedModel(trainingID int64, dir domain.Direction) *domain.ActiveModel {
	return &domain.ActiveModel{
		TrainingModelID: trainingID,
		Name:            "pump-10m",
		ModelType:       domain.ModelTypeRandomForest,
		FeatureNames:    []string{"volume_sol"},
		TargetKind:      domain.TargetTimeBased,
		Target: domain.TargetDetail{
			HorizonMinutes:    10,
			MinChangePct:      5,
			Direction:         dir,
			ReferenceVariable: "price_close",
		},
		AlertThreshold: 0.7,
		IsActive:       true,
	}
}

type harness struct {
	stores  *memory.Stores
	metrics *observability.Metrics
	eval    *Evaluator
	now     time.Time
	batch   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		stores:  memory.NewStores(),
		metrics: observability.NewDiscard(),
		batch:   DefaultFinalizeBatchSize,
	}
	h.eval = New(Options{
		Observations:      h.stores.Observations,
		Predictions:       h.stores.Predictions,
		Models:            h.stores.Models,
		Archive:           h.stores.Archive,
		FinalizeBatchSize: func() int { return h.batch },
		Parallelism:       4,
		Metrics:           h.metrics,
		Logger:            zerolog.Nop(),
	})
	h.eval.now = func() time.Time { return h.now }
	return h
}

func (h *harness) model(t *testing.T, m *domain.ActiveModel) *domain.ActiveModel {
	t.Helper()
	require.NoError(t, h.stores.Models.Upsert(context.Background(), m))
	return m
}

func (h *harness) predict(t *testing.T, m *domain.ActiveModel, coin string, class int, prob, price float64) *domain.Prediction {
	t.Helper()
	p := &domain.Prediction{
		ActiveModelID:       m.ID,
		TrainingModelID:     m.TrainingModelID,
		CoinID:              coin,
		PredictionTimestamp: t0,
		EvaluationTimestamp: t0.Add(m.Horizon()),
		PriceAtPrediction:   price,
		Class:               class,
		Probability:         prob,
		AlertThreshold:      m.AlertThreshold,
		HorizonMinutes:      m.Target.HorizonMinutes,
		Tag:                 domain.TagFor(prob, m.AlertThreshold),
	}
	require.NoError(t, h.stores.Predictions.Insert(context.Background(), p, 0))
	return p
}

func (h *harness) prices(coin string, byMinute map[int]float64) {
	for m, price := range byMinute {
		h.stores.Observations.Add(&domain.Observation{
			Mint:       coin,
			Timestamp:  minute(m),
			PriceClose: price,
			VolumeSol:  price * 1e8,
		})
	}
}

func (h *harness) get(t *testing.T, id int64) *domain.Prediction {
	t.Helper()
	p, err := h.stores.Predictions.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestTimeBasedSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	m := h.model(t, timeBasedModel(1, domain.DirectionUp))
	h.prices("C", map[int]float64{0: 1.00e-6, 2: 1.01e-6, 4: 1.03e-6, 6: 1.05e-6, 8: 1.06e-6, 10: 1.07e-6})
	p := h.predict(t, m, "C", 1, 0.82, 1.00e-6)
	require.Equal(t, domain.TagAlert, p.Tag)

	h.now = minute(9)
	res, err := h.eval.TrackATH(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	tracked := h.get(t, p.ID)
	require.NotNil(t, tracked.ATHHighPct)
	assert.InDelta(t, 6.0, *tracked.ATHHighPct, 1e-9)
	assert.Equal(t, minute(8), *tracked.ATHHighAt)
	assert.Nil(t, tracked.ATHLowPct)
	assert.Equal(t, domain.StatusLive, tracked.Status, "tracker never finalizes")

	h.now = minute(10)
	fres, err := h.eval.FinalizeDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fres.Finalized)

	final := h.get(t, p.ID)
	assert.Equal(t, domain.StatusFinal, final.Status)
	require.NotNil(t, final.Outcome)
	assert.Equal(t, domain.OutcomeSuccess, *final.Outcome)
	assert.InDelta(t, 7.0, *final.ActualChangePct, 1e-9)
	assert.InDelta(t, 1.07e-6, *final.PriceAtEvaluation, 1e-15)
	assert.InDelta(t, 7.0, *final.ATHHighPct, 1e-9, "reconciled with the evaluation row")
	assert.False(t, final.EvaluatedAt.Before(final.EvaluationTimestamp))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PredictionsFinal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ATHUpdates))
}

func TestTimeBasedNegativeCalledCorrectly(t *testing.T) {
	h := newHarness(t)
	m := h.model(t, timeBasedModel(1, domain.DirectionUp))
	h.prices("C", map[int]float64{0: 1.00e-6, 5: 1.01e-6, 10: 1.02e-6})
	p := h.predict(t, m, "C", 0, 0.31, 1.00e-6)
	assert.Equal(t, domain.TagNegative, p.Tag)

	h.now = minute(12)
	_, err := h.eval.FinalizeDue(context.Background())
	require.NoError(t, err)

	final := h.get(t, p.ID)
	assert.Equal(t, domain.OutcomeSuccess, *final.Outcome)
	assert.InDelta(t, 2.0, *final.ActualChangePct, 1e-9)
}

func TestDecide(t *testing.T) {
	value := 100.0
	threshold := &domain.ActiveModel{
		ID:         7,
		TargetKind: domain.TargetThreshold,
		Target: domain.TargetDetail{
			Variable:       "volume_sol",
			Operator:       domain.OpGreaterEqual,
			Value:          &value,
			HorizonMinutes: 10,
		},
	}
	up := timeBasedModel(1, domain.DirectionUp)
	down := timeBasedModel(2, domain.DirectionDown)
	incomplete := timeBasedModel(3, domain.DirectionUp)
	incomplete.Target.ReferenceVariable = ""

	at := func(price, volume float64) *domain.Observation {
		return &domain.Observation{Mint: "C", Timestamp: minute(10), PriceClose: price, VolumeSol: volume}
	}

	tests := []struct {
		name    string
		model   *domain.ActiveModel
		class   int
		ref     float64
		eval    *domain.Observation
		outcome domain.Outcome
		note    string
	}{
		{"up hit", up, 1, 1, at(1.05, 0), domain.OutcomeSuccess, ""},
		{"up miss", up, 1, 1, at(1.04, 0), domain.OutcomeFailed, ""},
		{"up class 0 pumped", up, 0, 1, at(1.2, 0), domain.OutcomeFailed, ""},
		{"down hit", down, 1, 1, at(0.94, 0), domain.OutcomeSuccess, ""},
		{"down miss", down, 1, 1, at(0.97, 0), domain.OutcomeFailed, ""},
		{"down class 0 flat", down, 0, 1, at(1.0, 0), domain.OutcomeSuccess, ""},
		{"threshold met", threshold, 1, 1, at(1, 150), domain.OutcomeSuccess, ""},
		{"threshold missed", threshold, 1, 1, at(1, 50), domain.OutcomeFailed, ""},
		{"threshold class 0", threshold, 0, 1, at(1, 50), domain.OutcomeSuccess, ""},
		{"threshold zero ref", threshold, 1, 0, at(1, 150), domain.OutcomeSuccess, ""},
		{"no metrics", up, 1, 1, nil, domain.OutcomeNotApplicable, domain.NoteNoMetrics},
		{"model deleted", nil, 1, 1, at(1.1, 0), domain.OutcomeNotApplicable, domain.NoteTargetUndefined},
		{"target incomplete", incomplete, 1, 1, at(1.1, 0), domain.OutcomeNotApplicable, domain.NoteTargetUndefined},
		{"zero reference", up, 1, 0, at(1.1, 0), domain.OutcomeNotApplicable, domain.NoteZeroReference},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &domain.Prediction{ID: 42, Class: tt.class, PriceAtPrediction: tt.ref}
			f := Decide(p, tt.model, tt.eval)
			assert.Equal(t, int64(42), f.PredictionID)
			assert.Equal(t, tt.outcome, f.Outcome)
			assert.Equal(t, tt.note, f.OutcomeNote)
			if f.ATH.HighPct != nil {
				assert.Greater(t, *f.ATH.HighPct, 0.0)
			}
			if f.ATH.LowPct != nil {
				assert.Less(t, *f.ATH.LowPct, 0.0)
			}
		})
	}
}

func TestTrackATH_SignRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	m := h.model(t, timeBasedModel(1, domain.DirectionUp))

	h.prices("FLAT", map[int]float64{1: 2, 2: 2, 3: 2})
	flat := h.predict(t, m, "FLAT", 0, 0.2, 2)
	h.prices("DUMP", map[int]float64{1: 1.9, 2: 1.5, 3: 1.8})
	dump := h.predict(t, m, "DUMP", 0, 0.2, 2)
	h.prices("BOTH", map[int]float64{1: 2.2, 2: 1.6, 3: 2.1})
	both := h.predict(t, m, "BOTH", 1, 0.6, 2)

	h.now = minute(5)
	res, err := h.eval.TrackATH(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Tracked)
	assert.Equal(t, 2, res.Updated)

	got := h.get(t, flat.ID)
	assert.Nil(t, got.ATHHighPct)
	assert.Nil(t, got.ATHLowPct)

	got = h.get(t, dump.ID)
	assert.Nil(t, got.ATHHighPct)
	require.NotNil(t, got.ATHLowPct)
	assert.InDelta(t, -25.0, *got.ATHLowPct, 1e-9)
	assert.Equal(t, minute(2), *got.ATHLowAt)
	assert.InDelta(t, 1.5, *got.ATHLowPrice, 1e-12)

	got = h.get(t, both.ID)
	assert.InDelta(t, 10.0, *got.ATHHighPct, 1e-9)
	assert.InDelta(t, -20.0, *got.ATHLowPct, 1e-9)

	// A second pass over the same rows moves nothing.
	res, err = h.eval.TrackATH(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Updated)
}

func TestTrackATH_WindowEndsAtNow(t *testing.T) {
	h := newHarness(t)
	m := h.model(t, timeBasedModel(1, domain.DirectionUp))
	h.prices("C", map[int]float64{3: 1.1, 11: 3})
	p := h.predict(t, m, "C", 1, 0.9, 1)

	h.now = minute(4)
	_, err := h.eval.TrackATH(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10.0, *h.get(t, p.ID).ATHHighPct, 1e-9)
}

func TestFinalizeDue_NotApplicable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	m := h.model(t, timeBasedModel(1, domain.DirectionUp))
	h.prices("LATE", map[int]float64{15: 1})
	late := h.predict(t, m, "LATE", 1, 0.9, 1)
	h.prices("ZERO", map[int]float64{10: 1})
	zero := h.predict(t, m, "ZERO", 1, 0.9, 0)

	h.now = minute(20)
	res, err := h.eval.FinalizeDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ByOutcome[domain.OutcomeNotApplicable])

	got := h.get(t, late.ID)
	assert.Equal(t, domain.StatusFinal, got.Status)
	assert.Equal(t, domain.NoteNoMetrics, got.OutcomeNote)
	assert.Nil(t, got.PriceAtEvaluation)

	got = h.get(t, zero.ID)
	assert.Equal(t, domain.NoteZeroReference, got.OutcomeNote)
	assert.Nil(t, got.ActualChangePct)
}

func TestFinalizeDue_BacklogAndRerun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.batch = 2
	m := h.model(t, timeBasedModel(1, domain.DirectionUp))
	other := h.model(t, timeBasedModel(2, domain.DirectionUp))
	for _, coin := range []string{"A", "B", "C"} {
		h.prices(coin, map[int]float64{0: 1, 10: 1.1})
		h.predict(t, m, coin, 1, 0.9, 1)
	}
	h.prices("D", map[int]float64{0: 1, 10: 1.1})
	h.predict(t, other, "D", 1, 0.9, 1)

	h.now = minute(30)
	res, err := h.eval.FinalizeDue(ctx)
	require.NoError(t, err)
	assert.True(t, res.Backlogged)
	assert.Equal(t, 2, res.Models)
	assert.Equal(t, 3, res.Finalized, "a full batch from one model does not starve the other")
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.FinalizeBacklog))

	res, err = h.eval.FinalizeDue(ctx)
	require.NoError(t, err)
	assert.False(t, res.Backlogged)
	assert.Equal(t, 1, res.Finalized)

	res, err = h.eval.FinalizeDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Due)

	summary, err := h.stores.Archive.Summary(ctx, 0)
	require.NoError(t, err)
	var archived uint64
	for _, s := range summary {
		archived += s.Count
	}
	assert.Equal(t, uint64(4), archived)
}

func TestFinalizeDue_InactiveModelStillEvaluated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	m := h.model(t, timeBasedModel(1, domain.DirectionUp))
	h.prices("C", map[int]float64{0: 1, 10: 1.1})
	p := h.predict(t, m, "C", 1, 0.9, 1)
	require.NoError(t, h.stores.Models.SetActive(ctx, m.ID, false))

	h.now = minute(10)
	_, err := h.eval.FinalizeDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, *h.get(t, p.ID).Outcome)
}

func TestChangePct(t *testing.T) {
	pct, ok := changePct(3e-7, 3.3e-7)
	require.True(t, ok)
	assert.Equal(t, 10.0, pct)

	_, ok = changePct(0, 1)
	assert.False(t, ok)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.eval.athInterval = func() time.Duration { return time.Millisecond }
	h.eval.finalizeInterval = func() time.Duration { return time.Millisecond }

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.eval.Run(ctx), context.DeadlineExceeded)
}
