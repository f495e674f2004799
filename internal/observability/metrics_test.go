package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"pump-inference/internal/domain"
)

func TestRecordSkip(t *testing.T) {
	m := NewDiscard()

	m.RecordSkip(domain.SkipFilteredPhase)
	m.RecordSkip(domain.SkipFilteredPhase)
	m.RecordSkip(domain.SkipNone)

	if got := testutil.ToFloat64(m.SkipsTotal.WithLabelValues("filtered_phase")); got != 2 {
		t.Errorf("filtered_phase = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(m.SkipsTotal); got != 1 {
		t.Errorf("series = %d, want 1", got)
	}
}

func TestRecordWebhook(t *testing.T) {
	m := NewDiscard()

	m.RecordWebhook(200, nil, 0.01)
	m.RecordWebhook(500, nil, 0.01)
	m.RecordWebhook(0, errors.New("dial"), 0.01)

	for _, result := range []string{"ok", "http_error", "transport_error"} {
		if got := testutil.ToFloat64(m.WebhookPosts.WithLabelValues(result)); got != 1 {
			t.Errorf("%s = %v, want 1", result, got)
		}
	}
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a := NewDiscard()
	b := NewDiscard()
	a.RecordPrediction(domain.TagAlert)

	if got := testutil.ToFloat64(b.PredictionsTotal.WithLabelValues("alert")); got != 0 {
		t.Errorf("registries leaked: %v", got)
	}
}
