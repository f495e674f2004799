package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pump-inference/internal/domain"
	"pump-inference/internal/storage/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func model(id int64, modes ...domain.SendMode) *domain.ActiveModel {
	return &domain.ActiveModel{
		ID:              id,
		TrainingModelID: id * 10,
		Name:            "m",
		ModelType:       domain.ModelTypeRandomForest,
		FeatureNames:    []string{"volume_sol"},
		TargetKind:      domain.TargetTimeBased,
		Target:          domain.TargetDetail{HorizonMinutes: 10, MinChangePct: 5, Direction: domain.DirectionUp, ReferenceVariable: "price_close"},
		AlertThreshold:  0.7,
		SendModes:       domain.SendModeSet(modes).Normalize(),
		WebhookEnabled:  true,
	}
}

func item(m *domain.ActiveModel, p float64) Item {
	tag := domain.TagFor(p, m.AlertThreshold)
	class := 0
	if p >= 0.5 {
		class = 1
	}
	return Item{
		Model: m,
		Prediction: &domain.Prediction{
			ActiveModelID:       m.ID,
			CoinID:              "C",
			PredictionTimestamp: t0,
			Class:               class,
			Probability:         p,
			AlertThreshold:      m.AlertThreshold,
			Tag:                 tag,
		},
		Stored: true,
	}
}

type receiver struct {
	mu       sync.Mutex
	payloads []Payload
	headers  []http.Header
	status   int
	body     string
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	data, _ := io.ReadAll(req.Body)
	var p Payload
	_ = json.Unmarshal(data, &p)
	r.mu.Lock()
	r.payloads = append(r.payloads, p)
	r.headers = append(r.headers, req.Header.Clone())
	r.mu.Unlock()
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, r.body)
}

func TestGroup_SendModes(t *testing.T) {
	neg := model(1, domain.SendNegativeOnly)
	alerts := model(2, domain.SendAlertsOnly)
	both := model(3, domain.SendAlertsOnly, domain.SendNegativeOnly)

	items := []Item{
		item(neg, 0.2), item(neg, 0.9),
		item(alerts, 0.6), item(alerts, 0.9),
		item(both, 0.2), item(both, 0.6),
	}
	batches := Group(items, "http://default")
	require.Len(t, batches, 1)

	var got []int64
	for _, it := range batches[0].Items {
		got = append(got, it.Model.ID)
		if it.Model.SendModes.Has(domain.SendNegativeOnly) && len(it.Model.SendModes) == 1 {
			assert.Equal(t, 0, it.Prediction.Class, "negative_only never forwards class 1")
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
}

func TestGroup_Destinations(t *testing.T) {
	own := model(1)
	own.WebhookURL = "http://own"
	fallback := model(2)
	disabled := model(3)
	disabled.WebhookEnabled = false

	items := []Item{item(own, 0.9), item(fallback, 0.9), item(disabled, 0.9)}

	batches := Group(items, "http://default")
	require.Len(t, batches, 2)
	assert.Equal(t, "http://default", batches[0].URL)
	assert.Equal(t, int64(2), batches[0].Items[0].Model.ID)
	assert.Equal(t, "http://own", batches[1].URL)

	batches = Group(items, "")
	require.Len(t, batches, 1, "models without a URL are dropped when no default is set")
}

func TestNewPayload(t *testing.T) {
	m := model(4)
	p := NewPayload("C", t0, []Item{item(m, 0.82), item(m, 0.3)}, "svc", "1.2.3")

	assert.Equal(t, 2, p.Metadata.Total)
	assert.Equal(t, 1, p.Metadata.AlertsCount)
	assert.Equal(t, "svc", p.Metadata.Service)
	assert.True(t, p.Predictions[0].IsAlert)
	assert.Equal(t, 1, p.Predictions[0].Prediction)
	assert.Equal(t, int64(40), p.Predictions[0].Model.ID)
	assert.Equal(t, int64(4), p.Predictions[0].Model.ActiveModelID)
	assert.Equal(t, 10, p.Predictions[0].Model.FutureMinutes)
	assert.Equal(t, []int{}, p.Predictions[0].Model.Phases)
}

func TestSender_DeliverLogsEveryAttempt(t *testing.T) {
	ok := &receiver{body: "accepted"}
	okSrv := httptest.NewServer(ok)
	defer okSrv.Close()

	bad := &receiver{status: http.StatusBadGateway, body: strings.Repeat("x", 800)}
	badSrv := httptest.NewServer(bad)
	defer badSrv.Close()

	deadSrv := httptest.NewServer(http.NotFoundHandler())
	deadURL := deadSrv.URL
	deadSrv.Close()

	logs := memory.NewWebhookLogStore()
	s := NewSender(Options{Logs: logs, Service: "svc", Version: "v"})

	a, b, c := model(1), model(2), model(3)
	a.WebhookURL, b.WebhookURL, c.WebhookURL = okSrv.URL, badSrv.URL, deadURL

	results := s.Deliver(context.Background(), "C", t0, []Item{item(a, 0.9), item(b, 0.9), item(c, 0.9)})
	require.Len(t, results, 3)

	stored, err := logs.List(context.Background(), "C", 10)
	require.NoError(t, err)
	require.Len(t, stored, 3)

	byURL := map[string]*domain.WebhookLog{}
	for _, l := range stored {
		byURL[l.URL] = l
	}

	okLog := byURL[okSrv.URL]
	require.NotNil(t, okLog.HTTPStatus)
	assert.Equal(t, http.StatusOK, *okLog.HTTPStatus)
	assert.Equal(t, "accepted", *okLog.Body)
	assert.Nil(t, okLog.Error)

	badLog := byURL[badSrv.URL]
	assert.Equal(t, http.StatusBadGateway, *badLog.HTTPStatus)
	assert.Len(t, *badLog.Body, MaxLoggedBody)

	deadLog := byURL[deadURL]
	assert.Nil(t, deadLog.HTTPStatus)
	require.NotNil(t, deadLog.Error)

	require.Len(t, ok.headers, 1)
	assert.Equal(t, "application/json", ok.headers[0].Get("Content-Type"))
	assert.Equal(t, okLog.DeliveryID, ok.headers[0].Get(DeliveryHeader))
	assert.Equal(t, "C", ok.payloads[0].CoinID)
}

func TestSender_Timeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	s := NewSender(Options{
		DefaultURL: func() string { return slow.URL },
		Timeout:    func() time.Duration { return 50 * time.Millisecond },
	})
	results := s.Deliver(context.Background(), "C", t0, []Item{item(model(1), 0.9)})
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Error)
	assert.Nil(t, results[0].HTTPStatus)
}

func TestSender_DispatchAndDrain(t *testing.T) {
	r := &receiver{}
	srv := httptest.NewServer(r)
	defer srv.Close()

	logs := memory.NewWebhookLogStore()
	s := NewSender(Options{Logs: logs, DefaultURL: func() string { return srv.URL }})

	for i := 0; i < 5; i++ {
		s.Dispatch("C", t0.Add(time.Duration(i)*time.Minute), []Item{item(model(1), 0.9)})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))

	stored, err := logs.List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, stored, 5)
}
