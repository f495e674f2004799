// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pump-inference/internal/domain"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Ingestion metrics
	ObservationsFetched prometheus.Counter
	IngestTicks         *prometheus.CounterVec
	Watermark           prometheus.Gauge
	LastHeartbeat       prometheus.Gauge

	// Dispatch metrics
	PredictionsTotal  *prometheus.CounterVec
	SkipsTotal        *prometheus.CounterVec
	MissingFeatures   *prometheus.CounterVec
	InferenceLatency  *prometheus.HistogramVec
	FeatureBuildTime  prometheus.Histogram
	ActiveModels      prometheus.Gauge
	UnhealthyModels   prometheus.Gauge
	ArtifactRecovered *prometheus.CounterVec

	// Webhook metrics
	WebhookPosts   *prometheus.CounterVec
	WebhookLatency prometheus.Histogram

	// Event fan-out
	EventsPublished *prometheus.CounterVec
	WSClients       prometheus.Gauge

	// Evaluation metrics
	ATHUpdates         prometheus.Counter
	PredictionsFinal   *prometheus.CounterVec
	FinalizeBacklog    prometheus.Gauge
	EvaluationErrors   *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec

	// Maintenance
	WebhookLogsPruned prometheus.Counter
}

// NewMetrics creates a Metrics instance registered on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "pump_inference"
	}
	f := promauto.With(reg)

	return &Metrics{
		ObservationsFetched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "observations_fetched_total",
			Help:      "Total number of observations fetched from coin_metrics",
		}),
		IngestTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "ticks_total",
			Help:      "Ingestion ticks by result",
		}, []string{"result"}),
		Watermark: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "watermark_timestamp",
			Help:      "Unix timestamp of the ingestion watermark",
		}),
		LastHeartbeat: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_heartbeat_timestamp",
			Help:      "Unix timestamp of the last ingestion heartbeat",
		}),

		PredictionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "predictions_total",
			Help:      "Predictions persisted by tag",
		}, []string{"tag"}),
		SkipsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "skips_total",
			Help:      "Skipped (observation, model) pairs by reason",
		}, []string{"reason"}),
		MissingFeatures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "features",
			Name:      "missing_total",
			Help:      "Requested features that were zero-filled",
		}, []string{"feature"}),
		InferenceLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "inference_duration_seconds",
			Help:      "Model inference latency",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}, []string{"model_type"}),
		FeatureBuildTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "features",
			Name:      "build_duration_seconds",
			Help:      "Feature vector build latency including history load",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveModels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "models",
			Name:      "active",
			Help:      "Number of active models in the current snapshot",
		}),
		UnhealthyModels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "models",
			Name:      "unhealthy",
			Help:      "Number of models whose artifact could not be loaded",
		}),
		ArtifactRecovered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "models",
			Name:      "artifact_recoveries_total",
			Help:      "Artifact re-downloads by result",
		}, []string{"result"}),

		WebhookPosts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "posts_total",
			Help:      "Webhook POST attempts by result",
		}, []string{"result"}),
		WebhookLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "post_duration_seconds",
			Help:      "Webhook POST latency",
			Buckets:   prometheus.DefBuckets,
		}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Prediction events published by sink and result",
		}, []string{"sink", "result"}),
		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "ws_clients",
			Help:      "Connected websocket clients",
		}),

		ATHUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "ath_updates_total",
			Help:      "Predictions whose ATH columns were moved",
		}),
		PredictionsFinal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "finalized_total",
			Help:      "Finalized predictions by outcome",
		}, []string{"outcome"}),
		FinalizeBacklog: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "finalize_backlog",
			Help:      "Due predictions seen on the last finalizer tick",
		}),
		EvaluationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "errors_total",
			Help:      "Evaluation errors by loop",
		}, []string{"loop"}),
		EvaluationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "tick_duration_seconds",
			Help:      "Evaluation tick duration by loop",
			Buckets:   prometheus.DefBuckets,
		}, []string{"loop"}),

		WebhookLogsPruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "webhook_logs_pruned_total",
			Help:      "Webhook log rows deleted by retention",
		}),
	}
}

// NewDiscard returns metrics on a private registry that is never scraped.
func NewDiscard() *Metrics {
	return NewMetrics("test", prometheus.NewRegistry())
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSkip increments the skip counter for reason.
func (m *Metrics) RecordSkip(reason domain.SkipReason) {
	if reason == domain.SkipNone {
		return
	}
	m.SkipsTotal.WithLabelValues(string(reason)).Inc()
}

// RecordPrediction increments the persisted-prediction counter.
func (m *Metrics) RecordPrediction(tag domain.Tag) {
	m.PredictionsTotal.WithLabelValues(string(tag)).Inc()
}

// RecordWebhook records one POST attempt.
func (m *Metrics) RecordWebhook(status int, err error, seconds float64) {
	result := "ok"
	switch {
	case err != nil:
		result = "transport_error"
	case status < 200 || status >= 300:
		result = "http_error"
	}
	m.WebhookPosts.WithLabelValues(result).Inc()
	m.WebhookLatency.Observe(seconds)
}

// RecordPublish records one event publication.
func (m *Metrics) RecordPublish(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(sink, result).Inc()
}
