package webhook

import (
	"sort"
	"time"

	"pump-inference/internal/domain"
)

// Item is one model's prediction for an observation.
type Item struct {
	Model      *domain.ActiveModel
	Prediction *domain.Prediction
	// Stored is false when the prediction was over quota and is forwarded
	// without a database row.
	Stored bool
}

// Batch is the set of items bound for one URL.
type Batch struct {
	URL   string
	Items []Item
}

// Group assigns each item to at most one destination: the model's own URL,
// else defaultURL. Items from disabled models, items whose tag fails the
// model's send modes and items with no destination are dropped.
// Batches are ordered by URL.
func Group(items []Item, defaultURL string) []Batch {
	byURL := make(map[string][]Item)
	for _, it := range items {
		m := it.Model
		if m == nil || it.Prediction == nil || !m.WebhookEnabled {
			continue
		}
		if !m.SendModes.Allows(it.Prediction.Tag) {
			continue
		}
		url := m.WebhookURL
		if url == "" {
			url = defaultURL
		}
		if url == "" {
			continue
		}
		byURL[url] = append(byURL[url], it)
	}

	batches := make([]Batch, 0, len(byURL))
	for url, its := range byURL {
		batches = append(batches, Batch{URL: url, Items: its})
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].URL < batches[j].URL })
	return batches
}

// Payload is the JSON document POSTed to a receiver.
type Payload struct {
	CoinID               string              `json:"coin_id"`
	ObservationTimestamp time.Time           `json:"observation_timestamp"`
	Predictions          []PredictionPayload `json:"predictions"`
	Metadata             Metadata            `json:"metadata"`
}

// PredictionPayload is one model's entry in a Payload.
type PredictionPayload struct {
	Prediction     int          `json:"prediction"`
	Probability    float64      `json:"probability"`
	IsAlert        bool         `json:"is_alert"`
	AlertThreshold float64      `json:"alert_threshold"`
	Tag            domain.Tag   `json:"tag"`
	Stored         bool         `json:"stored"`
	Model          ModelPayload `json:"model"`
}

// ModelPayload describes the model that produced a prediction.
type ModelPayload struct {
	ID                 int64             `json:"id"`
	ActiveModelID      int64             `json:"active_model_id"`
	Name               string            `json:"name"`
	ModelType          string            `json:"model_type"`
	TargetKind         domain.TargetKind `json:"target_kind"`
	TargetVariable     string            `json:"target_variable,omitempty"`
	TargetOperator     domain.Operator   `json:"target_operator,omitempty"`
	TargetValue        *float64          `json:"target_value,omitempty"`
	FutureMinutes      int               `json:"future_minutes"`
	PriceChangePercent float64           `json:"price_change_percent,omitempty"`
	TargetDirection    domain.Direction  `json:"target_direction,omitempty"`
	Features           []string          `json:"features"`
	Phases             []int             `json:"phases"`
	TotalPredictions   int64             `json:"total_predictions"`
}

// Metadata summarizes a Payload.
type Metadata struct {
	Total       int    `json:"total"`
	AlertsCount int    `json:"alerts_count"`
	Service     string `json:"service"`
	Version     string `json:"version"`
}

// NewPayload builds the document for one batch.
func NewPayload(coinID string, observedAt time.Time, items []Item, service, version string) Payload {
	p := Payload{
		CoinID:               coinID,
		ObservationTimestamp: observedAt.UTC(),
		Predictions:          make([]PredictionPayload, 0, len(items)),
		Metadata:             Metadata{Service: service, Version: version},
	}
	for _, it := range items {
		pred, m := it.Prediction, it.Model
		alert := pred.Tag == domain.TagAlert
		if alert {
			p.Metadata.AlertsCount++
		}
		phases := m.Phases
		if phases == nil {
			phases = []int{}
		}
		p.Predictions = append(p.Predictions, PredictionPayload{
			Prediction:     pred.Class,
			Probability:    pred.Probability,
			IsAlert:        alert,
			AlertThreshold: pred.AlertThreshold,
			Tag:            pred.Tag,
			Stored:         it.Stored,
			Model: ModelPayload{
				ID:                 m.TrainingModelID,
				ActiveModelID:      m.ID,
				Name:               m.Label(),
				ModelType:          m.ModelType,
				TargetKind:         m.TargetKind,
				TargetVariable:     m.Target.Variable,
				TargetOperator:     m.Target.Operator,
				TargetValue:        m.Target.Value,
				FutureMinutes:      m.Target.HorizonMinutes,
				PriceChangePercent: m.Target.MinChangePct,
				TargetDirection:    m.Target.Direction,
				Features:           m.FeatureNames,
				Phases:             phases,
				TotalPredictions:   m.TotalPredictions,
			},
		})
	}
	p.Metadata.Total = len(p.Predictions)
	return p
}
