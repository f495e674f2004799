// Package events streams produced predictions to optional sinks: a Kafka
// topic and a websocket feed.
package events

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"pump-inference/internal/domain"
	"pump-inference/internal/observability"
)

// Event is one produced prediction.
type Event struct {
	Type       string             `json:"type"`
	ModelName  string             `json:"model_name"`
	Stored     bool               `json:"stored"`
	Prediction *domain.Prediction `json:"prediction"`
}

// TypePrediction is the Type of every Event today.
const TypePrediction = "prediction"

// NewEvent wraps a prediction.
func NewEvent(m *domain.ActiveModel, p *domain.Prediction, stored bool) Event {
	return Event{Type: TypePrediction, ModelName: m.Label(), Stored: stored, Prediction: p}
}

// Sink receives events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Fanout publishes to every sink. Failures are logged and counted,
// never returned.
type Fanout struct {
	sinks   []Sink
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewFanout creates a Fanout over the non-nil sinks.
func NewFanout(metrics *observability.Metrics, logger zerolog.Logger, sinks ...Sink) *Fanout {
	f := &Fanout{metrics: metrics, logger: logger}
	if f.metrics == nil {
		f.metrics = observability.NewDiscard()
	}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Publish sends ev to every sink.
func (f *Fanout) Publish(ctx context.Context, ev Event) {
	for _, s := range f.sinks {
		err := s.Publish(ctx, ev)
		f.metrics.RecordPublish(s.Name(), err)
		if err != nil {
			f.logger.Warn().Err(err).Str("sink", s.Name()).Str("coin_id", ev.Prediction.CoinID).Msg("publish prediction event")
		}
	}
}

// Close closes every sink.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
