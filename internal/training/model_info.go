package training

import (
	"fmt"
	"time"

	"pump-inference/internal/domain"
)

// ModelInfo is a training catalog entry as returned by /models and /models/{id}.
type ModelInfo struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	ModelType string   `json:"model_type"`
	Status    string   `json:"status"`
	Features  []string `json:"features"`
	Phases    []int    `json:"phases"`

	TargetVariable   string   `json:"target_variable"`
	TargetOperator   string   `json:"target_operator"`
	TargetValue      *float64 `json:"target_value"`
	FutureMinutes    *int     `json:"future_minutes"`
	PriceChangePct   *float64 `json:"price_change_percent"`
	TargetDirection  string   `json:"target_direction"`
	TimeBasedTarget  *bool    `json:"time_based_target,omitempty"`

	Params  map[string]any `json:"params"`
	Metrics map[string]any `json:"metrics"`

	TrainStart *time.Time `json:"train_start,omitempty"`
	TrainEnd   *time.Time `json:"train_end,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
}

// IsTimeBased reports whether the entry describes a time-based target.
func (m *ModelInfo) IsTimeBased() bool {
	if m.TimeBasedTarget != nil {
		return *m.TimeBasedTarget
	}
	return m.PriceChangePct != nil && m.TargetDirection != ""
}

// ToActiveModel converts a catalog entry into an inactive model with
// default settings and a frozen feature manifest.
func (m *ModelInfo) ToActiveModel() (*domain.ActiveModel, error) {
	if m.FutureMinutes == nil {
		return nil, fmt.Errorf("%w: model %d has no future_minutes", domain.ErrInvalidSettings, m.ID)
	}

	am := &domain.ActiveModel{
		TrainingModelID: m.ID,
		Name:            m.Name,
		ModelType:       m.ModelType,
		FeatureNames:    append([]string(nil), m.Features...),
		Phases:          append([]int(nil), m.Phases...),
		AlertThreshold:  0.7,
		SendModes:       domain.SendModeSet{domain.SendAll},
		WebhookEnabled:  true,
		CoinFilter:      domain.CoinFilter{Mode: domain.CoinFilterAll},
		TrainingParams:  domain.TrainingParams(m.Params),
		Metrics:         floatMetrics(m.Metrics),
	}

	if m.IsTimeBased() {
		am.TargetKind = domain.TargetTimeBased
		am.Target = domain.TargetDetail{
			HorizonMinutes:    *m.FutureMinutes,
			Direction:         domain.Direction(m.TargetDirection),
			ReferenceVariable: m.TargetVariable,
		}
		if m.PriceChangePct != nil {
			am.Target.MinChangePct = *m.PriceChangePct
		}
	} else {
		am.TargetKind = domain.TargetThreshold
		am.Target = domain.TargetDetail{
			Variable:       m.TargetVariable,
			Value:          m.TargetValue,
			HorizonMinutes: *m.FutureMinutes,
		}
		if m.TargetOperator != "" {
			op, err := domain.ParseOperator(m.TargetOperator)
			if err != nil {
				return nil, err
			}
			am.Target.Operator = op
		}
	}

	if err := am.Validate(); err != nil {
		return nil, err
	}
	return am, nil
}

func floatMetrics(in map[string]any) map[string]float64 {
	out := make(map[string]float64)
	for k, v := range in {
		if f, ok := v.(float64); ok {
			out[k] = f
		}
	}
	return out
}
