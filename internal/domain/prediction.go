package domain

import (
	"encoding/json"
	"time"
)

// Tag is the coarse class of a prediction by probability.
type Tag string

const (
	TagNegative Tag = "negative"
	TagPositive Tag = "positive"
	TagAlert    Tag = "alert"
)

// Tags lists every tag.
var Tags = []Tag{TagNegative, TagPositive, TagAlert}

// TagFor derives the tag: p < 0.5 is negative, p >= alertThreshold is alert,
// anything in between is positive.
func TagFor(probability, alertThreshold float64) Tag {
	if probability < 0.5 {
		return TagNegative
	}
	if probability >= alertThreshold {
		return TagAlert
	}
	return TagPositive
}

// Status of a prediction record.
type Status string

const (
	StatusLive  Status = "live"
	StatusFinal Status = "final"
)

// Outcome of an evaluated prediction.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeFailed        Outcome = "failed"
	OutcomeNotApplicable Outcome = "not_applicable"
)

// Outcome notes
const (
	NoteNoMetrics       = "no metrics at evaluation time"
	NoteTargetUndefined = "target undefined"
	NoteZeroReference   = "reference price is zero"
)

// Prediction is one persisted model output for a (coin, model, timestamp).
type Prediction struct {
	ID                  int64     `json:"id"`
	ActiveModelID       int64     `json:"active_model_id"`
	TrainingModelID     int64     `json:"training_model_id"`
	CoinID              string    `json:"coin_id"`
	PredictionTimestamp time.Time `json:"prediction_timestamp"`
	EvaluationTimestamp time.Time `json:"evaluation_timestamp"`
	PriceAtPrediction   float64   `json:"price_at_prediction"`
	Class               int       `json:"prediction"`
	Probability         float64   `json:"probability"`
	AlertThreshold      float64   `json:"alert_threshold"`
	HorizonMinutes      int       `json:"horizon_minutes"`
	Tag                 Tag       `json:"tag"`
	PhaseAtPrediction   *int      `json:"phase_at_prediction"`
	Status              Status    `json:"status"`

	// Intra-horizon extremes relative to PriceAtPrediction.
	ATHHighPct   *float64   `json:"ath_high_pct"`
	ATHHighAt    *time.Time `json:"ath_high_at"`
	ATHHighPrice *float64   `json:"ath_high_price"`
	ATHLowPct    *float64   `json:"ath_low_pct"`
	ATHLowAt     *time.Time `json:"ath_low_at"`
	ATHLowPrice  *float64   `json:"ath_low_price"`

	// Evaluation
	PriceAtEvaluation *float64   `json:"price_at_evaluation"`
	ActualChangePct   *float64   `json:"actual_change_pct"`
	Outcome           *Outcome   `json:"outcome"`
	OutcomeNote       string     `json:"outcome_note,omitempty"`
	EvaluatedAt       *time.Time `json:"evaluated_at"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy.
func (p *Prediction) Clone() *Prediction {
	c := *p
	c.PhaseAtPrediction = cloneInt(p.PhaseAtPrediction)
	c.ATHHighPct = cloneFloat(p.ATHHighPct)
	c.ATHHighAt = cloneTime(p.ATHHighAt)
	c.ATHHighPrice = cloneFloat(p.ATHHighPrice)
	c.ATHLowPct = cloneFloat(p.ATHLowPct)
	c.ATHLowAt = cloneTime(p.ATHLowAt)
	c.ATHLowPrice = cloneFloat(p.ATHLowPrice)
	c.PriceAtEvaluation = cloneFloat(p.PriceAtEvaluation)
	c.ActualChangePct = cloneFloat(p.ActualChangePct)
	c.EvaluatedAt = cloneTime(p.EvaluatedAt)
	if p.Outcome != nil {
		o := *p.Outcome
		c.Outcome = &o
	}
	return &c
}

// ATHUpdate carries new intra-horizon extremes for one prediction.
// Nil groups are left unchanged.
type ATHUpdate struct {
	PredictionID int64
	HighPct      *float64
	HighAt       *time.Time
	HighPrice    *float64
	LowPct       *float64
	LowAt        *time.Time
	LowPrice     *float64
}

// Empty reports whether the update changes nothing.
func (u ATHUpdate) Empty() bool {
	return u.HighPct == nil && u.LowPct == nil
}

// Finalization is the single-row update that moves a prediction to final.
type Finalization struct {
	PredictionID      int64
	PriceAtEvaluation *float64
	ActualChangePct   *float64
	Outcome           Outcome
	OutcomeNote       string
	EvaluatedAt       time.Time
	ATH               ATHUpdate
}

// PredictionFilter selects predictions for listing.
type PredictionFilter struct {
	CoinID        string
	ActiveModelID int64
	Tag           Tag
	Status        Status
	Limit         int
	Offset        int
}

// ModelStats aggregates a model's predictions.
type ModelStats struct {
	ActiveModelID int64             `json:"active_model_id"`
	Total         int64             `json:"total"`
	Live          int64             `json:"live"`
	Final         int64             `json:"final"`
	ByTag         map[Tag]int64     `json:"by_tag"`
	ByOutcome     map[Outcome]int64 `json:"by_outcome"`
}

// OutcomeSummary is one archived aggregate row.
type OutcomeSummary struct {
	ActiveModelID int64   `json:"active_model_id"`
	Tag           Tag     `json:"tag"`
	Outcome       Outcome `json:"outcome"`
	Count         uint64  `json:"count"`
	AvgChangePct  float64 `json:"avg_change_pct"`
	AvgATHHighPct float64 `json:"avg_ath_high_pct"`
}

// WebhookLog records one webhook delivery attempt.
type WebhookLog struct {
	ID                  int64           `json:"id"`
	DeliveryID          string          `json:"delivery_id"`
	CoinID              string          `json:"coin_id"`
	PredictionTimestamp time.Time       `json:"prediction_timestamp"`
	URL                 string          `json:"url"`
	Payload             json.RawMessage `json:"payload"`
	HTTPStatus          *int            `json:"http_status"`
	Body                *string         `json:"body"`
	Error               *string         `json:"error"`
	CreatedAt           time.Time       `json:"created_at"`
}

// SkipReason explains why dispatch produced no stored prediction.
type SkipReason string

const (
	SkipNone              SkipReason = ""
	SkipFilteredWhitelist SkipReason = "filtered_whitelist"
	SkipFilteredPhase     SkipReason = "filtered_phase"
	SkipIgnored           SkipReason = "ignored"
	SkipQuota             SkipReason = "quota"
	SkipDataUnavailable   SkipReason = "data_unavailable"
	SkipFeatureMismatch   SkipReason = "feature_mismatch"
	SkipInferenceError    SkipReason = "inference_error"
	SkipModelUnhealthy    SkipReason = "model_unhealthy"
	SkipDuplicate         SkipReason = "duplicate"
	SkipStoreError        SkipReason = "store_error"
)

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}
