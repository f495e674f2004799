package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidSettings is returned when model settings fail validation.
var ErrInvalidSettings = errors.New("invalid model settings")

// Model type constants.
const (
	ModelTypeRandomForest     = "random_forest"
	ModelTypeGradientBoosting = "gradient_boosting"
)

// ActiveModel is a training-service model imported for live inference.
type ActiveModel struct {
	ID              int64
	TrainingModelID int64
	Name            string // name in the training catalog
	DisplayName     string // optional override
	ModelType       string // random_forest | gradient_boosting
	ArtifactPath    string // absolute path of the local artifact

	// Frozen manifest: ordered feature names. Arity is len(FeatureNames).
	FeatureNames []string

	TargetKind TargetKind
	Target     TargetDetail

	Phases []int // empty = all phases

	AlertThreshold       float64
	SendModes            SendModeSet
	WebhookURL           string // empty = service default
	WebhookEnabled       bool
	SendIgnoredToWebhook bool
	CoinFilter           CoinFilter

	// Ignore windows per last tag (seconds, 0 = disabled)
	IgnoreBadSec      int
	IgnorePositiveSec int
	IgnoreAlertSec    int

	// Live quota per tag (0 = unlimited)
	MaxLogEntriesNegative int
	MaxLogEntriesPositive int
	MaxLogEntriesAlert    int

	TrainingParams TrainingParams
	Metrics        map[string]float64

	IsActive         bool
	TotalPredictions int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Label returns the display name, falling back to the catalog name.
func (m *ActiveModel) Label() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.Name
}

// ExpectedArity returns the number of features the model consumes.
func (m *ActiveModel) ExpectedArity() int {
	return len(m.FeatureNames)
}

// HasTarget reports whether the target definition is complete enough to evaluate.
func (m *ActiveModel) HasTarget() bool {
	return m.Target.Complete(m.TargetKind)
}

// Horizon returns the evaluation horizon.
func (m *ActiveModel) Horizon() time.Duration {
	return time.Duration(m.Target.HorizonMinutes) * time.Minute
}

// IgnoreWindow returns the cooldown following a prediction with the given tag.
func (m *ActiveModel) IgnoreWindow(tag Tag) time.Duration {
	var sec int
	switch tag {
	case TagNegative:
		sec = m.IgnoreBadSec
	case TagPositive:
		sec = m.IgnorePositiveSec
	case TagAlert:
		sec = m.IgnoreAlertSec
	}
	return time.Duration(sec) * time.Second
}

// Quota returns the live-prediction cap for the tag (0 = unlimited).
func (m *ActiveModel) Quota(tag Tag) int {
	switch tag {
	case TagNegative:
		return m.MaxLogEntriesNegative
	case TagPositive:
		return m.MaxLogEntriesPositive
	case TagAlert:
		return m.MaxLogEntriesAlert
	}
	return 0
}

// Clone returns a deep copy.
func (m *ActiveModel) Clone() *ActiveModel {
	c := *m
	c.FeatureNames = append([]string(nil), m.FeatureNames...)
	c.Phases = append([]int(nil), m.Phases...)
	c.SendModes = append(SendModeSet(nil), m.SendModes...)
	c.CoinFilter.Whitelist = append([]string(nil), m.CoinFilter.Whitelist...)
	c.Target = m.Target.clone()
	if m.TrainingParams != nil {
		c.TrainingParams = make(TrainingParams, len(m.TrainingParams))
		for k, v := range m.TrainingParams {
			c.TrainingParams[k] = v
		}
	}
	if m.Metrics != nil {
		c.Metrics = make(map[string]float64, len(m.Metrics))
		for k, v := range m.Metrics {
			c.Metrics[k] = v
		}
	}
	return &c
}

// Validate checks invariants that must hold before a model is stored.
func (m *ActiveModel) Validate() error {
	if m.TrainingModelID <= 0 {
		return fmt.Errorf("%w: training_model_id required", ErrInvalidSettings)
	}
	if m.ModelType != ModelTypeRandomForest && m.ModelType != ModelTypeGradientBoosting {
		return fmt.Errorf("%w: unsupported model_type %q", ErrInvalidSettings, m.ModelType)
	}
	if len(m.FeatureNames) == 0 {
		return fmt.Errorf("%w: empty feature list", ErrInvalidSettings)
	}
	if err := m.Target.Validate(m.TargetKind); err != nil {
		return err
	}
	if m.TargetKind == TargetTimeBased {
		for _, f := range m.FeatureNames {
			if f == m.Target.ReferenceVariable {
				return fmt.Errorf("%w: reference variable %q is a feature", ErrInvalidSettings, f)
			}
		}
	}
	return m.Settings().Validate()
}

// ModelSettings is the user-editable part of an active model.
// It is the document exported and re-imported by the admin surface.
type ModelSettings struct {
	DisplayName           string      `json:"display_name"`
	Phases                []int       `json:"phases"`
	AlertThreshold        float64     `json:"alert_threshold"`
	SendModes             SendModeSet `json:"send_mode"`
	WebhookURL            string      `json:"webhook_url"`
	WebhookEnabled        bool        `json:"webhook_enabled"`
	SendIgnoredToWebhook  bool        `json:"send_ignored_to_webhook"`
	CoinFilter            CoinFilter  `json:"coin_filter"`
	IgnoreBadSec          int         `json:"ignore_bad_sec"`
	IgnorePositiveSec     int         `json:"ignore_positive_sec"`
	IgnoreAlertSec        int         `json:"ignore_alert_sec"`
	MaxLogEntriesNegative int         `json:"max_log_entries_negative"`
	MaxLogEntriesPositive int         `json:"max_log_entries_positive"`
	MaxLogEntriesAlert    int         `json:"max_log_entries_alert"`
}

// Settings exports the model's settings in normalized form.
func (m *ActiveModel) Settings() ModelSettings {
	s := ModelSettings{
		DisplayName:           m.DisplayName,
		Phases:                append([]int(nil), m.Phases...),
		AlertThreshold:        m.AlertThreshold,
		SendModes:             append(SendModeSet(nil), m.SendModes...),
		WebhookURL:            m.WebhookURL,
		WebhookEnabled:        m.WebhookEnabled,
		SendIgnoredToWebhook:  m.SendIgnoredToWebhook,
		CoinFilter:            m.CoinFilter,
		IgnoreBadSec:          m.IgnoreBadSec,
		IgnorePositiveSec:     m.IgnorePositiveSec,
		IgnoreAlertSec:        m.IgnoreAlertSec,
		MaxLogEntriesNegative: m.MaxLogEntriesNegative,
		MaxLogEntriesPositive: m.MaxLogEntriesPositive,
		MaxLogEntriesAlert:    m.MaxLogEntriesAlert,
	}
	s.CoinFilter.Whitelist = append([]string(nil), m.CoinFilter.Whitelist...)
	s.Normalize()
	return s
}

// ApplySettings replaces the model's settings with s (normalized).
func (m *ActiveModel) ApplySettings(s ModelSettings) {
	s.Normalize()
	m.DisplayName = s.DisplayName
	m.Phases = s.Phases
	m.AlertThreshold = s.AlertThreshold
	m.SendModes = s.SendModes
	m.WebhookURL = s.WebhookURL
	m.WebhookEnabled = s.WebhookEnabled
	m.SendIgnoredToWebhook = s.SendIgnoredToWebhook
	m.CoinFilter = s.CoinFilter
	m.IgnoreBadSec = s.IgnoreBadSec
	m.IgnorePositiveSec = s.IgnorePositiveSec
	m.IgnoreAlertSec = s.IgnoreAlertSec
	m.MaxLogEntriesNegative = s.MaxLogEntriesNegative
	m.MaxLogEntriesPositive = s.MaxLogEntriesPositive
	m.MaxLogEntriesAlert = s.MaxLogEntriesAlert
}

// Normalize sorts and deduplicates set-valued fields so that equal
// settings always serialize to identical bytes.
func (s *ModelSettings) Normalize() {
	s.Phases = normalizeInts(s.Phases)
	s.SendModes = s.SendModes.Normalize()
	s.CoinFilter = s.CoinFilter.Normalize()
}

// Validate checks ranges of all settings.
func (s ModelSettings) Validate() error {
	if s.AlertThreshold < 0 || s.AlertThreshold > 1 {
		return fmt.Errorf("%w: alert_threshold must be within [0,1]", ErrInvalidSettings)
	}
	for _, v := range []int{s.IgnoreBadSec, s.IgnorePositiveSec, s.IgnoreAlertSec} {
		if v < 0 {
			return fmt.Errorf("%w: ignore seconds must be >= 0", ErrInvalidSettings)
		}
	}
	for _, v := range []int{s.MaxLogEntriesNegative, s.MaxLogEntriesPositive, s.MaxLogEntriesAlert} {
		if v < 0 {
			return fmt.Errorf("%w: max log entries must be >= 0", ErrInvalidSettings)
		}
	}
	for _, mode := range s.SendModes {
		if !mode.Valid() {
			return fmt.Errorf("%w: unknown send mode %q", ErrInvalidSettings, mode)
		}
	}
	return s.CoinFilter.Validate()
}

// TrainingParams holds the training-time parameters reported by the training service.
type TrainingParams map[string]any

// DefaultWindowSizes are the engineered-feature windows used when none were recorded.
var DefaultWindowSizes = []int{5, 10, 15}

// EngineeredFeatures reports whether pump-detection features were used in training.
func (p TrainingParams) EngineeredFeatures() bool {
	return p.boolParam("use_engineered_features")
}

// FlagFeatures reports whether *_has_data flag features were used in training.
func (p TrainingParams) FlagFeatures() bool {
	return p.boolParam("use_flag_features")
}

// WindowSizes returns the engineered-feature window sizes.
func (p TrainingParams) WindowSizes() []int {
	for _, key := range []string{"feature_engineering_windows", "window_sizes"} {
		raw, ok := p[key]
		if !ok {
			continue
		}
		var out []int
		switch v := raw.(type) {
		case []int:
			out = append(out, v...)
		case []any:
			for _, x := range v {
				if f, ok := x.(float64); ok && f > 0 {
					out = append(out, int(f))
				}
			}
		case []float64:
			for _, f := range v {
				if f > 0 {
					out = append(out, int(f))
				}
			}
		}
		if len(out) > 0 {
			return normalizeInts(out)
		}
	}
	return append([]int(nil), DefaultWindowSizes...)
}

func (p TrainingParams) boolParam(key string) bool {
	v, ok := p[key]
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "1"
	case float64:
		return b != 0
	}
	return false
}

func normalizeInts(in []int) []int {
	if len(in) == 0 {
		return []int{}
	}
	out := append([]int(nil), in...)
	sort.Ints(out)
	j := 0
	for i := range out {
		if i == 0 || out[i] != out[j-1] {
			out[j] = out[i]
			j++
		}
	}
	return out[:j]
}
