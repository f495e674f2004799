package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	mintSOL  = "So11111111111111111111111111111111111111112"
	mintUSDC = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

func TestTagFor(t *testing.T) {
	tests := []struct {
		p, threshold float64
		want         Tag
	}{
		{0.0, 0.7, TagNegative},
		{0.49, 0.7, TagNegative},
		{0.5, 0.7, TagPositive},
		{0.69, 0.7, TagPositive},
		{0.7, 0.7, TagAlert},
		{0.82, 0.7, TagAlert},
		{0.5, 0.5, TagAlert},
	}
	for _, tt := range tests {
		if got := TagFor(tt.p, tt.threshold); got != tt.want {
			t.Errorf("TagFor(%v, %v) = %s, want %s", tt.p, tt.threshold, got, tt.want)
		}
	}
}

func TestParseSendModes_Encodings(t *testing.T) {
	tests := []struct {
		raw  string
		want SendModeSet
	}{
		{`["alerts_only","negative_only"]`, SendModeSet{SendAlertsOnly, SendNegativeOnly}},
		{`"alerts_only"`, SendModeSet{SendAlertsOnly}},
		{`"negative_only, alerts_only"`, SendModeSet{SendAlertsOnly, SendNegativeOnly}},
		{`"[\"positive_only\"]"`, SendModeSet{SendPositiveOnly}},
		{`null`, SendModeSet{SendAll}},
		{`[]`, SendModeSet{SendAll}},
		{`["all","all"]`, SendModeSet{SendAll}},
	}
	for _, tt := range tests {
		got, err := ParseSendModes([]byte(tt.raw))
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}

	_, err := ParseSendModes([]byte(`"sometimes"`))
	assert.True(t, errors.Is(err, ErrInvalidSettings))
}

func TestSendModeSet_Allows(t *testing.T) {
	neg := SendModeSet{SendNegativeOnly}
	assert.True(t, neg.Allows(TagNegative))
	assert.False(t, neg.Allows(TagPositive))
	assert.False(t, neg.Allows(TagAlert))

	alerts := SendModeSet{SendAlertsOnly}
	assert.True(t, alerts.Allows(TagAlert))
	assert.False(t, alerts.Allows(TagPositive))

	pos := SendModeSet{SendPositiveOnly}
	assert.True(t, pos.Allows(TagPositive))
	assert.True(t, pos.Allows(TagAlert))
	assert.False(t, pos.Allows(TagNegative))

	mixed := SendModeSet{SendAlertsOnly, SendNegativeOnly}
	assert.True(t, mixed.Allows(TagNegative))
	assert.False(t, mixed.Allows(TagPositive))

	all := SendModeSet{SendAll, SendNegativeOnly}
	assert.True(t, all.Allows(TagPositive))
}

func TestModelSettings_RoundTrip(t *testing.T) {
	m := &ActiveModel{
		DisplayName:           "pump-rf",
		Phases:                []int{2, 1, 2},
		AlertThreshold:        0.7,
		SendModes:             SendModeSet{SendNegativeOnly, SendAlertsOnly},
		WebhookURL:            "http://hooks.local/x",
		WebhookEnabled:        true,
		SendIgnoredToWebhook:  true,
		CoinFilter:            CoinFilter{Mode: CoinFilterWhitelist, Whitelist: []string{mintUSDC, mintSOL, mintSOL}},
		IgnoreAlertSec:        300,
		MaxLogEntriesAlert:    1,
		MaxLogEntriesNegative: 3,
	}

	exported, err := json.Marshal(m.Settings())
	require.NoError(t, err)

	var imported ModelSettings
	require.NoError(t, json.Unmarshal(exported, &imported))
	require.NoError(t, imported.Validate())

	other := &ActiveModel{}
	other.ApplySettings(imported)
	again, err := json.Marshal(other.Settings())
	require.NoError(t, err)

	assert.Equal(t, string(exported), string(again))
	assert.Equal(t, []int{1, 2}, other.Phases)
	assert.Equal(t, []string{mintSOL, mintUSDC}, other.CoinFilter.Whitelist)
}

func TestModelSettings_Validate(t *testing.T) {
	s := ModelSettings{AlertThreshold: 1.5}
	assert.ErrorIs(t, s.Validate(), ErrInvalidSettings)

	s = ModelSettings{AlertThreshold: 0.6, IgnoreBadSec: -1}
	assert.ErrorIs(t, s.Validate(), ErrInvalidSettings)

	s = ModelSettings{AlertThreshold: 0.6, CoinFilter: CoinFilter{Mode: CoinFilterWhitelist, Whitelist: []string{"not-a-mint"}}}
	assert.ErrorIs(t, s.Validate(), ErrInvalidSettings)
}

func TestActiveModel_ValidateRejectsLeakage(t *testing.T) {
	m := &ActiveModel{
		TrainingModelID: 1,
		ModelType:       ModelTypeRandomForest,
		FeatureNames:    []string{"price_close", "volume_sol"},
		TargetKind:      TargetTimeBased,
		Target: TargetDetail{
			HorizonMinutes:    10,
			MinChangePct:      5,
			Direction:         DirectionUp,
			ReferenceVariable: "price_close",
		},
		AlertThreshold: 0.7,
	}
	assert.ErrorIs(t, m.Validate(), ErrInvalidSettings)

	m.FeatureNames = []string{"volume_sol"}
	assert.NoError(t, m.Validate())

	m.Target.HorizonMinutes = 0
	assert.ErrorIs(t, m.Validate(), ErrInvalidSettings)
}

func TestOperator_Compare(t *testing.T) {
	op, err := ParseOperator("≥")
	require.NoError(t, err)
	assert.True(t, op.Compare(2, 2))
	assert.True(t, OpLess.Compare(1, 2))
	assert.False(t, OpGreater.Compare(2, 2))
	assert.True(t, OpEqual.Compare(0.1+0.2, 0.3))
}

func TestObservation_InPhases(t *testing.T) {
	phase := 3
	o := &Observation{PhaseID: &phase}
	assert.True(t, o.InPhases(nil))
	assert.False(t, o.InPhases([]int{1, 2}))
	assert.True(t, o.InPhases([]int{3}))

	o.PhaseID = nil
	assert.False(t, o.InPhases([]int{1}))
	assert.True(t, o.InPhases(nil))
}

func TestTrainingParams_WindowSizes(t *testing.T) {
	assert.Equal(t, []int{5, 10, 15}, TrainingParams{}.WindowSizes())

	p := TrainingParams{"feature_engineering_windows": []any{float64(20), float64(5)}, "use_flag_features": true}
	assert.Equal(t, []int{5, 20}, p.WindowSizes())
	assert.True(t, p.FlagFeatures())
	assert.False(t, p.EngineeredFeatures())
}

func TestValidateMint(t *testing.T) {
	assert.NoError(t, ValidateMint(mintSOL))
	assert.Error(t, ValidateMint("0OIl"))
	assert.Error(t, ValidateMint("abc"))
}
