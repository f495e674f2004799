package features

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pump-inference/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func row(minute int, high, closePrice float64) *domain.Observation {
	return &domain.Observation{
		Mint:       "A",
		Timestamp:  t0.Add(time.Duration(minute) * time.Minute),
		PriceOpen:  closePrice,
		PriceHigh:  high,
		PriceLow:   closePrice,
		PriceClose: closePrice,
	}
}

func TestCompute_ATHColumns(t *testing.T) {
	rows := []*domain.Observation{
		row(0, 1, 1),
		row(1, 2, 2),
		row(2, 1.5, 1.5),
		row(5, 3, 2.4),
	}
	f := Compute(rows, []int{2}, true)

	assert.Equal(t, []float64{1, 2, 2, 3}, f.Column("rolling_ath"))
	assert.Equal(t, []float64{0, 1, 0, 1}, f.Column("ath_breakout"))
	assert.Equal(t, []float64{0, 0, 1, 0}, f.Column("minutes_since_ath"))
	assert.Equal(t, []float64{1, 1, 1, 1}, f.Column("ath_is_recent"))

	dist := f.Column("ath_distance_pct")
	assert.InDelta(t, 25.0, dist[2], 1e-9)
	assert.InDelta(t, 20.0, dist[3], 1e-9)

	assert.Equal(t, []float64{0, 1, 1, 1}, f.Column("ath_breakout_count_2"))
}

func TestCompute_ATHAge(t *testing.T) {
	rows := []*domain.Observation{row(0, 1, 1), row(1, 2, 2)}
	for m := 1; m <= 3; m++ {
		rows = append(rows, row(1+m*600, 1, 1))
	}
	f := Compute(rows, nil, true)

	last, _ := f.Last("minutes_since_ath")
	assert.Equal(t, 1800.0, last)
	hours, _ := f.Last("ath_age_hours")
	assert.Equal(t, 30.0, hours)
	old, _ := f.Last("ath_is_old")
	assert.Equal(t, 1.0, old)
	recent, _ := f.Last("ath_is_recent")
	assert.Equal(t, 0.0, recent)
}

func TestCompute_PriceWindows(t *testing.T) {
	rows := []*domain.Observation{row(0, 1, 1), row(1, 2, 2), row(2, 4, 4), row(3, 8, 8)}
	f := Compute(rows, []int{2}, true)

	assert.Equal(t, []float64{0, 0, 3, 6}, f.Column("price_change_2"))
	assert.Equal(t, []float64{0, 0, 300, 300}, f.Column("price_roc_2"))
	assert.Equal(t, []float64{0, 0, 0, 0}, f.Column("price_acceleration_2"))
}

func TestCompute_VolumeAndPressure(t *testing.T) {
	var rows []*domain.Observation
	volumes := []float64{1, 1, 1, 5}
	for i, v := range volumes {
		r := row(i, 1, 1)
		r.VolumeSol = v
		r.BuyVolumeSol = v * 0.75
		r.SellVolumeSol = v * 0.25
		r.NetVolumeSol = r.BuyVolumeSol - r.SellVolumeSol
		rows = append(rows, r)
	}
	f := Compute(rows, []int{3}, true)

	ratio, _ := f.Last("volume_ratio_3")
	assert.InDelta(t, 5.0/(7.0/3.0), ratio, 1e-9)
	spike, _ := f.Last("volume_spike_3")
	assert.Equal(t, 1.0, spike)

	// buy_pressure_ratio is derived from buy/sell volume when not recorded
	pressure, _ := f.Last("buy_pressure_ma_3")
	assert.InDelta(t, 0.75, pressure, 1e-9)
	bsr, _ := f.Last("buy_sell_ratio")
	assert.InDelta(t, 3.0, bsr, 1e-9)
}

func TestCompute_Imputation(t *testing.T) {
	rows := []*domain.Observation{row(0, 1, 1), row(1, 1, 1)}
	f := Compute(rows, []int{5}, true)

	usr, _ := f.Last("unique_signer_ratio")
	assert.Equal(t, NeutralUniqueSignerRatio, usr)
	wash, _ := f.Last("wash_trading_flag_5")
	assert.Equal(t, 0.0, wash)
	dev, _ := f.Last("dev_sold_cumsum")
	assert.Equal(t, 0.0, dev)

	low := 0.1
	rows[1].UniqueSignerRatio = &low
	rows[0].UniqueSignerRatio = &low
	f = Compute(rows, []int{5}, true)
	wash, _ = f.Last("wash_trading_flag_5")
	assert.Equal(t, 1.0, wash)
}

func TestCompute_DevSold(t *testing.T) {
	rows := []*domain.Observation{row(0, 1, 1), row(1, 1, 1), row(2, 1, 1), row(3, 1, 1)}
	sold := 2.5
	rows[1].DevSoldAmount = &sold
	f := Compute(rows, []int{2}, true)

	assert.Equal(t, []float64{0, 1, 0, 0}, f.Column("dev_sold_flag"))
	assert.Equal(t, []float64{0, 2.5, 2.5, 2.5}, f.Column("dev_sold_cumsum"))
	assert.Equal(t, []float64{0, 1, 1, 0}, f.Column("dev_sold_spike_2"))
}

func TestCompute_FlagFeatures(t *testing.T) {
	var rows []*domain.Observation
	for i := 0; i <= 6; i++ {
		rows = append(rows, row(i, 1, 1))
	}
	f := Compute(rows, []int{5}, true)

	assert.Equal(t, []float64{0, 0, 0, 0, 0, 1, 1}, f.Column("price_roc_5_has_data"))
	require.NotNil(t, f.Column("ath_age_trend_5_has_data"))
}

func TestCompute_WithoutFlags(t *testing.T) {
	rows := []*domain.Observation{row(0, 1, 1), row(1, 2, 2)}
	f := Compute(rows, []int{5}, false)

	assert.NotNil(t, f.Column("price_roc_5"))
	assert.Nil(t, f.Column("price_roc_5_has_data"))
}

func TestCompute_Empty(t *testing.T) {
	f := Compute(nil, []int{5}, true)
	assert.Equal(t, 0, f.Len())
	_, ok := f.Last("price_close")
	assert.False(t, ok)
}
