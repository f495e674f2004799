package features

import (
	"fmt"
	"sort"

	"pump-inference/internal/domain"
)

// Neutral values for optional coin_metrics columns that were not recorded.
const (
	NeutralUniqueSignerRatio = 0.5
	NeutralAmount            = 0.0
)

// Thresholds used by the derived flags.
const (
	VolatilitySpikeFactor = 1.5
	WashTradingRatio      = 0.15
	VolumeSpikeRatio      = 2.0
	ATHRecentMinutes      = 60
	ATHOldMinutes         = 1440
)

// Frame is a column store over one coin's history, ascending by time.
type Frame struct {
	n    int
	cols map[string][]float64
}

func newFrame(n int) *Frame {
	return &Frame{n: n, cols: make(map[string][]float64)}
}

func (f *Frame) set(name string, x []float64) {
	f.cols[name] = clean(x)
}

// Len returns the number of rows.
func (f *Frame) Len() int { return f.n }

// Column returns a column or nil.
func (f *Frame) Column(name string) []float64 { return f.cols[name] }

// Last returns the value of a column at the newest row.
func (f *Frame) Last(name string) (float64, bool) {
	c, ok := f.cols[name]
	if !ok || f.n == 0 {
		return 0, false
	}
	return c[f.n-1], true
}

// Names returns all column names, sorted.
func (f *Frame) Names() []string {
	names := make([]string, 0, len(f.cols))
	for n := range f.cols {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Compute derives the base and ATH columns over rows, the engineered
// columns for each window and, when flags is set, their _has_data flags.
// rows must be ascending by timestamp.
func Compute(rows []*domain.Observation, windows []int, flags bool) *Frame {
	f := newFrame(len(rows))
	if len(rows) == 0 {
		return f
	}
	addBase(f, rows)
	addATH(f, rows)
	for _, w := range windows {
		if w > 0 {
			addWindow(f, w)
		}
	}
	if flags {
		addFlags(f, windows)
	}
	return f
}

func addBase(f *Frame, rows []*domain.Observation) {
	for _, name := range domain.BaseColumns {
		col := make([]float64, len(rows))
		for i, o := range rows {
			v, ok := o.Column(name)
			if !ok {
				v = neutral(name, o)
			}
			col[i] = v
		}
		f.set(name, col)
	}
	f.cols["phase_id"] = f.cols["phase_id_at_time"]

	first := rows[0].Timestamp
	age := make([]float64, len(rows))
	for i, o := range rows {
		age[i] = o.Timestamp.Sub(first).Minutes()
	}
	f.set("coin_age_minutes", age)
}

func neutral(name string, o *domain.Observation) float64 {
	switch name {
	case "unique_signer_ratio":
		return NeutralUniqueSignerRatio
	case "buy_pressure_ratio":
		total := o.BuyVolumeSol + o.SellVolumeSol
		if total == 0 {
			return 0
		}
		return o.BuyVolumeSol / total
	}
	return NeutralAmount
}

func addATH(f *Frame, rows []*domain.Observation) {
	high := f.cols["price_high"]
	closePrice := f.cols["price_close"]

	ath := cummax(high)
	prevATH := shift(ath, 1)
	breakout := greater(high, prevATH)

	since := make([]float64, len(rows))
	last := -1
	for i := range rows {
		if breakout[i] == 1 {
			last = i
		}
		if last >= 0 {
			since[i] = rows[i].Timestamp.Sub(rows[last].Timestamp).Minutes()
		}
	}

	f.set("rolling_ath", ath)
	f.set("ath_distance_pct", scale(div(sub(ath, closePrice), ath), 100))
	f.set("ath_breakout", breakout)
	f.set("minutes_since_ath", since)
	f.set("ath_age_hours", scale(since, 1.0/60))
	f.set("ath_is_recent", lessThan(since, ATHRecentMinutes))
	f.set("ath_is_old", greaterThan(since, ATHOldMinutes))
}

// windowedFeatures lists the engineered names that carry a _w suffix.
var windowedFeatures = []string{
	"dev_sold_spike",
	"buy_pressure_ma", "buy_pressure_trend",
	"whale_activity",
	"volatility_ma", "volatility_spike",
	"wash_trading_flag",
	"net_volume_ma", "volume_flip",
	"price_change", "price_roc", "price_acceleration",
	"volume_ratio", "volume_spike",
	"mcap_velocity",
	"ath_distance_trend", "ath_approach", "ath_breakout_count", "ath_breakout_volume_ma", "ath_age_trend",
}

func windowed(name string, w int) string {
	return fmt.Sprintf("%s_%d", name, w)
}

func addWindow(f *Frame, w int) {
	c := f.cols
	dev := c["dev_sold_amount"]
	pressure := c["buy_pressure_ratio"]
	volatility := c["volatility_pct"]
	netVolume := c["net_volume_sol"]
	closePrice := c["price_close"]
	volume := c["volume_sol"]
	mcap := c["market_cap_close"]

	// window-independent columns
	if _, ok := c["dev_sold_flag"]; !ok {
		f.set("dev_sold_flag", greaterThan(dev, 0))
		f.set("dev_sold_cumsum", cumsum(dev))
		f.set("whale_net_volume", sub(c["whale_buy_volume_sol"], c["whale_sell_volume_sol"]))
		f.set("whale_dominance", div(add(c["whale_buy_volume_sol"], c["whale_sell_volume_sol"]), volume))
		f.set("buy_sell_ratio", div(c["buy_volume_sol"], c["sell_volume_sol"]))
	}

	f.set(windowed("dev_sold_spike", w), greaterThan(rollingSum(dev, w), 0))

	pressureMA := rollingMean(pressure, w)
	f.set(windowed("buy_pressure_ma", w), pressureMA)
	f.set(windowed("buy_pressure_trend", w), sub(pressure, pressureMA))

	f.set(windowed("whale_activity", w), rollingSum(add(c["num_whale_buys"], c["num_whale_sells"]), w))

	volatilityMA := rollingMean(volatility, w)
	f.set(windowed("volatility_ma", w), volatilityMA)
	f.set(windowed("volatility_spike", w), greater(volatility, scale(volatilityMA, VolatilitySpikeFactor)))

	f.set(windowed("wash_trading_flag", w), lessThan(rollingMean(c["unique_signer_ratio"], w), WashTradingRatio))

	netMA := rollingMean(netVolume, w)
	f.set(windowed("net_volume_ma", w), netMA)
	f.set(windowed("volume_flip", w), zip(netVolume, netMA, func(a, b float64) float64 {
		return indicator(sign(a) != 0 && sign(b) != 0 && sign(a) != sign(b))
	}))

	prevClose := shift(closePrice, w)
	roc := scale(div(sub(closePrice, prevClose), prevClose), 100)
	f.set(windowed("price_change", w), sub(closePrice, prevClose))
	f.set(windowed("price_acceleration", w), sub(roc, shift(roc, 1)))
	f.set(windowed("price_roc", w), roc)

	volumeRatio := div(volume, rollingMean(volume, w))
	f.set(windowed("volume_ratio", w), volumeRatio)
	f.set(windowed("volume_spike", w), greaterThan(volumeRatio, VolumeSpikeRatio))

	f.set(windowed("mcap_velocity", w), scale(sub(mcap, shift(mcap, w)), 1/float64(w)))

	distance := c["ath_distance_pct"]
	distanceTrend := sub(distance, shift(distance, w))
	f.set(windowed("ath_approach", w), lessThan(distanceTrend, 0))
	f.set(windowed("ath_distance_trend", w), distanceTrend)

	breakout := c["ath_breakout"]
	f.set(windowed("ath_breakout_count", w), rollingSum(breakout, w))
	f.set(windowed("ath_breakout_volume_ma", w), rollingMean(mul(breakout, volume), w))

	since := c["minutes_since_ath"]
	f.set(windowed("ath_age_trend", w), sub(since, shift(since, w)))
}

func addFlags(f *Frame, windows []int) {
	age := f.cols["coin_age_minutes"]
	for _, w := range windows {
		if w <= 0 {
			continue
		}
		flag := mapf(age, func(v float64) float64 { return indicator(v >= float64(w)) })
		for _, name := range windowedFeatures {
			f.set(windowed(name, w)+"_has_data", append([]float64(nil), flag...))
		}
	}
}
