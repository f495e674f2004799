package domain

import "time"

// Observation is one row of the external coin_metrics table.
// Keyed by (Mint, Timestamp). Read-only for this service.
type Observation struct {
	Mint      string
	Timestamp time.Time
	PhaseID   *int // nullable

	// OHLC (SOL)
	PriceOpen  float64
	PriceHigh  float64
	PriceLow   float64
	PriceClose float64

	MarketCapClose float64

	// Volumes (SOL)
	VolumeSol     float64
	BuyVolumeSol  float64
	SellVolumeSol float64
	NetVolumeSol  float64

	// Order counts
	NumBuys       int64
	NumSells      int64
	UniqueWallets int64

	// Optional columns; nil when the collector did not record them.
	DevSoldAmount      *float64
	VolatilityPct      *float64
	AvgTradeSizeSol    *float64
	WhaleBuyVolumeSol  *float64
	WhaleSellVolumeSol *float64
	NumWhaleBuys       *int64
	NumWhaleSells      *int64
	BuyPressureRatio   *float64
	UniqueSignerRatio  *float64
}

// Column returns the value of a named coin_metrics column.
// ok is false for unknown names and for null optional columns.
func (o *Observation) Column(name string) (float64, bool) {
	switch name {
	case "price_open":
		return o.PriceOpen, true
	case "price_high":
		return o.PriceHigh, true
	case "price_low":
		return o.PriceLow, true
	case "price_close":
		return o.PriceClose, true
	case "market_cap_close":
		return o.MarketCapClose, true
	case "volume_sol":
		return o.VolumeSol, true
	case "buy_volume_sol":
		return o.BuyVolumeSol, true
	case "sell_volume_sol":
		return o.SellVolumeSol, true
	case "net_volume_sol":
		return o.NetVolumeSol, true
	case "num_buys":
		return float64(o.NumBuys), true
	case "num_sells":
		return float64(o.NumSells), true
	case "unique_wallets":
		return float64(o.UniqueWallets), true
	case "phase_id_at_time", "phase_id":
		if o.PhaseID == nil {
			return 0, false
		}
		return float64(*o.PhaseID), true
	case "dev_sold_amount":
		return floatPtr(o.DevSoldAmount)
	case "volatility_pct":
		return floatPtr(o.VolatilityPct)
	case "avg_trade_size_sol":
		return floatPtr(o.AvgTradeSizeSol)
	case "whale_buy_volume_sol":
		return floatPtr(o.WhaleBuyVolumeSol)
	case "whale_sell_volume_sol":
		return floatPtr(o.WhaleSellVolumeSol)
	case "num_whale_buys":
		return intPtr(o.NumWhaleBuys)
	case "num_whale_sells":
		return intPtr(o.NumWhaleSells)
	case "buy_pressure_ratio":
		return floatPtr(o.BuyPressureRatio)
	case "unique_signer_ratio":
		return floatPtr(o.UniqueSignerRatio)
	}
	return 0, false
}

// BaseColumns lists the coin_metrics columns usable directly as model features.
var BaseColumns = []string{
	"price_open", "price_high", "price_low", "price_close",
	"market_cap_close",
	"volume_sol", "buy_volume_sol", "sell_volume_sol", "net_volume_sol",
	"num_buys", "num_sells", "unique_wallets",
	"dev_sold_amount", "volatility_pct", "avg_trade_size_sol",
	"whale_buy_volume_sol", "whale_sell_volume_sol", "num_whale_buys", "num_whale_sells",
	"buy_pressure_ratio", "unique_signer_ratio",
	"phase_id_at_time",
}

// InPhases reports whether the observation's phase is one of phases.
// Null phases never match a non-empty set.
func (o *Observation) InPhases(phases []int) bool {
	if len(phases) == 0 {
		return true
	}
	if o.PhaseID == nil {
		return false
	}
	for _, p := range phases {
		if p == *o.PhaseID {
			return true
		}
	}
	return false
}

func floatPtr(v *float64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}

func intPtr(v *int64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return float64(*v), true
}
