package evaluation

import (
	"time"

	"github.com/shopspring/decimal"

	"pump-inference/internal/domain"
)

// changePct returns 100 * (price - ref) / ref. ok is false when ref is 0.
// Prices are often below 1e-6, so the arithmetic runs on decimals.
func changePct(ref, price float64) (float64, bool) {
	if ref == 0 {
		return 0, false
	}
	r := decimal.NewFromFloat(ref)
	pct := decimal.NewFromFloat(price).Sub(r).
		DivRound(r, 16).
		Mul(decimal.NewFromInt(100))
	return pct.Round(8).InexactFloat64(), true
}

// referenceColumn is the observation column a prediction's price was taken from.
func referenceColumn(m *domain.ActiveModel) string {
	if m != nil && m.TargetKind == domain.TargetTimeBased && m.Target.ReferenceVariable != "" {
		return m.Target.ReferenceVariable
	}
	return "price_close"
}

// extremes accumulates the intra-horizon high and low of one prediction.
type extremes struct {
	u       domain.ATHUpdate
	highPct *float64
	lowPct  *float64
}

func newExtremes(p *domain.Prediction) *extremes {
	return &extremes{
		u:       domain.ATHUpdate{PredictionID: p.ID},
		highPct: p.ATHHighPct,
		lowPct:  p.ATHLowPct,
	}
}

// observe admits pct as a new high when strictly positive and above the
// current high, and as a new low when strictly negative and below it.
func (x *extremes) observe(pct, price float64, at time.Time) {
	ts := at
	if pct > 0 && (x.highPct == nil || pct > *x.highPct) {
		p, v := pct, price
		x.highPct = &p
		x.u.HighPct, x.u.HighAt, x.u.HighPrice = &p, &ts, &v
	}
	if pct < 0 && (x.lowPct == nil || pct < *x.lowPct) {
		p, v := pct, price
		x.lowPct = &p
		x.u.LowPct, x.u.LowAt, x.u.LowPrice = &p, &ts, &v
	}
}
