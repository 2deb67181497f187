package indicator

import "marketsynth/internal/model"

// ATR calculates Average True Range using Wilder's smoothing, needed by
// internal/orchestrator.BaselineIndicators to derive prior_trading_levels
// (spec §4.10 step 5: entry = current±k·ATR, stop = entry∓m·ATR,
// targets = entry±n·ATR).
type ATR struct {
	period    int
	count     int
	prevClose float64
	havePrev  bool
	sum       float64
	current   float64
}

// NewATR creates a new ATR indicator with the given period (typically 14).
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

func (a *ATR) Name() string { return "ATR" }

func (a *ATR) trueRange(c model.Candle) float64 {
	tr := c.High - c.Low
	if a.havePrev {
		if v := absf(c.High - a.prevClose); v > tr {
			tr = v
		}
		if v := absf(c.Low - a.prevClose); v > tr {
			tr = v
		}
	}
	return tr
}

func (a *ATR) Update(c model.Candle) {
	tr := a.trueRange(c)
	a.count++

	if a.count <= a.period {
		a.sum += tr
		if a.count == a.period {
			a.current = a.sum / float64(a.period)
		}
	} else {
		p := float64(a.period)
		a.current = (a.current*(p-1) + tr) / p
	}

	a.prevClose = c.Close
	a.havePrev = true
}

func (a *ATR) Value() float64 { return a.current }
func (a *ATR) Ready() bool    { return a.count >= a.period }

// Peek is not meaningful for ATR without a full candle (high/low), so it
// returns the last computed value unchanged.
func (a *ATR) Peek(_ float64) float64 { return a.current }

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
