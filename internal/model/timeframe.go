package model

import (
	"fmt"
	"time"
)

// Timeframe is a candle-aggregation duration, identified by its canonical
// label (the wire contract in spec §6.2 uses these strings verbatim).
type Timeframe struct {
	Label    string
	Duration time.Duration
}

var (
	TF1m  = Timeframe{"1m", time.Minute}
	TF5m  = Timeframe{"5m", 5 * time.Minute}
	TF15m = Timeframe{"15m", 15 * time.Minute}
	TF30m = Timeframe{"30m", 30 * time.Minute}
	TF1h  = Timeframe{"1h", time.Hour}
	TF1d  = Timeframe{"1d", 24 * time.Hour}
)

// CanonicalMTFSet is the fixed timeframe set the MTF aggregator (C10) runs
// over, per spec §4.9.
var CanonicalMTFSet = []Timeframe{TF1m, TF5m, TF15m, TF30m, TF1h, TF1d}

var byLabel = map[string]Timeframe{
	TF1m.Label: TF1m, TF5m.Label: TF5m, TF15m.Label: TF15m,
	TF30m.Label: TF30m, TF1h.Label: TF1h, TF1d.Label: TF1d,
}

// ParseTimeframe resolves a wire label ("1m", "5m", ...) to a Timeframe.
func ParseTimeframe(label string) (Timeframe, error) {
	tf, ok := byLabel[label]
	if !ok {
		return Timeframe{}, fmt.Errorf("unrecognized timeframe %q", label)
	}
	return tf, nil
}

// BucketStart returns the half-open bucket start for ts under this
// timeframe: floor(ts / duration) * duration (spec §4.2).
func (tf Timeframe) BucketStart(ts time.Time) time.Time {
	d := tf.Duration
	return ts.Truncate(d)
}
