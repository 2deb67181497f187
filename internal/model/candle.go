package model

import (
	"encoding/json"
	"time"
)

// Candle is an OHLCV aggregation of ticks over [Start, End) for one
// (Token, Timeframe). Mutated only while open; frozen on emit as "closed"
// and never mutated afterwards (spec §3).
type Candle struct {
	Token     string    `json:"token"`
	Exchange  string    `json:"exchange"`
	Timeframe string    `json:"timeframe"` // e.g. "1m"
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Ticks     int       `json:"ticks_count"`
}

// Key returns "exchange:token:timeframe", the canonical aggregator state key.
func (c *Candle) Key() string {
	return c.Exchange + ":" + c.Token + ":" + c.Timeframe
}

// Valid checks the invariants from spec §3.
func (c *Candle) Valid() bool {
	if !c.Start.Before(c.End) {
		return false
	}
	if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
		return false
	}
	if c.Low > c.High {
		return false
	}
	return c.Volume >= 0
}

// Contains reports whether ts falls within this candle's half-open bucket
// [Start, End). A tick with ts == End belongs to the *next* bucket (§4.2).
func (c *Candle) Contains(ts time.Time) bool {
	return !ts.Before(c.Start) && ts.Before(c.End)
}

// JSON returns the JSON-encoded candle (hot-path usage, errors ignored —
// Candle has no unmarshalable fields).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// CandleStage distinguishes the two event kinds the aggregator emits
// (spec §4.2).
type CandleStage string

const (
	StageRolling CandleStage = "rolling"
	StageClosed  CandleStage = "closed"
)
