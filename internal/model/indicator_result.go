package model

import (
	"encoding/json"
	"time"
)

// IndicatorResult holds a computed baseline indicator value for a specific
// (symbol, timeframe), produced by orchestrator step 2 (spec §4.10).
type IndicatorResult struct {
	Name      string    `json:"name"` // e.g. "SMA_20", "EMA_9", "RSI_14", "ATR_14"
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	Timeframe string    `json:"timeframe"`
	Value     float64   `json:"value"`
	TS        time.Time `json:"ts"`    // candle timestamp that produced this value
	Ready     bool      `json:"ready"` // true when the indicator has enough data
	Live      bool      `json:"live"`  // true for preview values from a forming candle
}

// StreamKey returns the Redis stream key: "ind:{name}:{timeframe}:{exchange}:{symbol}".
func (r *IndicatorResult) StreamKey() string {
	return "ind:" + r.Name + ":" + r.Timeframe + ":" + r.Exchange + ":" + r.Symbol
}

// JSON returns the JSON-encoded indicator result.
func (r *IndicatorResult) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}
