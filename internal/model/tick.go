package model

import "time"

// Tick represents a single market data update for an instrument, identified
// by its broker token. Immutable once constructed.
type Tick struct {
	Token        string    `json:"token"`
	Exchange     string    `json:"exchange"`
	Price        float64   `json:"price"`
	VolumeTraded float64   `json:"volume_traded"` // meaning depends on VolumeMode declared by the feed adapter
	Bid          float64   `json:"bid,omitempty"`
	Ask          float64   `json:"ask,omitempty"`
	TickTS       time.Time `json:"tick_ts"`            // UTC arrival timestamp
	EventTS      time.Time `json:"event_ts,omitempty"` // exchange-provided canonical time, if any
}

// CanonicalTS returns the best available timestamp for this tick.
// Prefers the exchange-provided EventTS; falls back to TickTS (arrival time).
func (t *Tick) CanonicalTS() time.Time {
	if !t.EventTS.IsZero() {
		return t.EventTS
	}
	return t.TickTS
}

// Key returns "exchange:token", the canonical per-instrument key used by the
// tick gate, aggregator, and instrument map.
func (t *Tick) Key() string {
	return t.Exchange + ":" + t.Token
}

// VolumeMode declares how a feed reports VolumeTraded, so the aggregator
// never has to guess (spec §4.2, §9 open question).
type VolumeMode int

const (
	// VolumeCumulative means VolumeTraded is the running total for the
	// trading day; per-bar volume is derived as current - last bar close.
	VolumeCumulative VolumeMode = iota
	// VolumeDelta means VolumeTraded is the quantity traded in this tick
	// alone; per-bar volume is the sum of deltas within the bucket.
	VolumeDelta
)

func (m VolumeMode) String() string {
	if m == VolumeDelta {
		return "delta"
	}
	return "cumulative"
}
