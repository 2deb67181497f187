package model

// TradingLevels is the per-horizon entry/stop/target set, derived
// deterministically at orchestrator step 5 and re-used verbatim as the
// consistency anchor for the final Decision (spec §4.10, §4.8).
type TradingLevels struct {
	EntryRange [2]float64 `json:"entry_range"` // [lo, hi]
	StopLoss   float64    `json:"stop_loss"`
	Targets    []float64  `json:"targets"` // ordered, ascending for bullish, descending for bearish
}

// PriorTradingLevels holds TradingLevels per horizon, produced by step 5
// of the orchestrator and copied verbatim into Context (spec §4.7 rule 1).
type PriorTradingLevels struct {
	ShortTerm  *TradingLevels `json:"short_term,omitempty"`
	MediumTerm *TradingLevels `json:"medium_term,omitempty"`
	LongTerm   *TradingLevels `json:"long_term,omitempty"`
}

// Context is the bounded, structured input the synthesizer (C9) consumes
// via the LLM client (C7). Built by C8 from the map of AgentResults plus
// raw candle/indicator/level data (spec §3, §4.7).
type Context struct {
	Symbol             string             `json:"symbol"`
	CurrentPrice       float64            `json:"current_price"`
	DataQuality        string             `json:"data_quality"` // e.g. "good", "partial", "stale"
	TechnicalSignals   any                `json:"technical_signals"`
	PatternSignals     any                `json:"pattern_signals"`
	VolumeSignals      any                `json:"volume_signals"`
	MTFSignals         any                `json:"mtf_signals"`
	SectorSignals      any                `json:"sector_signals"`
	MLSignals          any                `json:"ml_signals"`
	PriorTradingLevels PriorTradingLevels `json:"prior_trading_levels"`
}
