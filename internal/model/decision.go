package model

import "time"

// Trend is the closed decision-level bias enum (spec §3).
type Trend string

const (
	TrendBullish Trend = "Bullish"
	TrendBearish Trend = "Bearish"
	TrendNeutral Trend = "Neutral"
)

// Horizon is one of the three analysis windows in a Decision (spec §3).
type Horizon struct {
	Bias          Trend      `json:"bias"`
	ConfidencePct float64    `json:"confidence_pct"`
	EntryRange    [2]float64 `json:"entry_range"`
	StopLoss      float64    `json:"stop_loss"`
	Targets       []float64  `json:"targets"`
	Rationale     string     `json:"rationale"`
}

// OrderingValid checks the inequality chain from spec §3 for this horizon's
// bias. Neutral horizons have no ordering constraint.
func (h Horizon) OrderingValid() bool {
	if len(h.Targets) == 0 {
		return false
	}
	switch h.Bias {
	case TrendBullish:
		if !(h.StopLoss < h.EntryRange[0] && h.EntryRange[0] <= h.EntryRange[1] && h.EntryRange[1] < h.Targets[0]) {
			return false
		}
		for i := 1; i < len(h.Targets); i++ {
			if h.Targets[i-1] >= h.Targets[i] {
				return false
			}
		}
		return true
	case TrendBearish:
		if !(h.StopLoss > h.EntryRange[1] && h.EntryRange[1] >= h.EntryRange[0] && h.EntryRange[0] > h.Targets[0]) {
			return false
		}
		for i := 1; i < len(h.Targets); i++ {
			if h.Targets[i-1] <= h.Targets[i] {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// DecisionMeta carries the UI-facing quality flags (spec §7): a consumer
// must check these to render reduced-confidence output appropriately.
type DecisionMeta struct {
	Partial     bool   `json:"partial,omitempty"`
	LLMFallback bool   `json:"llm_fallback,omitempty"`
	Adjustment  string `json:"adjustment,omitempty"` // e.g. "levels_forced"
}

// Decision is the final trading recommendation for one (symbol, request),
// produced by the synthesizer (C9) from a Context. Once produced, never
// mutated (spec §3 ownership rules).
type Decision struct {
	Symbol          string       `json:"symbol"`
	Timestamp       time.Time    `json:"timestamp"`
	Trend           Trend        `json:"trend"`
	ConfidencePct   float64      `json:"confidence_pct"`
	ShortTerm       Horizon      `json:"short_term"`
	MediumTerm      Horizon      `json:"medium_term"`
	LongTerm        Horizon      `json:"long_term"`
	Risks           []string     `json:"risks"`
	MustWatchLevels []float64    `json:"must_watch_levels"`
	MTFContext      any          `json:"mtf_context,omitempty"`
	SectorContext   any          `json:"sector_context,omitempty"`
	Meta            DecisionMeta `json:"meta"`
}

// Horizons returns the three horizons in short/medium/long order, for code
// that needs to iterate them uniformly (validation, persistence mapping).
func (d *Decision) Horizons() [3]Horizon {
	return [3]Horizon{d.ShortTerm, d.MediumTerm, d.LongTerm}
}

// PersistedDecision is the canonical field-name shape for the persisted
// decision record (spec §6.4) — field names are part of the contract and
// differ from Decision's internal shape, so this is a deliberate separate
// wire type rather than JSON tag aliasing.
type PersistedDecision struct {
	StockSymbol  string    `json:"stock_symbol"`
	Exchange     string    `json:"exchange"`
	AnalysisTS   time.Time `json:"analysis_timestamp"`
	AnalysisType string    `json:"analysis_type"`
	CurrentPrice float64   `json:"current_price"`
	AIAnalysis   struct {
		Trend           Trend     `json:"trend"`
		ConfidencePct   float64   `json:"confidence_pct"`
		ShortTerm       Horizon   `json:"short_term"`
		MediumTerm      Horizon   `json:"medium_term"`
		LongTerm        Horizon   `json:"long_term"`
		Risks           []string  `json:"risks"`
		MustWatchLevels []float64 `json:"must_watch_levels"`
		TradingStrategy string    `json:"trading_strategy"`
	} `json:"ai_analysis"`
	Signals       any          `json:"signals"`
	SectorContext any          `json:"sector_context"`
	MTFContext    any          `json:"mtf_context"`
	Meta          DecisionMeta `json:"meta"`
}

// ToPersisted maps a Decision to its canonical persisted shape (spec §6.4).
func (d *Decision) ToPersisted(exchange, analysisType string, signals any) PersistedDecision {
	p := PersistedDecision{
		StockSymbol:   d.Symbol,
		Exchange:      exchange,
		AnalysisTS:    d.Timestamp,
		AnalysisType:  analysisType,
		Signals:       signals,
		SectorContext: d.SectorContext,
		MTFContext:    d.MTFContext,
		Meta:          d.Meta,
	}
	p.AIAnalysis.Trend = d.Trend
	p.AIAnalysis.ConfidencePct = d.ConfidencePct
	p.AIAnalysis.ShortTerm = d.ShortTerm
	p.AIAnalysis.MediumTerm = d.MediumTerm
	p.AIAnalysis.LongTerm = d.LongTerm
	p.AIAnalysis.Risks = d.Risks
	p.AIAnalysis.MustWatchLevels = d.MustWatchLevels
	return p
}
