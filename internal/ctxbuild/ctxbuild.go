// Package ctxbuild implements C8: assembling the bounded, structured
// Context the synthesizer consumes from the map of AgentResults plus raw
// candle/indicator/level data (spec §4.7).
//
// No direct teacher precedent exists for this component (the teacher never
// talks to an LLM); it is built from the Context entity fields named in
// spec §3 and the size-ceiling/section-drop-priority rule of §4.7, using
// the same JSON-shape conventions the teacher's gateway DTOs use for
// wire-stable structs (internal/api, cmd/api_gateway).
package ctxbuild

import (
	"encoding/json"
	"math"

	"marketsynth/internal/model"
)

// Input bundles everything the builder needs to produce a Context.
type Input struct {
	Symbol             string
	CurrentPrice       float64
	TickSize           float64 // 0 means unknown; falls back to 4-decimal rounding (spec §4.7 rule 3)
	DataQuality        string
	Results            map[string]model.AgentResult
	MTFSignals         any
	PriorTradingLevels model.PriorTradingLevels
}

// analyzerSection maps an analyzer id to the Context field it populates.
var analyzerSection = map[string]string{
	"technical":     "technical_signals",
	"pattern":       "pattern_signals",
	"volume_regime": "volume_signals",
	"sector":        "sector_signals",
	"ml_predictor":  "ml_signals",
}

// Build assembles a Context from in, enforcing the §4.7 rules: prior
// levels copied verbatim, unavailable sections made explicit, numeric
// rounding, and the size-ceiling drop order.
func Build(in Input, maxBytes int) model.Context {
	ctx := model.Context{
		Symbol:             in.Symbol,
		CurrentPrice:       roundPrice(in.CurrentPrice, in.TickSize),
		DataQuality:        in.DataQuality,
		MTFSignals:         in.MTFSignals,
		PriorTradingLevels: in.PriorTradingLevels, // rule 1: verbatim, the consistency anchor (spec §4.8/§4.9)
	}

	ctx.TechnicalSignals = sectionFor(in.Results, "technical")
	ctx.PatternSignals = sectionFor(in.Results, "pattern")
	ctx.VolumeSignals = sectionFor(in.Results, "volume_regime")
	ctx.SectorSignals = sectionFor(in.Results, "sector")
	ctx.MLSignals = sectionFor(in.Results, "ml_predictor")

	if maxBytes > 0 {
		shrinkToFit(&ctx, maxBytes)
	}
	return ctx
}

// sectionFor returns the analyzer's payload, or an explicit
// model.Unavailable placeholder for failed/skipped/timeout agents — never
// silently omitted (spec §4.7 rule 2).
func sectionFor(results map[string]model.AgentResult, id string) any {
	r, ok := results[id]
	if !ok {
		return model.NewUnavailable("analyzer not run")
	}
	if r.Status != model.AgentOK {
		reason := r.Error
		if reason == "" {
			reason = string(r.Status)
		}
		return model.NewUnavailable(reason)
	}
	return r.Payload
}

// roundPrice rounds to tick size if known, else 4 decimals (spec §4.7 rule 3).
func roundPrice(v, tickSize float64) float64 {
	if tickSize > 0 {
		return math.Round(v/tickSize) * tickSize
	}
	return math.Round(v*10000) / 10000
}

// shrinkToFit drops Context sections in the §4.7 priority order (lowest
// first: raw pattern geometry, extended MTF per-timeframe detail, sector
// correlation matrix) until the serialized size is within maxBytes; no
// headroom is subtracted from maxBytes. If the Context is still larger after
// all three drops it is returned as is. PriorTradingLevels and CurrentPrice
// are never dropped.
func shrinkToFit(ctx *model.Context, maxBytes int) {
	if size(ctx) <= maxBytes {
		return
	}

	if dropGeometry(ctx) && size(ctx) <= maxBytes {
		return
	}
	if dropMTFDetail(ctx) && size(ctx) <= maxBytes {
		return
	}
	dropSectorMatrix(ctx)
}

func size(ctx *model.Context) int {
	b, _ := json.Marshal(ctx)
	return len(b)
}

func dropGeometry(ctx *model.Context) bool {
	m, ok := asMap(ctx.PatternSignals)
	if !ok {
		return false
	}
	if _, has := m["geometry"]; !has {
		return false
	}
	delete(m, "geometry")
	ctx.PatternSignals = m
	return true
}

func dropMTFDetail(ctx *model.Context) bool {
	m, ok := asMap(ctx.MTFSignals)
	if !ok {
		return false
	}
	if _, has := m["per_timeframe"]; !has {
		return false
	}
	delete(m, "per_timeframe")
	ctx.MTFSignals = m
	return true
}

func dropSectorMatrix(ctx *model.Context) bool {
	m, ok := asMap(ctx.SectorSignals)
	if !ok {
		return false
	}
	if _, has := m["correlation_matrix"]; !has {
		return false
	}
	delete(m, "correlation_matrix")
	ctx.SectorSignals = m
	return true
}

// asMap round-trips an arbitrary payload through JSON into a generic map so
// sections built from typed structs (e.g. PatternSignal) can still have a
// named sub-field dropped under the size ceiling.
func asMap(v any) (map[string]any, bool) {
	if v == nil {
		return nil, false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, false
	}
	return m, true
}
