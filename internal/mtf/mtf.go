// Package mtf implements C10: running the core analyzer set across the
// canonical timeframe set and computing alignment/confidence (spec §4.9).
//
// Iterates the C6 executor across model.CanonicalMTFSet the way the
// teacher's tfbuilder.go iterates a timeframe list to build resampled
// candles, but applied at the analyzer layer instead of the candle layer
// (DESIGN.md).
package mtf

import (
	"context"

	"marketsynth/internal/analyzer"
	"marketsynth/internal/model"
)

// TimeframeResult is the per-timeframe outcome the MTF pass produces.
type TimeframeResult struct {
	Timeframe     string            `json:"timeframe"`
	Status        model.AgentStatus `json:"status"`
	Bias          model.Trend       `json:"bias,omitempty"`
	ConfidencePct float64           `json:"confidence_pct,omitempty"`
}

// Result is the full MTF pass output, the payload serialized into
// Context.MTFSignals (spec §3) and Decision.MTFContext (spec §6.4).
type Result struct {
	Alignment             float64           `json:"alignment"` // [-1,1], spec §4.9 formula
	UsedTimeframes        []string          `json:"used_timeframes"`
	ConflictingTimeframes []string          `json:"conflicting_timeframes,omitempty"`
	PerTimeframe          []TimeframeResult `json:"per_timeframe"`
}

// Aggregator runs the given analyzer ids (the "technical/pattern/volume"
// core set, spec §4.9) once per canonical timeframe.
type Aggregator struct {
	executor    *analyzer.Executor
	analyzerIDs []string
}

func New(executor *analyzer.Executor, analyzerIDs []string) *Aggregator {
	return &Aggregator{executor: executor, analyzerIDs: analyzerIDs}
}

// Run executes the core analyzer set against candlesByTF (keyed by
// timeframe label) for every timeframe present, and computes the
// alignment score.
func (a *Aggregator) Run(ctx context.Context, base model.AgentRequest, candlesByTF map[string][]model.Candle, priorBias map[string]model.Trend) Result {
	perTF := make([]TimeframeResult, 0, len(model.CanonicalMTFSet))
	failedWithPrior := make([]string, 0)
	var bullish, bearish, used int

	for _, tf := range model.CanonicalMTFSet {
		candles, ok := candlesByTF[tf.Label]
		if !ok || len(candles) == 0 {
			continue
		}

		req := base
		req.Candles = map[string][]model.Candle{tf.Label: candles}
		results := a.executor.Run(ctx, a.analyzerIDs, req)

		tr := TimeframeResult{Timeframe: tf.Label}
		technical, hasTechnical := results["technical"]
		switch {
		case hasTechnical && technical.Status == model.AgentOK:
			sig, _ := technical.Payload.(analyzer.TechnicalSignal)
			tr.Status = model.AgentOK
			tr.Bias = sig.Bias
			tr.ConfidencePct = sig.ConfidencePct
			used++
			switch sig.Bias {
			case model.TrendBullish:
				bullish++
			case model.TrendBearish:
				bearish++
			}
		default:
			tr.Status = model.AgentFailed
			if hasTechnical {
				tr.Status = technical.Status
			}
			// Excluded from the denominator; the actual conflict check
			// against the majority bias happens once the majority is
			// known, below (spec §4.9).
			if _, had := priorBias[tf.Label]; had {
				failedWithPrior = append(failedWithPrior, tf.Label)
			}
		}
		perTF = append(perTF, tr)
	}

	alignment := 0.0
	if used > 0 {
		alignment = float64(bullish-bearish) / float64(used)
	}

	majority := model.TrendNeutral
	switch {
	case bullish > bearish:
		majority = model.TrendBullish
	case bearish > bullish:
		majority = model.TrendBearish
	}

	// Listed as conflicting only if the timeframe previously had a bias
	// that now disagrees with the majority (spec §4.9).
	var conflicting []string
	for _, label := range failedWithPrior {
		prior := priorBias[label]
		if prior != majority {
			conflicting = append(conflicting, label+":"+string(prior))
		}
	}

	usedLabels := make([]string, 0, used)
	for _, tr := range perTF {
		if tr.Status == model.AgentOK {
			usedLabels = append(usedLabels, tr.Timeframe)
		}
	}

	return Result{
		Alignment:             alignment,
		UsedTimeframes:        usedLabels,
		ConflictingTimeframes: conflicting,
		PerTimeframe:          perTF,
	}
}
