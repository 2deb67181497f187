package analyzer

import (
	"context"
	"time"

	"marketsynth/internal/model"
)

// TechnicalSignal is the payload produced by TechnicalAnalyzer: a bias
// derived purely from the baseline indicator set computed at orchestrator
// step 2 (spec §4.10). It is the analyzer C10 (MTF) runs per timeframe.
type TechnicalSignal struct {
	Bias           model.Trend        `json:"bias"`
	ConfidencePct  float64            `json:"confidence_pct"`
	IndicatorsUsed map[string]float64 `json:"indicators_used"`
}

func (s TechnicalSignal) Confidence() float64 { return s.ConfidencePct }

// TechnicalAnalyzer derives a bias from RSI_14 and the EMA_9/EMA_21
// crossover (ATR is not used) — a pure function of the candle-derived indicators, no LLM call
// (spec §4.5 "required_inputs: indicators"; §9 notes every analyzer is
// self-contained, which for this one means self-contained arithmetic
// rather than a model call).
type TechnicalAnalyzer struct {
	timeout time.Duration
}

func NewTechnicalAnalyzer() *TechnicalAnalyzer {
	return &TechnicalAnalyzer{timeout: 5 * time.Second}
}

func (a *TechnicalAnalyzer) ID() string                        { return "technical" }
func (a *TechnicalAnalyzer) RequiredInputs() []RequiredInput    { return []RequiredInput{InputIndicators} }
func (a *TechnicalAnalyzer) PriorResultDeps() []string          { return nil }
func (a *TechnicalAnalyzer) Timeout() time.Duration             { return a.timeout }
func (a *TechnicalAnalyzer) CostClass() CostClass               { return CostLow }
func (a *TechnicalAnalyzer) ModelPreference() ModelPreference   { return ModelAuto }

func (a *TechnicalAnalyzer) Run(ctx context.Context, req model.AgentRequest) (any, error) {
	byName := make(map[string]float64, len(req.Indicators))
	for _, ind := range req.Indicators {
		if ind.Ready {
			byName[ind.Name] = ind.Value
		}
	}

	rsi, haveRSI := byName["RSI_14"]
	emaFast, haveFast := byName["EMA_9"]
	emaSlow, haveSlow := byName["EMA_21"]

	score := 0
	votes := 0
	if haveRSI {
		votes++
		switch {
		case rsi >= 60:
			score++
		case rsi <= 40:
			score--
		}
	}
	if haveFast && haveSlow {
		votes++
		switch {
		case emaFast > emaSlow:
			score++
		case emaFast < emaSlow:
			score--
		}
	}

	bias := model.TrendNeutral
	confidence := 50.0
	if votes > 0 {
		switch {
		case score > 0:
			bias = model.TrendBullish
		case score < 0:
			bias = model.TrendBearish
		}
		confidence = 50 + float64(abs(score))/float64(votes)*50
	}

	return TechnicalSignal{Bias: bias, ConfidencePct: confidence, IndicatorsUsed: byName}, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
