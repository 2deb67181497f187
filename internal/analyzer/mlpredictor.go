package analyzer

import (
	"context"
	"fmt"
	"time"

	"marketsynth/internal/llm"
	"marketsynth/internal/model"
)

// MLSignal is the payload a machine-learning predictor analyzer produces
// (spec §3 payload "ml_signals"). The spec explicitly leaves ML model
// training and internals unspecified (§1 out-of-scope); this analyzer
// models the predictor as an LLM-backed estimator over the same indicator
// summary other analyzers see, consistent with every analyzer being
// self-contained (§4.5, §9).
type MLSignal struct {
	PredictedDirection model.Trend `json:"predicted_direction"`
	ProbabilityPct     float64     `json:"probability_pct"`
	ConfidencePct      float64     `json:"confidence_pct"`
	FeatureNotes       string      `json:"feature_notes"`
}

func (s MLSignal) Confidence() float64 { return s.ConfidencePct }

// MLPredictorAnalyzer is tagged model_preference=primary (spec §4.5): it
// always prefers the higher-capability tier, only degrading to fallback on
// exhaustion (handled uniformly by llm.Client).
type MLPredictorAnalyzer struct {
	client  *llm.Client
	timeout time.Duration
}

func NewMLPredictorAnalyzer(client *llm.Client) *MLPredictorAnalyzer {
	return &MLPredictorAnalyzer{client: client, timeout: 20 * time.Second}
}

func (a *MLPredictorAnalyzer) ID() string { return "ml_predictor" }
func (a *MLPredictorAnalyzer) RequiredInputs() []RequiredInput {
	return []RequiredInput{InputCandles, InputIndicators}
}
func (a *MLPredictorAnalyzer) PriorResultDeps() []string        { return nil }
func (a *MLPredictorAnalyzer) Timeout() time.Duration           { return a.timeout }
func (a *MLPredictorAnalyzer) CostClass() CostClass             { return CostHigh }
func (a *MLPredictorAnalyzer) ModelPreference() ModelPreference { return ModelPrimary }

func (a *MLPredictorAnalyzer) Run(ctx context.Context, req model.AgentRequest) (any, error) {
	var candles []model.Candle
	for _, c := range req.Candles {
		if len(c) > len(candles) {
			candles = c
		}
	}

	prompt := fmt.Sprintf(`You are a quantitative prediction model for %s. Given the
recent candle geometry and indicator snapshot below, estimate the most
probable short-horizon price direction and your probability for it.

Respond ONLY with JSON of this exact shape:
{"predicted_direction": "Bullish"|"Bearish"|"Neutral", "probability_pct": 0-100, "confidence_pct": 0-100, "feature_notes": "..."}

Candles (last 30, oldest first, [o,h,l,c,v]): %s
Indicators: %v
`, req.Symbol, summarizeCandles(candles, 30), indicatorMap(req.Indicators))

	resp, err := a.client.Generate(ctx, llm.Request{
		RequestID:      req.RequestID,
		PromptText:     prompt,
		ExpectedSchema: MLSignal{},
		ModelTier:      llm.TierPrimary,
	})
	if err != nil {
		return nil, err
	}
	var sig MLSignal
	if err := resp.Unmarshal(&sig); err != nil {
		return nil, fmt.Errorf("ml_predictor: unmarshal response: %w", err)
	}
	return sig, nil
}
