package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"marketsynth/internal/llm"
	"marketsynth/internal/model"
)

// PatternSignal is the structured output a chart-pattern analyzer must
// produce (spec §3 payload, §4.7 "raw pattern geometry" section).
type PatternSignal struct {
	PatternsFound []string `json:"patterns_found"`
	Bias          model.Trend `json:"bias"`
	ConfidencePct float64  `json:"confidence_pct"`
	Geometry      any      `json:"geometry,omitempty"` // raw coordinates, first to be dropped under §4.7 size ceiling
	Rationale     string   `json:"rationale"`
}

func (s PatternSignal) Confidence() float64 { return s.ConfidencePct }

// PatternAnalyzer is a self-contained LLM agent (spec §4.5, §9): it holds
// its own llm.Client and is not handed completions by the orchestrator.
type PatternAnalyzer struct {
	client  *llm.Client
	timeout time.Duration
}

func NewPatternAnalyzer(client *llm.Client) *PatternAnalyzer {
	return &PatternAnalyzer{client: client, timeout: 20 * time.Second}
}

func (a *PatternAnalyzer) ID() string                      { return "pattern" }
func (a *PatternAnalyzer) RequiredInputs() []RequiredInput  { return []RequiredInput{InputCandles} }
func (a *PatternAnalyzer) PriorResultDeps() []string        { return nil }
func (a *PatternAnalyzer) Timeout() time.Duration           { return a.timeout }
func (a *PatternAnalyzer) CostClass() CostClass             { return CostMedium }
func (a *PatternAnalyzer) ModelPreference() ModelPreference { return ModelAuto }

func (a *PatternAnalyzer) Run(ctx context.Context, req model.AgentRequest) (any, error) {
	candles := req.Candles["1d"]
	if len(candles) == 0 {
		for _, c := range req.Candles {
			candles = c
			break
		}
	}
	geometry := summarizeCandles(candles, 60)

	prompt := fmt.Sprintf(`You are a chart-pattern recognition analyst for %s.
Given the recent OHLCV geometry below (oldest first), identify classical chart
patterns (head-and-shoulders, double top/bottom, triangles, flags, wedges) and
the bias they imply.

Respond ONLY with JSON of this exact shape:
{"patterns_found": ["..."], "bias": "Bullish"|"Bearish"|"Neutral", "confidence_pct": 0-100, "rationale": "..."}

Candle geometry (JSON array of [open,high,low,close,volume]):
%s
`, req.Symbol, geometry)

	resp, err := a.client.Generate(ctx, llm.Request{
		RequestID:      req.RequestID,
		PromptText:     prompt,
		ExpectedSchema: PatternSignal{},
		ModelTier:      llm.TierAuto,
	})
	if err != nil {
		return nil, err
	}
	var sig PatternSignal
	if err := resp.Unmarshal(&sig); err != nil {
		return nil, fmt.Errorf("pattern: unmarshal response: %w", err)
	}
	return sig, nil
}

// summarizeCandles renders the last n candles as compact JSON, rounding per
// the §4.7 numeric precision rule (prices 4 decimals).
func summarizeCandles(candles []model.Candle, n int) string {
	if len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	type ohlcv = [5]float64
	rows := make([]ohlcv, 0, len(candles))
	for _, c := range candles {
		rows = append(rows, ohlcv{round4(c.Open), round4(c.High), round4(c.Low), round4(c.Close), round4(c.Volume)})
	}
	b, _ := json.Marshal(rows)
	return string(b)
}

func round4(v float64) float64 {
	return float64(int64(v*10000+sign(v)*0.5)) / 10000
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
