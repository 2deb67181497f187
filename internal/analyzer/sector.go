package analyzer

import (
	"context"
	"fmt"
	"time"

	"marketsynth/internal/llm"
	"marketsynth/internal/model"
)

// SectorSignal benchmarks the symbol against its sector peers/index (spec
// §3 payload "sector_signals"). RelativeStrength > 0 means outperforming.
type SectorSignal struct {
	SectorName       string  `json:"sector_name"`
	RelativeStrength float64 `json:"relative_strength"`
	Bias             model.Trend `json:"bias"`
	ConfidencePct    float64 `json:"confidence_pct"`
	Rationale        string  `json:"rationale"`
}

func (s SectorSignal) Confidence() float64 { return s.ConfidencePct }

// SectorAnalyzer is a self-contained LLM agent that reasons over the
// indicator summary relative to a declared sector/peer context (spec
// §6.3 include_sector option).
type SectorAnalyzer struct {
	client  *llm.Client
	timeout time.Duration
}

func NewSectorAnalyzer(client *llm.Client) *SectorAnalyzer {
	return &SectorAnalyzer{client: client, timeout: 20 * time.Second}
}

func (a *SectorAnalyzer) ID() string                      { return "sector" }
func (a *SectorAnalyzer) RequiredInputs() []RequiredInput  { return []RequiredInput{InputIndicators} }
func (a *SectorAnalyzer) PriorResultDeps() []string        { return nil }
func (a *SectorAnalyzer) Timeout() time.Duration           { return a.timeout }
func (a *SectorAnalyzer) CostClass() CostClass             { return CostMedium }
func (a *SectorAnalyzer) ModelPreference() ModelPreference { return ModelAuto }

func (a *SectorAnalyzer) Run(ctx context.Context, req model.AgentRequest) (any, error) {
	prompt := fmt.Sprintf(`You are a sector-benchmarking analyst. Given the following
indicator snapshot for %s, assess how it is likely performing relative to its
sector peers and the broader index, using your general knowledge of the
sector this symbol belongs to.

Respond ONLY with JSON of this exact shape:
{"sector_name": "...", "relative_strength": <float, positive=outperforming>, "bias": "Bullish"|"Bearish"|"Neutral", "confidence_pct": 0-100, "rationale": "..."}

Indicators: %v
`, req.Symbol, indicatorMap(req.Indicators))

	resp, err := a.client.Generate(ctx, llm.Request{
		RequestID:      req.RequestID,
		PromptText:     prompt,
		ExpectedSchema: SectorSignal{},
		ModelTier:      llm.TierAuto,
	})
	if err != nil {
		return nil, err
	}
	var sig SectorSignal
	if err := resp.Unmarshal(&sig); err != nil {
		return nil, fmt.Errorf("sector: unmarshal response: %w", err)
	}
	return sig, nil
}

func indicatorMap(inds []model.IndicatorResult) map[string]float64 {
	out := make(map[string]float64, len(inds))
	for _, ind := range inds {
		if ind.Ready {
			out[ind.Name] = round4(ind.Value)
		}
	}
	return out
}
