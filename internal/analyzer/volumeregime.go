package analyzer

import (
	"context"
	"time"

	"marketsynth/internal/model"
)

// VolumeRegimeSignal classifies the current volume regime against its
// recent average (spec §3 payload).
type VolumeRegimeSignal struct {
	Regime        string  `json:"regime"` // "accumulation", "distribution", "climax", "quiet"
	VolumeRatio   float64 `json:"volume_ratio"`
	ConfidencePct float64 `json:"confidence_pct"`
}

func (s VolumeRegimeSignal) Confidence() float64 { return s.ConfidencePct }

// VolumeRegimeAnalyzer is a pure arithmetic agent over candle volume — no
// LLM call, grounded the same way as TechnicalAnalyzer (spec §9: every
// analyzer is self-contained, not every one needs a model).
type VolumeRegimeAnalyzer struct {
	timeout time.Duration
}

func NewVolumeRegimeAnalyzer() *VolumeRegimeAnalyzer {
	return &VolumeRegimeAnalyzer{timeout: 5 * time.Second}
}

func (a *VolumeRegimeAnalyzer) ID() string                      { return "volume_regime" }
func (a *VolumeRegimeAnalyzer) RequiredInputs() []RequiredInput  { return []RequiredInput{InputCandles} }
func (a *VolumeRegimeAnalyzer) PriorResultDeps() []string        { return nil }
func (a *VolumeRegimeAnalyzer) Timeout() time.Duration           { return a.timeout }
func (a *VolumeRegimeAnalyzer) CostClass() CostClass             { return CostLow }
func (a *VolumeRegimeAnalyzer) ModelPreference() ModelPreference { return ModelAuto }

func (a *VolumeRegimeAnalyzer) Run(ctx context.Context, req model.AgentRequest) (any, error) {
	var candles []model.Candle
	for _, c := range req.Candles {
		if len(c) > len(candles) {
			candles = c
		}
	}
	if len(candles) < 2 {
		return VolumeRegimeSignal{Regime: "quiet", VolumeRatio: 1, ConfidencePct: 30}, nil
	}

	lookback := 20
	if lookback > len(candles)-1 {
		lookback = len(candles) - 1
	}
	window := candles[len(candles)-1-lookback : len(candles)-1]

	var sum float64
	for _, c := range window {
		sum += c.Volume
	}
	avg := sum / float64(len(window))
	last := candles[len(candles)-1]

	ratio := 1.0
	if avg > 0 {
		ratio = last.Volume / avg
	}

	regime := "quiet"
	confidence := 40.0
	switch {
	case ratio >= 2.0:
		regime = "climax"
		confidence = 85
	case ratio >= 1.5:
		if last.Close > last.Open {
			regime = "accumulation"
		} else {
			regime = "distribution"
		}
		confidence = 70
	case ratio < 0.6:
		regime = "quiet"
		confidence = 55
	}

	return VolumeRegimeSignal{Regime: regime, VolumeRatio: round4(ratio), ConfidencePct: confidence}, nil
}
