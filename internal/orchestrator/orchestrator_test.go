package orchestrator

import (
	"testing"
	"time"

	"marketsynth/internal/analyzer"
	"marketsynth/internal/model"
	"marketsynth/internal/mtf"
)

func mkCandle(o, h, l, c, v float64, start time.Time) model.Candle {
	return model.Candle{
		Token: "99926000", Exchange: "NSE", Timeframe: "5m",
		Start: start, End: start.Add(5 * time.Minute),
		Open: o, High: h, Low: l, Close: c, Volume: v,
	}
}

func TestBaselineIndicators_ReadyFlagsAndNames(t *testing.T) {
	base := time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)
	var candles []model.Candle
	price := 100.0
	for i := 0; i < 30; i++ {
		candles = append(candles, mkCandle(price, price+1, price-1, price+0.5, 1000, base.Add(time.Duration(i)*5*time.Minute)))
		price += 0.5
	}

	out := BaselineIndicators(candles, "RELIANCE", "NSE", "5m")
	if len(out) != 5 {
		t.Fatalf("expected 5 indicators, got %d", len(out))
	}
	wantNames := map[string]bool{"SMA_20": false, "EMA_9": false, "EMA_21": false, "RSI_14": false, "ATR_14": false}
	for _, ind := range out {
		if _, ok := wantNames[ind.Name]; !ok {
			t.Errorf("unexpected indicator name %q", ind.Name)
		}
		wantNames[ind.Name] = true
		if !ind.Ready {
			t.Errorf("indicator %q should be ready after 30 candles", ind.Name)
		}
	}
	for name, seen := range wantNames {
		if !seen {
			t.Errorf("missing indicator %q", name)
		}
	}
}

func TestBaselineIndicators_EmptyCandles(t *testing.T) {
	if out := BaselineIndicators(nil, "X", "NSE", "5m"); out != nil {
		t.Errorf("expected nil for empty candles, got %v", out)
	}
}

func TestDerivePriorLevels_BullishOrdering(t *testing.T) {
	levels := derivePriorLevels(1000, 10, model.TrendBullish)
	for _, h := range []*model.TradingLevels{levels.ShortTerm, levels.MediumTerm, levels.LongTerm} {
		horizon := model.Horizon{
			Bias:       model.TrendBullish,
			EntryRange: h.EntryRange,
			StopLoss:   h.StopLoss,
			Targets:    h.Targets,
		}
		if !horizon.OrderingValid() {
			t.Errorf("bullish horizon ordering invalid: %+v", h)
		}
	}
}

func TestDerivePriorLevels_BearishOrdering(t *testing.T) {
	levels := derivePriorLevels(1000, 10, model.TrendBearish)
	for _, h := range []*model.TradingLevels{levels.ShortTerm, levels.MediumTerm, levels.LongTerm} {
		horizon := model.Horizon{
			Bias:       model.TrendBearish,
			EntryRange: h.EntryRange,
			StopLoss:   h.StopLoss,
			Targets:    h.Targets,
		}
		if !horizon.OrderingValid() {
			t.Errorf("bearish horizon ordering invalid: %+v", h)
		}
	}
}

func TestDerivePriorLevels_ZeroATRFloor(t *testing.T) {
	levels := derivePriorLevels(1000, 0, model.TrendBullish)
	if levels.ShortTerm.EntryRange[0] == levels.ShortTerm.EntryRange[1] && levels.ShortTerm.StopLoss == levels.ShortTerm.EntryRange[0] {
		t.Fatalf("expected a nonzero spread even with zero ATR input, got degenerate levels: %+v", levels.ShortTerm)
	}
}

func TestBiasFromSignals_PrefersTechnicalOverMTF(t *testing.T) {
	results := map[string]model.AgentResult{
		"technical": {Status: model.AgentOK, Payload: analyzer.TechnicalSignal{Bias: model.TrendBearish}},
	}
	got := biasFromSignals(results, mtf.Result{Alignment: 0.8})
	if got != model.TrendBearish {
		t.Errorf("expected technical bias to win, got %v", got)
	}
}

func TestBiasFromSignals_FallsBackToMTFAlignment(t *testing.T) {
	got := biasFromSignals(map[string]model.AgentResult{}, mtf.Result{Alignment: 0.5})
	if got != model.TrendBullish {
		t.Errorf("expected bullish from positive alignment, got %v", got)
	}
	got = biasFromSignals(map[string]model.AgentResult{}, mtf.Result{Alignment: -0.5})
	if got != model.TrendBearish {
		t.Errorf("expected bearish from negative alignment, got %v", got)
	}
	got = biasFromSignals(map[string]model.AgentResult{}, mtf.Result{Alignment: 0.05})
	if got != model.TrendNeutral {
		t.Errorf("expected neutral inside the dead zone, got %v", got)
	}
}
