package synth

import (
	"math/rand"
	"testing"

	"marketsynth/internal/model"
)

func mkPrior(entry [2]float64, stop float64, targets []float64) *model.TradingLevels {
	return &model.TradingLevels{EntryRange: entry, StopLoss: stop, Targets: targets}
}

// TestLevelsConsistent_Unchanged is spec §4.8 "use them unchanged".
func TestLevelsConsistent_Unchanged(t *testing.T) {
	prior := mkPrior([2]float64{99, 101}, 97, []float64{105, 109})
	h := model.Horizon{EntryRange: prior.EntryRange, StopLoss: prior.StopLoss, Targets: prior.Targets}
	if !levelsConsistent(h, prior) {
		t.Fatalf("unchanged levels must be consistent")
	}
}

// TestLevelsConsistent_SmallShiftWithRationale is spec §4.8 rule (b): at
// most one endpoint changed by <=2%, with a rationale.
func TestLevelsConsistent_SmallShiftWithRationale(t *testing.T) {
	prior := mkPrior([2]float64{99, 101}, 97, []float64{105, 109})
	h := model.Horizon{
		EntryRange: [2]float64{99, 101},
		StopLoss:   97 * 1.01, // 1% shift, within 2%
		Targets:    []float64{105, 109},
		Rationale:  "volatility widened the stop slightly",
	}
	if !levelsConsistent(h, prior) {
		t.Fatalf("a <=2%% single-endpoint shift with a rationale must be consistent")
	}
}

// TestLevelsConsistent_SmallShiftWithoutRationale is the same shift but
// missing the required rationale — must be rejected.
func TestLevelsConsistent_SmallShiftWithoutRationale(t *testing.T) {
	prior := mkPrior([2]float64{99, 101}, 97, []float64{105, 109})
	h := model.Horizon{
		EntryRange: [2]float64{99, 101},
		StopLoss:   97 * 1.01,
		Targets:    []float64{105, 109},
	}
	if levelsConsistent(h, prior) {
		t.Fatalf("a shift without a rationale must be rejected")
	}
}

// TestLevelsConsistent_TooLargeShift exceeds the 2% bound on the one
// endpoint that changed.
func TestLevelsConsistent_TooLargeShift(t *testing.T) {
	prior := mkPrior([2]float64{99, 101}, 97, []float64{105, 109})
	h := model.Horizon{
		EntryRange: [2]float64{99, 101},
		StopLoss:   97 * 1.05, // 5% shift
		Targets:    []float64{105, 109},
		Rationale:  "big stop move",
	}
	if levelsConsistent(h, prior) {
		t.Fatalf("a >2%% shift must be rejected even with a rationale")
	}
}

// TestLevelsConsistent_MultipleEndpointsChanged violates "at most one
// endpoint" even if each individual shift is small.
func TestLevelsConsistent_MultipleEndpointsChanged(t *testing.T) {
	prior := mkPrior([2]float64{99, 101}, 97, []float64{105, 109})
	h := model.Horizon{
		EntryRange: [2]float64{99 * 1.01, 101},
		StopLoss:   97 * 1.01,
		Targets:    []float64{105, 109},
		Rationale:  "multiple endpoints moved",
	}
	if levelsConsistent(h, prior) {
		t.Fatalf("changing more than one endpoint must be rejected regardless of magnitude")
	}
}

// TestLevelsConsistent_NoPriorAnchor: a nil prior imposes no constraint.
func TestLevelsConsistent_NoPriorAnchor(t *testing.T) {
	h := model.Horizon{EntryRange: [2]float64{1, 2}, StopLoss: 0.5, Targets: []float64{3}}
	if !levelsConsistent(h, nil) {
		t.Fatalf("a horizon with no prior anchor is always consistent")
	}
}

// TestLevelsConsistency_RandomizedFixtures is spec §8 property 7: across N
// randomized prior-levels fixtures, the final Decision's horizons preserve
// the levels under the <=2% single-endpoint rule or force the prior levels
// in with meta.adjustment = "levels_forced".
func TestLevelsConsistency_RandomizedFixtures(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		base := 50 + rng.Float64()*500
		atr := base * (0.005 + rng.Float64()*0.03)
		prior := mkPrior(
			[2]float64{base - atr, base + atr},
			base-3*atr,
			[]float64{base + 2*atr, base + 4*atr},
		)

		c := model.Context{PriorTradingLevels: model.PriorTradingLevels{ShortTerm: prior}}

		// Randomly either keep levels verbatim or force them in, mirroring
		// the two legal outcomes the synthesizer can produce.
		var dec model.Decision
		if rng.Intn(2) == 0 {
			dec.ShortTerm = model.Horizon{
				Bias: model.TrendBullish, EntryRange: prior.EntryRange,
				StopLoss: prior.StopLoss, Targets: prior.Targets,
			}
		} else {
			dec.ShortTerm = model.Horizon{Bias: model.TrendBullish}
			dec = forcePriorLevels(dec, c)
			dec.Meta.Adjustment = "levels_forced"
		}

		consistent := levelsConsistent(dec.ShortTerm, prior)
		if !consistent && dec.Meta.Adjustment != "levels_forced" {
			t.Fatalf("fixture %d: levels neither consistent nor forced: %+v vs prior %+v", i, dec.ShortTerm, prior)
		}
	}
}

// TestOrderingValid_BullishAndBearish is spec §8 property 8.
func TestOrderingValid_BullishAndBearish(t *testing.T) {
	bull := model.Horizon{Bias: model.TrendBullish, EntryRange: [2]float64{99, 101}, StopLoss: 97, Targets: []float64{105, 109}}
	if !bull.OrderingValid() {
		t.Fatalf("expected valid bullish ordering")
	}
	bear := model.Horizon{Bias: model.TrendBearish, EntryRange: [2]float64{99, 101}, StopLoss: 103, Targets: []float64{95, 90}}
	if !bear.OrderingValid() {
		t.Fatalf("expected valid bearish ordering")
	}
	brokenBull := model.Horizon{Bias: model.TrendBullish, EntryRange: [2]float64{99, 101}, StopLoss: 100, Targets: []float64{105}}
	if brokenBull.OrderingValid() {
		t.Fatalf("stop_loss >= entry.lo must be invalid for a bullish horizon")
	}
}

// TestDecisionConfidence_Weighting pins the documented 0.5/0.3/0.2 weighting
// (spec §4.8, §9 open question resolution).
func TestDecisionConfidence_Weighting(t *testing.T) {
	got := DecisionConfidence(80, 60, 40)
	want := 0.5*80 + 0.3*60 + 0.2*40
	if got != float64(int(want+0.5)) {
		t.Fatalf("got %v want %v", got, want)
	}
}

// TestTrendConsistency_RequiresTwoHorizons is spec §4.8 trend consistency.
func TestTrendConsistency_RequiresTwoHorizons(t *testing.T) {
	dec := model.Decision{
		ShortTerm:  model.Horizon{Bias: model.TrendBullish},
		MediumTerm: model.Horizon{Bias: model.TrendBullish},
		LongTerm:   model.Horizon{Bias: model.TrendBearish},
	}
	if got := trendConsistency(dec); got != model.TrendBullish {
		t.Fatalf("expected Bullish with 2/3 bullish horizons, got %v", got)
	}

	dec.MediumTerm.Bias = model.TrendNeutral
	if got := trendConsistency(dec); got != model.TrendNeutral {
		t.Fatalf("expected Neutral with only 1 bullish horizon, got %v", got)
	}
}

// TestDedupRisks_NoEmptyNoDuplicates is spec §4.8 "Risk emission".
func TestDedupRisks_NoEmptyNoDuplicates(t *testing.T) {
	out := dedupRisks([]string{"a", "", "a", "b", ""})
	if len(out) != 2 || out[0] != "a" || out[1] != "b" {
		t.Fatalf("unexpected dedup result: %v", out)
	}
	if empty := dedupRisks(nil); len(empty) == 0 || empty[0] == "" {
		t.Fatalf("dedupRisks must never return zero risks or an empty string: %v", empty)
	}
}

// TestFallbackDecision_TrendFromAlignment is spec §7 LLMFailure: meta.llm_fallback
// true, trend derived from the MTF alignment sign, horizons verbatim from
// prior levels.
func TestFallbackDecision_TrendFromAlignment(t *testing.T) {
	prior := mkPrior([2]float64{99, 101}, 97, []float64{105, 109})
	c := model.Context{Symbol: "ACME", PriorTradingLevels: model.PriorTradingLevels{ShortTerm: prior}}

	dec := fallbackDecision(c, MTFAlignment{Alignment: 0.6})
	if !dec.Meta.LLMFallback {
		t.Fatalf("expected meta.llm_fallback = true")
	}
	if dec.Trend != model.TrendBullish {
		t.Fatalf("expected Bullish trend from positive alignment, got %v", dec.Trend)
	}
	if dec.ShortTerm.EntryRange != prior.EntryRange || dec.ShortTerm.StopLoss != prior.StopLoss {
		t.Fatalf("fallback short-term levels must carry prior levels verbatim, got %+v", dec.ShortTerm)
	}

	bear := fallbackDecision(c, MTFAlignment{Alignment: -0.6})
	if bear.Trend != model.TrendBearish {
		t.Fatalf("expected Bearish trend from negative alignment, got %v", bear.Trend)
	}
}

// TestForcePriorLevels_SortsTargetsByBias ensures the second-violation path
// orders targets correctly regardless of the (possibly scrambled) LLM
// output it is overwriting.
func TestForcePriorLevels_SortsTargetsByBias(t *testing.T) {
	prior := mkPrior([2]float64{99, 101}, 97, []float64{109, 105}) // deliberately out of order
	c := model.Context{PriorTradingLevels: model.PriorTradingLevels{ShortTerm: prior}}
	dec := model.Decision{ShortTerm: model.Horizon{Bias: model.TrendBullish}}

	dec = forcePriorLevels(dec, c)
	if dec.ShortTerm.Targets[0] != 105 || dec.ShortTerm.Targets[1] != 109 {
		t.Fatalf("expected ascending targets for a bullish horizon, got %v", dec.ShortTerm.Targets)
	}

	decBear := model.Decision{ShortTerm: model.Horizon{Bias: model.TrendBearish}}
	decBear = forcePriorLevels(decBear, c)
	if decBear.ShortTerm.Targets[0] != 109 || decBear.ShortTerm.Targets[1] != 105 {
		t.Fatalf("expected descending targets for a bearish horizon, got %v", decBear.ShortTerm.Targets)
	}
}
