// Package synth implements C9: consuming a Context via the LLM client and
// emitting the final Decision, gated by the consistency and ordering rules
// in spec §4.8.
//
// Grounded on REDESIGN FLAGS §9's explicit design note ("prior-levels
// consistency as code, not prompt" — a post-condition check enforced here,
// not a request to the model) plus the repair-loop shape from
// other_examples' najim2004 AIService (one re-prompt on parse failure) and
// the staged "build context -> call model -> validate -> one repair pass ->
// fallback" coordinator shape from other_examples' atlas-ai
// TradingOrchestrator.
package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"marketsynth/internal/llm"
	"marketsynth/internal/model"
)

// rawDecision is the shape the LLM is asked to produce; it mirrors
// model.Decision but with no server-side-only fields (timestamp, meta),
// which the synthesizer stamps itself.
type rawDecision struct {
	Trend           model.Trend   `json:"trend"`
	ShortTerm       model.Horizon `json:"short_term"`
	MediumTerm      model.Horizon `json:"medium_term"`
	LongTerm        model.Horizon `json:"long_term"`
	Risks           []string      `json:"risks"`
	MustWatchLevels []float64     `json:"must_watch_levels"`
}

// Synthesizer produces Decisions from Context via an LLM client.
type Synthesizer struct {
	client *llm.Client
}

func New(client *llm.Client) *Synthesizer {
	return &Synthesizer{client: client}
}

// MTFAlignment is the minimal shape the synthesizer needs from C10 to
// compute the deterministic-fallback trend sign (spec §7 LLMFailure).
type MTFAlignment struct {
	Alignment float64 // [-1,1], spec §4.9
}

// Synthesize runs the built->sent->received->validated->{emit|repair->sent}
// state machine (spec §4.8) for one Context, returning the final Decision.
// tier threads the request's llm_model_tier option (spec §6.3).
func (s *Synthesizer) Synthesize(ctx context.Context, c model.Context, mtf MTFAlignment, tier llm.Tier, requestID string) model.Decision {
	prompt := buildPrompt(c)

	resp, err := s.client.Generate(ctx, llm.Request{
		RequestID:          requestID,
		PromptText:         prompt,
		ExpectedSchema:     rawDecision{},
		ModelTier:          tier,
		LowPrioritySection: lowPrioritySection(c),
	})
	if err != nil {
		// spec §7 LLMFailure: deterministic fallback built purely from
		// prior_trading_levels, trend from MTF alignment sign.
		return fallbackDecision(c, mtf)
	}

	var raw rawDecision
	if err := resp.Unmarshal(&raw); err != nil {
		return fallbackDecision(c, mtf)
	}

	dec := assemble(c.Symbol, raw)
	if violatesRules(dec, c) {
		// One repair loop with a reinforcement instruction (spec §4.8).
		repairPrompt := prompt + "\n\nYour previous response violated the required " +
			"levels-consistency or ordering rules. Re-derive short_term, medium_term, " +
			"and long_term so that each preserves the supplied prior_trading_levels " +
			"(unchanged, or at most one endpoint shifted by <=2%% with a rationale), " +
			"and so the entry/stop/target ordering is internally consistent for the " +
			"stated bias."
		resp2, err2 := s.client.Generate(ctx, llm.Request{
			RequestID:      requestID,
			PromptText:     repairPrompt,
			ExpectedSchema: rawDecision{},
			ModelTier:      tier,
		})
		if err2 == nil {
			var raw2 rawDecision
			if err := resp2.Unmarshal(&raw2); err == nil {
				dec2 := assemble(c.Symbol, raw2)
				if !violatesRules(dec2, c) {
					return dec2
				}
				dec = dec2
			}
		}
		// Second violation: force prior levels in, flag the adjustment
		// (spec §4.8 "levels_forced").
		dec = forcePriorLevels(dec, c)
		dec.Meta.Adjustment = "levels_forced"
	}

	return dec
}

func buildPrompt(c model.Context) string {
	ctxJSON, _ := json.MarshalIndent(c, "", "  ")
	return fmt.Sprintf(`You are a trading strategy synthesizer. Combine the analyzer
signals below into one trading recommendation. You MUST preserve the
prior_trading_levels supplied in the context for each horizon unless you
have a strong reason to adjust — and if you adjust, change at most one
endpoint (entry_range.lo, entry_range.hi, stop_loss, or the first target)
by no more than 2%%, and explain why in that horizon's rationale.

Respond ONLY with JSON of this exact shape:
{"trend":"Bullish"|"Bearish"|"Neutral","short_term":{...},"medium_term":{...},"long_term":{...},"risks":["..."],"must_watch_levels":[...]}
where each horizon is {"bias":"Bullish"|"Bearish"|"Neutral","confidence_pct":0-100,"entry_range":[lo,hi],"stop_loss":n,"targets":[...],"rationale":"..."}.

Context:
%s
`, string(ctxJSON))
}

// lowPrioritySection names the part of the prompt the LLM client's token
// budgeting may truncate first (spec §4.6) — here, nothing in the prompt
// itself is marked droppable since §4.7 already bounded the Context before
// this prompt was built; ctxbuild owns the drop-priority logic.
func lowPrioritySection(c model.Context) string { return "" }

func assemble(symbol string, raw rawDecision) model.Decision {
	dec := model.Decision{
		Symbol:          symbol,
		Timestamp:       stampNow(),
		Trend:           raw.Trend,
		ShortTerm:       raw.ShortTerm,
		MediumTerm:      raw.MediumTerm,
		LongTerm:        raw.LongTerm,
		Risks:           dedupRisks(raw.Risks),
		MustWatchLevels: raw.MustWatchLevels,
	}
	dec.ConfidencePct = DecisionConfidence(dec.ShortTerm.ConfidencePct, dec.MediumTerm.ConfidencePct, dec.LongTerm.ConfidencePct)
	dec.Trend = trendConsistency(dec)
	return dec
}

// DecisionConfidence implements the spec's chosen weighting (§4.8, §9 open
// question resolved as 0.5/0.3/0.2, shortest horizon weighted highest).
// Documented and deterministic per the spec's requirement.
func DecisionConfidence(short, medium, long float64) float64 {
	v := 0.5*short + 0.3*medium + 0.2*long
	return float64(int(v + 0.5))
}

// trendConsistency enforces: Bullish requires >=2 bullish horizons,
// symmetric for Bearish, else Neutral (spec §4.8).
func trendConsistency(dec model.Decision) model.Trend {
	var bull, bear int
	for _, h := range dec.Horizons() {
		switch h.Bias {
		case model.TrendBullish:
			bull++
		case model.TrendBearish:
			bear++
		}
	}
	switch {
	case bull >= 2:
		return model.TrendBullish
	case bear >= 2:
		return model.TrendBearish
	default:
		return model.TrendNeutral
	}
}

func dedupRisks(risks []string) []string {
	seen := make(map[string]struct{}, len(risks))
	out := make([]string, 0, len(risks))
	for _, r := range risks {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	if len(out) == 0 {
		out = append(out, "insufficient signal diversity for a confident call")
	}
	return out
}

// violatesRules checks the §4.8 hard rules: ordering, and levels
// consistency against Context.PriorTradingLevels.
func violatesRules(dec model.Decision, c model.Context) bool {
	for _, h := range dec.Horizons() {
		if !h.OrderingValid() {
			return true
		}
	}
	return !levelsConsistent(dec.ShortTerm, c.PriorTradingLevels.ShortTerm) ||
		!levelsConsistent(dec.MediumTerm, c.PriorTradingLevels.MediumTerm) ||
		!levelsConsistent(dec.LongTerm, c.PriorTradingLevels.LongTerm)
}

// levelsConsistent implements the hard levels-consistency rule (spec
// §4.8): unchanged, or at most one endpoint shifted by <=2% with a
// rationale present. prior == nil means no anchor was supplied for this
// horizon, so anything goes.
func levelsConsistent(h model.Horizon, prior *model.TradingLevels) bool {
	if prior == nil {
		return true
	}
	diffs := 0
	if !almostEqual(h.EntryRange[0], prior.EntryRange[0]) {
		diffs++
	}
	if !almostEqual(h.EntryRange[1], prior.EntryRange[1]) {
		diffs++
	}
	if !almostEqual(h.StopLoss, prior.StopLoss) {
		diffs++
	}
	if len(h.Targets) > 0 && len(prior.Targets) > 0 && !almostEqual(h.Targets[0], prior.Targets[0]) {
		diffs++
	}
	if diffs == 0 {
		return true
	}
	if diffs > 1 {
		return false
	}
	if h.Rationale == "" {
		return false
	}
	return withinPct(h.EntryRange[0], prior.EntryRange[0], 0.02) &&
		withinPct(h.EntryRange[1], prior.EntryRange[1], 0.02) &&
		withinPct(h.StopLoss, prior.StopLoss, 0.02) &&
		(len(h.Targets) == 0 || len(prior.Targets) == 0 || withinPct(h.Targets[0], prior.Targets[0], 0.02))
}

func almostEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}

func withinPct(a, b, pct float64) bool {
	if b == 0 {
		return a == 0
	}
	d := (a - b) / b
	if d < 0 {
		d = -d
	}
	return d <= pct
}

// forcePriorLevels overwrites every horizon's levels with the Context's
// prior_trading_levels verbatim (spec §4.8 second-violation path).
func forcePriorLevels(dec model.Decision, c model.Context) model.Decision {
	if c.PriorTradingLevels.ShortTerm != nil {
		dec.ShortTerm = applyLevels(dec.ShortTerm, *c.PriorTradingLevels.ShortTerm)
	}
	if c.PriorTradingLevels.MediumTerm != nil {
		dec.MediumTerm = applyLevels(dec.MediumTerm, *c.PriorTradingLevels.MediumTerm)
	}
	if c.PriorTradingLevels.LongTerm != nil {
		dec.LongTerm = applyLevels(dec.LongTerm, *c.PriorTradingLevels.LongTerm)
	}
	dec.ConfidencePct = DecisionConfidence(dec.ShortTerm.ConfidencePct, dec.MediumTerm.ConfidencePct, dec.LongTerm.ConfidencePct)
	return dec
}

func applyLevels(h model.Horizon, lv model.TradingLevels) model.Horizon {
	h.EntryRange = lv.EntryRange
	h.StopLoss = lv.StopLoss
	h.Targets = append([]float64(nil), lv.Targets...)
	sort.Float64s(h.Targets)
	if h.Bias == model.TrendBearish {
		sort.Sort(sort.Reverse(sort.Float64Slice(h.Targets)))
	}
	return h
}

// fallbackDecision implements spec §7 LLMFailure: a deterministic Decision
// built purely from prior_trading_levels, trend from the MTF alignment
// sign, meta.llm_fallback = true.
func fallbackDecision(c model.Context, mtf MTFAlignment) model.Decision {
	trend := model.TrendNeutral
	switch {
	case mtf.Alignment > 0.15:
		trend = model.TrendBullish
	case mtf.Alignment < -0.15:
		trend = model.TrendBearish
	}

	mk := func(lv *model.TradingLevels) model.Horizon {
		if lv == nil {
			return model.Horizon{Bias: trend, ConfidencePct: 30, Rationale: "no prior levels available; LLM synthesis unavailable"}
		}
		h := model.Horizon{
			Bias: trend, ConfidencePct: 40,
			EntryRange: lv.EntryRange, StopLoss: lv.StopLoss,
			Targets:   append([]float64(nil), lv.Targets...),
			Rationale: "LLM synthesis unavailable; levels carried forward from deterministic prior calculation",
		}
		return h
	}

	dec := model.Decision{
		Symbol:     c.Symbol,
		Timestamp:  stampNow(),
		Trend:      trend,
		ShortTerm:  mk(c.PriorTradingLevels.ShortTerm),
		MediumTerm: mk(c.PriorTradingLevels.MediumTerm),
		LongTerm:   mk(c.PriorTradingLevels.LongTerm),
		Risks:      []string{"AI synthesis unavailable; recommendation derived from deterministic rules only"},
	}
	dec.ConfidencePct = DecisionConfidence(dec.ShortTerm.ConfidencePct, dec.MediumTerm.ConfidencePct, dec.LongTerm.ConfidencePct)
	dec.Meta.LLMFallback = true
	return dec
}

// stampNow is the single place Decision timestamps are produced, isolated
// so tests can monkeypatch it without reaching into time.Now() callers
// scattered across the package.
var stampNow = func() time.Time { return time.Now().UTC() }
