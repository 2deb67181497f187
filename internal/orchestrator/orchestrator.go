package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"marketsynth/internal/analyzer"
	"marketsynth/internal/analyzerconfig"
	"marketsynth/internal/apperr"
	"marketsynth/internal/cache"
	"marketsynth/internal/ctxbuild"
	"marketsynth/internal/indicator"
	"marketsynth/internal/llm"
	"marketsynth/internal/markethours"
	"marketsynth/internal/metrics"
	"marketsynth/internal/model"
	"marketsynth/internal/mtf"
	"marketsynth/internal/notification"
	"marketsynth/internal/synth"
)

// Request is one `POST /analyze` invocation's parameters (spec §6.1, §4.10).
type Request struct {
	RequestID string // trace id set by the HTTP layer; correlates logs and LLM attempts for one /analyze call
	Symbol    string
	Exchange  string
	Token     string
	Interval  string // primary timeframe, e.g. "5m"
	Lookback  time.Duration
	Options   Options
}

// Options is the subset of config.AnalyzeOptions the orchestrator reads.
// Declared locally (rather than importing config, which would create an
// import cycle back through cmd/) and populated by the HTTP layer from the
// decoded config.AnalyzeOptions.
type Options struct {
	IncludeMTF    bool
	IncludeSector bool
	IncludeML     bool
	ForceLive     bool
	LLMModelTier  llm.Tier
}

// Result bundles everything step 7 hands to the persistence interface
// (spec §4.10 step 7, §6.4).
type Result struct {
	Decision     model.Decision
	Candles      []model.Candle
	Indicators   []model.IndicatorResult
	AgentResults map[string]model.AgentResult
	MTF          mtf.Result
}

// Orchestrator is C11: the end-to-end request coordinator.
type Orchestrator struct {
	provider  CandleProvider
	cache     *cache.Store
	registry  *analyzer.Registry
	executor  *analyzer.Executor
	manifest  *analyzerconfig.Manifest
	llmClient *llm.Client
	mtfAgg    *mtf.Aggregator
	synth     *synth.Synthesizer
	notifier  notification.Notifier
	metrics   *metrics.Metrics

	contextMaxBytes int

	// DecisionCh, if set, receives every produced Decision for write-behind
	// persistence (spec §4.10 step 7) — owned and drained by a
	// model.DecisionWriter running elsewhere (cmd wiring), never by this
	// package.
	DecisionCh chan<- model.Decision

	stepTimeout time.Duration
	now         func() time.Time
}

// New wires C11 from its already-constructed dependencies. cacheStore and
// notifier may be nil (cache misses and alerts both degrade gracefully).
func New(provider CandleProvider, cacheStore *cache.Store, reg *analyzer.Registry, manifest *analyzerconfig.Manifest, llmClient *llm.Client, notifier notification.Notifier, m *metrics.Metrics, contextMaxBytes int) *Orchestrator {
	exec := analyzer.NewExecutor(reg)
	return &Orchestrator{
		provider:        provider,
		cache:           cacheStore,
		registry:        reg,
		executor:        exec,
		manifest:        manifest,
		llmClient:       llmClient,
		mtfAgg:          mtf.New(exec, manifest.IDsInGroup("mtf")),
		synth:           synth.New(llmClient),
		notifier:        notifier,
		metrics:         m,
		contextMaxBytes: contextMaxBytes,
		stepTimeout:     20 * time.Second,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Analyze runs the full 7-step pipeline for req (spec §4.10). Every step
// past the first degrades to a partial result under its own timeout
// instead of failing the whole request; step 1 (no candles) is a hard
// failure since every later step depends on price data.
func (o *Orchestrator) Analyze(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	partial := false
	log.Printf("[orchestrator] [%s] analyze start: %s/%s %s", req.RequestID, req.Exchange, req.Symbol, req.Interval)

	// Step 1: resolve source via C5, fetch candles via C1 (or cache).
	candles, err := o.fetchCandles(ctx, req)
	if err != nil {
		o.recordRun("failed", start)
		return nil, apperr.Wrap(apperr.DataUnavailable, "no candles available for "+req.Symbol, err)
	}
	if len(candles) == 0 {
		o.recordRun("failed", start)
		return nil, apperr.New(apperr.DataUnavailable, "no candles available for "+req.Symbol)
	}

	// Step 2: baseline indicators, pure function over candles.
	indicators := BaselineIndicators(candles, req.Symbol, req.Exchange, req.Interval)

	// Step 3: C10 MTF pass.
	results := make(map[string]model.AgentResult)
	mtfResult := mtf.Result{}
	if req.Options.IncludeMTF {
		stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
		candlesByTF, err := o.fetchMTFCandles(stepCtx, req, candles)
		if err != nil {
			partial = true
		} else {
			base := model.AgentRequest{
				RequestID: req.RequestID, Symbol: req.Symbol, Exchange: req.Exchange,
				Candles:     map[string][]model.Candle{req.Interval: candles},
				Indicators:  indicators,
				RequestedAt: o.now(),
			}
			mtfResult = o.mtfAgg.Run(stepCtx, base, candlesByTF, nil)
			if o.metrics != nil {
				o.metrics.MTFAlignment.WithLabelValues(req.Symbol).Set(mtfResult.Alignment)
			}
		}
		cancel()
		if stepCtx.Err() != nil {
			partial = true
		}
	}

	// Step 4: remaining analyzers (patterns, volume regime, sector, ML).
	{
		stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
		ids := o.manifest.IDsInGroup("core")
		if req.Options.IncludeSector {
			ids = append(ids, o.manifest.IDsInGroup("sector")...)
		}
		if req.Options.IncludeML {
			ids = append(ids, o.manifest.IDsInGroup("ml")...)
		}
		base := model.AgentRequest{
			RequestID: req.RequestID, Symbol: req.Symbol, Exchange: req.Exchange,
			Candles:     map[string][]model.Candle{req.Interval: candles},
			Indicators:  indicators,
			RequestedAt: o.now(),
		}
		for id, res := range o.executor.Run(stepCtx, ids, base) {
			results[id] = res
			if o.metrics != nil {
				o.metrics.AnalyzerRunsTotal.WithLabelValues(id, string(res.Status)).Inc()
				o.metrics.AnalyzerDur.WithLabelValues(id).Observe(float64(res.DurationMS) / 1000)
			}
		}
		cancel()
		if stepCtx.Err() != nil {
			partial = true
		}
	}

	// Step 5: deterministic prior_trading_levels — never delegated to the LLM.
	currentPrice := candles[len(candles)-1].Close
	atr := latestATR(candles)
	bias := biasFromSignals(results, mtfResult)
	levels := derivePriorLevels(currentPrice, atr, bias)

	// Step 6: C8 builds Context; C9 produces Decision.
	dataQuality := "good"
	if partial {
		dataQuality = "partial"
	}
	c := ctxbuild.Build(ctxbuild.Input{
		Symbol:             req.Symbol,
		CurrentPrice:       currentPrice,
		DataQuality:        dataQuality,
		Results:            results,
		MTFSignals:         mtfResult,
		PriorTradingLevels: levels,
	}, o.contextMaxBytes)
	if o.metrics != nil {
		o.metrics.ContextBytesTotal.Observe(float64(contextSize(c)))
	}

	tier := req.Options.LLMModelTier
	if tier == "" {
		tier = llm.TierAuto
	}
	dec := o.synth.Synthesize(ctx, c, synth.MTFAlignment{Alignment: mtfResult.Alignment}, tier, req.RequestID)
	dec.MTFContext = mtfResult
	if sec, ok := results["sector"]; ok && sec.Status == model.AgentOK {
		dec.SectorContext = sec.Payload
	}
	dec.Meta.Partial = dec.Meta.Partial || partial
	o.recordSynth(dec)

	// Step 7: emit Decision + artifact to the persistence interface.
	o.persist(dec)
	o.notifyIfCritical(ctx, dec)

	outcome := "ok"
	if dec.Meta.Partial {
		outcome = "partial"
	}
	o.recordRun(outcome, start)
	log.Printf("[orchestrator] [%s] analyze done: outcome=%s in %v", req.RequestID, outcome, time.Since(start))

	return &Result{
		Decision:     dec,
		Candles:      candles,
		Indicators:   indicators,
		AgentResults: results,
		MTF:          mtfResult,
	}, nil
}

func (o *Orchestrator) fetchCandles(ctx context.Context, req Request) ([]model.Candle, error) {
	status := markethours.Status(o.now())
	source, ttl := cache.SourceFor(status, req.Interval)
	if req.Options.ForceLive {
		source = cache.SourceLiveFeed
	}

	lookback := req.Lookback
	if lookback <= 0 {
		lookback = 5 * 24 * time.Hour
	}
	now := o.now()
	key := cacheKey(req.Symbol, req.Interval)

	if o.cache != nil && source == cache.SourceHistorical {
		if obj, ok := o.cache.Get(ctx, key); ok && !obj.Expired(now) {
			if candles, err := decodeCachedCandles(obj.Value); err == nil {
				return candles, nil
			}
		}
	}

	if o.provider == nil {
		return nil, fmt.Errorf("orchestrator: no candle provider configured")
	}
	candles, err := o.provider.FetchCandles(ctx, req.Exchange, req.Token, req.Symbol, req.Interval, now.Add(-lookback), now)
	if err != nil {
		return nil, err
	}

	if o.cache != nil && source == cache.SourceHistorical {
		if raw, err := json.Marshal(candles); err == nil {
			if err := o.cache.Put(ctx, key, raw, ttl, model.SourceHistorical); err != nil && o.metrics != nil {
				o.metrics.OrchestratorRunsTotal.WithLabelValues("cache_put_failed").Inc()
			}
		}
	}
	return candles, nil
}

func (o *Orchestrator) fetchMTFCandles(ctx context.Context, req Request, primary []model.Candle) (map[string][]model.Candle, error) {
	out := map[string][]model.Candle{req.Interval: primary}
	now := o.now()
	for _, tf := range model.CanonicalMTFSet {
		if tf.Label == req.Interval {
			continue
		}
		candles, err := o.provider.FetchCandles(ctx, req.Exchange, req.Token, req.Symbol, tf.Label, now.Add(-5*24*time.Hour), now)
		if err != nil || len(candles) == 0 {
			continue // that timeframe is simply unavailable, not a hard failure (spec §4.9)
		}
		out[tf.Label] = candles
	}
	return out, nil
}

func (o *Orchestrator) recordRun(outcome string, start time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.OrchestratorRunsTotal.WithLabelValues(outcome).Inc()
	o.metrics.OrchestratorDur.Observe(time.Since(start).Seconds())
}

func (o *Orchestrator) recordSynth(dec model.Decision) {
	if o.metrics == nil {
		return
	}
	outcome := "emitted"
	switch {
	case dec.Meta.LLMFallback:
		outcome = "llm_fallback"
	case dec.Meta.Adjustment == "levels_forced":
		outcome = "levels_forced"
	}
	o.metrics.SynthDecisionsTotal.WithLabelValues(outcome).Inc()
}

// persist sends dec to the write-behind Decision channel if one is wired;
// a full channel drops this Decision rather than blocking the request, matching the teacher's bufferedwriter's
// never-block-the-hot-path rule.
func (o *Orchestrator) persist(dec model.Decision) {
	if o.DecisionCh == nil {
		return
	}
	select {
	case o.DecisionCh <- dec:
	default:
	}
}

// notifyIfCritical alerts through notification.Notifier when a Decision
// carries a degraded-confidence signal: an LLM fallback or a forced levels
// adjustment. The Decision's risks are not inspected.
func (o *Orchestrator) notifyIfCritical(ctx context.Context, dec model.Decision) {
	if o.notifier == nil {
		return
	}
	if !dec.Meta.LLMFallback && dec.Meta.Adjustment == "" {
		return
	}
	reason := dec.Meta.Adjustment
	if dec.Meta.LLMFallback {
		reason = "llm_fallback"
	}
	_ = o.notifier.Send(ctx, notification.Alert{
		Level:   notification.AlertWarning,
		Title:   fmt.Sprintf("%s decision degraded", dec.Symbol),
		Message: fmt.Sprintf("trend=%s confidence=%.0f reason=%s", dec.Trend, dec.ConfidencePct, reason),
	})
}

func cacheKey(symbol, interval string) string { return "candles:" + symbol + ":" + interval }

func decodeCachedCandles(b []byte) ([]model.Candle, error) {
	var candles []model.Candle
	if err := json.Unmarshal(b, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

func contextSize(c model.Context) int {
	b, _ := json.Marshal(c)
	return len(b)
}

// BaselineIndicators computes the fixed indicator set orchestrator step 2
// needs: SMA_20, EMA_9, EMA_21, RSI_14, ATR_14 (spec §4.10 step 2 — "spec'd
// only by their output field names, not formulas"). Recomputed fresh per
// request rather than streamed, since no other SPEC_FULL component needs
// indicator values outside an analysis request.
func BaselineIndicators(candles []model.Candle, symbol, exchange, timeframe string) []model.IndicatorResult {
	if len(candles) == 0 {
		return nil
	}

	type named struct {
		name string
		ind  indicator.Indicator
	}
	set := []named{
		{"SMA_20", indicator.NewSMA(20)},
		{"EMA_9", indicator.NewEMA(9)},
		{"EMA_21", indicator.NewEMA(21)},
		{"RSI_14", indicator.NewRSI(14)},
		{"ATR_14", indicator.NewATR(14)},
	}

	for _, c := range candles {
		for _, n := range set {
			n.ind.Update(c)
		}
	}

	last := candles[len(candles)-1]
	out := make([]model.IndicatorResult, 0, len(set))
	for _, n := range set {
		out = append(out, model.IndicatorResult{
			Name:      n.name,
			Symbol:    symbol,
			Exchange:  exchange,
			Timeframe: timeframe,
			Value:     n.ind.Value(),
			TS:        last.End,
			Ready:     n.ind.Ready(),
		})
	}
	return out
}

func latestATR(candles []model.Candle) float64 {
	atr := indicator.NewATR(14)
	for _, c := range candles {
		atr.Update(c)
	}
	if !atr.Ready() {
		// Not enough history for a full ATR window; fall back to a coarse
		// high-low average over whatever is available rather than zero,
		// which would collapse every level onto the current price.
		var sum float64
		for _, c := range candles {
			sum += c.High - c.Low
		}
		return sum / float64(len(candles))
	}
	return atr.Value()
}

// biasFromSignals resolves one directional bias for prior_trading_levels
// from whatever signals step 3/4 actually produced: the technical
// analyzer's bias if available, else the MTF alignment sign, else Neutral.
func biasFromSignals(results map[string]model.AgentResult, mtfResult mtf.Result) model.Trend {
	if t, ok := results["technical"]; ok && t.Status == model.AgentOK {
		if sig, ok := t.Payload.(analyzer.TechnicalSignal); ok {
			return sig.Bias
		}
	}
	switch {
	case mtfResult.Alignment > 0.15:
		return model.TrendBullish
	case mtfResult.Alignment < -0.15:
		return model.TrendBearish
	default:
		return model.TrendNeutral
	}
}

// horizonParams is the declared (k, m, n) ATR multiplier set per horizon
// (spec §4.10 step 5: "entry = current±k·ATR, stop = entry∓m·ATR, targets
// = entry±n·ATR with declared k,m,n per horizon"). Widens with horizon
// length, consistent with longer holds tolerating more room.
var horizonParams = map[string][3]float64{
	"short":  {1.0, 1.0, 2.0},
	"medium": {1.5, 1.5, 3.5},
	"long":   {2.0, 2.0, 5.0},
}

// derivePriorLevels implements §4.10 step 5 deterministically: no LLM call,
// no randomness, same inputs always produce the same levels. A zero-ATR
// floor (0.05% of price) keeps the entry/stop/target chain strictly
// ordered even over a dead-flat candle run.
func derivePriorLevels(currentPrice, atr float64, bias model.Trend) model.PriorTradingLevels {
	if floor := currentPrice * 0.0005; atr < floor {
		atr = floor
	}
	dir := 1.0
	if bias == model.TrendBearish {
		dir = -1.0
	}

	mk := func(horizon string) *model.TradingLevels {
		p := horizonParams[horizon]
		k, m, n := p[0], p[1], p[2]
		entry := currentPrice + dir*k*atr
		stop := entry - dir*m*atr
		target := entry + dir*n*atr

		spread := atr * 0.15
		lo, hi := entry-spread, entry+spread

		return &model.TradingLevels{
			EntryRange: [2]float64{round2(lo), round2(hi)},
			StopLoss:   round2(stop),
			Targets:    []float64{round2(target)},
		}
	}

	// Neutral still derives levels (the same long-side levels as Bullish,
	// since dir stays +1) so the consistency anchor is present; Neutral horizons carry no ordering invariant to satisfy
	// (spec §3 Horizon.OrderingValid).
	return model.PriorTradingLevels{
		ShortTerm:  mk("short"),
		MediumTerm: mk("medium"),
		LongTerm:   mk("long"),
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
