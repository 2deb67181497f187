package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketsynth/internal/instrumentmap"
	"marketsynth/internal/marketdata/bus"
	"marketsynth/internal/model"
	"marketsynth/internal/orchestrator"
)

// reanalysisDebounce is how long C11 waits after a closed-candle event
// before re-running analysis for that (exchange, token, timeframe), so
// repeated closes for the same key within the window collapse into one
// analysis run; closes on different timeframes each schedule their own run
// (spec §4.10 control flow: "C3's closed-candle
// events may re-trigger C11 ... debounced").
const reanalysisDebounce = 5 * time.Second

// liveBridge consumes the cross-process Envelope relay (redis.Reader.
// SubscribeEnvelopes) and does two things with every envelope: republishes
// it on the in-process bus so WebSocket subscribers see it (gateway.handleWS
// subscribes directly to marketBus), and, for closed-candle envelopes,
// schedules a debounced re-analysis through the orchestrator.
type liveBridge struct {
	bus    *bus.Bus
	orc    *orchestrator.Orchestrator
	mapper *instrumentmap.Map

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newLiveBridge(b *bus.Bus, orc *orchestrator.Orchestrator, mapper *instrumentmap.Map) *liveBridge {
	return &liveBridge{
		bus:    b,
		orc:    orc,
		mapper: mapper,
		timers: make(map[string]*time.Timer),
	}
}

// run drains in until ctx is cancelled or in closes.
func (lb *liveBridge) run(ctx context.Context, in <-chan bus.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			lb.bus.Publish(env)
			if env.Kind == bus.EnvCandle && env.Stage == model.StageClosed {
				lb.scheduleReanalysis(ctx, env.Candle)
			}
		}
	}
}

func (lb *liveBridge) scheduleReanalysis(ctx context.Context, c model.Candle) {
	key := c.Key()

	lb.mu.Lock()
	defer lb.mu.Unlock()
	if t, exists := lb.timers[key]; exists {
		t.Stop()
	}
	lb.timers[key] = time.AfterFunc(reanalysisDebounce, func() {
		lb.runReanalysis(ctx, c)
	})
}

func (lb *liveBridge) runReanalysis(ctx context.Context, c model.Candle) {
	inst, ok := lb.mapper.ByToken(c.Exchange, c.Token)
	if !ok {
		log.Printf("[api_gateway] re-analysis skipped: no instrument mapping for %s", c.Key())
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req := orchestrator.Request{
		RequestID: uuid.New().String(),
		Symbol:    inst.TradingSymbol,
		Exchange:  inst.Exchange,
		Token:     inst.Token,
		Interval:  c.Timeframe,
		Lookback:  5 * 24 * time.Hour,
		Options:   orchestrator.Options{IncludeMTF: true, IncludeSector: true, IncludeML: true},
	}

	if _, err := lb.orc.Analyze(reqCtx, req); err != nil {
		log.Printf("[api_gateway] on-rolling-bar re-analysis failed for %s: %v", req.Symbol, err)
	}
}
