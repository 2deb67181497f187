// Package agg implements C3: folding ticks into OHLCV buckets per
// (symbol, timeframe), emitting rolling and closed candle events
// (spec §4.2).
//
// Adapted from the teacher's original aggregator.go: the per-key-mutex-
// guarded-map shape (one mutex, one update path per key) is kept. The
// event-time watermark and reorder-buffer machinery is dropped: the spec's
// rule is that a bucket freezes strictly on the next tick whose bucket
// differs, with no synthesized empty bars for gaps (DESIGN.md, REDESIGN
// FLAGS).
package agg

import (
	"context"
	"sync"

	"marketsynth/internal/model"
)

// Event is one of the two kinds the aggregator emits per admitted tick.
type Event struct {
	Stage  model.CandleStage
	Candle model.Candle
}

type bucketState struct {
	candle  model.Candle
	lastCum float64 // last seen cumulative volume for this key, VolumeCumulative mode only
	haveCum bool
}

// Aggregator builds OHLCV candles for a configured set of timeframes from
// a single feed's tick stream. One Aggregator instance serves one feed;
// the feed declares its VolumeMode at construction (spec §4.2, §9 — the
// aggregator never infers it).
type Aggregator struct {
	timeframes []model.Timeframe
	volumeMode model.VolumeMode

	mu     sync.Mutex
	states map[string]*bucketState // key = model.Candle.Key()

	// OnLateTick is called when a tick arrives for a bucket that has
	// already been frozen and cannot be reopened.
	OnLateTick func(key string)
	// OnDroppedEvent is called when eventCh is full and an event had to be
	// dropped rather than block the hot path.
	OnDroppedEvent func(stage model.CandleStage)
}

// New creates an Aggregator for the given timeframes and volume mode.
func New(timeframes []model.Timeframe, volumeMode model.VolumeMode) *Aggregator {
	return &Aggregator{
		timeframes: timeframes,
		volumeMode: volumeMode,
		states:     make(map[string]*bucketState),
	}
}

// Run consumes ticks from tickCh, aggregates into candles for every
// configured timeframe, and sends rolling/closed events to eventCh. Blocks
// until ctx is cancelled or tickCh is closed.
func (a *Aggregator) Run(ctx context.Context, tickCh <-chan model.Tick, eventCh chan<- Event) {
	for {
		select {
		case <-ctx.Done():
			a.FlushSession(eventCh)
			return
		case tick, ok := <-tickCh:
			if !ok {
				a.FlushSession(eventCh)
				return
			}
			a.processTick(tick, eventCh)
		}
	}
}

func (a *Aggregator) processTick(tick model.Tick, eventCh chan<- Event) {
	ts := tick.CanonicalTS()

	for _, tf := range a.timeframes {
		bucketStart := tf.BucketStart(ts)
		bucketEnd := bucketStart.Add(tf.Duration)
		key := tick.Exchange + ":" + tick.Token + ":" + tf.Label

		a.mu.Lock()
		state, exists := a.states[key]

		switch {
		case !exists:
			delta := a.volumeDelta(nil, tick)
			ns := &bucketState{
				candle: model.Candle{
					Token: tick.Token, Exchange: tick.Exchange, Timeframe: tf.Label,
					Start: bucketStart, End: bucketEnd,
					Open: tick.Price, High: tick.Price, Low: tick.Price, Close: tick.Price,
					Volume: delta, Ticks: 1,
				},
				lastCum: tick.VolumeTraded, haveCum: true,
			}
			a.states[key] = ns
			rolling := ns.candle
			a.mu.Unlock()
			a.emit(Event{Stage: model.StageRolling, Candle: rolling}, eventCh)

		case bucketStart.Equal(state.candle.Start):
			delta := a.volumeDelta(state, tick)
			c := &state.candle
			if tick.Price > c.High {
				c.High = tick.Price
			}
			if tick.Price < c.Low {
				c.Low = tick.Price
			}
			c.Close = tick.Price
			c.Volume += delta
			c.Ticks++
			state.lastCum = tick.VolumeTraded
			rolling := state.candle
			a.mu.Unlock()
			a.emit(Event{Stage: model.StageRolling, Candle: rolling}, eventCh)

		case bucketStart.After(state.candle.Start):
			// New bucket: freeze and emit the old one, start a fresh candle.
			// No synthetic bars are inserted for the gap in between.
			closed := state.candle
			delta := a.volumeDelta(nil, tick)
			ns := &bucketState{
				candle: model.Candle{
					Token: tick.Token, Exchange: tick.Exchange, Timeframe: tf.Label,
					Start: bucketStart, End: bucketEnd,
					Open: tick.Price, High: tick.Price, Low: tick.Price, Close: tick.Price,
					Volume: delta, Ticks: 1,
				},
				lastCum: tick.VolumeTraded, haveCum: true,
			}
			a.states[key] = ns
			rolling := ns.candle
			a.mu.Unlock()
			a.emit(Event{Stage: model.StageClosed, Candle: closed}, eventCh)
			a.emit(Event{Stage: model.StageRolling, Candle: rolling}, eventCh)

		default:
			// bucketStart is before the current open bucket: the tick
			// belongs to an already-frozen bucket. Frozen candles are
			// never mutated.
			a.mu.Unlock()
			if a.OnLateTick != nil {
				a.OnLateTick(key)
			}
		}
	}
}

// volumeDelta computes this tick's contribution to bucket volume per the
// declared VolumeMode. state is nil when this is the first tick of a new
// bucket. Must be called with a.mu held.
func (a *Aggregator) volumeDelta(state *bucketState, tick model.Tick) float64 {
	if a.volumeMode == model.VolumeDelta {
		return tick.VolumeTraded
	}
	if state == nil || !state.haveCum {
		return 0
	}
	d := tick.VolumeTraded - state.lastCum
	if d < 0 {
		// Cumulative counter reset (new trading day) — treat as a fresh start.
		return 0
	}
	return d
}

// FlushSession finalizes and emits all in-progress candles as closed. Call
// at market close so the last candle of the day includes the closing tick.
func (a *Aggregator) FlushSession(eventCh chan<- Event) {
	a.mu.Lock()
	states := a.states
	a.states = make(map[string]*bucketState)
	a.mu.Unlock()

	for _, s := range states {
		a.emit(Event{Stage: model.StageClosed, Candle: s.candle}, eventCh)
	}
}

// emit sends an event to eventCh, non-blocking to avoid stalling the tick
// hot path.
func (a *Aggregator) emit(ev Event, eventCh chan<- Event) {
	select {
	case eventCh <- ev:
	default:
		if a.OnDroppedEvent != nil {
			a.OnDroppedEvent(ev.Stage)
		}
	}
}
