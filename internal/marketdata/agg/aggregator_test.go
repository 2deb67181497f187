package agg

import (
	"context"
	"testing"
	"time"

	"marketsynth/internal/model"
)

func mkTick(token string, price, vol float64, ts time.Time) model.Tick {
	return model.Tick{Token: token, Exchange: "NSE", Price: price, VolumeTraded: vol, TickTS: ts}
}

func drain(ch <-chan Event, n int, timeout time.Duration) []Event {
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestAggregator_BasicCandle(t *testing.T) {
	a := New([]model.Timeframe{model.TF1m}, model.VolumeDelta)
	tickCh := make(chan model.Tick, 10)
	eventCh := make(chan Event, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { a.Run(ctx, tickCh, eventCh); close(done) }()

	base := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)
	tickCh <- mkTick("1", 100, 10, base)
	tickCh <- mkTick("1", 105, 5, base.Add(10*time.Second))
	tickCh <- mkTick("1", 98, 7, base.Add(20*time.Second))

	evs := drain(eventCh, 3, time.Second)
	cancel()
	<-done

	if len(evs) != 3 {
		t.Fatalf("expected 3 rolling events, got %d", len(evs))
	}
	last := evs[2].Candle
	if last.Open != 100 || last.High != 105 || last.Low != 98 || last.Close != 98 {
		t.Fatalf("unexpected OHLC: %+v", last)
	}
	if last.Volume != 22 {
		t.Fatalf("expected volume 22, got %v", last.Volume)
	}
	if last.Ticks != 3 {
		t.Fatalf("expected 3 ticks, got %d", last.Ticks)
	}
	for _, ev := range evs {
		if ev.Stage != model.StageRolling {
			t.Fatalf("expected all rolling events before bucket close, got %v", ev.Stage)
		}
	}
}

func TestAggregator_MultipleTokens(t *testing.T) {
	a := New([]model.Timeframe{model.TF1m}, model.VolumeDelta)
	tickCh := make(chan model.Tick, 10)
	eventCh := make(chan Event, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { a.Run(ctx, tickCh, eventCh); close(done) }()

	base := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)
	tickCh <- mkTick("1", 100, 1, base)
	tickCh <- mkTick("2", 200, 1, base)
	tickCh <- mkTick("1", 101, 1, base.Add(time.Second))

	evs := drain(eventCh, 3, time.Second)
	cancel()
	<-done

	seen := map[string]float64{}
	for _, ev := range evs {
		seen[ev.Candle.Token] = ev.Candle.Close
	}
	if seen["1"] != 101 || seen["2"] != 200 {
		t.Fatalf("token isolation broken: %+v", seen)
	}
}

// TestAggregator_BucketBoundaryTieBreak is scenario S6 from spec §8: a tick
// landing exactly on the 1m boundary starts the next bucket, never extends
// the previous one.
func TestAggregator_BucketBoundaryTieBreak(t *testing.T) {
	a := New([]model.Timeframe{model.TF1m}, model.VolumeDelta)
	tickCh := make(chan model.Tick, 10)
	eventCh := make(chan Event, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { a.Run(ctx, tickCh, eventCh); close(done) }()

	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	tickCh <- mkTick("1", 100, 1, base)                     // 12:00:00
	tickCh <- mkTick("1", 101, 1, base.Add(30*time.Second)) // 12:00:30
	tickCh <- mkTick("1", 102, 1, base.Add(60*time.Second)) // 12:01:00 — next bucket

	evs := drain(eventCh, 4, time.Second)
	cancel()
	<-done

	if len(evs) != 4 {
		t.Fatalf("expected 2 rolling + 1 closed + 1 rolling, got %d events", len(evs))
	}
	if evs[2].Stage != model.StageClosed {
		t.Fatalf("expected 3rd event to close the first bucket, got %v", evs[2].Stage)
	}
	closedCandle := evs[2].Candle
	if !closedCandle.Start.Equal(base) || !closedCandle.End.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected closed bucket bounds: %+v", closedCandle)
	}
	if closedCandle.Close != 101 {
		t.Fatalf("closed bucket should end at the 12:00:30 tick's price, got %v", closedCandle.Close)
	}
	if evs[3].Stage != model.StageRolling || !evs[3].Candle.Start.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected the boundary tick to open the next bucket, got %+v", evs[3])
	}
}

func TestAggregator_NoSyntheticBarsOnGap(t *testing.T) {
	a := New([]model.Timeframe{model.TF1m}, model.VolumeDelta)
	tickCh := make(chan model.Tick, 10)
	eventCh := make(chan Event, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { a.Run(ctx, tickCh, eventCh); close(done) }()

	base := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)
	tickCh <- mkTick("1", 100, 1, base)
	// Gap of 5 minutes with no ticks, then one tick lands far in the future.
	tickCh <- mkTick("1", 110, 1, base.Add(5*time.Minute))

	evs := drain(eventCh, 3, time.Second)
	cancel()
	<-done

	if len(evs) != 3 {
		t.Fatalf("expected exactly 3 events (no synthesized gap bars), got %d: %+v", len(evs), evs)
	}
	if evs[1].Stage != model.StageClosed {
		t.Fatalf("expected second event to be the close of the stale bucket, got %v", evs[1].Stage)
	}
	if !evs[2].Candle.Start.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("expected the new bucket to start exactly at the new tick's bucket, got %+v", evs[2].Candle)
	}
}

func TestAggregator_LateTickDropped(t *testing.T) {
	a := New([]model.Timeframe{model.TF1m}, model.VolumeDelta)
	var lateCalls int
	a.OnLateTick = func(string) { lateCalls++ }

	tickCh := make(chan model.Tick, 10)
	eventCh := make(chan Event, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { a.Run(ctx, tickCh, eventCh); close(done) }()

	base := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)
	tickCh <- mkTick("1", 100, 1, base.Add(time.Minute)) // opens bucket at 9:16
	tickCh <- mkTick("1", 99, 1, base)                   // late tick for 9:15, already passed

	drain(eventCh, 1, time.Second)
	cancel()
	<-done

	if lateCalls != 1 {
		t.Fatalf("expected 1 late-tick callback, got %d", lateCalls)
	}
}

func TestAggregator_CumulativeVolumeMode(t *testing.T) {
	a := New([]model.Timeframe{model.TF1m}, model.VolumeCumulative)
	tickCh := make(chan model.Tick, 10)
	eventCh := make(chan Event, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { a.Run(ctx, tickCh, eventCh); close(done) }()

	base := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)
	tickCh <- mkTick("1", 100, 1000, base)                   // day cumulative so far
	tickCh <- mkTick("1", 101, 1050, base.Add(10*time.Second)) // +50

	evs := drain(eventCh, 2, time.Second)
	cancel()
	<-done

	last := evs[len(evs)-1].Candle
	if last.Volume != 50 {
		t.Fatalf("expected cumulative-derived bar volume 50, got %v", last.Volume)
	}
}

func TestAggregator_FlushSessionClosesOpenCandles(t *testing.T) {
	a := New([]model.Timeframe{model.TF1m}, model.VolumeDelta)
	tickCh := make(chan model.Tick, 10)
	eventCh := make(chan Event, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { a.Run(ctx, tickCh, eventCh); close(done) }()

	tickCh <- mkTick("1", 100, 1, time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC))
	drain(eventCh, 1, time.Second)
	cancel()
	<-done

	if len(a.states) != 0 {
		t.Fatalf("expected FlushSession via ctx cancellation to clear states, got %d remaining", len(a.states))
	}
}
