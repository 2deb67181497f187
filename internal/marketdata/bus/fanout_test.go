package bus

import (
	"context"
	"testing"
	"time"

	"marketsynth/internal/model"
)

func TestBus_BroadcastsToMatchingSubscribers(t *testing.T) {
	b := New(10)
	sub := b.Subscribe(model.NewSubscriptionFilter([]string{"3045"}, []string{"1m"}))

	b.Publish(Envelope{Kind: EnvTick, Tick: model.Tick{Token: "3045", Exchange: "NSE", Price: 100}})
	b.Publish(Envelope{Kind: EnvTick, Tick: model.Tick{Token: "9999", Exchange: "NSE", Price: 200}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, ok := sub.Recv(ctx)
	if !ok {
		t.Fatal("expected an envelope")
	}
	if env.Tick.Token != "3045" {
		t.Fatalf("expected only the subscribed token to be delivered, got %s", env.Tick.Token)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if _, ok := sub.Recv(ctx2); ok {
		t.Fatal("unsubscribed token should not have been delivered")
	}
}

func TestBus_NeverDropsClosedCandleOrError(t *testing.T) {
	b := New(2)
	filter := model.NewSubscriptionFilter([]string{"3045"}, []string{"1m"})
	sub := b.Subscribe(filter)

	var drops []EnvelopeKind
	sub.OnDrop = func(k EnvelopeKind) { drops = append(drops, k) }

	rolling := Envelope{Kind: EnvCandle, Stage: model.StageRolling, Candle: model.Candle{Token: "3045", Timeframe: "1m"}}
	closed := Envelope{Kind: EnvCandle, Stage: model.StageClosed, Candle: model.Candle{Token: "3045", Timeframe: "1m"}}
	errEnv := Envelope{Kind: EnvError, ErrorMessage: "upstream degraded"}

	b.Publish(rolling) // fills slot 1
	b.Publish(rolling) // fills slot 2, queue now full
	b.Publish(closed)  // must evict a rolling candle to make room
	b.Publish(errEnv)  // must evict the other rolling candle

	if len(drops) != 2 {
		t.Fatalf("expected 2 evictions of rolling envelopes, got %d: %v", len(drops), drops)
	}
	for _, k := range drops {
		if k != EnvCandle {
			t.Fatalf("expected only rolling-candle envelopes evicted, got %v", k)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, _ := sub.Recv(ctx)
	second, _ := sub.Recv(ctx)
	if first.Stage != model.StageClosed && first.Kind != EnvError {
		t.Fatalf("expected closed/error to survive, got %+v", first)
	}
	if second.Stage != model.StageClosed && second.Kind != EnvError {
		t.Fatalf("expected closed/error to survive, got %+v", second)
	}
}

func TestBus_SetFilterSwapsAtomically(t *testing.T) {
	b := New(10)
	sub := b.Subscribe(model.NewSubscriptionFilter([]string{"1"}, []string{"1m"}))
	sub.SetFilter(model.NewSubscriptionFilter([]string{"2"}, []string{"1m"}))

	b.Publish(Envelope{Kind: EnvTick, Tick: model.Tick{Token: "1"}})
	b.Publish(Envelope{Kind: EnvTick, Tick: model.Tick{Token: "2"}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, ok := sub.Recv(ctx)
	if !ok || env.Tick.Token != "2" {
		t.Fatalf("expected delivery under the new filter only, got %+v ok=%v", env, ok)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(10)
	sub := b.Subscribe(model.NewSubscriptionFilter([]string{"1"}, nil))
	b.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := sub.Recv(ctx); ok {
		t.Fatal("expected Recv to return false after unsubscribe")
	}
}
