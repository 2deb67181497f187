package tickgate

import (
	"testing"
	"time"

	"marketsynth/internal/model"
)

func mkTick(token string, price float64, vol float64, ts time.Time) model.Tick {
	return model.Tick{Token: token, Exchange: "NSE", Price: price, VolumeTraded: vol, TickTS: ts}
}

func TestDedupIdempotenceClosedMarket(t *testing.T) {
	g := New(DefaultConfig())
	base := time.Now()

	if d := g.Admit(mkTick("1", 100, 10, base), model.MarketClosed); d != Accept {
		t.Fatalf("first tick ever must always admit, got %v", d)
	}
	for i := 0; i < 9; i++ {
		ts := base.Add(time.Duration(i+1) * time.Second)
		if d := g.Admit(mkTick("1", 100, 10, ts), model.MarketClosed); d != Drop {
			t.Fatalf("identical tick within window must drop, got %v at i=%d", d, i)
		}
	}
	diff := g.Admit(mkTick("1", 101, 10, base.Add(11*time.Second)), model.MarketClosed)
	if diff != Accept {
		t.Fatalf("differing price must admit, got %v", diff)
	}
}

func TestDedupDisabledWhenOpen(t *testing.T) {
	g := New(DefaultConfig())
	base := time.Now()
	g.Admit(mkTick("1", 100, 10, base), model.MarketOpen)
	d := g.Admit(mkTick("1", 100, 10, base.Add(time.Millisecond)), model.MarketOpen)
	if d != Accept {
		t.Fatalf("OPEN market must admit unconditionally, got %v", d)
	}
}

func TestRejectsMissingPrice(t *testing.T) {
	g := New(DefaultConfig())
	d := g.Admit(mkTick("1", 0, 10, time.Now()), model.MarketOpen)
	if d != Reject {
		t.Fatalf("expected Reject for zero price, got %v", d)
	}
}

func TestRejectsClockSkew(t *testing.T) {
	g := New(DefaultConfig())
	d := g.Admit(mkTick("1", 100, 10, time.Now().Add(2*time.Hour)), model.MarketOpen)
	if d != Reject {
		t.Fatalf("expected Reject for clock skew, got %v", d)
	}
}
