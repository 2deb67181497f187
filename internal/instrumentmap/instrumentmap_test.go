package instrumentmap

import "testing"

func TestLoadCSV_ParsesEntries(t *testing.T) {
	m := LoadCSV("NSE:2885:RELIANCE:1:0.05, NSE:99926000:NIFTY50:50:0.01")

	inst, ok := m.ByToken("NSE", "2885")
	if !ok {
		t.Fatal("expected token 2885 to resolve")
	}
	if inst.TradingSymbol != "RELIANCE" || inst.LotSize != 1 || inst.TickSize != 0.05 {
		t.Errorf("unexpected instrument: %+v", inst)
	}

	inst2, ok := m.BySymbol("NSE", "nifty50")
	if !ok {
		t.Fatal("expected case-insensitive symbol lookup to resolve")
	}
	if inst2.Token != "99926000" {
		t.Errorf("expected token 99926000, got %q", inst2.Token)
	}
}

func TestLoadCSV_SkipsMalformedEntries(t *testing.T) {
	m := LoadCSV("garbage,,NSE:123:ABC")
	if _, ok := m.ByToken("NSE", "123"); !ok {
		t.Fatal("expected well-formed entry to still load despite malformed siblings")
	}
}

func TestMap_UnknownLookupMisses(t *testing.T) {
	m := New()
	if _, ok := m.ByToken("NSE", "nope"); ok {
		t.Error("expected miss on empty map")
	}
	if _, ok := m.BySymbol("NSE", "nope"); ok {
		t.Error("expected miss on empty map")
	}
}

type stubSearcher struct {
	calls int
}

func (s *stubSearcher) SearchScrip(exchange, searchscrip string) (map[string]any, error) {
	s.calls++
	return map[string]any{
		"data": []any{
			map[string]any{"symboltoken": "3045", "tradingsymbol": searchscrip},
		},
	}, nil
}

func TestResolveSymbol_FallsBackToLiveSearchAndCaches(t *testing.T) {
	m := New()
	searcher := &stubSearcher{}
	m.SetSearcher(searcher)

	inst, ok := m.ResolveSymbol("NSE", "SBIN-EQ")
	if !ok {
		t.Fatal("expected live search fallback to resolve")
	}
	if inst.Token != "3045" {
		t.Errorf("expected token 3045, got %q", inst.Token)
	}
	if searcher.calls != 1 {
		t.Fatalf("expected exactly one live search call, got %d", searcher.calls)
	}

	if _, ok := m.ResolveSymbol("NSE", "SBIN-EQ"); !ok {
		t.Fatal("expected cached resolution to hit")
	}
	if searcher.calls != 1 {
		t.Errorf("expected resolved instrument to be cached, live search called again (calls=%d)", searcher.calls)
	}
}

func TestResolveSymbol_NoSearcherMisses(t *testing.T) {
	m := New()
	if _, ok := m.ResolveSymbol("NSE", "UNKNOWN"); ok {
		t.Error("expected miss with no searcher attached")
	}
}
