// Package instrumentmap is the token<->symbol lookup backing the gateway's
// mapping endpoints (spec §6.1). Loading from a config-supplied CSV mirrors
// the teacher's parseTokenList in cmd/mdengine/main.go (env-string →
// structured entries); the in-memory dual index instead of a linear scan
// is new, since the gateway's mapping endpoints are a hot lookup path that
// parseTokenList's one-shot startup parse never needed to be.
package instrumentmap

import (
	"strconv"
	"strings"
	"sync"

	"marketsynth/internal/model"
)

// Searcher resolves a free-text symbol against a broker's live instrument
// catalogue. *smartconnect.SmartConnect satisfies this structurally without
// this package importing pkg/smartconnect.
type Searcher interface {
	SearchScrip(exchange, searchscrip string) (map[string]any, error)
}

// Map is a concurrency-safe, bidirectional instrument index.
type Map struct {
	mu       sync.RWMutex
	byToken  map[string]model.Instrument // key: "exchange:token"
	bySymbol map[string]model.Instrument // key: "exchange:TRADINGSYMBOL"

	searcher Searcher
}

func New() *Map {
	return &Map{
		byToken:  make(map[string]model.Instrument),
		bySymbol: make(map[string]model.Instrument),
	}
}

// Put registers or replaces an instrument in both indexes.
func (m *Map) Put(inst model.Instrument) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byToken[key(inst.Exchange, inst.Token)] = inst
	m.bySymbol[key(inst.Exchange, strings.ToUpper(inst.TradingSymbol))] = inst
}

func (m *Map) ByToken(exchange, token string) (model.Instrument, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.byToken[key(exchange, token)]
	return inst, ok
}

func (m *Map) BySymbol(exchange, symbol string) (model.Instrument, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.bySymbol[key(exchange, strings.ToUpper(symbol))]
	return inst, ok
}

// SetSearcher attaches a live broker lookup to use as a fallback when the
// static CSV seed has no match for a symbol.
func (m *Map) SetSearcher(s Searcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searcher = s
}

// ResolveSymbol looks up symbol the same way BySymbol does, falling back to
// a live SearchScrip call (and caching the result via Put) when the static
// seed has no entry. Returns false if neither the seed nor a live search
// (if attached) resolves the symbol.
func (m *Map) ResolveSymbol(exchange, symbol string) (model.Instrument, bool) {
	if inst, ok := m.BySymbol(exchange, symbol); ok {
		return inst, ok
	}

	m.mu.RLock()
	searcher := m.searcher
	m.mu.RUnlock()
	if searcher == nil {
		return model.Instrument{}, false
	}

	res, err := searcher.SearchScrip(exchange, symbol)
	if err != nil {
		return model.Instrument{}, false
	}
	data, ok := res["data"].([]any)
	if !ok || len(data) == 0 {
		return model.Instrument{}, false
	}
	row, ok := data[0].(map[string]any)
	if !ok {
		return model.Instrument{}, false
	}
	token, _ := row["symboltoken"].(string)
	tradingSymbol, _ := row["tradingsymbol"].(string)
	if token == "" || tradingSymbol == "" {
		return model.Instrument{}, false
	}

	inst := model.Instrument{Exchange: exchange, Token: token, TradingSymbol: tradingSymbol}
	m.Put(inst)
	return inst, true
}

func key(exchange, id string) string { return exchange + ":" + id }

// LoadCSV seeds the map from "exchange:token:symbol:lotsize:ticksize,..."
// entries (config.InstrumentSeed), the same flat env-string shape the
// teacher uses for its token subscription list.
func LoadCSV(s string) *Map {
	m := New()
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 3 {
			continue
		}
		inst := model.Instrument{
			Exchange:      parts[0],
			Token:         parts[1],
			TradingSymbol: parts[2],
		}
		if len(parts) > 3 {
			inst.LotSize, _ = strconv.Atoi(parts[3])
		}
		if len(parts) > 4 {
			inst.TickSize, _ = strconv.ParseFloat(parts[4], 64)
		}
		m.Put(inst)
	}
	return m
}
