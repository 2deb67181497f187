package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"marketsynth/internal/model"
)

type stubMapper struct {
	bySymbol map[string]model.Instrument
	byToken  map[string]model.Instrument
}

func (s stubMapper) BySymbol(exchange, symbol string) (model.Instrument, bool) {
	inst, ok := s.bySymbol[exchange+":"+symbol]
	return inst, ok
}

func (s stubMapper) ByToken(exchange, token string) (model.Instrument, bool) {
	inst, ok := s.byToken[exchange+":"+token]
	return inst, ok
}

func (s stubMapper) ResolveSymbol(exchange, symbol string) (model.Instrument, bool) {
	return s.BySymbol(exchange, symbol)
}

func newTestGateway() *Gateway {
	mapper := stubMapper{
		bySymbol: map[string]model.Instrument{"NSE:RELIANCE": {Token: "2885", Exchange: "NSE", TradingSymbol: "RELIANCE"}},
		byToken:  map[string]model.Instrument{"NSE:2885": {Token: "2885", Exchange: "NSE", TradingSymbol: "RELIANCE"}},
	}
	return New(nil, nil, nil, mapper)
}

func TestHandleMarketStatus(t *testing.T) {
	g := newTestGateway()
	req := httptest.NewRequest(http.MethodGet, "/market/status", nil)
	w := httptest.NewRecorder()

	g.handleMarketStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := body["is_tradeable"]; !ok {
		t.Errorf("expected is_tradeable field in response")
	}
}

func TestHandleTokenToSymbol(t *testing.T) {
	g := newTestGateway()
	req := httptest.NewRequest(http.MethodGet, "/mapping/token-to-symbol?token=2885&exchange=NSE", nil)
	w := httptest.NewRecorder()

	g.handleTokenToSymbol(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var inst model.Instrument
	if err := json.NewDecoder(w.Body).Decode(&inst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if inst.TradingSymbol != "RELIANCE" {
		t.Errorf("expected RELIANCE, got %q", inst.TradingSymbol)
	}
}

func TestHandleTokenToSymbol_Unknown(t *testing.T) {
	g := newTestGateway()
	req := httptest.NewRequest(http.MethodGet, "/mapping/token-to-symbol?token=999&exchange=NSE", nil)
	w := httptest.NewRecorder()

	g.handleTokenToSymbol(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for unknown token (DataUnavailable), got %d", w.Code)
	}
}

func TestHandleSymbolToToken_MissingParams(t *testing.T) {
	g := newTestGateway()
	req := httptest.NewRequest(http.MethodGet, "/mapping/symbol-to-token", nil)
	w := httptest.NewRecorder()

	g.handleSymbolToToken(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing params, got %d", w.Code)
	}
}

func TestHandleAnalyze_RejectsNonPost(t *testing.T) {
	g := newTestGateway()
	req := httptest.NewRequest(http.MethodGet, "/analyze", nil)
	w := httptest.NewRecorder()

	g.handleAnalyze(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for GET /analyze, got %d", w.Code)
	}
}
