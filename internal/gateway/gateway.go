// Package gateway implements C12: the stable HTTP + WebSocket surface
// (spec §6.1, §6.2). Adapted from the teacher's cmd/api_gateway Hub/Client
// machinery (per-client writePump/readPump over gorilla/websocket) — kept
// wholesale as the connection-lifecycle shape, retargeted from the
// teacher's broadcast-by-channel-string model onto the C4 bus's
// Envelope/SubscriptionFilter model.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketsynth/config"
	"marketsynth/internal/apperr"
	"marketsynth/internal/cache"
	"marketsynth/internal/llm"
	"marketsynth/internal/marketdata/bus"
	"marketsynth/internal/markethours"
	"marketsynth/internal/model"
	"marketsynth/internal/orchestrator"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// InstrumentMapper resolves token<->symbol, grounded on teacher's
// cmd/mdengine instrument map (spec §6.1 mapping endpoints, SPEC_FULL §5
// supplemented feature).
type InstrumentMapper interface {
	BySymbol(exchange, symbol string) (model.Instrument, bool)
	ByToken(exchange, token string) (model.Instrument, bool)
	// ResolveSymbol is like BySymbol but falls back to a live broker search
	// (instrumentmap.Map.SetSearcher) when the static seed has no match.
	ResolveSymbol(exchange, symbol string) (model.Instrument, bool)
}

// Gateway wires C11's Orchestrator and C4's Bus to the wire contract.
type Gateway struct {
	orc     *orchestrator.Orchestrator
	bus     *bus.Bus
	cache   *cache.Store
	mapper  InstrumentMapper
}

func New(orc *orchestrator.Orchestrator, b *bus.Bus, cacheStore *cache.Store, mapper InstrumentMapper) *Gateway {
	return &Gateway{orc: orc, bus: b, cache: cacheStore, mapper: mapper}
}

// Mux builds the full HTTP route table (spec §6.1) plus /ws/stream (§6.2).
func (g *Gateway) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/analyze", g.handleAnalyze)
	mux.HandleFunc("/market/status", g.handleMarketStatus)
	mux.HandleFunc("/market/optimization/clear-interval-cache", g.handleClearCache)
	mux.HandleFunc("/mapping/token-to-symbol", g.handleTokenToSymbol)
	mux.HandleFunc("/mapping/symbol-to-token", g.handleSymbolToToken)
	mux.HandleFunc("/ws/stream", g.handleWS)
	return mux
}

type analyzeRequestBody struct {
	Symbol     string          `json:"symbol"`
	Exchange   string          `json:"exchange"`
	Token      string          `json:"token"`
	PeriodDays int             `json:"period_days"`
	Interval   string          `json:"interval"`
	Options    json.RawMessage `json:"options"`
}

// handleAnalyze implements `POST /analyze` (spec §6.1).
func (g *Gateway) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, apperr.New(apperr.ClientError, "method not allowed"))
		return
	}

	var body analyzeRequestBody
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		writeError(w, apperr.Wrap(apperr.ClientError, "malformed request body", err))
		return
	}
	if body.Symbol == "" || body.Exchange == "" {
		writeError(w, apperr.New(apperr.ClientError, "symbol and exchange are required"))
		return
	}
	if body.Interval == "" {
		body.Interval = "5m"
	}
	if _, err := model.ParseTimeframe(body.Interval); err != nil {
		writeError(w, apperr.Wrap(apperr.ClientError, "unrecognized interval", err))
		return
	}

	opts := config.DefaultAnalyzeOptions()
	if len(body.Options) > 0 {
		decoded, err := config.DecodeAnalyzeOptions(bytes.NewReader(body.Options))
		if err != nil {
			writeError(w, apperr.Wrap(apperr.ClientError, "invalid options", err))
			return
		}
		opts = decoded
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(opts.TimeoutMS)*time.Millisecond)
	defer cancel()

	periodDays := body.PeriodDays
	if periodDays <= 0 {
		periodDays = 5
	}

	requestID := uuid.New().String()
	log.Printf("[gateway] [%s] POST /analyze %s/%s interval=%s", requestID, body.Exchange, body.Symbol, body.Interval)

	req := orchestrator.Request{
		RequestID: requestID,
		Symbol:    body.Symbol,
		Exchange:  body.Exchange,
		Token:     body.Token,
		Interval:  body.Interval,
		Lookback:  time.Duration(periodDays) * 24 * time.Hour,
		Options: orchestrator.Options{
			IncludeMTF:    opts.IncludeMTF,
			IncludeSector: opts.IncludeSector,
			IncludeML:     opts.IncludeML,
			ForceLive:     opts.ForceLive,
			LLMModelTier:  llm.Tier(opts.LLMModelTier),
		},
	}

	result, err := g.orc.Analyze(ctx, req)
	if err != nil {
		log.Printf("[gateway] [%s] analyze failed: %v", requestID, err)
		writeError(w, err)
		return
	}

	persisted := result.Decision.ToPersisted(req.Exchange, "on_demand", map[string]any{
		"technical":     result.AgentResults["technical"],
		"pattern":       result.AgentResults["pattern"],
		"volume_regime": result.AgentResults["volume_regime"],
		"sector":        result.AgentResults["sector"],
		"ml_predictor":  result.AgentResults["ml_predictor"],
	})
	persisted.CurrentPrice = result.Decision.ShortTerm.EntryRange[0]
	if len(result.Candles) > 0 {
		persisted.CurrentPrice = result.Candles[len(result.Candles)-1].Close
	}

	writeJSON(w, http.StatusOK, persisted)
}

// handleMarketStatus implements `GET /market/status` (spec §6.1).
func (g *Gateway) handleMarketStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	status := markethours.Status(now)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"is_tradeable":   status.IsTradeable(),
		"checked_at":     now.Format(time.RFC3339),
		"next_open_hint": "09:15 IST next trading day",
	})
}

// handleClearCache implements `POST /market/optimization/clear-interval-cache` (spec §6.1).
func (g *Gateway) handleClearCache(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	interval := r.URL.Query().Get("interval")
	if symbol == "" || interval == "" {
		writeError(w, apperr.New(apperr.ClientError, "symbol and interval query params are required"))
		return
	}
	if g.cache != nil {
		_ = g.cache.Invalidate(r.Context(), symbol, interval)
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true, "symbol": symbol, "interval": interval})
}

// handleTokenToSymbol implements `GET /mapping/token-to-symbol` (spec §6.1).
func (g *Gateway) handleTokenToSymbol(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	exchange := r.URL.Query().Get("exchange")
	if token == "" || exchange == "" || g.mapper == nil {
		writeError(w, apperr.New(apperr.ClientError, "token and exchange query params are required"))
		return
	}
	inst, ok := g.mapper.ByToken(exchange, token)
	if !ok {
		writeError(w, apperr.New(apperr.DataUnavailable, "unknown token"))
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// handleSymbolToToken is the inverse of handleTokenToSymbol (spec §6.1 "and
// inverse"). Falls back to a live broker instrument search via
// ResolveSymbol when the static seed has no match for symbol.
func (g *Gateway) handleSymbolToToken(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	exchange := r.URL.Query().Get("exchange")
	if symbol == "" || exchange == "" || g.mapper == nil {
		writeError(w, apperr.New(apperr.ClientError, "symbol and exchange query params are required"))
		return
	}
	inst, ok := g.mapper.ResolveSymbol(exchange, symbol)
	if !ok {
		writeError(w, apperr.New(apperr.DataUnavailable, "unknown symbol"))
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := 500
	msg := err.Error()
	if ae, ok := err.(*apperr.Error); ok {
		status = ae.Kind.HTTPStatus()
	}
	writeJSON(w, status, map[string]any{"error": msg})
}
