// Command tickserver is a local simulator for the live market-data pipeline
// (C1-C4): it fabricates a tick stream for a configurable instrument set
// instead of connecting to a live broker session, then runs those ticks
// through the real tickgate.Gate (C2) and agg.Aggregator (C3) before fanning
// the resulting tick/candle envelopes out over a bus.Bus (C4) using the same
// wire shape cmd/api_gateway serves at /ws/stream (spec §6.2). It exists so
// the gateway's WS consumers can be exercised end to end without Angel One
// credentials.
//
// Adapted from the teacher's demo tick generator: the random-walk price
// simulator and gorilla/websocket handler are kept, but the simulated tick
// is now a model.Tick (float64 rupee price, VolumeDelta-mode qty) instead of
// the teacher's India-paise int64 tickMsg, and it is pushed through the real
// gate/aggregator/bus pipeline rather than broadcast directly, so a client
// connecting here sees the exact envelope shapes (tick, candle with stage
// rolling/closed) the production gateway emits.
package main

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"marketsynth/config"
	"marketsynth/internal/marketdata/agg"
	"marketsynth/internal/marketdata/bus"
	"marketsynth/internal/markethours"
	"marketsynth/internal/model"
	"marketsynth/internal/tickgate"
)

// simInstrument tracks one simulated instrument's walking price.
type simInstrument struct {
	token    string
	exchange string
	price    float64
}

// walk moves price by a random ±0.1% step, mirroring the teacher's paise
// random walk but over a float64 rupee price.
func (s *simInstrument) walk() {
	pct := (rand.Float64() - 0.5) * 0.002
	s.price *= 1 + pct
	if s.price < 0.01 {
		s.price = 0.01
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickserver] starting simulated tick pipeline...")

	cfg := config.Load()
	timeframes := cfg.ParseTimeframes()
	if len(timeframes) == 0 {
		timeframes = []model.Timeframe{model.TF1m, model.TF5m}
	}
	log.Printf("[tickserver] simulating timeframes: %v", timeframes)

	instruments := parseInstruments(getEnv("TICK_INSTRUMENTS", ""))
	interval := envDurationMS("TICK_INTERVAL_MS", 500)
	addr := getEnv("TICK_SERVER_ADDR", ":9001")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tickCh := make(chan model.Tick, 1000)
	gatedCh := make(chan model.Tick, 1000)
	eventCh := make(chan agg.Event, 1000)
	marketBus := bus.New(256)

	gate := tickgate.New(tickgate.DefaultConfig())
	gate.OnDrop = func(token string) {
		log.Printf("[tickserver] gate dropped duplicate tick for token %s", token)
	}
	gate.OnReject = func(reason string) {
		log.Printf("[tickserver] gate rejected tick: %s", reason)
	}

	// The simulator's own qty deltas are emitted per print, same VolumeDelta
	// declaration internal/marketdata/ws/ingest.go makes for the real Angel
	// One feed (spec §4.2, §9).
	aggregator := agg.New(timeframes, model.VolumeDelta)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-tickCh:
				if !ok {
					return
				}
				status := markethours.Status(time.Now())
				if gate.Admit(tick, status) == tickgate.Accept {
					gatedCh <- tick
					marketBus.Publish(bus.Envelope{Kind: bus.EnvTick, Tick: tick})
				}
			}
		}
	}()

	go aggregator.Run(ctx, gatedCh, eventCh)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-eventCh:
				if !ok {
					return
				}
				marketBus.Publish(bus.Envelope{Kind: bus.EnvCandle, Candle: ev.Candle, Stage: ev.Stage})
			}
		}
	}()

	// /ws clients receive every simulated token on every simulated timeframe.
	tokens := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		tokens = append(tokens, inst.token)
	}
	labels := make([]string, 0, len(timeframes))
	for _, tf := range timeframes {
		labels = append(labels, tf.Label)
	}
	filter := model.NewSubscriptionFilter(tokens, labels)

	go runGenerator(ctx, instruments, interval, tickCh)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleWS(marketBus, filter, w, r)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"ok","service":"tickserver"}`))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Printf("[tickserver] listening on %s (ws at /ws)", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[tickserver] server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[tickserver] shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// wireEnvelope mirrors the gateway's wire shape (spec §6.2) so a client
// written against the real /ws/stream contract works unmodified here.
type wireEnvelope struct {
	Type         string      `json:"type"`
	Token        int         `json:"token,omitempty"`
	Price        float64     `json:"price,omitempty"`
	VolumeTraded float64     `json:"volume_traded,omitempty"`
	Timeframe    string      `json:"timeframe,omitempty"`
	Stage        string      `json:"stage,omitempty"`
	Data         *wireCandle `json:"data,omitempty"`
	Timestamp    int64       `json:"timestamp"`
}

type wireCandle struct {
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
	Start  int64   `json:"start"`
	End    int64   `json:"end"`
}

func toWire(env bus.Envelope) wireEnvelope {
	now := time.Now().UnixMilli()
	switch env.Kind {
	case bus.EnvTick:
		tok, _ := strconv.Atoi(env.Tick.Token)
		return wireEnvelope{Type: "tick", Token: tok, Price: env.Tick.Price, VolumeTraded: env.Tick.VolumeTraded, Timestamp: now}
	case bus.EnvCandle:
		tok, _ := strconv.Atoi(env.Candle.Token)
		return wireEnvelope{
			Type: "candle", Token: tok, Timeframe: env.Candle.Timeframe, Stage: string(env.Stage),
			Data: &wireCandle{
				Open: env.Candle.Open, High: env.Candle.High, Low: env.Candle.Low, Close: env.Candle.Close,
				Volume: env.Candle.Volume, Start: env.Candle.Start.UnixMilli(), End: env.Candle.End.UnixMilli(),
			},
			Timestamp: now,
		}
	default:
		return wireEnvelope{Type: "backend_error", Timestamp: now}
	}
}

// handleWS drains a bus.Subscriber onto the socket, the same shape as the
// gateway's handleWS (internal/gateway/ws.go) minus the ping/subscribe-
// filter machinery a local dev tool doesn't need.
func handleWS(b *bus.Bus, filter *model.SubscriptionFilter, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[tickserver] upgrade error: %v", err)
		return
	}
	log.Printf("[tickserver] client connected: %s", r.RemoteAddr)
	defer func() {
		conn.Close()
		log.Printf("[tickserver] client disconnected: %s", r.RemoteAddr)
	}()

	sub := b.Subscribe(filter)
	defer b.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		env, ok := sub.Recv(ctx)
		if !ok {
			return
		}
		payload, err := json.Marshal(toWire(env))
		if err != nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func runGenerator(ctx context.Context, instruments []*simInstrument, interval time.Duration, tickCh chan<- model.Tick) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, inst := range instruments {
				inst.walk()
				tick := model.Tick{
					Token:        inst.token,
					Exchange:     inst.exchange,
					Price:        inst.price,
					VolumeTraded: float64(1 + rand.Intn(50)),
					TickTS:       now,
				}
				select {
				case tickCh <- tick:
				default:
				}
			}
		}
	}
}

// parseInstruments parses "exchange:token:seedPrice,..." triples from s,
// falling back to a small default instrument set (NSE Reliance + Nifty 50
// index tokens, same tokens as the teacher's demo default) when s is empty.
func parseInstruments(s string) []*simInstrument {
	if strings.TrimSpace(s) == "" {
		return []*simInstrument{
			{exchange: "NSE", token: "2885", price: 2850.05},
			{exchange: "NSE", token: "99926000", price: 22150.30},
		}
	}
	var out []*simInstrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 3)
		if len(fields) != 3 {
			log.Printf("[tickserver] skipping invalid instrument spec: %q", part)
			continue
		}
		price, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			log.Printf("[tickserver] skipping invalid seed price: %q", part)
			continue
		}
		out = append(out, &simInstrument{exchange: fields[0], token: fields[1], price: price})
	}
	if len(out) == 0 {
		return parseInstruments("")
	}
	return out
}

func envDurationMS(key string, fallbackMS int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(fallbackMS) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
