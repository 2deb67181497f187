package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"marketsynth/internal/marketdata/bus"
	"marketsynth/internal/model"
)

const (
	readLimit  = 4096
	pongWait   = 60 * time.Second
)

// subscribeMsg is the client→server message (spec §6.2).
type subscribeMsg struct {
	Action     string   `json:"action"`
	Tokens     []int    `json:"tokens"`
	Timeframes []string `json:"timeframes"`
}

// wireEnvelope is the server→client shape; exactly one of the optional
// groups is populated depending on Type (spec §6.2 — "type strings, field
// names... are part of the wire contract").
type wireEnvelope struct {
	Type string `json:"type"`

	// tick
	Token        int     `json:"token,omitempty"`
	Price        float64 `json:"price,omitempty"`
	VolumeTraded float64 `json:"volume_traded,omitempty"`

	// candle
	Timeframe string       `json:"timeframe,omitempty"`
	Data      *candleData  `json:"data,omitempty"`
	Stage     string       `json:"stage,omitempty"`

	// backend_error
	Error   string `json:"error,omitempty"`
	Context any    `json:"context,omitempty"`

	Timestamp int64 `json:"timestamp"`
}

type candleData struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
	Volume float64 `json:"volume"`
	Start int64   `json:"start"`
	End   int64   `json:"end"`
}

// handleWS implements `/ws/stream` (spec §6.2). Adapted from the teacher's
// Client/writePump/readPump connection-lifecycle shape in cmd/api_gateway,
// retargeted from its send-chan-of-raw-bytes model onto a bus.Subscriber
// whose queue already applies the priority drop policy (C4), so this
// handler's only job is to drain that queue onto the socket.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub := g.bus.Subscribe(nil)
	ctx, cancel := context.WithCancel(r.Context())

	go g.wsWritePump(ctx, conn, sub)
	g.wsReadPump(cancel, conn, sub)

	g.bus.Unsubscribe(sub)
	conn.Close()
}

// wsWritePump drains sub onto conn, interleaved with idle pings. sub.Recv
// blocks, so it is pumped from its own goroutine into envCh rather than
// selected on directly — otherwise an idle subscriber would starve the
// ping ticker for up to pingPeriod between envelopes.
func (g *Gateway) wsWritePump(ctx context.Context, conn *websocket.Conn, sub *bus.Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	envCh := make(chan bus.Envelope)
	go func() {
		defer close(envCh)
		for {
			env, ok := sub.Recv(ctx)
			if !ok {
				return
			}
			select {
			case envCh <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case env, ok := <-envCh:
			if !ok {
				return
			}
			b, err := json.Marshal(toWireEnvelope(env))
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) wsReadPump(cancel context.CancelFunc, conn *websocket.Conn, sub *bus.Subscriber) {
	defer cancel()

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sm subscribeMsg
		if err := json.Unmarshal(msg, &sm); err != nil || sm.Action != "subscribe" {
			continue
		}
		tokens := make([]string, len(sm.Tokens))
		for i, t := range sm.Tokens {
			tokens[i] = strconv.Itoa(t)
		}
		sub.SetFilter(model.NewSubscriptionFilter(tokens, sm.Timeframes))
	}
}

func toWireEnvelope(env bus.Envelope) wireEnvelope {
	now := time.Now().UnixMilli()
	switch env.Kind {
	case bus.EnvTick:
		tok, _ := strconv.Atoi(env.Tick.Token)
		return wireEnvelope{
			Type:         "tick",
			Token:        tok,
			Price:        env.Tick.Price,
			VolumeTraded: env.Tick.VolumeTraded,
			Timestamp:    now,
		}
	case bus.EnvCandle:
		tok, _ := strconv.Atoi(env.Candle.Token)
		return wireEnvelope{
			Type:      "candle",
			Token:     tok,
			Timeframe: env.Candle.Timeframe,
			Stage:     string(env.Stage),
			Data: &candleData{
				Open:   env.Candle.Open,
				High:   env.Candle.High,
				Low:    env.Candle.Low,
				Close:  env.Candle.Close,
				Volume: env.Candle.Volume,
				Start:  env.Candle.Start.UnixMilli(),
				End:    env.Candle.End.UnixMilli(),
			},
			Timestamp: now,
		}
	default:
		return wireEnvelope{
			Type:      "backend_error",
			Error:     env.ErrorMessage,
			Timestamp: now,
		}
	}
}

