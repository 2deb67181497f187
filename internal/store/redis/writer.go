// Package redis adapts the teacher's Redis Streams + PubSub writer/reader
// to the generalized (symbol, timeframe) Candle/IndicatorResult/Decision
// model (C3, C6, C9). The pipelined XADD+SET+PUBLISH write shape and the
// ping-on-construct client lifecycle are kept from the teacher's
// writer.go/reader.go; the 1s-only stream layout, consumer-group replay,
// PEL reclaim, and indicator-snapshot restore machinery are dropped — they
// existed to serve the always-on streaming indicator engine deleted in
// favor of per-request BaselineIndicators (DESIGN.md). In their place this
// package adds an Envelope relay: the same PUBLISH primitive, repointed at
// the C4 bus's Envelope type, is what carries live ticks/candles from the
// ingest process (cmd/mdengine) to any other process (cmd/api_gateway)
// fanning them out to WebSocket subscribers.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"marketsynth/internal/marketdata/bus"
	"marketsynth/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultLatestTTL = 10 * time.Minute
	streamMaxLen     = 10_000

	// envelopeChannel is the single Redis Pub/Sub channel the live bus relay
	// uses to move Envelopes between processes (spec §4.3/§6.2 cross-process
	// delivery). One channel keeps ordering simple; subscribers filter
	// locally the same way an in-process bus.Subscriber does.
	envelopeChannel = "marketsynth:bus:envelopes"
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer writes closed candles and indicator batches to Redis, and relays
// bus Envelopes to other processes over Pub/Sub.
type Writer struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client}, nil
}

// Run reads closed candles from candleCh and writes them to Redis. It
// satisfies model.CandleWriter. Blocks until ctx is cancelled or candleCh
// closes.
func (w *Writer) Run(ctx context.Context, candleCh <-chan model.Candle) {
	for {
		select {
		case <-ctx.Done():
			return
		case candle, ok := <-candleCh:
			if !ok {
				return
			}
			w.writeCandle(ctx, candle)
		}
	}
}

// writeCandle performs a pipelined SET-latest + XADD + PUBLISH for one
// closed candle.
func (w *Writer) writeCandle(ctx context.Context, candle model.Candle) {
	latestKey := fmt.Sprintf("candle:latest:%s:%s:%s", candle.Exchange, candle.Token, candle.Timeframe)
	streamKey := fmt.Sprintf("candle:%s:%s:%s", candle.Exchange, candle.Token, candle.Timeframe)
	pubsubCh := fmt.Sprintf("pub:candle:%s:%s:%s", candle.Exchange, candle.Token, candle.Timeframe)
	jsonData := string(candle.JSON())

	pipe := w.client.Pipeline()
	pipe.Set(ctx, latestKey, jsonData, defaultLatestTTL)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Publish(ctx, pubsubCh, jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] pipeline error for %s: %v", candle.Key(), err)
	}
}

// WriteIndicatorBatch writes multiple indicator results in a single Redis
// pipeline (SET-latest + PUBLISH). It satisfies model.IndicatorWriter.
func (w *Writer) WriteIndicatorBatch(ctx context.Context, results []model.IndicatorResult) {
	if len(results) == 0 {
		return
	}

	pipe := w.client.Pipeline()
	for i := range results {
		ind := &results[i]
		if !ind.Ready && !ind.Live {
			continue
		}
		jsonData := string(ind.JSON())
		pubsubCh := "pub:ind:" + ind.Name + ":" + ind.Exchange + ":" + ind.Symbol + ":" + ind.Timeframe

		if ind.Live {
			pipe.Publish(ctx, pubsubCh, jsonData)
			continue
		}

		latestKey := "ind:" + ind.Name + ":latest:" + ind.Exchange + ":" + ind.Symbol + ":" + ind.Timeframe
		pipe.Set(ctx, latestKey, jsonData, defaultLatestTTL)
		pipe.Publish(ctx, pubsubCh, jsonData)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] indicator batch pipeline error (%d results): %v", len(results), err)
	}
}

// PublishEnvelope relays one bus.Envelope to every other process subscribed
// via SubscribeEnvelopes. This is the cross-process leg of C4's fan-out: the
// in-process bus.Bus still does local subscriber delivery; this is how a
// second process (e.g. cmd/api_gateway) sees the same stream of ticks and
// candles produced by cmd/mdengine.
func (w *Writer) PublishEnvelope(ctx context.Context, env bus.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return w.client.Publish(ctx, envelopeChannel, data).Err()
}

// RunEnvelopeRelay drains envelopes from in (the local bus's publish feed)
// and relays each to Redis. Blocks until ctx is cancelled or in closes.
func (w *Writer) RunEnvelopeRelay(ctx context.Context, in <-chan bus.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			if err := w.PublishEnvelope(ctx, env); err != nil {
				log.Printf("[redis] envelope relay publish error: %v", err)
			}
		}
	}
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}

// DecisionWriter persists Decision records to Redis (latest-by-symbol key
// plus a Pub/Sub notification) and satisfies model.DecisionWriter. Kept
// distinct from Writer for the same reason sqlite.DecisionWriter is: two
// "Run" methods over different channel element types cannot live on one
// struct under Go's single-method-per-name rule.
type DecisionWriter struct {
	client *goredis.Client
}

// NewDecisionWriter builds a DecisionWriter sharing no connection with
// Writer — decisions are written from the gateway process, candles from the
// ingest process, so each gets its own client lifecycle.
func NewDecisionWriter(cfg WriterConfig) (*DecisionWriter, error) {
	client := goredis.NewClient(&goredis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &DecisionWriter{client: client}, nil
}

// Run drains decisionCh, writing a latest-by-symbol key and publishing a
// notification for each Decision produced.
func (dw *DecisionWriter) Run(ctx context.Context, decisionCh <-chan model.Decision) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-decisionCh:
			if !ok {
				return
			}
			dw.write(ctx, d)
		}
	}
}

func (dw *DecisionWriter) write(ctx context.Context, d model.Decision) {
	data, err := json.Marshal(d)
	if err != nil {
		log.Printf("[redis] decision marshal error: %v", err)
		return
	}
	latestKey := "decision:latest:" + d.Symbol
	pubsubCh := "pub:decision:" + d.Symbol

	pipe := dw.client.Pipeline()
	pipe.Set(ctx, latestKey, data, 24*time.Hour)
	pipe.Publish(ctx, pubsubCh, data)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] decision pipeline error for %s: %v", d.Symbol, err)
	}
}

// Close closes the Redis client.
func (dw *DecisionWriter) Close() error {
	return dw.client.Close()
}
