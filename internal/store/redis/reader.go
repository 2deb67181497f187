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

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr     string
	Password string
	DB       int
}

// Reader provides read access to closed candles persisted by Writer, and
// subscribes to the cross-process Envelope relay. It satisfies
// model.CandleReader; Decision reads go through DecisionReader.
type Reader struct {
	client *goredis.Client
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
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

	log.Printf("[redis-reader] connected to %s", cfg.Addr)
	return &Reader{client: client}, nil
}

// ReadCandles reads closed candles from the Redis stream for one
// (exchange, symbol, timeframe), after afterUnixMs, ordered ascending.
func (r *Reader) ReadCandles(exchange, symbol, timeframe string, afterUnixMs int64) ([]model.Candle, error) {
	streamKey := fmt.Sprintf("candle:%s:%s:%s", exchange, symbol, timeframe)
	startID := "(" + fmt.Sprintf("%d-0", afterUnixMs)
	if afterUnixMs <= 0 {
		startID = "-"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgs, err := r.client.XRange(ctx, streamKey, startID, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("redis xrange %s: %w", streamKey, err)
	}

	candles := make([]model.Candle, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var c model.Candle
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			log.Printf("[redis-reader] unmarshal candle error on %s: %v", streamKey, err)
			continue
		}
		if c.Start.UnixMilli() <= afterUnixMs {
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// SubscribeEnvelopes subscribes to the cross-process Envelope relay
// (Writer.PublishEnvelope) and forwards each decoded Envelope to out.
// Blocks until ctx is cancelled. Malformed payloads are dropped, not fatal.
func (r *Reader) SubscribeEnvelopes(ctx context.Context, out chan<- bus.Envelope) error {
	pubsub := r.client.Subscribe(ctx, envelopeChannel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", envelopeChannel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env bus.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("[redis-reader] unmarshal envelope error: %v", err)
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}

// DecisionReader reads the latest persisted Decision per symbol from Redis.
// It satisfies model.DecisionReader.
type DecisionReader struct {
	client *goredis.Client
}

// NewDecisionReader creates a new Redis DecisionReader and pings the server.
func NewDecisionReader(cfg ReaderConfig) (*DecisionReader, error) {
	client := goredis.NewClient(&goredis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &DecisionReader{client: client}, nil
}

// LatestDecision returns the most recently written Decision for symbol, or
// nil if none has been written yet. exchange is accepted for interface
// symmetry; the latest-by-symbol key is not currently partitioned by
// exchange (see sqlite.DecisionReader for the same limitation).
func (dr *DecisionReader) LatestDecision(symbol, exchange string) (*model.Decision, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := dr.client.Get(ctx, "decision:latest:"+symbol).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get decision: %w", err)
	}

	var d model.Decision
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("unmarshal decision: %w", err)
	}
	return &d, nil
}

// Close closes the Redis client.
func (dr *DecisionReader) Close() error {
	return dr.client.Close()
}
