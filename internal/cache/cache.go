// Package cache implements C5's freshness contract: source_for and
// should_invalidate decisions plus a Redis-backed CachedObject store keyed
// by the TTL table in spec §4.4.
//
// Grounded on the teacher's internal/store/redis connection setup
// (goredis.NewClient + Ping-on-construct) for the client lifecycle; the
// TTL table and source/invalidate decisions are new, since the teacher had
// no notion of live-vs-historical sourcing (it only ever streamed live).
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"marketsynth/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// Source is the decision returned by SourceFor.
type Source string

const (
	SourceLiveFeed   Source = "live"
	SourceHistorical Source = "historical"
)

// ttlTable holds (OPEN, CLOSED) TTLs in seconds per interval, spec §4.4.
var ttlTable = map[string][2]time.Duration{
	"1m":  {60 * time.Second, 3600 * time.Second},
	"5m":  {300 * time.Second, 3600 * time.Second},
	"15m": {900 * time.Second, 3600 * time.Second},
	"1h":  {3600 * time.Second, 7200 * time.Second},
	"1d":  {3600 * time.Second, 86400 * time.Second},
}

// TTLFor returns the recommended TTL for interval under the given market
// status. Falls back to 1h, whatever the market status, for unrecognized
// intervals rather than caching forever.
func TTLFor(interval string, status model.MarketStatus) time.Duration {
	pair, ok := ttlTable[interval]
	if !ok {
		return time.Hour
	}
	if status.IsTradeable() {
		return pair[0]
	}
	return pair[1]
}

// SourceFor decides whether symbol/interval should be served from the live
// feed or from historical storage, with its recommended TTL. The engine
// must keep functioning even when the cache backing SourceFor is empty or
// unreachable (spec §4.4) — this function is pure and never touches Redis.
func SourceFor(status model.MarketStatus, interval string) (Source, time.Duration) {
	ttl := TTLFor(interval, status)
	if status.IsTradeable() {
		return SourceLiveFeed, ttl
	}
	return SourceHistorical, ttl
}

// Store is a thin Redis-backed CachedObject cache. Construction pings the
// server so misconfiguration surfaces at startup rather than mid-request.
type Store struct {
	client *goredis.Client
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

func New(cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	log.Printf("[cache] connected to %s", cfg.Addr)
	return &Store{client: client}, nil
}

// envelope carries the CreatedAt/TTLSeconds/SourceClass metadata alongside
// the raw value, since Redis's own TTL mechanism evicts the key but does
// not hand back when it was written — CachedObject.Expired needs that to
// answer spec §8 property 10 ("a fetch immediately after one within TTL
// returns the same underlying dataset; after TTL, a new fetch is
// performed") without relying solely on Redis returning a miss.
type envelope struct {
	CreatedAt   time.Time         `json:"created_at"`
	TTLSeconds  int               `json:"ttl_seconds"`
	SourceClass model.SourceClass `json:"source_class"`
	Value       []byte            `json:"value"`
}

// Get returns the cached object for key, or (nil, false) on a miss or
// error — a cache miss is never fatal to the caller (spec §4.4).
func (s *Store) Get(ctx context.Context, key string) (*model.CachedObject, bool) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	return &model.CachedObject{
		Key: key, Value: env.Value, CreatedAt: env.CreatedAt,
		TTLSeconds: env.TTLSeconds, SourceClass: env.SourceClass,
	}, true
}

// Put stores value under key with the given TTL and source classification.
// The TTL is applied both as the Redis key's own expiry and recorded in the
// envelope so CachedObject.Expired reflects the same deadline Redis will
// enforce.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration, class model.SourceClass) error {
	env := envelope{CreatedAt: time.Now().UTC(), TTLSeconds: int(ttl.Seconds()), SourceClass: class, Value: value}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cache: encode envelope: %w", err)
	}
	return s.client.Set(ctx, key, raw, ttl).Err()
}

// Invalidate implements should_invalidate: an externally triggered cache
// bust for symbol/interval (e.g. a manual refresh request, spec §4.4).
func (s *Store) Invalidate(ctx context.Context, symbol, interval string) error {
	return s.client.Del(ctx, cacheKey(symbol, interval)).Err()
}

func cacheKey(symbol, interval string) string {
	return "candles:" + symbol + ":" + interval
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
