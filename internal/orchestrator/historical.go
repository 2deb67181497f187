// Package orchestrator implements C11: the end-to-end request coordinator
// that pulls candles via C1 (subject to C5), runs them through C6..C10, and
// produces a persistable Decision artifact (spec §4.10).
package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"marketsynth/internal/model"
	"marketsynth/pkg/smartconnect"
)

// CandleProvider is C1's contract as seen by the orchestrator: fetch
// historical candles for one (exchange, token, interval) window. Kept as
// an interface, not a concrete *smartconnect.SmartConnect dependency, so
// step 1 can be satisfied by a cache hit without ever touching the broker.
type CandleProvider interface {
	FetchCandles(ctx context.Context, exchange, token, symbol, interval string, from, to time.Time) ([]model.Candle, error)
}

// brokerIntervals maps canonical timeframe labels (model.Timeframe) to
// Angel One's historical-data interval enum (spec is silent on broker wire
// format; this follows the original SmartAPI historical candle contract
// the teacher's client.go already speaks).
var brokerIntervals = map[string]string{
	"1m":  "ONE_MINUTE",
	"5m":  "FIVE_MINUTE",
	"15m": "FIFTEEN_MINUTE",
	"30m": "THIRTY_MINUTE",
	"1h":  "ONE_HOUR",
	"1d":  "ONE_DAY",
}

// SmartConnectProvider adapts pkg/smartconnect.SmartConnect.GetCandleData
// to CandleProvider (spec §4.10 step 1).
type SmartConnectProvider struct {
	client *smartconnect.SmartConnect
}

func NewSmartConnectProvider(client *smartconnect.SmartConnect) *SmartConnectProvider {
	return &SmartConnectProvider{client: client}
}

func (p *SmartConnectProvider) FetchCandles(ctx context.Context, exchange, token, symbol, interval string, from, to time.Time) ([]model.Candle, error) {
	brokerInterval, ok := brokerIntervals[interval]
	if !ok {
		return nil, fmt.Errorf("orchestrator: unrecognized interval %q", interval)
	}

	// The underlying client is synchronous HTTP with no context plumbing
	// (teacher never threads ctx through pkg/smartconnect); honor
	// cancellation at this boundary instead so a disconnected caller still
	// unblocks promptly (spec §5).
	type out struct {
		data map[string]any
		err  error
	}
	ch := make(chan out, 1)
	go func() {
		data, err := p.client.GetCandleData(map[string]any{
			"exchange":    exchange,
			"symboltoken": token,
			"interval":    brokerInterval,
			"fromdate":    from.Format("2006-01-02 15:04"),
			"todate":      to.Format("2006-01-02 15:04"),
		})
		ch <- out{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-ch:
		if o.err != nil {
			return nil, fmt.Errorf("orchestrator: fetch candles: %w", o.err)
		}
		return parseCandleData(o.data, token, exchange, interval)
	}
}

// parseCandleData converts Angel One's historical candle response
// (rows of [timestamp, open, high, low, close, volume]) into model.Candle.
func parseCandleData(resp map[string]any, token, exchange, interval string) ([]model.Candle, error) {
	raw, ok := resp["data"].([]any)
	if !ok {
		return nil, fmt.Errorf("orchestrator: unexpected candle response shape: %v", resp)
	}
	tf, err := model.ParseTimeframe(interval)
	if err != nil {
		return nil, err
	}

	candles := make([]model.Candle, 0, len(raw))
	for _, row := range raw {
		cols, ok := row.([]any)
		if !ok || len(cols) < 6 {
			continue
		}
		ts, err := parseBrokerTime(cols[0])
		if err != nil {
			continue
		}
		c := model.Candle{
			Token:     token,
			Exchange:  exchange,
			Timeframe: interval,
			Start:     ts,
			End:       ts.Add(tf.Duration),
			Open:      toFloat(cols[1]),
			High:      toFloat(cols[2]),
			Low:       toFloat(cols[3]),
			Close:     toFloat(cols[4]),
			Volume:    toFloat(cols[5]),
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func parseBrokerTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("orchestrator: candle timestamp not a string: %v", v)
	}
	return time.Parse("2006-01-02T15:04:05-07:00", s)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}
