package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"marketsynth/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to SQLite for backfill and context
// building. It satisfies model.CandleReader.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// ReadCandles reads closed candles for one (exchange, symbol, timeframe)
// after afterUnixMs, ordered ascending by start time.
func (r *Reader) ReadCandles(exchange, symbol, timeframe string, afterUnixMs int64) ([]model.Candle, error) {
	rows, err := r.db.Query(`
		SELECT exchange, symbol, timeframe, start_ms, end_ms, open, high, low, close, volume, ticks
		FROM candles
		WHERE exchange = ? AND symbol = ? AND timeframe = ? AND start_ms > ?
		ORDER BY start_ms ASC
	`, exchange, symbol, timeframe, afterUnixMs)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		var c model.Candle
		var startMs, endMs int64
		if err := rows.Scan(&c.Exchange, &c.Token, &c.Timeframe, &startMs, &endMs, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Ticks); err != nil {
			return nil, fmt.Errorf("sqlite scan candles: %w", err)
		}
		c.Start = time.UnixMilli(startMs).UTC()
		c.End = time.UnixMilli(endMs).UTC()
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}

// DecisionReader reads persisted Decision records. It satisfies
// model.DecisionReader, sharing no state with Reader since candle reads and
// decision reads have independent connection lifecycles in practice (the
// gateway process owns decisions, ingest/backfill owns candles).
type DecisionReader struct {
	db *sql.DB
}

// NewDecisionReader opens a SQLite connection for reading decisions.
func NewDecisionReader(dbPath string) (*DecisionReader, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open decision reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	return &DecisionReader{db: db}, nil
}

// LatestDecision returns the most recently persisted Decision for a symbol,
// or nil if none exists yet. The write-behind Decision (spec §4.10 step 7)
// carries no exchange field of its own, so rows are written with an empty
// exchange and this reader matches on symbol alone; exchange is accepted for
// interface symmetry with the gateway's other per-(symbol,exchange) lookups.
func (dr *DecisionReader) LatestDecision(symbol, exchange string) (*model.Decision, error) {
	var data string
	err := dr.db.QueryRow(`
		SELECT data FROM decisions
		WHERE symbol = ?
		ORDER BY analysis_ts_ms DESC
		LIMIT 1
	`, symbol).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite read decision: %w", err)
	}

	var d model.Decision
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("unmarshal decision: %w", err)
	}
	return &d, nil
}

// Close closes the reader.
func (dr *DecisionReader) Close() error {
	return dr.db.Close()
}
