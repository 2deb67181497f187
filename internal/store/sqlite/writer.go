// Package sqlite implements the durable cold-storage side of C1-C11's
// persistence boundary: a single-writer, batched-transaction SQLite sink for
// closed candles across every timeframe, and a small sink for persisted
// Decision records (spec §6.4). Adapted from the teacher's candles_1s/
// candles_tf batching writer — the same prepare-once/transaction-per-flush
// shape, generalized from a fixed 1s-plus-TF-int schema onto the single
// (exchange, symbol, timeframe, start) Candle model this engine uses
// everywhere else, and with the always-on indicator-engine snapshot table
// dropped (per-request BaselineIndicators needs no restart snapshot).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"marketsynth/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/candles.db"
}

// Writer is a single-goroutine SQLite writer with transaction batching.
// It satisfies model.CandleWriter.
type Writer struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks and for constructing a
// DecisionWriter sharing the same connection pool.
func (w *Writer) DB() *sql.DB { return w.db }

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single-writer connection: SQLite serializes writers anyway, and this
	// avoids SQLITE_BUSY churn under the batched-transaction flush pattern.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			exchange   TEXT    NOT NULL,
			symbol     TEXT    NOT NULL,
			timeframe  TEXT    NOT NULL,
			start_ms   INTEGER NOT NULL,
			end_ms     INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL    NOT NULL,
			ticks      INTEGER NOT NULL,
			PRIMARY KEY (exchange, symbol, timeframe, start_ms)
		);

		CREATE TABLE IF NOT EXISTS decisions (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol           TEXT    NOT NULL,
			exchange         TEXT    NOT NULL,
			analysis_type    TEXT    NOT NULL,
			analysis_ts_ms   INTEGER NOT NULL,
			data             TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_decisions_symbol_exchange_ts
			ON decisions (symbol, exchange, analysis_ts_ms DESC);
	`)
	return err
}

// Run reads closed candles from candleCh and inserts them in batched
// transactions, flushing every batchSize candles or every flushDelay,
// whichever comes first. Blocks until ctx is cancelled or candleCh closes.
func (w *Writer) Run(ctx context.Context, candleCh <-chan model.Candle) {
	batch := make([]model.Candle, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.insertBatch(batch); err != nil {
			log.Printf("[sqlite] batch insert error: %v", err)
		} else {
			log.Printf("[sqlite] committed %d candles in %v", len(batch), time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case candle, ok := <-candleCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, candle)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

func (w *Writer) insertBatch(candles []model.Candle) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles
			(exchange, symbol, timeframe, start_ms, end_ms, open, high, low, close, volume, ticks)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.Exec(
			c.Exchange, c.Token, c.Timeframe,
			c.Start.UnixMilli(), c.End.UnixMilli(),
			c.Open, c.High, c.Low, c.Close, c.Volume, c.Ticks,
		)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// GetLastTimestamp returns the last stored candle start time (unix ms) for a
// given instrument/timeframe. Returns 0 if no candles exist.
func (w *Writer) GetLastTimestamp(exchange, symbol, timeframe string) (int64, error) {
	var ts sql.NullInt64
	err := w.db.QueryRow(
		`SELECT MAX(start_ms) FROM candles WHERE exchange = ? AND symbol = ? AND timeframe = ?`,
		exchange, symbol, timeframe,
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}

// DecisionWriter persists Decision records to the decisions table. It
// satisfies model.DecisionWriter. Kept as a separate type sharing the
// Writer's db handle: "Run" writes over channels of different element types,
// which can't both be methods of one struct under Go's single-method-per-name
// rule.
type DecisionWriter struct {
	db *sql.DB
}

// NewDecisionWriter builds a DecisionWriter sharing the candle Writer's
// connection pool (single-writer SQLite gains nothing from a second pool).
func NewDecisionWriter(w *Writer) *DecisionWriter {
	return &DecisionWriter{db: w.db}
}

// Run drains decisionCh, persisting each Decision as JSON. Decisions arrive
// at most once per analysis request, so no batching is warranted here —
// unlike candles, there is no hot-path volume to amortize a transaction over.
func (dw *DecisionWriter) Run(ctx context.Context, decisionCh <-chan model.Decision) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-decisionCh:
			if !ok {
				return
			}
			if err := dw.insert(d); err != nil {
				log.Printf("[sqlite] decision insert error: %v", err)
			}
		}
	}
}

func (dw *DecisionWriter) insert(d model.Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	_, err = dw.db.Exec(
		`INSERT INTO decisions (symbol, exchange, analysis_type, analysis_ts_ms, data) VALUES (?, ?, ?, ?, ?)`,
		d.Symbol, "", "internal", d.Timestamp.UnixMilli(), string(data),
	)
	if err != nil {
		return fmt.Errorf("sqlite insert decision: %w", err)
	}
	return nil
}

// Close closes the database.
func (dw *DecisionWriter) Close() error {
	return dw.db.Close()
}
