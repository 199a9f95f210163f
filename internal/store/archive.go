package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	_ "github.com/mattn/go-sqlite3"

	"hermes-stream/internal/model"
)

const (
	archiveBatchSize  = 100
	archiveFlushDelay = 200 * time.Millisecond
)

// Archive is a single-goroutine SQLite writer keeping the long history of
// completed candles past the Redis retention window. Rows are keyed by
// (product, granularity, open time), so replayed completions overwrite
// instead of duplicating.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens (or creates) the archive database in WAL mode.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("archive open: %w", err)
	}

	// Single writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			product     TEXT    NOT NULL,
			granularity INTEGER NOT NULL,
			open_ts     INTEGER NOT NULL,
			open        REAL    NOT NULL,
			high        REAL    NOT NULL,
			low         REAL    NOT NULL,
			close       REAL    NOT NULL,
			volume      REAL    NOT NULL,
			PRIMARY KEY (product, granularity, open_ts)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive schema: %w", err)
	}

	log.Info().Str("path", path).Msg("candle archive opened")
	return &Archive{db: db}, nil
}

// DB exposes the underlying handle for health checks.
func (a *Archive) DB() *sql.DB { return a.db }

// Run consumes candle events and archives completed ones in batched
// transactions. Flushes every archiveBatchSize rows or archiveFlushDelay,
// whichever comes first. Blocks until ctx is cancelled or events closes.
func (a *Archive) Run(ctx context.Context, events <-chan model.CandleEvent) {
	batch := make([]model.CandleEvent, 0, archiveBatchSize)
	timer := time.NewTimer(archiveFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := a.insertBatch(batch); err != nil {
			log.Error().Err(err).Int("count", len(batch)).Msg("archive batch insert failed")
		} else {
			log.Debug().Int("count", len(batch)).Dur("took", time.Since(start)).Msg("archived candles")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case ev, ok := <-events:
			if !ok {
				flush()
				return
			}
			if ev.Type != model.CandleComplete {
				continue
			}
			batch = append(batch, ev)
			if len(batch) >= archiveBatchSize {
				flush()
				timer.Reset(archiveFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(archiveFlushDelay)
		}
	}
}

func (a *Archive) insertBatch(events []model.CandleEvent) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles (product, granularity, open_ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		c := ev.Candle
		if _, err := stmt.Exec(ev.Product, ev.Granularity, c.OpenTS, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// LastArchivedTS returns the newest archived open time for an instrument,
// 0 when nothing is archived yet.
func (a *Archive) LastArchivedTS(product string, granularity int64) (int64, error) {
	var ts sql.NullInt64
	err := a.db.QueryRow(
		`SELECT MAX(open_ts) FROM candles WHERE product = ? AND granularity = ?`,
		product, granularity,
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// ReadRange returns archived candles with open time in [start, end],
// ascending.
func (a *Archive) ReadRange(product string, granularity, start, end int64) ([]model.Candle, error) {
	rows, err := a.db.Query(`
		SELECT open_ts, open, high, low, close, volume
		FROM candles
		WHERE product = ? AND granularity = ? AND open_ts BETWEEN ? AND ?
		ORDER BY open_ts ASC
	`, product, granularity, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.OpenTS, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close flushes nothing (Run owns batching) and closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
