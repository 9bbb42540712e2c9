// Package timescale persists funding observations and hedge outcomes to a
// Timescale/Postgres database for offline analysis. It never blocks the
// engine: writes are enqueued on a bounded channel and flushed by a single
// background goroutine, and a full queue drops the incoming row rather than
// applying backpressure to a caller. The funding queue logs a warning on its
// first drop only; the hedge queue logs every drop.
package timescale

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"hedge-engine/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// FundingRow is one (venue, symbol, observed_at) funding reading.
type FundingRow struct {
	Venue      string
	Symbol     string
	Rate       float64
	ObservedAt time.Time
}

// HedgeRow is a terminal hedge outcome (closed, failed, or close_failed).
type HedgeRow struct {
	Key         string
	Symbol      string
	LongVenue   string
	ShortVenue  string
	State       string
	Size        float64
	RealizedPnl float64
	CloseReason string
	OpenedAt    time.Time
	ClosedAt    time.Time
}

type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	funding chan FundingRow
	hedges  chan HedgeRow
	started atomic.Bool
	dropped atomic.Uint64
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled || strings.TrimSpace(cfg.DSN) == "" {
		return nil, nil
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	w := &Writer{
		db:      db,
		log:     log,
		funding: make(chan FundingRow, 512),
		hedges:  make(chan HedgeRow, 128),
	}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueFunding(row FundingRow) {
	if w == nil {
		return
	}
	select {
	case w.funding <- row:
	default:
		if w.dropped.Add(1) == 1 {
			w.log.Warn("timescale: funding queue full, dropping rows")
		}
	}
}

func (w *Writer) EnqueueHedge(row HedgeRow) {
	if w == nil {
		return
	}
	select {
	case w.hedges <- row:
	default:
		w.log.Warn("timescale: hedge queue full, dropping row", zap.String("key", row.Key))
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case row := <-w.funding:
			w.writeFunding(ctx, row)
		case row := <-w.hedges:
			w.writeHedge(ctx, row)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if err := w.exec(ctx, `CREATE TABLE IF NOT EXISTS funding_observations (
		observed_at TIMESTAMPTZ NOT NULL,
		venue TEXT NOT NULL,
		symbol TEXT NOT NULL,
		rate DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (observed_at, venue, symbol)
	)`); err != nil {
		return err
	}
	if err := w.exec(ctx, `CREATE TABLE IF NOT EXISTS hedge_outcomes (
		key TEXT NOT NULL,
		symbol TEXT NOT NULL,
		long_venue TEXT NOT NULL,
		short_venue TEXT NOT NULL,
		state TEXT NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		close_reason TEXT NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (key, closed_at)
	)`); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale: extension ensure failed, continuing without hypertables", zap.Error(err))
		return nil
	}
	if err := w.exec(ctx, "SELECT create_hypertable('funding_observations', 'observed_at', if_not_exists => TRUE)"); err != nil {
		w.log.Warn("timescale: funding_observations hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeFunding(ctx context.Context, row FundingRow) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, `INSERT INTO funding_observations (observed_at, venue, symbol, rate)
		VALUES ($1,$2,$3,$4) ON CONFLICT (observed_at, venue, symbol) DO NOTHING`,
		row.ObservedAt, row.Venue, row.Symbol, row.Rate)
	if err != nil {
		w.log.Warn("timescale: funding insert failed", zap.Error(err))
	}
}

func (w *Writer) writeHedge(ctx context.Context, row HedgeRow) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, `INSERT INTO hedge_outcomes (
		key, symbol, long_venue, short_venue, state, size, realized_pnl, close_reason, opened_at, closed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		row.Key, row.Symbol, row.LongVenue, row.ShortVenue, row.State, row.Size, row.RealizedPnl, row.CloseReason, row.OpenedAt, row.ClosedAt)
	if err != nil {
		w.log.Warn("timescale: hedge outcome insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}
