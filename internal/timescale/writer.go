// Package timescale persists periodic strategy snapshots to a
// TimescaleDB/Postgres instance for offline analysis. Writes are buffered
// and best-effort: a full queue drops snapshots rather than stalling the
// control loop.
package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"basis-vault-bot/internal/config"
)

const writeTimeout = 3 * time.Second

// StrategySnapshot is one row of the strategy_snapshots hypertable.
type StrategySnapshot struct {
	Time            time.Time
	Status          string
	Paused          bool
	Asset           string
	Product         string
	OraclePrice     float64
	SpotExposure    float64
	HedgeSize       float64
	HedgeCollateral float64
	HedgeNetBalance float64
	Leverage        float64
	IdleAssets      float64
	TotalAssets     float64
	TotalShares     float64
	PendingWithdraw float64
}

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	snapshots chan StrategySnapshot
	started   atomic.Bool
	dropped   atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		snapshots: make(chan StrategySnapshot, 256),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
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

func (w *Writer) Enqueue(snapshot StrategySnapshot) {
	if w == nil {
		return
	}
	select {
	case w.snapshots <- snapshot:
	default:
		if w.dropped.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale snapshot queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.snapshots:
			w.write(ctx, snap)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		paused BOOLEAN NOT NULL,
		asset TEXT NOT NULL,
		product TEXT NOT NULL,
		oracle_price DOUBLE PRECISION NOT NULL,
		spot_exposure DOUBLE PRECISION NOT NULL,
		hedge_size DOUBLE PRECISION NOT NULL,
		hedge_collateral DOUBLE PRECISION NOT NULL,
		hedge_net_balance DOUBLE PRECISION NOT NULL,
		leverage DOUBLE PRECISION NOT NULL,
		idle_assets DOUBLE PRECISION NOT NULL,
		total_assets DOUBLE PRECISION NOT NULL,
		total_shares DOUBLE PRECISION NOT NULL,
		pending_withdraw DOUBLE PRECISION NOT NULL
	)`, w.table("strategy_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("strategy_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("timescale hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) write(ctx context.Context, snap StrategySnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, status, paused, asset, product, oracle_price, spot_exposure, hedge_size,
		hedge_collateral, hedge_net_balance, leverage, idle_assets, total_assets,
		total_shares, pending_withdraw
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
	)`, w.table("strategy_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.Status,
		snap.Paused,
		snap.Asset,
		snap.Product,
		snap.OraclePrice,
		snap.SpotExposure,
		snap.HedgeSize,
		snap.HedgeCollateral,
		snap.HedgeNetBalance,
		snap.Leverage,
		snap.IdleAssets,
		snap.TotalAssets,
		snap.TotalShares,
		snap.PendingWithdraw,
	); err != nil && w.log != nil {
		w.log.Warn("timescale snapshot insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
