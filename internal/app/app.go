// Package app wires the bot together and runs its loops: the oracle feed,
// the venue report pump, periodic upkeep, snapshot persistence, the HTTP
// API, metrics, and the Telegram operator.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"basis-vault-bot/internal/alerts"
	"basis-vault-bot/internal/api"
	"basis-vault-bot/internal/config"
	"basis-vault-bot/internal/hedge"
	"basis-vault-bot/internal/ledger"
	"basis-vault-bot/internal/metrics"
	"basis-vault-bot/internal/oracle"
	"basis-vault-bot/internal/spot"
	"basis-vault-bot/internal/state"
	"basis-vault-bot/internal/state/sqlite"
	"basis-vault-bot/internal/strategy"
	"basis-vault-bot/internal/timescale"
	"basis-vault-bot/internal/venue"
)

// maxUpkeepSteps bounds one upkeep tick so a pathological decision loop
// cannot spin forever.
const maxUpkeepSteps = 8

type App struct {
	cfg   *config.Config
	log   *zap.Logger
	store state.Store

	table  *oracle.Table
	feed   *oracle.Feed
	vault  *ledger.Vault
	spot   *spot.Manager
	hedge  *hedge.Manager
	ctrl   *strategy.Controller
	sim    *venue.Sim
	rest   *venue.RestClient
	mets   *metrics.Metrics
	alerts *alerts.Telegram
	tsdb   *timescale.Writer

	opMu           sync.Mutex
	pausedAlerted  bool
	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	a.store = store

	a.table = oracle.NewTable(log.Named("oracle"))
	if cfg.Oracle.FeedURL != "" {
		a.feed = oracle.NewFeed(cfg.Oracle.FeedURL, cfg.Oracle.ReconnectDelay, cfg.Oracle.PingInterval, a.table, log.Named("oracle_feed"))
		a.feed.Subscribe(cfg.Strategy.Asset, cfg.Strategy.Product)
	}

	var hedgeVenue venue.Venue
	switch cfg.Venue.Mode {
	case "rest":
		a.rest = venue.NewRestClient(cfg.Venue.BaseURL, cfg.Venue.Timeout, cfg.Venue.PollInterval, cfg.Venue.Market, log.Named("venue"))
		hedgeVenue = a.rest
	default:
		// Paper-trading minimums; real bounds come from Bootstrap in
		// rest mode.
		a.sim = venue.NewSim(
			decimal.RequireFromString("0.001"),
			decimal.NewFromInt(10),
			log.Named("venue_sim"),
		)
		hedgeVenue = a.sim
	}

	a.hedge = hedge.NewManager(hedge.Config{
		Market:           cfg.Venue.Market,
		Asset:            cfg.Strategy.Asset,
		Product:          cfg.Strategy.Product,
		KeepFeeThreshold: cfg.Strategy.KeepFeeThreshold,
	}, hedgeVenue, a.table, log.Named("hedge"))

	executor := spot.NewRetryExecutor(
		spot.NewOracleExecutor(a.table, 5),
		3, 500*time.Millisecond, log.Named("spot_exec"),
	)
	a.spot = spot.NewManager(executor, cfg.Strategy.Asset, cfg.Strategy.Product, log.Named("spot"))

	a.vault = ledger.New(nil, log.Named("ledger"))

	if cfg.Metrics.Enabled {
		a.mets = metrics.New(prometheus.DefaultRegisterer)
	}

	a.ctrl = strategy.New(strategy.Params{
		Asset:                      cfg.Strategy.Asset,
		Product:                    cfg.Strategy.Product,
		TargetLeverage:             cfg.Strategy.TargetLeverage,
		MinLeverage:                cfg.Strategy.MinLeverage,
		MaxLeverage:                cfg.Strategy.MaxLeverage,
		SafeMarginLeverage:         cfg.Strategy.SafeMarginLeverage,
		ResponseDeviationThreshold: cfg.Strategy.ResponseDeviationThreshold,
		HedgeDeviationThreshold:    cfg.Strategy.HedgeDeviationThreshold,
		LeverageSettleThreshold:    cfg.Strategy.LeverageSettleThreshold,
	}, a.vault, a.spot, a.hedge, a.table, a.mets, log.Named("strategy"))

	a.vault.SetValuer(a.ctrl)
	a.spot.SetCallbacks(a.ctrl)
	a.hedge.SetCallbacks(a.ctrl)
	if a.sim != nil {
		a.sim.SetHandler(a.hedge)
	}

	a.alerts = alerts.NewTelegram(cfg.Telegram, log.Named("alerts"))

	tsdb, err := timescale.New(cfg.Timescale, log.Named("timescale"))
	if err != nil {
		return nil, fmt.Errorf("open timescale: %w", err)
	}
	a.tsdb = tsdb

	return a, nil
}

// Run starts all loops and blocks until ctx is cancelled or a fatal
// component error occurs.
func (a *App) Run(ctx context.Context) error {
	snap, ok, err := state.LoadControllerSnapshot(ctx, a.store)
	if err != nil {
		return fmt.Errorf("load controller snapshot: %w", err)
	}
	if ok {
		a.ctrl.Restore(snap)
	}

	if a.rest != nil {
		if err := a.rest.Bootstrap(ctx); err != nil {
			return fmt.Errorf("venue bootstrap: %w", err)
		}
	}

	group, ctx := errgroup.WithContext(ctx)

	if a.feed != nil {
		group.Go(func() error { return a.feed.Run(ctx) })
	}
	if a.rest != nil {
		group.Go(func() error { return a.rest.Run(ctx, a.hedge) })
	}
	if a.sim != nil {
		group.Go(func() error { return a.simPumpLoop(ctx) })
	}
	group.Go(func() error { return a.upkeepLoop(ctx) })
	group.Go(func() error { return a.snapshotLoop(ctx) })

	if a.cfg.API.Enabled {
		server := api.NewServer(a.ctrl, a.vault, a.hedge, a.spot, a.log.Named("api"))
		group.Go(func() error { return server.Run(ctx, a.cfg.API.Listen) })
	}
	if a.cfg.Metrics.Enabled {
		group.Go(func() error { return a.serveMetrics(ctx) })
	}
	if a.tsdb != nil {
		a.tsdb.Start(ctx)
	}
	a.startOperator(ctx)

	a.log.Info("bot running",
		zap.String("asset", a.cfg.Strategy.Asset),
		zap.String("product", a.cfg.Strategy.Product),
		zap.String("venue_mode", a.cfg.Venue.Mode))

	err = group.Wait()
	a.persistSnapshot(context.Background())
	return err
}

func (a *App) Close() {
	if a.tsdb != nil {
		_ = a.tsdb.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// upkeepLoop runs maintenance on a fixed cadence, taking every step the
// controller asks for up to the per-tick bound.
func (a *App) upkeepLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Strategy.UpkeepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for i := 0; i < maxUpkeepSteps; i++ {
			action, err := a.ctrl.PerformUpkeep(ctx)
			if err != nil {
				a.log.Warn("upkeep step failed", zap.String("action", string(action)), zap.Error(err))
				a.notify(ctx, fmt.Sprintf("upkeep %s failed: %v", action, err))
				break
			}
			if action == strategy.UpkeepNone {
				break
			}
			a.log.Info("upkeep step", zap.String("action", string(action)))
			if a.sim != nil {
				if err := a.sim.ExecuteAll(ctx); err != nil {
					a.log.Warn("sim pump failed", zap.Error(err))
					break
				}
			}
		}
		a.ctrl.RecordMetrics()
		a.alertIfPaused(ctx)
	}
}

// simPumpLoop delivers queued paper-trading executions shortly after
// submission, standing in for the live venue's asynchronous fills.
func (a *App) simPumpLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if a.sim.PendingCount() == 0 {
			continue
		}
		if err := a.sim.ExecuteAll(ctx); err != nil {
			a.log.Warn("sim pump failed", zap.Error(err))
		}
	}
}

func (a *App) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Strategy.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		a.persistSnapshot(ctx)
		a.enqueueTimescaleSnapshot()
	}
}

func (a *App) persistSnapshot(ctx context.Context) {
	if err := state.SaveControllerSnapshot(ctx, a.store, a.ctrl.Snapshot()); err != nil {
		a.log.Warn("snapshot persist failed", zap.Error(err))
	}
}

func (a *App) enqueueTimescaleSnapshot() {
	if a.tsdb == nil {
		return
	}
	price, err := a.table.Price(a.cfg.Strategy.Product)
	if err != nil {
		price = decimal.Zero
	}
	a.tsdb.Enqueue(timescale.StrategySnapshot{
		Time:            time.Now().UTC(),
		Status:          string(a.ctrl.Status()),
		Paused:          a.ctrl.IsPaused(),
		Asset:           a.cfg.Strategy.Asset,
		Product:         a.cfg.Strategy.Product,
		OraclePrice:     price.InexactFloat64(),
		SpotExposure:    a.spot.Exposure().InexactFloat64(),
		HedgeSize:       a.hedge.PositionSizeInTokens().InexactFloat64(),
		HedgeCollateral: a.hedge.Collateral().InexactFloat64(),
		HedgeNetBalance: a.hedge.PositionNetBalance().InexactFloat64(),
		Leverage:        a.hedge.CurrentLeverage().InexactFloat64(),
		IdleAssets:      a.vault.IdleAssets().InexactFloat64(),
		TotalAssets:     a.vault.TotalAssets().InexactFloat64(),
		TotalShares:     a.vault.TotalSupply().InexactFloat64(),
		PendingWithdraw: a.vault.TotalPendingWithdraw().InexactFloat64(),
	})
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// alertIfPaused sends one notification per pause transition.
func (a *App) alertIfPaused(ctx context.Context) {
	a.opMu.Lock()
	warned := a.pausedAlerted
	paused := a.ctrl.IsPaused()
	a.pausedAlerted = paused
	a.opMu.Unlock()
	if paused && !warned {
		a.notify(ctx, "strategy paused: execution deviation or operator action, manual resume required")
	}
}

func (a *App) notify(ctx context.Context, message string) {
	if a.alerts == nil || !a.alerts.Enabled() {
		return
	}
	if err := a.alerts.Send(ctx, message); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}
