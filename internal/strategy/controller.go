package strategy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"basis-vault-bot/internal/fixmath"
	"basis-vault-bot/internal/hedge"
	"basis-vault-bot/internal/metrics"
	"basis-vault-bot/internal/oracle"
	"basis-vault-bot/internal/state"
)

var (
	ErrPaused            = errors.New("controller is paused")
	ErrStatusNotIdle     = errors.New("controller status is not idle")
	ErrHedgeOrderPending = errors.New("a hedge order is pending")
	ErrAmountOutOfRange  = errors.New("amount outside allowed range")
)

// hedgeRequest remembers what was asked of the hedge manager so the
// executed outcome can be reconciled against it.
type hedgeRequest struct {
	kind         UpkeepAction
	size         decimal.Decimal
	collateral   decimal.Decimal
	ledgerFunded decimal.Decimal
	isIncrease   bool
}

// Controller sequences utilization and deutilization cycles and the
// maintenance actions between them. Exactly one cycle runs at a time;
// everything asynchronous funnels back through the spot and hedge
// callbacks.
//
// Lock discipline: the controller mutex is never held across a call into
// the spot or hedge manager, because both can call back synchronously.
type Controller struct {
	params  Params
	ledger  Ledger
	spot    SpotManager
	hedge   HedgeManager
	oracle  oracle.Oracle
	metrics *metrics.Metrics
	log     *zap.Logger

	mu                      sync.Mutex
	status                  Status
	paused                  bool
	stopped                 bool
	processingRebalanceDown bool
	finalDeutilization      bool
	emergencySell           bool
	lastReq                 hedgeRequest
}

func New(params Params, ledger Ledger, spot SpotManager, hedge HedgeManager, o oracle.Oracle, m *metrics.Metrics, log *zap.Logger) *Controller {
	return &Controller{
		params:  params,
		ledger:  ledger,
		spot:    spot,
		hedge:   hedge,
		oracle:  o,
		metrics: m,
		log:     log,
		status:  StatusIdle,
	}
}

// Utilize deploys idle vault capital: amount is spent on spot exposure
// and amount/targetLeverage is earmarked as hedge collateral.
func (c *Controller) Utilize(ctx context.Context, amount decimal.Decimal) error {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	pending := c.pendingUtilizationLocked()
	if !amount.IsPositive() || amount.GreaterThan(pending) {
		c.mu.Unlock()
		return ErrAmountOutOfRange
	}
	return c.utilizeLocked(ctx, amount)
}

// utilizeLocked starts a utilization cycle. Enters holding c.mu, returns
// with it released.
func (c *Controller) utilizeLocked(ctx context.Context, amount decimal.Decimal) error {
	collateral := amount.Div(c.params.TargetLeverage)
	total := amount.Add(collateral)
	if err := c.ledger.Allocate(total); err != nil {
		c.mu.Unlock()
		return err
	}
	c.status = StatusUtilizing
	c.lastReq = hedgeRequest{kind: UpkeepUtilize, collateral: collateral, ledgerFunded: collateral, isIncrease: true}
	c.mu.Unlock()

	c.log.Info("utilization started",
		zap.String("spot_amount", amount.String()),
		zap.String("hedge_collateral", collateral.String()))
	if err := c.spot.Buy(ctx, amount); err != nil {
		c.mu.Lock()
		c.ledger.Credit(total)
		c.status = StatusIdle
		c.mu.Unlock()
		return err
	}
	return nil
}

// Deutilize winds down product exposure. Amount is clamped to the venue
// minimum and the pending deutilization; the freed assets service queued
// withdrawals first.
func (c *Controller) Deutilize(ctx context.Context, amount decimal.Decimal) error {
	c.mu.Lock()
	if err := c.readyLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	pending := c.pendingDeutilizationLocked()
	minSize := c.hedge.MinSizeTokens()
	if pending.LessThan(minSize) || !amount.IsPositive() {
		c.mu.Unlock()
		return ErrAmountOutOfRange
	}
	amount = fixmath.Clamp(amount, minSize, pending)
	return c.deutilizeLocked(ctx, amount)
}

// deutilizeLocked starts a deutilization cycle. Enters holding c.mu,
// returns with it released.
func (c *Controller) deutilizeLocked(ctx context.Context, amount decimal.Decimal) error {
	if amount.Equal(c.spot.Exposure()) {
		c.status = StatusAwaitingFinalDeutilization
		c.finalDeutilization = true
	} else {
		c.status = StatusDeutilizing
	}
	c.mu.Unlock()

	c.log.Info("deutilization started", zap.String("product_amount", amount.String()))
	if err := c.spot.Sell(ctx, amount); err != nil {
		c.mu.Lock()
		c.status = StatusIdle
		c.finalDeutilization = false
		c.mu.Unlock()
		return err
	}
	return nil
}

// OnBuyComplete pairs a finished spot buy with the hedge increase.
func (c *Controller) OnBuyComplete(ctx context.Context, assetSpent, productBought decimal.Decimal) {
	c.mu.Lock()
	if c.status != StatusUtilizing {
		c.mu.Unlock()
		c.log.Warn("buy completion outside utilization ignored",
			zap.String("asset_spent", assetSpent.String()))
		return
	}
	req := c.lastReq
	req.size = productBought
	c.lastReq = req
	c.mu.Unlock()

	if err := c.hedge.AdjustPosition(ctx, productBought, req.collateral, true); err != nil {
		c.log.Error("hedge increase failed after spot buy, pausing", zap.Error(err))
		c.metrics.IncDeviationFlag()
		c.mu.Lock()
		c.ledger.Credit(req.collateral)
		c.status = StatusIdle
		c.paused = true
		c.mu.Unlock()
	}
}

// OnSellComplete pairs a finished spot sell with the matching hedge
// decrease, or settles a compensation sell.
func (c *Controller) OnSellComplete(ctx context.Context, assetReceived, productSold decimal.Decimal) {
	c.mu.Lock()
	switch c.status {
	case StatusKeeping:
		// Compensation sell: unmatched spot from a shortfall, returned
		// to the vault.
		c.ledger.Credit(assetReceived)
		c.status = StatusIdle
		c.mu.Unlock()
		return
	case StatusDeutilizing, StatusAwaitingFinalDeutilization:
	default:
		c.mu.Unlock()
		c.log.Warn("sell completion outside deutilization ignored",
			zap.String("asset_received", assetReceived.String()))
		return
	}

	c.ledger.Credit(assetReceived)

	size := c.hedge.PositionSizeInTokens()
	if !size.IsPositive() {
		c.status = StatusIdle
		c.finalDeutilization = false
		c.emergencySell = false
		processed := c.ledger.ProcessPendingWithdrawRequests()
		c.mu.Unlock()
		if processed.IsPositive() {
			c.metrics.IncWithdrawalsProcessed()
		}
		return
	}

	sizeDelta := fixmath.Min(productSold, size)
	var collateral decimal.Decimal
	switch {
	case c.emergencySell:
		// Deleveraging: cut size, keep collateral in place.
		collateral = decimal.Zero
	case c.spot.Exposure().IsZero():
		sizeDelta = size
		collateral = c.hedge.Collateral()
	case c.finalDeutilization:
		collateral = fixmath.SatSub(c.ledger.TotalPendingWithdraw(), c.ledger.IdleAssets())
	default:
		collateral = fixmath.MulDiv(c.hedge.PositionNetBalance(), productSold, size)
	}
	kind := UpkeepDeutilize
	if c.emergencySell {
		kind = UpkeepEmergencyDeleverage
	}
	c.lastReq = hedgeRequest{kind: kind, size: sizeDelta, collateral: collateral, isIncrease: false}
	c.mu.Unlock()

	if err := c.hedge.AdjustPosition(ctx, sizeDelta, collateral, false); err != nil {
		c.log.Error("hedge decrease failed after spot sell, pausing", zap.Error(err))
		c.metrics.IncDeviationFlag()
		c.mu.Lock()
		c.status = StatusIdle
		c.finalDeutilization = false
		c.emergencySell = false
		c.paused = true
		c.mu.Unlock()
	}
}

// AfterAdjustPosition reconciles a hedge execution against what was
// requested. Material deviation pauses the strategy; a size shortfall on
// an increase additionally sells back the unmatched spot exposure.
// Resuming is always an operator decision.
func (c *Controller) AfterAdjustPosition(ctx context.Context, result hedge.AdjustResult) {
	c.mu.Lock()
	req := c.lastReq

	if result.Cancelled {
		c.log.Warn("hedge adjustment cancelled, pausing",
			zap.String("kind", string(req.kind)))
		if result.IsIncrease && req.ledgerFunded.IsPositive() {
			c.ledger.Credit(req.ledgerFunded)
		}
		c.paused = true
		c.status = StatusIdle
		c.finalDeutilization = false
		c.emergencySell = false
		c.mu.Unlock()
		c.metrics.IncDeviationFlag()
		return
	}

	sizeDev := fixmath.Deviation(result.SizeDelta, req.size)
	collateralDev := fixmath.Deviation(result.CollateralDelta, req.collateral)
	material := sizeDev.GreaterThan(c.params.ResponseDeviationThreshold) ||
		collateralDev.GreaterThan(c.params.ResponseDeviationThreshold)

	if !result.IsIncrease {
		c.ledger.Credit(result.CollateralDelta)
		processed := c.ledger.ProcessPendingWithdrawRequests()
		if processed.IsPositive() {
			defer c.metrics.IncWithdrawalsProcessed()
		}
	}
	c.countCompletionLocked(req.kind)

	if !material {
		c.status = StatusIdle
		c.finalDeutilization = false
		c.emergencySell = false
		c.mu.Unlock()
		return
	}

	c.paused = true
	c.log.Warn("material execution deviation, pausing",
		zap.String("kind", string(req.kind)),
		zap.String("size_deviation", sizeDev.String()),
		zap.String("collateral_deviation", collateralDev.String()))

	unmatched := decimal.Zero
	if result.IsIncrease && result.SizeDelta.LessThan(req.size) {
		unmatched = fixmath.Min(req.size.Sub(result.SizeDelta), c.spot.Exposure())
	}
	if unmatched.IsPositive() {
		c.status = StatusKeeping
		c.mu.Unlock()
		c.metrics.IncDeviationFlag()
		if err := c.spot.Sell(ctx, unmatched); err != nil {
			c.log.Error("compensation sell failed", zap.Error(err))
			c.mu.Lock()
			c.status = StatusIdle
			c.mu.Unlock()
		}
		return
	}

	c.status = StatusIdle
	c.finalDeutilization = false
	c.emergencySell = false
	c.mu.Unlock()
	c.metrics.IncDeviationFlag()
}

func (c *Controller) countCompletionLocked(kind UpkeepAction) {
	switch kind {
	case UpkeepUtilize:
		c.metrics.IncUtilizeCycle()
	case UpkeepDeutilize:
		c.metrics.IncDeutilizeCycle()
	case UpkeepRebalanceDown:
		c.metrics.IncRebalanceDown()
	case UpkeepRebalanceUp:
		c.metrics.IncRebalanceUp()
	case UpkeepEmergencyDeleverage:
		c.metrics.IncEmergencyDeleverage()
	case UpkeepRehedge:
		c.metrics.IncRehedge()
	}
}

// PendingUtilizations reports how much could be deployed and how much
// should be wound down right now.
func (c *Controller) PendingUtilizations() (utilize, deutilize decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingUtilizationLocked(), c.pendingDeutilizationLocked()
}

// pendingUtilizationLocked is the idle capital deployable while keeping
// the spot/collateral split at target leverage. Zero whenever deployment
// is unsafe or withdrawals are waiting.
func (c *Controller) pendingUtilizationLocked() decimal.Decimal {
	if c.paused || c.stopped || c.processingRebalanceDown {
		return decimal.Zero
	}
	if !c.ledger.TotalSupply().IsPositive() {
		return decimal.Zero
	}
	if c.ledger.TotalPendingWithdraw().IsPositive() {
		return decimal.Zero
	}
	idle := c.ledger.IdleAssets()
	l := c.params.TargetLeverage
	return fixmath.MulDiv(idle, l, decimal.NewFromInt(1).Add(l))
}

// pendingDeutilizationLocked is the product amount to sell: everything
// when stopping or when no shares remain, otherwise enough to cover
// unbacked withdrawal demand.
func (c *Controller) pendingDeutilizationLocked() decimal.Decimal {
	if c.paused {
		return decimal.Zero
	}
	exposure := c.spot.Exposure()
	if !exposure.IsPositive() {
		return decimal.Zero
	}
	if c.stopped || !c.ledger.TotalSupply().IsPositive() {
		return exposure
	}
	owed := fixmath.SatSub(c.ledger.TotalPendingWithdraw(), c.ledger.IdleAssets())
	if !owed.IsPositive() {
		return decimal.Zero
	}
	// Selling S of product frees S plus the proportional collateral
	// S/L, so S = owed * L/(1+L) covers the demand.
	l := c.params.TargetLeverage
	sellValue := fixmath.MulDiv(owed, l, decimal.NewFromInt(1).Add(l))
	product, err := c.oracle.Convert(c.params.Asset, c.params.Product, sellValue)
	if err != nil {
		c.log.Warn("deutilization sizing failed", zap.Error(err))
		return decimal.Zero
	}
	return fixmath.Min(product, exposure)
}

func (c *Controller) readyLocked() error {
	if c.paused {
		return ErrPaused
	}
	if c.status != StatusIdle {
		return ErrStatusNotIdle
	}
	if c.hedge.HasPendingOrder() {
		return ErrHedgeOrderPending
	}
	return nil
}

func (c *Controller) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.log.Info("controller paused")
}

func (c *Controller) Unpause() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.log.Info("controller unpaused")
}

// Stop marks the strategy for wind-down; subsequent upkeep drains the
// full exposure back to the vault.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.log.Info("controller stopped, wind-down pending")
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Controller) IsStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// TotalManagedAssets values everything deployed outside the vault: spot
// exposure at oracle price plus the hedge net balance and its locally
// held collateral. Called by the ledger while pricing shares, so it must
// not touch the controller mutex or the ledger.
func (c *Controller) TotalManagedAssets() decimal.Decimal {
	total := c.hedge.PositionNetBalance().Add(c.hedge.IdleCollateral())
	exposure := c.spot.Exposure()
	if exposure.IsPositive() {
		value, err := c.oracle.Convert(c.params.Product, c.params.Asset, exposure)
		if err == nil {
			total = total.Add(value)
		} else {
			c.log.Warn("spot valuation failed", zap.Error(err))
		}
	}
	return total
}

// RecordMetrics publishes the observable gauges.
func (c *Controller) RecordMetrics() {
	c.metrics.ObserveState(
		c.hedge.CurrentLeverage(),
		c.spot.Exposure(),
		c.hedge.PositionSizeInTokens(),
		c.ledger.IdleAssets(),
	)
}

// Snapshot captures the durable flags. Balances are never persisted;
// they are re-derived from the ledger and venue on restart.
func (c *Controller) Snapshot() state.ControllerSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return state.ControllerSnapshot{
		Status:                  string(c.status),
		Paused:                  c.paused,
		Stopped:                 c.stopped,
		ProcessingRebalanceDown: c.processingRebalanceDown,
		UpdatedAtMS:             time.Now().UnixMilli(),
	}
}

// Restore applies a snapshot from a previous run. A snapshot taken
// mid-cycle pauses the controller: the in-flight operation is lost and
// an operator must reconcile before resuming.
func (c *Controller) Restore(snapshot state.ControllerSnapshot) {
	c.mu.Lock()
	c.paused = snapshot.Paused
	c.stopped = snapshot.Stopped
	c.processingRebalanceDown = snapshot.ProcessingRebalanceDown
	c.status = StatusIdle
	if snapshot.Status != "" && snapshot.Status != string(StatusIdle) {
		c.paused = true
		c.log.Warn("restored mid-cycle snapshot, pausing for reconciliation",
			zap.String("status", snapshot.Status))
	}
	c.mu.Unlock()
}
