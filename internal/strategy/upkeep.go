package strategy

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"basis-vault-bot/internal/fixmath"
)

// upkeepPlan carries the sizing for the action decideUpkeepLocked chose.
type upkeepPlan struct {
	action UpkeepAction

	sellAmount    decimal.Decimal
	collateralAdd decimal.Decimal
	sizeDelta     decimal.Decimal
	withdraw      decimal.Decimal
	utilizeAmount decimal.Decimal
	increase      bool
}

// CheckUpkeep reports the maintenance action the next PerformUpkeep call
// would take, without acting. Idempotent: repeated calls with unchanged
// state return the same action.
func (c *Controller) CheckUpkeep(ctx context.Context) UpkeepAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decideUpkeepLocked(ctx).action
}

// PerformUpkeep takes at most one maintenance action, chosen by a strict
// priority order: emergency deleverage, rebalance down, settle the
// rebalance flag, re-hedge, fee keeping, rebalance up, then pending
// deutilization and utilization. Callers loop until UpkeepNone.
func (c *Controller) PerformUpkeep(ctx context.Context) (UpkeepAction, error) {
	c.mu.Lock()
	plan := c.decideUpkeepLocked(ctx)

	switch plan.action {
	case UpkeepNone:
		c.mu.Unlock()
		return UpkeepNone, nil

	case UpkeepEmergencyDeleverage:
		c.emergencySell = true
		c.status = StatusDeutilizing
		c.mu.Unlock()
		c.log.Warn("emergency deleverage",
			zap.String("sell_amount", plan.sellAmount.String()))
		if err := c.spot.Sell(ctx, plan.sellAmount); err != nil {
			c.resetCycle()
			return plan.action, err
		}
		return plan.action, nil

	case UpkeepRebalanceDown:
		// The flag is rolled back on every submit error so the next
		// invocation retries instead of wedging the branch.
		c.processingRebalanceDown = true
		if plan.collateralAdd.IsPositive() {
			if err := c.ledger.Allocate(plan.collateralAdd); err != nil {
				c.processingRebalanceDown = false
				c.mu.Unlock()
				return plan.action, err
			}
			c.status = StatusUtilizing
			c.lastReq = hedgeRequest{
				kind:         UpkeepRebalanceDown,
				collateral:   plan.collateralAdd,
				ledgerFunded: plan.collateralAdd,
				isIncrease:   true,
			}
			c.mu.Unlock()
			c.log.Info("rebalance down: adding collateral",
				zap.String("amount", plan.collateralAdd.String()))
			if err := c.hedge.AdjustPosition(ctx, decimal.Zero, plan.collateralAdd, true); err != nil {
				c.mu.Lock()
				c.ledger.Credit(plan.collateralAdd)
				c.status = StatusIdle
				c.processingRebalanceDown = false
				c.mu.Unlock()
				return plan.action, err
			}
			return plan.action, nil
		}
		// No idle capital to post: cut size instead.
		c.emergencySell = true
		c.status = StatusDeutilizing
		c.mu.Unlock()
		c.log.Warn("rebalance down: no idle capital, reducing size",
			zap.String("sell_amount", plan.sellAmount.String()))
		if err := c.spot.Sell(ctx, plan.sellAmount); err != nil {
			c.mu.Lock()
			c.status = StatusIdle
			c.emergencySell = false
			c.processingRebalanceDown = false
			c.mu.Unlock()
			return plan.action, err
		}
		return plan.action, nil

	case UpkeepClearRebalanceFlag:
		c.processingRebalanceDown = false
		c.mu.Unlock()
		c.log.Info("rebalance down settled")
		return plan.action, nil

	case UpkeepRehedge:
		if plan.increase {
			c.status = StatusUtilizing
		} else {
			c.status = StatusDeutilizing
		}
		c.lastReq = hedgeRequest{kind: UpkeepRehedge, size: plan.sizeDelta, isIncrease: plan.increase}
		c.mu.Unlock()
		c.log.Info("re-hedging",
			zap.String("size_delta", plan.sizeDelta.String()),
			zap.Bool("increase", plan.increase))
		if err := c.hedge.AdjustPosition(ctx, plan.sizeDelta, decimal.Zero, plan.increase); err != nil {
			c.resetCycle()
			return plan.action, err
		}
		return plan.action, nil

	case UpkeepKeepFees:
		c.status = StatusKeeping
		c.mu.Unlock()
		payout, err := c.hedge.Keep(ctx)
		c.mu.Lock()
		c.status = StatusIdle
		if err != nil {
			c.mu.Unlock()
			return plan.action, err
		}
		c.ledger.Credit(payout)
		processed := c.ledger.ProcessPendingWithdrawRequests()
		c.mu.Unlock()
		c.metrics.IncFeeKeep()
		if processed.IsPositive() {
			c.metrics.IncWithdrawalsProcessed()
		}
		return plan.action, nil

	case UpkeepRebalanceUp:
		c.status = StatusDeutilizing
		c.lastReq = hedgeRequest{kind: UpkeepRebalanceUp, collateral: plan.withdraw, isIncrease: false}
		c.mu.Unlock()
		c.log.Info("rebalance up: withdrawing collateral",
			zap.String("amount", plan.withdraw.String()))
		if err := c.hedge.AdjustPosition(ctx, decimal.Zero, plan.withdraw, false); err != nil {
			c.resetCycle()
			return plan.action, err
		}
		return plan.action, nil

	case UpkeepDeutilize:
		return plan.action, c.deutilizeLocked(ctx, plan.sellAmount)

	case UpkeepUtilize:
		return plan.action, c.utilizeLocked(ctx, plan.utilizeAmount)
	}

	c.mu.Unlock()
	return UpkeepNone, nil
}

func (c *Controller) resetCycle() {
	c.mu.Lock()
	c.status = StatusIdle
	c.finalDeutilization = false
	c.emergencySell = false
	c.mu.Unlock()
}

func (c *Controller) decideUpkeepLocked(ctx context.Context) upkeepPlan {
	if c.paused || c.status != StatusIdle || c.hedge.HasPendingOrder() {
		return upkeepPlan{action: UpkeepNone}
	}

	cur := c.hedge.CurrentLeverage()
	size := c.hedge.PositionSizeInTokens()
	net := c.hedge.PositionNetBalance()
	exposure := c.spot.Exposure()
	minSize := c.hedge.MinSizeTokens()

	// The collateral top-up that would bring leverage back to target.
	topUp := fixmath.MulDiv(net, fixmath.SatSub(cur, c.params.TargetLeverage), c.params.TargetLeverage)

	// Past the safe margin a collateral add is still preferred; the forced
	// size cut is reserved for when idle capital cannot fund it.
	if cur.GreaterThan(c.params.SafeMarginLeverage) && topUp.GreaterThan(c.ledger.IdleAssets()) {
		sell := c.deleverageSellLocked(size, cur, c.params.MaxLeverage, exposure, minSize)
		if sell.IsPositive() {
			return upkeepPlan{action: UpkeepEmergencyDeleverage, sellAmount: sell}
		}
	}

	if cur.GreaterThan(c.params.MaxLeverage) && !c.processingRebalanceDown {
		add := fixmath.Min(topUp, c.ledger.IdleAssets())
		if add.IsPositive() {
			return upkeepPlan{action: UpkeepRebalanceDown, collateralAdd: add}
		}
		sell := c.deleverageSellLocked(size, cur, c.params.TargetLeverage, exposure, minSize)
		if sell.IsPositive() {
			return upkeepPlan{action: UpkeepRebalanceDown, sellAmount: sell}
		}
	}

	if c.processingRebalanceDown {
		settled := !size.IsPositive() ||
			cur.Sub(c.params.TargetLeverage).Abs().
				LessThanOrEqual(c.params.TargetLeverage.Mul(c.params.LeverageSettleThreshold))
		if settled {
			return upkeepPlan{action: UpkeepClearRebalanceFlag}
		}
	}

	if plan, ok := c.rehedgePlanLocked(size, exposure, minSize); ok {
		return plan
	}

	need, err := c.hedge.NeedKeep(ctx)
	if err != nil {
		c.log.Warn("keep check failed", zap.Error(err))
	} else if need {
		return upkeepPlan{action: UpkeepKeepFees}
	}

	if size.IsPositive() && cur.IsPositive() && cur.LessThan(c.params.MinLeverage) {
		withdraw := fixmath.MulDiv(net, fixmath.SatSub(c.params.TargetLeverage, cur), c.params.TargetLeverage)
		if withdraw.GreaterThanOrEqual(c.hedge.MinCollateral()) {
			return upkeepPlan{action: UpkeepRebalanceUp, withdraw: withdraw}
		}
	}

	if deutil := c.pendingDeutilizationLocked(); deutil.GreaterThanOrEqual(minSize) {
		return upkeepPlan{action: UpkeepDeutilize, sellAmount: deutil}
	}

	if util := c.pendingUtilizationLocked(); util.IsPositive() {
		product, err := c.oracle.Convert(c.params.Asset, c.params.Product, util)
		if err != nil {
			c.log.Warn("utilization sizing failed", zap.Error(err))
		} else if product.GreaterThanOrEqual(minSize) {
			return upkeepPlan{action: UpkeepUtilize, utilizeAmount: util}
		}
	}

	return upkeepPlan{action: UpkeepNone}
}

// deleverageSellLocked sizes the spot sale that brings leverage from cur
// back to bound without touching collateral.
func (c *Controller) deleverageSellLocked(size, cur, bound, exposure, minSize decimal.Decimal) decimal.Decimal {
	if !cur.IsPositive() || !size.IsPositive() {
		return decimal.Zero
	}
	sell := fixmath.MulDiv(size, fixmath.SatSub(cur, bound), cur)
	sell = fixmath.Min(fixmath.Max(sell, minSize), exposure)
	if sell.LessThan(minSize) {
		return decimal.Zero
	}
	return sell
}

func (c *Controller) rehedgePlanLocked(size, exposure, minSize decimal.Decimal) (upkeepPlan, bool) {
	if c.processingRebalanceDown {
		return upkeepPlan{}, false
	}
	if !exposure.IsPositive() {
		if size.GreaterThanOrEqual(minSize) {
			return upkeepPlan{action: UpkeepRehedge, sizeDelta: size, increase: false}, true
		}
		return upkeepPlan{}, false
	}
	diff := size.Sub(exposure)
	if diff.Abs().Div(exposure).LessThanOrEqual(c.params.HedgeDeviationThreshold) {
		return upkeepPlan{}, false
	}
	if diff.Abs().LessThan(minSize) {
		return upkeepPlan{}, false
	}
	return upkeepPlan{
		action:    UpkeepRehedge,
		sizeDelta: diff.Abs(),
		increase:  diff.IsNegative(),
	}, true
}
