// Package strategy holds the controller that runs the delta-neutral basis
// position: long spot exposure matched by a short hedge, with capital
// drawn from and returned to the vault ledger.
package strategy

import (
	"context"

	"github.com/shopspring/decimal"
)

// Status is the controller's cycle state. Every spot or hedge operation
// begins from IDLE; the other states mark an in-flight cycle and block
// new ones.
type Status string

const (
	StatusIdle                       Status = "IDLE"
	StatusUtilizing                  Status = "UTILIZING"
	StatusDeutilizing                Status = "DEUTILIZING"
	StatusAwaitingFinalDeutilization Status = "AWAITING_FINAL_DEUTILIZATION"
	StatusKeeping                    Status = "KEEPING"
)

// Ledger is the vault surface the controller drives.
type Ledger interface {
	Allocate(amount decimal.Decimal) error
	Credit(amount decimal.Decimal)
	IdleAssets() decimal.Decimal
	TotalSupply() decimal.Decimal
	TotalPendingWithdraw() decimal.Decimal
	ProcessPendingWithdrawRequests() decimal.Decimal
}

// SpotManager converts between the base asset and the traded product.
type SpotManager interface {
	Buy(ctx context.Context, assetAmount decimal.Decimal) error
	Sell(ctx context.Context, productAmount decimal.Decimal) error
	Exposure() decimal.Decimal
}

// HedgeManager owns the short position on the external venue.
type HedgeManager interface {
	AdjustPosition(ctx context.Context, sizeDelta, collateralDelta decimal.Decimal, isIncrease bool) error
	PositionSizeInTokens() decimal.Decimal
	PositionNetBalance() decimal.Decimal
	Collateral() decimal.Decimal
	IdleCollateral() decimal.Decimal
	CurrentLeverage() decimal.Decimal
	HasPendingOrder() bool
	NeedKeep(ctx context.Context) (bool, error)
	Keep(ctx context.Context) (decimal.Decimal, error)
	MinSizeTokens() decimal.Decimal
	MinCollateral() decimal.Decimal
}

// Params are the leverage bounds and thresholds the controller operates
// under. Ordering is MinLeverage < TargetLeverage < MaxLeverage <
// SafeMarginLeverage, enforced at config load.
type Params struct {
	Asset   string
	Product string

	TargetLeverage     decimal.Decimal
	MinLeverage        decimal.Decimal
	MaxLeverage        decimal.Decimal
	SafeMarginLeverage decimal.Decimal

	ResponseDeviationThreshold decimal.Decimal
	HedgeDeviationThreshold    decimal.Decimal
	LeverageSettleThreshold    decimal.Decimal
}

// UpkeepAction identifies the single maintenance step the next
// PerformUpkeep call would take. One action per invocation; the caller
// loops until UpkeepNone.
type UpkeepAction string

const (
	UpkeepNone                UpkeepAction = "none"
	UpkeepEmergencyDeleverage UpkeepAction = "emergency_deleverage"
	UpkeepRebalanceDown       UpkeepAction = "rebalance_down"
	UpkeepClearRebalanceFlag  UpkeepAction = "clear_rebalance_flag"
	UpkeepRehedge             UpkeepAction = "rehedge"
	UpkeepKeepFees            UpkeepAction = "keep_fees"
	UpkeepRebalanceUp         UpkeepAction = "rebalance_up"
	UpkeepDeutilize           UpkeepAction = "deutilize"
	UpkeepUtilize             UpkeepAction = "utilize"
)
