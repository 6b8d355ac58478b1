// Package hedge owns the single short position on the external venue. It
// enforces single-flight adjustments per direction, routes collateral
// through locally held idle collateral before touching the venue, splits
// oversized collateral decreases into a close-then-reopen pair, and
// accrues funding/borrowing fees against watermarks.
package hedge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"basis-vault-bot/internal/fixmath"
	"basis-vault-bot/internal/oracle"
	"basis-vault-bot/internal/venue"
)

var (
	ErrAlreadyPending  = errors.New("adjustment already pending for direction")
	ErrInvalidCallback = errors.New("callback key does not match pending order")
	ErrZeroDelta       = errors.New("adjustment requires a size or collateral delta")
	ErrNoCallbacks     = errors.New("callbacks are not registered")
)

// AdjustResult reports the executed outcome of one logical adjustment.
// For a split decrease the deltas are the net effect of both legs.
type AdjustResult struct {
	SizeDelta       decimal.Decimal
	CollateralDelta decimal.Decimal
	IsIncrease      bool
	Cancelled       bool
}

// Callbacks receive reconciliation-ready adjustment outcomes.
type Callbacks interface {
	AfterAdjustPosition(ctx context.Context, result AdjustResult)
}

type decreaseStep int

const (
	decreaseIdle decreaseStep = iota
	decreaseTwoStep
	decreaseOneStep
)

type Config struct {
	Market           string
	Asset            string
	Product          string
	KeepFeeThreshold decimal.Decimal
}

type pendingOrder struct {
	key             venue.OrderKey
	req             venue.OrderRequest
	localCollateral decimal.Decimal
}

type Manager struct {
	cfg    Config
	venue  venue.Venue
	oracle oracle.Oracle
	log    *zap.Logger

	mu             sync.Mutex
	cb             Callbacks
	size           decimal.Decimal
	collateral     decimal.Decimal
	avgEntry       decimal.Decimal
	idleCollateral decimal.Decimal

	fundingWatermark decimal.Decimal
	borrowWatermark  decimal.Decimal
	accruedFees      decimal.Decimal

	pendingIncrease *pendingOrder
	pendingDecrease *pendingOrder

	step             decreaseStep
	resumeSize       decimal.Decimal
	resumeCollateral decimal.Decimal
	accumSize        decimal.Decimal
	accumCollateral  decimal.Decimal

	nonce uint64
}

func NewManager(cfg Config, v venue.Venue, o oracle.Oracle, log *zap.Logger) *Manager {
	return &Manager{cfg: cfg, venue: v, oracle: o, log: log}
}

func (m *Manager) SetCallbacks(cb Callbacks) {
	m.mu.Lock()
	m.cb = cb
	m.mu.Unlock()
}

// AdjustPosition requests one position change. The venue executes
// asynchronously; the outcome arrives through HandleExecution or
// HandleCancelled and is forwarded via AfterAdjustPosition.
func (m *Manager) AdjustPosition(ctx context.Context, sizeDelta, collateralDelta decimal.Decimal, isIncrease bool) error {
	if sizeDelta.IsNegative() || collateralDelta.IsNegative() {
		return ErrZeroDelta
	}
	if !sizeDelta.IsPositive() && !collateralDelta.IsPositive() {
		return ErrZeroDelta
	}
	m.mu.Lock()
	if m.cb == nil {
		m.mu.Unlock()
		return ErrNoCallbacks
	}
	if isIncrease && m.pendingIncrease != nil {
		m.mu.Unlock()
		return ErrAlreadyPending
	}
	if !isIncrease && m.pendingDecrease != nil {
		m.mu.Unlock()
		return ErrAlreadyPending
	}

	if isIncrease {
		return m.submitIncreaseLocked(ctx, sizeDelta, collateralDelta)
	}
	return m.submitDecreaseLocked(ctx, sizeDelta, collateralDelta)
}

// submitIncreaseLocked consumes idle collateral first and routes only the
// shortfall through the venue. Caller holds m.mu; the lock is released
// before the venue call and the callback.
func (m *Manager) submitIncreaseLocked(ctx context.Context, sizeDelta, collateralDelta decimal.Decimal) error {
	local := fixmath.Min(m.idleCollateral, collateralDelta)
	m.idleCollateral = m.idleCollateral.Sub(local)
	venueCollateral := collateralDelta.Sub(local)

	if !sizeDelta.IsPositive() && !venueCollateral.IsPositive() {
		// Fully covered by idle collateral, nothing for the venue to do.
		m.collateral = m.collateral.Add(local)
		cb := m.cb
		m.mu.Unlock()
		cb.AfterAdjustPosition(ctx, AdjustResult{
			CollateralDelta: local,
			IsIncrease:      true,
		})
		return nil
	}

	m.nonce++
	req := venue.OrderRequest{
		Market:          m.cfg.Market,
		SizeDelta:       sizeDelta,
		CollateralDelta: venueCollateral,
		IsIncrease:      true,
		Nonce:           m.nonce,
	}
	m.pendingIncrease = &pendingOrder{req: req, localCollateral: local}
	m.mu.Unlock()

	key, err := m.venue.SubmitOrder(ctx, req)
	m.mu.Lock()
	if err != nil {
		m.pendingIncrease = nil
		m.idleCollateral = m.idleCollateral.Add(local)
		m.mu.Unlock()
		return fmt.Errorf("hedge increase submit: %w", err)
	}
	m.pendingIncrease.key = key
	m.mu.Unlock()
	m.log.Info("hedge increase pending",
		zap.String("key", key.Hex()),
		zap.String("size_delta", sizeDelta.String()),
		zap.String("collateral_delta", collateralDelta.String()))
	return nil
}

// submitDecreaseLocked splits a decrease whose collateral withdrawal
// exceeds the venue's headroom into a full close followed by a reopen of
// the remaining size, realizing PnL in between. Caller holds m.mu.
func (m *Manager) submitDecreaseLocked(ctx context.Context, sizeDelta, collateralDelta decimal.Decimal) error {
	sizeDelta = fixmath.Min(sizeDelta, m.size)
	collateralDelta = fixmath.Min(collateralDelta, m.collateral)

	headroom := fixmath.SatSub(m.collateral, m.venue.MinCollateral())
	twoStep := sizeDelta.LessThan(m.size) && collateralDelta.GreaterThan(headroom)

	var req venue.OrderRequest
	if twoStep {
		m.step = decreaseTwoStep
		m.resumeSize = m.size.Sub(sizeDelta)
		m.resumeCollateral = fixmath.SatSub(m.collateral, collateralDelta)
		m.accumSize = decimal.Zero
		m.accumCollateral = decimal.Zero
		m.nonce++
		req = venue.OrderRequest{
			Market:          m.cfg.Market,
			SizeDelta:       m.size,
			CollateralDelta: m.collateral,
			IsIncrease:      false,
			Nonce:           m.nonce,
		}
	} else {
		m.step = decreaseIdle
		m.nonce++
		req = venue.OrderRequest{
			Market:          m.cfg.Market,
			SizeDelta:       sizeDelta,
			CollateralDelta: collateralDelta,
			IsIncrease:      false,
			Nonce:           m.nonce,
		}
	}
	m.pendingDecrease = &pendingOrder{req: req}
	m.mu.Unlock()

	key, err := m.venue.SubmitOrder(ctx, req)
	m.mu.Lock()
	if err != nil {
		m.pendingDecrease = nil
		if twoStep {
			m.step = decreaseIdle
		}
		m.mu.Unlock()
		return fmt.Errorf("hedge decrease submit: %w", err)
	}
	m.pendingDecrease.key = key
	m.mu.Unlock()
	m.log.Info("hedge decrease pending",
		zap.String("key", key.Hex()),
		zap.Bool("two_step", twoStep),
		zap.String("size_delta", req.SizeDelta.String()),
		zap.String("collateral_delta", req.CollateralDelta.String()))
	return nil
}

// HandleExecution applies a venue execution report. The report key must
// match the pending order for its direction; anything else is rejected as
// unauthenticated. Fee accrual is settled against the pre-update size
// before the executed deltas are applied.
func (m *Manager) HandleExecution(ctx context.Context, rep venue.ExecutionReport) error {
	m.mu.Lock()
	var p *pendingOrder
	if rep.IsIncrease {
		p = m.pendingIncrease
	} else {
		p = m.pendingDecrease
	}
	if p == nil || p.key != rep.Key {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidCallback, rep.Key.Hex())
	}

	m.settleFeeWatermarksLocked(ctx)

	price, priceErr := m.oracle.Price(m.cfg.Product)
	if rep.IsIncrease {
		if rep.SizeDelta.IsPositive() {
			if priceErr == nil {
				newSize := m.size.Add(rep.SizeDelta)
				m.avgEntry = m.avgEntry.Mul(m.size).Add(price.Mul(rep.SizeDelta)).Div(newSize)
				m.size = newSize
			} else {
				m.log.Warn("entry price unavailable, average entry left stale",
					zap.String("size_delta", rep.SizeDelta.String()), zap.Error(priceErr))
				m.size = m.size.Add(rep.SizeDelta)
			}
		}
		m.collateral = m.collateral.Add(rep.CollateralDelta).Add(p.localCollateral)
		m.pendingIncrease = nil
	} else {
		closed := fixmath.Min(rep.SizeDelta, m.size)
		if closed.IsPositive() {
			if priceErr == nil {
				// Realize the closed portion's PnL into collateral so net
				// balance is continuous across the close.
				realized := m.avgEntry.Sub(price).Mul(closed)
				m.collateral = fixmath.Max(m.collateral.Add(realized), decimal.Zero)
			} else {
				m.log.Warn("mark price unavailable, closed PnL not realized",
					zap.String("closed", closed.String()), zap.Error(priceErr))
			}
		}
		m.size = fixmath.SatSub(m.size, rep.SizeDelta)
		m.collateral = fixmath.SatSub(m.collateral, rep.CollateralDelta)
		m.pendingDecrease = nil
	}

	cb := m.cb
	var result *AdjustResult
	var followUp func()

	switch {
	case m.step == decreaseTwoStep && !rep.IsIncrease:
		// Close leg of a split decrease: hold the released collateral
		// locally and reopen the remaining size out of it.
		m.accumSize = rep.SizeDelta
		m.accumCollateral = rep.CollateralDelta
		m.idleCollateral = m.idleCollateral.Add(rep.CollateralDelta)
		if m.resumeSize.IsPositive() {
			m.step = decreaseOneStep
			followUp = m.reopenLocked(ctx)
		} else {
			m.step = decreaseIdle
			net := m.finishSplitLocked(decimal.Zero, decimal.Zero)
			result = &net
		}
	case m.step == decreaseOneStep && rep.IsIncrease:
		m.step = decreaseIdle
		net := m.finishSplitLocked(rep.SizeDelta, rep.CollateralDelta.Add(p.localCollateral))
		result = &net
	default:
		executedCollateral := rep.CollateralDelta
		if rep.IsIncrease {
			executedCollateral = executedCollateral.Add(p.localCollateral)
		}
		result = &AdjustResult{
			SizeDelta:       rep.SizeDelta,
			CollateralDelta: executedCollateral,
			IsIncrease:      rep.IsIncrease,
		}
	}
	m.mu.Unlock()

	if followUp != nil {
		followUp()
	}
	if result != nil {
		m.log.Info("hedge adjustment executed",
			zap.String("key", rep.Key.Hex()),
			zap.String("size_delta", result.SizeDelta.String()),
			zap.String("collateral_delta", result.CollateralDelta.String()),
			zap.Bool("is_increase", result.IsIncrease))
		cb.AfterAdjustPosition(ctx, *result)
	}
	return nil
}

// HandleCancelled clears the pending marker for the cancelled order and
// regresses a split decrease by one step instead of aborting it.
func (m *Manager) HandleCancelled(ctx context.Context, key venue.OrderKey) error {
	m.mu.Lock()
	var req venue.OrderRequest
	var local decimal.Decimal
	switch {
	case m.pendingIncrease != nil && m.pendingIncrease.key == key:
		req = m.pendingIncrease.req
		local = m.pendingIncrease.localCollateral
		m.idleCollateral = m.idleCollateral.Add(local)
		m.pendingIncrease = nil
		if m.step == decreaseOneStep {
			m.step = decreaseTwoStep
		}
	case m.pendingDecrease != nil && m.pendingDecrease.key == key:
		req = m.pendingDecrease.req
		m.pendingDecrease = nil
		if m.step == decreaseTwoStep {
			m.step = decreaseIdle
		}
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidCallback, key.Hex())
	}
	cb := m.cb
	m.mu.Unlock()

	m.log.Warn("hedge adjustment cancelled by venue", zap.String("key", key.Hex()))
	cb.AfterAdjustPosition(ctx, AdjustResult{
		SizeDelta:       req.SizeDelta,
		CollateralDelta: req.CollateralDelta.Add(local),
		IsIncrease:      req.IsIncrease,
		Cancelled:       true,
	})
	return nil
}

// reopenLocked builds the second leg of a split decrease. Caller holds
// m.mu; the returned closure submits outside the lock.
func (m *Manager) reopenLocked(ctx context.Context) func() {
	local := fixmath.Min(m.idleCollateral, m.resumeCollateral)
	m.idleCollateral = m.idleCollateral.Sub(local)
	m.nonce++
	req := venue.OrderRequest{
		Market:          m.cfg.Market,
		SizeDelta:       m.resumeSize,
		CollateralDelta: m.resumeCollateral.Sub(local),
		IsIncrease:      true,
		Nonce:           m.nonce,
	}
	m.pendingIncrease = &pendingOrder{req: req, localCollateral: local}
	return func() {
		key, err := m.venue.SubmitOrder(ctx, req)
		m.mu.Lock()
		if err != nil {
			// Could not re-establish size; surface the close leg alone
			// and let reconciliation flag the mismatch.
			m.pendingIncrease = nil
			m.idleCollateral = m.idleCollateral.Add(local)
			m.step = decreaseIdle
			net := m.finishSplitLocked(decimal.Zero, decimal.Zero)
			cb := m.cb
			m.mu.Unlock()
			m.log.Error("hedge reopen submit failed", zap.Error(err))
			cb.AfterAdjustPosition(ctx, net)
			return
		}
		m.pendingIncrease.key = key
		m.mu.Unlock()
	}
}

// finishSplitLocked nets both legs of a split decrease and hands the
// freed collateral out of the local pool. Caller holds m.mu.
func (m *Manager) finishSplitLocked(reopenedSize, reopenedCollateral decimal.Decimal) AdjustResult {
	netSize := fixmath.SatSub(m.accumSize, reopenedSize)
	netCollateral := fixmath.SatSub(m.accumCollateral, reopenedCollateral)
	m.idleCollateral = fixmath.SatSub(m.idleCollateral, netCollateral)
	m.accumSize = decimal.Zero
	m.accumCollateral = decimal.Zero
	m.resumeSize = decimal.Zero
	m.resumeCollateral = decimal.Zero
	return AdjustResult{
		SizeDelta:       netSize,
		CollateralDelta: netCollateral,
		IsIncrease:      false,
	}
}

// settleFeeWatermarksLocked rolls funding/borrowing accrual forward using
// the position size before the current execution is applied.
func (m *Manager) settleFeeWatermarksLocked(ctx context.Context) {
	fundingNow, err := m.venue.FundingFeePerSize(ctx)
	if err != nil {
		m.log.Warn("funding factor fetch failed", zap.Error(err))
		return
	}
	borrowNow, err := m.venue.BorrowingFeePerSize(ctx)
	if err != nil {
		m.log.Warn("borrowing factor fetch failed", zap.Error(err))
		return
	}
	delta := fundingNow.Sub(m.fundingWatermark).Add(borrowNow.Sub(m.borrowWatermark))
	if !delta.IsZero() && m.size.IsPositive() {
		m.accruedFees = m.accruedFees.Add(delta.Mul(m.size))
	}
	m.fundingWatermark = fundingNow
	m.borrowWatermark = borrowNow
}

// Keep settles accrued fees against collateral and claims funding income
// from the venue. The returned amount is liquid and belongs to the vault.
func (m *Manager) Keep(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	m.settleFeeWatermarksLocked(ctx)
	m.collateral = fixmath.SatSub(m.collateral, m.accruedFees)
	m.accruedFees = decimal.Zero
	m.mu.Unlock()

	claimed, err := m.venue.ClaimFunding(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("funding claim: %w", err)
	}
	if claimed.IsPositive() {
		m.log.Info("funding claimed", zap.String("amount", claimed.String()))
	}
	return claimed, nil
}

// NeedKeep reports whether unsettled fee accrual has crossed the keep
// threshold.
func (m *Manager) NeedKeep(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fundingNow, err := m.venue.FundingFeePerSize(ctx)
	if err != nil {
		return false, err
	}
	borrowNow, err := m.venue.BorrowingFeePerSize(ctx)
	if err != nil {
		return false, err
	}
	pending := fundingNow.Sub(m.fundingWatermark).
		Add(borrowNow.Sub(m.borrowWatermark)).
		Mul(m.size).
		Add(m.accruedFees)
	return pending.GreaterThanOrEqual(m.cfg.KeepFeeThreshold), nil
}

// PositionNetBalance values the position: collateral plus unrealized PnL
// of the short, minus unsettled fees, floored at zero.
func (m *Manager) PositionNetBalance() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.netBalanceLocked()
}

func (m *Manager) netBalanceLocked() decimal.Decimal {
	net := fixmath.SatSub(m.collateral, m.accruedFees)
	if m.size.IsPositive() {
		price, err := m.oracle.Price(m.cfg.Product)
		if err == nil {
			pnl := m.avgEntry.Sub(price).Mul(m.size)
			net = fixmath.Max(net.Add(pnl), decimal.Zero)
		}
	}
	return net
}

// CurrentLeverage is notional over net balance; zero when flat.
func (m *Manager) CurrentLeverage() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.size.IsPositive() {
		return decimal.Zero
	}
	price, err := m.oracle.Price(m.cfg.Product)
	if err != nil {
		return decimal.Zero
	}
	return fixmath.Ratio(m.size.Mul(price), m.netBalanceLocked())
}

func (m *Manager) PositionSizeInTokens() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

func (m *Manager) Collateral() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collateral
}

func (m *Manager) IdleCollateral() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idleCollateral
}

func (m *Manager) AccruedFees() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accruedFees
}

func (m *Manager) HasPendingOrder() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingIncrease != nil || m.pendingDecrease != nil
}

func (m *Manager) MinSizeTokens() decimal.Decimal { return m.venue.MinSizeTokens() }

func (m *Manager) MinCollateral() decimal.Decimal { return m.venue.MinCollateral() }
