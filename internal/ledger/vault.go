// Package ledger implements the capital vault: depositor shares, the idle
// asset balance the strategy draws from, and the queued withdrawal
// requests serviced as deutilization frees liquidity.
package ledger

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"basis-vault-bot/internal/fixmath"
)

var (
	ErrZeroShares          = errors.New("zero shares")
	ErrZeroAssets          = errors.New("zero assets")
	ErrInsufficientShares  = errors.New("insufficient shares")
	ErrInsufficientIdle    = errors.New("insufficient idle balance")
	ErrRequestNotFound     = errors.New("withdraw request not found")
	ErrRequestNotExecuted  = errors.New("withdraw request not executed")
	ErrRequestAlreadyDone  = errors.New("withdraw request already claimed")
	ErrUnauthorizedClaimer = errors.New("caller does not own withdraw request")
)

// Valuer reports the assets currently deployed by the strategy (spot
// exposure value plus hedge net balance). The vault adds it to idle to
// price shares. Implementations must not call back into the vault.
type Valuer interface {
	TotalManagedAssets() decimal.Decimal
}

// WithdrawRequest is created when a redemption exceeds idle liquidity.
// AccRequested is the cumulative-requested watermark at creation time;
// the request becomes (partially) claimable once the processed counter
// passes AccRequested - Assets.
type WithdrawRequest struct {
	ID           uint64
	Owner        common.Address
	Assets       decimal.Decimal
	AccRequested decimal.Decimal
	Claimed      bool
}

type Vault struct {
	mu     sync.Mutex
	log    *zap.Logger
	valuer Valuer

	idle        decimal.Decimal
	totalShares decimal.Decimal
	shares      map[common.Address]decimal.Decimal

	requests map[uint64]*WithdrawRequest
	nextID   uint64

	cumRequested decimal.Decimal
	cumProcessed decimal.Decimal
	cumClaimed   decimal.Decimal
}

func New(valuer Valuer, log *zap.Logger) *Vault {
	return &Vault{
		log:      log,
		valuer:   valuer,
		shares:   make(map[common.Address]decimal.Decimal),
		requests: make(map[uint64]*WithdrawRequest),
		nextID:   1,
	}
}

// SetValuer wires the strategy valuation after construction; the vault
// and the controller reference each other.
func (v *Vault) SetValuer(valuer Valuer) {
	v.mu.Lock()
	v.valuer = valuer
	v.mu.Unlock()
}

// Deposit mints shares at the current price per share and credits idle.
func (v *Vault) Deposit(owner common.Address, assets decimal.Decimal) (decimal.Decimal, error) {
	if !assets.IsPositive() {
		return decimal.Zero, ErrZeroAssets
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	minted := assets
	if v.totalShares.IsPositive() {
		total := v.totalAssetsLocked()
		if !total.IsPositive() {
			return decimal.Zero, ErrZeroShares
		}
		minted = fixmath.MulDiv(assets, v.totalShares, total)
	}
	if !minted.IsPositive() {
		return decimal.Zero, ErrZeroShares
	}
	v.idle = v.idle.Add(assets)
	v.shares[owner] = v.shares[owner].Add(minted)
	v.totalShares = v.totalShares.Add(minted)
	return minted, nil
}

// Redeem burns shares. When idle covers the assets the payout is
// immediate and the returned request is nil; otherwise a withdraw request
// is queued at the current cumulative-requested watermark.
func (v *Vault) Redeem(owner common.Address, shares decimal.Decimal) (decimal.Decimal, *WithdrawRequest, error) {
	if !shares.IsPositive() {
		return decimal.Zero, nil, ErrZeroShares
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	held := v.shares[owner]
	if held.LessThan(shares) {
		return decimal.Zero, nil, ErrInsufficientShares
	}
	assets := fixmath.MulDiv(shares, v.totalAssetsLocked(), v.totalShares)
	if !assets.IsPositive() {
		return decimal.Zero, nil, ErrZeroAssets
	}
	v.shares[owner] = held.Sub(shares)
	v.totalShares = v.totalShares.Sub(shares)

	if v.idle.GreaterThanOrEqual(assets) {
		v.idle = v.idle.Sub(assets)
		return assets, nil, nil
	}

	v.cumRequested = v.cumRequested.Add(assets)
	req := &WithdrawRequest{
		ID:           v.nextID,
		Owner:        owner,
		Assets:       assets,
		AccRequested: v.cumRequested,
	}
	v.nextID++
	v.requests[req.ID] = req
	if v.log != nil {
		v.log.Info("withdraw request queued",
			zap.Uint64("id", req.ID),
			zap.String("assets", assets.String()),
			zap.String("acc_requested", req.AccRequested.String()))
	}
	return decimal.Zero, req, nil
}

// ProcessPendingWithdrawRequests moves idle assets into the claim reserve,
// advancing the processed watermark. Called after assets arrive from a
// deutilization step or a fresh deposit.
func (v *Vault) ProcessPendingWithdrawRequests() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()

	outstanding := fixmath.SatSub(v.cumRequested, v.cumProcessed)
	take := fixmath.Min(outstanding, v.idle)
	if !take.IsPositive() {
		return decimal.Zero
	}
	v.idle = v.idle.Sub(take)
	v.cumProcessed = v.cumProcessed.Add(take)
	if v.log != nil {
		v.log.Info("withdrawals processed",
			zap.String("amount", take.String()),
			zap.String("cum_processed", v.cumProcessed.String()))
	}
	return take
}

// Claim pays out a request. The amount is capped by what has actually
// been processed past the requests queued before it, so a liquidity
// crunch degrades to a partial payout instead of an error.
func (v *Vault) Claim(id uint64, caller common.Address) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	req, ok := v.requests[id]
	if !ok {
		return decimal.Zero, ErrRequestNotFound
	}
	if req.Owner != caller {
		return decimal.Zero, ErrUnauthorizedClaimer
	}
	if req.Claimed {
		return decimal.Zero, ErrRequestAlreadyDone
	}
	priorRequested := req.AccRequested.Sub(req.Assets)
	available := fixmath.SatSub(v.cumProcessed, priorRequested)
	amount := fixmath.Min(available, req.Assets)
	if !amount.IsPositive() {
		return decimal.Zero, ErrRequestNotExecuted
	}
	req.Claimed = true
	v.cumClaimed = v.cumClaimed.Add(amount)
	return amount, nil
}

// Allocate consumes idle assets for a utilization step.
func (v *Vault) Allocate(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrZeroAssets
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.idle.LessThan(amount) {
		return ErrInsufficientIdle
	}
	v.idle = v.idle.Sub(amount)
	return nil
}

// Credit returns assets to the idle balance (sale proceeds, released
// hedge collateral, claimed funding).
func (v *Vault) Credit(amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	v.mu.Lock()
	v.idle = v.idle.Add(amount)
	v.mu.Unlock()
}

func (v *Vault) IdleAssets() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.idle
}

func (v *Vault) TotalSupply() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalShares
}

func (v *Vault) SharesOf(owner common.Address) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shares[owner]
}

func (v *Vault) TotalAssets() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalAssetsLocked()
}

// TotalPendingWithdraw is the withdrawal demand not yet backed by
// processed liquidity.
func (v *Vault) TotalPendingWithdraw() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return fixmath.SatSub(v.cumRequested, v.cumProcessed)
}

func (v *Vault) ProcessedWithdrawAssets() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cumProcessed
}

func (v *Vault) ClaimedWithdrawAssets() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cumClaimed
}

func (v *Vault) Request(id uint64) (WithdrawRequest, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	req, ok := v.requests[id]
	if !ok {
		return WithdrawRequest{}, false
	}
	return *req, true
}

// totalAssetsLocked prices the remaining shareholders' capital. Queued
// withdrawal demand is a liability: the shares behind it were already
// burned, so the assets owed to it are excluded. Processed reserves were
// removed from idle when processed and need no further adjustment.
func (v *Vault) totalAssetsLocked() decimal.Decimal {
	managed := decimal.Zero
	if v.valuer != nil {
		managed = v.valuer.TotalManagedAssets()
	}
	pending := fixmath.SatSub(v.cumRequested, v.cumProcessed)
	return fixmath.SatSub(v.idle.Add(managed), pending)
}
