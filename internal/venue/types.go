// Package venue defines the external contract of the hedge venue: order
// submission keyed by deterministic request keys, size/collateral
// minimums, funding and borrowing accrual factors, and delivery of
// execution reports. The venue's internal order routing is out of scope.
package venue

import (
	"context"
	"encoding/hex"

	"github.com/shopspring/decimal"
)

// OrderKey authenticates execution reports: a report is only accepted if
// its key matches the single outstanding request for that direction.
type OrderKey [32]byte

func (k OrderKey) Hex() string {
	return "0x" + hex.EncodeToString(k[:])
}

func (k OrderKey) IsZero() bool {
	return k == OrderKey{}
}

func OrderKeyFromHex(s string) (OrderKey, bool) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return OrderKey{}, false
	}
	var k OrderKey
	copy(k[:], raw)
	return k, true
}

// OrderRequest describes one position adjustment. SizeDelta is in product
// tokens, CollateralDelta in the base asset; both are magnitudes, the
// direction is carried by IsIncrease.
type OrderRequest struct {
	Market          string
	SizeDelta       decimal.Decimal
	CollateralDelta decimal.Decimal
	IsIncrease      bool
	Nonce           uint64
}

// ExecutionReport is what the venue actually did. Executed deltas may
// deviate from the requested ones; reconciliation is the caller's job.
type ExecutionReport struct {
	Key             OrderKey
	SizeDelta       decimal.Decimal
	CollateralDelta decimal.Decimal
	IsIncrease      bool
}

// Handler receives execution outcomes from the venue driver.
type Handler interface {
	HandleExecution(ctx context.Context, report ExecutionReport) error
	HandleCancelled(ctx context.Context, key OrderKey) error
}

// Venue is the submission-side contract. There is no cancellation from
// this side; a stuck order is an operational concern.
type Venue interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderKey, error)
	MinSizeTokens() decimal.Decimal
	MinCollateral() decimal.Decimal
	FundingFeePerSize(ctx context.Context) (decimal.Decimal, error)
	BorrowingFeePerSize(ctx context.Context) (decimal.Decimal, error)
	ClaimFunding(ctx context.Context) (decimal.Decimal, error)
}
