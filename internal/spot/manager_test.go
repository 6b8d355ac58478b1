package spot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"basis-vault-bot/internal/oracle"
)

type recordingCallbacks struct {
	buys  []decimal.Decimal
	sells []decimal.Decimal
}

func (r *recordingCallbacks) OnBuyComplete(_ context.Context, assetSpent, productBought decimal.Decimal) {
	r.buys = append(r.buys, productBought)
}

func (r *recordingCallbacks) OnSellComplete(_ context.Context, assetReceived, productSold decimal.Decimal) {
	r.sells = append(r.sells, assetReceived)
}

func newTestOracle(t *testing.T) *oracle.Table {
	t.Helper()
	table := oracle.NewTable(zap.NewNop())
	table.SetPrice("ETH", decimal.NewFromInt(2000))
	table.SetPrice("USDC", decimal.NewFromInt(1))
	return table
}

func TestBuyUpdatesExposureAndCallsBack(t *testing.T) {
	cb := &recordingCallbacks{}
	m := NewManager(NewOracleExecutor(newTestOracle(t), 0), "USDC", "ETH", zap.NewNop())
	m.SetCallbacks(cb)

	if err := m.Buy(context.Background(), decimal.NewFromInt(6000)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if !m.Exposure().Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected exposure 3, got %s", m.Exposure())
	}
	if len(cb.buys) != 1 || !cb.buys[0].Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected buy callback with 3, got %+v", cb.buys)
	}
}

func TestSellRequiresExposure(t *testing.T) {
	cb := &recordingCallbacks{}
	m := NewManager(NewOracleExecutor(newTestOracle(t), 0), "USDC", "ETH", zap.NewNop())
	m.SetCallbacks(cb)

	if err := m.Sell(context.Background(), decimal.NewFromInt(1)); !errors.Is(err, ErrInsufficientExposure) {
		t.Fatalf("expected ErrInsufficientExposure, got %v", err)
	}
	if err := m.Buy(context.Background(), decimal.NewFromInt(2000)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if err := m.Sell(context.Background(), decimal.NewFromInt(1)); err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if !m.Exposure().IsZero() {
		t.Fatalf("expected flat exposure, got %s", m.Exposure())
	}
	if len(cb.sells) != 1 || !cb.sells[0].Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("expected sell proceeds 2000, got %+v", cb.sells)
	}
}

func TestBuyRequiresCallbacks(t *testing.T) {
	m := NewManager(NewOracleExecutor(newTestOracle(t), 0), "USDC", "ETH", zap.NewNop())
	if err := m.Buy(context.Background(), decimal.NewFromInt(1)); !errors.Is(err, ErrNoCallbacks) {
		t.Fatalf("expected ErrNoCallbacks, got %v", err)
	}
}

func TestZeroAmountRejected(t *testing.T) {
	m := NewManager(NewOracleExecutor(newTestOracle(t), 0), "USDC", "ETH", zap.NewNop())
	m.SetCallbacks(&recordingCallbacks{})
	if err := m.Buy(context.Background(), decimal.Zero); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
	if err := m.Sell(context.Background(), decimal.Zero); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
}

func TestOracleExecutorFee(t *testing.T) {
	exec := NewOracleExecutor(newTestOracle(t), 10) // 10 bps
	out, err := exec.Swap(context.Background(), "USDC", "ETH", decimal.NewFromInt(2000))
	if err != nil {
		t.Fatalf("swap failed: %v", err)
	}
	if !out.Equal(decimal.RequireFromString("0.999")) {
		t.Fatalf("expected 0.999 after fee, got %s", out)
	}
}

type flakyExecutor struct {
	failures int
	calls    int
}

func (f *flakyExecutor) Swap(_ context.Context, _, _ string, amount decimal.Decimal) (decimal.Decimal, error) {
	f.calls++
	if f.calls <= f.failures {
		return decimal.Zero, errors.New("transient")
	}
	return amount, nil
}

func TestRetryExecutorRecovers(t *testing.T) {
	inner := &flakyExecutor{failures: 2}
	r := NewRetryExecutor(inner, 4, time.Millisecond, zap.NewNop())
	out, err := r.Swap(context.Background(), "USDC", "ETH", decimal.NewFromInt(5))
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if !out.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected 5, got %s", out)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestRetryExecutorExhausts(t *testing.T) {
	inner := &flakyExecutor{failures: 10}
	r := NewRetryExecutor(inner, 3, time.Millisecond, zap.NewNop())
	if _, err := r.Swap(context.Background(), "USDC", "ETH", decimal.NewFromInt(5)); err == nil {
		t.Fatalf("expected exhaustion error")
	}
}
