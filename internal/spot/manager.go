// Package spot owns the strategy's spot exposure: conversions between the
// base asset and the traded product through a pluggable swap executor,
// with completion callbacks into the controller.
package spot

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrZeroAmount           = errors.New("swap amount must be positive")
	ErrSwapPending          = errors.New("a swap is already in flight")
	ErrInsufficientExposure = errors.New("insufficient product exposure for sell")
	ErrNoCallbacks          = errors.New("callbacks are not registered")
)

// Executor performs a market conversion and returns the amount received.
type Executor interface {
	Swap(ctx context.Context, from, to string, amount decimal.Decimal) (decimal.Decimal, error)
}

// Callbacks receive completion notifications. The spot leg of a cycle
// always completes before the paired hedge leg is issued, so the
// controller reacts to these before touching the hedge.
type Callbacks interface {
	OnBuyComplete(ctx context.Context, assetSpent, productBought decimal.Decimal)
	OnSellComplete(ctx context.Context, assetReceived, productSold decimal.Decimal)
}

type Manager struct {
	exec    Executor
	log     *zap.Logger
	asset   string
	product string

	mu       sync.Mutex
	cb       Callbacks
	exposure decimal.Decimal
	inFlight bool
}

func NewManager(exec Executor, asset, product string, log *zap.Logger) *Manager {
	return &Manager{exec: exec, asset: asset, product: product, log: log}
}

// SetCallbacks registers the controller. Must be called before Buy/Sell.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.mu.Lock()
	m.cb = cb
	m.mu.Unlock()
}

// Buy converts assetAmount of the base asset into product exposure and
// reports the fill through OnBuyComplete. Single-flight: a second swap
// while one is executing is a hard error, not a queue.
func (m *Manager) Buy(ctx context.Context, assetAmount decimal.Decimal) error {
	if !assetAmount.IsPositive() {
		return ErrZeroAmount
	}
	cb, err := m.begin()
	if err != nil {
		return err
	}
	bought, err := m.exec.Swap(ctx, m.asset, m.product, assetAmount)
	if err != nil {
		m.finish(decimal.Zero)
		return err
	}
	m.finish(bought)
	m.log.Info("spot buy complete",
		zap.String("asset_spent", assetAmount.String()),
		zap.String("product_bought", bought.String()))
	cb.OnBuyComplete(ctx, assetAmount, bought)
	return nil
}

// Sell converts productAmount of exposure back into the base asset and
// reports through OnSellComplete.
func (m *Manager) Sell(ctx context.Context, productAmount decimal.Decimal) error {
	if !productAmount.IsPositive() {
		return ErrZeroAmount
	}
	m.mu.Lock()
	if m.cb == nil {
		m.mu.Unlock()
		return ErrNoCallbacks
	}
	if m.inFlight {
		m.mu.Unlock()
		return ErrSwapPending
	}
	if m.exposure.LessThan(productAmount) {
		m.mu.Unlock()
		return ErrInsufficientExposure
	}
	m.inFlight = true
	cb := m.cb
	m.mu.Unlock()

	received, err := m.exec.Swap(ctx, m.product, m.asset, productAmount)
	if err != nil {
		m.finish(decimal.Zero)
		return err
	}
	m.finish(productAmount.Neg())
	m.log.Info("spot sell complete",
		zap.String("product_sold", productAmount.String()),
		zap.String("asset_received", received.String()))
	cb.OnSellComplete(ctx, received, productAmount)
	return nil
}

// Exposure reports current product holdings.
func (m *Manager) Exposure() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exposure
}

func (m *Manager) begin() (Callbacks, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cb == nil {
		return nil, ErrNoCallbacks
	}
	if m.inFlight {
		return nil, ErrSwapPending
	}
	m.inFlight = true
	return m.cb, nil
}

func (m *Manager) finish(exposureDelta decimal.Decimal) {
	m.mu.Lock()
	m.exposure = m.exposure.Add(exposureDelta)
	m.inFlight = false
	m.mu.Unlock()
}
