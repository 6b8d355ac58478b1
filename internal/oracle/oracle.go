// Package oracle provides price lookup and cross-asset conversion for the
// strategy. Prices live in an in-memory table fed by the websocket feed;
// everything downstream reads through the Oracle interface so tests can
// pin prices directly.
package oracle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrInvalidPrice = errors.New("oracle price is missing or not positive")

type Oracle interface {
	Price(symbol string) (decimal.Decimal, error)
	Convert(from, to string, amount decimal.Decimal) (decimal.Decimal, error)
}

type entry struct {
	price     decimal.Decimal
	updatedAt time.Time
}

type Table struct {
	mu     sync.RWMutex
	prices map[string]entry
	log    *zap.Logger
}

func NewTable(log *zap.Logger) *Table {
	return &Table{prices: make(map[string]entry), log: log}
}

func (t *Table) SetPrice(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		if t.log != nil {
			t.log.Warn("rejecting non-positive oracle price",
				zap.String("symbol", symbol), zap.String("price", price.String()))
		}
		return
	}
	t.mu.Lock()
	t.prices[symbol] = entry{price: price, updatedAt: time.Now().UTC()}
	t.mu.Unlock()
}

func (t *Table) Price(symbol string) (decimal.Decimal, error) {
	t.mu.RLock()
	e, ok := t.prices[symbol]
	t.mu.RUnlock()
	if !ok || !e.price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidPrice, symbol)
	}
	return e.price, nil
}

// Convert values amount of from in units of to, using the table prices of
// both symbols against the common quote.
func (t *Table) Convert(from, to string, amount decimal.Decimal) (decimal.Decimal, error) {
	if from == to {
		return amount, nil
	}
	fromPx, err := t.Price(from)
	if err != nil {
		return decimal.Zero, err
	}
	toPx, err := t.Price(to)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(fromPx).Div(toPx), nil
}

// UpdatedAt reports the last update time for a symbol, for staleness checks.
func (t *Table) UpdatedAt(symbol string) (time.Time, bool) {
	t.mu.RLock()
	e, ok := t.prices[symbol]
	t.mu.RUnlock()
	return e.updatedAt, ok
}
