package oracle

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestPriceMissing(t *testing.T) {
	table := NewTable(zap.NewNop())
	if _, err := table.Price("ETH"); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestSetPriceRejectsNonPositive(t *testing.T) {
	table := NewTable(zap.NewNop())
	table.SetPrice("ETH", decimal.Zero)
	if _, err := table.Price("ETH"); err == nil {
		t.Fatalf("expected zero price to be rejected")
	}
	table.SetPrice("ETH", decimal.NewFromInt(-5))
	if _, err := table.Price("ETH"); err == nil {
		t.Fatalf("expected negative price to be rejected")
	}
}

func TestConvert(t *testing.T) {
	table := NewTable(zap.NewNop())
	table.SetPrice("ETH", decimal.NewFromInt(2000))
	table.SetPrice("USDC", decimal.NewFromInt(1))

	got, err := table.Convert("ETH", "USDC", decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(6000)) {
		t.Fatalf("expected 6000, got %s", got)
	}

	got, err = table.Convert("USDC", "ETH", decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("expected 0.5, got %s", got)
	}
}

func TestConvertSameSymbol(t *testing.T) {
	table := NewTable(zap.NewNop())
	amount := decimal.NewFromInt(42)
	got, err := table.Convert("ETH", "ETH", amount)
	if err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if !got.Equal(amount) {
		t.Fatalf("expected identity conversion, got %s", got)
	}
}

func TestFeedHandleMessage(t *testing.T) {
	table := NewTable(zap.NewNop())
	feed := NewFeed("wss://example", 0, 0, table, zap.NewNop())
	feed.handleMessage([]byte(`{"symbol":"ETH","price":"1850.25"}`))
	px, err := table.Price("ETH")
	if err != nil {
		t.Fatalf("expected price set, got %v", err)
	}
	if !px.Equal(decimal.RequireFromString("1850.25")) {
		t.Fatalf("expected 1850.25, got %s", px)
	}
	// Garbage frames must not disturb the table.
	feed.handleMessage([]byte(`not json`))
	feed.handleMessage([]byte(`{"price":"10"}`))
	if px, _ := table.Price("ETH"); !px.Equal(decimal.RequireFromString("1850.25")) {
		t.Fatalf("price should be unchanged, got %s", px)
	}
}
