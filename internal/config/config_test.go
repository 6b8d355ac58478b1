package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func baseConfig() *Config {
	cfg := &Config{Strategy: StrategyConfig{Asset: "USDC", Product: "ETH"}}
	applyDefaults(cfg)
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := baseConfig()
	if cfg.Log.Level != "info" {
		t.Fatalf("expected info level, got %q", cfg.Log.Level)
	}
	if cfg.Venue.Mode != "sim" {
		t.Fatalf("expected sim venue mode, got %q", cfg.Venue.Mode)
	}
	if cfg.Venue.Market != "ETH-PERP" {
		t.Fatalf("expected derived market ETH-PERP, got %q", cfg.Venue.Market)
	}
	if cfg.Strategy.UpkeepInterval != 30*time.Second {
		t.Fatalf("expected upkeep interval default, got %v", cfg.Strategy.UpkeepInterval)
	}
	if !cfg.Strategy.TargetLeverage.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected target leverage 3, got %s", cfg.Strategy.TargetLeverage)
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := baseConfig()
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateLeverageOrdering(t *testing.T) {
	cfg := baseConfig()
	cfg.Strategy.MaxLeverage = decimal.NewFromInt(2)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for target >= max")
	}

	cfg = baseConfig()
	cfg.Strategy.SafeMarginLeverage = cfg.Strategy.MaxLeverage
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for max >= safe_margin")
	}

	cfg = baseConfig()
	cfg.Strategy.MinLeverage = cfg.Strategy.TargetLeverage
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for min >= target")
	}
}

func TestValidateRequiresAssets(t *testing.T) {
	cfg := baseConfig()
	cfg.Strategy.Asset = ""
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing asset")
	}

	cfg = baseConfig()
	cfg.Strategy.Product = cfg.Strategy.Asset
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for asset == product")
	}
}

func TestValidateVenueMode(t *testing.T) {
	cfg := baseConfig()
	cfg.Venue.Mode = "paper"
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for unknown venue mode")
	}

	cfg = baseConfig()
	cfg.Venue.Mode = "rest"
	cfg.Venue.BaseURL = ""
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for rest mode without base_url")
	}
}
