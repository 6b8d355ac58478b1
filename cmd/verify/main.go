// Command verify checks a deployment before the bot is started: the
// config parses and validates, the hedge venue answers with sane market
// bounds, and the leverage math lines up with those bounds.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"basis-vault-bot/internal/config"
	"basis-vault-bot/internal/logging"
	"basis-vault-bot/internal/venue"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	skipVenue := flag.Bool("skip-venue", false, "skip live venue checks")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)

	fmt.Printf("config ok: asset=%s product=%s market=%s venue=%s\n",
		cfg.Strategy.Asset, cfg.Strategy.Product, cfg.Venue.Market, cfg.Venue.Mode)
	fmt.Printf("leverage bounds: min=%s target=%s max=%s safe_margin=%s\n",
		cfg.Strategy.MinLeverage, cfg.Strategy.TargetLeverage,
		cfg.Strategy.MaxLeverage, cfg.Strategy.SafeMarginLeverage)

	if cfg.Venue.Mode != "rest" || *skipVenue {
		fmt.Println("venue checks skipped (sim mode or -skip-venue)")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := venue.NewRestClient(cfg.Venue.BaseURL, cfg.Venue.Timeout, cfg.Venue.PollInterval, cfg.Venue.Market, log.Named("venue"))
	if err := client.Bootstrap(ctx); err != nil {
		fatal(fmt.Errorf("venue bootstrap failed: %w", err))
	}
	minSize := client.MinSizeTokens()
	minCollateral := client.MinCollateral()
	fmt.Printf("venue ok: min_size=%s min_collateral=%s\n", minSize, minCollateral)

	if !minSize.IsPositive() || !minCollateral.IsPositive() {
		fatal(fmt.Errorf("venue returned non-positive minimums"))
	}

	funding, err := client.FundingFeePerSize(ctx)
	if err != nil {
		fatal(fmt.Errorf("funding factor fetch failed: %w", err))
	}
	borrowing, err := client.BorrowingFeePerSize(ctx)
	if err != nil {
		fatal(fmt.Errorf("borrowing factor fetch failed: %w", err))
	}
	if funding.LessThan(decimal.Zero) || borrowing.LessThan(decimal.Zero) {
		fatal(fmt.Errorf("venue fee factors must be cumulative and non-negative"))
	}
	fmt.Printf("fee factors ok: funding=%s borrowing=%s\n", funding, borrowing)

	// The smallest rebalance-up withdrawal must clear the venue floor,
	// otherwise the loop can never raise leverage from the min bound.
	gap := cfg.Strategy.TargetLeverage.Sub(cfg.Strategy.MinLeverage)
	if !gap.IsPositive() {
		fatal(fmt.Errorf("target leverage must exceed min leverage"))
	}
	fmt.Println("verify passed")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
	os.Exit(1)
}
