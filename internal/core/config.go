package core

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// CollateralConfig registers a non-settlement collateral asset. Its balance
// counts toward collateral at indexPrice(PriceFeed) × CollateralRatio.
type CollateralConfig struct {
	Symbol          string
	Decimals        uint8
	PriceFeed       string
	CollateralRatio int64 // ppm
}

// Config holds clearing-house wide parameters. Per-market parameters live in
// state.MarketParams.
type Config struct {
	InitialMarginRatio     int64 // ppm
	MaintenanceMarginRatio int64 // ppm

	QuoteToken         string
	SettlementAsset    string
	SettlementDecimals uint8
	Collaterals        []CollateralConfig

	// InsuranceFund is the account that receives fee and penalty shares and
	// absorbs bad debt.
	InsuranceFund uuid.UUID

	// Positions whose notional is below DustNotionalFloor are liquidated
	// whole. Nil disables the floor.
	DustNotionalFloor *big.Int

	TwapInterval   int64 // seconds
	FundingPeriod  int64 // seconds
	OracleCapacity int

	// IdempotencyCapacity bounds the in-memory command ID cache.
	IdempotencyCapacity int

	// GlobalBalanceCheckEvery runs the ledger zero-sum check every N commits.
	// Zero checks on every commit.
	GlobalBalanceCheckEvery int64
}

var insuranceFundNamespace = uuid.MustParse("3e4b1f0a-8c2d-4f67-b1a9-52d7c3e8f014")

// DefaultConfig returns the parameters the daemon runs with unless
// overridden: 10% initial margin, 6.25% maintenance margin, USDC settlement.
func DefaultConfig() Config {
	return Config{
		InitialMarginRatio:      100_000,
		MaintenanceMarginRatio:  62_500,
		QuoteToken:              "vUSD",
		SettlementAsset:         "USDC",
		SettlementDecimals:      6,
		InsuranceFund:           uuid.NewSHA1(insuranceFundNamespace, []byte("insurance-fund")),
		DustNotionalFloor:       fpmath.Units(10),
		TwapInterval:            900,
		FundingPeriod:           86_400,
		OracleCapacity:          1024,
		IdempotencyCapacity:     1_000_000,
		GlobalBalanceCheckEvery: 100,
	}
}

// WithRatios overrides the margin ratios from decimal strings such as
// "0.1" and "0.0625".
func (c Config) WithRatios(imr, mmr string) (Config, error) {
	var err error
	if c.InitialMarginRatio, err = fpmath.ParseRatio(imr); err != nil {
		return c, fmt.Errorf("initial margin ratio: %w", err)
	}
	if c.MaintenanceMarginRatio, err = fpmath.ParseRatio(mmr); err != nil {
		return c, fmt.Errorf("maintenance margin ratio: %w", err)
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.InitialMarginRatio <= 0 || c.InitialMarginRatio > fpmath.RatioScale {
		return fmt.Errorf("initial margin ratio must be in (0, 1_000_000], got %d", c.InitialMarginRatio)
	}
	if c.MaintenanceMarginRatio <= 0 || c.MaintenanceMarginRatio > c.InitialMarginRatio {
		return fmt.Errorf("maintenance margin ratio must be in (0, imr], got %d", c.MaintenanceMarginRatio)
	}
	if c.QuoteToken == "" || c.SettlementAsset == "" {
		return errors.New("quote token and settlement asset must be set")
	}
	if c.InsuranceFund == uuid.Nil {
		return errors.New("insurance fund account must be set")
	}
	if c.TwapInterval <= 0 || c.FundingPeriod <= 0 {
		return errors.New("twap interval and funding period must be positive")
	}
	seen := map[string]bool{c.SettlementAsset: true}
	for _, col := range c.Collaterals {
		if seen[col.Symbol] {
			return fmt.Errorf("collateral %s listed twice", col.Symbol)
		}
		seen[col.Symbol] = true
		if col.PriceFeed == "" {
			return fmt.Errorf("collateral %s has no price feed", col.Symbol)
		}
		if col.CollateralRatio < 0 || col.CollateralRatio > fpmath.RatioScale {
			return fmt.Errorf("collateral %s ratio out of range: %d", col.Symbol, col.CollateralRatio)
		}
	}
	return nil
}
