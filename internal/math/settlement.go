package math

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// ParseSettlementToken rebases a token-native amount to internal precision.
// Tokens with more than 18 decimals lose their extra digits rounding down.
func ParseSettlementToken(amount *big.Int, tokenDecimals uint8) *big.Int {
	d := int(tokenDecimals)
	switch {
	case d == Decimals:
		return new(big.Int).Set(amount)
	case d < Decimals:
		return new(big.Int).Mul(amount, pow10(Decimals-d))
	default:
		return Div(amount, pow10(d-Decimals), RoundFloor)
	}
}

// FormatSettlementToken converts an internal amount to token-native units.
// Withdrawals use RoundFloor so the vault never pays out more than it owes.
func FormatSettlementToken(amount *big.Int, tokenDecimals uint8, mode RoundingMode) *big.Int {
	d := int(tokenDecimals)
	switch {
	case d == Decimals:
		return new(big.Int).Set(amount)
	case d < Decimals:
		return Div(amount, pow10(Decimals-d), mode)
	default:
		return new(big.Int).Mul(amount, pow10(d-Decimals))
	}
}

// ParseRatio parses a decimal fraction such as "0.0625" into parts per million.
func ParseRatio(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse ratio %q: %w", s, err)
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return 0, fmt.Errorf("ratio %q out of range [0, 1]", s)
	}
	scaled := d.Mul(decimal.NewFromInt(RatioScale))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("ratio %q is finer than 1 ppm", s)
	}
	return scaled.IntPart(), nil
}

// FormatRatio renders a ppm ratio as a decimal fraction.
func FormatRatio(ratio int64) string {
	return decimal.New(ratio, -6).String()
}

// ParseAmount parses a human-readable decimal string into an internal amount.
func ParseAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	shifted := d.Shift(Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", s, Decimals)
	}
	return shifted.BigInt(), nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) *big.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatAmount renders an internal amount as a decimal string.
func FormatAmount(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x, -Decimals).String()
}

// AmountFloat64 converts an internal amount to a float for metrics.
func AmountFloat64(x *big.Int) float64 {
	if x == nil {
		return 0
	}
	return decimal.NewFromBigInt(x, -Decimals).InexactFloat64()
}
