package testutil

import (
	"math/big"

	fpmath "PerpClearing/internal/math"
)

// Amount parses a decimal string such as "18.90625" into an 18-decimal
// amount. It panics on malformed input.
func Amount(s string) *big.Int {
	return fpmath.MustParseAmount(s)
}

// USDC returns n whole USDC in 6-decimal native units.
func USDC(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}
