package state

import "math/big"

// ComputeCoverage splits a bad-debt deficit into what the insurance fund's
// current value covers and what remains uncovered. The fund absorbs the full
// deficit either way; the split records how much of it the fund could pay
// without going negative.
func ComputeCoverage(fundValue, deficit *big.Int) (covered, uncovered *big.Int) {
	if fundValue.Sign() <= 0 {
		return new(big.Int), new(big.Int).Set(deficit)
	}
	if fundValue.Cmp(deficit) >= 0 {
		return new(big.Int).Set(deficit), new(big.Int)
	}
	return new(big.Int).Set(fundValue), new(big.Int).Sub(deficit, fundValue)
}
