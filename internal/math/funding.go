// internal/math/funding.go
package math

import "math/big"

// FundingGrowthDelta returns the increase of the cumulative funding growth
// (quote per unit of base) over an elapsed window:
//
//	(markTwap - indexTwap) * elapsed / period
//
// A positive result means longs pay shorts.
func FundingGrowthDelta(markTwap, indexTwap *big.Int, elapsedSeconds, periodSeconds int64) *big.Int {
	if elapsedSeconds <= 0 || periodSeconds <= 0 {
		return new(big.Int)
	}
	premium := Sub(markTwap, indexTwap)
	return MulDiv(premium, big.NewInt(elapsedSeconds), big.NewInt(periodSeconds), RoundDown)
}

// PendingFunding returns the funding a position has accrued since its checkpoint.
// Positive = the holder receives, negative = the holder pays. Rounded toward
// negative infinity.
func PendingFunding(positionSize, growthGlobal, lastGrowth *big.Int) *big.Int {
	delta := Sub(growthGlobal, lastGrowth)
	if delta.Sign() == 0 || positionSize.Sign() == 0 {
		return new(big.Int)
	}
	owed := MulDiv(positionSize, delta, One, RoundCeil)
	return owed.Neg(owed)
}
