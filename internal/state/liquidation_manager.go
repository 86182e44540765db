package state

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "PerpClearing/internal/math"
)

var (
	ErrWrongLiquidationDirection = errors.New("state: liquidation size sign differs from position")
	ErrOverLiquidationCap        = errors.New("state: liquidation size exceeds cap")
	ErrNothingToLiquidate        = errors.New("state: no position to liquidate")
)

// LiquidationCap returns the largest absolute size a liquidator may take
// over. The whole position is available when the margin ratio is below half
// the maintenance ratio or when the position's notional is below the dust
// floor; otherwise partialCloseRatio of it.
func LiquidationCap(size, absNotional *big.Int, marginRatio, mmr, partialCloseRatio int64, dustFloor *big.Int) (cap *big.Int, full bool) {
	abs := fpmath.Abs(size)
	if marginRatio < mmr/2 || (dustFloor != nil && absNotional.Cmp(dustFloor) < 0) {
		return abs, true
	}
	partial := fpmath.MulRatio(abs, partialCloseRatio, fpmath.RoundDown)
	if partial.Cmp(abs) >= 0 {
		return abs, true
	}
	return partial, false
}

// ResolveLiquidationSize validates a liquidator's request against the
// position and cap and returns the signed size to take over (same sign as the
// position). A zero request means the cap.
func ResolveLiquidationSize(size, requested, cap *big.Int) (*big.Int, error) {
	if size.Sign() == 0 {
		return nil, ErrNothingToLiquidate
	}
	if requested == nil || requested.Sign() == 0 {
		out := new(big.Int).Set(cap)
		if size.Sign() < 0 {
			out.Neg(out)
		}
		return out, nil
	}
	if requested.Sign() != size.Sign() {
		return nil, fmt.Errorf("%w: position %s, requested %s", ErrWrongLiquidationDirection, size, requested)
	}
	if requested.CmpAbs(cap) > 0 {
		return nil, fmt.Errorf("%w: cap %s, requested %s", ErrOverLiquidationCap, cap, requested)
	}
	return new(big.Int).Set(requested), nil
}

// PenaltySplit routes a liquidation penalty. Penalty is charged to the
// liquidated trader; InsuranceFee goes to the insurance fund; the rest is the
// liquidator's discount on the taken-over notional.
type PenaltySplit struct {
	Notional           *big.Int
	Penalty            *big.Int
	InsuranceFee       *big.Int
	LiquidatorDiscount *big.Int
}

func SplitPenalty(notional *big.Int, penaltyRatio, insuranceShare int64) PenaltySplit {
	penalty := fpmath.MulRatio(notional, penaltyRatio, fpmath.RoundUp)
	insurance := fpmath.MulRatio(penalty, insuranceShare, fpmath.RoundDown)
	return PenaltySplit{
		Notional:           new(big.Int).Set(notional),
		Penalty:            penalty,
		InsuranceFee:       insurance,
		LiquidatorDiscount: fpmath.Sub(penalty, insurance),
	}
}

// CurrentLiquidationState derives the state visible to callers from the
// stored state and the live margin ratio.
func CurrentLiquidationState(stored LiquidationState, hasPosition bool, marginRatio, mmr int64) LiquidationState {
	if hasPosition && marginRatio < mmr {
		return LiquidationStateLiquidatable
	}
	if hasPosition && stored == LiquidationStateLiquidatable {
		return LiquidationStateHealthy
	}
	return stored
}
