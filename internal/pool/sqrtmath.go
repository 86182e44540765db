package pool

import (
	"math/big"

	fpmath "PerpClearing/internal/math"
)

var (
	q96       = fpmath.Q96
	feeDenom  = big.NewInt(1_000_000)
	bigOneInt = big.NewInt(1)
)

func mulDiv(a, b, d *big.Int) *big.Int {
	return fpmath.MulDiv(a, b, d, fpmath.RoundDown)
}

func mulDivRoundingUp(a, b, d *big.Int) *big.Int {
	return fpmath.MulDiv(a, b, d, fpmath.RoundUp)
}

func divRoundingUp(a, d *big.Int) *big.Int {
	return fpmath.Div(a, d, fpmath.RoundUp)
}

func orderSqrt(a, b *big.Int) (*big.Int, *big.Int) {
	if a.Cmp(b) > 0 {
		return b, a
	}
	return a, b
}

// Amount0Delta is the base amount between two square-root prices for a
// liquidity amount.
func Amount0Delta(sqrtA, sqrtB, liquidity *big.Int, roundUp bool) *big.Int {
	sqrtA, sqrtB = orderSqrt(sqrtA, sqrtB)
	if sqrtA.Sign() == 0 {
		return new(big.Int)
	}
	num1 := new(big.Int).Lsh(liquidity, 96)
	num2 := new(big.Int).Sub(sqrtB, sqrtA)
	if roundUp {
		return divRoundingUp(mulDivRoundingUp(num1, num2, sqrtB), sqrtA)
	}
	return new(big.Int).Quo(mulDiv(num1, num2, sqrtB), sqrtA)
}

// Amount1Delta is the quote amount between two square-root prices for a
// liquidity amount.
func Amount1Delta(sqrtA, sqrtB, liquidity *big.Int, roundUp bool) *big.Int {
	sqrtA, sqrtB = orderSqrt(sqrtA, sqrtB)
	diff := new(big.Int).Sub(sqrtB, sqrtA)
	if roundUp {
		return mulDivRoundingUp(liquidity, diff, q96)
	}
	return mulDiv(liquidity, diff, q96)
}

func nextSqrtPriceFromAmount0RoundingUp(sqrtP, liquidity, amount *big.Int, add bool) (*big.Int, error) {
	if amount.Sign() == 0 {
		return new(big.Int).Set(sqrtP), nil
	}
	num1 := new(big.Int).Lsh(liquidity, 96)
	product := new(big.Int).Mul(amount, sqrtP)
	if add {
		denominator := new(big.Int).Add(num1, product)
		return mulDivRoundingUp(num1, sqrtP, denominator), nil
	}
	if num1.Cmp(product) <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	denominator := new(big.Int).Sub(num1, product)
	return mulDivRoundingUp(num1, sqrtP, denominator), nil
}

func nextSqrtPriceFromAmount1RoundingDown(sqrtP, liquidity, amount *big.Int, add bool) (*big.Int, error) {
	shifted := new(big.Int).Lsh(amount, 96)
	if add {
		quotient := new(big.Int).Quo(shifted, liquidity)
		return quotient.Add(quotient, sqrtP), nil
	}
	quotient := divRoundingUp(shifted, liquidity)
	if sqrtP.Cmp(quotient) <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	return quotient.Sub(sqrtP, quotient), nil
}

func nextSqrtPriceFromInput(sqrtP, liquidity, amountIn *big.Int, zeroForOne bool) (*big.Int, error) {
	if zeroForOne {
		return nextSqrtPriceFromAmount0RoundingUp(sqrtP, liquidity, amountIn, true)
	}
	return nextSqrtPriceFromAmount1RoundingDown(sqrtP, liquidity, amountIn, true)
}

func nextSqrtPriceFromOutput(sqrtP, liquidity, amountOut *big.Int, zeroForOne bool) (*big.Int, error) {
	if zeroForOne {
		return nextSqrtPriceFromAmount1RoundingDown(sqrtP, liquidity, amountOut, false)
	}
	return nextSqrtPriceFromAmount0RoundingUp(sqrtP, liquidity, amountOut, false)
}

type swapStep struct {
	sqrtNext  *big.Int
	amountIn  *big.Int
	amountOut *big.Int
	feeAmount *big.Int
}

// computeSwapStep moves the price from current towards target within a single
// liquidity segment. amountRemaining > 0 is exact input, < 0 exact output.
// feePips is charged on the input side.
func computeSwapStep(sqrtCurrent, sqrtTarget, liquidity, amountRemaining *big.Int, feePips uint32) (swapStep, error) {
	zeroForOne := sqrtCurrent.Cmp(sqrtTarget) >= 0
	exactIn := amountRemaining.Sign() >= 0
	fee := big.NewInt(int64(feePips))

	var (
		next      *big.Int
		amountIn  *big.Int
		amountOut *big.Int
		err       error
	)

	if exactIn {
		lessFee := mulDiv(amountRemaining, new(big.Int).Sub(feeDenom, fee), feeDenom)
		if zeroForOne {
			amountIn = Amount0Delta(sqrtTarget, sqrtCurrent, liquidity, true)
		} else {
			amountIn = Amount1Delta(sqrtCurrent, sqrtTarget, liquidity, true)
		}
		if lessFee.Cmp(amountIn) >= 0 {
			next = new(big.Int).Set(sqrtTarget)
		} else if next, err = nextSqrtPriceFromInput(sqrtCurrent, liquidity, lessFee, zeroForOne); err != nil {
			return swapStep{}, err
		}
	} else {
		wanted := new(big.Int).Neg(amountRemaining)
		if zeroForOne {
			amountOut = Amount1Delta(sqrtTarget, sqrtCurrent, liquidity, false)
		} else {
			amountOut = Amount0Delta(sqrtCurrent, sqrtTarget, liquidity, false)
		}
		if wanted.Cmp(amountOut) >= 0 {
			next = new(big.Int).Set(sqrtTarget)
		} else if next, err = nextSqrtPriceFromOutput(sqrtCurrent, liquidity, wanted, zeroForOne); err != nil {
			return swapStep{}, err
		}
	}

	reachedTarget := next.Cmp(sqrtTarget) == 0

	if zeroForOne {
		if !(reachedTarget && exactIn) {
			amountIn = Amount0Delta(next, sqrtCurrent, liquidity, true)
		}
		if !(reachedTarget && !exactIn) {
			amountOut = Amount1Delta(next, sqrtCurrent, liquidity, false)
		}
	} else {
		if !(reachedTarget && exactIn) {
			amountIn = Amount1Delta(sqrtCurrent, next, liquidity, true)
		}
		if !(reachedTarget && !exactIn) {
			amountOut = Amount0Delta(sqrtCurrent, next, liquidity, false)
		}
	}

	if !exactIn {
		wanted := new(big.Int).Neg(amountRemaining)
		if amountOut.Cmp(wanted) > 0 {
			amountOut = wanted
		}
	}

	var feeAmount *big.Int
	if exactIn && !reachedTarget {
		feeAmount = new(big.Int).Sub(amountRemaining, amountIn)
	} else {
		feeAmount = mulDivRoundingUp(amountIn, fee, new(big.Int).Sub(feeDenom, fee))
	}

	return swapStep{
		sqrtNext:  next,
		amountIn:  amountIn,
		amountOut: amountOut,
		feeAmount: feeAmount,
	}, nil
}

// LiquidityForAmounts returns the largest liquidity the given amounts can back
// in [sqrtA, sqrtB] at price sqrtP.
func LiquidityForAmounts(sqrtP, sqrtA, sqrtB, amount0, amount1 *big.Int) *big.Int {
	sqrtA, sqrtB = orderSqrt(sqrtA, sqrtB)
	switch {
	case sqrtP.Cmp(sqrtA) <= 0:
		return liquidityForAmount0(sqrtA, sqrtB, amount0)
	case sqrtP.Cmp(sqrtB) < 0:
		l0 := liquidityForAmount0(sqrtP, sqrtB, amount0)
		l1 := liquidityForAmount1(sqrtA, sqrtP, amount1)
		if l0.Cmp(l1) < 0 {
			return l0
		}
		return l1
	default:
		return liquidityForAmount1(sqrtA, sqrtB, amount1)
	}
}

func liquidityForAmount0(sqrtA, sqrtB, amount0 *big.Int) *big.Int {
	intermediate := mulDiv(sqrtA, sqrtB, q96)
	return mulDiv(amount0, intermediate, new(big.Int).Sub(sqrtB, sqrtA))
}

func liquidityForAmount1(sqrtA, sqrtB, amount1 *big.Int) *big.Int {
	return mulDiv(amount1, q96, new(big.Int).Sub(sqrtB, sqrtA))
}

// amountsForLiquidity mirrors mint/burn token accounting for a range relative
// to the current tick.
func amountsForLiquidity(sqrtP *big.Int, tick, lower, upper int32, liquidity *big.Int, roundUp bool) (*big.Int, *big.Int) {
	sqrtLower := SqrtPriceAtTick(lower)
	sqrtUpper := SqrtPriceAtTick(upper)
	switch {
	case tick < lower:
		return Amount0Delta(sqrtLower, sqrtUpper, liquidity, roundUp), new(big.Int)
	case tick < upper:
		return Amount0Delta(sqrtP, sqrtUpper, liquidity, roundUp), Amount1Delta(sqrtLower, sqrtP, liquidity, roundUp)
	default:
		return new(big.Int), Amount1Delta(sqrtLower, sqrtUpper, liquidity, roundUp)
	}
}
