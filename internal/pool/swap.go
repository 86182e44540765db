package pool

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

type SwapParams struct {
	IsBaseToQuote bool
	IsExactInput  bool
	// Amount is the input (exact input) or gross output (exact output).
	Amount *big.Int
	// SqrtPriceLimitX96 bounds the final price; nil means the tick range edge.
	SqrtPriceLimitX96 *big.Int
	// ClearingHouseFeeRatio is charged in ppm on the quote output of
	// base-to-quote swaps. Quote-to-base swaps pay the native fee instead.
	ClearingHouseFeeRatio uint32
}

// SwapResult is seen from the trader: Base and Quote are signed balance
// changes, Quote already net of Fee.
type SwapResult struct {
	Base         *big.Int
	Quote        *big.Int
	Fee          *big.Int
	SqrtPriceX96 *big.Int
	Tick         int32
	CrossedTicks int
}

type tickCross struct {
	tick     int32
	globalCH uint256.Int
	globalP  uint256.Int
}

// Swap executes the whole amount or nothing. A swap that cannot be filled
// before reaching the price limit returns ErrInsufficientLiquidity and leaves
// the pool untouched.
func (p *Pool) Swap(params SwapParams) (SwapResult, error) {
	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return SwapResult{}, ErrZeroAmount
	}
	zeroForOne := params.IsBaseToQuote

	limit := params.SqrtPriceLimitX96
	if limit == nil {
		if zeroForOne {
			limit = new(big.Int).Add(MinSqrtPriceX96, bigOneInt)
		} else {
			limit = new(big.Int).Sub(MaxSqrtPriceX96, bigOneInt)
		}
	}
	if zeroForOne {
		if limit.Cmp(p.sqrtPriceX96) >= 0 || limit.Cmp(MinSqrtPriceX96) <= 0 {
			return SwapResult{}, fmt.Errorf("%w: %s", ErrInvalidPriceLimit, limit)
		}
	} else if limit.Cmp(p.sqrtPriceX96) <= 0 || limit.Cmp(MaxSqrtPriceX96) >= 0 {
		return SwapResult{}, fmt.Errorf("%w: %s", ErrInvalidPriceLimit, limit)
	}

	var nativeFee uint32
	if !zeroForOne {
		nativeFee = p.feeRatio
	}
	chFeeRatio := big.NewInt(int64(params.ClearingHouseFeeRatio))

	remaining := new(big.Int).Set(params.Amount)
	if !params.IsExactInput {
		remaining.Neg(remaining)
	}

	sqrtP := new(big.Int).Set(p.sqrtPriceX96)
	tick := p.tick
	liquidity := new(big.Int).Set(p.liquidity)
	globalCH := p.feeGrowthGlobalCH
	globalPool := p.feeGrowthGlobalPool

	totalIn := new(big.Int)
	totalOut := new(big.Int)
	nativeFees := new(big.Int)
	chFees := new(big.Int)
	var crosses []tickCross

	for remaining.Sign() != 0 && sqrtP.Cmp(limit) != 0 {
		start := new(big.Int).Set(sqrtP)
		nextTick, initialized := p.nextInitializedTick(tick, zeroForOne)
		sqrtNext := SqrtPriceAtTick(nextTick)

		target := sqrtNext
		if (zeroForOne && sqrtNext.Cmp(limit) < 0) || (!zeroForOne && sqrtNext.Cmp(limit) > 0) {
			target = limit
		}

		step, err := computeSwapStep(sqrtP, target, liquidity, remaining, nativeFee)
		if err != nil {
			return SwapResult{}, err
		}
		sqrtP = step.sqrtNext

		if params.IsExactInput {
			remaining.Sub(remaining, step.amountIn)
			remaining.Sub(remaining, step.feeAmount)
		} else {
			remaining.Add(remaining, step.amountOut)
		}
		totalIn.Add(totalIn, step.amountIn)
		totalOut.Add(totalOut, step.amountOut)
		nativeFees.Add(nativeFees, step.feeAmount)

		if liquidity.Sign() > 0 {
			if step.feeAmount.Sign() > 0 {
				addGrowth(&globalPool, step.feeAmount, liquidity)
			}
			if zeroForOne && chFeeRatio.Sign() > 0 {
				chFee := mulDivRoundingUp(step.amountOut, chFeeRatio, feeDenom)
				chFees.Add(chFees, chFee)
				addGrowth(&globalCH, chFee, liquidity)
			}
		}

		if sqrtP.Cmp(sqrtNext) == 0 {
			if initialized {
				crosses = append(crosses, tickCross{tick: nextTick, globalCH: globalCH, globalP: globalPool})
				net := p.ticks[nextTick].liquidityNet
				if zeroForOne {
					liquidity.Sub(liquidity, net)
				} else {
					liquidity.Add(liquidity, net)
				}
			}
			if zeroForOne {
				tick = nextTick - 1
			} else {
				tick = nextTick
			}
		} else if sqrtP.Cmp(start) != 0 {
			tick = TickAtSqrtPrice(sqrtP)
		}
	}

	if remaining.Sign() != 0 {
		return SwapResult{}, fmt.Errorf("%w: %s unfilled", ErrInsufficientLiquidity, new(big.Int).Abs(remaining))
	}

	for _, c := range crosses {
		info := p.ticks[c.tick]
		info.outsideCH.Sub(&c.globalCH, &info.outsideCH)
		info.outsidePool.Sub(&c.globalP, &info.outsidePool)
		p.ticks[c.tick] = info
	}
	p.sqrtPriceX96 = sqrtP
	p.tick = tick
	p.liquidity = liquidity
	p.feeGrowthGlobalCH = globalCH
	p.feeGrowthGlobalPool = globalPool

	res := SwapResult{
		SqrtPriceX96: new(big.Int).Set(sqrtP),
		Tick:         tick,
		CrossedTicks: len(crosses),
	}
	paid := new(big.Int).Add(totalIn, nativeFees)
	if zeroForOne {
		res.Base = paid.Neg(paid)
		res.Quote = new(big.Int).Sub(totalOut, chFees)
		res.Fee = chFees
	} else {
		res.Base = totalOut
		res.Quote = paid.Neg(paid)
		res.Fee = nativeFees
	}
	return res, nil
}

func addGrowth(global *uint256.Int, fee, liquidity *big.Int) {
	g := new(big.Int).Lsh(fee, 128)
	g.Quo(g, liquidity)
	delta, _ := uint256.FromBig(g)
	global.Add(global, delta)
}
