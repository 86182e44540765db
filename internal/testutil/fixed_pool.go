package testutil

import (
	"fmt"
	"math/big"

	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/pool"

	"github.com/holiman/uint256"
)

// FixedPricePool fills every swap at a price the test sets, with no price
// impact and no liquidity book. Clones share the price, so moving it through
// the handle a test kept also moves the copy the clearing house committed.
type FixedPricePool struct {
	price    *sharedPrice
	spacing  int32
	feeRatio uint32
}

type sharedPrice struct {
	sqrtPriceX96 *big.Int
}

var _ pool.AMM = (*FixedPricePool)(nil)

// NewFixedPricePool starts at price root², so the mark is exactly
// root² × 1e18.
func NewFixedPricePool(root int64, feeRatio uint32) *FixedPricePool {
	p := &FixedPricePool{price: &sharedPrice{}, spacing: 1, feeRatio: feeRatio}
	p.SetPriceRoot(root)
	return p
}

// SetPriceRoot sets the price to root².
func (p *FixedPricePool) SetPriceRoot(root int64) {
	p.price.sqrtPriceX96 = new(big.Int).Mul(big.NewInt(root), fpmath.Q96)
}

func (p *FixedPricePool) Price() *big.Int {
	return fpmath.PriceFromSqrtPriceX96(p.price.sqrtPriceX96)
}

func (p *FixedPricePool) Slot0() pool.Slot0 {
	sqrtP := new(big.Int).Set(p.price.sqrtPriceX96)
	return pool.Slot0{SqrtPriceX96: sqrtP, Tick: pool.TickAtSqrtPrice(sqrtP)}
}

func (p *FixedPricePool) Liquidity() *big.Int { return new(big.Int) }
func (p *FixedPricePool) TickSpacing() int32  { return p.spacing }
func (p *FixedPricePool) FeeRatio() uint32    { return p.feeRatio }

// Swap converts at the fixed price. Base-to-quote swaps pay the clearing
// house fee on the quote output; quote-to-base swaps pay the native fee on
// the quote input.
func (p *FixedPricePool) Swap(params pool.SwapParams) (pool.SwapResult, error) {
	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return pool.SwapResult{}, pool.ErrZeroAmount
	}
	price := p.Price()
	one := fpmath.Units(1)
	res := pool.SwapResult{SqrtPriceX96: new(big.Int).Set(p.price.sqrtPriceX96)}
	res.Tick = pool.TickAtSqrtPrice(res.SqrtPriceX96)

	if params.IsBaseToQuote {
		var baseIn, quoteOut *big.Int
		if params.IsExactInput {
			baseIn = new(big.Int).Set(params.Amount)
			quoteOut = fpmath.MulDiv(baseIn, price, one, fpmath.RoundFloor)
		} else {
			quoteOut = new(big.Int).Set(params.Amount)
			baseIn = fpmath.MulDiv(quoteOut, one, price, fpmath.RoundUp)
		}
		fee := fpmath.MulRatio(quoteOut, int64(params.ClearingHouseFeeRatio), fpmath.RoundUp)
		res.Base = new(big.Int).Neg(baseIn)
		res.Quote = fpmath.Sub(quoteOut, fee)
		res.Fee = fee
		return res, nil
	}

	var quoteIn, fee, baseOut *big.Int
	if params.IsExactInput {
		quoteIn = new(big.Int).Set(params.Amount)
		fee = fpmath.MulRatio(quoteIn, int64(p.feeRatio), fpmath.RoundUp)
		baseOut = fpmath.MulDiv(fpmath.Sub(quoteIn, fee), one, price, fpmath.RoundFloor)
	} else {
		baseOut = new(big.Int).Set(params.Amount)
		net := fpmath.MulDiv(baseOut, price, one, fpmath.RoundUp)
		quoteIn = fpmath.MulDiv(net, big.NewInt(fpmath.RatioScale), big.NewInt(fpmath.RatioScale-int64(p.feeRatio)), fpmath.RoundUp)
		fee = fpmath.Sub(quoteIn, net)
	}
	res.Base = baseOut
	res.Quote = new(big.Int).Neg(quoteIn)
	res.Fee = fee
	return res, nil
}

func (p *FixedPricePool) Mint(lower, upper int32, liquidity *big.Int) (*big.Int, *big.Int, error) {
	return nil, nil, fmt.Errorf("%w: fixed price pool takes no liquidity", pool.ErrZeroLiquidity)
}

func (p *FixedPricePool) Burn(lower, upper int32, liquidity *big.Int) (*big.Int, *big.Int, error) {
	return nil, nil, fmt.Errorf("%w: fixed price pool holds no liquidity", pool.ErrLiquidityUnderflow)
}

func (p *FixedPricePool) FeeGrowthInside(lower, upper int32) pool.FeeGrowth {
	return pool.FeeGrowth{ClearingHouseX128: new(uint256.Int), PoolX128: new(uint256.Int)}
}

func (p *FixedPricePool) AmountsForLiquidity(lower, upper int32, liquidity *big.Int) (*big.Int, *big.Int) {
	return new(big.Int), new(big.Int)
}

func (p *FixedPricePool) Clone() pool.AMM {
	c := *p
	return &c
}
