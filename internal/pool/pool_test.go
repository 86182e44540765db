package pool_test

import (
	"math/big"
	"testing"

	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/pool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, tick int32, feeRatio uint32) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Config{
		TickSpacing:  60,
		FeeRatio:     feeRatio,
		SqrtPriceX96: pool.SqrtPriceAtTick(tick),
	})
	require.NoError(t, err)
	return p
}

func e18(n int64) *big.Int { return fpmath.Units(n) }

// ============================================================================
// Tick math
// ============================================================================

func TestSqrtPriceAtTick_Anchors(t *testing.T) {
	assert.Equal(t, fpmath.Q96.String(), pool.SqrtPriceAtTick(0).String())

	// sqrt(1.0001)^2 * 2^96 = 1.0001 * 2^96, truncated
	want := new(big.Int).Mul(fpmath.Q96, big.NewInt(10001))
	want.Quo(want, big.NewInt(10000))
	assert.Equal(t, want.String(), pool.SqrtPriceAtTick(2).String())
}

func TestSqrtPriceAtTick_Monotonic(t *testing.T) {
	for _, tick := range []int32{pool.MinTick, -50000, -1, 0, 1, 50199, pool.MaxTick - 1} {
		lo := pool.SqrtPriceAtTick(tick)
		hi := pool.SqrtPriceAtTick(tick + 1)
		assert.Equal(t, -1, lo.Cmp(hi), "tick %d", tick)
	}
}

func TestTickAtSqrtPrice_Inverse(t *testing.T) {
	for _, tick := range []int32{pool.MinTick, -50000, -61, -1, 0, 1, 60, 50199, pool.MaxTick} {
		t.Run("", func(t *testing.T) {
			sqrt := pool.SqrtPriceAtTick(tick)
			assert.Equal(t, tick, pool.TickAtSqrtPrice(sqrt))
			if tick > pool.MinTick {
				below := new(big.Int).Sub(sqrt, big.NewInt(1))
				assert.Equal(t, tick-1, pool.TickAtSqrtPrice(below))
			}
		})
	}
}

// ============================================================================
// Mint / burn
// ============================================================================

func TestMint_InRangeUsesBothTokens(t *testing.T) {
	p := newPool(t, 0, 0)

	base, quote, err := p.Mint(-600, 600, e18(1000))
	require.NoError(t, err)
	assert.Equal(t, 1, base.Sign())
	assert.Equal(t, 1, quote.Sign())
	assert.Equal(t, e18(1000).String(), p.Liquidity().String())
	assert.True(t, p.IsInitialized(-600))
	assert.True(t, p.IsInitialized(600))
}

func TestMint_RangeAboveIsBaseOnly(t *testing.T) {
	p := newPool(t, 0, 0)

	base, quote, err := p.Mint(60, 120, e18(1000))
	require.NoError(t, err)
	assert.Equal(t, 1, base.Sign())
	assert.Zero(t, quote.Sign())
	assert.Zero(t, p.Liquidity().Sign())
}

func TestMint_RangeBelowIsQuoteOnly(t *testing.T) {
	p := newPool(t, 0, 0)

	base, quote, err := p.Mint(-120, -60, e18(1000))
	require.NoError(t, err)
	assert.Zero(t, base.Sign())
	assert.Equal(t, 1, quote.Sign())
}

func TestMint_Rejections(t *testing.T) {
	p := newPool(t, 0, 0)

	_, _, err := p.Mint(60, 60, e18(1))
	assert.ErrorIs(t, err, pool.ErrInvalidTickRange)

	_, _, err = p.Mint(-50, 60, e18(1))
	assert.ErrorIs(t, err, pool.ErrTickMisaligned)

	_, _, err = p.Mint(-60, 60, new(big.Int))
	assert.ErrorIs(t, err, pool.ErrZeroLiquidity)
}

func TestBurn_ReturnsAtMostMinted(t *testing.T) {
	p := newPool(t, 0, 0)

	mb, mq, err := p.Mint(-600, 600, e18(1000))
	require.NoError(t, err)

	bb, bq, err := p.Burn(-600, 600, e18(1000))
	require.NoError(t, err)
	assert.LessOrEqual(t, bb.Cmp(mb), 0)
	assert.LessOrEqual(t, bq.Cmp(mq), 0)
	assert.Zero(t, p.Liquidity().Sign())
	assert.False(t, p.IsInitialized(-600))
	assert.False(t, p.IsInitialized(600))

	_, _, err = p.Burn(-600, 600, e18(1))
	assert.ErrorIs(t, err, pool.ErrLiquidityUnderflow)
}

// ============================================================================
// Swap
// ============================================================================

func TestSwap_BaseToQuoteExactInputChargesClearingHouseFee(t *testing.T) {
	p := newPool(t, 0, 1000)
	_, _, err := p.Mint(-6000, 6000, e18(1_000_000))
	require.NoError(t, err)

	res, err := p.Swap(pool.SwapParams{
		IsBaseToQuote:         true,
		IsExactInput:          true,
		Amount:                e18(1),
		ClearingHouseFeeRatio: 1000,
	})
	require.NoError(t, err)

	assert.Equal(t, e18(-1).String(), res.Base.String())
	gross := new(big.Int).Add(res.Quote, res.Fee)
	assert.Equal(t, 1, res.Quote.Sign())
	assert.Equal(t, -1, gross.Cmp(e18(1)), "price only moves down")

	// fee is 0.1% of the gross output, rounded up
	expectedFee := fpmath.MulRatio(gross, 1000, fpmath.RoundUp)
	diff := new(big.Int).Sub(res.Fee, expectedFee)
	assert.LessOrEqual(t, diff.CmpAbs(big.NewInt(1)), 0)

	growth := p.FeeGrowthGlobal()
	assert.False(t, growth.ClearingHouseX128.IsZero())
	assert.Equal(t, -1, p.Slot0().SqrtPriceX96.Cmp(fpmath.Q96))
}

func TestSwap_QuoteToBaseExactInputPaysNativeFee(t *testing.T) {
	p := newPool(t, 0, 1000)
	_, _, err := p.Mint(-6000, 6000, e18(1_000_000))
	require.NoError(t, err)

	res, err := p.Swap(pool.SwapParams{IsExactInput: true, Amount: e18(10)})
	require.NoError(t, err)

	assert.Equal(t, e18(-10).String(), res.Quote.String())
	assert.Equal(t, 1, res.Base.Sign())
	assert.Equal(t, 1, res.Fee.Sign())
	assert.True(t, p.FeeGrowthGlobal().ClearingHouseX128.IsZero())
	assert.False(t, p.FeeGrowthGlobal().PoolX128.IsZero())
	assert.Equal(t, 1, p.Slot0().SqrtPriceX96.Cmp(fpmath.Q96))
}

func TestSwap_ExactOutputFillsExactly(t *testing.T) {
	p := newPool(t, 0, 1000)
	_, _, err := p.Mint(-6000, 6000, e18(1_000_000))
	require.NoError(t, err)

	res, err := p.Swap(pool.SwapParams{IsExactInput: false, Amount: e18(3)})
	require.NoError(t, err)
	assert.Equal(t, e18(3).String(), res.Base.String())
	assert.Equal(t, -1, res.Quote.Sign())
}

func TestSwap_CrossesInitializedTick(t *testing.T) {
	p := newPool(t, 0, 0)
	la := new(big.Int).Mul(e18(1000), big.NewInt(1000))
	lb := new(big.Int).Mul(e18(2000), big.NewInt(1000))
	_, _, err := p.Mint(-600, 600, la)
	require.NoError(t, err)
	_, _, err = p.Mint(-1200, -600, lb)
	require.NoError(t, err)

	res, err := p.Swap(pool.SwapParams{
		IsBaseToQuote: true,
		IsExactInput:  true,
		Amount:        e18(40_000),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CrossedTicks)
	assert.Less(t, res.Tick, int32(-600))
	assert.Greater(t, res.Tick, int32(-1200))
	assert.Equal(t, lb.String(), p.Liquidity().String())
}

func TestSwap_InsufficientLiquidityLeavesPoolUntouched(t *testing.T) {
	p := newPool(t, 0, 0)
	_, _, err := p.Mint(-60, 60, e18(10))
	require.NoError(t, err)
	before := p.Slot0()

	_, err = p.Swap(pool.SwapParams{IsBaseToQuote: true, IsExactInput: true, Amount: e18(1000)})
	require.ErrorIs(t, err, pool.ErrInsufficientLiquidity)

	after := p.Slot0()
	assert.Equal(t, before.SqrtPriceX96.String(), after.SqrtPriceX96.String())
	assert.Equal(t, before.Tick, after.Tick)
	assert.Equal(t, e18(10).String(), p.Liquidity().String())
}

func TestSwap_Rejections(t *testing.T) {
	p := newPool(t, 0, 0)

	_, err := p.Swap(pool.SwapParams{IsExactInput: true, Amount: new(big.Int)})
	assert.ErrorIs(t, err, pool.ErrZeroAmount)

	_, err = p.Swap(pool.SwapParams{
		IsBaseToQuote:     true,
		IsExactInput:      true,
		Amount:            e18(1),
		SqrtPriceLimitX96: pool.SqrtPriceAtTick(60),
	})
	assert.ErrorIs(t, err, pool.ErrInvalidPriceLimit)
}

func TestClone_IsIndependent(t *testing.T) {
	p := newPool(t, 0, 0)
	_, _, err := p.Mint(-600, 600, e18(1_000_000))
	require.NoError(t, err)

	c := p.Clone()
	_, err = c.Swap(pool.SwapParams{IsBaseToQuote: true, IsExactInput: true, Amount: e18(100)})
	require.NoError(t, err)
	_, _, err = c.Mint(600, 1200, e18(5))
	require.NoError(t, err)

	assert.Equal(t, fpmath.Q96.String(), p.Slot0().SqrtPriceX96.String())
	assert.False(t, p.IsInitialized(1200))
	assert.NotEqual(t, p.Slot0().Tick, c.Slot0().Tick)
}

// ============================================================================
// Fee attribution
// ============================================================================

func TestFeeGrowthInside_ProRataByLiquidity(t *testing.T) {
	p := newPool(t, 0, 3000)
	la := e18(300_000)
	lb := e18(100_000)
	_, _, err := p.Mint(-600, 600, la)
	require.NoError(t, err)
	_, _, err = p.Mint(-600, 600, lb)
	require.NoError(t, err)

	start := p.FeeGrowthInside(-600, 600)

	_, err = p.Swap(pool.SwapParams{IsBaseToQuote: true, IsExactInput: true, Amount: e18(50), ClearingHouseFeeRatio: 1000})
	require.NoError(t, err)
	_, err = p.Swap(pool.SwapParams{IsExactInput: true, Amount: e18(80)})
	require.NoError(t, err)

	delta := p.FeeGrowthInside(-600, 600).Sub(start)
	chA, natA := pool.FeesEarned(delta, la)
	chB, natB := pool.FeesEarned(delta, lb)

	assert.Equal(t, 1, chB.Sign())
	assert.Equal(t, 1, natB.Sign())

	tripleCh := new(big.Int).Mul(chB, big.NewInt(3))
	tripleNat := new(big.Int).Mul(natB, big.NewInt(3))
	assert.LessOrEqual(t, new(big.Int).Sub(chA, tripleCh).CmpAbs(big.NewInt(3)), 0)
	assert.LessOrEqual(t, new(big.Int).Sub(natA, tripleNat).CmpAbs(big.NewInt(3)), 0)
}

func TestFeeGrowthInside_OutOfRangeAccruesNothing(t *testing.T) {
	p := newPool(t, 0, 3000)
	_, _, err := p.Mint(-600, 600, e18(100_000))
	require.NoError(t, err)
	_, _, err = p.Mint(1200, 1800, e18(100_000))
	require.NoError(t, err)

	start := p.FeeGrowthInside(1200, 1800)
	_, err = p.Swap(pool.SwapParams{IsBaseToQuote: true, IsExactInput: true, Amount: e18(20), ClearingHouseFeeRatio: 1000})
	require.NoError(t, err)

	delta := p.FeeGrowthInside(1200, 1800).Sub(start)
	assert.True(t, delta.ClearingHouseX128.IsZero())
	assert.True(t, delta.PoolX128.IsZero())
}
