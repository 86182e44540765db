// Package pool implements the concentrated-liquidity market the clearing house
// routes trades through: tick math, swap stepping, range mint/burn, and two
// parallel fee-growth accumulators (clearing-house fees and native pool fees).
package pool

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/btree"
	"github.com/holiman/uint256"
)

var (
	ErrInvalidTickRange      = errors.New("pool: invalid tick range")
	ErrTickMisaligned        = errors.New("pool: tick not aligned to spacing")
	ErrZeroLiquidity         = errors.New("pool: zero liquidity")
	ErrLiquidityUnderflow    = errors.New("pool: burn exceeds tick liquidity")
	ErrInsufficientLiquidity = errors.New("pool: insufficient liquidity to fill swap")
	ErrInvalidPriceLimit     = errors.New("pool: invalid sqrt price limit")
	ErrZeroAmount            = errors.New("pool: zero swap amount")
	ErrInvalidConfig         = errors.New("pool: invalid config")
)

// AMM is the pool surface the clearing house consumes. Clone must return an
// independent copy: the clearing house swaps and mints on clones and only
// keeps them when the whole call succeeds.
type AMM interface {
	Slot0() Slot0
	Liquidity() *big.Int
	TickSpacing() int32
	FeeRatio() uint32
	Swap(params SwapParams) (SwapResult, error)
	Mint(lower, upper int32, liquidity *big.Int) (base, quote *big.Int, err error)
	Burn(lower, upper int32, liquidity *big.Int) (base, quote *big.Int, err error)
	FeeGrowthInside(lower, upper int32) FeeGrowth
	AmountsForLiquidity(lower, upper int32, liquidity *big.Int) (base, quote *big.Int)
	Clone() AMM
}

type Config struct {
	TickSpacing int32
	// FeeRatio is the native fee in parts per million, charged on quote input.
	FeeRatio     uint32
	SqrtPriceX96 *big.Int
}

type Slot0 struct {
	SqrtPriceX96 *big.Int
	Tick         int32
}

// FeeGrowth holds per-unit-of-liquidity fee growth in Q128.128, one value per
// fee domain. Values wrap modulo 2^256; only differences are meaningful.
type FeeGrowth struct {
	ClearingHouseX128 *uint256.Int
	PoolX128          *uint256.Int
}

// Sub returns g - last for both domains, wrapping.
func (g FeeGrowth) Sub(last FeeGrowth) FeeGrowth {
	return FeeGrowth{
		ClearingHouseX128: new(uint256.Int).Sub(orZero(g.ClearingHouseX128), orZero(last.ClearingHouseX128)),
		PoolX128:          new(uint256.Int).Sub(orZero(g.PoolX128), orZero(last.PoolX128)),
	}
}

// Copy returns a FeeGrowth with fresh, non-nil values.
func (g FeeGrowth) Copy() FeeGrowth {
	return FeeGrowth{
		ClearingHouseX128: new(uint256.Int).Set(orZero(g.ClearingHouseX128)),
		PoolX128:          new(uint256.Int).Set(orZero(g.PoolX128)),
	}
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// FeesEarned converts a growth delta into token amounts for a liquidity
// amount, rounding down. Both domains are quote denominated.
func FeesEarned(delta FeeGrowth, liquidity *big.Int) (clearingHouse, native *big.Int) {
	ch := new(big.Int).Mul(orZero(delta.ClearingHouseX128).ToBig(), liquidity)
	ch.Rsh(ch, 128)
	nat := new(big.Int).Mul(orZero(delta.PoolX128).ToBig(), liquidity)
	nat.Rsh(nat, 128)
	return ch, nat
}

type tickInfo struct {
	liquidityGross *big.Int
	liquidityNet   *big.Int
	outsideCH      uint256.Int
	outsidePool    uint256.Int
}

// Pool is a single-market concentrated-liquidity pool. It is not safe for
// concurrent use; the clearing house serializes access.
type Pool struct {
	tickSpacing  int32
	feeRatio     uint32
	sqrtPriceX96 *big.Int
	tick         int32
	liquidity    *big.Int

	feeGrowthGlobalCH   uint256.Int
	feeGrowthGlobalPool uint256.Int

	ticks map[int32]tickInfo
	index *btree.BTreeG[int32]
}

var _ AMM = (*Pool)(nil)

func New(cfg Config) (*Pool, error) {
	if cfg.TickSpacing <= 0 {
		return nil, fmt.Errorf("%w: tick spacing %d", ErrInvalidConfig, cfg.TickSpacing)
	}
	if cfg.FeeRatio >= 1_000_000 {
		return nil, fmt.Errorf("%w: fee ratio %d", ErrInvalidConfig, cfg.FeeRatio)
	}
	if cfg.SqrtPriceX96 == nil || cfg.SqrtPriceX96.Cmp(MinSqrtPriceX96) < 0 || cfg.SqrtPriceX96.Cmp(MaxSqrtPriceX96) >= 0 {
		return nil, fmt.Errorf("%w: sqrt price out of range", ErrInvalidConfig)
	}
	sqrtP := new(big.Int).Set(cfg.SqrtPriceX96)
	return &Pool{
		tickSpacing:  cfg.TickSpacing,
		feeRatio:     cfg.FeeRatio,
		sqrtPriceX96: sqrtP,
		tick:         TickAtSqrtPrice(sqrtP),
		liquidity:    new(big.Int),
		ticks:        make(map[int32]tickInfo),
		index:        btree.NewOrderedG[int32](32),
	}, nil
}

func (p *Pool) Slot0() Slot0 {
	return Slot0{SqrtPriceX96: new(big.Int).Set(p.sqrtPriceX96), Tick: p.tick}
}

func (p *Pool) Liquidity() *big.Int { return new(big.Int).Set(p.liquidity) }
func (p *Pool) TickSpacing() int32  { return p.tickSpacing }
func (p *Pool) FeeRatio() uint32    { return p.feeRatio }

func (p *Pool) FeeGrowthGlobal() FeeGrowth {
	return FeeGrowth{
		ClearingHouseX128: new(uint256.Int).Set(&p.feeGrowthGlobalCH),
		PoolX128:          new(uint256.Int).Set(&p.feeGrowthGlobalPool),
	}
}

// Clone copies the pool. Tick entries hold immutable big.Int pointers and the
// index is cloned copy-on-write, so the copy is cheap.
func (p *Pool) Clone() AMM {
	ticks := make(map[int32]tickInfo, len(p.ticks))
	for k, v := range p.ticks {
		ticks[k] = v
	}
	return &Pool{
		tickSpacing:         p.tickSpacing,
		feeRatio:            p.feeRatio,
		sqrtPriceX96:        new(big.Int).Set(p.sqrtPriceX96),
		tick:                p.tick,
		liquidity:           new(big.Int).Set(p.liquidity),
		feeGrowthGlobalCH:   p.feeGrowthGlobalCH,
		feeGrowthGlobalPool: p.feeGrowthGlobalPool,
		ticks:               ticks,
		index:               p.index.Clone(),
	}
}

// IsInitialized reports whether any liquidity references tick.
func (p *Pool) IsInitialized(tick int32) bool {
	_, ok := p.ticks[tick]
	return ok
}

func (p *Pool) checkTicks(lower, upper int32) error {
	if lower >= upper || lower < MinTick || upper > MaxTick {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidTickRange, lower, upper)
	}
	if lower%p.tickSpacing != 0 || upper%p.tickSpacing != 0 {
		return fmt.Errorf("%w: [%d, %d] spacing %d", ErrTickMisaligned, lower, upper, p.tickSpacing)
	}
	return nil
}

// Mint adds liquidity to [lower, upper) and returns the base and quote the
// range requires, rounded up.
func (p *Pool) Mint(lower, upper int32, liquidity *big.Int) (*big.Int, *big.Int, error) {
	if err := p.checkTicks(lower, upper); err != nil {
		return nil, nil, err
	}
	if liquidity == nil || liquidity.Sign() <= 0 {
		return nil, nil, ErrZeroLiquidity
	}
	p.updateTick(lower, liquidity, false)
	p.updateTick(upper, liquidity, true)
	if p.tick >= lower && p.tick < upper {
		p.liquidity = new(big.Int).Add(p.liquidity, liquidity)
	}
	base, quote := amountsForLiquidity(p.sqrtPriceX96, p.tick, lower, upper, liquidity, true)
	return base, quote, nil
}

// Burn removes liquidity from [lower, upper) and returns the base and quote
// released, rounded down. The pool does not track owners; callers must only
// burn what they minted.
func (p *Pool) Burn(lower, upper int32, liquidity *big.Int) (*big.Int, *big.Int, error) {
	if err := p.checkTicks(lower, upper); err != nil {
		return nil, nil, err
	}
	if liquidity == nil || liquidity.Sign() <= 0 {
		return nil, nil, ErrZeroLiquidity
	}
	lo, okLo := p.ticks[lower]
	hi, okHi := p.ticks[upper]
	if !okLo || !okHi || lo.liquidityGross.Cmp(liquidity) < 0 || hi.liquidityGross.Cmp(liquidity) < 0 {
		return nil, nil, ErrLiquidityUnderflow
	}
	neg := new(big.Int).Neg(liquidity)
	p.updateTick(lower, neg, false)
	p.updateTick(upper, neg, true)
	if p.tick >= lower && p.tick < upper {
		p.liquidity = new(big.Int).Sub(p.liquidity, liquidity)
	}
	base, quote := amountsForLiquidity(p.sqrtPriceX96, p.tick, lower, upper, liquidity, false)
	return base, quote, nil
}

func (p *Pool) updateTick(tick int32, delta *big.Int, upper bool) {
	info, ok := p.ticks[tick]
	if !ok {
		info = tickInfo{liquidityGross: new(big.Int), liquidityNet: new(big.Int)}
		// growth below a freshly initialized tick is assumed to have happened below it
		if tick <= p.tick {
			info.outsideCH = p.feeGrowthGlobalCH
			info.outsidePool = p.feeGrowthGlobalPool
		}
	}
	info.liquidityGross = new(big.Int).Add(info.liquidityGross, delta)
	if upper {
		info.liquidityNet = new(big.Int).Sub(info.liquidityNet, delta)
	} else {
		info.liquidityNet = new(big.Int).Add(info.liquidityNet, delta)
	}
	if info.liquidityGross.Sign() == 0 {
		delete(p.ticks, tick)
		p.index.Delete(tick)
		return
	}
	p.ticks[tick] = info
	p.index.ReplaceOrInsert(tick)
}

// FeeGrowthInside returns the fee growth accumulated inside [lower, upper)
// for both domains.
func (p *Pool) FeeGrowthInside(lower, upper int32) FeeGrowth {
	lo := p.ticks[lower]
	hi := p.ticks[upper]

	inside := func(global, outLower, outUpper uint256.Int) *uint256.Int {
		var below, above uint256.Int
		if p.tick >= lower {
			below = outLower
		} else {
			below.Sub(&global, &outLower)
		}
		if p.tick < upper {
			above = outUpper
		} else {
			above.Sub(&global, &outUpper)
		}
		out := new(uint256.Int).Sub(&global, &below)
		return out.Sub(out, &above)
	}

	return FeeGrowth{
		ClearingHouseX128: inside(p.feeGrowthGlobalCH, lo.outsideCH, hi.outsideCH),
		PoolX128:          inside(p.feeGrowthGlobalPool, lo.outsidePool, hi.outsidePool),
	}
}

// AmountsForLiquidity returns the tokens a liquidity amount in [lower, upper)
// represents at the current price, rounded down.
func (p *Pool) AmountsForLiquidity(lower, upper int32, liquidity *big.Int) (*big.Int, *big.Int) {
	return amountsForLiquidity(p.sqrtPriceX96, p.tick, lower, upper, liquidity, false)
}

func (p *Pool) nextInitializedTick(tick int32, lte bool) (int32, bool) {
	var (
		next  int32
		found bool
	)
	if lte {
		p.index.DescendLessOrEqual(tick, func(t int32) bool {
			next, found = t, true
			return false
		})
		if !found {
			return MinTick, false
		}
		return next, true
	}
	if tick < MaxTick {
		p.index.AscendGreaterOrEqual(tick+1, func(t int32) bool {
			next, found = t, true
			return false
		})
	}
	if !found {
		return MaxTick, false
	}
	return next, true
}
