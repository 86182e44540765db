package pool

import (
	"math/big"

	lru "github.com/hashicorp/golang-lru"
)

const (
	MinTick int32 = -887272
	MaxTick int32 = 887272

	// Binary precision of the 1.0001^(tick/2) evaluation. Far beyond the
	// 160 bits a Q64.96 price can hold, so truncation is the only rounding.
	tickMathPrec = 256
)

var (
	sqrtTickBase = func() *big.Float {
		base := new(big.Float).SetPrec(tickMathPrec).SetInt64(10001)
		base.Quo(base, new(big.Float).SetPrec(tickMathPrec).SetInt64(10000))
		return new(big.Float).SetPrec(tickMathPrec).Sqrt(base)
	}()

	q96Float = new(big.Float).SetPrec(tickMathPrec).SetInt(new(big.Int).Lsh(big.NewInt(1), 96))

	sqrtPriceCache = mustCache(16384)

	MinSqrtPriceX96 = SqrtPriceAtTick(MinTick)
	MaxSqrtPriceX96 = SqrtPriceAtTick(MaxTick)
)

func mustCache(size int) *lru.Cache {
	c, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return c
}

// SqrtPriceAtTick returns sqrt(1.0001^tick) as a Q64.96 fixed-point number,
// truncated. The result is strictly increasing in tick.
func SqrtPriceAtTick(tick int32) *big.Int {
	if tick < MinTick {
		tick = MinTick
	}
	if tick > MaxTick {
		tick = MaxTick
	}
	if v, ok := sqrtPriceCache.Get(tick); ok {
		return new(big.Int).Set(v.(*big.Int))
	}

	abs := tick
	if abs < 0 {
		abs = -abs
	}
	result := new(big.Float).SetPrec(tickMathPrec).SetInt64(1)
	base := new(big.Float).SetPrec(tickMathPrec).Set(sqrtTickBase)
	for n := uint32(abs); n > 0; n >>= 1 {
		if n&1 == 1 {
			result.Mul(result, base)
		}
		base.Mul(base, base)
	}
	if tick < 0 {
		result.Quo(new(big.Float).SetPrec(tickMathPrec).SetInt64(1), result)
	}
	result.Mul(result, q96Float)

	out, _ := result.Int(nil)
	sqrtPriceCache.Add(tick, new(big.Int).Set(out))
	return out
}

// TickAtSqrtPrice returns the greatest tick whose square-root price is at most
// sqrtPriceX96.
func TickAtSqrtPrice(sqrtPriceX96 *big.Int) int32 {
	lo, hi := MinTick, MaxTick
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		if SqrtPriceAtTick(mid).Cmp(sqrtPriceX96) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}
