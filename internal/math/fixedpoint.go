// internal/math/fixedpoint.go
package math

import (
	"math/big"
	"sync"
)

// Decimals is the internal precision of every amount and price.
const Decimals = 18

// RatioScale is the denominator of ratios expressed in parts per million.
const RatioScale int64 = 1_000_000

var (
	// One is 1.0 at internal precision.
	One = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

	ratioScaleBig = big.NewInt(RatioScale)
	bigOne        = big.NewInt(1)
)

// Pooled big.Int for intermediate remainders
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // toward zero
	RoundUp                           // away from zero
	RoundFloor                        // toward negative infinity
	RoundCeil                         // toward positive infinity
)

// Div returns numerator / denominator rounded with the given mode.
// denominator must be non-zero.
func Div(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	q := new(big.Int)
	r := getInt()
	defer putInt(r)

	q.QuoRem(numerator, denominator, r)
	if r.Sign() == 0 {
		return q
	}

	negative := (numerator.Sign() < 0) != (denominator.Sign() < 0)
	awayFromZero := false

	switch mode {
	case RoundDown:
	case RoundUp:
		awayFromZero = true
	case RoundFloor:
		awayFromZero = negative
	case RoundCeil:
		awayFromZero = !negative
	case RoundHalfEven:
		twice := getInt()
		absDen := getInt()
		twice.Abs(r)
		twice.Lsh(twice, 1)
		absDen.Abs(denominator)
		cmp := twice.Cmp(absDen)
		awayFromZero = cmp > 0 || (cmp == 0 && q.Bit(0) == 1)
		putInt(twice)
		putInt(absDen)
	}

	if awayFromZero {
		if negative {
			q.Sub(q, bigOne)
		} else {
			q.Add(q, bigOne)
		}
	}
	return q
}

// MulDiv returns a * b / denominator with a single rounding step.
func MulDiv(a, b, denominator *big.Int, mode RoundingMode) *big.Int {
	product := getInt()
	defer putInt(product)
	product.Mul(a, b)
	return Div(product, denominator, mode)
}

// Mul18 multiplies two 18-decimal values.
func Mul18(a, b *big.Int, mode RoundingMode) *big.Int {
	return MulDiv(a, b, One, mode)
}

// Div18 divides two 18-decimal values, keeping 18 decimals.
func Div18(a, b *big.Int, mode RoundingMode) *big.Int {
	return MulDiv(a, One, b, mode)
}

// MulRatio scales x by a parts-per-million ratio.
func MulRatio(x *big.Int, ratio int64, mode RoundingMode) *big.Int {
	return MulDiv(x, big.NewInt(ratio), ratioScaleBig, mode)
}

// RatioOf returns numerator / denominator in parts per million.
// A zero denominator yields ok=false.
func RatioOf(numerator, denominator *big.Int, mode RoundingMode) (int64, bool) {
	if denominator.Sign() == 0 {
		return 0, false
	}
	r := MulDiv(numerator, ratioScaleBig, denominator, mode)
	if !r.IsInt64() {
		if r.Sign() > 0 {
			return int64(^uint64(0) >> 1), true
		}
		return -int64(^uint64(0)>>1) - 1, true
	}
	return r.Int64(), true
}

// Units returns n whole units at internal precision.
func Units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), One)
}

// Zero returns a fresh zero value.
func Zero() *big.Int {
	return new(big.Int)
}

// Clone copies x; a nil x yields zero.
func Clone(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

func Abs(x *big.Int) *big.Int {
	return new(big.Int).Abs(x)
}

func Neg(x *big.Int) *big.Int {
	return new(big.Int).Neg(x)
}

func Add(a, b *big.Int) *big.Int {
	return new(big.Int).Add(a, b)
}

func Sub(a, b *big.Int) *big.Int {
	return new(big.Int).Sub(a, b)
}

func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// IsZero reports whether x is nil or zero.
func IsZero(x *big.Int) bool {
	return x == nil || x.Sign() == 0
}

// SameSign reports whether a and b are both strictly positive or both strictly negative.
func SameSign(a, b *big.Int) bool {
	return a.Sign() != 0 && a.Sign() == b.Sign()
}
