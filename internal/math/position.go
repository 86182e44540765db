package math

import "math/big"

var (
	// Q96 is the fixed-point base of pool square-root prices.
	Q96  = new(big.Int).Lsh(big.NewInt(1), 96)
	q192 = new(big.Int).Lsh(big.NewInt(1), 192)
)

// PriceFromSqrtPriceX96 converts a Q64.96 square-root price into an 18-decimal
// quote-per-base price.
func PriceFromSqrtPriceX96(sqrtPriceX96 *big.Int) *big.Int {
	sq := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	return MulDiv(sq, One, q192, RoundDown)
}

// SqrtPriceX96FromPrice is the inverse of PriceFromSqrtPriceX96, rounded
// down.
func SqrtPriceX96FromPrice(price *big.Int) *big.Int {
	v := MulDiv(price, q192, One, RoundDown)
	return v.Sqrt(v)
}

// PositionValue returns size * price, rounded toward negative infinity so that
// valuations never favor the account.
func PositionValue(size, price *big.Int) *big.Int {
	return MulDiv(size, price, One, RoundFloor)
}

// PositionChange is the result of applying a base/quote delta to a position.
type PositionChange struct {
	Size         *big.Int
	OpenNotional *big.Int
	RealizedPnl  *big.Int
}

// ApplyAverageCost applies a signed base/quote delta to a position using
// average-cost accounting.
//
// Reducing trades realize closedRatio*openNotional + the quote flow attributable
// to the closed part. A flip closes the whole position first and opens the
// remainder with the rest of the quote flow. A position that ends flat carries no
// open notional.
func ApplyAverageCost(size, openNotional, deltaBase, deltaQuote *big.Int) PositionChange {
	newSize := Add(size, deltaBase)
	realized := new(big.Int)
	var newOpen *big.Int

	reducing := size.Sign() != 0 && deltaBase.Sign() != 0 && size.Sign() != deltaBase.Sign()

	switch {
	case !reducing:
		newOpen = Add(openNotional, deltaQuote)

	case new(big.Int).Abs(deltaBase).Cmp(new(big.Int).Abs(size)) <= 0:
		reducedOpen := MulDiv(openNotional, Abs(deltaBase), Abs(size), RoundDown)
		realized.Add(reducedOpen, deltaQuote)
		newOpen = Sub(openNotional, reducedOpen)

	default:
		closedQuote := MulDiv(deltaQuote, Abs(size), Abs(deltaBase), RoundDown)
		realized.Add(openNotional, closedQuote)
		newOpen = Sub(deltaQuote, closedQuote)
	}

	if newSize.Sign() == 0 && newOpen.Sign() != 0 {
		realized.Add(realized, newOpen)
		newOpen = new(big.Int)
	}

	return PositionChange{
		Size:         newSize,
		OpenNotional: newOpen,
		RealizedPnl:  realized,
	}
}

// IsReducing reports whether deltaBase strictly shrinks |size| without flipping.
func IsReducing(size, deltaBase *big.Int) bool {
	if size.Sign() == 0 || deltaBase.Sign() == 0 || size.Sign() == deltaBase.Sign() {
		return false
	}
	return new(big.Int).Abs(deltaBase).Cmp(new(big.Int).Abs(size)) <= 0
}
