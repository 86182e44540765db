package core

import (
	"errors"

	"PerpClearing/internal/oracle"
	"PerpClearing/internal/pool"
)

var (
	ErrZeroAmount       = errors.New("core: amount must be positive")
	ErrDeadlineExpired  = errors.New("core: deadline expired")
	ErrMarketPaused     = errors.New("core: market paused")
	ErrUnknownAsset     = errors.New("core: unknown collateral asset")
	ErrUnknownToken     = errors.New("core: unknown virtual token")
	ErrBlockOutOfOrder  = errors.New("core: block out of order")
	ErrStalePrice       = errors.New("core: stale index price")
	ErrDuplicateCommand = errors.New("core: duplicate command")
	ErrFeeRatioMismatch = errors.New("core: pool fee ratio differs from market protocol fee ratio")

	ErrOverPriceLimit = errors.New("core: price moved beyond the per-block tick limit")
	ErrSlippage       = errors.New("core: opposite amount bound not met")

	ErrInsufficientMargin               = errors.New("core: margin ratio below initial margin")
	ErrInsufficientFreeCollateral       = errors.New("core: insufficient free collateral")
	ErrInsufficientCollateral           = errors.New("core: insufficient collateral balance")
	ErrLiquidatorInsufficientCollateral = errors.New("core: liquidator lacks collateral for the take-over")

	ErrNoPosition       = errors.New("core: no position")
	ErrHasOpenOrders    = errors.New("core: trader has open orders in the market")
	ErrSufficientMargin = errors.New("core: margin ratio at or above maintenance")
	ErrSelfLiquidation  = errors.New("core: liquidator is the liquidated trader")
	ErrOrderNotFound    = errors.New("core: open order not found")
	ErrBaseOnlyRange    = errors.New("core: range above price accepts base only")
	ErrQuoteOnlyRange   = errors.New("core: range below price accepts quote only")
	ErrNotExcess        = errors.New("core: maker orders are adequately collateralized")

	ErrInvariantViolated = errors.New("core: invariant violated")
)

// ErrorKind classifies why a call was rejected.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindSolvency
	KindMarketCondition
	KindInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSolvency:
		return "solvency"
	case KindMarketCondition:
		return "market_condition"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInsufficientMargin, KindSolvency},
	{ErrInsufficientFreeCollateral, KindSolvency},
	{ErrInsufficientCollateral, KindSolvency},
	{ErrLiquidatorInsufficientCollateral, KindSolvency},
	{ErrSufficientMargin, KindSolvency},
	{ErrNotExcess, KindSolvency},

	{ErrOverPriceLimit, KindMarketCondition},
	{ErrSlippage, KindMarketCondition},
	{ErrMarketPaused, KindMarketCondition},
	{pool.ErrInsufficientLiquidity, KindMarketCondition},
	{pool.ErrInvalidPriceLimit, KindMarketCondition},
	{oracle.ErrNoObservation, KindMarketCondition},

	{ErrInvariantViolated, KindInvariant},
}

// KindOf maps an error returned by a call to its kind. Anything not listed
// is a validation failure.
func KindOf(err error) ErrorKind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindValidation
}
