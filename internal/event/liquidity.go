package event

import (
	"math/big"

	"github.com/google/uuid"
)

// LiquidityChanged records a maker order update. LiquidityDelta is positive
// for additions and negative for removals; a zero delta is a fee collection.
type LiquidityChanged struct {
	Maker          uuid.UUID
	Market         string
	LowerTick      int32
	UpperTick      int32
	LiquidityDelta *big.Int
	Liquidity      *big.Int // order liquidity after the change
	Base           *big.Int // used (add) or returned (remove)
	Quote          *big.Int
	Fee            *big.Int // maker fee collected into owed realized PnL
	Removed        bool     // order record deleted
}

func (l *LiquidityChanged) EventType() EventType {
	return EventTypeLiquidityChanged
}

func (l *LiquidityChanged) MarketID() *string {
	return marketRef(l.Market)
}
