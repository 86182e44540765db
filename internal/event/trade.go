package event

import (
	"math/big"

	"github.com/google/uuid"
)

// Side represents position direction
type Side int32

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func SideOf(size *big.Int) Side {
	switch size.Sign() {
	case 1:
		return SideLong
	case -1:
		return SideShort
	default:
		return SideFlat
	}
}

// PositionChanged is emitted for every change of a taker position: swaps,
// realized maker exposure, liquidation legs and bad-debt settlement.
type PositionChanged struct {
	Trader       uuid.UUID
	Market       string
	Action       string   // Trade, MakerRealization, Liquidation, LiquidatorTakeover, ...
	DeltaBase    *big.Int // signed, 18 decimals
	DeltaQuote   *big.Int // signed, fees included
	Fee          *big.Int
	PositionSize *big.Int
	OpenNotional *big.Int
	RealizedPnl  *big.Int
	Side         Side
	SqrtPriceX96 *big.Int `json:",omitempty"` // pool price after a swap
	Tick         int32
}

func (p *PositionChanged) EventType() EventType {
	return EventTypePositionChanged
}

func (p *PositionChanged) MarketID() *string {
	return marketRef(p.Market)
}
