package event

import (
	"math/big"

	"github.com/google/uuid"
)

// PositionLiquidated records one liquidation take-over.
type PositionLiquidated struct {
	LiquidationID      uuid.UUID
	Trader             uuid.UUID
	Liquidator         uuid.UUID
	Market             string
	LiquidatedSize     *big.Int // signed, same sign as the trader's position
	MarkPrice          *big.Int
	Notional           *big.Int
	Penalty            *big.Int
	InsuranceFee       *big.Int
	LiquidatorDiscount *big.Int
	MarginRatio        int64 // trader's ratio before liquidation, ppm
	Full               bool
	State              string
}

func (l *PositionLiquidated) EventType() EventType {
	return EventTypePositionLiquidated
}

func (l *PositionLiquidated) MarketID() *string {
	return marketRef(l.Market)
}

// BadDebtSettled records a shortfall absorbed by the insurance fund.
type BadDebtSettled struct {
	LiquidationID uuid.UUID
	Trader        uuid.UUID
	Market        string
	Deficit       *big.Int
	Covered       *big.Int // part the fund's value could pay
	Uncovered     *big.Int
}

func (b *BadDebtSettled) EventType() EventType {
	return EventTypeBadDebtSettled
}

func (b *BadDebtSettled) MarketID() *string {
	return marketRef(b.Market)
}
