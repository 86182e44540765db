package event

import (
	"math/big"

	"github.com/google/uuid"
)

// FundingSettled moves pending funding of one position into owed realized
// PnL. Positive amounts are received by the trader.
type FundingSettled struct {
	Trader       uuid.UUID
	Market       string
	Amount       *big.Int
	GrowthGlobal *big.Int
}

func (f *FundingSettled) EventType() EventType {
	return EventTypeFundingSettled
}

func (f *FundingSettled) MarketID() *string {
	return marketRef(f.Market)
}
