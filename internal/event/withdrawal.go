package event

import (
	"math/big"

	"github.com/google/uuid"
)

// CollateralDeposited: Amount in token-native decimals, Amount18 rebased.
type CollateralDeposited struct {
	Trader   uuid.UUID
	Asset    string
	Amount   *big.Int
	Amount18 *big.Int
}

func (d *CollateralDeposited) EventType() EventType {
	return EventTypeCollateralDeposited
}

func (d *CollateralDeposited) MarketID() *string {
	return nil // Global event
}

// CollateralWithdrawn mirrors CollateralDeposited. SettledPnl is the owed
// PnL merged into the settlement balance before the withdrawal.
type CollateralWithdrawn struct {
	Trader     uuid.UUID
	Asset      string
	Amount     *big.Int
	Amount18   *big.Int
	SettledPnl *big.Int
}

func (w *CollateralWithdrawn) EventType() EventType {
	return EventTypeCollateralWithdrawn
}

func (w *CollateralWithdrawn) MarketID() *string {
	return nil
}
