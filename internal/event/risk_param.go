package event

import "math/big"

// MarketRegistered carries the market parameters and the pool's initial
// price.
type MarketRegistered struct {
	Market                        string
	BaseToken                     string
	TickSpacing                   int32
	ProtocolFeeRatio              int64
	InsuranceFundFeeRatio         int64
	MaxTickCrossedWithinBlock     int32
	PartialCloseRatio             int64
	LiquidationPenaltyRatio       int64
	InsuranceFundLiquidationShare int64
	SqrtPriceX96                  *big.Int
	Tick                          int32
}

func (m *MarketRegistered) EventType() EventType {
	return EventTypeMarketRegistered
}

func (m *MarketRegistered) MarketID() *string {
	return marketRef(m.Market)
}

type MarketPaused struct {
	Market string
	Paused bool
}

func (m *MarketPaused) EventType() EventType {
	return EventTypeMarketPaused
}

func (m *MarketPaused) MarketID() *string {
	return marketRef(m.Market)
}
