package state

import (
	"fmt"
	"math/big"
)

// MarketParams defines fee and liquidation parameters per market. Ratios are
// parts per million (decimal_precision=6, scale=1_000_000).
type MarketParams struct {
	Market    string
	BaseToken string

	ProtocolFeeRatio      int64 // charged on quote for every swap
	InsuranceFundFeeRatio int64 // share of trading fees carved out of the maker share

	// MaxTickCrossedWithinBlock bounds |tick - tickAtBlockStart| after a
	// position-increasing trade. Zero disables the guard.
	MaxTickCrossedWithinBlock int32

	PartialCloseRatio             int64 // liquidation cap when not deep under water
	LiquidationPenaltyRatio       int64 // penalty on liquidated notional
	InsuranceFundLiquidationShare int64 // insurance fund's share of the penalty
}

// DefaultMarketParams returns conservative defaults for a new market.
func DefaultMarketParams(market, baseToken string) MarketParams {
	return MarketParams{
		Market:                        market,
		BaseToken:                     baseToken,
		ProtocolFeeRatio:              1_000,   // 0.1%
		InsuranceFundFeeRatio:         100_000, // 10%
		MaxTickCrossedWithinBlock:     0,
		PartialCloseRatio:             500_000, // 50%
		LiquidationPenaltyRatio:       25_000,  // 2.5%
		InsuranceFundLiquidationShare: 500_000, // 50%
	}
}

// ValidateMarketParams checks that parameters are within valid ranges.
func ValidateMarketParams(p MarketParams) error {
	if p.Market == "" || p.BaseToken == "" {
		return fmt.Errorf("market and base token must be set")
	}
	if p.ProtocolFeeRatio < 0 || p.ProtocolFeeRatio >= 1_000_000 {
		return fmt.Errorf("protocol_fee_ratio must be in [0, 1_000_000), got %d", p.ProtocolFeeRatio)
	}
	if p.InsuranceFundFeeRatio < 0 || p.InsuranceFundFeeRatio > 1_000_000 {
		return fmt.Errorf("insurance_fund_fee_ratio must be in [0, 1_000_000], got %d", p.InsuranceFundFeeRatio)
	}
	if p.MaxTickCrossedWithinBlock < 0 {
		return fmt.Errorf("max_tick_crossed_within_block must be >= 0, got %d", p.MaxTickCrossedWithinBlock)
	}
	if p.PartialCloseRatio <= 0 || p.PartialCloseRatio > 1_000_000 {
		return fmt.Errorf("partial_close_ratio must be in (0, 1_000_000], got %d", p.PartialCloseRatio)
	}
	if p.LiquidationPenaltyRatio < 0 || p.LiquidationPenaltyRatio >= 1_000_000 {
		return fmt.Errorf("liquidation_penalty_ratio must be in [0, 1_000_000), got %d", p.LiquidationPenaltyRatio)
	}
	if p.InsuranceFundLiquidationShare < 0 || p.InsuranceFundLiquidationShare > 1_000_000 {
		return fmt.Errorf("insurance_fund_liquidation_share must be in [0, 1_000_000], got %d", p.InsuranceFundLiquidationShare)
	}
	return nil
}

// MarketState is the clearing house's per-market record. Markets are never
// deleted once registered.
type MarketState struct {
	Params MarketParams
	Paused bool

	// price-impact guard: pool tick seen at the first action of GuardBlock
	GuardBlock       int64
	TickAtBlockStart int32

	FundingGrowthGlobal  *big.Int
	LastFundingTimestamp int64
}

func NewMarketState(params MarketParams, tick int32, block, timestamp int64) *MarketState {
	return &MarketState{
		Params:               params,
		GuardBlock:           block,
		TickAtBlockStart:     tick,
		FundingGrowthGlobal:  new(big.Int),
		LastFundingTimestamp: timestamp,
	}
}

func (m *MarketState) Clone() *MarketState {
	c := *m
	c.FundingGrowthGlobal = new(big.Int).Set(m.FundingGrowthGlobal)
	return &c
}

// ObserveBlock records the block-start tick the first time the market is
// touched in a block.
func (m *MarketState) ObserveBlock(block int64, tick int32) {
	if block != m.GuardBlock {
		m.GuardBlock = block
		m.TickAtBlockStart = tick
	}
}

// TickMovementExceeded reports whether tickAfter is outside the per-block band.
func (m *MarketState) TickMovementExceeded(tickAfter int32) bool {
	limit := m.Params.MaxTickCrossedWithinBlock
	if limit == 0 {
		return false
	}
	d := int64(tickAfter) - int64(m.TickAtBlockStart)
	if d < 0 {
		d = -d
	}
	return d > int64(limit)
}
