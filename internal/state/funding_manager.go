package state

import (
	"math/big"

	fpmath "PerpClearing/internal/math"
)

// AccrueFunding advances the market's funding growth to now using the
// mark/index TWAP premium. It returns the growth added.
func (m *MarketState) AccrueFunding(markTwap, indexTwap *big.Int, now, period int64) *big.Int {
	elapsed := now - m.LastFundingTimestamp
	if elapsed <= 0 {
		return new(big.Int)
	}
	delta := fpmath.FundingGrowthDelta(markTwap, indexTwap, elapsed, period)
	m.FundingGrowthGlobal.Add(m.FundingGrowthGlobal, delta)
	m.LastFundingTimestamp = now
	return delta
}

// PendingFunding is the funding a taker position has accrued since its
// checkpoint. Positive means the holder receives.
func (p *Position) PendingFunding(m *MarketState) *big.Int {
	return fpmath.PendingFunding(p.Size, m.FundingGrowthGlobal, p.LastFundingGrowth)
}

// SettleFunding moves pending funding into owed realized PnL and advances the
// checkpoint. It returns the settled amount.
func (p *Position) SettleFunding(m *MarketState) *big.Int {
	pending := p.PendingFunding(m)
	p.OwedRealizedPnl.Add(p.OwedRealizedPnl, pending)
	p.LastFundingGrowth.Set(m.FundingGrowthGlobal)
	return pending
}
