package state

import (
	"math/big"

	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// ActionType names the path through which a taker position changed.
type ActionType int32

const (
	ActionTypeTrade           ActionType = iota
	ActionTypeMakerRealization           // impermanent delta from removed liquidity
	ActionTypeLiquidation
	ActionTypeLiquidatorTakeover
	ActionTypeBadDebtSettlement
)

func (at ActionType) String() string {
	switch at {
	case ActionTypeTrade:
		return "Trade"
	case ActionTypeMakerRealization:
		return "MakerRealization"
	case ActionTypeLiquidation:
		return "Liquidation"
	case ActionTypeLiquidatorTakeover:
		return "LiquidatorTakeover"
	case ActionTypeBadDebtSettlement:
		return "BadDebtSettlement"
	default:
		return "Unknown"
	}
}

// PositionDelta is the outcome of applying a base/quote flow to a taker
// position.
type PositionDelta struct {
	Action       ActionType
	Trader       uuid.UUID
	Market       string
	DeltaBase    *big.Int
	DeltaQuote   *big.Int
	SizeBefore   *big.Int
	SizeAfter    *big.Int
	OpenNotional *big.Int
	RealizedPnl  *big.Int
	Reducing     bool // strictly shrinks |size| without flipping

	// tokens auto-minted to cover the flow
	MintedBase  *big.Int
	MintedQuote *big.Int
}

// ApplyTakerDelta books a signed base/quote flow to both the token ledger and
// the trader's position. The flow is added to the base and quote token
// balances; realized PnL leaves the quote balance and moves into
// owedRealizedPnl, so token balances keep mirroring size and open notional.
func (tx *Tx) ApplyTakerDelta(action ActionType, trader uuid.UUID, market *MarketState, quoteToken string, dBase, dQuote *big.Int) *PositionDelta {
	mintedBase := tx.Token(trader, market.Params.BaseToken).Adjust(dBase)
	mintedQuote := tx.Token(trader, quoteToken).Adjust(dQuote)
	d := tx.BookPositionDelta(action, trader, market, quoteToken, dBase, dQuote)
	d.MintedBase = mintedBase
	d.MintedQuote.Add(d.MintedQuote, mintedQuote)
	return d
}

// BookPositionDelta applies a flow whose tokens are already booked, such as
// the impermanent part of removed liquidity.
func (tx *Tx) BookPositionDelta(action ActionType, trader uuid.UUID, market *MarketState, quoteToken string, dBase, dQuote *big.Int) *PositionDelta {
	pos := tx.GetOrCreatePosition(trader, market.Params.Market)
	if pos.IsFlat() {
		// a position opened from flat starts its funding clock now
		pos.LastFundingGrowth.Set(market.FundingGrowthGlobal)
	}

	before := new(big.Int).Set(pos.Size)
	change := fpmath.ApplyAverageCost(pos.Size, pos.OpenNotional, dBase, dQuote)
	minted := new(big.Int)
	if change.RealizedPnl.Sign() != 0 {
		minted = tx.Token(trader, quoteToken).Adjust(new(big.Int).Neg(change.RealizedPnl))
	}

	pos.Size.Set(change.Size)
	pos.OpenNotional.Set(change.OpenNotional)
	pos.OwedRealizedPnl.Add(pos.OwedRealizedPnl, change.RealizedPnl)

	return &PositionDelta{
		Action:       action,
		Trader:       trader,
		Market:       market.Params.Market,
		DeltaBase:    new(big.Int).Set(dBase),
		DeltaQuote:   new(big.Int).Set(dQuote),
		SizeBefore:   before,
		SizeAfter:    new(big.Int).Set(change.Size),
		OpenNotional: new(big.Int).Set(change.OpenNotional),
		RealizedPnl:  change.RealizedPnl,
		Reducing:     fpmath.IsReducing(before, dBase),
		MintedBase:   new(big.Int),
		MintedQuote:  minted,
	}
}

// AddOwedRealizedPnl credits (or debits) settlement PnL to the trader's
// position record in the market, creating it if needed.
func (tx *Tx) AddOwedRealizedPnl(trader uuid.UUID, market string, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	pos := tx.GetOrCreatePosition(trader, market)
	pos.OwedRealizedPnl.Add(pos.OwedRealizedPnl, amount)
}

// ClearOwedRealizedPnl zeroes owed PnL across all of the trader's positions
// and returns the total that was owed.
func (tx *Tx) ClearOwedRealizedPnl(trader uuid.UUID) *big.Int {
	total := new(big.Int)
	for _, p := range tx.Positions(trader) {
		if p.OwedRealizedPnl.Sign() == 0 {
			continue
		}
		total.Add(total, p.OwedRealizedPnl)
		p.OwedRealizedPnl.SetInt64(0)
		tx.TidyPosition(p)
	}
	return total
}

// Transition moves the position to next when the state machine allows it.
func (p *Position) Transition(next LiquidationState) bool {
	if p.LiquidationState == next {
		return true
	}
	if !p.LiquidationState.CanTransitionTo(next) {
		return false
	}
	p.LiquidationState = next
	return true
}
