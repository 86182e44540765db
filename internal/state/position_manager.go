package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrMarketExists   = errors.New("state: market already registered")
	ErrMarketNotFound = errors.New("state: market not found")
)

// === Markets ===

func (tx *Tx) Market(id string) (*MarketState, error) {
	m, ok := tx.markets.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	return m, nil
}

func (tx *Tx) AddMarket(m *MarketState) error {
	if _, ok := tx.markets.get(m.Params.Market); ok {
		return fmt.Errorf("%w: %s", ErrMarketExists, m.Params.Market)
	}
	tx.markets.put(m.Params.Market, m)
	tx.newMarkets = append(tx.newMarkets, m.Params.Market)
	return nil
}

// MarketIDs lists markets in registration order.
func (tx *Tx) MarketIDs() []string {
	out := make([]string, 0, len(tx.store.marketIDs)+len(tx.newMarkets))
	out = append(out, tx.store.marketIDs...)
	return append(out, tx.newMarkets...)
}

// === Positions ===

// Position returns the trader's position, or nil if none exists.
func (tx *Tx) Position(trader uuid.UUID, market string) *Position {
	p, _ := tx.positions.get(PositionKey{Trader: trader, Market: market})
	return p
}

// GetOrCreatePosition returns existing or creates new flat position
func (tx *Tx) GetOrCreatePosition(trader uuid.UUID, market string) *Position {
	key := PositionKey{Trader: trader, Market: market}
	if p, ok := tx.positions.get(key); ok {
		return p
	}
	p := NewPosition(trader, market)
	tx.positions.put(key, p)
	return p
}

// TidyPosition drops a position record that no longer carries anything.
func (tx *Tx) TidyPosition(p *Position) {
	if p.IsEmpty() && p.LiquidationState == LiquidationStateHealthy {
		tx.positions.del(PositionKey{Trader: p.Trader, Market: p.Market})
	}
}

// Positions returns the trader's positions in market registration order.
func (tx *Tx) Positions(trader uuid.UUID) []*Position {
	var out []*Position
	for _, m := range tx.MarketIDs() {
		if p := tx.Position(trader, m); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// === Orders ===

func (tx *Tx) Order(trader uuid.UUID, market string, lower, upper int32) *OpenOrder {
	o, _ := tx.orders.get(OrderKey{Trader: trader, Market: market, Range: TickRange{Lower: lower, Upper: upper}})
	return o
}

// GetOrCreateOrder returns the order for the range, creating an empty one
// checkpointed at feeGrowthInside.
func (tx *Tx) GetOrCreateOrder(trader uuid.UUID, market string, lower, upper int32, ch, pool *uint256.Int) *OpenOrder {
	if o := tx.Order(trader, market, lower, upper); o != nil {
		return o
	}
	o := &OpenOrder{
		Trader:                  trader,
		Market:                  market,
		LowerTick:               lower,
		UpperTick:               upper,
		Liquidity:               new(big.Int),
		BaseDebt:                new(big.Int),
		QuoteDebt:               new(big.Int),
		FeeGrowthInsideLastCH:   new(uint256.Int).Set(ch),
		FeeGrowthInsideLastPool: new(uint256.Int).Set(pool),
	}
	tx.orders.put(o.Key(), o)

	pk := PositionKey{Trader: trader, Market: market}
	ranges, _ := tx.orderRanges.get(pk)
	ranges = append(ranges, TickRange{Lower: lower, Upper: upper})
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].Lower != ranges[j].Lower {
			return ranges[i].Lower < ranges[j].Lower
		}
		return ranges[i].Upper < ranges[j].Upper
	})
	tx.orderRanges.put(pk, ranges)
	return o
}

// DeleteOrder removes a fully withdrawn order.
func (tx *Tx) DeleteOrder(o *OpenOrder) {
	tx.orders.del(o.Key())
	pk := PositionKey{Trader: o.Trader, Market: o.Market}
	ranges, _ := tx.orderRanges.get(pk)
	kept := ranges[:0]
	for _, r := range ranges {
		if r.Lower != o.LowerTick || r.Upper != o.UpperTick {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		tx.orderRanges.del(pk)
		return
	}
	tx.orderRanges.put(pk, kept)
}

// Orders returns the trader's open orders in a market ordered by range.
func (tx *Tx) Orders(trader uuid.UUID, market string) []*OpenOrder {
	ranges, _ := tx.orderRanges.get(PositionKey{Trader: trader, Market: market})
	out := make([]*OpenOrder, 0, len(ranges))
	for _, r := range ranges {
		if o := tx.Order(trader, market, r.Lower, r.Upper); o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (tx *Tx) HasOrders(trader uuid.UUID, market string) bool {
	ranges, ok := tx.orderRanges.get(PositionKey{Trader: trader, Market: market})
	return ok && len(ranges) > 0
}

// === Tokens ===

// Token returns the trader's balance record of a virtual token, creating it
// at zero.
func (tx *Tx) Token(trader uuid.UUID, token string) *TokenDebt {
	key := TokenKey{Trader: trader, Token: token}
	if t, ok := tx.tokens.get(key); ok {
		return t
	}
	t := NewTokenDebt()
	tx.tokens.put(key, t)
	return t
}

// PeekToken reads a token record without creating it.
func (tx *Tx) PeekToken(trader uuid.UUID, token string) *TokenDebt {
	t, ok := tx.tokens.get(TokenKey{Trader: trader, Token: token})
	if !ok {
		return NewTokenDebt()
	}
	return t
}
