package core

import (
	"fmt"
	"math/big"

	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/pool"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

// Read-only views. Each one runs on a throwaway transaction: funding is
// brought current for the answer but nothing is committed.

// AccountSnapshot returns the trader's full margin picture.
func (ch *ClearingHouse) AccountSnapshot(trader uuid.UUID) (*state.AccountSnapshot, error) {
	var s *state.AccountSnapshot
	err := ch.view(func(c *callCtx) error {
		var err error
		s, err = c.snapshot(trader)
		return err
	})
	return s, err
}

func (ch *ClearingHouse) GetAccountValue(trader uuid.UUID) (*big.Int, error) {
	s, err := ch.AccountSnapshot(trader)
	if err != nil {
		return nil, err
	}
	return s.AccountValue, nil
}

// GetMarginRatio returns the ratio in ppm, math.MaxInt64 without exposure.
func (ch *ClearingHouse) GetMarginRatio(trader uuid.UUID) (int64, error) {
	s, err := ch.AccountSnapshot(trader)
	if err != nil {
		return 0, err
	}
	return s.MarginRatio, nil
}

func (ch *ClearingHouse) GetFreeCollateral(trader uuid.UUID) (*big.Int, error) {
	s, err := ch.AccountSnapshot(trader)
	if err != nil {
		return nil, err
	}
	return s.FreeCollateral, nil
}

// GetPositionSize is the taker size only.
func (ch *ClearingHouse) GetPositionSize(trader uuid.UUID, market string) (*big.Int, error) {
	out := new(big.Int)
	err := ch.view(func(c *callCtx) error {
		if _, err := c.market(market); err != nil {
			return err
		}
		if pos := c.tx.Position(trader, market); pos != nil {
			out.Set(pos.Size)
		}
		return nil
	})
	return out, err
}

// GetTotalPositionSize adds the impermanent base exposure of the trader's
// orders to the taker size.
func (ch *ClearingHouse) GetTotalPositionSize(trader uuid.UUID, market string) (*big.Int, error) {
	out := new(big.Int)
	err := ch.view(func(c *callCtx) error {
		if _, err := c.market(market); err != nil {
			return err
		}
		if pos := c.tx.Position(trader, market); pos != nil {
			out.Set(pos.Size)
		}
		for _, o := range c.tx.Orders(trader, market) {
			base, _, err := c.OrderTokens(o)
			if err != nil {
				return err
			}
			out.Add(out, base.Sub(base, o.BaseDebt))
		}
		return nil
	})
	return out, err
}

func (ch *ClearingHouse) GetOpenNotional(trader uuid.UUID, market string) (*big.Int, error) {
	out := new(big.Int)
	err := ch.view(func(c *callCtx) error {
		if _, err := c.market(market); err != nil {
			return err
		}
		if pos := c.tx.Position(trader, market); pos != nil {
			out.Set(pos.OpenNotional)
		}
		return nil
	})
	return out, err
}

// GetOwedRealizedPnl sums owed PnL over all markets, or one market when
// market is non-empty.
func (ch *ClearingHouse) GetOwedRealizedPnl(trader uuid.UUID, market string) (*big.Int, error) {
	out := new(big.Int)
	err := ch.view(func(c *callCtx) error {
		for _, p := range c.tx.Positions(trader) {
			if market == "" || p.Market == market {
				out.Add(out, p.OwedRealizedPnl)
			}
		}
		return nil
	})
	return out, err
}

// GetTokenBalance returns a copy of the trader's virtual-token record.
func (ch *ClearingHouse) GetTokenBalance(trader uuid.UUID, token string) (*state.TokenDebt, error) {
	var out *state.TokenDebt
	err := ch.view(func(c *callCtx) error {
		if err := c.knownToken(token); err != nil {
			return err
		}
		out = c.tx.PeekToken(trader, token).Clone()
		return nil
	})
	return out, err
}

// GetOpenOrder returns nil when the trader has no order in the range.
func (ch *ClearingHouse) GetOpenOrder(trader uuid.UUID, market string, lower, upper int32) (*state.OpenOrder, error) {
	var out *state.OpenOrder
	err := ch.view(func(c *callCtx) error {
		if o := c.tx.Order(trader, market, lower, upper); o != nil {
			out = o.Clone()
		}
		return nil
	})
	return out, err
}

func (ch *ClearingHouse) GetOpenOrders(trader uuid.UUID, market string) ([]*state.OpenOrder, error) {
	var out []*state.OpenOrder
	err := ch.view(func(c *callCtx) error {
		for _, o := range c.tx.Orders(trader, market) {
			out = append(out, o.Clone())
		}
		return nil
	})
	return out, err
}

// GetPendingFee is the uncollected maker fee across the trader's orders in
// market, net of the insurance-fund share.
func (ch *ClearingHouse) GetPendingFee(trader uuid.UUID, market string) (*big.Int, error) {
	out := new(big.Int)
	err := ch.view(func(c *callCtx) error {
		for _, o := range c.tx.Orders(trader, market) {
			fee, err := c.PendingOrderFee(o)
			if err != nil {
				return err
			}
			out.Add(out, fee)
		}
		return nil
	})
	return out, err
}

func (ch *ClearingHouse) GetMarkPrice(market string) (*big.Int, error) {
	var out *big.Int
	err := ch.view(func(c *callCtx) error {
		var err error
		out, err = c.MarkPrice(market)
		return err
	})
	return out, err
}

func (ch *ClearingHouse) GetIndexPrice(feed string) (*big.Int, error) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.feed.IndexPrice(feed)
}

// GetLiquidationState combines the stored state with the live margin
// ratio, so a position that fell under maintenance reads as Liquidatable.
func (ch *ClearingHouse) GetLiquidationState(trader uuid.UUID, market string) (state.LiquidationState, error) {
	out := state.LiquidationStateHealthy
	err := ch.view(func(c *callCtx) error {
		if _, err := c.market(market); err != nil {
			return err
		}
		pos := c.tx.Position(trader, market)
		if pos == nil {
			return nil
		}
		s, err := c.snapshot(trader)
		if err != nil {
			return err
		}
		out = state.CurrentLiquidationState(pos.LiquidationState, !pos.IsFlat(), s.MarginRatio, c.ch.cfg.MaintenanceMarginRatio)
		return nil
	})
	return out, err
}

// GetCollateralBalance returns the trader's vault balance of asset in
// token-native decimals, rounded down.
func (ch *ClearingHouse) GetCollateralBalance(trader uuid.UUID, asset string) (*big.Int, error) {
	var out *big.Int
	err := ch.view(func(c *callCtx) error {
		a, err := c.asset(asset)
		if err != nil {
			return err
		}
		out = fpmath.FormatSettlementToken(c.ledger.UserCollateral(trader, a.ID), a.Decimals, fpmath.RoundFloor)
		return nil
	})
	return out, err
}

// Market returns a copy of the market record with funding brought current.
func (ch *ClearingHouse) Market(market string) (*state.MarketState, error) {
	var out *state.MarketState
	err := ch.view(func(c *callCtx) error {
		m, err := c.market(market)
		if err != nil {
			return err
		}
		if err := c.touchMarket(m); err != nil {
			return err
		}
		out = m.Clone()
		return nil
	})
	return out, err
}

// Markets lists registered market IDs in registration order.
func (ch *ClearingHouse) Markets() []string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.store.Begin().MarketIDs()
}

// Pool returns the committed pool's price and active liquidity.
func (ch *ClearingHouse) Pool(market string) (pool.Slot0, *big.Int, error) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	p, ok := ch.pools[market]
	if !ok {
		return pool.Slot0{}, nil, fmt.Errorf("%w: %s", state.ErrMarketNotFound, market)
	}
	return p.Slot0(), p.Liquidity(), nil
}
