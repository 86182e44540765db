package core

import (
	"fmt"
	"math/big"

	"PerpClearing/internal/event"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/pool"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

type AddLiquidityParams struct {
	Market    string
	LowerTick int32
	UpperTick int32
	Base      *big.Int
	Quote     *big.Int
	MinBase   *big.Int
	MinQuote  *big.Int
	Deadline  int64
}

type RemoveLiquidityParams struct {
	Market    string
	LowerTick int32
	UpperTick int32
	// Liquidity to burn; zero collects fees only.
	Liquidity *big.Int
	MinBase   *big.Int
	MinQuote  *big.Int
	Deadline  int64
}

type LiquidityResult struct {
	Base      *big.Int // used (add) or returned (remove)
	Quote     *big.Int
	Liquidity *big.Int // liquidity added or removed
	Fee       *big.Int // maker fee collected into owed PnL
	// OrderLiquidity is what remains in the order afterwards.
	OrderLiquidity *big.Int
}

// AddLiquidity places base and quote into [lower, upper). Missing tokens are
// minted against collateral; the maker must keep non-negative free
// collateral.
func (ch *ClearingHouse) AddLiquidity(maker uuid.UUID, p AddLiquidityParams, opts ...CallOption) (*LiquidityResult, error) {
	var res *LiquidityResult
	err := ch.apply("add_liquidity", &p.Market, opts, func(c *callCtx) error {
		var err error
		res, err = c.addLiquidity(maker, p)
		return err
	})
	return res, err
}

// RemoveLiquidity burns liquidity from the maker's order in [lower, upper),
// credits the returned tokens and realizes the order's impermanent position.
func (ch *ClearingHouse) RemoveLiquidity(maker uuid.UUID, p RemoveLiquidityParams, opts ...CallOption) (*LiquidityResult, error) {
	var res *LiquidityResult
	err := ch.apply("remove_liquidity", &p.Market, opts, func(c *callCtx) error {
		if err := checkDeadline(p.Deadline, c.now); err != nil {
			return err
		}
		m, err := c.liveMarket(p.Market)
		if err != nil {
			return err
		}
		o := c.tx.Order(maker, p.Market, p.LowerTick, p.UpperTick)
		if o == nil {
			return fmt.Errorf("%w: %s %s [%d, %d]", ErrOrderNotFound, maker, p.Market, p.LowerTick, p.UpperTick)
		}
		res, err = c.removeOrder(maker, m, o, orZero(p.Liquidity), p.MinBase, p.MinQuote)
		return err
	})
	return res, err
}

// CancelExcessOrders lets a keeper pull every order a maker has in a market
// once the maker has negative free collateral or is below maintenance
// margin.
func (ch *ClearingHouse) CancelExcessOrders(keeper, maker uuid.UUID, market string, opts ...CallOption) ([]*LiquidityResult, error) {
	var out []*LiquidityResult
	err := ch.apply("cancel_excess_orders", &market, opts, func(c *callCtx) error {
		m, err := c.liveMarket(market)
		if err != nil {
			return err
		}
		s, err := c.snapshot(maker)
		if err != nil {
			return err
		}
		if s.FreeCollateral.Sign() >= 0 && s.MarginRatio >= c.ch.cfg.MaintenanceMarginRatio {
			return fmt.Errorf("%w: %s free collateral %s", ErrNotExcess, maker, fpmath.FormatAmount(s.FreeCollateral))
		}
		orders := c.tx.Orders(maker, market)
		if len(orders) == 0 {
			return fmt.Errorf("%w: %s has no orders in %s", ErrOrderNotFound, maker, market)
		}
		for _, o := range orders {
			r, err := c.removeOrder(maker, m, o, new(big.Int).Set(o.Liquidity), nil, nil)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		c.ch.logger.Info().
			Str("keeper", keeper.String()).
			Str("maker", maker.String()).
			Str("market", market).
			Int("orders", len(orders)).
			Msg("excess orders cancelled")
		return nil
	})
	return out, err
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func (c *callCtx) addLiquidity(maker uuid.UUID, p AddLiquidityParams) (*LiquidityResult, error) {
	base, quote := orZero(p.Base), orZero(p.Quote)
	if base.Sign() < 0 || quote.Sign() < 0 || (base.Sign() == 0 && quote.Sign() == 0) {
		return nil, ErrZeroAmount
	}
	if err := checkDeadline(p.Deadline, c.now); err != nil {
		return nil, err
	}
	m, err := c.liveMarket(p.Market)
	if err != nil {
		return nil, err
	}
	if err := c.touchMarket(m); err != nil {
		return nil, err
	}
	amm, err := c.writablePool(p.Market)
	if err != nil {
		return nil, err
	}

	spacing := amm.TickSpacing()
	if p.LowerTick >= p.UpperTick {
		return nil, fmt.Errorf("%w: [%d, %d]", pool.ErrInvalidTickRange, p.LowerTick, p.UpperTick)
	}
	if p.LowerTick%spacing != 0 || p.UpperTick%spacing != 0 {
		return nil, fmt.Errorf("%w: [%d, %d] spacing %d", pool.ErrTickMisaligned, p.LowerTick, p.UpperTick, spacing)
	}
	slot := amm.Slot0()
	if slot.Tick < p.LowerTick && quote.Sign() > 0 {
		return nil, fmt.Errorf("%w: tick %d below [%d, %d]", ErrBaseOnlyRange, slot.Tick, p.LowerTick, p.UpperTick)
	}
	if slot.Tick >= p.UpperTick && base.Sign() > 0 {
		return nil, fmt.Errorf("%w: tick %d above [%d, %d]", ErrQuoteOnlyRange, slot.Tick, p.LowerTick, p.UpperTick)
	}

	liquidity := pool.LiquidityForAmounts(slot.SqrtPriceX96,
		pool.SqrtPriceAtTick(p.LowerTick), pool.SqrtPriceAtTick(p.UpperTick), base, quote)
	usedBase, usedQuote, err := amm.Mint(p.LowerTick, p.UpperTick, liquidity)
	if err != nil {
		return nil, fmt.Errorf("mint %s: %w", p.Market, err)
	}
	if p.MinBase != nil && usedBase.Cmp(p.MinBase) < 0 {
		return nil, fmt.Errorf("%w: used %s base, want at least %s", ErrSlippage, usedBase, p.MinBase)
	}
	if p.MinQuote != nil && usedQuote.Cmp(p.MinQuote) < 0 {
		return nil, fmt.Errorf("%w: used %s quote, want at least %s", ErrSlippage, usedQuote, p.MinQuote)
	}

	// ticks are initialized by the mint, so growth inside is read after it
	fee := new(big.Int)
	o := c.tx.Order(maker, p.Market, p.LowerTick, p.UpperTick)
	if o != nil {
		fee = c.collectOrderFee(amm, m, o)
	} else {
		inside := amm.FeeGrowthInside(p.LowerTick, p.UpperTick)
		o = c.tx.GetOrCreateOrder(maker, p.Market, p.LowerTick, p.UpperTick, inside.ClearingHouseX128, inside.PoolX128)
	}

	quoteToken := c.ch.cfg.QuoteToken
	c.emitAutoMint(maker, m.Params.BaseToken, c.tx.Token(maker, m.Params.BaseToken).Spend(usedBase))
	c.emitAutoMint(maker, quoteToken, c.tx.Token(maker, quoteToken).Spend(usedQuote))
	c.queueReconcile(maker, m.Params.BaseToken)
	c.queueReconcile(maker, quoteToken)
	c.noteTrader(maker)

	o.Liquidity.Add(o.Liquidity, liquidity)
	o.BaseDebt.Add(o.BaseDebt, usedBase)
	o.QuoteDebt.Add(o.QuoteDebt, usedQuote)

	s, err := c.snapshot(maker)
	if err != nil {
		return nil, err
	}
	if s.FreeCollateral.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s", ErrInsufficientFreeCollateral, fpmath.FormatAmount(s.FreeCollateral))
	}

	c.emit(&event.LiquidityChanged{
		Maker:          maker,
		Market:         p.Market,
		LowerTick:      p.LowerTick,
		UpperTick:      p.UpperTick,
		LiquidityDelta: new(big.Int).Set(liquidity),
		Liquidity:      new(big.Int).Set(o.Liquidity),
		Base:           usedBase,
		Quote:          usedQuote,
		Fee:            fee,
	})
	return &LiquidityResult{
		Base:           usedBase,
		Quote:          usedQuote,
		Liquidity:      liquidity,
		Fee:            fee,
		OrderLiquidity: new(big.Int).Set(o.Liquidity),
	}, nil
}

// removeOrder burns liquidity from o. The order's debts shrink in proportion
// to the burned share (all of them on a full removal); whatever the burn
// returns beyond that share is the maker's impermanent position, booked
// with average-cost accounting.
func (c *callCtx) removeOrder(maker uuid.UUID, m *state.MarketState, o *state.OpenOrder, liquidity, minBase, minQuote *big.Int) (*LiquidityResult, error) {
	if liquidity.Sign() < 0 || liquidity.Cmp(o.Liquidity) > 0 {
		return nil, fmt.Errorf("%w: removing %s of %s", ErrOrderNotFound, liquidity, o.Liquidity)
	}
	if err := c.touchMarket(m); err != nil {
		return nil, err
	}
	c.settleFunding(maker, m)

	if liquidity.Sign() == 0 {
		amm, err := c.peekPool(m.Params.Market)
		if err != nil {
			return nil, err
		}
		fee := c.collectOrderFee(amm, m, o)
		c.emit(&event.LiquidityChanged{
			Maker:          maker,
			Market:         m.Params.Market,
			LowerTick:      o.LowerTick,
			UpperTick:      o.UpperTick,
			LiquidityDelta: new(big.Int),
			Liquidity:      new(big.Int).Set(o.Liquidity),
			Base:           new(big.Int),
			Quote:          new(big.Int),
			Fee:            fee,
		})
		return &LiquidityResult{
			Base:           new(big.Int),
			Quote:          new(big.Int),
			Liquidity:      new(big.Int),
			Fee:            fee,
			OrderLiquidity: new(big.Int).Set(o.Liquidity),
		}, nil
	}

	amm, err := c.writablePool(m.Params.Market)
	if err != nil {
		return nil, err
	}
	fee := c.collectOrderFee(amm, m, o)
	retBase, retQuote, err := amm.Burn(o.LowerTick, o.UpperTick, liquidity)
	if err != nil {
		return nil, fmt.Errorf("burn %s: %w", m.Params.Market, err)
	}
	if minBase != nil && retBase.Cmp(minBase) < 0 {
		return nil, fmt.Errorf("%w: returned %s base, want at least %s", ErrSlippage, retBase, minBase)
	}
	if minQuote != nil && retQuote.Cmp(minQuote) < 0 {
		return nil, fmt.Errorf("%w: returned %s quote, want at least %s", ErrSlippage, retQuote, minQuote)
	}

	quoteToken := c.ch.cfg.QuoteToken
	c.tx.Token(maker, m.Params.BaseToken).Credit(retBase)
	c.tx.Token(maker, quoteToken).Credit(retQuote)
	c.queueReconcile(maker, m.Params.BaseToken)
	c.queueReconcile(maker, quoteToken)
	c.noteTrader(maker)

	propBase, propQuote := new(big.Int).Set(o.BaseDebt), new(big.Int).Set(o.QuoteDebt)
	if liquidity.Cmp(o.Liquidity) != 0 {
		propBase = fpmath.MulDiv(o.BaseDebt, liquidity, o.Liquidity, fpmath.RoundDown)
		propQuote = fpmath.MulDiv(o.QuoteDebt, liquidity, o.Liquidity, fpmath.RoundDown)
	}
	o.BaseDebt.Sub(o.BaseDebt, propBase)
	o.QuoteDebt.Sub(o.QuoteDebt, propQuote)
	o.Liquidity.Sub(o.Liquidity, liquidity)

	dBase := fpmath.Sub(retBase, propBase)
	dQuote := fpmath.Sub(retQuote, propQuote)
	if dBase.Sign() != 0 || dQuote.Sign() != 0 {
		d := c.tx.BookPositionDelta(state.ActionTypeMakerRealization, maker, m, quoteToken, dBase, dQuote)
		c.emitAutoMint(maker, quoteToken, d.MintedQuote)
		c.emit(&event.PositionChanged{
			Trader:       maker,
			Market:       m.Params.Market,
			Action:       state.ActionTypeMakerRealization.String(),
			DeltaBase:    dBase,
			DeltaQuote:   dQuote,
			Fee:          new(big.Int),
			PositionSize: d.SizeAfter,
			OpenNotional: d.OpenNotional,
			RealizedPnl:  d.RealizedPnl,
			Side:         event.SideOf(d.SizeAfter),
		})
		if pos := c.tx.Position(maker, m.Params.Market); pos != nil {
			c.tx.TidyPosition(pos)
		}
	}

	removed := o.Liquidity.Sign() == 0
	if removed {
		c.tx.DeleteOrder(o)
	}
	c.emit(&event.LiquidityChanged{
		Maker:          maker,
		Market:         m.Params.Market,
		LowerTick:      o.LowerTick,
		UpperTick:      o.UpperTick,
		LiquidityDelta: new(big.Int).Neg(liquidity),
		Liquidity:      new(big.Int).Set(o.Liquidity),
		Base:           retBase,
		Quote:          retQuote,
		Fee:            fee,
		Removed:        removed,
	})
	return &LiquidityResult{
		Base:           retBase,
		Quote:          retQuote,
		Liquidity:      new(big.Int).Set(liquidity),
		Fee:            fee,
		OrderLiquidity: new(big.Int).Set(o.Liquidity),
	}, nil
}
