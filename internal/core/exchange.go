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

type OpenPositionParams struct {
	Market        string
	IsBaseToQuote bool
	IsExactInput  bool
	Amount        *big.Int
	// OppositeAmountBound is the minimum received (exact input) or maximum
	// paid (exact output) of the other token. Nil or zero disables it.
	OppositeAmountBound *big.Int
	SqrtPriceLimitX96   *big.Int
	Deadline            int64
}

type TradeResult struct {
	Base         *big.Int // signed flow to the trader
	Quote        *big.Int // signed, net of fee
	Fee          *big.Int
	RealizedPnl  *big.Int
	PositionSize *big.Int
	OpenNotional *big.Int
	SqrtPriceX96 *big.Int
	Tick         int32
}

// OpenPosition swaps against the market's pool and books the result to the
// trader's position. Trades that open, increase or flip a position must leave
// the account at or above initial margin; pure reductions are never blocked
// by margin or by the price-impact guard.
func (ch *ClearingHouse) OpenPosition(trader uuid.UUID, p OpenPositionParams, opts ...CallOption) (*TradeResult, error) {
	var res *TradeResult
	err := ch.apply("open_position", &p.Market, opts, func(c *callCtx) error {
		var err error
		res, err = c.openPosition(trader, p)
		return err
	})
	return res, err
}

// ClosePosition closes the whole taker position: a long sells its size for
// quote, a short buys its size back. bound is the minimum quote received
// (long) or maximum quote paid (short).
func (ch *ClearingHouse) ClosePosition(trader uuid.UUID, market string, bound *big.Int, deadline int64, opts ...CallOption) (*TradeResult, error) {
	var res *TradeResult
	err := ch.apply("close_position", &market, opts, func(c *callCtx) error {
		pos := c.tx.Position(trader, market)
		if pos == nil || pos.IsFlat() {
			return fmt.Errorf("%w: %s in %s", ErrNoPosition, trader, market)
		}
		long := pos.Size.Sign() > 0
		var err error
		res, err = c.openPosition(trader, OpenPositionParams{
			Market:              market,
			IsBaseToQuote:       long,
			IsExactInput:        long,
			Amount:              fpmath.Abs(pos.Size),
			OppositeAmountBound: bound,
			Deadline:            deadline,
		})
		return err
	})
	return res, err
}

func (c *callCtx) openPosition(trader uuid.UUID, p OpenPositionParams) (*TradeResult, error) {
	if err := requirePositive(p.Amount); err != nil {
		return nil, err
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
	c.settleFunding(trader, m)

	amm, err := c.writablePool(p.Market)
	if err != nil {
		return nil, err
	}
	feeRatio := m.Params.ProtocolFeeRatio
	amount := new(big.Int).Set(p.Amount)
	if p.IsBaseToQuote && !p.IsExactInput && feeRatio > 0 {
		// the fee comes out of the pool's quote output; ask for enough gross
		// output that the trader nets the requested amount
		amount = fpmath.MulDiv(amount, big.NewInt(fpmath.RatioScale), big.NewInt(fpmath.RatioScale-feeRatio), fpmath.RoundUp)
	}
	swap, err := amm.Swap(pool.SwapParams{
		IsBaseToQuote:         p.IsBaseToQuote,
		IsExactInput:          p.IsExactInput,
		Amount:                amount,
		SqrtPriceLimitX96:     p.SqrtPriceLimitX96,
		ClearingHouseFeeRatio: uint32(feeRatio),
	})
	if err != nil {
		return nil, fmt.Errorf("swap %s: %w", p.Market, err)
	}

	if ifFee := fpmath.MulRatio(swap.Fee, m.Params.InsuranceFundFeeRatio, fpmath.RoundFloor); ifFee.Sign() > 0 {
		c.tx.AddOwedRealizedPnl(c.ch.cfg.InsuranceFund, p.Market, ifFee)
	}

	delta := c.applyTakerDelta(state.ActionTypeTrade, trader, m, swap.Base, swap.Quote)

	if !delta.Reducing && m.TickMovementExceeded(swap.Tick) {
		if c.ch.metrics != nil {
			c.ch.metrics.TickGuardRejections.WithLabelValues(p.Market).Inc()
		}
		return nil, fmt.Errorf("%w: %s tick %d, block start %d, limit %d", ErrOverPriceLimit,
			p.Market, swap.Tick, m.TickAtBlockStart, m.Params.MaxTickCrossedWithinBlock)
	}
	if err := checkOppositeBound(p, swap); err != nil {
		return nil, err
	}
	if !delta.Reducing {
		if _, err := c.requireInitialMargin(trader, ErrInsufficientMargin, ErrInsufficientFreeCollateral); err != nil {
			return nil, err
		}
	}

	pos := c.tx.Position(trader, p.Market)
	pos.Transition(state.LiquidationStateHealthy)
	c.tx.TidyPosition(pos)

	c.emit(&event.PositionChanged{
		Trader:       trader,
		Market:       p.Market,
		Action:       state.ActionTypeTrade.String(),
		DeltaBase:    swap.Base,
		DeltaQuote:   swap.Quote,
		Fee:          swap.Fee,
		PositionSize: delta.SizeAfter,
		OpenNotional: delta.OpenNotional,
		RealizedPnl:  delta.RealizedPnl,
		Side:         event.SideOf(delta.SizeAfter),
		SqrtPriceX96: swap.SqrtPriceX96,
		Tick:         swap.Tick,
	})
	c.ch.logger.Debug().
		Str("op", c.op).
		Str("trader", trader.String()).
		Str("market", p.Market).
		Str("base", fpmath.FormatAmount(swap.Base)).
		Str("quote", fpmath.FormatAmount(swap.Quote)).
		Msg("trade")

	return &TradeResult{
		Base:         swap.Base,
		Quote:        swap.Quote,
		Fee:          swap.Fee,
		RealizedPnl:  delta.RealizedPnl,
		PositionSize: delta.SizeAfter,
		OpenNotional: delta.OpenNotional,
		SqrtPriceX96: swap.SqrtPriceX96,
		Tick:         swap.Tick,
	}, nil
}

// checkOppositeBound enforces the slippage bound on the token the caller did
// not fix.
func checkOppositeBound(p OpenPositionParams, swap pool.SwapResult) error {
	bound := p.OppositeAmountBound
	if bound == nil || bound.Sign() == 0 {
		return nil
	}
	switch {
	case p.IsBaseToQuote && p.IsExactInput:
		if swap.Quote.Cmp(bound) < 0 {
			return fmt.Errorf("%w: received %s quote, want at least %s", ErrSlippage, swap.Quote, bound)
		}
	case p.IsBaseToQuote:
		if paid := fpmath.Abs(swap.Base); paid.Cmp(bound) > 0 {
			return fmt.Errorf("%w: paid %s base, want at most %s", ErrSlippage, paid, bound)
		}
	case p.IsExactInput:
		if swap.Base.Cmp(bound) < 0 {
			return fmt.Errorf("%w: received %s base, want at least %s", ErrSlippage, swap.Base, bound)
		}
	default:
		if paid := fpmath.Abs(swap.Quote); paid.Cmp(bound) > 0 {
			return fmt.Errorf("%w: paid %s quote, want at most %s", ErrSlippage, paid, bound)
		}
	}
	return nil
}
