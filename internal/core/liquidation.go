package core

import (
	"fmt"
	"math/big"

	"PerpClearing/internal/event"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

var liquidationNamespace = uuid.MustParse("9b2f7c1e-4a6d-4e3b-8f05-d1c6a2e7b348")

type LiquidationResult struct {
	LiquidationID  uuid.UUID
	LiquidatedSize *big.Int // signed like the trader's position
	MarkPrice      *big.Int
	Penalty        state.PenaltySplit
	Full           bool
	MarginRatio    int64 // trader's ratio before liquidation

	BadDebt   *big.Int // zero unless the insurance fund absorbed a deficit
	Covered   *big.Int
	Uncovered *big.Int

	// other markets whose taker position was closed into the insurance fund
	// before the deficit was settled
	SettledMarkets []string
}

// Liquidate transfers part or all of an under-margined trader's position to
// the liquidator at mark price. requested is signed like the position; nil or
// zero takes the largest allowed size.
//
// The trader pays a penalty on the liquidated notional. The insurance fund
// receives its share of it; the rest reaches the liquidator as a discount on
// the take-over price. When the trader's account value would go negative the
// whole position is liquidated, the trader's taker positions in every other
// market are closed at mark into the insurance fund, and the fund absorbs the
// remaining deficit.
func (ch *ClearingHouse) Liquidate(liquidator, trader uuid.UUID, market string, requested *big.Int, opts ...CallOption) (*LiquidationResult, error) {
	var res *LiquidationResult
	err := ch.apply("liquidate", &market, opts, func(c *callCtx) error {
		var err error
		res, err = c.liquidate(liquidator, trader, market, requested)
		return err
	})
	if err == nil {
		outcome := "partial"
		switch {
		case res.BadDebt.Sign() > 0:
			outcome = "bad_debt"
		case res.Full:
			outcome = "full"
		}
		if ch.metrics != nil {
			ch.metrics.Liquidations.WithLabelValues(market, outcome).Inc()
		}
	}
	return res, err
}

func (c *callCtx) liquidate(liquidator, trader uuid.UUID, market string, requested *big.Int) (*LiquidationResult, error) {
	if liquidator == trader {
		return nil, ErrSelfLiquidation
	}
	m, err := c.liveMarket(market)
	if err != nil {
		return nil, err
	}
	if c.tx.HasOrders(trader, market) {
		return nil, fmt.Errorf("%w: %s in %s", ErrHasOpenOrders, trader, market)
	}
	pos := c.tx.Position(trader, market)
	if pos == nil || pos.IsFlat() {
		return nil, fmt.Errorf("%w: %s in %s", ErrNoPosition, trader, market)
	}
	if err := c.touchMarket(m); err != nil {
		return nil, err
	}
	c.settleFunding(trader, m)
	c.settleFunding(liquidator, m)

	before, err := c.snapshot(trader)
	if err != nil {
		return nil, err
	}
	mmr := c.ch.cfg.MaintenanceMarginRatio
	if before.MarginRatio >= mmr {
		return nil, fmt.Errorf("%w: ratio %s >= %s", ErrSufficientMargin,
			fpmath.FormatRatio(before.MarginRatio), fpmath.FormatRatio(mmr))
	}
	mark, err := c.MarkPrice(market)
	if err != nil {
		return nil, err
	}

	absNotional := fpmath.Abs(fpmath.PositionValue(pos.Size, mark))
	capSize, full := state.LiquidationCap(pos.Size, absNotional, before.MarginRatio, mmr,
		m.Params.PartialCloseRatio, c.ch.cfg.DustNotionalFloor)
	size, err := state.ResolveLiquidationSize(pos.Size, requested, capSize)
	if err != nil {
		return nil, err
	}

	split := c.penaltyFor(size, mark, m)
	if size.Cmp(pos.Size) != 0 && fpmath.Sub(before.AccountValue, split.Penalty).Sign() < 0 {
		// a partial take-over would leave the trader under water anyway
		size = new(big.Int).Set(pos.Size)
		split = c.penaltyFor(size, mark, m)
	}
	full = size.Cmp(pos.Size) == 0

	pos.Transition(state.LiquidationStateLiquidatable)
	liqID := uuid.NewSHA1(liquidationNamespace, []byte(fmt.Sprintf("%d:%s:%s", c.ch.sequence+1, trader, market)))

	// the trader closes at mark
	dQuote := new(big.Int).Set(split.Notional)
	if size.Sign() < 0 {
		dQuote.Neg(dQuote)
	}
	td := c.applyTakerDelta(state.ActionTypeLiquidation, trader, m, fpmath.Neg(size), dQuote)
	c.tx.AddOwedRealizedPnl(trader, market, fpmath.Neg(split.Penalty))
	c.tx.AddOwedRealizedPnl(c.ch.cfg.InsuranceFund, market, split.InsuranceFee)

	// the liquidator takes the same side at the discounted price
	var lQuote *big.Int
	if size.Sign() > 0 {
		lQuote = fpmath.Neg(fpmath.Sub(split.Notional, split.LiquidatorDiscount))
	} else {
		lQuote = fpmath.Add(split.Notional, split.LiquidatorDiscount)
	}
	ld := c.applyTakerDelta(state.ActionTypeLiquidatorTakeover, liquidator, m, new(big.Int).Set(size), lQuote)
	if lp := c.tx.Position(liquidator, market); lp != nil {
		lp.Transition(state.LiquidationStateHealthy)
	}

	res := &LiquidationResult{
		LiquidationID:  liqID,
		LiquidatedSize: new(big.Int).Set(size),
		MarkPrice:      mark,
		Penalty:        split,
		Full:           full,
		MarginRatio:    before.MarginRatio,
		BadDebt:        new(big.Int),
		Covered:        new(big.Int),
		Uncovered:      new(big.Int),
	}

	after, err := c.snapshot(trader)
	if err != nil {
		return nil, err
	}
	if after.AccountValue.Sign() < 0 {
		if res.SettledMarkets, err = c.closeIntoInsuranceFund(trader, market); err != nil {
			return nil, err
		}
		if after, err = c.snapshot(trader); err != nil {
			return nil, err
		}
		if after.AccountValue.Sign() < 0 {
			if err := c.settleBadDebt(res, trader, market, fpmath.Neg(after.AccountValue)); err != nil {
				return nil, err
			}
		}
		pos.Transition(state.LiquidationStateSettled)
	} else if full {
		pos.Transition(state.LiquidationStateFullyLiquidated)
	} else {
		pos.Transition(state.LiquidationStatePartiallyLiquidated)
	}

	if _, err := c.requireInitialMargin(liquidator, ErrLiquidatorInsufficientCollateral, ErrLiquidatorInsufficientCollateral); err != nil {
		return nil, err
	}

	c.emit(&event.PositionChanged{
		Trader:       trader,
		Market:       market,
		Action:       state.ActionTypeLiquidation.String(),
		DeltaBase:    fpmath.Neg(size),
		DeltaQuote:   dQuote,
		Fee:          new(big.Int).Set(split.Penalty),
		PositionSize: td.SizeAfter,
		OpenNotional: td.OpenNotional,
		RealizedPnl:  td.RealizedPnl,
		Side:         event.SideOf(td.SizeAfter),
	})
	c.emit(&event.PositionChanged{
		Trader:       liquidator,
		Market:       market,
		Action:       state.ActionTypeLiquidatorTakeover.String(),
		DeltaBase:    new(big.Int).Set(size),
		DeltaQuote:   lQuote,
		Fee:          new(big.Int),
		PositionSize: ld.SizeAfter,
		OpenNotional: ld.OpenNotional,
		RealizedPnl:  ld.RealizedPnl,
		Side:         event.SideOf(ld.SizeAfter),
	})
	c.emit(&event.PositionLiquidated{
		LiquidationID:      liqID,
		Trader:             trader,
		Liquidator:         liquidator,
		Market:             market,
		LiquidatedSize:     new(big.Int).Set(size),
		MarkPrice:          mark,
		Notional:           split.Notional,
		Penalty:            split.Penalty,
		InsuranceFee:       split.InsuranceFee,
		LiquidatorDiscount: split.LiquidatorDiscount,
		MarginRatio:        before.MarginRatio,
		Full:               full,
		State:              pos.LiquidationState.String(),
	})
	if res.BadDebt.Sign() > 0 {
		c.emit(&event.BadDebtSettled{
			LiquidationID: liqID,
			Trader:        trader,
			Market:        market,
			Deficit:       res.BadDebt,
			Covered:       res.Covered,
			Uncovered:     res.Uncovered,
		})
	}

	c.ch.logger.Info().
		Str("liquidation_id", liqID.String()).
		Str("trader", trader.String()).
		Str("liquidator", liquidator.String()).
		Str("market", market).
		Str("size", fpmath.FormatAmount(size)).
		Str("mark", fpmath.FormatAmount(mark)).
		Str("penalty", fpmath.FormatAmount(split.Penalty)).
		Bool("full", full).
		Msg("position liquidated")
	return res, nil
}

func (c *callCtx) penaltyFor(size, mark *big.Int, m *state.MarketState) state.PenaltySplit {
	notional := fpmath.Abs(fpmath.PositionValue(size, mark))
	return state.SplitPenalty(notional, m.Params.LiquidationPenaltyRatio, m.Params.InsuranceFundLiquidationShare)
}

// closeIntoInsuranceFund closes the trader's taker positions in every market
// but skip at mark price. The insurance fund takes the opposite side, so base
// stays conserved per market. Liquidity orders elsewhere are left in place.
func (c *callCtx) closeIntoInsuranceFund(trader uuid.UUID, skip string) ([]string, error) {
	fund := c.ch.cfg.InsuranceFund
	var closed []string
	for _, id := range c.tx.MarketIDs() {
		if id == skip {
			continue
		}
		p := c.tx.Position(trader, id)
		if p == nil || p.IsFlat() {
			continue
		}
		m, err := c.tx.Market(id)
		if err != nil {
			return nil, err
		}
		if err := c.touchMarket(m); err != nil {
			return nil, err
		}
		c.settleFunding(trader, m)
		c.settleFunding(fund, m)
		mark, err := c.MarkPrice(id)
		if err != nil {
			return nil, err
		}

		size := new(big.Int).Set(p.Size)
		value := fpmath.PositionValue(size, mark)
		td := c.applyTakerDelta(state.ActionTypeBadDebtSettlement, trader, m, fpmath.Neg(size), value)
		fd := c.applyTakerDelta(state.ActionTypeBadDebtSettlement, fund, m, size, fpmath.Neg(value))
		p.Transition(state.LiquidationStateLiquidatable)
		p.Transition(state.LiquidationStateSettled)

		for _, d := range []*state.PositionDelta{td, fd} {
			c.emit(&event.PositionChanged{
				Trader:       d.Trader,
				Market:       id,
				Action:       state.ActionTypeBadDebtSettlement.String(),
				DeltaBase:    d.DeltaBase,
				DeltaQuote:   d.DeltaQuote,
				Fee:          new(big.Int),
				PositionSize: d.SizeAfter,
				OpenNotional: d.OpenNotional,
				RealizedPnl:  d.RealizedPnl,
				Side:         event.SideOf(d.SizeAfter),
			})
		}
		c.ch.logger.Warn().
			Str("trader", trader.String()).
			Str("market", id).
			Str("size", fpmath.FormatAmount(size)).
			Str("mark", fpmath.FormatAmount(mark)).
			Msg("position closed into insurance fund")
		closed = append(closed, id)
	}
	return closed, nil
}

// settleBadDebt moves the trader's deficit onto the insurance fund so the
// trader's account value ends at exactly zero.
func (c *callCtx) settleBadDebt(res *LiquidationResult, trader uuid.UUID, market string, deficit *big.Int) error {
	fund, err := c.snapshot(c.ch.cfg.InsuranceFund)
	if err != nil {
		return err
	}
	covered, uncovered := state.ComputeCoverage(fund.AccountValue, deficit)

	c.tx.AddOwedRealizedPnl(c.ch.cfg.InsuranceFund, market, fpmath.Neg(deficit))
	c.tx.AddOwedRealizedPnl(trader, market, deficit)

	res.BadDebt = deficit
	res.Covered = covered
	res.Uncovered = uncovered

	if c.ch.metrics != nil {
		c.ch.metrics.BadDebtTotal.Add(fpmath.AmountFloat64(deficit))
		c.ch.metrics.InsuranceFundValue.Set(fpmath.AmountFloat64(fpmath.Sub(fund.AccountValue, deficit)))
	}
	c.ch.logger.Warn().
		Str("trader", trader.String()).
		Str("market", market).
		Str("deficit", fpmath.FormatAmount(deficit)).
		Str("uncovered", fpmath.FormatAmount(uncovered)).
		Msg("bad debt absorbed by insurance fund")
	return nil
}
