package core

import (
	"fmt"
	"math/big"

	"PerpClearing/internal/event"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/pool"
	"PerpClearing/internal/state"
)

// RegisterMarket adds a market backed by amm. The pool's native fee must
// equal the market's protocol fee ratio so both fee domains charge the same
// rate.
func (ch *ClearingHouse) RegisterMarket(params state.MarketParams, amm pool.AMM, opts ...CallOption) error {
	return ch.apply("register_market", &params.Market, opts, func(c *callCtx) error {
		if err := state.ValidateMarketParams(params); err != nil {
			return fmt.Errorf("market %s: %w", params.Market, err)
		}
		if params.BaseToken == c.ch.cfg.QuoteToken {
			return fmt.Errorf("market %s: base token %s is the quote token", params.Market, params.BaseToken)
		}
		if amm.FeeRatio() != uint32(params.ProtocolFeeRatio) {
			return fmt.Errorf("%w: pool %d, market %d", ErrFeeRatioMismatch, amm.FeeRatio(), params.ProtocolFeeRatio)
		}
		slot := amm.Slot0()
		if err := c.tx.AddMarket(state.NewMarketState(params, slot.Tick, c.block, c.now)); err != nil {
			return err
		}
		c.pools[params.Market] = amm
		c.mutated[params.Market] = true

		c.emit(&event.MarketRegistered{
			Market:                        params.Market,
			BaseToken:                     params.BaseToken,
			TickSpacing:                   amm.TickSpacing(),
			ProtocolFeeRatio:              params.ProtocolFeeRatio,
			InsuranceFundFeeRatio:         params.InsuranceFundFeeRatio,
			MaxTickCrossedWithinBlock:     params.MaxTickCrossedWithinBlock,
			PartialCloseRatio:             params.PartialCloseRatio,
			LiquidationPenaltyRatio:       params.LiquidationPenaltyRatio,
			InsuranceFundLiquidationShare: params.InsuranceFundLiquidationShare,
			SqrtPriceX96:                  new(big.Int).Set(slot.SqrtPriceX96),
			Tick:                          slot.Tick,
		})
		c.ch.logger.Info().
			Str("market", params.Market).
			Str("base_token", params.BaseToken).
			Int32("tick", slot.Tick).
			Msg("market registered")
		return nil
	})
}

// PauseMarket stops (or resumes) trading, liquidity changes and liquidations
// in a market. Deposits and withdrawals are unaffected.
func (ch *ClearingHouse) PauseMarket(market string, paused bool, opts ...CallOption) error {
	return ch.apply("pause_market", &market, opts, func(c *callCtx) error {
		m, err := c.market(market)
		if err != nil {
			return err
		}
		if err := c.touchMarket(m); err != nil {
			return err
		}
		m.Paused = paused
		c.emit(&event.MarketPaused{Market: market, Paused: paused})
		c.ch.logger.Info().Str("market", market).Bool("paused", paused).Msg("market pause changed")
		return nil
	})
}

// UpdateIndexPrice records an oracle observation for feed, which is a
// market ID or a collateral price feed. Registered markets accrue funding
// up to the current block before the new price is observed.
func (ch *ClearingHouse) UpdateIndexPrice(feed string, price *big.Int, timestamp int64, opts ...CallOption) error {
	return ch.apply("update_index_price", &feed, opts, func(c *callCtx) error {
		if err := requirePositive(price); err != nil {
			return err
		}
		if err := c.ch.clock.ValidatePrice(feed, timestamp); err != nil {
			return err
		}
		if m, err := c.market(feed); err == nil {
			if err := c.touchMarket(m); err != nil {
				return err
			}
		}
		p := new(big.Int).Set(price)
		c.afterCommit = append(c.afterCommit, func() {
			if err := c.ch.feed.SetIndexPrice(feed, timestamp, p); err != nil {
				c.ch.logger.Warn().Str("feed", feed).Err(err).Msg("index observation dropped")
				return
			}
			c.ch.clock.RecordPrice(feed, timestamp)
		})
		c.emit(&event.IndexPriceUpdated{Market: feed, Price: p, Timestamp: timestamp})
		c.ch.logger.Debug().
			Str("feed", feed).
			Str("price", fpmath.FormatAmount(p)).
			Int64("ts", timestamp).
			Msg("index price")
		return nil
	})
}

// AdvanceBlock moves the block clock. Every time-dependent rule (deadlines,
// funding, the per-block tick guard, TWAP windows) reads this clock.
func (ch *ClearingHouse) AdvanceBlock(number, timestamp int64, opts ...CallOption) error {
	return ch.apply("advance_block", nil, opts, func(c *callCtx) error {
		if err := c.ch.clock.ValidateBlock(number, timestamp); err != nil {
			return err
		}
		c.block = number
		c.now = timestamp
		c.afterCommit = append(c.afterCommit, func() {
			c.ch.clock.Advance(number, timestamp)
		})
		c.emit(&event.BlockAdvanced{Number: number, Timestamp: timestamp})
		return nil
	})
}
