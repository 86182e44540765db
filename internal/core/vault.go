package core

import (
	"fmt"
	"math/big"

	"PerpClearing/internal/event"
	"PerpClearing/internal/ledger"
	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// Deposit credits amount (token-native decimals) of a registered collateral
// asset to the trader. Owed PnL is settled into the settlement balance first.
func (ch *ClearingHouse) Deposit(trader uuid.UUID, asset string, amount *big.Int, opts ...CallOption) error {
	return ch.apply("deposit", nil, opts, func(c *callCtx) error {
		if err := requirePositive(amount); err != nil {
			return err
		}
		a, err := c.asset(asset)
		if err != nil {
			return err
		}
		if _, err := c.settleOwed(trader); err != nil {
			return err
		}
		amount18 := fpmath.ParseSettlementToken(amount, a.Decimals)
		if err := c.ledger.Deposit(trader, a.ID, amount18); err != nil {
			return fmt.Errorf("deposit %s: %w", asset, err)
		}
		c.emit(&event.CollateralDeposited{
			Trader:   trader,
			Asset:    asset,
			Amount:   new(big.Int).Set(amount),
			Amount18: amount18,
		})
		c.ch.logger.Debug().
			Str("trader", trader.String()).
			Str("asset", asset).
			Str("amount", fpmath.FormatAmount(amount18)).
			Msg("deposit")
		return nil
	})
}

// Withdraw pays out amount (token-native decimals). The trader's balance of
// the asset must stay non-negative and free collateral must cover it.
func (ch *ClearingHouse) Withdraw(trader uuid.UUID, asset string, amount *big.Int, opts ...CallOption) error {
	return ch.apply("withdraw", nil, opts, func(c *callCtx) error {
		if err := requirePositive(amount); err != nil {
			return err
		}
		a, err := c.asset(asset)
		if err != nil {
			return err
		}
		settled, err := c.settleOwed(trader)
		if err != nil {
			return err
		}
		return c.withdraw(trader, a, amount, settled)
	})
}

// WithdrawAll pays out as much of the asset as free collateral allows and
// returns the token-native amount, rounded down.
func (ch *ClearingHouse) WithdrawAll(trader uuid.UUID, asset string, opts ...CallOption) (*big.Int, error) {
	var paid *big.Int
	err := ch.apply("withdraw_all", nil, opts, func(c *callCtx) error {
		a, err := c.asset(asset)
		if err != nil {
			return err
		}
		settled, err := c.settleOwed(trader)
		if err != nil {
			return err
		}
		max, err := c.withdrawable(trader, a)
		if err != nil {
			return err
		}
		native := fpmath.FormatSettlementToken(max, a.Decimals, fpmath.RoundFloor)
		if native.Sign() <= 0 {
			return fmt.Errorf("%w: nothing withdrawable in %s", ErrInsufficientFreeCollateral, asset)
		}
		paid = native
		return c.withdraw(trader, a, native, settled)
	})
	return paid, err
}

func (c *callCtx) withdraw(trader uuid.UUID, a ledger.Asset, amount, settled *big.Int) error {
	amount18 := fpmath.ParseSettlementToken(amount, a.Decimals)
	if err := c.ledger.Withdraw(trader, a.ID, amount18); err != nil {
		return fmt.Errorf("withdraw %s: %w", a.Symbol, err)
	}
	if bal := c.ledger.UserCollateral(trader, a.ID); bal.Sign() < 0 {
		return fmt.Errorf("%w: %s balance would be %s", ErrInsufficientCollateral, a.Symbol, fpmath.FormatAmount(bal))
	}
	s, err := c.snapshot(trader)
	if err != nil {
		return err
	}
	if s.FreeCollateral.Sign() < 0 {
		return fmt.Errorf("%w: %s short after withdrawing %s %s", ErrInsufficientFreeCollateral,
			fpmath.FormatAmount(new(big.Int).Neg(s.FreeCollateral)), fpmath.FormatAmount(amount18), a.Symbol)
	}
	c.emit(&event.CollateralWithdrawn{
		Trader:     trader,
		Asset:      a.Symbol,
		Amount:     new(big.Int).Set(amount),
		Amount18:   amount18,
		SettledPnl: settled,
	})
	c.ch.logger.Debug().
		Str("trader", trader.String()).
		Str("asset", a.Symbol).
		Str("amount", fpmath.FormatAmount(amount18)).
		Msg("withdraw")
	return nil
}

// withdrawable is the largest 18-decimal amount of a that leaves free
// collateral and the asset balance non-negative.
func (c *callCtx) withdrawable(trader uuid.UUID, a ledger.Asset) (*big.Int, error) {
	bal := c.ledger.UserCollateral(trader, a.ID)
	if bal.Sign() <= 0 {
		return new(big.Int), nil
	}
	s, err := c.snapshot(trader)
	if err != nil {
		return nil, err
	}
	if s.FreeCollateral.Sign() <= 0 {
		return new(big.Int), nil
	}
	if a.ID == c.ch.settlement.ID {
		return fpmath.Min(bal, s.FreeCollateral), nil
	}
	col := c.ch.collaterals[a.Symbol]
	price, err := c.ch.feed.IndexPrice(col.PriceFeed)
	if err != nil || col.CollateralRatio == 0 || price.Sign() == 0 {
		// unpriced collateral adds nothing to free collateral
		return bal, nil
	}
	// invert valuation = amount × price × ratio
	perUnit := fpmath.MulRatio(price, col.CollateralRatio, fpmath.RoundUp)
	max := fpmath.MulDiv(s.FreeCollateral, fpmath.Units(1), perUnit, fpmath.RoundFloor)
	return fpmath.Min(bal, max), nil
}

// settleOwed brings funding and maker fees current in every market, then
// merges the trader's owed PnL into the settlement balance. It returns the
// merged amount.
func (c *callCtx) settleOwed(trader uuid.UUID) (*big.Int, error) {
	if err := c.touchAll(); err != nil {
		return nil, err
	}
	for _, id := range c.tx.MarketIDs() {
		m, err := c.tx.Market(id)
		if err != nil {
			return nil, err
		}
		c.settleFunding(trader, m)
		orders := c.tx.Orders(trader, id)
		if len(orders) == 0 {
			continue
		}
		p, err := c.peekPool(id)
		if err != nil {
			return nil, err
		}
		for _, o := range orders {
			c.collectOrderFee(p, m, o)
		}
	}
	total := c.tx.ClearOwedRealizedPnl(trader)
	c.ledger.SettleRealizedPnl(trader, c.ch.settlement.ID, total)
	return total, nil
}

func (c *callCtx) asset(symbol string) (ledger.Asset, error) {
	a, ok := c.ch.assets.BySymbol(symbol)
	if !ok {
		return ledger.Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	return a, nil
}

// Mint issues virtual tokens as debt. Free collateral must stay
// non-negative since the new debt is valued at mark.
func (ch *ClearingHouse) Mint(trader uuid.UUID, token string, amount *big.Int, opts ...CallOption) error {
	return ch.apply("mint", nil, opts, func(c *callCtx) error {
		if err := requirePositive(amount); err != nil {
			return err
		}
		if err := c.knownToken(token); err != nil {
			return err
		}
		c.tx.Token(trader, token).Mint(amount)
		c.noteTrader(trader)
		if _, err := c.requireInitialMargin(trader, ErrInsufficientMargin, ErrInsufficientFreeCollateral); err != nil {
			return err
		}
		c.emit(&event.TokenMinted{Trader: trader, Token: token, Amount: new(big.Int).Set(amount)})
		return nil
	})
}

// Burn repays virtual-token debt from the available balance.
func (ch *ClearingHouse) Burn(trader uuid.UUID, token string, amount *big.Int, opts ...CallOption) error {
	return ch.apply("burn", nil, opts, func(c *callCtx) error {
		if err := requirePositive(amount); err != nil {
			return err
		}
		if err := c.knownToken(token); err != nil {
			return err
		}
		if err := c.tx.Token(trader, token).Burn(amount); err != nil {
			return fmt.Errorf("burn %s: %w", token, err)
		}
		c.noteTrader(trader)
		c.emit(&event.TokenBurned{Trader: trader, Token: token, Amount: new(big.Int).Set(amount)})
		return nil
	})
}

func (c *callCtx) knownToken(token string) error {
	if token == c.ch.cfg.QuoteToken {
		return nil
	}
	for _, id := range c.tx.MarketIDs() {
		m, err := c.tx.Market(id)
		if err != nil {
			return err
		}
		if m.Params.BaseToken == token {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownToken, token)
}
