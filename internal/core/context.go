package core

import (
	"fmt"
	"math/big"

	"PerpClearing/internal/event"
	"PerpClearing/internal/ledger"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/pool"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

// callCtx is the uncommitted world of one call. It implements
// state.MarketView and state.CollateralView over that world, so margin
// figures computed mid-call see the call's own effects.
type callCtx struct {
	ch       *ClearingHouse
	op       string
	readOnly bool

	tx     *state.Tx
	ledger *ledger.Overlay

	pools   map[string]pool.AMM // clones taken on first write
	mutated map[string]bool
	marks   map[string]*big.Int
	touched map[string]bool

	queue  []state.TokenKey
	queued map[state.TokenKey]bool

	traderOrder []uuid.UUID
	traders     map[uuid.UUID]bool

	events      []event.Event
	afterCommit []func()

	block int64
	now   int64
}

var (
	_ state.MarketView     = (*callCtx)(nil)
	_ state.CollateralView = (*callCtx)(nil)
)

// run executes fn, reconciles every token it touched and verifies that the
// token ledger still mirrors positions and orders.
func (c *callCtx) run(fn func(c *callCtx) error) error {
	if err := fn(c); err != nil {
		return err
	}
	c.reconcile()
	for _, trader := range c.traderOrder {
		if err := c.checkTokenConsistency(trader); err != nil {
			return err
		}
	}
	return nil
}

func (c *callCtx) emit(e event.Event) {
	c.events = append(c.events, e)
}

// === Markets and pools ===

func (c *callCtx) market(id string) (*state.MarketState, error) {
	return c.tx.Market(id)
}

// liveMarket returns a registered, unpaused market.
func (c *callCtx) liveMarket(id string) (*state.MarketState, error) {
	m, err := c.tx.Market(id)
	if err != nil {
		return nil, err
	}
	if m.Paused {
		return nil, fmt.Errorf("%w: %s", ErrMarketPaused, id)
	}
	return m, nil
}

// peekPool returns the pool as this call currently sees it, without cloning.
func (c *callCtx) peekPool(id string) (pool.AMM, error) {
	if p, ok := c.pools[id]; ok {
		return p, nil
	}
	p, ok := c.ch.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrMarketNotFound, id)
	}
	return p, nil
}

// writablePool returns the call's private copy of the pool. Marks cached for
// the market are dropped because the caller is about to move the price.
func (c *callCtx) writablePool(id string) (pool.AMM, error) {
	if c.readOnly {
		panic("core: write on a read-only view")
	}
	c.mutated[id] = true
	delete(c.marks, id)
	if p, ok := c.pools[id]; ok {
		return p, nil
	}
	p, ok := c.ch.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrMarketNotFound, id)
	}
	clone := p.Clone()
	c.pools[id] = clone
	return clone, nil
}

// touchMarket brings funding up to the block timestamp and records the
// block-start tick for the price-impact guard. It runs once per market per
// call.
func (c *callCtx) touchMarket(m *state.MarketState) error {
	id := m.Params.Market
	if c.touched[id] {
		return nil
	}
	c.touched[id] = true

	p, err := c.peekPool(id)
	if err != nil {
		return err
	}
	m.ObserveBlock(c.block, p.Slot0().Tick)

	if c.now <= m.LastFundingTimestamp {
		return nil
	}
	markTwap, errMark := c.ch.feed.MarkTwap(id, c.now, c.ch.cfg.TwapInterval)
	indexTwap, errIndex := c.ch.feed.IndexTwap(id, c.now, c.ch.cfg.TwapInterval)
	if errMark != nil || errIndex != nil {
		// no premium can be measured; the window is skipped, not deferred
		m.LastFundingTimestamp = c.now
		return nil
	}
	m.AccrueFunding(markTwap, indexTwap, c.now, c.ch.cfg.FundingPeriod)
	return nil
}

func (c *callCtx) touchAll() error {
	for _, id := range c.tx.MarketIDs() {
		m, err := c.tx.Market(id)
		if err != nil {
			return err
		}
		if err := c.touchMarket(m); err != nil {
			return err
		}
	}
	return nil
}

// settleFunding moves the trader's pending funding in m into owed PnL.
func (c *callCtx) settleFunding(trader uuid.UUID, m *state.MarketState) {
	pos := c.tx.Position(trader, m.Params.Market)
	if pos == nil {
		return
	}
	if pos.IsFlat() {
		pos.LastFundingGrowth.Set(m.FundingGrowthGlobal)
		return
	}
	amount := pos.SettleFunding(m)
	if amount.Sign() == 0 {
		return
	}
	c.emit(&event.FundingSettled{
		Trader:       trader,
		Market:       m.Params.Market,
		Amount:       amount,
		GrowthGlobal: new(big.Int).Set(m.FundingGrowthGlobal),
	})
}

// === state.MarketView ===

func (c *callCtx) MarkPrice(market string) (*big.Int, error) {
	if v, ok := c.marks[market]; ok {
		return new(big.Int).Set(v), nil
	}
	p, err := c.peekPool(market)
	if err != nil {
		return nil, err
	}
	mark := markPriceOf(p)
	c.marks[market] = mark
	return new(big.Int).Set(mark), nil
}

func (c *callCtx) OrderTokens(o *state.OpenOrder) (*big.Int, *big.Int, error) {
	p, err := c.peekPool(o.Market)
	if err != nil {
		return nil, nil, err
	}
	base, quote := p.AmountsForLiquidity(o.LowerTick, o.UpperTick, o.Liquidity)
	return base, quote, nil
}

func (c *callCtx) PendingOrderFee(o *state.OpenOrder) (*big.Int, error) {
	p, err := c.peekPool(o.Market)
	if err != nil {
		return nil, err
	}
	m, err := c.tx.Market(o.Market)
	if err != nil {
		return nil, err
	}
	fee, _ := orderFee(p, m, o)
	return fee, nil
}

// orderFee returns the maker's share of the fees the order earned since its
// checkpoints, and the fee growth inside the range now.
func orderFee(p pool.AMM, m *state.MarketState, o *state.OpenOrder) (*big.Int, pool.FeeGrowth) {
	inside := p.FeeGrowthInside(o.LowerTick, o.UpperTick)
	last := pool.FeeGrowth{
		ClearingHouseX128: o.FeeGrowthInsideLastCH,
		PoolX128:          o.FeeGrowthInsideLastPool,
	}
	chFee, nativeFee := pool.FeesEarned(inside.Sub(last), o.Liquidity)
	total := chFee.Add(chFee, nativeFee)
	makerShare := fpmath.RatioScale - m.Params.InsuranceFundFeeRatio
	return fpmath.MulRatio(total, makerShare, fpmath.RoundFloor), inside
}

// collectOrderFee books the order's pending fee as owed PnL and advances
// its checkpoints.
func (c *callCtx) collectOrderFee(p pool.AMM, m *state.MarketState, o *state.OpenOrder) *big.Int {
	fee, inside := orderFee(p, m, o)
	o.FeeGrowthInsideLastCH.Set(inside.ClearingHouseX128)
	o.FeeGrowthInsideLastPool.Set(inside.PoolX128)
	c.tx.AddOwedRealizedPnl(o.Trader, o.Market, fee)
	return fee
}

// === state.CollateralView ===

// CollateralValue is the settlement balance plus every other collateral at
// index price times its collateral ratio. Collateral without an index price
// counts as zero.
func (c *callCtx) CollateralValue(trader uuid.UUID) (*big.Int, error) {
	value := c.ledger.UserCollateral(trader, c.ch.settlement.ID)
	for _, col := range c.ch.cfg.Collaterals {
		asset, ok := c.ch.assets.BySymbol(col.Symbol)
		if !ok {
			continue
		}
		bal := c.ledger.UserCollateral(trader, asset.ID)
		if bal.Sign() == 0 {
			continue
		}
		price, err := c.ch.feed.IndexPrice(col.PriceFeed)
		if err != nil {
			continue
		}
		v := fpmath.Mul18(bal, price, fpmath.RoundFloor)
		value.Add(value, fpmath.MulRatio(v, col.CollateralRatio, fpmath.RoundFloor))
	}
	return value, nil
}

// === Margin ===

func (c *callCtx) snapshot(trader uuid.UUID) (*state.AccountSnapshot, error) {
	if err := c.touchAll(); err != nil {
		return nil, err
	}
	mc := state.NewMarginCalculator(c.tx, c, c, c.ch.cfg.QuoteToken, c.ch.cfg.InitialMarginRatio)
	return mc.Snapshot(trader)
}

// requireInitialMargin rejects the call unless the trader keeps marginRatio
// at or above IMR and non-negative free collateral.
func (c *callCtx) requireInitialMargin(trader uuid.UUID, errMargin, errFree error) (*state.AccountSnapshot, error) {
	s, err := c.snapshot(trader)
	if err != nil {
		return nil, err
	}
	if s.MarginRatio < c.ch.cfg.InitialMarginRatio {
		return nil, fmt.Errorf("%w: ratio %s < %s", errMargin,
			fpmath.FormatRatio(s.MarginRatio), fpmath.FormatRatio(c.ch.cfg.InitialMarginRatio))
	}
	if s.FreeCollateral.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s", errFree, fpmath.FormatAmount(s.FreeCollateral))
	}
	return s, nil
}

// === Tokens ===

func (c *callCtx) noteTrader(trader uuid.UUID) {
	if !c.traders[trader] {
		c.traders[trader] = true
		c.traderOrder = append(c.traderOrder, trader)
	}
}

func (c *callCtx) queueReconcile(trader uuid.UUID, token string) {
	k := state.TokenKey{Trader: trader, Token: token}
	if !c.queued[k] {
		c.queued[k] = true
		c.queue = append(c.queue, k)
	}
}

func (c *callCtx) emitAutoMint(trader uuid.UUID, token string, amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	if c.ch.metrics != nil {
		c.ch.metrics.TokensAutoMinted.WithLabelValues(token).Inc()
	}
	c.emit(&event.TokenMinted{Trader: trader, Token: token, Amount: new(big.Int).Set(amount), Auto: true})
}

// applyTakerDelta books a flow to tokens and position and schedules the
// touched tokens for reconciliation.
func (c *callCtx) applyTakerDelta(action state.ActionType, trader uuid.UUID, m *state.MarketState, dBase, dQuote *big.Int) *state.PositionDelta {
	quote := c.ch.cfg.QuoteToken
	d := c.tx.ApplyTakerDelta(action, trader, m, quote, dBase, dQuote)
	c.emitAutoMint(trader, m.Params.BaseToken, d.MintedBase)
	c.emitAutoMint(trader, quote, d.MintedQuote)
	c.queueReconcile(trader, m.Params.BaseToken)
	c.queueReconcile(trader, quote)
	c.noteTrader(trader)
	return d
}

// reconcile burns min(available, debt) on every queued token.
func (c *callCtx) reconcile() {
	for _, k := range c.queue {
		burned := c.tx.Token(k.Trader, k.Token).Reconcile()
		if burned.Sign() == 0 {
			continue
		}
		c.emit(&event.TokenBurned{Trader: k.Trader, Token: k.Token, Amount: burned, Auto: true})
	}
	c.queue = nil
	c.queued = make(map[state.TokenKey]bool)
}

// checkTokenConsistency verifies that, per market, position size equals the
// net base balance plus base locked in orders, and that the net quote balance
// plus quote locked in orders equals the summed open notional.
func (c *callCtx) checkTokenConsistency(trader uuid.UUID) error {
	quoteSide := c.tx.PeekToken(trader, c.ch.cfg.QuoteToken).Net()
	openNotional := new(big.Int)

	for _, id := range c.tx.MarketIDs() {
		m, err := c.tx.Market(id)
		if err != nil {
			return err
		}
		size := new(big.Int)
		if pos := c.tx.Position(trader, id); pos != nil {
			size.Set(pos.Size)
			openNotional.Add(openNotional, pos.OpenNotional)
		}
		base := c.tx.PeekToken(trader, m.Params.BaseToken).Net()
		for _, o := range c.tx.Orders(trader, id) {
			base.Add(base, o.BaseDebt)
			quoteSide.Add(quoteSide, o.QuoteDebt)
		}
		if base.Cmp(size) != 0 {
			return fmt.Errorf("%w: %s %s base tokens %s, position %s",
				ErrInvariantViolated, trader, id, base, size)
		}
	}
	if quoteSide.Cmp(openNotional) != 0 {
		return fmt.Errorf("%w: %s quote tokens %s, open notional %s",
			ErrInvariantViolated, trader, quoteSide, openNotional)
	}
	return nil
}

func checkDeadline(deadline, now int64) error {
	if deadline != 0 && deadline < now {
		return fmt.Errorf("%w: deadline %d, block time %d", ErrDeadlineExpired, deadline, now)
	}
	return nil
}

func requirePositive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	return nil
}
