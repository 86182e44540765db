package core_test

import (
	"errors"
	"math/big"
	"testing"

	"PerpClearing/internal/core"
	"PerpClearing/internal/event"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/pool"
	"PerpClearing/internal/state"
	"PerpClearing/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

const (
	genesisTime = int64(1_700_000_000)
	ammMarket   = "ETH-PERP"
	fixedMarket = "FIX-PERP"
	otherMarket = "FIX2-PERP"

	// range around price 100 (tick 46054), aligned to spacing 60
	lowerTick = int32(43980)
	upperTick = int32(48000)
)

type harness struct {
	ch      *core.ClearingHouse
	persist chan core.CoreOutput
	publish chan core.CoreOutput
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	persist := make(chan core.CoreOutput, 1024)
	publish := make(chan core.CoreOutput, 1024)
	ch, err := core.New(core.DefaultConfig(),
		core.WithOutputs(persist, publish),
		core.WithGenesisBlock(1, genesisTime),
		core.WithLogger(zerolog.Nop()),
	)
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	return &harness{ch: ch, persist: persist, publish: publish}
}

// registerAMM registers ETH-PERP on a real pool at price 100.
func (h *harness) registerAMM(t *testing.T, tweak func(*state.MarketParams)) {
	t.Helper()
	params := state.DefaultMarketParams(ammMarket, "vETH")
	if tweak != nil {
		tweak(&params)
	}
	p, err := pool.New(pool.Config{
		TickSpacing:  60,
		FeeRatio:     uint32(params.ProtocolFeeRatio),
		SqrtPriceX96: new(big.Int).Mul(big.NewInt(10), fpmath.Q96),
	})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	if err := h.ch.RegisterMarket(params, p); err != nil {
		t.Fatalf("RegisterMarket: %v", err)
	}
}

// registerFixed registers FIX-PERP on a fee-free fixed-price pool at 100
// with a 25% partial-close ratio.
func (h *harness) registerFixed(t *testing.T) *testutil.FixedPricePool {
	t.Helper()
	return h.registerFixedAs(t, fixedMarket, "vFIX")
}

func (h *harness) registerFixedAs(t *testing.T, market, baseToken string) *testutil.FixedPricePool {
	t.Helper()
	params := state.DefaultMarketParams(market, baseToken)
	params.ProtocolFeeRatio = 0
	params.PartialCloseRatio = 250_000
	p := testutil.NewFixedPricePool(10, 0)
	if err := h.ch.RegisterMarket(params, p); err != nil {
		t.Fatalf("RegisterMarket: %v", err)
	}
	return p
}

func (h *harness) deposit(t *testing.T, trader uuid.UUID, usdc int64) {
	t.Helper()
	if err := h.ch.Deposit(trader, "USDC", testutil.USDC(usdc)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
}

func (h *harness) addLiquidity(t *testing.T, maker uuid.UUID, base, quote string) *core.LiquidityResult {
	t.Helper()
	res, err := h.ch.AddLiquidity(maker, core.AddLiquidityParams{
		Market:    ammMarket,
		LowerTick: lowerTick,
		UpperTick: upperTick,
		Base:      testutil.Amount(base),
		Quote:     testutil.Amount(quote),
	})
	if err != nil {
		t.Fatalf("AddLiquidity: %v", err)
	}
	return res
}

// buy spends quote (exact input) for base.
func (h *harness) buy(trader uuid.UUID, market, quote string) (*core.TradeResult, error) {
	return h.ch.OpenPosition(trader, core.OpenPositionParams{
		Market:       market,
		IsExactInput: true,
		Amount:       testutil.Amount(quote),
	})
}

// sell sells base (exact input) for quote.
func (h *harness) sell(trader uuid.UUID, market, base string) (*core.TradeResult, error) {
	return h.ch.OpenPosition(trader, core.OpenPositionParams{
		Market:        market,
		IsBaseToQuote: true,
		IsExactInput:  true,
		Amount:        testutil.Amount(base),
	})
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func wantAmount(t *testing.T, label string, got *big.Int, want string) {
	t.Helper()
	if got == nil || got.Cmp(testutil.Amount(want)) != 0 {
		t.Errorf("%s: expected %s, got %s", label, want, fpmath.FormatAmount(got))
	}
}

func mustValue(t *testing.T) func(v *big.Int, err error) *big.Int {
	return func(v *big.Int, err error) *big.Int {
		t.Helper()
		if err != nil {
			t.Fatalf("getter: %v", err)
		}
		return v
	}
}

func absDiff(a, b *big.Int) *big.Int {
	d := new(big.Int).Sub(a, b)
	return d.Abs(d)
}

// ============================================================================
// Test: Vault
// ============================================================================

func TestDeposit_RebasesToInternalPrecision(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()

	h.deposit(t, trader, 700)

	fc := mustValue(t)(h.ch.GetFreeCollateral(trader))
	wantAmount(t, "free collateral", fc, "700")

	bal := mustValue(t)(h.ch.GetCollateralBalance(trader, "USDC"))
	if bal.Cmp(testutil.USDC(700)) != 0 {
		t.Errorf("expected native balance %s, got %s", testutil.USDC(700), bal)
	}

	outputs := drainOutputs(h.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Batch == nil || len(outputs[0].Batch.Journals) != 1 {
		t.Fatalf("expected one deposit journal")
	}
	if outputs[0].Envelope.Op != "deposit" {
		t.Errorf("expected op deposit, got %s", outputs[0].Envelope.Op)
	}
}

func TestDeposit_UnknownAsset_Fails(t *testing.T) {
	h := newHarness(t)
	err := h.ch.Deposit(uuid.New(), "DOGE", big.NewInt(1))
	if !errors.Is(err, core.ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestWithdraw_LimitedByFreeCollateral(t *testing.T) {
	h := newHarness(t)
	h.registerFixed(t)
	trader := uuid.New()
	h.deposit(t, trader, 700)

	// short 25 @ 100: base debt worth 2500 locks 250 at 10% IMR
	if _, err := h.sell(trader, fixedMarket, "25"); err != nil {
		t.Fatalf("open: %v", err)
	}
	wantAmount(t, "free collateral", mustValue(t)(h.ch.GetFreeCollateral(trader)), "450")

	err := h.ch.Withdraw(trader, "USDC", testutil.USDC(451))
	if !errors.Is(err, core.ErrInsufficientFreeCollateral) {
		t.Fatalf("expected ErrInsufficientFreeCollateral, got %v", err)
	}
	if core.KindOf(err) != core.KindSolvency {
		t.Errorf("expected solvency kind, got %s", core.KindOf(err))
	}
	if err := h.ch.Withdraw(trader, "USDC", testutil.USDC(450)); err != nil {
		t.Fatalf("withdraw 450: %v", err)
	}
	wantAmount(t, "free collateral after", mustValue(t)(h.ch.GetFreeCollateral(trader)), "0")
}

func TestWithdrawAll_RoundsDown(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	h.deposit(t, trader, 5)

	paid, err := h.ch.WithdrawAll(trader, "USDC")
	if err != nil {
		t.Fatalf("WithdrawAll: %v", err)
	}
	if paid.Cmp(testutil.USDC(5)) != 0 {
		t.Errorf("expected %s paid, got %s", testutil.USDC(5), paid)
	}
	if _, err := h.ch.WithdrawAll(trader, "USDC"); !errors.Is(err, core.ErrInsufficientFreeCollateral) {
		t.Errorf("expected nothing withdrawable, got %v", err)
	}
}

func TestMintBurn_DebtCountsAgainstFreeCollateral(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()
	h.deposit(t, trader, 100)

	if err := h.ch.Mint(trader, "vUSD", testutil.Amount("1000")); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	wantAmount(t, "free collateral", mustValue(t)(h.ch.GetFreeCollateral(trader)), "0")

	err := h.ch.Mint(trader, "vUSD", testutil.Amount("1"))
	if !errors.Is(err, core.ErrInsufficientFreeCollateral) {
		t.Fatalf("expected ErrInsufficientFreeCollateral, got %v", err)
	}

	if err := h.ch.Burn(trader, "vUSD", testutil.Amount("400")); err != nil {
		t.Fatalf("Burn: %v", err)
	}
	tok, err := h.ch.GetTokenBalance(trader, "vUSD")
	if err != nil {
		t.Fatalf("GetTokenBalance: %v", err)
	}
	wantAmount(t, "available", tok.Available, "600")
	wantAmount(t, "debt", tok.Debt, "600")

	if err := h.ch.Mint(trader, "vXYZ", testutil.Amount("1")); !errors.Is(err, core.ErrUnknownToken) {
		t.Errorf("expected ErrUnknownToken, got %v", err)
	}
}

// ============================================================================
// Test: Open Position
// ============================================================================

func TestOpenPosition_MakerAbsorbsTakerBase(t *testing.T) {
	h := newHarness(t)
	h.registerAMM(t, nil)
	maker, taker := uuid.New(), uuid.New()
	h.deposit(t, maker, 2000)
	h.deposit(t, taker, 1000)
	h.addLiquidity(t, maker, "100", "10000")

	res, err := h.buy(taker, ammMarket, "1000")
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if res.Base.Sign() <= 0 || res.Quote.Cmp(testutil.Amount("-1000")) != 0 {
		t.Fatalf("unexpected swap flows: base %s quote %s", res.Base, res.Quote)
	}
	// 0.1% of 1000, charged per step so allow wei rounding
	if absDiff(res.Fee, testutil.Amount("1")).Cmp(big.NewInt(10)) > 0 {
		t.Errorf("expected native fee ~1, got %s", fpmath.FormatAmount(res.Fee))
	}

	takerSize := mustValue(t)(h.ch.GetPositionSize(taker, ammMarket))
	makerTotal := mustValue(t)(h.ch.GetTotalPositionSize(maker, ammMarket))
	sum := new(big.Int).Add(takerSize, makerTotal)
	if sum.CmpAbs(big.NewInt(10)) > 0 {
		t.Errorf("base not conserved: taker %s + maker %s = %s", takerSize, makerTotal, sum)
	}

	// the maker's taker position stays flat until liquidity is removed
	if mustValue(t)(h.ch.GetPositionSize(maker, ammMarket)).Sign() != 0 {
		t.Error("maker should have no taker position")
	}

	ifOwed := mustValue(t)(h.ch.GetOwedRealizedPnl(h.ch.Config().InsuranceFund, ammMarket))
	wantIF := fpmath.MulRatio(res.Fee, 100_000, fpmath.RoundFloor)
	if ifOwed.Cmp(wantIF) != 0 {
		t.Errorf("insurance fund fee share: expected %s, got %s", wantIF, ifOwed)
	}
}

func TestOpenPosition_InsufficientMargin_Fails(t *testing.T) {
	h := newHarness(t)
	h.registerFixed(t)
	trader := uuid.New()
	h.deposit(t, trader, 100)

	// 1001 notional on 100 collateral is below 10% initial margin
	_, err := h.ch.OpenPosition(trader, core.OpenPositionParams{
		Market: fixedMarket,
		Amount: testutil.Amount("10.01"),
	})
	if !errors.Is(err, core.ErrInsufficientMargin) {
		t.Fatalf("expected ErrInsufficientMargin, got %v", err)
	}
	if mustValue(t)(h.ch.GetPositionSize(trader, fixedMarket)).Sign() != 0 {
		t.Error("rejected trade must not leave a position")
	}
}

func TestOpenPosition_ReductionSkipsMarginCheck(t *testing.T) {
	h := newHarness(t)
	fixed := h.registerFixed(t)
	trader := uuid.New()
	h.deposit(t, trader, 800)

	if _, err := h.sell(trader, fixedMarket, "25"); err != nil {
		t.Fatalf("open: %v", err)
	}
	fixed.SetPriceRoot(11)

	// now under initial margin; reducing is still allowed
	mr, err := h.ch.GetMarginRatio(trader)
	if err != nil {
		t.Fatalf("GetMarginRatio: %v", err)
	}
	if mr >= h.ch.Config().InitialMarginRatio {
		t.Fatalf("expected ratio below IMR, got %d", mr)
	}
	if _, err := h.ch.OpenPosition(trader, core.OpenPositionParams{
		Market: fixedMarket,
		Amount: testutil.Amount("5"),
	}); err != nil {
		t.Fatalf("reducing trade rejected: %v", err)
	}
	wantAmount(t, "size", mustValue(t)(h.ch.GetPositionSize(trader, fixedMarket)), "-20")
}

func TestOpenPosition_TickGuard(t *testing.T) {
	h := newHarness(t)
	h.registerAMM(t, func(p *state.MarketParams) { p.MaxTickCrossedWithinBlock = 100 })
	maker, alice, bob := uuid.New(), uuid.New(), uuid.New()
	h.deposit(t, maker, 2000)
	h.deposit(t, alice, 1000)
	h.deposit(t, bob, 1000)
	h.addLiquidity(t, maker, "100", "10000")

	// ~20 ticks each
	if _, err := h.buy(alice, ammMarket, "100"); err != nil {
		t.Fatalf("small buy: %v", err)
	}
	if _, err := h.buy(alice, ammMarket, "100"); err != nil {
		t.Fatalf("second small buy: %v", err)
	}

	before, _, err := h.ch.Pool(ammMarket)
	if err != nil {
		t.Fatalf("Pool: %v", err)
	}
	seq := h.ch.Sequence()

	// ~200 ticks from the block-start tick
	_, err = h.buy(bob, ammMarket, "1000")
	if !errors.Is(err, core.ErrOverPriceLimit) {
		t.Fatalf("expected ErrOverPriceLimit, got %v", err)
	}
	if core.KindOf(err) != core.KindMarketCondition {
		t.Errorf("expected market_condition kind, got %s", core.KindOf(err))
	}

	after, _, _ := h.ch.Pool(ammMarket)
	if before.SqrtPriceX96.Cmp(after.SqrtPriceX96) != 0 {
		t.Error("rejected swap moved the committed pool")
	}
	if h.ch.Sequence() != seq {
		t.Error("rejected swap advanced the sequence")
	}

	// a new block resets the reference tick
	if err := h.ch.AdvanceBlock(2, genesisTime+12); err != nil {
		t.Fatalf("AdvanceBlock: %v", err)
	}
	if _, err := h.buy(bob, ammMarket, "300"); err != nil {
		t.Fatalf("buy in new block: %v", err)
	}

	// reducing trades ignore the guard even when they move the price far
	if _, err := h.ch.ClosePosition(alice, ammMarket, nil, 0); err != nil {
		t.Fatalf("alice close: %v", err)
	}
	if _, err := h.ch.ClosePosition(bob, ammMarket, nil, 0); err != nil {
		t.Fatalf("bob close: %v", err)
	}
}

func TestOpenPosition_SlippageBound(t *testing.T) {
	h := newHarness(t)
	h.registerFixed(t)
	trader := uuid.New()
	h.deposit(t, trader, 1000)

	// selling 1 base at 100 cannot yield 101 quote
	_, err := h.ch.OpenPosition(trader, core.OpenPositionParams{
		Market:              fixedMarket,
		IsBaseToQuote:       true,
		IsExactInput:        true,
		Amount:              testutil.Amount("1"),
		OppositeAmountBound: testutil.Amount("101"),
	})
	if !errors.Is(err, core.ErrSlippage) {
		t.Fatalf("expected ErrSlippage, got %v", err)
	}

	_, err = h.ch.OpenPosition(trader, core.OpenPositionParams{
		Market:              fixedMarket,
		IsBaseToQuote:       true,
		IsExactInput:        true,
		Amount:              testutil.Amount("1"),
		OppositeAmountBound: testutil.Amount("100"),
	})
	if err != nil {
		t.Fatalf("bound met exactly: %v", err)
	}
}

func TestOpenPosition_DeadlineExpired(t *testing.T) {
	h := newHarness(t)
	h.registerFixed(t)
	trader := uuid.New()
	h.deposit(t, trader, 1000)

	_, err := h.ch.OpenPosition(trader, core.OpenPositionParams{
		Market:   fixedMarket,
		Amount:   testutil.Amount("1"),
		Deadline: genesisTime - 1,
	})
	if !errors.Is(err, core.ErrDeadlineExpired) {
		t.Fatalf("expected ErrDeadlineExpired, got %v", err)
	}
	if core.KindOf(err) != core.KindValidation {
		t.Errorf("expected validation kind, got %s", core.KindOf(err))
	}
}

func TestOpenPosition_PausedMarket(t *testing.T) {
	h := newHarness(t)
	h.registerFixed(t)
	trader := uuid.New()
	h.deposit(t, trader, 1000)

	if err := h.ch.PauseMarket(fixedMarket, true); err != nil {
		t.Fatalf("PauseMarket: %v", err)
	}
	if _, err := h.sell(trader, fixedMarket, "1"); !errors.Is(err, core.ErrMarketPaused) {
		t.Fatalf("expected ErrMarketPaused, got %v", err)
	}
	if err := h.ch.PauseMarket(fixedMarket, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := h.sell(trader, fixedMarket, "1"); err != nil {
		t.Fatalf("trade after unpause: %v", err)
	}
}

func TestClosePosition_RealizesPnl(t *testing.T) {
	h := newHarness(t)
	fixed := h.registerFixed(t)
	trader := uuid.New()
	h.deposit(t, trader, 1000)

	if _, err := h.sell(trader, fixedMarket, "10"); err != nil {
		t.Fatalf("open: %v", err)
	}
	fixed.SetPriceRoot(9) // 81

	res, err := h.ch.ClosePosition(trader, fixedMarket, nil, 0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	wantAmount(t, "realized", res.RealizedPnl, "190")
	if res.PositionSize.Sign() != 0 {
		t.Errorf("expected flat, got %s", res.PositionSize)
	}
	wantAmount(t, "owed", mustValue(t)(h.ch.GetOwedRealizedPnl(trader, "")), "190")
	wantAmount(t, "account value", mustValue(t)(h.ch.GetAccountValue(trader)), "1190")

	// withdrawing settles owed PnL into the vault first
	if err := h.ch.Withdraw(trader, "USDC", testutil.USDC(1190)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	wantAmount(t, "owed after withdraw", mustValue(t)(h.ch.GetOwedRealizedPnl(trader, "")), "0")

	if _, err := h.ch.ClosePosition(trader, fixedMarket, nil, 0); !errors.Is(err, core.ErrNoPosition) {
		t.Errorf("expected ErrNoPosition, got %v", err)
	}
}

// ============================================================================
// Test: Liquidity
// ============================================================================

func TestAddLiquidity_RangeRules(t *testing.T) {
	h := newHarness(t)
	h.registerAMM(t, nil)
	maker := uuid.New()
	h.deposit(t, maker, 5000)

	cases := []struct {
		name        string
		lower       int32
		upper       int32
		base, quote string
		want        error
	}{
		{"above price takes quote", 48000, 49980, "0", "100", core.ErrBaseOnlyRange},
		{"below price takes base", 40020, 43980, "1", "0", core.ErrQuoteOnlyRange},
		{"misaligned", 43981, 48000, "1", "100", pool.ErrTickMisaligned},
		{"inverted", 48000, 43980, "1", "100", pool.ErrInvalidTickRange},
		{"nothing supplied", lowerTick, upperTick, "0", "0", core.ErrZeroAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.ch.AddLiquidity(maker, core.AddLiquidityParams{
				Market:    ammMarket,
				LowerTick: tc.lower,
				UpperTick: tc.upper,
				Base:      testutil.Amount(tc.base),
				Quote:     testutil.Amount(tc.quote),
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	// single-sided ranges on the correct side are accepted
	if _, err := h.ch.AddLiquidity(maker, core.AddLiquidityParams{
		Market: ammMarket, LowerTick: 48000, UpperTick: 49980, Base: testutil.Amount("1"),
	}); err != nil {
		t.Fatalf("base-only above price: %v", err)
	}
	if _, err := h.ch.AddLiquidity(maker, core.AddLiquidityParams{
		Market: ammMarket, LowerTick: 40020, UpperTick: 43980, Quote: testutil.Amount("100"),
	}); err != nil {
		t.Fatalf("quote-only below price: %v", err)
	}
}

func TestMakerFees_ProportionalToLiquidity(t *testing.T) {
	h := newHarness(t)
	h.registerAMM(t, nil)
	big3, small1, taker := uuid.New(), uuid.New(), uuid.New()
	h.deposit(t, big3, 6000)
	h.deposit(t, small1, 2000)
	h.deposit(t, taker, 2000)

	l3 := h.addLiquidity(t, big3, "300", "30000")
	l1 := h.addLiquidity(t, small1, "100", "10000")
	if absDiff(l3.Liquidity, new(big.Int).Mul(l1.Liquidity, big.NewInt(3))).CmpAbs(big.NewInt(3)) > 0 {
		t.Fatalf("liquidity not 3:1: %s vs %s", l3.Liquidity, l1.Liquidity)
	}

	if _, err := h.buy(taker, ammMarket, "1000"); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := h.ch.ClosePosition(taker, ammMarket, nil, 0); err != nil {
		t.Fatalf("close: %v", err)
	}

	fee3 := mustValue(t)(h.ch.GetPendingFee(big3, ammMarket))
	fee1 := mustValue(t)(h.ch.GetPendingFee(small1, ammMarket))
	if fee1.Sign() <= 0 {
		t.Fatal("small maker earned nothing")
	}
	// both fee domains were exercised: native on the buy, clearing house on the sell
	if absDiff(fee3, new(big.Int).Mul(fee1, big.NewInt(3))).Cmp(big.NewInt(8)) > 0 {
		t.Errorf("fees not 3:1: %s vs %s", fee3, fee1)
	}

	// collecting moves the fee into owed PnL and zeroes the pending amount
	res, err := h.ch.RemoveLiquidity(small1, core.RemoveLiquidityParams{
		Market:    ammMarket,
		LowerTick: lowerTick,
		UpperTick: upperTick,
		Liquidity: new(big.Int),
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if res.Fee.Cmp(fee1) != 0 {
		t.Errorf("collected %s, pending was %s", res.Fee, fee1)
	}
	if mustValue(t)(h.ch.GetPendingFee(small1, ammMarket)).Sign() != 0 {
		t.Error("pending fee not reset after collection")
	}

	// big3 drops two thirds of its range, leaving about as much as small1
	cut := new(big.Int).Div(new(big.Int).Mul(l3.Liquidity, big.NewInt(2)), big.NewInt(3))
	removed, err := h.ch.RemoveLiquidity(big3, core.RemoveLiquidityParams{
		Market:    ammMarket,
		LowerTick: lowerTick,
		UpperTick: upperTick,
		Liquidity: cut,
	})
	if err != nil {
		t.Fatalf("partial remove: %v", err)
	}
	if removed.Fee.Cmp(fee3) != 0 {
		t.Errorf("partial removal collected %s, pending was %s", removed.Fee, fee3)
	}
	if absDiff(removed.OrderLiquidity, l1.Liquidity).CmpAbs(big.NewInt(3)) > 0 {
		t.Fatalf("remaining liquidity %s, want about %s", removed.OrderLiquidity, l1.Liquidity)
	}
	if mustValue(t)(h.ch.GetPendingFee(big3, ammMarket)).Sign() != 0 {
		t.Error("pending fee not reset after partial removal")
	}

	if _, err := h.buy(taker, ammMarket, "1000"); err != nil {
		t.Fatalf("second buy: %v", err)
	}
	if _, err := h.ch.ClosePosition(taker, ammMarket, nil, 0); err != nil {
		t.Fatalf("second close: %v", err)
	}

	// only fees accrued since the checkpoints moved, now split 1:1
	next3 := mustValue(t)(h.ch.GetPendingFee(big3, ammMarket))
	next1 := mustValue(t)(h.ch.GetPendingFee(small1, ammMarket))
	if next1.Sign() <= 0 {
		t.Fatal("small maker earned nothing on the second round trip")
	}
	if absDiff(next3, next1).Cmp(big.NewInt(8)) > 0 {
		t.Errorf("fees after the cut not 1:1: %s vs %s", next3, next1)
	}
}

func TestRemoveLiquidity_FullRemovalDeletesOrder(t *testing.T) {
	h := newHarness(t)
	h.registerAMM(t, nil)
	maker, taker := uuid.New(), uuid.New()
	h.deposit(t, maker, 2000)
	h.deposit(t, taker, 1000)
	added := h.addLiquidity(t, maker, "100", "10000")

	if _, err := h.buy(taker, ammMarket, "500"); err != nil {
		t.Fatalf("buy: %v", err)
	}

	_, err := h.ch.RemoveLiquidity(maker, core.RemoveLiquidityParams{
		Market:    ammMarket,
		LowerTick: lowerTick,
		UpperTick: upperTick,
		Liquidity: new(big.Int).Add(added.Liquidity, big.NewInt(1)),
	})
	if !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for over-removal, got %v", err)
	}

	if _, err := h.ch.RemoveLiquidity(maker, core.RemoveLiquidityParams{
		Market:    ammMarket,
		LowerTick: lowerTick,
		UpperTick: upperTick,
		Liquidity: added.Liquidity,
	}); err != nil {
		t.Fatalf("remove: %v", err)
	}

	o, err := h.ch.GetOpenOrder(maker, ammMarket, lowerTick, upperTick)
	if err != nil {
		t.Fatalf("GetOpenOrder: %v", err)
	}
	if o != nil {
		t.Fatal("order should be deleted after full removal")
	}

	// the maker sold base to the taker, so it now holds a short taker position
	makerSize := mustValue(t)(h.ch.GetPositionSize(maker, ammMarket))
	takerSize := mustValue(t)(h.ch.GetPositionSize(taker, ammMarket))
	if makerSize.Sign() >= 0 {
		t.Fatalf("expected maker short, got %s", makerSize)
	}
	if sum := new(big.Int).Add(makerSize, takerSize); sum.CmpAbs(big.NewInt(10)) > 0 {
		t.Errorf("base not conserved after removal: %s", sum)
	}
}

func TestCancelExcessOrders_OnlyWhenUndercollateralized(t *testing.T) {
	h := newHarness(t)
	h.registerAMM(t, nil)
	maker, keeper := uuid.New(), uuid.New()
	h.deposit(t, maker, 2000)
	h.addLiquidity(t, maker, "100", "10000")

	_, err := h.ch.CancelExcessOrders(keeper, maker, ammMarket)
	if !errors.Is(err, core.ErrNotExcess) {
		t.Fatalf("expected ErrNotExcess, got %v", err)
	}
}

// ============================================================================
// Test: Liquidation
// ============================================================================

// openShort25 leaves trader short 25 @ 100 on 700 USDC and keeper funded
// with 1000 USDC.
func openShort25(t *testing.T, h *harness) (trader, keeper uuid.UUID) {
	t.Helper()
	trader, keeper = uuid.New(), uuid.New()
	h.deposit(t, trader, 700)
	h.deposit(t, keeper, 1000)
	res, err := h.sell(trader, fixedMarket, "25")
	if err != nil {
		t.Fatalf("open short: %v", err)
	}
	wantAmount(t, "open quote", res.Quote, "2500")
	return trader, keeper
}

func TestLiquidate_Partial(t *testing.T) {
	h := newHarness(t)
	fixed := h.registerFixed(t)
	trader, keeper := openShort25(t, h)

	if _, err := h.ch.Liquidate(keeper, trader, fixedMarket, nil); !errors.Is(err, core.ErrSufficientMargin) {
		t.Fatalf("healthy position: expected ErrSufficientMargin, got %v", err)
	}

	fixed.SetPriceRoot(11) // 121
	wantAmount(t, "account value", mustValue(t)(h.ch.GetAccountValue(trader)), "175")
	mr, _ := h.ch.GetMarginRatio(trader)
	if mr != 57851 {
		t.Fatalf("expected margin ratio 57851, got %d", mr)
	}
	if st, _ := h.ch.GetLiquidationState(trader, fixedMarket); st != state.LiquidationStateLiquidatable {
		t.Errorf("expected Liquidatable, got %s", st)
	}

	res, err := h.ch.Liquidate(keeper, trader, fixedMarket, nil)
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	if res.Full || res.BadDebt.Sign() != 0 {
		t.Fatalf("expected a partial liquidation without bad debt")
	}
	wantAmount(t, "liquidated size", res.LiquidatedSize, "-6.25")
	wantAmount(t, "notional", res.Penalty.Notional, "756.25")
	wantAmount(t, "penalty", res.Penalty.Penalty, "18.90625")
	wantAmount(t, "insurance fee", res.Penalty.InsuranceFee, "9.453125")
	wantAmount(t, "liquidator discount", res.Penalty.LiquidatorDiscount, "9.453125")

	wantAmount(t, "trader size", mustValue(t)(h.ch.GetPositionSize(trader, fixedMarket)), "-18.75")
	wantAmount(t, "trader open notional", mustValue(t)(h.ch.GetOpenNotional(trader, fixedMarket)), "1875")
	wantAmount(t, "trader owed", mustValue(t)(h.ch.GetOwedRealizedPnl(trader, fixedMarket)), "-150.15625")
	wantAmount(t, "trader account value", mustValue(t)(h.ch.GetAccountValue(trader)), "156.09375")

	wantAmount(t, "keeper size", mustValue(t)(h.ch.GetPositionSize(keeper, fixedMarket)), "-6.25")
	wantAmount(t, "keeper open notional", mustValue(t)(h.ch.GetOpenNotional(keeper, fixedMarket)), "765.703125")

	ifOwed := mustValue(t)(h.ch.GetOwedRealizedPnl(h.ch.Config().InsuranceFund, ""))
	wantAmount(t, "insurance fund", ifOwed, "9.453125")

	mr, _ = h.ch.GetMarginRatio(trader)
	if mr != 68801 {
		t.Errorf("expected post-liquidation ratio 68801, got %d", mr)
	}
	_, err = h.ch.Liquidate(keeper, trader, fixedMarket, nil)
	if !errors.Is(err, core.ErrSufficientMargin) {
		t.Fatalf("second attempt: expected ErrSufficientMargin, got %v", err)
	}
}

func TestLiquidate_BadDebtAbsorbedByInsuranceFund(t *testing.T) {
	h := newHarness(t)
	fixed := h.registerFixed(t)
	trader, keeper := openShort25(t, h)
	drainOutputs(h.persist)

	fixed.SetPriceRoot(12) // 144
	wantAmount(t, "account value", mustValue(t)(h.ch.GetAccountValue(trader)), "-400")

	res, err := h.ch.Liquidate(keeper, trader, fixedMarket, nil)
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	if !res.Full {
		t.Error("expected full liquidation")
	}
	wantAmount(t, "notional", res.Penalty.Notional, "3600")
	wantAmount(t, "penalty", res.Penalty.Penalty, "90")
	wantAmount(t, "bad debt", res.BadDebt, "490")
	wantAmount(t, "covered", res.Covered, "45")
	wantAmount(t, "uncovered", res.Uncovered, "445")

	wantAmount(t, "trader account value", mustValue(t)(h.ch.GetAccountValue(trader)), "0")
	if st, _ := h.ch.GetLiquidationState(trader, fixedMarket); st != state.LiquidationStateSettled {
		t.Errorf("expected Settled, got %s", st)
	}
	ifOwed := mustValue(t)(h.ch.GetOwedRealizedPnl(h.ch.Config().InsuranceFund, ""))
	wantAmount(t, "insurance fund", ifOwed, "-445")

	wantAmount(t, "keeper size", mustValue(t)(h.ch.GetPositionSize(keeper, fixedMarket)), "-25")
	wantAmount(t, "keeper open notional", mustValue(t)(h.ch.GetOpenNotional(keeper, fixedMarket)), "3645")

	outputs := drainOutputs(h.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	var sawBadDebt, sawLiquidated bool
	for _, e := range outputs[0].Envelope.Events {
		switch ev := e.(type) {
		case *event.BadDebtSettled:
			sawBadDebt = true
			wantAmount(t, "event deficit", ev.Deficit, "490")
		case *event.PositionLiquidated:
			sawLiquidated = true
			if ev.LiquidationID != res.LiquidationID {
				t.Error("liquidation ID mismatch between event and result")
			}
		}
	}
	if !sawBadDebt || !sawLiquidated {
		t.Errorf("missing events: bad debt %v, liquidated %v", sawBadDebt, sawLiquidated)
	}
}

func TestLiquidate_BadDebtClosesOtherMarkets(t *testing.T) {
	h := newHarness(t)
	fixed := h.registerFixed(t)
	other := h.registerFixedAs(t, otherMarket, "vFIX2")
	trader, keeper := openShort25(t, h)
	if _, err := h.buy(trader, otherMarket, "100"); err != nil {
		t.Fatalf("open long: %v", err)
	}
	wantAmount(t, "other size", mustValue(t)(h.ch.GetPositionSize(trader, otherMarket)), "1")
	drainOutputs(h.persist)

	fixed.SetPriceRoot(12) // 144
	wantAmount(t, "account value", mustValue(t)(h.ch.GetAccountValue(trader)), "-400")

	res, err := h.ch.Liquidate(keeper, trader, fixedMarket, nil)
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	if len(res.SettledMarkets) != 1 || res.SettledMarkets[0] != otherMarket {
		t.Fatalf("expected %s closed into the insurance fund, got %v", otherMarket, res.SettledMarkets)
	}
	wantAmount(t, "bad debt", res.BadDebt, "490")
	wantAmount(t, "covered", res.Covered, "45")
	wantAmount(t, "uncovered", res.Uncovered, "445")

	fund := h.ch.Config().InsuranceFund
	wantAmount(t, "trader size", mustValue(t)(h.ch.GetPositionSize(trader, fixedMarket)), "0")
	wantAmount(t, "trader other size", mustValue(t)(h.ch.GetPositionSize(trader, otherMarket)), "0")
	wantAmount(t, "fund other size", mustValue(t)(h.ch.GetPositionSize(fund, otherMarket)), "1")
	wantAmount(t, "fund other open notional", mustValue(t)(h.ch.GetOpenNotional(fund, otherMarket)), "-100")
	wantAmount(t, "trader account value", mustValue(t)(h.ch.GetAccountValue(trader)), "0")
	if st, _ := h.ch.GetLiquidationState(trader, otherMarket); st != state.LiquidationStateSettled {
		t.Errorf("other market: expected Settled, got %s", st)
	}

	// a later move in the other market no longer reaches the trader
	other.SetPriceRoot(8) // 64
	wantAmount(t, "trader account value after move", mustValue(t)(h.ch.GetAccountValue(trader)), "0")

	outputs := drainOutputs(h.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	var settled int
	for _, e := range outputs[0].Envelope.Events {
		if pc, ok := e.(*event.PositionChanged); ok && pc.Action == state.ActionTypeBadDebtSettlement.String() {
			settled++
			if pc.Market != otherMarket {
				t.Errorf("bad-debt settlement in unexpected market %s", pc.Market)
			}
		}
	}
	if settled != 2 {
		t.Errorf("expected trader and fund settlement events, got %d", settled)
	}
}

func TestLiquidate_Rejections(t *testing.T) {
	h := newHarness(t)
	fixed := h.registerFixed(t)
	h.registerAMM(t, nil)
	trader, keeper := openShort25(t, h)

	// maker: the same short plus a range order and a small long on ETH-PERP
	lp, maker := uuid.New(), uuid.New()
	h.deposit(t, lp, 2000)
	h.addLiquidity(t, lp, "100", "10000")
	h.deposit(t, maker, 700)
	if _, err := h.sell(maker, fixedMarket, "25"); err != nil {
		t.Fatalf("maker short: %v", err)
	}
	h.addLiquidity(t, maker, "1", "100")
	if _, err := h.buy(maker, ammMarket, "50"); err != nil {
		t.Fatalf("maker long: %v", err)
	}
	fixed.SetPriceRoot(11)

	if _, err := h.ch.Liquidate(trader, trader, fixedMarket, nil); !errors.Is(err, core.ErrSelfLiquidation) {
		t.Errorf("expected ErrSelfLiquidation, got %v", err)
	}
	if _, err := h.ch.Liquidate(keeper, trader, fixedMarket, testutil.Amount("1")); !errors.Is(err, state.ErrWrongLiquidationDirection) {
		t.Errorf("expected ErrWrongLiquidationDirection, got %v", err)
	}
	if _, err := h.ch.Liquidate(keeper, trader, fixedMarket, testutil.Amount("-7")); !errors.Is(err, state.ErrOverLiquidationCap) {
		t.Errorf("expected ErrOverLiquidationCap, got %v", err)
	}
	if _, err := h.ch.Liquidate(keeper, uuid.New(), fixedMarket, nil); !errors.Is(err, core.ErrNoPosition) {
		t.Errorf("expected ErrNoPosition, got %v", err)
	}

	mr, _ := h.ch.GetMarginRatio(maker)
	if mr >= h.ch.Config().MaintenanceMarginRatio {
		t.Fatalf("maker should be under maintenance margin, ratio %d", mr)
	}
	sizeBefore := mustValue(t)(h.ch.GetPositionSize(maker, ammMarket))
	valueBefore := mustValue(t)(h.ch.GetAccountValue(maker))
	if sizeBefore.Sign() <= 0 {
		t.Fatalf("expected maker long on %s, got %s", ammMarket, sizeBefore)
	}
	seqBefore := h.ch.Sequence()
	if _, err := h.ch.Liquidate(keeper, maker, ammMarket, nil); !errors.Is(err, core.ErrHasOpenOrders) {
		t.Errorf("expected ErrHasOpenOrders, got %v", err)
	}
	if h.ch.Sequence() != seqBefore {
		t.Error("rejected liquidation advanced the sequence")
	}
	if got := mustValue(t)(h.ch.GetPositionSize(maker, ammMarket)); got.Cmp(sizeBefore) != 0 {
		t.Errorf("maker size changed: %s -> %s", sizeBefore, got)
	}
	if got := mustValue(t)(h.ch.GetAccountValue(maker)); got.Cmp(valueBefore) != 0 {
		t.Errorf("maker account value changed: %s -> %s", valueBefore, got)
	}
	if o, err := h.ch.GetOpenOrder(maker, ammMarket, lowerTick, upperTick); err != nil || o == nil {
		t.Errorf("maker order should survive: %v %v", o, err)
	}
	if got := mustValue(t)(h.ch.GetPositionSize(keeper, ammMarket)); got.Sign() != 0 {
		t.Errorf("keeper took over %s", got)
	}

	broke := uuid.New()
	_, err := h.ch.Liquidate(broke, trader, fixedMarket, nil)
	if !errors.Is(err, core.ErrLiquidatorInsufficientCollateral) {
		t.Fatalf("expected ErrLiquidatorInsufficientCollateral, got %v", err)
	}
	// rolled back: the trader still holds the whole position
	wantAmount(t, "trader size", mustValue(t)(h.ch.GetPositionSize(trader, fixedMarket)), "-25")
}

// ============================================================================
// Test: Funding
// ============================================================================

func TestFunding_LongPaysWhenMarkAboveIndex(t *testing.T) {
	h := newHarness(t)
	h.registerFixed(t)
	long, short := uuid.New(), uuid.New()
	h.deposit(t, long, 1000)
	h.deposit(t, short, 1000)

	if err := h.ch.UpdateIndexPrice(fixedMarket, testutil.Amount("90"), genesisTime); err != nil {
		t.Fatalf("UpdateIndexPrice: %v", err)
	}
	if _, err := h.ch.OpenPosition(long, core.OpenPositionParams{Market: fixedMarket, Amount: testutil.Amount("10")}); err != nil {
		t.Fatalf("long: %v", err)
	}
	if _, err := h.sell(short, fixedMarket, "10"); err != nil {
		t.Fatalf("short: %v", err)
	}

	if err := h.ch.AdvanceBlock(2, genesisTime+3600); err != nil {
		t.Fatalf("AdvanceBlock: %v", err)
	}

	// (100 - 90) * 3600 / 86400
	m, err := h.ch.Market(fixedMarket)
	if err != nil {
		t.Fatalf("Market: %v", err)
	}
	wantAmount(t, "growth", m.FundingGrowthGlobal, "0.416666666666666666")

	ls, err := h.ch.AccountSnapshot(long)
	if err != nil {
		t.Fatalf("AccountSnapshot: %v", err)
	}
	wantAmount(t, "long pending", ls.PendingFunding, "-4.16666666666666666")
	ss, _ := h.ch.AccountSnapshot(short)
	wantAmount(t, "short pending", ss.PendingFunding, "4.16666666666666666")

	if _, err := h.ch.ClosePosition(long, fixedMarket, nil, 0); err != nil {
		t.Fatalf("close: %v", err)
	}
	wantAmount(t, "long owed", mustValue(t)(h.ch.GetOwedRealizedPnl(long, "")), "-4.16666666666666666")
}

func TestUpdateIndexPrice_StaleRejected(t *testing.T) {
	h := newHarness(t)
	if err := h.ch.AdvanceBlock(2, genesisTime+60); err != nil {
		t.Fatalf("AdvanceBlock: %v", err)
	}
	if err := h.ch.UpdateIndexPrice("ETH-USD", testutil.Amount("2000"), genesisTime+30); err != nil {
		t.Fatalf("first price: %v", err)
	}
	err := h.ch.UpdateIndexPrice("ETH-USD", testutil.Amount("2001"), genesisTime+10)
	if !errors.Is(err, core.ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	err = h.ch.UpdateIndexPrice("ETH-USD", testutil.Amount("2001"), genesisTime+61)
	if !errors.Is(err, core.ErrStalePrice) {
		t.Fatalf("price ahead of block: expected ErrStalePrice, got %v", err)
	}
	p, err := h.ch.GetIndexPrice("ETH-USD")
	if err != nil {
		t.Fatalf("GetIndexPrice: %v", err)
	}
	wantAmount(t, "index", p, "2000")
}

// ============================================================================
// Test: Pipeline
// ============================================================================

func TestAdvanceBlock_RejectsOutOfOrder(t *testing.T) {
	h := newHarness(t)
	if err := h.ch.AdvanceBlock(1, genesisTime+1); !errors.Is(err, core.ErrBlockOutOfOrder) {
		t.Errorf("same number: expected ErrBlockOutOfOrder, got %v", err)
	}
	if err := h.ch.AdvanceBlock(2, genesisTime-1); !errors.Is(err, core.ErrBlockOutOfOrder) {
		t.Errorf("earlier time: expected ErrBlockOutOfOrder, got %v", err)
	}
	if err := h.ch.AdvanceBlock(5, genesisTime); err != nil {
		t.Fatalf("AdvanceBlock: %v", err)
	}
	n, ts := h.ch.Block()
	if n != 5 || ts != genesisTime {
		t.Errorf("expected block 5 at %d, got %d at %d", genesisTime, n, ts)
	}
}

func TestIdempotency_DuplicateCommandRejected(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()

	opt := core.WithCommand("cmd-1", []byte(`{"op":"deposit"}`))
	if err := h.ch.Deposit(trader, "USDC", testutil.USDC(10), opt); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	seq := h.ch.Sequence()

	err := h.ch.Deposit(trader, "USDC", testutil.USDC(10), opt)
	if !errors.Is(err, core.ErrDuplicateCommand) {
		t.Fatalf("expected ErrDuplicateCommand, got %v", err)
	}
	if h.ch.Sequence() != seq {
		t.Error("duplicate advanced the sequence")
	}
	wantAmount(t, "free collateral", mustValue(t)(h.ch.GetFreeCollateral(trader)), "10")

	outputs := drainOutputs(h.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	env := outputs[0].Envelope
	if env.IdempotencyKey != "cmd-1" || string(env.Command) != `{"op":"deposit"}` {
		t.Errorf("envelope lost command metadata: %q %q", env.IdempotencyKey, env.Command)
	}
}

func TestRejectedCall_EmitsNothing(t *testing.T) {
	h := newHarness(t)
	trader := uuid.New()

	if err := h.ch.Withdraw(trader, "USDC", testutil.USDC(1)); !errors.Is(err, core.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if h.ch.Sequence() != 0 {
		t.Errorf("expected sequence 0, got %d", h.ch.Sequence())
	}
	if n := len(drainOutputs(h.persist)); n != 0 {
		t.Errorf("expected no outputs, got %d", n)
	}
}

func TestStateHashChain_Links(t *testing.T) {
	h := newHarness(t)
	h.registerFixed(t)
	trader := uuid.New()
	h.deposit(t, trader, 1000)
	if _, err := h.sell(trader, fixedMarket, "1"); err != nil {
		t.Fatalf("sell: %v", err)
	}

	outputs := drainOutputs(h.persist)
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i+1) {
			t.Errorf("output %d: expected sequence %d, got %d", i, i+1, o.Envelope.Sequence)
		}
		if i > 0 && o.Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("output %d does not link to its predecessor", i)
		}
	}
	if h.ch.StateHash() != outputs[2].Envelope.StateHash {
		t.Error("tip differs from the last envelope hash")
	}

	// identical inputs produce identical chains
	h2 := newHarness(t)
	h2.registerFixed(t)
	h2.deposit(t, trader, 1000)
	if _, err := h2.sell(trader, fixedMarket, "1"); err != nil {
		t.Fatalf("sell: %v", err)
	}
	if h.ch.StateHash() != h2.ch.StateHash() {
		t.Error("state hash is not deterministic")
	}
}

func TestPublishChannel_DropsWhenFull(t *testing.T) {
	persist := make(chan core.CoreOutput, 16)
	publish := make(chan core.CoreOutput, 1)
	ch, err := core.New(core.DefaultConfig(), core.WithOutputs(persist, publish), core.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	trader := uuid.New()
	for i := 0; i < 3; i++ {
		if err := ch.Deposit(trader, "USDC", testutil.USDC(1)); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
	}
	if n := len(drainOutputs(persist)); n != 3 {
		t.Errorf("persist must receive every output, got %d", n)
	}
	if n := len(drainOutputs(publish)); n != 1 {
		t.Errorf("publish should hold 1 output, got %d", n)
	}
}
