package state

import (
	"fmt"
	"math"
	"math/big"

	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// MarketView supplies pool-derived values. Implementations must read each
// market's price once per call so every figure in a snapshot agrees.
type MarketView interface {
	MarkPrice(market string) (*big.Int, error)
	// OrderTokens returns the base and quote an order's liquidity represents
	// at the current price.
	OrderTokens(o *OpenOrder) (base, quote *big.Int, err error)
	// PendingOrderFee is the maker fee accrued since the order's checkpoints,
	// net of the insurance-fund carve-out.
	PendingOrderFee(o *OpenOrder) (*big.Int, error)
}

// CollateralView values a trader's vault balances in settlement-token terms.
type CollateralView interface {
	CollateralValue(trader uuid.UUID) (*big.Int, error)
}

// MarketExposure is one market's contribution to an account snapshot.
type MarketExposure struct {
	Market            string
	MarkPrice         *big.Int
	TakerSize         *big.Int
	TakerOpenNotional *big.Int
	TotalSize         *big.Int // taker + maker impermanent
	TotalOpenNotional *big.Int
	UnrealizedPnl     *big.Int
	AbsPositionValue  *big.Int
	OwedRealizedPnl   *big.Int
	PendingFunding    *big.Int
	PendingFee        *big.Int
	BaseDebtValue     *big.Int
	HasOrders         bool
}

type AccountSnapshot struct {
	Trader uuid.UUID

	Collateral            *big.Int // vault valuation only
	OwedRealizedPnl       *big.Int
	PendingFunding        *big.Int
	PendingFee            *big.Int
	UnrealizedPnl         *big.Int
	AccountValue          *big.Int
	TotalAbsPositionValue *big.Int
	TotalDebtValue        *big.Int
	FreeCollateral        *big.Int

	// MarginRatio is AccountValue / TotalAbsPositionValue in parts per
	// million; math.MaxInt64 when there is no exposure.
	MarginRatio int64

	Markets []MarketExposure
}

// SettledCollateral is collateral plus everything that settles into it
// without closing a position.
func (s *AccountSnapshot) SettledCollateral() *big.Int {
	v := fpmath.Add(s.Collateral, s.OwedRealizedPnl)
	v.Add(v, s.PendingFunding)
	return v.Add(v, s.PendingFee)
}

func (s *AccountSnapshot) HasExposure() bool {
	return s.TotalAbsPositionValue.Sign() > 0
}

func (s *AccountSnapshot) Market(id string) (MarketExposure, bool) {
	for _, m := range s.Markets {
		if m.Market == id {
			return m, true
		}
	}
	return MarketExposure{}, false
}

// MarginCalculator computes cross-margin metrics over a transaction view.
type MarginCalculator struct {
	tx         *Tx
	markets    MarketView
	collateral CollateralView
	quoteToken string
	imr        int64
}

func NewMarginCalculator(tx *Tx, markets MarketView, collateral CollateralView, quoteToken string, imr int64) *MarginCalculator {
	return &MarginCalculator{
		tx:         tx,
		markets:    markets,
		collateral: collateral,
		quoteToken: quoteToken,
		imr:        imr,
	}
}

// Snapshot computes account value, margin ratio, and free collateral:
//
//	accountValue   = collateral + Σ owedRealizedPnl + Σ pending + Σ unrealizedPnl
//	marginRatio    = accountValue / Σ |totalSize × mark|
//	freeCollateral = min(settledCollateral, accountValue) - totalDebtValue × IMR
//
// where totalDebtValue = max(Σ baseDebt × mark, quoteDebt).
func (mc *MarginCalculator) Snapshot(trader uuid.UUID) (*AccountSnapshot, error) {
	collateral, err := mc.collateral.CollateralValue(trader)
	if err != nil {
		return nil, fmt.Errorf("collateral value: %w", err)
	}

	s := &AccountSnapshot{
		Trader:                trader,
		Collateral:            collateral,
		OwedRealizedPnl:       new(big.Int),
		PendingFunding:        new(big.Int),
		PendingFee:            new(big.Int),
		UnrealizedPnl:         new(big.Int),
		TotalAbsPositionValue: new(big.Int),
	}
	baseDebtValue := new(big.Int)

	for _, marketID := range mc.tx.MarketIDs() {
		exp, ok, err := mc.exposure(trader, marketID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		s.Markets = append(s.Markets, exp)
		s.OwedRealizedPnl.Add(s.OwedRealizedPnl, exp.OwedRealizedPnl)
		s.PendingFunding.Add(s.PendingFunding, exp.PendingFunding)
		s.PendingFee.Add(s.PendingFee, exp.PendingFee)
		s.UnrealizedPnl.Add(s.UnrealizedPnl, exp.UnrealizedPnl)
		s.TotalAbsPositionValue.Add(s.TotalAbsPositionValue, exp.AbsPositionValue)
		baseDebtValue.Add(baseDebtValue, exp.BaseDebtValue)
	}

	settled := s.SettledCollateral()
	s.AccountValue = fpmath.Add(settled, s.UnrealizedPnl)

	quoteDebt := mc.tx.PeekToken(trader, mc.quoteToken).Debt
	s.TotalDebtValue = fpmath.Max(baseDebtValue, quoteDebt)

	required := fpmath.MulRatio(s.TotalDebtValue, mc.imr, fpmath.RoundUp)
	s.FreeCollateral = fpmath.Sub(fpmath.Min(settled, s.AccountValue), required)

	if ratio, ok := fpmath.RatioOf(s.AccountValue, s.TotalAbsPositionValue, fpmath.RoundFloor); ok {
		s.MarginRatio = ratio
	} else {
		s.MarginRatio = math.MaxInt64
	}
	return s, nil
}

func (mc *MarginCalculator) exposure(trader uuid.UUID, marketID string) (MarketExposure, bool, error) {
	market, err := mc.tx.Market(marketID)
	if err != nil {
		return MarketExposure{}, false, err
	}
	pos := mc.tx.Position(trader, marketID)
	orders := mc.tx.Orders(trader, marketID)
	baseDebt := mc.tx.PeekToken(trader, market.Params.BaseToken).Debt
	if pos == nil && len(orders) == 0 && baseDebt.Sign() == 0 {
		return MarketExposure{}, false, nil
	}

	exp := MarketExposure{
		Market:            marketID,
		TakerSize:         new(big.Int),
		TakerOpenNotional: new(big.Int),
		OwedRealizedPnl:   new(big.Int),
		PendingFunding:    new(big.Int),
		PendingFee:        new(big.Int),
		HasOrders:         len(orders) > 0,
	}
	if pos != nil {
		exp.TakerSize.Set(pos.Size)
		exp.TakerOpenNotional.Set(pos.OpenNotional)
		exp.OwedRealizedPnl.Set(pos.OwedRealizedPnl)
		exp.PendingFunding = pos.PendingFunding(market)
	}
	exp.TotalSize = new(big.Int).Set(exp.TakerSize)
	exp.TotalOpenNotional = new(big.Int).Set(exp.TakerOpenNotional)

	for _, o := range orders {
		base, quote, err := mc.markets.OrderTokens(o)
		if err != nil {
			return MarketExposure{}, false, err
		}
		exp.TotalSize.Add(exp.TotalSize, base.Sub(base, o.BaseDebt))
		exp.TotalOpenNotional.Add(exp.TotalOpenNotional, quote.Sub(quote, o.QuoteDebt))

		fee, err := mc.markets.PendingOrderFee(o)
		if err != nil {
			return MarketExposure{}, false, err
		}
		exp.PendingFee.Add(exp.PendingFee, fee)
	}

	exp.UnrealizedPnl = new(big.Int).Set(exp.TotalOpenNotional)
	exp.AbsPositionValue = new(big.Int)
	exp.BaseDebtValue = new(big.Int)
	if exp.TotalSize.Sign() != 0 || baseDebt.Sign() != 0 {
		mark, err := mc.markets.MarkPrice(marketID)
		if err != nil {
			return MarketExposure{}, false, err
		}
		exp.MarkPrice = mark
		value := fpmath.PositionValue(exp.TotalSize, mark)
		exp.UnrealizedPnl.Add(exp.UnrealizedPnl, value)
		exp.AbsPositionValue = value.Abs(value)
		exp.BaseDebtValue = fpmath.MulDiv(baseDebt, mark, fpmath.One, fpmath.RoundUp)
	}
	return exp, true, nil
}
