package state

import (
	"math/big"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// LiquidationState tracks liquidation progress of a taker position
type LiquidationState int32

const (
	LiquidationStateHealthy LiquidationState = iota
	LiquidationStateLiquidatable
	LiquidationStatePartiallyLiquidated
	LiquidationStateFullyLiquidated
	LiquidationStateSettled // closed with bad debt covered by the insurance fund
)

func (ls LiquidationState) String() string {
	switch ls {
	case LiquidationStateHealthy:
		return "Healthy"
	case LiquidationStateLiquidatable:
		return "Liquidatable"
	case LiquidationStatePartiallyLiquidated:
		return "PartiallyLiquidated"
	case LiquidationStateFullyLiquidated:
		return "FullyLiquidated"
	case LiquidationStateSettled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions
func (ls LiquidationState) CanTransitionTo(next LiquidationState) bool {
	validTransitions := map[LiquidationState][]LiquidationState{
		LiquidationStateHealthy: {
			LiquidationStateLiquidatable,
		},
		LiquidationStateLiquidatable: {
			LiquidationStateHealthy, // price recovered
			LiquidationStatePartiallyLiquidated,
			LiquidationStateFullyLiquidated,
			LiquidationStateSettled,
		},
		LiquidationStatePartiallyLiquidated: {
			LiquidationStateLiquidatable, // still under maintenance after a partial take-over
			LiquidationStateHealthy,
		},
		LiquidationStateFullyLiquidated: {
			LiquidationStateHealthy, // reopened
		},
		LiquidationStateSettled: {
			LiquidationStateHealthy,
		},
	}

	for _, allowed := range validTransitions[ls] {
		if next == allowed {
			return true
		}
	}
	return false
}

type PositionKey struct {
	Trader uuid.UUID
	Market string
}

// Position is a trader's taker position in one market.
type Position struct {
	Trader            uuid.UUID
	Market            string
	Size              *big.Int // signed base; > 0 long
	OpenNotional      *big.Int // signed quote cost basis; long => negative
	OwedRealizedPnl   *big.Int // settlement-token PnL not yet merged into collateral
	LastFundingGrowth *big.Int
	LiquidationState  LiquidationState
}

func NewPosition(trader uuid.UUID, market string) *Position {
	return &Position{
		Trader:            trader,
		Market:            market,
		Size:              new(big.Int),
		OpenNotional:      new(big.Int),
		OwedRealizedPnl:   new(big.Int),
		LastFundingGrowth: new(big.Int),
	}
}

func (p *Position) Clone() *Position {
	c := *p
	c.Size = new(big.Int).Set(p.Size)
	c.OpenNotional = new(big.Int).Set(p.OpenNotional)
	c.OwedRealizedPnl = new(big.Int).Set(p.OwedRealizedPnl)
	c.LastFundingGrowth = new(big.Int).Set(p.LastFundingGrowth)
	return &c
}

// IsFlat returns true if the position has no exposure
func (p *Position) IsFlat() bool {
	return p.Size.Sign() == 0
}

// IsEmpty reports whether the record carries nothing worth keeping.
func (p *Position) IsEmpty() bool {
	return p.Size.Sign() == 0 && p.OpenNotional.Sign() == 0 && p.OwedRealizedPnl.Sign() == 0
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)
	buf = append(buf, p.Trader[:]...)
	buf = appendString(buf, p.Market)
	buf = appendBig(buf, p.Size)
	buf = appendBig(buf, p.OpenNotional)
	buf = appendBig(buf, p.OwedRealizedPnl)
	buf = appendBig(buf, p.LastFundingGrowth)
	return append(buf, byte(p.LiquidationState))
}

type TickRange struct {
	Lower int32
	Upper int32
}

type OrderKey struct {
	Trader uuid.UUID
	Market string
	Range  TickRange
}

// OpenOrder is a maker's liquidity in one tick range. BaseDebt and QuoteDebt
// are the tokens the order consumed when liquidity was added, reduced
// proportionally on removal.
type OpenOrder struct {
	Trader                  uuid.UUID
	Market                  string
	LowerTick               int32
	UpperTick               int32
	Liquidity               *big.Int
	BaseDebt                *big.Int
	QuoteDebt               *big.Int
	FeeGrowthInsideLastCH   *uint256.Int
	FeeGrowthInsideLastPool *uint256.Int
}

func (o *OpenOrder) Key() OrderKey {
	return OrderKey{Trader: o.Trader, Market: o.Market, Range: TickRange{Lower: o.LowerTick, Upper: o.UpperTick}}
}

func (o *OpenOrder) Clone() *OpenOrder {
	c := *o
	c.Liquidity = new(big.Int).Set(o.Liquidity)
	c.BaseDebt = new(big.Int).Set(o.BaseDebt)
	c.QuoteDebt = new(big.Int).Set(o.QuoteDebt)
	c.FeeGrowthInsideLastCH = new(uint256.Int).Set(o.FeeGrowthInsideLastCH)
	c.FeeGrowthInsideLastPool = new(uint256.Int).Set(o.FeeGrowthInsideLastPool)
	return &c
}

func (o *OpenOrder) CanonicalBytes() []byte {
	buf := make([]byte, 0, 200)
	buf = append(buf, o.Trader[:]...)
	buf = appendString(buf, o.Market)
	buf = appendInt64LE(buf, int64(o.LowerTick))
	buf = appendInt64LE(buf, int64(o.UpperTick))
	buf = appendBig(buf, o.Liquidity)
	buf = appendBig(buf, o.BaseDebt)
	buf = appendBig(buf, o.QuoteDebt)
	ch := o.FeeGrowthInsideLastCH.Bytes32()
	pl := o.FeeGrowthInsideLastPool.Bytes32()
	buf = append(buf, ch[:]...)
	return append(buf, pl[:]...)
}

type TokenKey struct {
	Trader uuid.UUID
	Token  string
}

// TokenDebt is a trader's balance of one virtual token. Records persist at
// zero once created.
type TokenDebt struct {
	Available *big.Int
	Debt      *big.Int
}

func NewTokenDebt() *TokenDebt {
	return &TokenDebt{Available: new(big.Int), Debt: new(big.Int)}
}

func (t *TokenDebt) Clone() *TokenDebt {
	return &TokenDebt{Available: new(big.Int).Set(t.Available), Debt: new(big.Int).Set(t.Debt)}
}

// Net is Available - Debt.
func (t *TokenDebt) Net() *big.Int {
	return new(big.Int).Sub(t.Available, t.Debt)
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func appendBig(buf []byte, v *big.Int) []byte {
	sign := byte(0)
	if v.Sign() < 0 {
		sign = 1
	}
	b := v.Bytes()
	buf = append(buf, sign, byte(len(b)))
	return append(buf, b...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
