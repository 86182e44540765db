package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"PerpClearing/internal/core"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/pool"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

// ErrMalformed marks a command that can never be applied, whatever the
// engine state. Redelivering it is pointless.
var ErrMalformed = errors.New("malformed command")

// Command is a parsed upstream command.
//
// The wire format is a flat JSON object: "id" and "op" plus the op's own
// fields. Amounts are decimal strings in 18-decimal units ("1.5"), except
// deposit and withdraw which take integer strings in the collateral
// token's own decimals. Ratios are decimal fractions ("0.001").
type Command struct {
	ID  string
	Op  string
	Raw []byte

	req request
}

type request interface {
	validate() error
	apply(ch *core.ClearingHouse, opts ...core.CallOption) (any, error)
}

var requests = map[string]func() request{
	"open_position":        func() request { return &openPositionReq{} },
	"close_position":       func() request { return &closePositionReq{} },
	"add_liquidity":        func() request { return &addLiquidityReq{} },
	"remove_liquidity":     func() request { return &removeLiquidityReq{} },
	"cancel_excess_orders": func() request { return &cancelExcessReq{} },
	"liquidate":            func() request { return &liquidateReq{} },
	"deposit":              func() request { return &depositReq{} },
	"withdraw":             func() request { return &withdrawReq{} },
	"withdraw_all":         func() request { return &withdrawAllReq{} },
	"mint":                 func() request { return &mintReq{} },
	"burn":                 func() request { return &burnReq{} },
	"register_market":      func() request { return &registerMarketReq{} },
	"pause_market":         func() request { return &pauseMarketReq{} },
	"update_index_price":   func() request { return &indexPriceReq{} },
	"advance_block":        func() request { return &advanceBlockReq{} },
}

// Ops lists every op ParseCommand accepts.
func Ops() []string {
	out := make([]string, 0, len(requests))
	for op := range requests {
		out = append(out, op)
	}
	return out
}

// ParseCommand decodes and validates one command.
func ParseCommand(data []byte) (*Command, error) {
	var hdr struct {
		ID string `json:"id"`
		Op string `json:"op"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return parseAs(hdr.ID, hdr.Op, data)
}

// ParsePriceUpdate decodes an oracle message, which carries no op. Oracle
// messages are not deduplicated; the block clock rejects stale ones.
func ParsePriceUpdate(data []byte) (*Command, error) {
	var hdr struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return parseAs(hdr.ID, "update_index_price", data)
}

func parseAs(id, op string, data []byte) (*Command, error) {
	mk, ok := requests[op]
	if !ok {
		return nil, fmt.Errorf("%w: unknown op %q", ErrMalformed, op)
	}
	req := mk()
	if err := json.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, op, err)
	}
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, op, err)
	}
	return &Command{ID: id, Op: op, Raw: data, req: req}, nil
}

// Apply runs cmd against the clearing house. The raw command travels with
// the committed envelope so the event log can be replayed.
func Apply(ch *core.ClearingHouse, cmd *Command) (any, error) {
	return cmd.req.apply(ch, core.WithCommand(cmd.ID, cmd.Raw))
}

// --- field types ---

// amount is an 18-decimal quantity written as a decimal string.
type amount struct{ v *big.Int }

func (a *amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("amount must be a decimal string")
	}
	v, err := fpmath.ParseAmount(s)
	if err != nil {
		return err
	}
	a.v = v
	return nil
}

// Int returns nil when the field was absent.
func (a amount) Int() *big.Int { return a.v }

// native is an integer amount in a token's own decimals.
type native struct{ v *big.Int }

func (n *native) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("native amount must be an integer string")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("native amount %q is not an integer", s)
	}
	n.v = v
	return nil
}

type ratio struct {
	v   int64
	set bool
}

func (r *ratio) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("ratio must be a decimal string")
	}
	v, err := fpmath.ParseRatio(s)
	if err != nil {
		return err
	}
	r.v, r.set = v, true
	return nil
}

func positive(name string, a *big.Int) error {
	if a == nil || a.Sign() <= 0 {
		return fmt.Errorf("%s must be positive", name)
	}
	return nil
}

func account(name string, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}

// --- trading ---

type openPositionReq struct {
	Trader        uuid.UUID `json:"trader"`
	Market        string    `json:"market"`
	IsBaseToQuote bool      `json:"is_base_to_quote"`
	IsExactInput  bool      `json:"is_exact_input"`
	Amount        amount    `json:"amount"`
	OppositeBound amount    `json:"opposite_amount_bound"`
	// PriceLimit is a quote-per-base price, converted to a pool sqrt price.
	PriceLimit amount `json:"price_limit"`
	Deadline   int64  `json:"deadline"`
}

func (r *openPositionReq) validate() error {
	if err := account("trader", r.Trader); err != nil {
		return err
	}
	if r.Market == "" {
		return fmt.Errorf("market is required")
	}
	if pl := r.PriceLimit.Int(); pl != nil && pl.Sign() <= 0 {
		return fmt.Errorf("price_limit must be positive")
	}
	return positive("amount", r.Amount.Int())
}

func (r *openPositionReq) apply(ch *core.ClearingHouse, opts ...core.CallOption) (any, error) {
	p := core.OpenPositionParams{
		Market:              r.Market,
		IsBaseToQuote:       r.IsBaseToQuote,
		IsExactInput:        r.IsExactInput,
		Amount:              r.Amount.Int(),
		OppositeAmountBound: r.OppositeBound.Int(),
		Deadline:            r.Deadline,
	}
	if pl := r.PriceLimit.Int(); pl != nil {
		p.SqrtPriceLimitX96 = fpmath.SqrtPriceX96FromPrice(pl)
	}
	return ch.OpenPosition(r.Trader, p, opts...)
}

type closePositionReq struct {
	Trader        uuid.UUID `json:"trader"`
	Market        string    `json:"market"`
	OppositeBound amount    `json:"opposite_amount_bound"`
	Deadline      int64     `json:"deadline"`
}

func (r *closePositionReq) validate() error {
	if r.Market == "" {
		return fmt.Errorf("market is required")
	}
	return account("trader", r.Trader)
}

func (r *closePositionReq) apply(ch *core.ClearingHouse, opts ...core.CallOption) (any, error) {
	return ch.ClosePosition(r.Trader, r.Market, r.OppositeBound.Int(), r.Deadline, opts...)
}

// --- liquidity ---

type addLiquidityReq struct {
	Maker     uuid.UUID `json:"maker"`
	Market    string    `json:"market"`
	LowerTick int32     `json:"lower_tick"`
	UpperTick int32     `json:"upper_tick"`
	Base      amount    `json:"base"`
	Quote     amount    `json:"quote"`
	MinBase   amount    `json:"min_base"`
	MinQuote  amount    `json:"min_quote"`
	Deadline  int64     `json:"deadline"`
}

func (r *addLiquidityReq) validate() error {
	if err := account("maker", r.Maker); err != nil {
		return err
	}
	if r.Market == "" {
		return fmt.Errorf("market is required")
	}
	if r.LowerTick >= r.UpperTick {
		return fmt.Errorf("lower_tick %d must be below upper_tick %d", r.LowerTick, r.UpperTick)
	}
	return nil
}

func (r *addLiquidityReq) apply(ch *core.ClearingHouse, opts ...core.CallOption) (any, error) {
	return ch.AddLiquidity(r.Maker, core.AddLiquidityParams{
		Market:    r.Market,
		LowerTick: r.LowerTick,
		UpperTick: r.UpperTick,
		Base:      orZero(r.Base.Int()),
		Quote:     orZero(r.Quote.Int()),
		MinBase:   r.MinBase.Int(),
		MinQuote:  r.MinQuote.Int(),
		Deadline:  r.Deadline,
	}, opts...)
}

type removeLiquidityReq struct {
	Maker     uuid.UUID `json:"maker"`
	Market    string    `json:"market"`
	LowerTick int32     `json:"lower_tick"`
	UpperTick int32     `json:"upper_tick"`
	// Liquidity is a raw pool liquidity integer; "0" collects fees only.
	Liquidity native `json:"liquidity"`
	MinBase   amount `json:"min_base"`
	MinQuote  amount `json:"min_quote"`
	Deadline  int64  `json:"deadline"`
}

func (r *removeLiquidityReq) validate() error {
	if err := account("maker", r.Maker); err != nil {
		return err
	}
	if r.Market == "" {
		return fmt.Errorf("market is required")
	}
	if r.Liquidity.v == nil || r.Liquidity.v.Sign() < 0 {
		return fmt.Errorf("liquidity must be zero or positive")
	}
	return nil
}

func (r *removeLiquidityReq) apply(ch *core.ClearingHouse, opts ...core.CallOption) (any, error) {
	return ch.RemoveLiquidity(r.Maker, core.RemoveLiquidityParams{
		Market:    r.Market,
		LowerTick: r.LowerTick,
		UpperTick: r.UpperTick,
		Liquidity: r.Liquidity.v,
		MinBase:   r.MinBase.Int(),
		MinQuote:  r.MinQuote.Int(),
		Deadline:  r.Deadline,
	}, opts...)
}

type cancelExcessReq struct {
	Keeper uuid.UUID `json:"keeper"`
	Maker  uuid.UUID `json:"maker"`
	Market string    `json:"market"`
}

func (r *cancelExcessReq) validate() error {
	if err := account("keeper", r.Keeper); err != nil {
		return err
	}
	if r.Market == "" {
		return fmt.Errorf("market is required")
	}
	return account("maker", r.Maker)
}

func (r *cancelExcessReq) apply(ch *core.ClearingHouse, opts ...core.CallOption) (any, error) {
	return ch.CancelExcessOrders(r.Keeper, r.Maker, r.Market, opts...)
}

// --- liquidation ---

type liquidateReq struct {
	Liquidator uuid.UUID `json:"liquidator"`
	Trader     uuid.UUID `json:"trader"`
	Market     string    `json:"market"`
	// Size is signed like the position: negative for a long. Absent
	// liquidates as much as allowed.
	Size amount `json:"size"`
}

func (r *liquidateReq) validate() error {
	if err := account("liquidator", r.Liquidator); err != nil {
		return err
	}
	if r.Market == "" {
		return fmt.Errorf("market is required")
	}
	return account("trader", r.Trader)
}

func (r *liquidateReq) apply(ch *core.ClearingHouse, opts ...core.CallOption) (any, error) {
	return ch.Liquidate(r.Liquidator, r.Trader, r.Market, orZero(r.Size.Int()), opts...)
}

// --- vault ---

type depositReq struct {
	Trader uuid.UUID `json:"trader"`
	Asset  string    `json:"asset"`
	Amount native    `json:"amount"`
}

func (r *depositReq) validate() error {
	if err := account("trader", r.Trader); err != nil {
		return err
	}
	if r.Asset == "" {
		return fmt.Errorf("asset is required")
	}
	return positive("amount", r.Amount.v)
}

func (r *depositReq) apply(ch *core.ClearingHouse, opts ...core.CallOption) (any, error) {
	return nil, ch.Deposit(r.Trader, r.Asset, r.Amount.v, opts...)
}

type withdrawReq depositReq

func (r *withdrawReq) validate() error { return (*depositReq)(r).validate() }

func (r *withdrawReq) apply(ch *core.ClearingHouse, opts ...core.CallOption) (any, error) {
	return nil, ch.Withdraw(r.Trader, r.Asset, r.Amount.v, opts...)
}

type withdrawAllReq struct {
	Trader uuid.UUID `json:"trader"`
	Asset  string    `json:"asset"`
}

func (r *withdrawAllReq) validate() error {
	if r.Asset == "" {
		return fmt.Errorf("asset is required")
	}
	return account("trader", r.Trader)
}

func (r *withdrawAllReq) apply(ch *core.ClearingHouse, opts ...core.CallOption) (any, error) {
	return ch.WithdrawAll(r.Trader, r.Asset, opts...)
}

type mintReq struct {
	Trader uuid.UUID `json:"trader"`
	Token  string    `json:"token"`
	Amount amount    `json:"amount"`
}

func (r *mintReq) validate() error {
	if err := account("trader", r.Trader); err != nil {
		return err
	}
	if r.Token == "" {
		return fmt.Errorf("token is required")
	}
	return positive("amount", r.Amount.Int())
}

func (r *mintReq) apply(ch *core.ClearingHouse, opts ...core.CallOption) (any, error) {
	return nil, ch.Mint(r.Trader, r.Token, r.Amount.Int(), opts...)
}

type burnReq mintReq

func (r *burnReq) validate() error { return (*mintReq)(r).validate() }

func (r *burnReq) apply(ch *core.ClearingHouse, opts ...core.CallOption) (any, error) {
	return nil, ch.Burn(r.Trader, r.Token, r.Amount.Int(), opts...)
}

// --- admin ---

type registerMarketReq struct {
	Market      string `json:"market"`
	BaseToken   string `json:"base_token"`
	TickSpacing int32  `json:"tick_spacing"`
	// Price is the pool's initial quote-per-base price.
	Price amount `json:"price"`

	ProtocolFeeRatio              ratio `json:"protocol_fee_ratio"`
	InsuranceFundFeeRatio         ratio `json:"insurance_fund_fee_ratio"`
	MaxTickCrossedWithinBlock     int32 `json:"max_tick_crossed_within_block"`
	PartialCloseRatio             ratio `json:"partial_close_ratio"`
	LiquidationPenaltyRatio       ratio `json:"liquidation_penalty_ratio"`
	InsuranceFundLiquidationShare ratio `json:"insurance_fund_liquidation_share"`
}

func (r *registerMarketReq) validate() error {
	if r.Market == "" || r.BaseToken == "" {
		return fmt.Errorf("market and base_token are required")
	}
	if r.TickSpacing <= 0 {
		return fmt.Errorf("tick_spacing must be positive")
	}
	if err := positive("price", r.Price.Int()); err != nil {
		return err
	}
	return state.ValidateMarketParams(r.params())
}

// params starts from the defaults and overrides every ratio the command
// sets.
func (r *registerMarketReq) params() state.MarketParams {
	p := state.DefaultMarketParams(r.Market, r.BaseToken)
	p.MaxTickCrossedWithinBlock = r.MaxTickCrossedWithinBlock
	for _, o := range []struct {
		src ratio
		dst *int64
	}{
		{r.ProtocolFeeRatio, &p.ProtocolFeeRatio},
		{r.InsuranceFundFeeRatio, &p.InsuranceFundFeeRatio},
		{r.PartialCloseRatio, &p.PartialCloseRatio},
		{r.LiquidationPenaltyRatio, &p.LiquidationPenaltyRatio},
		{r.InsuranceFundLiquidationShare, &p.InsuranceFundLiquidationShare},
	} {
		if o.src.set {
			*o.dst = o.src.v
		}
	}
	return p
}

func (r *registerMarketReq) apply(ch *core.ClearingHouse, opts ...core.CallOption) (any, error) {
	params := r.params()
	amm, err := pool.New(pool.Config{
		TickSpacing:  r.TickSpacing,
		FeeRatio:     uint32(params.ProtocolFeeRatio),
		SqrtPriceX96: fpmath.SqrtPriceX96FromPrice(r.Price.Int()),
	})
	if err != nil {
		return nil, err
	}
	return nil, ch.RegisterMarket(params, amm, opts...)
}

type pauseMarketReq struct {
	Market string `json:"market"`
	Paused bool   `json:"paused"`
}

func (r *pauseMarketReq) validate() error {
	if r.Market == "" {
		return fmt.Errorf("market is required")
	}
	return nil
}

func (r *pauseMarketReq) apply(ch *core.ClearingHouse, opts ...core.CallOption) (any, error) {
	return nil, ch.PauseMarket(r.Market, r.Paused, opts...)
}

type indexPriceReq struct {
	Feed      string `json:"feed"`
	Price     amount `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

func (r *indexPriceReq) validate() error {
	if r.Feed == "" {
		return fmt.Errorf("feed is required")
	}
	if r.Timestamp <= 0 {
		return fmt.Errorf("timestamp is required")
	}
	return positive("price", r.Price.Int())
}

func (r *indexPriceReq) apply(ch *core.ClearingHouse, opts ...core.CallOption) (any, error) {
	return nil, ch.UpdateIndexPrice(r.Feed, r.Price.Int(), r.Timestamp, opts...)
}

type advanceBlockReq struct {
	Number    int64 `json:"number"`
	Timestamp int64 `json:"timestamp"`
}

func (r *advanceBlockReq) validate() error {
	if r.Number <= 0 || r.Timestamp <= 0 {
		return fmt.Errorf("number and timestamp are required")
	}
	return nil
}

func (r *advanceBlockReq) apply(ch *core.ClearingHouse, opts ...core.CallOption) (any, error) {
	return nil, ch.AdvanceBlock(r.Number, r.Timestamp, opts...)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
