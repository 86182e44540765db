package query

import (
	"math"

	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

// All amounts in views are 18-decimal decimal strings; ratios are decimal
// fractions. Every view carries the engine sequence it was read at.

// AccountView is a trader's margin picture.
type AccountView struct {
	Trader          uuid.UUID           `json:"trader"`
	Collateral      string              `json:"collateral"`
	OwedRealizedPnl string              `json:"owed_realized_pnl"`
	PendingFunding  string              `json:"pending_funding"`
	PendingFee      string              `json:"pending_fee"`
	UnrealizedPnl   string              `json:"unrealized_pnl"`
	AccountValue    string              `json:"account_value"`
	FreeCollateral  string              `json:"free_collateral"`
	TotalAbsValue   string              `json:"total_abs_position_value"`
	TotalDebtValue  string              `json:"total_debt_value"`
	MarginRatio     *string             `json:"margin_ratio"` // null without exposure
	Balances        []CollateralBalance `json:"balances"`
	Positions       []PositionView      `json:"positions"`
	AsOfSequence    int64               `json:"as_of_sequence"`
}

// PositionView is one market of an account.
type PositionView struct {
	Market            string `json:"market"`
	MarkPrice         string `json:"mark_price"`
	Size              string `json:"size"`
	OpenNotional      string `json:"open_notional"`
	TotalSize         string `json:"total_size"`
	TotalOpenNotional string `json:"total_open_notional"`
	UnrealizedPnl     string `json:"unrealized_pnl"`
	OwedRealizedPnl   string `json:"owed_realized_pnl"`
	PendingFunding    string `json:"pending_funding"`
	PendingFee        string `json:"pending_fee"`
	HasOrders         bool   `json:"has_orders"`
	LiquidationState  string `json:"liquidation_state"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// MarketView is a market's parameters and pool state.
type MarketView struct {
	Market              string  `json:"market"`
	BaseToken           string  `json:"base_token"`
	Paused              bool    `json:"paused"`
	MarkPrice           string  `json:"mark_price"`
	IndexPrice          *string `json:"index_price"`
	SqrtPriceX96        string  `json:"sqrt_price_x96"`
	Tick                int32   `json:"tick"`
	Liquidity           string  `json:"liquidity"`
	FundingGrowthGlobal string  `json:"funding_growth_global"`

	ProtocolFeeRatio              string `json:"protocol_fee_ratio"`
	InsuranceFundFeeRatio         string `json:"insurance_fund_fee_ratio"`
	MaxTickCrossedWithinBlock     int32  `json:"max_tick_crossed_within_block"`
	PartialCloseRatio             string `json:"partial_close_ratio"`
	LiquidationPenaltyRatio       string `json:"liquidation_penalty_ratio"`
	InsuranceFundLiquidationShare string `json:"insurance_fund_liquidation_share"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// FundingHistoryResponse is one funding settlement read from the
// projection.
type FundingHistoryResponse struct {
	Sequence     int64  `json:"sequence"`
	MarketID     string `json:"market_id"`
	Amount       string `json:"amount"`
	GrowthGlobal string `json:"growth_global"`
	Timestamp    int64  `json:"timestamp"`
}

// JournalHistoryEntry is a collateral journal touching the trader.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose projected balances do not sum to zero.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance string `json:"imbalance"`
}

func ratioString(r int64) *string {
	if r == math.MaxInt64 {
		return nil
	}
	s := fpmath.FormatRatio(r)
	return &s
}

func positionView(e state.MarketExposure, ls state.LiquidationState, seq int64) PositionView {
	return PositionView{
		Market:            e.Market,
		MarkPrice:         fpmath.FormatAmount(e.MarkPrice),
		Size:              fpmath.FormatAmount(e.TakerSize),
		OpenNotional:      fpmath.FormatAmount(e.TakerOpenNotional),
		TotalSize:         fpmath.FormatAmount(e.TotalSize),
		TotalOpenNotional: fpmath.FormatAmount(e.TotalOpenNotional),
		UnrealizedPnl:     fpmath.FormatAmount(e.UnrealizedPnl),
		OwedRealizedPnl:   fpmath.FormatAmount(e.OwedRealizedPnl),
		PendingFunding:    fpmath.FormatAmount(e.PendingFunding),
		PendingFee:        fpmath.FormatAmount(e.PendingFee),
		HasOrders:         e.HasOrders,
		LiquidationState:  ls.String(),
		AsOfSequence:      seq,
	}
}
