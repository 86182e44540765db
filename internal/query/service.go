package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PerpClearing/internal/core"
	"PerpClearing/internal/ledger"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/projection"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QueryService serves account and market views. Live views are read from
// the clearing house and cached per engine sequence; history is read from
// the Postgres event log and projections.
type QueryService struct {
	ch      *core.ClearingHouse
	db      *sql.DB // nil disables the history endpoints
	cache   Cache   // nil disables caching
	ttl     time.Duration
	metrics *observability.Metrics
	logger  zerolog.Logger
}

type Option func(*QueryService)

func WithCache(c Cache, ttl time.Duration) Option {
	return func(qs *QueryService) { qs.cache, qs.ttl = c, ttl }
}

func WithDB(db *sql.DB) Option { return func(qs *QueryService) { qs.db = db } }

func WithMetrics(m *observability.Metrics) Option {
	return func(qs *QueryService) { qs.metrics = m }
}

func NewQueryService(ch *core.ClearingHouse, logger zerolog.Logger, opts ...Option) *QueryService {
	qs := &QueryService{ch: ch, ttl: 30 * time.Second, logger: logger}
	for _, o := range opts {
		o(qs)
	}
	return qs
}

// GetAccount returns the trader's margin picture with every market it
// touches.
func (qs *QueryService) GetAccount(ctx context.Context, trader uuid.UUID) (*AccountView, error) {
	return cached(ctx, qs, "account:"+trader.String(), func(seq int64) (*AccountView, error) {
		s, err := qs.ch.AccountSnapshot(trader)
		if err != nil {
			return nil, err
		}
		balances, err := collateralBalances(qs.ch, qs.ch.Assets().All(), trader)
		if err != nil {
			return nil, err
		}
		v := &AccountView{
			Trader:          trader,
			Collateral:      fpmath.FormatAmount(s.Collateral),
			OwedRealizedPnl: fpmath.FormatAmount(s.OwedRealizedPnl),
			PendingFunding:  fpmath.FormatAmount(s.PendingFunding),
			PendingFee:      fpmath.FormatAmount(s.PendingFee),
			UnrealizedPnl:   fpmath.FormatAmount(s.UnrealizedPnl),
			AccountValue:    fpmath.FormatAmount(s.AccountValue),
			FreeCollateral:  fpmath.FormatAmount(s.FreeCollateral),
			TotalAbsValue:   fpmath.FormatAmount(s.TotalAbsPositionValue),
			TotalDebtValue:  fpmath.FormatAmount(s.TotalDebtValue),
			MarginRatio:     ratioString(s.MarginRatio),
			Balances:        balances,
			Positions:       make([]PositionView, 0, len(s.Markets)),
			AsOfSequence:    seq,
		}
		for _, e := range s.Markets {
			ls, err := qs.ch.GetLiquidationState(trader, e.Market)
			if err != nil {
				return nil, err
			}
			v.Positions = append(v.Positions, positionView(e, ls, seq))
		}
		return v, nil
	})
}

// GetPosition returns one market of the trader's account. A market the
// trader never touched reads as flat.
func (qs *QueryService) GetPosition(ctx context.Context, trader uuid.UUID, market string) (*PositionView, error) {
	return cached(ctx, qs, "position:"+trader.String()+":"+market, func(seq int64) (*PositionView, error) {
		if _, err := qs.ch.Market(market); err != nil {
			return nil, err
		}
		s, err := qs.ch.AccountSnapshot(trader)
		if err != nil {
			return nil, err
		}
		ls, err := qs.ch.GetLiquidationState(trader, market)
		if err != nil {
			return nil, err
		}
		for _, e := range s.Markets {
			if e.Market == market {
				v := positionView(e, ls, seq)
				return &v, nil
			}
		}
		mark, err := qs.ch.GetMarkPrice(market)
		if err != nil {
			return nil, err
		}
		zero := fpmath.FormatAmount(nil)
		return &PositionView{
			Market: market, MarkPrice: fpmath.FormatAmount(mark),
			Size: zero, OpenNotional: zero, TotalSize: zero, TotalOpenNotional: zero,
			UnrealizedPnl: zero, OwedRealizedPnl: zero, PendingFunding: zero, PendingFee: zero,
			LiquidationState: ls.String(), AsOfSequence: seq,
		}, nil
	})
}

// GetMarket returns a market's parameters and pool state.
func (qs *QueryService) GetMarket(ctx context.Context, market string) (*MarketView, error) {
	return cached(ctx, qs, "market:"+market, func(seq int64) (*MarketView, error) {
		m, err := qs.ch.Market(market)
		if err != nil {
			return nil, err
		}
		slot, liquidity, err := qs.ch.Pool(market)
		if err != nil {
			return nil, err
		}
		mark, err := qs.ch.GetMarkPrice(market)
		if err != nil {
			return nil, err
		}
		v := &MarketView{
			Market:                        market,
			BaseToken:                     m.Params.BaseToken,
			Paused:                        m.Paused,
			MarkPrice:                     fpmath.FormatAmount(mark),
			SqrtPriceX96:                  slot.SqrtPriceX96.String(),
			Tick:                          slot.Tick,
			Liquidity:                     liquidity.String(),
			FundingGrowthGlobal:           fpmath.FormatAmount(m.FundingGrowthGlobal),
			ProtocolFeeRatio:              fpmath.FormatRatio(m.Params.ProtocolFeeRatio),
			InsuranceFundFeeRatio:         fpmath.FormatRatio(m.Params.InsuranceFundFeeRatio),
			MaxTickCrossedWithinBlock:     m.Params.MaxTickCrossedWithinBlock,
			PartialCloseRatio:             fpmath.FormatRatio(m.Params.PartialCloseRatio),
			LiquidationPenaltyRatio:       fpmath.FormatRatio(m.Params.LiquidationPenaltyRatio),
			InsuranceFundLiquidationShare: fpmath.FormatRatio(m.Params.InsuranceFundLiquidationShare),
			AsOfSequence:                  seq,
		}
		if idx, err := qs.ch.GetIndexPrice(market); err == nil {
			s := fpmath.FormatAmount(idx)
			v.IndexPrice = &s
		}
		return v, nil
	})
}

// cached serves key from the cache when the engine has not moved since it
// was stored. A view is cached only if no call committed while it was
// built.
func cached[T any](ctx context.Context, qs *QueryService, key string, load func(seq int64) (*T, error)) (*T, error) {
	seq := qs.ch.Sequence()
	full := fmt.Sprintf("perp:view:%s:%d", key, seq)

	if qs.cache != nil {
		data, ok, err := qs.cache.Get(ctx, full)
		switch {
		case err != nil:
			qs.logger.Warn().Err(err).Str("key", full).Msg("cache read failed")
		case ok:
			var v T
			if json.Unmarshal(data, &v) == nil {
				qs.countCache("hit")
				return &v, nil
			}
		}
		qs.countCache("miss")
	}

	v, err := load(seq)
	if err != nil {
		return nil, err
	}
	if qs.cache != nil && qs.ch.Sequence() == seq {
		if data, err := json.Marshal(v); err == nil {
			if err := qs.cache.Set(ctx, full, data, qs.ttl); err != nil {
				qs.logger.Warn().Err(err).Str("key", full).Msg("cache write failed")
			}
		}
	}
	return v, nil
}

func (qs *QueryService) countCache(result string) {
	if qs.metrics != nil {
		qs.metrics.QueryCacheHits.WithLabelValues(result).Inc()
	}
}

// --- history (Postgres) ---

var ErrNoDatabase = errors.New("query: history needs a database")

// GetFundingHistory returns the trader's funding settlements, newest first.
func (qs *QueryService) GetFundingHistory(ctx context.Context, trader uuid.UUID, limit int) ([]FundingHistoryResponse, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	entries, err := projection.QueryFundingHistory(ctx, qs.db, trader, limit)
	if err != nil {
		return nil, err
	}
	out := make([]FundingHistoryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, FundingHistoryResponse{
			Sequence:     e.Sequence,
			MarketID:     e.Market,
			Amount:       fpmath.FormatAmount(e.Amount),
			GrowthGlobal: fpmath.FormatAmount(e.GrowthGlobal),
			Timestamp:    e.Timestamp.Unix(),
		})
	}
	return out, nil
}

// GetJournalHistory returns journals touching the trader's accounts,
// newest first. afterSequence pages backwards.
func (qs *QueryService) GetJournalHistory(ctx context.Context, trader uuid.UUID, limit int, afterSequence *int64) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	accountPrefix := ledger.TraderPathPrefix(trader) + "%"

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks the persisted hash chain and that projected
// balances sum to zero per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance)::TEXT
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) <> 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, balanceRows.Err()
}
