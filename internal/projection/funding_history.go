package projection

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"PerpClearing/internal/event"

	"github.com/google/uuid"
)

// FundingHistoryEntry is one funding settlement of a position.
type FundingHistoryEntry struct {
	Sequence     int64
	Trader       uuid.UUID
	Market       string
	Amount       *big.Int // signed: positive = received
	GrowthGlobal *big.Int
	Timestamp    time.Time
}

func recordFunding(ctx context.Context, tx *sql.Tx, seq int64, ts time.Time, ev *event.FundingSettled) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.funding_history
			(sequence, trader, market_id, amount, growth_global, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence, trader, market_id) DO NOTHING
	`, seq, ev.Trader, ev.Market, num(ev.Amount), num(ev.GrowthGlobal), ts)
	return err
}

// QueryFundingHistory returns a trader's newest settlements first.
func QueryFundingHistory(ctx context.Context, db *sql.DB, trader uuid.UUID, limit int) ([]FundingHistoryEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, market_id, amount::TEXT, growth_global::TEXT, timestamp
		FROM projections.funding_history
		WHERE trader = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, trader, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FundingHistoryEntry
	for rows.Next() {
		var (
			e              = FundingHistoryEntry{Trader: trader}
			amount, growth string
		)
		if err := rows.Scan(&e.Sequence, &e.Market, &amount, &growth, &e.Timestamp); err != nil {
			return nil, err
		}
		var ok bool
		if e.Amount, ok = new(big.Int).SetString(amount, 10); !ok {
			return nil, fmt.Errorf("funding amount %q", amount)
		}
		if e.GrowthGlobal, ok = new(big.Int).SetString(growth, 10); !ok {
			return nil, fmt.Errorf("funding growth %q", growth)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
