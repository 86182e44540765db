package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"PerpClearing/internal/core"
	"PerpClearing/internal/event"
	"PerpClearing/internal/ledger"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/persistence"

	"github.com/rs/zerolog"
)

// ProjectionWorker maintains the read model from committed calls. It is fed
// from the publish side, so it may drop outputs under load; RebuildProjections
// restores it from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	assets    *ledger.Registry
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, assets *ledger.Registry, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		assets:    assets,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq }

// LoadWatermark resumes from the last sequence the read model committed.
// Call it before Run.
func (pw *ProjectionWorker) LoadWatermark(ctx context.Context) error {
	var seq int64
	err := pw.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load projection watermark: %w", err)
	}
	pw.lastSeq = seq
	return nil
}

// Run applies outputs until ctx is cancelled or the channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			env := out.Envelope
			if env.Sequence <= pw.lastSeq {
				continue
			}
			if gap := env.Sequence - pw.lastSeq; pw.lastSeq > 0 && gap > 1 {
				pw.logger.Warn().Int64("from", pw.lastSeq).Int64("to", env.Sequence).Msg("projection gap, rebuild to repair")
			}
			_, journals := persistence.RowsFromOutput(out, pw.assets)
			if err := pw.apply(ctx, env.Sequence, env.Timestamp, env.Events, journals); err != nil {
				// eventually consistent: the read model can be rebuilt
				pw.logger.Warn().Err(err).Int64("seq", env.Sequence).Msg("projection update failed")
			}
			pw.lastSeq = env.Sequence
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, seq int64, ts time.Time, events []event.Event, journals []persistence.JournalRow) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	counts, err := applyCall(ctx, tx, seq, ts, events, journals)
	if err != nil {
		return err
	}
	if err := setWatermark(ctx, tx, seq); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if pw.metrics != nil {
		for table, n := range counts {
			pw.metrics.ProjectionUpdates.WithLabelValues(table).Add(float64(n))
		}
	}
	return nil
}

// applyCall writes every projection row derived from one committed call and
// returns row counts per table.
func applyCall(ctx context.Context, tx *sql.Tx, seq int64, ts time.Time, events []event.Event, journals []persistence.JournalRow) (map[string]int, error) {
	counts := make(map[string]int)
	for _, j := range journals {
		if err := applyJournal(ctx, tx, seq, j); err != nil {
			return nil, fmt.Errorf("balance projection: %w", err)
		}
		counts["balances"] += 2
	}

	for _, e := range events {
		var (
			table string
			err   error
		)
		switch ev := e.(type) {
		case *event.PositionChanged:
			table, err = "positions", upsertPosition(ctx, tx, seq, ev)
		case *event.PositionLiquidated:
			table, err = "liquidation_history", recordLiquidation(ctx, tx, seq, ts, ev)
		case *event.BadDebtSettled:
			table, err = "liquidation_history", recordBadDebt(ctx, tx, ev)
		case *event.LiquidityChanged:
			table, err = "orders", upsertOrder(ctx, tx, seq, ev)
		case *event.FundingSettled:
			table, err = "funding_history", recordFunding(ctx, tx, seq, ts, ev)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s projection: %w", e.EventType(), err)
		}
		counts[table]++
	}
	return counts, nil
}

// applyJournal moves the amount from the credit account to the debit
// account.
func applyJournal(ctx context.Context, tx *sql.Tx, seq int64, j persistence.JournalRow) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.DebitAccount, j.AssetID, j.Amount, seq); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3::NUMERIC, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3::NUMERIC, last_sequence = $4
	`, j.CreditAccount, j.AssetID, j.Amount, seq)
	return err
}

func upsertPosition(ctx context.Context, tx *sql.Tx, seq int64, ev *event.PositionChanged) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions
			(trader, market_id, size, open_notional, side, realized_pnl, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (trader, market_id) DO UPDATE SET
			size = $3, open_notional = $4, side = $5,
			realized_pnl = projections.positions.realized_pnl + $6::NUMERIC,
			last_sequence = $7
	`, ev.Trader, ev.Market, num(ev.PositionSize), num(ev.OpenNotional), int16(ev.Side), num(ev.RealizedPnl), seq)
	return err
}

func recordLiquidation(ctx context.Context, tx *sql.Tx, seq int64, ts time.Time, ev *event.PositionLiquidated) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(liquidation_id, sequence, trader, liquidator, market_id, size, mark_price,
			 penalty, insurance_fee, full_close, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (liquidation_id) DO NOTHING
	`, ev.LiquidationID, seq, ev.Trader, ev.Liquidator, ev.Market, num(ev.LiquidatedSize),
		num(ev.MarkPrice), num(ev.Penalty), num(ev.InsuranceFee), ev.Full, ts); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.positions SET liquidation_state = $3
		WHERE trader = $1 AND market_id = $2
	`, ev.Trader, ev.Market, ev.State)
	return err
}

func recordBadDebt(ctx context.Context, tx *sql.Tx, ev *event.BadDebtSettled) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.liquidation_history SET bad_debt = $2
		WHERE liquidation_id = $1
	`, ev.LiquidationID, num(ev.Deficit)); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.positions SET liquidation_state = 'Settled'
		WHERE trader = $1 AND market_id = $2
	`, ev.Trader, ev.Market)
	return err
}

func upsertOrder(ctx context.Context, tx *sql.Tx, seq int64, ev *event.LiquidityChanged) error {
	if ev.Removed {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM projections.orders
			WHERE maker = $1 AND market_id = $2 AND lower_tick = $3 AND upper_tick = $4
		`, ev.Maker, ev.Market, ev.LowerTick, ev.UpperTick)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.orders
			(maker, market_id, lower_tick, upper_tick, liquidity, fees_collected, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (maker, market_id, lower_tick, upper_tick) DO UPDATE SET
			liquidity = $5,
			fees_collected = projections.orders.fees_collected + $6::NUMERIC,
			last_sequence = $7
	`, ev.Maker, ev.Market, ev.LowerTick, ev.UpperTick, num(ev.Liquidity), num(ev.Fee), seq)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq)
	if err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// num renders an amount for a NUMERIC parameter; nil is zero.
func num(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// RebuildProjections truncates the read model and replays it from the
// event log in batches.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.orders`,
		`TRUNCATE projections.funding_history`,
		`TRUNCATE projections.liquidation_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}

	log := persistence.NewEventLogReader(db)
	const batch = 1000
	next := int64(1)
	for {
		rows, err := log.LoadEventsFrom(ctx, next, batch)
		if err != nil {
			return fmt.Errorf("load events from %d: %w", next, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, r := range rows {
			if err := replayRow(ctx, db, r); err != nil {
				return fmt.Errorf("replay seq %d: %w", r.Sequence, err)
			}
			next = r.Sequence + 1
		}
	}

	logger.Info().Int64("last_sequence", next-1).Msg("projection rebuild complete")
	return nil
}

func replayRow(ctx context.Context, db *sql.DB, r persistence.EventRow) error {
	events, err := event.DecodePayload(r.Payload)
	if err != nil {
		return err
	}
	journals, err := loadJournals(ctx, db, r.Sequence)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := applyCall(ctx, tx, r.Sequence, r.Timestamp, events, journals); err != nil {
		return err
	}
	if err := setWatermark(ctx, tx, r.Sequence); err != nil {
		return err
	}
	return tx.Commit()
}

func loadJournals(ctx context.Context, db *sql.DB, seq int64) ([]persistence.JournalRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT debit_account, credit_account, asset_id, amount::TEXT
		FROM event_log.journal
		WHERE sequence = $1
	`, seq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persistence.JournalRow
	for rows.Next() {
		j := persistence.JournalRow{Sequence: seq}
		if err := rows.Scan(&j.DebitAccount, &j.CreditAccount, &j.AssetID, &j.Amount); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
