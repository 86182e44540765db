package ingestion

import (
	"bytes"
	"context"
	"fmt"

	"PerpClearing/internal/core"
	"PerpClearing/internal/persistence"

	"github.com/rs/zerolog"
)

// EventSource serves the event log in sequence order.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

const replayBatch = 1000

// Replay rebuilds ch from the event log by re-running every stored command
// in order. Each replayed call must land on the stored sequence and state
// hash; checkpoint, when set, is checked as well. Returns the last replayed
// sequence.
func Replay(ctx context.Context, ch *core.ClearingHouse, src EventSource, checkpoint *persistence.Checkpoint, logger zerolog.Logger) (int64, error) {
	next := ch.Sequence() + 1
	for {
		rows, err := src.LoadEventsFrom(ctx, next, replayBatch)
		if err != nil {
			return next - 1, fmt.Errorf("load events from %d: %w", next, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, r := range rows {
			if err := replayOne(ch, r); err != nil {
				return next - 1, err
			}
			hash := ch.StateHash()
			if !bytes.Equal(hash[:], r.StateHash) {
				return next - 1, fmt.Errorf("%w: sequence %d state hash", persistence.ErrReplayDiverged, r.Sequence)
			}
			if err := checkpoint.Verify(r.Sequence, hash); err != nil {
				return next - 1, err
			}
			next = r.Sequence + 1
		}
		logger.Debug().Int64("through", next-1).Msg("replayed batch")
	}
	logger.Info().Int64("sequence", next-1).Msg("replay complete")
	return next - 1, nil
}

func replayOne(ch *core.ClearingHouse, r persistence.EventRow) error {
	if len(r.Command) == 0 {
		return fmt.Errorf("sequence %d (%s) has no stored command", r.Sequence, r.Op)
	}
	var (
		cmd *Command
		err error
	)
	if r.Op == "update_index_price" {
		cmd, err = ParsePriceUpdate(r.Command)
	} else {
		cmd, err = ParseCommand(r.Command)
	}
	if err != nil {
		return fmt.Errorf("sequence %d: %w", r.Sequence, err)
	}
	if _, err := Apply(ch, cmd); err != nil {
		return fmt.Errorf("%w: sequence %d (%s) rejected on replay: %v", persistence.ErrReplayDiverged, r.Sequence, r.Op, err)
	}
	if ch.Sequence() != r.Sequence {
		return fmt.Errorf("%w: sequence %d replayed as %d", persistence.ErrReplayDiverged, r.Sequence, ch.Sequence())
	}
	return nil
}
