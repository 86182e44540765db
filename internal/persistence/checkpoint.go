package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrReplayDiverged = errors.New("persistence: replay diverged from checkpoint")

// checkpointFormat is stored with each row; bump it when Checkpoint's JSON
// shape changes incompatibly.
const checkpointFormat = 1

// Checkpoint pins the state hash the engine reached at one sequence. State
// itself is rebuilt by replaying commands; a checkpoint only proves that a
// later replay arrived at the same place.
type Checkpoint struct {
	Sequence  int64     `json:"sequence"`
	StateHash []byte    `json:"state_hash"`
	Block     int64     `json:"block"`
	BlockTime int64     `json:"block_time"`
	Markets   []string  `json:"markets"`
	CreatedAt time.Time `json:"created_at"`

	Verified bool `json:"-"`
}

// Verify checks a replayed hash against the checkpoint. Sequences other
// than the pinned one, and a nil checkpoint, always pass.
func (cp *Checkpoint) Verify(sequence int64, hash [32]byte) error {
	if cp == nil || cp.Sequence != sequence {
		return nil
	}
	if !bytes.Equal(cp.StateHash, hash[:]) {
		return fmt.Errorf("%w: sequence %d", ErrReplayDiverged, sequence)
	}
	return nil
}

// CheckpointStore keeps checkpoints in event_log.snapshots.
type CheckpointStore struct {
	db *sql.DB
}

func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Save writes cp unverified. Saving the same sequence twice overwrites it.
func (s *CheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE
			SET data = EXCLUDED.data, state_hash = EXCLUDED.state_hash,
			    size_bytes = EXCLUDED.size_bytes, verified = FALSE
	`, uuid.New(), cp.Sequence, string(body), cp.StateHash, checkpointFormat, len(body), cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint %d: %w", cp.Sequence, err)
	}
	return nil
}

// Latest returns the newest checkpoint, verified or not, or nil when none
// exists. Rows of an unknown format are skipped.
func (s *CheckpointStore) Latest(ctx context.Context) (*Checkpoint, error) {
	var (
		body     []byte
		verified bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT data, verified FROM event_log.snapshots
		WHERE format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, checkpointFormat).Scan(&body, &verified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(body, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	cp.Verified = verified
	return &cp, nil
}

// MarkVerified records that a replay reproduced the checkpoint's hash.
func (s *CheckpointStore) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1`, sequence)
	return err
}

// Prune deletes all but the newest keep checkpoints. The newest verified
// checkpoint is never deleted. Returns the number of rows removed.
func (s *CheckpointStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM event_log.snapshots
		WHERE sequence NOT IN (
			SELECT sequence FROM event_log.snapshots ORDER BY sequence DESC LIMIT $1
		)
		AND sequence <> COALESCE(
			(SELECT MAX(sequence) FROM event_log.snapshots WHERE verified), -1
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return res.RowsAffected()
}
