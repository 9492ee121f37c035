package persistence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"PerpCustody/internal/core"
	"PerpCustody/internal/observability"
)

// ErrChainBroken means the event log does not extend the snapshot it is
// replayed on: a missing sequence, or a stored hash that does not match.
var ErrChainBroken = errors.New("event log hash chain broken")

const replayPageSize = 1000

// EventSource is the read side recovery needs. SnapshotStore implements it.
type EventSource interface {
	LoadLatestSnapshot(ctx context.Context) (*core.AccountsSnapshot, error)
	LoadEventsFrom(ctx context.Context, from int64, limit int) ([]EventRow, error)
}

// RecoveryResult tells the caller where the engine resumes.
type RecoveryResult struct {
	SnapshotSequence int64
	Replayed         int64
	NextSequence     int64
	Tip              [32]byte
	ColdStart        bool
}

// Hasher returns a state hasher continuing from the recovered tip.
func (r RecoveryResult) Hasher() *core.StateHasher {
	return core.ResumeStateHasher(r.Tip)
}

// Recover rebuilds db from the latest snapshot and the events after it. With
// no snapshot, genesis is loaded instead. Every replayed event must extend
// the hash chain; the first broken link aborts recovery.
func Recover(ctx context.Context, src EventSource, db *core.AccountsDB, genesis *core.AccountsSnapshot) (RecoveryResult, error) {
	logger := observability.NewLogger("recovery")

	snap, err := src.LoadLatestSnapshot(ctx)
	if err != nil {
		return RecoveryResult{}, err
	}

	var res RecoveryResult
	hasher := core.NewStateHasher()
	switch {
	case snap != nil:
		if err := db.Restore(snap); err != nil {
			return RecoveryResult{}, err
		}
		res.SnapshotSequence = snap.Sequence
		hasher = core.ResumeStateHasher(snap.StateHash)
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	case genesis != nil:
		if err := db.Restore(genesis); err != nil {
			return RecoveryResult{}, fmt.Errorf("restore genesis: %w", err)
		}
		res.ColdStart = true
		logger.Info().Msg("no snapshot found, starting from genesis")
	default:
		res.ColdStart = true
		logger.Warn().Msg("no snapshot and no genesis state, starting empty")
	}

	next := res.SnapshotSequence + 1
	for {
		rows, err := src.LoadEventsFrom(ctx, next, replayPageSize)
		if err != nil {
			return RecoveryResult{}, err
		}
		for _, row := range rows {
			if err := replayOne(db, hasher, next, row); err != nil {
				return RecoveryResult{}, err
			}
			next++
			res.Replayed++
		}
		if len(rows) < replayPageSize {
			break
		}
	}

	res.NextSequence = next
	res.Tip = hasher.GetPrevHash()
	logger.Info().
		Int64("replayed", res.Replayed).
		Int64("next_sequence", res.NextSequence).
		Hex("tip", res.Tip[:]).
		Msg("recovery complete")
	return res, nil
}

func replayOne(db *core.AccountsDB, hasher *core.StateHasher, want int64, row EventRow) error {
	if row.Sequence != want {
		return fmt.Errorf("%w: expected sequence %d, found %d", ErrChainBroken, want, row.Sequence)
	}
	prev := hasher.GetPrevHash()
	if !bytes.Equal(row.PrevHash, prev[:]) {
		return fmt.Errorf("%w: prev hash mismatch at sequence %d", ErrChainBroken, row.Sequence)
	}
	digest := sha256.Sum256(row.StateDelta)
	if got := hasher.ComputeHash(row.Sequence, digest[:]); !bytes.Equal(row.StateHash, got[:]) {
		return fmt.Errorf("%w: state hash mismatch at sequence %d", ErrChainBroken, row.Sequence)
	}

	var delta core.StateDelta
	if err := json.Unmarshal(row.StateDelta, &delta); err != nil {
		return fmt.Errorf("decode state delta %d: %w", row.Sequence, err)
	}
	if err := db.ApplyDelta(&delta); err != nil {
		return fmt.Errorf("apply state delta %d: %w", row.Sequence, err)
	}
	return nil
}
