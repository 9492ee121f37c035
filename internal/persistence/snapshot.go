package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PerpCustody/internal/core"
	"PerpCustody/internal/observability"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// SnapshotStore saves accounts snapshots and reads the event log back for
// recovery: load the latest snapshot, then replay events after its sequence.
type SnapshotStore struct {
	db *sqlx.DB
}

func NewSnapshotStore(db *sqlx.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveSnapshot persists a snapshot and returns its encoded size.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap *core.AccountsSnapshot) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots (sequence, state_hash, data, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sequence) DO UPDATE SET state_hash = $2, data = $3, size_bytes = $4
	`, snap.Sequence, snap.StateHash[:], string(data), len(data), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot returns the newest snapshot, or nil on a cold start.
func (s *SnapshotStore) LoadLatestSnapshot(ctx context.Context) (*core.AccountsSnapshot, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `
		SELECT data FROM event_log.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.AccountsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadEventsFrom returns up to limit events with sequence >= from, in order.
func (s *SnapshotStore) LoadEventsFrom(ctx context.Context, from int64, limit int) ([]EventRow, error) {
	var rows []EventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT sequence, event_type, idempotency_key, custody, payload,
		       state_delta, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, from, limit)
	if err != nil {
		return nil, fmt.Errorf("load events from %d: %w", from, err)
	}
	return rows, nil
}

// Snapshotter is the part of the engine the snapshot worker needs.
type Snapshotter interface {
	Snapshot() *core.AccountsSnapshot
	LastSequence() int64
}

type snapshotSaver interface {
	SaveSnapshot(ctx context.Context, snap *core.AccountsSnapshot) (int, error)
}

// SnapshotWorker takes a snapshot every interval when new operations have
// committed since the previous one. It runs on its own goroutine so a
// snapshot never waits on the persistence worker.
type SnapshotWorker struct {
	engine   Snapshotter
	store    snapshotSaver
	interval time.Duration
	lastSeq  int64
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewSnapshotWorker(engine Snapshotter, store snapshotSaver, interval time.Duration, metrics *observability.Metrics) *SnapshotWorker {
	return &SnapshotWorker{
		engine:   engine,
		store:    store,
		interval: interval,
		lastSeq:  engine.LastSequence(),
		metrics:  metrics,
		logger:   observability.NewLogger("snapshot"),
	}
}

func (w *SnapshotWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.TakeSnapshot(ctx); err != nil {
				w.logger.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}

// TakeSnapshot saves a snapshot if anything committed since the last one.
// It reports whether a snapshot was written.
func (w *SnapshotWorker) TakeSnapshot(ctx context.Context) (bool, error) {
	if w.engine.LastSequence() == w.lastSeq {
		return false, nil
	}
	snap := w.engine.Snapshot()
	size, err := w.store.SaveSnapshot(ctx, snap)
	if err != nil {
		return false, err
	}
	w.lastSeq = snap.Sequence

	if w.metrics != nil {
		w.metrics.SnapshotTaken.Inc()
		w.metrics.SnapshotSizeBytes.Set(float64(size))
		w.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	w.logger.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return true, nil
}
