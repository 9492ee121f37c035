package projection

import (
	"context"
	"fmt"

	"PerpCustody/internal/core"
	"PerpCustody/internal/event"
	"PerpCustody/internal/observability"
	"PerpCustody/internal/persistence"

	"github.com/rs/zerolog"
)

// StatsStore is where the projection lands. PostgresStatsStore is the
// production one.
type StatsStore interface {
	Apply(ctx context.Context, sequence int64, d *CustodyStats) (bool, error)
	Watermark(ctx context.Context) (int64, error)
	Reset(ctx context.Context) error
}

// EventLog is the part of the event log a rebuild reads.
type EventLog interface {
	LoadEventsFrom(ctx context.Context, from int64, limit int) ([]persistence.EventRow, error)
}

// ProjectionWorker updates custody stats from committed operations.
// The projection channel drops on full, so the projection may skip outputs;
// CatchUp and Rebuild close the gap from the event log.
type ProjectionWorker struct {
	store     StatsStore
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(store StatsStore, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		store:     store,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			env := output.Envelope
			if err := pw.apply(ctx, env.Sequence, env.EventType, env.Payload); err != nil {
				// Projections are eventually consistent; a rebuild repairs them.
				pw.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("projection update failed")
			}
		}
	}
}

// LastSequence is the last sequence this worker applied.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq }

func (pw *ProjectionWorker) apply(ctx context.Context, seq int64, et event.EventType, payload []byte) error {
	d, err := StatsDelta(et, payload, seq)
	if err != nil {
		return err
	}
	if _, err := pw.store.Apply(ctx, seq, d); err != nil {
		return err
	}
	pw.lastSeq = seq
	return nil
}

// CatchUp applies every logged event past the store's watermark. Call it
// before Run to absorb operations committed while the worker was down.
func (pw *ProjectionWorker) CatchUp(ctx context.Context, log EventLog) (int, error) {
	from, err := pw.store.Watermark(ctx)
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}

	const pageSize = 1000
	applied := 0
	next := from + 1
	for {
		rows, err := log.LoadEventsFrom(ctx, next, pageSize)
		if err != nil {
			return applied, err
		}
		for _, row := range rows {
			et, ok := event.ParseEventType(row.EventType)
			if !ok {
				return applied, fmt.Errorf("unknown event type %q at sequence %d", row.EventType, row.Sequence)
			}
			if err := pw.apply(ctx, row.Sequence, et, []byte(row.Payload)); err != nil {
				return applied, fmt.Errorf("apply sequence %d: %w", row.Sequence, err)
			}
			applied++
			next = row.Sequence + 1
		}
		if len(rows) < pageSize {
			break
		}
	}
	if applied > 0 {
		pw.logger.Info().Int("events", applied).Int64("sequence", pw.lastSeq).Msg("projection caught up")
	}
	return applied, nil
}

// Rebuild discards the projection and replays the whole event log.
func (pw *ProjectionWorker) Rebuild(ctx context.Context, log EventLog) (int, error) {
	if err := pw.store.Reset(ctx); err != nil {
		return 0, err
	}
	pw.lastSeq = 0
	return pw.CatchUp(ctx, log)
}
