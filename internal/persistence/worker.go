package persistence

import (
	"context"
	"strings"
	"time"

	"PerpCustody/internal/core"
	"PerpCustody/internal/observability"

	"github.com/rs/zerolog"
)

// BatchWriter persists one flush. EventLogWriter is the Postgres one.
type BatchWriter interface {
	WriteBatch(ctx context.Context, events []EventRow, journals []JournalRow) error
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on the persist channel with blocking sends, so if this
// worker falls behind the engine stalls and no committed operation is lost.
type PersistenceWorker struct {
	writer       BatchWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	writer BatchWriter,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:       writer,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       observability.NewLogger("persistence"),
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the input closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, pw.batchSize)
	journalBatch := make([]JournalRow, 0, pw.batchSize*2)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) {
		if len(eventBatch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, eventBatch, journalBatch); err != nil {
			pw.logger.Error().Err(err).Str("reason", reason).Int("events", len(eventBatch)).Msg("batch flush failed")
		}
		eventBatch = eventBatch[:0]
		journalBatch = journalBatch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}

			row, journals := Rows(output)
			eventBatch = append(eventBatch, row)
			journalBatch = append(journalBatch, journals...)

			if len(eventBatch) >= pw.batchSize {
				flush(ctx, "full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// The worker never drops a batch: on shutdown it makes one last attempt
// without the cancelled context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(events)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), events, journals)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()
	if err := pw.writer.WriteBatch(ctx, events, journals); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues(failureStage(err)).Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}
	return nil
}

func failureStage(err error) string {
	msg := err.Error()
	for _, stage := range []string{StageBegin, StageEvents, StageJournals, StageCommit} {
		if strings.HasPrefix(msg, stage+":") {
			return stage
		}
	}
	return "write"
}
