package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"PerpCustody/internal/core"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64     `db:"sequence"`
	EventType      string    `db:"event_type"`
	IdempotencyKey string    `db:"idempotency_key"`
	Custody        *string   `db:"custody"`
	Payload        string    `db:"payload"`     // JSON event payload
	StateDelta     []byte    `db:"state_delta"` // exact bytes the state hash covers
	StateHash      []byte    `db:"state_hash"`
	PrevHash       []byte    `db:"prev_hash"`
	Timestamp      time.Time `db:"timestamp"`
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     uuid.UUID       `db:"journal_id"`
	BatchID       uuid.UUID       `db:"batch_id"`
	EventRef      string          `db:"event_ref"`
	Sequence      int64           `db:"sequence"`
	DebitAccount  string          `db:"debit_account"`
	CreditAccount string          `db:"credit_account"`
	Authority     string          `db:"authority"`
	Mint          string          `db:"mint"`
	Amount        decimal.Decimal `db:"amount"`
	JournalType   string          `db:"journal_type"`
	Timestamp     int64           `db:"timestamp"`
}

// Rows converts one engine output into its event row and journal rows.
func Rows(out core.CoreOutput) (EventRow, []JournalRow) {
	env := out.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        string(env.Payload),
		StateDelta:     out.StateDelta,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
	}
	if env.Custody != nil {
		s := env.Custody.String()
		row.Custody = &s
	}

	if out.Batch == nil {
		return row, nil
	}
	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID,
			BatchID:       j.BatchID,
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.String(),
			CreditAccount: j.CreditAccount.String(),
			Authority:     j.Authority.String(),
			Mint:          j.Mint.String(),
			Amount:        AmountDecimal(j.Amount),
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return row, journals
}

// AmountDecimal represents a u64 token amount without the int64 limit of
// database/sql.
func AmountDecimal(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// EventLogWriter writes events and journals to Postgres using batch inserts.
type EventLogWriter struct {
	db *sqlx.DB
}

func NewEventLogWriter(db *sqlx.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

const (
	insertEvents = `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, custody, payload, state_delta, state_hash, prev_hash, timestamp)
		VALUES (:sequence, :event_type, :idempotency_key, :custody, :payload, :state_delta, :state_hash, :prev_hash, :timestamp)
		ON CONFLICT (sequence) DO NOTHING`

	insertJournals = `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, authority, mint, amount, journal_type, timestamp)
		VALUES (:journal_id, :batch_id, :event_ref, :sequence, :debit_account, :credit_account, :authority, :mint, :amount, :journal_type, :timestamp)
		ON CONFLICT (journal_id) DO NOTHING`
)

// WriteBatch writes events and their journals in one transaction. Writes are
// idempotent, so a retried batch is safe.
func (w *EventLogWriter) WriteBatch(ctx context.Context, events []EventRow, journals []JournalRow) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", StageBegin, err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, insertEvents, events); err != nil {
		return fmt.Errorf("%s: %w", StageEvents, err)
	}
	if len(journals) > 0 {
		if _, err := tx.NamedExecContext(ctx, insertJournals, journals); err != nil {
			return fmt.Errorf("%s: %w", StageJournals, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", StageCommit, err)
	}
	return nil
}

// Failure stages, used in errors and as metric labels.
const (
	StageBegin    = "tx_begin"
	StageEvents   = "write_events"
	StageJournals = "write_journals"
	StageCommit   = "tx_commit"
)

// LatestSequence returns the highest sequence in the event log, or zero.
func (w *EventLogWriter) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := w.db.GetContext(ctx, &seq, `SELECT MAX(sequence) FROM event_log.events`); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
