package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"PerpCustody/internal/event"
	"PerpCustody/internal/persistence"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// CustodyStatsProjection is the watermark key of the custody stats table.
const CustodyStatsProjection = "custody_stats"

// CustodyStats is one row of projections.custody_stats. Token and USD
// amounts are cumulative and may exceed 64 bits.
type CustodyStats struct {
	Custody      string          `db:"custody"`
	Triggers     int64           `db:"triggers"`
	StopLosses   int64           `db:"stop_losses"`
	TakeProfits  int64           `db:"take_profits"`
	Transferred  decimal.Decimal `db:"transferred"`
	Fees         decimal.Decimal `db:"fees"`
	ProtocolFees decimal.Decimal `db:"protocol_fees"`
	ProfitUSD    decimal.Decimal `db:"profit_usd"`
	LossUSD      decimal.Decimal `db:"loss_usd"`
	LimitUpdates int64           `db:"limit_updates"`
	Upgrades     int64           `db:"upgrades"`
	LastSequence int64           `db:"last_sequence"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

// StatsDelta is what a single event adds to its custody's row.
func StatsDelta(et event.EventType, payload []byte, sequence int64) (*CustodyStats, error) {
	evt, err := event.Decode(et, payload)
	if err != nil {
		return nil, err
	}

	d := &CustodyStats{
		Transferred:  decimal.Zero,
		Fees:         decimal.Zero,
		ProtocolFees: decimal.Zero,
		ProfitUSD:    decimal.Zero,
		LossUSD:      decimal.Zero,
		LastSequence: sequence,
	}
	switch e := evt.(type) {
	case *event.PositionTriggered:
		d.Custody = e.Custody.String()
		d.Triggers = 1
		if e.StopLossTriggered {
			d.StopLosses = 1
		}
		if e.TakeProfitTriggered {
			d.TakeProfits = 1
		}
		d.Transferred = persistence.AmountDecimal(e.TransferAmount)
		d.Fees = persistence.AmountDecimal(e.FeeAmount)
		d.ProtocolFees = persistence.AmountDecimal(e.ProtocolFee)
		d.ProfitUSD = persistence.AmountDecimal(e.ProfitUSD)
		d.LossUSD = persistence.AmountDecimal(e.LossUSD)
	case *event.PositionLimitsUpdated:
		d.Custody = e.Custody.String()
		d.LimitUpdates = 1
	case *event.PositionUpgraded:
		d.Custody = e.Custody.String()
		d.Upgrades = 1
	default:
		return nil, nil
	}
	return d, nil
}

// Add folds d into s.
func (s *CustodyStats) Add(d *CustodyStats) {
	s.Triggers += d.Triggers
	s.StopLosses += d.StopLosses
	s.TakeProfits += d.TakeProfits
	s.Transferred = s.Transferred.Add(d.Transferred)
	s.Fees = s.Fees.Add(d.Fees)
	s.ProtocolFees = s.ProtocolFees.Add(d.ProtocolFees)
	s.ProfitUSD = s.ProfitUSD.Add(d.ProfitUSD)
	s.LossUSD = s.LossUSD.Add(d.LossUSD)
	s.LimitUpdates += d.LimitUpdates
	s.Upgrades += d.Upgrades
	s.LastSequence = d.LastSequence
}

// PostgresStatsStore maintains projections.custody_stats. Applying an event
// at or below the watermark is a no-op, so replays and rebuild overlap safely.
type PostgresStatsStore struct {
	db *sqlx.DB
}

func NewPostgresStatsStore(db *sqlx.DB) *PostgresStatsStore {
	return &PostgresStatsStore{db: db}
}

const upsertStats = `INSERT INTO projections.custody_stats
	(custody, triggers, stop_losses, take_profits, transferred, fees, protocol_fees,
	 profit_usd, loss_usd, limit_updates, upgrades, last_sequence, updated_at)
	VALUES (:custody, :triggers, :stop_losses, :take_profits, :transferred, :fees, :protocol_fees,
	 :profit_usd, :loss_usd, :limit_updates, :upgrades, :last_sequence, NOW())
	ON CONFLICT (custody) DO UPDATE SET
		triggers      = custody_stats.triggers + EXCLUDED.triggers,
		stop_losses   = custody_stats.stop_losses + EXCLUDED.stop_losses,
		take_profits  = custody_stats.take_profits + EXCLUDED.take_profits,
		transferred   = custody_stats.transferred + EXCLUDED.transferred,
		fees          = custody_stats.fees + EXCLUDED.fees,
		protocol_fees = custody_stats.protocol_fees + EXCLUDED.protocol_fees,
		profit_usd    = custody_stats.profit_usd + EXCLUDED.profit_usd,
		loss_usd      = custody_stats.loss_usd + EXCLUDED.loss_usd,
		limit_updates = custody_stats.limit_updates + EXCLUDED.limit_updates,
		upgrades      = custody_stats.upgrades + EXCLUDED.upgrades,
		last_sequence = EXCLUDED.last_sequence,
		updated_at    = NOW()`

// Apply adds d (nil for events without a row) and advances the watermark to
// sequence in one transaction. It reports whether anything was applied.
func (s *PostgresStatsStore) Apply(ctx context.Context, sequence int64, d *CustodyStats) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var mark sql.NullInt64
	err = tx.GetContext(ctx, &mark,
		`SELECT last_sequence FROM projections.watermark WHERE projection = $1 FOR UPDATE`,
		CustodyStatsProjection)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("read watermark: %w", err)
	}
	if mark.Valid && sequence <= mark.Int64 {
		return false, nil
	}

	if d != nil {
		if _, err := tx.NamedExecContext(ctx, upsertStats, d); err != nil {
			return false, fmt.Errorf("upsert custody stats: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, CustodyStatsProjection, sequence); err != nil {
		return false, fmt.Errorf("watermark update: %w", err)
	}
	return true, tx.Commit()
}

// Watermark is the last sequence the projection has absorbed, zero if none.
func (s *PostgresStatsStore) Watermark(ctx context.Context) (int64, error) {
	var mark sql.NullInt64
	err := s.db.GetContext(ctx, &mark,
		`SELECT last_sequence FROM projections.watermark WHERE projection = $1`, CustodyStatsProjection)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return mark.Int64, nil
}

// Get returns the stats row of a custody, or nil if it has none yet.
func (s *PostgresStatsStore) Get(ctx context.Context, custody string) (*CustodyStats, error) {
	var row CustodyStats
	err := s.db.GetContext(ctx, &row, `SELECT * FROM projections.custody_stats WHERE custody = $1`, custody)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get custody stats: %w", err)
	}
	return &row, nil
}

// List returns all stats rows ordered by custody.
func (s *PostgresStatsStore) List(ctx context.Context) ([]CustodyStats, error) {
	var rows []CustodyStats
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM projections.custody_stats ORDER BY custody`); err != nil {
		return nil, fmt.Errorf("list custody stats: %w", err)
	}
	return rows, nil
}

// Reset empties the table and its watermark ahead of a rebuild.
func (s *PostgresStatsStore) Reset(ctx context.Context) error {
	for _, stmt := range []string{
		`TRUNCATE projections.custody_stats`,
		`DELETE FROM projections.watermark WHERE projection = 'custody_stats'`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset projection: %w", err)
		}
	}
	return nil
}
