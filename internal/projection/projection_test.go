package projection_test

import (
	"context"
	"encoding/json"
	"testing"

	"PerpCustody/internal/core"
	"PerpCustody/internal/event"
	"PerpCustody/internal/ledger"
	"PerpCustody/internal/persistence"
	"PerpCustody/internal/projection"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStats mirrors PostgresStatsStore semantics in memory.
type memoryStats struct {
	rows      map[string]*projection.CustodyStats
	watermark int64
}

func newMemoryStats() *memoryStats {
	return &memoryStats{rows: make(map[string]*projection.CustodyStats)}
}

func (m *memoryStats) Apply(_ context.Context, seq int64, d *projection.CustodyStats) (bool, error) {
	if seq <= m.watermark {
		return false, nil
	}
	if d != nil {
		row, ok := m.rows[d.Custody]
		if !ok {
			row = &projection.CustodyStats{Custody: d.Custody}
		}
		row.Add(d)
		m.rows[d.Custody] = row
	}
	m.watermark = seq
	return true, nil
}

func (m *memoryStats) Watermark(context.Context) (int64, error) { return m.watermark, nil }

func (m *memoryStats) Reset(context.Context) error {
	m.rows = make(map[string]*projection.CustodyStats)
	m.watermark = 0
	return nil
}

type memoryLog []persistence.EventRow

func (l memoryLog) LoadEventsFrom(_ context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, r := range l {
		if r.Sequence >= from && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func triggered(t *testing.T, custody ledger.Pubkey, stopLoss bool) []byte {
	t.Helper()
	payload, err := json.Marshal(&event.PositionTriggered{
		EventID:             uuid.New(),
		Custody:             custody,
		TransferAmount:      6_980_000_000,
		FeeAmount:           20_000_000,
		ProtocolFee:         4_000_000,
		ProfitUSD:           249_000_000,
		StopLossTriggered:   stopLoss,
		TakeProfitTriggered: !stopLoss,
	})
	require.NoError(t, err)
	return payload
}

func output(seq int64, et event.EventType, payload []byte) core.CoreOutput {
	return core.CoreOutput{Envelope: &event.EventEnvelope{Sequence: seq, EventType: et, Payload: payload}}
}

// ============================================================================
// Test: Stats deltas
// ============================================================================

func TestStatsDelta_Trigger(t *testing.T) {
	custody := ledger.NewUniquePubkey()
	d, err := projection.StatsDelta(event.EventTypePositionTriggered, triggered(t, custody, false), 9)
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, custody.String(), d.Custody)
	assert.Equal(t, int64(1), d.Triggers)
	assert.Equal(t, int64(1), d.TakeProfits)
	assert.Zero(t, d.StopLosses)
	assert.Equal(t, "6980000000", d.Transferred.String())
	assert.Equal(t, "4000000", d.ProtocolFees.String())
	assert.True(t, d.LossUSD.IsZero())
	assert.Equal(t, int64(9), d.LastSequence)
}

func TestStatsDelta_GlobalEventsHaveNoRow(t *testing.T) {
	payload, err := json.Marshal(&event.AdminSignersUpdated{EventID: uuid.New(), MinSignatures: 1})
	require.NoError(t, err)
	d, err := projection.StatsDelta(event.EventTypeAdminSignersUpdated, payload, 3)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestStatsDelta_BadPayload(t *testing.T) {
	_, err := projection.StatsDelta(event.EventTypePositionTriggered, []byte(`{`), 1)
	assert.Error(t, err)
}

// ============================================================================
// Test: Worker
// ============================================================================

func TestProjectionWorker_AccumulatesPerCustody(t *testing.T) {
	store := newMemoryStats()
	custody := ledger.NewUniquePubkey()
	limits, err := json.Marshal(&event.PositionLimitsUpdated{EventID: uuid.New(), Custody: custody})
	require.NoError(t, err)

	in := make(chan core.CoreOutput, 4)
	in <- output(1, event.EventTypePositionTriggered, triggered(t, custody, true))
	in <- output(2, event.EventTypePositionLimitsUpdated, limits)
	in <- output(3, event.EventTypePositionTriggered, triggered(t, custody, false))
	in <- output(3, event.EventTypePositionTriggered, triggered(t, custody, false))
	close(in)

	w := projection.NewProjectionWorker(store, in, nil)
	require.NoError(t, w.Run(context.Background()))

	row := store.rows[custody.String()]
	require.NotNil(t, row)
	assert.Equal(t, int64(2), row.Triggers, "sequence 3 applied once")
	assert.Equal(t, int64(1), row.StopLosses)
	assert.Equal(t, int64(1), row.TakeProfits)
	assert.Equal(t, int64(1), row.LimitUpdates)
	assert.Equal(t, "13960000000", row.Transferred.String())
	assert.Equal(t, int64(3), store.watermark)
	assert.Equal(t, int64(3), w.LastSequence())
}

func TestProjectionWorker_CatchUpFillsDroppedOutputs(t *testing.T) {
	custody := ledger.NewUniquePubkey()
	log := memoryLog{
		{Sequence: 1, EventType: "PositionTriggered", Payload: string(triggered(t, custody, true))},
		{Sequence: 2, EventType: "PositionTriggered", Payload: string(triggered(t, custody, true))},
		{Sequence: 3, EventType: "PositionTriggered", Payload: string(triggered(t, custody, false))},
	}
	store := newMemoryStats()
	w := projection.NewProjectionWorker(store, nil, nil)

	_, err := store.Apply(context.Background(), 1, mustDelta(t, log[0]))
	require.NoError(t, err)

	n, err := w.CatchUp(context.Background(), log)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "resumes after the watermark")
	assert.Equal(t, int64(3), store.rows[custody.String()].Triggers)

	n, err = w.Rebuild(context.Background(), log)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(3), store.rows[custody.String()].Triggers, "rebuild does not double count")
	assert.Equal(t, int64(2), store.rows[custody.String()].StopLosses)
}

func TestProjectionWorker_CatchUpRejectsUnknownType(t *testing.T) {
	w := projection.NewProjectionWorker(newMemoryStats(), nil, nil)
	_, err := w.CatchUp(context.Background(), memoryLog{{Sequence: 1, EventType: "FundingApplied", Payload: `{}`}})
	assert.Error(t, err)
}

func mustDelta(t *testing.T, row persistence.EventRow) *projection.CustodyStats {
	t.Helper()
	et, ok := event.ParseEventType(row.EventType)
	require.True(t, ok)
	d, err := projection.StatsDelta(et, []byte(row.Payload), row.Sequence)
	require.NoError(t, err)
	return d
}
