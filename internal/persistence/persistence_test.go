package persistence_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"PerpCustody/internal/core"
	"PerpCustody/internal/event"
	"PerpCustody/internal/ledger"
	"PerpCustody/internal/observability"
	"PerpCustody/internal/persistence"
	"PerpCustody/internal/state"
	"PerpCustody/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

type fakeWriter struct {
	mu       sync.Mutex
	batches  [][]persistence.EventRow
	journals int
	failures int
}

func (w *fakeWriter) WriteBatch(_ context.Context, events []persistence.EventRow, journals []persistence.JournalRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New(persistence.StageEvents + ": connection reset")
	}
	w.batches = append(w.batches, append([]persistence.EventRow(nil), events...))
	w.journals += len(journals)
	return nil
}

func (w *fakeWriter) sequences() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var seqs []int64
	for _, b := range w.batches {
		for _, e := range b {
			seqs = append(seqs, e.Sequence)
		}
	}
	return seqs
}

func (w *fakeWriter) batchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

func output(seq int64, withJournal bool) core.CoreOutput {
	custody := ledger.NewUniquePubkey()
	out := core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: "evt",
			EventType:      event.EventTypePositionTriggered,
			Custody:        &custody,
			Timestamp:      time.Unix(testutil.MarketStartTime, 0).UTC(),
			Payload:        []byte(`{}`),
		},
		StateDelta: []byte(`{}`),
	}
	if withJournal {
		b := ledger.NewBatch("evt", testutil.MarketStartTime)
		from := ledger.TokenAccount{Key: ledger.NewUniquePubkey(), Amount: 10}
		to := ledger.TokenAccount{Key: ledger.NewUniquePubkey()}
		b.AddTransfer(from, to, ledger.NewUniquePubkey(), 10, ledger.JournalTypeSettlement)
		b.SetSequence(seq)
		out.Batch = b
	}
	return out
}

func newWorker(w persistence.BatchWriter, in <-chan core.CoreOutput, size int, timeout time.Duration) *persistence.PersistenceWorker {
	return persistence.NewPersistenceWorker(w, in, size, timeout, observability.NewMetricsWith(prometheus.NewRegistry()))
}

// ============================================================================
// Test: Row conversion
// ============================================================================

func TestRows_ConvertsEnvelopeAndJournals(t *testing.T) {
	out := output(7, true)
	out.Envelope.StateHash = [32]byte{9}

	row, journals := persistence.Rows(out)
	assert.Equal(t, int64(7), row.Sequence)
	assert.Equal(t, "PositionTriggered", row.EventType)
	require.NotNil(t, row.Custody)
	assert.Equal(t, out.Envelope.Custody.String(), *row.Custody)
	assert.Equal(t, byte(9), row.StateHash[0])
	assert.Len(t, row.PrevHash, 32)

	require.Len(t, journals, 1)
	j := journals[0]
	assert.Equal(t, int64(7), j.Sequence)
	assert.Equal(t, "settlement", j.JournalType)
	assert.Equal(t, "10", j.Amount.String())
	assert.Equal(t, out.Batch.Journals[0].DebitAccount.String(), j.DebitAccount)
}

func TestAmountDecimal_FullRange(t *testing.T) {
	assert.Equal(t, "18446744073709551615", persistence.AmountDecimal(^uint64(0)).String())
	assert.True(t, persistence.AmountDecimal(0).IsZero())
}

// ============================================================================
// Test: Persistence worker
// ============================================================================

func TestPersistenceWorker_FlushesFullBatches(t *testing.T) {
	in := make(chan core.CoreOutput, 8)
	w := &fakeWriter{}
	for seq := int64(1); seq <= 5; seq++ {
		in <- output(seq, seq%2 == 0)
	}
	close(in)

	require.NoError(t, newWorker(w, in, 2, time.Hour).Run(context.Background()))
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, w.sequences())
	assert.Equal(t, 3, w.batchCount(), "two full batches and the remainder on close")
	assert.Equal(t, 2, w.journals)
}

func TestPersistenceWorker_FlushesOnTimeout(t *testing.T) {
	in := make(chan core.CoreOutput, 1)
	w := &fakeWriter{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newWorker(w, in, 100, 10*time.Millisecond).Run(ctx) }()

	in <- output(1, false)
	require.Eventually(t, func() bool { return w.batchCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPersistenceWorker_FlushesOnShutdown(t *testing.T) {
	in := make(chan core.CoreOutput, 1)
	w := &fakeWriter{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newWorker(w, in, 100, time.Hour).Run(ctx) }()

	in <- output(1, false)
	require.Eventually(t, func() bool { return len(in) == 0 }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []int64{1}, w.sequences())
}

func TestPersistenceWorker_RetriesUntilWritten(t *testing.T) {
	in := make(chan core.CoreOutput, 1)
	w := &fakeWriter{failures: 2}
	in <- output(1, false)
	close(in)

	require.NoError(t, newWorker(w, in, 1, time.Hour).Run(context.Background()))
	assert.Equal(t, []int64{1}, w.sequences(), "batch is never dropped")
}

// ============================================================================
// Test: Recovery
// ============================================================================

type memorySource struct {
	snap *core.AccountsSnapshot
	rows []persistence.EventRow
}

func (s *memorySource) LoadLatestSnapshot(context.Context) (*core.AccountsSnapshot, error) {
	return s.snap, nil
}

func (s *memorySource) LoadEventsFrom(_ context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, r := range s.rows {
		if r.Sequence >= from && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

// settledMarket runs one take-profit trigger and one limit update, and
// returns the genesis snapshot, the persisted rows and the engine.
func settledMarket(t *testing.T) (*testutil.Market, *core.AccountsSnapshot, []persistence.EventRow, *core.Engine) {
	t.Helper()
	m := testutil.NewMarket(t)
	persist := make(chan core.CoreOutput, 8)
	e := core.NewEngine(m.DB, m.Feeds, 1, persist, nil)

	p := m.OpenPosition(t, testutil.PositionSpec{Side: state.SideLong, EntryPrice: 40_000_000, TakeProfit: state.SomeLimit(200_000_000)})
	other := m.OpenPosition(t, testutil.PositionSpec{Side: state.SideLong, EntryPrice: 40_000_000})
	genesis := e.Snapshot()
	assert.Equal(t, int64(0), genesis.Sequence)

	_, err := e.UpdatePositionLimits(context.Background(), m.SignLimits(t, other, state.SomeLimit(10_000_000), state.Limit{}))
	require.NoError(t, err)
	m.SetPrice(t, 50_000_000)
	_, err = e.TriggerPosition(context.Background(), core.TriggerRequest{
		Signer: ledger.NewUniquePubkey(), Position: p.Key, Pool: m.Pool, Custody: m.Custody,
		Receiving: p.Receiving, Price: 50_000_000,
	})
	require.NoError(t, err)

	close(persist)
	var rows []persistence.EventRow
	for out := range persist {
		row, _ := persistence.Rows(out)
		rows = append(rows, row)
	}
	require.Len(t, rows, 2)
	return m, genesis, rows, e
}

func TestRecover_ReplaysOnTopOfSnapshot(t *testing.T) {
	m, genesis, rows, e := settledMarket(t)

	db := core.NewAccountsDB(m.Program, m.Clock)
	res, err := persistence.Recover(context.Background(), &memorySource{snap: genesis, rows: rows}, db, nil)
	require.NoError(t, err)

	assert.False(t, res.ColdStart)
	assert.Equal(t, int64(2), res.Replayed)
	assert.Equal(t, int64(3), res.NextSequence)
	assert.Equal(t, e.Snapshot().StateHash, res.Tip)
	assert.Equal(t, res.Tip, res.Hasher().GetPrevHash())

	want, _ := m.DB.GetCustody(m.Custody)
	got, ok := db.GetCustody(m.Custody)
	require.True(t, ok)
	assert.Equal(t, want.Assets.Owned.Uint64(), got.Assets.Owned.Uint64())
	assert.Equal(t, want.Assets.ProtocolFees.Uint64(), got.Assets.ProtocolFees.Uint64())
	assert.Equal(t, want.TradeStats.ProfitUSD.Uint64(), got.TradeStats.ProfitUSD.Uint64())

	wantTokens, _ := m.DB.GetTokenAccount(m.CustodyToken)
	gotTokens, _ := db.GetTokenAccount(m.CustodyToken)
	assert.Equal(t, wantTokens.Amount, gotTokens.Amount)
	assert.Equal(t, len(m.DB.ProgramAccounts()), len(db.ProgramAccounts()), "closed position stays closed")
}

func TestRecover_ColdStartUsesGenesis(t *testing.T) {
	m, genesis, rows, _ := settledMarket(t)

	db := core.NewAccountsDB(m.Program, m.Clock)
	res, err := persistence.Recover(context.Background(), &memorySource{rows: rows}, db, genesis)
	require.NoError(t, err)
	assert.True(t, res.ColdStart)
	assert.Equal(t, int64(3), res.NextSequence)
}

func TestRecover_DetectsBrokenChain(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(rows []persistence.EventRow) []persistence.EventRow
	}{
		{"tampered delta", func(rows []persistence.EventRow) []persistence.EventRow {
			rows[1].StateDelta = append([]byte(nil), `{"closed":[]}`...)
			return rows
		}},
		{"missing sequence", func(rows []persistence.EventRow) []persistence.EventRow {
			return rows[1:]
		}},
		{"wrong prev hash", func(rows []persistence.EventRow) []persistence.EventRow {
			rows[0].PrevHash = make([]byte, 32)
			return rows
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, genesis, rows, _ := settledMarket(t)
			db := core.NewAccountsDB(m.Program, m.Clock)
			_, err := persistence.Recover(context.Background(), &memorySource{snap: genesis, rows: tt.mutate(rows)}, db, nil)
			assert.ErrorIs(t, err, persistence.ErrChainBroken)
		})
	}
}

// ============================================================================
// Test: Snapshot worker
// ============================================================================

type recordingSaver struct {
	saved []*core.AccountsSnapshot
}

func (s *recordingSaver) SaveSnapshot(_ context.Context, snap *core.AccountsSnapshot) (int, error) {
	s.saved = append(s.saved, snap)
	return 128, nil
}

func TestSnapshotWorker_SkipsWhenIdle(t *testing.T) {
	m := testutil.NewMarket(t)
	e := core.NewEngine(m.DB, m.Feeds, 1, nil, nil)
	saver := &recordingSaver{}
	w := persistence.NewSnapshotWorker(e, saver, time.Hour, observability.NewMetricsWith(prometheus.NewRegistry()))

	took, err := w.TakeSnapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, took)

	p := m.OpenPosition(t, testutil.PositionSpec{Side: state.SideShort, EntryPrice: 40_000_000})
	_, err = e.UpdatePositionLimits(context.Background(), m.SignLimits(t, p, state.Limit{}, state.SomeLimit(30_000_000)))
	require.NoError(t, err)

	took, err = w.TakeSnapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, took)
	require.Len(t, saver.saved, 1)
	assert.Equal(t, int64(1), saver.saved[0].Sequence)

	took, err = w.TakeSnapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, took, "nothing committed since")
}

// ============================================================================
// Test: Migration files
// ============================================================================

func TestListMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"000002_b.up.sql", "000001_a.up.sql", "000001_a.down.sql", "README.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	ups, err := persistence.ListMigrationFiles(dir, ".up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_a.up.sql", "000002_b.up.sql"}, ups)
	assert.Equal(t, "000002", persistence.ExtractVersion(ups[1]))
}

func TestRepositoryMigrationsArePaired(t *testing.T) {
	dir := filepath.Join("..", "..", "migrations")
	ups, err := persistence.ListMigrationFiles(dir, ".up.sql")
	require.NoError(t, err)
	downs, err := persistence.ListMigrationFiles(dir, ".down.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	require.Len(t, downs, len(ups))
	for i := range ups {
		assert.Equal(t, persistence.ExtractVersion(ups[i]), persistence.ExtractVersion(downs[i]))
	}
}
