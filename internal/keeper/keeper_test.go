package keeper_test

import (
	"context"
	"testing"
	"time"

	"PerpCustody/internal/core"
	"PerpCustody/internal/keeper"
	"PerpCustody/internal/ledger"
	"PerpCustody/internal/query"
	"PerpCustody/internal/state"
	"PerpCustody/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedList []query.PositionResponse

func (l fixedList) ListPositions(context.Context, query.PositionFilter) ([]query.PositionResponse, error) {
	return l, nil
}

func newKeeper(t *testing.T) (*testutil.Market, *core.Engine, *keeper.Keeper, ledger.Pubkey) {
	t.Helper()
	m := testutil.NewMarket(t)
	e := core.NewEngine(m.DB, m.Feeds, 1, nil, nil)
	signer := ledger.NewUniquePubkey()
	k := keeper.New(e, query.NewQueryService(e, nil, nil), keeper.Config{Pool: m.Pool, Signer: signer}, nil)
	return m, e, k, signer
}

// ============================================================================
// Test: Rounds
// ============================================================================

func TestRunOnce_TriggersMetLimits(t *testing.T) {
	m, _, k, signer := newKeeper(t)
	tp := m.OpenPosition(t, testutil.PositionSpec{
		Side: state.SideLong, EntryPrice: 40_000_000, TakeProfit: state.SomeLimit(200_000_000),
	})
	sl := m.OpenPosition(t, testutil.PositionSpec{
		Side: state.SideShort, EntryPrice: 40_000_000, StopLoss: state.SomeLimit(100_000_000),
	})
	far := m.OpenPosition(t, testutil.PositionSpec{
		Side: state.SideLong, EntryPrice: 40_000_000, TakeProfit: state.SomeLimit(900_000_000),
	})
	m.OpenPosition(t, testutil.PositionSpec{Side: state.SideLong, EntryPrice: 40_000_000})
	m.OpenDeprecatedPosition(t, state.SideLong)

	stats, err := k.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keeper.RoundStats{Total: 3, Triggered: 2, NotTriggered: 1}, stats)

	_, ok := m.DB.GetAccount(tp.Key)
	assert.False(t, ok, "take-profit closed")
	_, ok = m.DB.GetAccount(sl.Key)
	assert.False(t, ok, "stop-loss closed")
	_, ok = m.DB.GetAccount(far.Key)
	assert.True(t, ok)

	assert.Greater(t, m.Balance(tp.Receiving), uint64(0), "owner's associated account paid")
	rent, ok := m.DB.GetAccount(signer)
	require.True(t, ok)
	assert.Equal(t, 2*ledger.MinimumBalance(state.PositionLen), rent.Lamports)
}

func TestRunOnce_ClosesDisabled(t *testing.T) {
	m, _, k, _ := newKeeper(t)
	p := m.OpenPosition(t, testutil.PositionSpec{
		Side: state.SideLong, EntryPrice: 40_000_000, TakeProfit: state.SomeLimit(200_000_000),
	})
	perpsKey := ledger.PerpetualsAddress(m.Program)
	perps, ok := m.DB.GetPerpetuals(perpsKey)
	require.True(t, ok)
	perps.Permissions.AllowClosePosition = false
	m.DB.PutPerpetuals(perpsKey, perps)

	_, err := k.RunOnce(context.Background())
	assert.ErrorIs(t, err, keeper.ErrClosesDisabled)
	_, ok = m.DB.GetAccount(p.Key)
	assert.True(t, ok)
}

func TestRunOnce_CustodyCloseDisabled(t *testing.T) {
	m, _, k, _ := newKeeper(t)
	p := m.OpenPosition(t, testutil.PositionSpec{
		Side: state.SideLong, EntryPrice: 40_000_000, TakeProfit: state.SomeLimit(200_000_000),
	})
	m.UpdateCustody(t, func(c *state.Custody) { c.Permissions.AllowClosePosition = false })

	stats, err := k.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keeper.RoundStats{Total: 1, NotAllowed: 1}, stats)
	_, ok := m.DB.GetAccount(p.Key)
	assert.True(t, ok)
}

func TestRunOnce_VanishedPosition(t *testing.T) {
	m, e, _, _ := newKeeper(t)
	p := m.OpenPosition(t, testutil.PositionSpec{
		Side: state.SideLong, EntryPrice: 40_000_000, TakeProfit: state.SomeLimit(200_000_000),
	})
	stale, err := query.NewQueryService(e, nil, nil).ListPositions(context.Background(), query.PositionFilter{WithLimits: true})
	require.NoError(t, err)
	require.Len(t, stale, 1)

	_, err = e.TriggerPosition(context.Background(), core.TriggerRequest{
		Signer:    ledger.NewUniquePubkey(),
		Position:  p.Key,
		Pool:      m.Pool,
		Custody:   m.Custody,
		Receiving: p.Receiving,
		Price:     50_000_000,
	})
	require.NoError(t, err)

	k := keeper.New(e, fixedList(stale), keeper.Config{Pool: m.Pool, Signer: ledger.NewUniquePubkey()}, nil)
	stats, err := k.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keeper.RoundStats{Total: 1, Vanished: 1}, stats)
}

func TestRunOnce_BadListingCountsAsFailed(t *testing.T) {
	m, e, _, _ := newKeeper(t)
	k := keeper.New(e, fixedList{{Position: "not-a-key"}}, keeper.Config{Pool: m.Pool}, nil)

	stats, err := k.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keeper.RoundStats{Total: 1, Failed: 1}, stats)
}

// ============================================================================
// Test: Loop
// ============================================================================

func TestRun_StopsOnCancel(t *testing.T) {
	m, e, _, _ := newKeeper(t)
	k := keeper.New(e, query.NewQueryService(e, nil, nil), keeper.Config{
		Pool: m.Pool, Signer: ledger.NewUniquePubkey(), Interval: 10 * time.Millisecond,
	}, nil)
	p := m.OpenPosition(t, testutil.PositionSpec{
		Side: state.SideLong, EntryPrice: 40_000_000, TakeProfit: state.SomeLimit(200_000_000),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := m.DB.GetAccount(p.Key)
		return !ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop")
	}
}
