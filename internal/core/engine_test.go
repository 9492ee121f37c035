package core_test

import (
	"context"
	"encoding/json"
	"testing"

	"PerpCustody/internal/core"
	"PerpCustody/internal/errs"
	"PerpCustody/internal/event"
	"PerpCustody/internal/ledger"
	"PerpCustody/internal/observability"
	"PerpCustody/internal/state"
	"PerpCustody/internal/testutil"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

type harness struct {
	m       *testutil.Market
	engine  *core.Engine
	persist chan core.CoreOutput
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	m := testutil.NewMarket(t)
	persist := make(chan core.CoreOutput, 64)
	e := core.NewEngine(m.DB, m.Feeds, 1, persist, nil,
		core.WithMetrics(observability.NewMetricsWith(prometheus.NewRegistry())))
	return &harness{m: m, engine: e, persist: persist}
}

func (h *harness) triggerRequest(p testutil.OpenedPosition, hint uint64) core.TriggerRequest {
	return core.TriggerRequest{
		Signer:    ledger.NewUniquePubkey(),
		Position:  p.Key,
		Pool:      h.m.Pool,
		Custody:   h.m.Custody,
		Receiving: p.Receiving,
		Price:     hint,
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// requireUnchanged runs fn and checks the store is exactly as before and
// nothing was emitted.
func (h *harness) requireUnchanged(t *testing.T, fn func()) {
	t.Helper()
	before := h.m.DB.Snapshot()
	fn()
	assert.Equal(t, before, h.m.DB.Snapshot(), "store must be untouched")
	assert.Empty(t, drainOutputs(h.persist), "nothing may be emitted")
}

func longWithTakeProfit(tp uint64) testutil.PositionSpec {
	return testutil.PositionSpec{Side: state.SideLong, EntryPrice: 40_000_000, TakeProfit: state.SomeLimit(tp)}
}

// ============================================================================
// Test: Trigger settlement
// ============================================================================

func TestTrigger_TakeProfitClosesAndSettles(t *testing.T) {
	h := newHarness(t)
	p := h.m.OpenPosition(t, longWithTakeProfit(200_000_000))
	req := h.triggerRequest(p, 50_000_000)

	res, err := h.engine.TriggerPosition(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.TakeProfitTriggered)
	assert.False(t, res.StopLossTriggered)
	assert.Equal(t, uint64(50_000_000), res.ExitPrice)
	assert.Equal(t, uint64(6_980_000_000), res.TransferAmount)
	assert.Equal(t, uint64(20_000_000), res.FeeAmount)
	assert.Equal(t, uint64(4_000_000), res.ProtocolFee)
	assert.Equal(t, uint64(249_000_000), res.ProfitUSD)
	assert.Zero(t, res.LossUSD)
	assert.Equal(t, int64(1), res.Sequence)

	// Tokens moved from the custody to the owner.
	assert.Equal(t, uint64(6_980_000_000), h.m.Balance(p.Receiving))
	assert.Equal(t, uint64(95_520_000_000), h.m.Balance(h.m.CustodyToken))

	c := h.m.CustodyState(t)
	assert.Equal(t, uint64(95_520_000_000), c.Assets.Owned.Uint64(), "owned shrinks by transfer minus collateral")
	assert.Zero(t, c.Assets.Collateral.Uint64())
	assert.Zero(t, c.Assets.Locked.Uint64())
	assert.Equal(t, uint64(4_000_000), c.Assets.ProtocolFees.Uint64())
	assert.Equal(t, uint64(1_000_000), c.CollectedFees.ClosePositionUSD.Uint64())
	assert.Equal(t, testutil.PositionSizeUSD, c.VolumeStats.ClosePositionUSD.Uint64())
	assert.Zero(t, c.TradeStats.OILongUSD.Uint64())
	assert.Equal(t, uint64(249_000_000), c.TradeStats.ProfitUSD.Uint64())
	assert.Zero(t, c.LongPositions.OpenPositions.Uint64())
	assert.Zero(t, c.LongPositions.LockedAmount.Uint64())

	// The position is gone and its rent went to the signer.
	_, ok := h.m.DB.GetAccount(p.Key)
	assert.False(t, ok)
	signer, ok := h.m.DB.GetAccount(req.Signer)
	require.True(t, ok)
	assert.Equal(t, ledger.MinimumBalance(state.PositionLen), signer.Lamports)

	outputs := drainOutputs(h.persist)
	require.Len(t, outputs, 1)
	out := outputs[0]
	assert.Equal(t, int64(1), out.Envelope.Sequence)
	assert.Equal(t, event.EventTypePositionTriggered, out.Envelope.EventType)
	assert.Equal(t, core.NewStateHasher().GetPrevHash(), out.Envelope.PrevHash)
	require.NotNil(t, out.Batch)
	require.Len(t, out.Batch.Journals, 1)
	j := out.Batch.Journals[0]
	assert.Equal(t, uint64(6_980_000_000), j.Amount)
	assert.Equal(t, h.m.CustodyToken, j.CreditAccount)
	assert.Equal(t, p.Receiving, j.DebitAccount)
	assert.Equal(t, ledger.TransferAuthorityAddress(h.m.Program), j.Authority)
	assert.Equal(t, out.Envelope.IdempotencyKey, j.EventRef)
	assert.Equal(t, int64(1), j.Sequence)

	evt, err := event.Decode(out.Envelope.EventType, out.Envelope.Payload)
	require.NoError(t, err)
	triggered := evt.(*event.PositionTriggered)
	assert.Equal(t, p.Owner, triggered.Owner)
	assert.Equal(t, "long", triggered.Side)
	assert.True(t, triggered.TakeProfitTriggered)
}

func TestTrigger_StopLossPaysNothingBack(t *testing.T) {
	h := newHarness(t)
	p := h.m.OpenPosition(t, testutil.PositionSpec{
		Side: state.SideLong, EntryPrice: 40_000_000, StopLoss: state.SomeLimit(250_000_000),
	})
	h.m.SetPrice(t, 30_000_000)

	res, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 30_000_000))
	require.NoError(t, err)
	assert.True(t, res.StopLossTriggered)
	assert.Equal(t, uint64(251_000_000), res.LossUSD)
	assert.Equal(t, uint64(33_333_334), res.FeeAmount)
	assert.Zero(t, res.TransferAmount)

	c := h.m.CustodyState(t)
	assert.Equal(t, testutil.InitialOwned+testutil.PositionCollateralAmount, c.Assets.Owned.Uint64(),
		"the whole collateral stays with the custody")
	assert.Equal(t, uint64(251_000_000), c.TradeStats.LossUSD.Uint64())
	assert.Zero(t, h.m.Balance(p.Receiving))

	outputs := drainOutputs(h.persist)
	require.Len(t, outputs, 1)
	assert.Nil(t, outputs[0].Batch, "no token movement, no batch")
}

func TestTrigger_OwnedMovesByTransferMinusCollateral(t *testing.T) {
	tests := []struct {
		name      string
		price     uint64
		limit     state.Limit
		wantOwned uint64
	}{
		// collateral 2.5 tokens, transfer 6.98 tokens
		{"transfer above collateral", 50_000_000, state.SomeLimit(1), testutil.InitialOwned - 4_480_000_000},
		// 100 USD collateral less 1 USD fee at $40 returns 2.475 tokens
		{"transfer below collateral", 40_000_000, state.Limit{}, testutil.InitialOwned + 25_000_000},
		// 1000 USD short of entry plus fee wipes out the collateral, nothing leaves
		{"nothing transferred", 20_000_000, state.Limit{}, testutil.InitialOwned + testutil.PositionCollateralAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			spec := testutil.PositionSpec{Side: state.SideLong, EntryPrice: 40_000_000, TakeProfit: tt.limit}
			if !tt.limit.IsSet() {
				spec.StopLoss = state.SomeLimit(0)
			}
			p := h.m.OpenPosition(t, spec)
			h.m.SetPrice(t, tt.price)

			_, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, tt.price))
			require.NoError(t, err)
			assert.Equal(t, tt.wantOwned, h.m.CustodyState(t).Assets.Owned.Uint64())
		})
	}
}

func TestTrigger_LimitNotReachedChangesNothing(t *testing.T) {
	h := newHarness(t)
	p := h.m.OpenPosition(t, testutil.PositionSpec{
		Side: state.SideLong, EntryPrice: 40_000_000,
		StopLoss: state.SomeLimit(300_000_000), TakeProfit: state.SomeLimit(1_000_000_000),
	})
	h.m.SetPrice(t, 30_000_000)

	h.requireUnchanged(t, func() {
		_, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 30_000_000))
		require.ErrorIs(t, err, errs.ErrLimitNotTriggered)
	})
}

func TestTrigger_NoLimitsNeverTriggers(t *testing.T) {
	h := newHarness(t)
	p := h.m.OpenPosition(t, testutil.PositionSpec{Side: state.SideLong, EntryPrice: 40_000_000})

	_, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 50_000_000))
	require.ErrorIs(t, err, errs.ErrLimitNotTriggered)
}

// ============================================================================
// Test: Preconditions
// ============================================================================

func TestTrigger_SlippageIsSymmetric(t *testing.T) {
	t.Run("long must not exit below the hint", func(t *testing.T) {
		h := newHarness(t)
		p := h.m.OpenPosition(t, longWithTakeProfit(1))

		h.requireUnchanged(t, func() {
			_, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 50_000_001))
			require.ErrorIs(t, err, errs.ErrMaxPriceSlippage)
		})
		_, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 50_000_000))
		require.NoError(t, err)
	})

	t.Run("short must not exit above the hint", func(t *testing.T) {
		h := newHarness(t)
		p := h.m.OpenPosition(t, testutil.PositionSpec{
			Side: state.SideShort, EntryPrice: 40_000_000, StopLoss: state.SomeLimit(100_000_000),
		})

		h.requireUnchanged(t, func() {
			_, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 49_999_999))
			require.ErrorIs(t, err, errs.ErrMaxPriceSlippage)
		})
		res, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 50_000_000))
		require.NoError(t, err)
		assert.True(t, res.StopLossTriggered)
		assert.Zero(t, h.m.CustodyState(t).TradeStats.OIShortUSD.Uint64())
	})
}

func TestTrigger_SlippageCheckedBeforeSettlementMath(t *testing.T) {
	h := newHarness(t)
	p := h.m.OpenPosition(t, longWithTakeProfit(1))
	// Accrued interest too large for the settlement to price.
	h.m.UpdateCustody(t, func(c *state.Custody) {
		c.BorrowRateState.CumulativeInterest = *new(uint256.Int).Lsh(uint256.NewInt(1), 120)
	})

	h.requireUnchanged(t, func() {
		_, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 50_000_001))
		require.ErrorIs(t, err, errs.ErrMaxPriceSlippage)
		require.NotErrorIs(t, err, errs.ErrMathOverflow)

		_, err = h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 50_000_000))
		require.ErrorIs(t, err, errs.ErrMathOverflow)
	})
}

func TestTrigger_Permissions(t *testing.T) {
	h := newHarness(t)
	p := h.m.OpenPosition(t, longWithTakeProfit(1))

	h.m.UpdateCustody(t, func(c *state.Custody) { c.Permissions.AllowClosePosition = false })
	h.requireUnchanged(t, func() {
		_, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 50_000_000))
		require.ErrorIs(t, err, errs.ErrInstructionNotAllowed)
	})

	h.m.UpdateCustody(t, func(c *state.Custody) { c.Permissions.AllowClosePosition = true })
	_, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 0))
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestTrigger_StaleOracleRejected(t *testing.T) {
	h := newHarness(t)
	p := h.m.OpenPosition(t, longWithTakeProfit(1))
	h.m.Clock.Set(testutil.MarketStartTime + 61)

	h.requireUnchanged(t, func() {
		_, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 50_000_000))
		require.ErrorIs(t, err, errs.ErrStaleOrInvalidPrice)
	})
}

func TestTrigger_SecondTriggerFindsNoPosition(t *testing.T) {
	h := newHarness(t)
	p := h.m.OpenPosition(t, longWithTakeProfit(1))

	_, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 50_000_000))
	require.NoError(t, err)
	drainOutputs(h.persist)

	h.requireUnchanged(t, func() {
		_, err = h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 50_000_000))
		require.ErrorIs(t, err, errs.ErrAccountNotFound)
	})
}

func TestTrigger_ReceivingAccountChecks(t *testing.T) {
	h := newHarness(t)
	p := h.m.OpenPosition(t, longWithTakeProfit(1))
	other := h.m.OpenPosition(t, longWithTakeProfit(1))

	req := h.triggerRequest(p, 50_000_000)
	req.Receiving = other.Receiving
	_, err := h.engine.TriggerPosition(context.Background(), req)
	require.ErrorIs(t, err, errs.ErrInvalidOwner)

	foreign := ledger.TokenAccount{Key: ledger.NewUniquePubkey(), Mint: ledger.NewUniquePubkey(), Owner: p.Owner}
	require.NoError(t, h.m.DB.OpenTokenAccount(foreign))
	req.Receiving = foreign.Key
	_, err = h.engine.TriggerPosition(context.Background(), req)
	require.ErrorIs(t, err, errs.ErrInvalidMint)
}

func TestTrigger_WrongPoolRejected(t *testing.T) {
	h := newHarness(t)
	p := h.m.OpenPosition(t, longWithTakeProfit(1))
	other := ledger.PoolAddress(h.m.Program, "other")
	h.m.DB.PutPool(other, &state.Pool{Name: "other", Custodies: []ledger.Pubkey{h.m.Custody}})

	req := h.triggerRequest(p, 50_000_000)
	req.Pool = other
	_, err := h.engine.TriggerPosition(context.Background(), req)
	require.ErrorIs(t, err, errs.ErrInvalidDerivation)
}

// ============================================================================
// Test: Unlock then liquidity check
// ============================================================================

func TestTrigger_UnlockMismatchAborts(t *testing.T) {
	h := newHarness(t)
	p := h.m.OpenPosition(t, longWithTakeProfit(1))
	h.m.UpdateCustody(t, func(c *state.Custody) { c.Assets.Locked = 1 })

	h.requireUnchanged(t, func() {
		_, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 50_000_000))
		require.ErrorIs(t, err, errs.ErrMathOverflow)
	})
}

func TestTrigger_InsufficientLiquidityLeavesFundsLocked(t *testing.T) {
	h := newHarness(t)
	p := h.m.OpenPosition(t, longWithTakeProfit(1))
	// 2 + 2.5 - 0 tokens available after the unlock, 6.98 needed.
	h.m.UpdateCustody(t, func(c *state.Custody) { c.Assets.Owned = 2_000_000_000 })

	h.requireUnchanged(t, func() {
		_, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 50_000_000))
		require.ErrorIs(t, err, errs.ErrCustodyAmountLimit)
	})
	assert.Equal(t, testutil.PositionLockedAmount, h.m.CustodyState(t).Assets.Locked.Uint64())
}

// ============================================================================
// Test: Limit updates and preview
// ============================================================================

func TestUpdatePositionLimits(t *testing.T) {
	h := newHarness(t)
	p := h.m.OpenPosition(t, testutil.PositionSpec{Side: state.SideLong, EntryPrice: 40_000_000})
	before, _ := h.m.DB.GetAccount(p.Key)

	req := h.m.SignLimits(t, p, state.SomeLimit(10_000_000), state.SomeLimit(20_000_000))
	seq, err := h.engine.UpdatePositionLimits(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	after, _ := h.m.DB.GetAccount(p.Key)
	require.Len(t, after.Data, state.PositionLen)
	oldPos, err := state.DecodePosition(before.Data)
	require.NoError(t, err)
	newPos, err := state.DecodePosition(after.Data)
	require.NoError(t, err)
	assert.Equal(t, state.SomeLimit(10_000_000), newPos.StopLoss)
	assert.Equal(t, state.SomeLimit(20_000_000), newPos.TakeProfit)
	newPos.StopLoss, newPos.TakeProfit = oldPos.StopLoss, oldPos.TakeProfit
	assert.Equal(t, oldPos, newPos, "no other field changes")

	req.Owner = ledger.NewUniquePubkey()
	h.requireUnchanged(t, func() {
		_, err = h.engine.UpdatePositionLimits(context.Background(), req)
		require.ErrorIs(t, err, errs.ErrInvalidOwner)
	})
}

func TestUpdatePositionLimits_RequiresOwnerSignature(t *testing.T) {
	h := newHarness(t)
	p := h.m.OpenPosition(t, testutil.PositionSpec{
		Side: state.SideLong, EntryPrice: 40_000_000, StopLoss: state.SomeLimit(50_000_000),
	})
	attacker, err := ledger.NewKeypair()
	require.NoError(t, err)

	t.Run("owner named without a signature", func(t *testing.T) {
		req := h.m.SignLimits(t, p, state.Limit{}, state.SomeLimit(1))
		req.Signature = nil
		h.requireUnchanged(t, func() {
			_, err := h.engine.UpdatePositionLimits(context.Background(), req)
			require.ErrorIs(t, err, errs.ErrInvalidSignature)
		})
	})

	t.Run("signed by another key", func(t *testing.T) {
		forged := p
		forged.OwnerKey = attacker
		req := h.m.SignLimits(t, forged, state.Limit{}, state.SomeLimit(1))
		req.Owner = p.Owner
		h.requireUnchanged(t, func() {
			_, err := h.engine.UpdatePositionLimits(context.Background(), req)
			require.ErrorIs(t, err, errs.ErrInvalidSignature)
		})
	})

	t.Run("limits differ from what was signed", func(t *testing.T) {
		req := h.m.SignLimits(t, p, state.SomeLimit(50_000_000), state.SomeLimit(900_000_000))
		req.TakeProfit = state.SomeLimit(1)
		h.requireUnchanged(t, func() {
			_, err := h.engine.UpdatePositionLimits(context.Background(), req)
			require.ErrorIs(t, err, errs.ErrInvalidSignature)
		})
	})

	t.Run("deadline passed", func(t *testing.T) {
		req := h.m.SignLimits(t, p, state.Limit{}, state.SomeLimit(1))
		req.Deadline = h.m.Clock.Now() - 1
		h.requireUnchanged(t, func() {
			_, err := h.engine.UpdatePositionLimits(context.Background(), req)
			require.ErrorIs(t, err, errs.ErrSignatureExpired)
		})
	})

	pos, err := state.DecodePosition(mustAccount(t, h, p.Key).Data)
	require.NoError(t, err)
	assert.Equal(t, state.SomeLimit(50_000_000), pos.StopLoss)
	assert.False(t, pos.TakeProfit.IsSet())
}

func TestUpdatePositionLimits_SignatureAppliesOnce(t *testing.T) {
	h := newHarness(t)
	p := h.m.OpenPosition(t, testutil.PositionSpec{Side: state.SideLong, EntryPrice: 40_000_000})

	loosen := h.m.SignLimits(t, p, state.Limit{}, state.SomeLimit(100_000_000))
	_, err := h.engine.UpdatePositionLimits(context.Background(), loosen)
	require.NoError(t, err)
	drainOutputs(h.persist)

	// The signed prior limits no longer match the position.
	h.requireUnchanged(t, func() {
		_, err = h.engine.UpdatePositionLimits(context.Background(), loosen)
		require.ErrorIs(t, err, errs.ErrInvalidSignature)
	})

	tighten := h.m.SignLimits(t, p, state.SomeLimit(7), state.SomeLimit(100_000_000))
	h.m.Clock.Set(tighten.Deadline + 1)
	h.requireUnchanged(t, func() {
		_, err = h.engine.UpdatePositionLimits(context.Background(), tighten)
		require.ErrorIs(t, err, errs.ErrSignatureExpired)
	})
}

func mustAccount(t *testing.T, h *harness, key ledger.Pubkey) *ledger.Account {
	t.Helper()
	acc, ok := h.m.DB.GetAccount(key)
	require.True(t, ok, "account %s", key)
	return acc
}

func TestUpdatePositionLimits_ClearsAndEnablesTrigger(t *testing.T) {
	h := newHarness(t)
	p := h.m.OpenPosition(t, testutil.PositionSpec{Side: state.SideLong, EntryPrice: 40_000_000})

	_, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 50_000_000))
	require.ErrorIs(t, err, errs.ErrLimitNotTriggered)

	_, err = h.engine.UpdatePositionLimits(context.Background(),
		h.m.SignLimits(t, p, state.Limit{}, state.SomeLimit(100_000_000)))
	require.NoError(t, err)

	res, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 50_000_000))
	require.NoError(t, err)
	assert.True(t, res.TakeProfitTriggered)
}

func TestPreviewClose_ReadOnly(t *testing.T) {
	h := newHarness(t)
	p := h.m.OpenPosition(t, longWithTakeProfit(200_000_000))

	var preview *core.ClosePreview
	h.requireUnchanged(t, func() {
		var err error
		preview, err = h.engine.PreviewClose(context.Background(), p.Key)
		require.NoError(t, err)
	})
	assert.True(t, preview.Triggered())
	assert.True(t, preview.CloseAllowed)
	assert.Equal(t, uint64(6_980_000_000), preview.TransferAmount)
	assert.Equal(t, uint64(50_000_000), preview.ExitPrice)
}

// ============================================================================
// Test: Hash chain, snapshot and replay
// ============================================================================

func TestOutputs_ChainHashes(t *testing.T) {
	h := newHarness(t)
	a := h.m.OpenPosition(t, longWithTakeProfit(1))
	b := h.m.OpenPosition(t, longWithTakeProfit(1))

	_, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(a, 50_000_000))
	require.NoError(t, err)
	_, err = h.engine.TriggerPosition(context.Background(), h.triggerRequest(b, 50_000_000))
	require.NoError(t, err)

	outputs := drainOutputs(h.persist)
	require.Len(t, outputs, 2)
	assert.Equal(t, int64(2), outputs[1].Envelope.Sequence)
	assert.Equal(t, outputs[0].Envelope.StateHash, outputs[1].Envelope.PrevHash)
	assert.NotEqual(t, outputs[0].Envelope.StateHash, outputs[1].Envelope.StateHash)
	assert.Equal(t, int64(2), h.engine.LastSequence())
}

func TestSnapshotPlusDeltasRebuildsStore(t *testing.T) {
	h := newHarness(t)
	p := h.m.OpenPosition(t, longWithTakeProfit(1))
	q := h.m.OpenPosition(t, testutil.PositionSpec{Side: state.SideLong, EntryPrice: 40_000_000})
	snap := h.engine.Snapshot()
	assert.Equal(t, int64(0), snap.Sequence)

	_, err := h.engine.TriggerPosition(context.Background(), h.triggerRequest(p, 50_000_000))
	require.NoError(t, err)
	_, err = h.engine.UpdatePositionLimits(context.Background(), h.m.SignLimits(t, q, state.SomeLimit(5), state.Limit{}))
	require.NoError(t, err)

	replica := core.NewAccountsDB(h.m.Program, core.NewManualClock(testutil.MarketStartTime))
	require.NoError(t, replica.Restore(snap))
	for _, out := range drainOutputs(h.persist) {
		var delta core.StateDelta
		require.NoError(t, json.Unmarshal(out.StateDelta, &delta))
		require.NoError(t, replica.ApplyDelta(&delta))
	}
	assert.Equal(t, h.m.DB.Snapshot(), replica.Snapshot())
}
