package state_test

import (
	"bytes"
	"testing"

	"PerpCustody/internal/codec"
	"PerpCustody/internal/errs"
	"PerpCustody/internal/ledger"
	"PerpCustody/internal/oracle"
	"PerpCustody/internal/state"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePosition() *state.Position {
	return &state.Position{
		Owner:                      ledger.NewUniquePubkey(),
		Pool:                       ledger.NewUniquePubkey(),
		Custody:                    ledger.NewUniquePubkey(),
		OpenTime:                   100,
		UpdateTime:                 150,
		Side:                       state.SideLong,
		Price:                      40_000_000, // $40
		SizeUSD:                    1_000_000_000,
		CollateralUSD:              100_000_000,
		UnrealizedProfitUSD:        7,
		UnrealizedLossUSD:          0,
		CumulativeInterestSnapshot: *new(uint256.Int).Lsh(uint256.NewInt(1), 100),
		LockedAmount:               25_000_000_000,
		CollateralAmount:           2_500_000_000,
		StopLoss:                   state.SomeLimit(50_000_000),
		Bump:                       254,
	}
}

func sampleCustody() *state.Custody {
	return &state.Custody{
		Decimals: 9,
		Fees:     state.Fees{ClosePosition: 10, Liquidation: 50, ProtocolShare: 2_000},
	}
}

// ============================================================================
// Test: Limit
// ============================================================================

func TestLimit_Reached(t *testing.T) {
	var unset state.Limit
	assert.False(t, unset.IsSet())
	assert.False(t, unset.Reached(^uint64(0)), "unset limit is never reached")
	assert.Nil(t, unset.Ptr())

	l := state.SomeLimit(5)
	assert.True(t, l.Reached(5))
	assert.True(t, l.Reached(6))
	assert.False(t, l.Reached(4))

	zero := state.SomeLimit(0)
	assert.True(t, zero.Reached(0), "Some(0) is reached by any amount")

	v := uint64(9)
	assert.Equal(t, state.SomeLimit(9), state.LimitFromPtr(&v))
	assert.Equal(t, state.Limit{}, state.LimitFromPtr(nil))
}

// ============================================================================
// Test: Position layout
// ============================================================================

func TestPosition_InitialLeverage(t *testing.T) {
	p := &state.Position{SizeUSD: 10_000, CollateralUSD: 1_000}
	lev, err := p.GetInitialLeverage()
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), lev)

	_, err = (&state.Position{SizeUSD: 1}).GetInitialLeverage()
	assert.ErrorIs(t, err, errs.ErrMathOverflow)
}

func TestPosition_RoundTrip(t *testing.T) {
	p := samplePosition()
	p.TakeProfit = state.SomeLimit(0)

	data, err := state.NewPositionAccountData(p)
	require.NoError(t, err)
	require.Len(t, data, state.PositionLen)

	got, err := state.DecodePosition(data)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestDecodePosition_RejectsForeignData(t *testing.T) {
	_, err := state.DecodePosition(make([]byte, state.PositionLen))
	assert.ErrorIs(t, err, errs.ErrInvalidAccountData)

	data, err := state.NewPositionAccountData(samplePosition())
	require.NoError(t, err)
	_, err = state.DecodePosition(data[:40])
	assert.ErrorIs(t, err, errs.ErrInvalidAccountData)
}

func TestSerializeInto_LeavesTailAndRejectsShortBuffer(t *testing.T) {
	p := samplePosition()
	buf := bytes.Repeat([]byte{0xAB}, state.PositionLen)
	require.NoError(t, p.SerializeInto(buf))
	assert.Equal(t, byte(0xAB), buf[state.PositionLen-1], "padding beyond the record is untouched")

	p.TakeProfit = state.SomeLimit(1)
	small := make([]byte, state.DeprecatedPositionLen)
	err := p.SerializeInto(small)
	assert.ErrorIs(t, err, codec.ErrWriteZero)
	assert.Equal(t, make([]byte, state.DeprecatedPositionLen), small)
}

func TestDeprecatedPosition_UpgradePreservesFields(t *testing.T) {
	cur := samplePosition()
	old := &state.DeprecatedPosition{
		Owner:                      cur.Owner,
		Pool:                       cur.Pool,
		Custody:                    cur.Custody,
		OpenTime:                   cur.OpenTime,
		UpdateTime:                 cur.UpdateTime,
		Side:                       cur.Side,
		Price:                      cur.Price,
		SizeUSD:                    cur.SizeUSD,
		CollateralUSD:              cur.CollateralUSD,
		UnrealizedProfitUSD:        cur.UnrealizedProfitUSD,
		UnrealizedLossUSD:          cur.UnrealizedLossUSD,
		CumulativeInterestSnapshot: cur.CumulativeInterestSnapshot,
		LockedAmount:               cur.LockedAmount,
		CollateralAmount:           cur.CollateralAmount,
		Bump:                       cur.Bump,
	}

	data, err := state.NewDeprecatedPositionAccountData(old)
	require.NoError(t, err)
	require.Len(t, data, state.DeprecatedPositionLen)

	decoded, err := state.DecodeDeprecatedPositionUnchecked(data)
	require.NoError(t, err)
	assert.Equal(t, old, decoded)

	up := decoded.Upgrade()
	cur.StopLoss = state.Limit{}
	assert.Equal(t, cur, up)
	assert.False(t, up.StopLoss.IsSet())
	assert.False(t, up.TakeProfit.IsSet())
}

// ============================================================================
// Test: Custody bookkeeping
// ============================================================================

func TestCustody_LockAndUnlock(t *testing.T) {
	c := sampleCustody()
	c.Assets.Owned = 100

	require.NoError(t, c.LockFunds(60))
	assert.ErrorIs(t, c.LockFunds(41), errs.ErrCustodyAmountLimit)

	require.NoError(t, c.UnlockFunds(10))
	assert.Equal(t, uint64(50), c.Assets.Locked.Uint64())

	err := c.UnlockFunds(51)
	assert.ErrorIs(t, err, errs.ErrMathOverflow)
	assert.Equal(t, uint64(50), c.Assets.Locked.Uint64(), "failed unlock leaves the counter")
}

func TestCustody_AddRemovePosition(t *testing.T) {
	c := sampleCustody()
	p := samplePosition()

	require.NoError(t, c.AddPosition(p, 0))
	assert.Equal(t, uint64(1), c.LongPositions.OpenPositions.Uint64())
	assert.Equal(t, p.SizeUSD, c.TradeStats.OILongUSD.Uint64())

	require.NoError(t, c.RemovePosition(p, 0))
	assert.Equal(t, state.PositionStats{}, c.LongPositions)

	err := c.RemovePosition(p, 0)
	assert.ErrorIs(t, err, errs.ErrMathOverflow)
}

func TestCustody_BorrowRate(t *testing.T) {
	c := sampleCustody()
	c.BorrowRate = state.BorrowRateParams{
		BaseRate:           1_000,
		Slope1:             10_000,
		Slope2:             100_000,
		OptimalUtilization: 800_000_000,
	}
	c.Assets.Owned = 1_000
	c.Assets.Locked = 400

	require.NoError(t, c.UpdateBorrowRate(1_000))
	assert.Equal(t, uint64(6_000), c.BorrowRateState.CurrentRate)
	assert.Equal(t, int64(1_000), c.BorrowRateState.LastUpdate)

	cum, err := c.CumulativeInterest(1_000 + 3_600)
	require.NoError(t, err)
	assert.Equal(t, uint64(6_000), cum.Uint64())

	c.Assets.Locked = 900
	require.NoError(t, c.UpdateBorrowRate(1_000+3_600))
	assert.Equal(t, uint64(61_000), c.BorrowRateState.CurrentRate)
	assert.Equal(t, uint64(6_000), c.BorrowRateState.CumulativeInterest.Uint64())
}

// ============================================================================
// Test: Pool pricing
// ============================================================================

func TestGetFeeAmount_RoundsUp(t *testing.T) {
	tests := []struct {
		fee, amount, want uint64
	}{
		{0, 1_000, 0},
		{10, 0, 0},
		{10, 1, 1},
		{30, 1_000_000, 3_000},
		{10, 20_000_000_000, 20_000_000},
	}
	for _, tt := range tests {
		got, err := state.GetFeeAmount(tt.fee, tt.amount)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "fee %d on %d", tt.fee, tt.amount)
	}
}

func TestGetExitPrice_SpreadBySide(t *testing.T) {
	pool := &state.Pool{}
	c := sampleCustody()
	c.Pricing = state.PricingParams{TradeSpreadLong: 100, TradeSpreadShort: 100}
	spot := oracle.NewPrice(100_000_000, -6)
	ema := oracle.NewPrice(102_000_000, -6)

	long, err := pool.GetExitPrice(spot, ema, state.SideLong, c)
	require.NoError(t, err)
	assert.Equal(t, uint64(99_000_000), long, "long exits at min(spot, ema) less spread")

	short, err := pool.GetExitPrice(spot, ema, state.SideShort, c)
	require.NoError(t, err)
	assert.Equal(t, uint64(103_020_000), short, "short exits at max(spot, ema) plus spread")

	c.Pricing.TradeSpreadShort = 10_000
	zero, err := pool.GetExitPrice(spot, ema, state.SideLong, c)
	require.NoError(t, err)
	assert.Zero(t, zero)
}

func TestGetExitPrice_RescalesExponent(t *testing.T) {
	p := oracle.NewPrice(5_000_000_000, -8)
	got, err := (&state.Pool{}).GetExitPrice(p, p, state.SideShort, sampleCustody())
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000_000), got)
}

func TestGetCloseAmount_Profit(t *testing.T) {
	pos := samplePosition()
	pos.UnrealizedProfitUSD = 0
	price := oracle.NewPrice(50_000_000, -6)

	transfer, fee, profit, loss, err := (&state.Pool{}).GetCloseAmount(pos, price, price, sampleCustody(), 200, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000_000), fee)
	assert.Equal(t, uint64(249_000_000), profit)
	assert.Zero(t, loss)
	assert.Equal(t, uint64(6_980_000_000), transfer)
}

func TestGetCloseAmount_ProfitCappedAtOpenTime(t *testing.T) {
	pos := samplePosition()
	pos.UnrealizedProfitUSD = 0
	price := oracle.NewPrice(50_000_000, -6)

	transfer, _, profit, _, err := (&state.Pool{}).GetCloseAmount(pos, price, price, sampleCustody(), pos.OpenTime, false)
	require.NoError(t, err)
	assert.Zero(t, profit)
	assert.Equal(t, uint64(2_000_000_000), transfer, "only collateral comes back")
}

func TestGetCloseAmount_LossExceedsCollateral(t *testing.T) {
	pos := samplePosition()
	pos.UnrealizedProfitUSD = 0
	price := oracle.NewPrice(30_000_000, -6)

	transfer, fee, profit, loss, err := (&state.Pool{}).GetCloseAmount(pos, price, price, sampleCustody(), 200, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(33_333_334), fee)
	assert.Zero(t, profit)
	assert.Equal(t, uint64(251_000_000), loss)
	assert.Zero(t, transfer)
}

func TestCheckAvailableAmount(t *testing.T) {
	c := sampleCustody()
	c.Assets.Owned = 100
	c.Assets.Collateral = 20
	c.Assets.Locked = 50
	pool := &state.Pool{}

	ok, err := pool.CheckAvailableAmount(70, c)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = pool.CheckAvailableAmount(71, c)
	require.NoError(t, err)
	assert.False(t, ok)
}
