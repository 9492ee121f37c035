package state

import (
	"encoding/json"
	"fmt"

	"PerpCustody/internal/errs"
	"PerpCustody/internal/ledger"
	fpmath "PerpCustody/internal/math"
	"PerpCustody/internal/oracle"

	"github.com/holiman/uint256"
)

type PricingParams struct {
	UseEMA           bool   `json:"use_ema"`
	TradeSpreadLong  uint64 `json:"trade_spread_long"` // bps
	TradeSpreadShort uint64 `json:"trade_spread_short"`
}

// Fees are in basis points.
type Fees struct {
	ClosePosition uint64 `json:"close_position"`
	Liquidation   uint64 `json:"liquidation"`
	ProtocolShare uint64 `json:"protocol_share"`
}

// BorrowRateParams are hourly rates scaled by RatePower.
type BorrowRateParams struct {
	BaseRate           uint64 `json:"base_rate"`
	Slope1             uint64 `json:"slope1"`
	Slope2             uint64 `json:"slope2"`
	OptimalUtilization uint64 `json:"optimal_utilization"`
}

type BorrowRateState struct {
	CurrentRate        uint64
	CumulativeInterest uint256.Int // u128, RatePower scale
	LastUpdate         int64
}

type borrowRateStateJSON struct {
	CurrentRate        uint64 `json:"current_rate"`
	CumulativeInterest string `json:"cumulative_interest"`
	LastUpdate         int64  `json:"last_update"`
}

func (s BorrowRateState) MarshalJSON() ([]byte, error) {
	return json.Marshal(borrowRateStateJSON{
		CurrentRate:        s.CurrentRate,
		CumulativeInterest: s.CumulativeInterest.Dec(),
		LastUpdate:         s.LastUpdate,
	})
}

func (s *BorrowRateState) UnmarshalJSON(data []byte) error {
	var raw borrowRateStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cum, err := uint256.FromDecimal(raw.CumulativeInterest)
	if err != nil {
		return fmt.Errorf("cumulative_interest: %w", err)
	}
	s.CurrentRate = raw.CurrentRate
	s.CumulativeInterest = *cum
	s.LastUpdate = raw.LastUpdate
	return nil
}

// Assets are settlement-critical balances in native token units.
type Assets struct {
	Collateral   fpmath.Checked `json:"collateral"`
	ProtocolFees fpmath.Checked `json:"protocol_fees"`
	Owned        fpmath.Checked `json:"owned"`
	Locked       fpmath.Checked `json:"locked"`
}

// FeesStats are lifetime USD totals.
type FeesStats struct {
	OpenPositionUSD  fpmath.Wrapping `json:"open_position_usd"`
	ClosePositionUSD fpmath.Wrapping `json:"close_position_usd"`
	LiquidationUSD   fpmath.Wrapping `json:"liquidation_usd"`
}

// VolumeStats are lifetime USD totals.
type VolumeStats struct {
	OpenPositionUSD  fpmath.Wrapping `json:"open_position_usd"`
	ClosePositionUSD fpmath.Wrapping `json:"close_position_usd"`
	LiquidationUSD   fpmath.Wrapping `json:"liquidation_usd"`
}

type TradeStats struct {
	ProfitUSD  fpmath.Wrapping   `json:"profit_usd"`
	LossUSD    fpmath.Wrapping   `json:"loss_usd"`
	OILongUSD  fpmath.Saturating `json:"oi_long_usd"`
	OIShortUSD fpmath.Saturating `json:"oi_short_usd"`
}

// PositionStats is the open-position index of one side.
type PositionStats struct {
	OpenPositions fpmath.Checked `json:"open_positions"`
	CollateralUSD fpmath.Checked `json:"collateral_usd"`
	SizeUSD       fpmath.Checked `json:"size_usd"`
	LockedAmount  fpmath.Checked `json:"locked_amount"`
}

// Custody is the pool-side ledger of one asset.
type Custody struct {
	Pool         ledger.Pubkey `json:"pool"`
	Mint         ledger.Pubkey `json:"mint"`
	TokenAccount ledger.Pubkey `json:"token_account"`
	Decimals     uint8         `json:"decimals"`
	IsStable     bool          `json:"is_stable"`

	Oracle      oracle.Params    `json:"oracle"`
	Pricing     PricingParams    `json:"pricing"`
	Permissions Permissions      `json:"permissions"`
	Fees        Fees             `json:"fees"`
	BorrowRate  BorrowRateParams `json:"borrow_rate"`

	Assets         Assets        `json:"assets"`
	CollectedFees  FeesStats     `json:"collected_fees"`
	VolumeStats    VolumeStats   `json:"volume_stats"`
	TradeStats     TradeStats    `json:"trade_stats"`
	LongPositions  PositionStats `json:"long_positions"`
	ShortPositions PositionStats `json:"short_positions"`

	BorrowRateState BorrowRateState `json:"borrow_rate_state"`
}

func (c *Custody) Clone() *Custody {
	cp := *c
	return &cp
}

// LockFunds reserves amount of owned assets for a position.
func (c *Custody) LockFunds(amount uint64) error {
	locked, err := fpmath.CheckedAdd(c.Assets.Locked.Uint64(), amount)
	if err != nil {
		return err
	}
	if locked > c.Assets.Owned.Uint64() {
		return fmt.Errorf("lock %d with %d owned: %w", amount, c.Assets.Owned, errs.ErrCustodyAmountLimit)
	}
	c.Assets.Locked = fpmath.Checked(locked)
	return nil
}

// UnlockFunds releases exactly what LockFunds reserved. Releasing more than is
// locked means the books disagree and fails as an overflow.
func (c *Custody) UnlockFunds(amount uint64) error {
	if err := c.Assets.Locked.Sub(amount); err != nil {
		return fmt.Errorf("unlock %d with %d locked: %w", amount, c.Assets.Locked, err)
	}
	return nil
}

func (c *Custody) positionStats(side Side) (*PositionStats, error) {
	switch side {
	case SideLong:
		return &c.LongPositions, nil
	case SideShort:
		return &c.ShortPositions, nil
	default:
		return nil, fmt.Errorf("%w: side %s", errs.ErrInvalidArgument, side)
	}
}

// AddPosition records an opened position in the side index and open interest.
func (c *Custody) AddPosition(p *Position, _ int64) error {
	stats, err := c.positionStats(p.Side)
	if err != nil {
		return err
	}
	for _, step := range []struct {
		field  *fpmath.Checked
		amount uint64
	}{
		{&stats.OpenPositions, 1},
		{&stats.CollateralUSD, p.CollateralUSD},
		{&stats.SizeUSD, p.SizeUSD},
		{&stats.LockedAmount, p.LockedAmount},
	} {
		if err := step.field.Add(step.amount); err != nil {
			return err
		}
	}
	if p.Side == SideLong {
		c.TradeStats.OILongUSD.Add(p.SizeUSD)
	} else {
		c.TradeStats.OIShortUSD.Add(p.SizeUSD)
	}
	return nil
}

// RemovePosition drops a closed position from the side index.
func (c *Custody) RemovePosition(p *Position, _ int64) error {
	stats, err := c.positionStats(p.Side)
	if err != nil {
		return err
	}
	for _, step := range []struct {
		field  *fpmath.Checked
		amount uint64
	}{
		{&stats.OpenPositions, 1},
		{&stats.CollateralUSD, p.CollateralUSD},
		{&stats.SizeUSD, p.SizeUSD},
		{&stats.LockedAmount, p.LockedAmount},
	} {
		if err := step.field.Sub(step.amount); err != nil {
			return fmt.Errorf("remove %s position: %w", p.Side, err)
		}
	}
	return nil
}

// CumulativeInterest accrues the current hourly rate up to now.
func (c *Custody) CumulativeInterest(now int64) (uint256.Int, error) {
	st := c.BorrowRateState
	if now <= st.LastUpdate || st.CurrentRate == 0 {
		return st.CumulativeInterest, nil
	}
	accrued := new(uint256.Int).Mul(uint256.NewInt(st.CurrentRate), uint256.NewInt(uint64(now-st.LastUpdate)))
	accrued.Div(accrued, uint256.NewInt(3600))
	sum, err := fpmath.CheckedAddU128(&st.CumulativeInterest, accrued)
	if err != nil {
		return uint256.Int{}, err
	}
	return *sum, nil
}

// InterestAmountUSD is the borrow interest a position owes at now.
func (c *Custody) InterestAmountUSD(p *Position, now int64) (uint64, error) {
	cum, err := c.CumulativeInterest(now)
	if err != nil {
		return 0, err
	}
	if !cum.Gt(&p.CumulativeInterestSnapshot) {
		return 0, nil
	}
	diff := new(uint256.Int).Sub(&cum, &p.CumulativeInterestSnapshot)
	diff.Mul(diff, uint256.NewInt(p.SizeUSD))
	diff.Div(diff, uint256.NewInt(fpmath.RatePower))
	return fpmath.CheckedAsU64(diff)
}

// UpdateBorrowRate settles accrued interest and reprices the hourly rate from
// the current utilization (locked / owned).
func (c *Custody) UpdateBorrowRate(now int64) error {
	if now > c.BorrowRateState.LastUpdate {
		cum, err := c.CumulativeInterest(now)
		if err != nil {
			return err
		}
		c.BorrowRateState.CumulativeInterest = cum
		c.BorrowRateState.LastUpdate = now
	}

	owned := c.Assets.Owned.Uint64()
	if owned == 0 {
		c.BorrowRateState.CurrentRate = 0
		return nil
	}

	p := c.BorrowRate
	rate := p.BaseRate
	if p.OptimalUtilization > 0 {
		utilization, err := fpmath.CheckedMulDiv(c.Assets.Locked.Uint64(), fpmath.RatePower, owned)
		if err != nil {
			return err
		}
		var inc uint64
		switch {
		case utilization < p.OptimalUtilization:
			inc, err = fpmath.CheckedMulDiv(p.Slope1, utilization, p.OptimalUtilization)
		case p.OptimalUtilization < fpmath.RatePower:
			var steep uint64
			steep, err = fpmath.CheckedMulDiv(p.Slope2, utilization-p.OptimalUtilization, fpmath.RatePower-p.OptimalUtilization)
			if err == nil {
				inc, err = fpmath.CheckedAdd(p.Slope1, steep)
			}
		default:
			inc = p.Slope1
		}
		if err != nil {
			return err
		}
		if rate, err = fpmath.CheckedAdd(rate, inc); err != nil {
			return err
		}
	}
	c.BorrowRateState.CurrentRate = rate
	return nil
}
