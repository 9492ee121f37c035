package state

import (
	"PerpCustody/internal/ledger"
	fpmath "PerpCustody/internal/math"
	"PerpCustody/internal/oracle"
)

// Pool aggregates custodies and owns the pricing formulas.
type Pool struct {
	Name          string          `json:"name"`
	Custodies     []ledger.Pubkey `json:"custodies"`
	InceptionTime int64           `json:"inception_time"`
}

func (p *Pool) Clone() *Pool {
	c := *p
	c.Custodies = append([]ledger.Pubkey(nil), p.Custodies...)
	return &c
}

func (p *Pool) HasCustody(key ledger.Pubkey) bool {
	for _, c := range p.Custodies {
		if c == key {
			return true
		}
	}
	return false
}

// GetFeeAmount is fee bps of amount, rounded up.
func GetFeeAmount(feeBps, amount uint64) (uint64, error) {
	if feeBps == 0 || amount == 0 {
		return 0, nil
	}
	return fpmath.CheckedMulCeilDiv(amount, feeBps, fpmath.BPSPower)
}

// getPrice quotes a trade on side: buyers pay the higher of spot and EMA plus
// spread, sellers receive the lower minus spread.
func getPrice(tokenPrice, emaPrice oracle.OraclePrice, side Side, spreadBps uint64) (oracle.OraclePrice, error) {
	if side == SideLong {
		base := oracle.Max(tokenPrice, emaPrice)
		v, err := fpmath.CheckedMulDiv(base.Price, fpmath.BPSPower+spreadBps, fpmath.BPSPower)
		if err != nil {
			return oracle.OraclePrice{}, err
		}
		return oracle.NewPrice(v, base.Exponent), nil
	}

	base := oracle.Min(tokenPrice, emaPrice)
	if spreadBps >= fpmath.BPSPower {
		return oracle.NewPrice(0, base.Exponent), nil
	}
	v, err := fpmath.CheckedMulDiv(base.Price, fpmath.BPSPower-spreadBps, fpmath.BPSPower)
	if err != nil {
		return oracle.OraclePrice{}, err
	}
	return oracle.NewPrice(v, base.Exponent), nil
}

// GetExitPrice is the price a position of the given side closes at, with
// PriceDecimals precision. Closing a long sells, closing a short buys.
func (p *Pool) GetExitPrice(tokenPrice, emaPrice oracle.OraclePrice, side Side, c *Custody) (uint64, error) {
	closeSide, spread := SideLong, c.Pricing.TradeSpreadLong
	if side == SideLong {
		closeSide, spread = SideShort, c.Pricing.TradeSpreadShort
	}
	price, err := getPrice(tokenPrice, emaPrice, closeSide, spread)
	if err != nil {
		return 0, err
	}
	scaled, err := price.ScaleToExponent(-fpmath.PriceDecimals)
	if err != nil {
		return 0, err
	}
	return scaled.Price, nil
}

// GetExitFee is the close fee in tokens for a position of size tokens.
func (p *Pool) GetExitFee(size uint64, c *Custody) (uint64, error) {
	return GetFeeAmount(c.Fees.ClosePosition, size)
}

// GetPnlUSD returns profit and loss in USD and the exit fee in tokens. Loss
// includes the exit fee, accrued interest and the unrealized loss snapshot.
func (p *Pool) GetPnlUSD(pos *Position, tokenPrice, emaPrice oracle.OraclePrice, c *Custody, now int64, liquidation bool) (profitUSD, lossUSD, exitFee uint64, err error) {
	if pos.SizeUSD == 0 || pos.Price == 0 {
		return 0, 0, 0, nil
	}

	exitPrice, err := p.GetExitPrice(tokenPrice, emaPrice, pos.Side, c)
	if err != nil {
		return 0, 0, 0, err
	}

	size, err := emaPrice.TokenAmount(pos.SizeUSD, c.Decimals)
	if err != nil {
		return 0, 0, 0, err
	}
	if liquidation {
		exitFee, err = GetFeeAmount(c.Fees.Liquidation, size)
	} else {
		exitFee, err = p.GetExitFee(size, c)
	}
	if err != nil {
		return 0, 0, 0, err
	}

	exitFeeUSD, err := emaPrice.AssetAmountUSD(exitFee, c.Decimals)
	if err != nil {
		return 0, 0, 0, err
	}
	interestUSD, err := c.InterestAmountUSD(pos, now)
	if err != nil {
		return 0, 0, 0, err
	}
	unrealizedLoss, err := fpmath.CheckedAdd(exitFeeUSD, interestUSD)
	if err == nil {
		unrealizedLoss, err = fpmath.CheckedAdd(unrealizedLoss, pos.UnrealizedLossUSD)
	}
	if err != nil {
		return 0, 0, 0, err
	}

	var gain, drop uint64
	switch {
	case pos.Side == SideLong && exitPrice > pos.Price:
		gain = exitPrice - pos.Price
	case pos.Side == SideLong:
		drop = pos.Price - exitPrice
	case exitPrice < pos.Price:
		gain = pos.Price - exitPrice
	default:
		drop = exitPrice - pos.Price
	}

	if gain > 0 {
		potential, err := fpmath.CheckedMulDiv(pos.SizeUSD, gain, pos.Price)
		if err != nil {
			return 0, 0, 0, err
		}
		if potential, err = fpmath.CheckedAdd(potential, pos.UnrealizedProfitUSD); err != nil {
			return 0, 0, 0, err
		}
		if potential < unrealizedLoss {
			return 0, unrealizedLoss - potential, exitFee, nil
		}

		profit := potential - unrealizedLoss
		var maxProfit uint64
		if now > pos.OpenTime {
			maxProfit, err = oracle.Min(tokenPrice, emaPrice).AssetAmountUSD(pos.LockedAmount, c.Decimals)
			if err != nil {
				return 0, 0, 0, err
			}
		}
		return min(profit, maxProfit), 0, exitFee, nil
	}

	potentialLoss, err := fpmath.CheckedMulDiv(pos.SizeUSD, drop, pos.Price)
	if err != nil {
		return 0, 0, 0, err
	}
	if potentialLoss, err = fpmath.CheckedAdd(potentialLoss, unrealizedLoss); err != nil {
		return 0, 0, 0, err
	}
	return 0, potentialLoss, exitFee, nil
}

// GetCloseAmount returns the tokens paid out on close, the fee in tokens and
// the realized profit and loss in USD. The payout is capped at what the
// position locked plus its collateral.
func (p *Pool) GetCloseAmount(pos *Position, tokenPrice, emaPrice oracle.OraclePrice, c *Custody, now int64, liquidation bool) (transfer, fee, profitUSD, lossUSD uint64, err error) {
	profitUSD, lossUSD, fee, err = p.GetPnlUSD(pos, tokenPrice, emaPrice, c, now, liquidation)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	var availableUSD uint64
	switch {
	case profitUSD > 0:
		if availableUSD, err = fpmath.CheckedAdd(pos.CollateralUSD, profitUSD); err != nil {
			return 0, 0, 0, 0, err
		}
	case lossUSD < pos.CollateralUSD:
		availableUSD = pos.CollateralUSD - lossUSD
	}

	closeAmount, err := oracle.Max(tokenPrice, emaPrice).TokenAmount(availableUSD, c.Decimals)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	maxAmount, err := fpmath.CheckedAdd(pos.LockedAmount, pos.CollateralAmount)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return min(maxAmount, closeAmount), fee, profitUSD, lossUSD, nil
}

// CheckAvailableAmount reports whether the custody can pay amount out of its
// owned assets and collateral not reserved by open positions.
func (p *Pool) CheckAvailableAmount(amount uint64, c *Custody) (bool, error) {
	total, err := fpmath.CheckedAdd(c.Assets.Owned.Uint64(), c.Assets.Collateral.Uint64())
	if err != nil {
		return false, err
	}
	available, err := fpmath.CheckedSub(total, c.Assets.Locked.Uint64())
	if err != nil {
		return false, err
	}
	return available >= amount, nil
}
