// Package oracle turns published price feeds into validated prices.
package oracle

import (
	fpmath "PerpCustody/internal/math"
)

// OraclePrice is Price * 10^Exponent quote units per whole token.
type OraclePrice struct {
	Price    uint64 `json:"price"`
	Exponent int32  `json:"exponent"`
}

func NewPrice(price uint64, exponent int32) OraclePrice {
	return OraclePrice{Price: price, Exponent: exponent}
}

// AssetAmountUSD values tokenAmount (in native units of a token with the given
// decimals) in USD with USDDecimals precision.
func (p OraclePrice) AssetAmountUSD(tokenAmount uint64, decimals uint8) (uint64, error) {
	if tokenAmount == 0 || p.Price == 0 {
		return 0, nil
	}
	return fpmath.CheckedDecimalMul(tokenAmount, -int32(decimals), p.Price, p.Exponent, -fpmath.USDDecimals)
}

// TokenAmount converts a USD amount into native token units.
func (p OraclePrice) TokenAmount(amountUSD uint64, decimals uint8) (uint64, error) {
	return fpmath.CheckedDecimalDiv(amountUSD, -fpmath.USDDecimals, p.Price, p.Exponent, -int32(decimals))
}

// ScaleToExponent re-expresses the price with a different exponent, rounding down.
func (p OraclePrice) ScaleToExponent(target int32) (OraclePrice, error) {
	if target == p.Exponent {
		return p, nil
	}
	v, err := fpmath.ScaleU64(p.Price, p.Exponent, target)
	if err != nil {
		return OraclePrice{}, err
	}
	return OraclePrice{Price: v, Exponent: target}, nil
}

// Cmp compares two prices by value: -1, 0 or +1.
func (p OraclePrice) Cmp(o OraclePrice) int {
	if p.Exponent == o.Exponent {
		return cmpU64(p.Price, o.Price)
	}

	hi, lo, sign := p, o, 1
	if o.Exponent > p.Exponent {
		hi, lo, sign = o, p, -1
	}
	// hi has the larger exponent; bring it down to lo's exponent.
	scaled, err := fpmath.ScaleU64(hi.Price, hi.Exponent, lo.Exponent)
	if err != nil {
		// hi.Price * 10^diff exceeds every uint64, so hi wins unless it is zero.
		if hi.Price == 0 {
			return cmpU64(0, lo.Price) * sign
		}
		return sign
	}
	return cmpU64(scaled, lo.Price) * sign
}

func cmpU64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Max returns the larger of two prices.
func Max(a, b OraclePrice) OraclePrice {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Min returns the smaller of two prices.
func Min(a, b OraclePrice) OraclePrice {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
