// internal/math/fixedpoint.go
package math

import (
	"PerpCustody/internal/errs"

	"github.com/holiman/uint256"
)

// Decimal scales used across the ledger.
const (
	BPSDecimals   = 4
	BPSPower      = uint64(10_000)
	PriceDecimals = 6
	USDDecimals   = 6
	RateDecimals  = 9
	RatePower     = uint64(1_000_000_000)
)

// maxExponent keeps 10^n * MaxUint64 inside 256 bits.
const maxExponent = 38

var pow10 [maxExponent + 1]uint256.Int

func init() {
	ten := uint256.NewInt(10)
	pow10[0].SetOne()
	for i := 1; i <= maxExponent; i++ {
		pow10[i].Mul(&pow10[i-1], ten)
	}
}

// Pow10 returns a fresh copy of 10^n.
func Pow10(n int) (*uint256.Int, error) {
	if n < 0 || n > maxExponent {
		return nil, errs.ErrMathOverflow
	}
	return new(uint256.Int).Set(&pow10[n]), nil
}

// CheckedAsU64 narrows v, failing when it does not fit.
func CheckedAsU64(v *uint256.Int) (uint64, error) {
	if !v.IsUint64() {
		return 0, errs.ErrMathOverflow
	}
	return v.Uint64(), nil
}

// FitsU128 reports whether v is representable in the 16-byte on-disk field.
func FitsU128(v *uint256.Int) bool {
	return v.BitLen() <= 128
}

// CheckedAddU128 returns a+b, failing when the sum leaves the u128 range.
func CheckedAddU128(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow || !FitsU128(sum) {
		return nil, errs.ErrMathOverflow
	}
	return sum, nil
}

// CheckedDecimalMul returns (c1*10^e1)*(c2*10^e2) in units of 10^targetExp, rounded down.
func CheckedDecimalMul(c1 uint64, e1 int32, c2 uint64, e2 int32, targetExp int32) (uint64, error) {
	if c1 == 0 || c2 == 0 {
		return 0, nil
	}
	prod := new(uint256.Int).Mul(uint256.NewInt(c1), uint256.NewInt(c2))
	return scale(prod, int(e1)+int(e2)-int(targetExp))
}

// CheckedDecimalDiv returns (c1*10^e1)/(c2*10^e2) in units of 10^targetExp, rounded down.
func CheckedDecimalDiv(c1 uint64, e1 int32, c2 uint64, e2 int32, targetExp int32) (uint64, error) {
	if c2 == 0 {
		return 0, errs.ErrMathOverflow
	}
	if c1 == 0 {
		return 0, nil
	}

	num := uint256.NewInt(c1)
	den := uint256.NewInt(c2)
	power := int(e1) - int(e2) - int(targetExp)
	if power >= 0 {
		p, err := Pow10(power)
		if err != nil {
			return 0, err
		}
		num.Mul(num, p)
	} else {
		p, err := Pow10(-power)
		if err != nil {
			return 0, err
		}
		den.Mul(den, p)
	}
	return CheckedAsU64(num.Div(num, den))
}

// ScaleU64 rescales c from 10^from to 10^to units, rounding down.
func ScaleU64(c uint64, from, to int32) (uint64, error) {
	return scale(uint256.NewInt(c), int(from)-int(to))
}

func scale(v *uint256.Int, power int) (uint64, error) {
	if power >= 0 {
		p, err := Pow10(power)
		if err != nil {
			return 0, err
		}
		if _, overflow := v.MulOverflow(v, p); overflow {
			return 0, errs.ErrMathOverflow
		}
	} else {
		p, err := Pow10(-power)
		if err != nil {
			return 0, err
		}
		v.Div(v, p)
	}
	return CheckedAsU64(v)
}
