package math

import (
	"math/bits"

	"PerpCustody/internal/errs"
)

// Every ledger counter follows exactly one overflow policy: checked (settlement
// balances), wrapping (lifetime statistics) or saturating (open interest).
// The free functions implement the policies; the counter types bind a field to one.

func CheckedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, errs.ErrMathOverflow
	}
	return sum, nil
}

func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, errs.ErrMathOverflow
	}
	return a - b, nil
}

func CheckedMul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, errs.ErrMathOverflow
	}
	return lo, nil
}

func CheckedDiv(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, errs.ErrMathOverflow
	}
	return a / b, nil
}

func CheckedCeilDiv(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, errs.ErrMathOverflow
	}
	q := a / b
	if a%b != 0 {
		q++
	}
	return q, nil
}

// CheckedMulDiv returns a*b/c with a 128-bit intermediate, rounded down.
func CheckedMulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, errs.ErrMathOverflow
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return 0, errs.ErrMathOverflow
	}
	q, _ := bits.Div64(hi, lo, c)
	return q, nil
}

// CheckedMulCeilDiv returns a*b/c with a 128-bit intermediate, rounded up.
func CheckedMulCeilDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, errs.ErrMathOverflow
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return 0, errs.ErrMathOverflow
	}
	q, r := bits.Div64(hi, lo, c)
	if r != 0 {
		return CheckedAdd(q, 1)
	}
	return q, nil
}

func WrappingAdd(a, b uint64) uint64 {
	return a + b
}

func SaturatingAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return ^uint64(0)
	}
	return sum
}

func SaturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// Checked is a settlement-critical balance; updates fail instead of wrapping.
type Checked uint64

func (c Checked) Uint64() uint64 { return uint64(c) }

func (c *Checked) Add(v uint64) error {
	sum, err := CheckedAdd(uint64(*c), v)
	if err != nil {
		return err
	}
	*c = Checked(sum)
	return nil
}

func (c *Checked) Sub(v uint64) error {
	diff, err := CheckedSub(uint64(*c), v)
	if err != nil {
		return err
	}
	*c = Checked(diff)
	return nil
}

// Wrapping is an informational lifetime total; it wraps modulo 2^64.
type Wrapping uint64

func (w Wrapping) Uint64() uint64 { return uint64(w) }

func (w *Wrapping) Add(v uint64) {
	*w = Wrapping(WrappingAdd(uint64(*w), v))
}

// Saturating never goes below zero or above MaxUint64, even after accounting drift.
type Saturating uint64

func (s Saturating) Uint64() uint64 { return uint64(s) }

func (s *Saturating) Add(v uint64) {
	*s = Saturating(SaturatingAdd(uint64(*s), v))
}

func (s *Saturating) Sub(v uint64) {
	*s = Saturating(SaturatingSub(uint64(*s), v))
}
