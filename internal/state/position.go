// internal/state/position.go
package state

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"strings"

	"PerpCustody/internal/codec"
	"PerpCustody/internal/errs"
	"PerpCustody/internal/ledger"
	fpmath "PerpCustody/internal/math"

	"github.com/holiman/uint256"
)

// Side of a position. None marks an uninitialized or closed slot.
type Side uint8

const (
	SideNone Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "none"
	}
}

func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "long":
		return SideLong, nil
	case "short":
		return SideShort, nil
	default:
		return SideNone, fmt.Errorf("%w: side %q", errs.ErrInvalidArgument, s)
	}
}

// Limit is an optional USD threshold on computed profit or loss.
// The zero value is unset.
type Limit struct {
	value uint64
	set   bool
}

func SomeLimit(v uint64) Limit { return Limit{value: v, set: true} }

// LimitFromPtr maps nil to unset.
func LimitFromPtr(v *uint64) Limit {
	if v == nil {
		return Limit{}
	}
	return SomeLimit(*v)
}

func (l Limit) Get() (uint64, bool) { return l.value, l.set }

func (l Limit) IsSet() bool { return l.set }

// Ptr returns nil for an unset limit.
func (l Limit) Ptr() *uint64 {
	if !l.set {
		return nil
	}
	v := l.value
	return &v
}

// Reached reports amount >= threshold. An unset limit is never reached.
func (l Limit) Reached(amount uint64) bool {
	return l.set && amount >= l.value
}

func (l Limit) String() string {
	if !l.set {
		return "none"
	}
	return fmt.Sprintf("%d", l.value)
}

// Account sizes. Both exceed the encoded record; the tail is padding.
const (
	DiscriminatorLen      = 8
	DeprecatedPositionLen = 200
	PositionLen           = 232

	deprecatedBodyLen     = 3*32 + 2*8 + 1 + 7*8 + 16 + 1
	positionMaxBodyLen    = deprecatedBodyLen + 2*9
	positionMaxEncodedLen = DiscriminatorLen + positionMaxBodyLen
	deprecatedEncodedLen  = DiscriminatorLen + deprecatedBodyLen
)

// Records written before limits existed carry the same discriminator.
var positionDiscriminator = accountDiscriminator("Position")

func accountDiscriminator(name string) [DiscriminatorLen]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [DiscriminatorLen]byte
	copy(d[:], sum[:DiscriminatorLen])
	return d
}

// Position is a leveraged exposure keyed by (owner, pool, custody, side).
type Position struct {
	Owner   ledger.Pubkey
	Pool    ledger.Pubkey
	Custody ledger.Pubkey

	OpenTime            int64
	UpdateTime          int64
	Side                Side
	Price               uint64 // entry price, PriceDecimals
	SizeUSD             uint64
	CollateralUSD       uint64
	UnrealizedProfitUSD uint64
	UnrealizedLossUSD   uint64
	// CumulativeInterestSnapshot is a u128.
	CumulativeInterestSnapshot uint256.Int
	LockedAmount               uint64
	CollateralAmount           uint64

	StopLoss   Limit
	TakeProfit Limit

	Bump uint8
}

// DeprecatedPosition is the layout before stop-loss and take-profit were added.
type DeprecatedPosition struct {
	Owner   ledger.Pubkey
	Pool    ledger.Pubkey
	Custody ledger.Pubkey

	OpenTime                   int64
	UpdateTime                 int64
	Side                       Side
	Price                      uint64
	SizeUSD                    uint64
	CollateralUSD              uint64
	UnrealizedProfitUSD        uint64
	UnrealizedLossUSD          uint64
	CumulativeInterestSnapshot uint256.Int
	LockedAmount               uint64
	CollateralAmount           uint64

	Bump uint8
}

// GetInitialLeverage returns size/collateral in basis points.
func (p *Position) GetInitialLeverage() (uint64, error) {
	return fpmath.CheckedMulDiv(p.SizeUSD, fpmath.BPSPower, p.CollateralUSD)
}

// Address is the derived key this position must live at.
func (p *Position) Address(program ledger.Pubkey) ledger.Pubkey {
	return ledger.PositionAddress(program, p.Owner, p.Pool, p.Custody, uint8(p.Side))
}

// MarshalBinary encodes the record: discriminator followed by the fields in order.
func (p *Position) MarshalBinary() ([]byte, error) {
	if !fpmath.FitsU128(&p.CumulativeInterestSnapshot) {
		return nil, fmt.Errorf("interest snapshot: %w", errs.ErrMathOverflow)
	}
	enc := codec.NewEncoder(positionMaxEncodedLen)
	enc.Raw(positionDiscriminator[:])
	enc.Raw(p.Owner[:])
	enc.Raw(p.Pool[:])
	enc.Raw(p.Custody[:])
	enc.I64(p.OpenTime)
	enc.I64(p.UpdateTime)
	enc.U8(uint8(p.Side))
	enc.U64(p.Price)
	enc.U64(p.SizeUSD)
	enc.U64(p.CollateralUSD)
	enc.U64(p.UnrealizedProfitUSD)
	enc.U64(p.UnrealizedLossUSD)
	enc.U128(&p.CumulativeInterestSnapshot)
	enc.U64(p.LockedAmount)
	enc.U64(p.CollateralAmount)
	sl, slSet := p.StopLoss.Get()
	enc.OptionU64(sl, slSet)
	tp, tpSet := p.TakeProfit.Get()
	enc.OptionU64(tp, tpSet)
	enc.U8(p.Bump)
	return enc.Bytes(), nil
}

// SerializeInto writes the record at the start of buf, never past its end.
// Bytes after the record are left as they are.
func (p *Position) SerializeInto(buf []byte) error {
	record, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	return codec.NewBoundedWriter(buf).WriteAll(record)
}

// NewPositionAccountData returns a zero-padded account buffer of PositionLen.
func NewPositionAccountData(p *Position) ([]byte, error) {
	data := make([]byte, PositionLen)
	if err := p.SerializeInto(data); err != nil {
		return nil, err
	}
	return data, nil
}

// DecodePosition parses a current-layout record, checking its discriminator.
func DecodePosition(data []byte) (*Position, error) {
	if len(data) < DiscriminatorLen || !bytes.Equal(data[:DiscriminatorLen], positionDiscriminator[:]) {
		return nil, fmt.Errorf("%w: position discriminator mismatch", errs.ErrInvalidAccountData)
	}

	var p Position
	dec := codec.NewDecoder(data[DiscriminatorLen:])
	dec.Raw(p.Owner[:])
	dec.Raw(p.Pool[:])
	dec.Raw(p.Custody[:])
	p.OpenTime = dec.I64()
	p.UpdateTime = dec.I64()
	p.Side = Side(dec.U8())
	p.Price = dec.U64()
	p.SizeUSD = dec.U64()
	p.CollateralUSD = dec.U64()
	p.UnrealizedProfitUSD = dec.U64()
	p.UnrealizedLossUSD = dec.U64()
	p.CumulativeInterestSnapshot = dec.U128()
	p.LockedAmount = dec.U64()
	p.CollateralAmount = dec.U64()
	if v, ok := dec.OptionU64(); ok {
		p.StopLoss = SomeLimit(v)
	}
	if v, ok := dec.OptionU64(); ok {
		p.TakeProfit = SomeLimit(v)
	}
	p.Bump = dec.U8()

	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidAccountData, err)
	}
	if p.Side > SideShort {
		return nil, fmt.Errorf("%w: side %d", errs.ErrInvalidAccountData, p.Side)
	}
	return &p, nil
}

func (d *DeprecatedPosition) MarshalBinary() ([]byte, error) {
	if !fpmath.FitsU128(&d.CumulativeInterestSnapshot) {
		return nil, fmt.Errorf("interest snapshot: %w", errs.ErrMathOverflow)
	}
	enc := codec.NewEncoder(deprecatedEncodedLen)
	enc.Raw(positionDiscriminator[:])
	enc.Raw(d.Owner[:])
	enc.Raw(d.Pool[:])
	enc.Raw(d.Custody[:])
	enc.I64(d.OpenTime)
	enc.I64(d.UpdateTime)
	enc.U8(uint8(d.Side))
	enc.U64(d.Price)
	enc.U64(d.SizeUSD)
	enc.U64(d.CollateralUSD)
	enc.U64(d.UnrealizedProfitUSD)
	enc.U64(d.UnrealizedLossUSD)
	enc.U128(&d.CumulativeInterestSnapshot)
	enc.U64(d.LockedAmount)
	enc.U64(d.CollateralAmount)
	enc.U8(d.Bump)
	return enc.Bytes(), nil
}

// NewDeprecatedPositionAccountData returns a zero-padded buffer of DeprecatedPositionLen.
func NewDeprecatedPositionAccountData(d *DeprecatedPosition) ([]byte, error) {
	record, err := d.MarshalBinary()
	if err != nil {
		return nil, err
	}
	data := make([]byte, DeprecatedPositionLen)
	if err := codec.NewBoundedWriter(data).WriteAll(record); err != nil {
		return nil, err
	}
	return data, nil
}

// DecodeDeprecatedPositionUnchecked parses the old layout without looking at the
// discriminator. Callers establish origin from ownership and exact length.
func DecodeDeprecatedPositionUnchecked(data []byte) (*DeprecatedPosition, error) {
	if len(data) < DiscriminatorLen {
		return nil, fmt.Errorf("%w: account too short", errs.ErrInvalidAccountData)
	}

	var d DeprecatedPosition
	dec := codec.NewDecoder(data[DiscriminatorLen:])
	dec.Raw(d.Owner[:])
	dec.Raw(d.Pool[:])
	dec.Raw(d.Custody[:])
	d.OpenTime = dec.I64()
	d.UpdateTime = dec.I64()
	d.Side = Side(dec.U8())
	d.Price = dec.U64()
	d.SizeUSD = dec.U64()
	d.CollateralUSD = dec.U64()
	d.UnrealizedProfitUSD = dec.U64()
	d.UnrealizedLossUSD = dec.U64()
	d.CumulativeInterestSnapshot = dec.U128()
	d.LockedAmount = dec.U64()
	d.CollateralAmount = dec.U64()
	d.Bump = dec.U8()

	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidAccountData, err)
	}
	return &d, nil
}

// Upgrade copies every field into the current layout with both limits unset.
func (d *DeprecatedPosition) Upgrade() *Position {
	return &Position{
		Owner:                      d.Owner,
		Pool:                       d.Pool,
		Custody:                    d.Custody,
		OpenTime:                   d.OpenTime,
		UpdateTime:                 d.UpdateTime,
		Side:                       d.Side,
		Price:                      d.Price,
		SizeUSD:                    d.SizeUSD,
		CollateralUSD:              d.CollateralUSD,
		UnrealizedProfitUSD:        d.UnrealizedProfitUSD,
		UnrealizedLossUSD:          d.UnrealizedLossUSD,
		CumulativeInterestSnapshot: d.CumulativeInterestSnapshot,
		LockedAmount:               d.LockedAmount,
		CollateralAmount:           d.CollateralAmount,
		StopLoss:                   Limit{},
		TakeProfit:                 Limit{},
		Bump:                       d.Bump,
	}
}
