// Package codec holds the little-endian record encoding shared by the account layouts.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// ErrUnexpectedEOF is returned when a record is shorter than its layout.
var ErrUnexpectedEOF = errors.New("record truncated")

// Encoder appends fixed-width little-endian fields to a byte slice.
type Encoder struct {
	buf []byte
}

func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) Raw(b []byte) { e.buf = append(e.buf, b...) }

func (e *Encoder) U8(v uint8) { e.buf = append(e.buf, v) }

func (e *Encoder) U64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *Encoder) I64(v int64) { e.U64(uint64(v)) }

// U128 appends the low 128 bits of v. Callers check the range first.
func (e *Encoder) U128(v *uint256.Int) {
	e.U64(v[0])
	e.U64(v[1])
}

// OptionU64 appends a presence byte followed by the value when present.
func (e *Encoder) OptionU64(v uint64, present bool) {
	if !present {
		e.U8(0)
		return
	}
	e.U8(1)
	e.U64(v)
}

// Decoder reads fixed-width little-endian fields. The first error sticks.
type Decoder struct {
	buf []byte
	pos int
	err error
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (d *Decoder) Err() error { return d.err }

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf)-d.pos < n {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrUnexpectedEOF, n, d.pos, len(d.buf)-d.pos)
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *Decoder) Raw(dst []byte) {
	if b := d.take(len(dst)); b != nil {
		copy(dst, b)
	}
}

func (d *Decoder) U8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *Decoder) U64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *Decoder) I64() int64 { return int64(d.U64()) }

func (d *Decoder) U128() uint256.Int {
	var v uint256.Int
	v[0] = d.U64()
	v[1] = d.U64()
	return v
}

// OptionU64 reads a presence byte and the value that follows it.
func (d *Decoder) OptionU64() (uint64, bool) {
	switch tag := d.U8(); tag {
	case 0:
		return 0, false
	case 1:
		return d.U64(), true
	default:
		if d.err == nil {
			d.err = fmt.Errorf("invalid option tag %d at offset %d", tag, d.pos-1)
		}
		return 0, false
	}
}
