package codec

import (
	"errors"
	"io"
)

// ErrWriteZero is returned by WriteAll when the buffer cannot hold the whole input.
var ErrWriteZero = errors.New("failed to write whole buffer")

// BoundedWriter is a cursor over a fixed byte slice. It never writes past
// len(buf) and never touches bytes it was not asked to write.
type BoundedWriter struct {
	buf []byte
	pos int
}

func NewBoundedWriter(buf []byte) *BoundedWriter {
	return &BoundedWriter{buf: buf}
}

// Write copies as much of p as fits. At the end of the buffer it writes nothing
// and returns 0. A short copy reports io.ErrShortWrite, as io.Writer requires.
func (w *BoundedWriter) Write(p []byte) (int, error) {
	if w.pos >= len(w.buf) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.ErrShortWrite
	}
	n := copy(w.buf[w.pos:], p)
	w.pos += n
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// WriteAll writes p entirely or fails with ErrWriteZero, leaving the buffer unchanged.
func (w *BoundedWriter) WriteAll(p []byte) error {
	if len(p) > w.Remaining() {
		return ErrWriteZero
	}
	w.pos += copy(w.buf[w.pos:], p)
	return nil
}

// Written is the number of bytes written so far.
func (w *BoundedWriter) Written() int { return w.pos }

func (w *BoundedWriter) Remaining() int { return len(w.buf) - w.pos }
