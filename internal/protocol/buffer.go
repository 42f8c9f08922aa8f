package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)     { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16)   { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32)   { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64)   { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) string(s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("string of %d bytes exceeds wire limit", len(s))
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

// reader consumes a message body. The first short read latches an error so
// callers can decode a whole struct and check once.
type reader struct {
	buf []byte
	err error
}

func (r *reader) remaining() int { return len(r.buf) }

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf) < n {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidMessage, n, len(r.buf))
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) bool() bool { return r.u8() != 0 }

func (r *reader) string() string {
	n := int(r.u16())
	return string(r.take(n))
}

// rest returns a copy of the unread bytes.
func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	r.buf = r.buf[len(r.buf):]
	return out
}
