package gatt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrParse marks a malformed or truncated characteristic payload. Callers
// drop the update and keep the connection.
var ErrParse = errors.New("gatt parse error")

func parseErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}

// reader walks a little-endian payload and records the first short read.
type reader struct {
	buf    []byte
	offset int
	what   string
	err    error
}

func newReader(buf []byte, what string) *reader {
	return &reader{buf: buf, what: what}
}

func (r *reader) need(n int, field string) bool {
	if r.err != nil {
		return false
	}
	if r.offset+n > len(r.buf) {
		r.err = parseErrorf("%s too short for %s at offset %d (%d bytes)", r.what, field, r.offset, len(r.buf))
		return false
	}
	return true
}

func (r *reader) skip(n int, field string) {
	if r.need(n, field) {
		r.offset += n
	}
}

func (r *reader) u8(field string) uint8 {
	if !r.need(1, field) {
		return 0
	}
	v := r.buf[r.offset]
	r.offset++
	return v
}

func (r *reader) u16(field string) uint16 {
	if !r.need(2, field) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.offset:])
	r.offset += 2
	return v
}

func (r *reader) s16(field string) int16 {
	return int16(r.u16(field))
}

func (r *reader) u24(field string) uint32 {
	if !r.need(3, field) {
		return 0
	}
	b := r.buf[r.offset:]
	r.offset += 3
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func (r *reader) u32(field string) uint32 {
	if !r.need(4, field) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.offset:])
	r.offset += 4
	return v
}
