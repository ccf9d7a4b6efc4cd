package wire

import (
	"encoding/binary"
	"fmt"
)

// encoder builds a payload left to right; it never fails.
type encoder struct {
	buf []byte
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) u8(v byte) {
	e.buf = append(e.buf, v)
}

func (e *encoder) bytes(v []byte) {
	e.u32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) str(v string) {
	e.bytes([]byte(v))
}

func (e *encoder) bytesNoLen(v []byte) {
	e.buf = append(e.buf, v...)
}

// decoder consumes a payload left to right, recording the first error so
// callers can chain calls and check once at the end.
type decoder struct {
	buf []byte
	pos int
	err error
}

func newDecoder(buf []byte) *decoder { return &decoder{buf: buf} }

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.pos+n > len(d.buf) {
		d.err = fmt.Errorf("wire: short payload: need %d bytes at offset %d, have %d", n, d.pos, len(d.buf))
		return false
	}
	return true
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos : d.pos+8])
	d.pos += 8
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos : d.pos+4])
	d.pos += 4
	return v
}

func (d *decoder) u8() byte {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.pos]
	d.pos++
	return v
}

func (d *decoder) bytes() []byte {
	n := d.u32()
	if !d.need(int(n)) {
		return nil
	}
	v := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return v
}

func (d *decoder) str() string {
	return string(d.bytes())
}

func (d *decoder) rest() []byte {
	if d.err != nil {
		return nil
	}
	v := d.buf[d.pos:]
	d.pos = len(d.buf)
	return v
}
