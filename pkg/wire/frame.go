package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize guards against a corrupt or hostile length prefix causing
// an unbounded allocation.
const maxFrameSize = 64 << 20

// Frame is one length-prefixed message on the wire: a 4-byte little-
// endian length (covering opcode + payload), a 1-byte opcode, and the
// opcode-specific payload.
type Frame struct {
	Opcode  Opcode
	Payload []byte
}

// WriteFrame writes f to w as a single length-prefixed message.
func WriteFrame(w io.Writer, f Frame) error {
	buf := make([]byte, 4+1+len(f.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(1+len(f.Payload)))
	buf[4] = byte(f.Opcode)
	copy(buf[5:], f.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed message from r.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		return Frame{}, fmt.Errorf("wire: empty frame")
	}
	if n > maxFrameSize {
		return Frame{}, fmt.Errorf("wire: frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	return Frame{Opcode: Opcode(body[0]), Payload: body[1:]}, nil
}
