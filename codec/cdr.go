package codec

import (
	"encoding/binary"
	"fmt"
)

// Dialect selects the wire quirks a Reader/Writer follows: CDR proper
// (each primitive aligned to its own size relative to the body start,
// NUL-terminated strings) or
// the ROS1 dialect (no alignment, no string terminator).
type Dialect int

const (
	CDR Dialect = iota
	ROS1Wire
)

// reader walks a decode buffer, tracking the read offset relative to the
// start of the message body so alignment padding can be computed.
type reader struct {
	buf     []byte
	pos     int
	order   binary.ByteOrder
	dialect Dialect
}

func newReader(buf []byte, littleEndian bool, dialect Dialect) *reader {
	order := binary.ByteOrder(binary.BigEndian)
	if littleEndian {
		order = binary.LittleEndian
	}
	return &reader{buf: buf, order: order, dialect: dialect}
}

func (r *reader) align(n int) error {
	if r.dialect != CDR || n <= 1 {
		return nil
	}
	pad := (n - r.pos%n) % n
	return r.skip(pad)
}

func (r *reader) skip(n int) error {
	if r.pos+n > len(r.buf) {
		return fmt.Errorf("%w: want %d bytes at offset %d, have %d", ErrMalformedCDR, n, r.pos, len(r.buf)-r.pos)
	}
	r.pos += n
	return nil
}

func (r *reader) read(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("%w: want %d bytes at offset %d, have %d", ErrMalformedCDR, n, r.pos, len(r.buf)-r.pos)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) readUint32() (uint32, error) {
	if err := r.align(4); err != nil {
		return 0, err
	}
	b, err := r.read(4)
	if err != nil {
		return 0, err
	}
	return r.order.Uint32(b), nil
}

// readString reads a CDR string (u32 length including NUL, then bytes
// including the trailing NUL) or, in the ROS1 dialect, a bare u32-length-
// prefixed byte sequence with no terminator.
func (r *reader) readString() (string, error) {
	n, err := r.readUint32()
	if err != nil {
		return "", err
	}
	if n == 0 {
		if r.dialect == CDR {
			return "", fmt.Errorf("%w: zero-length CDR string missing NUL", ErrMalformedCDR)
		}
		return "", nil
	}
	if remaining := len(r.buf) - r.pos; int(n) > remaining {
		return "", fmt.Errorf("%w: string length prefix %d exceeds %d remaining bytes", ErrSchemaMismatch, n, remaining)
	}
	b, err := r.read(int(n))
	if err != nil {
		return "", err
	}
	if r.dialect == CDR {
		return string(b[:len(b)-1]), nil
	}
	return string(b), nil
}

// writer builds a CDR or ROS1-dialect encoded buffer, tracking the write
// offset relative to the body start for alignment.
type writer struct {
	buf     []byte
	order   binary.ByteOrder
	dialect Dialect
}

func newWriter(littleEndian bool, dialect Dialect) *writer {
	order := binary.ByteOrder(binary.BigEndian)
	if littleEndian {
		order = binary.LittleEndian
	}
	return &writer{order: order, dialect: dialect}
}

func (w *writer) align(n int) {
	if w.dialect != CDR || n <= 1 {
		return
	}
	pad := (n - len(w.buf)%n) % n
	for i := 0; i < pad; i++ {
		w.buf = append(w.buf, 0)
	}
}

func (w *writer) writeBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *writer) writeUint32(v uint32) {
	w.align(4)
	var b [4]byte
	w.order.PutUint32(b[:], v)
	w.writeBytes(b[:])
}

func (w *writer) writeString(s string) {
	if w.dialect == CDR {
		w.writeUint32(uint32(len(s) + 1))
		w.writeBytes([]byte(s))
		w.buf = append(w.buf, 0)
		return
	}
	w.writeUint32(uint32(len(s)))
	w.writeBytes([]byte(s))
}

func (w *writer) bytes() []byte { return w.buf }
