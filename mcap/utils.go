package mcap

import (
	"encoding/binary"
	"io"
)

func putByte(buf []byte, x byte) (int, error) {
	if len(buf) < 1 {
		return 0, io.ErrShortBuffer
	}
	buf[0] = x
	return 1, nil
}

func getUint16(buf []byte, offset int) (x uint16, newoffset int, err error) {
	if offset > len(buf)-2 {
		return 0, 0, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint16(buf[offset:]), offset + 2, nil
}

func getUint32(buf []byte, offset int) (x uint32, newoffset int, err error) {
	if offset > len(buf)-4 {
		return 0, 0, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint32(buf[offset:]), offset + 4, nil
}

func getUint64(buf []byte, offset int) (x uint64, newoffset int, err error) {
	if offset > len(buf)-8 {
		return 0, 0, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(buf[offset:]), offset + 8, nil
}

func putUint16(buf []byte, i uint16) int {
	binary.LittleEndian.PutUint16(buf, i)
	return 2
}

func putUint32(buf []byte, i uint32) int {
	binary.LittleEndian.PutUint32(buf, i)
	return 4
}

func putUint64(buf []byte, i uint64) int {
	binary.LittleEndian.PutUint64(buf, i)
	return 8
}

// ReadIntoOrReplace reads exactly length bytes from r into *buf, growing or reallocating *buf if
// its capacity is insufficient, and returns the filled slice.
func ReadIntoOrReplace(r io.Reader, length int64, buf *[]byte) ([]byte, error) {
	if int64(cap(*buf)) < length {
		*buf = make([]byte, length)
	} else {
		*buf = (*buf)[:length]
	}
	if _, err := io.ReadFull(r, *buf); err != nil {
		return nil, err
	}
	return *buf, nil
}

// readUint32 reads a little-endian uint32 from r, using buf (which must have length >= 4) as
// scratch space.
func readUint32(buf []byte, r io.Reader) (uint32, error) {
	if _, err := io.ReadFull(r, buf[:4]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:4]), nil
}

// readUint64 reads a little-endian uint64 from r, using buf (which must have length >= 8) as
// scratch space.
func readUint64(buf []byte, r io.Reader) (uint64, error) {
	if _, err := io.ReadFull(r, buf[:8]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:8]), nil
}

// readStreamPrefixedString reads a uint32-length-prefixed string from r, using buf (which must
// have length >= 4) as scratch space for the length prefix.
func readStreamPrefixedString(buf []byte, r io.Reader) (string, error) {
	length, err := readUint32(buf, r)
	if err != nil {
		return "", err
	}
	s := make([]byte, length)
	if _, err := io.ReadFull(r, s); err != nil {
		return "", err
	}
	return string(s), nil
}

func putPrefixedString(buf []byte, s string) int {
	offset := putUint32(buf, uint32(len(s)))
	offset += copy(buf[offset:], s)
	return offset
}

func putPrefixedBytes(buf []byte, s []byte) int {
	offset := putUint32(buf, uint32(len(s)))
	offset += copy(buf[offset:], s)
	return offset
}
