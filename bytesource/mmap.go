package bytesource

import (
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
)

// MmapSource is a ByteSource backed by a memory-mapped file, giving zero-copy
// Peek at the cost of holding the whole file mapped for the source's lifetime.
type MmapSource struct {
	f      *os.File
	m      mmap.MMap
	pos    int64
	closed bool
}

// OpenMmap memory-maps path read-only for the lifetime of the returned source.
func OpenMmap(path string) (*MmapSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &MmapSource{f: f, m: m}, nil
}

func (s *MmapSource) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if s.pos >= int64(len(s.m)) {
		return 0, io.EOF
	}
	n := copy(p, s.m[s.pos:])
	s.pos += int64(n)
	return n, nil
}

func (s *MmapSource) Peek(n int) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	end := s.pos + int64(n)
	if end > int64(len(s.m)) {
		end = int64(len(s.m))
	}
	if end <= s.pos {
		return nil, io.EOF
	}
	return s.m[s.pos:end], nil
}

func (s *MmapSource) SeekStart(offset int64) error {
	if s.closed {
		return ErrClosed
	}
	if offset < 0 || offset > int64(len(s.m)) {
		return io.ErrUnexpectedEOF
	}
	s.pos = offset
	return nil
}

func (s *MmapSource) SeekEnd(offset int64) error {
	return s.SeekStart(int64(len(s.m)) - offset)
}

func (s *MmapSource) SeekCurrent(delta int64) error {
	return s.SeekStart(s.pos + delta)
}

func (s *MmapSource) Tell() (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	return s.pos, nil
}

func (s *MmapSource) Size() (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	return int64(len(s.m)), nil
}

func (s *MmapSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.m.Unmap(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
