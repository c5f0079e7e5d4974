package bytesource

import (
	"bufio"
	"io"
	"os"
)

// DefaultBufferSize is the recommended buffer size for sequential scans over
// a FileSource, matching the "≥ 1 MiB" recommendation for buffered readers.
const DefaultBufferSize = 1 << 20

// FileSource is a ByteSource backed by a buffered *os.File. It supports
// peeking without consuming, and absolute/relative seeks; seeking discards
// any buffered read-ahead.
type FileSource struct {
	f          *os.File
	r          *bufio.Reader
	bufferSize int
	pos        int64
	size       int64
	closed     bool
}

// OpenFile opens path for buffered reading. bufferSize <= 0 selects
// DefaultBufferSize.
func OpenFile(path string, bufferSize int) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &FileSource{
		f:          f,
		r:          bufio.NewReaderSize(f, bufferSize),
		bufferSize: bufferSize,
		size:       info.Size(),
	}, nil
}

func (s *FileSource) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	n, err := s.r.Read(p)
	s.pos += int64(n)
	return n, err
}

func (s *FileSource) Peek(n int) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return s.r.Peek(n)
}

func (s *FileSource) resetBuffer(pos int64) error {
	if _, err := s.f.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	s.r.Reset(s.f)
	s.pos = pos
	return nil
}

func (s *FileSource) SeekStart(offset int64) error {
	if s.closed {
		return ErrClosed
	}
	return s.resetBuffer(offset)
}

func (s *FileSource) SeekEnd(offset int64) error {
	if s.closed {
		return ErrClosed
	}
	return s.resetBuffer(s.size - offset)
}

func (s *FileSource) SeekCurrent(delta int64) error {
	if s.closed {
		return ErrClosed
	}
	return s.resetBuffer(s.pos + delta)
}

func (s *FileSource) Tell() (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	return s.pos, nil
}

func (s *FileSource) Size() (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	return s.size, nil
}

func (s *FileSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}
