package mcap

import (
	"fmt"
	"io"

	"github.com/robotic-data/mcap-engine/bytesource"
)

// byteSourceReadSeeker adapts a bytesource.ByteSource (peekable, with its own
// SeekStart/SeekEnd/SeekCurrent vocabulary) to the stdlib io.ReadSeeker the
// Lexer and indexed iterator are built on.
type byteSourceReadSeeker struct {
	src bytesource.ByteSource
}

func (b *byteSourceReadSeeker) Read(p []byte) (int, error) {
	return b.src.Read(p)
}

func (b *byteSourceReadSeeker) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		if err := b.src.SeekStart(offset); err != nil {
			return 0, err
		}
	case io.SeekCurrent:
		if err := b.src.SeekCurrent(offset); err != nil {
			return 0, err
		}
	case io.SeekEnd:
		if err := b.src.SeekEnd(-offset); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("bytesource: unsupported seek whence %d", whence)
	}
	return b.src.Tell()
}

// OpenOptions configures Open.
type OpenOptions struct {
	// UseMmap memory-maps the file for zero-copy reads instead of using a
	// buffered *os.File.
	UseMmap bool

	// BufferSize sets the buffered-read window when UseMmap is false. Zero
	// selects bytesource.DefaultBufferSize.
	BufferSize int
}

// Open opens the mcap file at path as a Reader, backed by a
// bytesource.ByteSource: a memory-mapped file when opts.UseMmap is set,
// otherwise a buffered file source. The caller must call the returned
// Reader's Close method to release the underlying file handle or mapping.
func Open(path string, opts *OpenOptions) (*Reader, error) {
	if opts == nil {
		opts = &OpenOptions{}
	}
	var src bytesource.ByteSource
	var err error
	if opts.UseMmap {
		src, err = bytesource.OpenMmap(path)
	} else {
		src, err = bytesource.OpenFile(path, opts.BufferSize)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	r, err := NewReader(&byteSourceReadSeeker{src: src})
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	r.closer = src
	return r, nil
}
