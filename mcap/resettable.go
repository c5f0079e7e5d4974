package mcap

import "io"

// ResettableWriteCloser implements io.WriteCloser and adds a Reset method.
type ResettableWriteCloser interface {
	io.WriteCloser
	Reset(io.Writer)
}

// ResettableReader implements io.Reader and adds a Reset method, allowing a decompressor to be
// reused across chunks instead of reallocated for each one.
type ResettableReader interface {
	io.Reader
	Reset(io.Reader) error
}
