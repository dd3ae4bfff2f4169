package mcap

import "io"

// ResettableWriteCloser implements io.WriteCloser and adds a Reset method.
type ResettableWriteCloser interface {
	io.WriteCloser
	Reset(io.Writer)
}

// ResettableReader implements io.Reader and adds a Reset method.
type ResettableReader interface {
	io.Reader
	Reset(io.Reader)
}
