package bytestream

import (
	"io"

	"github.com/pkg/errors"
)

var (
	// ErrStreamError is returned by the io adapters once the stream has failed.
	ErrStreamError = errors.New("bytestream: stream error")
	// ErrClosed is returned by Writer.Write after Close.
	ErrClosed = errors.New("bytestream: write on closed stream")
)

// Reader is the read-only capability of a ByteStream.
type Reader struct {
	bs *ByteStream
}

// Peek returns every buffered byte without consuming it. The returned slice
// aliases the stream's storage and is only valid until the next Push or Pop.
func (r *Reader) Peek() []byte { return r.bs.buf[r.bs.head:] }

// Pop removes up to n leading bytes from the stream.
func (r *Reader) Pop(n uint64) { r.bs.pop(n) }

// IsFinished reports whether the stream is closed and fully drained.
func (r *Reader) IsFinished() bool { return r.bs.closed && r.bs.buffered() == 0 }

// IsClosed reports whether the writer has closed the stream.
func (r *Reader) IsClosed() bool { return r.bs.closed }

// HasError reports whether the stream has failed.
func (r *Reader) HasError() bool { return r.bs.errored }

// SetError marks the stream as permanently failed from the reading side.
func (r *Reader) SetError() { r.bs.errored = true }

// BytesBuffered returns the number of bytes pushed and not yet popped.
func (r *Reader) BytesBuffered() uint64 { return r.bs.buffered() }

// BytesPopped returns the total number of bytes ever popped.
func (r *Reader) BytesPopped() uint64 { return r.bs.popped }

// Read implements io.Reader. It copies and pops up to len(p) bytes.
// An empty, open stream yields (0, nil); a finished one yields io.EOF.
func (r *Reader) Read(p []byte) (int, error) {
	if r.bs.errored {
		return 0, ErrStreamError
	}
	if r.IsFinished() {
		return 0, io.EOF
	}
	n := copy(p, r.Peek())
	r.Pop(uint64(n))
	return n, nil
}

// ReadAll pops and returns everything currently buffered.
func ReadAll(r *Reader) []byte {
	data := append([]byte(nil), r.Peek()...)
	r.Pop(uint64(len(data)))
	return data
}
