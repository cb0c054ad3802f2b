package bytestream

import "io"

// Writer is the write-only capability of a ByteStream.
type Writer struct {
	bs *ByteStream
}

// Push appends as many leading bytes of data as fit in the available
// capacity. The rest is dropped. Push is a no-op on a closed or errored stream.
func (w *Writer) Push(data []byte) { w.bs.push(data) }

// Close signals that nothing more will be pushed. Close is idempotent.
func (w *Writer) Close() { w.bs.closed = true }

// SetError marks the stream as permanently failed. SetError is idempotent.
func (w *Writer) SetError() { w.bs.errored = true }

// IsClosed reports whether Close has been called.
func (w *Writer) IsClosed() bool { return w.bs.closed }

// HasError reports whether the stream has failed.
func (w *Writer) HasError() bool { return w.bs.errored }

// AvailableCapacity returns how many bytes can be pushed right now.
func (w *Writer) AvailableCapacity() uint64 { return w.bs.available() }

// BytesPushed returns the total number of bytes ever pushed.
func (w *Writer) BytesPushed() uint64 { return w.bs.pushed }

// Write implements io.Writer on top of Push. A write that does not fit in
// full returns io.ErrShortWrite along with the number of bytes accepted.
func (w *Writer) Write(p []byte) (int, error) {
	switch {
	case w.bs.errored:
		return 0, ErrStreamError
	case w.bs.closed:
		return 0, ErrClosed
	}
	before := w.bs.pushed
	w.bs.push(p)
	n := int(w.bs.pushed - before)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}
