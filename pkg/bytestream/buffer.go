// Package bytestream implements the flow-controlled byte buffer that sits
// between an application and one direction of a TCP connection.
//
// A ByteStream has exactly one writer role and one reader role. The two roles
// are exposed as the Writer and Reader views, which share the same storage.
// Nothing in this package blocks and nothing fails: pushes past capacity are
// truncated and pops past the buffered amount are clamped.
package bytestream

// ByteStream is a capacity-bounded FIFO of bytes.
type ByteStream struct {
	capacity uint64 // fixed at creation
	buf      []byte // buffered bytes live in buf[head:]
	head     int    // index of the oldest unread byte
	pushed   uint64 // cumulative bytes written
	popped   uint64 // cumulative bytes read
	closed   bool   // writer signaled end of stream
	errored  bool   // stream terminated abnormally

	w Writer
	r Reader
}

// New creates a ByteStream that holds at most capacity bytes.
func New(capacity uint64) *ByteStream {
	bs := &ByteStream{
		capacity: capacity,
		buf:      make([]byte, 0, min(capacity, 4096)),
	}
	bs.w.bs = bs
	bs.r.bs = bs
	return bs
}

// Writer returns the write-side view of the stream.
func (bs *ByteStream) Writer() *Writer { return &bs.w }

// Reader returns the read-side view of the stream.
func (bs *ByteStream) Reader() *Reader { return &bs.r }

// Capacity returns the fixed capacity the stream was created with.
func (bs *ByteStream) Capacity() uint64 { return bs.capacity }

func (bs *ByteStream) buffered() uint64 { return uint64(len(bs.buf) - bs.head) }

func (bs *ByteStream) available() uint64 { return bs.capacity - bs.buffered() }

func (bs *ByteStream) push(data []byte) {
	if bs.closed || bs.errored {
		return
	}
	space := bs.available()
	if space == 0 || len(data) == 0 {
		return
	}
	if uint64(len(data)) > space {
		data = data[:space]
	}
	if bs.head > 0 && len(bs.buf)+len(data) > cap(bs.buf) {
		// Reclaim the popped prefix before growing.
		n := copy(bs.buf, bs.buf[bs.head:])
		bs.buf = bs.buf[:n]
		bs.head = 0
	}
	bs.buf = append(bs.buf, data...)
	bs.pushed += uint64(len(data))
}

func (bs *ByteStream) pop(n uint64) {
	buffered := bs.buffered()
	if n > buffered {
		n = buffered
	}
	if n == 0 {
		return
	}
	bs.head += int(n)
	bs.popped += n
	if bs.head == len(bs.buf) {
		bs.buf = bs.buf[:0]
		bs.head = 0
	}
}
