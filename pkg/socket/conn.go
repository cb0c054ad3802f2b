package socket

import (
	"context"
	"io"
	"net/netip"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tcp-tcp-team-pa/pkg/tcp"
)

// Conn is one connection. Its Peer is only touched with the stack lock held.
type Conn struct {
	id    int
	tuple tcp.FourTuple
	stack *Stack
	peer  *tcp.Peer

	listener *Listener // set for passively opened connections until accepted
	wake     chan struct{}
}

// ID returns the socket id shown in listings.
func (c *Conn) ID() int { return c.id }

// LocalAddr returns the local endpoint.
func (c *Conn) LocalAddr() netip.AddrPort {
	return netip.AddrPortFrom(c.tuple.LocalAddr, c.tuple.LocalPort)
}

// RemoteAddr returns the remote endpoint.
func (c *Conn) RemoteAddr() netip.AddrPort {
	return netip.AddrPortFrom(c.tuple.RemoteAddr, c.tuple.RemotePort)
}

func (c *Conn) transmit(msg tcp.TCPMessage) {
	c.stack.send(msg, c.tuple)
}

// notify wakes everything blocked on this connection. Caller holds the stack lock.
func (c *Conn) notify() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// maybeAccept queues a passively opened connection once its handshake is
// done. Caller holds the stack lock.
func (c *Conn) maybeAccept() {
	l := c.listener
	if l == nil || !c.peer.Sender().SYNAcked() || !c.peer.Receiver().SYNReceived() {
		return
	}
	c.listener = nil
	select {
	case <-l.done:
		c.stack.log.Debug("socket: listener closed before accept", zap.Int("id", c.id))
		c.peer.Abort(c.transmit)
		return
	default:
	}
	select {
	case l.accept <- c:
	default:
		c.stack.log.Warn("socket: accept backlog full, resetting", zap.Int("id", c.id))
		c.peer.Abort(c.transmit)
	}
}

// wait blocks until the connection changes or ctx ends.
func (c *Conn) wait(ctx context.Context, wake <-chan struct{}) error {
	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write is WriteContext without a deadline.
func (c *Conn) Write(p []byte) (int, error) {
	return c.WriteContext(context.Background(), p)
}

// WriteContext blocks until all of p is queued for sending, the
// connection fails, or ctx ends.
func (c *Conn) WriteContext(ctx context.Context, p []byte) (int, error) {
	written := 0
	for {
		c.stack.mu.Lock()
		w := c.peer.Outbound()
		switch {
		case w.HasError():
			c.stack.mu.Unlock()
			return written, errors.Wrapf(ErrReset, "write on socket %d", c.id)
		case w.IsClosed():
			c.stack.mu.Unlock()
			return written, errors.Wrapf(ErrClosed, "write on socket %d", c.id)
		}
		if n := min(uint64(len(p)-written), w.AvailableCapacity()); n > 0 {
			w.Push(p[written : written+int(n)])
			written += int(n)
			c.peer.Push(c.transmit)
		}
		wake := c.wake
		c.stack.mu.Unlock()

		if written == len(p) {
			return written, nil
		}
		if err := c.wait(ctx, wake); err != nil {
			return written, err
		}
	}
}

// Read is ReadContext without a deadline.
func (c *Conn) Read(p []byte) (int, error) {
	return c.ReadContext(context.Background(), p)
}

// ReadContext blocks until some data is available and returns it. It
// returns io.EOF once the peer has closed and everything has been read.
func (c *Conn) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		c.stack.mu.Lock()
		r := c.peer.Inbound()
		if r.HasError() {
			c.stack.mu.Unlock()
			return 0, errors.Wrapf(ErrReset, "read on socket %d", c.id)
		}
		n, err := r.Read(p)
		wake := c.wake
		c.stack.mu.Unlock()

		if n > 0 || err != nil {
			return n, err
		}
		if err := c.wait(ctx, wake); err != nil {
			return 0, err
		}
	}
}

// ReadFull reads exactly len(p) bytes unless the stream ends first.
func (c *Conn) ReadFull(ctx context.Context, p []byte) (int, error) {
	read := 0
	for read < len(p) {
		n, err := c.ReadContext(ctx, p[read:])
		read += n
		if err == io.EOF {
			return read, io.ErrUnexpectedEOF
		}
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

// Close finishes the outbound stream. Data already written is still delivered.
func (c *Conn) Close() error {
	c.stack.mu.Lock()
	defer c.stack.mu.Unlock()
	if c.peer.HasError() {
		return errors.Wrapf(ErrReset, "close socket %d", c.id)
	}
	c.peer.Outbound().Close()
	c.peer.Push(c.transmit)
	c.notify()
	return nil
}

// Abort resets the connection.
func (c *Conn) Abort() {
	c.stack.mu.Lock()
	defer c.stack.mu.Unlock()
	if !c.peer.HasError() {
		c.peer.Abort(c.transmit)
	}
	delete(c.stack.conns, c.tuple)
	c.notify()
}

// State names the connection's TCP state.
func (c *Conn) State() string {
	c.stack.mu.Lock()
	defer c.stack.mu.Unlock()
	return c.stateLocked()
}

func (c *Conn) stateLocked() string {
	p := c.peer
	if p.HasError() {
		return "CLOSED"
	}
	synAcked := p.Sender().SYNAcked()
	if !p.Receiver().SYNReceived() {
		return "SYN_SENT"
	}
	if !synAcked {
		return "SYN_RECEIVED"
	}
	finSent := p.Sender().State() == tcp.SenderFinSent
	finAcked := p.Sender().FinAcked()
	inClosed := p.Receiver().Reassembler().Writer().IsClosed()
	switch {
	case !finSent && !inClosed:
		return "ESTABLISHED"
	case !finSent:
		return "CLOSE_WAIT"
	case !inClosed && !finAcked:
		return "FIN_WAIT_1"
	case !inClosed:
		return "FIN_WAIT_2"
	case !finAcked && p.Lingering():
		return "CLOSING"
	case !finAcked:
		return "LAST_ACK"
	case p.Active():
		return "TIME_WAIT"
	}
	return "CLOSED"
}
