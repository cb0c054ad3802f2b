package socket

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Listener hands out connections opened by remote hosts on one port.
type Listener struct {
	id     int
	port   uint16
	stack  *Stack
	accept chan *Conn
	done   chan struct{}
}

// ID returns the socket id shown in listings.
func (l *Listener) ID() int { return l.id }

// Port returns the listening port.
func (l *Listener) Port() uint16 { return l.port }

// Accept waits for the next established connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, errors.Wrapf(ErrClosed, "accept on port %d", l.port)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting. Connections not yet accepted are reset.
func (l *Listener) Close() error {
	s := l.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners[l.port] != l {
		return errors.Wrapf(ErrClosed, "listener on port %d", l.port)
	}
	delete(s.listeners, l.port)
	close(l.done)
	for {
		select {
		case c := <-l.accept:
			c.peer.Abort(c.transmit)
		default:
			s.log.Info("socket: listener closed", zap.Int("id", l.id), zap.Uint16("port", l.port))
			return nil
		}
	}
}
