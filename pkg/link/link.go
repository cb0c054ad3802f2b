// Package link moves raw IPv4 datagrams between hosts.
package link

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// MTU is the largest datagram a link carries.
const MTU = 1400

// ErrClosed is returned by every operation on a closed link.
var ErrClosed = errors.New("link: closed")

// Link is a datagram channel to one or more neighbors. Send never blocks
// for long and may drop; Recv blocks until a datagram arrives, the context
// ends or the link closes.
type Link interface {
	Send(b []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

const pipeDepth = 256

// pipeEnd is one side of an in-memory link.
type pipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected links. A datagram sent on one is received on
// the other. Datagrams are dropped when the peer falls pipeDepth behind.
func Pipe() (Link, Link) {
	ab := make(chan []byte, pipeDepth)
	ba := make(chan []byte, pipeDepth)
	done := make(chan struct{})
	once := new(sync.Once)
	return &pipeEnd{in: ba, out: ab, done: done, once: once},
		&pipeEnd{in: ab, out: ba, done: done, once: once}
}

func (p *pipeEnd) Send(b []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- append([]byte(nil), b...):
	default:
	}
	return nil
}

func (p *pipeEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts both ends.
func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
