// Package socket runs tcp.Peers over a link: it demultiplexes inbound
// datagrams to connections, drives their timers and exposes blocking
// connection and listener handles.
package socket

import (
	"context"
	"crypto/rand"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tcp-tcp-team-pa/pkg/link"
	"tcp-tcp-team-pa/pkg/tcp"
	"tcp-tcp-team-pa/pkg/wire"
)

const (
	// DefaultTickInterval is how often Run advances connection timers.
	DefaultTickInterval = 10 * time.Millisecond

	firstEphemeralPort = 20000
	acceptBacklog      = 16
)

var (
	// ErrPortInUse is returned by Listen for a taken port and by Connect
	// when no ephemeral port is free.
	ErrPortInUse = errors.New("socket: port in use")
	// ErrRefused is returned by Connect when the remote answers with RST.
	ErrRefused = errors.New("socket: connection refused")
	// ErrTimeout is returned by Connect when the SYN is never acknowledged.
	ErrTimeout = errors.New("socket: connection timed out")
	// ErrReset is returned by reads and writes on an aborted connection.
	ErrReset = errors.New("socket: connection reset")
	// ErrClosed is returned after a local Close of a connection or listener.
	ErrClosed = errors.New("socket: closed")
)

// Option configures a Stack.
type Option func(*Stack)

// WithTickInterval sets how often connection timers advance.
func WithTickInterval(d time.Duration) Option {
	return func(s *Stack) { s.tick = d }
}

// WithISNSecret keys the hashed ISN generator. Without it a random key is used.
func WithISNSecret(secret []byte) Option {
	return func(s *Stack) { s.secret = secret }
}

// Stack owns every connection of one host address.
type Stack struct {
	local  netip.Addr
	link   link.Link
	cfg    tcp.Config
	log    *zap.Logger
	tick   time.Duration
	secret []byte
	isn    *tcp.ISNGenerator

	mu        sync.Mutex
	conns     map[tcp.FourTuple]*Conn
	listeners map[uint16]*Listener
	nextID    int
	nextPort  uint16
}

// NewStack creates a stack for address local sending through l.
func NewStack(local netip.Addr, l link.Link, cfg tcp.Config, opts ...Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Stack{
		local:     local,
		link:      l,
		cfg:       cfg,
		log:       cfg.Logger,
		tick:      DefaultTickInterval,
		conns:     make(map[tcp.FourTuple]*Conn),
		listeners: make(map[uint16]*Listener),
		nextPort:  firstEphemeralPort,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.secret == nil {
		s.secret = make([]byte, 32)
		if _, err := rand.Read(s.secret); err != nil {
			return nil, errors.Wrap(err, "generating isn secret")
		}
	}
	gen, err := tcp.NewISNGenerator(s.secret)
	if err != nil {
		return nil, err
	}
	s.isn = gen
	return s, nil
}

// LocalAddr returns the stack's address.
func (s *Stack) LocalAddr() netip.Addr { return s.local }

// Run reads datagrams and advances timers until ctx ends or the link fails.
func (s *Stack) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.tickLoop(ctx)
	}()
	defer wg.Wait()

	for {
		b, err := s.link.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "receiving datagram")
		}
		msg, tuple, err := wire.Decode(b)
		if err != nil {
			s.log.Debug("socket: dropping datagram", zap.Error(err))
			continue
		}
		s.deliver(msg, tuple)
	}
}

func (s *Stack) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ms := uint64(now.Sub(last) / time.Millisecond)
			if ms == 0 {
				continue
			}
			last = last.Add(time.Duration(ms) * time.Millisecond)
			s.Tick(ms)
		}
	}
}

// Tick advances every connection's clock by ms milliseconds and retires
// connections that have nothing left to do.
func (s *Stack) Tick(ms uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tuple, c := range s.conns {
		c.peer.Tick(ms, c.transmit)
		if !c.peer.Active() {
			s.log.Info("socket: connection finished",
				zap.Int("id", c.id),
				zap.Stringer("remote", netip.AddrPortFrom(tuple.RemoteAddr, tuple.RemotePort)),
				zap.String("state", c.stateLocked()),
			)
			delete(s.conns, tuple)
		}
		c.notify()
	}
}

// deliver hands one decoded segment to its connection, or to a listener if
// it opens a new one.
func (s *Stack) deliver(msg tcp.TCPMessage, tuple tcp.FourTuple) {
	if tuple.LocalAddr != s.local {
		s.log.Debug("socket: dropping segment for another host", zap.Stringer("dst", tuple.LocalAddr))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.conns[tuple]; ok {
		c.peer.Receive(msg, c.transmit)
		c.notify()
		c.maybeAccept()
		return
	}
	if l, ok := s.listeners[tuple.LocalPort]; ok && msg.Sender.SYN && !msg.Sender.RST {
		c := s.newConnLocked(tuple)
		c.listener = l
		s.log.Info("socket: new connection",
			zap.Int("id", c.id),
			zap.Uint16("port", tuple.LocalPort),
			zap.Stringer("remote", netip.AddrPortFrom(tuple.RemoteAddr, tuple.RemotePort)),
		)
		c.peer.Receive(msg, c.transmit)
		return
	}
	if msg.Sender.RST {
		return
	}
	s.log.Debug("socket: no socket for segment, resetting",
		zap.Uint16("port", tuple.LocalPort),
		zap.Stringer("segment", msg.Sender),
	)
	s.reset(msg, tuple)
}

// reset answers a stray segment with RST.
func (s *Stack) reset(msg tcp.TCPMessage, tuple tcp.FourTuple) {
	ackno := msg.Sender.Seqno.Add(uint32(msg.Sender.SequenceLength()))
	rst := tcp.TCPMessage{
		Sender:   tcp.SenderMessage{RST: true},
		Receiver: tcp.ReceiverMessage{Ackno: &ackno, RST: true},
	}
	if msg.Receiver.Ackno != nil {
		rst.Sender.Seqno = *msg.Receiver.Ackno
	}
	s.send(rst, tuple)
}

func (s *Stack) send(msg tcp.TCPMessage, tuple tcp.FourTuple) {
	b, err := wire.Encode(msg, tuple)
	if err != nil {
		s.log.Error("socket: encoding segment", zap.Error(err))
		return
	}
	if err := s.link.Send(b); err != nil {
		s.log.Error("socket: sending datagram", zap.Error(err))
	}
}

func (s *Stack) newConnLocked(tuple tcp.FourTuple) *Conn {
	isn := s.isn.PickISN(s.cfg.ISN, tuple, time.Now())
	c := &Conn{
		id:    s.nextID,
		tuple: tuple,
		stack: s,
		peer:  tcp.NewPeer(s.cfg, isn),
		wake:  make(chan struct{}),
	}
	s.nextID++
	s.conns[tuple] = c
	return c
}

// Listen opens a listener on port.
func (s *Stack) Listen(port uint16) (*Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[port]; ok {
		return nil, errors.Wrapf(ErrPortInUse, "listen %d", port)
	}
	l := &Listener{
		id:     s.nextID,
		port:   port,
		stack:  s,
		accept: make(chan *Conn, acceptBacklog),
		done:   make(chan struct{}),
	}
	s.nextID++
	s.listeners[port] = l
	s.log.Info("socket: listening", zap.Int("id", l.id), zap.Uint16("port", port))
	return l, nil
}

// Connect opens a connection to raddr:rport and waits for the handshake.
func (s *Stack) Connect(ctx context.Context, raddr netip.Addr, rport uint16) (*Conn, error) {
	s.mu.Lock()
	tuple := tcp.FourTuple{LocalAddr: s.local, RemoteAddr: raddr, RemotePort: rport}
	port, err := s.ephemeralPortLocked(tuple)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	tuple.LocalPort = port
	c := s.newConnLocked(tuple)
	s.log.Info("socket: connecting",
		zap.Int("id", c.id),
		zap.Stringer("remote", netip.AddrPortFrom(raddr, rport)),
	)
	c.peer.Push(c.transmit)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		established := c.peer.Sender().SYNAcked() && c.peer.Receiver().SYNReceived()
		failed := c.peer.HasError()
		refused := c.peer.Receiver().RSTReceived()
		wake := c.wake
		s.mu.Unlock()

		switch {
		case established:
			return c, nil
		case refused:
			return nil, errors.Wrapf(ErrRefused, "connect %s:%d", raddr, rport)
		case failed:
			return nil, errors.Wrapf(ErrTimeout, "connect %s:%d", raddr, rport)
		}
		select {
		case <-wake:
		case <-ctx.Done():
			c.Abort()
			return nil, ctx.Err()
		}
	}
}

func (s *Stack) ephemeralPortLocked(tuple tcp.FourTuple) (uint16, error) {
	for range 1 << 16 {
		port := s.nextPort
		s.nextPort++
		if s.nextPort < firstEphemeralPort {
			s.nextPort = firstEphemeralPort
		}
		tuple.LocalPort = port
		if _, ok := s.conns[tuple]; ok {
			continue
		}
		if _, ok := s.listeners[port]; ok {
			continue
		}
		return port, nil
	}
	return 0, errors.Wrap(ErrPortInUse, "no free ephemeral port")
}

// SocketInfo describes one socket for listing.
type SocketInfo struct {
	ID     int
	Local  netip.AddrPort
	Remote netip.AddrPort
	State  string
}

// Sockets lists listeners and connections ordered by id.
func (s *Stack) Sockets() []SocketInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]SocketInfo, 0, len(s.listeners)+len(s.conns))
	for port, l := range s.listeners {
		infos = append(infos, SocketInfo{
			ID:     l.id,
			Local:  netip.AddrPortFrom(netip.IPv4Unspecified(), port),
			Remote: netip.AddrPortFrom(netip.IPv4Unspecified(), 0),
			State:  "LISTEN",
		})
	}
	for tuple, c := range s.conns {
		infos = append(infos, SocketInfo{
			ID:     c.id,
			Local:  netip.AddrPortFrom(tuple.LocalAddr, tuple.LocalPort),
			Remote: netip.AddrPortFrom(tuple.RemoteAddr, tuple.RemotePort),
			State:  c.stateLocked(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
