package link

import (
	"context"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// UDPLink carries datagrams as UDP payloads, the way a virtual interface
// sits on top of a real socket. Each outgoing datagram goes to the UDP
// address of the neighbor whose virtual IP matches its destination.
type UDPLink struct {
	conn *net.UDPConn
	log  *zap.Logger

	mu        sync.RWMutex
	neighbors map[netip.Addr]netip.AddrPort // virtual IP -> UDP address
	known     map[netip.AddrPort]bool
}

// ListenUDP binds local and returns a link to neighbors.
func ListenUDP(local netip.AddrPort, neighbors map[netip.Addr]netip.AddrPort, log *zap.Logger) (*UDPLink, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(local))
	if err != nil {
		return nil, errors.Wrapf(err, "binding %s", local)
	}
	l := &UDPLink{
		conn:      conn,
		neighbors: make(map[netip.Addr]netip.AddrPort, len(neighbors)),
		known:     make(map[netip.AddrPort]bool, len(neighbors)),
		log:       log,
	}
	for vip, udp := range neighbors {
		l.AddNeighbor(vip, udp)
	}
	return l, nil
}

// AddNeighbor routes datagrams for vip to udp and accepts datagrams from it.
func (l *UDPLink) AddNeighbor(vip netip.Addr, udp netip.AddrPort) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.neighbors[vip] = udp
	l.known[udp] = true
}

// LocalAddr returns the bound UDP address.
func (l *UDPLink) LocalAddr() netip.AddrPort {
	return l.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (l *UDPLink) Send(b []byte) error {
	if len(b) > MTU {
		return errors.Errorf("datagram of %d bytes exceeds MTU %d", len(b), MTU)
	}
	hdr, err := ipv4header.ParseHeader(b)
	if err != nil {
		return errors.Wrap(err, "reading destination")
	}
	l.mu.RLock()
	to, ok := l.neighbors[hdr.Dst]
	l.mu.RUnlock()
	if !ok {
		return errors.Errorf("no neighbor for %s", hdr.Dst)
	}
	if _, err := l.conn.WriteToUDPAddrPort(b, to); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return errors.Wrapf(err, "sending to %s", to)
	}
	return nil
}

// Recv returns the next datagram from a known neighbor. Datagrams from
// other sources are dropped.
func (l *UDPLink) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		l.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	buf := make([]byte, MTU)
	for {
		n, from, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				l.conn.SetReadDeadline(time.Time{})
				return nil, ctx.Err()
			case errors.Is(err, net.ErrClosed):
				return nil, ErrClosed
			case errors.Is(err, os.ErrDeadlineExceeded):
				// Left over from an earlier, cancelled Recv.
				l.conn.SetReadDeadline(time.Time{})
				continue
			}
			return nil, errors.Wrap(err, "reading datagram")
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		l.mu.RLock()
		known := l.known[from]
		l.mu.RUnlock()
		if !known {
			l.log.Debug("link: dropping datagram from unknown sender", zap.Stringer("from", from))
			continue
		}
		return append([]byte(nil), buf[:n]...), nil
	}
}

func (l *UDPLink) Close() error {
	return l.conn.Close()
}
