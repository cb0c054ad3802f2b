package tcp

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"net/netip"
	"time"

	"github.com/dchest/siphash"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"tcp-tcp-team-pa/pkg/wrap32"
)

const isnKeyInfo = "tcp-tcp-team-pa isn v1"

// FourTuple identifies one connection.
type FourTuple struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

// ISNGenerator picks initial sequence numbers as described by RFC 6528:
// ISN = M + F(localip, localport, remoteip, remoteport, secretkey), where M
// is a clock ticking every 4 microseconds and F is SipHash-2-4.
type ISNGenerator struct {
	k0, k1 uint64
}

// NewISNGenerator derives the SipHash key from secret with HKDF-SHA256.
func NewISNGenerator(secret []byte) (*ISNGenerator, error) {
	if len(secret) == 0 {
		return nil, errors.Wrap(ErrInvalidConfig, "empty isn secret")
	}
	var key [16]byte
	kdf := hkdf.New(sha256.New, secret, nil, []byte(isnKeyInfo))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, errors.Wrap(err, "deriving isn key")
	}
	return &ISNGenerator{
		k0: binary.LittleEndian.Uint64(key[0:8]),
		k1: binary.LittleEndian.Uint64(key[8:16]),
	}, nil
}

// ISN returns the initial sequence number for a connection opened at now.
func (g *ISNGenerator) ISN(t FourTuple, now time.Time) wrap32.Wrap32 {
	var buf [36]byte
	n := copy(buf[:], t.LocalAddr.AsSlice())
	binary.BigEndian.PutUint16(buf[n:], t.LocalPort)
	n += 2
	n += copy(buf[n:], t.RemoteAddr.AsSlice())
	binary.BigEndian.PutUint16(buf[n:], t.RemotePort)
	n += 2
	f := uint32(siphash.Hash(g.k0, g.k1, buf[:n]))
	m := uint32(now.UnixMicro() / 4)
	return wrap32.Wrap32(m + f)
}

// PickISN applies policy p to a connection identified by t, falling back to
// the generator for ISNHashed.
func (g *ISNGenerator) PickISN(p ISNPolicy, t FourTuple, now time.Time) wrap32.Wrap32 {
	if p.Mode == ISNHashed && g != nil {
		return g.ISN(t, now)
	}
	return p.PickISN()
}
