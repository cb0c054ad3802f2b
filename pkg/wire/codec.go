// Package wire encodes TCPMessages as IPv4 datagrams carrying a TCP segment,
// and decodes them back.
package wire

import (
	"encoding/binary"
	"net/netip"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"tcp-tcp-team-pa/pkg/tcp"
	"tcp-tcp-team-pa/pkg/wrap32"
)

const (
	ProtoTCP     = 6
	DefaultTTL   = 16
	TCPHeaderLen = header.TCPMinimumSize

	// HeaderOverhead is what Encode adds around a payload.
	HeaderOverhead = ipv4header.HeaderLen + TCPHeaderLen

	pseudoHeaderLen = 12
	maxDatagram     = 65535
)

// Decode and Encode errors wrap one of these.
var (
	ErrMalformed = errors.New("wire: malformed datagram")
	ErrChecksum  = errors.New("wire: bad checksum")
)

// Encode builds the IPv4 datagram for msg on the connection t, from
// t.LocalAddr:t.LocalPort to t.RemoteAddr:t.RemotePort.
func Encode(msg tcp.TCPMessage, t tcp.FourTuple) ([]byte, error) {
	if !t.LocalAddr.Is4() || !t.RemoteAddr.Is4() {
		return nil, errors.Wrapf(ErrMalformed, "non-IPv4 endpoints %s -> %s", t.LocalAddr, t.RemoteAddr)
	}
	payload := msg.Sender.Payload
	total := HeaderOverhead + len(payload)
	if total > maxDatagram {
		return nil, errors.Wrapf(ErrMalformed, "payload of %d bytes does not fit a datagram", len(payload))
	}

	fields := header.TCPFields{
		SrcPort:    t.LocalPort,
		DstPort:    t.RemotePort,
		SeqNum:     msg.Sender.Seqno.Raw(),
		DataOffset: TCPHeaderLen,
		Flags:      flags(msg),
		WindowSize: msg.Receiver.WindowSize,
	}
	if msg.Receiver.Ackno != nil {
		fields.AckNum = msg.Receiver.Ackno.Raw()
	}
	segment := make([]byte, TCPHeaderLen+len(payload))
	tcpHdr := header.TCP(segment)
	tcpHdr.Encode(&fields)
	copy(segment[TCPHeaderLen:], payload)
	tcpHdr.SetChecksum(TCPChecksum(t.LocalAddr, t.RemoteAddr, segment))

	ipHdr := ipv4header.IPv4Header{
		Version:  4,
		Len:      ipv4header.HeaderLen,
		TotalLen: total,
		TTL:      DefaultTTL,
		Protocol: ProtoTCP,
		Src:      t.LocalAddr,
		Dst:      t.RemoteAddr,
		Options:  []byte{},
	}
	headerBytes, err := ipHdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshalling IPv4 header")
	}
	ipHdr.Checksum = int(ComputeChecksum(headerBytes))
	headerBytes, err = ipHdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshalling IPv4 header")
	}

	datagram := make([]byte, 0, total)
	datagram = append(datagram, headerBytes...)
	return append(datagram, segment...), nil
}

func flags(msg tcp.TCPMessage) uint8 {
	var f uint8
	if msg.Sender.SYN {
		f |= header.TCPFlagSyn
	}
	if msg.Sender.FIN {
		f |= header.TCPFlagFin
	}
	if msg.Sender.RST || msg.Receiver.RST {
		f |= header.TCPFlagRst
	}
	if msg.Receiver.Ackno != nil {
		f |= header.TCPFlagAck
	}
	return f
}

// Decode parses an IPv4 datagram carrying a TCP segment. The returned
// FourTuple is seen from the receiving side: LocalAddr is the datagram's
// destination. The payload aliases b.
func Decode(b []byte) (tcp.TCPMessage, tcp.FourTuple, error) {
	var msg tcp.TCPMessage
	var t tcp.FourTuple

	ipHdr, err := ipv4header.ParseHeader(b)
	if err != nil {
		return msg, t, errors.Wrapf(ErrMalformed, "parsing IPv4 header: %v", err)
	}
	if ipHdr.Version != 4 || ipHdr.Len < ipv4header.HeaderLen || ipHdr.TotalLen < ipHdr.Len || ipHdr.TotalLen > len(b) {
		return msg, t, errors.Wrapf(ErrMalformed, "bad IPv4 lengths hdr=%d total=%d buf=%d", ipHdr.Len, ipHdr.TotalLen, len(b))
	}
	if header.Checksum(b[:ipHdr.Len], 0) != 0xffff {
		return msg, t, errors.Wrap(ErrChecksum, "IPv4 header")
	}
	if ipHdr.Protocol != ProtoTCP {
		return msg, t, errors.Wrapf(ErrMalformed, "protocol %d is not TCP", ipHdr.Protocol)
	}

	segment := b[ipHdr.Len:ipHdr.TotalLen]
	if len(segment) < TCPHeaderLen {
		return msg, t, errors.Wrapf(ErrMalformed, "TCP segment of %d bytes", len(segment))
	}
	tcpHdr := header.TCP(segment)
	offset := int(tcpHdr.DataOffset())
	if offset < TCPHeaderLen || offset > len(segment) {
		return msg, t, errors.Wrapf(ErrMalformed, "TCP data offset %d", offset)
	}
	if TCPChecksum(ipHdr.Src, ipHdr.Dst, segment) != 0 {
		return msg, t, errors.Wrap(ErrChecksum, "TCP segment")
	}

	f := tcpHdr.Flags()
	rst := f&header.TCPFlagRst != 0
	msg.Sender = tcp.SenderMessage{
		Seqno: wrap32.Wrap32(tcpHdr.SequenceNumber()),
		SYN:   f&header.TCPFlagSyn != 0,
		FIN:   f&header.TCPFlagFin != 0,
		RST:   rst,
	}
	if len(segment) > offset {
		msg.Sender.Payload = segment[offset:]
	}
	msg.Receiver = tcp.ReceiverMessage{WindowSize: tcpHdr.WindowSize(), RST: rst}
	if f&header.TCPFlagAck != 0 {
		ackno := wrap32.Wrap32(tcpHdr.AckNumber())
		msg.Receiver.Ackno = &ackno
	}
	t = tcp.FourTuple{
		LocalAddr:  ipHdr.Dst,
		LocalPort:  tcpHdr.DestinationPort(),
		RemoteAddr: ipHdr.Src,
		RemotePort: tcpHdr.SourcePort(),
	}
	return msg, t, nil
}

// ComputeChecksum returns the Internet checksum to store in a header whose
// checksum field is zero.
func ComputeChecksum(b []byte) uint16 {
	return header.Checksum(b, 0) ^ 0xffff
}

// TCPChecksum returns the checksum of segment under the IPv4 pseudo header.
// With the checksum field zeroed it is the value to store; over a segment
// carrying a correct checksum it is zero.
func TCPChecksum(src, dst netip.Addr, segment []byte) uint16 {
	var pseudo [pseudoHeaderLen]byte
	copy(pseudo[0:4], src.AsSlice())
	copy(pseudo[4:8], dst.AsSlice())
	pseudo[9] = ProtoTCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(segment)))
	sum := header.Checksum(pseudo[:], 0)
	return header.Checksum(segment, sum) ^ 0xffff
}
