package tcp

import (
	"fmt"

	"tcp-tcp-team-pa/pkg/wrap32"
)

// SenderMessage is a segment travelling from a sender to the peer's receiver.
type SenderMessage struct {
	Seqno   wrap32.Wrap32 // sequence number of the SYN if set, else of the first payload byte
	SYN     bool          // first segment of the stream
	Payload []byte        // at most MSS bytes
	FIN     bool          // last segment of the stream
	RST     bool          // connection aborted
}

// SequenceLength returns how many sequence numbers the segment occupies.
// SYN and FIN each take one slot in addition to the payload.
func (m SenderMessage) SequenceLength() uint64 {
	n := uint64(len(m.Payload))
	if m.SYN {
		n++
	}
	if m.FIN {
		n++
	}
	return n
}

func (m SenderMessage) String() string {
	flags := ""
	if m.SYN {
		flags += "S"
	}
	if m.FIN {
		flags += "F"
	}
	if m.RST {
		flags += "R"
	}
	return fmt.Sprintf("seq=%d flags=%q len=%d", m.Seqno, flags, len(m.Payload))
}

// ReceiverMessage is an acknowledgment and window advertisement travelling
// from a receiver back to the peer's sender.
type ReceiverMessage struct {
	Ackno      *wrap32.Wrap32 // nil until the peer's ISN has been seen
	WindowSize uint16         // free capacity of the receiver, capped at 65535
	RST        bool           // connection aborted
}

func (m ReceiverMessage) String() string {
	ack := "none"
	if m.Ackno != nil {
		ack = m.Ackno.String()
	}
	return fmt.Sprintf("ack=%s wnd=%d rst=%v", ack, m.WindowSize, m.RST)
}

// TCPMessage is what a Peer exchanges with its remote counterpart: its own
// outbound segment plus the acknowledgment for the inbound direction.
type TCPMessage struct {
	Sender   SenderMessage
	Receiver ReceiverMessage
}

// TransmitFunc hands an outbound segment to whoever owns the channel.
type TransmitFunc func(SenderMessage)
