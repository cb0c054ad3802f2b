package tcp

import (
	"go.uber.org/zap"

	"tcp-tcp-team-pa/pkg/bytestream"
	"tcp-tcp-team-pa/pkg/reassembler"
	"tcp-tcp-team-pa/pkg/wrap32"
)

// Receiver turns inbound segments into stream bytes and produces the
// acknowledgment and window advertisement for the peer's sender.
type Receiver struct {
	reassembler *reassembler.Reassembler
	isn         wrap32.Wrap32
	hasISN      bool
	checkpoint  uint64 // latest absolute stream index, never decreases
	finSeen     bool
	rst         bool
	log         *zap.Logger
}

// NewReceiver creates a Receiver feeding r.
func NewReceiver(r *reassembler.Reassembler, cfg Config) *Receiver {
	return &Receiver{reassembler: r, log: cfg.logger()}
}

// Receive processes one segment from the peer's sender.
func (r *Receiver) Receive(msg SenderMessage) {
	if msg.RST {
		r.log.Warn("receiver: peer reset connection")
		r.rst = true
		r.reassembler.SetError()
		return
	}
	if msg.SYN {
		if !r.hasISN {
			r.isn = msg.Seqno
			r.hasISN = true
		} else if msg.Seqno != r.isn {
			r.log.Debug("receiver: dropping SYN with conflicting ISN",
				zap.Stringer("isn", r.isn),
				zap.Stringer("seqno", msg.Seqno),
			)
			return
		}
	}
	if !r.hasISN {
		r.log.Debug("receiver: dropping segment before SYN", zap.Stringer("segment", msg))
		return
	}
	if msg.FIN {
		r.finSeen = true
	}

	// The SYN takes absolute sequence number 0, so stream index = seqno - 1
	// for every byte that does not share its segment with the SYN.
	abs := msg.Seqno.Unwrap(r.isn, r.checkpoint)
	var index uint64
	switch {
	case msg.SYN:
		index = abs
	case abs == 0:
		r.log.Debug("receiver: dropping segment at the SYN slot", zap.Stringer("segment", msg))
		return
	default:
		index = abs - 1
	}
	r.reassembler.Insert(index, msg.Payload, msg.FIN)
	r.checkpoint = max(r.checkpoint, index+uint64(len(msg.Payload)))
}

// Send builds the acknowledgment for everything received so far.
func (r *Receiver) Send() ReceiverMessage {
	w := r.reassembler.Writer()
	msg := ReceiverMessage{
		WindowSize: uint16(min(w.AvailableCapacity(), MaxWindowSize)),
		RST:        r.rst || w.HasError(),
	}
	if r.hasISN {
		// One slot for the SYN, one per byte, one for the FIN once the stream closed.
		n := 1 + w.BytesPushed()
		if w.IsClosed() {
			n++
		}
		ackno := wrap32.Wrap(n, r.isn)
		msg.Ackno = &ackno
	}
	return msg
}

// SYNReceived reports whether the peer's ISN is known.
func (r *Receiver) SYNReceived() bool { return r.hasISN }

// FinSeen reports whether any segment carrying FIN has arrived.
func (r *Receiver) FinSeen() bool { return r.finSeen }

// RSTReceived reports whether the peer aborted the connection.
func (r *Receiver) RSTReceived() bool { return r.rst }

// Reassembler returns the reassembler the Receiver feeds.
func (r *Receiver) Reassembler() *reassembler.Reassembler { return r.reassembler }

// Reader returns the application-facing read side of the inbound stream.
func (r *Receiver) Reader() *bytestream.Reader { return r.reassembler.Reader() }
