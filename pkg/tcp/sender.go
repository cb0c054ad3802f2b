package tcp

import (
	"go.uber.org/zap"

	"tcp-tcp-team-pa/pkg/bytestream"
	"tcp-tcp-team-pa/pkg/wrap32"
)

// SenderState is the lifecycle stage of a Sender.
type SenderState int

const (
	SenderNotStarted  SenderState = iota // SYN not sent yet
	SenderEstablished                    // SYN sent, data flowing
	SenderFinSent                        // input drained and FIN sent
	SenderReset                          // aborted by RST or stream error
)

func (s SenderState) String() string {
	switch s {
	case SenderNotStarted:
		return "NOT_STARTED"
	case SenderEstablished:
		return "ESTABLISHED"
	case SenderFinSent:
		return "FIN_SENT"
	case SenderReset:
		return "RESET"
	}
	return "UNKNOWN"
}

// outstanding is a transmitted segment waiting to be acknowledged.
type outstanding struct {
	seq uint64 // absolute sequence number of the segment's first slot
	msg SenderMessage
}

func (o outstanding) end() uint64 { return o.seq + o.msg.SequenceLength() }

// Sender reads bytes from its input stream and turns them into segments that
// fit the peer's advertised window, retransmitting the oldest unacknowledged
// segment whenever the retransmission timer expires.
type Sender struct {
	input *bytestream.ByteStream
	isn   wrap32.Wrap32
	mss   uint64
	state SenderState

	next     uint64 // absolute sequence number of the next new slot
	acked    uint64 // absolute sequence number acknowledged so far
	inFlight uint64 // slots sent but not acknowledged
	window   uint16 // last window advertised by the peer, raw

	queue []outstanding // retransmission queue, oldest first

	initialRTO   uint64
	rto          uint64 // current retransmission timeout in ms
	elapsed      uint64 // ms since the timer was (re)started
	timerRunning bool
	retx         uint64 // consecutive retransmissions

	log *zap.Logger
}

// NewSender creates a Sender that drains input and numbers its stream from isn.
func NewSender(input *bytestream.ByteStream, isn wrap32.Wrap32, cfg Config) *Sender {
	mss := cfg.MSS
	if mss == 0 {
		mss = DefaultMSS
	}
	rto := cfg.RTOMillis
	if rto == 0 {
		rto = DefaultRTOMillis
	}
	return &Sender{
		input:      input,
		isn:        isn,
		mss:        mss,
		window:     1, // Room for the SYN before the peer has advertised anything.
		initialRTO: rto,
		rto:        rto,
		log:        cfg.logger(),
	}
}

// Push sends as many new segments as the peer's window allows.
func (s *Sender) Push(transmit TransmitFunc) {
	r := s.input.Reader()
	if r.HasError() {
		s.state = SenderReset
		transmit(s.MakeEmptyMessage())
		return
	}

	// A zero window is treated as one slot so the peer gets probed.
	window := max(uint64(s.window), 1)
	for s.state != SenderFinSent && s.inFlight < window {
		room := window - s.inFlight
		msg := SenderMessage{Seqno: wrap32.Wrap(s.next, s.isn)}
		if s.state == SenderNotStarted {
			msg.SYN = true
			room--
		}
		if n := min(s.mss, room, r.BytesBuffered()); n > 0 {
			msg.Payload = append([]byte(nil), r.Peek()[:n]...)
			r.Pop(n)
			room -= n
		}
		if room > 0 && r.IsFinished() {
			msg.FIN = true
		}
		if msg.SequenceLength() == 0 {
			return
		}

		switch {
		case msg.FIN:
			s.state = SenderFinSent
		case msg.SYN:
			s.state = SenderEstablished
		}
		s.transmitNew(msg, transmit)
	}
}

func (s *Sender) transmitNew(msg SenderMessage, transmit TransmitFunc) {
	transmit(msg)
	s.queue = append(s.queue, outstanding{seq: s.next, msg: msg})
	s.next += msg.SequenceLength()
	s.inFlight += msg.SequenceLength()
	if !s.timerRunning {
		s.timerRunning = true
		s.elapsed = 0
	}
}

// MakeEmptyMessage returns a zero-length segment at the next sequence number.
// It carries RST if the input stream has failed.
func (s *Sender) MakeEmptyMessage() SenderMessage {
	return SenderMessage{
		Seqno: wrap32.Wrap(s.next, s.isn),
		RST:   s.input.Reader().HasError(),
	}
}

// Receive processes an acknowledgment and window update from the peer.
func (s *Sender) Receive(msg ReceiverMessage) {
	if msg.RST {
		s.log.Warn("sender: peer reset connection")
		s.input.Writer().SetError()
		s.queue = nil
		s.inFlight = 0
		s.state = SenderReset
		s.stopTimer()
		return
	}
	if s.input.Reader().HasError() {
		return
	}
	s.window = msg.WindowSize
	if msg.Ackno == nil {
		return
	}

	ack := msg.Ackno.Unwrap(s.isn, s.acked)
	if ack <= s.acked || ack > s.next {
		s.log.Debug("sender: ignoring ack",
			zap.Uint64("abs_ackno", ack),
			zap.Uint64("acked", s.acked),
			zap.Uint64("next", s.next),
		)
		return
	}
	s.inFlight -= ack - s.acked
	s.acked = ack
	for len(s.queue) > 0 && s.queue[0].end() <= ack {
		s.queue[0] = outstanding{}
		s.queue = s.queue[1:]
	}

	s.rto = s.initialRTO
	s.retx = 0
	s.elapsed = 0
	if len(s.queue) == 0 {
		s.stopTimer()
	}
}

// Tick tells the Sender that msSinceLastTick milliseconds have passed.
func (s *Sender) Tick(msSinceLastTick uint64, transmit TransmitFunc) {
	if s.timerRunning {
		s.elapsed += msSinceLastTick
	}
	if s.timerRunning && s.elapsed >= s.rto && len(s.queue) > 0 {
		oldest := s.queue[0].msg
		s.log.Debug("sender: retransmitting",
			zap.Stringer("segment", oldest),
			zap.Uint64("rto_ms", s.rto),
			zap.Uint64("consecutive", s.retx),
		)
		transmit(oldest)
		// A closed window means the peer stalled us, not the network.
		if s.window != 0 {
			s.rto *= 2
			s.retx++
		}
		s.elapsed = 0
	}
	if len(s.queue) == 0 {
		s.stopTimer()
	}
}

func (s *Sender) stopTimer() {
	s.timerRunning = false
	s.elapsed = 0
}

// SequenceNumbersInFlight returns how many sequence numbers are outstanding.
func (s *Sender) SequenceNumbersInFlight() uint64 { return s.inFlight }

// ConsecutiveRetransmissions returns how many retransmissions happened since
// the last acknowledgment that made progress.
func (s *Sender) ConsecutiveRetransmissions() uint64 { return s.retx }

// RTO returns the current retransmission timeout in milliseconds.
func (s *Sender) RTO() uint64 { return s.rto }

// State returns the lifecycle stage of the Sender.
func (s *Sender) State() SenderState { return s.state }

// SYNAcked reports whether the peer has acknowledged the SYN.
func (s *Sender) SYNAcked() bool { return s.acked > 0 }

// FinAcked reports whether the FIN has been sent and acknowledged.
func (s *Sender) FinAcked() bool { return s.state == SenderFinSent && s.inFlight == 0 }

// Writer returns the application-facing write side of the input stream.
func (s *Sender) Writer() *bytestream.Writer { return s.input.Writer() }

// Reader returns the read side of the input stream, for inspection.
func (s *Sender) Reader() *bytestream.Reader { return s.input.Reader() }
