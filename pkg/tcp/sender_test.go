package tcp

import (
	"math/rand"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"tcp-tcp-team-pa/pkg/bytestream"
	"tcp-tcp-team-pa/pkg/wrap32"
)

// segmentLog collects what a Sender transmits.
type segmentLog struct {
	segs []SenderMessage
}

func (l *segmentLog) transmit(m SenderMessage) { l.segs = append(l.segs, m) }

func (l *segmentLog) take() []SenderMessage {
	segs := l.segs
	l.segs = nil
	return segs
}

func newTestSender(t *testing.T, isn wrap32.Wrap32, mss uint64) (*Sender, *segmentLog) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MSS = mss
	cfg.RTOMillis = 100
	cfg.Logger = zaptest.NewLogger(t)
	return NewSender(bytestream.New(cfg.Capacity), isn, cfg), &segmentLog{}
}

func ackMsg(isn wrap32.Wrap32, abs uint64, window uint16) ReceiverMessage {
	ack := wrap32.Wrap(abs, isn)
	return ReceiverMessage{Ackno: &ack, WindowSize: window}
}

func TestSenderSYNFirst(t *testing.T) {
	const isn = 1 << 31
	s, log := newTestSender(t, isn, 1000)
	s.Push(log.transmit)
	segs := log.take()
	if len(segs) != 1 || !segs[0].SYN || segs[0].Seqno != isn || segs[0].SequenceLength() != 1 {
		t.Fatalf("want a lone SYN at isn, got %v", segs)
	}
	if s.State() != SenderEstablished || s.SequenceNumbersInFlight() != 1 {
		t.Fatalf("want established with 1 in flight, got %s with %d", s.State(), s.SequenceNumbersInFlight())
	}
	s.Writer().Push([]byte("data"))
	s.Push(log.transmit)
	if segs := log.take(); len(segs) != 0 {
		t.Fatalf("window of 1 is full, got %v", segs)
	}
}

func TestSenderWindowAndMSS(t *testing.T) {
	const isn = 7
	s, log := newTestSender(t, isn, 4)
	s.Push(log.transmit)
	log.take()
	s.Receive(ackMsg(isn, 1, 10))
	s.Writer().Push([]byte("hello world!!!"))
	s.Push(log.transmit)
	segs := log.take()
	var got []string
	for _, seg := range segs {
		got = append(got, string(seg.Payload))
	}
	if strings.Join(got, "|") != "hell|o wo|rl" {
		t.Fatalf("want payloads hell|o wo|rl, got %s", strings.Join(got, "|"))
	}
	if segs[1].Seqno != isn+5 || segs[2].Seqno != isn+9 {
		t.Fatalf("unexpected seqnos %d %d", segs[1].Seqno, segs[2].Seqno)
	}
	if s.SequenceNumbersInFlight() != 10 {
		t.Fatalf("want 10 in flight, got %d", s.SequenceNumbersInFlight())
	}
	// Partial ack opens window for more.
	s.Receive(ackMsg(isn, 5, 10))
	s.Push(log.transmit)
	segs = log.take()
	if len(segs) != 1 || string(segs[0].Payload) != "d!!!" {
		t.Fatalf("want d!!!, got %v", segs)
	}
}

func TestSenderFINRespectsWindow(t *testing.T) {
	const isn = 0
	s, log := newTestSender(t, isn, 1000)
	s.Push(log.transmit)
	log.take()
	s.Receive(ackMsg(isn, 1, 3))
	s.Writer().Push([]byte("abc"))
	s.Writer().Close()
	s.Push(log.transmit)
	segs := log.take()
	if len(segs) != 1 || segs[0].FIN || string(segs[0].Payload) != "abc" {
		t.Fatalf("FIN must wait for window, got %v", segs)
	}
	s.Receive(ackMsg(isn, 4, 3))
	s.Push(log.transmit)
	segs = log.take()
	if len(segs) != 1 || !segs[0].FIN || segs[0].SequenceLength() != 1 || segs[0].Seqno != 4 {
		t.Fatalf("want a lone FIN at 4, got %v", segs)
	}
	if s.State() != SenderFinSent {
		t.Fatalf("want FIN_SENT, got %s", s.State())
	}
	s.Push(log.transmit)
	if segs := log.take(); len(segs) != 0 {
		t.Fatalf("nothing may follow FIN, got %v", segs)
	}
	s.Receive(ackMsg(isn, 5, 3))
	if !s.FinAcked() {
		t.Fatal("want FIN acknowledged")
	}
}

func TestSenderDataAndFINTogether(t *testing.T) {
	s, log := newTestSender(t, 0, 1000)
	s.Push(log.transmit)
	s.Receive(ackMsg(0, 1, 100))
	log.take()
	s.Writer().Push([]byte("bye"))
	s.Writer().Close()
	s.Push(log.transmit)
	segs := log.take()
	if len(segs) != 1 || !segs[0].FIN || string(segs[0].Payload) != "bye" || segs[0].SequenceLength() != 4 {
		t.Fatalf("want bye+FIN, got %v", segs)
	}
}

func TestSenderIgnoresBadAcks(t *testing.T) {
	const isn = 100
	s, log := newTestSender(t, isn, 1000)
	s.Push(log.transmit)
	s.Receive(ackMsg(isn, 5, 100)) // Acks bytes never sent.
	if s.SequenceNumbersInFlight() != 1 {
		t.Fatalf("ack beyond next must be ignored, in flight=%d", s.SequenceNumbersInFlight())
	}
	s.Receive(ackMsg(isn, 1, 100))
	s.Receive(ackMsg(isn, 1, 100)) // Duplicate does not advance.
	s.Receive(ackMsg(isn, 0, 100))
	if s.SequenceNumbersInFlight() != 0 {
		t.Fatalf("want nothing in flight, got %d", s.SequenceNumbersInFlight())
	}
}

func TestSenderRTOBackoffAndReset(t *testing.T) {
	const isn = 9
	s, log := newTestSender(t, isn, 1000)
	s.Push(log.transmit)
	s.Receive(ackMsg(isn, 1, 100))
	s.Writer().Push([]byte("x"))
	s.Push(log.transmit)
	first := log.take()[1]

	rto := uint64(100)
	for n := 1; n <= 5; n++ {
		s.Tick(rto-1, log.transmit)
		if segs := log.take(); len(segs) != 0 {
			t.Fatalf("timeout %d fired early", n)
		}
		s.Tick(1, log.transmit)
		segs := log.take()
		if len(segs) != 1 || segs[0].Seqno != first.Seqno || string(segs[0].Payload) != "x" {
			t.Fatalf("timeout %d: want verbatim retransmission, got %v", n, segs)
		}
		rto *= 2
		if s.RTO() != rto || s.ConsecutiveRetransmissions() != uint64(n) {
			t.Fatalf("timeout %d: want rto=%d retx=%d, got rto=%d retx=%d", n, rto, n, s.RTO(), s.ConsecutiveRetransmissions())
		}
	}
	s.Receive(ackMsg(isn, 2, 100))
	if s.RTO() != 100 || s.ConsecutiveRetransmissions() != 0 {
		t.Fatalf("ack must reset rto and counter, got rto=%d retx=%d", s.RTO(), s.ConsecutiveRetransmissions())
	}
	s.Tick(1000, log.transmit)
	if segs := log.take(); len(segs) != 0 {
		t.Fatalf("timer must stop once everything is acked, got %v", segs)
	}
}

func TestSenderTimerNotRestartedByPush(t *testing.T) {
	s, log := newTestSender(t, 0, 1000)
	s.Push(log.transmit)
	s.Receive(ackMsg(0, 1, 100))
	s.Writer().Push([]byte("a"))
	s.Push(log.transmit)
	s.Tick(60, log.transmit)
	s.Writer().Push([]byte("b"))
	s.Push(log.transmit)
	log.take()
	s.Tick(40, log.transmit)
	segs := log.take()
	if len(segs) != 1 || string(segs[0].Payload) != "a" {
		t.Fatalf("want oldest segment retransmitted at 100ms, got %v", segs)
	}
}

func TestSenderZeroWindowProbe(t *testing.T) {
	const isn = 0
	s, log := newTestSender(t, isn, 1000)
	s.Push(log.transmit)
	s.Receive(ackMsg(isn, 1, 0))
	log.take()
	s.Writer().Push([]byte("probe"))
	s.Push(log.transmit)
	segs := log.take()
	if len(segs) != 1 || string(segs[0].Payload) != "p" {
		t.Fatalf("zero window must allow a one byte probe, got %v", segs)
	}
	for i := 0; i < 3; i++ {
		s.Tick(100, log.transmit)
		if segs := log.take(); len(segs) != 1 {
			t.Fatalf("probe %d: want retransmission, got %v", i, segs)
		}
	}
	if s.RTO() != 100 || s.ConsecutiveRetransmissions() != 0 {
		t.Fatalf("zero window must not back off, got rto=%d retx=%d", s.RTO(), s.ConsecutiveRetransmissions())
	}
}

func TestSenderStreamErrorSendsRST(t *testing.T) {
	s, log := newTestSender(t, 0, 1000)
	s.Push(log.transmit)
	log.take()
	s.Writer().SetError()
	s.Push(log.transmit)
	segs := log.take()
	if len(segs) != 1 || !segs[0].RST || segs[0].SequenceLength() != 0 {
		t.Fatalf("want exactly one RST, got %v", segs)
	}
	if s.SequenceNumbersInFlight() != 1 || s.State() != SenderReset {
		t.Fatalf("RST must not touch the retransmission queue, in flight=%d state=%s", s.SequenceNumbersInFlight(), s.State())
	}
}

func TestSenderInboundRST(t *testing.T) {
	s, log := newTestSender(t, 0, 1000)
	s.Push(log.transmit)
	s.Receive(ReceiverMessage{RST: true})
	if !s.Writer().HasError() || s.State() != SenderReset {
		t.Fatal("RST must error the outbound stream")
	}
	if n := s.SequenceNumbersInFlight(); n != 0 {
		t.Fatalf("want nothing in flight after RST, got %d", n)
	}
	log.take()
	s.Tick(10000, log.transmit)
	if segs := log.take(); len(segs) != 0 {
		t.Fatalf("reset sender must not retransmit, got %v", segs)
	}
}

func TestSenderInFlightBound(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	const isn = 0xfffffff0
	s, log := newTestSender(t, isn, 7)
	s.Push(log.transmit)
	var sent uint64
	for _, seg := range log.take() {
		sent += seg.SequenceLength()
	}
	for i := 0; i < 2000; i++ {
		switch rng.Intn(3) {
		case 0:
			s.Writer().Push(make([]byte, rng.Intn(40)))
		case 1:
			acked := sent - s.SequenceNumbersInFlight()
			ack := acked + uint64(rng.Intn(int(s.SequenceNumbersInFlight())+1))
			s.Receive(ackMsg(isn, ack, uint16(rng.Intn(30))))
		case 2:
			s.Tick(uint64(rng.Intn(200)), log.transmit)
			log.take() // Retransmissions occupy no new sequence space.
		}
		s.Push(log.transmit)
		segs := log.take()
		for _, seg := range segs {
			if seg.Seqno != wrap32.Wrap(sent, isn) {
				t.Fatalf("step %d: new segment at %s, want %s", i, seg.Seqno, wrap32.Wrap(sent, isn))
			}
			if seg.SequenceLength() == 0 || uint64(len(seg.Payload)) > 7 {
				t.Fatalf("step %d: bad segment %v", i, seg)
			}
			sent += seg.SequenceLength()
		}
		// The window may shrink under segments already in flight, but nothing
		// new may be sent past it.
		if limit := max(uint64(s.window), 1); len(segs) > 0 && s.SequenceNumbersInFlight() > limit {
			t.Fatalf("step %d: %d in flight exceeds window %d", i, s.SequenceNumbersInFlight(), limit)
		}
	}
}
