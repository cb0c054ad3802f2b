package tcp

import (
	"bytes"
	"math/rand"
	"testing"

	"go.uber.org/zap/zaptest"

	"tcp-tcp-team-pa/pkg/bytestream"
	"tcp-tcp-team-pa/pkg/wrap32"
)

// wire carries messages between two peers, optionally losing, duplicating
// and reordering them.
type wire struct {
	rng     *rand.Rand
	loss    float64
	dup     float64
	reorder float64
	queue   []TCPMessage
	sent    []TCPMessage
}

func (w *wire) send(msg TCPMessage) {
	w.sent = append(w.sent, msg)
	if w.rng != nil && w.rng.Float64() < w.loss {
		return
	}
	msg.Sender.Payload = append([]byte(nil), msg.Sender.Payload...)
	w.queue = append(w.queue, msg)
	if w.rng != nil && w.rng.Float64() < w.dup {
		w.queue = append(w.queue, msg)
	}
}

func (w *wire) deliver(to *Peer, reply MessageFunc) {
	queue := w.queue
	w.queue = nil
	if w.rng != nil && w.rng.Float64() < w.reorder {
		w.rng.Shuffle(len(queue), func(i, j int) { queue[i], queue[j] = queue[j], queue[i] })
	}
	for _, msg := range queue {
		to.Receive(msg, reply)
	}
}

func newTestPeer(t *testing.T, isn wrap32.Wrap32) *Peer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Capacity = 4000
	cfg.RTOMillis = 100
	cfg.Logger = zaptest.NewLogger(t)
	return NewPeer(cfg, isn)
}

// exchange runs a and b against each other until both go quiet or rounds run out.
func exchange(a, b *Peer, ab, ba *wire, rounds int, each func()) {
	for i := 0; i < rounds && (a.Active() || b.Active()); i++ {
		if each != nil {
			each()
		}
		a.Push(ab.send)
		b.Push(ba.send)
		ab.deliver(b, ba.send)
		ba.deliver(a, ab.send)
		a.Tick(10, ab.send)
		b.Tick(10, ba.send)
	}
}

func countFlags(msgs []TCPMessage) (syn, fin int) {
	for _, m := range msgs {
		if m.Sender.SYN {
			syn++
		}
		if m.Sender.FIN {
			fin++
		}
	}
	return syn, fin
}

func TestPeerHello(t *testing.T) {
	a := newTestPeer(t, 1000)
	b := newTestPeer(t, 0xfffffff0)
	ab, ba := &wire{}, &wire{}

	a.Outbound().Push([]byte("hello"))
	a.Outbound().Close()
	b.Outbound().Close()
	exchange(a, b, ab, ba, 50, nil)

	if got := string(bytestream.ReadAll(b.Inbound())); got != "hello" {
		t.Fatalf("want hello, got %q", got)
	}
	if !b.Inbound().IsFinished() || !a.Inbound().IsFinished() {
		t.Fatal("want both inbound streams finished")
	}
	if syn, fin := countFlags(ab.sent); syn != 1 || fin != 1 {
		t.Fatalf("a: want one SYN and one FIN, got %d and %d", syn, fin)
	}
	if syn, fin := countFlags(ba.sent); syn != 1 || fin != 1 {
		t.Fatalf("b: want one SYN and one FIN, got %d and %d", syn, fin)
	}
	if !a.Sender().FinAcked() || !b.Sender().FinAcked() {
		t.Fatal("want both FINs acknowledged")
	}
}

func TestPeerPassiveCloseDoesNotLinger(t *testing.T) {
	a := newTestPeer(t, 1)
	b := newTestPeer(t, 2)
	ab, ba := &wire{}, &wire{}

	a.Outbound().Close()
	exchange(a, b, ab, ba, 5, nil)
	if !b.Inbound().IsFinished() || b.Lingering() {
		t.Fatal("b heard FIN first and must not linger")
	}
	b.Outbound().Close()
	exchange(a, b, ab, ba, 20, nil)
	if b.Active() {
		t.Fatal("b must be done once its FIN is acknowledged")
	}
	if !a.Lingering() || !a.Active() {
		t.Fatal("a closed first and must linger")
	}
	// Ten initial RTOs without inbound traffic ends the linger.
	for i := 0; i < 100 && a.Active(); i++ {
		a.Tick(10, ab.send)
	}
	if a.Active() {
		t.Fatal("a must stop lingering after 10 RTOs")
	}
}

func TestPeerAcksData(t *testing.T) {
	a := newTestPeer(t, 0)
	b := newTestPeer(t, 0)
	ab, ba := &wire{}, &wire{}
	exchange(a, b, ab, ba, 3, nil)
	ba.sent = nil

	a.Outbound().Push([]byte("ping"))
	a.Push(ab.send)
	ab.deliver(b, ba.send)
	if len(ba.sent) != 1 {
		t.Fatalf("want exactly one ack from b, got %d", len(ba.sent))
	}
	ack := ba.sent[0]
	if ack.Sender.SequenceLength() != 0 || ack.Receiver.Ackno == nil || *ack.Receiver.Ackno != wrap32.Wrap(5, 0) {
		t.Fatalf("want bare ack of 5, got %s / %s", ack.Sender, ack.Receiver)
	}

	// Pure acks are not acknowledged in turn.
	ab.sent = nil
	ba.deliver(a, ab.send)
	if len(ab.sent) != 0 {
		t.Fatalf("ack must not be acked, got %v", ab.sent)
	}
}

func TestPeerKeepAlive(t *testing.T) {
	a := newTestPeer(t, 50)
	b := newTestPeer(t, 60)
	ab, ba := &wire{}, &wire{}
	exchange(a, b, ab, ba, 3, nil)
	ba.sent = nil

	// A zero-length probe one below the acknowledged point still gets an answer.
	probe := TCPMessage{
		Sender:   SenderMessage{Seqno: a.Sender().MakeEmptyMessage().Seqno - 1},
		Receiver: a.Receiver().Send(),
	}
	b.Receive(probe, ba.send)
	if len(ba.sent) != 1 {
		t.Fatalf("want keep-alive answered, got %d messages", len(ba.sent))
	}
}

func TestPeerAbortsAfterMaxRetx(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RTOMillis = 10
	cfg.MaxRetxAttempts = 3
	cfg.Logger = zaptest.NewLogger(t)
	p := NewPeer(cfg, 0)
	blackhole := &wire{}
	p.Push(blackhole.send)

	for i := 0; i < 10000 && p.Active(); i++ {
		p.Tick(10, blackhole.send)
	}
	if p.Active() || !p.HasError() {
		t.Fatal("want peer aborted")
	}
	last := blackhole.sent[len(blackhole.sent)-1]
	if !last.Sender.RST || !last.Receiver.RST {
		t.Fatalf("want final RST, got %s / %s", last.Sender, last.Receiver)
	}
	if got := p.Sender().ConsecutiveRetransmissions(); got != 4 {
		t.Fatalf("want abort on the 4th retransmission, got %d", got)
	}
}

func TestPeerAbortReachesRemote(t *testing.T) {
	a := newTestPeer(t, 7)
	b := newTestPeer(t, 8)
	ab, ba := &wire{}, &wire{}
	exchange(a, b, ab, ba, 3, nil)

	a.Abort(ab.send)
	ba.sent = nil
	ab.deliver(b, ba.send)
	if !b.HasError() || b.Active() {
		t.Fatal("RST must error the remote")
	}
	if len(ba.sent) != 0 {
		t.Fatalf("RST must not be answered, got %v", ba.sent)
	}
}

func TestPeerLossyChannel(t *testing.T) {
	for _, seed := range []int64{1, 2, 3} {
		rng := rand.New(rand.NewSource(seed))
		a := newTestPeer(t, wrap32.Wrap32(rng.Uint32()))
		b := newTestPeer(t, wrap32.Wrap32(rng.Uint32()))
		ab := &wire{rng: rng, loss: 0.1, dup: 0.05, reorder: 0.3}
		ba := &wire{rng: rng, loss: 0.1, dup: 0.05, reorder: 0.3}

		want := make([]byte, 50000)
		rng.Read(want)
		var got []byte
		offset := 0
		exchange(a, b, ab, ba, 100000, func() {
			n := min(int(a.Outbound().AvailableCapacity()), len(want)-offset)
			a.Outbound().Push(want[offset : offset+n])
			offset += n
			if offset == len(want) && !a.Outbound().IsClosed() {
				a.Outbound().Close()
				b.Outbound().Close()
			}
			got = append(got, bytestream.ReadAll(b.Inbound())...)
		})
		got = append(got, bytestream.ReadAll(b.Inbound())...)
		if !bytes.Equal(got, want) {
			t.Fatalf("seed %d: stream corrupted, got %d of %d bytes", seed, len(got), len(want))
		}
		if !b.Inbound().IsFinished() {
			t.Fatalf("seed %d: want inbound finished", seed)
		}
	}
}
