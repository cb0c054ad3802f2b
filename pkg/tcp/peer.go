package tcp

import (
	"go.uber.org/zap"

	"tcp-tcp-team-pa/pkg/bytestream"
	"tcp-tcp-team-pa/pkg/reassembler"
	"tcp-tcp-team-pa/pkg/wrap32"
)

// lingerRTOs is how many initial RTOs an active closer waits after the last
// inbound segment before it considers the connection done.
const lingerRTOs = 10

// MessageFunc hands a full outbound message to the channel.
type MessageFunc func(TCPMessage)

// Peer is one endpoint of a connection: a Sender for the outbound stream and
// a Receiver for the inbound one, with every outbound segment carrying the
// Receiver's latest acknowledgment.
type Peer struct {
	cfg      Config
	sender   *Sender
	receiver *Receiver

	needAck     bool   // an inbound segment occupied sequence space and is not acked yet
	linger      bool   // wait after both streams finish, cleared when the peer closed first
	now         uint64 // ms accumulated through Tick
	lastReceipt uint64 // value of now at the last Receive

	log *zap.Logger
}

// NewPeer creates an endpoint with fresh inbound and outbound streams of
// cfg.Capacity bytes each. isn numbers the outbound stream.
func NewPeer(cfg Config, isn wrap32.Wrap32) *Peer {
	log := cfg.logger()
	inbound := reassembler.New(bytestream.New(cfg.Capacity), reassembler.WithLogger(log))
	return &Peer{
		cfg:      cfg,
		sender:   NewSender(bytestream.New(cfg.Capacity), isn, cfg),
		receiver: NewReceiver(inbound, cfg),
		linger:   true,
		log:      log,
	}
}

// Push sends whatever the outbound stream and window allow, plus a bare
// acknowledgment if one is owed and no data went out.
func (p *Peer) Push(transmit MessageFunc) {
	sent := false
	p.sender.Push(func(seg SenderMessage) {
		sent = true
		p.transmit(seg, transmit)
	})
	if p.needAck && !sent {
		p.transmit(p.sender.MakeEmptyMessage(), transmit)
	}
}

// Receive processes one inbound message and responds through transmit.
func (p *Peer) Receive(msg TCPMessage, transmit MessageFunc) {
	if !p.Active() {
		return
	}
	p.lastReceipt = p.now
	p.needAck = msg.Sender.SequenceLength() > 0

	// Keep-alive probes sit one slot before what we already acknowledge.
	if ack := p.receiver.Send().Ackno; ack != nil && msg.Sender.SequenceLength() == 0 && msg.Sender.Seqno.Add(1) == *ack {
		p.needAck = true
	}

	p.receiver.Receive(msg.Sender)
	p.sender.Receive(msg.Receiver)
	if msg.Sender.RST || msg.Receiver.RST {
		return
	}

	// The peer finished first, so it will be the one waiting out stray segments.
	if p.receiver.Reassembler().Writer().IsClosed() && !p.sender.Reader().IsFinished() {
		p.linger = false
	}
	p.Push(transmit)
}

// Tick advances time by ms milliseconds, retransmitting if needed and
// aborting once too many consecutive retransmissions have failed.
func (p *Peer) Tick(ms uint64, transmit MessageFunc) {
	if !p.Active() {
		return
	}
	p.now += ms
	p.sender.Tick(ms, func(seg SenderMessage) { p.transmit(seg, transmit) })
	if p.sender.ConsecutiveRetransmissions() > p.cfg.MaxRetxAttempts {
		p.log.Warn("peer: too many consecutive retransmissions, aborting",
			zap.Uint64("retransmissions", p.sender.ConsecutiveRetransmissions()),
		)
		p.Abort(transmit)
	}
}

// Abort errors both streams and sends RST.
func (p *Peer) Abort(transmit MessageFunc) {
	p.sender.Writer().SetError()
	p.receiver.Reassembler().SetError()
	p.transmit(p.sender.MakeEmptyMessage(), transmit)
}

// Active reports whether the connection still has work to do.
func (p *Peer) Active() bool {
	if p.HasError() {
		return false
	}
	inboundDone := p.receiver.Reassembler().Writer().IsClosed()
	if !inboundDone || !p.sender.FinAcked() {
		return true
	}
	if !p.linger {
		return false
	}
	return p.now < p.lastReceipt+lingerRTOs*p.sender.initialRTO
}

// HasError reports whether either stream has failed.
func (p *Peer) HasError() bool {
	return p.sender.Reader().HasError() || p.receiver.Reader().HasError()
}

func (p *Peer) transmit(seg SenderMessage, transmit MessageFunc) {
	p.needAck = false
	msg := TCPMessage{Sender: seg, Receiver: p.receiver.Send()}
	if seg.RST {
		msg.Receiver.RST = true
	}
	transmit(msg)
}

// Outbound returns the write side of the stream sent to the peer.
func (p *Peer) Outbound() *bytestream.Writer { return p.sender.Writer() }

// Inbound returns the read side of the stream received from the peer.
func (p *Peer) Inbound() *bytestream.Reader { return p.receiver.Reader() }

// Sender returns the outbound half.
func (p *Peer) Sender() *Sender { return p.sender }

// Receiver returns the inbound half.
func (p *Peer) Receiver() *Receiver { return p.receiver }

// Lingering reports whether the peer will wait after both streams finish.
func (p *Peer) Lingering() bool { return p.linger }
