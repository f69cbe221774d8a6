package group

import "time"

// RetransmitInterval is the fixed retransmission period for unacked
// sends.
const RetransmitInterval = 100 * time.Millisecond

// Delivery is one message observed arriving through the group, whether
// broadcast by us or by the peer.
type Delivery struct {
	Payload  []byte
	FromSelf bool
}

// Broadcaster is the low-level primitive a concrete group-messaging
// backing must provide: reliable, agreed-order broadcast to the named
// group, self-delivery of our own sends, and a membership-change signal.
// Transport (below) is built generically on top of any Broadcaster.
type Broadcaster interface {
	// Broadcast sends payload to every non-failed member, including
	// ourselves (self-delivery).
	Broadcast(payload []byte) error

	// Deliveries returns the channel of all messages observed arriving,
	// our own included.
	Deliveries() <-chan Delivery

	// PeerLeft returns a channel that receives a value whenever the
	// group's membership shrinks (the peer left without a coordinated
	// Failed broadcast).
	PeerLeft() <-chan struct{}

	// Close tears down the broadcaster.
	Close() error
}

// DeliverFunc is invoked for every delivered PeerMessage.
type DeliverFunc func(msg MessageKind, fromSelf bool)

// Transport is the adapter API the orchestrator depends on: send
// a PeerMessage with self-retransmission until self-delivery, subscribe
// to deliveries, and subscribe to peer-left notifications.
type Transport interface {
	// Send is non-blocking; it marks the kind pending-retransmit and
	// the adapter keeps resending it on RetransmitInterval until the
	// adapter observes it delivered back to itself.
	Send(kind MessageKind) error

	// OnDeliver registers a callback invoked for every delivered
	// message (ours or the peer's).
	OnDeliver(fn DeliverFunc)

	// OnPeerLeft registers a callback invoked when the peer leaves the
	// group without a coordinated shutdown; the orchestrator treats
	// this as FailoverSync plus peer_failed.
	OnPeerLeft(fn func())

	Close() error
}
