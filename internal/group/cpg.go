package group

import (
	"fmt"
	"sync"

	"github.com/hashicorp/memberlist"
	"github.com/lukasstraub2/colod/internal/logging"
)

// CPG is a Broadcaster backed by github.com/hashicorp/memberlist,
// standing in for a corosync CPG group. memberlist gives us
// membership-change notifications (NotifyLeave, used for PeerLeft) and
// a broadcast queue (TransmitLimitedQueue, used for Broadcast); since
// gossip dissemination alone does not guarantee agreed order or
// self-delivery the way corosync CPG does, CPG delivers our own
// broadcasts to ourselves immediately and relies on the adapter's
// retransmission to converge the peer onto the same sequence even
// across a dropped gossip round.
type CPG struct {
	ml         *memberlist.Memberlist
	broadcasts *memberlist.TransmitLimitedQueue
	log        logging.Logger

	deliveries chan Delivery
	peerLeft   chan struct{}

	mu     sync.Mutex
	closed bool
}

// Config configures the memberlist-backed group.
type Config struct {
	// InstanceName is the well-known group name; it becomes the node's
	// advertised name and, together with BindPort, is how the peer
	// finds us.
	InstanceName string
	BindAddr     string
	BindPort     int
	// Peers lists addresses ("host:port") of already-known cluster
	// members to join on startup (normally just the one peer).
	Peers []string
}

type delegate struct {
	cpg *CPG
}

func (d *delegate) NodeMeta(limit int) []byte { return nil }

func (d *delegate) NotifyMsg(buf []byte) {
	if len(buf) == 0 {
		return
	}
	cp := append([]byte(nil), buf...)
	d.cpg.deliver(Delivery{Payload: cp, FromSelf: false})
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	return d.cpg.broadcasts.GetBroadcasts(overhead, limit)
}

func (d *delegate) LocalState(join bool) []byte { return nil }

func (d *delegate) MergeRemoteState(buf []byte, join bool) {}

type eventDelegate struct {
	cpg *CPG
}

func (e *eventDelegate) NotifyJoin(*memberlist.Node) {}

func (e *eventDelegate) NotifyLeave(*memberlist.Node) {
	select {
	case e.cpg.peerLeft <- struct{}{}:
	default:
	}
}

func (e *eventDelegate) NotifyUpdate(*memberlist.Node) {}

// NewCPG joins (or creates) the named group and returns a ready
// Broadcaster.
func NewCPG(cfg Config, log logging.Logger) (*CPG, error) {
	cpg := &CPG{
		log:        log,
		deliveries: make(chan Delivery, 64),
		peerLeft:   make(chan struct{}, 4),
	}

	mlConf := memberlist.DefaultLocalConfig()
	mlConf.Name = cfg.InstanceName
	if cfg.BindAddr != "" {
		mlConf.BindAddr = cfg.BindAddr
	}
	if cfg.BindPort != 0 {
		mlConf.BindPort = cfg.BindPort
		mlConf.AdvertisePort = cfg.BindPort
	}
	mlConf.Delegate = &delegate{cpg: cpg}
	mlConf.Events = &eventDelegate{cpg: cpg}

	ml, err := memberlist.Create(mlConf)
	if err != nil {
		return nil, fmt.Errorf("group: creating memberlist: %w", err)
	}
	cpg.ml = ml
	cpg.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       ml.NumMembers,
		RetransmitMult: 3,
	}

	if len(cfg.Peers) > 0 {
		if _, err := ml.Join(cfg.Peers); err != nil {
			log.Warnf("group: failed joining peers %v: %v", cfg.Peers, err)
		}
	}

	return cpg, nil
}

func (c *CPG) deliver(d Delivery) {
	select {
	case c.deliveries <- d:
	default:
		c.log.Warnf("group: delivery channel full, dropping message")
	}
}

func (c *CPG) Broadcast(payload []byte) error {
	c.broadcasts.QueueBroadcast(simpleBroadcast(payload))
	// Our own membership list doesn't loop gossip traffic back to
	// us, so deliver locally.
	c.deliver(Delivery{Payload: append([]byte(nil), payload...), FromSelf: true})
	return nil
}

func (c *CPG) Deliveries() <-chan Delivery { return c.deliveries }
func (c *CPG) PeerLeft() <-chan struct{}   { return c.peerLeft }

func (c *CPG) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.ml.Leave(0); err != nil {
		c.log.Warnf("group: leave error: %v", err)
	}
	return c.ml.Shutdown()
}

// simpleBroadcast adapts a raw payload to memberlist.Broadcast.
type simpleBroadcast []byte

func (b simpleBroadcast) Invalidates(other memberlist.Broadcast) bool { return false }
func (b simpleBroadcast) Message() []byte                             { return b }
func (b simpleBroadcast) Finished()                                   {}
