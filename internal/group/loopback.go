package group

import "sync"

// Loopback is an in-memory Broadcaster joining every instance created
// against the same Hub, used by the colo and group package tests in
// place of a real corosync/memberlist group. Grounded on the in-memory
// TestInvoker/UnityCluster wiring pattern used for testing the group
// transport without a real network.
type Loopback struct {
	hub        *Hub
	self       string
	deliveries chan Delivery
	peerLeft   chan struct{}

	mu     sync.Mutex
	closed bool
}

// Hub is the shared "group" two or more Loopback members join.
type Hub struct {
	mu      sync.Mutex
	members map[string]*Loopback
}

// NewHub creates an empty group for Loopback members to join.
func NewHub() *Hub {
	return &Hub{members: make(map[string]*Loopback)}
}

// Join creates a new Loopback member named id inside hub.
func (h *Hub) Join(id string) *Loopback {
	l := &Loopback{
		hub:        h,
		self:       id,
		deliveries: make(chan Delivery, 64),
		peerLeft:   make(chan struct{}, 4),
	}
	h.mu.Lock()
	h.members[id] = l
	h.mu.Unlock()
	return l
}

func (h *Hub) leave(id string) {
	h.mu.Lock()
	delete(h.members, id)
	remaining := make([]*Loopback, 0, len(h.members))
	for _, m := range h.members {
		remaining = append(remaining, m)
	}
	h.mu.Unlock()

	for _, m := range remaining {
		select {
		case m.peerLeft <- struct{}{}:
		default:
		}
	}
}

func (l *Loopback) Broadcast(payload []byte) error {
	l.hub.mu.Lock()
	members := make([]*Loopback, 0, len(l.hub.members))
	for _, m := range l.hub.members {
		members = append(members, m)
	}
	l.hub.mu.Unlock()

	cp := append([]byte(nil), payload...)
	for _, m := range members {
		fromSelf := m.self == l.self
		select {
		case m.deliveries <- Delivery{Payload: cp, FromSelf: fromSelf}:
		default:
		}
	}
	return nil
}

func (l *Loopback) Deliveries() <-chan Delivery { return l.deliveries }
func (l *Loopback) PeerLeft() <-chan struct{}   { return l.peerLeft }

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.hub.leave(l.self)
	return nil
}
