package group

import (
	"context"
	"sync"
	"time"

	"github.com/lukasstraub2/colod/internal/logging"
)

// adapter is the generic Transport built on top of any Broadcaster. It is
// grounded on a core poll/consume goroutine
// pair and on the original daemon's cpg.c retransmit ticker
// (colod_cpg_retransmit_cb): every pending (unacked) kind is resent on
// every tick until self-delivery clears its flag.
type adapter struct {
	log   logging.Logger
	bcast Broadcaster

	mu        sync.Mutex
	pending   map[MessageKind]bool
	ticker    *time.Ticker
	tickerOff func()

	deliverFns  []DeliverFunc
	peerLeftFns []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransport wraps a Broadcaster into the PeerMessage-level Transport
// API, handling retransmission and fan-out to registered callbacks.
func NewTransport(bcast Broadcaster, log logging.Logger) Transport {
	ctx, cancel := context.WithCancel(context.Background())
	a := &adapter{
		log:     log,
		bcast:   bcast,
		pending: make(map[MessageKind]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	a.wg.Add(2)
	go a.pollDeliveries()
	go a.pollPeerLeft()
	return a
}

func (a *adapter) Send(kind MessageKind) error {
	a.mu.Lock()
	alreadyPending := a.pending[kind]
	a.pending[kind] = true
	needTicker := a.ticker == nil
	if needTicker {
		a.ticker = time.NewTicker(RetransmitInterval)
		a.wg.Add(1)
		go a.retransmitLoop(a.ticker)
	}
	a.mu.Unlock()

	if alreadyPending {
		// Idempotent: the flag is already set, nothing more to do
		// until the ticker's next fire.
		return nil
	}
	return a.bcast.Broadcast(Encode(kind))
}

func (a *adapter) retransmitLoop(ticker *time.Ticker) {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			kinds := make([]MessageKind, 0, len(a.pending))
			for k, pending := range a.pending {
				if pending {
					kinds = append(kinds, k)
				}
			}
			a.mu.Unlock()

			for _, k := range kinds {
				if err := a.bcast.Broadcast(Encode(k)); err != nil {
					a.log.Errorf("group: retransmit %s failed: %v", k, err)
				}
			}
		}
	}
}

func (a *adapter) pollDeliveries() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case d, ok := <-a.bcast.Deliveries():
			if !ok {
				return
			}
			kind, err := Decode(d.Payload)
			if err != nil {
				a.log.Warnf("group: dropping malformed message: %v", err)
				continue
			}

			if d.FromSelf {
				a.mu.Lock()
				delete(a.pending, kind)
				a.mu.Unlock()
			}

			a.mu.Lock()
			fns := append([]DeliverFunc(nil), a.deliverFns...)
			a.mu.Unlock()
			for _, fn := range fns {
				fn(kind, d.FromSelf)
			}
		}
	}
}

func (a *adapter) pollPeerLeft() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case _, ok := <-a.bcast.PeerLeft():
			if !ok {
				return
			}
			a.mu.Lock()
			fns := append([]func(){}, a.peerLeftFns...)
			a.mu.Unlock()
			for _, fn := range fns {
				fn()
			}
		}
	}
}

func (a *adapter) OnDeliver(fn DeliverFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deliverFns = append(a.deliverFns, fn)
}

func (a *adapter) OnPeerLeft(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peerLeftFns = append(a.peerLeftFns, fn)
}

func (a *adapter) Close() error {
	a.mu.Lock()
	if a.ticker != nil {
		a.ticker.Stop()
	}
	a.mu.Unlock()
	a.cancel()
	err := a.bcast.Close()
	a.wg.Wait()
	return err
}
