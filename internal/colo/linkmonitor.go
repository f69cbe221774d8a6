package colo

import (
	"context"
	"fmt"

	"github.com/lukasstraub2/colod/internal/logging"
	"github.com/vishvananda/netlink"
)

// LinkEvent is a single observed change of a monitored interface's
// operational state.
type LinkEvent struct {
	Iface string
	Up    bool
}

// LinkMonitor subscribes to kernel RTNETLINK link-state changes for one
// interface, replacing the original daemon's hand-rolled netlink.c with
// the standard Go netlink library.
type LinkMonitor struct {
	log    logging.Logger
	iface  string
	events chan LinkEvent
	stop   chan struct{}
}

// NewLinkMonitor starts watching iface and returns immediately; updates
// arrive on Events() until the passed context is cancelled.
func NewLinkMonitor(ctx context.Context, iface string, log logging.Logger) (*LinkMonitor, error) {
	updates := make(chan netlink.LinkUpdate)
	stop := make(chan struct{})
	if err := netlink.LinkSubscribe(updates, stop); err != nil {
		return nil, fmt.Errorf("linkmonitor: subscribe: %w", err)
	}

	lm := &LinkMonitor{
		log:    log,
		iface:  iface,
		events: make(chan LinkEvent, 16),
		stop:   stop,
	}
	go lm.run(ctx, updates)
	return lm, nil
}

func (lm *LinkMonitor) run(ctx context.Context, updates chan netlink.LinkUpdate) {
	for {
		select {
		case <-ctx.Done():
			close(lm.stop)
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Link.Attrs().Name != lm.iface {
				continue
			}
			up := u.Link.Attrs().OperState == netlink.OperUp
			select {
			case lm.events <- LinkEvent{Iface: lm.iface, Up: up}:
			default:
				lm.log.Warnf("linkmonitor: event channel full, dropping update for %s", lm.iface)
			}
		}
	}
}

// Events returns the channel of observed link-state changes.
func (lm *LinkMonitor) Events() <-chan LinkEvent {
	return lm.events
}
