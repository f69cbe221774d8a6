package colo

import (
	"context"
	"sync"
	"time"

	"github.com/lukasstraub2/colod/internal/group"
	"github.com/lukasstraub2/colod/internal/logging"
)

// Default hysteresis windows.
const (
	DefaultYellowT1 = 500 * time.Millisecond
	DefaultYellowT2 = 1000 * time.Millisecond
)

// YellowDebouncer runs the two-stage hysteresis state machine on
// top of a LinkMonitor's raw up/down stream, announcing a settled
// transition to the peer after t1 and committing it locally (via the
// shared EventQueue) after a further t2 with no reversal. Grounded on
// core/peer.go's timer-driven re-arm idiom (reprocessMessage's
// time.After retry loop).
type YellowDebouncer struct {
	log    logging.Logger
	queue  *EventQueue
	tr     group.Transport
	t1, t2 time.Duration
	events <-chan LinkEvent
	done   chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

// NewYellowDebouncer starts the debouncer. A zero t1/t2 falls back to
// the package defaults.
func NewYellowDebouncer(ctx context.Context, events <-chan LinkEvent, queue *EventQueue, tr group.Transport, t1, t2 time.Duration, log logging.Logger) *YellowDebouncer {
	if t1 <= 0 {
		t1 = DefaultYellowT1
	}
	if t2 <= 0 {
		t2 = DefaultYellowT2
	}
	y := &YellowDebouncer{
		log:    log,
		queue:  queue,
		tr:     tr,
		t1:     t1,
		t2:     t2,
		events: events,
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go y.run(ctx)
	return y
}

// Done closes once the debouncer's goroutine has exited.
func (y *YellowDebouncer) Done() <-chan struct{} {
	return y.done
}

// Suspend halts the hysteresis state machine immediately, discarding any
// in-flight t1/t2 window. Used when a more direct signal (a quorum
// failure on the storage path) has already decided the outcome and the
// debounce logic would only get in the way. Safe to call more than once.
func (y *YellowDebouncer) Suspend() {
	y.stopOnce.Do(func() { close(y.stop) })
}

func linkKind(down bool) Kind {
	if down {
		return Yellow
	}
	return Unyellow
}

func oppositeKind(k Kind) Kind {
	if k == Yellow {
		return Unyellow
	}
	return Yellow
}

func messageKindFor(k Kind) group.MessageKind {
	if k == Yellow {
		return group.Yellow
	}
	return group.Unyellow
}

func (y *YellowDebouncer) run(ctx context.Context) {
	defer close(y.done)

	// Step 1, initial target: waiting for the link to go down ("Yellow").
	target := Yellow
	for {
		if !y.waitForTarget(ctx, target) {
			return
		}

		armed, ok := y.armT1(ctx, target)
		if !ok {
			return
		}
		if !armed {
			// An opposite-kind event arrived inside t1: restart from
			// step 1 with the same target.
			continue
		}

		if err := y.tr.Send(messageKindFor(target)); err != nil {
			y.log.Warnf("yellow: announcing %s failed: %v", target, err)
		}

		committed, ok := y.armT2(ctx, target)
		if !ok {
			return
		}
		if !committed {
			// Reverted inside t2: restart from step 1, same target.
			continue
		}

		if err := y.queue.Add(target, nil); err != nil {
			y.log.Warnf("yellow: committing %s failed: %v", target, err)
		}
		target = oppositeKind(target)
	}
}

// waitForTarget blocks until an event matching target arrives, returning
// false only if the context is done or the event source closed.
func (y *YellowDebouncer) waitForTarget(ctx context.Context, target Kind) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-y.stop:
			return false
		case ev, ok := <-y.events:
			if !ok {
				return false
			}
			if linkKind(!ev.Up) == target {
				return true
			}
		}
	}
}

// armT1 waits out t1. It returns (armed=true, ok=true) on expiry, and
// (armed=false, ok=true) if an opposite-kind event interrupted the
// window (caller restarts from step 1). ok=false means the debouncer is
// shutting down.
func (y *YellowDebouncer) armT1(ctx context.Context, target Kind) (bool, bool) {
	timer := time.NewTimer(y.t1)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, false
		case <-y.stop:
			return false, false
		case <-timer.C:
			return true, true
		case ev, ok := <-y.events:
			if !ok {
				return false, false
			}
			if linkKind(!ev.Up) != target {
				return false, true
			}
			// Same-kind event: keep waiting out the window.
		}
	}
}

// armT2 waits out t2, reverting the earlier announcement if an
// opposite-kind event arrives first.
func (y *YellowDebouncer) armT2(ctx context.Context, target Kind) (bool, bool) {
	timer := time.NewTimer(y.t2)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, false
		case <-y.stop:
			return false, false
		case <-timer.C:
			return true, true
		case ev, ok := <-y.events:
			if !ok {
				return false, false
			}
			if linkKind(!ev.Up) != target {
				if err := y.tr.Send(messageKindFor(oppositeKind(target))); err != nil {
					y.log.Warnf("yellow: reverting announcement failed: %v", err)
				}
				return false, true
			}
		}
	}
}
