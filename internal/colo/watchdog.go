package colo

import (
	"context"
	"sync"
	"time"

	"github.com/lukasstraub2/colod/internal/logging"
	"github.com/lukasstraub2/colod/internal/qmp"
)

// ExpectedFlags reports the (primary, replication) pair the orchestrator
// currently expects to be true; the watchdog validates query-colo-status
// against it. A nil ExpectedFlags skips that validation and only checks
// that the probe commands succeed.
type ExpectedFlags func() (primary, replication bool)

// Watchdog probes the hypervisor at a fixed interval and raises a Failed
// event if the probe itself fails. A period of zero
// disables the watchdog entirely. Grounded on watchdog.c's
// refresh-resets-timer idiom, re-expressed as a time.Timer reset instead
// of glib's g_timeout_add_full/g_source_remove pair.
type Watchdog struct {
	log      logging.Logger
	ch       *qmp.Channel
	queue    *EventQueue
	interval time.Duration
	expected ExpectedFlags

	mu    sync.Mutex
	timer *time.Timer

	done chan struct{}
}

// NewWatchdog constructs and starts a watchdog. Refresh pushes the next
// probe back by a full interval; the watchdog calls it itself after each
// successful probe, and traffic on ch does not call it.
func NewWatchdog(ctx context.Context, ch *qmp.Channel, queue *EventQueue, interval time.Duration, expected ExpectedFlags, log logging.Logger) *Watchdog {
	w := &Watchdog{
		log:      log,
		ch:       ch,
		queue:    queue,
		interval: interval,
		expected: expected,
		done:     make(chan struct{}),
	}
	if interval <= 0 {
		close(w.done)
		return w
	}
	w.timer = time.NewTimer(interval)
	go w.run(ctx)
	return w
}

// Refresh resets the probe timer, as if a health check had just
// succeeded. Call this on any observed hypervisor traffic.
func (w *Watchdog) Refresh() {
	if w.interval <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.timer.Stop() {
		select {
		case <-w.timer.C:
		default:
		}
	}
	w.timer.Reset(w.interval)
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.done)
	for {
		w.mu.Lock()
		c := w.timer.C
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-c:
			if !w.checkHealth(ctx) {
				if err := w.queue.Add(Failed, nil); err != nil {
					w.log.Errorf("watchdog: raising Failed: %v", err)
				}
				return
			}
			w.Refresh()
		}
	}
}

// checkHealth runs the health probe: query-status followed by
// query-colo-status, validated against the orchestrator's expected
// (primary, replication) pair when ExpectedFlags is set. Either command
// erroring, timing out, or a validation mismatch fails the probe.
func (w *Watchdog) checkHealth(ctx context.Context) bool {
	if _, err := w.ch.Execute(ctx, "query-status", nil); err != nil {
		w.log.Warnf("watchdog: query-status failed: %v", err)
		return false
	}
	result, err := w.ch.Execute(ctx, "query-colo-status", nil)
	if err != nil {
		w.log.Warnf("watchdog: query-colo-status failed: %v", err)
		return false
	}
	if w.expected == nil {
		return true
	}
	primary, replication := w.expected()
	gotPrimary := result.Parsed.Get("return.mode").String() == "primary"
	gotReplication := result.Parsed.Get("return.replication").Bool()
	if gotPrimary != primary || gotReplication != replication {
		w.log.Warnf("watchdog: colo-status mismatch: want (primary=%v replication=%v) got (primary=%v replication=%v)",
			primary, replication, gotPrimary, gotReplication)
		return false
	}
	return true
}

// Done closes once the watchdog's goroutine has exited (or immediately,
// if it was constructed disabled).
func (w *Watchdog) Done() <-chan struct{} {
	return w.done
}
