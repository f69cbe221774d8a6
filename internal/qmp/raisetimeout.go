package qmp

import (
	"context"
	"time"
)

// RaiseTimeoutTask temporarily widens the channel's command timeout
// across a stop/resume window.
// Grounded on the original daemon's raise_timeout_coroutine.c: the task
// raises the timeout immediately, waits for STOP then RESUME, and
// restores the previous timeout. If either wait errors out the task
// exits without restoring — the surrounding orchestrator state is
// expected to tear down anyway.
type RaiseTimeoutTask struct {
	done chan struct{}
}

// StartRaiseTimeout launches the task. interruptCheck is threaded
// through to the underlying WaitEvent calls so an interrupting queue
// event still aborts the STOP/RESUME wait promptly.
func StartRaiseTimeout(ch *Channel, low, high time.Duration, interruptCheck func() bool) *RaiseTimeoutTask {
	t := &RaiseTimeoutTask{done: make(chan struct{})}
	go func() {
		defer close(t.done)

		previous := ch.getTimeout()
		ch.SetTimeout(high)

		ctx := context.Background()
		if _, err := ch.WaitEvent(ctx, high, `{"event":"STOP"}`, interruptCheck); err != nil {
			return
		}
		if _, err := ch.WaitEvent(ctx, high, `{"event":"RESUME"}`, interruptCheck); err != nil {
			return
		}

		ch.SetTimeout(previous)
	}()
	return t
}

// Done returns a channel closed once the task has finished (either by
// completing the stop/resume cycle or by erroring out).
func (t *RaiseTimeoutTask) Done() <-chan struct{} {
	return t.done
}
