package colo

import (
	"sync"

	"github.com/lukasstraub2/colod/internal/group"
	"github.com/lukasstraub2/colod/internal/logging"
	"github.com/lukasstraub2/colod/internal/qmp"
)

// quorumWatcher watches the hypervisor's async events independently of
// the exec-lock-guarded WaitEvent sequence, reacting to QUORUM_REPORT_BAD
// a write/flush failure against the nbd0 mirror
// disk is a sync failure between the two nodes and raises FailoverSync
// directly; the same failure against local storage is a link fault the
// yellow machinery already handles, so it's folded into that path
// instead of bypassing it. Grounded on main_coroutine.c's quorum-report
// dispatch, which the distilled protocol description left implicit.
type quorumWatcher struct {
	queue *EventQueue
	flags *RuntimeFlags
	tr    group.Transport
	log   logging.Logger

	yellowMu sync.Mutex
	yellow   *YellowDebouncer
}

func newQuorumWatcher(ch *qmp.Channel, queue *EventQueue, flags *RuntimeFlags, tr group.Transport, log logging.Logger) *quorumWatcher {
	events, cancel := ch.Subscribe()
	w := &quorumWatcher{queue: queue, flags: flags, tr: tr, log: log}
	go w.run(events, cancel)
	return w
}

// setYellowDebouncer attaches the link-monitor debouncer once it exists;
// the monitor interface is optional, so it may start after the watcher.
func (w *quorumWatcher) setYellowDebouncer(y *YellowDebouncer) {
	w.yellowMu.Lock()
	w.yellow = y
	w.yellowMu.Unlock()
}

func (w *quorumWatcher) suspendYellow() {
	w.yellowMu.Lock()
	y := w.yellow
	w.yellowMu.Unlock()
	if y != nil {
		y.Suspend()
	}
}

func (w *quorumWatcher) run(events <-chan qmp.Result, cancel func()) {
	defer cancel()
	for result := range events {
		if result.EventName() != "QUORUM_REPORT_BAD" {
			continue
		}
		data := result.Parsed.Get("data")
		if data.Get("type").String() == "read" {
			continue
		}

		if data.Get("node-name").String() == "nbd0" {
			if err := w.queue.Add(FailoverSync, nil); err != nil {
				w.log.Errorf("quorum: raising FailoverSync: %v", err)
			}
			continue
		}

		w.flags.setYellow(true)
		if err := w.tr.Send(group.Yellow); err != nil {
			w.log.Warnf("quorum: announcing Yellow failed: %v", err)
		}
		w.suspendYellow()
		if err := w.queue.Add(Yellow, nil); err != nil {
			w.log.Errorf("quorum: raising Yellow: %v", err)
		}
	}
}
