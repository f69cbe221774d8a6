package colo

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/lukasstraub2/colod/internal/group"
	"github.com/lukasstraub2/colod/internal/logging"
	"github.com/lukasstraub2/colod/internal/qmp"
)

func TestQuorumWatcher_NbdWriteFailureRaisesFailoverSync(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	ch := qmp.NewChannel(clientConn, clientConn, time.Second, logging.NewNullLogger())
	defer ch.Close()

	hub := group.NewHub()
	tr := group.NewTransport(hub.Join("self"), logging.NewNullLogger())
	defer tr.Close()

	queue := NewEventQueue(8)
	var flags RuntimeFlags
	newQuorumWatcher(ch, queue, &flags, tr, logging.NewNullLogger())

	go func() {
		serverConn.Write([]byte(`{"event":"QUORUM_REPORT_BAD","data":{"node-name":"nbd0","type":"write"}}` + "\n"))
	}()

	deadline := time.After(time.Second)
	for {
		if queue.Pending() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for FailoverSync")
		case <-time.After(5 * time.Millisecond):
		}
	}
	ev := queue.Remove()
	if ev == nil || ev.Kind != FailoverSync {
		t.Fatalf("expected FailoverSync, got %v", ev)
	}
}

func TestQuorumWatcher_LocalDiskFailureRaisesYellowAndSuspendsDebouncer(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	ch := qmp.NewChannel(clientConn, clientConn, time.Second, logging.NewNullLogger())
	defer ch.Close()

	hub := group.NewHub()
	selfTr := group.NewTransport(hub.Join("self"), logging.NewNullLogger())
	peerTr := group.NewTransport(hub.Join("peer"), logging.NewNullLogger())
	defer selfTr.Close()
	defer peerTr.Close()

	queue := NewEventQueue(8)
	var flags RuntimeFlags
	w := newQuorumWatcher(ch, queue, &flags, selfTr, logging.NewNullLogger())

	events := make(chan LinkEvent)
	debouncerQueue := NewEventQueue(8)
	debouncer := NewYellowDebouncer(
		context.Background(), events, debouncerQueue, selfTr,
		10*time.Millisecond, 10*time.Millisecond, logging.NewNullLogger(),
	)
	w.setYellowDebouncer(debouncer)

	got := make(chan group.MessageKind, 4)
	peerTr.OnDeliver(func(kind group.MessageKind, fromSelf bool) {
		if !fromSelf {
			got <- kind
		}
	})

	go func() {
		serverConn.Write([]byte(`{"event":"QUORUM_REPORT_BAD","data":{"node-name":"local","type":"write"}}` + "\n"))
	}()

	select {
	case kind := <-got:
		if kind != group.Yellow {
			t.Fatalf("expected Yellow announcement, got %s", kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Yellow announcement")
	}

	deadline := time.After(time.Second)
	for {
		if queue.Pending() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for Yellow event")
		case <-time.After(5 * time.Millisecond):
		}
	}
	ev := queue.Remove()
	if ev == nil || ev.Kind != Yellow {
		t.Fatalf("expected Yellow, got %v", ev)
	}
	if !flags.snapshot().Yellow {
		t.Fatal("expected local yellow flag to be set")
	}

	select {
	case <-debouncer.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Suspend to stop the debouncer")
	}
}
