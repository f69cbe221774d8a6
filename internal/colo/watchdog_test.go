package colo

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/lukasstraub2/colod/internal/logging"
	"github.com/lukasstraub2/colod/internal/qmp"
)

func TestWatchdog_DisabledWhenIntervalZero(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	ch := qmp.NewChannel(clientConn, clientConn, time.Second, logging.NewNullLogger())
	defer ch.Close()

	queue := NewEventQueue(4)
	w := NewWatchdog(context.Background(), ch, queue, 0, nil, logging.NewNullLogger())

	select {
	case <-w.Done():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("disabled watchdog should finish immediately")
	}
	if queue.Pending() {
		t.Fatal("disabled watchdog should never raise an event")
	}
}

func TestWatchdog_SuccessfulProbeRefreshesAndDoesNotFail(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	ch := qmp.NewChannel(clientConn, clientConn, time.Second, logging.NewNullLogger())
	defer ch.Close()

	scanner := bufio.NewScanner(serverConn)
	go func() {
		for scanner.Scan() {
			serverConn.Write([]byte(`{"return":{}}` + "\n"))
		}
	}()

	queue := NewEventQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	NewWatchdog(ctx, ch, queue, 15*time.Millisecond, nil, logging.NewNullLogger())

	time.Sleep(80 * time.Millisecond)
	if queue.Pending() {
		t.Fatal("a healthy hypervisor should never raise Failed")
	}
}

func TestWatchdog_FailedProbeRaisesFailed(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	ch := qmp.NewChannel(clientConn, clientConn, 20*time.Millisecond, logging.NewNullLogger())
	defer ch.Close()

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := serverConn.Read(buf); err != nil {
				return
			}
			// never reply: every probe times out
		}
	}()

	queue := NewEventQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWatchdog(ctx, ch, queue, 10*time.Millisecond, nil, logging.NewNullLogger())

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watchdog to exit after failed probe")
	}

	ev := queue.Remove()
	if ev == nil || ev.Kind != Failed {
		t.Fatalf("expected a Failed event, got %v", ev)
	}
}
