package colo

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/lukasstraub2/colod/internal/group"
	"github.com/lukasstraub2/colod/internal/logging"
	"github.com/lukasstraub2/colod/internal/qmp"
)

// testHypervisor is a minimal fake QEMU QMP stub speaking the
// line-delimited JSON protocol, standing in for a real hypervisor
// process in these orchestrator tests.
type testHypervisor struct {
	conn net.Conn
	in   *bufio.Scanner
}

func (h *testHypervisor) expect(t *testing.T) string {
	t.Helper()
	if !h.in.Scan() {
		t.Fatalf("hypervisor stub: scan failed: %v", h.in.Err())
	}
	return h.in.Text()
}

func (h *testHypervisor) reply(t *testing.T, line string) {
	t.Helper()
	if _, err := h.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("hypervisor stub: write failed: %v", err)
	}
}

// newTestOrchestrator wires a real Channel over a net.Pipe and a real
// Transport over an in-memory group.Hub, the same two backings every
// other package test in this module uses.
func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *testHypervisor, *EventQueue, group.Transport) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	hv := &testHypervisor{conn: serverConn, in: bufio.NewScanner(serverConn)}
	ch := qmp.NewChannel(clientConn, clientConn, time.Second, logging.NewNullLogger())

	hub := group.NewHub()
	selfTr := group.NewTransport(hub.Join("self"), logging.NewNullLogger())
	peerTr := group.NewTransport(hub.Join("peer"), logging.NewNullLogger())

	queue := NewEventQueue(32)
	orch := NewOrchestrator(cfg, queue, ch, selfTr, logging.NewNullLogger())

	t.Cleanup(func() {
		ch.Close()
		serverConn.Close()
		selfTr.Close()
		peerTr.Close()
	})
	return orch, hv, queue, peerTr
}

func TestOrchestrator_SecondaryStartupSucceeds(t *testing.T) {
	orch, hv, _, _ := newTestOrchestrator(t, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		hv.expect(t)
		hv.reply(t, `{"return":{}}`)
	}()

	next, err := orch.step(context.Background())
	<-done
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if next != SecondaryWait {
		t.Fatalf("expected SecondaryWait, got %s", next)
	}
}

func TestOrchestrator_SecondaryStartupFailsOnHypervisorError(t *testing.T) {
	orch, hv, _, _ := newTestOrchestrator(t, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		hv.expect(t)
		hv.reply(t, `{"error":{"class":"GenericError","desc":"boom"}}`)
	}()

	next, err := orch.step(context.Background())
	<-done
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if next != StateFailed {
		t.Fatalf("expected Failed, got %s", next)
	}
}

func TestOrchestrator_SecondaryWaitTransitionsOnResume(t *testing.T) {
	orch, hv, _, _ := newTestOrchestrator(t, Config{TimeoutHigh: time.Second})
	orch.state = SecondaryWait

	done := make(chan struct{})
	go func() {
		defer close(done)
		hv.reply(t, `{"event":"RESUME"}`)
	}()

	next, err := orch.step(context.Background())
	<-done
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if next != SecondaryColoRunning {
		t.Fatalf("expected SecondaryColoRunning, got %s", next)
	}
}

func TestOrchestrator_SecondaryWaitDispatchesFailedImmediately(t *testing.T) {
	orch, _, queue, _ := newTestOrchestrator(t, Config{TimeoutHigh: time.Second})
	orch.state = SecondaryWait

	if err := queue.Add(Failed, nil); err != nil {
		t.Fatalf("queueing Failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	next, err := orch.step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if next != StateFailed {
		t.Fatalf("expected Failed, got %s", next)
	}
}

func TestOrchestrator_FailoverSyncWaitsForFailoverWin(t *testing.T) {
	orch, _, queue, _ := newTestOrchestrator(t, Config{})
	orch.state = StateFailoverSync

	go func() {
		time.Sleep(10 * time.Millisecond)
		queue.Add(FailoverWin, nil)
	}()

	next, err := orch.step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if next != Failover {
		t.Fatalf("expected Failover, got %s", next)
	}
	if !orch.Status().Transitioning {
		t.Fatal("expected transitioning=true while awaiting FailoverWin")
	}
}

func TestOrchestrator_FailoverSyncYieldsToPeerFailoverLoss(t *testing.T) {
	orch, _, queue, _ := newTestOrchestrator(t, Config{})
	orch.state = StateFailoverSync

	queue.Add(PeerFailover, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	next, err := orch.step(ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if next != FailedPeerFailover {
		t.Fatalf("expected FailedPeerFailover, got %s", next)
	}
}

func TestOrchestrator_FailedBroadcastsAndWaitsForQuit(t *testing.T) {
	orch, hv, queue, peerTr := newTestOrchestrator(t, Config{TimeoutLow: 50 * time.Millisecond})
	orch.state = StateFailed

	gotFailed := make(chan struct{}, 1)
	peerTr.OnDeliver(func(kind group.MessageKind, fromSelf bool) {
		if kind == group.Failed && !fromSelf {
			select {
			case gotFailed <- struct{}{}:
			default:
			}
		}
	})

	stopDone := make(chan struct{})
	go func() {
		defer close(stopDone)
		req := hv.expect(t)
		if req != `{"execute":"stop"}` {
			t.Errorf("expected best-effort stop, got %s", req)
		}
		hv.reply(t, `{"return":{}}`)
	}()

	go func() {
		time.Sleep(20 * time.Millisecond)
		queue.Add(Quit, nil)
	}()

	next, err := orch.step(context.Background())
	<-stopDone
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if next != StateQuit {
		t.Fatalf("expected Quit, got %s", next)
	}
	if !orch.Status().Failed {
		t.Fatal("expected failed=true")
	}

	select {
	case <-gotFailed:
	case <-time.After(time.Second):
		t.Fatal("expected Failed to be broadcast to the peer")
	}
}

func TestOrchestrator_FailedAutoQuitWaitsForHypervisorExitWhenStillRunning(t *testing.T) {
	orch, hv, queue, _ := newTestOrchestrator(t, Config{TimeoutLow: 50 * time.Millisecond})
	orch.state = StateFailed

	go func() {
		hv.expect(t)
		hv.reply(t, `{"return":{}}`)
	}()

	go func() {
		time.Sleep(20 * time.Millisecond)
		queue.Add(AutoQuit, nil)
	}()

	next, err := orch.step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if next != StateAutoQuit {
		t.Fatalf("expected AutoQuit (hypervisor still attached), got %s", next)
	}
}
