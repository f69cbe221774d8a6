package qmp

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/lukasstraub2/colod/internal/logging"
)

// fakeHypervisor speaks the line-delimited JSON protocol on one end of
// a net.Pipe, standing in for a forked QEMU process.
type fakeHypervisor struct {
	conn net.Conn
	in   *bufio.Scanner
}

func newFakeHypervisor(t *testing.T) (*Channel, *fakeHypervisor) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	hv := &fakeHypervisor{conn: serverConn, in: bufio.NewScanner(serverConn)}
	ch := NewChannel(clientConn, clientConn, time.Second, logging.NewNullLogger())
	t.Cleanup(func() {
		ch.Close()
		serverConn.Close()
	})
	return ch, hv
}

func (h *fakeHypervisor) expect(t *testing.T) string {
	t.Helper()
	if !h.in.Scan() {
		t.Fatalf("hypervisor stub: scan failed: %v", h.in.Err())
	}
	return h.in.Text()
}

func (h *fakeHypervisor) reply(t *testing.T, line string) {
	t.Helper()
	if _, err := h.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("hypervisor stub: write failed: %v", err)
	}
}

func TestChannel_ExecuteSuccess(t *testing.T) {
	ch, hv := newFakeHypervisor(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := hv.expect(t)
		if req != `{"execute":"query-status"}` {
			t.Errorf("unexpected request: %s", req)
		}
		hv.reply(t, `{"return":{"status":"running"}}`)
	}()

	result, err := ch.Execute(context.Background(), "query-status", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Parsed.Get("return.status").String() != "running" {
		t.Fatalf("unexpected result: %s", result.Raw)
	}
	<-done
}

func TestChannel_ExecuteLiftsErrorReply(t *testing.T) {
	ch, hv := newFakeHypervisor(t)

	go func() {
		hv.expect(t)
		hv.reply(t, `{"error":{"class":"GenericError","desc":"boom"}}`)
	}()

	_, err := ch.Execute(context.Background(), "cont", nil)
	if err == nil {
		t.Fatal("expected error reply to be lifted")
	}
}

func TestChannel_ExecuteNocheckDoesNotLiftError(t *testing.T) {
	ch, hv := newFakeHypervisor(t)

	go func() {
		hv.expect(t)
		hv.reply(t, `{"error":{"class":"GenericError","desc":"boom"}}`)
	}()

	result, err := ch.ExecuteNocheck(context.Background(), "cont", nil)
	if err != nil {
		t.Fatalf("execute_nocheck should not error: %v", err)
	}
	if !result.IsError() {
		t.Fatal("expected caller-visible error reply")
	}
}

func TestChannel_ExecuteTimeout(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	ch := NewChannel(clientConn, clientConn, 20*time.Millisecond, logging.NewNullLogger())
	defer ch.Close()

	go func() {
		buf := make([]byte, 4096)
		serverConn.Read(buf) // drain the request, never reply
	}()

	_, err := ch.Execute(context.Background(), "query-status", nil)
	if err == nil {
		t.Fatal("expected timeout")
	}
}

// A second execute while one is outstanding is rejected.
func TestChannel_BusyRejectsConcurrentExecute(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	ch := NewChannel(clientConn, clientConn, time.Second, logging.NewNullLogger())
	defer ch.Close()

	started := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		serverConn.Read(buf)
		close(started)
		// never reply; first call blocks until ch.Close()
	}()

	go func() {
		ch.Execute(context.Background(), "query-status", nil)
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	if _, err := ch.Execute(context.Background(), "query-status", nil); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestChannel_WaitEventMatchesStructurally(t *testing.T) {
	ch, hv := newFakeHypervisor(t)

	go func() {
		hv.reply(t, `{"event":"MIGRATION","data":{"status":"setup"}}`)
		hv.reply(t, `{"event":"MIGRATION","data":{"status":"pre-switchover"}}`)
	}()

	result, err := ch.WaitEvent(context.Background(), time.Second,
		`{"event":"MIGRATION","data":{"status":"pre-switchover"}}`, nil)
	if err != nil {
		t.Fatalf("wait_event: %v", err)
	}
	if result.Parsed.Get("data.status").String() != "pre-switchover" {
		t.Fatalf("unexpected event: %s", result.Raw)
	}
}

func TestChannel_WaitEventInterrupted(t *testing.T) {
	ch, _ := newFakeHypervisor(t)

	interrupted := false
	_, err := ch.WaitEvent(context.Background(), time.Second, `{"event":"RESUME"}`,
		func() bool { interrupted = true; return true })
	if err != ErrInterrupt {
		t.Fatalf("expected ErrInterrupt, got %v", err)
	}
	if !interrupted {
		t.Fatal("interruptCheck was not consulted")
	}
}

func TestChannel_EOFFiresHup(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	ch := NewChannel(clientConn, clientConn, time.Second, logging.NewNullLogger())
	defer ch.Close()

	hupped := make(chan struct{})
	ch.OnHup(func() { close(hupped) })

	serverConn.Close()

	select {
	case <-hupped:
	case <-time.After(time.Second):
		t.Fatal("expected hup callback on EOF")
	}
}
