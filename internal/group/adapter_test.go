package group

import (
	"testing"
	"time"

	"github.com/lukasstraub2/colod/internal/logging"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// A send is observed delivered to itself.
func TestAdapter_SelfDeliveryClearsPending(t *testing.T) {
	hub := NewHub()
	lb := hub.Join("a")
	tr := NewTransport(lb, logging.NewNullLogger())
	defer tr.Close()

	delivered := make(chan MessageKind, 1)
	tr.OnDeliver(func(kind MessageKind, fromSelf bool) {
		if fromSelf {
			delivered <- kind
		}
	})

	if err := tr.Send(Hello); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case kind := <-delivered:
		if kind != Hello {
			t.Fatalf("expected Hello, got %s", kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for self-delivery")
	}

	// pollDeliveries clears the flag before it runs the callbacks.
	a := tr.(*adapter)
	a.mu.Lock()
	stillPending := a.pending[Hello]
	a.mu.Unlock()
	if stillPending {
		t.Fatal("expected self-delivery to clear the pending-retransmit flag")
	}
}

// Two instances broadcast Failover back to back; each must observe the
// other's Failover delivered with fromSelf=false. Which of the two sees
// its own message first is not checked here.
func TestAdapter_TwoPeersBothDeliverBothMessages(t *testing.T) {
	hub := NewHub()
	a := NewTransport(hub.Join("a"), logging.NewNullLogger())
	b := NewTransport(hub.Join("b"), logging.NewNullLogger())
	defer a.Close()
	defer b.Close()

	aGotB := make(chan struct{}, 1)
	bGotA := make(chan struct{}, 1)
	a.OnDeliver(func(kind MessageKind, fromSelf bool) {
		if kind == Failover && !fromSelf {
			select {
			case aGotB <- struct{}{}:
			default:
			}
		}
	})
	b.OnDeliver(func(kind MessageKind, fromSelf bool) {
		if kind == Failover && !fromSelf {
			select {
			case bGotA <- struct{}{}:
			default:
			}
		}
	})

	if err := a.Send(Failover); err != nil {
		t.Fatalf("a send: %v", err)
	}
	if err := b.Send(Failover); err != nil {
		t.Fatalf("b send: %v", err)
	}

	timeout := time.After(time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-aGotB:
		case <-bGotA:
		case <-timeout:
			t.Fatal("timed out waiting for cross-delivery")
		}
	}
}

func TestAdapter_PeerLeftNotifies(t *testing.T) {
	hub := NewHub()
	a := NewTransport(hub.Join("a"), logging.NewNullLogger())
	b := hub.Join("b")
	defer a.Close()

	left := make(chan struct{}, 1)
	a.OnPeerLeft(func() {
		select {
		case left <- struct{}{}:
		default:
		}
	})

	if err := b.Close(); err != nil {
		t.Fatalf("close b: %v", err)
	}

	select {
	case <-left:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer-left notification")
	}
}
