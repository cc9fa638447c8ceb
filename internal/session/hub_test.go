package session

import (
	"net"
	"testing"

	"github.com/adred-codev/chat-interceptor/internal/metrics"
)

func TestHub_RegisterUnregister_ClientCount(t *testing.T) {
	h := NewHub(metrics.NewRegistry())

	c1, c2 := &net.TCPConn{}, &net.TCPConn{}
	conn1 := h.Register(c1)
	conn2 := h.Register(c2)

	if got := h.ClientCount(); got != 2 {
		t.Fatalf("ClientCount = %d, want 2", got)
	}
	if conn1.ID == conn2.ID {
		t.Fatal("expected distinct connection ids")
	}

	h.Unregister(conn1)
	if got := h.ClientCount(); got != 1 {
		t.Fatalf("ClientCount after one unregister = %d, want 1", got)
	}

	h.Unregister(conn2)
	if got := h.ClientCount(); got != 0 {
		t.Fatalf("ClientCount after all unregistered = %d, want 0", got)
	}
}

func TestHub_UnregisterClosesSendQueue(t *testing.T) {
	h := NewHub(metrics.NewRegistry())
	conn := h.Register(&net.TCPConn{})

	h.Unregister(conn)

	_, ok := <-conn.SendQueue
	if ok {
		t.Fatal("expected SendQueue to be closed after Unregister")
	}
}

func TestHub_UnregisterNilIsNoop(t *testing.T) {
	h := NewHub(metrics.NewRegistry())
	h.Unregister(nil) // must not panic
	if got := h.ClientCount(); got != 0 {
		t.Fatalf("ClientCount = %d, want 0", got)
	}
}

func TestHub_UnregisterTwiceIsSafe(t *testing.T) {
	h := NewHub(metrics.NewRegistry())
	conn := h.Register(&net.TCPConn{})

	h.Unregister(conn)
	h.Unregister(conn) // second call must not double-decrement or panic

	if got := h.ClientCount(); got != 0 {
		t.Fatalf("ClientCount = %d, want 0", got)
	}
}

func TestHub_Shutdown_ClearsAllConnections(t *testing.T) {
	h := NewHub(metrics.NewRegistry())
	for i := 0; i < 10; i++ {
		h.Register(&net.TCPConn{})
	}
	if got := h.ClientCount(); got != 10 {
		t.Fatalf("precondition: ClientCount = %d, want 10", got)
	}

	h.Shutdown()

	if got := h.ClientCount(); got != 0 {
		t.Fatalf("ClientCount after Shutdown = %d, want 0", got)
	}
}
