package reactor_test

import (
	"testing"
	"time"

	"github.com/momentics/wsclient/internal/wsclienttest"
	"github.com/momentics/wsclient/reactor"
)

func TestSocketConnDeliversInboundData(t *testing.T) {
	r, err := reactor.New()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Destroy()

	client, server, err := wsclienttest.LoopbackPair()
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	received := make(chan []byte, 1)
	_, err = reactor.NewSocketConn(r, server, reactor.SocketEvents{
		OnData: func(chunk []byte) { received <- chunk },
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := client.Write([]byte("hello from client")); err != nil {
		t.Fatal(err)
	}

	select {
	case chunk := <-received:
		if string(chunk) != "hello from client" {
			t.Errorf("got %q, want %q", chunk, "hello from client")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for inbound data")
	}
}

func TestSocketConnEnqueueWriteDeliversBytes(t *testing.T) {
	r, err := reactor.New()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Destroy()

	client, server, err := wsclienttest.LoopbackPair()
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	sc, err := reactor.NewSocketConn(r, server, reactor.SocketEvents{})
	if err != nil {
		t.Fatal(err)
	}

	sc.EnqueueWrite([]byte("hello from server"))

	buf := make([]byte, 64)
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hello from server" {
		t.Errorf("got %q, want %q", buf[:n], "hello from server")
	}
}

func TestSocketConnCloseAfterDrainFlushesQueuedBytesFirst(t *testing.T) {
	r, err := reactor.New()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Destroy()

	client, server, err := wsclienttest.LoopbackPair()
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	closed := make(chan struct{}, 1)
	sc, err := reactor.NewSocketConn(r, server, reactor.SocketEvents{
		OnClosed: func(error) {
			select {
			case closed <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	sc.EnqueueWrite([]byte("final frame before close"))
	sc.CloseAfterDrain()

	buf := make([]byte, 64)
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("expected the queued write to reach the wire before close, got: %v", err)
	}
	if string(buf[:n]) != "final frame before close" {
		t.Errorf("got %q, want %q", buf[:n], "final frame before close")
	}

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for OnClosed after drain")
	}
}

func TestSocketConnOnClosedFiresExactlyOnceOnEOF(t *testing.T) {
	r, err := reactor.New()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Destroy()

	client, server, err := wsclienttest.LoopbackPair()
	if err != nil {
		t.Fatal(err)
	}

	closedCount := make(chan int, 4)
	count := 0
	_, err = reactor.NewSocketConn(r, server, reactor.SocketEvents{
		OnClosed: func(error) { count++; closedCount <- count },
	})
	if err != nil {
		t.Fatal(err)
	}

	client.Close() // triggers EOF on the server side

	select {
	case n := <-closedCount:
		if n != 1 {
			t.Fatalf("expected OnClosed to fire exactly once, observed call #%d", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for OnClosed")
	}

	select {
	case n := <-closedCount:
		t.Fatalf("OnClosed fired a second time (#%d)", n)
	case <-time.After(200 * time.Millisecond):
	}
}
