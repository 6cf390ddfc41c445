// File: reactor/socket_conn.go
// Author: momentics <momentics@gmail.com>
//
// SocketConn binds one net.Conn to the reactor: it owns the ordered
// write queue spec.md §4.2 and §5 call for (a write-queue lock per
// connection, an at-most-once close callback), and turns the reactor's
// Handler push events into callbacks a session can consume without
// touching the poller directly. Grounded on the teacher's
// highlevel/conn.go idempotent-close-via-sync.Once pattern.

package reactor

import (
	"net"
	"sync"

	"github.com/eapache/queue"
)

// ConnState is the CONNECTING -> OPEN -> CLOSED lifecycle of spec.md §4.2.
type ConnState int

const (
	ConnStateConnecting ConnState = iota
	ConnStateOpen
	ConnStateClosed
)

// SocketEvents are the callbacks a SocketConn owner (the handshake state
// machine first, the session afterwards) receives.
type SocketEvents struct {
	OnData   func(chunk []byte)
	OnClosed func(err error)
}

// SocketConn is a concrete reactor.Handler wrapping one registered
// net.Conn, queueing writes that arrive before the socket is writable.
type SocketConn struct {
	conn net.Conn
	reg  Registration

	events SocketEvents

	stateMu sync.Mutex
	state   ConnState

	writeMu         sync.Mutex
	writeQ          *queue.Queue
	flushing        bool
	closeAfterDrain bool

	closeOnce sync.Once
}

// NewSocketConn wraps conn, registers it with r, and returns the bound
// SocketConn. events.OnData/OnClosed may be updated later via SetEvents
// once a session takes ownership (the handshake phase uses its own
// transient handlers first).
func NewSocketConn(r *Reactor, conn net.Conn, events SocketEvents) (*SocketConn, error) {
	sc := &SocketConn{
		conn:   conn,
		events: events,
		state:  ConnStateConnecting,
		writeQ: queue.New(),
	}
	reg, err := r.Register(conn, sc)
	if err != nil {
		return nil, err
	}
	sc.reg = reg
	sc.stateMu.Lock()
	sc.state = ConnStateOpen
	sc.stateMu.Unlock()
	return sc, nil
}

// SetEvents swaps the callback set, used when the handshake state
// machine hands the live connection off to a session.
func (sc *SocketConn) SetEvents(events SocketEvents) {
	sc.stateMu.Lock()
	sc.events = events
	sc.stateMu.Unlock()
}

// State reports the current lifecycle stage.
func (sc *SocketConn) State() ConnState {
	sc.stateMu.Lock()
	defer sc.stateMu.Unlock()
	return sc.state
}

// EnqueueWrite appends buffer to the ordered write queue and asks the
// reactor to notify once the socket can accept bytes, per spec.md §4.2.
func (sc *SocketConn) EnqueueWrite(buffer []byte) {
	sc.writeMu.Lock()
	sc.writeQ.Add(buffer)
	sc.writeMu.Unlock()
	sc.reg.RequestWrite()
}

// OnData implements reactor.Handler.
func (sc *SocketConn) OnData(chunk []byte) {
	sc.stateMu.Lock()
	cb := sc.events.OnData
	sc.stateMu.Unlock()
	if cb != nil {
		cb(chunk)
	}
}

// OnWritable implements reactor.Handler: drains the write queue in
// order, stopping at the first short write (flagged by the underlying
// net.Conn's Write contract, which either writes all bytes or returns
// an error -- so in practice this loop only ever stops on an empty
// queue or an error). If CloseAfterDrain was requested while the queue
// was non-empty, the socket is torn down once the queue empties here.
func (sc *SocketConn) OnWritable() {
	sc.writeMu.Lock()
	if sc.flushing {
		sc.writeMu.Unlock()
		return
	}
	sc.flushing = true
	sc.writeMu.Unlock()

	closeWhenDone := false
	defer func() {
		sc.writeMu.Lock()
		sc.flushing = false
		sc.writeMu.Unlock()
		if closeWhenDone {
			sc.Close()
		}
	}()

	for {
		sc.writeMu.Lock()
		if sc.writeQ.Length() == 0 {
			closeWhenDone = sc.closeAfterDrain
			sc.writeMu.Unlock()
			return
		}
		buf := sc.writeQ.Peek().([]byte)
		sc.writeMu.Unlock()

		if _, err := sc.conn.Write(buf); err != nil {
			sc.closeWithErr(err)
			return
		}

		sc.writeMu.Lock()
		sc.writeQ.Remove()
		sc.writeMu.Unlock()
	}
}

// CloseAfterDrain requests that any buffers already queued by EnqueueWrite
// reach the wire before the socket is torn down -- used when a CLOSE
// frame was just queued and must actually be flushed, instead of being
// dropped by an immediate Close() racing ahead of OnWritable. If nothing
// is queued (and nothing is actively flushing), it closes immediately.
func (sc *SocketConn) CloseAfterDrain() {
	sc.writeMu.Lock()
	idle := sc.writeQ.Length() == 0 && !sc.flushing
	if !idle {
		sc.closeAfterDrain = true
	}
	sc.writeMu.Unlock()

	if idle {
		sc.Close()
		return
	}
	sc.reg.RequestWrite()
}

// OnClosed implements reactor.Handler.
func (sc *SocketConn) OnClosed(err error) {
	sc.closeWithErr(err)
}

// Close tears the connection down from the owner's side (a user-initiated
// close), unregistering without synthesizing an error.
func (sc *SocketConn) Close() {
	sc.closeOnce.Do(func() {
		sc.stateMu.Lock()
		sc.state = ConnStateClosed
		cb := sc.events.OnClosed
		sc.stateMu.Unlock()

		sc.reg.Close()
		_ = sc.conn.Close()
		if cb != nil {
			cb(nil)
		}
	})
}

// closeWithErr is the at-most-once close path triggered by the reactor
// itself (read/write error or EOF), per spec.md §5's close-callback lock.
func (sc *SocketConn) closeWithErr(err error) {
	sc.closeOnce.Do(func() {
		sc.stateMu.Lock()
		sc.state = ConnStateClosed
		cb := sc.events.OnClosed
		sc.stateMu.Unlock()

		_ = sc.conn.Close()
		if cb != nil {
			cb(err)
		}
	})
}
