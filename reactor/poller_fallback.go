//go:build !linux

// File: reactor/poller_fallback.go
// Author: momentics <momentics@gmail.com>
//
// Portable fallback backend for platforms without an epoll-equivalent
// readiness syscall wired up. Mirrors the teacher's reactor/reactor_stub.go
// pattern of keeping a platform stub alongside the real epoll backend, but
// here the stub is a genuine (if less efficient) implementation rather
// than a placeholder: one goroutine per registered connection performs
// a real blocking Read and pushes chunks straight to the handler. Writes
// have no true OS-level writability signal on this backend, so
// RequestWrite invokes OnWritable immediately on the calling goroutine
// rather than waiting for a readiness event; the handler is expected to retry
// on a short-write/would-block condition from its own Write call, which
// is no worse than what a cooperative, non-blocking model requires
// anyway.

package reactor

import (
	"net"
	"sync"
	"time"
)

type fallbackPoller struct {
	mu      sync.Mutex
	regs    map[*fallbackRegistration]struct{}
	closed  bool
}

type fallbackRegistration struct {
	p       *fallbackPoller
	conn    net.Conn
	handler Handler

	closedMu sync.Mutex
	closed   bool
	done     chan struct{}
}

func newPoller() (poller, error) {
	return &fallbackPoller{regs: make(map[*fallbackRegistration]struct{})}, nil
}

func (p *fallbackPoller) register(conn net.Conn, h Handler) (Registration, error) {
	reg := &fallbackRegistration{p: p, conn: conn, handler: h, done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errReactorDestroyed
	}
	p.regs[reg] = struct{}{}
	p.mu.Unlock()

	go reg.readLoop()
	return reg, nil
}

// readLoop performs genuinely blocking reads, delivering each chunk to
// the handler as an ordered sequence, until the connection errors, EOFs,
// or the registration is closed.
func (reg *fallbackRegistration) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := reg.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			func() {
				defer func() { _ = recover() }()
				reg.handler.OnData(chunk)
			}()
		}
		if err != nil {
			reg.notifyClosedOnce(err)
			return
		}
		if n == 0 {
			reg.notifyClosedOnce(nil)
			return
		}
		select {
		case <-reg.done:
			return
		default:
		}
	}
}

// RequestWrite has no writability signal to wait for on this backend, so
// it invokes OnWritable directly; the handler's own write path is
// expected to tolerate being invoked when nothing is actually pending.
func (reg *fallbackRegistration) RequestWrite() {
	func() {
		defer func() { _ = recover() }()
		reg.handler.OnWritable()
	}()
}

func (reg *fallbackRegistration) Close() {
	reg.p.unregister(reg)
}

func (p *fallbackPoller) unregister(reg *fallbackRegistration) {
	p.mu.Lock()
	delete(p.regs, reg)
	p.mu.Unlock()

	reg.closedMu.Lock()
	alreadyDone := reg.closed
	reg.closed = true
	reg.closedMu.Unlock()
	if !alreadyDone {
		close(reg.done)
	}
}

func (reg *fallbackRegistration) notifyClosedOnce(err error) {
	reg.closedMu.Lock()
	already := reg.closed
	reg.closed = true
	reg.closedMu.Unlock()
	if already {
		return
	}
	close(reg.done)
	reg.p.unregister(reg)
	reg.handler.OnClosed(err)
}

// wait is a no-op poll tick: all actual I/O happens on per-connection
// goroutines, so the selector thread only needs to idle here to keep its
// registration-draining cadence, per spec.md §4.1.
func (p *fallbackPoller) wait(timeout time.Duration) error {
	time.Sleep(timeout)
	return nil
}

func (p *fallbackPoller) close() {
	p.mu.Lock()
	p.closed = true
	regs := make([]*fallbackRegistration, 0, len(p.regs))
	for reg := range p.regs {
		regs = append(regs, reg)
	}
	p.regs = make(map[*fallbackRegistration]struct{})
	p.mu.Unlock()

	for _, reg := range regs {
		reg.notifyClosedOnce(errReactorDestroyed)
	}
}
