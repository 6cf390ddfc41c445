//go:build linux

// File: reactor/poller_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll-backed poller, the real readiness-selection backend the
// teacher's reactor/epoll_reactor.go and go.mod's golang.org/x/sys
// dependency exist for. Unlike the teacher's raw `syscall.EpollCreate1`
// implementation we use golang.org/x/sys/unix, the maintained,
// idiomatic-Go wrapper the rest of the ecosystem (and the teacher's own
// internal/concurrency/affinity_linux.go) reaches for.
//
// The epoll fd only decides *when* a connection is readable or writable;
// the actual byte shuffling still goes through net.Conn's Read/Write so a
// pluggable transport (plain TCP today, TLS tomorrow) keeps working
// without this package knowing anything about it.

package reactor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type epollPoller struct {
	epfd int

	mu      sync.Mutex
	entries map[int]*epollRegistration
}

type epollRegistration struct {
	p        *epollPoller
	fd       int
	conn     net.Conn
	handler  Handler
	readBuf  []byte
	closedMu sync.Mutex
	closed   bool
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epollPoller{epfd: epfd, entries: make(map[int]*epollRegistration)}, nil
}

func (p *epollPoller) register(conn net.Conn, h Handler) (Registration, error) {
	fd, err := connFD(conn)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	reg := &epollRegistration{p: p, fd: fd, conn: conn, handler: h, readBuf: make([]byte, 64*1024)}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, fmt.Errorf("epoll_ctl add: %w", err)
	}

	p.mu.Lock()
	p.entries[fd] = reg
	p.mu.Unlock()

	return reg, nil
}

// RequestWrite arms EPOLLOUT so the next wait() dispatch calls OnWritable.
func (reg *epollRegistration) RequestWrite() {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(reg.fd)}
	_ = unix.EpollCtl(reg.p.epfd, unix.EPOLL_CTL_MOD, reg.fd, &ev)
}

func (reg *epollRegistration) Close() {
	reg.p.unregister(reg)
}

func (p *epollPoller) unregister(reg *epollRegistration) {
	p.mu.Lock()
	delete(p.entries, reg.fd)
	p.mu.Unlock()
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, reg.fd, nil)
	_ = unix.Close(reg.fd)
}

func (p *epollPoller) wait(timeout time.Duration) error {
	const maxEvents = 128
	var events [maxEvents]unix.EpollEvent

	n, err := unix.EpollWait(p.epfd, events[:], int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		p.mu.Lock()
		reg, ok := p.entries[fd]
		p.mu.Unlock()
		if !ok {
			continue
		}

		ev := events[i].Events
		func() {
			defer func() { _ = recover() }()
			if ev&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				reg.drainReadable()
			}
			if ev&unix.EPOLLOUT != 0 {
				reg.disarmWrite()
				reg.handler.OnWritable()
			}
		}()
	}
	return nil
}

// drainReadable reads into the registration's reusable buffer until
// EAGAIN or EOF, delivering each chunk to the handler as an ordered
// sequence, per spec.md §4.2.
func (reg *epollRegistration) drainReadable() {
	for {
		_ = reg.conn.SetReadDeadline(time.Now())
		n, err := reg.conn.Read(reg.readBuf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, reg.readBuf[:n])
			reg.handler.OnData(chunk)
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				_ = reg.conn.SetReadDeadline(time.Time{})
				return // EAGAIN equivalent: no more data ready right now
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return
			}
			reg.notifyClosedOnce(err)
			return
		}
		if n == 0 {
			reg.notifyClosedOnce(nil)
			return
		}
	}
}

func (reg *epollRegistration) disarmWrite() {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(reg.fd)}
	_ = unix.EpollCtl(reg.p.epfd, unix.EPOLL_CTL_MOD, reg.fd, &ev)
}

func (reg *epollRegistration) notifyClosedOnce(err error) {
	reg.closedMu.Lock()
	already := reg.closed
	reg.closed = true
	reg.closedMu.Unlock()
	if already {
		return
	}
	reg.p.unregister(reg)
	reg.handler.OnClosed(err)
}

func (p *epollPoller) close() {
	p.mu.Lock()
	regs := make([]*epollRegistration, 0, len(p.entries))
	for _, reg := range p.entries {
		regs = append(regs, reg)
	}
	p.entries = make(map[int]*epollRegistration)
	p.mu.Unlock()

	for _, reg := range regs {
		reg.notifyClosedOnce(errReactorDestroyed)
	}
	_ = unix.Close(p.epfd)
}

var errReactorDestroyed = errors.New("reactor destroyed")
