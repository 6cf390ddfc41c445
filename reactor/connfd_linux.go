//go:build linux

package reactor

import (
	"fmt"
	"net"
	"syscall"
)

// connFD extracts the underlying file descriptor from any net.Conn that
// implements syscall.Conn (*net.TCPConn does; so does *tls.Conn's
// underlying connection once unwrapped by the caller). The fd is
// duplicated so epoll registration outlives whatever the standard
// library's runtime poller integration does with the original.
func connFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, fmt.Errorf("connection type %T does not expose a raw file descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("syscall conn: %w", err)
	}

	var fd int
	var ctrlErr error
	err = raw.Control(func(f uintptr) {
		dup, e := syscall.Dup(int(f))
		if e != nil {
			ctrlErr = e
			return
		}
		fd = dup
	})
	if err != nil {
		return 0, fmt.Errorf("raw control: %w", err)
	}
	if ctrlErr != nil {
		return 0, fmt.Errorf("dup fd: %w", ctrlErr)
	}
	return fd, nil
}
