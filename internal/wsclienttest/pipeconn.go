// Package wsclienttest provides small test helpers shared across package
// tests: currently a loopback TCP connection pair (the deterministic random
// source tests use is api.NewSeededRandomSource), grounded on the teacher's
// fake/fakereactor.go pattern
// of keeping lightweight stand-ins next to the real implementation
// instead of reaching for a mocking framework.
//
// Author: momentics <momentics@gmail.com>
package wsclienttest

import "net"

// LoopbackPair dials a real TCP loopback connection pair. Unlike
// net.Pipe, both ends are *net.TCPConn and so implement syscall.Conn,
// letting tests exercise the reactor's epoll backend the same way
// production traffic does, instead of only the portable fallback.
func LoopbackPair() (client net.Conn, server net.Conn, err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, nil, err
	}

	select {
	case server = <-acceptCh:
		return client, server, nil
	case err := <-errCh:
		client.Close()
		return nil, nil, err
	}
}
