// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// Compile-time interface checks.
var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// TCPListener accepts inbound TCP connections from peers. This is the
// development and same-LAN transport — it requires direct TCP
// reachability between nodes.
type TCPListener struct {
	listener net.Listener

	mu     sync.Mutex
	closed bool
}

// NewTCPListener creates a listener on the specified address (e.g.
// ":7440" or "192.168.1.10:7440"). Use ":0" for a random port.
func NewTCPListener(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: listener}, nil
}

// Serve accepts connections and dispatches each to handler on its own
// goroutine. Blocks until ctx is cancelled or Close is called.
func (l *TCPListener) Serve(ctx context.Context, handler Handler) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go handler(ctx, conn)
	}
}

// Address returns the listening address in "host:port" form.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the listener. In-flight handler streams are not
// touched; their sessions end on their own.
func (l *TCPListener) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.listener.Close()
}

// TCPDialer opens TCP streams to listening peers.
type TCPDialer struct {
	// Timeout bounds connection establishment. Zero means only the
	// context deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP connection to address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}
