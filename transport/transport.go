// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the byte-stream links sync sessions run
// over. The engine never discovers peers or manages radios; it is
// handed an established stream and speaks the sync protocol on it.
// TCP serves wired and same-LAN deployments; QUIC serves lossy links
// where a contact window is too short for TCP's loss recovery.
package transport

import (
	"context"
	"io"
)

// Handler processes one inbound peer stream. The handler owns the
// stream and must close it.
type Handler func(ctx context.Context, stream io.ReadWriteCloser)

// Listener accepts inbound streams from peers.
type Listener interface {
	// Serve accepts streams and dispatches each to handler on its
	// own goroutine. Blocks until ctx is cancelled or Close is
	// called; returns nil on clean shutdown.
	Serve(ctx context.Context, handler Handler) error

	// Address returns the address peers dial, in the form this
	// transport's Dialer accepts. Useful with ":0" listeners.
	Address() string

	// Close shuts the listener down.
	Close() error
}

// Dialer opens streams to listening peers.
type Dialer interface {
	DialContext(ctx context.Context, address string) (io.ReadWriteCloser, error)
}
