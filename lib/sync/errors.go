// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"errors"
	"fmt"
)

// TransferInterruptedError reports that a session ended before the
// peer's Done message arrived: disconnect, cancellation, or a frame
// that failed its checksum. No partial bundle was persisted; the next
// contact recomputes the transfer set from scratch.
type TransferInterruptedError struct {
	Peer string
	Err  error
}

func (e *TransferInterruptedError) Error() string {
	return fmt.Sprintf("sync with %s interrupted: %v", e.Peer, e.Err)
}

func (e *TransferInterruptedError) Unwrap() error {
	return e.Err
}

// IsTransferInterrupted reports whether err is a
// TransferInterruptedError.
func IsTransferInterrupted(err error) bool {
	var interrupted *TransferInterruptedError
	return errors.As(err, &interrupted)
}

// ProtocolError reports a structurally invalid exchange: version
// mismatch, unknown message kind, frame oversize, or checksum
// failure. Always fatal to the session.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "sync protocol: " + e.Reason
}
