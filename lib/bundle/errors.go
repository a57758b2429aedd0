// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"errors"
	"fmt"
)

// FormatError reports a malformed bundle: missing fields, invalid
// priority, oversized encoding, bad payload type. Terminal for the
// bundle — it is rejected, never admitted in degraded form.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "bundle format: " + e.Reason
}

// SignatureError reports failed integrity verification: a bad
// signature or a content address that does not match the content.
// Always fatal to the individual bundle and never retried.
type SignatureError struct {
	ID     ID
	Reason string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("bundle %s: %s", FormatID(e.ID), e.Reason)
}

// ExpiredError reports that a bundle's TTL elapsed. The bundle is
// dropped, not retried.
type ExpiredError struct {
	ID ID

	// Expiry is the bundle's ttl_expiry in unix milliseconds.
	Expiry int64
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("bundle %s: expired at %d", FormatID(e.ID), e.Expiry)
}

// IsFormat reports whether err is a *FormatError.
func IsFormat(err error) bool {
	var formatErr *FormatError
	return errors.As(err, &formatErr)
}

// IsSignature reports whether err is a *SignatureError.
func IsSignature(err error) bool {
	var signatureErr *SignatureError
	return errors.As(err, &signatureErr)
}

// IsExpired reports whether err is an *ExpiredError.
func IsExpired(err error) bool {
	var expiredErr *ExpiredError
	return errors.As(err, &expiredErr)
}
