// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"
	"fmt"

	"github.com/mulemesh/mulemesh/lib/bundle"
)

// ErrNotFound reports that no bundle with the requested ID exists in
// the store. Operations that are defined to be idempotent (Delete)
// absorb it; lookups surface it.
var ErrNotFound = errors.New("bundle not found")

// AdmissionRejectedError reports that a bundle could not be admitted
// because reclaiming every eligible entry (expired bundles plus all
// strictly lower-priority bundles) still would not free enough space.
// The store is left exactly as it was before the attempt.
type AdmissionRejectedError struct {
	ID          bundle.ID
	Size        int64 // bytes the incoming bundle needs
	Budget      int64 // configured store budget
	Reclaimable int64 // bytes that eviction could have freed
}

func (e *AdmissionRejectedError) Error() string {
	return fmt.Sprintf("bundle %s rejected: needs %d bytes, budget %d with at most %d reclaimable",
		bundle.FormatID(e.ID), e.Size, e.Budget, e.Reclaimable)
}

// IsAdmissionRejected reports whether err is an AdmissionRejectedError.
func IsAdmissionRejected(err error) bool {
	var rejected *AdmissionRejectedError
	return errors.As(err, &rejected)
}

// StateError reports an operation applied to a bundle in an
// incompatible lifecycle state, such as releasing a bundle that is
// not quarantined.
type StateError struct {
	ID    bundle.ID
	State bundle.State
	Op    string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s bundle %s in state %q", e.Op, bundle.FormatID(e.ID), e.State)
}
