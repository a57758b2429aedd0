// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package store implements the durable, content-addressed bundle
// store: the single owner of bundle lifecycle state and the only
// component that mutates it.
//
// The store enforces a hard byte budget over its active contents.
// Admission of a bundle that would exceed the budget first reclaims
// space from expired entries, then from strictly lower-priority
// entries (oldest first), and fails with AdmissionRejectedError when
// not enough reclaimable space exists — it never evicts an equal or
// higher priority bundle to make room.
//
// Concurrency: reads go straight to the SQLite pool; every mutation
// (admit, delete, sweep, state transition) runs inside an IMMEDIATE
// transaction under a single write mutex, so admission-plus-eviction
// is indivisible from the point of view of any concurrent reader or
// writer, and budget accounting can never diverge from persisted
// content. Unrelated readers — queue rebuilds, sync index snapshots —
// are never blocked by each other.
package store
