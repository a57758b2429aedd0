// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package sync implements peer reconciliation: two nodes exchange
// compact indexes of the bundles they hold, compute the minimal set
// each side is missing and authorized to receive, and transfer those
// bundles in priority order over any byte stream.
//
// The protocol is stateless across contacts. An interrupted session
// leaves both stores consistent — admission is all-or-nothing per
// bundle — and the next contact simply recomputes the transfer set
// from current indexes instead of resuming a byte offset.
//
// Trust is external: the protocol evaluates a caller-supplied
// predicate per bundle audience and performs no trust computation of
// its own.
package sync
