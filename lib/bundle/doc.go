// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package bundle defines the atomic unit of transport: a signed,
// content-addressed, priority-tiered, time-limited data unit. The
// package is pure — it creates, encodes, addresses, signs, and
// verifies bundles, and classifies their TTL, but holds no state.
//
// Identity is content-derived: the id is a keyed BLAKE3 digest over
// the canonical CBOR encoding of (payload, payload type, creator key,
// creation time, nonce). Creating the same logical bundle twice yields
// the same id unless an explicit nonce forces a distinct one.
//
// The signature covers every immutable field. Hop count and the
// seen-by set are transfer provenance — they change on every hop and
// are deliberately outside both the id and the signature.
package bundle
