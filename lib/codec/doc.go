// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the canonical CBOR encoding used for every
// durable and wire-visible structure in mulemesh: bundles, sync index
// messages, and transfer frames.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same logical value always produces identical bytes. Bundle identity
// and signatures are computed over these bytes — any nondeterminism in
// the encoder would change a bundle's id between nodes and break
// content addressing.
package codec
