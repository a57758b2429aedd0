// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/mulemesh/mulemesh/lib/bundle"
	"github.com/mulemesh/mulemesh/lib/codec"
)

// ProtocolVersion is carried in every index message. Peers on a
// different version abort the session before transferring anything.
const ProtocolVersion = 1

// Frame layout: a 4-byte big-endian body length, an 8-byte keyed
// BLAKE3 checksum of the body, then the CBOR-encoded envelope. The
// checksum lets a receiver reject a truncated or corrupted frame
// before handing bytes to the decoder.
const (
	frameHeaderSize = 4 + checksumSize
	checksumSize    = 8

	// maxFrameBody bounds a single message: the largest canonical
	// bundle encoding plus envelope and provenance overhead.
	maxFrameBody = bundle.MaxEncodedSize + 64*1024
)

// frameDomainKey is the BLAKE3 keyed-hash domain for frame checksums,
// distinct from the bundle id domain. ASCII, zero-padded to 32 bytes.
var frameDomainKey = [32]byte{
	'm', 'u', 'l', 'e', 'm', 'e', 's', 'h', '.', 's', 'y', 'n', 'c', '.',
	'f', 'r', 'a', 'm', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// messageKind discriminates envelope bodies.
type messageKind uint8

const (
	kindIndex  messageKind = 1
	kindBundle messageKind = 2
	kindDone   messageKind = 3
)

// envelope is the outer CBOR structure of every frame body.
type envelope struct {
	Kind uint8            `cbor:"kind"`
	Body codec.RawMessage `cbor:"body"`
}

// IndexMessage opens a session from each side: protocol version, the
// sender's node name, and one entry per transferable bundle it holds.
type IndexMessage struct {
	Version uint32              `cbor:"version"`
	Node    string              `cbor:"node"`
	Entries []bundle.IndexEntry `cbor:"entries,omitempty"`
}

// BundleMessage carries one bundle's canonical encoding, possibly
// compressed, plus the sender's provenance view. Hop count and
// seen-by ride outside the encoding because they mutate per hop and
// are not covered by the bundle signature.
type BundleMessage struct {
	Encoded     []byte   `cbor:"encoded"`
	Compression uint8    `cbor:"compression"`
	RawSize     int      `cbor:"raw_size"`
	HopCount    int      `cbor:"hop_count"`
	SeenBy      []string `cbor:"seen_by,omitempty"`
}

// DoneMessage closes a sender's half of the session.
type DoneMessage struct {
	Sent int `cbor:"sent"`
}

func checksum(body []byte) [checksumSize]byte {
	hasher, err := blake3.NewKeyed(frameDomainKey[:])
	if err != nil {
		panic("sync: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(body)
	var sum [checksumSize]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}

// writeMessage frames and sends one message.
func writeMessage(w io.Writer, kind messageKind, message any) error {
	body, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding message body: %w", err)
	}
	enveloped, err := codec.Marshal(envelope{Kind: uint8(kind), Body: body})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if len(enveloped) > maxFrameBody {
		return &ProtocolError{Reason: fmt.Sprintf("outgoing frame of %d bytes exceeds limit", len(enveloped))}
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(enveloped)))
	sum := checksum(enveloped)
	copy(header[4:], sum[:])

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(enveloped); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// readMessage receives one frame, verifies its checksum, and returns
// the message kind with the still-encoded body.
func readMessage(r io.Reader) (messageKind, codec.RawMessage, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("reading frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:4])
	if length == 0 || length > maxFrameBody {
		return 0, nil, &ProtocolError{Reason: fmt.Sprintf("frame of %d bytes outside limits", length)}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("reading frame body: %w", err)
	}
	sum := checksum(body)
	var declared [checksumSize]byte
	copy(declared[:], header[4:])
	if sum != declared {
		return 0, nil, &ProtocolError{Reason: "frame checksum mismatch"}
	}

	var outer envelope
	if err := codec.Unmarshal(body, &outer); err != nil {
		return 0, nil, &ProtocolError{Reason: fmt.Sprintf("undecodable envelope: %v", err)}
	}
	switch messageKind(outer.Kind) {
	case kindIndex, kindBundle, kindDone:
		return messageKind(outer.Kind), outer.Body, nil
	default:
		return 0, nil, &ProtocolError{Reason: fmt.Sprintf("unknown message kind %d", outer.Kind)}
	}
}
