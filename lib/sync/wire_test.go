// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/mulemesh/mulemesh/lib/bundle"
	"github.com/mulemesh/mulemesh/lib/codec"
)

func TestWireRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	sent := IndexMessage{
		Version: ProtocolVersion,
		Node:    "node-a",
		Entries: []bundle.IndexEntry{indexEntry(1, bundle.PriorityHigh, "public", 100)},
	}
	if err := writeMessage(&buffer, kindIndex, sent); err != nil {
		t.Fatalf("write: %v", err)
	}

	kind, body, err := readMessage(&buffer)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != kindIndex {
		t.Fatalf("kind = %d, want index", kind)
	}
	var got IndexMessage
	if err := codec.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Node != "node-a" || len(got.Entries) != 1 || got.Entries[0].ID != sent.Entries[0].ID {
		t.Errorf("round trip mangled message: %+v", got)
	}
}

func TestWireDetectsCorruption(t *testing.T) {
	var buffer bytes.Buffer
	if err := writeMessage(&buffer, kindDone, DoneMessage{Sent: 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := buffer.Bytes()
	frame[len(frame)-1] ^= 0xff

	var protocolErr *ProtocolError
	if _, _, err := readMessage(bytes.NewReader(frame)); !errors.As(err, &protocolErr) {
		t.Fatalf("read corrupted frame: err = %v, want ProtocolError", err)
	}
}

func TestWireDetectsTruncation(t *testing.T) {
	var buffer bytes.Buffer
	if err := writeMessage(&buffer, kindDone, DoneMessage{Sent: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := buffer.Bytes()

	if _, _, err := readMessage(bytes.NewReader(frame[:len(frame)-2])); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("read truncated frame: err = %v, want unexpected EOF", err)
	}
}

func TestWireRejectsUnknownKind(t *testing.T) {
	var buffer bytes.Buffer
	if err := writeMessage(&buffer, messageKind(42), DoneMessage{}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var protocolErr *ProtocolError
	if _, _, err := readMessage(&buffer); !errors.As(err, &protocolErr) {
		t.Fatalf("read unknown kind: err = %v, want ProtocolError", err)
	}
}

func TestWireRejectsOversizedFrame(t *testing.T) {
	var header [frameHeaderSize]byte
	header[0] = 0xff
	header[1] = 0xff
	header[2] = 0xff
	header[3] = 0xff

	var protocolErr *ProtocolError
	if _, _, err := readMessage(bytes.NewReader(header[:])); !errors.As(err, &protocolErr) {
		t.Fatalf("read oversized frame: err = %v, want ProtocolError", err)
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	compressible := bytes.Repeat([]byte("report line\n"), 200)

	tag, data := compressForWire(compressible)
	if tag != CompressionZstd {
		t.Fatalf("tag = %v, want zstd for repetitive input", tag)
	}
	if len(data) >= len(compressible) {
		t.Fatalf("compression did not shrink input: %d -> %d", len(compressible), len(data))
	}
	restored, err := decompressFromWire(data, tag, len(compressible))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(restored, compressible) {
		t.Error("zstd round trip corrupted data")
	}

	tag, data = compressLZ4(compressible)
	if tag != CompressionLZ4 {
		t.Fatalf("tag = %v, want lz4 for repetitive input", tag)
	}
	restored, err = decompressFromWire(data, tag, len(compressible))
	if err != nil {
		t.Fatalf("lz4 decompress: %v", err)
	}
	if !bytes.Equal(restored, compressible) {
		t.Error("lz4 round trip corrupted data")
	}
}

func TestCompressionFallsBackOnIncompressible(t *testing.T) {
	// A zstd frame of random-ish data: compressing it again cannot
	// shrink it, so the wire tag must fall back to none.
	input := zstdEncoder.EncodeAll(bytes.Repeat([]byte("x"), 4096), nil)

	tag, data := compressForWire(input)
	if tag != CompressionNone {
		t.Fatalf("tag = %v, want none for incompressible input", tag)
	}
	restored, err := decompressFromWire(data, tag, len(input))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(restored, input) {
		t.Error("passthrough corrupted data")
	}
}

func TestDecompressRejectsSizeMismatch(t *testing.T) {
	compressible := bytes.Repeat([]byte("abc"), 500)
	tag, data := compressForWire(compressible)
	if tag != CompressionZstd {
		t.Skipf("input unexpectedly incompressible")
	}
	if _, err := decompressFromWire(data, tag, len(compressible)+1); err == nil {
		t.Fatal("size mismatch accepted")
	}
}
