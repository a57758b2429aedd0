// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the algorithm applied to a bundle's
// encoding on the wire. Tags are protocol constants — changing a
// value breaks compatibility with deployed peers.
type CompressionTag uint8

const (
	// CompressionNone carries the encoding unmodified. Chosen when
	// the payload is already compressed (images, sealed blobs) and
	// recompression would only burn contact-window time.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 is LZ4 block compression: modest ratio, very
	// cheap to decode on constrained receivers.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd is zstd at the default level: the best ratio
	// for text-like payloads, the default for pushes.
	CompressionZstd CompressionTag = 2
)

func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// errIncompressible signals that compression would not shrink the
// input; callers fall back to CompressionNone.
var errIncompressible = errors.New("data is incompressible")

// zstd encoder/decoder are reused across sessions; both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("sync: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("sync: zstd decoder initialization failed: " + err.Error())
	}
}

// compressForWire compresses an encoded bundle with zstd, falling
// back to the unmodified bytes when compression does not help.
func compressForWire(encoded []byte) (CompressionTag, []byte) {
	compressed := zstdEncoder.EncodeAll(encoded, nil)
	if len(compressed) >= len(encoded) {
		return CompressionNone, encoded
	}
	return CompressionZstd, compressed
}

// decompressFromWire restores an encoded bundle. rawSize must match
// the original length exactly; a mismatch means a corrupted or
// hostile frame.
func decompressFromWire(data []byte, tag CompressionTag, rawSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(data) != rawSize {
			return nil, fmt.Errorf("uncompressed bundle: size %d does not match declared %d",
				len(data), rawSize)
		}
		return data, nil

	case CompressionLZ4:
		out := make([]byte, rawSize)
		read, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != rawSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, rawSize)
		}
		return out, nil

	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawSize)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// compressLZ4 is the low-CPU alternative for senders on constrained
// hardware; sessions select it via SessionConfig.
func compressLZ4(encoded []byte) (CompressionTag, []byte) {
	bound := lz4.CompressBlockBound(len(encoded))
	out := make([]byte, bound)
	written, err := lz4.CompressBlock(encoded, out, nil)
	if err != nil || written == 0 || written >= len(encoded) {
		return CompressionNone, encoded
	}
	return CompressionLZ4, out[:written]
}
