// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/kaaproject/kaa-log-agent/lib/codec"
)

// Envelope is one upload batch: every record of a single staged
// bucket, in staging order, together with the identity of the client
// that produced them.
type Envelope struct {
	// ClientID identifies the producing agent to the collector.
	ClientID string `cbor:"client_id"`

	// BucketID is the agent-local bucket the records were leased
	// from. The collector echoes it in error reports; it is not
	// globally unique.
	BucketID int64 `cbor:"bucket_id"`

	// Records holds the raw record payloads in staging order.
	Records [][]byte `cbor:"records"`
}

// ContentType is the MIME type for envelope frames sent over HTTP.
const ContentType = "application/vnd.kaa.envelope"

// Frame layout constants. These are protocol values shared with the
// collector; do not change them without a version bump.
const (
	// frameMagic marks the start of every envelope frame.
	frameMagic = "KAA1"

	// frameVersion is the current frame format version.
	frameVersion = 1

	// headerSize is the fixed size of the frame header: magic (4),
	// version (1), compression (1), uncompressed size (4), digest
	// (32).
	headerSize = 4 + 1 + 1 + 4 + 32

	// maxUncompressedSize bounds the decoded body size. A frame
	// declaring a larger body is rejected before decompression, so
	// a corrupt or hostile length field cannot cause an outsized
	// allocation.
	maxUncompressedSize = 64 << 20 // 64 MiB
)

// envelopeDomainKey is the BLAKE3 key for envelope digests. Using a
// keyed hash with a protocol-specific key means a digest computed
// here can never collide with hashes of the same bytes in another
// context.
var envelopeDomainKey = [32]byte{'k', 'a', 'a', '.', 'w', 'i', 'r', 'e', '.', 'e', 'n', 'v', 'e', 'l', 'o', 'p', 'e'}

// Decode errors. ErrDigestMismatch is distinct so callers can count
// integrity failures separately from malformed frames.
var (
	ErrDigestMismatch = errors.New("wire: envelope digest mismatch")
)

// digest computes the keyed BLAKE3 digest of data.
func digest(data []byte) [32]byte {
	hasher, err := blake3.NewKeyed(envelopeDomainKey[:])
	if err != nil {
		// NewKeyed requires exactly 32 bytes of key material, which
		// cannot fail with our fixed-size key.
		panic("wire: blake3.NewKeyed failed: " + err.Error())
	}
	hasher.Write(data)

	var d [32]byte
	copy(d[:], hasher.Sum(nil))
	return d
}

// Encode serializes an envelope into a framed wire message. The body
// is deterministic CBOR, compressed with the requested algorithm; if
// the body does not compress smaller than its original size the frame
// carries it uncompressed and the header records CompressionNone. The
// digest covers the uncompressed CBOR bytes, so integrity verification
// happens after decompression on the same bytes that will be decoded.
func Encode(envelope *Envelope, compression Compression) ([]byte, error) {
	body, err := codec.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("wire: encode envelope: %w", err)
	}
	if len(body) > maxUncompressedSize {
		return nil, fmt.Errorf("wire: envelope body %d bytes exceeds limit %d", len(body), maxUncompressedSize)
	}

	bodyDigest := digest(body)

	compressed, err := compress(body, compression)
	if isIncompressible(err) {
		compressed = body
		compression = CompressionNone
	} else if err != nil {
		return nil, fmt.Errorf("wire: compress envelope: %w", err)
	}

	frame := make([]byte, headerSize+len(compressed))
	copy(frame[0:4], frameMagic)
	frame[4] = frameVersion
	frame[5] = byte(compression)
	binary.BigEndian.PutUint32(frame[6:10], uint32(len(body)))
	copy(frame[10:42], bodyDigest[:])
	copy(frame[headerSize:], compressed)
	return frame, nil
}

// Decode parses a framed wire message and returns the envelope. The
// frame is rejected if the magic or version is wrong, the declared
// body size exceeds the limit, decompression fails, or the digest of
// the decompressed body does not match the header.
func Decode(frame []byte) (*Envelope, error) {
	if len(frame) < headerSize {
		return nil, fmt.Errorf("wire: frame too short: %d bytes, need at least %d", len(frame), headerSize)
	}
	if string(frame[0:4]) != frameMagic {
		return nil, fmt.Errorf("wire: bad frame magic %q", frame[0:4])
	}
	if frame[4] != frameVersion {
		return nil, fmt.Errorf("wire: unsupported frame version %d", frame[4])
	}

	compression := Compression(frame[5])
	uncompressedSize := binary.BigEndian.Uint32(frame[6:10])
	if uncompressedSize > maxUncompressedSize {
		return nil, fmt.Errorf("wire: declared body size %d exceeds limit %d", uncompressedSize, maxUncompressedSize)
	}

	var wantDigest [32]byte
	copy(wantDigest[:], frame[10:42])

	body, err := decompress(frame[headerSize:], compression, int(uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}

	if digest(body) != wantDigest {
		return nil, ErrDigestMismatch
	}

	var envelope Envelope
	if err := codec.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return &envelope, nil
}
