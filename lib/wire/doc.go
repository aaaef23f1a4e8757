// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the upload format between the agent and the
// collector.
//
// An [Envelope] carries one leased bucket of records: the client
// identity, the bucket id, and the opaque record payloads. Envelopes
// are encoded as deterministic CBOR and wrapped in a binary frame:
//
//	offset  size  field
//	0       4     magic "KAA1"
//	4       1     frame version (currently 1)
//	5       1     compression tag
//	6       4     uncompressed body size, big-endian
//	10      32    BLAKE3 keyed digest of the uncompressed body
//	42      rest  body (CBOR, compressed per the tag)
//
// The digest is computed over the uncompressed CBOR bytes with a
// fixed domain key, so corruption is detected regardless of which
// compression algorithm was in use. [Encode] falls back to
// [CompressionNone] when compression would not shrink the body
// (already-compressed or high-entropy payloads).
//
// The frame layout and the compression tag values are protocol
// constants shared with the collector; changing them breaks
// compatibility with deployed agents.
package wire
