// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration.
//
// CBOR is the interchange format between the agent and the collector:
// every upload envelope body is CBOR. This package provides the shared
// encoding and decoding modes so that every package encodes
// identically without duplicating configuration. The encoder uses
// Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items. Same logical
// data always produces identical bytes, which is what lets the frame
// digest double as a content identity.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Types carried over the wire use `cbor` struct tags to fix field
// names independently of Go identifier renames.
package codec
