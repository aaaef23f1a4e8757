// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

// Package uplink ships staged log records to a collector.
//
// The Uplink owns the consuming side of a logqueue.Queue. It wakes on
// append notifications (with a periodic poll as a safety net), leases
// a bucket of pending records, encodes the bucket into a wire envelope,
// and POSTs it through a Transport. Buckets the collector accepts are
// confirmed, which deletes the records locally. Buckets it rejects are
// failed back to the pending set and retried with exponential backoff.
// Because leasing is oldest-first, a retry picks up exactly the records
// that just failed, so a down collector stalls the stream rather than
// reordering it.
//
// Delivery is at least once: a crash between a successful upload and
// its confirmation re-ships the same bucket after restart. Collectors
// deduplicate by (client, bucket) when that matters.
package uplink
