// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

// Package logqueue implements the crash-durable staging queue that
// sits between record producers and the collector uplink.
//
// Producers append opaque record payloads faster than the network can
// drain them. The queue stages every record in a local SQLite store,
// groups pending records into size-bounded buckets for batched upload,
// tracks which buckets are in flight, and reconciles state after
// upload success, upload failure, or process restart. The contract is
// at-least-once delivery: a record leaves the store only after the
// uplink confirms its bucket, so a crash at any point re-delivers
// rather than loses.
//
// # Record Lifecycle
//
// A record moves through three states, all encoded in one table:
//
//   - pending: inserted by [Queue.Append], no bucket tag. Eligible
//     for leasing.
//   - leased: tagged with a bucket id by [Queue.Lease]. Owned by the
//     uplink until resolved.
//   - resolved: [Queue.Confirm] deletes the bucket's rows after a
//     successful upload; [Queue.Fail] clears the tag and returns the
//     rows to pending after a failed one.
//
// A lease abandoned by a crash leaves its tags in the store. The next
// [Open] clears every tag during recovery, returning those records to
// pending: an upload that was never confirmed is presumed undelivered.
//
// # Bucket Selection
//
// [Queue.Lease] scans pending records in ascending id order and takes
// the longest prefix whose payload bytes fit the budget. The scan
// stops at the first record that would exceed the budget; later,
// smaller records are not considered. This keeps delivery strictly
// FIFO by insertion order at the cost of occasionally underfilling a
// bucket. Records with empty payloads cannot be uploaded and are
// deleted as the scan encounters them.
//
// # Accounting
//
// The queue maintains a running record count and byte total so that
// [Queue.Status] never touches the store. Leasing subtracts the
// bucket's bytes exactly once; failing the bucket adds them back
// exactly once; confirming does not touch them again. Both counters
// are recomputed from the store at startup, so they are self-healing
// against any crash.
//
// # Concurrency
//
// All operations on a Queue serialize behind one mutex. The counters
// must move in lockstep with store mutations, so there is nothing to
// gain from finer locking; the store itself is the bottleneck. A
// store must be owned by exactly one Queue in one process; nothing
// here enforces that precondition.
package logqueue
