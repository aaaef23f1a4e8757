// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

package logqueue

import "context"

// RecordStore is the durable row store behind a Queue. Records are
// keyed by a store-assigned, strictly increasing id and carry an
// optional bucket tag; a record with no tag is pending.
//
// Every method must be individually atomic: a bulk update or delete
// either applies to all matched rows or to none. Implementations do
// not need to be safe for concurrent use; the queue serializes all
// calls behind its own mutex.
type RecordStore interface {
	// EnsureSchema creates the backing table and index if they do
	// not exist. Idempotent.
	EnsureSchema(ctx context.Context) error

	// Insert adds a record with no bucket tag and returns its
	// store-assigned id. Ids are strictly increasing and never
	// reused, even after deletes.
	Insert(ctx context.Context, payload []byte) (int64, error)

	// SelectPending visits every record with no bucket tag in
	// ascending id order. The scan stops early when fn returns
	// false. The payload slice passed to fn is owned by the caller
	// of SelectPending and remains valid after the scan.
	SelectPending(ctx context.Context, fn func(id int64, payload []byte) bool) error

	// TagRecords sets the bucket tag on the given records.
	TagRecords(ctx context.Context, bucketID int64, ids []int64) error

	// ClearTag removes the bucket tag from all records carrying it,
	// returning them to pending. Returns the number of records
	// affected.
	ClearTag(ctx context.Context, bucketID int64) (int, error)

	// ClearAllTags removes every bucket tag in the store. Used only
	// during startup recovery. Returns the number of records
	// affected.
	ClearAllTags(ctx context.Context) (int, error)

	// DeleteByIDs removes the given records. Returns the number
	// actually deleted.
	DeleteByIDs(ctx context.Context, ids []int64) (int, error)

	// DeleteByBucket removes all records carrying the given bucket
	// tag. Returns the number actually deleted.
	DeleteByBucket(ctx context.Context, bucketID int64) (int, error)

	// CountAndTotalSize returns the number of records in the store
	// and the sum of their payload lengths. Used only during startup
	// recovery.
	CountAndTotalSize(ctx context.Context) (count, totalSize int64, err error)

	// Close releases the underlying storage handle.
	Close() error
}
