// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

package logqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrUnknownBucket is returned by Fail when the bucket id does not
// belong to an outstanding lease from this process run. It indicates
// a protocol violation by the uplink (failing a bucket that was never
// leased, or failing one twice), not a storage fault.
var ErrUnknownBucket = errors.New("unknown bucket")

// Record is one staged payload with its store-assigned id.
type Record struct {
	ID      int64
	Payload []byte
}

// Bucket is a leased group of pending records. It is the handle the
// uplink must resolve with exactly one of Confirm or Fail. Buckets
// are transient: only the tag on each record persists, so an
// unresolved bucket does not survive a restart as a bucket. Its
// records return to pending during recovery.
type Bucket struct {
	// ID identifies the lease. Assigned sequentially, starting at 1
	// each process run.
	ID int64

	// Records holds the leased records in ascending id order.
	Records []Record

	// Size is the total payload bytes across Records. Never exceeds
	// the budget the bucket was leased with.
	Size int64
}

// Status is a point-in-time snapshot of the queue accounting.
type Status struct {
	// RecordCount is the number of records physically in the store,
	// leased or not.
	RecordCount int64

	// ConsumedSize is the total payload bytes of records not
	// currently leased into a bucket. Bytes move out at lease time
	// and back in only if the bucket fails.
	ConsumedSize int64
}

// Config holds the parameters for opening a queue.
type Config struct {
	// Store is the durable record store. Required. The queue takes
	// ownership: Close closes the store.
	Store RecordStore

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Queue is the staging queue manager. It owns the bucket-assignment
// algorithm and the accounting that lets Status answer without a
// store query. All methods are safe for concurrent use; they
// serialize behind one mutex.
type Queue struct {
	store  RecordStore
	logger *slog.Logger

	// mu serializes every operation. The counters below must move in
	// lockstep with store mutations, so each operation is one coarse
	// critical section around both.
	mu           sync.Mutex
	recordCount  int64
	consumedSize int64
	nextBucketID int64
	leasedBytes  map[int64]int64 // bucket id → bytes subtracted at lease

	// notify wakes the uplink after an append. Capacity 1; sends
	// never block.
	notify chan struct{}
}

// Open initializes a queue over the given store and runs crash
// recovery: the schema is created if absent, the accounting counters
// are recomputed from the table, and any bucket tag left by a lease
// that was in flight when a previous process ended is cleared so
// those records re-enter the pending pool. Open failing means no
// consistent baseline could be established; the queue must not be
// used in that case.
func Open(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("log queue: Store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	queue := &Queue{
		store:        cfg.Store,
		logger:       logger,
		nextBucketID: 1,
		leasedBytes:  make(map[int64]int64),
		notify:       make(chan struct{}, 1),
	}

	ctx := context.Background()

	if err := queue.store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("log queue: ensuring schema: %w", err)
	}

	count, totalSize, err := queue.store.CountAndTotalSize(ctx)
	if err != nil {
		return nil, fmt.Errorf("log queue: recomputing counters: %w", err)
	}
	queue.recordCount = count
	queue.consumedSize = totalSize

	if count > 0 {
		cleared, err := queue.store.ClearAllTags(ctx)
		if err != nil {
			return nil, fmt.Errorf("log queue: clearing stale leases: %w", err)
		}
		if cleared > 0 {
			logger.Info("recovered records from unconfirmed leases",
				"records", cleared,
			)
		}
	}

	logger.Info("log queue opened",
		"records", count,
		"bytes", totalSize,
	)

	return queue, nil
}

// Append stages one payload for upload. The payload is opaque to the
// queue. On success the counters reflect the new record and a waiting
// uplink is woken. On store failure the record is dropped and the
// error returned; the store is the only retry buffer, so there is no
// second queue in front of it.
func (q *Queue) Append(ctx context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.store.Insert(ctx, payload); err != nil {
		return fmt.Errorf("log queue: append: %w", err)
	}
	q.recordCount++
	q.consumedSize += int64(len(payload))

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Lease groups the oldest pending records into a new bucket and
// returns it, or returns a nil bucket when nothing is pending. The
// scan over pending records runs in ascending id order and stops at
// the first record that would push the bucket past maxBytes; later
// pending records are not considered even if they would fit, so a
// lease is always a strict prefix of the pending sequence. A pending
// record with an empty payload is corrupt: it is deleted and the scan
// continues past it.
//
// The records in a returned bucket are excluded from later leases
// until the bucket is resolved with Confirm or Fail.
func (q *Queue) Lease(ctx context.Context, maxBytes int64) (*Bucket, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("log queue: lease: budget must be positive, got %d", maxBytes)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		records    []Record
		totalBytes int64
		corruptIDs []int64
	)
	err := q.store.SelectPending(ctx, func(id int64, payload []byte) bool {
		if len(payload) == 0 {
			corruptIDs = append(corruptIDs, id)
			return true
		}
		if totalBytes+int64(len(payload)) > maxBytes {
			return false
		}
		records = append(records, Record{ID: id, Payload: payload})
		totalBytes += int64(len(payload))
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("log queue: lease: %w", err)
	}

	if len(corruptIDs) > 0 {
		deleted, err := q.store.DeleteByIDs(ctx, corruptIDs)
		if err != nil {
			return nil, fmt.Errorf("log queue: deleting corrupt records: %w", err)
		}
		q.recordCount -= int64(deleted)
		q.logger.Warn("deleted corrupt records with empty payloads",
			"records", deleted,
		)
	}

	if len(records) == 0 {
		return nil, nil
	}

	bucketID := q.nextBucketID
	ids := make([]int64, len(records))
	for i, record := range records {
		ids[i] = record.ID
	}
	if err := q.store.TagRecords(ctx, bucketID, ids); err != nil {
		return nil, fmt.Errorf("log queue: lease: tagging bucket %d: %w", bucketID, err)
	}

	q.nextBucketID++
	q.leasedBytes[bucketID] = totalBytes
	q.consumedSize -= totalBytes

	q.logger.Debug("bucket leased",
		"bucket", bucketID,
		"records", len(records),
		"bytes", totalBytes,
	)

	return &Bucket{ID: bucketID, Records: records, Size: totalBytes}, nil
}

// Confirm resolves a bucket after a successful upload: its rows are
// deleted from the store and the record count decremented by the
// number actually removed. ConsumedSize is untouched; the bucket's
// bytes were already subtracted at lease time. Confirming a bucket
// whose rows are already gone deletes zero rows and is not an error,
// so a repeated confirmation is harmless.
func (q *Queue) Confirm(ctx context.Context, bucketID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	deleted, err := q.store.DeleteByBucket(ctx, bucketID)
	if err != nil {
		return fmt.Errorf("log queue: confirm bucket %d: %w", bucketID, err)
	}
	q.recordCount -= int64(deleted)
	delete(q.leasedBytes, bucketID)

	q.logger.Debug("bucket confirmed",
		"bucket", bucketID,
		"records", deleted,
	)
	return nil
}

// Fail resolves a bucket after a failed upload: the bucket tag is
// cleared from its rows, returning them to pending with their ids and
// order intact, and the bucket's bytes are added back to the pending
// total exactly once. Failing a bucket with no outstanding lease
// returns ErrUnknownBucket and changes nothing.
func (q *Queue) Fail(ctx context.Context, bucketID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	size, ok := q.leasedBytes[bucketID]
	if !ok {
		return fmt.Errorf("log queue: fail bucket %d: %w", bucketID, ErrUnknownBucket)
	}

	cleared, err := q.store.ClearTag(ctx, bucketID)
	if err != nil {
		return fmt.Errorf("log queue: fail bucket %d: %w", bucketID, err)
	}

	q.consumedSize += size
	delete(q.leasedBytes, bucketID)

	if cleared == 0 {
		q.logger.Warn("failed bucket had no tagged records",
			"bucket", bucketID,
		)
	} else {
		q.logger.Debug("bucket failed",
			"bucket", bucketID,
			"records", cleared,
			"bytes", size,
		)
	}
	return nil
}

// Status returns the current accounting snapshot without touching the
// store.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		RecordCount:  q.recordCount,
		ConsumedSize: q.consumedSize,
	}
}

// Notify returns a channel that receives after each successful
// Append. The channel has capacity 1 and sends never block, so a
// receive means "at least one record arrived since the last receive",
// not one signal per record. The uplink selects on it to wake between
// polls.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Close releases the underlying store. Operations racing with Close
// finish first; operations after Close fail with store errors.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Close()
}
