// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

package logqueue

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kaaproject/kaa-log-agent/lib/testutil"
)

// openQueueAt opens a queue over the database at path. The caller is
// responsible for closing it; restart tests close and reopen the same
// path.
func openQueueAt(t *testing.T, path string) *Queue {
	t.Helper()

	store, err := OpenSQLiteStore(SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("OpenSQLiteStore failed: %v", err)
	}
	queue, err := Open(Config{Store: store})
	if err != nil {
		store.Close()
		t.Fatalf("Open failed: %v", err)
	}
	return queue
}

// openTestQueue opens a queue over a fresh database file, closed
// automatically when the test ends.
func openTestQueue(t *testing.T) *Queue {
	t.Helper()

	queue := openQueueAt(t, filepath.Join(t.TempDir(), "logs.db"))
	t.Cleanup(func() { queue.Close() })
	return queue
}

// appendAll appends one record per payload and fails the test on any
// error.
func appendAll(t *testing.T, queue *Queue, payloads ...[]byte) {
	t.Helper()
	for i, payload := range payloads {
		if err := queue.Append(context.Background(), payload); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
}

// payloadOfSize returns a payload of exactly n bytes.
func payloadOfSize(n int) []byte {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	return payload
}

func TestOpenRequiresStore(t *testing.T) {
	_, err := Open(Config{})
	if err == nil {
		t.Fatal("Open without a store should fail")
	}
}

func TestAppendAccounting(t *testing.T) {
	queue := openTestQueue(t)

	appendAll(t, queue, payloadOfSize(10), payloadOfSize(20), payloadOfSize(15))

	status := queue.Status()
	if status.RecordCount != 3 {
		t.Errorf("RecordCount = %d, want 3", status.RecordCount)
	}
	if status.ConsumedSize != 45 {
		t.Errorf("ConsumedSize = %d, want 45", status.ConsumedSize)
	}
}

func TestLeaseEmptyQueue(t *testing.T) {
	queue := openTestQueue(t)

	bucket, err := queue.Lease(context.Background(), 1024)
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if bucket != nil {
		t.Errorf("Lease on empty queue returned bucket %d, want nil", bucket.ID)
	}
}

func TestLeaseRejectsNonPositiveBudget(t *testing.T) {
	queue := openTestQueue(t)

	if _, err := queue.Lease(context.Background(), 0); err == nil {
		t.Error("Lease with zero budget should fail")
	}
	if _, err := queue.Lease(context.Background(), -5); err == nil {
		t.Error("Lease with negative budget should fail")
	}
}

func TestLeaseStopsAtBudget(t *testing.T) {
	// Sizes {10, 20, 15} with budget 25: the 10-byte record fits,
	// the 20-byte record would make 30, so the scan stops there. The
	// 15-byte record is not considered even though it would fit.
	queue := openTestQueue(t)
	appendAll(t, queue, payloadOfSize(10), payloadOfSize(20), payloadOfSize(15))

	bucket, err := queue.Lease(context.Background(), 25)
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if bucket == nil {
		t.Fatal("Lease returned nil, want one record")
	}
	if len(bucket.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(bucket.Records))
	}
	if bucket.Size != 10 {
		t.Errorf("bucket Size = %d, want 10", bucket.Size)
	}

	if err := queue.Confirm(context.Background(), bucket.ID); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	status := queue.Status()
	if status.RecordCount != 2 {
		t.Errorf("RecordCount = %d, want 2", status.RecordCount)
	}
	if status.ConsumedSize != 35 {
		t.Errorf("ConsumedSize = %d, want 35", status.ConsumedSize)
	}
}

func TestLeaseOversizedFirstRecord(t *testing.T) {
	// The first pending record alone exceeds the budget: no bucket,
	// and the smaller record behind it is not leased out of order.
	queue := openTestQueue(t)
	appendAll(t, queue, payloadOfSize(30), payloadOfSize(5))

	bucket, err := queue.Lease(context.Background(), 10)
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if bucket != nil {
		t.Fatalf("Lease returned bucket with %d records, want nil", len(bucket.Records))
	}

	// A big enough budget takes both, in insertion order.
	bucket, err = queue.Lease(context.Background(), 50)
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if bucket == nil || len(bucket.Records) != 2 {
		t.Fatal("Lease with sufficient budget should return both records")
	}
	if len(bucket.Records[0].Payload) != 30 || len(bucket.Records[1].Payload) != 5 {
		t.Error("records returned out of insertion order")
	}
}

func TestLeaseNeverExceedsBudget(t *testing.T) {
	queue := openTestQueue(t)
	for i := 0; i < 20; i++ {
		appendAll(t, queue, payloadOfSize(7))
	}

	for {
		bucket, err := queue.Lease(context.Background(), 16)
		if err != nil {
			t.Fatalf("Lease failed: %v", err)
		}
		if bucket == nil {
			break
		}
		if bucket.Size > 16 {
			t.Fatalf("bucket %d holds %d bytes, budget is 16", bucket.ID, bucket.Size)
		}
		if err := queue.Confirm(context.Background(), bucket.ID); err != nil {
			t.Fatalf("Confirm failed: %v", err)
		}
	}

	if status := queue.Status(); status.RecordCount != 0 {
		t.Errorf("RecordCount = %d after draining, want 0", status.RecordCount)
	}
}

func TestLeaseExcludesOutstandingBuckets(t *testing.T) {
	queue := openTestQueue(t)
	appendAll(t, queue, payloadOfSize(10), payloadOfSize(10), payloadOfSize(10))

	first, err := queue.Lease(context.Background(), 10)
	if err != nil || first == nil {
		t.Fatalf("first Lease failed: %v", err)
	}
	second, err := queue.Lease(context.Background(), 10)
	if err != nil || second == nil {
		t.Fatalf("second Lease failed: %v", err)
	}

	for _, leased := range first.Records {
		for _, other := range second.Records {
			if leased.ID == other.ID {
				t.Fatalf("record %d leased into buckets %d and %d", leased.ID, first.ID, second.ID)
			}
		}
	}
}

func TestBucketIDsSequential(t *testing.T) {
	queue := openTestQueue(t)
	appendAll(t, queue, payloadOfSize(5), payloadOfSize(5), payloadOfSize(5))

	for want := int64(1); want <= 3; want++ {
		bucket, err := queue.Lease(context.Background(), 5)
		if err != nil || bucket == nil {
			t.Fatalf("Lease failed: %v", err)
		}
		if bucket.ID != want {
			t.Errorf("bucket ID = %d, want %d", bucket.ID, want)
		}
	}
}

func TestConfirmedRecordsNeverReturn(t *testing.T) {
	queue := openTestQueue(t)
	appendAll(t, queue, []byte("first"), []byte("second"))

	bucket, err := queue.Lease(context.Background(), 5)
	if err != nil || bucket == nil {
		t.Fatalf("Lease failed: %v", err)
	}
	confirmedID := bucket.Records[0].ID
	if err := queue.Confirm(context.Background(), bucket.ID); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	next, err := queue.Lease(context.Background(), 1024)
	if err != nil || next == nil {
		t.Fatalf("Lease failed: %v", err)
	}
	for _, record := range next.Records {
		if record.ID == confirmedID {
			t.Fatalf("confirmed record %d returned by a later lease", record.ID)
		}
	}
}

func TestConfirmIdempotent(t *testing.T) {
	queue := openTestQueue(t)
	appendAll(t, queue, []byte("only"))

	bucket, err := queue.Lease(context.Background(), 1024)
	if err != nil || bucket == nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if err := queue.Confirm(context.Background(), bucket.ID); err != nil {
		t.Fatalf("first Confirm failed: %v", err)
	}
	before := queue.Status()

	// The second confirmation deletes zero rows and must not error
	// or move the counters.
	if err := queue.Confirm(context.Background(), bucket.ID); err != nil {
		t.Fatalf("second Confirm failed: %v", err)
	}
	if after := queue.Status(); after != before {
		t.Errorf("second Confirm changed status: %+v, want %+v", after, before)
	}
}

func TestFailRestoresRecords(t *testing.T) {
	// Lease two records (sizes 5 and 7), fail the bucket, and verify
	// the pending bytes return and a second lease sees the same
	// records in the same order.
	queue := openTestQueue(t)
	appendAll(t, queue, payloadOfSize(5), payloadOfSize(7))

	preLease := queue.Status()

	bucket, err := queue.Lease(context.Background(), 12)
	if err != nil || bucket == nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if len(bucket.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(bucket.Records))
	}
	if leased := queue.Status(); leased.ConsumedSize != preLease.ConsumedSize-12 {
		t.Errorf("ConsumedSize after lease = %d, want %d", leased.ConsumedSize, preLease.ConsumedSize-12)
	}

	if err := queue.Fail(context.Background(), bucket.ID); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if restored := queue.Status(); restored != preLease {
		t.Errorf("status after Fail = %+v, want pre-lease %+v", restored, preLease)
	}

	again, err := queue.Lease(context.Background(), 12)
	if err != nil || again == nil {
		t.Fatalf("Lease after Fail failed: %v", err)
	}
	if len(again.Records) != len(bucket.Records) {
		t.Fatalf("release got %d records, want %d", len(again.Records), len(bucket.Records))
	}
	for i := range bucket.Records {
		if again.Records[i].ID != bucket.Records[i].ID {
			t.Errorf("release record %d: id %d, want %d", i, again.Records[i].ID, bucket.Records[i].ID)
		}
		if !bytes.Equal(again.Records[i].Payload, bucket.Records[i].Payload) {
			t.Errorf("release record %d: payload changed", i)
		}
	}
}

func TestFailUnknownBucket(t *testing.T) {
	queue := openTestQueue(t)
	appendAll(t, queue, []byte("record"))

	err := queue.Fail(context.Background(), 99)
	if !errors.Is(err, ErrUnknownBucket) {
		t.Errorf("Fail(99) = %v, want ErrUnknownBucket", err)
	}

	// Failing twice is the same protocol violation.
	bucket, err := queue.Lease(context.Background(), 1024)
	if err != nil || bucket == nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if err := queue.Fail(context.Background(), bucket.ID); err != nil {
		t.Fatalf("first Fail failed: %v", err)
	}
	if err := queue.Fail(context.Background(), bucket.ID); !errors.Is(err, ErrUnknownBucket) {
		t.Errorf("second Fail = %v, want ErrUnknownBucket", err)
	}
}

func TestFailDoesNotDoubleRestore(t *testing.T) {
	queue := openTestQueue(t)
	appendAll(t, queue, payloadOfSize(8))

	bucket, err := queue.Lease(context.Background(), 8)
	if err != nil || bucket == nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if err := queue.Fail(context.Background(), bucket.ID); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	restored := queue.Status()

	// The rejected second Fail must not add the bytes back again.
	queue.Fail(context.Background(), bucket.ID)
	if after := queue.Status(); after != restored {
		t.Errorf("rejected Fail changed status: %+v, want %+v", after, restored)
	}
}

func TestZeroLengthPayloadDeleted(t *testing.T) {
	queue := openTestQueue(t)
	appendAll(t, queue, payloadOfSize(4), []byte{}, payloadOfSize(6))

	if status := queue.Status(); status.RecordCount != 3 {
		t.Fatalf("RecordCount = %d before lease, want 3", status.RecordCount)
	}

	bucket, err := queue.Lease(context.Background(), 1024)
	if err != nil || bucket == nil {
		t.Fatalf("Lease failed: %v", err)
	}
	for _, record := range bucket.Records {
		if len(record.Payload) == 0 {
			t.Error("bucket contains a zero-length payload")
		}
	}
	if len(bucket.Records) != 2 {
		t.Errorf("got %d records, want 2", len(bucket.Records))
	}

	// The corrupt record is gone from the count; the valid ones are
	// merely leased.
	if status := queue.Status(); status.RecordCount != 2 {
		t.Errorf("RecordCount = %d after lease, want 2", status.RecordCount)
	}
}

func TestZeroLengthPayloadBeforeBudgetStop(t *testing.T) {
	// A corrupt row ahead of the stop point is deleted even when the
	// lease itself comes back empty.
	queue := openTestQueue(t)
	appendAll(t, queue, []byte{}, payloadOfSize(30))

	bucket, err := queue.Lease(context.Background(), 10)
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if bucket != nil {
		t.Fatalf("Lease returned bucket with %d records, want nil", len(bucket.Records))
	}
	if status := queue.Status(); status.RecordCount != 1 {
		t.Errorf("RecordCount = %d, want 1 after corrupt delete", status.RecordCount)
	}
}

func TestRestartRecovery(t *testing.T) {
	// Leave a lease unresolved across a restart. The new process
	// must clear the stale tags, rebuild the counters from the
	// table, and hand the abandoned records out again.
	path := filepath.Join(t.TempDir(), "logs.db")

	first := openQueueAt(t, path)
	appendAll(t, first, payloadOfSize(10), payloadOfSize(20))

	bucket, err := first.Lease(context.Background(), 15)
	if err != nil || bucket == nil {
		t.Fatalf("Lease failed: %v", err)
	}
	// No Confirm, no Fail: the lease is in flight when the process
	// ends.
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second := openQueueAt(t, path)
	defer second.Close()

	status := second.Status()
	if status.RecordCount != 2 {
		t.Errorf("RecordCount after restart = %d, want 2", status.RecordCount)
	}
	if status.ConsumedSize != 30 {
		t.Errorf("ConsumedSize after restart = %d, want 30", status.ConsumedSize)
	}

	recovered, err := second.Lease(context.Background(), 1024)
	if err != nil || recovered == nil {
		t.Fatalf("Lease after restart failed: %v", err)
	}
	if len(recovered.Records) != 2 {
		t.Errorf("recovered %d records, want 2", len(recovered.Records))
	}
}

func TestRestartAfterConfirm(t *testing.T) {
	// Confirmed records stay gone across restarts.
	path := filepath.Join(t.TempDir(), "logs.db")

	first := openQueueAt(t, path)
	appendAll(t, first, payloadOfSize(10), payloadOfSize(20))

	bucket, err := first.Lease(context.Background(), 10)
	if err != nil || bucket == nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if err := first.Confirm(context.Background(), bucket.ID); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second := openQueueAt(t, path)
	defer second.Close()

	status := second.Status()
	if status.RecordCount != 1 || status.ConsumedSize != 20 {
		t.Errorf("status after restart = %+v, want {1 20}", status)
	}
}

func TestNotifyOnAppend(t *testing.T) {
	queue := openTestQueue(t)

	if err := queue.Append(context.Background(), []byte("wake up")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	testutil.RequireReceive(t, queue.Notify(), 5*time.Second, "notify after append")
}

func TestNotifyCoalesces(t *testing.T) {
	queue := openTestQueue(t)
	appendAll(t, queue, []byte("one"), []byte("two"), []byte("three"))

	// Three appends with nobody listening leave exactly one buffered
	// signal.
	testutil.RequireReceive(t, queue.Notify(), 5*time.Second, "first notify")
	select {
	case <-queue.Notify():
		t.Error("notify channel held more than one buffered signal")
	default:
	}
}

// failingStore wraps a RecordStore and fails selected operations, for
// exercising the error paths that a healthy SQLite file never takes.
type failingStore struct {
	RecordStore
	failInsert bool
	failTag    bool
	failClear  bool
}

var errStoreDown = errors.New("store down")

func (f *failingStore) Insert(ctx context.Context, payload []byte) (int64, error) {
	if f.failInsert {
		return 0, errStoreDown
	}
	return f.RecordStore.Insert(ctx, payload)
}

func (f *failingStore) TagRecords(ctx context.Context, bucketID int64, ids []int64) error {
	if f.failTag {
		return errStoreDown
	}
	return f.RecordStore.TagRecords(ctx, bucketID, ids)
}

func (f *failingStore) ClearTag(ctx context.Context, bucketID int64) (int, error) {
	if f.failClear {
		return 0, errStoreDown
	}
	return f.RecordStore.ClearTag(ctx, bucketID)
}

// openFlakyQueue opens a queue whose store can be made to fail per
// operation.
func openFlakyQueue(t *testing.T) (*Queue, *failingStore) {
	t.Helper()

	store, err := OpenSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "logs.db")})
	if err != nil {
		t.Fatalf("OpenSQLiteStore failed: %v", err)
	}
	flaky := &failingStore{RecordStore: store}
	queue, err := Open(Config{Store: flaky})
	if err != nil {
		store.Close()
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { queue.Close() })
	return queue, flaky
}

func TestAppendStoreErrorLeavesAccounting(t *testing.T) {
	queue, flaky := openFlakyQueue(t)
	appendAll(t, queue, payloadOfSize(10))
	before := queue.Status()

	flaky.failInsert = true
	if err := queue.Append(context.Background(), payloadOfSize(20)); err == nil {
		t.Fatal("Append should propagate the store error")
	}
	if after := queue.Status(); after != before {
		t.Errorf("failed Append changed status: %+v, want %+v", after, before)
	}
}

func TestLeaseTagErrorLeavesAccounting(t *testing.T) {
	queue, flaky := openFlakyQueue(t)
	appendAll(t, queue, payloadOfSize(10), payloadOfSize(20))
	before := queue.Status()

	flaky.failTag = true
	if _, err := queue.Lease(context.Background(), 1024); err == nil {
		t.Fatal("Lease should propagate the store error")
	}
	if after := queue.Status(); after != before {
		t.Errorf("failed Lease changed status: %+v, want %+v", after, before)
	}

	// The records were never marked leased, so a healthy retry gets
	// all of them.
	flaky.failTag = false
	bucket, err := queue.Lease(context.Background(), 1024)
	if err != nil || bucket == nil {
		t.Fatalf("Lease retry failed: %v", err)
	}
	if len(bucket.Records) != 2 {
		t.Errorf("retry leased %d records, want 2", len(bucket.Records))
	}
}

func TestFailStoreErrorKeepsLease(t *testing.T) {
	queue, flaky := openFlakyQueue(t)
	appendAll(t, queue, payloadOfSize(10))

	bucket, err := queue.Lease(context.Background(), 1024)
	if err != nil || bucket == nil {
		t.Fatalf("Lease failed: %v", err)
	}
	afterLease := queue.Status()

	flaky.failClear = true
	if err := queue.Fail(context.Background(), bucket.ID); err == nil {
		t.Fatal("Fail should propagate the store error")
	}
	if status := queue.Status(); status != afterLease {
		t.Errorf("failed Fail changed status: %+v, want %+v", status, afterLease)
	}

	// The lease entry survives the store error, so a retry still
	// resolves the bucket and restores its bytes exactly once.
	flaky.failClear = false
	if err := queue.Fail(context.Background(), bucket.ID); err != nil {
		t.Fatalf("Fail retry failed: %v", err)
	}
	if status := queue.Status(); status.ConsumedSize != afterLease.ConsumedSize+10 {
		t.Errorf("ConsumedSize = %d, want %d", status.ConsumedSize, afterLease.ConsumedSize+10)
	}
}

func TestConcurrentAppends(t *testing.T) {
	queue := openTestQueue(t)

	const goroutines = 8
	const perGoroutine = 25
	done := make(chan error, goroutines)

	for g := 0; g < goroutines; g++ {
		go func() {
			for i := 0; i < perGoroutine; i++ {
				if err := queue.Append(context.Background(), payloadOfSize(3)); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}()
	}
	for g := 0; g < goroutines; g++ {
		if err := testutil.RequireReceive(t, done, 30*time.Second, "worker %d", g); err != nil {
			t.Fatalf("concurrent Append failed: %v", err)
		}
	}

	status := queue.Status()
	if status.RecordCount != goroutines*perGoroutine {
		t.Errorf("RecordCount = %d, want %d", status.RecordCount, goroutines*perGoroutine)
	}
	if status.ConsumedSize != goroutines*perGoroutine*3 {
		t.Errorf("ConsumedSize = %d, want %d", status.ConsumedSize, goroutines*perGoroutine*3)
	}
}
