// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kaaproject/kaa-log-agent/lib/clock"
	"github.com/kaaproject/kaa-log-agent/lib/logqueue"
	"github.com/kaaproject/kaa-log-agent/lib/wire"
)

// Retry backoff for failed uploads. The first retry waits
// initialBackoff, doubling on each consecutive failure up to
// maxBackoff. Any successful upload resets the backoff.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Defaults applied by New for zero-valued optional settings.
const (
	DefaultBucketMaxBytes = 256 * 1024
	DefaultPollInterval   = 5 * time.Second
)

// Config configures an Uplink.
type Config struct {
	// Queue is the staging queue to drain. Required.
	Queue *logqueue.Queue

	// Transport delivers encoded envelopes to the collector.
	// Required.
	Transport Transport

	// ClientID identifies this agent in every envelope it ships.
	// Required.
	ClientID string

	// BucketMaxBytes is the payload budget handed to each lease.
	// Defaults to DefaultBucketMaxBytes.
	BucketMaxBytes int64

	// PollInterval is how often the loop re-checks the queue when no
	// append notification arrives. It is the retry cadence after a
	// lease error and the safety net against a missed notification.
	// Defaults to DefaultPollInterval.
	PollInterval time.Duration

	// Compression selects the envelope body compression. The zero
	// value ships envelopes uncompressed.
	Compression wire.Compression

	// Clock abstracts time for tests. Defaults to the real clock.
	Clock clock.Clock

	// Metrics receives upload instrumentation. Defaults to a set
	// registered on a throwaway registry.
	Metrics *Metrics

	// Logger receives upload progress and errors. Defaults to a
	// discard logger.
	Logger *slog.Logger
}

// Uplink drains a staging queue into a collector. Each drain pass
// leases a bucket of pending records, encodes them into a single
// envelope, and ships it. Accepted buckets are confirmed and deleted;
// rejected buckets are failed back to pending and retried with
// exponential backoff, oldest first, until the collector accepts them.
type Uplink struct {
	queue          *logqueue.Queue
	transport      Transport
	clock          clock.Clock
	metrics        *Metrics
	logger         *slog.Logger
	clientID       string
	bucketMaxBytes int64
	pollInterval   time.Duration
	compression    wire.Compression

	shipped  atomic.Uint64
	failures atomic.Uint64
}

// New validates cfg and returns an Uplink ready to Run.
func New(cfg Config) (*Uplink, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("uplink: config: Queue is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("uplink: config: Transport is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("uplink: config: ClientID is required")
	}
	if cfg.BucketMaxBytes < 0 {
		return nil, fmt.Errorf("uplink: config: BucketMaxBytes must not be negative, got %d", cfg.BucketMaxBytes)
	}
	if cfg.BucketMaxBytes == 0 {
		cfg.BucketMaxBytes = DefaultBucketMaxBytes
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Uplink{
		queue:          cfg.Queue,
		transport:      cfg.Transport,
		clock:          cfg.Clock,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		clientID:       cfg.ClientID,
		bucketMaxBytes: cfg.BucketMaxBytes,
		pollInterval:   cfg.PollInterval,
		compression:    cfg.Compression,
	}, nil
}

// Run drains the queue until ctx is cancelled. It blocks; run it on
// its own goroutine. Records staged before startup are shipped first,
// then the loop wakes on append notifications and on a poll ticker.
func (u *Uplink) Run(ctx context.Context) {
	ticker := u.clock.NewTicker(u.pollInterval)
	defer ticker.Stop()

	// Records recovered from a previous run produce no append
	// notification, so drain once before waiting.
	u.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-u.queue.Notify():
		case <-ticker.C:
		}
		u.drain(ctx)
	}
}

// drain ships buckets until the queue has nothing pending or ctx is
// cancelled. A rejected bucket is failed back to pending and, because
// leasing is oldest-first, the next lease picks the same records up
// again. The loop stays on that bucket, backing off between attempts,
// so a down collector never reorders or drops anything.
func (u *Uplink) drain(ctx context.Context) {
	backoff := initialBackoff
	for ctx.Err() == nil {
		bucket, err := u.queue.Lease(ctx, u.bucketMaxBytes)
		if err != nil {
			// Store trouble will not heal by spinning. Leave the
			// records where they are and retry on the next tick.
			u.logger.Error("leasing bucket", "error", err)
			return
		}
		if bucket == nil {
			u.observeStatus()
			return
		}

		// Resolve the lease even when ctx is cancelled mid-upload:
		// the store is local and a resolved lease keeps the
		// accounting exact without waiting for restart recovery.
		detached := context.WithoutCancel(ctx)

		if err := u.ship(ctx, bucket); err != nil {
			u.failures.Add(1)
			u.metrics.ShipFailures.Inc()
			if failErr := u.queue.Fail(detached, bucket.ID); failErr != nil {
				u.logger.Error("returning bucket to pending", "bucket", bucket.ID, "error", failErr)
			}
			u.observeStatus()
			if ctx.Err() != nil {
				return
			}
			u.logger.Warn("envelope rejected, will retry",
				"bucket", bucket.ID,
				"records", len(bucket.Records),
				"backoff", backoff,
				"error", err,
			)
			select {
			case <-u.clock.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		if err := u.queue.Confirm(detached, bucket.ID); err != nil {
			// The collector has the records but the local copies
			// remain tagged. Restart recovery re-ships them:
			// duplicate delivery instead of loss.
			u.logger.Error("confirming bucket", "bucket", bucket.ID, "error", err)
		}
		u.shipped.Add(1)
		u.metrics.EnvelopesShipped.Inc()
		u.metrics.RecordsShipped.Add(float64(len(bucket.Records)))
		u.observeStatus()
		backoff = initialBackoff
	}
}

// ship encodes the bucket into an envelope and delivers it.
func (u *Uplink) ship(ctx context.Context, bucket *logqueue.Bucket) error {
	records := make([][]byte, len(bucket.Records))
	for i, record := range bucket.Records {
		records[i] = record.Payload
	}
	frame, err := wire.Encode(&wire.Envelope{
		ClientID: u.clientID,
		BucketID: bucket.ID,
		Records:  records,
	}, u.compression)
	if err != nil {
		return fmt.Errorf("uplink: encode bucket %d: %w", bucket.ID, err)
	}

	start := u.clock.Now()
	if err := u.transport.Ship(ctx, frame); err != nil {
		return err
	}
	u.metrics.ShipDuration.Observe(u.clock.Now().Sub(start).Seconds())
	u.logger.Debug("envelope shipped",
		"bucket", bucket.ID,
		"records", len(bucket.Records),
		"bytes", bucket.Size,
		"frame_bytes", len(frame),
	)
	return nil
}

func (u *Uplink) observeStatus() {
	status := u.queue.Status()
	u.metrics.PendingRecords.Set(float64(status.RecordCount))
	u.metrics.PendingBytes.Set(float64(status.ConsumedSize))
}

// Shipped reports how many envelopes the collector has accepted since
// the uplink was created.
func (u *Uplink) Shipped() uint64 { return u.shipped.Load() }

// Failures reports how many upload attempts have been rejected.
func (u *Uplink) Failures() uint64 { return u.failures.Load() }
