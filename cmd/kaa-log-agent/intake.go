// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/kaaproject/kaa-log-agent/lib/logqueue"
	"github.com/kaaproject/kaa-log-agent/lib/uplink"
)

// runIntake reads newline-delimited records from r and stages each one
// in the queue. Blank lines are skipped. Returns nil when r reaches
// EOF, meaning every record the producer wrote has been staged (though
// not necessarily uploaded yet).
//
// A cancelled ctx stops the intake at the next line boundary. A read
// blocked inside Scan cannot be interrupted; the caller must not wait
// on runIntake during shutdown.
func runIntake(ctx context.Context, r io.Reader, queue *logqueue.Queue, maxRecordBytes int, metrics *uplink.Metrics, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	// The scanner's limit is the larger of the max and the initial
	// buffer capacity, so the capacity must not exceed the configured
	// record size.
	scanner.Buffer(make([]byte, 0, min(64*1024, maxRecordBytes)), maxRecordBytes)

	staged := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := queue.Append(ctx, line); err != nil {
			return fmt.Errorf("staging record: %w", err)
		}
		metrics.RecordsStaged.Inc()
		metrics.BytesStaged.Add(float64(len(line)))
		staged++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	logger.Info("input drained", "records_staged", staged)
	return nil
}
