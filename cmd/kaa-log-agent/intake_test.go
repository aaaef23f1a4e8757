// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kaaproject/kaa-log-agent/lib/logqueue"
	"github.com/kaaproject/kaa-log-agent/lib/uplink"
)

func openIntakeQueue(t *testing.T) *logqueue.Queue {
	t.Helper()
	store, err := logqueue.OpenSQLiteStore(logqueue.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "logs.db"),
	})
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	queue, err := logqueue.Open(logqueue.Config{Store: store})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := queue.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return queue
}

func TestRunIntakeStagesRecords(t *testing.T) {
	queue := openIntakeQueue(t)
	input := strings.NewReader("first record\nsecond\n\nthird one\n")

	err := runIntake(context.Background(), input, queue, 1024, uplink.NewMetrics(nil), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("runIntake: %v", err)
	}

	status := queue.Status()
	if status.RecordCount != 3 {
		t.Fatalf("expected 3 staged records, got %d", status.RecordCount)
	}
	wantBytes := int64(len("first record") + len("second") + len("third one"))
	if status.ConsumedSize != wantBytes {
		t.Fatalf("expected %d staged bytes, got %d", wantBytes, status.ConsumedSize)
	}

	bucket, err := queue.Lease(context.Background(), 1024)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	want := []string{"first record", "second", "third one"}
	if len(bucket.Records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(bucket.Records))
	}
	for i, record := range bucket.Records {
		if string(record.Payload) != want[i] {
			t.Errorf("record %d: expected %q, got %q", i, want[i], record.Payload)
		}
	}
}

func TestRunIntakeNoTrailingNewline(t *testing.T) {
	queue := openIntakeQueue(t)
	input := strings.NewReader("only record")

	if err := runIntake(context.Background(), input, queue, 1024, uplink.NewMetrics(nil), slog.New(slog.DiscardHandler)); err != nil {
		t.Fatalf("runIntake: %v", err)
	}
	if status := queue.Status(); status.RecordCount != 1 {
		t.Fatalf("expected 1 staged record, got %d", status.RecordCount)
	}
}

func TestRunIntakeOversizedRecord(t *testing.T) {
	queue := openIntakeQueue(t)
	input := strings.NewReader("short\n" + strings.Repeat("x", 100) + "\nafter\n")

	err := runIntake(context.Background(), input, queue, 16, uplink.NewMetrics(nil), slog.New(slog.DiscardHandler))
	if err == nil {
		t.Fatal("expected error for oversized record")
	}

	// The record before the oversized line was staged; nothing after
	// it was.
	if status := queue.Status(); status.RecordCount != 1 {
		t.Fatalf("expected 1 staged record, got %d", status.RecordCount)
	}
}

func TestRunIntakeContextCancelled(t *testing.T) {
	queue := openIntakeQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runIntake(ctx, strings.NewReader("record\n"), queue, 1024, uplink.NewMetrics(nil), slog.New(slog.DiscardHandler))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if status := queue.Status(); status.RecordCount != 0 {
		t.Fatalf("expected nothing staged, got %d", status.RecordCount)
	}
}
