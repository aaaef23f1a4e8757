// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

// kaa-collector-mock is a drop-in collector for integration tests and
// local development. It accepts the agent's envelope upload protocol
// exactly (same frame format, same content type), stores every record
// in memory, and exposes query endpoints so tests can verify what
// arrived. Pointing an agent at the mock requires only --collector-url.
//
// The binary exposes three endpoints:
//   - POST /v1/logs: accepts envelope frames, matching the real
//     collector's ingest contract
//   - GET /v1/status: counters for accepted envelopes, stored records,
//     duplicates, and rejects, plus per-client record counts
//   - GET /v1/records: stored records, filterable by client and body
//     substring
//
// Envelopes are deduplicated by (client, bucket): the agent delivers
// at least once, so a crash between upload and confirmation re-sends a
// bucket the mock has already stored. Duplicates are counted and
// acknowledged without storing their records again.
//
// --fail-every N rejects every Nth envelope with a 503, which
// exercises the agent's retry and backoff behavior end to end.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kaaproject/kaa-log-agent/lib/process"
	"github.com/kaaproject/kaa-log-agent/lib/version"
	"github.com/kaaproject/kaa-log-agent/lib/wire"
)

// maxFrameBytes bounds an uploaded frame: the envelope's uncompressed
// limit plus header and compression overhead.
const maxFrameBytes = (64 << 20) + 1024

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		listen      string
		authToken   string
		failEvery   int
		dumpRecords bool
		showVersion bool
	)
	flag.StringVar(&listen, "listen", "127.0.0.1:8480", "address to serve the collector API on")
	flag.StringVar(&authToken, "auth-token", "", "require this bearer token on uploads")
	flag.IntVar(&failEvery, "fail-every", 0, "reject every Nth envelope with a 503 (0 disables)")
	flag.BoolVar(&dumpRecords, "dump", false, "print each received record to stdout")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		version.Print("kaa-collector-mock")
		return nil
	}
	if failEvery < 0 {
		return fmt.Errorf("--fail-every must not be negative")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mock := &collectorMock{
		authToken:   authToken,
		failEvery:   failEvery,
		dumpRecords: dumpRecords,
		seen:        make(map[bucketKey]bool),
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/logs", mock.handleIngest)
	mux.HandleFunc("/v1/status", mock.handleStatus)
	mux.HandleFunc("/v1/records", mock.handleRecords)

	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.ListenAndServe()
	}()

	logger.Info("collector mock running",
		"listen", listen,
		"fail_every", failEvery,
		"auth", authToken != "",
	)

	select {
	case <-ctx.Done():
	case err := <-serverDone:
		return fmt.Errorf("collector mock server: %w", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	<-serverDone

	return nil
}

// bucketKey identifies an envelope for deduplication.
type bucketKey struct {
	client string
	bucket int64
}

// storedRecord is one log record the mock has accepted.
type storedRecord struct {
	Client string `json:"client"`
	Bucket int64  `json:"bucket"`
	Body   string `json:"body"`
}

// collectorMock stores uploaded records in memory for test assertions.
type collectorMock struct {
	authToken   string
	failEvery   int
	dumpRecords bool
	logger      *slog.Logger

	mu      sync.Mutex
	records []storedRecord
	seen    map[bucketKey]bool

	envelopes  atomic.Uint64
	duplicates atomic.Uint64
	rejected   atomic.Uint64
	attempts   atomic.Uint64
}

// statusResponse is the wire format for /v1/status.
type statusResponse struct {
	EnvelopesAccepted  uint64         `json:"envelopes_accepted"`
	RecordsStored      int            `json:"records_stored"`
	DuplicateEnvelopes uint64         `json:"duplicate_envelopes"`
	RejectedEnvelopes  uint64         `json:"rejected_envelopes"`
	Clients            map[string]int `json:"clients"`
}

// recordsResponse is the wire format for /v1/records.
type recordsResponse struct {
	Records []storedRecord `json:"records"`
	Count   int            `json:"count"`
}

func (m *collectorMock) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Content-Type") != wire.ContentType {
		m.rejected.Add(1)
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}
	if m.authToken != "" && r.Header.Get("Authorization") != "Bearer "+m.authToken {
		m.rejected.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	frame, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err != nil {
		m.rejected.Add(1)
		http.Error(w, "reading frame", http.StatusBadRequest)
		return
	}

	envelope, err := wire.Decode(frame)
	if err != nil {
		m.rejected.Add(1)
		m.logger.Warn("rejecting malformed envelope", "error", err)
		if errors.Is(err, wire.ErrDigestMismatch) {
			http.Error(w, "digest mismatch", http.StatusBadRequest)
		} else {
			http.Error(w, "malformed envelope", http.StatusBadRequest)
		}
		return
	}

	// Injected failure, after validation so only well-formed
	// envelopes count. The agent fails the bucket and retries later.
	attempt := m.attempts.Add(1)
	if m.failEvery > 0 && attempt%uint64(m.failEvery) == 0 {
		m.rejected.Add(1)
		m.logger.Info("injecting failure", "client", envelope.ClientID, "bucket", envelope.BucketID)
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}

	m.store(envelope)
	w.WriteHeader(http.StatusNoContent)
}

// store records the envelope's payloads, skipping buckets this client
// has already delivered.
func (m *collectorMock) store(envelope *wire.Envelope) {
	key := bucketKey{client: envelope.ClientID, bucket: envelope.BucketID}

	m.mu.Lock()
	if m.seen[key] {
		m.mu.Unlock()
		m.duplicates.Add(1)
		m.envelopes.Add(1)
		m.logger.Info("duplicate bucket acknowledged",
			"client", envelope.ClientID,
			"bucket", envelope.BucketID,
		)
		return
	}
	m.seen[key] = true
	for _, payload := range envelope.Records {
		m.records = append(m.records, storedRecord{
			Client: envelope.ClientID,
			Bucket: envelope.BucketID,
			Body:   string(payload),
		})
	}
	m.mu.Unlock()

	m.envelopes.Add(1)
	m.logger.Info("envelope accepted",
		"client", envelope.ClientID,
		"bucket", envelope.BucketID,
		"records", len(envelope.Records),
	)
	if m.dumpRecords {
		for _, payload := range envelope.Records {
			fmt.Printf("%s\t%s\n", envelope.ClientID, payload)
		}
	}
}

func (m *collectorMock) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.mu.Lock()
	clients := make(map[string]int)
	for _, record := range m.records {
		clients[record.Client]++
	}
	stored := len(m.records)
	m.mu.Unlock()

	writeJSON(w, &statusResponse{
		EnvelopesAccepted:  m.envelopes.Load(),
		RecordsStored:      stored,
		DuplicateEnvelopes: m.duplicates.Load(),
		RejectedEnvelopes:  m.rejected.Load(),
		Clients:            clients,
	})
}

func (m *collectorMock) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clientFilter := r.URL.Query().Get("client")
	containsFilter := r.URL.Query().Get("contains")

	m.mu.Lock()
	all := make([]storedRecord, len(m.records))
	copy(all, m.records)
	m.mu.Unlock()

	matched := []storedRecord{}
	for _, record := range all {
		if clientFilter != "" && record.Client != clientFilter {
			continue
		}
		if containsFilter != "" && !strings.Contains(record.Body, containsFilter) {
			continue
		}
		matched = append(matched, record)
	}

	writeJSON(w, &recordsResponse{
		Records: matched,
		Count:   len(matched),
	})
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(value)
}
