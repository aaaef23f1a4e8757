// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

// kaa-log-agent stages log records in a local SQLite database and
// uploads them to a collector. Records arrive on stdin, one per line,
// and survive crashes and restarts until the collector confirms
// receipt.
//
// The agent runs until its input closes and every staged record has
// been uploaded, or until SIGINT/SIGTERM. On a signal it exits
// promptly; anything still staged is uploaded by the next run.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/kaaproject/kaa-log-agent/lib/logqueue"
	"github.com/kaaproject/kaa-log-agent/lib/process"
	"github.com/kaaproject/kaa-log-agent/lib/uplink"
	"github.com/kaaproject/kaa-log-agent/lib/version"
	"github.com/kaaproject/kaa-log-agent/lib/wire"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath    string
		dbPath        string
		collectorURL  string
		clientID      string
		metricsListen string
		logLevel      string
	)

	flagSet := pflag.NewFlagSet("kaa-log-agent", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config file")
	flagSet.StringVar(&dbPath, "db", "", "SQLite database file for staged records (overrides storage.path)")
	flagSet.StringVar(&collectorURL, "collector-url", "", "collector ingest URL (overrides collector.url)")
	flagSet.StringVar(&clientID, "client-id", "", "client identifier sent in every envelope (overrides client_id)")
	flagSet.StringVar(&metricsListen, "metrics-listen", "", "address for the Prometheus /metrics endpoint (overrides metrics.listen)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	flagSet.BoolP("help", "h", false, "show help")

	// Handle --version before flag parsing to match other Kaa binaries.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("kaa-log-agent")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg := DefaultConfig()
	if configPath != "" {
		loaded, err := LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// Flags override file values.
	if flagSet.Changed("db") {
		cfg.Storage.Path = dbPath
	}
	if flagSet.Changed("collector-url") {
		cfg.Collector.URL = collectorURL
	}
	if flagSet.Changed("client-id") {
		cfg.ClientID = clientID
	}
	if flagSet.Changed("metrics-listen") {
		cfg.Metrics.Listen = metricsListen
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := parseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := logqueue.OpenSQLiteStore(logqueue.SQLiteConfig{
		Path:   cfg.Storage.Path,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	queue, err := logqueue.Open(logqueue.Config{
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Error("closing queue", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	metrics := uplink.NewMetrics(registry)

	// These parse cleanly; Validate checked them above.
	timeout, err := time.ParseDuration(cfg.Collector.Timeout)
	if err != nil {
		return err
	}
	pollInterval, err := time.ParseDuration(cfg.Upload.PollInterval)
	if err != nil {
		return err
	}
	compression, err := wire.ParseCompression(cfg.Upload.Compression)
	if err != nil {
		return err
	}

	transport, err := uplink.NewHTTPTransport(uplink.HTTPConfig{
		Endpoint:  cfg.Collector.URL,
		AuthToken: cfg.Collector.AuthToken,
		Timeout:   timeout,
	})
	if err != nil {
		return err
	}

	shipper, err := uplink.New(uplink.Config{
		Queue:          queue,
		Transport:      transport,
		ClientID:       cfg.ClientID,
		BucketMaxBytes: cfg.Upload.BucketMaxBytes,
		PollInterval:   pollInterval,
		Compression:    compression,
		Metrics:        metrics,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	var metricsServer *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server", "error", err)
			}
		}()
	}

	uplinkCtx, cancelUplink := context.WithCancel(ctx)
	defer cancelUplink()

	uplinkDone := make(chan struct{})
	go func() {
		shipper.Run(uplinkCtx)
		close(uplinkDone)
	}()

	intakeDone := make(chan error, 1)
	go func() {
		intakeDone <- runIntake(ctx, os.Stdin, queue, cfg.Intake.MaxRecordBytes, metrics, logger)
	}()

	logger.Info("log agent running",
		"client_id", cfg.ClientID,
		"collector", cfg.Collector.URL,
		"db", cfg.Storage.Path,
		"bucket_max_bytes", cfg.Upload.BucketMaxBytes,
		"poll_interval", pollInterval,
		"compression", compression.String(),
		"metrics_listen", cfg.Metrics.Listen,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down on signal")
	case err := <-intakeDone:
		if ctx.Err() != nil {
			// A signal arrived while the intake was finishing.
			break
		}
		if err != nil {
			logger.Error("intake stopped", "error", err)
		} else {
			logger.Info("input closed, draining staged records")
		}
		waitForDrain(ctx, queue, logger)
	}

	cancelUplink()
	<-uplinkDone

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown", "error", err)
		}
		cancel()
	}

	status := queue.Status()
	logger.Info("log agent stopped",
		"shipped_envelopes", shipper.Shipped(),
		"failed_attempts", shipper.Failures(),
		"records_staged", status.RecordCount,
	)
	return nil
}

// waitForDrain blocks until every staged record has been confirmed by
// the collector, or ctx is cancelled. Used after the input closes so
// the agent exits with an empty queue when the collector is healthy.
func waitForDrain(ctx context.Context, queue *logqueue.Queue, logger *slog.Logger) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if queue.Status().RecordCount == 0 {
			return
		}
		select {
		case <-ctx.Done():
			logger.Info("drain interrupted, staged records remain for the next run",
				"records_staged", queue.Status().RecordCount)
			return
		case <-ticker.C:
		}
	}
}

func parseLogLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q (expected debug, info, warn, or error)", name)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Kaa log agent: crash-durable staging and upload of log records.

Reads newline-delimited records from stdin, stages them in a local
SQLite database, and uploads them to the collector in size-bounded
envelopes. Records survive crashes and restarts until the collector
confirms receipt, so a flaky network or collector outage never loses
data.

The agent exits once stdin closes and the staging queue is empty. On
SIGINT or SIGTERM it exits promptly; staged records are picked up by
the next run against the same database file.

Usage:
  kaa-log-agent [flags]

Examples:
  # Ship application logs with the default local database
  app | kaa-log-agent --collector-url https://collector.example.com/v1/logs

  # Use a config file, overriding the database location
  app | kaa-log-agent --config agent.yaml --db /var/lib/kaa/logs.db

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
