// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kaaproject/kaa-log-agent/lib/wire"
)

// Config is the agent configuration. Values come from an optional YAML
// file, with command-line flags overriding individual fields. The file
// is the single source of truth otherwise; environment variables are
// not consulted.
type Config struct {
	// ClientID identifies this agent in every envelope it ships.
	// Defaults to the hostname.
	ClientID string `yaml:"client_id"`

	// Collector configures the upload target.
	Collector CollectorConfig `yaml:"collector"`

	// Storage configures the local staging database.
	Storage StorageConfig `yaml:"storage"`

	// Upload configures bucket sizing and upload cadence.
	Upload UploadConfig `yaml:"upload"`

	// Intake configures the stdin record reader.
	Intake IntakeConfig `yaml:"intake"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// CollectorConfig configures the upload target.
type CollectorConfig struct {
	// URL is the collector's ingest endpoint, for example
	// "https://collector.example.com/v1/logs". Required.
	URL string `yaml:"url"`

	// AuthToken, when set, is sent as a bearer token on every upload.
	AuthToken string `yaml:"auth_token"`

	// Timeout bounds each upload attempt, as a duration string.
	// Default: 30s
	Timeout string `yaml:"timeout"`
}

// StorageConfig configures the local staging database.
type StorageConfig struct {
	// Path is the SQLite database file holding staged records.
	// Default: kaa-logs.db in the working directory.
	Path string `yaml:"path"`
}

// UploadConfig configures bucket sizing and upload cadence.
type UploadConfig struct {
	// BucketMaxBytes is the payload budget per uploaded envelope.
	// Default: 262144 (256 KiB)
	BucketMaxBytes int64 `yaml:"bucket_max_bytes"`

	// PollInterval is how often the uploader re-checks the staging
	// queue when idle, as a duration string. Default: 5s
	PollInterval string `yaml:"poll_interval"`

	// Compression selects the envelope body compression: "none",
	// "lz4", or "zstd". Default: zstd
	Compression string `yaml:"compression"`
}

// IntakeConfig configures the stdin record reader.
type IntakeConfig struct {
	// MaxRecordBytes is the largest accepted input line. Longer
	// lines abort the intake. Default: 1048576 (1 MiB)
	MaxRecordBytes int `yaml:"max_record_bytes"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address for the /metrics endpoint, for example
	// "127.0.0.1:9464". Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// DefaultConfig returns the configuration used before the file and
// flags are applied. Every field has a workable value except the
// collector URL, which has no sensible default and must be provided.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		ClientID: hostname,
		Collector: CollectorConfig{
			Timeout: "30s",
		},
		Storage: StorageConfig{
			Path: "kaa-logs.db",
		},
		Upload: UploadConfig{
			BucketMaxBytes: 256 * 1024,
			PollInterval:   "5s",
			Compression:    "zstd",
		},
		Intake: IntakeConfig{
			MaxRecordBytes: 1024 * 1024,
		},
	}
}

// LoadConfig reads the YAML file at path and merges it over the
// defaults. Fields absent from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors. All problems are
// reported together rather than one at a time.
func (c *Config) Validate() error {
	var errs []error

	if c.ClientID == "" {
		errs = append(errs, fmt.Errorf("client_id is required"))
	}
	if c.Collector.URL == "" {
		errs = append(errs, fmt.Errorf("collector.url is required"))
	}
	if _, err := time.ParseDuration(c.Collector.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("collector.timeout: %w", err))
	}
	if c.Storage.Path == "" {
		errs = append(errs, fmt.Errorf("storage.path is required"))
	}
	if c.Upload.BucketMaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("upload.bucket_max_bytes must be positive, got %d", c.Upload.BucketMaxBytes))
	}
	if _, err := time.ParseDuration(c.Upload.PollInterval); err != nil {
		errs = append(errs, fmt.Errorf("upload.poll_interval: %w", err))
	}
	if _, err := wire.ParseCompression(c.Upload.Compression); err != nil {
		errs = append(errs, fmt.Errorf("upload.compression: %w", err))
	}
	if c.Intake.MaxRecordBytes <= 0 {
		errs = append(errs, fmt.Errorf("intake.max_record_bytes must be positive, got %d", c.Intake.MaxRecordBytes))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
