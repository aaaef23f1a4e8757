// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

package uplink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kaaproject/kaa-log-agent/lib/wire"
)

// Transport delivers encoded envelope frames to the collector. The
// uplink drives this interface so tests can substitute a fake without
// a live collector endpoint.
//
// Ship returns nil only when the collector accepted the frame. Any
// error, including a non-2xx response, means the bucket will be
// failed and retried later.
type Transport interface {
	Ship(ctx context.Context, frame []byte) error
}

// HTTPConfig holds the parameters for the HTTP transport.
type HTTPConfig struct {
	// Endpoint is the collector's ingest URL, for example
	// "https://collector.example.com/v1/logs". Required.
	Endpoint string

	// AuthToken, when set, is sent as a bearer token on every
	// request.
	AuthToken string

	// Timeout bounds each upload attempt, including connection
	// setup and reading the response. Defaults to 30 seconds.
	Timeout time.Duration
}

// HTTPTransport ships envelope frames to the collector with a POST
// per frame. Retry policy lives in the uplink loop, not here; a
// failed POST simply returns its error.
type HTTPTransport struct {
	client   *http.Client
	endpoint string
	token    string
}

// NewHTTPTransport validates the configuration and returns a
// transport backed by a dedicated HTTP client.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("uplink: Endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		client:   &http.Client{Timeout: timeout},
		endpoint: cfg.Endpoint,
		token:    cfg.AuthToken,
	}, nil
}

// Ship POSTs one frame to the collector and treats any non-2xx status
// as failure.
func (t *HTTPTransport) Ship(ctx context.Context, frame []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("uplink: build request: %w", err)
	}
	request.Header.Set("Content-Type", wire.ContentType)
	if t.token != "" {
		request.Header.Set("Authorization", "Bearer "+t.token)
	}

	response, err := t.client.Do(request)
	if err != nil {
		return fmt.Errorf("uplink: post envelope: %w", err)
	}
	defer response.Body.Close()

	// Drain a bounded amount of the body so the connection can be
	// reused for the next upload.
	io.Copy(io.Discard, io.LimitReader(response.Body, 4096))

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("uplink: collector returned %s", response.Status)
	}
	return nil
}
