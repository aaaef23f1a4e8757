// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for the agent
// binaries. It centralizes the one legitimate raw I/O pattern that
// exists before the structured logger is up: fatal error reporting to
// stderr from main, followed by process exit. All other output in the
// binaries goes through slog or an explicit output stream.
package process
