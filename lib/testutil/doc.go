// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] encapsulates the timeout safety valve pattern
// (select with time.After fallback) so that individual tests do not
// need direct time.After calls. It calls t.Fatalf on failure rather
// than returning an error, since a missed channel receive in a test
// is not recoverable.
package testutil
