// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the standard SQLite connection pool for
// local durable storage.
//
// It wraps zombiezen.com/go/sqlite with defaults tuned for a staging
// queue on small-device hardware: WAL journal mode, NORMAL synchronous
// for process-crash durability without fsync-per-commit overhead, and
// a busy timeout to handle write contention gracefully.
//
// The pool is built on zombiezen's sqlitex.Pool, which manages a
// fixed-size set of connections. Callers [Pool.Take] a connection,
// perform work, and [Pool.Put] it back. Connections are NOT safe for
// concurrent use; each goroutine must hold its own connection for the
// duration of its work.
//
// # Pragmas
//
// Every connection in the pool is initialized with these pragmas:
//
//   - journal_mode=WAL: write-ahead logging for concurrent readers and
//     a single writer. Reads never block writes; writes never block
//     reads.
//   - synchronous=NORMAL: transactions survive process crashes. Not
//     durable across OS crashes or power failure, which is acceptable
//     for a staging queue whose contract is at-least-once delivery,
//     not zero loss under power cuts.
//   - busy_timeout=5000: wait up to 5 seconds for a write lock instead
//     of returning SQLITE_BUSY immediately.
//   - foreign_keys=OFF: the record table stands alone; there is no
//     referential integrity to enforce.
//   - cache_size=-2048: 2 MB page cache per connection, sized for
//     device-class hardware.
//   - temp_store=MEMORY: temporary tables and indexes in memory.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   "/var/lib/kaa/logs.db",
//	    Logger: logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
//
// # Design
//
// This package is intentionally thin: it applies standard pragmas and
// exposes the underlying zombiezen types directly. There is no attempt
// to abstract away SQLite's connection model or invent a query builder.
// Callers write SQL and use sqlitex.Execute for cached statements. The
// goal is a shared foundation (one dependency, one set of pragmas, one
// pool pattern) without an abstraction layer that fights SQLite's
// strengths.
package sqlitepool
