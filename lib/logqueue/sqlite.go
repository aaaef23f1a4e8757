// Copyright 2026 The Kaa Authors
// SPDX-License-Identifier: Apache-2.0

package logqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kaaproject/kaa-log-agent/lib/sqlitepool"
)

// recordSchema is the on-disk layout. It is shared with earlier
// client generations, so existing databases open without migration:
// same table name, same three columns, same index. AUTOINCREMENT
// keeps record ids strictly increasing: without it SQLite may reuse
// the largest rowid after a delete, breaking the id ordering the
// queue depends on.
const recordSchema = `
	CREATE TABLE IF NOT EXISTS kaa_logs (
		record_id INTEGER PRIMARY KEY AUTOINCREMENT,
		bucket_id INTEGER,
		log_data  BLOB
	);
	CREATE INDEX IF NOT EXISTS IX_BUCKET_ID ON kaa_logs (bucket_id);
`

// SQLiteConfig holds the parameters for opening a SQLite-backed
// record store.
type SQLiteConfig struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist. Required.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 1; the queue serializes all store calls, so more connections
	// only help when another reader shares the file.
	PoolSize int

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// SQLiteStore is the production RecordStore: one SQLite table holding
// record id, bucket tag, and payload blob. The bucket tag column is
// NULL for pending records.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

// OpenSQLiteStore opens the database file, creating it if absent. The
// schema is not touched here; the queue calls EnsureSchema during its
// own initialization.
func OpenSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("log store: %w", err)
	}
	return &SQLiteStore{pool: pool}, nil
}

// EnsureSchema creates the record table and bucket index if absent.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("log store: ensure schema: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, recordSchema, nil); err != nil {
		return fmt.Errorf("log store: ensure schema: %w", err)
	}
	return nil
}

// Insert adds a pending record and returns its assigned id.
func (s *SQLiteStore) Insert(ctx context.Context, payload []byte) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("log store: insert: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO kaa_logs (log_data) VALUES (?)",
		&sqlitex.ExecOptions{Args: []any{payload}})
	if err != nil {
		return 0, fmt.Errorf("log store: insert: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

// errStopScan aborts the pending-record query when the visitor asks
// to stop. Never escapes SelectPending.
var errStopScan = errors.New("stop scan")

// SelectPending visits pending records in ascending id order until fn
// returns false or the table is exhausted. Payload bytes are copied
// out of the statement, so they stay valid after the scan.
func (s *SQLiteStore) SelectPending(ctx context.Context, fn func(id int64, payload []byte) bool) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("log store: select pending: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"SELECT record_id, log_data FROM kaa_logs WHERE bucket_id IS NULL ORDER BY record_id ASC",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, payload)
				if !fn(stmt.ColumnInt64(0), payload) {
					return errStopScan
				}
				return nil
			},
		})
	if err != nil && !errors.Is(err, errStopScan) {
		return fmt.Errorf("log store: select pending: %w", err)
	}
	return nil
}

// TagRecords sets the bucket tag on the given records in one
// statement.
func (s *SQLiteStore) TagRecords(ctx context.Context, bucketID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("log store: tag records: %w", err)
	}
	defer s.pool.Put(conn)

	query := "UPDATE kaa_logs SET bucket_id = ? WHERE record_id IN (" + placeholders(len(ids)) + ")"
	args := make([]any, 0, len(ids)+1)
	args = append(args, bucketID)
	for _, id := range ids {
		args = append(args, id)
	}

	if err := sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("log store: tag records: %w", err)
	}
	return nil
}

// ClearTag removes the bucket tag from all records carrying it and
// returns the number affected.
func (s *SQLiteStore) ClearTag(ctx context.Context, bucketID int64) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("log store: clear tag: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE kaa_logs SET bucket_id = NULL WHERE bucket_id = ?",
		&sqlitex.ExecOptions{Args: []any{bucketID}})
	if err != nil {
		return 0, fmt.Errorf("log store: clear tag: %w", err)
	}
	return conn.Changes(), nil
}

// ClearAllTags removes every bucket tag in the store and returns the
// number of records affected.
func (s *SQLiteStore) ClearAllTags(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("log store: clear all tags: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE kaa_logs SET bucket_id = NULL WHERE bucket_id IS NOT NULL", nil)
	if err != nil {
		return 0, fmt.Errorf("log store: clear all tags: %w", err)
	}
	return conn.Changes(), nil
}

// DeleteByIDs removes the given records and returns the number
// actually deleted.
func (s *SQLiteStore) DeleteByIDs(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("log store: delete records: %w", err)
	}
	defer s.pool.Put(conn)

	query := "DELETE FROM kaa_logs WHERE record_id IN (" + placeholders(len(ids)) + ")"
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	if err := sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return 0, fmt.Errorf("log store: delete records: %w", err)
	}
	return conn.Changes(), nil
}

// DeleteByBucket removes all records carrying the given bucket tag
// and returns the number actually deleted.
func (s *SQLiteStore) DeleteByBucket(ctx context.Context, bucketID int64) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("log store: delete bucket: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM kaa_logs WHERE bucket_id = ?",
		&sqlitex.ExecOptions{Args: []any{bucketID}})
	if err != nil {
		return 0, fmt.Errorf("log store: delete bucket: %w", err)
	}
	return conn.Changes(), nil
}

// CountAndTotalSize returns the record count and summed payload bytes
// across the whole table. LENGTH of a NULL payload is NULL, which SUM
// skips, so missing payloads count as zero bytes; COALESCE covers the
// empty table.
func (s *SQLiteStore) CountAndTotalSize(ctx context.Context) (int64, int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("log store: count: %w", err)
	}
	defer s.pool.Put(conn)

	var count, totalSize int64
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*), COALESCE(SUM(LENGTH(log_data)), 0) FROM kaa_logs",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				totalSize = stmt.ColumnInt64(1)
				return nil
			},
		})
	if err != nil {
		return 0, 0, fmt.Errorf("log store: count: %w", err)
	}
	return count, totalSize, nil
}

// Close closes the underlying connection pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

// placeholders returns n comma-separated SQL parameter markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
