// Package store provides the embedded SQLite durable store for fieldsync.
//
// The store is the single source of truth for what still needs sending:
// recording sessions, phase annotations, the sync queue, and chunked-upload
// resume state all live in one database file opened in WAL mode.
//
// Two atomicity guarantees matter here:
//   - a local mutation and its queue item are written in one transaction,
//     so a crash can never leave a mutation without its pending sync
//   - dequeue selects eligible PENDING items and flips them to PROCESSING
//     in one transaction, so two concurrent drains never pick up the same
//     item
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with fieldsync-specific functionality.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
// The caller MUST call Close when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		remote_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		athlete TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'recording',
		recorded_at TEXT NOT NULL,
		video_path TEXT NOT NULL DEFAULT '',
		trim_start_ms INTEGER NOT NULL DEFAULT 0,
		trim_end_ms INTEGER NOT NULL DEFAULT 0,
		frame_batches TEXT NOT NULL DEFAULT '[]',  -- JSON array
		local_version INTEGER NOT NULL DEFAULT 1,
		remote_version INTEGER,
		sync_status TEXT NOT NULL DEFAULT 'PENDING',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS annotations (
		id TEXT PRIMARY KEY,
		remote_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		start_ms INTEGER NOT NULL,
		end_ms INTEGER NOT NULL,
		local_version INTEGER NOT NULL DEFAULT 1,
		remote_version INTEGER,
		sync_status TEXT NOT NULL DEFAULT 'PENDING',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	-- Durable log of pending remote mutations. Payload is an immutable
	-- snapshot of the record at enqueue time. Times are unix nanoseconds
	-- so backoff scheduling compares exactly.
	CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		status TEXT NOT NULL DEFAULT 'PENDING',
		error_message TEXT NOT NULL DEFAULT '',
		scheduled_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Per-file chunked-upload resume state. acked_chunks is a JSON array
	-- of acknowledged chunk indices; it survives process restarts so a
	-- resumed upload never re-sends an acknowledged chunk.
	CREATE TABLE IF NOT EXISTS upload_state (
		video_path TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		upload_id TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		chunk_size INTEGER NOT NULL,
		total_chunks INTEGER NOT NULL,
		acked_chunks TEXT NOT NULL DEFAULT '[]',
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_sync ON sessions(sync_status);
	CREATE INDEX IF NOT EXISTS idx_annotations_session ON annotations(session_id);
	CREATE INDEX IF NOT EXISTS idx_annotations_sync ON annotations(sync_status);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status);
	CREATE INDEX IF NOT EXISTS idx_queue_entity ON sync_queue(entity_type, entity_id);

	-- Composite index for drain eligibility
	CREATE INDEX IF NOT EXISTS idx_queue_drain
	    ON sync_queue(status, scheduled_at, priority);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}
