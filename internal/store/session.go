package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/movetrace/fieldsync/internal/record"
)

// CreateSession inserts a new session and its CREATE queue item in one
// transaction. A crash between the two can therefore never happen.
func (s *Store) CreateSession(ctx context.Context, sess *record.RecordingSession, priority int) error {
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}

	item, err := record.NewSessionItem(record.OpCreate, sess, priority)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertSession(ctx, tx, sess); err != nil {
		return err
	}
	if err := insertQueueItem(ctx, tx, item); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateSession bumps the session's local version, persists it, resets its
// sync status to PENDING, and enqueues an UPDATE queue item - all in one
// transaction.
func (s *Store) UpdateSession(ctx context.Context, sess *record.RecordingSession, priority int) error {
	sess.Touch()
	sess.SyncStatus = record.SyncPending
	sess.ErrorMessage = ""

	if err := sess.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}

	item, err := record.NewSessionItem(record.OpUpdate, sess, priority)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateSession(ctx, tx, sess); err != nil {
		return err
	}
	if err := insertQueueItem(ctx, tx, item); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CompleteSession moves a recording session to completed and enqueues the
// lifecycle transition for the server.
func (s *Store) CompleteSession(ctx context.Context, id string, priority int) error {
	return s.transitionSession(ctx, id, record.SessionCompleted, record.OpComplete, priority)
}

// CancelSession moves a recording session to cancelled and enqueues the
// lifecycle transition for the server.
func (s *Store) CancelSession(ctx context.Context, id string, priority int) error {
	return s.transitionSession(ctx, id, record.SessionCancelled, record.OpCancel, priority)
}

func (s *Store) transitionSession(ctx context.Context, id string, to record.SessionStatus, op record.Operation, priority int) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != record.SessionRecording {
		return fmt.Errorf("session %s is %s, not recording", id, sess.Status)
	}

	sess.Status = to
	sess.Touch()
	sess.SyncStatus = record.SyncPending
	sess.ErrorMessage = ""

	item, err := record.NewSessionItem(op, sess, priority)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateSession(ctx, tx, sess); err != nil {
		return err
	}
	if err := insertQueueItem(ctx, tx, item); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteSession removes a session and its annotations locally and enqueues
// the remote DELETE, all in one transaction.
//
// The cascade is an explicit two-step delete: annotation children first,
// then the parent row. Pending queue items for the deleted records are
// superseded and removed (in-flight PROCESSING items are left to finish;
// the DELETE item is ordered after them). If the session never reached the
// server there is nothing to delete remotely and no DELETE item is written.
//
// The local rows are purged immediately rather than held until the remote
// acknowledges: the DELETE item carries the remote id in its payload, so it
// needs no surviving row, and if the remote delete exhausts its retries the
// ABANDONED item remains as the diagnostics trail.
func (s *Store) DeleteSession(ctx context.Context, id string, priority int) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Supersede pending mutations of the session and its annotations.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE status = 'PENDING'
		  AND (
		      (entity_type = 'session' AND entity_id = ?)
		      OR (entity_type = 'annotation' AND entity_id IN
		          (SELECT id FROM annotations WHERE session_id = ?))
		  )`, id, id); err != nil {
		return fmt.Errorf("failed to remove superseded queue items: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM annotations WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete annotations for session %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_state WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete upload state for session %s: %w", id, err)
	}

	if sess.RemoteID != "" {
		item, err := record.NewSessionItem(record.OpDelete, sess, priority)
		if err != nil {
			return err
		}
		if err := insertQueueItem(ctx, tx, item); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetSession retrieves a single session by local id.
// Returns sql.ErrNoRows if not found.
func (s *Store) GetSession(ctx context.Context, id string) (*record.RecordingSession, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, remote_id, title, athlete, status, recorded_at,
		       video_path, trim_start_ms, trim_end_ms, frame_batches,
		       local_version, remote_version, sync_status, error_message,
		       created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessionsFilter configures the ListSessions query.
type ListSessionsFilter struct {
	// Status filters by session status (empty = all)
	Status record.SessionStatus
	// SyncStatus filters by sync status (empty = all)
	SyncStatus record.SyncStatus
	// Limit restricts the number of results (0 = no limit)
	Limit int
	// Offset skips the first N results (for pagination)
	Offset int
}

// ListSessions retrieves sessions matching the filter, newest first.
func (s *Store) ListSessions(ctx context.Context, filter ListSessionsFilter) ([]*record.RecordingSession, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SyncStatus != "" {
		conditions = append(conditions, "sync_status = ?")
		args = append(args, string(filter.SyncStatus))
	}

	query := `
		SELECT id, remote_id, title, athlete, status, recorded_at,
		       video_path, trim_start_ms, trim_end_ms, frame_batches,
		       local_version, remote_version, sync_status, error_message,
		       created_at, updated_at
		FROM sessions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY recorded_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*record.RecordingSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

func insertSession(ctx context.Context, tx *sql.Tx, sess *record.RecordingSession) error {
	batchesJSON, err := json.Marshal(sess.FrameBatches)
	if err != nil {
		return fmt.Errorf("failed to marshal frame batches: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (
			id, remote_id, title, athlete, status, recorded_at,
			video_path, trim_start_ms, trim_end_ms, frame_batches,
			local_version, remote_version, sync_status, error_message,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.RemoteID,
		sess.Title,
		sess.Athlete,
		string(sess.Status),
		sess.RecordedAt.UTC().Format(time.RFC3339Nano),
		sess.VideoPath,
		sess.Trim.StartMs,
		sess.Trim.EndMs,
		string(batchesJSON),
		sess.LocalVersion,
		int64PtrToNull(sess.RemoteVersion),
		string(sess.SyncStatus),
		sess.ErrorMessage,
		sess.CreatedAt.UTC().Format(time.RFC3339Nano),
		sess.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	return nil
}

func updateSession(ctx context.Context, tx *sql.Tx, sess *record.RecordingSession) error {
	batchesJSON, err := json.Marshal(sess.FrameBatches)
	if err != nil {
		return fmt.Errorf("failed to marshal frame batches: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			remote_id = ?, title = ?, athlete = ?, status = ?,
			video_path = ?, trim_start_ms = ?, trim_end_ms = ?,
			frame_batches = ?, local_version = ?, remote_version = ?,
			sync_status = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		sess.RemoteID,
		sess.Title,
		sess.Athlete,
		string(sess.Status),
		sess.VideoPath,
		sess.Trim.StartMs,
		sess.Trim.EndMs,
		string(batchesJSON),
		sess.LocalVersion,
		int64PtrToNull(sess.RemoteVersion),
		string(sess.SyncStatus),
		sess.ErrorMessage,
		sess.UpdatedAt.UTC().Format(time.RFC3339Nano),
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("session %s not found", sess.ID)
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*record.RecordingSession, error) {
	var sess record.RecordingSession
	var status, recordedAt, syncStatus, createdAt, updatedAt string
	var batchesJSON string
	var remoteVersion sql.NullInt64

	err := row.Scan(
		&sess.ID,
		&sess.RemoteID,
		&sess.Title,
		&sess.Athlete,
		&status,
		&recordedAt,
		&sess.VideoPath,
		&sess.Trim.StartMs,
		&sess.Trim.EndMs,
		&batchesJSON,
		&sess.LocalVersion,
		&remoteVersion,
		&syncStatus,
		&sess.ErrorMessage,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = record.SessionStatus(status)
	sess.SyncStatus = record.SyncStatus(syncStatus)
	sess.RemoteVersion = nullToInt64Ptr(remoteVersion)
	sess.RecordedAt = parseTime(recordedAt)
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)

	if batchesJSON != "" && batchesJSON != "null" {
		if err := json.Unmarshal([]byte(batchesJSON), &sess.FrameBatches); err != nil {
			return nil, fmt.Errorf("failed to unmarshal frame batches: %w", err)
		}
	}

	return &sess, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func int64PtrToNull(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullToInt64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
