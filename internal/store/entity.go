package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/movetrace/fieldsync/internal/record"
)

func entityTable(et record.EntityType) (string, error) {
	switch et {
	case record.EntitySession:
		return "sessions", nil
	case record.EntityAnnotation:
		return "annotations", nil
	default:
		return "", fmt.Errorf("unknown entity type %q", et)
	}
}

// SetSyncStatus updates a record's sync status and error message. This is
// the single write path for status transitions; the orchestrator and
// conflict resolver own all calls to it.
func (s *Store) SetSyncStatus(ctx context.Context, et record.EntityType, id string, status record.SyncStatus, errMsg string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := setEntityStatusTx(ctx, tx, et, id, status, errMsg); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func setEntityStatusTx(ctx context.Context, tx *sql.Tx, et record.EntityType, id string, status record.SyncStatus, errMsg string) error {
	table, err := entityTable(et)
	if err != nil {
		return err
	}
	if status != record.SyncError {
		errMsg = ""
	}
	// The record may already be purged locally (DELETE flow); missing rows
	// are not an error here.
	_, err = tx.ExecContext(ctx,
		`UPDATE `+table+` SET sync_status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to set sync status for %s %s: %w", et, id, err)
	}
	return nil
}

// ApplySyncSuccess records a successful remote acknowledgment: the remote
// id and version are stored, and the record becomes SYNCED - but only if
// its local version still equals the version the acknowledged snapshot
// carried. If the record mutated again while the item was in flight, a
// newer queue item exists and the record stays PENDING.
func (s *Store) ApplySyncSuccess(ctx context.Context, et record.EntityType, id, remoteID string, remoteVersion, snapshotVersion int64) error {
	table, err := entityTable(et)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	if _, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET remote_id = ?, remote_version = ?, updated_at = ? WHERE id = ?`,
		remoteID, remoteVersion, now, id); err != nil {
		return fmt.Errorf("failed to record remote version for %s %s: %w", et, id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET sync_status = 'SYNCED', error_message = '', updated_at = ?
		 WHERE id = ? AND local_version = ?`,
		now, id, snapshotVersion); err != nil {
		return fmt.Errorf("failed to mark %s %s synced: %w", et, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MarkConflict flags a record as CONFLICT after the remote reported a newer
// version than the client believed. Conflicts are surfaced for explicit
// resolution, never auto-merged.
func (s *Store) MarkConflict(ctx context.Context, et record.EntityType, id string, serverVersion int64) error {
	table, err := entityTable(et)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx,
		`UPDATE `+table+` SET sync_status = 'CONFLICT', remote_version = ?, updated_at = ? WHERE id = ?`,
		serverVersion, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to mark %s %s conflicted: %w", et, id, err)
	}
	return nil
}

// RetryErrored resets an ERROR record back to PENDING and enqueues a fresh
// UPDATE snapshot, the user-triggered retry transition. The record's error
// message is cleared.
func (s *Store) RetryErrored(ctx context.Context, et record.EntityType, id string, priority int) error {
	switch et {
	case record.EntitySession:
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.SyncStatus != record.SyncError {
			return fmt.Errorf("session %s is %s, not ERROR", id, sess.SyncStatus)
		}
		return s.UpdateSession(ctx, sess, priority)
	case record.EntityAnnotation:
		ann, err := s.GetAnnotation(ctx, id)
		if err != nil {
			return err
		}
		if ann.SyncStatus != record.SyncError {
			return fmt.Errorf("annotation %s is %s, not ERROR", id, ann.SyncStatus)
		}
		return s.UpdateAnnotation(ctx, ann, priority)
	default:
		return fmt.Errorf("unknown entity type %q", et)
	}
}

// ResolveConflictKeepLocal resolves a CONFLICT record by re-asserting the
// local state: the record returns to PENDING and a fresh UPDATE snapshot
// (expecting the server's current version) is enqueued.
func (s *Store) ResolveConflictKeepLocal(ctx context.Context, et record.EntityType, id string, priority int) error {
	switch et {
	case record.EntitySession:
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.SyncStatus != record.SyncConflict {
			return fmt.Errorf("session %s is %s, not CONFLICT", id, sess.SyncStatus)
		}
		return s.UpdateSession(ctx, sess, priority)
	case record.EntityAnnotation:
		ann, err := s.GetAnnotation(ctx, id)
		if err != nil {
			return err
		}
		if ann.SyncStatus != record.SyncConflict {
			return fmt.Errorf("annotation %s is %s, not CONFLICT", id, ann.SyncStatus)
		}
		return s.UpdateAnnotation(ctx, ann, priority)
	default:
		return fmt.Errorf("unknown entity type %q", et)
	}
}

// ResolveConflictAcceptRemote resolves a CONFLICT record by accepting the
// server's state: local version aligns to the server version and the record
// becomes SYNCED. No queue item is written; there is nothing to send.
func (s *Store) ResolveConflictAcceptRemote(ctx context.Context, et record.EntityType, id string, serverVersion int64) error {
	table, err := entityTable(et)
	if err != nil {
		return err
	}
	res, err := s.conn.ExecContext(ctx,
		`UPDATE `+table+` SET sync_status = 'SYNCED', error_message = '',
		        remote_version = ?, local_version = ?, updated_at = ?
		 WHERE id = ? AND sync_status = 'CONFLICT'`,
		serverVersion, serverVersion, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict for %s %s: %w", et, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s %s is not in CONFLICT", et, id)
	}
	return nil
}

// AttachVideo records the path of a session's finished video file without
// bumping the session version or enqueueing a mutation; the upload engine,
// not the sync queue, moves video bytes.
func (s *Store) AttachVideo(ctx context.Context, sessionID, videoPath string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE sessions SET video_path = ?, updated_at = ? WHERE id = ?`,
		videoPath, time.Now().UTC().Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return fmt.Errorf("failed to attach video to session %s: %w", sessionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}
