package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/movetrace/fieldsync/internal/record"
)

// CreateAnnotation inserts a new annotation and its CREATE queue item in
// one transaction. The owning session must exist locally.
func (s *Store) CreateAnnotation(ctx context.Context, ann *record.PhaseAnnotation, priority int) error {
	if err := ann.Validate(); err != nil {
		return fmt.Errorf("invalid annotation: %w", err)
	}

	item, err := record.NewAnnotationItem(record.OpCreate, ann, priority)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertAnnotation(ctx, tx, ann); err != nil {
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

// UpdateAnnotation bumps the annotation's local version, persists it, resets
// its sync status to PENDING, and enqueues an UPDATE item in one transaction.
func (s *Store) UpdateAnnotation(ctx context.Context, ann *record.PhaseAnnotation, priority int) error {
	ann.Touch()
	ann.SyncStatus = record.SyncPending
	ann.ErrorMessage = ""

	if err := ann.Validate(); err != nil {
		return fmt.Errorf("invalid annotation: %w", err)
	}

	item, err := record.NewAnnotationItem(record.OpUpdate, ann, priority)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE annotations SET
			remote_id = ?, phase = ?, label = ?, start_ms = ?, end_ms = ?,
			local_version = ?, remote_version = ?, sync_status = ?,
			error_message = ?, updated_at = ?
		WHERE id = ?`,
		ann.RemoteID,
		ann.Phase,
		ann.Label,
		ann.StartMs,
		ann.EndMs,
		ann.LocalVersion,
		int64PtrToNull(ann.RemoteVersion),
		string(ann.SyncStatus),
		ann.ErrorMessage,
		ann.UpdatedAt.UTC().Format(time.RFC3339Nano),
		ann.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update annotation %s: %w", ann.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("annotation %s not found", ann.ID)
	}

	if err := insertQueueItem(ctx, tx, item); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteAnnotation removes an annotation locally and enqueues its remote
// DELETE in one transaction. Pending queue items for the annotation are
// superseded and removed; if the annotation never reached the server no
// DELETE item is written.
func (s *Store) DeleteAnnotation(ctx context.Context, id string, priority int) error {
	ann, err := s.GetAnnotation(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE status = 'PENDING' AND entity_type = 'annotation' AND entity_id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove superseded queue items: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM annotations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete annotation %s: %w", id, err)
	}

	if ann.RemoteID != "" {
		item, err := record.NewAnnotationItem(record.OpDelete, ann, priority)
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

// GetAnnotation retrieves a single annotation by local id.
// Returns sql.ErrNoRows if not found.
func (s *Store) GetAnnotation(ctx context.Context, id string) (*record.PhaseAnnotation, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, remote_id, session_id, phase, label, start_ms, end_ms,
		       local_version, remote_version, sync_status, error_message,
		       created_at, updated_at
		FROM annotations WHERE id = ?`, id)
	return scanAnnotation(row)
}

// ListAnnotations retrieves all annotations for a session, ordered by
// start time.
func (s *Store) ListAnnotations(ctx context.Context, sessionID string) ([]*record.PhaseAnnotation, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, remote_id, session_id, phase, label, start_ms, end_ms,
		       local_version, remote_version, sync_status, error_message,
		       created_at, updated_at
		FROM annotations WHERE session_id = ?
		ORDER BY start_ms ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list annotations: %w", err)
	}
	defer rows.Close()

	var anns []*record.PhaseAnnotation
	for rows.Next() {
		ann, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		anns = append(anns, ann)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating annotations: %w", err)
	}
	return anns, nil
}

func insertAnnotation(ctx context.Context, tx *sql.Tx, ann *record.PhaseAnnotation) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO annotations (
			id, remote_id, session_id, phase, label, start_ms, end_ms,
			local_version, remote_version, sync_status, error_message,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ann.ID,
		ann.RemoteID,
		ann.SessionID,
		ann.Phase,
		ann.Label,
		ann.StartMs,
		ann.EndMs,
		ann.LocalVersion,
		int64PtrToNull(ann.RemoteVersion),
		string(ann.SyncStatus),
		ann.ErrorMessage,
		ann.CreatedAt.UTC().Format(time.RFC3339Nano),
		ann.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert annotation %s: %w", ann.ID, err)
	}
	return nil
}

func scanAnnotation(row rowScanner) (*record.PhaseAnnotation, error) {
	var ann record.PhaseAnnotation
	var syncStatus, createdAt, updatedAt string
	var remoteVersion sql.NullInt64

	err := row.Scan(
		&ann.ID,
		&ann.RemoteID,
		&ann.SessionID,
		&ann.Phase,
		&ann.Label,
		&ann.StartMs,
		&ann.EndMs,
		&ann.LocalVersion,
		&remoteVersion,
		&syncStatus,
		&ann.ErrorMessage,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	ann.SyncStatus = record.SyncStatus(syncStatus)
	ann.RemoteVersion = nullToInt64Ptr(remoteVersion)
	ann.CreatedAt = parseTime(createdAt)
	ann.UpdatedAt = parseTime(updatedAt)
	return &ann, nil
}
