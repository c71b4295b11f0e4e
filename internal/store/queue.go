package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/movetrace/fieldsync/internal/record"
)

// Enqueue appends a queue item. Most callers should prefer the
// mutate-and-enqueue methods on sessions and annotations, which write the
// record and the item in one transaction; Enqueue exists for items with no
// local record mutation (e.g. re-dispatching after conflict resolution).
func (s *Store) Enqueue(ctx context.Context, item *record.QueueItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid queue item: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertQueueItem(ctx, tx, item); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DequeueNextBatch returns up to limit PENDING items whose scheduled time
// has arrived, ordered by priority descending then scheduled time
// ascending, and marks them PROCESSING in the same transaction.
//
// Two invariants are enforced here:
//   - at most one item per (entity_type, entity_id) is PROCESSING at any
//     instant, so the same record is never mutated remotely out of order
//   - the select-and-mark is atomic, so two concurrent drains never pick
//     up the same item
func (s *Store) DequeueNextBatch(ctx context.Context, limit int) ([]*record.QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UnixNano()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Eligible: PENDING, due, entity not already in flight, and the oldest
	// pending mutation for its entity (mutations of one record must reach
	// the remote in enqueue order).
	rows, err := tx.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, operation, payload, priority,
		       retry_count, max_retries, status, error_message,
		       scheduled_at, created_at, updated_at
		FROM sync_queue q
		WHERE q.status = 'PENDING'
		  AND q.scheduled_at <= ?
		  AND NOT EXISTS (
		      SELECT 1 FROM sync_queue p
		      WHERE p.status = 'PROCESSING'
		        AND p.entity_type = q.entity_type
		        AND p.entity_id = q.entity_id)
		  AND q.id = (
		      SELECT MIN(q2.id) FROM sync_queue q2
		      WHERE q2.status = 'PENDING'
		        AND q2.entity_type = q.entity_type
		        AND q2.entity_id = q.entity_id)
		ORDER BY q.priority DESC, q.scheduled_at ASC
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible items: %w", err)
	}

	items, err := scanQueueItems(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]string, len(items))
	args := make([]interface{}, 0, len(items)+1)
	args = append(args, now)
	for i, item := range items {
		ids[i] = "?"
		args = append(args, item.ID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'PROCESSING', updated_at = ? WHERE id IN (`+strings.Join(ids, ",")+`)`,
		args...); err != nil {
		return nil, fmt.Errorf("failed to mark items processing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, item := range items {
		item.Status = record.QueueProcessing
	}
	return items, nil
}

// MarkCompleted transitions an item to its COMPLETED terminal state.
// Completed rows are kept until PruneCompleted removes them.
func (s *Store) MarkCompleted(ctx context.Context, id int64) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'COMPLETED', error_message = '', updated_at = ?
		WHERE id = ?`, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to mark item %d completed: %w", id, err)
	}
	return nil
}

// MarkFailed records a retryable dispatch failure. The retry count is
// incremented; if retries remain the item returns to PENDING with the given
// backoff delay, otherwise it becomes ABANDONED and the owning record's
// sync status is set to ERROR in the same transaction.
//
// Returns the item's resulting status.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string, delay time.Duration) (record.QueueStatus, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var entityType, entityID string
	var retryCount, maxRetries int
	err = tx.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, retry_count, max_retries
		FROM sync_queue WHERE id = ?`, id).Scan(&entityType, &entityID, &retryCount, &maxRetries)
	if err != nil {
		return "", fmt.Errorf("failed to load queue item %d: %w", id, err)
	}

	retryCount++
	now := time.Now()

	status := record.QueuePending
	if retryCount >= maxRetries {
		status = record.QueueAbandoned
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_queue SET
			status = ?, retry_count = ?, error_message = ?,
			scheduled_at = ?, updated_at = ?
		WHERE id = ?`,
		string(status), retryCount, errMsg,
		now.Add(delay).UnixNano(), now.UnixNano(), id); err != nil {
		return "", fmt.Errorf("failed to mark item %d failed: %w", id, err)
	}

	if status == record.QueueAbandoned {
		if err := setEntityStatusTx(ctx, tx, record.EntityType(entityType), entityID, record.SyncError, errMsg); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return status, nil
}

// MarkFailedPermanent records a non-retryable dispatch failure: the item
// goes straight to FAILED without consuming retries and the owning record's
// sync status becomes ERROR.
func (s *Store) MarkFailedPermanent(ctx context.Context, id int64, errMsg string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var entityType, entityID string
	err = tx.QueryRowContext(ctx, `
		SELECT entity_type, entity_id FROM sync_queue WHERE id = ?`, id).Scan(&entityType, &entityID)
	if err != nil {
		return fmt.Errorf("failed to load queue item %d: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'FAILED', error_message = ?, updated_at = ?
		WHERE id = ?`, errMsg, time.Now().UnixNano(), id); err != nil {
		return fmt.Errorf("failed to mark item %d failed: %w", id, err)
	}

	if err := setEntityStatusTx(ctx, tx, record.EntityType(entityType), entityID, record.SyncError, errMsg); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Requeue returns a PROCESSING item to PENDING without touching its retry
// count. Used when a drain pass is cancelled or cannot reach the remote at
// all: connectivity failure is a pass-level condition, not an item-level
// one.
func (s *Store) Requeue(ctx context.Context, id int64, delay time.Duration) error {
	now := time.Now()
	_, err := s.conn.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'PENDING', scheduled_at = ?, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING'`,
		now.Add(delay).UnixNano(), now.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to requeue item %d: %w", id, err)
	}
	return nil
}

// RequeueStale returns all PROCESSING items to PENDING. Called on startup:
// a PROCESSING row can only survive a restart if the previous process died
// mid-dispatch, and such items must not be stuck forever.
func (s *Store) RequeueStale(ctx context.Context) (int64, error) {
	now := time.Now().UnixNano()
	res, err := s.conn.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'PENDING', scheduled_at = ?, updated_at = ?
		WHERE status = 'PROCESSING'`, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneCompleted deletes COMPLETED items older than the given age.
// ABANDONED items are never pruned; they are kept for diagnostics.
func (s *Store) PruneCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE status = 'COMPLETED' AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune completed items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetQueueItem retrieves a single queue item by id.
// Returns sql.ErrNoRows if not found.
func (s *Store) GetQueueItem(ctx context.Context, id int64) (*record.QueueItem, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, entity_type, entity_id, operation, payload, priority,
		       retry_count, max_retries, status, error_message,
		       scheduled_at, created_at, updated_at
		FROM sync_queue WHERE id = ?`, id)
	return scanQueueItem(row)
}

// ListQueueItems retrieves queue items with the given status, oldest first.
// An empty status returns all items.
func (s *Store) ListQueueItems(ctx context.Context, status record.QueueStatus) ([]*record.QueueItem, error) {
	query := `
		SELECT id, entity_type, entity_id, operation, payload, priority,
		       retry_count, max_retries, status, error_message,
		       scheduled_at, created_at, updated_at
		FROM sync_queue`
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY id ASC"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

// Health summarizes sync state for user-visible reporting: counts, not
// per-item technical detail.
type Health struct {
	QueuePending    int `json:"queue_pending"`
	QueueProcessing int `json:"queue_processing"`
	QueueAbandoned  int `json:"queue_abandoned"`

	SessionsPending  int `json:"sessions_pending"`
	SessionsConflict int `json:"sessions_conflict"`
	SessionsError    int `json:"sessions_error"`

	AnnotationsPending  int `json:"annotations_pending"`
	AnnotationsConflict int `json:"annotations_conflict"`
	AnnotationsError    int `json:"annotations_error"`
}

// GetHealth returns aggregate counts of pending, conflicted, and erroring
// work across the queue and both record kinds.
func (s *Store) GetHealth(ctx context.Context) (*Health, error) {
	h := &Health{}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		switch record.QueueStatus(status) {
		case record.QueuePending:
			h.QueuePending = count
		case record.QueueProcessing:
			h.QueueProcessing = count
		case record.QueueAbandoned:
			h.QueueAbandoned = count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue counts: %w", err)
	}

	for _, q := range []struct {
		table                    string
		pending, conflict, errs *int
	}{
		{"sessions", &h.SessionsPending, &h.SessionsConflict, &h.SessionsError},
		{"annotations", &h.AnnotationsPending, &h.AnnotationsConflict, &h.AnnotationsError},
	} {
		err := s.conn.QueryRowContext(ctx, `
			SELECT
				COUNT(CASE WHEN sync_status IN ('PENDING','SYNCING') THEN 1 END),
				COUNT(CASE WHEN sync_status = 'CONFLICT' THEN 1 END),
				COUNT(CASE WHEN sync_status = 'ERROR' THEN 1 END)
			FROM `+q.table).Scan(q.pending, q.conflict, q.errs)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s health: %w", q.table, err)
		}
	}

	return h, nil
}

func insertQueueItem(ctx context.Context, tx *sql.Tx, item *record.QueueItem) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (
			entity_type, entity_id, operation, payload, priority,
			retry_count, max_retries, status, error_message,
			scheduled_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(item.EntityType),
		item.EntityID,
		string(item.Operation),
		string(item.Payload),
		item.Priority,
		item.RetryCount,
		item.MaxRetries,
		string(item.Status),
		item.ErrorMessage,
		item.ScheduledAt.UnixNano(),
		item.CreatedAt.UnixNano(),
		item.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert queue item for %s %s: %w", item.EntityType, item.EntityID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		item.ID = id
	}
	return nil
}

func scanQueueItem(row rowScanner) (*record.QueueItem, error) {
	var item record.QueueItem
	var entityType, operation, status, payload string
	var scheduledAt, createdAt, updatedAt int64

	err := row.Scan(
		&item.ID,
		&entityType,
		&item.EntityID,
		&operation,
		&payload,
		&item.Priority,
		&item.RetryCount,
		&item.MaxRetries,
		&status,
		&item.ErrorMessage,
		&scheduledAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.EntityType = record.EntityType(entityType)
	item.Operation = record.Operation(operation)
	item.Status = record.QueueStatus(status)
	item.Payload = []byte(payload)
	item.ScheduledAt = time.Unix(0, scheduledAt)
	item.CreatedAt = time.Unix(0, createdAt)
	item.UpdatedAt = time.Unix(0, updatedAt)
	return &item, nil
}

func scanQueueItems(rows *sql.Rows) ([]*record.QueueItem, error) {
	var items []*record.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	return items, nil
}
