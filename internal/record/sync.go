package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncStatus tracks how a record relates to its server-side counterpart.
//
// Transitions are driven exclusively by the sync orchestrator and conflict
// resolver:
//
//	PENDING  --dispatch-->                SYNCING
//	SYNCING  --ack ok-->                  SYNCED
//	SYNCING  --version mismatch-->        CONFLICT
//	SYNCING  --retryable failure-->       PENDING
//	SYNCING  --non-retryable/exhausted--> ERROR
//	ERROR    --user retry-->              PENDING
//	CONFLICT --user resolution-->         PENDING or SYNCED
type SyncStatus string

const (
	SyncPending  SyncStatus = "PENDING"
	SyncSyncing  SyncStatus = "SYNCING"
	SyncSynced   SyncStatus = "SYNCED"
	SyncConflict SyncStatus = "CONFLICT"
	SyncError    SyncStatus = "ERROR"
)

// EntityType names the kind of record a queue item mutates.
type EntityType string

const (
	EntitySession    EntityType = "session"
	EntityAnnotation EntityType = "annotation"
)

// Operation is the remote mutation a queue item carries.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"

	// OpComplete and OpCancel are session-only lifecycle transitions with
	// dedicated server endpoints.
	OpComplete Operation = "COMPLETE"
	OpCancel   Operation = "CANCEL"
)

// QueueStatus tracks a queue item through its processing lifecycle.
// COMPLETED and ABANDONED are terminal.
type QueueStatus string

const (
	QueuePending    QueueStatus = "PENDING"
	QueueProcessing QueueStatus = "PROCESSING"
	QueueCompleted  QueueStatus = "COMPLETED"
	QueueFailed     QueueStatus = "FAILED"
	QueueAbandoned  QueueStatus = "ABANDONED"
)

// DefaultMaxRetries bounds per-item retries before a queue item is
// abandoned and kept for diagnostics.
const DefaultMaxRetries = 3

// QueueItem is one durable, immutable description of a pending remote
// mutation. Payload is a snapshot of the record state at enqueue time, not
// a live reference; for DELETE it holds only the identifiers the remote
// needs.
type QueueItem struct {
	ID         int64       `json:"id"`
	EntityType EntityType  `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	Operation  Operation   `json:"operation"`
	Payload    []byte      `json:"payload"`
	Priority   int         `json:"priority"`
	RetryCount int         `json:"retry_count"`
	MaxRetries int         `json:"max_retries"`
	Status     QueueStatus `json:"status"`
	// ErrorMessage holds the last dispatch failure, for diagnostics on
	// FAILED and ABANDONED items.
	ErrorMessage string    `json:"error_message,omitempty"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks the item describes a dispatchable mutation.
func (q *QueueItem) Validate() error {
	switch q.EntityType {
	case EntitySession, EntityAnnotation:
	default:
		return fmt.Errorf("invalid entity type %q", q.EntityType)
	}
	if q.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	switch q.Operation {
	case OpCreate, OpUpdate, OpDelete:
	case OpComplete, OpCancel:
		if q.EntityType != EntitySession {
			return fmt.Errorf("operation %q is session-only", q.Operation)
		}
	default:
		return fmt.Errorf("invalid operation %q", q.Operation)
	}
	if len(q.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if q.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1 (got %d)", q.MaxRetries)
	}
	return nil
}

// SessionSnapshot is the payload of a session CREATE/UPDATE queue item.
type SessionSnapshot struct {
	Session       RecordingSession `json:"session"`
	ExpectVersion *int64           `json:"expect_version,omitempty"`
}

// AnnotationSnapshot is the payload of an annotation CREATE/UPDATE queue item.
type AnnotationSnapshot struct {
	Annotation    PhaseAnnotation `json:"annotation"`
	ExpectVersion *int64          `json:"expect_version,omitempty"`
}

// DeleteSnapshot is the payload of a DELETE queue item for either entity
// kind. RemoteID may be empty when the record never reached the server; the
// dispatcher treats that as already-deleted.
type DeleteSnapshot struct {
	LocalID  string `json:"local_id"`
	RemoteID string `json:"remote_id,omitempty"`
}

// NewSessionItem snapshots a session into a queue item.
func NewSessionItem(op Operation, s *RecordingSession, priority int) (*QueueItem, error) {
	var payload any
	if op == OpDelete {
		payload = DeleteSnapshot{LocalID: s.ID, RemoteID: s.RemoteID}
	} else {
		payload = SessionSnapshot{Session: *s, ExpectVersion: s.RemoteVersion}
	}
	return newItem(EntitySession, s.ID, op, payload, priority)
}

// NewAnnotationItem snapshots an annotation into a queue item.
func NewAnnotationItem(op Operation, a *PhaseAnnotation, priority int) (*QueueItem, error) {
	var payload any
	if op == OpDelete {
		payload = DeleteSnapshot{LocalID: a.ID, RemoteID: a.RemoteID}
	} else {
		payload = AnnotationSnapshot{Annotation: *a, ExpectVersion: a.RemoteVersion}
	}
	return newItem(EntityAnnotation, a.ID, op, payload, priority)
}

func newItem(et EntityType, id string, op Operation, payload any, priority int) (*QueueItem, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", et, err)
	}
	now := time.Now().UTC()
	item := &QueueItem{
		EntityType:  et,
		EntityID:    id,
		Operation:   op,
		Payload:     data,
		Priority:    priority,
		MaxRetries:  DefaultMaxRetries,
		Status:      QueuePending,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := item.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue item: %w", err)
	}
	return item, nil
}
