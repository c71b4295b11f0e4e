package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PhaseAnnotation marks a labelled phase of a recording session, e.g. the
// backswing of a golf swing or the drive phase of a rowing stroke. It is
// owned by its session and cascade-deleted with it.
type PhaseAnnotation struct {
	ID        string `json:"id"`
	RemoteID  string `json:"remote_id,omitempty"`
	SessionID string `json:"session_id"`

	Phase   string `json:"phase"`
	Label   string `json:"label,omitempty"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`

	LocalVersion  int64      `json:"local_version"`
	RemoteVersion *int64     `json:"remote_version,omitempty"`
	SyncStatus    SyncStatus `json:"sync_status"`
	ErrorMessage  string     `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPhaseAnnotation creates an annotation for the given session with a
// fresh local id, version 1, and sync status PENDING.
func NewPhaseAnnotation(sessionID, phase string, startMs, endMs int64) *PhaseAnnotation {
	now := time.Now().UTC()
	return &PhaseAnnotation{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Phase:        phase,
		StartMs:      startMs,
		EndMs:        endMs,
		LocalVersion: 1,
		SyncStatus:   SyncPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Validate checks required fields and that the time range is ordered.
func (a *PhaseAnnotation) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if a.Phase == "" {
		return fmt.Errorf("phase is required")
	}
	if a.StartMs < 0 {
		return fmt.Errorf("start_ms must be non-negative (got %d)", a.StartMs)
	}
	if a.EndMs <= a.StartMs {
		return fmt.Errorf("end_ms must be after start_ms (got %d..%d)", a.StartMs, a.EndMs)
	}
	if a.LocalVersion < 1 {
		return fmt.Errorf("local_version must be >= 1 (got %d)", a.LocalVersion)
	}
	return nil
}

// Touch bumps the local version and update timestamp.
func (a *PhaseAnnotation) Touch() {
	a.LocalVersion++
	a.UpdatedAt = time.Now().UTC()
}
