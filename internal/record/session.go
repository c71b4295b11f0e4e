package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStatus describes the lifecycle state of a recording session.
type SessionStatus string

const (
	SessionRecording SessionStatus = "recording"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// TrimBounds marks the usable portion of a session's video, in milliseconds
// from the start of the recording. Both bounds set means trimmed; the zero
// value means untrimmed.
type TrimBounds struct {
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
}

// IsZero reports whether no trim has been applied.
func (tb TrimBounds) IsZero() bool {
	return tb.StartMs == 0 && tb.EndMs == 0
}

// Validate checks the bounds are ordered and non-negative.
func (tb TrimBounds) Validate() error {
	if tb.StartMs < 0 || tb.EndMs < 0 {
		return fmt.Errorf("trim bounds must be non-negative (got %d..%d)", tb.StartMs, tb.EndMs)
	}
	if !tb.IsZero() && tb.EndMs <= tb.StartMs {
		return fmt.Errorf("trim end must be after trim start (got %d..%d)", tb.StartMs, tb.EndMs)
	}
	return nil
}

// FrameBatch is one batch of captured pose frames, submitted to the remote
// as part of a session update. Frames are opaque to the sync engine; the
// capture pipeline produces them and the remote consumes them.
type FrameBatch struct {
	Seq      int         `json:"seq"`
	Frames   [][]float64 `json:"frames"`
	Captured time.Time   `json:"captured_at"`
}

// RecordingSession is a movement-recording session captured in the field.
//
// ID is generated locally and stable for the session's lifetime. RemoteID is
// assigned once the session is first created server-side and never changes
// afterwards.
type RecordingSession struct {
	ID       string `json:"id"`
	RemoteID string `json:"remote_id,omitempty"`

	Title      string        `json:"title"`
	Athlete    string        `json:"athlete,omitempty"`
	Status     SessionStatus `json:"status"`
	RecordedAt time.Time     `json:"recorded_at"`

	VideoPath    string       `json:"video_path,omitempty"`
	Trim         TrimBounds   `json:"trim"`
	FrameBatches []FrameBatch `json:"frame_batches,omitempty"`

	LocalVersion  int64      `json:"local_version"`
	RemoteVersion *int64     `json:"remote_version,omitempty"`
	SyncStatus    SyncStatus `json:"sync_status"`
	ErrorMessage  string     `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecordingSession creates a session with a fresh local id, version 1,
// and sync status PENDING.
func NewRecordingSession(title string) *RecordingSession {
	now := time.Now().UTC()
	return &RecordingSession{
		ID:           uuid.NewString(),
		Title:        title,
		Status:       SessionRecording,
		RecordedAt:   now,
		LocalVersion: 1,
		SyncStatus:   SyncPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Validate checks required fields and value ranges.
func (s *RecordingSession) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.Title == "" {
		return fmt.Errorf("title is required")
	}
	switch s.Status {
	case SessionRecording, SessionCompleted, SessionCancelled:
	default:
		return fmt.Errorf("invalid session status %q", s.Status)
	}
	if s.LocalVersion < 1 {
		return fmt.Errorf("local_version must be >= 1 (got %d)", s.LocalVersion)
	}
	if err := s.Trim.Validate(); err != nil {
		return fmt.Errorf("invalid trim: %w", err)
	}
	return nil
}

// Touch bumps the local version and update timestamp. Call on every local
// mutation, before enqueueing the matching queue item.
func (s *RecordingSession) Touch() {
	s.LocalVersion++
	s.UpdatedAt = time.Now().UTC()
}
