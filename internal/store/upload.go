package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// UploadState is the durable resume record for one chunked video upload.
// AckedChunks survives process restarts, so a resumed upload re-sends only
// chunks the remote never acknowledged.
type UploadState struct {
	VideoPath   string    `json:"video_path"`
	SessionID   string    `json:"session_id"`
	UploadID    string    `json:"upload_id"`
	FileSize    int64     `json:"file_size"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalChunks int       `json:"total_chunks"`
	AckedChunks []int     `json:"acked_chunks"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsAcked reports whether the given chunk index has been acknowledged.
func (u *UploadState) IsAcked(index int) bool {
	for _, i := range u.AckedChunks {
		if i == index {
			return true
		}
	}
	return false
}

// SaveUploadState inserts or replaces the resume record for a video file.
func (s *Store) SaveUploadState(ctx context.Context, st *UploadState) error {
	acked, err := json.Marshal(st.AckedChunks)
	if err != nil {
		return fmt.Errorf("failed to marshal acked chunks: %w", err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO upload_state (
			video_path, session_id, upload_id, file_size,
			chunk_size, total_chunks, acked_chunks, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(video_path) DO UPDATE SET
			session_id = excluded.session_id,
			upload_id = excluded.upload_id,
			file_size = excluded.file_size,
			chunk_size = excluded.chunk_size,
			total_chunks = excluded.total_chunks,
			acked_chunks = excluded.acked_chunks,
			updated_at = excluded.updated_at`,
		st.VideoPath, st.SessionID, st.UploadID, st.FileSize,
		st.ChunkSize, st.TotalChunks, string(acked),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save upload state for %s: %w", st.VideoPath, err)
	}
	return nil
}

// AckChunk durably records one acknowledged chunk index. Idempotent.
func (s *Store) AckChunk(ctx context.Context, videoPath string, index int) error {
	st, err := s.GetUploadState(ctx, videoPath)
	if err != nil {
		return err
	}
	if st.IsAcked(index) {
		return nil
	}
	st.AckedChunks = append(st.AckedChunks, index)
	sort.Ints(st.AckedChunks)
	return s.SaveUploadState(ctx, st)
}

// GetUploadState retrieves the resume record for a video file.
// Returns sql.ErrNoRows if no upload has been initialized for it.
func (s *Store) GetUploadState(ctx context.Context, videoPath string) (*UploadState, error) {
	var st UploadState
	var acked, updatedAt string
	err := s.conn.QueryRowContext(ctx, `
		SELECT video_path, session_id, upload_id, file_size,
		       chunk_size, total_chunks, acked_chunks, updated_at
		FROM upload_state WHERE video_path = ?`, videoPath).Scan(
		&st.VideoPath, &st.SessionID, &st.UploadID, &st.FileSize,
		&st.ChunkSize, &st.TotalChunks, &acked, &updatedAt)
	if err != nil {
		return nil, err
	}

	if acked != "" && acked != "null" {
		if err := json.Unmarshal([]byte(acked), &st.AckedChunks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal acked chunks: %w", err)
		}
	}
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

// DeleteUploadState removes the resume record after a completed or aborted
// transfer. Idempotent.
func (s *Store) DeleteUploadState(ctx context.Context, videoPath string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM upload_state WHERE video_path = ?`, videoPath)
	if err != nil {
		return fmt.Errorf("failed to delete upload state for %s: %w", videoPath, err)
	}
	return nil
}

// HasUploadState reports whether a resume record exists for the file.
func (s *Store) HasUploadState(ctx context.Context, videoPath string) (bool, error) {
	_, err := s.GetUploadState(ctx, videoPath)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
