// Package upload moves large video files to the remote in fixed-size
// chunks, without requiring the whole file to fit in memory or a single
// request, and without restarting from byte zero after a partial failure.
//
// Protocol per file: Init negotiates an upload id, chunks 0..n-1 are
// transmitted sequentially, Complete finalizes the transfer. Files at or
// below the chunk size skip the handshake and go up in one request.
//
// Every chunk acknowledgment is persisted through the store before the
// next chunk is read, so resume works across process restarts: a new
// attempt re-sends only chunks the remote never acknowledged.
package upload

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/movetrace/fieldsync/internal/record"
	"github.com/movetrace/fieldsync/internal/remote"
	"github.com/movetrace/fieldsync/internal/store"
)

// DefaultChunkSize is 5 MiB, small enough for flaky cellular links and
// large enough to keep request overhead negligible.
const DefaultChunkSize = 5 << 20

const defaultMimeType = "video/mp4"

// Progress reports the state of one file transfer to observers.
// UploadedBytes is monotonic within an attempt and starts at the durable
// resume point, never at zero for a resumed transfer.
type Progress struct {
	SessionID     string  `json:"session_id"`
	VideoPath     string  `json:"video_path"`
	UploadedBytes int64   `json:"uploaded_bytes"`
	TotalBytes    int64   `json:"total_bytes"`
	Percent       float64 `json:"percent"`
	Done          bool    `json:"done"`
}

// ProgressFunc is called after each acknowledged chunk. May be nil.
type ProgressFunc func(Progress)

// Config holds tunables for the upload engine.
type Config struct {
	// ChunkSize is the fixed chunk size in bytes; the final chunk may be
	// shorter. Files at or below this size use single-request upload.
	ChunkSize int64

	// Workers bounds how many distinct files upload concurrently.
	// Chunks within one file are always sequential.
	Workers int

	// MaxChunkRetries bounds transient retries for a single chunk within
	// one attempt.
	MaxChunkRetries int

	// RetryDelay is the pause between transient chunk retries.
	RetryDelay time.Duration

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:       DefaultChunkSize,
		Workers:         2,
		MaxChunkRetries: 3,
		RetryDelay:      2 * time.Second,
		Logger:          log.New(os.Stderr, "[upload] ", log.LstdFlags),
	}
}

// Engine uploads session videos through the remote API, persisting resume
// state in the store.
type Engine struct {
	store  *store.Store
	api    remote.API
	config *Config
	sem    chan struct{}
}

// New creates an upload engine. If config is nil, defaults are used.
func New(st *store.Store, api remote.API, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.MaxChunkRetries <= 0 {
		config.MaxChunkRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[upload] ", log.LstdFlags)
	}
	return &Engine{
		store:  st,
		api:    api,
		config: config,
		sem:    make(chan struct{}, config.Workers),
	}
}

// TotalChunks returns ceil(fileSize / chunkSize).
func TotalChunks(fileSize, chunkSize int64) int {
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// UploadSessionVideo transfers the session's video file. Blocks until the
// transfer completes, fails, or ctx is cancelled. Cancellation leaves the
// durable chunk-acknowledgment state intact so the next attempt resumes.
//
// The session must already exist remotely; video bytes are addressed to
// its remote id.
func (e *Engine) UploadSessionVideo(ctx context.Context, sess *record.RecordingSession, progress ProgressFunc) error {
	if sess.VideoPath == "" {
		return fmt.Errorf("session %s has no video to upload", sess.ID)
	}
	if sess.RemoteID == "" {
		return fmt.Errorf("session %s has not been created remotely yet", sess.ID)
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	info, err := os.Stat(sess.VideoPath)
	if err != nil {
		return fmt.Errorf("failed to stat video %s: %w", sess.VideoPath, err)
	}
	size := info.Size()

	if size <= e.config.ChunkSize {
		return e.uploadSingle(ctx, sess, size, progress)
	}
	return e.uploadChunked(ctx, sess, size, progress)
}

// uploadSingle sends the whole file in one request, skipping the
// Init/Complete handshake.
func (e *Engine) uploadSingle(ctx context.Context, sess *record.RecordingSession, size int64, progress ProgressFunc) error {
	data, err := os.ReadFile(sess.VideoPath)
	if err != nil {
		return fmt.Errorf("failed to read video %s: %w", sess.VideoPath, err)
	}

	e.config.Logger.Printf("Uploading %s (%d bytes, single request)", sess.VideoPath, size)

	if err := e.api.UploadVideo(ctx, sess.RemoteID, filepath.Base(sess.VideoPath), defaultMimeType, data); err != nil {
		return fmt.Errorf("single-request upload of %s failed: %w", sess.VideoPath, err)
	}

	report(progress, sess, size, size, true)
	return nil
}

// uploadChunked runs the Init/Chunk/Complete protocol with durable resume.
func (e *Engine) uploadChunked(ctx context.Context, sess *record.RecordingSession, size int64, progress ProgressFunc) error {
	st, err := e.resumeOrInit(ctx, sess, size)
	if err != nil {
		return err
	}

	file, err := os.Open(sess.VideoPath)
	if err != nil {
		return fmt.Errorf("failed to open video %s: %w", sess.VideoPath, err)
	}
	defer file.Close()

	var uploaded int64
	for _, i := range st.AckedChunks {
		uploaded += chunkLen(int64(i), st.ChunkSize, size)
	}
	report(progress, sess, uploaded, size, false)

	buf := make([]byte, st.ChunkSize)
	for index := 0; index < st.TotalChunks; index++ {
		if st.IsAcked(index) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := readChunk(file, buf, int64(index)*st.ChunkSize, size)
		if err != nil {
			return fmt.Errorf("failed to read chunk %d of %s: %w", index, sess.VideoPath, err)
		}

		if err := e.sendChunk(ctx, st, index, buf[:n]); err != nil {
			if !remote.IsRetryable(err) {
				// The upload session is unusable; a fresh Init is
				// required. Drop the resume record so the next attempt
				// starts clean.
				if delErr := e.store.DeleteUploadState(ctx, st.VideoPath); delErr != nil {
					e.config.Logger.Printf("Warning: failed to drop upload state for %s: %v", st.VideoPath, delErr)
				}
			}
			return fmt.Errorf("chunk %d of %s failed: %w", index, sess.VideoPath, err)
		}

		if err := e.store.AckChunk(ctx, st.VideoPath, index); err != nil {
			return fmt.Errorf("failed to persist chunk ack: %w", err)
		}

		uploaded += int64(n)
		report(progress, sess, uploaded, size, false)
	}

	if err := e.api.CompleteChunkedUpload(ctx, st.UploadID); err != nil {
		return fmt.Errorf("failed to complete upload %s: %w", st.UploadID, err)
	}

	if err := e.store.DeleteUploadState(ctx, st.VideoPath); err != nil {
		e.config.Logger.Printf("Warning: failed to clear upload state for %s: %v", st.VideoPath, err)
	}

	e.config.Logger.Printf("Upload complete: %s (%d chunks, %d bytes)", sess.VideoPath, st.TotalChunks, size)
	report(progress, sess, size, size, true)
	return nil
}

// resumeOrInit loads durable resume state for the file, or negotiates a
// fresh upload session with the remote. Stale state (file changed size
// since the interrupted attempt) is discarded.
func (e *Engine) resumeOrInit(ctx context.Context, sess *record.RecordingSession, size int64) (*store.UploadState, error) {
	st, err := e.store.GetUploadState(ctx, sess.VideoPath)
	if err == nil {
		if st.FileSize == size && st.ChunkSize == e.config.ChunkSize {
			e.config.Logger.Printf("Resuming upload %s: %d/%d chunks acknowledged",
				st.UploadID, len(st.AckedChunks), st.TotalChunks)
			return st, nil
		}
		e.config.Logger.Printf("Discarding stale upload state for %s", sess.VideoPath)
		if err := e.store.DeleteUploadState(ctx, sess.VideoPath); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	totalChunks := TotalChunks(size, e.config.ChunkSize)
	init, err := e.api.InitChunkedUpload(ctx, sess.RemoteID, filepath.Base(sess.VideoPath),
		size, e.config.ChunkSize, totalChunks, defaultMimeType)
	if err != nil {
		return nil, fmt.Errorf("failed to init chunked upload for %s: %w", sess.VideoPath, err)
	}

	st = &store.UploadState{
		VideoPath:   sess.VideoPath,
		SessionID:   sess.ID,
		UploadID:    init.UploadID,
		FileSize:    size,
		ChunkSize:   e.config.ChunkSize,
		TotalChunks: totalChunks,
	}
	if err := e.store.SaveUploadState(ctx, st); err != nil {
		return nil, err
	}

	e.config.Logger.Printf("Initialized upload %s: %s, %d chunks of %d bytes",
		init.UploadID, sess.VideoPath, totalChunks, e.config.ChunkSize)
	return st, nil
}

// sendChunk transmits one chunk, retrying transient failures in place.
// Non-transient failures (expired upload id, validation rejection) abort
// immediately.
func (e *Engine) sendChunk(ctx context.Context, st *store.UploadState, index int, data []byte) error {
	var lastErr error
	for attempt := 0; attempt <= e.config.MaxChunkRetries; attempt++ {
		if attempt > 0 {
			e.config.Logger.Printf("Retrying chunk %d of %s (attempt %d)", index, st.VideoPath, attempt+1)
			select {
			case <-time.After(e.config.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = e.api.UploadChunk(ctx, st.UploadID, index, data)
		if lastErr == nil {
			return nil
		}
		if !remote.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// chunkLen returns the byte length of the chunk at the given index.
func chunkLen(index, chunkSize, fileSize int64) int64 {
	remaining := fileSize - index*chunkSize
	if remaining < chunkSize {
		return remaining
	}
	return chunkSize
}

// readChunk reads the chunk at the given offset. The final chunk may be
// shorter than the buffer.
func readChunk(file *os.File, buf []byte, offset, fileSize int64) (int, error) {
	want := int64(len(buf))
	if remaining := fileSize - offset; remaining < want {
		want = remaining
	}
	n, err := file.ReadAt(buf[:want], offset)
	if err != nil && err != io.EOF {
		return n, err
	}
	if int64(n) != want {
		return n, fmt.Errorf("short read: got %d bytes, want %d", n, want)
	}
	return n, nil
}

func report(fn ProgressFunc, sess *record.RecordingSession, uploaded, total int64, done bool) {
	if fn == nil {
		return
	}
	percent := 0.0
	if total > 0 {
		percent = float64(uploaded) / float64(total) * 100
	}
	fn(Progress{
		SessionID:     sess.ID,
		VideoPath:     sess.VideoPath,
		UploadedBytes: uploaded,
		TotalBytes:    total,
		Percent:       percent,
		Done:          done,
	})
}
