// Package remote defines the abstract server API the sync engine talks to,
// together with the uniform response envelope and the error taxonomy used
// to classify dispatch failures.
//
// The engine never depends on concrete endpoints: the orchestrator and
// upload engine consume the API interface, and the HTTP client in this
// package is one implementation of it. Tests substitute fakes.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/movetrace/fieldsync/internal/record"
)

// Envelope is the uniform response wrapper every remote call returns.
type Envelope struct {
	Success bool              `json:"success"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Message string            `json:"message,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// Ack is the acknowledgment for an entity mutation. RemoteVersion is the
// server's authoritative version of the record after the mutation.
type Ack struct {
	RemoteID      string `json:"remote_id"`
	RemoteVersion int64  `json:"remote_version"`
}

// SessionPage is one page of a remote session listing.
type SessionPage struct {
	Sessions []record.RecordingSession `json:"sessions"`
	Page     int                       `json:"page"`
	PageSize int                       `json:"page_size"`
	Total    int                       `json:"total"`
}

// UploadInit describes a negotiated chunked-upload session.
type UploadInit struct {
	UploadID string `json:"upload_id"`
}

// PackageJob is the handle for an asynchronous package-generation request.
type PackageJob struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// API is the remote surface consumed by the orchestrator and upload engine.
// All calls block until the remote responds or ctx is done.
type API interface {
	// Session lifecycle.
	CreateSession(ctx context.Context, snap record.SessionSnapshot) (*Ack, error)
	UpdateSession(ctx context.Context, remoteID string, snap record.SessionSnapshot) (*Ack, error)
	DeleteSession(ctx context.Context, remoteID string) error
	FetchSession(ctx context.Context, remoteID string) (*record.RecordingSession, error)
	ListSessions(ctx context.Context, status record.SessionStatus, page, pageSize int) (*SessionPage, error)
	CompleteSession(ctx context.Context, remoteID string) (*Ack, error)
	CancelSession(ctx context.Context, remoteID string) (*Ack, error)

	// Annotation mutations.
	CreateAnnotation(ctx context.Context, sessionRemoteID string, snap record.AnnotationSnapshot) (*Ack, error)
	UpdateAnnotation(ctx context.Context, remoteID string, snap record.AnnotationSnapshot) (*Ack, error)
	DeleteAnnotation(ctx context.Context, remoteID string) error

	// Video upload.
	UploadVideo(ctx context.Context, sessionRemoteID, fileName, mimeType string, data []byte) error
	InitChunkedUpload(ctx context.Context, sessionRemoteID, fileName string, fileSize, chunkSize int64, totalChunks int, mimeType string) (*UploadInit, error)
	UploadChunk(ctx context.Context, uploadID string, chunkIndex int, data []byte) error
	CompleteChunkedUpload(ctx context.Context, uploadID string) error

	// Package generation.
	GeneratePackage(ctx context.Context, sessionRemoteID string, params record.GenerationParams) (*PackageJob, error)
	GeneratePackageAsync(ctx context.Context, sessionRemoteID string, params record.GenerationParams) (*PackageJob, error)
}

// APIError is a remote call failure carrying enough structure to classify
// it: transient failures retry with backoff, version conflicts surface as
// CONFLICT, everything else fails the item immediately.
type APIError struct {
	StatusCode    int
	Message       string
	Errors        map[string]string
	ServerVersion int64 // set on version-conflict responses
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote error (status %d)", e.StatusCode)
}

// ErrUploadExpired is returned when the server no longer recognizes an
// upload id. The transfer must abort and restart with a fresh Init.
var ErrUploadExpired = errors.New("upload session expired")

// IsRetryable reports whether the error is a transient condition worth
// retrying with backoff: timeouts, connectivity loss, and 5xx responses.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUploadExpired) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	// Anything that never produced an HTTP status is a transport-level
	// failure: DNS, dial, timeout, connection reset.
	return true
}

// IsConnectivity reports whether the error never reached the server at
// all: the request failed at the transport layer, so the device is
// effectively offline. These failures do not count against a mutation's
// retry budget.
func IsConnectivity(err error) bool {
	if err == nil || errors.Is(err, ErrUploadExpired) {
		return false
	}
	var apiErr *APIError
	return !errors.As(err, &apiErr)
}

// IsConflict reports whether the error is a version conflict.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// ConflictVersion extracts the server's version from a conflict error.
// Returns 0 if the error is not a conflict.
func ConflictVersion(err error) int64 {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return apiErr.ServerVersion
	}
	return 0
}
