package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/movetrace/fieldsync/internal/record"
)

const defaultTimeout = 2 * time.Minute

// TokenProvider returns the bearer token for authenticating requests.
type TokenProvider func(ctx context.Context) (string, error)

// Client is the HTTP implementation of the API interface.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenProvider
	logger     *log.Logger
}

// NewClient creates a remote API client for the given base URL.
//
// token may be nil for servers that do not require authentication.
// If logger is nil, a default logger writing to stderr is used.
func NewClient(baseURL string, token TokenProvider, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		token:      token,
		logger:     logger,
	}
}

// do issues one JSON request and decodes the uniform envelope. A non-2xx
// status or an envelope with Success=false becomes an *APIError carrying
// the status code, so callers can classify retryability.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	return c.decodeEnvelope(resp, out)
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.token == nil {
		return nil
	}
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) decodeEnvelope(resp *http.Response, out any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var env Envelope
	if len(raw) > 0 {
		// A malformed body on an error status still classifies by status.
		_ = json.Unmarshal(raw, &env)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Success {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    env.Message,
			Errors:     env.Errors,
		}
		if resp.StatusCode == http.StatusConflict {
			var conflict struct {
				RemoteVersion int64 `json:"remote_version"`
			}
			_ = json.Unmarshal(env.Data, &conflict)
			apiErr.ServerVersion = conflict.RemoteVersion
		}
		if resp.StatusCode == http.StatusGone {
			return fmt.Errorf("%w: %s", ErrUploadExpired, apiErr.Message)
		}
		return apiErr
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// --- Session lifecycle ---

func (c *Client) CreateSession(ctx context.Context, snap record.SessionSnapshot) (*Ack, error) {
	var ack Ack
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions", snap, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) UpdateSession(ctx context.Context, remoteID string, snap record.SessionSnapshot) (*Ack, error) {
	var ack Ack
	if err := c.do(ctx, http.MethodPut, "/api/v1/sessions/"+url.PathEscape(remoteID), snap, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) DeleteSession(ctx context.Context, remoteID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(remoteID), nil, nil)
}

func (c *Client) FetchSession(ctx context.Context, remoteID string) (*record.RecordingSession, error) {
	var sess record.RecordingSession
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(remoteID), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) ListSessions(ctx context.Context, status record.SessionStatus, page, pageSize int) (*SessionPage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))

	var result SessionPage
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions?"+q.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) CompleteSession(ctx context.Context, remoteID string) (*Ack, error) {
	var ack Ack
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(remoteID)+"/complete", nil, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) CancelSession(ctx context.Context, remoteID string) (*Ack, error) {
	var ack Ack
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(remoteID)+"/cancel", nil, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// --- Annotations ---

func (c *Client) CreateAnnotation(ctx context.Context, sessionRemoteID string, snap record.AnnotationSnapshot) (*Ack, error) {
	var ack Ack
	path := "/api/v1/sessions/" + url.PathEscape(sessionRemoteID) + "/annotations"
	if err := c.do(ctx, http.MethodPost, path, snap, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) UpdateAnnotation(ctx context.Context, remoteID string, snap record.AnnotationSnapshot) (*Ack, error) {
	var ack Ack
	if err := c.do(ctx, http.MethodPut, "/api/v1/annotations/"+url.PathEscape(remoteID), snap, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) DeleteAnnotation(ctx context.Context, remoteID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/annotations/"+url.PathEscape(remoteID), nil, nil)
}

// --- Video upload ---

// UploadVideo sends a whole file in one multipart request. Used for files
// at or below the chunk-size threshold, skipping the Init/Complete
// handshake entirely.
func (c *Client) UploadVideo(ctx context.Context, sessionRemoteID, fileName, mimeType string, data []byte) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("video", fileName)
	if err != nil {
		return fmt.Errorf("failed to create multipart file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write video data: %w", err)
	}
	if err := writer.WriteField("mime_type", mimeType); err != nil {
		return fmt.Errorf("failed to write mime field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	path := "/api/v1/sessions/" + url.PathEscape(sessionRemoteID) + "/video"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("video upload failed: %w", err)
	}
	defer resp.Body.Close()

	return c.decodeEnvelope(resp, nil)
}

func (c *Client) InitChunkedUpload(ctx context.Context, sessionRemoteID, fileName string, fileSize, chunkSize int64, totalChunks int, mimeType string) (*UploadInit, error) {
	reqBody := struct {
		SessionID   string `json:"session_id"`
		FileName    string `json:"file_name"`
		FileSize    int64  `json:"file_size"`
		ChunkSize   int64  `json:"chunk_size"`
		TotalChunks int    `json:"total_chunks"`
		MimeType    string `json:"mime_type"`
	}{sessionRemoteID, fileName, fileSize, chunkSize, totalChunks, mimeType}

	var init UploadInit
	if err := c.do(ctx, http.MethodPost, "/api/v1/uploads", reqBody, &init); err != nil {
		return nil, err
	}
	if init.UploadID == "" {
		return nil, &APIError{StatusCode: http.StatusBadGateway, Message: "server returned empty upload id"}
	}
	return &init, nil
}

func (c *Client) UploadChunk(ctx context.Context, uploadID string, chunkIndex int, data []byte) error {
	path := fmt.Sprintf("/api/v1/uploads/%s/chunks/%d", url.PathEscape(uploadID), chunkIndex)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create chunk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chunk %d upload failed: %w", chunkIndex, err)
	}
	defer resp.Body.Close()

	return c.decodeEnvelope(resp, nil)
}

func (c *Client) CompleteChunkedUpload(ctx context.Context, uploadID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/uploads/"+url.PathEscape(uploadID)+"/complete", nil, nil)
}

// --- Package generation ---

func (c *Client) GeneratePackage(ctx context.Context, sessionRemoteID string, params record.GenerationParams) (*PackageJob, error) {
	return c.generatePackage(ctx, sessionRemoteID, params, false)
}

func (c *Client) GeneratePackageAsync(ctx context.Context, sessionRemoteID string, params record.GenerationParams) (*PackageJob, error) {
	return c.generatePackage(ctx, sessionRemoteID, params, true)
}

func (c *Client) generatePackage(ctx context.Context, sessionRemoteID string, params record.GenerationParams, async bool) (*PackageJob, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid generation params: %w", err)
	}

	path := "/api/v1/sessions/" + url.PathEscape(sessionRemoteID) + "/package"
	if async {
		path += "?async=true"
	}

	var job PackageJob
	if err := c.do(ctx, http.MethodPost, path, params, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
