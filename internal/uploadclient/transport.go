package uploadclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"learnhub/internal/upload"
)

// Transport carries protocol calls to the server.
type Transport interface {
	SendChunk(ctx context.Context, req ChunkRequest) (ChunkAck, error)
	Finalize(ctx context.Context, req FinalizeRequest) (FinalizeResponse, error)
	Status(ctx context.Context, sessionID string) (SessionStatus, error)
}

type ChunkRequest struct {
	SessionID   string
	Index       int
	TotalChunks int
	FileName    string
	FileType    string
	MimeType    string
	FileSize    int64
	Checksum    string
	Data        []byte
}

type ChunkAck struct {
	Message     string `json:"message"`
	SessionID   string `json:"sessionId"`
	Index       int    `json:"chunkNumber"`
	TotalChunks int    `json:"totalChunks"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	Created     bool   `json:"created"`
}

// Descriptor names the record the finalized file is attached to.
type Descriptor struct {
	CourseID    string `json:"courseId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Position    int    `json:"position,omitempty"`
}

type FinalizeRequest struct {
	SessionID  string
	FileType   string
	Descriptor Descriptor
}

type FinalizeResponse struct {
	Message     string          `json:"message"`
	FileURL     string          `json:"fileUrl"`
	FileName    string          `json:"fileName"`
	FileSize    int64           `json:"fileSize"`
	SessionID   string          `json:"sessionId"`
	FileType    string          `json:"fileType"`
	ObjectKey   string          `json:"objectKey"`
	ContentType string          `json:"contentType"`
	Checksum    string          `json:"checksum"`
	Record      json.RawMessage `json:"record"`
}

type SessionStatus struct {
	SessionID      string    `json:"sessionId"`
	State          string    `json:"state"`
	FileName       string    `json:"fileName"`
	FileType       string    `json:"fileType"`
	FileSize       int64     `json:"fileSize"`
	TotalChunks    int       `json:"totalChunks"`
	ReceivedChunks int       `json:"receivedChunks"`
	ReceivedBytes  int64     `json:"receivedBytes"`
	Missing        []int     `json:"missing"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// RemoteError is an error envelope returned by the server. It carries the
// same codes as the upload package so upload.Code and friends classify it.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *RemoteError) ErrorCode() string {
	if e.Code == "" && e.StatusCode == http.StatusRequestEntityTooLarge {
		return upload.CodePayloadTooLarge
	}
	return e.Code
}

func (e *RemoteError) HTTPStatus() int { return e.StatusCode }

// IsPayloadTooLarge reports whether the server or a proxy in front of it
// refused the request body as too large.
func IsPayloadTooLarge(err error) bool {
	return upload.IsPayloadTooLarge(err)
}

// isTimeout reports whether err is a per-call deadline or a network timeout
// while the caller's own context is still live.
func isTimeout(parent context.Context, err error) bool {
	if err == nil || parent.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// retryable decides whether a failed call is worth repeating as is.
func retryable(parent context.Context, err error) bool {
	if err == nil || parent.Err() != nil {
		return false
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		switch {
		case remote.StatusCode == http.StatusRequestTimeout, remote.StatusCode == http.StatusTooManyRequests:
			return true
		case remote.Code == "" && remote.StatusCode >= 500:
			return true
		default:
			return !upload.IsTerminal(remote)
		}
	}
	// Anything that never produced a response is a transport failure.
	return true
}
