package uploadclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	uploadSessionHeader = "X-Upload-Session"
	maxErrorBody        = 64 << 10
)

// HTTPTransport speaks the multipart upload protocol with a bearer token.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPTransport validates baseURL and returns a transport using client, or
// a default client when nil. Timeouts come from the call contexts.
func NewHTTPTransport(baseURL, token string, client *http.Client) (*HTTPTransport, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must use http or https", baseURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("server url %q has no host", baseURL)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(parsed.String(), "/"),
		token:   strings.TrimSpace(token),
		client:  client,
	}, nil
}

func (t *HTTPTransport) SendChunk(ctx context.Context, req ChunkRequest) (ChunkAck, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	fields := []struct{ name, value string }{
		{"sessionId", req.SessionID},
		{"chunkNumber", strconv.Itoa(req.Index)},
		{"totalChunks", strconv.Itoa(req.TotalChunks)},
		{"fileName", req.FileName},
		{"fileType", req.FileType},
		{"mimeType", req.MimeType},
		{"fileSize", strconv.FormatInt(req.FileSize, 10)},
		{"chunkHash", req.Checksum},
	}
	for _, field := range fields {
		if field.value == "" {
			continue
		}
		if err := writer.WriteField(field.name, field.value); err != nil {
			return ChunkAck{}, fmt.Errorf("write field %s: %w", field.name, err)
		}
	}
	part, err := writer.CreateFormFile("chunk", fmt.Sprintf("%s.part%d", req.SessionID, req.Index))
	if err != nil {
		return ChunkAck{}, fmt.Errorf("create chunk part: %w", err)
	}
	if _, err := part.Write(req.Data); err != nil {
		return ChunkAck{}, fmt.Errorf("write chunk part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return ChunkAck{}, fmt.Errorf("close multipart body: %w", err)
	}

	var ack ChunkAck
	err = t.do(ctx, http.MethodPost, "/api/uploads/chunk", req.SessionID, writer.FormDataContentType(), &body, &ack)
	return ack, err
}

func (t *HTTPTransport) Finalize(ctx context.Context, req FinalizeRequest) (FinalizeResponse, error) {
	descriptor, err := json.Marshal(req.Descriptor)
	if err != nil {
		return FinalizeResponse{}, fmt.Errorf("marshal descriptor: %w", err)
	}
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, field := range [][2]string{
		{"sessionId", req.SessionID},
		{"fileType", req.FileType},
		{"descriptor", string(descriptor)},
	} {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return FinalizeResponse{}, fmt.Errorf("write field %s: %w", field[0], err)
		}
	}
	if err := writer.Close(); err != nil {
		return FinalizeResponse{}, fmt.Errorf("close multipart body: %w", err)
	}

	var resp FinalizeResponse
	err = t.do(ctx, http.MethodPost, "/api/uploads/finalize", req.SessionID, writer.FormDataContentType(), &body, &resp)
	return resp, err
}

func (t *HTTPTransport) Status(ctx context.Context, sessionID string) (SessionStatus, error) {
	var status SessionStatus
	err := t.do(ctx, http.MethodGet, "/api/uploads/sessions/"+url.PathEscape(sessionID), sessionID, "", nil, &status)
	return status, err
}

// Abort discards a session on the server. Used for sessions left behind by a
// chunk size downgrade.
func (t *HTTPTransport) Abort(ctx context.Context, sessionID string) error {
	return t.do(ctx, http.MethodDelete, "/api/uploads/sessions/"+url.PathEscape(sessionID), sessionID, "", nil, nil)
}

func (t *HTTPTransport) do(ctx context.Context, method, path, sessionID, contentType string, body io.Reader, dest any) error {
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if sessionID != "" {
		req.Header.Set(uploadSessionHeader, sessionID)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeRemoteError(resp)
	}
	if dest == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeRemoteError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	remote := &RemoteError{StatusCode: resp.StatusCode}

	var envelope struct {
		Error map[string]any `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error == nil {
		remote.Message = strings.TrimSpace(string(data))
		if remote.Message == "" {
			remote.Message = resp.Status
		}
		return remote
	}
	for key, value := range envelope.Error {
		switch key {
		case "code":
			remote.Code, _ = value.(string)
		case "message":
			remote.Message, _ = value.(string)
		case "status":
		default:
			if remote.Details == nil {
				remote.Details = make(map[string]any)
			}
			remote.Details[key] = value
		}
	}
	return remote
}

// AsRemoteError unwraps err to the server error envelope, if any.
func AsRemoteError(err error) (*RemoteError, bool) {
	var remote *RemoteError
	ok := errors.As(err, &remote)
	return remote, ok
}
