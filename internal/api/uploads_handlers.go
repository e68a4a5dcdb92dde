package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"learnhub/internal/observability/logging"
	"learnhub/internal/upload"
)

const (
	// multipartOverhead covers part headers, boundaries and the text fields
	// that travel with a chunk.
	multipartOverhead = 1 << 20
	maxFieldBytes     = 4 << 10
	maxFinalizeBytes  = 64 << 10
)

type chunkResponse struct {
	Message string `json:"message"`
	upload.ChunkAck
}

type finalizeResponse struct {
	Message     string `json:"message"`
	FileURL     string `json:"fileUrl"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	SessionID   string `json:"sessionId"`
	FileType    string `json:"fileType"`
	ObjectKey   string `json:"objectKey"`
	ContentType string `json:"contentType"`
	Checksum    string `json:"checksum"`
	Record      any    `json:"record"`
}

func payloadTooLarge(message string) *upload.ValidationError {
	return &upload.ValidationError{Code: upload.CodePayloadTooLarge, Field: "chunk", Message: message}
}

// UploadChunk accepts one multipart chunk of a resumable upload.
func (h *Handler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	limit := h.Uploads.MaxChunkBytes()
	if r.ContentLength > limit+multipartOverhead {
		WriteError(w, http.StatusRequestEntityTooLarge, payloadTooLarge(fmt.Sprintf("request body exceeds %d bytes", limit+multipartOverhead)))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	req, err := readChunkForm(r, limit)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}
	req.OwnerID = identity.ID

	ctx := logging.ContextWithSessionID(r.Context(), req.SessionID)
	ack, err := h.Uploads.ReceiveChunk(ctx, req)
	if err != nil {
		h.logUploadError(r, "chunk rejected", req.SessionID, err, "chunk_index", req.Index)
		WriteError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, chunkResponse{
		Message:  fmt.Sprintf("chunk %d of %d stored", ack.Index, ack.TotalChunks),
		ChunkAck: ack,
	})
}

// readChunkForm streams the multipart body so an oversized chunk is detected
// at limit+1 bytes instead of being buffered whole.
func readChunkForm(r *http.Request, limit int64) (upload.ChunkRequest, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return upload.ChunkRequest{}, &upload.ValidationError{Message: "expected a multipart/form-data body"}
	}
	var (
		req    upload.ChunkRequest
		fields = make(map[string]string)
		seen   bool
	)
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return upload.ChunkRequest{}, bodyError(err, "read multipart body")
		}
		name := part.FormName()
		if name == "chunk" {
			data, err := io.ReadAll(io.LimitReader(part, limit+1))
			part.Close()
			if err != nil {
				return upload.ChunkRequest{}, bodyError(err, "read chunk")
			}
			if int64(len(data)) > limit {
				return upload.ChunkRequest{}, payloadTooLarge(fmt.Sprintf("chunk exceeds the %d byte limit", limit))
			}
			req.Data = data
			seen = true
			if req.FileName == "" {
				req.FileName = part.FileName()
			}
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
		part.Close()
		if err != nil {
			return upload.ChunkRequest{}, bodyError(err, "read field "+name)
		}
		if len(value) > maxFieldBytes {
			return upload.ChunkRequest{}, &upload.ValidationError{Field: name, Message: "field is too long"}
		}
		fields[name] = strings.TrimSpace(string(value))
	}
	if !seen {
		return upload.ChunkRequest{}, &upload.ValidationError{Field: "chunk", Message: "chunk is required"}
	}

	index, err := intField(fields, "chunkNumber")
	if err != nil {
		return upload.ChunkRequest{}, err
	}
	total, err := intField(fields, "totalChunks")
	if err != nil {
		return upload.ChunkRequest{}, err
	}
	size, err := int64Field(fields, "fileSize")
	if err != nil {
		return upload.ChunkRequest{}, err
	}
	req.SessionID = fields["sessionId"]
	req.Index = index
	req.TotalChunks = total
	req.FileSize = size
	req.FileType = fields["fileType"]
	req.MimeType = fields["mimeType"]
	req.ChunkHash = fields["chunkHash"]
	if name := fields["fileName"]; name != "" {
		req.FileName = name
	}
	return req, nil
}

func bodyError(err error, op string) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return payloadTooLarge(fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
	}
	return &upload.ValidationError{Message: fmt.Sprintf("%s: %v", op, err)}
}

func intField(fields map[string]string, name string) (int, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, &upload.ValidationError{Field: name, Message: name + " is required"}
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &upload.ValidationError{Field: name, Message: name + " must be an integer"}
	}
	return value, nil
}

func int64Field(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, &upload.ValidationError{Field: name, Message: name + " is required"}
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &upload.ValidationError{Field: name, Message: name + " must be an integer"}
	}
	return value, nil
}

// FinalizeUpload assembles a complete session into its durable artifact and
// domain record. The descriptor field is JSON naming the parent course.
func (h *Handler) FinalizeUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFinalizeBytes)

	fields, err := readFinalizeForm(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}
	var descriptor upload.Descriptor
	if raw := fields["descriptor"]; raw != "" {
		decoder := json.NewDecoder(strings.NewReader(raw))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&descriptor); err != nil {
			WriteError(w, http.StatusBadRequest, &upload.ValidationError{Field: "descriptor", Message: "descriptor must be a JSON object: " + err.Error()})
			return
		}
	}

	sessionID := fields["sessionId"]
	ctx := logging.ContextWithSessionID(r.Context(), sessionID)
	result, err := h.Uploads.Finalize(ctx, upload.FinalizeRequest{
		OwnerID:    identity.ID,
		SessionID:  sessionID,
		FileType:   fields["fileType"],
		Descriptor: descriptor,
	})
	if err != nil {
		h.logUploadError(r, "finalize failed", sessionID, err)
		WriteError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusCreated, finalizeResponse{
		Message:     "upload finalized",
		FileURL:     result.Artifact.PublicURL,
		FileName:    result.Artifact.FileName,
		FileSize:    result.Artifact.Size,
		SessionID:   result.SessionID,
		FileType:    result.FileType,
		ObjectKey:   result.Artifact.ObjectKey,
		ContentType: result.Artifact.ContentType,
		Checksum:    result.Artifact.Checksum,
		Record:      result.Record,
	})
}

// readFinalizeForm accepts multipart or urlencoded forms.
func readFinalizeForm(r *http.Request) (map[string]string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var err error
	if mediaType == "multipart/form-data" {
		err = r.ParseMultipartForm(maxFinalizeBytes)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		return nil, bodyError(err, "parse form")
	}
	fields := make(map[string]string, 3)
	for _, name := range []string{"sessionId", "fileType", "descriptor"} {
		fields[name] = strings.TrimSpace(r.FormValue(name))
	}
	if fields["sessionId"] == "" {
		return nil, &upload.ValidationError{Field: "sessionId", Message: "sessionId is required"}
	}
	return fields, nil
}

// UploadSession reports (GET) or aborts (DELETE) an upload session.
func (h *Handler) UploadSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	sessionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/uploads/sessions/"), "/")
	ctx := logging.ContextWithSessionID(r.Context(), sessionID)
	switch r.Method {
	case http.MethodGet:
		status, err := h.Uploads.Status(ctx, identity.ID, sessionID)
		if err != nil {
			WriteError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case http.MethodDelete:
		if err := h.Uploads.Abort(ctx, identity.ID, sessionID); err != nil {
			h.logUploadError(r, "abort failed", sessionID, err)
			WriteError(w, http.StatusServiceUnavailable, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, "GET, DELETE")
	}
}

func (h *Handler) logUploadError(r *http.Request, msg, sessionID string, err error, attrs ...any) {
	logger := h.logger(logging.ContextWithSessionID(r.Context(), sessionID))
	attrs = append(attrs, "code", upload.Code(err), "error", err)
	if upload.IsTerminal(err) {
		logger.Info(msg, attrs...)
		return
	}
	logger.Warn(msg, attrs...)
}
