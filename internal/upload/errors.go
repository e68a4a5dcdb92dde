package upload

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes carried in the API error envelope. Clients branch on these,
// not on messages.
const (
	CodeValidation          = "validation-failed"
	CodePayloadTooLarge     = "payload-too-large"
	CodeChecksumMismatch    = "checksum-mismatch"
	CodeSizeMismatch        = "size-mismatch"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeNotFound            = "not-found"
	CodeSessionNotFound     = "session-not-found"
	CodeMissingChunks       = "missing-chunks"
	CodeFinalizeInProgress  = "finalize-in-progress"
	CodeSessionClosed       = "session-closed"
	CodeStorageUploadFailed = "storage-upload-failed"
	CodeStorageIntegrity    = "storage-integrity"
	CodeTransientIO         = "transient-io"
)

// CodedError is implemented by every error in the upload taxonomy.
type CodedError interface {
	error
	ErrorCode() string
	HTTPStatus() int
}

// DetailedError adds structured fields to the API error envelope.
type DetailedError interface {
	CodedError
	Details() map[string]any
}

// ValidationError reports a missing or invalid request field. Code narrows
// the failure; payload-too-large is the signal clients use to shrink chunks.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ValidationError) ErrorCode() string {
	if e.Code == "" {
		return CodeValidation
	}
	return e.Code
}

func (e *ValidationError) HTTPStatus() int {
	if e.Code == CodePayloadTooLarge {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func (e *ValidationError) Details() map[string]any {
	if e.Field == "" {
		return nil
	}
	return map[string]any{"field": e.Field}
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// AuthError means the caller presented no usable credential.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "authentication required"
	}
	return e.Message
}

func (e *AuthError) ErrorCode() string { return CodeUnauthorized }
func (e *AuthError) HTTPStatus() int   { return http.StatusUnauthorized }

// ForbiddenError means the caller is authenticated but does not own the
// resource.
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string {
	if e.Message == "" {
		return "forbidden"
	}
	return e.Message
}

func (e *ForbiddenError) ErrorCode() string { return CodeForbidden }
func (e *ForbiddenError) HTTPStatus() int   { return http.StatusForbidden }

// NotFoundError reports a missing domain resource, such as the course a
// finalized lesson should belong to.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) ErrorCode() string { return CodeNotFound }
func (e *NotFoundError) HTTPStatus() int   { return http.StatusNotFound }

type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("upload session %s not found", e.SessionID)
}

func (e *SessionNotFoundError) ErrorCode() string { return CodeSessionNotFound }
func (e *SessionNotFoundError) HTTPStatus() int   { return http.StatusNotFound }

// IncompleteUploadError is returned by finalize when the received index set
// is not exactly 1..Expected.
type IncompleteUploadError struct {
	SessionID string
	Expected  int
	Received  int
	Missing   []int
}

func (e *IncompleteUploadError) Error() string {
	return fmt.Sprintf("upload session %s is incomplete: received %d of %d chunks", e.SessionID, e.Received, e.Expected)
}

func (e *IncompleteUploadError) ErrorCode() string { return CodeMissingChunks }
func (e *IncompleteUploadError) HTTPStatus() int   { return http.StatusConflict }

func (e *IncompleteUploadError) Details() map[string]any {
	missing := e.Missing
	if missing == nil {
		missing = []int{}
	}
	return map[string]any{
		"expected": e.Expected,
		"received": e.Received,
		"missing":  missing,
	}
}

// SessionBusyError means another finalize holds the session lease.
type SessionBusyError struct {
	SessionID string
}

func (e *SessionBusyError) Error() string {
	return fmt.Sprintf("upload session %s is being finalized", e.SessionID)
}

func (e *SessionBusyError) ErrorCode() string { return CodeFinalizeInProgress }
func (e *SessionBusyError) HTTPStatus() int   { return http.StatusConflict }

// SessionClosedError rejects writes to a finalized or aborted session. It is
// terminal: the client must start a new session.
type SessionClosedError struct {
	SessionID string
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("upload session %s is closed", e.SessionID)
}

func (e *SessionClosedError) ErrorCode() string { return CodeSessionClosed }
func (e *SessionClosedError) HTTPStatus() int   { return http.StatusGone }

// StorageUploadError means the object store rejected the artifact after the
// retry policy gave up.
type StorageUploadError struct {
	Key string
	Err error
}

func (e *StorageUploadError) Error() string {
	return fmt.Sprintf("store object %s: %v", e.Key, e.Err)
}

func (e *StorageUploadError) Unwrap() error     { return e.Err }
func (e *StorageUploadError) ErrorCode() string { return CodeStorageUploadFailed }
func (e *StorageUploadError) HTTPStatus() int   { return http.StatusBadGateway }

// StorageIntegrityError reports stored bytes that do not match what was
// assembled or staged. It is never retried automatically.
type StorageIntegrityError struct {
	Key      string
	Expected int64
	Actual   int64
	Reason   string
}

func (e *StorageIntegrityError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("integrity check failed for %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("integrity check failed for %s: stored %d bytes, want %d", e.Key, e.Actual, e.Expected)
}

func (e *StorageIntegrityError) ErrorCode() string { return CodeStorageIntegrity }
func (e *StorageIntegrityError) HTTPStatus() int   { return http.StatusBadGateway }

func (e *StorageIntegrityError) Details() map[string]any {
	if e.Reason != "" {
		return nil
	}
	return map[string]any{"expected": e.Expected, "actual": e.Actual}
}

// TransientIOError wraps a staging or record failure that may succeed when
// the request is repeated.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error     { return e.Err }
func (e *TransientIOError) ErrorCode() string { return CodeTransientIO }
func (e *TransientIOError) HTTPStatus() int   { return http.StatusServiceUnavailable }

// Code returns the taxonomy code of err, or the empty string when err is not
// part of the taxonomy.
func Code(err error) string {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return ""
}

// IsPayloadTooLarge reports whether err asks the client to shrink its chunks.
func IsPayloadTooLarge(err error) bool {
	return Code(err) == CodePayloadTooLarge
}

// IsTerminal reports whether repeating the same request cannot succeed.
func IsTerminal(err error) bool {
	switch Code(err) {
	case "", CodeTransientIO, CodeFinalizeInProgress, CodeStorageUploadFailed:
		return false
	default:
		return true
	}
}
