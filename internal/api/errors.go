package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"learnhub/internal/upload"
)

// Codes for failures outside the upload taxonomy.
const (
	CodeMethodNotAllowed = "method-not-allowed"
	CodeConflict         = "conflict"
	CodeRateLimited      = "rate-limited"
	CodeInternal         = "internal"
	CodeUnavailable      = "unavailable"
)

// RequestError is the value rendered into the error envelope
// {"error": {"code", "message", "status", ...details}}.
type RequestError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e RequestError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return http.StatusText(e.Status)
}

func (e RequestError) Unwrap() error { return e.Err }

// serverMessages replaces the text of 5xx errors, which may carry storage
// internals.
var serverMessages = map[string]string{
	upload.CodeTransientIO:         "temporary storage failure, retry the request",
	upload.CodeStorageUploadFailed: "object storage did not accept the upload",
	upload.CodeStorageIntegrity:    "stored object does not match the assembled upload",
	CodeInternal:                   "internal server error",
	CodeUnavailable:                "service unavailable",
}

func defaultCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return upload.CodeValidation
	case http.StatusUnauthorized:
		return upload.CodeUnauthorized
	case http.StatusForbidden:
		return upload.CodeForbidden
	case http.StatusNotFound:
		return upload.CodeNotFound
	case http.StatusMethodNotAllowed:
		return CodeMethodNotAllowed
	case http.StatusConflict:
		return CodeConflict
	case http.StatusRequestEntityTooLarge:
		return upload.CodePayloadTooLarge
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusServiceUnavailable:
		return CodeUnavailable
	default:
		if status >= 500 {
			return CodeInternal
		}
		return upload.CodeValidation
	}
}

// toRequestError classifies err. Upload taxonomy errors carry their own
// status; anything else uses fallbackStatus.
func toRequestError(fallbackStatus int, err error) RequestError {
	var reqErr RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Status == 0 {
			reqErr.Status = fallbackStatus
		}
		if reqErr.Code == "" {
			reqErr.Code = defaultCode(reqErr.Status)
		}
		return reqErr
	}
	var coded upload.CodedError
	if errors.As(err, &coded) {
		out := RequestError{Status: coded.HTTPStatus(), Code: coded.ErrorCode(), Message: coded.Error(), Err: err}
		var detailed upload.DetailedError
		if errors.As(err, &detailed) {
			out.Details = detailed.Details()
		}
		return out
	}
	if fallbackStatus == 0 {
		fallbackStatus = http.StatusInternalServerError
	}
	out := RequestError{Status: fallbackStatus, Code: defaultCode(fallbackStatus), Err: err}
	if err != nil {
		out.Message = err.Error()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteJSON is an exported helper for returning JSON API responses.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload)
}

// WriteError renders err as the JSON error envelope. Errors that carry their
// own status, such as the upload taxonomy, override status.
func WriteError(w http.ResponseWriter, status int, err error) {
	reqErr := toRequestError(status, err)
	message := reqErr.Error()
	if reqErr.Status >= 500 {
		if replacement, ok := serverMessages[reqErr.Code]; ok {
			message = replacement
		}
	}
	body := make(map[string]any, len(reqErr.Details)+3)
	for key, value := range reqErr.Details {
		body[key] = value
	}
	body["code"] = reqErr.Code
	body["message"] = message
	body["status"] = reqErr.Status
	writeJSON(w, reqErr.Status, map[string]any{"error": body})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	WriteError(w, http.StatusMethodNotAllowed, RequestError{Message: "method " + r.Method + " not allowed"})
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
