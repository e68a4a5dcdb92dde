// Package objectstore is the durable storage boundary for finalized uploads.
// The finalizer depends only on Put, Stat, Delete and PublicURL.
package objectstore

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker"
)

var (
	ErrNotFound   = errors.New("objectstore: object not found")
	ErrInvalidKey = errors.New("objectstore: invalid object key")
)

// Object describes a stored object.
type Object struct {
	Bucket      string
	Key         string
	Size        int64
	ETag        string
	ContentType string
}

// Store is implemented by every durable backend. An empty bucket selects the
// backend's configured default.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) (Object, error)
	Stat(ctx context.Context, bucket, key string) (Object, error)
	Delete(ctx context.Context, bucket, key string) error
	PublicURL(bucket, key string) string
}

// permanentCodes are S3 error codes that another attempt will not fix.
var permanentCodes = map[string]struct{}{
	"AccessDenied":          {},
	"InvalidAccessKeyId":    {},
	"SignatureDoesNotMatch": {},
	"NoSuchBucket":          {},
	"InvalidBucketName":     {},
	"InvalidArgument":       {},
	"EntityTooLarge":        {},
	"NotFound":              {},
	"NoSuchKey":             {},
}

// IsRetryable reports whether err is worth another upload attempt. Open
// circuit breakers fail fast rather than being hammered.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidKey),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, permanent := permanentCodes[apiErr.ErrorCode()]; permanent {
			return false
		}
	}
	return true
}

// cleanKey trims slashes and rejects keys that could escape their bucket.
func cleanKey(key string) (string, error) {
	trimmed := strings.Trim(strings.TrimSpace(key), "/")
	if trimmed == "" {
		return "", ErrInvalidKey
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", ErrInvalidKey
		}
	}
	return trimmed, nil
}

// joinURL appends path segments to base with single slashes.
func joinURL(base string, parts ...string) string {
	out := strings.TrimRight(strings.TrimSpace(base), "/")
	for _, part := range parts {
		part = strings.Trim(part, "/")
		if part == "" {
			continue
		}
		out += "/" + part
	}
	return out
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
