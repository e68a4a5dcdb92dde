package objectstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"learnhub/internal/checksum"
)

// FSStore writes objects below root/<bucket>/<key>. It suits single-node
// deployments where the media directory is served by the API itself.
type FSStore struct {
	root          string
	defaultBucket string
	publicBaseURL string
}

// NewFSStore creates root if needed. publicBaseURL is prefixed to
// <bucket>/<key> when building public URLs.
func NewFSStore(root, defaultBucket, publicBaseURL string) (*FSStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("objectstore: filesystem root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}
	if strings.TrimSpace(defaultBucket) == "" {
		defaultBucket = "media"
	}
	return &FSStore{root: root, defaultBucket: strings.TrimSpace(defaultBucket), publicBaseURL: publicBaseURL}, nil
}

// Root is the directory objects are written below.
func (s *FSStore) Root() string {
	return s.root
}

// Handler serves stored objects read-only, keyed by <bucket>/<key>.
func (s *FSStore) Handler() http.Handler {
	return http.FileServer(http.Dir(s.root))
}

func (s *FSStore) path(bucket, key string) (string, string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", "", err
	}
	target := strings.TrimSpace(bucket)
	if target == "" {
		target = s.defaultBucket
	}
	if _, err := cleanKey(target); err != nil || strings.Contains(target, "/") {
		return "", "", ErrInvalidKey
	}
	return filepath.Join(s.root, target, filepath.FromSlash(cleaned)), cleaned, nil
}

func (s *FSStore) Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	path, cleaned, err := s.path(bucket, key)
	if err != nil {
		return Object{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Object{}, fmt.Errorf("create object dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return Object{}, fmt.Errorf("create temp object: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	hasher := checksum.NewFile()
	written, err := io.Copy(io.MultiWriter(tmpFile, hasher), contextReader{ctx: ctx, r: body})
	if err != nil {
		return Object{}, fmt.Errorf("write object %s: %w", cleaned, err)
	}
	if err := tmpFile.Sync(); err != nil {
		return Object{}, fmt.Errorf("flush object %s: %w", cleaned, err)
	}
	if err := tmpFile.Close(); err != nil {
		return Object{}, fmt.Errorf("close object %s: %w", cleaned, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return Object{}, fmt.Errorf("store object %s: %w", cleaned, err)
	}
	success = true
	return Object{
		Bucket:      s.bucketName(bucket),
		Key:         cleaned,
		Size:        written,
		ETag:        hex.EncodeToString(hasher.Sum(nil))[:32],
		ContentType: contentType,
	}, nil
}

func (s *FSStore) Stat(ctx context.Context, bucket, key string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	path, cleaned, err := s.path(bucket, key)
	if err != nil {
		return Object{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("stat object %s: %w", cleaned, err)
	}
	return Object{
		Bucket:      s.bucketName(bucket),
		Key:         cleaned,
		Size:        info.Size(),
		ContentType: mime.TypeByExtension(filepath.Ext(cleaned)),
	}, nil
}

func (s *FSStore) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, cleaned, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("delete object %s: %w", cleaned, err)
	}
	return nil
}

func (s *FSStore) PublicURL(bucket, key string) string {
	path, cleaned, err := s.path(bucket, key)
	if err != nil {
		return ""
	}
	if strings.TrimSpace(s.publicBaseURL) == "" {
		return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
	}
	return joinURL(s.publicBaseURL, s.bucketName(bucket), cleaned)
}

func (s *FSStore) bucketName(bucket string) string {
	if trimmed := strings.TrimSpace(bucket); trimmed != "" {
		return trimmed
	}
	return s.defaultBucket
}

// contextReader stops a long copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
