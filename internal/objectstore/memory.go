package objectstore

import (
	"context"
	"encoding/hex"
	"io"
	"strings"
	"sync"

	"learnhub/internal/checksum"
)

// MemoryStore keeps objects in memory for tests and local development.
type MemoryStore struct {
	mu            sync.RWMutex
	objects       map[string]memoryObject
	defaultBucket string
	publicBaseURL string
}

type memoryObject struct {
	data        []byte
	contentType string
	etag        string
}

// NewMemoryStore returns an empty store whose public URLs start with
// publicBaseURL.
func NewMemoryStore(defaultBucket, publicBaseURL string) *MemoryStore {
	if strings.TrimSpace(defaultBucket) == "" {
		defaultBucket = "media"
	}
	if strings.TrimSpace(publicBaseURL) == "" {
		publicBaseURL = "memory://objects"
	}
	return &MemoryStore{
		objects:       make(map[string]memoryObject),
		defaultBucket: defaultBucket,
		publicBaseURL: publicBaseURL,
	}
}

func (s *MemoryStore) id(bucket, key string) (string, string, string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", "", "", err
	}
	target := strings.TrimSpace(bucket)
	if target == "" {
		target = s.defaultBucket
	}
	return target + "/" + cleaned, target, cleaned, nil
}

func (s *MemoryStore) Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	id, target, cleaned, err := s.id(bucket, key)
	if err != nil {
		return Object{}, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return Object{}, err
	}
	sum := checksum.NewFile()
	_, _ = sum.Write(data)
	obj := memoryObject{data: data, contentType: contentType, etag: hex.EncodeToString(sum.Sum(nil))[:32]}
	s.mu.Lock()
	s.objects[id] = obj
	s.mu.Unlock()
	return Object{Bucket: target, Key: cleaned, Size: int64(len(data)), ETag: obj.etag, ContentType: contentType}, nil
}

func (s *MemoryStore) Stat(ctx context.Context, bucket, key string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	id, target, cleaned, err := s.id(bucket, key)
	if err != nil {
		return Object{}, err
	}
	s.mu.RLock()
	obj, ok := s.objects[id]
	s.mu.RUnlock()
	if !ok {
		return Object{}, ErrNotFound
	}
	return Object{Bucket: target, Key: cleaned, Size: int64(len(obj.data)), ETag: obj.etag, ContentType: obj.contentType}, nil
}

func (s *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, _, _, err := s.id(bucket, key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.objects, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PublicURL(bucket, key string) string {
	_, target, cleaned, err := s.id(bucket, key)
	if err != nil {
		return ""
	}
	return joinURL(s.publicBaseURL, target, cleaned)
}

// Bytes returns a copy of a stored object.
func (s *MemoryStore) Bytes(bucket, key string) ([]byte, bool) {
	id, _, _, err := s.id(bucket, key)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Len reports how many objects are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
