package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sony/gobreaker"
)

type memoryS3Server struct {
	mu       sync.Mutex
	objects  map[string]map[string][]byte
	requests []memoryS3Request
	// sizeSkew is added to the Content-Length reported by HEAD.
	sizeSkew int64
}

type memoryS3Request struct {
	Method        string
	Path          string
	Authorization string
}

func newMemoryS3Server(buckets ...string) *memoryS3Server {
	server := &memoryS3Server{objects: make(map[string]map[string][]byte)}
	for _, bucket := range buckets {
		server.objects[bucket] = make(map[string][]byte)
	}
	return server
}

func (m *memoryS3Server) getObject(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket][key]
	return append([]byte(nil), data...), ok
}

func (m *memoryS3Server) lastRequest() memoryS3Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return memoryS3Request{}
	}
	return m.requests[len(m.requests)-1]
}

func (m *memoryS3Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		_ = r.Body.Close()
	}()
	bucket, key, err := parseS3Path(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusInternalServerError)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, memoryS3Request{
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
	})
	bucketObjects, exists := m.objects[bucket]
	if !exists {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}
	switch r.Method {
	case http.MethodPut:
		bucketObjects[key] = append([]byte(nil), body...)
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, len(body)))
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		data, ok := bucketObjects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.FormatInt(int64(len(data))+m.sizeSkew, 10))
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, len(data)))
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(bucketObjects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}

func parseS3Path(path string) (string, string, error) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "", fmt.Errorf("missing bucket")
	}
	parts := strings.SplitN(trimmed, "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	return parts[0], key, nil
}

func newS3StoreForTest(t *testing.T, server *memoryS3Server, cfg S3Config) *S3Store {
	t.Helper()
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	cfg.Endpoint = ts.URL
	cfg.Region = "us-east-1"
	cfg.AccessKey = "AKIAEXAMPLE"
	cfg.SecretKey = "secretKeyExample"
	cfg.UsePathStyle = true
	store, err := NewS3Store(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	return store
}

func TestS3StorePutStatDelete(t *testing.T) {
	server := newMemoryS3Server("media")
	store := newS3StoreForTest(t, server, S3Config{
		Bucket:         "media",
		Prefix:         "uploads",
		PublicEndpoint: "https://cdn.example.com/content",
	})
	ctx := context.Background()
	payload := bytes.Repeat([]byte("video"), 2048)

	obj, err := store.Put(ctx, "", "lesson-video/user-1/abc-intro.mp4", bytes.NewReader(payload), "video/mp4")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if obj.Key != "uploads/lesson-video/user-1/abc-intro.mp4" {
		t.Fatalf("key = %q", obj.Key)
	}
	if obj.Size != int64(len(payload)) {
		t.Fatalf("size = %d, want %d", obj.Size, len(payload))
	}
	stored, ok := server.getObject("media", obj.Key)
	if !ok || !bytes.Equal(stored, payload) {
		t.Fatalf("object not stored intact")
	}
	if req := server.lastRequest(); req.Method != http.MethodPut || !strings.Contains(req.Authorization, "AKIAEXAMPLE") {
		t.Fatalf("unexpected upload request %+v", req)
	}

	stat, err := store.Stat(ctx, "", obj.Key)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if stat.Size != int64(len(payload)) {
		t.Fatalf("stat size = %d, want %d", stat.Size, len(payload))
	}

	if got := store.PublicURL("", obj.Key); got != "https://cdn.example.com/content/uploads/lesson-video/user-1/abc-intro.mp4" {
		t.Fatalf("PublicURL = %q", got)
	}

	if err := store.Delete(ctx, "", obj.Key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := server.getObject("media", obj.Key); ok {
		t.Fatalf("object still present after delete")
	}
	if _, err := store.Stat(ctx, "", obj.Key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stat after delete error = %v, want ErrNotFound", err)
	}
}

func TestS3StoreMissingBucketIsPermanent(t *testing.T) {
	server := newMemoryS3Server("media")
	store := newS3StoreForTest(t, server, S3Config{Bucket: "media"})
	_, err := store.Put(context.Background(), "other", "key.bin", bytes.NewReader([]byte("x")), "")
	if err == nil {
		t.Fatalf("expected error for missing bucket")
	}
	if IsRetryable(err) {
		t.Fatalf("NoSuchBucket should not be retryable: %v", err)
	}
}

func TestS3StorePublicURLFallbacks(t *testing.T) {
	store := newS3Store(S3Config{Bucket: "media", Region: "eu-west-1"}, nil, nil)
	if got := store.PublicURL("", "a/b.mp4"); got != "https://media.s3.eu-west-1.amazonaws.com/a/b.mp4" {
		t.Fatalf("PublicURL = %q", got)
	}
	store = newS3Store(S3Config{Bucket: "media", Endpoint: "http://minio:9000/"}, nil, nil)
	if got := store.PublicURL("", "/a/b.mp4"); got != "http://minio:9000/media/a/b.mp4" {
		t.Fatalf("PublicURL = %q", got)
	}
	if got := store.PublicURL("", "../etc/passwd"); got != "" {
		t.Fatalf("PublicURL for invalid key = %q, want empty", got)
	}
}

type failingUploader struct {
	calls int
	err   error
}

func (f *failingUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.calls++
	return nil, f.err
}

func TestS3StoreBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	uploader := &failingUploader{err: errors.New("connection reset")}
	store := newS3Store(S3Config{
		Bucket:  "media",
		Breaker: BreakerConfig{MaxFailures: 2, Timeout: time.Minute},
	}, nil, uploader)

	for i := 0; i < 2; i++ {
		_, err := store.Put(context.Background(), "", "k.bin", bytes.NewReader([]byte("x")), "")
		if err == nil || !IsRetryable(err) {
			t.Fatalf("attempt %d error = %v, want retryable failure", i+1, err)
		}
	}
	_, err := store.Put(context.Background(), "", "k.bin", bytes.NewReader([]byte("x")), "")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("error = %v, want open breaker", err)
	}
	if IsRetryable(err) {
		t.Fatalf("open breaker should not be retryable")
	}
	if uploader.calls != 2 {
		t.Fatalf("uploader calls = %d, want 2", uploader.calls)
	}
	if store.BreakerState() != "open" {
		t.Fatalf("breaker state = %q, want open", store.BreakerState())
	}
}
