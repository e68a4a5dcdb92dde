package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	"learnhub/internal/checksum"
	"learnhub/internal/chunkstore"
	"learnhub/internal/objectstore"
	"learnhub/internal/observability/logging"
	"learnhub/internal/observability/metrics"
	"learnhub/internal/retry"
)

const testOwner = "user-1"

type recordingCreator struct {
	mu       sync.Mutex
	requests []RecordRequest
	err      error
	entered  chan struct{}
	release  chan struct{}
}

func (c *recordingCreator) CreateRecord(ctx context.Context, req RecordRequest) (any, error) {
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.release != nil {
		<-c.release
	}
	if c.err != nil {
		return nil, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return map[string]string{"id": "record-" + req.SessionID, "videoUrl": req.Artifact.PublicURL}, nil
}

func (c *recordingCreator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// flakyObjects fails the first putFailures uploads and can misreport sizes.
type flakyObjects struct {
	*objectstore.MemoryStore
	mu          sync.Mutex
	putFailures int
	putErr      error
	putCalls    int
	sizeSkew    int64
}

func (f *flakyObjects) Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) (objectstore.Object, error) {
	f.mu.Lock()
	f.putCalls++
	fail := f.putCalls <= f.putFailures
	f.mu.Unlock()
	if fail {
		_, _ = io.Copy(io.Discard, body)
		return objectstore.Object{}, f.putErr
	}
	return f.MemoryStore.Put(ctx, bucket, key, body, contentType)
}

func (f *flakyObjects) Stat(ctx context.Context, bucket, key string) (objectstore.Object, error) {
	obj, err := f.MemoryStore.Stat(ctx, bucket, key)
	if err != nil {
		return obj, err
	}
	obj.Size += f.sizeSkew
	return obj, nil
}

// faultyChunks injects chunk store failures into an otherwise healthy store.
type faultyChunks struct {
	*chunkstore.MemoryStore
	mu             sync.Mutex
	deleteFailures int
	deleteCalls    int
	corruptIndex   int
}

func (f *faultyChunks) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	f.deleteCalls++
	fail := f.deleteCalls <= f.deleteFailures
	f.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	return f.MemoryStore.DeleteSession(ctx, sessionID)
}

func (f *faultyChunks) Get(ctx context.Context, sessionID string, index int) ([]byte, chunkstore.ChunkRecord, error) {
	if index == f.corruptIndex {
		return nil, chunkstore.ChunkRecord{}, fmt.Errorf("%w: chunk %d of session %s: truncated header", chunkstore.ErrCorruptChunk, index, sessionID)
	}
	return f.MemoryStore.Get(ctx, sessionID, index)
}

type testEnv struct {
	service  *Service
	chunks   *chunkstore.MemoryStore
	objects  *flakyObjects
	lessons  *recordingCreator
	metrics  *metrics.Recorder
	maxChunk int64
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		chunks:  chunkstore.NewMemoryStore(),
		objects: &flakyObjects{MemoryStore: objectstore.NewMemoryStore("media", "https://cdn.test"), putErr: errors.New("connection reset")},
		lessons: &recordingCreator{},
		metrics: metrics.New(),
	}
	cfg := Config{
		Chunks:  env.chunks,
		Objects: env.objects,
		Records: map[string]RecordCreator{
			"lesson-video": env.lessons,
			"course-video": &recordingCreator{},
		},
		MaxChunkBytes: 1 << 20,
		StorageRetry: retry.Policy{
			MaxAttempts: 3,
			Backoff:     retry.Exponential(time.Millisecond, 0),
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
		Metrics: env.metrics,
		Logger:  logging.Discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	env.service = service
	env.maxChunk = service.MaxChunkBytes()
	return env
}

func randomBytes(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.New(rand.NewSource(int64(size))).Read(data); err != nil {
		t.Fatalf("random data: %v", err)
	}
	return data
}

func splitChunks(data []byte, size int) [][]byte {
	var chunks [][]byte
	for start := 0; start < len(data); start += size {
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

func chunkRequest(sessionID string, index int, chunks [][]byte, fileSize int) ChunkRequest {
	return ChunkRequest{
		OwnerID:     testOwner,
		SessionID:   sessionID,
		Index:       index,
		TotalChunks: len(chunks),
		FileName:    "Intro Lecture.mp4",
		FileType:    "lesson-video",
		MimeType:    "video/mp4",
		FileSize:    int64(fileSize),
		Data:        chunks[index-1],
	}
}

func (env *testEnv) sendAll(t *testing.T, sessionID string, chunks [][]byte, fileSize int, order ...int) {
	t.Helper()
	if len(order) == 0 {
		for i := range chunks {
			order = append(order, i+1)
		}
	}
	for _, index := range order {
		ack, err := env.service.ReceiveChunk(context.Background(), chunkRequest(sessionID, index, chunks, fileSize))
		if err != nil {
			t.Fatalf("ReceiveChunk(%d): %v", index, err)
		}
		if ack.Index != index || ack.TotalChunks != len(chunks) || ack.SessionID != sessionID {
			t.Fatalf("unexpected ack %+v", ack)
		}
	}
}

func finalizeRequest(sessionID string) FinalizeRequest {
	return FinalizeRequest{
		OwnerID:    testOwner,
		SessionID:  sessionID,
		FileType:   "lesson-video",
		Descriptor: Descriptor{CourseID: "course-1", Title: "Intro"},
	}
}

func TestOutOfOrderChunksReassembleExactly(t *testing.T) {
	env := newTestEnv(t, nil)
	data := randomBytes(t, 1_000_000)
	chunks := splitChunks(data, 262144)
	wantSizes := []int{262144, 262144, 262144, 213568}
	if len(chunks) != len(wantSizes) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(wantSizes))
	}
	for i, chunk := range chunks {
		if len(chunk) != wantSizes[i] {
			t.Fatalf("chunk %d size = %d, want %d", i+1, len(chunk), wantSizes[i])
		}
	}

	env.sendAll(t, "scenario-a", chunks, len(data), 2, 1, 4, 3)

	result, err := env.service.Finalize(context.Background(), finalizeRequest("scenario-a"))
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if result.Artifact.Size != 1_000_000 {
		t.Fatalf("artifact size = %d, want 1000000", result.Artifact.Size)
	}
	stored, ok := env.objects.Bytes("media", result.Artifact.ObjectKey)
	if !ok {
		t.Fatalf("object %s not stored", result.Artifact.ObjectKey)
	}
	if !bytes.Equal(stored, data) {
		t.Fatalf("stored artifact differs from source")
	}
	if result.Artifact.Checksum != checksum.File(data) {
		t.Fatalf("artifact checksum mismatch")
	}
	if want := "https://cdn.test/media/" + result.Artifact.ObjectKey; result.Artifact.PublicURL != want {
		t.Fatalf("public url = %q, want %q", result.Artifact.PublicURL, want)
	}
	if env.lessons.count() != 1 {
		t.Fatalf("records created = %d, want 1", env.lessons.count())
	}
	req := env.lessons.requests[0]
	if req.Descriptor.CourseID != "course-1" || req.OwnerID != testOwner || req.Artifact.FileName != "Intro Lecture.mp4" {
		t.Fatalf("unexpected record request %+v", req)
	}
	if got := env.metrics.FinalizeCounts()["success"]; got != 1 {
		t.Fatalf("finalize success count = %d, want 1", got)
	}
}

func TestFinalizeRejectsIncompleteSession(t *testing.T) {
	env := newTestEnv(t, nil)
	data := randomBytes(t, 4000)
	chunks := splitChunks(data, 1000)
	env.sendAll(t, "incomplete", chunks, len(data), 1, 2, 4)

	_, err := env.service.Finalize(context.Background(), finalizeRequest("incomplete"))
	var incomplete *IncompleteUploadError
	if !errors.As(err, &incomplete) {
		t.Fatalf("Finalize error = %v, want IncompleteUploadError", err)
	}
	if incomplete.Expected != 4 || incomplete.Received != 3 || len(incomplete.Missing) != 1 || incomplete.Missing[0] != 3 {
		t.Fatalf("unexpected incomplete error %+v", incomplete)
	}
	if incomplete.HTTPStatus() != http.StatusConflict || incomplete.ErrorCode() != CodeMissingChunks {
		t.Fatalf("unexpected classification %d %s", incomplete.HTTPStatus(), incomplete.ErrorCode())
	}
	if env.objects.Len() != 0 || env.lessons.count() != 0 {
		t.Fatalf("incomplete finalize must not store anything")
	}

	// The lease was released, so the client can fill the gap and retry.
	env.sendAll(t, "incomplete", chunks, len(data), 3)
	result, err := env.service.Finalize(context.Background(), finalizeRequest("incomplete"))
	if err != nil {
		t.Fatalf("Finalize after fill: %v", err)
	}
	stored, _ := env.objects.Bytes("media", result.Artifact.ObjectKey)
	if !bytes.Equal(stored, data) {
		t.Fatalf("stored artifact differs from source")
	}
}

func TestResendingChunkOverwritesOnlyThatIndex(t *testing.T) {
	env := newTestEnv(t, nil)
	data := randomBytes(t, 3000)
	chunks := splitChunks(data, 1000)
	env.sendAll(t, "overwrite", chunks, len(data))

	replacement := bytes.Repeat([]byte{0xAB}, 1000)
	req := chunkRequest("overwrite", 2, chunks, len(data))
	req.Data = replacement
	req.FileName = "renamed.mp4"
	if _, err := env.service.ReceiveChunk(context.Background(), req); err != nil {
		t.Fatalf("ReceiveChunk overwrite: %v", err)
	}

	meta, err := env.chunks.GetMetadata(context.Background(), "overwrite")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.TotalChunks != 3 || meta.FileName != "Intro Lecture.mp4" || meta.FileSize != 3000 {
		t.Fatalf("metadata changed by overwrite: %+v", meta)
	}

	result, err := env.service.Finalize(context.Background(), finalizeRequest("overwrite"))
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	want := append(append(append([]byte{}, chunks[0]...), replacement...), chunks[2]...)
	stored, _ := env.objects.Bytes("media", result.Artifact.ObjectKey)
	if !bytes.Equal(stored, want) {
		t.Fatalf("stored artifact does not reflect the overwritten chunk")
	}
}

func TestFinalizeCleansUpAndClosesSession(t *testing.T) {
	env := newTestEnv(t, nil)
	data := randomBytes(t, 2500)
	chunks := splitChunks(data, 1000)
	env.sendAll(t, "cleanup", chunks, len(data))

	if _, err := env.service.Finalize(context.Background(), finalizeRequest("cleanup")); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	records, err := env.chunks.ListChunks(context.Background(), "cleanup")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("chunks remain after finalize: %d", len(records))
	}

	_, err = env.service.Finalize(context.Background(), finalizeRequest("cleanup"))
	var notFound *SessionNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("second Finalize error = %v, want SessionNotFoundError", err)
	}

	_, err = env.service.ReceiveChunk(context.Background(), chunkRequest("cleanup", 1, chunks, len(data)))
	var closed *SessionClosedError
	if !errors.As(err, &closed) {
		t.Fatalf("late chunk error = %v, want SessionClosedError", err)
	}
	if closed.HTTPStatus() != http.StatusGone {
		t.Fatalf("closed status = %d, want 410", closed.HTTPStatus())
	}
	if env.lessons.count() != 1 {
		t.Fatalf("records created = %d, want 1", env.lessons.count())
	}
}

func TestFinalizeDetectsStoredSizeMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.objects.sizeSkew = -1
	data := randomBytes(t, 2048)
	chunks := splitChunks(data, 1024)
	env.sendAll(t, "integrity", chunks, len(data))

	_, err := env.service.Finalize(context.Background(), finalizeRequest("integrity"))
	var integrity *StorageIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("Finalize error = %v, want StorageIntegrityError", err)
	}
	if integrity.Expected != 2048 || integrity.Actual != 2047 {
		t.Fatalf("unexpected integrity error %+v", integrity)
	}
	if env.lessons.count() != 0 {
		t.Fatalf("record created despite integrity failure")
	}
	if env.objects.Len() != 0 {
		t.Fatalf("mismatched object was not deleted")
	}
	meta, err := env.chunks.GetMetadata(context.Background(), "integrity")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.State != chunkstore.StateOpen {
		t.Fatalf("state = %s, want open after failed finalize", meta.State)
	}
	if !IsTerminal(err) {
		t.Fatalf("integrity failures must be terminal")
	}
}

func TestFinalizeRetriesTransientObjectStoreFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	env.objects.putFailures = 2
	data := randomBytes(t, 1500)
	chunks := splitChunks(data, 1000)
	env.sendAll(t, "retry", chunks, len(data))

	result, err := env.service.Finalize(context.Background(), finalizeRequest("retry"))
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if env.objects.putCalls != 3 {
		t.Fatalf("put calls = %d, want 3", env.objects.putCalls)
	}
	stored, _ := env.objects.Bytes("media", result.Artifact.ObjectKey)
	if !bytes.Equal(stored, data) {
		t.Fatalf("retried upload stored wrong bytes")
	}
}

func TestFinalizeReportsExhaustedUploadRetries(t *testing.T) {
	env := newTestEnv(t, nil)
	env.objects.putFailures = 10
	data := randomBytes(t, 1500)
	chunks := splitChunks(data, 1000)
	env.sendAll(t, "exhausted", chunks, len(data))

	_, err := env.service.Finalize(context.Background(), finalizeRequest("exhausted"))
	var uploadErr *StorageUploadError
	if !errors.As(err, &uploadErr) {
		t.Fatalf("Finalize error = %v, want StorageUploadError", err)
	}
	if Code(err) != CodeStorageUploadFailed || uploadErr.HTTPStatus() != http.StatusBadGateway {
		t.Fatalf("unexpected classification %s", Code(err))
	}
	if env.objects.putCalls != 3 {
		t.Fatalf("put calls = %d, want 3", env.objects.putCalls)
	}

	env.objects.putFailures = 0
	env.objects.putCalls = 0
	if _, err := env.service.Finalize(context.Background(), finalizeRequest("exhausted")); err != nil {
		t.Fatalf("Finalize after recovery: %v", err)
	}
}

func TestFinalizeRecordFailureDeletesObject(t *testing.T) {
	env := newTestEnv(t, nil)
	env.lessons.err = &NotFoundError{Resource: "course", ID: "course-1"}
	data := randomBytes(t, 1200)
	chunks := splitChunks(data, 1000)
	env.sendAll(t, "record-fail", chunks, len(data))

	_, err := env.service.Finalize(context.Background(), finalizeRequest("record-fail"))
	if Code(err) != CodeNotFound {
		t.Fatalf("Finalize error = %v, want not-found", err)
	}
	if env.objects.Len() != 0 {
		t.Fatalf("object kept after record failure")
	}
	meta, _ := env.chunks.GetMetadata(context.Background(), "record-fail")
	if meta.State != chunkstore.StateOpen {
		t.Fatalf("state = %s, want open", meta.State)
	}

	env.lessons.err = errors.New("database unavailable")
	_, err = env.service.Finalize(context.Background(), finalizeRequest("record-fail"))
	if Code(err) != CodeTransientIO {
		t.Fatalf("Finalize error = %v, want transient-io", err)
	}
}

func TestFinalizeHoldsLeaseAgainstWritesAndSecondFinalize(t *testing.T) {
	env := newTestEnv(t, nil)
	env.lessons.entered = make(chan struct{}, 1)
	env.lessons.release = make(chan struct{})
	data := randomBytes(t, 2000)
	chunks := splitChunks(data, 1000)
	env.sendAll(t, "leased", chunks, len(data))

	done := make(chan error, 1)
	go func() {
		_, err := env.service.Finalize(context.Background(), finalizeRequest("leased"))
		done <- err
	}()
	select {
	case <-env.lessons.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("finalize did not reach record creation")
	}

	_, err := env.service.ReceiveChunk(context.Background(), chunkRequest("leased", 1, chunks, len(data)))
	var busy *SessionBusyError
	if !errors.As(err, &busy) {
		t.Fatalf("chunk during finalize error = %v, want SessionBusyError", err)
	}
	_, err = env.service.Finalize(context.Background(), finalizeRequest("leased"))
	if !errors.As(err, &busy) {
		t.Fatalf("second finalize error = %v, want SessionBusyError", err)
	}
	if busy.HTTPStatus() != http.StatusConflict || busy.ErrorCode() != CodeFinalizeInProgress {
		t.Fatalf("unexpected busy classification")
	}

	close(env.lessons.release)
	if err := <-done; err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	if env.lessons.count() != 1 {
		t.Fatalf("records created = %d, want 1", env.lessons.count())
	}
}

func TestConcurrentFinalizeCreatesOneRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	data := randomBytes(t, 5000)
	chunks := splitChunks(data, 1000)
	env.sendAll(t, "race", chunks, len(data))

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.service.Finalize(context.Background(), finalizeRequest("race"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	successes := 0
	for err := range errs {
		switch Code(err) {
		case "":
			if err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			successes++
		case CodeFinalizeInProgress, CodeSessionNotFound:
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if successes != 1 || env.lessons.count() != 1 || env.objects.Len() != 1 {
		t.Fatalf("successes=%d records=%d objects=%d, want 1 each", successes, env.lessons.count(), env.objects.Len())
	}
}

func TestReceiveChunkValidation(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxChunkBytes = 64 })
	data := randomBytes(t, 128)
	chunks := splitChunks(data, 64)
	base := chunkRequest("validation", 1, chunks, len(data))
	if _, err := env.service.ReceiveChunk(context.Background(), base); err != nil {
		t.Fatalf("ReceiveChunk: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*ChunkRequest)
		code   string
		status int
	}{
		{"missing owner", func(r *ChunkRequest) { r.OwnerID = "" }, CodeUnauthorized, http.StatusUnauthorized},
		{"missing session", func(r *ChunkRequest) { r.SessionID = "" }, CodeValidation, http.StatusBadRequest},
		{"unsafe session", func(r *ChunkRequest) { r.SessionID = "../x" }, CodeValidation, http.StatusBadRequest},
		{"zero index", func(r *ChunkRequest) { r.Index = 0 }, CodeValidation, http.StatusBadRequest},
		{"index past total", func(r *ChunkRequest) { r.Index = 3 }, CodeValidation, http.StatusBadRequest},
		{"missing total", func(r *ChunkRequest) { r.TotalChunks = 0 }, CodeValidation, http.StatusBadRequest},
		{"unknown type", func(r *ChunkRequest) { r.FileType = "avatar" }, CodeValidation, http.StatusBadRequest},
		{"missing mime type", func(r *ChunkRequest) { r.MimeType = " " }, CodeValidation, http.StatusBadRequest},
		{"empty chunk", func(r *ChunkRequest) { r.Data = nil }, CodeValidation, http.StatusBadRequest},
		{"oversized chunk", func(r *ChunkRequest) { r.Data = make([]byte, 65) }, CodePayloadTooLarge, http.StatusRequestEntityTooLarge},
		{"bad hash", func(r *ChunkRequest) { r.ChunkHash = "zz" }, CodeValidation, http.StatusBadRequest},
		{"hash mismatch", func(r *ChunkRequest) { r.ChunkHash = checksum.Chunk([]byte("other")) }, CodeChecksumMismatch, http.StatusBadRequest},
		{"total changed", func(r *ChunkRequest) { r.TotalChunks = 3 }, CodeValidation, http.StatusBadRequest},
		{"size changed", func(r *ChunkRequest) { r.FileSize = 129 }, CodeValidation, http.StatusBadRequest},
		{"type changed", func(r *ChunkRequest) { r.FileType = "course-video" }, CodeValidation, http.StatusBadRequest},
		{"other owner", func(r *ChunkRequest) { r.OwnerID = "user-2" }, CodeForbidden, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			_, err := env.service.ReceiveChunk(context.Background(), req)
			var coded CodedError
			if !errors.As(err, &coded) {
				t.Fatalf("error = %v, want coded error", err)
			}
			if coded.ErrorCode() != tc.code || coded.HTTPStatus() != tc.status {
				t.Fatalf("got %s/%d, want %s/%d (%v)", coded.ErrorCode(), coded.HTTPStatus(), tc.code, tc.status, err)
			}
		})
	}
	if !IsPayloadTooLarge(&ValidationError{Code: CodePayloadTooLarge}) {
		t.Fatalf("IsPayloadTooLarge should match payload-too-large")
	}

	withHash := base
	withHash.Index = 2
	withHash.Data = chunks[1]
	withHash.ChunkHash = checksum.Chunk(chunks[1])
	if _, err := env.service.ReceiveChunk(context.Background(), withHash); err != nil {
		t.Fatalf("ReceiveChunk with matching hash: %v", err)
	}
}

func TestFinalizeChecksOwnerAndDeclaredSize(t *testing.T) {
	env := newTestEnv(t, nil)
	data := randomBytes(t, 2000)
	chunks := splitChunks(data, 1000)
	env.sendAll(t, "owned", chunks, len(data))

	req := finalizeRequest("owned")
	req.OwnerID = "intruder"
	if _, err := env.service.Finalize(context.Background(), req); Code(err) != CodeForbidden {
		t.Fatalf("Finalize by other user error = %v, want forbidden", err)
	}
	req = finalizeRequest("owned")
	req.FileType = "course-video"
	if _, err := env.service.Finalize(context.Background(), req); Code(err) != CodeValidation {
		t.Fatalf("Finalize with wrong type error = %v, want validation-failed", err)
	}
	if _, err := env.service.Finalize(context.Background(), finalizeRequest("missing")); Code(err) != CodeSessionNotFound {
		t.Fatalf("Finalize unknown session error = %v, want session-not-found", err)
	}

	// Chunks that do not add up to the declared size are rejected.
	short := chunkRequest("short", 1, [][]byte{data[:500], data[500:1000]}, 1500)
	short.TotalChunks = 2
	if _, err := env.service.ReceiveChunk(context.Background(), short); err != nil {
		t.Fatalf("ReceiveChunk: %v", err)
	}
	short.Index = 2
	short.Data = data[500:1000]
	if _, err := env.service.ReceiveChunk(context.Background(), short); err != nil {
		t.Fatalf("ReceiveChunk: %v", err)
	}
	if _, err := env.service.Finalize(context.Background(), finalizeRequest("short")); Code(err) != CodeSizeMismatch {
		t.Fatalf("Finalize short session error = %v, want size-mismatch", err)
	}
}

func TestStatusAndAbort(t *testing.T) {
	env := newTestEnv(t, nil)
	data := randomBytes(t, 5000)
	chunks := splitChunks(data, 1000)
	env.sendAll(t, "resume", chunks, len(data), 1, 2, 5)

	status, err := env.service.Status(context.Background(), testOwner, "resume")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != chunkstore.StateOpen || status.ReceivedChunks != 3 || status.ReceivedBytes != 3000 {
		t.Fatalf("unexpected status %+v", status)
	}
	if fmt.Sprint(status.Missing) != "[3 4]" {
		t.Fatalf("missing = %v, want [3 4]", status.Missing)
	}
	if _, err := env.service.Status(context.Background(), "user-2", "resume"); Code(err) != CodeForbidden {
		t.Fatalf("Status by other user error = %v, want forbidden", err)
	}
	if err := env.service.Abort(context.Background(), "user-2", "resume"); Code(err) != CodeForbidden {
		t.Fatalf("Abort by other user error = %v, want forbidden", err)
	}

	if err := env.service.Abort(context.Background(), testOwner, "resume"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if err := env.service.Abort(context.Background(), testOwner, "resume"); err != nil {
		t.Fatalf("second Abort: %v", err)
	}
	status, err = env.service.Status(context.Background(), testOwner, "resume")
	if err != nil {
		t.Fatalf("Status after abort: %v", err)
	}
	if status.State != chunkstore.StateClosed || status.ReceivedChunks != 0 || len(status.Missing) != 0 {
		t.Fatalf("unexpected status after abort %+v", status)
	}
	if _, err := env.service.ReceiveChunk(context.Background(), chunkRequest("resume", 3, chunks, len(data))); Code(err) != CodeSessionClosed {
		t.Fatalf("chunk after abort error = %v, want session-closed", err)
	}
	if _, err := env.service.Status(context.Background(), testOwner, "unknown"); Code(err) != CodeSessionNotFound {
		t.Fatalf("Status unknown error = %v, want session-not-found", err)
	}
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	if _, err := NewService(Config{}); err == nil {
		t.Fatalf("expected error without stores")
	}
	_, err := NewService(Config{Chunks: chunkstore.NewMemoryStore(), Objects: objectstore.NewMemoryStore("", "")})
	if err == nil {
		t.Fatalf("expected error without record creators")
	}
	svc, err := NewService(Config{
		Chunks:  chunkstore.NewMemoryStore(),
		Objects: objectstore.NewMemoryStore("", ""),
		Records: map[string]RecordCreator{" Course-Video ": RecordCreatorFunc(func(context.Context, RecordRequest) (any, error) { return nil, nil })},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.MaxChunkBytes() != DefaultMaxChunkBytes {
		t.Fatalf("max chunk = %d, want %d", svc.MaxChunkBytes(), DefaultMaxChunkBytes)
	}
	if types := svc.FileTypes(); len(types) != 1 || types[0] != "course-video" {
		t.Fatalf("file types = %v", types)
	}
}

func TestFinalizeRetriesSessionClose(t *testing.T) {
	var faulty *faultyChunks
	env := newTestEnv(t, func(cfg *Config) {
		faulty = &faultyChunks{MemoryStore: cfg.Chunks.(*chunkstore.MemoryStore), deleteFailures: 2}
		cfg.Chunks = faulty
	})
	data := randomBytes(t, 1500)
	chunks := splitChunks(data, 1000)
	env.sendAll(t, "close-retry", chunks, len(data))

	if _, err := env.service.Finalize(context.Background(), finalizeRequest("close-retry")); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if faulty.deleteCalls != 3 {
		t.Fatalf("DeleteSession calls = %d, want 3", faulty.deleteCalls)
	}
	meta, err := env.chunks.GetMetadata(context.Background(), "close-retry")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.State != chunkstore.StateClosed {
		t.Fatalf("state = %s, want closed", meta.State)
	}
}

func TestFinalizeReportsCorruptChunkAsIntegrityFailure(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Chunks = &faultyChunks{MemoryStore: cfg.Chunks.(*chunkstore.MemoryStore), corruptIndex: 2}
	})
	data := randomBytes(t, 3000)
	chunks := splitChunks(data, 1000)
	env.sendAll(t, "corrupt", chunks, len(data))

	_, err := env.service.Finalize(context.Background(), finalizeRequest("corrupt"))
	var integrity *StorageIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("Finalize error = %v, want StorageIntegrityError", err)
	}
	if integrity.ErrorCode() != CodeStorageIntegrity || !IsTerminal(err) {
		t.Fatalf("unexpected integrity error %+v", integrity)
	}
	if env.lessons.count() != 0 || env.objects.Len() != 0 {
		t.Fatalf("corrupt session must not produce an object or record")
	}
	meta, err := env.chunks.GetMetadata(context.Background(), "corrupt")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.State != chunkstore.StateOpen {
		t.Fatalf("state = %s, want open after failed finalize", meta.State)
	}
}
