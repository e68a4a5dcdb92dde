// Package upload implements the server side of the resumable chunked upload
// protocol: chunk intake, finalize, status and abort over a chunk store and
// an object store.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"learnhub/internal/checksum"
	"learnhub/internal/chunkstore"
	"learnhub/internal/objectstore"
	"learnhub/internal/observability/logging"
	"learnhub/internal/observability/metrics"
	"learnhub/internal/retry"
)

const (
	DefaultMaxChunkBytes       = 8 << 20
	defaultFinalizeParallelism = 4
	cleanupTimeout             = 15 * time.Second
)

// Descriptor carries the display fields of the record a finalize creates.
type Descriptor struct {
	CourseID    string `json:"courseId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Position    int    `json:"position,omitempty"`
}

// Artifact is the durable object produced by a successful finalize.
type Artifact struct {
	ObjectKey   string `json:"objectKey"`
	PublicURL   string `json:"publicUrl"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	ETag        string `json:"etag,omitempty"`
	Checksum    string `json:"checksum"`
	FileName    string `json:"fileName"`
}

// RecordRequest is handed to the RecordCreator registered for a file type.
type RecordRequest struct {
	FileType   string
	OwnerID    string
	SessionID  string
	Descriptor Descriptor
	Artifact   Artifact
}

// RecordCreator creates the domain record that owns a finalized artifact.
type RecordCreator interface {
	CreateRecord(ctx context.Context, req RecordRequest) (any, error)
}

// RecordValidator is optionally implemented by a RecordCreator to reject a
// finalize before any bytes are assembled. Artifact is empty at that point.
type RecordValidator interface {
	ValidateRecord(ctx context.Context, req RecordRequest) error
}

// RecordCreatorFunc adapts a function to RecordCreator.
type RecordCreatorFunc func(ctx context.Context, req RecordRequest) (any, error)

func (f RecordCreatorFunc) CreateRecord(ctx context.Context, req RecordRequest) (any, error) {
	return f(ctx, req)
}

type Config struct {
	Chunks  chunkstore.Store
	Objects objectstore.Store
	// Records maps each accepted file type to the creator of its record.
	Records map[string]RecordCreator
	Bucket  string
	// MaxChunkBytes bounds one chunk. Defaults to 8 MiB.
	MaxChunkBytes int64
	// FinalizeParallelism bounds concurrent chunk reads during reassembly.
	FinalizeParallelism int
	// StorageRetry governs object store uploads. Retryable defaults to
	// objectstore.IsRetryable.
	StorageRetry retry.Policy
	Metrics      *metrics.Recorder
	Logger       *slog.Logger
	NewID        func() string
}

// Service coordinates chunk intake and finalize. It holds no per-session
// state; everything shared lives in the chunk store.
type Service struct {
	chunks      chunkstore.Store
	objects     objectstore.Store
	records     map[string]RecordCreator
	bucket      string
	maxChunk    int64
	parallelism int
	retry       retry.Policy
	metrics     *metrics.Recorder
	logger      *slog.Logger
	newID       func() string
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Chunks == nil {
		return nil, errors.New("upload: chunk store is required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("upload: object store is required")
	}
	if len(cfg.Records) == 0 {
		return nil, errors.New("upload: at least one record creator is required")
	}
	s := &Service{
		chunks:      cfg.Chunks,
		objects:     cfg.Objects,
		records:     make(map[string]RecordCreator, len(cfg.Records)),
		bucket:      strings.TrimSpace(cfg.Bucket),
		maxChunk:    cfg.MaxChunkBytes,
		parallelism: cfg.FinalizeParallelism,
		retry:       cfg.StorageRetry,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		newID:       cfg.NewID,
	}
	for fileType, creator := range cfg.Records {
		if creator == nil {
			return nil, fmt.Errorf("upload: record creator for %q is nil", fileType)
		}
		s.records[strings.ToLower(strings.TrimSpace(fileType))] = creator
	}
	if s.maxChunk <= 0 {
		s.maxChunk = DefaultMaxChunkBytes
	}
	if s.parallelism <= 0 {
		s.parallelism = defaultFinalizeParallelism
	}
	if s.retry.MaxAttempts <= 0 {
		s.retry.MaxAttempts = retry.DefaultAttempts
	}
	if s.retry.Backoff == nil {
		s.retry.Backoff = retry.Exponential(retry.DefaultBaseDelay, retry.DefaultMaxDelay)
	}
	if s.retry.Retryable == nil {
		s.retry.Retryable = objectstore.IsRetryable
	}
	if s.metrics == nil {
		s.metrics = metrics.Default()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = logging.WithComponent(s.logger, "uploads")
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s, nil
}

// MaxChunkBytes is the largest chunk ReceiveChunk accepts.
func (s *Service) MaxChunkBytes() int64 {
	return s.maxChunk
}

// FileTypes lists the accepted file types in sorted order.
func (s *Service) FileTypes() []string {
	types := make([]string, 0, len(s.records))
	for fileType := range s.records {
		types = append(types, fileType)
	}
	sort.Strings(types)
	return types
}

func (s *Service) creator(fileType string) (RecordCreator, string, error) {
	normalized := strings.ToLower(strings.TrimSpace(fileType))
	if normalized == "" {
		return nil, "", invalid("fileType", "fileType is required")
	}
	creator, ok := s.records[normalized]
	if !ok {
		return nil, "", invalid("fileType", "unsupported fileType %q, expected one of %s", fileType, strings.Join(s.FileTypes(), ", "))
	}
	return creator, normalized, nil
}

// ChunkRequest is one chunk upload. The descriptive fields create the session
// on first write and must agree with it afterwards.
type ChunkRequest struct {
	OwnerID     string
	SessionID   string
	Index       int
	TotalChunks int
	FileName    string
	FileType    string
	MimeType    string
	FileSize    int64
	// ChunkHash is an optional hex BLAKE3 chunk digest supplied by the client.
	ChunkHash string
	Data      []byte
}

type ChunkAck struct {
	SessionID   string `json:"sessionId"`
	Index       int    `json:"chunkNumber"`
	TotalChunks int    `json:"totalChunks"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	Created     bool   `json:"created"`
}

func (s *Service) validateChunk(req ChunkRequest) (string, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return "", &AuthError{}
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return "", invalid("sessionId", "sessionId is required")
	}
	if !chunkstore.ValidSessionID(req.SessionID) {
		return "", invalid("sessionId", "sessionId must match [A-Za-z0-9_-]{1,128}")
	}
	if req.TotalChunks < 1 {
		return "", invalid("totalChunks", "totalChunks must be at least 1")
	}
	if req.Index < 1 || req.Index > req.TotalChunks {
		return "", invalid("chunkNumber", "chunkNumber must be between 1 and %d", req.TotalChunks)
	}
	if req.FileSize < 1 {
		return "", invalid("fileSize", "fileSize must be at least 1")
	}
	if strings.TrimSpace(req.FileName) == "" {
		return "", invalid("fileName", "fileName is required")
	}
	if strings.TrimSpace(req.MimeType) == "" {
		return "", invalid("mimeType", "mimeType is required")
	}
	_, fileType, err := s.creator(req.FileType)
	if err != nil {
		return "", err
	}
	if len(req.Data) == 0 {
		return "", invalid("chunk", "chunk is required")
	}
	if int64(len(req.Data)) > s.maxChunk {
		return "", &ValidationError{
			Code:    CodePayloadTooLarge,
			Field:   "chunk",
			Message: fmt.Sprintf("chunk of %d bytes exceeds the %d byte limit", len(req.Data), s.maxChunk),
		}
	}
	if int64(len(req.Data)) > req.FileSize {
		return "", invalid("chunk", "chunk is larger than the declared fileSize")
	}
	if hash := strings.TrimSpace(req.ChunkHash); hash != "" {
		if !checksum.Valid(hash) {
			return "", invalid("chunkHash", "chunkHash must be a hex encoded BLAKE3 digest")
		}
		if !checksum.Equal(hash, checksum.Chunk(req.Data)) {
			return "", &ValidationError{Code: CodeChecksumMismatch, Field: "chunkHash", Message: "chunk does not match chunkHash"}
		}
	}
	return fileType, nil
}

// ReceiveChunk stores one chunk, creating the session on first contact.
// Re-sending an index overwrites it.
func (s *Service) ReceiveChunk(ctx context.Context, req ChunkRequest) (ChunkAck, error) {
	fileType, err := s.validateChunk(req)
	if err != nil {
		s.metrics.ObserveChunk("rejected", 0)
		return ChunkAck{}, err
	}
	ctx = logging.ContextWithSessionID(ctx, req.SessionID)
	logger := logging.FromContext(ctx, s.logger)

	meta, created, err := s.chunks.CreateOrGet(ctx, chunkstore.Metadata{
		SessionID:   req.SessionID,
		OwnerID:     req.OwnerID,
		FileName:    strings.TrimSpace(req.FileName),
		FileType:    fileType,
		MimeType:    strings.TrimSpace(req.MimeType),
		FileSize:    req.FileSize,
		TotalChunks: req.TotalChunks,
	})
	if err != nil {
		s.metrics.ObserveChunk("failed", 0)
		return ChunkAck{}, s.storeError("create session", req.SessionID, err)
	}
	if created {
		logger.Info("upload session created", "owner_id", req.OwnerID, "file_type", fileType, "file_size", req.FileSize, "total_chunks", req.TotalChunks)
	} else if err := s.checkExisting(logger, meta, req, fileType); err != nil {
		s.metrics.ObserveChunk("rejected", 0)
		return ChunkAck{}, err
	}

	record, err := s.chunks.Put(ctx, req.SessionID, req.Index, req.Data)
	if err != nil {
		s.metrics.ObserveChunk("failed", 0)
		return ChunkAck{}, s.storeError("store chunk", req.SessionID, err)
	}
	s.metrics.ObserveChunk("stored", len(req.Data))
	logger.Debug("chunk stored", "chunk_index", req.Index, "total_chunks", req.TotalChunks, "bytes", record.Size)
	return ChunkAck{
		SessionID:   req.SessionID,
		Index:       req.Index,
		TotalChunks: meta.TotalChunks,
		Size:        record.Size,
		Checksum:    record.Checksum,
		Created:     created,
	}, nil
}

func (s *Service) checkExisting(logger *slog.Logger, meta chunkstore.Metadata, req ChunkRequest, fileType string) error {
	if meta.OwnerID != req.OwnerID {
		return &ForbiddenError{Message: "upload session belongs to another user"}
	}
	switch meta.State {
	case chunkstore.StateClosed:
		return &SessionClosedError{SessionID: meta.SessionID}
	case chunkstore.StateFinalizing:
		return &SessionBusyError{SessionID: meta.SessionID}
	}
	if meta.TotalChunks != req.TotalChunks {
		return invalid("totalChunks", "totalChunks %d does not match the session's %d", req.TotalChunks, meta.TotalChunks)
	}
	if meta.FileSize != req.FileSize {
		return invalid("fileSize", "fileSize %d does not match the session's %d", req.FileSize, meta.FileSize)
	}
	if meta.FileType != fileType {
		return invalid("fileType", "fileType %q does not match the session's %q", fileType, meta.FileType)
	}
	if meta.FileName != strings.TrimSpace(req.FileName) || meta.MimeType != strings.TrimSpace(req.MimeType) {
		logger.Warn("chunk metadata differs from session, keeping stored values",
			"chunk_index", req.Index,
			"file_name", req.FileName,
			"stored_file_name", meta.FileName,
			"mime_type", req.MimeType,
			"stored_mime_type", meta.MimeType)
	}
	return nil
}

// storeError maps chunk store sentinels onto the upload taxonomy.
func (s *Service) storeError(op, sessionID string, err error) error {
	switch {
	case errors.Is(err, chunkstore.ErrNotFound):
		return &SessionNotFoundError{SessionID: sessionID}
	case errors.Is(err, chunkstore.ErrSessionLocked):
		return &SessionBusyError{SessionID: sessionID}
	case errors.Is(err, chunkstore.ErrSessionClosed):
		return &SessionClosedError{SessionID: sessionID}
	case errors.Is(err, chunkstore.ErrInvalidChunk):
		return &ValidationError{Message: err.Error()}
	case errors.Is(err, chunkstore.ErrCorruptChunk):
		return &StorageIntegrityError{Key: sessionID, Reason: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &TransientIOError{Op: op, Err: err}
	}
}

// FinalizeRequest asks for a session to be assembled and committed.
type FinalizeRequest struct {
	OwnerID   string
	SessionID string
	// FileType, when set, must match the session.
	FileType   string
	Descriptor Descriptor
}

type FinalizeResult struct {
	SessionID string   `json:"sessionId"`
	FileType  string   `json:"fileType"`
	Artifact  Artifact `json:"artifact"`
	Record    any      `json:"record"`
}

// Finalize verifies that every chunk of the session is present, assembles
// them in index order, uploads the result, checks the stored size, creates
// the domain record and closes the session. The session lease is held
// throughout; any failure before the record exists releases it so the
// client may retry.
func (s *Service) Finalize(ctx context.Context, req FinalizeRequest) (result *FinalizeResult, err error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, &AuthError{}
	}
	if !chunkstore.ValidSessionID(req.SessionID) {
		return nil, invalid("sessionId", "sessionId is required and must match [A-Za-z0-9_-]{1,128}")
	}
	ctx = logging.ContextWithSessionID(ctx, req.SessionID)
	logger := logging.FromContext(ctx, s.logger)

	start := time.Now()
	s.metrics.FinalizeStarted()
	defer func() {
		outcome, size := "success", int64(0)
		if err != nil {
			outcome = Code(err)
			if outcome == "" {
				outcome = "error"
			}
		} else {
			size = result.Artifact.Size
		}
		s.metrics.FinalizeFinished(outcome, size, time.Since(start))
	}()

	meta, err := s.chunks.GetMetadata(ctx, req.SessionID)
	if err != nil {
		return nil, s.storeError("load session", req.SessionID, err)
	}
	if meta.State == chunkstore.StateClosed {
		return nil, &SessionNotFoundError{SessionID: req.SessionID}
	}
	if meta.OwnerID != req.OwnerID {
		return nil, &ForbiddenError{Message: "upload session belongs to another user"}
	}
	if strings.TrimSpace(req.FileType) != "" && !strings.EqualFold(strings.TrimSpace(req.FileType), meta.FileType) {
		return nil, invalid("fileType", "fileType %q does not match the session's %q", req.FileType, meta.FileType)
	}
	creator, _, err := s.creator(meta.FileType)
	if err != nil {
		return nil, err
	}

	token := s.newID()
	meta, err = s.chunks.AcquireLease(ctx, req.SessionID, token)
	if err != nil {
		if errors.Is(err, chunkstore.ErrSessionClosed) {
			return nil, &SessionNotFoundError{SessionID: req.SessionID}
		}
		return nil, s.storeError("acquire lease", req.SessionID, err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if releaseErr := s.chunks.ReleaseLease(cleanupCtx, req.SessionID, token); releaseErr != nil {
			logger.Error("failed to release upload session lease", "error", releaseErr)
		}
	}()

	records, err := s.chunks.ListChunks(ctx, req.SessionID)
	if err != nil {
		return nil, s.storeError("list chunks", req.SessionID, err)
	}
	missing := chunkstore.MissingIndices(meta.TotalChunks, records)
	if len(missing) > 0 || len(records) != meta.TotalChunks {
		return nil, &IncompleteUploadError{
			SessionID: req.SessionID,
			Expected:  meta.TotalChunks,
			Received:  len(records),
			Missing:   missing,
		}
	}
	if total := chunkstore.TotalSize(records); total != meta.FileSize {
		return nil, &ValidationError{
			Code:    CodeSizeMismatch,
			Field:   "fileSize",
			Message: fmt.Sprintf("received %d bytes but the session declared %d", total, meta.FileSize),
		}
	}

	recordReq := RecordRequest{
		FileType:   meta.FileType,
		OwnerID:    meta.OwnerID,
		SessionID:  meta.SessionID,
		Descriptor: req.Descriptor,
	}
	if validator, ok := creator.(RecordValidator); ok {
		if err := validator.ValidateRecord(ctx, recordReq); err != nil {
			return nil, recordError(err)
		}
	}

	buf, err := s.assemble(ctx, meta, records)
	if err != nil {
		return nil, err
	}
	sum := checksum.File(buf)

	key := ObjectKey(meta.FileType, meta.OwnerID, s.newID(), meta.FileName)
	obj, err := s.putObject(ctx, logger, key, buf, meta.MimeType)
	if err != nil {
		return nil, err
	}
	stored, err := s.objects.Stat(ctx, s.bucket, obj.Key)
	if err != nil {
		s.discardObject(ctx, logger, obj.Key)
		return nil, &StorageUploadError{Key: obj.Key, Err: fmt.Errorf("verify stored object: %w", err)}
	}
	if stored.Size != int64(len(buf)) {
		s.discardObject(ctx, logger, obj.Key)
		logger.Error("stored object size mismatch", "object_key", obj.Key, "expected", len(buf), "actual", stored.Size)
		return nil, &StorageIntegrityError{Key: obj.Key, Expected: int64(len(buf)), Actual: stored.Size}
	}

	recordReq.Artifact = Artifact{
		ObjectKey:   obj.Key,
		PublicURL:   s.objects.PublicURL(s.bucket, obj.Key),
		Size:        stored.Size,
		ContentType: meta.MimeType,
		ETag:        obj.ETag,
		Checksum:    sum,
		FileName:    meta.FileName,
	}
	record, err := creator.CreateRecord(ctx, recordReq)
	if err != nil {
		s.discardObject(ctx, logger, obj.Key)
		return nil, recordError(err)
	}
	committed = true

	s.closeSession(ctx, logger, req.SessionID)
	logger.Info("upload finalized",
		"owner_id", meta.OwnerID,
		"file_type", meta.FileType,
		"object_key", obj.Key,
		"bytes", stored.Size,
		"duration_ms", time.Since(start).Milliseconds())

	return &FinalizeResult{
		SessionID: meta.SessionID,
		FileType:  meta.FileType,
		Artifact:  recordReq.Artifact,
		Record:    record,
	}, nil
}

// assemble reads every chunk into a buffer of the declared size. Offsets are
// derived from the records so reads may complete in any order.
func (s *Service) assemble(ctx context.Context, meta chunkstore.Metadata, records []chunkstore.ChunkRecord) ([]byte, error) {
	buf := make([]byte, meta.FileSize)
	offsets := make([]int64, len(records))
	var offset int64
	for i, record := range records {
		offsets[i] = offset
		offset += record.Size
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.parallelism)
	for i, record := range records {
		i, record := i, record
		group.Go(func() error {
			data, _, err := s.chunks.Get(groupCtx, meta.SessionID, record.Index)
			if err != nil {
				return s.storeError(fmt.Sprintf("read chunk %d", record.Index), meta.SessionID, err)
			}
			if err := chunkstore.VerifyChunk(record, data); err != nil {
				return &StorageIntegrityError{Key: meta.SessionID, Reason: err.Error()}
			}
			copy(buf[offsets[i]:offsets[i]+record.Size], data)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Service) putObject(ctx context.Context, logger *slog.Logger, key string, buf []byte, mimeType string) (objectstore.Object, error) {
	policy := s.retry
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.metrics.ObserveStorageRetry("put")
		logger.Warn("retrying object upload", "object_key", key, "attempt", attempt, "delay_ms", delay.Milliseconds(), "error", err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}
	var obj objectstore.Object
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		var putErr error
		obj, putErr = s.objects.Put(ctx, s.bucket, key, bytes.NewReader(buf), mimeType)
		return putErr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return objectstore.Object{}, err
		}
		return objectstore.Object{}, &StorageUploadError{Key: key, Err: err}
	}
	return obj, nil
}

// closeSession drops the staged chunks of a committed session. The record
// already exists, so failures are retried and then logged; a session left
// finalizing is purged by the reaper once its lease goes stale.
func (s *Service) closeSession(ctx context.Context, logger *slog.Logger, sessionID string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	policy := s.retry
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, chunkstore.ErrNotFound) && !errors.Is(err, context.DeadlineExceeded)
	}
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn("retrying upload session close", "attempt", attempt, "delay_ms", delay.Milliseconds(), "error", err)
	}
	err := policy.Do(cleanupCtx, func(ctx context.Context, attempt int) error {
		return s.chunks.DeleteSession(ctx, sessionID)
	})
	if err != nil {
		logger.Error("failed to delete finalized upload session", "error", err)
	}
}

func (s *Service) discardObject(ctx context.Context, logger *slog.Logger, key string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.objects.Delete(cleanupCtx, s.bucket, key); err != nil {
		logger.Error("failed to delete orphaned object", "object_key", key, "error", err)
	}
}

func recordError(err error) error {
	var coded CodedError
	if errors.As(err, &coded) || errors.Is(err, context.Canceled) {
		return err
	}
	return &TransientIOError{Op: "create record", Err: err}
}

// SessionStatus lets a client resume a session by sending only what is
// missing.
type SessionStatus struct {
	SessionID      string           `json:"sessionId"`
	State          chunkstore.State `json:"state"`
	FileName       string           `json:"fileName"`
	FileType       string           `json:"fileType"`
	FileSize       int64            `json:"fileSize"`
	TotalChunks    int              `json:"totalChunks"`
	ReceivedChunks int              `json:"receivedChunks"`
	ReceivedBytes  int64            `json:"receivedBytes"`
	Missing        []int            `json:"missing"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

func (s *Service) Status(ctx context.Context, ownerID, sessionID string) (SessionStatus, error) {
	meta, err := s.ownedSession(ctx, ownerID, sessionID)
	if err != nil {
		return SessionStatus{}, err
	}
	records, err := s.chunks.ListChunks(ctx, sessionID)
	if err != nil {
		return SessionStatus{}, s.storeError("list chunks", sessionID, err)
	}
	status := SessionStatus{
		SessionID:      meta.SessionID,
		State:          meta.State,
		FileName:       meta.FileName,
		FileType:       meta.FileType,
		FileSize:       meta.FileSize,
		TotalChunks:    meta.TotalChunks,
		ReceivedChunks: len(records),
		ReceivedBytes:  chunkstore.TotalSize(records),
		Missing:        []int{},
		UpdatedAt:      meta.UpdatedAt,
	}
	if meta.State != chunkstore.StateClosed {
		status.Missing = chunkstore.MissingIndices(meta.TotalChunks, records)
	}
	return status, nil
}

// Abort drops a session's staged chunks. Aborting a closed session is a
// no-op; aborting during finalize is refused.
func (s *Service) Abort(ctx context.Context, ownerID, sessionID string) error {
	meta, err := s.ownedSession(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	switch meta.State {
	case chunkstore.StateClosed:
		return nil
	case chunkstore.StateFinalizing:
		return &SessionBusyError{SessionID: sessionID}
	}
	if err := s.chunks.DeleteSession(ctx, sessionID); err != nil {
		return s.storeError("delete session", sessionID, err)
	}
	logging.FromContext(logging.ContextWithSessionID(ctx, sessionID), s.logger).Info("upload session aborted", "owner_id", ownerID)
	return nil
}

func (s *Service) ownedSession(ctx context.Context, ownerID, sessionID string) (chunkstore.Metadata, error) {
	if strings.TrimSpace(ownerID) == "" {
		return chunkstore.Metadata{}, &AuthError{}
	}
	if !chunkstore.ValidSessionID(sessionID) {
		return chunkstore.Metadata{}, invalid("sessionId", "sessionId must match [A-Za-z0-9_-]{1,128}")
	}
	meta, err := s.chunks.GetMetadata(ctx, sessionID)
	if err != nil {
		return chunkstore.Metadata{}, s.storeError("load session", sessionID, err)
	}
	if meta.OwnerID != ownerID {
		return chunkstore.Metadata{}, &ForbiddenError{Message: "upload session belongs to another user"}
	}
	return meta, nil
}
