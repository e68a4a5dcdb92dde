package uploadclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"learnhub/internal/checksum"
	"learnhub/internal/chunkstore"
	"learnhub/internal/retry"
)

const (
	DefaultChunkSize    int64 = 4 << 20
	DefaultMinChunkSize int64 = 256 << 10
	DefaultChunkTimeout       = 30 * time.Second

	finalizeBaseTimeout = 2 * time.Minute
	finalizeMaxTimeout  = 30 * time.Minute
	// assumedThroughput is the server-side assembly and store rate, bytes/s.
	assumedThroughput = 1 << 20
)

const (
	StageStatus   = "status"
	StageChunk    = "chunk"
	StageFinalize = "finalize"
)

// UploadError reports which stage of an upload failed for good.
type UploadError struct {
	Stage      string
	ChunkIndex int
	SessionID  string
	Err        error
}

func (e *UploadError) Error() string {
	switch e.Stage {
	case StageChunk:
		return fmt.Sprintf("upload chunk %d of session %s: %v", e.ChunkIndex, e.SessionID, e.Err)
	default:
		return fmt.Sprintf("%s session %s: %v", e.Stage, e.SessionID, e.Err)
	}
}

func (e *UploadError) Unwrap() error { return e.Err }

// FinalizeTimeout grows with the file size since the server reassembles and
// uploads the whole file inside the finalize call.
func FinalizeTimeout(size int64) time.Duration {
	if size <= 0 {
		return finalizeBaseTimeout
	}
	extra := size / assumedThroughput
	if extra >= int64((finalizeMaxTimeout-finalizeBaseTimeout)/time.Second) {
		return finalizeMaxTimeout
	}
	timeout := finalizeBaseTimeout + time.Duration(extra)*time.Second
	timeout += time.Duration(size%assumedThroughput) * time.Second / assumedThroughput
	return min(timeout, finalizeMaxTimeout)
}

// Progress is reported after every acknowledged chunk.
type Progress struct {
	SessionID   string
	ChunkIndex  int
	TotalChunks int
	BytesSent   int64
	TotalBytes  int64
	ChunkSize   int64
	Restarts    int
}

type Config struct {
	Transport    Transport
	ChunkSize    int64
	MinChunkSize int64
	// Retry applies to every chunk, status and finalize call. MaxAttempts
	// zero selects retry.Default.
	Retry           retry.Policy
	ChunkTimeout    time.Duration
	FinalizeTimeout func(size int64) time.Duration
	NewSessionID    func() string
	Progress        func(Progress)
	Logger          *slog.Logger
}

type Driver struct {
	transport       Transport
	chunkSize       int64
	minChunkSize    int64
	retry           retry.Policy
	chunkTimeout    time.Duration
	finalizeTimeout func(int64) time.Duration
	newSessionID    func() string
	progress        func(Progress)
	logger          *slog.Logger
}

func New(cfg Config) (*Driver, error) {
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	d := &Driver{
		transport:       cfg.Transport,
		chunkSize:       cfg.ChunkSize,
		minChunkSize:    cfg.MinChunkSize,
		retry:           cfg.Retry,
		chunkTimeout:    cfg.ChunkTimeout,
		finalizeTimeout: cfg.FinalizeTimeout,
		newSessionID:    cfg.NewSessionID,
		progress:        cfg.Progress,
		logger:          cfg.Logger,
	}
	if d.chunkSize <= 0 {
		d.chunkSize = DefaultChunkSize
	}
	if d.minChunkSize <= 0 {
		d.minChunkSize = min(DefaultMinChunkSize, d.chunkSize)
	}
	if d.minChunkSize > d.chunkSize {
		return nil, fmt.Errorf("minimum chunk size %d exceeds chunk size %d", d.minChunkSize, d.chunkSize)
	}
	if d.retry.MaxAttempts <= 0 {
		policy := retry.Default()
		policy.Sleep = d.retry.Sleep
		policy.OnRetry = d.retry.OnRetry
		policy.Retryable = d.retry.Retryable
		d.retry = policy
	}
	if d.chunkTimeout <= 0 {
		d.chunkTimeout = DefaultChunkTimeout
	}
	if d.finalizeTimeout == nil {
		d.finalizeTimeout = FinalizeTimeout
	}
	if d.newSessionID == nil {
		d.newSessionID = uuid.NewString
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d, nil
}

// defaultMimeType is sent when the caller cannot name the content type; the
// server requires one on every chunk.
const defaultMimeType = "application/octet-stream"

// File is the source of an upload.
type File struct {
	Reader   io.ReaderAt
	Size     int64
	Name     string
	MimeType string
	FileType string
}

type Options struct {
	Descriptor Descriptor
	// ResumeSessionID continues an existing session, sending only the
	// chunks the server reports missing. The driver's chunk size must match
	// the one the session was started with.
	ResumeSessionID string
}

type Result struct {
	SessionID   string
	ChunkSize   int64
	TotalChunks int
	Restarts    int
	// Abandoned lists sessions left unfinalized by chunk size downgrades.
	Abandoned []string
	Finalize  FinalizeResponse
}

// Upload sends file chunk by chunk and finalizes it. A chunk rejected as too
// large, or timing out on every attempt, abandons the session and restarts
// from chunk 1 with half the chunk size under a new session id.
func (d *Driver) Upload(ctx context.Context, file File, opts Options) (*Result, error) {
	if file.Reader == nil {
		return nil, errors.New("file reader is required")
	}
	if file.Size <= 0 {
		return nil, errors.New("file is empty")
	}
	if strings.TrimSpace(file.Name) == "" || strings.TrimSpace(file.FileType) == "" {
		return nil, errors.New("file name and file type are required")
	}
	if strings.TrimSpace(file.MimeType) == "" {
		file.MimeType = defaultMimeType
	}

	result := &Result{ChunkSize: d.chunkSize}
	sessionID := strings.TrimSpace(opts.ResumeSessionID)
	var received map[int]bool
	var resumedBytes int64
	if sessionID != "" {
		status, err := d.resumeStatus(ctx, sessionID, file)
		if err != nil {
			return nil, err
		}
		received = receivedSet(status)
		resumedBytes = status.ReceivedBytes
	} else {
		sessionID = d.newSessionID()
	}

	for {
		result.SessionID = sessionID
		err := d.sendChunks(ctx, file, result, received, resumedBytes)
		if err == nil {
			break
		}
		var uploadErr *UploadError
		if !errors.As(err, &uploadErr) || uploadErr.Stage != StageChunk || !d.shouldShrink(ctx, uploadErr.Err) || result.ChunkSize <= d.minChunkSize {
			return result, err
		}
		next := max(result.ChunkSize/2, d.minChunkSize)
		d.logger.Warn("chunk rejected, restarting upload with smaller chunks",
			"session_id", sessionID,
			"chunk_index", uploadErr.ChunkIndex,
			"chunk_size", result.ChunkSize,
			"next_chunk_size", next,
			"error", uploadErr.Err)
		result.Abandoned = append(result.Abandoned, sessionID)
		result.ChunkSize = next
		result.Restarts++
		sessionID = d.newSessionID()
		received, resumedBytes = nil, 0
	}

	resp, err := d.finalize(ctx, file, sessionID, opts.Descriptor)
	if err != nil {
		return result, err
	}
	result.Finalize = resp
	return result, nil
}

func (d *Driver) shouldShrink(ctx context.Context, err error) bool {
	return IsPayloadTooLarge(err) || isTimeout(ctx, err)
}

func (d *Driver) resumeStatus(ctx context.Context, sessionID string, file File) (SessionStatus, error) {
	var status SessionStatus
	err := d.call(ctx, d.chunkTimeout, func(ctx context.Context) error {
		var err error
		status, err = d.transport.Status(ctx, sessionID)
		return err
	})
	if err != nil {
		return SessionStatus{}, &UploadError{Stage: StageStatus, SessionID: sessionID, Err: err}
	}
	if status.State != string(chunkstore.StateOpen) {
		return SessionStatus{}, &UploadError{Stage: StageStatus, SessionID: sessionID, Err: fmt.Errorf("session is %s", status.State)}
	}
	if status.FileSize != file.Size || status.TotalChunks != ChunkCount(file.Size, d.chunkSize) {
		return SessionStatus{}, &UploadError{Stage: StageStatus, SessionID: sessionID, Err: fmt.Errorf(
			"session expects %d bytes in %d chunks, local file has %d bytes in %d chunks",
			status.FileSize, status.TotalChunks, file.Size, ChunkCount(file.Size, d.chunkSize))}
	}
	return status, nil
}

func receivedSet(status SessionStatus) map[int]bool {
	missing := make(map[int]bool, len(status.Missing))
	for _, index := range status.Missing {
		missing[index] = true
	}
	received := make(map[int]bool, status.TotalChunks)
	for index := 1; index <= status.TotalChunks; index++ {
		if !missing[index] {
			received[index] = true
		}
	}
	return received
}

func (d *Driver) sendChunks(ctx context.Context, file File, result *Result, received map[int]bool, sent int64) error {
	ranges, err := Split(file.Size, result.ChunkSize)
	if err != nil {
		return err
	}
	result.TotalChunks = len(ranges)
	for _, r := range ranges {
		if received[r.Index] {
			continue
		}
		data, err := readRange(file.Reader, r)
		if err != nil {
			return err
		}
		req := ChunkRequest{
			SessionID:   result.SessionID,
			Index:       r.Index,
			TotalChunks: len(ranges),
			FileName:    file.Name,
			FileType:    file.FileType,
			MimeType:    file.MimeType,
			FileSize:    file.Size,
			Checksum:    checksum.Chunk(data),
			Data:        data,
		}
		err = d.call(ctx, d.chunkTimeout, func(ctx context.Context) error {
			_, err := d.transport.SendChunk(ctx, req)
			return err
		})
		if err != nil {
			return &UploadError{Stage: StageChunk, ChunkIndex: r.Index, SessionID: result.SessionID, Err: err}
		}
		sent += r.Length
		if d.progress != nil {
			d.progress(Progress{
				SessionID:   result.SessionID,
				ChunkIndex:  r.Index,
				TotalChunks: len(ranges),
				BytesSent:   sent,
				TotalBytes:  file.Size,
				ChunkSize:   result.ChunkSize,
				Restarts:    result.Restarts,
			})
		}
	}
	return nil
}

func (d *Driver) finalize(ctx context.Context, file File, sessionID string, descriptor Descriptor) (FinalizeResponse, error) {
	var resp FinalizeResponse
	err := d.call(ctx, d.finalizeTimeout(file.Size), func(ctx context.Context) error {
		var err error
		resp, err = d.transport.Finalize(ctx, FinalizeRequest{
			SessionID:  sessionID,
			FileType:   file.FileType,
			Descriptor: descriptor,
		})
		return err
	})
	if err != nil {
		return FinalizeResponse{}, &UploadError{Stage: StageFinalize, SessionID: sessionID, Err: err}
	}
	return resp, nil
}

// call runs fn under the retry policy with a fresh timeout per attempt.
// Only transient failures are retried, further narrowed by a configured
// Retryable.
func (d *Driver) call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	policy := d.retry
	narrow, observe := d.retry.Retryable, d.retry.OnRetry
	policy.Retryable = func(err error) bool {
		return retryable(ctx, err) && (narrow == nil || narrow(err))
	}
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		d.logger.Warn("upload call failed, retrying", "attempt", attempt, "delay", delay.String(), "error", err)
		if observe != nil {
			observe(attempt, delay, err)
		}
	}
	return policy.Do(ctx, func(ctx context.Context, _ int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(attemptCtx)
	})
}
