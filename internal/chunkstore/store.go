// Package chunkstore persists staged upload chunks and the per-session
// metadata that describes them. Every backend implements Store and shares the
// session state machine: open -> finalizing -> closed, with finalizing able to
// fall back to open when a finalize attempt releases its lease.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"learnhub/internal/checksum"
)

var (
	ErrNotFound      = errors.New("chunkstore: not found")
	ErrSessionLocked = errors.New("chunkstore: session is being finalized")
	ErrSessionClosed = errors.New("chunkstore: session is closed")
	ErrLeaseMismatch = errors.New("chunkstore: lease token mismatch")
	ErrInvalidChunk  = errors.New("chunkstore: invalid chunk")
	// ErrCorruptChunk marks stored bytes that can no longer be decoded or
	// verified. Retrying the read does not help.
	ErrCorruptChunk = errors.New("chunkstore: corrupt chunk")
)

// State is the lifecycle stage of an upload session.
type State string

const (
	StateOpen       State = "open"
	StateFinalizing State = "finalizing"
	StateClosed     State = "closed"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidSessionID reports whether id is safe to use as a key or path segment.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Metadata describes one upload session.
type Metadata struct {
	SessionID   string    `json:"sessionId"`
	OwnerID     string    `json:"ownerId"`
	FileName    string    `json:"fileName"`
	FileType    string    `json:"fileType"`
	MimeType    string    `json:"mimeType"`
	FileSize    int64     `json:"fileSize"`
	TotalChunks int       `json:"totalChunks"`
	State       State     `json:"state"`
	LeaseToken  string    `json:"leaseToken,omitempty"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ChunkRecord describes one stored chunk. Size is the uncompressed length.
type ChunkRecord struct {
	SessionID string    `json:"sessionId"`
	Index     int       `json:"index"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	StoredAt  time.Time `json:"storedAt"`
}

// Store is the staging area shared by the chunk receiver and the finalizer.
// Distinct chunk indices of one session are independent keys and may be
// written concurrently.
type Store interface {
	// CreateOrGet creates the session in state open, or returns the stored
	// metadata untouched with created=false.
	CreateOrGet(ctx context.Context, meta Metadata) (Metadata, bool, error)
	GetMetadata(ctx context.Context, sessionID string) (Metadata, error)
	PutMetadata(ctx context.Context, meta Metadata) error

	// Put writes or overwrites one chunk. It fails with ErrSessionLocked
	// while the session is finalizing and ErrSessionClosed once closed.
	Put(ctx context.Context, sessionID string, index int, data []byte) (ChunkRecord, error)
	Get(ctx context.Context, sessionID string, index int) ([]byte, ChunkRecord, error)
	// ListChunks returns the stored chunk records ordered by index.
	ListChunks(ctx context.Context, sessionID string) ([]ChunkRecord, error)

	// AcquireLease moves an open session to finalizing under token.
	AcquireLease(ctx context.Context, sessionID, token string) (Metadata, error)
	// ReleaseLease moves a finalizing session held by token back to open.
	ReleaseLease(ctx context.Context, sessionID, token string) error

	// DeleteSession drops every chunk and leaves a closed tombstone.
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) ([]Metadata, error)
	// PurgeIdle removes everything stored for the session, tombstone
	// included, when rule still allows it at the time of the delete. The
	// check and the delete are atomic with respect to chunk writes and lease
	// changes. It reports false when the session no longer qualifies.
	PurgeIdle(ctx context.Context, sessionID string, rule PurgeRule) (bool, error)

	Close() error
}

// PurgeRule selects the sessions PurgeIdle may remove.
type PurgeRule struct {
	// IdleBefore admits open and closed sessions last written at or before it.
	IdleBefore time.Time
	// LeaseBefore admits finalizing sessions whose lease was taken at or
	// before it. Zero keeps every finalizing session.
	LeaseBefore time.Time
}

// Allows reports whether meta qualifies for purging.
func (r PurgeRule) Allows(meta Metadata) bool {
	if meta.State == StateFinalizing {
		return !r.LeaseBefore.IsZero() && !meta.UpdatedAt.After(r.LeaseBefore)
	}
	return !r.IdleBefore.IsZero() && !meta.UpdatedAt.After(r.IdleBefore)
}

// ListIndices returns the sorted chunk indices present for a session.
func ListIndices(ctx context.Context, store Store, sessionID string) ([]int, error) {
	records, err := store.ListChunks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	indices := make([]int, 0, len(records))
	for _, record := range records {
		indices = append(indices, record.Index)
	}
	return indices, nil
}

// MissingIndices reports which of 1..total are absent from records.
func MissingIndices(total int, records []ChunkRecord) []int {
	present := make(map[int]struct{}, len(records))
	for _, record := range records {
		present[record.Index] = struct{}{}
	}
	missing := make([]int, 0)
	for i := 1; i <= total; i++ {
		if _, ok := present[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// TotalSize sums the uncompressed lengths of records.
func TotalSize(records []ChunkRecord) int64 {
	var total int64
	for _, record := range records {
		total += record.Size
	}
	return total
}

// VerifyChunk checks data against the checksum captured when it was stored.
func VerifyChunk(record ChunkRecord, data []byte) error {
	if int64(len(data)) != record.Size {
		return fmt.Errorf("%w: chunk %d of session %s: size %d, want %d", ErrCorruptChunk, record.Index, record.SessionID, len(data), record.Size)
	}
	if record.Checksum != "" && !checksum.Equal(record.Checksum, checksum.Chunk(data)) {
		return fmt.Errorf("%w: chunk %d of session %s: checksum mismatch", ErrCorruptChunk, record.Index, record.SessionID)
	}
	return nil
}

func newRecord(sessionID string, index int, data []byte, now time.Time) ChunkRecord {
	return ChunkRecord{
		SessionID: sessionID,
		Index:     index,
		Size:      int64(len(data)),
		Checksum:  checksum.Chunk(data),
		StoredAt:  now.UTC(),
	}
}

func validateChunk(sessionID string, index int, data []byte) error {
	if !ValidSessionID(sessionID) {
		return fmt.Errorf("%w: session id %q", ErrInvalidChunk, sessionID)
	}
	if index < 1 {
		return fmt.Errorf("%w: index %d", ErrInvalidChunk, index)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty chunk", ErrInvalidChunk)
	}
	return nil
}

func prepareMetadata(meta Metadata, now time.Time) (Metadata, error) {
	if !ValidSessionID(meta.SessionID) {
		return Metadata{}, fmt.Errorf("%w: session id %q", ErrInvalidChunk, meta.SessionID)
	}
	now = now.UTC()
	meta.State = StateOpen
	meta.LeaseToken = ""
	meta.Version = 1
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now
	return meta, nil
}

// writable maps a session state onto the error a chunk write receives.
func writable(meta Metadata) error {
	switch meta.State {
	case StateFinalizing:
		return ErrSessionLocked
	case StateClosed:
		return ErrSessionClosed
	default:
		return nil
	}
}

func leaseable(meta Metadata) error {
	switch meta.State {
	case StateOpen:
		return nil
	case StateFinalizing:
		return ErrSessionLocked
	case StateClosed:
		return ErrSessionClosed
	default:
		return fmt.Errorf("chunkstore: unknown session state %q", meta.State)
	}
}

func acquired(meta Metadata, token string, now time.Time) Metadata {
	meta.State = StateFinalizing
	meta.LeaseToken = token
	meta.Version++
	meta.UpdatedAt = now.UTC()
	return meta
}

func released(meta Metadata, token string, now time.Time) (Metadata, error) {
	if meta.State != StateFinalizing || meta.LeaseToken != token {
		return Metadata{}, ErrLeaseMismatch
	}
	meta.State = StateOpen
	meta.LeaseToken = ""
	meta.Version++
	meta.UpdatedAt = now.UTC()
	return meta, nil
}

func tombstone(meta Metadata, now time.Time) Metadata {
	meta.State = StateClosed
	meta.LeaseToken = ""
	meta.Version++
	meta.UpdatedAt = now.UTC()
	return meta
}

func sortRecords(records []ChunkRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].Index < records[j].Index })
}

func sortSessions(sessions []Metadata) {
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].SessionID < sessions[j].SessionID })
}
