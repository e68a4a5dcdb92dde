package chunkstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	metaFileName    = "meta.json"
	chunkFilePrefix = "chunk-"
	chunkFileSuffix = ".part"
)

// FSStore stages sessions on local disk, one directory per session holding
// meta.json and zero-padded chunk-NNNNNN.part files. Locks are per process,
// so a directory must not be shared by several servers.
type FSStore struct {
	root        string
	compression Compression
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// FSOption customises an FSStore.
type FSOption func(*FSStore)

// WithCompression selects the codec used for newly written chunks.
func WithCompression(c Compression) FSOption {
	return func(s *FSStore) {
		s.compression = c
	}
}

// NewFSStore creates root if needed and returns a store rooted there.
func NewFSStore(root string, opts ...FSOption) (*FSStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("chunkstore: filesystem root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	store := &FSStore{
		root:  root,
		now:   time.Now,
		locks: make(map[string]*sync.RWMutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

func (s *FSStore) sessionLock(sessionID string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.RWMutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

func (s *FSStore) sessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

func (s *FSStore) metaPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), metaFileName)
}

func (s *FSStore) chunkPath(sessionID string, index int) string {
	return filepath.Join(s.sessionDir(sessionID), fmt.Sprintf("%s%06d%s", chunkFilePrefix, index, chunkFileSuffix))
}

func (s *FSStore) CreateOrGet(ctx context.Context, meta Metadata) (Metadata, bool, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, false, err
	}
	prepared, err := prepareMetadata(meta, s.now())
	if err != nil {
		return Metadata{}, false, err
	}
	lock := s.sessionLock(meta.SessionID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.readMeta(meta.SessionID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Metadata{}, false, err
	}
	if err := s.writeMeta(prepared); err != nil {
		return Metadata{}, false, err
	}
	return prepared, true, nil
}

func (s *FSStore) GetMetadata(ctx context.Context, sessionID string) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}
	if !ValidSessionID(sessionID) {
		return Metadata{}, ErrNotFound
	}
	lock := s.sessionLock(sessionID)
	lock.RLock()
	defer lock.RUnlock()
	return s.readMeta(sessionID)
}

func (s *FSStore) PutMetadata(ctx context.Context, meta Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidSessionID(meta.SessionID) {
		return fmt.Errorf("%w: session id %q", ErrInvalidChunk, meta.SessionID)
	}
	lock := s.sessionLock(meta.SessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.writeMeta(meta)
}

// Put holds the session read lock so chunk writes run in parallel with each
// other but never overlap a lease change.
func (s *FSStore) Put(ctx context.Context, sessionID string, index int, data []byte) (ChunkRecord, error) {
	if err := ctx.Err(); err != nil {
		return ChunkRecord{}, err
	}
	if err := validateChunk(sessionID, index, data); err != nil {
		return ChunkRecord{}, err
	}
	lock := s.sessionLock(sessionID)
	lock.RLock()
	defer lock.RUnlock()

	meta, err := s.readMeta(sessionID)
	if err != nil {
		return ChunkRecord{}, err
	}
	if err := writable(meta); err != nil {
		return ChunkRecord{}, err
	}
	now := s.now()
	record := newRecord(sessionID, index, data, now)
	encoded, err := encodePart(record, data, s.compression)
	if err != nil {
		return ChunkRecord{}, err
	}
	if err := writeFileAtomic(s.chunkPath(sessionID, index), encoded); err != nil {
		return ChunkRecord{}, fmt.Errorf("write chunk %d: %w", index, err)
	}
	// The meta file mtime doubles as the session's last-write time.
	_ = os.Chtimes(s.metaPath(sessionID), now, now)
	return record, nil
}

func (s *FSStore) Get(ctx context.Context, sessionID string, index int) ([]byte, ChunkRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, ChunkRecord{}, err
	}
	if !ValidSessionID(sessionID) {
		return nil, ChunkRecord{}, ErrNotFound
	}
	raw, err := os.ReadFile(s.chunkPath(sessionID, index))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ChunkRecord{}, ErrNotFound
		}
		return nil, ChunkRecord{}, fmt.Errorf("read chunk %d: %w", index, err)
	}
	return decodePart(sessionID, index, raw)
}

func (s *FSStore) ListChunks(ctx context.Context, sessionID string) ([]ChunkRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidSessionID(sessionID) {
		return nil, ErrNotFound
	}
	if _, err := s.readMeta(sessionID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.sessionDir(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	records := make([]ChunkRecord, 0, len(entries))
	for _, entry := range entries {
		index, ok := parseChunkFileName(entry.Name())
		if !ok {
			continue
		}
		record, err := s.readRecord(sessionID, index)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		records = append(records, record)
	}
	sortRecords(records)
	return records, nil
}

func (s *FSStore) readRecord(sessionID string, index int) (ChunkRecord, error) {
	file, err := os.Open(s.chunkPath(sessionID, index))
	if err != nil {
		return ChunkRecord{}, err
	}
	defer file.Close()
	header := make([]byte, partHeaderSize)
	if _, err := io.ReadFull(file, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ChunkRecord{}, fmt.Errorf("%w: chunk %d of session %s: truncated header", ErrCorruptChunk, index, sessionID)
		}
		return ChunkRecord{}, fmt.Errorf("read chunk %d header: %w", index, err)
	}
	record, _, err := decodePartHeader(sessionID, index, header)
	return record, err
}

func (s *FSStore) AcquireLease(ctx context.Context, sessionID, token string) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}
	if !ValidSessionID(sessionID) {
		return Metadata{}, ErrNotFound
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	meta, err := s.readMeta(sessionID)
	if err != nil {
		return Metadata{}, err
	}
	if err := leaseable(meta); err != nil {
		return Metadata{}, err
	}
	meta = acquired(meta, token, s.now())
	if err := s.writeMeta(meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func (s *FSStore) ReleaseLease(ctx context.Context, sessionID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidSessionID(sessionID) {
		return ErrNotFound
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	meta, err := s.readMeta(sessionID)
	if err != nil {
		return err
	}
	meta, err = released(meta, token, s.now())
	if err != nil {
		return err
	}
	return s.writeMeta(meta)
}

func (s *FSStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidSessionID(sessionID) {
		return ErrNotFound
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	meta, err := s.readMeta(sessionID)
	if err != nil {
		return err
	}
	if meta.State == StateClosed {
		return nil
	}
	// Write the tombstone first so a crash mid-cleanup still rejects writes.
	if err := s.writeMeta(tombstone(meta, s.now())); err != nil {
		return err
	}
	entries, err := os.ReadDir(s.sessionDir(sessionID))
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == metaFileName {
			continue
		}
		if err := os.Remove(filepath.Join(s.sessionDir(sessionID), entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (s *FSStore) ListSessions(ctx context.Context) ([]Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions := make([]Metadata, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !ValidSessionID(entry.Name()) {
			continue
		}
		meta, err := s.readMeta(entry.Name())
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, meta)
	}
	sortSessions(sessions)
	return sessions, nil
}

func (s *FSStore) PurgeIdle(ctx context.Context, sessionID string, rule PurgeRule) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !ValidSessionID(sessionID) {
		return false, ErrNotFound
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	meta, err := s.readMeta(sessionID)
	if err != nil {
		return false, err
	}
	if !rule.Allows(meta) {
		return false, nil
	}
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return false, fmt.Errorf("purge session: %w", err)
	}
	s.mu.Lock()
	delete(s.locks, sessionID)
	s.mu.Unlock()
	return true, nil
}

func (s *FSStore) Close() error {
	return nil
}

func (s *FSStore) readMeta(sessionID string) (Metadata, error) {
	path := s.metaPath(sessionID)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, fmt.Errorf("read session metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decode session metadata: %w", err)
	}
	if info, err := os.Stat(path); err == nil && info.ModTime().After(meta.UpdatedAt) {
		meta.UpdatedAt = info.ModTime().UTC()
	}
	return meta, nil
}

func (s *FSStore) writeMeta(meta Metadata) error {
	if err := os.MkdirAll(s.sessionDir(meta.SessionID), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}
	if err := writeFileAtomic(s.metaPath(meta.SessionID), encoded); err != nil {
		return fmt.Errorf("write session metadata: %w", err)
	}
	return nil
}

func parseChunkFileName(name string) (int, bool) {
	if !strings.HasPrefix(name, chunkFilePrefix) || !strings.HasSuffix(name, chunkFileSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, chunkFilePrefix), chunkFileSuffix)
	index, err := strconv.Atoi(digits)
	if err != nil || index < 1 {
		return 0, false
	}
	return index, true
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	success = true
	return nil
}
