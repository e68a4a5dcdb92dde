package chunkstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. It backs tests and
// single-instance development servers.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	now      func() time.Time
}

type memorySession struct {
	meta   Metadata
	chunks map[int]memoryChunk
}

type memoryChunk struct {
	data   []byte
	record ChunkRecord
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateOrGet(ctx context.Context, meta Metadata) (Metadata, bool, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, false, err
	}
	prepared, err := prepareMetadata(meta, s.now())
	if err != nil {
		return Metadata{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[meta.SessionID]; ok {
		return existing.meta, false, nil
	}
	s.sessions[meta.SessionID] = &memorySession{meta: prepared, chunks: make(map[int]memoryChunk)}
	return prepared, true, nil
}

func (s *MemoryStore) GetMetadata(ctx context.Context, sessionID string) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return Metadata{}, ErrNotFound
	}
	return session.meta, nil
}

func (s *MemoryStore) PutMetadata(ctx context.Context, meta Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidSessionID(meta.SessionID) {
		return fmt.Errorf("%w: session id %q", ErrInvalidChunk, meta.SessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[meta.SessionID]
	if !ok {
		session = &memorySession{chunks: make(map[int]memoryChunk)}
		s.sessions[meta.SessionID] = session
	}
	session.meta = meta
	return nil
}

func (s *MemoryStore) Put(ctx context.Context, sessionID string, index int, data []byte) (ChunkRecord, error) {
	if err := ctx.Err(); err != nil {
		return ChunkRecord{}, err
	}
	if err := validateChunk(sessionID, index, data); err != nil {
		return ChunkRecord{}, err
	}
	now := s.now()
	record := newRecord(sessionID, index, data, now)
	copied := append([]byte(nil), data...)

	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return ChunkRecord{}, ErrNotFound
	}
	if err := writable(session.meta); err != nil {
		return ChunkRecord{}, err
	}
	session.chunks[index] = memoryChunk{data: copied, record: record}
	session.meta.UpdatedAt = now.UTC()
	return record, nil
}

func (s *MemoryStore) Get(ctx context.Context, sessionID string, index int) ([]byte, ChunkRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, ChunkRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ChunkRecord{}, ErrNotFound
	}
	chunk, ok := session.chunks[index]
	if !ok {
		return nil, ChunkRecord{}, ErrNotFound
	}
	return append([]byte(nil), chunk.data...), chunk.record, nil
}

func (s *MemoryStore) ListChunks(ctx context.Context, sessionID string) ([]ChunkRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	records := make([]ChunkRecord, 0, len(session.chunks))
	for _, chunk := range session.chunks {
		records = append(records, chunk.record)
	}
	sortRecords(records)
	return records, nil
}

func (s *MemoryStore) AcquireLease(ctx context.Context, sessionID, token string) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return Metadata{}, ErrNotFound
	}
	if err := leaseable(session.meta); err != nil {
		return Metadata{}, err
	}
	session.meta = acquired(session.meta, token, s.now())
	return session.meta, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, sessionID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	meta, err := released(session.meta, token, s.now())
	if err != nil {
		return err
	}
	session.meta = meta
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if session.meta.State == StateClosed {
		return nil
	}
	session.chunks = make(map[int]memoryChunk)
	session.meta = tombstone(session.meta, s.now())
	return nil
}

func (s *MemoryStore) ListSessions(ctx context.Context) ([]Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]Metadata, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session.meta)
	}
	sortSessions(sessions)
	return sessions, nil
}

func (s *MemoryStore) PurgeIdle(ctx context.Context, sessionID string, rule PurgeRule) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return false, ErrNotFound
	}
	if !rule.Allows(session.meta) {
		return false, nil
	}
	delete(s.sessions, sessionID)
	return true, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
