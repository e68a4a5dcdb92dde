package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore stages sessions in the upload_sessions and upload_chunks
// tables. Chunk writes hold FOR SHARE on the session row so a lease change
// waits for in-flight writes and later writes observe the new state.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	now     func() time.Time
	owned   bool
}

// PostgresOption customises a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithQueryTimeout bounds every statement issued by the store.
func WithQueryTimeout(timeout time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		s.timeout = timeout
	}
}

// NewPostgresStore opens a dedicated pool for the staging tables.
func NewPostgresStore(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres chunk store dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres chunk store config: %w", err)
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = make(map[string]string)
	}
	if cfg.ConnConfig.RuntimeParams["application_name"] == "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = "learnhub-chunkstore"
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres chunk store pool: %w", err)
	}
	store := NewPostgresStoreFromPool(pool, opts...)
	store.owned = true
	return store, nil
}

// NewPostgresStoreFromPool reuses an existing pool. The caller keeps
// ownership of the pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresStore {
	store := &PostgresStore{pool: pool, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

const sessionColumns = `session_id, owner_id, file_name, file_type, mime_type, file_size, total_chunks,
	state, lease_token, version, created_at, updated_at`

// Chunk writes never update the session row, so the last write time is
// derived from the newest chunk.
const sessionSelect = `SELECT s.session_id, s.owner_id, s.file_name, s.file_type, s.mime_type, s.file_size,
	s.total_chunks, s.state, s.lease_token, s.version, s.created_at,
	GREATEST(s.updated_at, COALESCE((SELECT MAX(c.stored_at) FROM upload_chunks c WHERE c.session_id = s.session_id), s.updated_at))
FROM upload_sessions s`

func scanMetadata(row pgx.Row) (Metadata, error) {
	var (
		meta  Metadata
		state string
	)
	if err := row.Scan(&meta.SessionID, &meta.OwnerID, &meta.FileName, &meta.FileType, &meta.MimeType,
		&meta.FileSize, &meta.TotalChunks, &state, &meta.LeaseToken, &meta.Version, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
		if isNoRows(err) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, err
	}
	meta.State = State(state)
	meta.CreatedAt = meta.CreatedAt.UTC()
	meta.UpdatedAt = meta.UpdatedAt.UTC()
	return meta, nil
}

func (s *PostgresStore) CreateOrGet(ctx context.Context, meta Metadata) (Metadata, bool, error) {
	prepared, err := prepareMetadata(meta, s.now())
	if err != nil {
		return Metadata{}, false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.pool.QueryRow(ctx, `
INSERT INTO upload_sessions (`+sessionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (session_id) DO NOTHING
RETURNING `+sessionColumns,
		prepared.SessionID, prepared.OwnerID, prepared.FileName, prepared.FileType, prepared.MimeType,
		prepared.FileSize, prepared.TotalChunks, string(prepared.State), prepared.LeaseToken, prepared.Version,
		prepared.CreatedAt, prepared.UpdatedAt)
	created, err := scanMetadata(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Metadata{}, false, fmt.Errorf("create upload session: %w", err)
	}
	existing, err := scanMetadata(s.pool.QueryRow(ctx, sessionSelect+` WHERE s.session_id = $1`, meta.SessionID))
	if err != nil {
		return Metadata{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) GetMetadata(ctx context.Context, sessionID string) (Metadata, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return scanMetadata(s.pool.QueryRow(ctx, sessionSelect+` WHERE s.session_id = $1`, sessionID))
}

func (s *PostgresStore) PutMetadata(ctx context.Context, meta Metadata) error {
	if !ValidSessionID(meta.SessionID) {
		return fmt.Errorf("%w: session id %q", ErrInvalidChunk, meta.SessionID)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
INSERT INTO upload_sessions (`+sessionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (session_id) DO UPDATE SET
	owner_id = EXCLUDED.owner_id,
	file_name = EXCLUDED.file_name,
	file_type = EXCLUDED.file_type,
	mime_type = EXCLUDED.mime_type,
	file_size = EXCLUDED.file_size,
	total_chunks = EXCLUDED.total_chunks,
	state = EXCLUDED.state,
	lease_token = EXCLUDED.lease_token,
	version = EXCLUDED.version,
	created_at = EXCLUDED.created_at,
	updated_at = EXCLUDED.updated_at`,
		meta.SessionID, meta.OwnerID, meta.FileName, meta.FileType, meta.MimeType, meta.FileSize,
		meta.TotalChunks, string(meta.State), meta.LeaseToken, meta.Version, meta.CreatedAt.UTC(), meta.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put upload session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, sessionID string, index int, data []byte) (ChunkRecord, error) {
	if err := validateChunk(sessionID, index, data); err != nil {
		return ChunkRecord{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	record := newRecord(sessionID, index, data, s.now())

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var state string
		if err := tx.QueryRow(ctx, `SELECT state FROM upload_sessions WHERE session_id = $1 FOR SHARE`, sessionID).Scan(&state); err != nil {
			if isNoRows(err) {
				return ErrNotFound
			}
			return err
		}
		if err := writable(Metadata{State: State(state)}); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
INSERT INTO upload_chunks (session_id, chunk_index, data, size, checksum, stored_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id, chunk_index) DO UPDATE SET
	data = EXCLUDED.data,
	size = EXCLUDED.size,
	checksum = EXCLUDED.checksum,
	stored_at = EXCLUDED.stored_at`,
			sessionID, index, data, record.Size, record.Checksum, record.StoredAt)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrSessionLocked) || errors.Is(err, ErrSessionClosed) {
			return ChunkRecord{}, err
		}
		return ChunkRecord{}, fmt.Errorf("put chunk %d: %w", index, err)
	}
	return record, nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string, index int) ([]byte, ChunkRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	record := ChunkRecord{SessionID: sessionID, Index: index}
	var data []byte
	err := s.pool.QueryRow(ctx, `
SELECT data, size, checksum, stored_at
FROM upload_chunks
WHERE session_id = $1 AND chunk_index = $2`, sessionID, index).Scan(&data, &record.Size, &record.Checksum, &record.StoredAt)
	if err != nil {
		if isNoRows(err) {
			return nil, ChunkRecord{}, ErrNotFound
		}
		return nil, ChunkRecord{}, fmt.Errorf("get chunk %d: %w", index, err)
	}
	record.StoredAt = record.StoredAt.UTC()
	return data, record, nil
}

func (s *PostgresStore) ListChunks(ctx context.Context, sessionID string) ([]ChunkRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM upload_sessions WHERE session_id = $1)`, sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lookup upload session: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	rows, err := s.pool.Query(ctx, `
SELECT chunk_index, size, checksum, stored_at
FROM upload_chunks
WHERE session_id = $1
ORDER BY chunk_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()
	records := make([]ChunkRecord, 0)
	for rows.Next() {
		record := ChunkRecord{SessionID: sessionID}
		if err := rows.Scan(&record.Index, &record.Size, &record.Checksum, &record.StoredAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		record.StoredAt = record.StoredAt.UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) AcquireLease(ctx context.Context, sessionID, token string) (Metadata, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.pool.QueryRow(ctx, `
UPDATE upload_sessions
SET state = 'finalizing', lease_token = $2, version = version + 1, updated_at = $3
WHERE session_id = $1 AND state = 'open'
RETURNING `+sessionColumns, sessionID, token, s.now().UTC())
	meta, err := scanMetadata(row)
	if err == nil {
		return meta, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Metadata{}, fmt.Errorf("acquire lease: %w", err)
	}
	current, err := s.GetMetadata(ctx, sessionID)
	if err != nil {
		return Metadata{}, err
	}
	if err := leaseable(current); err != nil {
		return Metadata{}, err
	}
	return Metadata{}, fmt.Errorf("acquire lease: session %s changed concurrently", sessionID)
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, sessionID, token string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
UPDATE upload_sessions
SET state = 'open', lease_token = '', version = version + 1, updated_at = $3
WHERE session_id = $1 AND state = 'finalizing' AND lease_token = $2`, sessionID, token, s.now().UTC())
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetMetadata(ctx, sessionID); err != nil {
		return err
	}
	return ErrLeaseMismatch
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var state string
		if err := tx.QueryRow(ctx, `SELECT state FROM upload_sessions WHERE session_id = $1 FOR UPDATE`, sessionID).Scan(&state); err != nil {
			if isNoRows(err) {
				return ErrNotFound
			}
			return fmt.Errorf("lock upload session: %w", err)
		}
		if State(state) == StateClosed {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM upload_chunks WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		if _, err := tx.Exec(ctx, `
UPDATE upload_sessions
SET state = 'closed', lease_token = '', version = version + 1, updated_at = $2
WHERE session_id = $1`, sessionID, s.now().UTC()); err != nil {
			return fmt.Errorf("close upload session: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]Metadata, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, sessionSelect+` ORDER BY s.session_id`)
	if err != nil {
		return nil, fmt.Errorf("list upload sessions: %w", err)
	}
	defer rows.Close()
	sessions := make([]Metadata, 0)
	for rows.Next() {
		meta, err := scanMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload session: %w", err)
		}
		sessions = append(sessions, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list upload sessions: %w", err)
	}
	return sessions, nil
}

// PurgeIdle locks the session row first so in-flight chunk writes, which
// hold FOR SHARE, finish before the idle check reads their stored_at.
func (s *PostgresStore) PurgeIdle(ctx context.Context, sessionID string, rule PurgeRule) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var purged bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var locked string
		if err := tx.QueryRow(ctx, `SELECT session_id FROM upload_sessions WHERE session_id = $1 FOR UPDATE`, sessionID).Scan(&locked); err != nil {
			if isNoRows(err) {
				return ErrNotFound
			}
			return fmt.Errorf("lock upload session: %w", err)
		}
		meta, err := scanMetadata(tx.QueryRow(ctx, sessionSelect+` WHERE s.session_id = $1`, sessionID))
		if err != nil {
			return err
		}
		if !rule.Allows(meta) {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM upload_sessions WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("purge upload session: %w", err)
		}
		purged = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return purged, nil
}

// Close closes the pool when the store opened it itself.
func (s *PostgresStore) Close() error {
	if s.owned && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func isNoRows(err error) bool {
	return err != nil && errors.Is(err, pgx.ErrNoRows)
}
