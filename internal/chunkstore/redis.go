package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// maxTxAttempts bounds optimistic transaction retries on WATCH conflicts.
const maxTxAttempts = 16

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	cborEncMode, err = encOptions.EncMode()
	if err != nil {
		panic("chunkstore: CBOR encoder initialization failed: " + err.Error())
	}
	cborDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("chunkstore: CBOR decoder initialization failed: " + err.Error())
	}
}

// RedisConfig configures the Redis backed store.
type RedisConfig struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	// SessionTTL, when positive, expires idle session keys on the server
	// side in addition to the opt-in reaper.
	SessionTTL time.Duration
}

// RedisStore keeps metadata as CBOR under <prefix>:session:<id>:meta, chunk
// bytes in the ...:chunks hash and CBOR chunk records in ...:records. State
// transitions run as WATCH/MULTI/EXEC transactions on the meta key.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
	owned  bool
}

// NewRedisStore dials Redis using cfg and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("chunkstore: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	store := NewRedisStoreFromClient(client, cfg.KeyPrefix)
	store.ttl = cfg.SessionTTL
	store.owned = true
	return store, nil
}

// NewRedisStoreFromClient wraps an existing client. The caller keeps
// ownership of the client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "learnhub:uploads"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) sessionsKey() string {
	return s.prefix + ":sessions"
}

func (s *RedisStore) key(sessionID, suffix string) string {
	return s.prefix + ":session:" + sessionID + ":" + suffix
}

func (s *RedisStore) metaKey(sessionID string) string    { return s.key(sessionID, "meta") }
func (s *RedisStore) chunksKey(sessionID string) string  { return s.key(sessionID, "chunks") }
func (s *RedisStore) recordsKey(sessionID string) string { return s.key(sessionID, "records") }
func (s *RedisStore) touchedKey(sessionID string) string { return s.key(sessionID, "touched") }

func (s *RedisStore) sessionKeys(sessionID string) []string {
	return []string{s.metaKey(sessionID), s.chunksKey(sessionID), s.recordsKey(sessionID), s.touchedKey(sessionID)}
}

// transact runs fn inside WATCH on the session meta key, retrying when
// another client changed the key before EXEC.
func (s *RedisStore) transact(ctx context.Context, sessionID string, fn func(tx *redis.Tx) error, extra ...string) error {
	keys := append([]string{s.metaKey(sessionID)}, extra...)
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return fmt.Errorf("chunkstore: session %s: too much contention", sessionID)
}

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) readMeta(ctx context.Context, cmd stringGetter, sessionID string) (Metadata, error) {
	raw, err := cmd.Get(ctx, s.metaKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, fmt.Errorf("get session metadata: %w", err)
	}
	var meta Metadata
	if err := cborDecMode.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decode session metadata: %w", err)
	}
	return meta, nil
}

func (s *RedisStore) queueMeta(ctx context.Context, pipe redis.Pipeliner, meta Metadata) error {
	encoded, err := cborEncMode.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}
	pipe.Set(ctx, s.metaKey(meta.SessionID), encoded, 0)
	pipe.SAdd(ctx, s.sessionsKey(), meta.SessionID)
	if s.ttl > 0 {
		for _, key := range s.sessionKeys(meta.SessionID) {
			pipe.Expire(ctx, key, s.ttl)
		}
	}
	return nil
}

func (s *RedisStore) CreateOrGet(ctx context.Context, meta Metadata) (Metadata, bool, error) {
	prepared, err := prepareMetadata(meta, s.now())
	if err != nil {
		return Metadata{}, false, err
	}
	var (
		result  Metadata
		created bool
	)
	err = s.transact(ctx, meta.SessionID, func(tx *redis.Tx) error {
		existing, err := s.readMeta(ctx, tx, meta.SessionID)
		if err == nil {
			result, created = existing, false
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.queueMeta(ctx, pipe, prepared)
		})
		if err != nil {
			return err
		}
		result, created = prepared, true
		return nil
	})
	if err != nil {
		return Metadata{}, false, err
	}
	return result, created, nil
}

func (s *RedisStore) GetMetadata(ctx context.Context, sessionID string) (Metadata, error) {
	if !ValidSessionID(sessionID) {
		return Metadata{}, ErrNotFound
	}
	values, err := s.client.MGet(ctx, s.metaKey(sessionID), s.touchedKey(sessionID)).Result()
	if err != nil {
		return Metadata{}, fmt.Errorf("get session metadata: %w", err)
	}
	raw, ok := values[0].(string)
	if !ok {
		return Metadata{}, ErrNotFound
	}
	var meta Metadata
	if err := cborDecMode.Unmarshal([]byte(raw), &meta); err != nil {
		return Metadata{}, fmt.Errorf("decode session metadata: %w", err)
	}
	if touched, ok := values[1].(string); ok {
		meta = withTouched(meta, touched)
	}
	return meta, nil
}

// withTouched folds the last chunk write time into UpdatedAt.
func withTouched(meta Metadata, touched string) Metadata {
	nanos, err := strconv.ParseInt(touched, 10, 64)
	if err != nil {
		return meta
	}
	if at := time.Unix(0, nanos).UTC(); at.After(meta.UpdatedAt) {
		meta.UpdatedAt = at
	}
	return meta
}

func (s *RedisStore) PutMetadata(ctx context.Context, meta Metadata) error {
	if !ValidSessionID(meta.SessionID) {
		return fmt.Errorf("%w: session id %q", ErrInvalidChunk, meta.SessionID)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.queueMeta(ctx, pipe, meta)
	})
	return err
}

// Put only watches the meta key, so writes to distinct indices never
// conflict with each other, only with lease and close transitions.
func (s *RedisStore) Put(ctx context.Context, sessionID string, index int, data []byte) (ChunkRecord, error) {
	if err := validateChunk(sessionID, index, data); err != nil {
		return ChunkRecord{}, err
	}
	var record ChunkRecord
	err := s.transact(ctx, sessionID, func(tx *redis.Tx) error {
		meta, err := s.readMeta(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := writable(meta); err != nil {
			return err
		}
		now := s.now()
		record = newRecord(sessionID, index, data, now)
		encoded, err := cborEncMode.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode chunk record: %w", err)
		}
		field := strconv.Itoa(index)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.chunksKey(sessionID), field, data)
			pipe.HSet(ctx, s.recordsKey(sessionID), field, encoded)
			pipe.Set(ctx, s.touchedKey(sessionID), strconv.FormatInt(now.UnixNano(), 10), 0)
			if s.ttl > 0 {
				for _, key := range s.sessionKeys(sessionID) {
					pipe.Expire(ctx, key, s.ttl)
				}
			}
			return nil
		})
		return err
	})
	if err != nil {
		return ChunkRecord{}, err
	}
	return record, nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string, index int) ([]byte, ChunkRecord, error) {
	if !ValidSessionID(sessionID) {
		return nil, ChunkRecord{}, ErrNotFound
	}
	field := strconv.Itoa(index)
	pipe := s.client.Pipeline()
	dataCmd := pipe.HGet(ctx, s.chunksKey(sessionID), field)
	recordCmd := pipe.HGet(ctx, s.recordsKey(sessionID), field)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, ChunkRecord{}, fmt.Errorf("get chunk %d: %w", index, err)
	}
	data, err := dataCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ChunkRecord{}, ErrNotFound
		}
		return nil, ChunkRecord{}, fmt.Errorf("get chunk %d: %w", index, err)
	}
	rawRecord, err := recordCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ChunkRecord{}, ErrNotFound
		}
		return nil, ChunkRecord{}, fmt.Errorf("get chunk record %d: %w", index, err)
	}
	var record ChunkRecord
	if err := cborDecMode.Unmarshal(rawRecord, &record); err != nil {
		return nil, ChunkRecord{}, fmt.Errorf("%w: decode chunk record %d: %v", ErrCorruptChunk, index, err)
	}
	return data, record, nil
}

func (s *RedisStore) ListChunks(ctx context.Context, sessionID string) ([]ChunkRecord, error) {
	if !ValidSessionID(sessionID) {
		return nil, ErrNotFound
	}
	if _, err := s.readMeta(ctx, s.client, sessionID); err != nil {
		return nil, err
	}
	raw, err := s.client.HGetAll(ctx, s.recordsKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list chunk records: %w", err)
	}
	records := make([]ChunkRecord, 0, len(raw))
	for field, value := range raw {
		var record ChunkRecord
		if err := cborDecMode.Unmarshal([]byte(value), &record); err != nil {
			return nil, fmt.Errorf("%w: decode chunk record %s: %v", ErrCorruptChunk, field, err)
		}
		records = append(records, record)
	}
	sortRecords(records)
	return records, nil
}

func (s *RedisStore) AcquireLease(ctx context.Context, sessionID, token string) (Metadata, error) {
	if !ValidSessionID(sessionID) {
		return Metadata{}, ErrNotFound
	}
	var result Metadata
	err := s.transact(ctx, sessionID, func(tx *redis.Tx) error {
		meta, err := s.readMeta(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := leaseable(meta); err != nil {
			return err
		}
		meta = acquired(meta, token, s.now())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.queueMeta(ctx, pipe, meta)
		})
		if err != nil {
			return err
		}
		result = meta
		return nil
	})
	if err != nil {
		return Metadata{}, err
	}
	return result, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, sessionID, token string) error {
	if !ValidSessionID(sessionID) {
		return ErrNotFound
	}
	return s.transact(ctx, sessionID, func(tx *redis.Tx) error {
		meta, err := s.readMeta(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		meta, err = released(meta, token, s.now())
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.queueMeta(ctx, pipe, meta)
		})
		return err
	})
}

func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	if !ValidSessionID(sessionID) {
		return ErrNotFound
	}
	return s.transact(ctx, sessionID, func(tx *redis.Tx) error {
		meta, err := s.readMeta(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if meta.State == StateClosed {
			return nil
		}
		closed := tombstone(meta, s.now())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.chunksKey(sessionID), s.recordsKey(sessionID), s.touchedKey(sessionID))
			return s.queueMeta(ctx, pipe, closed)
		})
		return err
	})
}

func (s *RedisStore) ListSessions(ctx context.Context) ([]Metadata, error) {
	ids, err := s.client.SMembers(ctx, s.sessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions := make([]Metadata, 0, len(ids))
	for _, id := range ids {
		meta, err := s.GetMetadata(ctx, id)
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

func (s *RedisStore) PurgeIdle(ctx context.Context, sessionID string, rule PurgeRule) (bool, error) {
	if !ValidSessionID(sessionID) {
		return false, ErrNotFound
	}
	var purged bool
	err := s.transact(ctx, sessionID, func(tx *redis.Tx) error {
		purged = false
		meta, err := s.readMeta(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		touched, err := tx.Get(ctx, s.touchedKey(sessionID)).Result()
		switch {
		case err == nil:
			meta = withTouched(meta, touched)
		case !errors.Is(err, redis.Nil):
			return fmt.Errorf("get session touch time: %w", err)
		}
		if !rule.Allows(meta) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.sessionKeys(sessionID)...)
			pipe.SRem(ctx, s.sessionsKey(), sessionID)
			return nil
		})
		if err != nil {
			return err
		}
		purged = true
		return nil
	}, s.touchedKey(sessionID))
	if err != nil {
		return false, err
	}
	return purged, nil
}

// Close releases the client when the store dialled it itself.
func (s *RedisStore) Close() error {
	if s.owned && s.client != nil {
		return s.client.Close()
	}
	return nil
}
