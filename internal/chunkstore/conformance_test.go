package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"learnhub/internal/checksum"
)

// runStoreConformance exercises the behaviour every backend must share.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("CreateOrGetKeepsFirstMetadata", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		first, created, err := store.CreateOrGet(ctx, testMetadata("create-session", 3))
		if err != nil {
			t.Fatalf("CreateOrGet: %v", err)
		}
		if !created {
			t.Fatalf("expected session to be created")
		}
		if first.State != StateOpen || first.Version != 1 {
			t.Fatalf("state = %q version = %d, want open/1", first.State, first.Version)
		}

		second := testMetadata("create-session", 9)
		second.FileName = "other.mp4"
		got, created, err := store.CreateOrGet(ctx, second)
		if err != nil {
			t.Fatalf("CreateOrGet existing: %v", err)
		}
		if created {
			t.Fatalf("expected existing session to be returned")
		}
		if got.TotalChunks != 3 || got.FileName != "lecture.mp4" {
			t.Fatalf("existing metadata overwritten: %+v", got)
		}
	})

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		mustCreate(t, store, testMetadata("roundtrip", 3))

		payloads := map[int][]byte{
			2: bytes.Repeat([]byte("b"), 1024),
			1: bytes.Repeat([]byte("a"), 2048),
			3: []byte("tail"),
		}
		for _, index := range []int{2, 1, 3} {
			record, err := store.Put(ctx, "roundtrip", index, payloads[index])
			if err != nil {
				t.Fatalf("Put(%d): %v", index, err)
			}
			if record.Size != int64(len(payloads[index])) {
				t.Fatalf("record size = %d, want %d", record.Size, len(payloads[index]))
			}
			if record.Checksum != checksum.Chunk(payloads[index]) {
				t.Fatalf("record checksum mismatch for chunk %d", index)
			}
		}
		for index, want := range payloads {
			data, record, err := store.Get(ctx, "roundtrip", index)
			if err != nil {
				t.Fatalf("Get(%d): %v", index, err)
			}
			if !bytes.Equal(data, want) {
				t.Fatalf("Get(%d) returned different bytes", index)
			}
			if err := VerifyChunk(record, data); err != nil {
				t.Fatalf("VerifyChunk(%d): %v", index, err)
			}
		}
		indices, err := ListIndices(ctx, store, "roundtrip")
		if err != nil {
			t.Fatalf("ListIndices: %v", err)
		}
		if fmt.Sprint(indices) != "[1 2 3]" {
			t.Fatalf("indices = %v, want [1 2 3]", indices)
		}
		if _, _, err := store.Get(ctx, "roundtrip", 4); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get missing chunk error = %v, want ErrNotFound", err)
		}
	})

	t.Run("OverwriteReplacesOnlyThatIndex", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		mustCreate(t, store, testMetadata("overwrite", 2))
		mustPut(t, store, "overwrite", 1, []byte("first-version"))
		mustPut(t, store, "overwrite", 2, []byte("second"))
		mustPut(t, store, "overwrite", 1, []byte("replaced"))

		data, _, err := store.Get(ctx, "overwrite", 1)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(data) != "replaced" {
			t.Fatalf("chunk 1 = %q, want replaced", data)
		}
		data, _, err = store.Get(ctx, "overwrite", 2)
		if err != nil || string(data) != "second" {
			t.Fatalf("chunk 2 = %q, %v", data, err)
		}
		records, err := store.ListChunks(ctx, "overwrite")
		if err != nil {
			t.Fatalf("ListChunks: %v", err)
		}
		if len(records) != 2 || TotalSize(records) != int64(len("replaced")+len("second")) {
			t.Fatalf("records = %+v", records)
		}
		meta, err := store.GetMetadata(ctx, "overwrite")
		if err != nil {
			t.Fatalf("GetMetadata: %v", err)
		}
		if meta.TotalChunks != 2 || meta.FileSize != 4096 {
			t.Fatalf("metadata changed by overwrite: %+v", meta)
		}
	})

	t.Run("UnknownSession", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if _, err := store.Put(ctx, "missing", 1, []byte("x")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Put error = %v, want ErrNotFound", err)
		}
		if _, err := store.GetMetadata(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetMetadata error = %v, want ErrNotFound", err)
		}
		if _, err := store.ListChunks(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("ListChunks error = %v, want ErrNotFound", err)
		}
		if _, err := store.AcquireLease(ctx, "missing", "token"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("AcquireLease error = %v, want ErrNotFound", err)
		}
		if err := store.DeleteSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("DeleteSession error = %v, want ErrNotFound", err)
		}
	})

	t.Run("RejectsInvalidChunks", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		mustCreate(t, store, testMetadata("invalid", 1))
		if _, err := store.Put(ctx, "invalid", 0, []byte("x")); !errors.Is(err, ErrInvalidChunk) {
			t.Fatalf("index 0 error = %v, want ErrInvalidChunk", err)
		}
		if _, err := store.Put(ctx, "invalid", 1, nil); !errors.Is(err, ErrInvalidChunk) {
			t.Fatalf("empty chunk error = %v, want ErrInvalidChunk", err)
		}
		if _, _, err := store.CreateOrGet(ctx, testMetadata("../escape", 1)); !errors.Is(err, ErrInvalidChunk) {
			t.Fatalf("invalid session id error = %v, want ErrInvalidChunk", err)
		}
	})

	t.Run("LeaseBlocksWrites", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		mustCreate(t, store, testMetadata("lease", 2))
		mustPut(t, store, "lease", 1, []byte("one"))

		meta, err := store.AcquireLease(ctx, "lease", "token-a")
		if err != nil {
			t.Fatalf("AcquireLease: %v", err)
		}
		if meta.State != StateFinalizing || meta.LeaseToken != "token-a" || meta.Version != 2 {
			t.Fatalf("lease metadata = %+v", meta)
		}
		if _, err := store.Put(ctx, "lease", 2, []byte("two")); !errors.Is(err, ErrSessionLocked) {
			t.Fatalf("Put during lease error = %v, want ErrSessionLocked", err)
		}
		if _, err := store.AcquireLease(ctx, "lease", "token-b"); !errors.Is(err, ErrSessionLocked) {
			t.Fatalf("second AcquireLease error = %v, want ErrSessionLocked", err)
		}
		if err := store.ReleaseLease(ctx, "lease", "token-b"); !errors.Is(err, ErrLeaseMismatch) {
			t.Fatalf("ReleaseLease wrong token error = %v, want ErrLeaseMismatch", err)
		}
		if err := store.ReleaseLease(ctx, "lease", "token-a"); err != nil {
			t.Fatalf("ReleaseLease: %v", err)
		}
		if err := store.ReleaseLease(ctx, "lease", "token-a"); !errors.Is(err, ErrLeaseMismatch) {
			t.Fatalf("double ReleaseLease error = %v, want ErrLeaseMismatch", err)
		}
		mustPut(t, store, "lease", 2, []byte("two"))
		meta, err = store.GetMetadata(ctx, "lease")
		if err != nil {
			t.Fatalf("GetMetadata: %v", err)
		}
		if meta.State != StateOpen || meta.LeaseToken != "" {
			t.Fatalf("metadata after release = %+v", meta)
		}
	})

	t.Run("DeleteLeavesClosedTombstone", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		mustCreate(t, store, testMetadata("closing", 2))
		mustPut(t, store, "closing", 1, []byte("one"))
		mustPut(t, store, "closing", 2, []byte("two"))

		if err := store.DeleteSession(ctx, "closing"); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		meta, err := store.GetMetadata(ctx, "closing")
		if err != nil {
			t.Fatalf("GetMetadata tombstone: %v", err)
		}
		if meta.State != StateClosed {
			t.Fatalf("state = %q, want closed", meta.State)
		}
		records, err := store.ListChunks(ctx, "closing")
		if err != nil {
			t.Fatalf("ListChunks tombstone: %v", err)
		}
		if len(records) != 0 {
			t.Fatalf("expected no chunks after delete, got %d", len(records))
		}
		if _, _, err := store.Get(ctx, "closing", 1); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get after delete error = %v, want ErrNotFound", err)
		}
		if _, err := store.Put(ctx, "closing", 1, []byte("late")); !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("Put after delete error = %v, want ErrSessionClosed", err)
		}
		if _, err := store.AcquireLease(ctx, "closing", "token"); !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("AcquireLease after delete error = %v, want ErrSessionClosed", err)
		}
		if err := store.DeleteSession(ctx, "closing"); err != nil {
			t.Fatalf("second DeleteSession: %v", err)
		}
		if _, created, err := store.CreateOrGet(ctx, testMetadata("closing", 2)); err != nil || created {
			t.Fatalf("CreateOrGet on tombstone created=%v err=%v", created, err)
		}
	})

	t.Run("ListAndPurgeSessions", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		mustCreate(t, store, testMetadata("session-b", 1))
		mustCreate(t, store, testMetadata("session-a", 1))
		sessions, err := store.ListSessions(ctx)
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(sessions) != 2 || sessions[0].SessionID != "session-a" || sessions[1].SessionID != "session-b" {
			t.Fatalf("sessions = %+v", sessions)
		}
		everything := PurgeRule{IdleBefore: time.Now().Add(time.Hour)}
		purged, err := store.PurgeIdle(ctx, "session-a", everything)
		if err != nil || !purged {
			t.Fatalf("PurgeIdle purged=%v err=%v", purged, err)
		}
		if _, err := store.GetMetadata(ctx, "session-a"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetMetadata after purge error = %v, want ErrNotFound", err)
		}
		if _, err := store.PurgeIdle(ctx, "session-a", everything); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second PurgeIdle error = %v, want ErrNotFound", err)
		}
		sessions, err = store.ListSessions(ctx)
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(sessions) != 1 || sessions[0].SessionID != "session-b" {
			t.Fatalf("sessions after purge = %+v", sessions)
		}
	})

	t.Run("PurgeIdleRechecksUnderLock", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		mustCreate(t, store, testMetadata("fresh", 2))
		mustCreate(t, store, testMetadata("leased", 2))
		if _, err := store.AcquireLease(ctx, "leased", "token"); err != nil {
			t.Fatalf("AcquireLease: %v", err)
		}

		stale := PurgeRule{IdleBefore: time.Now().Add(-time.Hour)}
		if purged, err := store.PurgeIdle(ctx, "fresh", stale); err != nil || purged {
			t.Fatalf("PurgeIdle on recent session purged=%v err=%v", purged, err)
		}

		idle := PurgeRule{IdleBefore: time.Now().Add(time.Hour)}
		if purged, err := store.PurgeIdle(ctx, "leased", idle); err != nil || purged {
			t.Fatalf("PurgeIdle on finalizing session purged=%v err=%v", purged, err)
		}
		idle.LeaseBefore = time.Now().Add(-time.Hour)
		if purged, err := store.PurgeIdle(ctx, "leased", idle); err != nil || purged {
			t.Fatalf("PurgeIdle on fresh lease purged=%v err=%v", purged, err)
		}
		idle.LeaseBefore = time.Now().Add(time.Hour)
		if purged, err := store.PurgeIdle(ctx, "leased", idle); err != nil || !purged {
			t.Fatalf("PurgeIdle on stale lease purged=%v err=%v", purged, err)
		}
		if _, err := store.GetMetadata(ctx, "fresh"); err != nil {
			t.Fatalf("GetMetadata fresh: %v", err)
		}
		if _, err := store.GetMetadata(ctx, "leased"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetMetadata leased error = %v, want ErrNotFound", err)
		}
	})

	t.Run("PutMetadataReplaces", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		meta := mustCreate(t, store, testMetadata("replace-meta", 4))
		meta.MimeType = "video/webm"
		if err := store.PutMetadata(ctx, meta); err != nil {
			t.Fatalf("PutMetadata: %v", err)
		}
		got, err := store.GetMetadata(ctx, "replace-meta")
		if err != nil {
			t.Fatalf("GetMetadata: %v", err)
		}
		if got.MimeType != "video/webm" || got.TotalChunks != 4 {
			t.Fatalf("metadata = %+v", got)
		}
	})

	t.Run("ConcurrentDistinctIndices", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		const total = 12
		mustCreate(t, store, testMetadata("parallel", total))
		var wg sync.WaitGroup
		errs := make(chan error, total)
		for i := 1; i <= total; i++ {
			wg.Add(1)
			go func(index int) {
				defer wg.Done()
				if _, err := store.Put(ctx, "parallel", index, bytes.Repeat([]byte{byte(index)}, 512+index)); err != nil {
					errs <- fmt.Errorf("put %d: %w", index, err)
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatal(err)
		}
		records, err := store.ListChunks(ctx, "parallel")
		if err != nil {
			t.Fatalf("ListChunks: %v", err)
		}
		if missing := MissingIndices(total, records); len(missing) != 0 {
			t.Fatalf("missing = %v", missing)
		}
		for _, record := range records {
			data, _, err := store.Get(ctx, "parallel", record.Index)
			if err != nil {
				t.Fatalf("Get(%d): %v", record.Index, err)
			}
			if !bytes.Equal(data, bytes.Repeat([]byte{byte(record.Index)}, 512+record.Index)) {
				t.Fatalf("chunk %d corrupted", record.Index)
			}
		}
	})
}

func testMetadata(sessionID string, total int) Metadata {
	return Metadata{
		SessionID:   sessionID,
		OwnerID:     "user-1",
		FileName:    "lecture.mp4",
		FileType:    "lesson-video",
		MimeType:    "video/mp4",
		FileSize:    4096,
		TotalChunks: total,
	}
}

func mustCreate(t *testing.T, store Store, meta Metadata) Metadata {
	t.Helper()
	created, _, err := store.CreateOrGet(context.Background(), meta)
	if err != nil {
		t.Fatalf("CreateOrGet(%s): %v", meta.SessionID, err)
	}
	return created
}

func mustPut(t *testing.T, store Store, sessionID string, index int, data []byte) {
	t.Helper()
	if _, err := store.Put(context.Background(), sessionID, index, data); err != nil {
		t.Fatalf("Put(%s, %d): %v", sessionID, index, err)
	}
}
