package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "store.json"), opts...)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	return store
}

func TestJSONRepositoryScenarios(t *testing.T) {
	runRepositoryScenarios(t, func(t *testing.T) Repository {
		return newTestStore(t)
	})
}

func TestStoragePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "store.json")
	fixed := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	store, err := NewStorage(path, WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	ctx := context.Background()
	user, err := store.CreateUser(ctx, CreateUserParams{Email: "persist@example.com", Password: "password123"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if !user.CreatedAt.Equal(fixed) {
		t.Fatalf("createdAt = %v, want %v", user.CreatedAt, fixed)
	}

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := reopened.AuthenticateUser(ctx, "persist@example.com", "password123"); err != nil {
		t.Fatalf("AuthenticateUser after reopen: %v", err)
	}
}

func TestStorageFailedPersistLeavesStateUntouched(t *testing.T) {
	store := newTestStore(t)
	store.persistOverride = func(dataset) error { return errors.New("disk full") }
	_, err := store.CreateUser(context.Background(), CreateUserParams{Email: "x@example.com", Password: "password123"})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("CreateUser error = %v, want disk full", err)
	}
	if len(store.data.Users) != 0 {
		t.Fatalf("users = %d, want 0 after failed persist", len(store.data.Users))
	}
}

func TestCreateUserDefaultsAndRoleValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user, err := store.CreateUser(ctx, CreateUserParams{Email: "learner@example.com", Password: "password123"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.DisplayName != "learner" || len(user.Roles) != 1 || user.Roles[0] != "student" {
		t.Fatalf("unexpected defaults %+v", user)
	}
	if _, err := store.CreateUser(ctx, CreateUserParams{Email: "boss@example.com", Password: "password123", Roles: []string{"superuser"}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown role error = %v, want ErrInvalidInput", err)
	}
	if _, err := store.CreateUser(ctx, CreateUserParams{Email: "not-an-email", Password: "password123"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("invalid email error = %v, want ErrInvalidInput", err)
	}
	if _, err := store.CreateUser(ctx, CreateUserParams{Email: "learner@other.com", Password: "password123"}); !errors.Is(err, ErrUsernameInUse) {
		t.Fatalf("duplicate username error = %v, want ErrUsernameInUse", err)
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	encoded, err := hashPassword("s3cret-pass")
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	if parts := strings.Split(encoded, "$"); len(parts) != 5 || parts[0] != "pbkdf2" {
		t.Fatalf("unexpected encoding %q", encoded)
	}
	if err := verifyPassword(encoded, "s3cret-pass"); err != nil {
		t.Fatalf("verifyPassword: %v", err)
	}
	if err := verifyPassword(encoded, "other"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password error = %v, want ErrInvalidCredentials", err)
	}
	if err := verifyPassword("md5$abc", "x"); err == nil {
		t.Fatalf("expected malformed hash error")
	}
}
