package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"learnhub/internal/api"
	"learnhub/internal/auth"
	"learnhub/internal/chunkstore"
	"learnhub/internal/objectstore"
	"learnhub/internal/testsupport/redisstub"
)

func TestResolveStorageDriverDefaultsToPostgres(t *testing.T) {
	dsn := "postgres://example"
	driver, explicit, err := resolveStorageDriver("", "", dsn)
	if err != nil {
		t.Fatalf("resolveStorageDriver returned error: %v", err)
	}
	if explicit {
		t.Fatalf("expected postgres default to be implicit, got explicit")
	}
	if driver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", driver)
	}
}

func TestResolveStorageDriverFlagWins(t *testing.T) {
	driver, explicit, err := resolveStorageDriver(" JSON ", "postgres", "postgres://example")
	if err != nil {
		t.Fatalf("resolveStorageDriver returned error: %v", err)
	}
	if !explicit || driver != "json" {
		t.Fatalf("expected explicit json driver, got %q explicit=%v", driver, explicit)
	}
}

func TestResolveStorageDriverMissingConfigFails(t *testing.T) {
	if _, _, err := resolveStorageDriver("", "", ""); err == nil {
		t.Fatal("resolveStorageDriver expected error when no configuration provided")
	}
}

func TestResolveSessionCookieSecureMode(t *testing.T) {
	t.Parallel()

	if mode := resolveSessionCookieSecureMode("production"); mode != api.SessionCookieSecureAlways {
		t.Fatalf("expected production mode to force secure cookies, got %v", mode)
	}
	if mode := resolveSessionCookieSecureMode("development"); mode != api.SessionCookieSecureAuto {
		t.Fatalf("expected development mode to keep auto secure cookies, got %v", mode)
	}
	if mode := resolveSessionCookieSecureMode(" "); mode != api.SessionCookieSecureAuto {
		t.Fatalf("expected empty mode to keep auto secure cookies, got %v", mode)
	}
}

func TestValidateProductionDatastoreRejectsNonPostgres(t *testing.T) {
	if err := validateProductionDatastore("json", "postgres://example", "postgres://env"); err == nil {
		t.Fatal("expected error when production mode uses non-postgres driver")
	}
}

func TestValidateProductionDatastoreRequiresEnvDSN(t *testing.T) {
	err := validateProductionDatastore("postgres", "postgres://resolved", "")
	if err == nil {
		t.Fatal("expected error when LEARNHUB_POSTGRES_DSN is missing")
	}
	if !strings.Contains(err.Error(), "LEARNHUB_POSTGRES_DSN") {
		t.Fatalf("expected error to mention LEARNHUB_POSTGRES_DSN, got %q", err)
	}
}

func TestValidateProductionDatastoreRequiresResolvedDSN(t *testing.T) {
	if err := validateProductionDatastore("postgres", "", "postgres://env"); err == nil {
		t.Fatal("expected error when resolved Postgres DSN is empty")
	}
}

func TestResolvePostgresDSNPriority(t *testing.T) {
	t.Setenv("LEARNHUB_POSTGRES_DSN", "postgres://env")
	t.Setenv("DATABASE_URL", "postgres://database")
	got := resolvePostgresDSN("postgres://flag")
	if got != "postgres://flag" {
		t.Fatalf("expected flag DSN to win, got %q", got)
	}
	got = resolvePostgresDSN("")
	if got != "postgres://env" {
		t.Fatalf("expected LEARNHUB_POSTGRES_DSN to win, got %q", got)
	}
	t.Setenv("LEARNHUB_POSTGRES_DSN", "")
	got = resolvePostgresDSN("")
	if got != "postgres://database" {
		t.Fatalf("expected DATABASE_URL fallback, got %q", got)
	}
}

func TestResolveListenAddr(t *testing.T) {
	cases := []struct {
		name string
		flag string
		mode string
		env  string
		want string
	}{
		{name: "FlagWins", flag: ":9000", mode: "production", env: ":7000", want: ":9000"},
		{name: "EnvFallback", mode: "production", env: ":7000", want: ":7000"},
		{name: "ProductionDefault", mode: "production", want: ":80"},
		{name: "DevelopmentDefault", mode: "development", want: ":8080"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := resolveListenAddr(tc.flag, tc.mode, tc.env); got != tc.want {
				t.Fatalf("resolveListenAddr() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveNumericFallbacks(t *testing.T) {
	t.Setenv("LEARNHUB_TEST_INT64", "16777216")
	t.Setenv("LEARNHUB_TEST_DURATION", "90s")
	t.Setenv("LEARNHUB_TEST_BAD_INT", "lots")

	if got := resolveInt64(0, "LEARNHUB_TEST_INT64"); got != 16<<20 {
		t.Fatalf("resolveInt64 env = %d, want %d", got, 16<<20)
	}
	if got := resolveInt64(512, "LEARNHUB_TEST_INT64"); got != 512 {
		t.Fatalf("resolveInt64 flag = %d, want 512", got)
	}
	if got := resolveInt(0, "LEARNHUB_TEST_BAD_INT"); got != 0 {
		t.Fatalf("resolveInt should ignore unparsable env, got %d", got)
	}
	if got := resolveDuration(0, "LEARNHUB_TEST_DURATION", time.Minute); got != 90*time.Second {
		t.Fatalf("resolveDuration env = %v, want 90s", got)
	}
	if got := resolveDuration(0, "LEARNHUB_TEST_UNSET", time.Minute); got != time.Minute {
		t.Fatalf("resolveDuration fallback = %v, want 1m", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" https://a.test , ,https://b.test ")
	if len(got) != 2 || got[0] != "https://a.test" || got[1] != "https://b.test" {
		t.Fatalf("unexpected split result %v", got)
	}
	if got := splitAndTrim(" , "); got != nil {
		t.Fatalf("expected nil for blank input, got %v", got)
	}
}

func TestResolveSessionStoreConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name            string
		flagDriver      string
		envDriver       string
		storageDriver   string
		storageDSN      string
		flagDSN         string
		envDSN          string
		requirePostgres bool
		want            sessionStoreConfig
		wantErr         bool
	}{
		{
			name:          "DefaultsToPostgresWhenStorageIsPostgres",
			storageDriver: "postgres",
			storageDSN:    "postgres://main",
			want:          sessionStoreConfig{Driver: "postgres", DSN: "postgres://main"},
		},
		{
			name:          "DefaultsToPostgresWhenSessionDSNProvided",
			storageDriver: "json",
			envDSN:        "postgres://sessions",
			want:          sessionStoreConfig{Driver: "postgres", DSN: "postgres://sessions"},
		},
		{
			name:          "ExplicitMemoryWins",
			flagDriver:    "memory",
			storageDriver: "postgres",
			storageDSN:    "postgres://main",
			want:          sessionStoreConfig{Driver: "memory"},
		},
		{
			name:          "DefaultsToMemoryWithoutHints",
			storageDriver: "json",
			want:          sessionStoreConfig{Driver: "memory"},
		},
		{
			name:          "ErrorsWhenPostgresSelectedWithoutDSN",
			flagDriver:    "postgres",
			storageDriver: "json",
			wantErr:       true,
		},
		{
			name:          "RejectsUnknownDriver",
			envDriver:     "etcd",
			storageDriver: "json",
			wantErr:       true,
		},
		{
			name:            "ProductionUsesPostgresWithSharedDSN",
			storageDriver:   "postgres",
			storageDSN:      "postgres://main",
			requirePostgres: true,
			want:            sessionStoreConfig{Driver: "postgres", DSN: "postgres://main"},
		},
		{
			name:            "ProductionRejectsExplicitMemory",
			flagDriver:      "memory",
			storageDriver:   "postgres",
			storageDSN:      "postgres://main",
			requirePostgres: true,
			wantErr:         true,
		},
		{
			name:            "ProductionRejectsImplicitMemory",
			storageDriver:   "json",
			requirePostgres: true,
			wantErr:         true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := resolveSessionStoreConfig(tc.flagDriver, tc.envDriver, tc.storageDriver, tc.storageDSN, tc.flagDSN, tc.envDSN, tc.requirePostgres)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg != tc.want {
				t.Fatalf("got %+v, want %+v", cfg, tc.want)
			}
		})
	}
}

func TestBuildResolverSessionModeUsesHandlerDefault(t *testing.T) {
	resolver, err := buildResolver(authConfig{}, auth.NewSessionManager(time.Hour), nil)
	if err != nil {
		t.Fatalf("buildResolver returned error: %v", err)
	}
	if resolver != nil {
		t.Fatalf("expected nil resolver for session mode, got %T", resolver)
	}
}

func TestBuildResolverRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  authConfig
	}{
		{name: "UnknownMode", cfg: authConfig{Mode: "oauth"}},
		{name: "JWTWithoutKey", cfg: authConfig{Mode: "jwt"}},
		{name: "MissingKeyFile", cfg: authConfig{Mode: "jwt", PublicKeyPath: filepath.Join(t.TempDir(), "missing.pem")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := buildResolver(tc.cfg, auth.NewSessionManager(time.Hour), nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestBuildResolverJWTModes(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Username: "ada",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "learnhub-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	sessions := auth.NewSessionManager(time.Hour)
	for _, mode := range []string{"jwt", "BOTH"} {
		t.Run(mode, func(t *testing.T) {
			resolver, err := buildResolver(authConfig{Mode: mode, HMACSecret: secret, Issuer: "learnhub-test"}, sessions, nil)
			if err != nil {
				t.Fatalf("buildResolver returned error: %v", err)
			}
			identity, err := resolver.Resolve(context.Background(), signed)
			if err != nil {
				t.Fatalf("Resolve returned error: %v", err)
			}
			if identity.ID != "user-1" || identity.Username != "ada" {
				t.Fatalf("unexpected identity %+v", identity)
			}
			if _, err := resolver.Resolve(context.Background(), "not-a-token"); !errors.Is(err, auth.ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken for garbage token, got %v", err)
			}
		})
	}

	both, err := buildResolver(authConfig{Mode: "both", HMACSecret: secret}, sessions, nil)
	if err != nil {
		t.Fatalf("buildResolver returned error: %v", err)
	}
	if chain, ok := both.(auth.ChainResolver); !ok || len(chain) != 2 {
		t.Fatalf("expected a two element ChainResolver, got %T", both)
	}
}

func TestOpenChunkStoreDrivers(t *testing.T) {
	ctx := context.Background()

	memory, err := openChunkStore(ctx, chunkStoreConfig{})
	if err != nil {
		t.Fatalf("memory chunk store: %v", err)
	}
	if _, ok := memory.(*chunkstore.MemoryStore); !ok {
		t.Fatalf("expected memory store by default, got %T", memory)
	}
	memory.Close()

	dir := filepath.Join(t.TempDir(), "chunks")
	fsStore, err := openChunkStore(ctx, chunkStoreConfig{Driver: "fs", Dir: dir, Compression: "zstd"})
	if err != nil {
		t.Fatalf("fs chunk store: %v", err)
	}
	defer fsStore.Close()
	if _, ok := fsStore.(*chunkstore.FSStore); !ok {
		t.Fatalf("expected fs store, got %T", fsStore)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected chunk dir to be created: %v", err)
	}

	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	defer srv.Close()
	redisStore, err := openChunkStore(ctx, chunkStoreConfig{Driver: "redis", RedisAddr: srv.Addr(), RedisPrefix: "learnhub"})
	if err != nil {
		t.Fatalf("redis chunk store: %v", err)
	}
	defer redisStore.Close()
	if _, ok := redisStore.(*chunkstore.RedisStore); !ok {
		t.Fatalf("expected redis store, got %T", redisStore)
	}
}

func TestOpenChunkStoreRejectsIncompleteConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  chunkStoreConfig
	}{
		{name: "UnknownDriver", cfg: chunkStoreConfig{Driver: "s3"}},
		{name: "UnknownCompression", cfg: chunkStoreConfig{Driver: "fs", Dir: t.TempDir(), Compression: "brotli"}},
		{name: "RedisWithoutAddr", cfg: chunkStoreConfig{Driver: "redis"}},
		{name: "PostgresWithoutDSN", cfg: chunkStoreConfig{Driver: "postgres"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, err := openChunkStore(context.Background(), tc.cfg)
			if err == nil {
				store.Close()
				t.Fatal("expected error")
			}
			if store != nil {
				t.Fatalf("expected nil store on error, got %T", store)
			}
		})
	}
}

func TestOpenObjectStoreDrivers(t *testing.T) {
	ctx := context.Background()

	memory, err := openObjectStore(ctx, objectStoreConfig{Bucket: "media", PublicURL: "https://cdn.test"}, nil)
	if err != nil {
		t.Fatalf("memory object store: %v", err)
	}
	if memory.Media != nil {
		t.Fatal("memory object store should not expose a media handler")
	}
	if got := memory.Store.PublicURL("", "lessons/a.mp4"); got != "https://cdn.test/media/lessons/a.mp4" {
		t.Fatalf("unexpected public URL %q", got)
	}

	fs, err := openObjectStore(ctx, objectStoreConfig{Driver: "fs", Dir: t.TempDir(), Bucket: "media"}, nil)
	if err != nil {
		t.Fatalf("fs object store: %v", err)
	}
	if _, ok := fs.Store.(*objectstore.FSStore); !ok {
		t.Fatalf("expected fs object store, got %T", fs.Store)
	}
	if fs.Media == nil {
		t.Fatal("expected fs object store to expose a media handler")
	}
	if got := fs.Store.PublicURL("", "lessons/a.mp4"); got != "/media/media/lessons/a.mp4" {
		t.Fatalf("unexpected public URL %q", got)
	}

	if _, err := openObjectStore(ctx, objectStoreConfig{Driver: "gcs"}, nil); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if _, err := openObjectStore(ctx, objectStoreConfig{Driver: "s3"}, nil); err == nil {
		t.Fatal("expected error for s3 without bucket")
	}
}
