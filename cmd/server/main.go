// Command server starts the learnhub API HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"learnhub/internal/api"
	"learnhub/internal/auth"
	"learnhub/internal/catalog"
	"learnhub/internal/observability/logging"
	"learnhub/internal/observability/metrics"
	"learnhub/internal/retry"
	"learnhub/internal/server"
	"learnhub/internal/serverutil"
	"learnhub/internal/storage"
	"learnhub/internal/upload"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "grace period for draining requests on shutdown")
	slowRequest := flag.Duration("slow-request-threshold", 0, "log requests slower than this at warn level")

	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")

	sessionStoreDriver := flag.String("session-store", "", "session store driver (memory or postgres)")
	sessionPostgresDSN := flag.String("session-postgres-dsn", "", "Postgres DSN for the session store")
	sessionTTL := flag.Duration("session-ttl", 0, "lifetime of login sessions")
	sessionPurgeInterval := flag.Duration("session-purge-interval", 0, "interval between expired session purges")

	authMode := flag.String("auth-mode", "", "bearer token verification (session, jwt or both)")
	jwtSecret := flag.String("jwt-hmac-secret", "", "shared secret for HS256 bearer tokens")
	jwtPublicKey := flag.String("jwt-rsa-public-key", "", "path to a PEM RSA public key for RS256 bearer tokens")
	jwtIssuer := flag.String("jwt-issuer", "", "required issuer claim for bearer tokens")
	jwtLeeway := flag.Duration("jwt-leeway", 0, "clock skew tolerated when validating bearer tokens")

	chunkDriver := flag.String("chunk-store", "", "chunk store driver (memory, fs, redis or postgres)")
	chunkDir := flag.String("chunk-dir", "", "directory for the filesystem chunk store")
	chunkCompression := flag.String("chunk-compression", "", "filesystem chunk compression (none, lz4 or zstd)")
	chunkRedisAddr := flag.String("chunk-redis-addr", "", "Redis address for the chunk store")
	chunkRedisUsername := flag.String("chunk-redis-username", "", "Redis username for the chunk store")
	chunkRedisPassword := flag.String("chunk-redis-password", "", "Redis password for the chunk store")
	chunkRedisDB := flag.Int("chunk-redis-db", 0, "Redis database for the chunk store")
	chunkRedisPrefix := flag.String("chunk-redis-prefix", "", "key prefix for the Redis chunk store")
	chunkRedisTTL := flag.Duration("chunk-redis-ttl", 0, "server side expiry for idle Redis session keys")
	chunkPostgresDSN := flag.String("chunk-postgres-dsn", "", "Postgres DSN for the chunk store (defaults to the datastore DSN)")
	chunkQueryTimeout := flag.Duration("chunk-postgres-timeout", 0, "per query timeout for the Postgres chunk store")

	objectDriver := flag.String("object-store", "", "object store driver (memory, fs or s3)")
	objectDir := flag.String("object-dir", "", "directory for the filesystem object store")
	objectPublicURL := flag.String("object-public-url", "", "public base URL for filesystem objects")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectEndpoint := flag.String("object-endpoint", "", "S3 compatible endpoint (e.g. http://127.0.0.1:9000)")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectPrefix := flag.String("object-prefix", "", "object storage key prefix")
	objectPublicEndpoint := flag.String("object-public-endpoint", "", "public endpoint used for media URLs")
	objectPathStyle := flag.Bool("object-path-style", false, "use path style S3 addressing")
	objectRequestTimeout := flag.Duration("object-request-timeout", 0, "timeout for a single S3 request")
	objectPartSize := flag.Int64("object-part-size", 0, "multipart upload part size in bytes")
	breakerFailures := flag.Int("object-breaker-failures", 0, "consecutive S3 failures that open the circuit breaker")
	breakerInterval := flag.Duration("object-breaker-interval", 0, "window for counting S3 failures")
	breakerTimeout := flag.Duration("object-breaker-timeout", 0, "time the S3 circuit breaker stays open")

	maxChunkBytes := flag.Int64("upload-max-chunk-bytes", 0, "largest accepted chunk in bytes")
	chunkTimeout := flag.Duration("upload-chunk-timeout", 0, "timeout for a chunk request")
	finalizeTimeout := flag.Duration("upload-finalize-timeout", 0, "timeout for a finalize request")
	finalizeParallelism := flag.Int("upload-finalize-parallelism", 0, "concurrent chunk reads during finalize")
	retryAttempts := flag.Int("upload-retry-attempts", 0, "object store upload attempts per finalize")
	retryBase := flag.Duration("upload-retry-base", 0, "first backoff between object store attempts")
	retryMax := flag.Duration("upload-retry-max", 0, "largest backoff between object store attempts")
	reapTTL := flag.Duration("upload-reap-ttl", 0, "purge upload sessions idle for longer than this (0 disables)")
	reapInterval := flag.Duration("upload-reap-interval", 0, "interval between upload session sweeps")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum login attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting login attempts")
	redisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed login throttling")
	redisPassword := flag.String("rate-redis-password", "", "Redis password for distributed login throttling")
	redisDB := flag.Int("rate-redis-db", 0, "Redis database for distributed login throttling")
	redisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis operations")
	redisTLS := flag.Bool("rate-redis-tls", false, "dial Redis over TLS")
	redisTLSCA := flag.String("rate-redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSServerName := flag.String("rate-redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("rate-redis-tls-skip-verify", false, "skip Redis TLS verification")
	corsOrigins := flag.String("cors-origins", "", "comma separated browser origins allowed to call the API")

	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("LEARNHUB_LOG_LEVEL"), "info"),
		Format: firstNonEmpty(*logFormat, os.Getenv("LEARNHUB_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("LEARNHUB_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("LEARNHUB_ADDR"))
	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("LEARNHUB_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("LEARNHUB_TLS_KEY")),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, _, err := resolveStorageDriver(*storageDriver, os.Getenv("LEARNHUB_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" {
		if err := validateProductionDatastore(driver, postgresDefaultDSN, os.Getenv("LEARNHUB_POSTGRES_DSN")); err != nil {
			logger.Error("production datastore validation failed", "error", err)
			os.Exit(1)
		}
	}

	var (
		store                   storage.Repository
		storagePostgresDSN      string
		datastoreAcquireTimeout time.Duration
	)
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("LEARNHUB_DATA"))
		store, err = storage.NewJSONRepository(dataFile)
	case "postgres":
		storagePostgresDSN = postgresDefaultDSN
		if storagePostgresDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.Option
		maxConns := resolveInt(*postgresMaxConns, "LEARNHUB_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "LEARNHUB_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "LEARNHUB_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "LEARNHUB_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "LEARNHUB_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		datastoreAcquireTimeout = resolveDuration(*postgresAcquireTimeout, "LEARNHUB_POSTGRES_ACQUIRE_TIMEOUT", 0)
		if datastoreAcquireTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(datastoreAcquireTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("LEARNHUB_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		store, err = storage.NewPostgresRepository(storagePostgresDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	sessionConfig, err := resolveSessionStoreConfig(
		*sessionStoreDriver,
		os.Getenv("LEARNHUB_SESSION_STORE"),
		driver,
		storagePostgresDSN,
		*sessionPostgresDSN,
		os.Getenv("LEARNHUB_SESSION_POSTGRES_DSN"),
		serverMode == "production",
	)
	if err != nil {
		logger.Error("failed to resolve session store", "error", err)
		os.Exit(1)
	}

	var (
		sessionStore  auth.SessionStore
		sessionCloser func(context.Context) error
	)
	switch sessionConfig.Driver {
	case "memory":
		sessionStore = auth.NewMemorySessionStore()
	case "postgres":
		pgStore, err := auth.NewPostgresSessionStore(ctx, sessionConfig.DSN, auth.WithTimeout(datastoreAcquireTimeout))
		if err != nil {
			logger.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
		sessionStore = pgStore
		sessionCloser = pgStore.Close
	default:
		logger.Error("unsupported session store driver", "driver", sessionConfig.Driver)
		os.Exit(1)
	}
	sessions := auth.NewSessionManager(
		resolveDuration(*sessionTTL, "LEARNHUB_SESSION_TTL", 24*time.Hour),
		auth.WithStore(sessionStore),
	)

	resolver, err := buildResolver(authConfig{
		Mode:          firstNonEmpty(*authMode, os.Getenv("LEARNHUB_AUTH_MODE")),
		HMACSecret:    firstNonEmpty(*jwtSecret, os.Getenv("LEARNHUB_JWT_HMAC_SECRET")),
		PublicKeyPath: firstNonEmpty(*jwtPublicKey, os.Getenv("LEARNHUB_JWT_RSA_PUBLIC_KEY")),
		Issuer:        firstNonEmpty(*jwtIssuer, os.Getenv("LEARNHUB_JWT_ISSUER")),
		Leeway:        resolveDuration(*jwtLeeway, "LEARNHUB_JWT_LEEWAY", 0),
	}, sessions, store)
	if err != nil {
		logger.Error("failed to configure authentication", "error", err)
		os.Exit(1)
	}

	chunkCfg := chunkStoreConfig{
		Driver:        firstNonEmpty(*chunkDriver, os.Getenv("LEARNHUB_CHUNK_STORE")),
		Dir:           firstNonEmpty(*chunkDir, os.Getenv("LEARNHUB_CHUNK_DIR")),
		Compression:   firstNonEmpty(*chunkCompression, os.Getenv("LEARNHUB_CHUNK_COMPRESSION")),
		RedisAddr:     firstNonEmpty(*chunkRedisAddr, os.Getenv("LEARNHUB_CHUNK_REDIS_ADDR")),
		RedisUsername: firstNonEmpty(*chunkRedisUsername, os.Getenv("LEARNHUB_CHUNK_REDIS_USERNAME")),
		RedisPassword: firstNonEmpty(*chunkRedisPassword, os.Getenv("LEARNHUB_CHUNK_REDIS_PASSWORD")),
		RedisDB:       resolveInt(*chunkRedisDB, "LEARNHUB_CHUNK_REDIS_DB"),
		RedisPrefix:   firstNonEmpty(*chunkRedisPrefix, os.Getenv("LEARNHUB_CHUNK_REDIS_PREFIX")),
		RedisTTL:      resolveDuration(*chunkRedisTTL, "LEARNHUB_CHUNK_REDIS_TTL", 0),
		PostgresDSN:   firstNonEmpty(*chunkPostgresDSN, os.Getenv("LEARNHUB_CHUNK_POSTGRES_DSN"), storagePostgresDSN),
		QueryTimeout:  resolveDuration(*chunkQueryTimeout, "LEARNHUB_CHUNK_POSTGRES_TIMEOUT", 0),
	}
	chunks, err := openChunkStore(ctx, chunkCfg)
	if err != nil {
		logger.Error("failed to open chunk store", "error", err)
		os.Exit(1)
	}

	objectCfg := objectStoreConfig{
		Driver:          firstNonEmpty(*objectDriver, os.Getenv("LEARNHUB_OBJECT_STORE")),
		Dir:             firstNonEmpty(*objectDir, os.Getenv("LEARNHUB_OBJECT_DIR")),
		PublicURL:       firstNonEmpty(*objectPublicURL, os.Getenv("LEARNHUB_OBJECT_PUBLIC_URL")),
		Bucket:          firstNonEmpty(*objectBucket, os.Getenv("LEARNHUB_OBJECT_BUCKET"), "media"),
		Region:          firstNonEmpty(*objectRegion, os.Getenv("LEARNHUB_OBJECT_REGION")),
		Endpoint:        firstNonEmpty(*objectEndpoint, os.Getenv("LEARNHUB_OBJECT_ENDPOINT")),
		AccessKey:       firstNonEmpty(*objectAccessKey, os.Getenv("LEARNHUB_OBJECT_ACCESS_KEY")),
		SecretKey:       firstNonEmpty(*objectSecretKey, os.Getenv("LEARNHUB_OBJECT_SECRET_KEY")),
		Prefix:          firstNonEmpty(*objectPrefix, os.Getenv("LEARNHUB_OBJECT_PREFIX")),
		PublicEndpoint:  firstNonEmpty(*objectPublicEndpoint, os.Getenv("LEARNHUB_OBJECT_PUBLIC_ENDPOINT")),
		PathStyle:       resolveBool(*objectPathStyle, "LEARNHUB_OBJECT_PATH_STYLE"),
		RequestTimeout:  resolveDuration(*objectRequestTimeout, "LEARNHUB_OBJECT_REQUEST_TIMEOUT", 0),
		PartSize:        resolveInt64(*objectPartSize, "LEARNHUB_OBJECT_PART_SIZE"),
		BreakerFailures: uint32(resolveInt(*breakerFailures, "LEARNHUB_OBJECT_BREAKER_FAILURES")),
		BreakerInterval: resolveDuration(*breakerInterval, "LEARNHUB_OBJECT_BREAKER_INTERVAL", 0),
		BreakerTimeout:  resolveDuration(*breakerTimeout, "LEARNHUB_OBJECT_BREAKER_TIMEOUT", 0),
	}
	objects, err := openObjectStore(ctx, objectCfg, logging.WithComponent(logger, "objectstore"))
	if err != nil {
		logger.Error("failed to open object store", "error", err)
		os.Exit(1)
	}

	storageRetry := retry.Default()
	if attempts := resolveInt(*retryAttempts, "LEARNHUB_UPLOAD_RETRY_ATTEMPTS"); attempts > 0 {
		storageRetry.MaxAttempts = attempts
	}
	storageRetry.Backoff = retry.Exponential(
		resolveDuration(*retryBase, "LEARNHUB_UPLOAD_RETRY_BASE", retry.DefaultBaseDelay),
		resolveDuration(*retryMax, "LEARNHUB_UPLOAD_RETRY_MAX", retry.DefaultMaxDelay),
	)

	uploadLogger := logging.WithComponent(logger, "uploads")
	uploads, err := upload.NewService(upload.Config{
		Chunks:              chunks,
		Objects:             objects.Store,
		Records:             catalog.Records(store),
		Bucket:              objectCfg.Bucket,
		MaxChunkBytes:       resolveInt64(*maxChunkBytes, "LEARNHUB_UPLOAD_MAX_CHUNK_BYTES"),
		FinalizeParallelism: resolveInt(*finalizeParallelism, "LEARNHUB_UPLOAD_FINALIZE_PARALLELISM"),
		StorageRetry:        storageRetry,
		Metrics:             recorder,
		Logger:              uploadLogger,
	})
	if err != nil {
		logger.Error("failed to configure uploads", "error", err)
		os.Exit(1)
	}
	reapAfter := resolveDuration(*reapTTL, "LEARNHUB_UPLOAD_REAP_TTL", 0)
	finalizeLimit := resolveDuration(*finalizeTimeout, "LEARNHUB_UPLOAD_FINALIZE_TIMEOUT", server.DefaultFinalizeTimeout)
	// A finalize lease held past twice the request deadline has no live
	// handler behind it.
	reaper := upload.NewReaper(upload.ReaperConfig{
		Store:    chunks,
		TTL:      reapAfter,
		LeaseTTL: 2 * finalizeLimit,
		Interval: resolveDuration(*reapInterval, "LEARNHUB_UPLOAD_REAP_INTERVAL", 0),
		Logger:   logging.WithComponent(logger, "upload-reaper"),
		Metrics:  recorder,
	})

	handler := api.NewHandler(store, sessions, uploads)
	handler.Resolver = resolver
	handler.Logger = logging.WithComponent(logger, "api")
	handler.SessionCookiePolicy = api.DefaultSessionCookiePolicy()
	handler.SessionCookiePolicy.SecureMode = resolveSessionCookieSecureMode(serverMode)
	handler.HealthChecks = []api.HealthCheck{
		{Name: "datastore", Check: store.Ping},
		{Name: "sessions", Check: sessions.Ping},
	}

	rateCfg := server.RateLimitConfig{
		GlobalRPS:   resolveFloat(*globalRPS, "LEARNHUB_RATE_GLOBAL_RPS"),
		GlobalBurst: resolveInt(*globalBurst, "LEARNHUB_RATE_GLOBAL_BURST"),
		LoginLimit:  resolveInt(*loginLimit, "LEARNHUB_RATE_LOGIN_LIMIT"),
		LoginWindow: resolveDuration(*loginWindow, "LEARNHUB_RATE_LOGIN_WINDOW", time.Minute),
		Redis: server.RedisLimiterConfig{
			Addr:     firstNonEmpty(*redisAddr, os.Getenv("LEARNHUB_RATE_REDIS_ADDR")),
			Password: firstNonEmpty(*redisPassword, os.Getenv("LEARNHUB_RATE_REDIS_PASSWORD")),
			DB:       resolveInt(*redisDB, "LEARNHUB_RATE_REDIS_DB"),
			Timeout:  resolveDuration(*redisTimeout, "LEARNHUB_RATE_REDIS_TIMEOUT", 2*time.Second),
			TLS: server.RedisTLSConfig{
				Enabled:            resolveBool(*redisTLS, "LEARNHUB_RATE_REDIS_TLS"),
				CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("LEARNHUB_RATE_REDIS_TLS_CA")),
				ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("LEARNHUB_RATE_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "LEARNHUB_RATE_REDIS_TLS_SKIP_VERIFY"),
			},
		},
	}

	srv, err := server.New(handler, server.Config{
		Addr:                 listenAddr,
		TLS:                  tlsCfg,
		RateLimit:            rateCfg,
		CORS:                 server.CORSConfig{AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("LEARNHUB_CORS_ORIGINS")))},
		Logger:               logger,
		AuditLogger:          auditLogger,
		Metrics:              recorder,
		ChunkTimeout:         resolveDuration(*chunkTimeout, "LEARNHUB_UPLOAD_CHUNK_TIMEOUT", server.DefaultChunkTimeout),
		FinalizeTimeout:      finalizeLimit,
		Media:                objects.Media,
		SlowRequestThreshold: resolveDuration(*slowRequest, "LEARNHUB_SLOW_REQUEST_THRESHOLD", 0),
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	background := []serverutil.Job{
		sessionPurgeJob(logging.WithComponent(logger, "session-purger"), sessions, resolveDuration(*sessionPurgeInterval, "LEARNHUB_SESSION_PURGE_INTERVAL", 15*time.Minute)),
	}
	if reaper.Enabled() {
		background = append(background, serverutil.Job{
			Name: "upload-reaper",
			Run: func(ctx context.Context) error {
				stopReaper := reaper.Start(ctx)
				<-ctx.Done()
				stopReaper()
				return nil
			},
		})
	}

	shutdownHooks := []func(context.Context) error{
		func(context.Context) error { return srv.Close() },
		func(context.Context) error {
			if err := chunks.Close(); err != nil {
				return fmt.Errorf("close chunk store: %w", err)
			}
			return nil
		},
		func(ctx context.Context) error {
			if closer, ok := store.(interface{ Close(context.Context) error }); ok {
				if err := closer.Close(ctx); err != nil {
					return fmt.Errorf("close datastore: %w", err)
				}
			}
			return nil
		},
	}
	if sessionCloser != nil {
		shutdownHooks = append(shutdownHooks, func(ctx context.Context) error {
			if err := sessionCloser(ctx); err != nil {
				return fmt.Errorf("close session store: %w", err)
			}
			return nil
		})
	}

	serverTLS := srv.TLS()
	err = serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: serverTLS.CertFile, KeyFile: serverTLS.KeyFile},
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "LEARNHUB_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout),
		OnListen: func(bound net.Addr) {
			logger.Info("learnhub API listening",
				"addr", bound.String(),
				"mode", serverMode,
				"tls", serverTLS.CertFile != "",
				"datastore", driver,
				"session_store", sessionConfig.Driver,
				"chunk_store", chunkCfg.driver(),
				"object_store", objectCfg.driver(),
				"reaper_ttl", reapAfter.String(),
			)
		},
		Background: background,
		OnShutdown: shutdownHooks,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

type sessionStoreConfig struct {
	Driver string
	DSN    string
}

// resolveSessionStoreConfig picks the session backend. Production refuses
// the in-memory store because sessions would not survive a restart.
func resolveSessionStoreConfig(flagDriver, envDriver, storageDriver, storageDSN, flagDSN, envDSN string, requirePostgres bool) (sessionStoreConfig, error) {
	driver := strings.ToLower(strings.TrimSpace(flagDriver))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envDriver))
	}

	sessionDSN := strings.TrimSpace(firstNonEmpty(flagDSN, envDSN))
	if driver == "" {
		switch {
		case sessionDSN != "":
			driver = "postgres"
		case storageDriver == "postgres":
			driver = "postgres"
		default:
			driver = "memory"
		}
	}

	switch driver {
	case "memory":
		if requirePostgres {
			return sessionStoreConfig{}, fmt.Errorf("production mode requires the postgres session store")
		}
		return sessionStoreConfig{Driver: "memory"}, nil
	case "postgres":
		if sessionDSN == "" {
			sessionDSN = strings.TrimSpace(storageDSN)
		}
		if sessionDSN == "" {
			return sessionStoreConfig{}, fmt.Errorf("postgres session store selected without DSN")
		}
		return sessionStoreConfig{Driver: "postgres", DSN: sessionDSN}, nil
	default:
		return sessionStoreConfig{}, fmt.Errorf("unsupported session store driver %q", driver)
	}
}

func resolveSessionCookieSecureMode(mode string) api.SessionCookieSecureMode {
	if strings.EqualFold(strings.TrimSpace(mode), "production") {
		return api.SessionCookieSecureAlways
	}
	return api.SessionCookieSecureAuto
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, bool, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, true, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, true, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", false, nil
	}
	return "", false, fmt.Errorf("no datastore configured: provide --storage-driver json or configure Postgres via LEARNHUB_POSTGRES_DSN, DATABASE_URL, or --postgres-dsn")
}

func validateProductionDatastore(driver, resolvedPostgresDSN, envPostgresDSN string) error {
	if driver != "postgres" {
		if driver == "" {
			return fmt.Errorf("production mode requires the postgres datastore driver")
		}
		return fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver)
	}
	if strings.TrimSpace(envPostgresDSN) == "" {
		return fmt.Errorf("production mode requires LEARNHUB_POSTGRES_DSN to be set")
	}
	if strings.TrimSpace(resolvedPostgresDSN) == "" {
		return fmt.Errorf("postgres storage selected without DSN")
	}
	return nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("LEARNHUB_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := parseFloat(env); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := parseInt(env); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}

func parseFloat(value string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(value), 64)
}

func parseInt(value string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	return v, nil
}
