package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"learnhub/internal/auth"
	"learnhub/internal/chunkstore"
	"learnhub/internal/objectstore"
)

type authConfig struct {
	Mode          string
	HMACSecret    string
	PublicKeyPath string
	Issuer        string
	Leeway        time.Duration
}

// buildResolver returns nil for session mode so the handler falls back to
// its own SessionResolver.
func buildResolver(cfg authConfig, sessions *auth.SessionManager, users auth.UserLookup) (auth.Resolver, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "session"
	}
	if mode == "session" {
		return nil, nil
	}
	if mode != "jwt" && mode != "both" {
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}

	jwtCfg := auth.JWTConfig{
		Issuer: strings.TrimSpace(cfg.Issuer),
		Leeway: cfg.Leeway,
		Users:  users,
	}
	if secret := strings.TrimSpace(cfg.HMACSecret); secret != "" {
		jwtCfg.HMACSecret = []byte(secret)
	}
	if path := strings.TrimSpace(cfg.PublicKeyPath); path != "" {
		key, err := auth.LoadRSAPublicKey(path)
		if err != nil {
			return nil, err
		}
		jwtCfg.RSAPublicKey = key
	}
	jwtResolver, err := auth.NewJWTResolver(jwtCfg)
	if err != nil {
		return nil, fmt.Errorf("configure jwt: %w", err)
	}
	if mode == "jwt" {
		return jwtResolver, nil
	}
	return auth.ChainResolver{
		&auth.SessionResolver{Sessions: sessions, Users: users},
		jwtResolver,
	}, nil
}

type chunkStoreConfig struct {
	Driver        string
	Dir           string
	Compression   string
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	RedisTTL      time.Duration
	PostgresDSN   string
	QueryTimeout  time.Duration
}

func (c chunkStoreConfig) driver() string {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	if driver == "" {
		return "memory"
	}
	return driver
}

func openChunkStore(ctx context.Context, cfg chunkStoreConfig) (chunkstore.Store, error) {
	switch cfg.driver() {
	case "memory":
		return chunkstore.NewMemoryStore(), nil
	case "fs":
		compression, err := chunkstore.ParseCompression(cfg.Compression)
		if err != nil {
			return nil, err
		}
		store, err := chunkstore.NewFSStore(firstNonEmpty(cfg.Dir, "data/chunks"), chunkstore.WithCompression(compression))
		if err != nil {
			return nil, err
		}
		return store, nil
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("redis addr is required for the chunk store")
		}
		store, err := chunkstore.NewRedisStore(ctx, chunkstore.RedisConfig{
			Addr:       cfg.RedisAddr,
			Username:   cfg.RedisUsername,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			KeyPrefix:  cfg.RedisPrefix,
			SessionTTL: cfg.RedisTTL,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, fmt.Errorf("postgres chunk store selected without DSN")
		}
		var opts []chunkstore.PostgresOption
		if cfg.QueryTimeout > 0 {
			opts = append(opts, chunkstore.WithQueryTimeout(cfg.QueryTimeout))
		}
		store, err := chunkstore.NewPostgresStore(ctx, cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported chunk store driver %q", cfg.Driver)
	}
}

type objectStoreConfig struct {
	Driver          string
	Dir             string
	PublicURL       string
	Bucket          string
	Region          string
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Prefix          string
	PublicEndpoint  string
	PathStyle       bool
	RequestTimeout  time.Duration
	PartSize        int64
	BreakerFailures uint32
	BreakerInterval time.Duration
	BreakerTimeout  time.Duration
}

func (c objectStoreConfig) driver() string {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	if driver == "" {
		return "memory"
	}
	return driver
}

// objectBackend pairs the store with the handler serving its bytes, which is
// only set for backends the API hosts itself.
type objectBackend struct {
	Store objectstore.Store
	Media http.Handler
}

func openObjectStore(ctx context.Context, cfg objectStoreConfig, logger *slog.Logger) (objectBackend, error) {
	switch cfg.driver() {
	case "memory":
		return objectBackend{Store: objectstore.NewMemoryStore(cfg.Bucket, cfg.PublicURL)}, nil
	case "fs":
		store, err := objectstore.NewFSStore(firstNonEmpty(cfg.Dir, "data/media"), cfg.Bucket, firstNonEmpty(cfg.PublicURL, "/media"))
		if err != nil {
			return objectBackend{}, err
		}
		return objectBackend{Store: store, Media: store.Handler()}, nil
	case "s3":
		store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
			Bucket:         cfg.Bucket,
			Region:         cfg.Region,
			Endpoint:       cfg.Endpoint,
			AccessKey:      cfg.AccessKey,
			SecretKey:      cfg.SecretKey,
			Prefix:         cfg.Prefix,
			PublicEndpoint: cfg.PublicEndpoint,
			UsePathStyle:   cfg.PathStyle,
			RequestTimeout: cfg.RequestTimeout,
			PartSize:       cfg.PartSize,
			Breaker: objectstore.BreakerConfig{
				MaxFailures: cfg.BreakerFailures,
				Interval:    cfg.BreakerInterval,
				Timeout:     cfg.BreakerTimeout,
			},
			Logger: logger,
		})
		if err != nil {
			return objectBackend{}, err
		}
		return objectBackend{Store: store}, nil
	default:
		return objectBackend{}, fmt.Errorf("unsupported object store driver %q", cfg.Driver)
	}
}
