package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	// LoginLimit attempts per LoginWindow are allowed for each client IP.
	LoginLimit  int
	LoginWindow time.Duration
	// Redis, when Addr is set, shares login counters across replicas.
	Redis RedisLimiterConfig
}

type RedisLimiterConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
	TLS      RedisTLSConfig
}

type rateLimiter struct {
	global      *rate.Limiter
	loginLimit  int
	loginWindow time.Duration
	now         func() time.Time

	loginMu      sync.Mutex
	loginBuckets map[string]*ipLimiter

	store loginStore
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// loginStore counts login attempts in a fixed window shared between
// replicas.
type loginStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	rl := &rateLimiter{
		loginLimit:   cfg.LoginLimit,
		loginWindow:  cfg.LoginWindow,
		now:          time.Now,
		loginBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = max(int(cfg.GlobalRPS), 1)
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.loginLimit < 0 {
		rl.loginLimit = 0
	}
	if rl.loginWindow <= 0 {
		rl.loginWindow = time.Minute
	}
	if cfg.Redis.Addr != "" && rl.loginLimit > 0 {
		store, err := newRedisStore(redisStoreConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Timeout:  cfg.Redis.Timeout,
			TLS:      cfg.Redis.TLS,
		})
		if err != nil {
			return nil, err
		}
		rl.store = store
	}
	return rl, nil
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowLogin reports whether another login attempt from key is allowed and,
// if not, how long the caller should wait.
func (r *rateLimiter) AllowLogin(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.loginLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, "learnhub:login:"+key, r.loginLimit, r.loginWindow)
	}

	now := r.now()
	r.loginMu.Lock()
	bucket, exists := r.loginBuckets[key]
	if !exists {
		every := r.loginWindow / time.Duration(r.loginLimit)
		bucket = &ipLimiter{limiter: rate.NewLimiter(rate.Every(every), r.loginLimit)}
		r.loginBuckets[key] = bucket
	}
	bucket.lastSeen = now
	r.cleanupLocked(now)
	r.loginMu.Unlock()

	reservation := bucket.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-2 * r.loginWindow)
	for key, bucket := range r.loginBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.loginBuckets, key)
		}
	}
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}
