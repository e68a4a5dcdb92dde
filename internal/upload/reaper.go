package upload

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"learnhub/internal/chunkstore"
	"learnhub/internal/observability/logging"
	"learnhub/internal/observability/metrics"
)

const minReapInterval = time.Minute

// ReaperConfig enables idle session cleanup. A zero TTL disables it.
// LeaseTTL bounds how long a finalize lease may be held before the session
// is treated as abandoned; zero leaves finalizing sessions alone.
type ReaperConfig struct {
	Store    chunkstore.Store
	TTL      time.Duration
	LeaseTTL time.Duration
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Now      func() time.Time
}

// Reaper purges sessions that have been idle longer than the TTL, including
// closed tombstones, and finalizing sessions whose lease outlived LeaseTTL.
// The store re-checks both conditions when it deletes, so a session that
// was written to or leased after the listing survives the sweep.
type Reaper struct {
	store    chunkstore.Store
	ttl      time.Duration
	leaseTTL time.Duration
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

func NewReaper(cfg ReaperConfig) *Reaper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = cfg.TTL / 4
		if interval < minReapInterval {
			interval = minReapInterval
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reaper{
		store:    cfg.Store,
		ttl:      cfg.TTL,
		leaseTTL: cfg.LeaseTTL,
		interval: interval,
		logger:   logging.WithComponent(logger, "upload-reaper"),
		metrics:  recorder,
		now:      now,
	}
}

// Enabled reports whether the reaper has a store and a positive TTL.
func (r *Reaper) Enabled() bool {
	return r != nil && r.store != nil && r.ttl > 0
}

// RunOnce performs a single sweep and returns the number of purged sessions.
// A failure on one session does not stop the sweep.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	if !r.Enabled() {
		return 0, nil
	}
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	now := r.now()
	rule := chunkstore.PurgeRule{IdleBefore: now.Add(-r.ttl)}
	if r.leaseTTL > 0 {
		rule.LeaseBefore = now.Add(-r.leaseTTL)
	}
	purged := 0
	for _, meta := range sessions {
		if err := ctx.Err(); err != nil {
			r.metrics.ObserveSessionsReaped(purged)
			return purged, err
		}
		if !rule.Allows(meta) {
			continue
		}
		ok, err := r.store.PurgeIdle(ctx, meta.SessionID, rule)
		if err != nil {
			if !errors.Is(err, chunkstore.ErrNotFound) {
				r.logger.Error("failed to purge idle upload session", "session_id", meta.SessionID, "error", err)
			}
			continue
		}
		if !ok {
			r.logger.Debug("upload session became active before purge", "session_id", meta.SessionID)
			continue
		}
		purged++
		r.logger.Info("purged idle upload session",
			"session_id", meta.SessionID,
			"state", string(meta.State),
			"idle_for", r.now().Sub(meta.UpdatedAt).Round(time.Second).String())
	}
	r.metrics.ObserveSessionsReaped(purged)
	return purged, nil
}

// Start sweeps every interval until ctx is cancelled or the returned stop
// function is called. A disabled reaper returns a no-op stop.
func (r *Reaper) Start(ctx context.Context) func() {
	if !r.Enabled() {
		return func() {}
	}
	ticker := time.NewTicker(r.interval)
	stop := r.start(ctx, ticker.C)
	return func() {
		stop()
		ticker.Stop()
	}
}

func (r *Reaper) start(ctx context.Context, ticks <-chan time.Time) func() {
	if !r.Enabled() {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticks:
				if _, err := r.RunOnce(workerCtx); err != nil && workerCtx.Err() == nil {
					r.logger.Error("upload session sweep failed", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
