package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"learnhub/internal/serverutil"
)

type sessionPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// sessionPurgeJob drops expired login sessions every interval. A nil purger
// or non-positive interval yields a job that only waits for shutdown.
func sessionPurgeJob(logger *slog.Logger, sessions sessionPurger, interval time.Duration) serverutil.Job {
	if sessions == nil {
		interval = 0
	}
	return serverutil.Periodic("session-purger", interval, logger, func(ctx context.Context) error {
		return purgeExpiredSessions(ctx, logger, sessions)
	})
}

func purgeExpiredSessions(ctx context.Context, logger *slog.Logger, sessions sessionPurger) error {
	purged, err := sessions.PurgeExpired(ctx)
	if err != nil {
		return fmt.Errorf("purge expired sessions: %w", err)
	}
	if purged > 0 && logger != nil {
		logger.Info("purged expired sessions", "count", purged)
	}
	return nil
}
