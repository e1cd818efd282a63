package account

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/stormtrooper/telemetry"
)

// RetentionPolicy controls pruning of abandoned anonymous users.
type RetentionPolicy struct {
	// TTL: anonymous users older than this are deleted (0 = disabled)
	TTL time.Duration
	// Interval: how often the job runs
	Interval time.Duration
	// DryRun: count candidates without deleting
	DryRun bool
}

// Pruner deletes anonymous users. Implemented by Store.
type Pruner interface {
	PruneAnonymous(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error)
}

// StartRetentionJob periodically removes anonymous users (no external accounts, no stream)
// older than policy.TTL. It blocks until ctx is cancelled.
func StartRetentionJob(ctx context.Context, p Pruner, policy RetentionPolicy) {
	if policy.TTL <= 0 {
		slog.Info("retention job disabled (ANON_USER_TTL not set)", slog.String("component", "retention"))
		return
	}
	if policy.Interval <= 0 {
		policy.Interval = 6 * time.Hour
	}

	slog.Info("retention job starting",
		slog.Duration("ttl", policy.TTL),
		slog.Bool("dry_run", policy.DryRun),
		slog.Duration("interval", policy.Interval),
		slog.String("component", "retention"))

	runRetention(ctx, p, policy, time.Now())

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention job stopped", slog.String("component", "retention"))
			return
		case now := <-ticker.C:
			runRetention(ctx, p, policy, now)
		}
	}
}

func runRetention(ctx context.Context, p Pruner, policy RetentionPolicy, now time.Time) int64 {
	logger := slog.Default().With(slog.String("component", "retention"), slog.Bool("dry_run", policy.DryRun))
	cutoff := now.Add(-policy.TTL)
	n, err := p.PruneAnonymous(ctx, cutoff, policy.DryRun)
	if err != nil {
		logger.Warn("retention cleanup failed", slog.Any("err", err))
		return 0
	}
	if policy.DryRun {
		logger.Info("retention dry run", slog.Int64("candidates", n), slog.Time("cutoff", cutoff))
		return n
	}
	if n > 0 {
		telemetry.AddUsersPruned(n)
		logger.Info("pruned anonymous users", slog.Int64("count", n), slog.Time("cutoff", cutoff))
	}
	return n
}
