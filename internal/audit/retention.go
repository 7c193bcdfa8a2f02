package audit

import (
	"context"
	"time"
)

// DefaultPruneInterval is how often RunRetention sweeps old rows.
const DefaultPruneInterval = time.Hour

// Logger is the subset of logging.Logger used by RunRetention.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// RunRetention prunes rows older than maxAge immediately and then every
// interval until ctx is cancelled. maxAge <= 0 keeps everything.
func RunRetention(ctx context.Context, repo Repository, maxAge, interval time.Duration, logger Logger) {
	if maxAge <= 0 {
		return
	}
	if interval <= 0 {
		interval = DefaultPruneInterval
	}

	prune := func() {
		n, err := repo.Prune(ctx, time.Now().Add(-maxAge))
		if logger == nil {
			return
		}
		switch {
		case err != nil:
			logger.Warn("command audit prune failed", "error", err)
		case n > 0:
			logger.Info("command audit pruned", "rows", n)
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// RetentionDays converts a day count to a duration.
func RetentionDays(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
